// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package statestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agent-platform/internal/agent"
	perrors "agent-platform/pkg/errors"
	"agent-platform/pkg/log"
	"agent-platform/pkg/metrics"
	"agent-platform/pkg/tracing"
)

// Options Store 选项
type Options struct {
	// Order 回退顺序；为空使用 DefaultOrder
	Order []Tier
	// Algorithm 校验算法：sha256（默认）| blake3
	Algorithm string
	// AutoRepair Load 发现损坏时自动从其他副本修复
	AutoRepair bool
	// Schemas agent_type -> state_data 结构
	Schemas map[string]Schema
	// MaxSnapshotsPerAgent 每层每 Agent 保留的快照数；<=0 不裁剪
	MaxSnapshotsPerAgent int
	Logger               *log.Logger
}

// Store 分层状态存储：快照写入按层回退，读取校验校验和，支持修复与灾备恢复。
type Store struct {
	backends    map[Tier]Backend
	order       []Tier
	sum         Checksummer
	autoRepair  bool
	schemas     map[string]Schema
	maxPerAgent int
	logger      *log.Logger

	mu        sync.RWMutex
	forced    map[Tier]string // 人为排除（演练/运维），健康检查不会清除
	unhealthy map[Tier]error  // 健康检查失败

	now func() time.Time
}

// New 创建 Store；backends 至少包含一层，Order 中没有后端的层被忽略
func New(backends map[Tier]Backend, opts Options) (*Store, error) {
	if len(backends) == 0 {
		return nil, errors.New("statestore: no backends configured")
	}
	sum, err := NewChecksummer(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	order := opts.Order
	if len(order) == 0 {
		order = DefaultOrder
	}
	s := &Store{
		backends:    make(map[Tier]Backend, len(backends)),
		sum:         sum,
		autoRepair:  opts.AutoRepair,
		schemas:     opts.Schemas,
		maxPerAgent: opts.MaxSnapshotsPerAgent,
		logger:      log.Or(opts.Logger).With("component", "statestore"),
		forced:      make(map[Tier]string),
		unhealthy:   make(map[Tier]error),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, t := range order {
		if b, ok := backends[t]; ok && b != nil {
			s.order = append(s.order, t)
			s.backends[t] = b
		}
	}
	if len(s.order) == 0 {
		return nil, errors.New("statestore: tier order matches no configured backend")
	}
	if s.schemas == nil {
		s.schemas = make(map[string]Schema)
	}
	return s, nil
}

// Order 当前回退顺序
func (s *Store) Order() []Tier {
	return append([]Tier(nil), s.order...)
}

// Algorithm 校验算法
func (s *Store) Algorithm() string {
	return s.sum.Algorithm()
}

// Backend 返回某层后端
func (s *Store) Backend(t Tier) (Backend, bool) {
	b, ok := s.backends[t]
	return b, ok
}

// Checksum 计算 rec 的规范化校验和
func (s *Store) Checksum(rec *agent.Record) (string, error) {
	payload, err := Marshal(rec)
	if err != nil {
		return "", err
	}
	return s.sum.Sum(payload), nil
}

// SetSchema 注册或替换某类 Agent 的 state_data 结构
func (s *Store) SetSchema(agentType string, schema Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[agentType] = schema
}

// MarkUnavailable 将层排除出读写路径，直到 MarkAvailable
func (s *Store) MarkUnavailable(t Tier, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		reason = "marked unavailable"
	}
	s.forced[t] = reason
	s.logger.Warn("存储层已排除", "tier", t, "reason", reason)
}

// MarkAvailable 取消 MarkUnavailable
func (s *Store) MarkAvailable(t Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.forced[t]; ok {
		delete(s.forced, t)
		s.logger.Info("存储层已恢复", "tier", t)
	}
}

// Available 层是否可用
func (s *Store) Available(t Tier) bool {
	if _, ok := s.backends[t]; !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, forced := s.forced[t]
	_, bad := s.unhealthy[t]
	return !forced && !bad
}

// UnavailableTiers 当前不可用的层及原因
func (s *Store) UnavailableTiers() map[Tier]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Tier]string, len(s.forced)+len(s.unhealthy))
	for t, r := range s.forced {
		out[t] = r
	}
	for t, err := range s.unhealthy {
		if _, ok := out[t]; !ok {
			out[t] = err.Error()
		}
	}
	return out
}

// CheckHealth Ping 每一层，更新健康状态；返回各层结果（nil 表示健康）
func (s *Store) CheckHealth(ctx context.Context) map[Tier]error {
	out := make(map[Tier]error, len(s.order))
	for _, t := range s.order {
		err := s.backends[t].Ping(ctx)
		out[t] = err
		s.mu.Lock()
		if err != nil {
			if _, was := s.unhealthy[t]; !was {
				s.logger.Warn("存储层健康检查失败", "tier", t, "error", err)
			}
			s.unhealthy[t] = err
		} else {
			delete(s.unhealthy, t)
		}
		s.mu.Unlock()
	}
	return out
}

// fallbackFrom 以 pref 开头，其余按回退顺序
func (s *Store) fallbackFrom(pref Tier) []Tier {
	out := make([]Tier, 0, len(s.order))
	if _, ok := s.backends[pref]; ok {
		out = append(out, pref)
	}
	for _, t := range s.order {
		if t != pref {
			out = append(out, t)
		}
	}
	return out
}

// CreateSnapshot 将 rec 写入 pref 层；失败或层不可用时按回退顺序尝试下一层。
// 返回的快照 ID 引用实际落盘的层。
func (s *Store) CreateSnapshot(ctx context.Context, rec *agent.Record, kind string, pref Tier) (*Snapshot, error) {
	if rec == nil || rec.ID == "" {
		return nil, perrors.New(perrors.KindInvalidArgument, "create_snapshot", "record with agent_id is required")
	}
	ctx, span := tracing.StartStoreSpan(ctx, "create_snapshot", rec.ID, string(pref))
	payload, err := Marshal(rec)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, fmt.Errorf("encode agent %s: %w", rec.ID, err)
	}
	base := &Snapshot{
		ID:        NewSnapshotID(pref),
		AgentID:   rec.ID,
		UserID:    rec.Owner.UserID,
		Version:   rec.Version,
		Phase:     rec.Phase,
		Kind:      kind,
		Algorithm: s.sum.Algorithm(),
		Checksum:  s.sum.Sum(payload),
		Payload:   payload,
		CreatedAt: s.now(),
	}
	var errs []error
	for _, t := range s.fallbackFrom(pref) {
		if !s.Available(t) {
			errs = append(errs, fmt.Errorf("%s: unavailable", t))
			continue
		}
		snap := base.Clone()
		snap.ID = retier(base.ID, t)
		snap.Tier = t
		if err := s.persistSnapshot(ctx, t, snap); err != nil {
			metrics.SnapshotWriteFailuresTotal.WithLabelValues(string(t)).Inc()
			s.logger.Warn("快照写入失败，回退到下一层", "agent_id", rec.ID, "tier", t, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		metrics.SnapshotWritesTotal.WithLabelValues(string(t)).Inc()
		s.prune(ctx, t, rec.ID)
		tracing.EndSpan(span, nil)
		return snap, nil
	}
	err = perrors.Newf(perrors.KindTierUnavailable, "create_snapshot", "no tier accepted snapshot for agent %s", rec.ID).
		WithCause(errors.Join(errs...))
	tracing.EndSpan(span, err)
	return nil, err
}

// WriteSnapshotTo 将已有快照复制到指定层（ID 中的 uuid 保持不变）
func (s *Store) WriteSnapshotTo(ctx context.Context, snap *Snapshot, t Tier) (*Snapshot, error) {
	if snap == nil {
		return nil, perrors.New(perrors.KindInvalidArgument, "write_snapshot", "snapshot is required")
	}
	if !snap.Verify() {
		return nil, perrors.Newf(perrors.KindIntegrityViolation, "write_snapshot", "snapshot %s fails its checksum", snap.ID)
	}
	if !s.Available(t) {
		return nil, perrors.Newf(perrors.KindTierUnavailable, "write_snapshot", "tier %s unavailable", t)
	}
	cp := snap.Clone()
	cp.Tier = t
	if err := s.persistSnapshot(ctx, t, cp); err != nil {
		metrics.SnapshotWriteFailuresTotal.WithLabelValues(string(t)).Inc()
		return nil, perrors.Newf(perrors.KindTierUnavailable, "write_snapshot", "tier %s", t).WithCause(err)
	}
	metrics.SnapshotWritesTotal.WithLabelValues(string(t)).Inc()
	s.prune(ctx, t, snap.AgentID)
	return cp, nil
}

func (s *Store) persistSnapshot(ctx context.Context, t Tier, snap *Snapshot) error {
	blob, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	return s.backends[t].Persist(ctx, SnapshotKey(snap.AgentID, snap.ID), blob)
}

// readSnapshot 读取某层中的快照；不存在返回 nil, nil
func (s *Store) readSnapshot(ctx context.Context, t Tier, agentID, snapshotID string) (*Snapshot, error) {
	blob, err := s.backends[t].Load(ctx, SnapshotKey(agentID, snapshotID))
	if err != nil || blob == nil {
		return nil, err
	}
	snap, err := decodeSnapshot(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUndecodable, err)
	}
	snap.Tier = t
	return snap, nil
}

// errUndecodable 快照信封无法解码，按损坏处理
var errUndecodable = errors.New("undecodable snapshot")

// Load 按 ID 读取快照并校验；ID 所指层优先，其余层按回退顺序查找同一快照的副本。
// 校验失败时：开启 AutoRepair 则用有效副本覆盖损坏副本并返回，否则返回 ErrIntegrityViolation。
func (s *Store) Load(ctx context.Context, agentID, snapshotID string) (*Snapshot, *agent.Record, error) {
	ctx, span := tracing.StartStoreSpan(ctx, "load_snapshot", agentID, string(TierOfID(snapshotID)))
	snap, rec, err := s.load(ctx, agentID, snapshotID)
	tracing.EndSpan(span, err)
	return snap, rec, err
}

func (s *Store) load(ctx context.Context, agentID, snapshotID string) (*Snapshot, *agent.Record, error) {
	var corrupted []Tier
	var readErrs []error
	for _, t := range s.fallbackFrom(TierOfID(snapshotID)) {
		if !s.Available(t) {
			continue
		}
		snap, err := s.readSnapshot(ctx, t, agentID, snapshotID)
		if errors.Is(err, errUndecodable) {
			metrics.IntegrityViolationsTotal.WithLabelValues(ViolationChecksumMismatch).Inc()
			s.logger.Warn("快照无法解码", "agent_id", agentID, "snapshot_id", snapshotID, "tier", t, "error", err)
			corrupted = append(corrupted, t)
			if !s.autoRepair {
				return nil, nil, perrors.Newf(perrors.KindIntegrityViolation, "load_snapshot",
					"snapshot %s on tier %s is undecodable", snapshotID, t).
					WithDetail("tier", string(t)).WithCause(err)
			}
			continue
		}
		if err != nil {
			readErrs = append(readErrs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		if snap == nil {
			continue
		}
		if snap.AgentID != agentID {
			continue
		}
		if !snap.Verify() {
			metrics.IntegrityViolationsTotal.WithLabelValues(ViolationChecksumMismatch).Inc()
			s.logger.Warn("快照校验和不一致", "agent_id", agentID, "snapshot_id", snapshotID, "tier", t)
			corrupted = append(corrupted, t)
			if !s.autoRepair {
				return nil, nil, perrors.Newf(perrors.KindIntegrityViolation, "load_snapshot",
					"snapshot %s on tier %s fails checksum", snapshotID, t).
					WithDetail("tier", string(t))
			}
			continue
		}
		rec, err := snap.Record()
		if err != nil {
			corrupted = append(corrupted, t)
			continue
		}
		if len(corrupted) > 0 && s.autoRepair {
			s.rewrite(ctx, snap, corrupted)
		}
		return snap, rec, nil
	}
	if len(corrupted) > 0 {
		return nil, nil, perrors.Newf(perrors.KindIntegrityViolation, "load_snapshot",
			"no valid copy of snapshot %s", snapshotID).WithCause(errors.Join(readErrs...))
	}
	if len(readErrs) > 0 {
		return nil, nil, perrors.Newf(perrors.KindTierUnavailable, "load_snapshot",
			"snapshot %s unreadable", snapshotID).WithCause(errors.Join(readErrs...))
	}
	return nil, nil, perrors.Newf(perrors.KindNotFound, "load_snapshot", "snapshot %s of agent %s not found", snapshotID, agentID)
}

// rewrite 用有效副本覆盖损坏层
func (s *Store) rewrite(ctx context.Context, good *Snapshot, tiers []Tier) {
	for _, t := range tiers {
		cp := good.Clone()
		cp.Tier = t
		if err := s.persistSnapshot(ctx, t, cp); err != nil {
			s.logger.Warn("自动修复写回失败", "snapshot_id", good.ID, "tier", t, "error", err)
			metrics.RepairsTotal.WithLabelValues("auto", "failed").Inc()
			continue
		}
		metrics.RepairsTotal.WithLabelValues("auto", "repaired").Inc()
		s.logger.Info("已自动修复损坏快照", "snapshot_id", good.ID, "tier", t, "source", good.Tier)
	}
}

// ListSnapshots 列出某层中 Agent 的快照（新到旧），不校验 Payload
func (s *Store) ListSnapshots(ctx context.Context, agentID string, t Tier) ([]*Snapshot, error) {
	b, ok := s.backends[t]
	if !ok {
		return nil, perrors.Newf(perrors.KindTierUnavailable, "list_snapshots", "tier %s not configured", t)
	}
	keys, err := b.List(ctx, snapshotPrefix(agentID))
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(keys))
	for _, key := range keys {
		blob, err := b.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		if blob == nil {
			continue
		}
		snap, err := decodeSnapshot(blob)
		if err != nil {
			s.logger.Warn("跳过无法解码的快照", "key", key, "tier", t, "error", err)
			continue
		}
		if snap.AgentID != agentID {
			continue
		}
		snap.Tier = t
		out = append(out, snap)
	}
	sortNewestFirst(out)
	return out, nil
}

// latestInTier 某层中属于 userID 的最新有效快照；userID 为空不过滤
func (s *Store) latestInTier(ctx context.Context, t Tier, agentID, userID string) (*Snapshot, *agent.Record, error) {
	snaps, err := s.ListSnapshots(ctx, agentID, t)
	if err != nil {
		return nil, nil, err
	}
	for _, snap := range snaps {
		if userID != "" && snap.UserID != userID {
			continue
		}
		if !snap.Verify() {
			metrics.IntegrityViolationsTotal.WithLabelValues(ViolationChecksumMismatch).Inc()
			continue
		}
		rec, err := snap.Record()
		if err != nil {
			continue
		}
		if userID != "" && rec.Owner.UserID != userID {
			continue
		}
		return snap, rec, nil
	}
	return nil, nil, nil
}

// LatestValid 所有可用层中版本最新的有效快照；不存在返回 nil, nil, nil
func (s *Store) LatestValid(ctx context.Context, agentID, userID string) (*Snapshot, *agent.Record, error) {
	var best *Snapshot
	var bestRec *agent.Record
	for _, t := range s.order {
		if !s.Available(t) {
			continue
		}
		snap, rec, err := s.latestInTier(ctx, t, agentID, userID)
		if err != nil {
			s.logger.Warn("读取层失败", "tier", t, "agent_id", agentID, "error", err)
			continue
		}
		if snap == nil {
			continue
		}
		if best == nil || snap.Version > best.Version ||
			(snap.Version == best.Version && snap.CreatedAt.After(best.CreatedAt)) {
			best, bestRec = snap, rec
		}
	}
	return best, bestRec, nil
}

// LatestInPhase 最新的处于 phase 的有效快照（用于回滚到稳定状态）
func (s *Store) LatestInPhase(ctx context.Context, agentID, userID string, phase agent.Phase) (*Snapshot, *agent.Record, error) {
	var best *Snapshot
	var bestRec *agent.Record
	for _, t := range s.order {
		if !s.Available(t) {
			continue
		}
		snaps, err := s.ListSnapshots(ctx, agentID, t)
		if err != nil {
			continue
		}
		for _, snap := range snaps {
			if snap.Phase != phase || (userID != "" && snap.UserID != userID) || !snap.Verify() {
				continue
			}
			if best != nil && snap.Version <= best.Version {
				break
			}
			rec, err := snap.Record()
			if err != nil {
				continue
			}
			best, bestRec = snap, rec
			break
		}
	}
	return best, bestRec, nil
}

// DeleteAgent 删除 Agent 在各层的快照；tiers 为空表示全部层
func (s *Store) DeleteAgent(ctx context.Context, agentID string, tiers ...Tier) (int, error) {
	if len(tiers) == 0 {
		tiers = s.order
	}
	n := 0
	var errs []error
	for _, t := range tiers {
		b, ok := s.backends[t]
		if !ok {
			continue
		}
		keys, err := b.List(ctx, snapshotPrefix(agentID))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		for _, k := range keys {
			if err := b.Delete(ctx, k); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", t, err))
				continue
			}
			n++
		}
	}
	return n, errors.Join(errs...)
}

// prune 按保留数裁剪旧快照
func (s *Store) prune(ctx context.Context, t Tier, agentID string) {
	if s.maxPerAgent <= 0 {
		return
	}
	snaps, err := s.ListSnapshots(ctx, agentID, t)
	if err != nil || len(snaps) <= s.maxPerAgent {
		return
	}
	for _, old := range snaps[s.maxPerAgent:] {
		if err := s.backends[t].Delete(ctx, SnapshotKey(agentID, old.ID)); err != nil {
			s.logger.Debug("裁剪快照失败", "snapshot_id", old.ID, "tier", t, "error", err)
		}
	}
}

// Close 关闭全部后端
func (s *Store) Close() error {
	var errs []error
	for _, t := range s.order {
		if err := s.backends[t].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

// recordEnvelope 通用记录信封
type recordEnvelope struct {
	Algorithm string    `cbor:"algorithm"`
	Checksum  string    `cbor:"checksum"`
	Payload   []byte    `cbor:"payload"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

func (s *Store) recordOrder() []Tier {
	return s.fallbackFrom(TierDurable)
}

func validNamespace(ns string) bool {
	return ns != "" && !strings.Contains(ns, "/")
}

// PutRecord 写入命名空间下的记录（DURABLE 优先，按回退顺序）
func (s *Store) PutRecord(ctx context.Context, namespace, key string, v any) error {
	if !validNamespace(namespace) || key == "" {
		return perrors.Newf(perrors.KindInvalidArgument, "put_record", "invalid namespace %q or key %q", namespace, key)
	}
	payload, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record %s/%s: %w", namespace, key, err)
	}
	blob, err := Marshal(recordEnvelope{
		Algorithm: s.sum.Algorithm(),
		Checksum:  s.sum.Sum(payload),
		Payload:   payload,
		UpdatedAt: s.now(),
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range s.recordOrder() {
		if !s.Available(t) {
			continue
		}
		if err := s.backends[t].Persist(ctx, RecordKey(namespace, key), blob); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		return nil
	}
	return perrors.Newf(perrors.KindTierUnavailable, "put_record", "no tier accepted %s/%s", namespace, key).
		WithCause(errors.Join(errs...))
}

// GetRecord 读取记录到 v；不存在返回 false
func (s *Store) GetRecord(ctx context.Context, namespace, key string, v any) (bool, error) {
	for _, t := range s.recordOrder() {
		if !s.Available(t) {
			continue
		}
		blob, err := s.backends[t].Load(ctx, RecordKey(namespace, key))
		if err != nil {
			s.logger.Debug("读取记录失败", "tier", t, "key", key, "error", err)
			continue
		}
		if blob == nil {
			continue
		}
		var env recordEnvelope
		if err := Unmarshal(blob, &env); err != nil {
			return false, perrors.Newf(perrors.KindIntegrityViolation, "get_record", "record %s/%s undecodable", namespace, key).WithCause(err)
		}
		if sumWith(env.Algorithm, env.Payload) != env.Checksum {
			metrics.IntegrityViolationsTotal.WithLabelValues(ViolationChecksumMismatch).Inc()
			return false, perrors.Newf(perrors.KindIntegrityViolation, "get_record", "record %s/%s fails checksum", namespace, key)
		}
		if err := Unmarshal(env.Payload, v); err != nil {
			return false, fmt.Errorf("decode record %s/%s: %w", namespace, key, err)
		}
		return true, nil
	}
	return false, nil
}

// ListRecords 列出命名空间下以 prefix 开头的记录 key（去掉命名空间前缀，跨层去重）
func (s *Store) ListRecords(ctx context.Context, namespace, prefix string) ([]string, error) {
	full := RecordKey(namespace, prefix)
	strip := RecordKey(namespace, "")
	seen := make(map[string]bool)
	var out []string
	for _, t := range s.recordOrder() {
		if !s.Available(t) {
			continue
		}
		keys, err := s.backends[t].List(ctx, full)
		if err != nil {
			return nil, fmt.Errorf("list %s on %s: %w", full, t, err)
		}
		for _, k := range keys {
			k = strings.TrimPrefix(k, strip)
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out, nil
}

// DeleteRecord 从所有层删除记录
func (s *Store) DeleteRecord(ctx context.Context, namespace, key string) error {
	var errs []error
	for _, t := range s.order {
		if err := s.backends[t].Delete(ctx, RecordKey(namespace, key)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}
