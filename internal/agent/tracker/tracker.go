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

// Package tracker 负责 Agent 状态的写穿持久化、恢复与跨会话续接。
package tracker

import (
	"context"
	"hash/fnv"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"agent-platform/internal/agent"
	"agent-platform/internal/agent/lifecycle"
	"agent-platform/internal/storage/statestore"
	"agent-platform/pkg/config"
	perrors "agent-platform/pkg/errors"
	"agent-platform/pkg/log"
	"agent-platform/pkg/metrics"
)

// ContinuityNamespace SessionContinuityRecord 在 StateStore 中的命名空间
const ContinuityNamespace = "continuity"

// TombstoneNamespace 已销毁 Agent 的墓碑记录
const TombstoneNamespace = "tombstone"

// tombstone 销毁标记；清理持久化状态后仍保留，阻止同一 ID 被重新创建或恢复
type tombstone struct {
	AgentID     string    `json:"agent_id" cbor:"agent_id"`
	UserID      string    `json:"user_id" cbor:"user_id"`
	DestroyedAt time.Time `json:"destroyed_at" cbor:"destroyed_at"`
}

// stripes 写穿锁分片数
const stripes = 64

// Options Tracker 配置
type Options struct {
	WriteThrough  bool
	SnapshotTier  statestore.Tier
	ContinuityTTL time.Duration
	Logger        *log.Logger
}

// OptionsFromConfig 由配置构造 Options
func OptionsFromConfig(cfg config.TrackerConfig, logger *log.Logger) (Options, error) {
	tier := statestore.TierFast
	if cfg.SnapshotTier != "" {
		t, err := statestore.ParseTier(cfg.SnapshotTier)
		if err != nil {
			return Options{}, err
		}
		tier = t
	}
	return Options{
		WriteThrough:  cfg.WriteThrough,
		SnapshotTier:  tier,
		ContinuityTTL: config.Duration(cfg.ContinuityTTL, 72*time.Hour),
		Logger:        logger,
	}, nil
}

// Tracker 状态追踪器：包装 lifecycle.Manager 的迁移，并把每次变更写入 StateStore
type Tracker struct {
	m      *lifecycle.Manager
	store  *statestore.Store
	opts   Options
	logger *log.Logger

	locks [stripes]sync.Mutex

	capMu sync.RWMutex
	caps  map[string]map[string]bool // session_id -> capability -> available

	now func() time.Time
}

// New 创建 Tracker 并注册为 Manager 的写穿持久化
func New(m *lifecycle.Manager, store *statestore.Store, opts Options) *Tracker {
	if opts.SnapshotTier == "" {
		opts.SnapshotTier = statestore.TierFast
	}
	if opts.ContinuityTTL <= 0 {
		opts.ContinuityTTL = 72 * time.Hour
	}
	t := &Tracker{
		m:      m,
		store:  store,
		opts:   opts,
		logger: log.Or(opts.Logger).With("component", "tracker"),
		caps:   make(map[string]map[string]bool),
		now:    time.Now,
	}
	m.SetPersister(t)
	return t
}

// Store 底层 StateStore
func (t *Tracker) Store() *statestore.Store { return t.store }

func (t *Tracker) lockFor(agentID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return &t.locks[h.Sum32()%stripes]
}

// Persist 实现 lifecycle.Persister；同一 Agent 的写入串行化
func (t *Tracker) Persist(ctx context.Context, rec *agent.Record, kind string) error {
	if rec.Phase == agent.PhaseDestroyed {
		if err := t.bury(ctx, rec); err != nil {
			return err
		}
	}
	if !t.opts.WriteThrough {
		return nil
	}
	_, err := t.snapshot(ctx, rec, kind, t.opts.SnapshotTier)
	return err
}

func (t *Tracker) snapshot(ctx context.Context, rec *agent.Record, kind string, tier statestore.Tier) (*statestore.Snapshot, error) {
	mu := t.lockFor(rec.ID)
	mu.Lock()
	defer mu.Unlock()
	return t.store.CreateSnapshot(ctx, rec, kind, tier)
}

// Purge 实现 lifecycle.Persister
func (t *Tracker) Purge(ctx context.Context, rec *agent.Record, scope lifecycle.PurgeScope) error {
	mu := t.lockFor(rec.ID)
	mu.Lock()
	defer mu.Unlock()
	if scope == lifecycle.PurgeEphemeral {
		_, err := t.store.DeleteAgent(ctx, rec.ID, statestore.TierFast)
		return err
	}
	if _, err := t.store.DeleteAgent(ctx, rec.ID); err != nil {
		return err
	}
	if err := t.bury(ctx, rec); err != nil {
		return err
	}
	keys, err := t.store.ListRecords(ctx, ContinuityNamespace, userPrefix(rec.Owner.UserID))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if strings.HasSuffix(k, "/"+url.PathEscape(rec.ID)) {
			if err := t.store.DeleteRecord(ctx, ContinuityNamespace, k); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tracker) bury(ctx context.Context, rec *agent.Record) error {
	return t.store.PutRecord(ctx, TombstoneNamespace, url.PathEscape(rec.ID), tombstone{
		AgentID:     rec.ID,
		UserID:      rec.Owner.UserID,
		DestroyedAt: t.now().UTC(),
	})
}

// Destroyed 实现 lifecycle.Persister
func (t *Tracker) Destroyed(ctx context.Context, agentID string) (bool, error) {
	var ts tombstone
	return t.store.GetRecord(ctx, TombstoneNamespace, url.PathEscape(agentID), &ts)
}

// LatestStable 实现 lifecycle.Persister：ACTIVE 与 COMPLETING 中版本较新的快照
func (t *Tracker) LatestStable(ctx context.Context, agentID, userID string) (*agent.Record, error) {
	var best *agent.Record
	for _, p := range []agent.Phase{agent.PhaseActive, agent.PhaseCompleting} {
		_, rec, err := t.store.LatestInPhase(ctx, agentID, userID, p)
		if err != nil {
			return nil, err
		}
		if rec != nil && (best == nil || rec.Version > best.Version) {
			best = rec
		}
	}
	return best, nil
}

// TransitionAgentState CAS 迁移；写穿快照由 Persist 完成
func (t *Tracker) TransitionAgentState(ctx context.Context, agentID string, from, to agent.Phase, phaseData map[string]any) (*agent.Record, error) {
	return t.m.TransitionAgentPhase(ctx, agentID, from, to, phaseData)
}

// UpdateAgentStateData 合并 state_data；写穿时生成新快照
func (t *Tracker) UpdateAgentStateData(ctx context.Context, agentID string, update map[string]any) (*agent.Record, error) {
	return t.m.UpdateStateData(ctx, agentID, update)
}

// StateRecoveryStrategy RecoverAgentState 选取快照的方式
type StateRecoveryStrategy string

const (
	// LatestSnapshot 版本最新的有效快照
	LatestSnapshot StateRecoveryStrategy = "latest_snapshot"
	// LatestStableSnapshot 最近一次 ACTIVE/COMPLETING 的有效快照
	LatestStableSnapshot StateRecoveryStrategy = "latest_stable"
)

// RecoverAgentState 从存储恢复 Agent 并交由 Manager 接管；已存活时直接返回当前记录。
// 已销毁或不属于该用户的 Agent 返回 ErrAgentNotFound。
func (t *Tracker) RecoverAgentState(ctx context.Context, agentID string, user agent.UserContext, strategy StateRecoveryStrategy) (*agent.Record, error) {
	const op = "recover_agent_state"
	if user.UserID == "" {
		return nil, perrors.New(perrors.KindInvalidArgument, op, "user_id is required")
	}
	if live, err := t.m.Get(agentID); err == nil {
		if live.Owner.UserID != user.UserID {
			return nil, perrors.Newf(perrors.KindAgentNotFound, op, "agent %s not found", agentID)
		}
		return live, nil
	}

	var rec *agent.Record
	switch strategy {
	case "", LatestSnapshot:
		_, r, err := t.store.LatestValid(ctx, agentID, user.UserID)
		if err != nil {
			return nil, err
		}
		rec = r
	case LatestStableSnapshot:
		r, err := t.LatestStable(ctx, agentID, user.UserID)
		if err != nil {
			return nil, err
		}
		rec = r
	default:
		return nil, perrors.Newf(perrors.KindInvalidArgument, op, "unknown strategy %q", strategy)
	}
	if rec == nil || rec.Phase.Terminal() {
		return nil, perrors.Newf(perrors.KindAgentNotFound, op, "no recoverable state for agent %s", agentID)
	}
	adopted, err := t.m.Adopt(ctx, rec)
	if err != nil {
		return nil, err
	}
	t.logger.Info("Agent 状态已恢复", "agent_id", agentID, "user_id", user.UserID, "phase", adopted.Phase, "version", adopted.Version)
	return adopted, nil
}

// ContinuityRecord 会话结束时留下的续接记录
type ContinuityRecord struct {
	AgentID           string         `json:"agent_id"`
	AgentType         string         `json:"agent_type"`
	UserID            string         `json:"user_id"`
	ThreadID          string         `json:"thread_id,omitempty"`
	WorkspaceID       string         `json:"workspace_id,omitempty"`
	OriginalSessionID string         `json:"original_session_id"`
	Resumable         bool           `json:"resumable"`
	Metadata          map[string]any `json:"cross_session_metadata,omitempty"`
	Phase             agent.Phase    `json:"lifecycle_phase"`
	SnapshotID        string         `json:"snapshot_id"`
	EndedAt           time.Time      `json:"ended_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
}

// Expired 是否超过保留期
func (c *ContinuityRecord) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

func userPrefix(userID string) string {
	return url.PathEscape(userID) + "/"
}

func threadPrefix(userID, threadID string) string {
	if threadID == "" {
		threadID = "_"
	}
	return userPrefix(userID) + url.PathEscape(threadID) + "/"
}

func continuityKey(userID, threadID, agentID string) string {
	return threadPrefix(userID, threadID) + url.PathEscape(agentID)
}

// EndSession 会话结束：写入 DURABLE 最终快照；resumable 时留下 ContinuityRecord
func (t *Tracker) EndSession(ctx context.Context, agentID string, resumable bool, metadata map[string]any) (*ContinuityRecord, error) {
	rec, err := t.m.Get(agentID)
	if err != nil {
		return nil, err
	}
	snap, err := t.snapshot(ctx, rec, statestore.KindSessionEnd, statestore.TierDurable)
	if err != nil {
		return nil, err
	}
	if !resumable {
		return nil, nil
	}
	now := t.now()
	cr := &ContinuityRecord{
		AgentID:           rec.ID,
		AgentType:         rec.Type,
		UserID:            rec.Owner.UserID,
		ThreadID:          rec.Owner.ThreadID,
		WorkspaceID:       rec.Owner.WorkspaceID,
		OriginalSessionID: rec.Owner.SessionID,
		Resumable:         true,
		Metadata:          agent.CopyMap(metadata),
		Phase:             rec.Phase,
		SnapshotID:        snap.ID,
		EndedAt:           now,
		ExpiresAt:         now.Add(t.opts.ContinuityTTL),
	}
	if t.Degraded(rec.Owner.SessionID) {
		cr.Metadata = agent.MergeStateData(cr.Metadata, map[string]any{"degraded_capabilities": t.unavailable(rec.Owner.SessionID)})
	}
	if err := t.store.PutRecord(ctx, ContinuityNamespace, continuityKey(cr.UserID, cr.ThreadID, cr.AgentID), cr); err != nil {
		return nil, err
	}
	t.logger.Info("会话已结束，可续接", "agent_id", rec.ID, "user_id", cr.UserID, "session_id", cr.OriginalSessionID)
	return cr, nil
}

// FindResumableWork 列出 userID（threadID 非空时限定线程）未过期的可续接记录，按结束时间倒序。
// 查找始终以 userID 为前缀，不会返回其他用户的记录。
func (t *Tracker) FindResumableWork(ctx context.Context, userID, threadID string) ([]*ContinuityRecord, error) {
	if userID == "" {
		return nil, perrors.New(perrors.KindInvalidArgument, "find_resumable_work", "user_id is required")
	}
	prefix := userPrefix(userID)
	if threadID != "" {
		prefix = threadPrefix(userID, threadID)
	}
	keys, err := t.store.ListRecords(ctx, ContinuityNamespace, prefix)
	if err != nil {
		return nil, err
	}
	now := t.now()
	var out []*ContinuityRecord
	for _, k := range keys {
		var cr ContinuityRecord
		ok, err := t.store.GetRecord(ctx, ContinuityNamespace, k, &cr)
		if err != nil {
			t.logger.Warn("读取续接记录失败", "key", k, "error", err)
			continue
		}
		if !ok || !cr.Resumable || cr.UserID != userID || cr.Expired(now) {
			continue
		}
		if threadID != "" && cr.ThreadID != threadID {
			continue
		}
		out = append(out, &cr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	return out, nil
}

func (t *Tracker) findContinuity(ctx context.Context, userID, agentID string) (string, *ContinuityRecord, error) {
	keys, err := t.store.ListRecords(ctx, ContinuityNamespace, userPrefix(userID))
	if err != nil {
		return "", nil, err
	}
	suffix := "/" + url.PathEscape(agentID)
	for _, k := range keys {
		if !strings.HasSuffix(k, suffix) {
			continue
		}
		var cr ContinuityRecord
		ok, err := t.store.GetRecord(ctx, ContinuityNamespace, k, &cr)
		if err != nil {
			return "", nil, err
		}
		if ok && cr.UserID == userID && cr.AgentID == agentID {
			return k, &cr, nil
		}
	}
	return "", nil, nil
}

// ResumeCrossSessionAgent 在新会话中续接 Agent：保留 state_data，重新绑定 session 并记录来源；
// 成功后删除 ContinuityRecord。
func (t *Tracker) ResumeCrossSessionAgent(ctx context.Context, agentID, originalSessionID string, current agent.UserContext) (*agent.Record, error) {
	const op = "resume_cross_session_agent"
	if current.UserID == "" || current.SessionID == "" {
		return nil, perrors.New(perrors.KindInvalidArgument, op, "user_id and session_id are required")
	}
	key, cr, err := t.findContinuity(ctx, current.UserID, agentID)
	if err != nil {
		return nil, err
	}
	if cr == nil || !cr.Resumable || (originalSessionID != "" && cr.OriginalSessionID != originalSessionID) {
		return nil, perrors.Newf(perrors.KindAgentNotFound, op, "no resumable record for agent %s", agentID)
	}
	if cr.Expired(t.now()) {
		_ = t.store.DeleteRecord(ctx, ContinuityNamespace, key)
		return nil, perrors.Newf(perrors.KindAgentNotFound, op, "resumable record for agent %s expired", agentID)
	}

	owner := current
	owner.SessionID = cr.OriginalSessionID
	if _, err := t.RecoverAgentState(ctx, agentID, owner, LatestSnapshot); err != nil {
		return nil, err
	}
	rec, err := t.m.RebindSession(ctx, agentID, current.SessionID, agent.Provenance{
		OriginalSessionID: cr.OriginalSessionID,
		ResumedInSession:  current.SessionID,
		ResumedAt:         t.now(),
	})
	if err != nil {
		return nil, err
	}
	if err := t.store.DeleteRecord(ctx, ContinuityNamespace, key); err != nil {
		t.logger.Warn("删除续接记录失败", "agent_id", agentID, "error", err)
	}
	metrics.ResumedAgentsTotal.Inc()
	t.logger.Info("Agent 已跨会话续接", "agent_id", agentID, "user_id", current.UserID,
		"from_session", cr.OriginalSessionID, "to_session", current.SessionID)
	return rec, nil
}

// PurgeExpired 删除超过保留期的续接记录，返回删除数
func (t *Tracker) PurgeExpired(ctx context.Context) (int, error) {
	keys, err := t.store.ListRecords(ctx, ContinuityNamespace, "")
	if err != nil {
		return 0, err
	}
	now := t.now()
	n := 0
	for _, k := range keys {
		var cr ContinuityRecord
		ok, err := t.store.GetRecord(ctx, ContinuityNamespace, k, &cr)
		if err != nil || !ok || !cr.Expired(now) {
			continue
		}
		if err := t.store.DeleteRecord(ctx, ContinuityNamespace, k); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		t.logger.Info("已清理过期续接记录", "count", n)
	}
	return n, nil
}

// SetCapability 设置会话的能力可用性（降级模式）
func (t *Tracker) SetCapability(sessionID, capability string, available bool) {
	t.capMu.Lock()
	defer t.capMu.Unlock()
	m := t.caps[sessionID]
	if m == nil {
		m = make(map[string]bool)
		t.caps[sessionID] = m
	}
	m[capability] = available
}

// Degraded 会话是否有不可用的能力
func (t *Tracker) Degraded(sessionID string) bool {
	return len(t.unavailable(sessionID)) > 0
}

func (t *Tracker) unavailable(sessionID string) []string {
	t.capMu.RLock()
	defer t.capMu.RUnlock()
	var out []string
	for c, ok := range t.caps[sessionID] {
		if !ok {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Capabilities 会话能力表副本
func (t *Tracker) Capabilities(sessionID string) map[string]bool {
	t.capMu.RLock()
	defer t.capMu.RUnlock()
	out := make(map[string]bool, len(t.caps[sessionID]))
	for c, ok := range t.caps[sessionID] {
		out[c] = ok
	}
	return out
}

// ClearSession 丢弃会话的能力表
func (t *Tracker) ClearSession(sessionID string) {
	t.capMu.Lock()
	delete(t.caps, sessionID)
	t.capMu.Unlock()
}
