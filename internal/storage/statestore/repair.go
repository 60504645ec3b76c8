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
	"fmt"
	"time"

	"agent-platform/internal/agent"
	perrors "agent-platform/pkg/errors"
	"agent-platform/pkg/metrics"
	"agent-platform/pkg/tracing"
)

// RepairStrategy 修复策略
type RepairStrategy string

const (
	// RepairRestoreFromBackup 丢弃损坏数据，用完整性快照（或其任一有效副本）重建
	RepairRestoreFromBackup RepairStrategy = "restore_from_backup"
	// RepairLatestValid 用所有层中最新的有效快照重建
	RepairLatestValid RepairStrategy = "latest_valid"
)

// RepairResult repair_corrupted_state 结果
type RepairResult struct {
	RepairSuccessful bool            `json:"repair_successful"`
	DataRestored     bool            `json:"data_restored"`
	Strategy         RepairStrategy  `json:"strategy"`
	SnapshotID       string          `json:"snapshot_id,omitempty"`
	Source           Tier            `json:"source,omitempty"`
	RepairedState    *agent.Record   `json:"repaired_state,omitempty"`
	Report           IntegrityReport `json:"report"`
}

// RepairCorruptedState 用快照重建损坏的记录。修复结果会重新校验，
// 不会返回仍然不一致的状态；失败时 RepairSuccessful 为 false 且返回 ErrIntegrityViolation。
func (s *Store) RepairCorruptedState(ctx context.Context, corrupted *agent.Record, integrity *Snapshot, strategy RepairStrategy) (*RepairResult, error) {
	agentID, userID := "", ""
	if corrupted != nil {
		agentID, userID = corrupted.ID, corrupted.Owner.UserID
	}
	if integrity != nil {
		if agentID == "" {
			agentID = integrity.AgentID
		}
		if userID == "" {
			userID = integrity.UserID
		}
	}
	if agentID == "" {
		return nil, perrors.New(perrors.KindInvalidArgument, "repair_corrupted_state", "agent id unknown: need corrupted state or integrity snapshot")
	}
	if strategy == "" {
		strategy = RepairRestoreFromBackup
	}
	res := &RepairResult{Strategy: strategy}

	var src *Snapshot
	var rec *agent.Record
	var err error
	switch strategy {
	case RepairRestoreFromBackup:
		if integrity == nil {
			return nil, perrors.New(perrors.KindInvalidArgument, "repair_corrupted_state", "restore_from_backup requires an integrity snapshot")
		}
		src, rec, err = s.findValidCopy(ctx, agentID, integrity)
	case RepairLatestValid:
		src, rec, err = s.LatestValid(ctx, agentID, userID)
	default:
		return nil, perrors.Newf(perrors.KindInvalidArgument, "repair_corrupted_state", "unknown strategy %q", strategy)
	}
	if err != nil {
		return s.repairFailed(res, agentID, err)
	}
	if src == nil || rec == nil {
		return s.repairFailed(res, agentID, fmt.Errorf("no valid snapshot for agent %s", agentID))
	}
	if rec.ID != agentID || (userID != "" && rec.Owner.UserID != userID) {
		return s.repairFailed(res, agentID, fmt.Errorf("snapshot %s belongs to another agent or user", src.ID))
	}
	res.Report = s.ValidateIntegrity(rec, src.Checksum)
	if !res.Report.IntegrityValid {
		return s.repairFailed(res, agentID, fmt.Errorf("restored state from %s still invalid", src.ID))
	}
	res.RepairSuccessful = true
	res.DataRestored = true
	res.SnapshotID = src.ID
	res.Source = src.Tier
	res.RepairedState = rec
	metrics.RepairsTotal.WithLabelValues(string(strategy), "repaired").Inc()
	s.logger.Info("损坏状态已修复", "agent_id", agentID, "strategy", strategy, "snapshot_id", src.ID, "tier", src.Tier)
	return res, nil
}

func (s *Store) repairFailed(res *RepairResult, agentID string, cause error) (*RepairResult, error) {
	metrics.RepairsTotal.WithLabelValues(string(res.Strategy), "failed").Inc()
	s.logger.Error("损坏状态修复失败", "agent_id", agentID, "strategy", res.Strategy, "error", cause)
	return res, perrors.Newf(perrors.KindIntegrityViolation, "repair_corrupted_state", "repair of agent %s failed", agentID).
		WithCause(cause)
}

// findValidCopy 快照自身有效则直接使用，否则在各层查找同 ID 的有效副本
func (s *Store) findValidCopy(ctx context.Context, agentID string, snap *Snapshot) (*Snapshot, *agent.Record, error) {
	if snap.Verify() {
		if rec, err := snap.Record(); err == nil {
			return snap, rec, nil
		}
	}
	if snap.ID == "" {
		return nil, nil, nil
	}
	for _, t := range s.fallbackFrom(TierOfID(snap.ID)) {
		if !s.Available(t) {
			continue
		}
		cp, err := s.readSnapshot(ctx, t, agentID, snap.ID)
		if err != nil || cp == nil || !cp.Verify() {
			continue
		}
		rec, err := cp.Record()
		if err != nil {
			continue
		}
		return cp, rec, nil
	}
	return nil, nil, nil
}

// Recovered 灾备恢复结果
type Recovered struct {
	Record   *agent.Record
	Snapshot *Snapshot
	Tier     Tier
}

// DisasterRecovery 从 preferred 层开始按回退顺序查找 owner 的最新有效快照；
// geo 为 false 时不读取跨区域层。全部层都没有有效快照时返回 nil, nil。
func (s *Store) DisasterRecovery(ctx context.Context, agentID string, owner agent.UserContext, preferred Tier, geo bool) (*Recovered, error) {
	ctx, span := tracing.StartRecoverySpan(ctx, agentID, geo)
	start := time.Now()
	for _, t := range s.fallbackFrom(preferred) {
		if t.Geo() && !geo {
			continue
		}
		if !s.Available(t) {
			continue
		}
		if err := ctx.Err(); err != nil {
			tracing.EndSpan(span, err)
			metrics.RecoveryTotal.WithLabelValues("failed").Inc()
			return nil, perrors.Newf(perrors.KindTimeout, "disaster_recovery", "recovery of agent %s interrupted", agentID).WithCause(err)
		}
		snap, rec, err := s.latestInTier(ctx, t, agentID, owner.UserID)
		if err != nil {
			s.logger.Warn("灾备读取层失败", "agent_id", agentID, "tier", t, "error", err)
			continue
		}
		if snap == nil {
			continue
		}
		metrics.RecoveryDuration.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
		metrics.RecoveryTotal.WithLabelValues("recovered").Inc()
		s.logger.Info("灾备恢复成功", "agent_id", agentID, "tier", t, "snapshot_id", snap.ID, "version", snap.Version)
		tracing.EndSpan(span, nil)
		return &Recovered{Record: rec, Snapshot: snap, Tier: t}, nil
	}
	metrics.RecoveryTotal.WithLabelValues("exhausted").Inc()
	s.logger.Warn("灾备恢复：所有层均无有效快照", "agent_id", agentID, "geo", geo)
	tracing.EndSpan(span, nil)
	return nil, nil
}
