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

package lifecycle

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"agent-platform/internal/agent"
	"agent-platform/internal/runtime/events"
	"agent-platform/internal/storage/statestore"
	perrors "agent-platform/pkg/errors"
	"agent-platform/pkg/tracing"
)

// Strategy ERROR 阶段的恢复策略
type Strategy string

const (
	// RetryWithFallbackConfig 以 fallback 配置重新初始化
	RetryWithFallbackConfig Strategy = "retry_with_fallback_config"
	// RollbackToStableState 回滚到最近一次稳定快照
	RollbackToStableState Strategy = "rollback_to_stable_state"
	// ForceKillWithCleanup 强制终止并清理，保证到达 DESTROYED
	ForceKillWithCleanup Strategy = "force_kill_with_cleanup"
)

// RecoveryResult 恢复结果
type RecoveryResult struct {
	RecoverySuccessful bool           `json:"recovery_successful"`
	Strategy           Strategy       `json:"strategy"`
	FallbackApplied    bool           `json:"fallback_applied,omitempty"`
	RollbackApplied    bool           `json:"rollback_applied,omitempty"`
	Forced             bool           `json:"forced,omitempty"`
	Record             *agent.Record  `json:"record,omitempty"`
	Cleanup            *CleanupResult `json:"cleanup,omitempty"`
}

// RecoverAgentFromError 按策略恢复处于 ERROR 的 Agent。
// errorPhase 为终止相关阶段时一律强制清理；非强制策略失败后升级为强制清理。
func (m *Manager) RecoverAgentFromError(ctx context.Context, id string, errorPhase agent.Phase, strategy Strategy) (res *RecoveryResult, err error) {
	ctx, span := tracing.StartLifecycleSpan(ctx, "recover_agent_from_error", id)
	defer func() { tracing.EndSpan(span, err) }()

	if errorPhase.TerminationPhase() {
		strategy = ForceKillWithCleanup
	}
	switch strategy {
	case ForceKillWithCleanup:
		cleanup, err := m.ForceKill(ctx, id, "force_kill_with_cleanup")
		if err != nil {
			return nil, err
		}
		return &RecoveryResult{RecoverySuccessful: cleanup.CleanupSuccessful, Strategy: strategy, Forced: true, Cleanup: cleanup}, nil
	case RetryWithFallbackConfig, RollbackToStableState:
	default:
		return nil, perrors.Newf(perrors.KindInvalidArgument, "recover_agent_from_error", "unknown strategy %q", strategy)
	}

	cur, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if cur.Phase != agent.PhaseError {
		return nil, perrors.Newf(perrors.KindInvalidTransition, "recover_agent_from_error", "agent %s is %s, not in error", id, cur.Phase).
			WithDetail("current_phase", string(cur.Phase))
	}

	var rec *agent.Record
	res = &RecoveryResult{Strategy: strategy}
	if strategy == RetryWithFallbackConfig {
		rec, err = m.retryWithFallback(ctx, id, nil)
		if err == nil && pastInitialization(errorPhase) {
			rec, err = m.ActivateAgent(ctx, id, nil)
		}
		res.FallbackApplied = err == nil
	} else {
		rec, err = m.rollback(ctx, id)
		res.RollbackApplied = err == nil
	}
	if err == nil {
		res.RecoverySuccessful = true
		res.Record = rec
		m.logger.Info("Agent 已从错误中恢复", "agent_id", id, "strategy", strategy, "phase", rec.Phase)
		return res, nil
	}

	m.logger.Warn("恢复失败，升级为强制清理", "agent_id", id, "strategy", strategy, "error", err)
	m.emit(ctx, events.AgentError, cur, events.ErrorData(err, "recovery failed, agent terminated"))
	cleanup, kerr := m.ForceKill(ctx, id, err.Error())
	if kerr != nil {
		m.logger.Error("强制清理失败", "agent_id", id, "error", kerr)
	}
	res.Forced = true
	res.Cleanup = cleanup
	return res, err
}

func pastInitialization(p agent.Phase) bool {
	return p == agent.PhaseActive || p == agent.PhaseProcessing || p == agent.PhaseCompleting
}

// retryWithFallback ERROR -> INITIALIZING 使用 fallback 配置重新校验，按 RecoveryPolicy 退避
func (m *Manager) retryWithFallback(ctx context.Context, id string, cause error) (*agent.Record, error) {
	const op = "retry_with_fallback_config"
	if m.opts.Recovery.MaxAttempts <= 0 {
		if cause == nil {
			cause = perrors.New(perrors.KindInvalidArgument, op, "fallback retries disabled")
		}
		return nil, cause
	}
	last := cause
	attempts := 0
	var out *agent.Record
	err := backoff.Retry(func() error {
		attempts++
		rec, err := m.transition(op, id, agent.PhaseError, agent.PhaseInitializing, nil, func(e *entry) {
			if e.fallback != nil {
				e.rec.Config = agent.CopyMap(e.fallback)
			}
			e.fallbackApplied = true
			e.rec.LastError = ""
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		m.persist(ctx, rec, statestore.KindTransition)
		if verr := m.validate(ctx, rec); verr != nil {
			last = verr
			if _, ferr := m.fail(ctx, op, id, agent.PhaseInitializing, verr, false); ferr != nil {
				return backoff.Permanent(ferr)
			}
			return verr
		}
		out = rec
		return nil
	}, m.opts.Recovery.backOff(ctx))
	if err == nil {
		return out, nil
	}
	if last == nil {
		last = err
	}
	m.logger.Warn("fallback 重试耗尽", "agent_id", id, "attempts", attempts, "error", last)
	return nil, perrors.Wrapf(last, "%s: agent %s failed after %d attempts", op, id, attempts)
}

// rollback ERROR -> INITIALIZING -> ACTIVE，配置与 state_data 取自最近的稳定快照
func (m *Manager) rollback(ctx context.Context, id string) (*agent.Record, error) {
	const op = "rollback_to_stable_state"
	cur, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	p := m.persister
	m.mu.RUnlock()
	if p == nil {
		return nil, perrors.New(perrors.KindNotFound, op, "no state source configured")
	}
	stable, err := p.LatestStable(ctx, id, cur.Owner.UserID)
	if err != nil {
		return nil, err
	}
	if stable == nil {
		return nil, perrors.Newf(perrors.KindNotFound, op, "no stable snapshot for agent %s", id)
	}
	rec, err := m.transition(op, id, agent.PhaseError, agent.PhaseInitializing, nil, func(e *entry) {
		e.rec.Config = agent.CopyMap(stable.Config)
		e.rec.StateData = agent.CopyMap(stable.StateData)
		if e.rec.StateData == nil {
			e.rec.StateData = map[string]any{}
		}
		e.rec.LastError = ""
	})
	if err != nil {
		return nil, err
	}
	m.persist(ctx, rec, statestore.KindTransition)
	rec, err = m.transition(op, id, agent.PhaseInitializing, agent.PhaseActive,
		func(e *entry) error { return m.checkDependenciesLocked(op, e) }, nil)
	if err != nil {
		return nil, err
	}
	m.persist(ctx, rec, statestore.KindTransition)
	return rec, nil
}
