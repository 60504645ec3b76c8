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

// Package lifecycle 管理 Agent 生命周期：创建、初始化、激活、执行、终止、清理与错误恢复。
// 所有阶段迁移经 CAS 串行化；资源分配由 ledger 统一记账。
package lifecycle

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"agent-platform/internal/agent"
	"agent-platform/internal/agent/ledger"
	"agent-platform/internal/runtime/events"
	"agent-platform/internal/storage/statestore"
	perrors "agent-platform/pkg/errors"
	"agent-platform/pkg/log"
	"agent-platform/pkg/metrics"
	"agent-platform/pkg/tracing"
)

// maxTombstones 内存中已销毁 Agent ID 的保留上限；淘汰后由 Persister.Destroyed 兜底
const maxTombstones = 4096

// CreateRequest 创建 Agent 的参数
type CreateRequest struct {
	AgentID        string // 为空时生成
	AgentType      string
	Resources      agent.ResourceRequirements
	Config         map[string]any
	FallbackConfig map[string]any // retry_with_fallback_config 使用；为空时沿用 Config
	Dependencies   []string
	Provides       []string
	StateData      map[string]any
}

type entry struct {
	rec             *agent.Record
	fallback        map[string]any
	fallbackApplied bool

	// 在途工作；Execute 期间非空
	cancel context.CancelFunc
	done   chan struct{}

	// 串行化同一 Agent 的清理
	cleanupMu sync.Mutex
}

// Option 配置 Manager
type Option func(*Manager)

// WithLogger 注入 logger
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = log.Or(l).With("component", "lifecycle") }
}

// WithPersister 注入写穿持久化
func WithPersister(p Persister) Option {
	return func(m *Manager) { m.persister = p }
}

// WithValidator 注入配置校验
func WithValidator(v ConfigValidator) Option {
	return func(m *Manager) { m.validator = v }
}

// WithActivator 注入激活钩子
func WithActivator(a Activator) Option {
	return func(m *Manager) { m.activator = a }
}

// WithCleaner 注入资源清理钩子
func WithCleaner(c ResourceCleaner) Option {
	return func(m *Manager) { m.cleaner = c }
}

// Manager Agent 生命周期管理器；存活 Agent 的记录由其独占
type Manager struct {
	ledger    *ledger.Ledger
	emitter   *events.Emitter
	opts      Options
	logger    *log.Logger
	validator ConfigValidator
	activator Activator
	cleaner   ResourceCleaner

	mu         sync.RWMutex
	persister  Persister
	agents     map[string]*entry
	tombstones map[string]struct{}
	buried     []string
	maxBuried  int
	now        func() time.Time
}

// New 创建 Manager；emitter 可为 nil（不发事件）
func New(l *ledger.Ledger, em *events.Emitter, opts Options, options ...Option) *Manager {
	m := &Manager{
		ledger:     l,
		emitter:    em,
		opts:       opts,
		logger:     log.NewDiscard(),
		agents:     make(map[string]*entry),
		tombstones: make(map[string]struct{}),
		maxBuried:  maxTombstones,
		now:        time.Now,
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// SetPersister 运行期注入写穿持久化（StateTracker 构造时调用）
func (m *Manager) SetPersister(p Persister) {
	m.mu.Lock()
	m.persister = p
	m.mu.Unlock()
}

// Ledger 资源账本
func (m *Manager) Ledger() *ledger.Ledger { return m.ledger }

// Emitter 事件发射器
func (m *Manager) Emitter() *events.Emitter { return m.emitter }

func notFound(op, id string) error {
	return perrors.Newf(perrors.KindAgentNotFound, op, "agent %s not found", id).WithDetail("agent_id", id)
}

func (m *Manager) lookupLocked(op, id string) (*entry, error) {
	e, ok := m.agents[id]
	if !ok {
		return nil, notFound(op, id)
	}
	return e, nil
}

// stepLocked 沿一条已校验的边推进阶段
func (m *Manager) stepLocked(rec *agent.Record, to agent.Phase) {
	from := rec.Phase
	now := m.now()
	rec.History = append(rec.History, agent.PhaseChange{From: from, To: to, At: now})
	rec.Phase = to
	rec.Version++
	rec.UpdatedAt = now
	metrics.PhaseTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// driveLocked 沿 ForcedPath 推进到 target
func (m *Manager) driveLocked(rec *agent.Record, target agent.Phase) {
	for _, p := range agent.ForcedPath(rec.Phase) {
		m.stepLocked(rec, p)
		if p == target {
			return
		}
	}
}

func (m *Manager) buryLocked(id string) {
	delete(m.agents, id)
	m.tombstones[id] = struct{}{}
	m.buried = append(m.buried, id)
	if len(m.buried) > m.maxBuried {
		delete(m.tombstones, m.buried[0])
		m.buried = m.buried[1:]
	}
}

// destroyed 是否已销毁：先查内存墓碑，再查 Persister 中的持久化墓碑
func (m *Manager) destroyed(ctx context.Context, id string) bool {
	m.mu.RLock()
	_, dead := m.tombstones[id]
	p := m.persister
	m.mu.RUnlock()
	if dead {
		return true
	}
	if p == nil {
		return false
	}
	dead, err := p.Destroyed(ctx, id)
	if err != nil {
		m.logger.Warn("查询持久化墓碑失败", "agent_id", id, "error", err)
		return false
	}
	return dead
}

// checkAgentID ID 作为存储 key 的一段使用，不能含 "/" 或为 "."、".."
func checkAgentID(op, id string) error {
	if id == "." || id == ".." || strings.Contains(id, "/") {
		return perrors.Newf(perrors.KindInvalidArgument, op, "invalid agent id %q", id)
	}
	return nil
}

// checkCycleLocked 将 draft 加入同一用户的存活 Agent 后校验依赖图无环
func (m *Manager) checkCycleLocked(op string, draft *agent.Record) error {
	if len(draft.Dependencies) == 0 {
		return nil
	}
	recs := []*agent.Record{draft}
	for _, e := range m.agents {
		if e.rec.Owner.UserID == draft.Owner.UserID {
			recs = append(recs, e.rec)
		}
	}
	if _, err := CalculateInitializationOrder(recs); err != nil {
		return perrors.Newf(perrors.KindCyclicDependency, op, "agent %s would close a dependency cycle", draft.ID).
			WithDetail("agents", perrors.DetailsOf(err)["agents"])
	}
	return nil
}

// transition 阶段 CAS：当前阶段必须等于 from，且 from->to 为合法边。
// guard 与 mutate 在同一临界区内执行；整个检查不涉及 I/O。
func (m *Manager) transition(op, id string, from, to agent.Phase, guard func(*entry) error, mutate func(*entry)) (*agent.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(op, id)
	if err != nil {
		return nil, err
	}
	if e.rec.Phase != from {
		metrics.StaleTransitionsTotal.Inc()
		return nil, perrors.Newf(perrors.KindStaleTransition, op, "agent %s is %s, expected %s", id, e.rec.Phase, from).
			WithDetail("current_phase", string(e.rec.Phase)).
			WithDetail("from_phase", string(from))
	}
	if !agent.CanTransition(from, to) {
		return nil, perrors.Newf(perrors.KindInvalidTransition, op, "%s -> %s", from, to).
			WithDetail("from_phase", string(from)).
			WithDetail("to_phase", string(to))
	}
	if guard != nil {
		if err := guard(e); err != nil {
			return nil, err
		}
	}
	m.stepLocked(e.rec, to)
	if mutate != nil {
		mutate(e)
	}
	out := e.rec.Clone()
	if to == agent.PhaseDestroyed {
		m.buryLocked(id)
	}
	return out, nil
}

func (m *Manager) persist(ctx context.Context, rec *agent.Record, kind string) {
	m.mu.RLock()
	p := m.persister
	m.mu.RUnlock()
	if p == nil || rec == nil {
		return
	}
	if err := p.Persist(ctx, rec, kind); err != nil {
		m.logger.Warn("持久化 Agent 状态失败", "agent_id", rec.ID, "phase", rec.Phase, "error", err)
	}
}

func (m *Manager) emit(ctx context.Context, typ events.Type, rec *agent.Record, data map[string]any) {
	if m.emitter == nil || rec == nil {
		return
	}
	payload := map[string]any{"agent_type": rec.Type, "phase": string(rec.Phase)}
	for k, v := range data {
		payload[k] = v
	}
	m.emitter.Emit(ctx, typ, rec.ID, rec.Owner.UserID, payload)
}

// afterDestroy 释放账本并回收事件流
func (m *Manager) afterDestroy(rec *agent.Record) bool {
	_, released := m.ledger.Release(rec.ID)
	if m.emitter != nil {
		m.emitter.Forget(rec.ID, rec.Owner.UserID)
	}
	return released
}

// CreateAgent 分配资源并登记 CREATED 记录；账本拒绝时返回 ErrResourceExhausted
func (m *Manager) CreateAgent(ctx context.Context, req CreateRequest, owner agent.UserContext) (rec *agent.Record, err error) {
	ctx, span := tracing.StartLifecycleSpan(ctx, "create_agent", req.AgentID)
	defer func() { tracing.EndSpan(span, err) }()

	if req.AgentType == "" {
		return nil, perrors.New(perrors.KindInvalidArgument, "create_agent", "agent_type is required")
	}
	if owner.UserID == "" {
		return nil, perrors.New(perrors.KindInvalidArgument, "create_agent", "owner user_id is required")
	}
	if req.Resources.MemoryMB < 0 || req.Resources.CPUCores < 0 {
		return nil, perrors.New(perrors.KindInvalidArgument, "create_agent", "resource requirements must be non-negative")
	}
	id := req.AgentID
	if id == "" {
		id = agent.NewID()
	}
	if err := checkAgentID("create_agent", id); err != nil {
		return nil, err
	}
	draft := &agent.Record{ID: id, Owner: owner, Dependencies: req.Dependencies, Provides: req.Provides}

	m.mu.RLock()
	_, exists := m.agents[id]
	cerr := m.checkCycleLocked("create_agent", draft)
	m.mu.RUnlock()
	if exists || (req.AgentID != "" && m.destroyed(ctx, id)) {
		return nil, perrors.Newf(perrors.KindInvalidArgument, "create_agent", "agent id %s already used", id)
	}
	if cerr != nil {
		m.logger.Warn("依赖图存在环，拒绝创建", "agent_id", id, "user_id", owner.UserID, "error", cerr)
		return nil, cerr
	}

	if _, err := m.ledger.Allocate(id, req.Resources.MemoryMB, req.Resources.CPUCores); err != nil {
		m.logger.Warn("资源分配被拒", "agent_id", id, "user_id", owner.UserID, "error", err)
		return nil, err
	}

	now := m.now()
	r := &agent.Record{
		ID:           id,
		Type:         req.AgentType,
		Phase:        agent.PhaseCreated,
		Owner:        owner,
		Resources:    req.Resources,
		StateData:    agent.CopyMap(req.StateData),
		Config:       agent.CopyMap(req.Config),
		Dependencies: append([]string(nil), req.Dependencies...),
		Provides:     append([]string(nil), req.Provides...),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if r.StateData == nil {
		r.StateData = map[string]any{}
	}

	m.mu.Lock()
	if _, exists := m.agents[id]; exists {
		m.mu.Unlock()
		m.ledger.Release(id)
		return nil, perrors.Newf(perrors.KindInvalidArgument, "create_agent", "agent id %s already used", id)
	}
	if err := m.checkCycleLocked("create_agent", draft); err != nil {
		m.mu.Unlock()
		m.ledger.Release(id)
		return nil, err
	}
	m.agents[id] = &entry{rec: r, fallback: agent.CopyMap(req.FallbackConfig)}
	out := r.Clone()
	m.mu.Unlock()

	m.persist(ctx, out, statestore.KindTransition)
	m.emit(ctx, events.AgentStarted, out, nil)
	m.logger.Info("Agent 已创建", "agent_id", id, "agent_type", r.Type, "user_id", owner.UserID)
	return out, nil
}

// InitializeAgent CREATED -> INITIALIZING 并校验配置。
// 校验失败进入 ERROR 并按恢复策略以 fallback 配置重试；重试耗尽后强制清理。
func (m *Manager) InitializeAgent(ctx context.Context, id string, initData map[string]any) (rec *agent.Record, err error) {
	ctx, span := tracing.StartLifecycleSpan(ctx, "initialize_agent", id)
	defer func() { tracing.EndSpan(span, err) }()

	rec, err = m.transition("initialize_agent", id, agent.PhaseCreated, agent.PhaseInitializing, nil, func(e *entry) {
		e.rec.Config = agent.MergeStateData(e.rec.Config, initData)
	})
	if err != nil {
		return nil, err
	}
	m.persist(ctx, rec, statestore.KindTransition)

	verr := m.validate(ctx, rec)
	if verr == nil {
		return rec, nil
	}
	m.logger.Warn("配置校验失败，尝试 fallback 配置", "agent_id", id, "error", verr)
	if _, err := m.fail(ctx, "initialize_agent", id, agent.PhaseInitializing, verr, false); err != nil {
		return nil, err
	}
	rec, err = m.retryWithFallback(ctx, id, verr)
	if err == nil {
		return rec, nil
	}
	if cur, gerr := m.Get(id); gerr == nil {
		m.emit(ctx, events.AgentError, cur, events.ErrorData(err, "initialization failed after fallback retries"))
	}
	if _, kerr := m.ForceKill(ctx, id, err.Error()); kerr != nil {
		m.logger.Error("初始化失败后强制清理出错", "agent_id", id, "error", kerr)
	}
	return nil, err
}

func (m *Manager) validate(ctx context.Context, rec *agent.Record) error {
	if m.validator == nil {
		return nil
	}
	return runWithTimeout(ctx, "initialize_agent", m.opts.InitTimeout, func(ctx context.Context) error {
		return m.validator.ValidateConfig(ctx, rec.Type, rec.Config)
	})
}

// fail from -> ERROR 并记录错误；notify 为 true 时发出 agent_error
func (m *Manager) fail(ctx context.Context, op, id string, from agent.Phase, cause error, notify bool) (*agent.Record, error) {
	rec, err := m.transition(op, id, from, agent.PhaseError, nil, func(e *entry) {
		e.rec.LastError = cause.Error()
	})
	if err != nil {
		return nil, err
	}
	m.persist(ctx, rec, statestore.KindTransition)
	if notify {
		m.emit(ctx, events.AgentError, rec, events.ErrorData(cause, ""))
	}
	return rec, nil
}

// checkDependenciesLocked 同一用户下提供每个依赖的 Agent 至少一个处于 ACTIVE/COMPLETING
func (m *Manager) checkDependenciesLocked(op string, e *entry) error {
	for _, dep := range e.rec.Dependencies {
		ready, found := false, false
		for _, other := range m.agents {
			if other == e || other.rec.Owner.UserID != e.rec.Owner.UserID || !other.rec.ProvidesCapability(dep) {
				continue
			}
			found = true
			if other.rec.Phase == agent.PhaseActive || other.rec.Phase == agent.PhaseCompleting {
				ready = true
				break
			}
		}
		if !ready {
			return perrors.Newf(perrors.KindDependencyNotReady, op, "dependency %q of %s not ready", dep, e.rec.ID).
				WithDetail("dependency", dep).
				WithDetail("provider_found", found)
		}
	}
	return nil
}

// ActivateAgent INITIALIZING -> ACTIVE；依赖未就绪返回 ErrDependencyNotReady 且不迁移
func (m *Manager) ActivateAgent(ctx context.Context, id string, activation map[string]any) (rec *agent.Record, err error) {
	ctx, span := tracing.StartLifecycleSpan(ctx, "activate_agent", id)
	defer func() { tracing.EndSpan(span, err) }()

	m.mu.RLock()
	e, err := m.lookupLocked("activate_agent", id)
	if err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	if e.rec.Phase != agent.PhaseInitializing {
		cur := e.rec.Phase
		m.mu.RUnlock()
		metrics.StaleTransitionsTotal.Inc()
		return nil, perrors.Newf(perrors.KindStaleTransition, "activate_agent", "agent %s is %s, expected %s", id, cur, agent.PhaseInitializing).
			WithDetail("current_phase", string(cur))
	}
	if err := m.checkDependenciesLocked("activate_agent", e); err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	snapshot := e.rec.Clone()
	m.mu.RUnlock()

	if m.activator != nil {
		herr := runWithTimeout(ctx, "activate_agent", m.opts.ActivationTimeout, func(ctx context.Context) error {
			return m.activator.Activate(ctx, snapshot)
		})
		if herr != nil {
			m.logger.Warn("激活失败", "agent_id", id, "error", herr)
			if _, ferr := m.fail(ctx, "activate_agent", id, agent.PhaseInitializing, herr, true); ferr != nil {
				return nil, ferr
			}
			return nil, herr
		}
	}

	rec, err = m.transition("activate_agent", id, agent.PhaseInitializing, agent.PhaseActive,
		func(e *entry) error { return m.checkDependenciesLocked("activate_agent", e) },
		func(e *entry) { e.rec.StateData = agent.MergeStateData(e.rec.StateData, activation) })
	if err != nil {
		return nil, err
	}
	m.persist(ctx, rec, statestore.KindTransition)
	return rec, nil
}

// TransitionAgentPhase 通用 CAS 迁移，phaseData 合并进 state_data
func (m *Manager) TransitionAgentPhase(ctx context.Context, id string, from, to agent.Phase, phaseData map[string]any) (rec *agent.Record, err error) {
	ctx, span := tracing.StartLifecycleSpan(ctx, "transition_agent_phase", id)
	defer func() { tracing.EndSpan(span, err) }()

	rec, err = m.transition("transition_agent_phase", id, from, to, nil, func(e *entry) {
		e.rec.StateData = agent.MergeStateData(e.rec.StateData, phaseData)
	})
	if err != nil {
		return nil, err
	}
	if to == agent.PhaseDestroyed {
		m.afterDestroy(rec)
	}
	m.persist(ctx, rec, statestore.KindTransition)
	return rec, nil
}

// CompleteAgentExecution PROCESSING -> COMPLETING，记录结果并发出 agent_completed
func (m *Manager) CompleteAgentExecution(ctx context.Context, id string, result map[string]any) (rec *agent.Record, err error) {
	ctx, span := tracing.StartLifecycleSpan(ctx, "complete_agent_execution", id)
	defer func() { tracing.EndSpan(span, err) }()

	var fallback bool
	rec, err = m.transition("complete_agent_execution", id, agent.PhaseProcessing, agent.PhaseCompleting, nil, func(e *entry) {
		e.rec.StateData = agent.MergeStateData(e.rec.StateData, map[string]any{"result": result})
		fallback = e.fallbackApplied
	})
	if err != nil {
		return nil, err
	}
	m.persist(ctx, rec, statestore.KindTransition)
	typ := events.AgentCompleted
	if fallback {
		typ = events.AgentCompletedWithFallback
	}
	m.emit(ctx, typ, rec, map[string]any{"result": result})
	return rec, nil
}

// TerminationResult 终止结果
type TerminationResult struct {
	TerminationSuccessful bool `json:"termination_successful"`
	// Forced 在途工作未在超时内响应取消
	Forced bool          `json:"forced"`
	Record *agent.Record `json:"record,omitempty"`
}

// interrupt 取消在途工作并等待其退出；超时返回 true
func (m *Manager) interrupt(id string) bool {
	m.mu.RLock()
	e, ok := m.agents[id]
	var cancel context.CancelFunc
	var done chan struct{}
	if ok {
		cancel, done = e.cancel, e.done
	}
	m.mu.RUnlock()
	if cancel == nil {
		return false
	}
	cancel()
	if m.opts.TerminationTimeout <= 0 {
		<-done
		return false
	}
	timer := time.NewTimer(m.opts.TerminationTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}

// TerminateAgent 从 ACTIVE/PROCESSING/COMPLETING/ERROR 进入 TERMINATED。
// PROCESSING 时先取消在途工作，超时后仍继续终止。
func (m *Manager) TerminateAgent(ctx context.Context, id, reason string) (res *TerminationResult, err error) {
	ctx, span := tracing.StartLifecycleSpan(ctx, "terminate_agent", id)
	defer func() { tracing.EndSpan(span, err) }()

	forced := m.interrupt(id)
	if forced {
		m.logger.Warn("在途工作未响应取消，强制终止", "agent_id", id, "timeout", m.opts.TerminationTimeout)
	}
	for attempt := 0; attempt < 8; attempt++ {
		cur, err := m.Get(id)
		if err != nil {
			return nil, err
		}
		if cur.Phase == agent.PhaseTerminated {
			return &TerminationResult{TerminationSuccessful: true, Forced: forced, Record: cur}, nil
		}
		rec, err := m.transition("terminate_agent", id, cur.Phase, agent.PhaseTerminated, nil, func(e *entry) {
			if reason != "" {
				e.rec.StateData = agent.MergeStateData(e.rec.StateData, map[string]any{"termination_reason": reason})
			}
		})
		if perrors.Is(err, perrors.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m.persist(ctx, rec, statestore.KindTransition)
		if cur.Phase == agent.PhaseProcessing {
			m.emitInterrupted(ctx, rec, reason, forced)
		}
		m.logger.Info("Agent 已终止", "agent_id", id, "reason", reason, "forced", forced)
		return &TerminationResult{TerminationSuccessful: true, Forced: forced, Record: rec}, nil
	}
	return nil, perrors.Newf(perrors.KindStaleTransition, "terminate_agent", "agent %s kept changing phase", id)
}

// emitInterrupted 在途工作被终止时发出 agent_error，保证用户收到终止信号。
// forced 为 true 表示工作未在超时内响应取消，error_type 为 timeout。
func (m *Manager) emitInterrupted(ctx context.Context, rec *agent.Record, reason string, forced bool) {
	if reason == "" {
		reason = "terminated"
	}
	var cause error = perrors.Newf(perrors.KindTerminated, "terminate_agent", "agent %s interrupted: %s", rec.ID, reason)
	if forced {
		cause = perrors.Newf(perrors.KindTimeout, "terminate_agent", "agent %s ignored cancellation within %s: %s", rec.ID, m.opts.TerminationTimeout, reason)
	}
	m.emit(ctx, events.AgentError, rec, events.ErrorData(cause, "execution interrupted: "+reason))
}

// CleanupOptions 清理范围
type CleanupOptions struct {
	// Resources 调用 ResourceCleaner
	Resources bool `json:"cleanup_resources"`
	// State 删除快速层状态
	State bool `json:"cleanup_state"`
	// Persistence 删除所有层的持久化状态
	Persistence bool `json:"cleanup_persistence"`
}

// CleanupResult 清理结果
type CleanupResult struct {
	CleanupSuccessful bool `json:"cleanup_successful"`
	ResourcesReleased bool `json:"resources_released"`
	StateCleaned      bool `json:"state_cleaned"`
	AlreadyDestroyed  bool `json:"already_destroyed,omitempty"`
}

// CleanupAndDestroyAgent TERMINATED -> CLEANUP -> DESTROYED；对已销毁的 Agent 幂等
func (m *Manager) CleanupAndDestroyAgent(ctx context.Context, id string, opts CleanupOptions) (res *CleanupResult, err error) {
	ctx, span := tracing.StartLifecycleSpan(ctx, "cleanup_and_destroy_agent", id)
	defer func() { tracing.EndSpan(span, err) }()
	return m.destroy(ctx, id, opts, false, "")
}

// ForceKill 取消在途工作并沿合法边强制推进到 DESTROYED；清理钩子失败不阻断销毁
func (m *Manager) ForceKill(ctx context.Context, id, reason string) (*CleanupResult, error) {
	ctx = context.WithoutCancel(ctx)
	m.interrupt(id)
	return m.destroy(ctx, id, CleanupOptions{Resources: true, State: true}, true, reason)
}

func (m *Manager) destroy(ctx context.Context, id string, opts CleanupOptions, force bool, reason string) (*CleanupResult, error) {
	const op = "cleanup_and_destroy_agent"
	m.mu.RLock()
	e, ok := m.agents[id]
	p := m.persister
	m.mu.RUnlock()
	if !ok {
		if m.destroyed(ctx, id) {
			return &CleanupResult{CleanupSuccessful: true, AlreadyDestroyed: true}, nil
		}
		return nil, notFound(op, id)
	}

	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	m.mu.Lock()
	if _, dead := m.tombstones[id]; dead {
		m.mu.Unlock()
		return &CleanupResult{CleanupSuccessful: true, AlreadyDestroyed: true}, nil
	}
	cur := e.rec.Phase
	if !force && cur != agent.PhaseTerminated && cur != agent.PhaseCleanup {
		m.mu.Unlock()
		return nil, perrors.Newf(perrors.KindInvalidTransition, op, "agent %s is %s, terminate it first", id, cur).
			WithDetail("current_phase", string(cur))
	}
	if reason != "" {
		e.rec.LastError = reason
	}
	m.driveLocked(e.rec, agent.PhaseCleanup)
	rec := e.rec.Clone()
	m.mu.Unlock()
	m.persist(ctx, rec, statestore.KindTransition)
	if force && cur == agent.PhaseProcessing {
		m.emitInterrupted(ctx, rec, reason, false)
	}

	res := &CleanupResult{CleanupSuccessful: true}
	if opts.Resources && m.cleaner != nil {
		if err := m.retryCleanup(ctx, rec); err != nil {
			m.logger.Error("资源清理失败，继续销毁", "agent_id", id, "error", err)
		}
	}
	stateOK := true
	if p != nil && opts.State {
		if err := p.Purge(ctx, rec, PurgeEphemeral); err != nil {
			stateOK = false
			m.logger.Warn("清理快速层状态失败", "agent_id", id, "error", err)
		}
	}
	if p != nil && opts.Persistence {
		if err := p.Purge(ctx, rec, PurgeAll); err != nil {
			stateOK = false
			m.logger.Warn("清理持久化状态失败", "agent_id", id, "error", err)
		}
	}
	res.StateCleaned = (opts.State || opts.Persistence) && stateOK

	m.mu.Lock()
	m.driveLocked(e.rec, agent.PhaseDestroyed)
	final := e.rec.Clone()
	m.buryLocked(id)
	m.mu.Unlock()

	res.ResourcesReleased = m.afterDestroy(final)
	if !opts.Persistence {
		m.persist(ctx, final, statestore.KindTransition)
	}
	m.logger.Info("Agent 已销毁", "agent_id", id, "forced", force, "resources_released", res.ResourcesReleased)
	return res, nil
}

func (m *Manager) retryCleanup(ctx context.Context, rec *agent.Record) error {
	var err error
	for attempt := 0; attempt <= m.opts.ForceCleanupRetries; attempt++ {
		err = runWithTimeout(ctx, "cleanup_resources", m.opts.TerminationTimeout, func(ctx context.Context) error {
			return m.cleaner.Cleanup(ctx, rec)
		})
		if err == nil {
			return nil
		}
	}
	return err
}

// Get 返回记录副本；已销毁或不存在返回 ErrAgentNotFound
func (m *Manager) Get(id string) (*agent.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.lookupLocked("get_agent", id)
	if err != nil {
		return nil, err
	}
	return e.rec.Clone(), nil
}

// List 返回 userID 拥有的存活 Agent（按创建时间）；userID 为空时返回全部
func (m *Manager) List(userID string) []*agent.Record {
	m.mu.RLock()
	out := make([]*agent.Record, 0, len(m.agents))
	for _, e := range m.agents {
		if userID == "" || e.rec.Owner.UserID == userID {
			out = append(out, e.rec.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateStateData 合并 state_data，不改变阶段
func (m *Manager) UpdateStateData(ctx context.Context, id string, update map[string]any) (*agent.Record, error) {
	m.mu.Lock()
	e, err := m.lookupLocked("update_state_data", id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	e.rec.StateData = agent.MergeStateData(e.rec.StateData, update)
	e.rec.Version++
	e.rec.UpdatedAt = m.now()
	rec := e.rec.Clone()
	m.mu.Unlock()
	m.persist(ctx, rec, statestore.KindStateData)
	return rec, nil
}

// RebindSession 将 Agent 绑定到新会话并追加 provenance
func (m *Manager) RebindSession(ctx context.Context, id, sessionID string, prov agent.Provenance) (*agent.Record, error) {
	m.mu.Lock()
	e, err := m.lookupLocked("rebind_session", id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	e.rec.Owner.SessionID = sessionID
	e.rec.Provenance = append(e.rec.Provenance, prov)
	e.rec.Version++
	e.rec.UpdatedAt = m.now()
	rec := e.rec.Clone()
	m.mu.Unlock()
	m.persist(ctx, rec, statestore.KindStateData)
	return rec, nil
}

// Adopt 接管从存储恢复的记录：重新登记并按其资源需求记账
func (m *Manager) Adopt(ctx context.Context, rec *agent.Record) (*agent.Record, error) {
	const op = "adopt_agent"
	if rec == nil || rec.ID == "" || rec.Owner.UserID == "" {
		return nil, perrors.New(perrors.KindInvalidArgument, op, "record with agent_id and owner is required")
	}
	if rec.Phase.Terminal() || !rec.Phase.Valid() {
		return nil, notFound(op, rec.ID)
	}
	m.mu.RLock()
	_, exists := m.agents[rec.ID]
	m.mu.RUnlock()
	if m.destroyed(ctx, rec.ID) {
		return nil, notFound(op, rec.ID)
	}
	if exists {
		return nil, perrors.Newf(perrors.KindInvalidArgument, op, "agent %s is already live", rec.ID)
	}
	if _, err := m.ledger.Allocate(rec.ID, rec.Resources.MemoryMB, rec.Resources.CPUCores); err != nil {
		return nil, err
	}
	own := rec.Clone()
	if own.StateData == nil {
		own.StateData = map[string]any{}
	}
	m.mu.Lock()
	if _, exists := m.agents[rec.ID]; exists {
		m.mu.Unlock()
		return nil, perrors.Newf(perrors.KindInvalidArgument, op, "agent %s is already live", rec.ID)
	}
	m.agents[rec.ID] = &entry{rec: own}
	out := own.Clone()
	m.mu.Unlock()
	m.logger.Info("Agent 已接管", "agent_id", rec.ID, "phase", rec.Phase, "version", rec.Version)
	return out, nil
}
