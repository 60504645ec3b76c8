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

// Package recovery 负责灾备副本、存储故障演练与 RTO 内的 Agent 恢复。
package recovery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agent-platform/internal/agent"
	"agent-platform/internal/agent/lifecycle"
	"agent-platform/internal/runtime/events"
	"agent-platform/internal/storage/statestore"
	"agent-platform/pkg/config"
	perrors "agent-platform/pkg/errors"
	"agent-platform/pkg/log"
)

// Priority 备份优先级
type Priority string

const (
	// PriorityCritical 同步写入所有请求的层
	PriorityCritical Priority = "critical_business_data"
	// PriorityStandard 首层同步，其余异步复制
	PriorityStandard Priority = "standard"
	// PriorityLow 同 Standard
	PriorityLow Priority = "low"
)

// Options Coordinator 配置
type Options struct {
	RTO                 time.Duration
	QueueSize           int
	Rate                float64 // 异步复制每秒写入次数；<=0 不限速
	HealthCheckInterval time.Duration
	Logger              *log.Logger
}

// OptionsFromConfig 由配置构造 Options
func OptionsFromConfig(cfg config.RecoveryConfig, logger *log.Logger) Options {
	return Options{
		RTO:                 config.Duration(cfg.RTO, 30*time.Second),
		QueueSize:           cfg.AsyncQueueSize,
		Rate:                cfg.AsyncRate,
		HealthCheckInterval: config.Duration(cfg.HealthCheckInterval, 15*time.Second),
		Logger:              logger,
	}
}

type backupJob struct {
	snap *statestore.Snapshot
	tier statestore.Tier
}

// Coordinator 灾备协调器
type Coordinator struct {
	store   *statestore.Store
	m       *lifecycle.Manager
	emitter *events.Emitter
	opts    Options
	logger  *log.Logger
	limiter *rate.Limiter

	queue   chan backupJob
	pending sync.WaitGroup
	workers sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	cancel    context.CancelFunc
	simulated map[statestore.Tier]bool
}

// New 创建 Coordinator；m 与 emitter 可为 nil
func New(store *statestore.Store, m *lifecycle.Manager, emitter *events.Emitter, opts Options) *Coordinator {
	if opts.RTO <= 0 {
		opts.RTO = 30 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	limit := rate.Inf
	burst := 1
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
		burst = int(opts.Rate)
		if burst < 1 {
			burst = 1
		}
	}
	return &Coordinator{
		store:     store,
		m:         m,
		emitter:   emitter,
		opts:      opts,
		logger:    log.Or(opts.Logger).With("component", "recovery"),
		limiter:   rate.NewLimiter(limit, burst),
		queue:     make(chan backupJob, opts.QueueSize),
		simulated: make(map[statestore.Tier]bool),
	}
}

// Start 启动异步复制 worker；HealthCheckInterval > 0 时同时启动健康检查
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.workers.Add(1)
	go c.replicate(ctx)
	if c.opts.HealthCheckInterval > 0 {
		c.workers.Add(1)
		go func() {
			defer c.workers.Done()
			c.RunHealthChecks(ctx, c.opts.HealthCheckInterval)
		}()
	}
}

// Close 停止接收异步任务，处理完队列后退出
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	started := c.started
	c.mu.Unlock()

	if !started {
		// 未启动时队列中的任务直接丢弃
		for range c.queue {
			c.pending.Done()
		}
		return nil
	}
	c.pending.Wait()
	c.cancel()
	c.workers.Wait()
	return nil
}

// Flush 等待已入队的异步复制完成
func (c *Coordinator) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) replicate(ctx context.Context) {
	defer c.workers.Done()
	for job := range c.queue {
		if err := c.limiter.Wait(ctx); err != nil {
			// 关闭中：不再限速，尽量写完
			c.limiter.SetLimit(rate.Inf)
		}
		if _, err := c.store.WriteSnapshotTo(context.WithoutCancel(ctx), job.snap, job.tier); err != nil {
			c.logger.Warn("异步备份失败", "agent_id", job.snap.AgentID, "tier", job.tier, "error", err)
		}
		c.pending.Done()
	}
}

// BackupResult 备份结果
type BackupResult struct {
	SnapshotID            string            `json:"snapshot_id"`
	BackupTiersCreated    []statestore.Tier `json:"backup_tiers_created"`
	PendingTiers          []statestore.Tier `json:"pending_tiers,omitempty"`
	GeoReplicationEnabled bool              `json:"geo_replication_enabled"`
}

// CreateDisasterRecoveryBackup 在 tiers（为空时为全部层）写入冗余副本。
// critical_business_data 同步写入全部层；其余优先级首层同步，其余层交给异步 worker。
func (c *Coordinator) CreateDisasterRecoveryBackup(ctx context.Context, rec *agent.Record, tiers []statestore.Tier, priority Priority) (*BackupResult, error) {
	if len(tiers) == 0 {
		tiers = c.store.Order()
	}
	snap, err := c.store.CreateSnapshot(ctx, rec, statestore.KindBackup, tiers[0])
	if err != nil {
		return nil, err
	}
	res := &BackupResult{SnapshotID: snap.ID, BackupTiersCreated: []statestore.Tier{snap.Tier}}
	for _, t := range tiers {
		if t == snap.Tier {
			continue
		}
		if priority != PriorityCritical && c.enqueue(backupJob{snap: snap, tier: t}) {
			res.PendingTiers = append(res.PendingTiers, t)
			continue
		}
		if _, err := c.store.WriteSnapshotTo(ctx, snap, t); err != nil {
			c.logger.Warn("备份写入失败", "agent_id", rec.ID, "tier", t, "error", err)
			continue
		}
		res.BackupTiersCreated = append(res.BackupTiersCreated, t)
	}
	for _, t := range append(append([]statestore.Tier(nil), res.BackupTiersCreated...), res.PendingTiers...) {
		if t.Geo() {
			res.GeoReplicationEnabled = true
		}
	}
	c.logger.Info("灾备备份已创建", "agent_id", rec.ID, "priority", priority,
		"tiers", res.BackupTiersCreated, "pending", res.PendingTiers)
	return res, nil
}

// enqueue 非阻塞入队；队列满或已关闭时返回 false，由调用方同步写入
func (c *Coordinator) enqueue(job backupJob) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.pending.Add(1)
	select {
	case c.queue <- job:
		return true
	default:
		c.pending.Done()
		return false
	}
}

// SimulateStorageFailure 将 tiers 排除出读写路径（故障演练）
func (c *Coordinator) SimulateStorageFailure(tiers ...statestore.Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tiers {
		c.store.MarkUnavailable(t, "simulated storage failure")
		c.simulated[t] = true
	}
}

// ResetStorageSimulation 恢复所有演练中排除的层
func (c *Coordinator) ResetStorageSimulation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t := range c.simulated {
		c.store.MarkAvailable(t)
	}
	c.simulated = make(map[statestore.Tier]bool)
}

// Outcome RecoverAgent 的结果
type Outcome struct {
	Record          *agent.Record     `json:"record"`
	SnapshotID      string            `json:"snapshot_id"`
	SourceTier      statestore.Tier   `json:"source_tier"`
	RehydratedTiers []statestore.Tier `json:"rehydrated_tiers,omitempty"`
	Adopted         bool              `json:"adopted"`
	Elapsed         time.Duration     `json:"elapsed"`
	WithinRTO       bool              `json:"within_rto"`
}

// RecoverAgent 在 RTO 内从 preferred 层开始恢复 Agent：回填健康层并交由 Manager 接管。
// 所有层都没有有效快照时发出 agent_error（unrecoverable_data_loss）并返回 ErrUnrecoverableDataLoss。
func (c *Coordinator) RecoverAgent(ctx context.Context, agentID string, owner agent.UserContext, preferred statestore.Tier, geo bool) (*Outcome, error) {
	const op = "recover_agent"
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.opts.RTO)
	defer cancel()

	found, err := c.store.DisasterRecovery(ctx, agentID, owner, preferred, geo)
	if err != nil {
		return nil, err
	}
	if found == nil {
		lossErr := perrors.Newf(perrors.KindUnrecoverableDataLoss, op, "no valid snapshot of agent %s in any tier", agentID).
			WithDetail("geo", geo)
		if c.emitter != nil {
			c.emitter.Emit(ctx, events.AgentError, agentID, owner.UserID,
				events.ErrorData(lossErr, "agent state could not be recovered"))
		}
		return nil, lossErr
	}
	if found.Record.Phase.Terminal() {
		return nil, perrors.Newf(perrors.KindAgentNotFound, op, "agent %s was destroyed", agentID)
	}

	out := &Outcome{Record: found.Record, SnapshotID: found.Snapshot.ID, SourceTier: found.Tier}
	for _, t := range c.store.Order() {
		if t == found.Tier || !c.store.Available(t) || (t.Geo() && !geo) {
			continue
		}
		if _, err := c.store.WriteSnapshotTo(ctx, found.Snapshot, t); err != nil {
			c.logger.Warn("回填失败", "agent_id", agentID, "tier", t, "error", err)
			continue
		}
		out.RehydratedTiers = append(out.RehydratedTiers, t)
	}

	if c.m != nil {
		if live, err := c.m.Get(agentID); err == nil {
			out.Record = live
		} else {
			adopted, err := c.m.Adopt(ctx, found.Record)
			if err != nil {
				return nil, err
			}
			out.Record = adopted
			out.Adopted = true
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, perrors.Newf(perrors.KindTimeout, op, "recovery of agent %s exceeded RTO %s", agentID, c.opts.RTO).WithCause(err)
	}
	out.Elapsed = time.Since(start)
	out.WithinRTO = out.Elapsed <= c.opts.RTO
	c.logger.Info("Agent 已恢复", "agent_id", agentID, "source_tier", found.Tier,
		"rehydrated", out.RehydratedTiers, "elapsed", out.Elapsed)
	return out, nil
}

// CheckOnce 执行一次健康检查
func (c *Coordinator) CheckOnce(ctx context.Context) map[statestore.Tier]error {
	return c.store.CheckHealth(ctx)
}

// RunHealthChecks 周期性健康检查，ctx 取消时返回
func (c *Coordinator) RunHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.CheckOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckOnce(ctx)
		}
	}
}
