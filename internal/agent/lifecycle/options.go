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
	"time"

	"github.com/cenkalti/backoff/v4"

	"agent-platform/internal/agent"
	"agent-platform/pkg/config"
	perrors "agent-platform/pkg/errors"
)

// Options 生命周期超时与恢复策略
type Options struct {
	InitTimeout         time.Duration
	ActivationTimeout   time.Duration
	TerminationTimeout  time.Duration
	ForceCleanupRetries int
	Recovery            RecoveryPolicy
}

// RecoveryPolicy 初始化失败后的 fallback 重试
type RecoveryPolicy struct {
	MaxAttempts     int
	Backoff         string // exponential | fixed
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultOptions 与 config 默认值一致
func DefaultOptions() Options {
	return Options{
		InitTimeout:         10 * time.Second,
		ActivationTimeout:   10 * time.Second,
		TerminationTimeout:  5 * time.Second,
		ForceCleanupRetries: 3,
		Recovery: RecoveryPolicy{
			MaxAttempts:     2,
			Backoff:         "exponential",
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
	}
}

// OptionsFromConfig 从配置构造 Options
func OptionsFromConfig(cfg config.LifecycleConfig) Options {
	def := DefaultOptions()
	opts := Options{
		InitTimeout:         config.Duration(cfg.InitTimeout, def.InitTimeout),
		ActivationTimeout:   config.Duration(cfg.ActivationTimeout, def.ActivationTimeout),
		TerminationTimeout:  config.Duration(cfg.TerminationTimeout, def.TerminationTimeout),
		ForceCleanupRetries: cfg.ForceCleanupRetries,
		Recovery: RecoveryPolicy{
			MaxAttempts:     cfg.Recovery.MaxAttempts,
			Backoff:         cfg.Recovery.Backoff,
			InitialInterval: config.Duration(cfg.Recovery.InitialInterval, def.Recovery.InitialInterval),
			MaxInterval:     config.Duration(cfg.Recovery.MaxInterval, def.Recovery.MaxInterval),
		},
	}
	if opts.ForceCleanupRetries < 0 {
		opts.ForceCleanupRetries = 0
	}
	if opts.Recovery.Backoff == "" {
		opts.Recovery.Backoff = def.Recovery.Backoff
	}
	return opts
}

// backOff 共 MaxAttempts 次尝试
func (p RecoveryPolicy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Backoff == "fixed" {
		b = backoff.NewConstantBackOff(p.InitialInterval)
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.InitialInterval
		eb.MaxInterval = p.MaxInterval
		eb.MaxElapsedTime = 0
		eb.RandomizationFactor = 0
		eb.Reset()
		b = eb
	}
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// ConfigValidator 初始化阶段校验 Agent 配置
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, agentType string, cfg map[string]any) error
}

// ValidatorFunc 函数形式的 ConfigValidator
type ValidatorFunc func(ctx context.Context, agentType string, cfg map[string]any) error

func (f ValidatorFunc) ValidateConfig(ctx context.Context, agentType string, cfg map[string]any) error {
	return f(ctx, agentType, cfg)
}

// RequiredConfig 按 agent_type 要求必填配置键
type RequiredConfig map[string][]string

func (r RequiredConfig) ValidateConfig(_ context.Context, agentType string, cfg map[string]any) error {
	for _, key := range r[agentType] {
		if _, ok := cfg[key]; !ok {
			return perrors.Newf(perrors.KindInvalidArgument, "validate_config", "%s requires config %q", agentType, key).
				WithDetail("field", key)
		}
	}
	return nil
}

// Activator 激活时的预热动作（连接外部资源等）
type Activator interface {
	Activate(ctx context.Context, rec *agent.Record) error
}

// ActivatorFunc 函数形式的 Activator
type ActivatorFunc func(ctx context.Context, rec *agent.Record) error

func (f ActivatorFunc) Activate(ctx context.Context, rec *agent.Record) error { return f(ctx, rec) }

// ResourceCleaner 清理阶段释放 Agent 持有的外部资源
type ResourceCleaner interface {
	Cleanup(ctx context.Context, rec *agent.Record) error
}

// CleanerFunc 函数形式的 ResourceCleaner
type CleanerFunc func(ctx context.Context, rec *agent.Record) error

func (f CleanerFunc) Cleanup(ctx context.Context, rec *agent.Record) error { return f(ctx, rec) }

// PurgeScope 清理时删除的持久化范围
type PurgeScope int

const (
	// PurgeEphemeral 仅删除快速层
	PurgeEphemeral PurgeScope = iota
	// PurgeAll 删除所有层
	PurgeAll
)

// Persister 写穿持久化；由 StateTracker 实现
type Persister interface {
	Persist(ctx context.Context, rec *agent.Record, kind string) error
	Purge(ctx context.Context, rec *agent.Record, scope PurgeScope) error
	// LatestStable 最近一次 ACTIVE/COMPLETING 的有效快照；没有时返回 nil, nil
	LatestStable(ctx context.Context, agentID, userID string) (*agent.Record, error)
	// Destroyed agentID 是否已持久化为销毁；内存墓碑被淘汰后用于拒绝复活
	Destroyed(ctx context.Context, agentID string) (bool, error)
}

// runWithTimeout 在 d 内执行 fn；超时返回 KindTimeout
func runWithTimeout(ctx context.Context, op string, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- fn(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return perrors.Newf(perrors.KindTimeout, op, "exceeded %s", d).WithCause(ctx.Err())
	}
}
