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

// Package app 按配置组装账本、分层存储、事件、生命周期、状态追踪与灾备组件，供 agentd 与 agentctl 复用
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"agent-platform/internal/agent"
	"agent-platform/internal/agent/ledger"
	"agent-platform/internal/agent/lifecycle"
	"agent-platform/internal/agent/recovery"
	"agent-platform/internal/agent/tracker"
	"agent-platform/internal/runtime/events"
	"agent-platform/internal/storage/statestore"
	"agent-platform/pkg/auth"
	"agent-platform/pkg/config"
	perrors "agent-platform/pkg/errors"
	"agent-platform/pkg/log"
	"agent-platform/pkg/secrets"
	"agent-platform/pkg/tracing"
)

// App 运行时组件集合
type App struct {
	Config    *config.Config
	Logger    *log.Logger
	Ledger    *ledger.Ledger
	Store     *statestore.Store
	Emitter   *events.Emitter
	Lifecycle *lifecycle.Manager
	Tracker   *tracker.Tracker
	Recovery  *recovery.Coordinator
	Auth      auth.Authenticator // jwt_key 未配置时为 nil

	tp         *sdktrace.TracerProvider
	gcInterval time.Duration
	ownsLogger bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

type buildOptions struct {
	logger    *log.Logger
	sink      events.Sink
	secrets   secrets.Store
	lifecycle []lifecycle.Option
}

// Option 组装选项
type Option func(*buildOptions)

// WithLogger 使用已有 Logger（不按配置创建）
func WithLogger(l *log.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithSink 覆盖配置中的事件 Sink
func WithSink(s events.Sink) Option {
	return func(o *buildOptions) { o.sink = s }
}

// WithSecrets 覆盖配置中的 Secret Store
func WithSecrets(s secrets.Store) Option {
	return func(o *buildOptions) { o.secrets = s }
}

// WithLifecycleOptions 注入生命周期钩子（校验、激活、清理）
func WithLifecycleOptions(opts ...lifecycle.Option) Option {
	return func(o *buildOptions) { o.lifecycle = append(o.lifecycle, opts...) }
}

// New 根据配置创建 App；失败时释放已创建的资源
func New(ctx context.Context, cfg *config.Config, options ...Option) (_ *App, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var bo buildOptions
	for _, o := range options {
		o(&bo)
	}

	a := &App{Config: cfg, Logger: bo.logger}
	defer func() {
		if err != nil {
			a.release()
		}
	}()
	if a.Logger == nil {
		a.Logger, err = log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
		if err != nil {
			return nil, fmt.Errorf("初始化日志失败: %w", err)
		}
		a.ownsLogger = true
	}

	sec := bo.secrets
	if sec == nil {
		if sec, err = secrets.NewStore(cfg.Secrets); err != nil {
			return nil, fmt.Errorf("初始化 secret store 失败: %w", err)
		}
	}
	if err = config.ResolveSecrets(ctx, cfg, secrets.Resolver(sec)); err != nil {
		return nil, err
	}

	if cfg.Monitoring.Tracing.Enable {
		a.tp, err = tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    cfg.Monitoring.Tracing.ServiceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 tracing 失败: %w", err)
		}
	}

	a.Ledger = ledger.New(ledger.LimitsFromConfig(cfg.Ledger), a.Logger)
	if a.Store, err = statestore.Open(ctx, cfg.StateStore, a.Logger); err != nil {
		return nil, fmt.Errorf("初始化状态存储失败: %w", err)
	}

	sink := bo.sink
	if sink == nil {
		if sink, err = newSink(cfg.Events); err != nil {
			return nil, err
		}
	}
	a.Emitter = events.NewEmitter(sink,
		events.WithSubscriberBuffer(cfg.Events.SubscriberBuffer),
		events.WithLogger(a.Logger))

	lcOpts := append([]lifecycle.Option{lifecycle.WithLogger(a.Logger)}, bo.lifecycle...)
	a.Lifecycle = lifecycle.New(a.Ledger, a.Emitter, lifecycle.OptionsFromConfig(cfg.Lifecycle), lcOpts...)

	trOpts, err := tracker.OptionsFromConfig(cfg.Tracker, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Tracker = tracker.New(a.Lifecycle, a.Store, trOpts)
	a.Recovery = recovery.New(a.Store, a.Lifecycle, a.Emitter, recovery.OptionsFromConfig(cfg.Recovery, a.Logger))
	a.gcInterval = config.Duration(cfg.Tracker.GCInterval, 10*time.Minute)

	if cfg.Auth.JWTKey != "" {
		if a.Auth, err = auth.NewFromConfig(cfg.Auth); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func newSink(cfg config.EventsConfig) (events.Sink, error) {
	switch cfg.Sink {
	case "", "memory":
		return events.NewCollector(), nil
	case "webhook":
		return events.NewWebhookSink(events.WebhookConfig{
			Endpoint: cfg.Webhook.Endpoint,
			Token:    cfg.Webhook.Token,
			Timeout:  config.Duration(cfg.Webhook.Timeout, 5*time.Second),
			Retries:  cfg.Webhook.Retries,
			RPS:      cfg.Webhook.RPS,
		})
	default:
		return nil, fmt.Errorf("unsupported event sink: %s", cfg.Sink)
	}
}

// Start 启动异步备份、健康检查与连续性记录 GC
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil || a.stopped {
		return errors.New("app already started")
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.Recovery.Start(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runGC(ctx)
	}()
	a.Logger.Info("agent runtime started",
		"tiers", a.Store.Order(), "checksum", a.Store.Algorithm(), "gc_interval", a.gcInterval)
	return nil
}

func (a *App) runGC(ctx context.Context) {
	ticker := time.NewTicker(a.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Tracker.PurgeExpired(ctx)
			if err != nil {
				a.Logger.Warn("清理过期连续性记录失败", "error", err)
				continue
			}
			if n > 0 {
				a.Logger.Info("已清理过期连续性记录", "count", n)
			}
		}
	}
}

// Shutdown 停止后台任务并关闭存储；存活 Agent 的状态已写穿，重启后可恢复
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		_ = a.Recovery.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
	a.Logger.Info("agent runtime stopped", "live_agents", len(a.Lifecycle.List("")))
	return a.release()
}

func (a *App) release() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.tp != nil {
		errs = append(errs, a.tp.Shutdown(context.Background()))
	}
	if a.ownsLogger {
		errs = append(errs, a.Logger.Close())
	}
	return errors.Join(errs...)
}

// authenticate 校验令牌并检查权限
func (a *App) authenticate(token string, perm auth.Permission) (auth.Principal, error) {
	if a.Auth == nil {
		return auth.Principal{}, perrors.New(perrors.KindInvalidArgument, "authenticate", "authentication is not configured")
	}
	p, err := a.Auth.Authenticate(token)
	if err != nil {
		return p, err
	}
	if err := p.Require(perm); err != nil {
		return p, err
	}
	return p, nil
}

// bindUser 以令牌中的 user_id 为准；请求显式携带其他用户时拒绝
func bindUser(p auth.Principal, uc agent.UserContext) (agent.UserContext, error) {
	if uc.UserID != "" && uc.UserID != p.UserID {
		return uc, fmt.Errorf("%w: token for %s cannot act as %s", auth.ErrForbidden, p.UserID, uc.UserID)
	}
	uc.UserID = p.UserID
	return uc, nil
}

// AuthorizeAndCreate 认证后以令牌用户身份创建 Agent
func (a *App) AuthorizeAndCreate(ctx context.Context, token string, req lifecycle.CreateRequest, uc agent.UserContext) (*agent.Record, error) {
	p, err := a.authenticate(token, auth.PermissionAgentCreate)
	if err != nil {
		return nil, err
	}
	if uc, err = bindUser(p, uc); err != nil {
		return nil, err
	}
	return a.Lifecycle.CreateAgent(auth.WithPrincipal(ctx, p), req, uc)
}

// ResumableWorkForToken 会话建立时列出令牌用户在 threadID 下可恢复的工作
func (a *App) ResumableWorkForToken(ctx context.Context, token, threadID string) ([]*tracker.ContinuityRecord, error) {
	p, err := a.authenticate(token, auth.PermissionAgentResume)
	if err != nil {
		return nil, err
	}
	return a.Tracker.FindResumableWork(auth.WithPrincipal(ctx, p), p.UserID, threadID)
}

// ResumeForToken 在当前会话中恢复令牌用户的 Agent
func (a *App) ResumeForToken(ctx context.Context, token, agentID, originalSessionID string, current agent.UserContext) (*agent.Record, error) {
	p, err := a.authenticate(token, auth.PermissionAgentResume)
	if err != nil {
		return nil, err
	}
	if current, err = bindUser(p, current); err != nil {
		return nil, err
	}
	return a.Tracker.ResumeCrossSessionAgent(auth.WithPrincipal(ctx, p), agentID, originalSessionID, current)
}
