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
	"fmt"

	"agent-platform/internal/agent"
	"agent-platform/internal/runtime/events"
	"agent-platform/internal/storage/statestore"
	perrors "agent-platform/pkg/errors"
	"agent-platform/pkg/tracing"
)

// WorkFunc Agent 的实际工作；应在 ctx 取消时尽快返回
type WorkFunc func(ctx context.Context, rec *agent.Record, r *Reporter) (map[string]any, error)

// Reporter 供 WorkFunc 上报进度事件
type Reporter struct {
	m   *Manager
	ctx context.Context
	rec *agent.Record
}

// Thinking 发出 agent_thinking
func (r *Reporter) Thinking(message string, data map[string]any) {
	payload := map[string]any{"message": message}
	for k, v := range data {
		payload[k] = v
	}
	r.m.emit(r.ctx, events.AgentThinking, r.rec, payload)
}

// ToolExecuting 发出 tool_executing
func (r *Reporter) ToolExecuting(tool string, args map[string]any) {
	r.m.emit(r.ctx, events.ToolExecuting, r.rec, map[string]any{"tool": tool, "args": args})
}

// ToolCompleted 发出 tool_completed
func (r *Reporter) ToolCompleted(tool string, result map[string]any) {
	r.m.emit(r.ctx, events.ToolCompleted, r.rec, map[string]any{"tool": tool, "result": result})
}

// Execute ACTIVE -> PROCESSING 并同步执行 work：
// 成功进入 COMPLETING 并发出 agent_completed，失败进入 ERROR 并发出 agent_error。
// 执行期间被 TerminateAgent 取消时阶段由终止流程决定。
func (m *Manager) Execute(ctx context.Context, id string, work WorkFunc) (rec *agent.Record, err error) {
	ctx, span := tracing.StartLifecycleSpan(ctx, "execute", id)
	defer func() { tracing.EndSpan(span, err) }()

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	started, err := m.transition("execute", id, agent.PhaseActive, agent.PhaseProcessing, nil, func(e *entry) {
		e.cancel, e.done = cancel, done
	})
	if err != nil {
		close(done)
		return nil, err
	}
	m.persist(ctx, started, statestore.KindTransition)

	result, werr := runWork(workCtx, started, &Reporter{m: m, ctx: ctx, rec: started}, work)

	defer close(done)
	m.mu.Lock()
	if e, ok := m.agents[id]; ok && e.done == done {
		e.cancel, e.done = nil, nil
	}
	m.mu.Unlock()

	if workCtx.Err() != nil && ctx.Err() == nil {
		// 被 TerminateAgent 中断
		return nil, perrors.Wrapf(context.Canceled, "agent %s interrupted", id)
	}
	if werr != nil {
		m.logger.Warn("Agent 执行失败", "agent_id", id, "error", werr)
		if _, ferr := m.fail(ctx, "execute", id, agent.PhaseProcessing, werr, true); ferr != nil {
			m.logger.Warn("执行失败后迁移 ERROR 未成功", "agent_id", id, "error", ferr)
		}
		return nil, werr
	}
	return m.CompleteAgentExecution(ctx, id, result)
}

func runWork(ctx context.Context, rec *agent.Record, r *Reporter, work WorkFunc) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = perrors.Newf(perrors.KindInternal, "execute", "work panicked: %v", p)
		}
	}()
	if work == nil {
		return nil, nil
	}
	result, err = work(ctx, rec.Clone(), r)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", rec.ID, err)
	}
	return result, nil
}
