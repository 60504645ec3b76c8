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

package events

import (
	"context"
	"sync"
)

// Sink 事件传输：send_event(user_id, event) -> delivered
type Sink interface {
	Send(ctx context.Context, userID string, ev Event) (bool, error)
}

// SinkFunc 函数适配
type SinkFunc func(ctx context.Context, userID string, ev Event) (bool, error)

func (f SinkFunc) Send(ctx context.Context, userID string, ev Event) (bool, error) {
	return f(ctx, userID, ev)
}

type sinkKey struct{}

// WithSink 为一次执行绑定 Sink；Emitter 优先使用上下文中的 Sink
func WithSink(ctx context.Context, sink Sink) context.Context {
	if sink == nil {
		return ctx
	}
	return context.WithValue(ctx, sinkKey{}, sink)
}

// SinkFrom 取上下文中的 Sink
func SinkFrom(ctx context.Context) Sink {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(sinkKey{}).(Sink)
	return s
}

// Collector 内存 Sink，按用户保存事件；用作 memory 传输与执行上下文收集器
type Collector struct {
	mu     sync.Mutex
	byUser map[string][]Event
}

// NewCollector 创建 Collector
func NewCollector() *Collector {
	return &Collector{byUser: make(map[string][]Event)}
}

// Send 实现 Sink，始终投递成功
func (c *Collector) Send(ctx context.Context, userID string, ev Event) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byUser[userID] = append(c.byUser[userID], ev)
	return true, nil
}

// Events 某用户收到的事件（按投递顺序）
func (c *Collector) Events(userID string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.byUser[userID]...)
}

// ForAgent 某用户收到的某 Agent 的事件
func (c *Collector) ForAgent(userID, agentID string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.byUser[userID] {
		if ev.AgentID == agentID {
			out = append(out, ev)
		}
	}
	return out
}

// Types 某用户收到的某 Agent 的事件类型序列
func (c *Collector) Types(userID, agentID string) []Type {
	evs := c.ForAgent(userID, agentID)
	out := make([]Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// Reset 清空
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byUser = make(map[string][]Event)
}
