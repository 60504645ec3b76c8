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

	"agent-platform/pkg/log"
	"agent-platform/pkg/metrics"
)

const defaultSubscriberBuffer = 64

type streamKey struct {
	agentID string
	userID  string
}

// stream 一个 Agent-用户对的投递通道；mu 保证同一对内按发出顺序投递
type stream struct {
	mu  sync.Mutex
	seq uint64
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Emitter 事件发射器。同一 Agent-用户对内的事件按 Emit 调用顺序投递（Sink 与订阅者都如此），
// 不同 Agent 之间不保证顺序。
type Emitter struct {
	sink   Sink
	logger *log.Logger
	buffer int

	mu      sync.Mutex
	streams map[streamKey]*stream
	subs    map[string][]*subscriber // user_id -> 订阅者
}

// Option Emitter 选项
type Option func(*Emitter)

// WithSubscriberBuffer 订阅者 channel 容量
func WithSubscriberBuffer(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.buffer = n
		}
	}
}

// WithLogger 注入 logger
func WithLogger(l *log.Logger) Option {
	return func(e *Emitter) {
		e.logger = log.Or(l).With("component", "events")
	}
}

// NewEmitter 创建 Emitter；sink 为 nil 时只投递给上下文 Sink 与订阅者
func NewEmitter(sink Sink, opts ...Option) *Emitter {
	e := &Emitter{
		sink:    sink,
		logger:  log.NewDiscard(),
		buffer:  defaultSubscriberBuffer,
		streams: make(map[streamKey]*stream),
		subs:    make(map[string][]*subscriber),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Emitter) streamFor(agentID, userID string) *stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := streamKey{agentID: agentID, userID: userID}
	s, ok := e.streams[k]
	if !ok {
		s = &stream{}
		e.streams[k] = s
	}
	return s
}

// Emit 发出事件并返回投递结果。上下文中绑定的 Sink 优先于默认 Sink；
// 投递失败只记录日志与指标，不向调用方返回错误。
func (e *Emitter) Emit(ctx context.Context, typ Type, agentID, userID string, data map[string]any) (Event, bool) {
	ev := newEvent(typ, agentID, userID, data)
	st := e.streamFor(agentID, userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	ev.Seq = st.seq

	delivered := e.send(ctx, userID, ev)
	e.publish(userID, ev)
	return ev, delivered
}

func (e *Emitter) send(ctx context.Context, userID string, ev Event) bool {
	sink := SinkFrom(ctx)
	if sink == nil {
		sink = e.sink
	}
	if sink == nil {
		metrics.EventsTotal.WithLabelValues(string(ev.Type), "dropped").Inc()
		return false
	}
	ok, err := sink.Send(ctx, userID, ev)
	switch {
	case err != nil:
		metrics.EventsTotal.WithLabelValues(string(ev.Type), "failed").Inc()
		e.logger.Warn("事件投递失败", "type", ev.Type, "agent_id", ev.AgentID, "user_id", userID, "error", err)
		return false
	case !ok:
		metrics.EventsTotal.WithLabelValues(string(ev.Type), "dropped").Inc()
		return false
	default:
		metrics.EventsTotal.WithLabelValues(string(ev.Type), "delivered").Inc()
		return true
	}
}

// publish 非阻塞地推给订阅者；跟不上的订阅者被关闭，避免拖慢发射方
func (e *Emitter) publish(userID string, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.subs[userID]
	if len(subs) == 0 {
		return
	}
	still := subs[:0]
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
			still = append(still, sub)
		default:
			sub.closed = true
			close(sub.ch)
			e.logger.Warn("订阅者消费过慢，已断开", "user_id", userID)
		}
	}
	if len(still) == 0 {
		delete(e.subs, userID)
		return
	}
	e.subs[userID] = still
}

// Subscribe 订阅某用户的全部事件，ctx 结束时 channel 关闭
func (e *Emitter) Subscribe(ctx context.Context, userID string) <-chan Event {
	sub := &subscriber{ch: make(chan Event, e.buffer)}
	e.mu.Lock()
	e.subs[userID] = append(e.subs[userID], sub)
	e.mu.Unlock()
	go func() {
		<-ctx.Done()
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub.closed {
			return
		}
		subs := e.subs[userID]
		for i, s := range subs {
			if s == sub {
				e.subs[userID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(e.subs[userID]) == 0 {
			delete(e.subs, userID)
		}
		sub.closed = true
		close(sub.ch)
	}()
	return sub.ch
}

// Forget 释放 Agent-用户对的序号状态（Agent 销毁后调用）
func (e *Emitter) Forget(agentID, userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.streams, streamKey{agentID: agentID, userID: userID})
}
