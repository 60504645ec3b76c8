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

// Package events 按 Agent-用户对有序地投递生命周期事件；具体传输（WebSocket 桥、Webhook）通过 Sink 注入。
package events

import (
	"time"

	"github.com/google/uuid"

	perrors "agent-platform/pkg/errors"
)

// Type 事件类型；前端依赖这些取值
type Type string

const (
	AgentStarted               Type = "agent_started"
	AgentThinking              Type = "agent_thinking"
	ToolExecuting              Type = "tool_executing"
	ToolCompleted              Type = "tool_completed"
	AgentCompleted             Type = "agent_completed"
	AgentError                 Type = "agent_error"
	AgentCompletedWithFallback Type = "agent_completed_with_fallback"
)

// Terminal 是否为用户可见的终止信号
func (t Type) Terminal() bool {
	return t == AgentCompleted || t == AgentError || t == AgentCompletedWithFallback
}

// Event send_event 的 event 参数
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	AgentID   string         `json:"agent_id"`
	UserID    string         `json:"user_id"`
	Seq       uint64         `json:"seq"` // 同一 Agent-用户对内单调递增
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func newEvent(typ Type, agentID, userID string, data map[string]any) Event {
	return Event{
		ID:        "evt-" + uuid.New().String(),
		Type:      typ,
		AgentID:   agentID,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ErrorData agent_error 事件数据：可读消息 + 结构化 error_type
func ErrorData(err error, message string) map[string]any {
	if message == "" && err != nil {
		message = err.Error()
	}
	data := map[string]any{"message": message}
	if kind := perrors.KindOf(err); kind != "" {
		data["error_type"] = string(kind)
	}
	if err != nil {
		data["error"] = err.Error()
	}
	return data
}
