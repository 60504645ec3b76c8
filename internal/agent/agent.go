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

// Package agent 定义 Agent 记录、归属上下文与生命周期状态机，供 lifecycle/tracker/statestore 共用
package agent

import (
	"time"

	"github.com/google/uuid"
)

// UserContext Agent 的归属：一个 Agent 只属于一个用户，从不共享
type UserContext struct {
	UserID      string `json:"user_id"`
	ThreadID    string `json:"thread_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// ResourceRequirements Agent 声明的资源需求
type ResourceRequirements struct {
	MemoryMB int     `json:"memory_mb"`
	CPUCores float64 `json:"cpu_cores"`
}

// PhaseChange 一次阶段迁移
type PhaseChange struct {
	From Phase     `json:"from"`
	To   Phase     `json:"to"`
	At   time.Time `json:"at"`
}

// Provenance 跨会话恢复的来源记录
type Provenance struct {
	OriginalSessionID string    `json:"original_session_id"`
	ResumedInSession  string    `json:"resumed_in_session"`
	ResumedAt         time.Time `json:"resumed_at"`
}

// Record Agent 记录；存活期间由 lifecycle.Manager 独占
type Record struct {
	ID           string               `json:"agent_id"`
	Type         string               `json:"agent_type"`
	Phase        Phase                `json:"lifecycle_phase"`
	Owner        UserContext          `json:"owner"`
	Resources    ResourceRequirements `json:"resource_requirements"`
	StateData    map[string]any       `json:"state_data"`
	Config       map[string]any       `json:"config,omitempty"`
	Dependencies []string             `json:"dependencies,omitempty"`
	Provides     []string             `json:"provides,omitempty"`
	Version      int64                `json:"version"`
	History      []PhaseChange        `json:"history,omitempty"`
	Provenance   []Provenance         `json:"provenance,omitempty"`
	LastError    string               `json:"last_error,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// NewID 生成 Agent ID
func NewID() string {
	return "agent-" + uuid.New().String()
}

// Clone 深拷贝，调用方拿到的记录与内部状态互不影响
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.StateData = CopyMap(r.StateData)
	out.Config = CopyMap(r.Config)
	if r.Dependencies != nil {
		out.Dependencies = append([]string(nil), r.Dependencies...)
	}
	if r.Provides != nil {
		out.Provides = append([]string(nil), r.Provides...)
	}
	if r.History != nil {
		out.History = append([]PhaseChange(nil), r.History...)
	}
	if r.Provenance != nil {
		out.Provenance = append([]Provenance(nil), r.Provenance...)
	}
	return &out
}

// Phases 返回记录观测到的阶段序列（含初始阶段）
func (r *Record) Phases() []Phase {
	if len(r.History) == 0 {
		return []Phase{r.Phase}
	}
	out := make([]Phase, 0, len(r.History)+1)
	out = append(out, r.History[0].From)
	for _, h := range r.History {
		out = append(out, h.To)
	}
	return out
}

// ProvidesCapability 是否提供 name（能力名或 Agent ID）
func (r *Record) ProvidesCapability(name string) bool {
	if r.ID == name {
		return true
	}
	for _, p := range r.Provides {
		if p == name {
			return true
		}
	}
	return false
}

// MergeStateData 将 update 合并进 dst：同名键覆盖，新键追加；返回合并后的 map
func MergeStateData(dst, update map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(update))
	}
	for k, v := range update {
		dst[k] = copyValue(v)
	}
	return dst
}

// CopyMap 深拷贝 map[string]any
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
