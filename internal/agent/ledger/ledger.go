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

// Package ledger 按 Agent 记账内存/CPU 配额，并原子地执行全局上限。
// 账本计数器是并发 Agent 操作间唯一共享的可变状态，只能经 Allocate/Release 访问。
package ledger

import (
	"math"
	"sync"
	"time"

	"agent-platform/pkg/config"
	perrors "agent-platform/pkg/errors"
	"agent-platform/pkg/log"
	"agent-platform/pkg/metrics"
)

// Limits 全局上限；<=0 表示不限制该项
type Limits struct {
	TotalMemoryMB       int
	TotalCPUCores       float64
	MaxConcurrentAgents int
}

// LimitsFromConfig 由配置构造 Limits
func LimitsFromConfig(cfg config.LedgerConfig) Limits {
	return Limits{
		TotalMemoryMB:       cfg.TotalMemoryMB,
		TotalCPUCores:       cfg.TotalCPUCores,
		MaxConcurrentAgents: cfg.MaxConcurrentAgents,
	}
}

// Allocation 单个 Agent 的资源分配
type Allocation struct {
	AgentID     string    `json:"agent_id"`
	MemoryMB    int       `json:"memory_mb"`
	CPUCores    float64   `json:"cpu_cores"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Usage 某一时刻的占用快照
type Usage struct {
	MemoryMB        int     `json:"memory_mb"`
	CPUCores        float64 `json:"cpu_cores"`
	ConcurrentCount int     `json:"concurrent_count"`
}

// Violation 拒绝分配的具体原因
type Violation struct {
	Resource  string  `json:"resource"` // memory_mb | cpu_cores | concurrent_agents
	Requested float64 `json:"requested"`
	Available float64 `json:"available"`
	Limit     float64 `json:"limit"`
}

// CPU 以毫核整数记账，保证分配/释放总量精确守恒
const milli = 1000

func toMilli(cores float64) int64 {
	return int64(math.Round(cores * milli))
}

type entry struct {
	alloc     Allocation
	cpuMillis int64
}

// Ledger 资源账本
type Ledger struct {
	mu        sync.Mutex
	limits    Limits
	entries   map[string]entry
	memoryMB  int
	cpuMillis int64
	logger    *log.Logger
	now       func() time.Time
}

// New 创建账本
func New(limits Limits, logger *log.Logger) *Ledger {
	return &Ledger{
		limits:  limits,
		entries: make(map[string]entry),
		logger:  log.Or(logger).With("component", "ledger"),
		now:     time.Now,
	}
}

// Allocate 原子地检查上限并记账；失败返回 ResourceExhausted，明细中带违规项，账本不变。
// 同一 agentID 重复分配视为幂等，返回已有分配。
func (l *Ledger) Allocate(agentID string, memoryMB int, cpuCores float64) (Allocation, error) {
	if agentID == "" || memoryMB < 0 || cpuCores < 0 {
		return Allocation{}, perrors.New(perrors.KindInvalidArgument, "ledger.allocate", "agent id and non-negative requirements required")
	}
	cpu := toMilli(cpuCores)

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[agentID]; ok {
		return e.alloc, nil
	}

	var violations []Violation
	if l.limits.TotalMemoryMB > 0 && l.memoryMB+memoryMB > l.limits.TotalMemoryMB {
		violations = append(violations, Violation{
			Resource:  "memory_mb",
			Requested: float64(memoryMB),
			Available: float64(l.limits.TotalMemoryMB - l.memoryMB),
			Limit:     float64(l.limits.TotalMemoryMB),
		})
	}
	if l.limits.TotalCPUCores > 0 {
		limit := toMilli(l.limits.TotalCPUCores)
		if l.cpuMillis+cpu > limit {
			violations = append(violations, Violation{
				Resource:  "cpu_cores",
				Requested: cpuCores,
				Available: float64(limit-l.cpuMillis) / milli,
				Limit:     l.limits.TotalCPUCores,
			})
		}
	}
	if l.limits.MaxConcurrentAgents > 0 && len(l.entries)+1 > l.limits.MaxConcurrentAgents {
		violations = append(violations, Violation{
			Resource:  "concurrent_agents",
			Requested: 1,
			Available: float64(l.limits.MaxConcurrentAgents - len(l.entries)),
			Limit:     float64(l.limits.MaxConcurrentAgents),
		})
	}
	if len(violations) > 0 {
		for _, v := range violations {
			metrics.LedgerRejectionsTotal.WithLabelValues(v.Resource).Inc()
		}
		l.logger.Warn("allocation rejected", "agent_id", agentID, "memory_mb", memoryMB, "cpu_cores", cpuCores, "violations", len(violations))
		return Allocation{}, perrors.Newf(perrors.KindResourceExhausted, "ledger.allocate",
			"cannot allocate %dMB/%.3f cores for %s", memoryMB, cpuCores, agentID).
			WithDetail("violations", violations)
	}

	alloc := Allocation{AgentID: agentID, MemoryMB: memoryMB, CPUCores: cpuCores, AllocatedAt: l.now()}
	l.entries[agentID] = entry{alloc: alloc, cpuMillis: cpu}
	l.memoryMB += memoryMB
	l.cpuMillis += cpu
	l.publishLocked()
	return alloc, nil
}

// Release 幂等释放；未分配的 ID 为空操作。返回被释放的分配及是否真正释放
func (l *Ledger) Release(agentID string) (Allocation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[agentID]
	if !ok {
		return Allocation{}, false
	}
	delete(l.entries, agentID)
	l.memoryMB -= e.alloc.MemoryMB
	l.cpuMillis -= e.cpuMillis
	l.publishLocked()
	return e.alloc, true
}

// Get 查询某 Agent 的分配
func (l *Ledger) Get(agentID string) (Allocation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[agentID]
	return e.alloc, ok
}

// CurrentUsage 时点占用快照，供监控
func (l *Ledger) CurrentUsage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usageLocked()
}

// Limits 返回配置的上限
func (l *Ledger) Limits() Limits {
	return l.limits
}

func (l *Ledger) usageLocked() Usage {
	return Usage{
		MemoryMB:        l.memoryMB,
		CPUCores:        float64(l.cpuMillis) / milli,
		ConcurrentCount: len(l.entries),
	}
}

func (l *Ledger) publishLocked() {
	u := l.usageLocked()
	metrics.LedgerMemoryMB.Set(float64(u.MemoryMB))
	metrics.LedgerCPUCores.Set(u.CPUCores)
	metrics.LedgerConcurrentAgents.Set(float64(u.ConcurrentCount))
}
