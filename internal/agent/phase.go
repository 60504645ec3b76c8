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

package agent

// Phase 生命周期阶段
type Phase string

const (
	PhaseCreated      Phase = "created"
	PhaseInitializing Phase = "initializing"
	PhaseActive       Phase = "active"
	PhaseProcessing   Phase = "processing"
	PhaseCompleting   Phase = "completing"
	PhaseTerminated   Phase = "terminated"
	PhaseCleanup      Phase = "cleanup"
	PhaseDestroyed    Phase = "destroyed"
	PhaseError        Phase = "error"
)

// AllPhases 按主路径顺序，ERROR 在末尾
var AllPhases = []Phase{
	PhaseCreated, PhaseInitializing, PhaseActive, PhaseProcessing, PhaseCompleting,
	PhaseTerminated, PhaseCleanup, PhaseDestroyed, PhaseError,
}

// transitions 状态机的有向边；ERROR 入边在 CanTransition 中统一处理
var transitions = map[Phase][]Phase{
	PhaseCreated:      {PhaseInitializing},
	PhaseInitializing: {PhaseActive},
	PhaseActive:       {PhaseProcessing, PhaseTerminated},
	PhaseProcessing:   {PhaseCompleting, PhaseTerminated},
	PhaseCompleting:   {PhaseTerminated},
	PhaseTerminated:   {PhaseCleanup},
	PhaseCleanup:      {PhaseDestroyed},
	PhaseError:        {PhaseInitializing, PhaseTerminated},
}

// Valid 是否为已知阶段
func (p Phase) Valid() bool {
	for _, q := range AllPhases {
		if p == q {
			return true
		}
	}
	return false
}

// Terminal DESTROYED 之后不再有任何阶段
func (p Phase) Terminal() bool {
	return p == PhaseDestroyed
}

// Stable 可作为回滚目标的阶段
func (p Phase) Stable() bool {
	return p == PhaseActive || p == PhaseCompleting
}

// TerminationPhase 终止相关阶段；此时出错一律走强制清理
func (p Phase) TerminationPhase() bool {
	return p == PhaseTerminated || p == PhaseCleanup
}

// CanTransition from -> to 是否为状态机上的合法边
func CanTransition(from, to Phase) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == PhaseError {
		return from != PhaseError
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidPath 观测到的阶段序列是否为状态机上的合法路径
func ValidPath(phases []Phase) bool {
	for i := 1; i < len(phases); i++ {
		if !CanTransition(phases[i-1], phases[i]) {
			return false
		}
	}
	return true
}

// ForcedPath 从 from 沿合法边到 DESTROYED 的最短路径（不含 from）；CREATED/INITIALIZING 需经 ERROR
func ForcedPath(from Phase) []Phase {
	switch from {
	case PhaseCreated, PhaseInitializing:
		return []Phase{PhaseError, PhaseTerminated, PhaseCleanup, PhaseDestroyed}
	case PhaseActive, PhaseProcessing, PhaseCompleting, PhaseError:
		return []Phase{PhaseTerminated, PhaseCleanup, PhaseDestroyed}
	case PhaseTerminated:
		return []Phase{PhaseCleanup, PhaseDestroyed}
	case PhaseCleanup:
		return []Phase{PhaseDestroyed}
	default:
		return nil
	}
}
