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

	"agent-platform/internal/agent"
	perrors "agent-platform/pkg/errors"
)

// CalculateInitializationOrder 依赖优先的拓扑序；同层保持输入顺序。
// 依赖按 provides（能力名或 Agent ID）在同一集合内解析，集合外的依赖忽略。
func CalculateInitializationOrder(recs []*agent.Record) ([]*agent.Record, error) {
	n := len(recs)
	indegree := make([]int, n)
	next := make([][]int, n)
	for i, r := range recs {
		for _, dep := range r.Dependencies {
			for j, p := range recs {
				if i == j || !p.ProvidesCapability(dep) {
					continue
				}
				next[j] = append(next[j], i)
				indegree[i]++
			}
		}
	}

	order := make([]*agent.Record, 0, n)
	placed := make([]bool, n)
	for len(order) < n {
		pick := -1
		for i := 0; i < n; i++ {
			if !placed[i] && indegree[i] == 0 {
				pick = i
				break
			}
		}
		if pick < 0 {
			var cycle []string
			for i := 0; i < n; i++ {
				if !placed[i] {
					cycle = append(cycle, recs[i].ID)
				}
			}
			return nil, perrors.Newf(perrors.KindCyclicDependency, "calculate_initialization_order",
				"dependency cycle among %d agents", len(cycle)).WithDetail("agents", cycle)
		}
		placed[pick] = true
		order = append(order, recs[pick])
		for _, k := range next[pick] {
			indegree[k]--
		}
	}
	return order, nil
}

// CalculateShutdownOrder 初始化顺序的逆序：依赖方先停
func CalculateShutdownOrder(recs []*agent.Record) ([]*agent.Record, error) {
	order, err := CalculateInitializationOrder(recs)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// CreateAgentGroup 先校验依赖图无环，再按初始化顺序逐个创建；任一失败则回收已创建的 Agent
func (m *Manager) CreateAgentGroup(ctx context.Context, reqs []CreateRequest, owner agent.UserContext) ([]*agent.Record, error) {
	reqs = append([]CreateRequest(nil), reqs...)
	draft := make([]*agent.Record, len(reqs))
	byID := make(map[string]CreateRequest, len(reqs))
	for i := range reqs {
		if reqs[i].AgentID == "" {
			reqs[i].AgentID = agent.NewID()
		}
		if _, dup := byID[reqs[i].AgentID]; dup {
			return nil, perrors.Newf(perrors.KindInvalidArgument, "create_agent_group", "duplicate agent id %s", reqs[i].AgentID)
		}
		byID[reqs[i].AgentID] = reqs[i]
		draft[i] = &agent.Record{ID: reqs[i].AgentID, Dependencies: reqs[i].Dependencies, Provides: reqs[i].Provides}
	}
	order, err := CalculateInitializationOrder(draft)
	if err != nil {
		return nil, err
	}

	created := make([]*agent.Record, 0, len(order))
	for _, d := range order {
		rec, err := m.CreateAgent(ctx, byID[d.ID], owner)
		if err != nil {
			for _, c := range created {
				if _, kerr := m.ForceKill(ctx, c.ID, "group creation rolled back"); kerr != nil {
					m.logger.Error("回收组内 Agent 失败", "agent_id", c.ID, "error", kerr)
				}
			}
			return nil, err
		}
		created = append(created, rec)
	}
	return created, nil
}

// InitializationOrder 按 ID 计算存活 Agent 的初始化顺序
func (m *Manager) InitializationOrder(ids []string) ([]*agent.Record, error) {
	recs := make([]*agent.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := m.Get(id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return CalculateInitializationOrder(recs)
}

// ShutdownGroup 按关闭顺序终止并销毁 userID 的全部 Agent（userID 为空时为全部）。
// 无法正常终止的 Agent 走强制清理。
func (m *Manager) ShutdownGroup(ctx context.Context, userID, reason string) (int, error) {
	live := m.List(userID)
	order, err := CalculateShutdownOrder(live)
	if err != nil {
		// 存活集合出现环时仍需全部关闭，退化为创建逆序
		m.logger.Warn("关闭顺序计算失败，按创建逆序关闭", "error", err)
		order = make([]*agent.Record, len(live))
		for i := range live {
			order[len(live)-1-i] = live[i]
		}
	}
	destroyed := 0
	for _, rec := range order {
		if m.shutdownOne(ctx, rec, reason) {
			destroyed++
		}
	}
	return destroyed, nil
}

func (m *Manager) shutdownOne(ctx context.Context, rec *agent.Record, reason string) bool {
	opts := CleanupOptions{Resources: true, State: true}
	if agent.CanTransition(rec.Phase, agent.PhaseTerminated) || rec.Phase == agent.PhaseTerminated || rec.Phase == agent.PhaseCleanup {
		if rec.Phase != agent.PhaseCleanup {
			if _, err := m.TerminateAgent(ctx, rec.ID, reason); err != nil {
				m.logger.Warn("终止失败，转强制清理", "agent_id", rec.ID, "error", err)
				return m.forceQuiet(ctx, rec.ID, reason)
			}
		}
		res, err := m.CleanupAndDestroyAgent(ctx, rec.ID, opts)
		if err != nil {
			return m.forceQuiet(ctx, rec.ID, reason)
		}
		return res.CleanupSuccessful
	}
	return m.forceQuiet(ctx, rec.ID, reason)
}

func (m *Manager) forceQuiet(ctx context.Context, id, reason string) bool {
	res, err := m.ForceKill(ctx, id, reason)
	if err != nil {
		m.logger.Error("强制清理失败", "agent_id", id, "error", err)
		return false
	}
	return res.CleanupSuccessful
}
