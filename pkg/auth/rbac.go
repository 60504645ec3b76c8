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

package auth

import (
	"sort"
)

// Permission 权限
type Permission string

const (
	PermissionAgentCreate    Permission = "agent:create"
	PermissionAgentView      Permission = "agent:view"
	PermissionAgentTerminate Permission = "agent:terminate"
	PermissionAgentResume    Permission = "agent:resume"  // 跨会话恢复
	PermissionAgentRecover   Permission = "agent:recover" // 灾备恢复
	PermissionStateAdmin     Permission = "state:admin"   // 快照校验、修复、故障演练
)

// Role 角色
type Role string

const (
	RoleAdmin    Role = "admin"    // 全部权限
	RoleOperator Role = "operator" // 查看 + 终止 + 灾备
	RoleUser     Role = "user"     // 管理自己的 Agent
)

// RolePermissions 角色与权限映射
type RolePermissions map[Role][]Permission

// DefaultRolePermissions 默认映射
func DefaultRolePermissions() RolePermissions {
	return RolePermissions{
		RoleAdmin: {
			PermissionAgentCreate,
			PermissionAgentView,
			PermissionAgentTerminate,
			PermissionAgentResume,
			PermissionAgentRecover,
			PermissionStateAdmin,
		},
		RoleOperator: {
			PermissionAgentView,
			PermissionAgentTerminate,
			PermissionAgentRecover,
		},
		RoleUser: {
			PermissionAgentCreate,
			PermissionAgentView,
			PermissionAgentTerminate,
			PermissionAgentResume,
		},
	}
}

// RolePermissionsFromConfig 在默认映射上覆盖配置中的角色
func RolePermissionsFromConfig(cfg map[string][]string) RolePermissions {
	out := DefaultRolePermissions()
	for role, perms := range cfg {
		list := make([]Permission, 0, len(perms))
		for _, p := range perms {
			list = append(list, Permission(p))
		}
		out[Role(role)] = list
	}
	return out
}

// HasPermission 检查角色是否包含指定权限
func (rp RolePermissions) HasPermission(role Role, permission Permission) bool {
	for _, p := range rp[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// For 角色的权限列表（排序、去重）
func (rp RolePermissions) For(role Role) []Permission {
	seen := make(map[Permission]struct{}, len(rp[role]))
	out := make([]Permission, 0, len(rp[role]))
	for _, p := range rp[role] {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
