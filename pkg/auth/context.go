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
	"context"
)

type contextKey string

const (
	principalKey contextKey = "auth.principal"
)

// WithPrincipal 将已认证的 Principal 注入 context
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom 从 context 获取 Principal；不存在时返回无效 Principal
func PrincipalFrom(ctx context.Context) Principal {
	if v, ok := ctx.Value(principalKey).(Principal); ok {
		return v
	}
	return Principal{}
}

// GetUserID 从 context 获取已认证的 user_id
func GetUserID(ctx context.Context) string {
	p := PrincipalFrom(ctx)
	if !p.Valid {
		return ""
	}
	return p.UserID
}

// GetRole 从 context 获取 role
func GetRole(ctx context.Context) Role {
	if p := PrincipalFrom(ctx); p.Valid && p.Role != "" {
		return p.Role
	}
	return RoleUser // 默认 user 角色
}
