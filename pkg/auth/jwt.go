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

// Package auth 提供 authenticate(token) -> principal 边界：HS256 JWT 校验与角色权限。
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agent-platform/pkg/config"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrForbidden    = errors.New("permission denied")
)

// Principal authenticate 的结果
type Principal struct {
	UserID      string       `json:"user_id"`
	Role        Role         `json:"role,omitempty"`
	Permissions []Permission `json:"permissions"`
	Valid       bool         `json:"valid"`
}

// Has Principal 是否拥有权限；无效 Principal 一律 false
func (p Principal) Has(permission Permission) bool {
	if !p.Valid {
		return false
	}
	for _, have := range p.Permissions {
		if have == permission {
			return true
		}
	}
	return false
}

// Require 缺少权限时返回 ErrForbidden
func (p Principal) Require(permission Permission) error {
	if !p.Has(permission) {
		return fmt.Errorf("%w: %s requires %s", ErrForbidden, p.UserID, permission)
	}
	return nil
}

// Authenticator 外部认证服务的窄接口
type Authenticator interface {
	Authenticate(token string) (Principal, error)
}

// claims 令牌载荷；perms 非空时覆盖角色映射
type claims struct {
	Role  string   `json:"role,omitempty"`
	Perms []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator 使用 HS256 签名的 JWT
type JWTAuthenticator struct {
	secret []byte
	issuer string
	roles  RolePermissions
	now    func() time.Time
}

// NewJWTAuthenticator 创建认证器；roles 为 nil 时使用默认映射
func NewJWTAuthenticator(secret []byte, issuer string, roles RolePermissions) (*JWTAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: jwt key is required")
	}
	if roles == nil {
		roles = DefaultRolePermissions()
	}
	return &JWTAuthenticator{secret: secret, issuer: issuer, roles: roles, now: time.Now}, nil
}

// NewFromConfig 由配置创建认证器（jwt_key 需已完成 secret 解析）
func NewFromConfig(cfg config.AuthConfig) (*JWTAuthenticator, error) {
	return NewJWTAuthenticator([]byte(cfg.JWTKey), cfg.Issuer, RolePermissionsFromConfig(cfg.RolePermissions))
}

// Authenticate 校验令牌并解析出 user_id 与权限；失败时返回 Valid=false 的 Principal
func (a *JWTAuthenticator) Authenticate(token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	if c.Subject == "" {
		return Principal{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	role := Role(c.Role)
	if role == "" {
		role = RoleUser
	}
	p := Principal{UserID: c.Subject, Role: role, Valid: true}
	if len(c.Perms) > 0 {
		for _, perm := range c.Perms {
			p.Permissions = append(p.Permissions, Permission(perm))
		}
	} else {
		p.Permissions = a.roles.For(role)
	}
	return p, nil
}

// Mint 签发令牌（开发与 agentctl 使用）
func (a *JWTAuthenticator) Mint(userID string, role Role, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := a.now()
	c := claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}
