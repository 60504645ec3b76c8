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

package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"

	"agent-platform/pkg/config"
	perrors "agent-platform/pkg/errors"
)

// vaultStore 读写 Vault KV v1 路径 <path_prefix>/<key>，值保存在 "value" 字段
type vaultStore struct {
	client     *vault.Client
	pathPrefix string
}

// NewVaultStore 创建 Vault secret store 并检查连通性
func NewVaultStore(cfg config.VaultConfig) (Store, error) {
	vcfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}
	return newVaultStore(client, cfg.PathPrefix), nil
}

func newVaultStore(client *vault.Client, prefix string) *vaultStore {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "secret"
	}
	return &vaultStore{client: client, pathPrefix: prefix}
}

func (v *vaultStore) path(key string) string {
	return v.pathPrefix + "/" + strings.TrimPrefix(key, "/")
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path(key))
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", perrors.Wrapf(perrors.ErrNotFound, "secret %s", key)
	}
	if s, ok := secret.Data["value"].(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("secret %s has no string \"value\" field", key)
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	if _, err := v.client.Logical().WriteWithContext(ctx, v.path(key), map[string]any{"value": value}); err != nil {
		return fmt.Errorf("failed to write secret to vault: %w", err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.path(key)); err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}
	return nil
}

// List 列出 prefix 目录下的 key（Vault LIST 只返回直接子项）
func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	dir := v.pathPrefix
	base := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		base = prefix[:i+1]
		dir = v.path(base)
	}
	secret, err := v.client.Logical().ListWithContext(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets from vault: %w", err)
	}
	if secret == nil {
		return nil, nil
	}
	raw, _ := secret.Data["keys"].([]any)
	var out []string
	for _, k := range raw {
		name, ok := k.(string)
		if !ok {
			continue
		}
		full := base + name
		if strings.HasPrefix(full, prefix) {
			out = append(out, full)
		}
	}
	sort.Strings(out)
	return out, nil
}
