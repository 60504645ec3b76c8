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
	"os"
	"sort"
	"strings"

	perrors "agent-platform/pkg/errors"
)

// envStore 以环境变量保存 secret：名称 "db/password" 对应 <prefix>DB_PASSWORD
type envStore struct {
	prefix string
}

// NewEnvStore 创建环境变量 secret store
func NewEnvStore(prefix string) Store {
	return &envStore{prefix: prefix}
}

func (e *envStore) varName(key string) string {
	var b strings.Builder
	b.WriteString(e.prefix)
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	name := e.varName(key)
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", perrors.Wrapf(perrors.ErrNotFound, "secret %s (env %s)", key, name)
	}
	return value, nil
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(e.varName(key), value)
}

func (e *envStore) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(e.varName(key))
}

// List 返回变量名（含前缀）
func (e *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	want := e.varName(prefix)
	var keys []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, want) {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
