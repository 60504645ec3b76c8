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

package metadata

import (
	"context"
	"fmt"

	"agent-platform/pkg/config"
)

// NewStore 根据配置创建 DURABLE 层存储：memory | postgres | sqlite
func NewStore(ctx context.Context, cfg config.MetadataConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres metadata store requires dsn")
		}
		return NewPostgresStore(ctx, cfg.DSN, cfg.PoolSize)
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite metadata store requires path")
		}
		return NewSQLiteStore(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported metadata store type: %s", cfg.Type)
	}
}
