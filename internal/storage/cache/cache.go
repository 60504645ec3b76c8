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

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-platform/pkg/config"
)

// NewCache 根据配置创建 FAST 层存储：memory | redis
func NewCache(ctx context.Context, cfg config.CacheConfig) (Store, error) {
	ttl := config.Duration(cfg.TTL, 0)
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(ttl), nil
	case "redis":
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis cache requires addr")
		}
		opts := &redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: 5 * time.Second,
		}
		return NewRedisStore(ctx, opts, cfg.KeyPrefix, ttl)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}
