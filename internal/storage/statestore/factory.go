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

package statestore

import (
	"context"
	"fmt"

	"agent-platform/internal/storage/cache"
	"agent-platform/internal/storage/metadata"
	"agent-platform/internal/storage/object"
	"agent-platform/pkg/config"
	"agent-platform/pkg/log"
)

// 默认每层每 Agent 保留的快照数
const defaultMaxSnapshotsPerAgent = 32

// Open 按配置创建三层后端并组装 Store
func Open(ctx context.Context, cfg config.StateStoreConfig, logger *log.Logger) (*Store, error) {
	order, err := ParseOrder(cfg.TierOrder)
	if err != nil {
		return nil, err
	}
	schemas := make(map[string]Schema, len(cfg.Schemas))
	for agentType, fields := range cfg.Schemas {
		sc, err := SchemaFromConfig(fields)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", agentType, err)
		}
		schemas[agentType] = sc
	}

	backends := make(map[Tier]Backend, 3)
	closeAll := func() {
		for _, b := range backends {
			_ = b.Close()
		}
	}
	fast, err := cache.NewCache(ctx, cfg.Fast)
	if err != nil {
		return nil, fmt.Errorf("fast tier: %w", err)
	}
	backends[TierFast] = fast
	durable, err := metadata.NewStore(ctx, cfg.Durable)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("durable tier: %w", err)
	}
	backends[TierDurable] = durable
	archival, err := object.NewStore(cfg.Archival)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("archival tier: %w", err)
	}
	backends[TierArchival] = archival

	s, err := New(backends, Options{
		Order:                order,
		Algorithm:            cfg.Checksum,
		AutoRepair:           cfg.AutoRepair,
		Schemas:              schemas,
		MaxSnapshotsPerAgent: defaultMaxSnapshotsPerAgent,
		Logger:               logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	log.Or(logger).Info("状态存储已初始化",
		"order", order, "fast", cfg.Fast.Type, "durable", cfg.Durable.Type, "archival", cfg.Archival.Type,
		"checksum", s.Algorithm())
	return s, nil
}
