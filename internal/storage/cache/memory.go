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
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore 内存缓存存储实现
type MemoryStore struct {
	items map[string]*cacheItem
	ttl   time.Duration
	mu    sync.RWMutex
	now   func() time.Time
}

// cacheItem 缓存项
type cacheItem struct {
	value      []byte
	expiration time.Time // 零值表示不过期
}

// NewMemoryStore 创建新的内存缓存存储；ttl<=0 表示条目不过期
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*cacheItem),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (i *cacheItem) expired(now time.Time) bool {
	return !i.expiration.IsZero() && !now.Before(i.expiration)
}

// Persist 设置缓存
func (s *MemoryStore) Persist(ctx context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := &cacheItem{value: append([]byte(nil), blob...)}
	if s.ttl > 0 {
		item.expiration = s.now().Add(s.ttl)
	}
	s.items[key] = item
	return nil
}

// Load 获取缓存
func (s *MemoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.items[key]
	if !exists || item.expired(s.now()) {
		return nil, nil
	}
	return append([]byte(nil), item.value...), nil
}

// Delete 删除缓存
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// List 列出未过期的 key（有序），顺带清理已过期条目
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var keys []string
	for k, item := range s.items {
		if item.expired(now) {
			delete(s.items, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping 内存实现始终可用
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close 关闭缓存
func (s *MemoryStore) Close() error {
	return nil
}
