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

import "context"

// Backend 与层无关的 KV 持久化契约：persist(key, blob) / load(key)。
// FAST/DURABLE/ARCHIVAL 各自的实现位于 storage/cache、storage/metadata、storage/object。
type Backend interface {
	// Persist 写入 blob；同 key 覆盖
	Persist(ctx context.Context, key string, blob []byte) error
	// Load 读取 blob；不存在返回 nil, nil
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete 删除；不存在不是错误
	Delete(ctx context.Context, key string) error
	// List 返回以 prefix 开头的全部 key
	List(ctx context.Context, prefix string) ([]string, error)
	// Ping 健康检查
	Ping(ctx context.Context) error
	// Close 关闭连接
	Close() error
}
