package cache

import (
	"context"
)

// Store FAST 层 KV 存储接口：低延迟、可能丢失，条目可带过期时间
type Store interface {
	// Persist 写入 blob，使用存储的默认过期时间
	Persist(ctx context.Context, key string, blob []byte) error
	// Load 读取；不存在或已过期返回 nil, nil
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete 删除缓存
	Delete(ctx context.Context, key string) error
	// List 列出以 prefix 开头的 key
	List(ctx context.Context, prefix string) ([]string, error)
	// Ping 检查连接
	Ping(ctx context.Context) error
	// Close 关闭缓存连接
	Close() error
}
