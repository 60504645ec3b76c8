package object

import (
	"context"
)

// Store ARCHIVAL 层对象存储：冷数据、可跨区域复制，读写延迟较高
type Store interface {
	// Persist 上传对象（覆盖）
	Persist(ctx context.Context, key string, blob []byte) error
	// Load 下载对象；不存在返回 nil, nil
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete 删除对象；不存在不报错
	Delete(ctx context.Context, key string) error
	// List 列出以 prefix 开头的对象 key（有序）
	List(ctx context.Context, prefix string) ([]string, error)
	// Ping 检查存储可达
	Ping(ctx context.Context) error
	// Close 关闭存储连接
	Close() error
}
