package metadata

import (
	"context"
)

// Store DURABLE 层 KV 存储：写入返回即已提交，进程崩溃后仍可读
type Store interface {
	// Persist 写入或覆盖
	Persist(ctx context.Context, key string, blob []byte) error
	// Load 读取；不存在返回 nil, nil
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete 删除；不存在不报错
	Delete(ctx context.Context, key string) error
	// List 列出以 prefix 开头的 key（有序）
	List(ctx context.Context, prefix string) ([]string, error)
	// Ping 检查连接
	Ping(ctx context.Context) error
	// Close 关闭存储连接
	Close() error
}

// schemaSQL state_kv 表；postgres 与 sqlite 共用列定义
const schemaSQLPostgres = `
CREATE TABLE IF NOT EXISTS state_kv (
	key        TEXT PRIMARY KEY,
	blob       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS state_kv (
	key        TEXT PRIMARY KEY,
	blob       BLOB NOT NULL,
	updated_at DATETIME NOT NULL
)`
