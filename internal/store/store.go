// Package store 定义会话缓存的存取契约：按 (namespace, field) 两级键
// 存值，带可选 TTL。过期键对读取方不可见。
package store

import (
	"context"
	"time"
)

type Store interface {
	// HSet 写入或覆盖一个字段。ttl <= 0 表示不过期。
	HSet(ctx context.Context, namespace, field string, value []byte, ttl time.Duration) error
	// HGet 读取字段，不存在或已过期时 ok 为 false。
	HGet(ctx context.Context, namespace, field string) (value []byte, ok bool, err error)
	HHas(ctx context.Context, namespace, field string) (bool, error)
	HDel(ctx context.Context, namespace, field string) error
	Close() error
}
