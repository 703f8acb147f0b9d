// Package counter 提供限流器使用的原子计数与带过期时间的键值存储。
//
// 计数采用固定窗口语义：过期时间只在键第一次出现时设置，之后的自增不会延长。
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable 主存储与备用存储均不可用
var ErrUnavailable = errors.New("counter store unavailable")

// Store 计数存储接口
type Store interface {
	// IncrementWithTTL 原子地增加 delta，仅当键没有过期时间时设置 ttl，返回增加后的值
	IncrementWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Get 返回当前计数，不存在或已过期时返回 0
	Get(ctx context.Context, key string) (int64, error)
	// SetIfAbsent 键不存在时写入，返回是否写入成功
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// GetString 读取字符串值，ok 为 false 表示不存在
	GetString(ctx context.Context, key string) (value string, ok bool, err error)
	// SetString 覆盖写入字符串值
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
}

// Pinger 支持健康检查的存储
type Pinger interface {
	Ping(ctx context.Context) error
}
