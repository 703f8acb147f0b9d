package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FallbackObserver 记录主存储失败、切换到备用存储的次数
type FallbackObserver interface {
	CounterFallback(op string)
}

// Fallback 组合主存储（Redis）与持久化备用存储（关系库）。
//
// 主存储出错时改用备用存储；两者都失败时返回 ErrUnavailable，
// 调用方应当拒绝发送而不是放行。
// 主存储正常时写操作同时写入备用存储（失败只记日志），自增返回两者中较大的值，
// 主存储反复掉线再恢复时计数不会从旧值重新开始。
type Fallback struct {
	primary   Store
	secondary Store
	log       *zap.Logger
	observer  FallbackObserver
}

// NewFallback 创建带备用路径的计数存储
func NewFallback(primary, secondary Store, log *zap.Logger, observer FallbackObserver) *Fallback {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fallback{primary: primary, secondary: secondary, log: log, observer: observer}
}

func (f *Fallback) degrade(op, key string, primaryErr error) {
	f.log.Warn("counter primary store failed, using fallback",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(primaryErr),
	)
	if f.observer != nil {
		f.observer.CounterFallback(op)
	}
}

func (f *Fallback) mirrorFailed(op, key string, err error) {
	f.log.Warn("counter fallback store write failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

func unavailable(op string, primaryErr, secondaryErr error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, primaryErr, secondaryErr))
}

// IncrementWithTTL 原子自增
func (f *Fallback) IncrementWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	v, err := f.primary.IncrementWithTTL(ctx, key, delta, ttl)
	if err == nil {
		mirrored, mirrorErr := f.secondary.IncrementWithTTL(ctx, key, delta, ttl)
		if mirrorErr != nil {
			f.mirrorFailed("incr", key, mirrorErr)
			return v, nil
		}
		return max(v, mirrored), nil
	}
	f.degrade("incr", key, err)
	v, err2 := f.secondary.IncrementWithTTL(ctx, key, delta, ttl)
	if err2 != nil {
		return 0, unavailable("incr", err, err2)
	}
	return v, nil
}

// Get 读取计数
func (f *Fallback) Get(ctx context.Context, key string) (int64, error) {
	v, err := f.primary.Get(ctx, key)
	if err == nil {
		return v, nil
	}
	f.degrade("get", key, err)
	v, err2 := f.secondary.Get(ctx, key)
	if err2 != nil {
		return 0, unavailable("get", err, err2)
	}
	return v, nil
}

// SetIfAbsent 键不存在时写入
func (f *Fallback) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := f.primary.SetIfAbsent(ctx, key, value, ttl)
	if err == nil {
		return ok, nil
	}
	f.degrade("setnx", key, err)
	ok, err2 := f.secondary.SetIfAbsent(ctx, key, value, ttl)
	if err2 != nil {
		return false, unavailable("setnx", err, err2)
	}
	return ok, nil
}

// GetString 读取字符串值，主存储未命中时再查备用存储
func (f *Fallback) GetString(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := f.primary.GetString(ctx, key)
	if err == nil {
		if ok {
			return v, true, nil
		}
		// 主存储掉线期间的写入只存在于备用存储
		if v2, ok2, err2 := f.secondary.GetString(ctx, key); err2 == nil && ok2 {
			return v2, true, nil
		}
		return "", false, nil
	}
	f.degrade("get_string", key, err)
	v, ok, err2 := f.secondary.GetString(ctx, key)
	if err2 != nil {
		return "", false, unavailable("get_string", err, err2)
	}
	return v, ok, nil
}

// SetString 覆盖写入
func (f *Fallback) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	err := f.primary.SetString(ctx, key, value, ttl)
	if err == nil {
		if mirrorErr := f.secondary.SetString(ctx, key, value, ttl); mirrorErr != nil {
			f.mirrorFailed("set_string", key, mirrorErr)
		}
		return nil
	}
	f.degrade("set_string", key, err)
	if err2 := f.secondary.SetString(ctx, key, value, ttl); err2 != nil {
		return unavailable("set_string", err, err2)
	}
	return nil
}

// Ping 主存储可用即视为健康；主存储不可用时检查备用存储
func (f *Fallback) Ping(ctx context.Context) error {
	if p, ok := f.primary.(Pinger); ok {
		if err := p.Ping(ctx); err == nil {
			return nil
		}
	}
	if p, ok := f.secondary.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
