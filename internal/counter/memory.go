package counter

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	intValue  int64
	strValue  string
	expiresAt time.Time // 零值表示不过期
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore 进程内计数存储，用于开发模式和测试
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryStore 创建内存计数存储
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock 使用指定时钟创建内存计数存储
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     now,
	}
}

// live 返回未过期的条目，调用方必须持有锁
func (s *MemoryStore) live(key string, now time.Time) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(now) {
		delete(s.entries, key)
		return nil
	}
	return e
}

// IncrementWithTTL 原子自增
func (s *MemoryStore) IncrementWithTTL(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.live(key, now)
	if e == nil {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	e.intValue += delta
	if e.expiresAt.IsZero() && ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return e.intValue, nil
}

// Get 读取计数
func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.live(key, s.now()); e != nil {
		return e.intValue, nil
	}
	return 0, nil
}

// SetIfAbsent 键不存在时写入
func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.live(key, now) != nil {
		return false, nil
	}
	s.entries[key] = newStringEntry(value, now, ttl)
	return true, nil
}

// GetString 读取字符串值
func (s *MemoryStore) GetString(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.live(key, s.now()); e != nil {
		return e.strValue, true, nil
	}
	return "", false, nil
}

// SetString 覆盖写入
func (s *MemoryStore) SetString(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = newStringEntry(value, s.now(), ttl)
	return nil
}

// Ping 健康检查
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func newStringEntry(value string, now time.Time, ttl time.Duration) *memoryEntry {
	e := &memoryEntry{strValue: value}
	if v, err := strconv.ParseInt(value, 10, 64); err == nil {
		e.intValue = v
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return e
}
