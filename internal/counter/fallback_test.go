package counter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")

// downStore 始终失败的存储
type downStore struct{}

func (downStore) IncrementWithTTL(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errDown
}
func (downStore) Get(context.Context, string) (int64, error) { return 0, errDown }
func (downStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errDown
}
func (downStore) GetString(context.Context, string) (string, bool, error) { return "", false, errDown }
func (downStore) SetString(context.Context, string, string, time.Duration) error {
	return errDown
}

type countingObserver struct {
	ops []string
}

func (o *countingObserver) CounterFallback(op string) { o.ops = append(o.ops, op) }

func TestFallback_UsesSecondaryWhenPrimaryDown(t *testing.T) {
	ctx := context.Background()
	secondary := NewMemoryStore()
	observer := &countingObserver{}
	store := NewFallback(downStore{}, secondary, nil, observer)

	v, err := store.IncrementWithTTL(ctx, "k", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	require.NoError(t, store.SetString(ctx, "mark", "42", time.Hour))
	s, ok, err := store.GetString(ctx, "mark")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", s)

	direct, err := secondary.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), direct)
	assert.Equal(t, []string{"incr", "set_string", "get_string"}, observer.ops)
}

func TestFallback_PrimaryHealthyMirrorsToSecondary(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	secondary := NewMemoryStore()
	store := NewFallback(primary, secondary, nil, nil)

	v, err := store.IncrementWithTTL(ctx, "k", 3, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	mirrored, err := secondary.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), mirrored)

	t.Run("备用存储写入失败不影响结果", func(t *testing.T) {
		store := NewFallback(NewMemoryStore(), downStore{}, nil, nil)
		v, err := store.IncrementWithTTL(ctx, "k", 2, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)
		assert.NoError(t, store.SetString(ctx, "mark", "1", time.Hour))
	})
}

// toggleStore 可以切换可用状态的存储，模拟 Redis 反复掉线
type toggleStore struct {
	Store
	down bool
}

func (s *toggleStore) IncrementWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if s.down {
		return 0, errDown
	}
	return s.Store.IncrementWithTTL(ctx, key, delta, ttl)
}

func (s *toggleStore) GetString(ctx context.Context, key string) (string, bool, error) {
	if s.down {
		return "", false, errDown
	}
	return s.Store.GetString(ctx, key)
}

func (s *toggleStore) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.down {
		return errDown
	}
	return s.Store.SetString(ctx, key, value, ttl)
}

func TestFallback_PrimaryFlappingKeepsCounting(t *testing.T) {
	ctx := context.Background()
	primary := &toggleStore{Store: NewMemoryStore()}
	store := NewFallback(primary, NewMemoryStore(), nil, nil)

	var got []int64
	for i, down := range []bool{false, true, false, true, false} {
		primary.down = down
		v, err := store.IncrementWithTTL(ctx, "hour", 1, time.Hour)
		require.NoError(t, err, "第 %d 次自增", i+1)
		got = append(got, v)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)

	t.Run("掉线期间写入的冷却标记恢复后仍可读到", func(t *testing.T) {
		primary.down = true
		require.NoError(t, store.SetString(ctx, "mark", "42", time.Hour))
		primary.down = false

		v, ok, err := store.GetString(ctx, "mark")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "42", v)
	})
}

func TestFallback_BothDownIsUnavailable(t *testing.T) {
	ctx := context.Background()
	store := NewFallback(downStore{}, downStore{}, nil, nil)

	_, err := store.IncrementWithTTL(ctx, "k", 1, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, errDown)

	_, _, err = store.GetString(ctx, "mark")
	assert.ErrorIs(t, err, ErrUnavailable)
}
