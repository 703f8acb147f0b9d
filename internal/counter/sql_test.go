package counter

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestSQLStore(t *testing.T, clock *fakeClock) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:counter_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := NewSQLStore(db)
	store.now = clock.Now
	require.NoError(t, store.Migrate())
	return store
}

func TestSQLStore_IncrementFixedWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	store := newTestSQLStore(t, clock)

	v, err := store.IncrementWithTTL(ctx, "day", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	clock.Advance(59 * time.Minute)
	v, err = store.IncrementWithTTL(ctx, "day", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// 第一次自增设置的过期时间到达后，新窗口从 delta 重新开始
	clock.Advance(time.Minute)
	v, err = store.Get(ctx, "day")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = store.IncrementWithTTL(ctx, "day", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestSQLStore_StringsAndPurge(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	store := newTestSQLStore(t, clock)

	ok, err := store.SetIfAbsent(ctx, "once", "x", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetIfAbsent(ctx, "once", "y", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetString(ctx, "mark", "first", time.Hour))
	require.NoError(t, store.SetString(ctx, "mark", "second", time.Hour))
	v, found, err := store.GetString(ctx, "mark")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "second", v)

	clock.Advance(2 * time.Minute)
	ok, err = store.SetIfAbsent(ctx, "once", "z", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "过期后应允许重新写入")

	clock.Advance(2 * time.Hour)
	n, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
