package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// entry 关系库中的备用计数行
type entry struct {
	Key       string    `gorm:"column:counter_key;primaryKey;type:varchar(255)"`
	IntValue  int64     `gorm:"not null;default:0"`
	StrValue  string    `gorm:"type:varchar(255)"`
	ExpiresAt time.Time `gorm:"index;not null"`
}

func (entry) TableName() string { return "counter_entries" }

// SQLStore 基于关系库的持久化计数存储，作为 Redis 不可用时的备用路径
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLStore 创建关系库计数存储
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Migrate 创建计数表
func (s *SQLStore) Migrate() error {
	return s.db.AutoMigrate(&entry{})
}

// Model 返回计数表模型，供统一迁移使用
func Model() interface{} {
	return &entry{}
}

// IncrementWithTTL 单条 upsert 完成自增；已过期的行被重置为新窗口
func (s *SQLStore) IncrementWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	now := s.now().UTC()
	expiresAt := now.Add(ttl)

	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := entry{Key: key, IntValue: delta, ExpiresAt: expiresAt}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "counter_key"}},
			// int_value 必须在 expires_at 之前赋值（MySQL 按顺序求值）
			DoUpdates: clause.Set{
				{Column: clause.Column{Name: "int_value"}, Value: gorm.Expr("CASE WHEN counter_entries.expires_at <= ? THEN ? ELSE counter_entries.int_value + ? END", now, delta, delta)},
				{Column: clause.Column{Name: "expires_at"}, Value: gorm.Expr("CASE WHEN counter_entries.expires_at <= ? THEN ? ELSE counter_entries.expires_at END", now, expiresAt)},
			},
		}).Create(&row).Error
		if err != nil {
			return err
		}

		var current entry
		if err := tx.Where("counter_key = ?", key).Take(&current).Error; err != nil {
			return err
		}
		value = current.IntValue
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sql incr %s: %w", key, err)
	}
	return value, nil
}

// Get 读取计数
func (s *SQLStore) Get(ctx context.Context, key string) (int64, error) {
	current, ok, err := s.load(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	return current.IntValue, nil
}

// SetIfAbsent 键不存在（或已过期）时写入
func (s *SQLStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	var inserted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先清理同键的过期行，保证过期后可以重新写入
		if err := tx.Where("counter_key = ? AND expires_at <= ?", key, now).Delete(&entry{}).Error; err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&entry{Key: key, StrValue: value, IntValue: parseInt(value), ExpiresAt: expiryOf(now, ttl)})
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("sql setnx %s: %w", key, err)
	}
	return inserted, nil
}

// GetString 读取字符串值
func (s *SQLStore) GetString(ctx context.Context, key string) (string, bool, error) {
	current, ok, err := s.load(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	return current.StrValue, true, nil
}

// SetString 覆盖写入
func (s *SQLStore) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.now().UTC()
	row := entry{Key: key, StrValue: value, IntValue: parseInt(value), ExpiresAt: expiryOf(now, ttl)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "counter_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"str_value", "int_value", "expires_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sql set %s: %w", key, err)
	}
	return nil
}

// PurgeExpired 删除已过期的行，返回删除数量
func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.now().UTC()).Delete(&entry{})
	return res.RowsAffected, res.Error
}

// Ping 健康检查
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) load(ctx context.Context, key string) (*entry, bool, error) {
	var current entry
	err := s.db.WithContext(ctx).Where("counter_key = ? AND expires_at > ?", key, s.now().UTC()).Take(&current).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sql get %s: %w", key, err)
	}
	return &current, true, nil
}

// expiryOf ttl 为 0 表示不过期，用一个足够远的时间代替
func expiryOf(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return now.AddDate(100, 0, 0)
	}
	return now.Add(ttl)
}

func parseInt(value string) int64 {
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
