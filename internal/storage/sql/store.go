package sql

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"unibox/backend/internal/config"
	"unibox/backend/internal/counter"
	"unibox/backend/internal/domain"
	"unibox/backend/internal/storage"
)

// Store 关系数据库存储实现（支持 PostgreSQL、MySQL 5.7+ 和 SQLite）
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// Dialector 根据数据库类型选择 GORM 方言
func Dialector(dbType, dsn string) (gorm.Dialector, error) {
	switch dbType {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", dbType)
	}
}

// Open 建立连接、设置连接池并测试连通性
func Open(cfg config.DatabaseConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	dialector, err := Dialector(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.Type == "sqlite" {
		// SQLite 同一时间只允许一个写连接
		sqlDB.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(db), nil
}

// New 使用已有的 GORM 连接创建存储
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB 返回底层 GORM 连接，供计数器备用存储共用
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Models 返回所有需要迁移的表模型
func Models() []interface{} {
	return []interface{}{
		&domain.Account{},
		&domain.Conversation{},
		&domain.Message{},
		&domain.WorkspacePolicy{},
		&domain.LimiterEvent{},
		&domain.BounceEvent{},
		&domain.ReputationRecord{},
		counter.Model(),
	}
}

// Migrate 执行数据库迁移（使用 GORM AutoMigrate）
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(Models()...)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping 检查数据库健康状态
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

// ---- accounts ----

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var acc domain.Account
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&acc).Error; err != nil {
		return nil, notFound(err)
	}
	return &acc, nil
}

func (s *Store) FindAccount(ctx context.Context, provider domain.Provider, externalID string) (*domain.Account, error) {
	var acc domain.Account
	err := s.db.WithContext(ctx).
		Where("provider = ? AND external_account_id = ?", provider, externalID).
		Take(&acc).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &acc, nil
}

func (s *Store) FindAccountsByExternalID(ctx context.Context, externalID string) ([]domain.Account, error) {
	var accounts []domain.Account
	err := s.db.WithContext(ctx).
		Where("external_account_id = ?", externalID).
		Order("created_at ASC").
		Find(&accounts).Error
	return accounts, err
}

func (s *Store) CreateAccountIfAbsent(ctx context.Context, account *domain.Account) (*domain.Account, bool, error) {
	row := *account
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "external_account_id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create account: %w", res.Error)
	}
	stored, err := s.FindAccount(ctx, account.Provider, account.ExternalAccountID)
	if err != nil {
		return nil, false, err
	}
	return stored, res.RowsAffected > 0 && stored.ID == row.ID, nil
}

func (s *Store) UpdateAccount(ctx context.Context, account *domain.Account) error {
	res := s.db.WithContext(ctx).Model(account).
		Select("user_id", "status", "needs_reconciliation", "metadata", "updated_at").
		Updates(account)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) TransferAccount(ctx context.Context, account *domain.Account, fromUserID string) error {
	res := s.db.WithContext(ctx).Model(account).
		Where("user_id = ?", fromUserID).
		Select("user_id", "status", "needs_reconciliation", "metadata", "updated_at").
		Updates(account)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetAccount(ctx, account.ID); err != nil {
			return err
		}
		return storage.ErrOwnerChanged
	}
	return nil
}

func (s *Store) ListAccountsByUser(ctx context.Context, userID string) ([]domain.Account, error) {
	var accounts []domain.Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&accounts).Error
	return accounts, err
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&domain.Account{}).Order("id").Pluck("id", &ids).Error
	return ids, err
}

// ---- conversations ----

// UpsertConversation 单条 upsert 处理标题回填和活跃时间，同一事务内合并元数据。
func (s *Store) UpsertConversation(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	row := *conv
	if row.Title == "" {
		row.Title = domain.UnknownContactTitle
	}
	row.LastActivityAt = row.LastActivityAt.UTC()
	now := time.Now().UTC()

	var stored domain.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "provider_conversation_id"}},
			DoUpdates: clause.Set{
				{
					Column: clause.Column{Name: "title"},
					Value: gorm.Expr("CASE WHEN conversations.title IS NULL OR conversations.title IN (?, ?) THEN ? ELSE conversations.title END",
						"", domain.UnknownContactTitle, row.Title),
				},
				{
					Column: clause.Column{Name: "last_activity_at"},
					Value: gorm.Expr("CASE WHEN conversations.last_activity_at < ? THEN ? ELSE conversations.last_activity_at END",
						row.LastActivityAt, row.LastActivityAt),
				},
				{Column: clause.Column{Name: "updated_at"}, Value: now},
			},
		}).Create(&row).Error
		if err != nil {
			return err
		}

		q := tx.Where("account_id = ? AND provider_conversation_id = ?", row.AccountID, row.ProviderConversationID)
		if tx.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.Take(&stored).Error; err != nil {
			return err
		}

		merged := stored.Metadata.Merge(conv.Metadata)
		if merged == stored.Metadata {
			return nil
		}
		stored.Metadata = merged
		return tx.Model(&stored).Select("metadata").Updates(&domain.Conversation{Metadata: merged}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}
	return &stored, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&conv).Error; err != nil {
		return nil, notFound(err)
	}
	return &conv, nil
}

func (s *Store) ListConversations(ctx context.Context, accountID string) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("last_activity_at DESC").
		Find(&convs).Error
	return convs, err
}

// MergeConversations 迁移消息时跳过保留会话中已存在的 provider_message_id
func (s *Store) MergeConversations(ctx context.Context, keepID string, dropIDs []string) error {
	drops := make([]string, 0, len(dropIDs))
	for _, id := range dropIDs {
		if id != keepID {
			drops = append(drops, id)
		}
	}
	if len(drops) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Model(&domain.Message{}).Where("conversation_id = ?", keepID).
			Pluck("provider_message_id", &existing).Error; err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(existing))
		for _, id := range existing {
			seen[id] = struct{}{}
		}

		var moving []domain.Message
		if err := tx.Select("id", "provider_message_id").
			Where("conversation_id IN ?", drops).
			Order("id").
			Find(&moving).Error; err != nil {
			return err
		}

		var duplicate, move []string
		for _, m := range moving {
			if _, ok := seen[m.ProviderMessageID]; ok {
				duplicate = append(duplicate, m.ID)
				continue
			}
			seen[m.ProviderMessageID] = struct{}{}
			move = append(move, m.ID)
		}

		if len(duplicate) > 0 {
			if err := tx.Where("id IN ?", duplicate).Delete(&domain.Message{}).Error; err != nil {
				return err
			}
		}
		if len(move) > 0 {
			if err := tx.Model(&domain.Message{}).Where("id IN ?", move).
				Update("conversation_id", keepID).Error; err != nil {
				return err
			}
		}
		return tx.Where("id IN ?", drops).Delete(&domain.Conversation{}).Error
	})
}

// ---- messages ----

func (s *Store) UpsertMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	row := *msg
	var stored domain.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "conversation_id"}, {Name: "provider_message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"direction", "body", "from_name", "from_address", "attachments", "sent_at", "updated_at",
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return tx.Where("conversation_id = ? AND provider_message_id = ?", row.ConversationID, row.ProviderMessageID).
			First(&stored).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upsert message: %w", err)
	}
	return &stored, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("sent_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var msgs []domain.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })
	return msgs, nil
}

func (s *Store) CountOutbound(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.Message{}).
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Joins("JOIN accounts ON accounts.id = conversations.account_id").
		Where("accounts.user_id = ? AND messages.direction = ?", userID, domain.DirectionOut).
		Count(&n).Error
	return n, err
}

// ---- policies & limiter events ----

func (s *Store) GetPolicy(ctx context.Context, userID string) (*domain.WorkspacePolicy, error) {
	var p domain.WorkspacePolicy
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) SavePolicy(ctx context.Context, policy *domain.WorkspacePolicy) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(policy).Error
}

func (s *Store) RecordLimiterEvent(ctx context.Context, event *domain.LimiterEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

func (s *Store) ListLimiterEvents(ctx context.Context, userID string, since time.Time, limit int) ([]domain.LimiterEvent, error) {
	var events []domain.LimiterEvent
	q := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since.UTC()).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}

// ---- feedback & reputation ----

func (s *Store) SaveFeedback(ctx context.Context, event *domain.BounceEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

func (s *Store) CountFeedback(ctx context.Context, userID string) (domain.FeedbackCounts, error) {
	return s.countFeedback(s.db.WithContext(ctx).Where("user_id = ?", userID))
}

func (s *Store) CountFeedbackForRecipient(ctx context.Context, userID, recipient string) (domain.FeedbackCounts, error) {
	return s.countFeedback(s.db.WithContext(ctx).Where("user_id = ? AND recipient = ?", userID, recipient))
}

func (s *Store) countFeedback(q *gorm.DB) (domain.FeedbackCounts, error) {
	var rows []struct {
		Kind  domain.FeedbackKind
		Total int64
	}
	err := q.Model(&domain.BounceEvent{}).
		Select("kind, COUNT(*) AS total").
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return domain.FeedbackCounts{}, err
	}

	var counts domain.FeedbackCounts
	for _, r := range rows {
		switch r.Kind {
		case domain.FeedbackHardBounce:
			counts.HardBounces = r.Total
		case domain.FeedbackSoftBounce:
			counts.SoftBounces = r.Total
		case domain.FeedbackComplaint:
			counts.Complaints = r.Total
		}
	}
	return counts, nil
}

func (s *Store) SaveReputation(ctx context.Context, record *domain.ReputationRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(record).Error
}

func (s *Store) GetReputation(ctx context.Context, userID string) (*domain.ReputationRecord, error) {
	var r domain.ReputationRecord
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&r).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}
