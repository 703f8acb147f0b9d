package storage

import (
	"context"
	"errors"
	"time"

	"unibox/backend/internal/domain"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrOwnerChanged 账号归属在读取后已被其他请求修改
	ErrOwnerChanged = errors.New("account owner changed concurrently")
)

// AccountRepository 定义规范化账号的存取操作。
type AccountRepository interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	FindAccount(ctx context.Context, provider domain.Provider, externalID string) (*domain.Account, error)
	// FindAccountsByExternalID 跨渠道按厂商账号 ID 查找，用于推断渠道
	FindAccountsByExternalID(ctx context.Context, externalID string) ([]domain.Account, error)
	// CreateAccountIfAbsent 按 (provider, externalID) 插入；已存在时返回已有记录，created 为 false
	CreateAccountIfAbsent(ctx context.Context, account *domain.Account) (stored *domain.Account, created bool, err error)
	UpdateAccount(ctx context.Context, account *domain.Account) error
	// TransferAccount 仅当当前归属用户仍为 fromUserID 时改为 account.UserID，否则返回 ErrOwnerChanged
	TransferAccount(ctx context.Context, account *domain.Account, fromUserID string) error
	ListAccountsByUser(ctx context.Context, userID string) ([]domain.Account, error)
	ListAccountIDs(ctx context.Context) ([]string, error)
}

// ConversationRepository 定义会话存取操作。
type ConversationRepository interface {
	// UpsertConversation 按 (AccountID, ProviderConversationID) 原子写入：
	// 占位标题可被替换但不会降级，LastActivityAt 取较大值，厂商会话 ID 非空时覆盖
	UpsertConversation(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, accountID string) ([]domain.Conversation, error)
	// MergeConversations 把 dropIDs 的消息迁移到 keepID 并删除 dropIDs
	MergeConversations(ctx context.Context, keepID string, dropIDs []string) error
}

// MessageRepository 定义消息存取操作。
type MessageRepository interface {
	// UpsertMessage 按 (ConversationID, ProviderMessageID) 幂等写入，冲突时刷新字段，
	// 返回存储中的行（重放时 ID 为首次写入的 ID）
	UpsertMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	// CountOutbound 统计用户所有账号的发出消息数
	CountOutbound(ctx context.Context, userID string) (int64, error)
}

// PolicyRepository 定义工作区限流策略存取操作。
type PolicyRepository interface {
	// GetPolicy 不存在时返回 ErrNotFound
	GetPolicy(ctx context.Context, userID string) (*domain.WorkspacePolicy, error)
	SavePolicy(ctx context.Context, policy *domain.WorkspacePolicy) error
}

// LimiterEventRepository 定义限流审计记录存取操作。
type LimiterEventRepository interface {
	RecordLimiterEvent(ctx context.Context, event *domain.LimiterEvent) error
	// ListLimiterEvents 按时间倒序返回 since 之后的记录，最多 limit 条
	ListLimiterEvents(ctx context.Context, userID string, since time.Time, limit int) ([]domain.LimiterEvent, error)
}

// FeedbackRepository 定义退信 / 投诉反馈存取操作。
type FeedbackRepository interface {
	SaveFeedback(ctx context.Context, event *domain.BounceEvent) error
	CountFeedback(ctx context.Context, userID string) (domain.FeedbackCounts, error)
	CountFeedbackForRecipient(ctx context.Context, userID, recipient string) (domain.FeedbackCounts, error)
}

// ReputationRepository 定义信誉记录存取操作。
type ReputationRepository interface {
	// SaveReputation 整体替换用户已有的记录
	SaveReputation(ctx context.Context, record *domain.ReputationRecord) error
	GetReputation(ctx context.Context, userID string) (*domain.ReputationRecord, error)
}

// Store 汇总所有仓储，由内存实现和关系库实现提供。
type Store interface {
	AccountRepository
	ConversationRepository
	MessageRepository
	PolicyRepository
	LimiterEventRepository
	FeedbackRepository
	ReputationRepository

	Ping(ctx context.Context) error
	Close() error
}
