package domain

import "time"

// WorkspacePolicy 用户级别的限流覆盖配置。
//
// 任一字段为 nil 表示使用全局默认值。只由工作区管理接口修改，限流器只读。
type WorkspacePolicy struct {
	UserID                  string    `json:"userId" gorm:"primaryKey;type:varchar(128)"`
	MaxRecipientsPerMessage *int      `json:"maxRecipientsPerMessage,omitempty"`
	MaxPerHour              *int      `json:"maxPerHour,omitempty"`
	MaxPerDay               *int      `json:"maxPerDay,omitempty"`
	RecipientCooldownSec    *int      `json:"recipientCooldownSec,omitempty"`
	DomainCooldownSec       *int      `json:"domainCooldownSec,omitempty"`
	MaxAttachmentBytes      *int64    `json:"maxAttachmentBytes,omitempty"`
	TrialMode               *bool     `json:"trialMode,omitempty"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

func (WorkspacePolicy) TableName() string { return "workspace_policies" }

// LimiterEvent 被拒绝发送的审计记录，创建后不可修改
type LimiterEvent struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID    string    `json:"userId" gorm:"type:varchar(128);not null;index:idx_limiter_events_user_time"`
	MailboxID string    `json:"mailboxId" gorm:"type:varchar(36);index"`
	Provider  Provider  `json:"provider" gorm:"type:varchar(32)"`
	Code      string    `json:"code" gorm:"type:varchar(32);not null"`
	Message   string    `json:"message" gorm:"type:varchar(500)"`
	CreatedAt time.Time `json:"createdAt" gorm:"index:idx_limiter_events_user_time"`
}

func (LimiterEvent) TableName() string { return "limiter_events" }
