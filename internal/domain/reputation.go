package domain

import "time"

// FeedbackKind 退信 / 投诉类型
type FeedbackKind string

const (
	FeedbackHardBounce FeedbackKind = "hard_bounce"
	FeedbackSoftBounce FeedbackKind = "soft_bounce"
	FeedbackComplaint  FeedbackKind = "complaint"
)

// Valid 判断类型是否合法
func (k FeedbackKind) Valid() bool {
	switch k {
	case FeedbackHardBounce, FeedbackSoftBounce, FeedbackComplaint:
		return true
	}
	return false
}

// BounceEvent 外部退信 / 投诉反馈
type BounceEvent struct {
	ID        string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID    string       `json:"userId" gorm:"type:varchar(128);not null;index:idx_bounce_user_address"`
	MailboxID string       `json:"mailboxId" gorm:"type:varchar(36);index"`
	Recipient string       `json:"recipient" gorm:"type:varchar(255);not null;index:idx_bounce_user_address"`
	Kind      FeedbackKind `json:"kind" gorm:"type:varchar(16);not null"`
	Reason    string       `json:"reason,omitempty" gorm:"type:varchar(500)"`
	CreatedAt time.Time    `json:"createdAt"`
}

func (BounceEvent) TableName() string { return "bounce_events" }

// FeedbackCounts 退信与投诉累计数
type FeedbackCounts struct {
	HardBounces int64 `json:"hardBounces"`
	SoftBounces int64 `json:"softBounces"`
	Complaints  int64 `json:"complaints"`
}

// ReputationRecord 每个用户一条，每次重新计算后整体替换
type ReputationRecord struct {
	UserID      string    `json:"userId" gorm:"primaryKey;type:varchar(128)"`
	MailboxID   string    `json:"mailboxId" gorm:"type:varchar(36)"`
	Score       int       `json:"score"`
	HardBounces int64     `json:"hardBounces"`
	SoftBounces int64     `json:"softBounces"`
	Complaints  int64     `json:"complaints"`
	TotalSent   int64     `json:"totalSent"`
	ComputedAt  time.Time `json:"computedAt"`
}

func (ReputationRecord) TableName() string { return "reputation_records" }
