package domain

import "time"

// Direction 消息方向
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Message 规范化的消息，按 (ConversationID, ProviderMessageID) 幂等写入。
type Message struct {
	ID                string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ConversationID    string       `json:"conversationId" gorm:"type:varchar(36);not null;uniqueIndex:idx_messages_conversation_provider"`
	ProviderMessageID string       `json:"providerMessageId" gorm:"type:varchar(255);not null;uniqueIndex:idx_messages_conversation_provider"`
	Direction         Direction    `json:"direction" gorm:"type:varchar(8);not null;index"`
	Body              string       `json:"body" gorm:"type:text"`
	FromName          string       `json:"fromName,omitempty" gorm:"type:varchar(255)"`
	FromAddress       string       `json:"fromAddress,omitempty" gorm:"type:varchar(255)"`
	Attachments       []Attachment `json:"attachments,omitempty" gorm:"serializer:json;type:text"`
	SentAt            time.Time    `json:"sentAt" gorm:"index"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

func (Message) TableName() string { return "messages" }
