package domain

import "time"

// UnknownContactTitle 会话标题占位符，更新时可以被更好的标题替换
const UnknownContactTitle = "Unknown Contact"

// Conversation 规范化的会话，属于唯一一个 Account。
//
// ProviderConversationID 保存去重键（WhatsApp 为规范化手机号），
// 厂商自己的会话 ID 保存在 Metadata.VendorChatID 中，发送消息时需要用到。
type Conversation struct {
	ID                     string               `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID              string               `json:"accountId" gorm:"type:varchar(36);not null;uniqueIndex:idx_conversations_account_key"`
	ProviderConversationID string               `json:"providerConversationId" gorm:"type:varchar(255);not null;uniqueIndex:idx_conversations_account_key"`
	Title                  string               `json:"title" gorm:"type:varchar(255)"`
	LastActivityAt         time.Time            `json:"lastActivityAt" gorm:"index"`
	Metadata               ConversationMetadata `json:"metadata" gorm:"serializer:json;type:text"`
	CreatedAt              time.Time            `json:"createdAt"`
	UpdatedAt              time.Time            `json:"updatedAt"`
}

// ConversationMetadata 厂商相关的会话信息
type ConversationMetadata struct {
	VendorChatID   string `json:"vendorChatId,omitempty"`
	PeerProviderID string `json:"peerProviderId,omitempty"`
	PeerName       string `json:"peerName,omitempty"`
}

func (Conversation) TableName() string { return "conversations" }

// IsPlaceholderTitle 判断标题是否为空或占位符
func IsPlaceholderTitle(title string) bool {
	return title == "" || title == UnknownContactTitle
}

// BackfillTitle 占位标题可以被替换，已有的真实标题保持不变
func BackfillTitle(existing, incoming string) string {
	if incoming == "" {
		incoming = UnknownContactTitle
	}
	if IsPlaceholderTitle(existing) {
		return incoming
	}
	return existing
}

// Merge 用 other 中的非空字段覆盖，返回合并结果
func (m ConversationMetadata) Merge(other ConversationMetadata) ConversationMetadata {
	if other.VendorChatID != "" {
		m.VendorChatID = other.VendorChatID
	}
	if other.PeerProviderID != "" {
		m.PeerProviderID = other.PeerProviderID
	}
	if other.PeerName != "" {
		m.PeerName = other.PeerName
	}
	return m
}
