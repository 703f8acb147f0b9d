package domain

import "time"

// InboundEvent 各种厂商 webhook 格式归一化后的事件
type InboundEvent struct {
	EventType string `json:"eventType,omitempty"`

	// AccountID 厂商侧的账号 ID
	AccountID   string `json:"accountId"`
	AccountType string `json:"accountType,omitempty"`
	// SelfProviderID 账号本人在厂商侧的标识（account_info.user_id）
	SelfProviderID string `json:"selfProviderId,omitempty"`

	// ConversationProviderID 厂商的会话 ID（不透明）
	ConversationProviderID string `json:"conversationProviderId"`
	// PeerProviderID 对端在厂商侧的标识，非 WhatsApp 渠道用作去重键
	PeerProviderID string `json:"peerProviderId,omitempty"`
	PeerName       string `json:"peerName,omitempty"`

	// IsSender 厂商明确标注的"由账号本人发出"
	IsSender *bool `json:"isSender,omitempty"`

	Message InboundMessage `json:"message"`
}

// InboundMessage 归一化后的消息体
type InboundMessage struct {
	ID           string       `json:"id"`
	Text         string       `json:"text"`
	FromName     string       `json:"fromName,omitempty"`
	FromAddress  string       `json:"fromAddress,omitempty"`
	TimestampISO string       `json:"timestampISO,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// SentAt 解析消息时间戳，无法解析时返回 fallback
func (m InboundMessage) SentAt(fallback time.Time) time.Time {
	if m.TimestampISO == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, m.TimestampISO); err == nil {
		return t.UTC()
	}
	return fallback
}
