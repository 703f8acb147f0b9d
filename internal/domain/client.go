package domain

import "context"

// VendorAccount 厂商返回的账号信息
type VendorAccount struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// VendorConversation 厂商返回的会话信息
type VendorConversation struct {
	ID               string `json:"id"`
	AccountID        string `json:"account_id"`
	Name             string `json:"name"`
	AttendeeProvider string `json:"attendee_provider_id"`
	Timestamp        string `json:"timestamp"`
}

// VendorMessage 厂商返回的消息
type VendorMessage struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	SenderID  string `json:"sender_id"`
	IsSender  bool   `json:"is_sender"`
	Timestamp string `json:"timestamp"`
}

// OutgoingMessage 待发送的消息
type OutgoingMessage struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ListOptions 分页参数
type ListOptions struct {
	Limit  int
	Offset int
}

// MessagingClient 统一消息 API 客户端（外部协作方）
type MessagingClient interface {
	ListAccounts(ctx context.Context) ([]VendorAccount, error)
	ListConversations(ctx context.Context, accountID string) ([]VendorConversation, error)
	ListMessages(ctx context.Context, accountID, conversationID string, opts ListOptions) ([]VendorMessage, error)
	Send(ctx context.Context, accountID, conversationID string, msg OutgoingMessage) (string, error)
	MarkRead(ctx context.Context, accountID, conversationID string) error
}
