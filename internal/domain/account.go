package domain

import "time"

// Provider 表示一个消息渠道提供方
type Provider string

const (
	ProviderWhatsApp  Provider = "whatsapp"
	ProviderInstagram Provider = "instagram"
	ProviderGmail     Provider = "gmail"
	ProviderOutlook   Provider = "outlook"
)

// ParseProvider 将厂商返回的账号类型（如 "WHATSAPP"）转换为 Provider
func ParseProvider(value string) (Provider, bool) {
	switch Provider(normalizeToken(value)) {
	case ProviderWhatsApp:
		return ProviderWhatsApp, true
	case ProviderInstagram:
		return ProviderInstagram, true
	case ProviderGmail, "google":
		return ProviderGmail, true
	case ProviderOutlook, "microsoft", "graph":
		return ProviderOutlook, true
	}
	return "", false
}

// ConnectionStatus 账号连接状态
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionUnverified   ConnectionStatus = "unverified" // webhook 自动创建，归属未经确认
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// Account 表示一个已接入的发送身份（邮箱或消息账号），即限流器中的 mailbox。
//
// 同一 provider 下 ExternalAccountID 只能被一个用户占有（先连接者获胜）。
type Account struct {
	ID                  string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID              string           `json:"userId" gorm:"type:varchar(128);index;not null"`
	Provider            Provider         `json:"provider" gorm:"type:varchar(32);not null;uniqueIndex:idx_accounts_provider_external"`
	ExternalAccountID   string           `json:"externalAccountId" gorm:"type:varchar(255);not null;uniqueIndex:idx_accounts_provider_external"`
	Status              ConnectionStatus `json:"status" gorm:"type:varchar(32);not null"`
	NeedsReconciliation bool             `json:"needsReconciliation" gorm:"default:false;index"`
	Metadata            AccountMetadata  `json:"metadata" gorm:"serializer:json;type:text"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// AccountMetadata 厂商侧的账号信息
type AccountMetadata struct {
	// SelfIdentifiers 账号本人的身份标识（WhatsApp 为手机号，Instagram 为用户名或 ID），用于判断消息方向
	SelfIdentifiers []string          `json:"selfIdentifiers,omitempty"`
	DisplayName     string            `json:"displayName,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// HasSelfIdentifier 判断给定身份是否属于账号本人
func (a *Account) HasSelfIdentifier(identity string) bool {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return false
	}
	for _, self := range a.Metadata.SelfIdentifiers {
		if NormalizeIdentity(self) == identity {
			return true
		}
	}
	return false
}

// AddSelfIdentifier 追加账号本人的身份标识，已存在时返回 false
func (a *Account) AddSelfIdentifier(identity string) bool {
	if identity == "" || a.HasSelfIdentifier(identity) {
		return false
	}
	a.Metadata.SelfIdentifiers = append(a.Metadata.SelfIdentifiers, identity)
	return true
}

func (Account) TableName() string { return "accounts" }
