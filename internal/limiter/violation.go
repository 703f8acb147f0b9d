package limiter

import (
	"errors"
	"fmt"
)

// Code 限流违规代码
type Code string

const (
	CodeNoRecipients       Code = "NO_RECIPIENTS"
	CodeRecipientCap       Code = "RECIPIENT_CAP"
	CodeAttachmentTooLarge Code = "ATTACHMENT_TOO_LARGE"
	CodeHourlyCap          Code = "HOURLY_CAP"
	CodeDailyCap           Code = "DAILY_CAP"
	CodeRecipientCooldown  Code = "RECIPIENT_COOLDOWN"
	CodeDomainCooldown     Code = "DOMAIN_COOLDOWN"
)

// Violation 发送被策略拒绝。属于用户可处理的预期错误，不是服务端故障。
type Violation struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// RemainingSeconds 仅冷却类违规携带，表示还需等待的整秒数
	RemainingSeconds *int `json:"remainingSeconds,omitempty"`
	// Limit 触发违规的配置上限
	Limit int64 `json:"limit,omitempty"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// AsViolation 从错误链中取出 Violation
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
