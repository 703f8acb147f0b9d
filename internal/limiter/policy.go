package limiter

import (
	"fmt"
	"time"

	"unibox/backend/internal/config"
	"unibox/backend/internal/domain"
)

// Window 计数窗口
type Window string

const (
	WindowHourly Window = "hourly"
	WindowDaily  Window = "daily"
)

// Defaults 全局默认限额
type Defaults struct {
	MaxRecipientsPerMessage int
	MaxPerHour              int
	MaxPerDay               int
	TrialDailyCap           int
	RecipientCooldownSec    int
	DomainCooldownSec       int
	MaxAttachmentBytes      int64
}

// DefaultsFromConfig 从配置构造全局默认值
func DefaultsFromConfig(cfg config.LimiterConfig) Defaults {
	return Defaults{
		MaxRecipientsPerMessage: cfg.MaxRecipientsPerMessage,
		MaxPerHour:              cfg.MaxPerHour,
		MaxPerDay:               cfg.MaxPerDay,
		TrialDailyCap:           cfg.TrialDailyCap,
		RecipientCooldownSec:    cfg.RecipientCooldownSec,
		DomainCooldownSec:       cfg.DomainCooldownSec,
		MaxAttachmentBytes:      cfg.MaxAttachmentBytes,
	}
}

// EffectivePolicy 一次发送实际生效的限额，每次调用重新计算，不会被修改
type EffectivePolicy struct {
	MaxRecipientsPerMessage int   `json:"maxRecipientsPerMessage"`
	MaxPerHour              int   `json:"maxPerHour"`
	MaxPerDay               int   `json:"maxPerDay"`
	TrialDailyCap           int   `json:"trialDailyCap"`
	RecipientCooldownSec    int   `json:"recipientCooldownSec"`
	DomainCooldownSec       int   `json:"domainCooldownSec"`
	MaxAttachmentBytes      int64 `json:"maxAttachmentBytes"`
	Trial                   bool  `json:"trial"`
}

// Resolve 用工作区覆盖值合并全局默认值，override 为 nil 或字段为 nil 时使用默认值
func Resolve(d Defaults, override *domain.WorkspacePolicy) EffectivePolicy {
	p := EffectivePolicy{
		MaxRecipientsPerMessage: d.MaxRecipientsPerMessage,
		MaxPerHour:              d.MaxPerHour,
		MaxPerDay:               d.MaxPerDay,
		TrialDailyCap:           d.TrialDailyCap,
		RecipientCooldownSec:    d.RecipientCooldownSec,
		DomainCooldownSec:       d.DomainCooldownSec,
		MaxAttachmentBytes:      d.MaxAttachmentBytes,
	}
	if override == nil {
		return p
	}
	pick(&p.MaxRecipientsPerMessage, override.MaxRecipientsPerMessage)
	pick(&p.MaxPerHour, override.MaxPerHour)
	pick(&p.MaxPerDay, override.MaxPerDay)
	pick(&p.RecipientCooldownSec, override.RecipientCooldownSec)
	pick(&p.DomainCooldownSec, override.DomainCooldownSec)
	pick(&p.MaxAttachmentBytes, override.MaxAttachmentBytes)
	pick(&p.Trial, override.TrialMode)
	return p
}

func pick[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// EffectiveDailyCap 试用模式只会缩小每日上限
func (p EffectivePolicy) EffectiveDailyCap() int {
	if p.Trial {
		return min(p.TrialDailyCap, p.MaxPerDay)
	}
	return p.MaxPerDay
}

// CheckRecipientsPresent 收件人不能为空
func CheckRecipientsPresent(count int) *Violation {
	if count > 0 {
		return nil
	}
	return &Violation{Code: CodeNoRecipients, Message: "at least one recipient is required"}
}

// CheckRecipientCap 单条消息收件人数量上限
func CheckRecipientCap(count, maxRecipients int) *Violation {
	if count <= maxRecipients {
		return nil
	}
	return &Violation{
		Code:    CodeRecipientCap,
		Message: fmt.Sprintf("too many recipients: %d (max %d per message)", count, maxRecipients),
		Limit:   int64(maxRecipients),
	}
}

// CheckAttachmentSize 附件总大小上限
func CheckAttachmentSize(bytes, maxBytes int64) *Violation {
	if bytes <= maxBytes {
		return nil
	}
	return &Violation{
		Code:    CodeAttachmentTooLarge,
		Message: fmt.Sprintf("attachments total %d bytes exceeds the %d byte limit", bytes, maxBytes),
		Limit:   maxBytes,
	}
}

// CheckWindowCap 窗口计数检查，used 已包含本次发送
func CheckWindowCap(used int64, limit int, window Window) *Violation {
	if used <= int64(limit) {
		return nil
	}
	code := CodeHourlyCap
	unit := "hour"
	if window == WindowDaily {
		code = CodeDailyCap
		unit = "day"
	}
	return &Violation{
		Code:    code,
		Message: fmt.Sprintf("%s send limit reached (%d per %s)", window, limit, unit),
		Limit:   int64(limit),
	}
}

// CooldownKind 冷却维度
type CooldownKind string

const (
	CooldownRecipient CooldownKind = "recipient"
	CooldownDomain    CooldownKind = "domain"
)

// CheckCooldown 检查距上次成功发送是否已超过冷却时间。
//
// 剩余秒数 = ceil((冷却毫秒 - 已过毫秒) / 1000)
func CheckCooldown(lastSentAt, now time.Time, cooldownSec int, kind CooldownKind, label string) *Violation {
	if cooldownSec <= 0 || lastSentAt.IsZero() {
		return nil
	}
	cooldownMs := int64(cooldownSec) * 1000
	elapsedMs := max(now.Sub(lastSentAt).Milliseconds(), 0)
	if elapsedMs >= cooldownMs {
		return nil
	}
	remaining := int((cooldownMs - elapsedMs + 999) / 1000)

	code := CodeRecipientCooldown
	if kind == CooldownDomain {
		code = CodeDomainCooldown
	}
	return &Violation{
		Code:             code,
		Message:          fmt.Sprintf("%s %s is cooling down, retry in %ds", kind, label, remaining),
		RemainingSeconds: &remaining,
		Limit:            int64(cooldownSec),
	}
}
