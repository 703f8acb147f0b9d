// Package limiter 在发送前执行多维度限流（收件人数、附件、小时/日窗口、冷却），
// 发送成功后记录冷却时间。
package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"unibox/backend/internal/cache"
	"unibox/backend/internal/config"
	"unibox/backend/internal/counter"
	"unibox/backend/internal/domain"
	"unibox/backend/internal/storage"
)

// ViolationObserver 统计违规次数
type ViolationObserver interface {
	LimiterViolation(code string)
}

// Attempt 一次待发送的请求
type Attempt struct {
	UserID          string
	MailboxID       string
	Provider        domain.Provider
	Recipients      []string
	Domains         []string // 为空时从收件人推导
	IsReply         bool
	AttachmentBytes int64
	Now             time.Time
}

// Limiter 发送限流器
type Limiter struct {
	store     counter.Store
	policies  storage.PolicyRepository
	events    storage.LimiterEventRepository
	defaults  Defaults
	retention time.Duration
	pageSize  int
	log       *zap.Logger
	observer  ViolationObserver
	cache     *cache.LocalCache[*domain.WorkspacePolicy]
	now       func() time.Time
}

// New 创建发送限流器
func New(
	cfg config.LimiterConfig,
	store counter.Store,
	policies storage.PolicyRepository,
	events storage.LimiterEventRepository,
	log *zap.Logger,
) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{
		store:     store,
		policies:  policies,
		events:    events,
		defaults:  DefaultsFromConfig(cfg),
		retention: cfg.CooldownRetention,
		pageSize:  cfg.AuditPageSize,
		log:       log,
		now:       time.Now,
	}
}

// SetObserver 设置违规统计
func (l *Limiter) SetObserver(o ViolationObserver) {
	l.observer = o
}

// SetPolicyCache 为工作区策略读取加一层本地缓存，nil 表示每次读库
func (l *Limiter) SetPolicyCache(c *cache.LocalCache[*domain.WorkspacePolicy]) {
	l.cache = c
}

// InvalidatePolicy 丢弃某个用户的缓存策略，策略更新后调用
func (l *Limiter) InvalidatePolicy(userID string) {
	if l.cache != nil {
		l.cache.Delete(userID)
	}
}

// Policy 返回用户当前生效的限额。
//
// 读取工作区策略失败时记录日志并使用全局默认值，失败结果不进缓存。
func (l *Limiter) Policy(ctx context.Context, userID string) EffectivePolicy {
	if l.cache != nil {
		if override, ok := l.cache.Get(userID); ok {
			return Resolve(l.defaults, override)
		}
	}
	override, err := l.policies.GetPolicy(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		override = nil
	case err != nil:
		l.log.Warn("workspace policy lookup failed, using global defaults",
			zap.String("user_id", userID), zap.Error(err))
		return Resolve(l.defaults, nil)
	}
	if l.cache != nil {
		l.cache.Set(userID, override, 0)
	}
	return Resolve(l.defaults, override)
}

// Enforce 按固定顺序执行限流检查，遇到第一个违规即返回 *Violation。
//
// 小时/日计数先自增后检查，一次调用无论最终是否被拒绝都会消耗配额。
// 计数存储完全不可用时返回包装了 counter.ErrUnavailable 的错误，调用方应拒绝发送。
func (l *Limiter) Enforce(ctx context.Context, a Attempt) error {
	now := a.Now
	if now.IsZero() {
		now = l.now()
	}
	now = now.UTC()
	recipients := NormalizeRecipients(a.Recipients)
	domains := normalizeDomains(a.Domains)
	if len(domains) == 0 {
		domains = DomainsOf(recipients)
	}

	policy := l.Policy(ctx, a.UserID)

	// 收件人数按调用方传入的非空条目计，重复地址不能绕过上限
	requested := countRecipients(a.Recipients)
	if v := CheckRecipientsPresent(requested); v != nil {
		return l.deny(ctx, a, now, v)
	}
	if v := CheckRecipientCap(requested, policy.MaxRecipientsPerMessage); v != nil {
		return l.deny(ctx, a, now, v)
	}
	if v := CheckAttachmentSize(a.AttachmentBytes, policy.MaxAttachmentBytes); v != nil {
		return l.deny(ctx, a, now, v)
	}

	hourly, err := l.store.IncrementWithTTL(ctx, HourKey(a.MailboxID, now), 1, untilHourEnd(now))
	if err != nil {
		return fmt.Errorf("hourly counter: %w", err)
	}
	if v := CheckWindowCap(hourly, policy.MaxPerHour, WindowHourly); v != nil {
		return l.deny(ctx, a, now, v)
	}

	daily, err := l.store.IncrementWithTTL(ctx, DayKey(a.MailboxID, now), 1, untilDayEnd(now))
	if err != nil {
		return fmt.Errorf("daily counter: %w", err)
	}
	if v := CheckWindowCap(daily, policy.EffectiveDailyCap(), WindowDaily); v != nil {
		return l.deny(ctx, a, now, v)
	}

	if !a.IsReply {
		for _, rcpt := range recipients {
			last, err := l.lastSent(ctx, RecipientCooldownKey(a.MailboxID, rcpt))
			if err != nil {
				return err
			}
			if v := CheckCooldown(last, now, policy.RecipientCooldownSec, CooldownRecipient, rcpt); v != nil {
				return l.deny(ctx, a, now, v)
			}
		}
	}

	for _, d := range domains {
		last, err := l.lastSent(ctx, DomainCooldownKey(a.MailboxID, d))
		if err != nil {
			return err
		}
		if v := CheckCooldown(last, now, policy.DomainCooldownSec, CooldownDomain, d); v != nil {
			return l.deny(ctx, a, now, v)
		}
	}

	return nil
}

// CommitSuccess 外部发送成功后覆盖收件人与域名的最后发送时间
func (l *Limiter) CommitSuccess(ctx context.Context, mailboxID string, recipients, domains []string, now time.Time) error {
	recipients = NormalizeRecipients(recipients)
	domains = normalizeDomains(domains)
	if len(domains) == 0 {
		domains = DomainsOf(recipients)
	}
	mark := strconv.FormatInt(now.UnixMilli(), 10)

	for _, rcpt := range recipients {
		if err := l.store.SetString(ctx, RecipientCooldownKey(mailboxID, rcpt), mark, l.retention); err != nil {
			return fmt.Errorf("mark recipient cooldown: %w", err)
		}
	}
	for _, d := range domains {
		if err := l.store.SetString(ctx, DomainCooldownKey(mailboxID, d), mark, l.retention); err != nil {
			return fmt.Errorf("mark domain cooldown: %w", err)
		}
	}
	return nil
}

// RecentEvents 返回 since 之后用户的拒绝记录，按时间倒序，最多一页
func (l *Limiter) RecentEvents(ctx context.Context, userID string, since time.Time) ([]domain.LimiterEvent, error) {
	return l.events.ListLimiterEvents(ctx, userID, since, l.pageSize)
}

// deny 记录审计日志后返回违规，审计失败只记录告警
func (l *Limiter) deny(ctx context.Context, a Attempt, now time.Time, v *Violation) error {
	event := &domain.LimiterEvent{
		ID:        uuid.NewString(),
		UserID:    a.UserID,
		MailboxID: a.MailboxID,
		Provider:  a.Provider,
		Code:      string(v.Code),
		Message:   v.Message,
		CreatedAt: now,
	}
	if err := l.events.RecordLimiterEvent(ctx, event); err != nil {
		l.log.Warn("failed to record limiter event",
			zap.String("code", string(v.Code)),
			zap.String("mailbox_id", a.MailboxID),
			zap.Error(err))
	}
	if l.observer != nil {
		l.observer.LimiterViolation(string(v.Code))
	}
	l.log.Debug("send denied by limiter",
		zap.String("user_id", a.UserID),
		zap.String("mailbox_id", a.MailboxID),
		zap.String("code", string(v.Code)))
	return v
}

func (l *Limiter) lastSent(ctx context.Context, key string) (time.Time, error) {
	raw, ok, err := l.store.GetString(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("read cooldown mark: %w", err)
	}
	if !ok {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		l.log.Warn("ignoring malformed cooldown mark", zap.String("key", key), zap.String("value", raw))
		return time.Time{}, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

// HourKey 小时窗口计数键（UTC）
func HourKey(mailboxID string, now time.Time) string {
	return "limiter:hour:" + mailboxID + ":" + now.UTC().Format("2006010215")
}

// DayKey 日窗口计数键（UTC）
func DayKey(mailboxID string, now time.Time) string {
	return "limiter:day:" + mailboxID + ":" + now.UTC().Format("20060102")
}

// RecipientCooldownKey 收件人冷却键
func RecipientCooldownKey(mailboxID, recipient string) string {
	return "limiter:cooldown:rcpt:" + mailboxID + ":" + recipient
}

// DomainCooldownKey 域名冷却键
func DomainCooldownKey(mailboxID, domainName string) string {
	return "limiter:cooldown:domain:" + mailboxID + ":" + domainName
}

func untilHourEnd(now time.Time) time.Duration {
	now = now.UTC()
	return now.Truncate(time.Hour).Add(time.Hour).Sub(now)
}

func untilDayEnd(now time.Time) time.Duration {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start.AddDate(0, 0, 1).Sub(now)
}

// NormalizeRecipients 去除空白、转小写并去重，保持原有顺序
func NormalizeRecipients(recipients []string) []string {
	out := make([]string, 0, len(recipients))
	seen := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func countRecipients(recipients []string) int {
	n := 0
	for _, r := range recipients {
		if strings.TrimSpace(r) != "" {
			n++
		}
	}
	return n
}

// DomainsOf 从收件人地址推导域名。
// 不含 @ 的地址（如手机号）和 WhatsApp 会话 ID 没有域名。
func DomainsOf(recipients []string) []string {
	domains := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if _, ok := domain.WhatsAppPhone(r); ok {
			continue
		}
		at := strings.LastIndex(r, "@")
		if at < 0 || at == len(r)-1 {
			continue
		}
		domains = append(domains, r[at+1:])
	}
	return normalizeDomains(domains)
}

func normalizeDomains(domains []string) []string {
	return NormalizeRecipients(domains)
}
