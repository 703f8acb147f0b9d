// Package reconcile 把归一化后的 webhook 事件合并进规范化的账号、会话、消息表。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"unibox/backend/internal/domain"
	"unibox/backend/internal/storage"
)

var (
	// ErrAccountClaimed 账号已被其他用户连接
	ErrAccountClaimed = errors.New("account already connected by another user")
	// ErrMissingAccount 事件没有账号 ID
	ErrMissingAccount = errors.New("event has no account id")
	// ErrMissingConversation 事件没有会话 ID
	ErrMissingConversation = errors.New("event has no conversation id")
)

// Action 一次事件处理的结果
type Action string

const (
	ActionStored      Action = "stored"
	ActionEchoDropped Action = "echo_dropped"
)

// Outcome Reconcile 的处理结果
type Outcome struct {
	Action       Action
	Direction    domain.Direction
	Provisioned  bool // 账号由本次事件自动创建
	Account      *domain.Account
	Conversation *domain.Conversation
	Message      *domain.Message
}

// Repository 对账需要的仓储
type Repository interface {
	storage.AccountRepository
	storage.ConversationRepository
	storage.MessageRepository
}

// Config 对账配置
type Config struct {
	// PlaceholderUserPrefix 无法确定归属用户时的占位用户 ID 前缀
	PlaceholderUserPrefix string
	DefaultProvider       domain.Provider
}

// Reconciler 会话与消息对账器
type Reconciler struct {
	repo   Repository
	vendor domain.MessagingClient
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

// New 创建对账器，vendor 为 nil 时跳过向厂商查询账号类型
func New(repo Repository, vendor domain.MessagingClient, cfg Config, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = domain.ProviderWhatsApp
	}
	return &Reconciler{repo: repo, vendor: vendor, cfg: cfg, log: log, now: time.Now}
}

// IsPlaceholderOwner 判断账号是否归属于占位用户
func (r *Reconciler) IsPlaceholderOwner(userID string) bool {
	return r.cfg.PlaceholderUserPrefix != "" && strings.HasPrefix(userID, r.cfg.PlaceholderUserPrefix)
}

// Reconcile 处理一条入站消息事件：
// 解析或自动创建账号 → 判断方向 → 丢弃回声 → 写入会话 → 写入消息
func (r *Reconciler) Reconcile(ctx context.Context, ev *domain.InboundEvent) (*Outcome, error) {
	if ev.AccountID == "" {
		return nil, ErrMissingAccount
	}
	if ev.ConversationProviderID == "" && ev.PeerProviderID == "" {
		return nil, ErrMissingConversation
	}

	account, provisioned, err := r.resolveAccount(ctx, ev)
	if err != nil {
		return nil, err
	}
	r.learnSelfIdentity(ctx, account, ev.SelfProviderID)

	direction := r.direction(account, ev)
	if direction == domain.DirectionOut {
		// 通过 API 发送的消息已经由发送流程保存，厂商回声只确认不入库
		return &Outcome{
			Action:      ActionEchoDropped,
			Direction:   direction,
			Provisioned: provisioned,
			Account:     account,
		}, nil
	}

	sentAt := ev.Message.SentAt(r.now().UTC())
	conv, err := r.repo.UpsertConversation(ctx, &domain.Conversation{
		ID:                     uuid.NewString(),
		AccountID:              account.ID,
		ProviderConversationID: DedupKey(ev),
		Title:                  titleFor(ev),
		LastActivityAt:         sentAt,
		Metadata: domain.ConversationMetadata{
			VendorChatID:   ev.ConversationProviderID,
			PeerProviderID: ev.PeerProviderID,
			PeerName:       ev.PeerName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}

	msg := &domain.Message{
		ID:                uuid.NewString(),
		ConversationID:    conv.ID,
		ProviderMessageID: ev.Message.ID,
		Direction:         direction,
		Body:              ev.Message.Text,
		FromName:          ev.Message.FromName,
		FromAddress:       ev.Message.FromAddress,
		Attachments:       ev.Message.Attachments,
		SentAt:            sentAt,
	}
	stored, err := r.repo.UpsertMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("upsert message: %w", err)
	}

	return &Outcome{
		Action:       ActionStored,
		Direction:    direction,
		Provisioned:  provisioned,
		Account:      account,
		Conversation: conv,
		Message:      stored,
	}, nil
}

// direction 厂商标注 is_sender 或发送者是账号本人时为 out
func (r *Reconciler) direction(account *domain.Account, ev *domain.InboundEvent) domain.Direction {
	if ev.IsSender != nil && *ev.IsSender {
		return domain.DirectionOut
	}
	if account.HasSelfIdentifier(ev.Message.FromAddress) {
		return domain.DirectionOut
	}
	return domain.DirectionIn
}

func (r *Reconciler) learnSelfIdentity(ctx context.Context, account *domain.Account, identity string) {
	if !account.AddSelfIdentifier(identity) {
		return
	}
	if err := r.repo.UpdateAccount(ctx, account); err != nil {
		r.log.Warn("failed to record account self identity",
			zap.String("account_id", account.ID), zap.Error(err))
	}
}

// resolveAccount 查找事件对应的账号，不存在时按启发式规则自动创建。
//
// 自动创建的账号状态为 unverified 并标记 NeedsReconciliation，
// 归属用户未知时使用占位用户 ID，等待用户显式连接时认领。
func (r *Reconciler) resolveAccount(ctx context.Context, ev *domain.InboundEvent) (*domain.Account, bool, error) {
	existing, err := r.repo.FindAccountsByExternalID(ctx, ev.AccountID)
	if err != nil {
		return nil, false, fmt.Errorf("find account: %w", err)
	}
	if len(existing) > 0 {
		if hint, ok := domain.ParseProvider(ev.AccountType); ok {
			for i := range existing {
				if existing[i].Provider == hint {
					return &existing[i], false, nil
				}
			}
		}
		return &existing[0], false, nil
	}

	provider, source := r.guessProvider(ctx, ev)
	account := &domain.Account{
		ID:                  uuid.NewString(),
		UserID:              r.cfg.PlaceholderUserPrefix + ev.AccountID,
		Provider:            provider,
		ExternalAccountID:   ev.AccountID,
		Status:              domain.ConnectionUnverified,
		NeedsReconciliation: true,
		Metadata: domain.AccountMetadata{
			Extra: map[string]string{"provider_source": source},
		},
	}
	stored, created, err := r.repo.CreateAccountIfAbsent(ctx, account)
	if err != nil {
		return nil, false, fmt.Errorf("provision account: %w", err)
	}
	if created {
		r.log.Warn("auto-provisioned unverified account from webhook",
			zap.String("account_id", stored.ID),
			zap.String("external_account_id", ev.AccountID),
			zap.String("provider", string(provider)),
			zap.String("provider_source", source),
			zap.String("placeholder_user_id", stored.UserID))
	}
	return stored, created, nil
}

// guessProvider 依次尝试：厂商账号列表 → 事件中的 account_type → 默认渠道
func (r *Reconciler) guessProvider(ctx context.Context, ev *domain.InboundEvent) (domain.Provider, string) {
	if r.vendor != nil {
		accounts, err := r.vendor.ListAccounts(ctx)
		if err != nil {
			r.log.Warn("vendor account lookup failed", zap.String("external_account_id", ev.AccountID), zap.Error(err))
		}
		for _, a := range accounts {
			if a.ID != ev.AccountID {
				continue
			}
			if p, ok := domain.ParseProvider(a.Type); ok {
				return p, "vendor"
			}
		}
	}
	if p, ok := domain.ParseProvider(ev.AccountType); ok {
		return p, "event"
	}
	return r.cfg.DefaultProvider, "default"
}

// ConnectAccount 用户显式连接账号，先连接者获胜。
//
// 占位用户持有的账号会被认领并标记为已验证；已被其他用户持有时返回 ErrAccountClaimed。
func (r *Reconciler) ConnectAccount(ctx context.Context, userID string, provider domain.Provider, externalID string, meta domain.AccountMetadata) (*domain.Account, error) {
	candidate := &domain.Account{
		ID:                uuid.NewString(),
		UserID:            userID,
		Provider:          provider,
		ExternalAccountID: externalID,
		Status:            domain.ConnectionConnected,
		Metadata:          meta,
	}
	account, created, err := r.repo.CreateAccountIfAbsent(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("connect account: %w", err)
	}
	if created {
		return account, nil
	}

	// 与 webhook 自动创建并发时，认领可能失败一次，重新读取后再判断
	for attempt := 0; attempt < 2; attempt++ {
		switch {
		case account.UserID == userID:
			mergeMetadata(account, meta)
			account.Status = domain.ConnectionConnected
			account.NeedsReconciliation = false
			if err := r.repo.UpdateAccount(ctx, account); err != nil {
				return nil, fmt.Errorf("refresh account: %w", err)
			}
			return account, nil

		case r.IsPlaceholderOwner(account.UserID):
			previous := account.UserID
			claimed := *account
			claimed.UserID = userID
			claimed.Status = domain.ConnectionConnected
			claimed.NeedsReconciliation = false
			mergeMetadata(&claimed, meta)
			err := r.repo.TransferAccount(ctx, &claimed, previous)
			if err == nil {
				r.log.Info("placeholder account claimed",
					zap.String("account_id", claimed.ID),
					zap.String("placeholder_user_id", previous),
					zap.String("user_id", userID))
				return &claimed, nil
			}
			if !errors.Is(err, storage.ErrOwnerChanged) {
				return nil, fmt.Errorf("claim account: %w", err)
			}
			if account, err = r.repo.GetAccount(ctx, account.ID); err != nil {
				return nil, err
			}

		default:
			return nil, ErrAccountClaimed
		}
	}
	return nil, ErrAccountClaimed
}

func mergeMetadata(account *domain.Account, meta domain.AccountMetadata) {
	for _, id := range meta.SelfIdentifiers {
		account.AddSelfIdentifier(id)
	}
	if meta.DisplayName != "" {
		account.Metadata.DisplayName = meta.DisplayName
	}
	for k, v := range meta.Extra {
		if account.Metadata.Extra == nil {
			account.Metadata.Extra = make(map[string]string)
		}
		account.Metadata.Extra[k] = v
	}
}

// StoreOutbound 保存通过 API 成功发送的消息，并更新会话活跃时间
func (r *Reconciler) StoreOutbound(ctx context.Context, conv *domain.Conversation, vendorMessageID, text string, attachments []domain.Attachment, sentAt time.Time) (*domain.Message, error) {
	sentAt = sentAt.UTC()
	msg := &domain.Message{
		ID:                uuid.NewString(),
		ConversationID:    conv.ID,
		ProviderMessageID: vendorMessageID,
		Direction:         domain.DirectionOut,
		Body:              text,
		Attachments:       attachments,
		SentAt:            sentAt,
	}
	stored, err := r.repo.UpsertMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("store outbound message: %w", err)
	}

	touch := *conv
	touch.LastActivityAt = sentAt
	if _, err := r.repo.UpsertConversation(ctx, &touch); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	return stored, nil
}

// CollapseDuplicates 合并同一账号下去重键相同的会话，保留最近活跃的一条。
// 可重复执行，返回删除的会话数。
func (r *Reconciler) CollapseDuplicates(ctx context.Context, accountID string) (int, error) {
	convs, err := r.repo.ListConversations(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}

	groups := make(map[string][]domain.Conversation)
	for _, c := range convs {
		key := conversationKey(c)
		groups[key] = append(groups[key], c)
	}

	removed := 0
	for key, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if !group[i].LastActivityAt.Equal(group[j].LastActivityAt) {
				return group[i].LastActivityAt.After(group[j].LastActivityAt)
			}
			return group[i].ID < group[j].ID
		})
		keep := group[0]
		drop := make([]string, 0, len(group)-1)
		for _, c := range group[1:] {
			drop = append(drop, c.ID)
		}
		if err := r.repo.MergeConversations(ctx, keep.ID, drop); err != nil {
			return removed, fmt.Errorf("merge conversations for key %s: %w", key, err)
		}
		removed += len(drop)
	}
	return removed, nil
}

// CollapseAllDuplicates 对所有账号执行 CollapseDuplicates
func (r *Reconciler) CollapseAllDuplicates(ctx context.Context) (int, error) {
	ids, err := r.repo.ListAccountIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	total := 0
	for _, id := range ids {
		n, err := r.CollapseDuplicates(ctx, id)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		r.log.Info("collapsed duplicate conversations", zap.Int("removed", total))
	}
	return total, nil
}

// DedupKey 会话去重键：
// WhatsApp 风格 ID 规范化为 "<手机号>@s.whatsapp.net"，
// 否则使用对端标识，最后才使用厂商会话 ID
func DedupKey(ev *domain.InboundEvent) string {
	for _, id := range []string{ev.ConversationProviderID, ev.PeerProviderID} {
		if phone, ok := domain.WhatsAppPhone(id); ok {
			return phone + domain.WhatsAppSuffix
		}
	}
	if ev.PeerProviderID != "" {
		return ev.PeerProviderID
	}
	return ev.ConversationProviderID
}

// conversationKey 从已存储的会话推导去重键，用于合并历史数据
func conversationKey(c domain.Conversation) string {
	return DedupKey(&domain.InboundEvent{
		ConversationProviderID: c.ProviderConversationID,
		PeerProviderID:         c.Metadata.PeerProviderID,
	})
}

func titleFor(ev *domain.InboundEvent) string {
	if name := strings.TrimSpace(ev.PeerName); name != "" {
		return name
	}
	if phone, ok := domain.WhatsAppPhone(ev.PeerProviderID); ok {
		return "+" + phone
	}
	if ev.PeerProviderID != "" {
		return ev.PeerProviderID
	}
	return domain.UnknownContactTitle
}
