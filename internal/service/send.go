package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"unibox/backend/internal/counter"
	"unibox/backend/internal/domain"
	"unibox/backend/internal/limiter"
	"unibox/backend/internal/reconcile"
	"unibox/backend/internal/security"
	"unibox/backend/internal/storage"
)

var (
	// ErrConversationNotFound 会话不存在或不属于当前用户
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrInvalidAttachment 附件未通过校验
	ErrInvalidAttachment = errors.New("invalid attachment")
	// ErrEmptyMessage 正文和附件都为空
	ErrEmptyMessage = errors.New("message has no text or attachments")
	// ErrRecipientBlocked 收件人因退信或投诉被拦截
	ErrRecipientBlocked = errors.New("recipient blocked by reputation policy")
	// ErrVendorSend 限流通过后厂商发送失败，配额不会退还
	ErrVendorSend = errors.New("vendor send failed")
	// ErrSendUnavailable 计数存储不可用，拒绝发送
	ErrSendUnavailable = errors.New("send temporarily unavailable")
)

// SendObserver 统计发送结果
type SendObserver interface {
	SendResult(result string)
}

// SendRepository 发送流程需要的仓储
type SendRepository interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
}

// Blocker 收件人拦截策略
type Blocker interface {
	ShouldBlock(ctx context.Context, userID, address string) bool
}

// SendInput 发送请求
type SendInput struct {
	ConversationID string              `json:"conversationId" binding:"required"`
	Text           string              `json:"text"`
	Attachments    []domain.Attachment `json:"attachments"`
	// Recipients 邮件渠道的收件人；为空时使用会话对端
	Recipients []string `json:"recipients"`
	IsReply    bool     `json:"isReply"`
}

// SendResult 发送结果
type SendResult struct {
	MessageID       string    `json:"messageId,omitempty"`
	VendorMessageID string    `json:"vendorMessageId"`
	ConversationID  string    `json:"conversationId"`
	SentAt          time.Time `json:"sentAt"`
}

// SendService 发送服务：归属校验 → 附件校验 → 信誉拦截 → 限流 → 厂商发送 → 记录冷却 → 保存消息
type SendService struct {
	repo       SendRepository
	limiter    *limiter.Limiter
	blocker    Blocker
	vendor     domain.MessagingClient
	reconciler *reconcile.Reconciler
	observer   SendObserver
	log        *zap.Logger
	now        func() time.Time
}

// NewSendService 创建发送服务，blocker 为 nil 时不做信誉拦截
func NewSendService(
	repo SendRepository,
	lim *limiter.Limiter,
	blocker Blocker,
	vendor domain.MessagingClient,
	reconciler *reconcile.Reconciler,
	log *zap.Logger,
) *SendService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SendService{
		repo:       repo,
		limiter:    lim,
		blocker:    blocker,
		vendor:     vendor,
		reconciler: reconciler,
		log:        log,
		now:        time.Now,
	}
}

// SetObserver 设置发送结果统计
func (s *SendService) SetObserver(o SendObserver) {
	s.observer = o
}

// Send 发送一条消息。
//
// 限流违规返回 *limiter.Violation；厂商失败返回 ErrVendorSend，此时配额已消耗且冷却不更新。
func (s *SendService) Send(ctx context.Context, userID string, input SendInput) (*SendResult, error) {
	account, conv, err := s.ownedConversation(ctx, userID, input.ConversationID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Text) == "" && len(input.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	if err := security.ValidateAttachments(input.Attachments); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttachment, err)
	}

	// 限流按调用方原始列表计数，拦截和冷却使用去重后的列表
	requested := input.Recipients
	recipients := limiter.NormalizeRecipients(requested)
	if len(recipients) == 0 {
		recipients = limiter.NormalizeRecipients([]string{peerOf(conv)})
		requested = recipients
	}
	if s.blocker != nil {
		for _, rcpt := range recipients {
			if s.blocker.ShouldBlock(ctx, userID, rcpt) {
				s.record("blocked")
				return nil, fmt.Errorf("%w: %s", ErrRecipientBlocked, rcpt)
			}
		}
	}

	now := s.now().UTC()
	err = s.limiter.Enforce(ctx, limiter.Attempt{
		UserID:          userID,
		MailboxID:       account.ID,
		Provider:        account.Provider,
		Recipients:      requested,
		IsReply:         input.IsReply,
		AttachmentBytes: domain.TotalAttachmentBytes(input.Attachments),
		Now:             now,
	})
	if err != nil {
		if _, ok := limiter.AsViolation(err); ok {
			s.record("violation")
			return nil, err
		}
		if errors.Is(err, counter.ErrUnavailable) {
			s.record("unavailable")
			s.log.Error("counter store unavailable, denying send",
				zap.String("mailbox_id", account.ID), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrSendUnavailable, err)
		}
		s.record("error")
		return nil, err
	}

	vendorMsgID, err := s.vendor.Send(ctx, account.ExternalAccountID, vendorChatID(conv), domain.OutgoingMessage{
		Text:        input.Text,
		Attachments: input.Attachments,
	})
	if err != nil {
		s.record("vendor_error")
		s.log.Warn("vendor send failed after quota was consumed",
			zap.String("mailbox_id", account.ID),
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrVendorSend, err)
	}
	s.record("sent")

	if err := s.limiter.CommitSuccess(ctx, account.ID, recipients, nil, now); err != nil {
		s.log.Warn("failed to record cooldown marks", zap.String("mailbox_id", account.ID), zap.Error(err))
	}

	result := &SendResult{VendorMessageID: vendorMsgID, ConversationID: conv.ID, SentAt: now}
	msg, err := s.reconciler.StoreOutbound(ctx, conv, vendorMsgID, input.Text, input.Attachments, now)
	if err != nil {
		// 消息已经发出，不能让调用方重试
		s.log.Error("failed to store sent message",
			zap.String("conversation_id", conv.ID),
			zap.String("vendor_message_id", vendorMsgID),
			zap.Error(err))
		return result, nil
	}
	result.MessageID = msg.ID
	return result, nil
}

// MarkRead 把会话标记为已读
func (s *SendService) MarkRead(ctx context.Context, userID, conversationID string) error {
	account, conv, err := s.ownedConversation(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if err := s.vendor.MarkRead(ctx, account.ExternalAccountID, vendorChatID(conv)); err != nil {
		return fmt.Errorf("%w: %v", ErrVendorSend, err)
	}
	return nil
}

func (s *SendService) ownedConversation(ctx context.Context, userID, conversationID string) (*domain.Account, *domain.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrConversationNotFound
		}
		return nil, nil, fmt.Errorf("load conversation: %w", err)
	}
	account, err := s.repo.GetAccount(ctx, conv.AccountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrConversationNotFound
		}
		return nil, nil, fmt.Errorf("load account: %w", err)
	}
	if account.UserID != userID {
		return nil, nil, ErrConversationNotFound
	}
	return account, conv, nil
}

func (s *SendService) record(result string) {
	if s.observer != nil {
		s.observer.SendResult(result)
	}
}

// vendorChatID 发送时使用厂商自己的会话 ID
func vendorChatID(conv *domain.Conversation) string {
	if conv.Metadata.VendorChatID != "" {
		return conv.Metadata.VendorChatID
	}
	return conv.ProviderConversationID
}

func peerOf(conv *domain.Conversation) string {
	if conv.Metadata.PeerProviderID != "" {
		return conv.Metadata.PeerProviderID
	}
	return conv.ProviderConversationID
}
