package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"unibox/backend/internal/domain"
	"unibox/backend/internal/pool"
	"unibox/backend/internal/reconcile"
	"unibox/backend/internal/reputation"
	"unibox/backend/internal/webhook"
)

// Ack 状态
const (
	AckStored       = "stored"
	AckEchoDropped  = "echo_dropped"
	AckChallenge    = "challenge"
	AckIgnored      = "ignored"
	AckUnrecognized = "unrecognized"
	AckMalformed    = "malformed"
	AckFailed       = "failed"
)

// Ack webhook 处理结果，HTTP 层总是以 2xx 返回
type Ack struct {
	Status         string `json:"status"`
	Challenge      string `json:"challenge,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
}

// WebhookObserver 统计 webhook 处理结果
type WebhookObserver interface {
	WebhookEvent(shape, action string)
}

// IngestService webhook 入站处理
type IngestService struct {
	reconciler *reconcile.Reconciler
	reputation *reputation.Aggregator
	workers    *pool.WorkerPool
	observer   WebhookObserver
	log        *zap.Logger
}

// NewIngestService 创建入站服务，workers 为 nil 时信誉重算同步执行
func NewIngestService(reconciler *reconcile.Reconciler, agg *reputation.Aggregator, workers *pool.WorkerPool, log *zap.Logger) *IngestService {
	if log == nil {
		log = zap.NewNop()
	}
	return &IngestService{reconciler: reconciler, reputation: agg, workers: workers, log: log}
}

// SetObserver 设置统计
func (s *IngestService) SetObserver(o WebhookObserver) {
	s.observer = o
}

// HandleWebhook 处理一次 webhook 投递。
//
// 任何可解析或无法识别的载荷都会被确认，处理失败只记录日志，避免厂商重试风暴。
func (s *IngestService) HandleWebhook(ctx context.Context, body []byte) Ack {
	res := webhook.Normalize(body)
	ack := s.handle(ctx, res)
	if s.observer != nil {
		s.observer.WebhookEvent(res.Shape, ack.Status)
	}
	return ack
}

func (s *IngestService) handle(ctx context.Context, res webhook.Result) Ack {
	switch res.Kind {
	case webhook.KindChallenge:
		return Ack{Status: AckChallenge, Challenge: res.Challenge}
	case webhook.KindMalformed:
		s.log.Warn("malformed webhook payload", zap.String("shape", res.Shape))
		return Ack{Status: AckMalformed}
	case webhook.KindUnrecognized:
		s.log.Warn("unrecognized webhook payload", zap.Strings("keys", res.Keys))
		return Ack{Status: AckUnrecognized}
	case webhook.KindIgnored:
		s.log.Debug("webhook event carries no message", zap.String("shape", res.Shape))
		return Ack{Status: AckIgnored}
	}

	out, err := s.reconciler.Reconcile(ctx, res.Event)
	if err != nil {
		if errors.Is(err, reconcile.ErrMissingAccount) || errors.Is(err, reconcile.ErrMissingConversation) {
			return Ack{Status: AckIgnored}
		}
		s.log.Error("failed to reconcile webhook event",
			zap.String("account_id", res.Event.AccountID),
			zap.String("message_id", res.Event.Message.ID),
			zap.Error(err))
		return Ack{Status: AckFailed}
	}
	if out.Action == reconcile.ActionEchoDropped {
		return Ack{Status: AckEchoDropped}
	}
	return Ack{Status: AckStored, ConversationID: out.Conversation.ID, MessageID: out.Message.ID}
}

// FeedbackInput 退信 / 投诉反馈
type FeedbackInput struct {
	UserID    string              `json:"userId" binding:"required"`
	MailboxID string              `json:"mailboxId"`
	Recipient string              `json:"recipient" binding:"required"`
	Kind      domain.FeedbackKind `json:"kind" binding:"required"`
	Reason    string              `json:"reason"`
}

// HandleFeedback 同步保存反馈，信誉重算作为非关键任务交给协程池
func (s *IngestService) HandleFeedback(ctx context.Context, input FeedbackInput) error {
	event := &domain.BounceEvent{
		UserID:    input.UserID,
		MailboxID: input.MailboxID,
		Recipient: input.Recipient,
		Kind:      input.Kind,
		Reason:    input.Reason,
	}
	if err := s.reputation.SaveFeedback(ctx, event); err != nil {
		return err
	}

	recompute := func(ctx context.Context) error {
		_, err := s.reputation.Recompute(ctx, event.UserID, event.MailboxID)
		return err
	}
	if s.workers == nil {
		if err := recompute(ctx); err != nil {
			s.log.Warn("reputation recompute failed", zap.String("user_id", event.UserID), zap.Error(err))
		}
		return nil
	}
	task := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return recompute(ctx)
	}
	if err := s.workers.TrySubmit("reputation:"+event.UserID, task); err != nil {
		s.log.Warn("reputation recompute not scheduled", zap.String("user_id", event.UserID), zap.Error(err))
	}
	return nil
}
