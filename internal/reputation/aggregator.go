// Package reputation 根据退信与投诉反馈计算发送信誉，并给出收件人拦截建议。
package reputation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"unibox/backend/internal/domain"
	"unibox/backend/internal/storage"
)

const (
	// BlockHardBounces 同一地址累计硬退信达到该值后拦截
	BlockHardBounces = 3
	// BlockComplaints 同一地址累计投诉达到该值后拦截
	BlockComplaints = 1
)

// ErrInvalidFeedback 反馈缺少必要字段
var ErrInvalidFeedback = errors.New("invalid feedback event")

// Repository 信誉计算需要的仓储
type Repository interface {
	storage.FeedbackRepository
	storage.ReputationRepository
	CountOutbound(ctx context.Context, userID string) (int64, error)
}

// Aggregator 信誉聚合器
type Aggregator struct {
	repo Repository
	log  *zap.Logger
	now  func() time.Time
}

// New 创建信誉聚合器
func New(repo Repository, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{repo: repo, log: log, now: time.Now}
}

// Score 信誉分：100 − min(硬退信×10, 50) − min(软退信×2, 20) − min(投诉×15, 40)，结果限制在 [0, 100]
func Score(c domain.FeedbackCounts) int {
	score := int64(100)
	score -= min(max(c.HardBounces, 0)*10, 50)
	score -= min(max(c.SoftBounces, 0)*2, 20)
	score -= min(max(c.Complaints, 0)*15, 40)
	return int(min(max(score, 0), 100))
}

// Recompute 重新计算用户信誉并整体替换已有记录
func (a *Aggregator) Recompute(ctx context.Context, userID, mailboxID string) (*domain.ReputationRecord, error) {
	counts, err := a.repo.CountFeedback(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count feedback: %w", err)
	}
	sent, err := a.repo.CountOutbound(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count outbound: %w", err)
	}

	record := &domain.ReputationRecord{
		UserID:      userID,
		MailboxID:   mailboxID,
		Score:       Score(counts),
		HardBounces: counts.HardBounces,
		SoftBounces: counts.SoftBounces,
		Complaints:  counts.Complaints,
		TotalSent:   sent,
		ComputedAt:  a.now().UTC(),
	}
	if err := a.repo.SaveReputation(ctx, record); err != nil {
		return nil, fmt.Errorf("save reputation: %w", err)
	}
	a.log.Debug("reputation recomputed",
		zap.String("user_id", userID),
		zap.Int("score", record.Score),
		zap.Int64("total_sent", sent))
	return record, nil
}

// Get 读取用户当前信誉记录
func (a *Aggregator) Get(ctx context.Context, userID string) (*domain.ReputationRecord, error) {
	return a.repo.GetReputation(ctx, userID)
}

// ShouldBlock 判断是否应拦截发往该地址的消息；读取失败时不拦截
func (a *Aggregator) ShouldBlock(ctx context.Context, userID, address string) bool {
	counts, err := a.repo.CountFeedbackForRecipient(ctx, userID, normalizeAddress(address))
	if err != nil {
		a.log.Warn("reputation lookup failed, allowing send",
			zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return counts.HardBounces >= BlockHardBounces || counts.Complaints >= BlockComplaints
}

// SaveFeedback 校验并保存一条退信或投诉，不重新计算信誉
func (a *Aggregator) SaveFeedback(ctx context.Context, event *domain.BounceEvent) error {
	if event.UserID == "" || strings.TrimSpace(event.Recipient) == "" || !event.Kind.Valid() {
		return ErrInvalidFeedback
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = a.now().UTC()
	}
	event.Recipient = normalizeAddress(event.Recipient)
	if err := a.repo.SaveFeedback(ctx, event); err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

// RecordFeedback 保存一条退信或投诉，然后重新计算信誉
func (a *Aggregator) RecordFeedback(ctx context.Context, event *domain.BounceEvent) (*domain.ReputationRecord, error) {
	if err := a.SaveFeedback(ctx, event); err != nil {
		return nil, err
	}
	return a.Recompute(ctx, event.UserID, event.MailboxID)
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
