package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"unibox/backend/internal/domain"
	"unibox/backend/internal/limiter"
	"unibox/backend/internal/reconcile"
	"unibox/backend/internal/reputation"
	"unibox/backend/internal/storage"
)

var (
	// ErrInvalidPolicy 工作区策略取值非法
	ErrInvalidPolicy = errors.New("invalid workspace policy")
	// ErrInvalidWindow 查询时间窗口非法
	ErrInvalidWindow = errors.New("invalid time window")
	// ErrInvalidProvider 不支持的渠道
	ErrInvalidProvider = errors.New("unsupported provider")
)

// MaxAuditWindow 审计查询允许的最大时间窗口
const MaxAuditWindow = 30 * 24 * time.Hour

// WorkspaceService 工作区设置、账号连接与审计查询
type WorkspaceService struct {
	policies   storage.PolicyRepository
	limiter    *limiter.Limiter
	reputation *reputation.Aggregator
	reconciler *reconcile.Reconciler
	log        *zap.Logger
	now        func() time.Time
}

// NewWorkspaceService 创建工作区服务
func NewWorkspaceService(
	policies storage.PolicyRepository,
	lim *limiter.Limiter,
	agg *reputation.Aggregator,
	reconciler *reconcile.Reconciler,
	log *zap.Logger,
) *WorkspaceService {
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkspaceService{
		policies:   policies,
		limiter:    lim,
		reputation: agg,
		reconciler: reconciler,
		log:        log,
		now:        time.Now,
	}
}

// PolicyView 工作区覆盖配置与最终生效值
type PolicyView struct {
	Override  *domain.WorkspacePolicy `json:"override,omitempty"`
	Effective limiter.EffectivePolicy `json:"effective"`
}

// GetPolicy 返回用户的覆盖配置与生效限额
func (s *WorkspaceService) GetPolicy(ctx context.Context, userID string) (*PolicyView, error) {
	override, err := s.policies.GetPolicy(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		override = nil
	case err != nil:
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return &PolicyView{Override: override, Effective: s.limiter.Policy(ctx, userID)}, nil
}

// UpdatePolicy 整体替换用户的覆盖配置
func (s *WorkspaceService) UpdatePolicy(ctx context.Context, userID string, policy domain.WorkspacePolicy) (*PolicyView, error) {
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}
	policy.UserID = userID
	policy.UpdatedAt = s.now().UTC()
	if err := s.policies.SavePolicy(ctx, &policy); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}
	s.limiter.InvalidatePolicy(userID)
	s.log.Info("workspace policy updated", zap.String("user_id", userID))
	return s.GetPolicy(ctx, userID)
}

func validatePolicy(p domain.WorkspacePolicy) error {
	for name, v := range map[string]*int{
		"maxRecipientsPerMessage": p.MaxRecipientsPerMessage,
		"maxPerHour":              p.MaxPerHour,
		"maxPerDay":               p.MaxPerDay,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidPolicy, name)
		}
	}
	for name, v := range map[string]*int{
		"recipientCooldownSec": p.RecipientCooldownSec,
		"domainCooldownSec":    p.DomainCooldownSec,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidPolicy, name)
		}
	}
	if p.MaxAttachmentBytes != nil && *p.MaxAttachmentBytes <= 0 {
		return fmt.Errorf("%w: maxAttachmentBytes must be positive", ErrInvalidPolicy)
	}
	return nil
}

// RecentLimiterEvents 返回 window 时间内的拒绝记录
func (s *WorkspaceService) RecentLimiterEvents(ctx context.Context, userID string, window time.Duration) ([]domain.LimiterEvent, error) {
	if window <= 0 || window > MaxAuditWindow {
		return nil, ErrInvalidWindow
	}
	return s.limiter.RecentEvents(ctx, userID, s.now().UTC().Add(-window))
}

// Reputation 返回用户信誉，尚未计算过时先计算一次
func (s *WorkspaceService) Reputation(ctx context.Context, userID string) (*domain.ReputationRecord, error) {
	record, err := s.reputation.Get(ctx, userID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return s.reputation.Recompute(ctx, userID, "")
}

// ConnectAccountInput 显式连接账号
type ConnectAccountInput struct {
	Provider          string   `json:"provider" binding:"required"`
	ExternalAccountID string   `json:"externalAccountId" binding:"required"`
	DisplayName       string   `json:"displayName"`
	SelfIdentifiers   []string `json:"selfIdentifiers"`
}

// ConnectAccount 连接账号，先连接者获胜
func (s *WorkspaceService) ConnectAccount(ctx context.Context, userID string, input ConnectAccountInput) (*domain.Account, error) {
	provider, ok := domain.ParseProvider(input.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProvider, input.Provider)
	}
	return s.reconciler.ConnectAccount(ctx, userID, provider, strings.TrimSpace(input.ExternalAccountID), domain.AccountMetadata{
		DisplayName:     input.DisplayName,
		SelfIdentifiers: input.SelfIdentifiers,
	})
}

// CollapseDuplicates 合并所有账号下的重复会话
func (s *WorkspaceService) CollapseDuplicates(ctx context.Context) (int, error) {
	return s.reconciler.CollapseAllDuplicates(ctx)
}
