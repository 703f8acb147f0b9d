package httptransport

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"unibox/backend/internal/domain"
	"unibox/backend/internal/middleware"
	"unibox/backend/internal/service"
)

const defaultAuditWindow = 24 * time.Hour

// connectAccount 连接厂商账号到当前用户
//
// POST /v1/accounts/connect
func (h *Handler) connectAccount(c *gin.Context) {
	var input service.ConnectAccountInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	account, err := h.workspace.ConnectAccount(c.Request.Context(), middleware.UserID(c), input)
	if err != nil {
		respondError(c, err)
		return
	}
	Created(c, account)
}

// limiterEvents 查询最近的限流拒绝记录，按时间倒序
//
// GET /v1/limiter/events?window=24h
func (h *Handler) limiterEvents(c *gin.Context) {
	window, err := parseWindow(c.Query("window"))
	if err != nil {
		BadRequest(c, "时间窗口格式无效")
		return
	}

	events, err := h.workspace.RecentLimiterEvents(c.Request.Context(), middleware.UserID(c), window)
	if err != nil {
		respondError(c, err)
		return
	}
	if events == nil {
		events = []domain.LimiterEvent{}
	}
	Success(c, gin.H{"events": events, "window": window.String()})
}

// getPolicy 查看工作区限流策略
//
// GET /v1/workspace/policy
func (h *Handler) getPolicy(c *gin.Context) {
	view, err := h.workspace.GetPolicy(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, view)
}

// updatePolicy 整体替换工作区限流策略（管理员）
//
// PUT /v1/workspace/policy
func (h *Handler) updatePolicy(c *gin.Context) {
	var policy domain.WorkspacePolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	view, err := h.workspace.UpdatePolicy(c.Request.Context(), middleware.UserID(c), policy)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, view)
}

// reputation 查看发送信誉
//
// GET /v1/reputation
func (h *Handler) reputation(c *gin.Context) {
	record, err := h.workspace.Reputation(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, record)
}

// collapseDuplicates 合并重复会话（管理员）
//
// POST /v1/maintenance/dedupe
func (h *Handler) collapseDuplicates(c *gin.Context) {
	merged, err := h.workspace.CollapseDuplicates(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"merged": merged})
}

// parseWindow 支持 time.ParseDuration 格式以及 "7d" 这样的天数，空值为 24h
func parseWindow(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultAuditWindow, nil
	}
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid window %q", value)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(value)
}
