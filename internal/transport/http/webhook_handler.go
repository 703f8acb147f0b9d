package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"unibox/backend/internal/service"
)

// unifiedWebhook 接收统一消息平台的 webhook。
//
// POST /v1/webhooks/unified
//
// 只要通过了签名校验就返回 2xx，处理失败体现在 data.status 中；challenge 原样回显。
func (h *Handler) unifiedWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.log.Warn("failed to read webhook body", zap.Error(err))
		Success(c, service.Ack{Status: service.AckMalformed})
		return
	}

	ack := h.ingest.HandleWebhook(c.Request.Context(), body)
	if ack.Status == service.AckChallenge {
		c.JSON(http.StatusOK, gin.H{"challenge": ack.Challenge})
		return
	}
	Success(c, ack)
}

// feedbackWebhook 接收退信 / 投诉反馈。
//
// POST /v1/webhooks/feedback
func (h *Handler) feedbackWebhook(c *gin.Context) {
	var input service.FeedbackInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.ingest.HandleFeedback(c.Request.Context(), input); err != nil {
		respondError(c, err)
		return
	}
	Accepted(c, "已接收")
}
