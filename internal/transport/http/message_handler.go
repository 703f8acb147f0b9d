package httptransport

import (
	"github.com/gin-gonic/gin"

	"unibox/backend/internal/middleware"
	"unibox/backend/internal/service"
)

// sendMessage 发送消息
//
// POST /v1/messages/send
func (h *Handler) sendMessage(c *gin.Context) {
	var input service.SendInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.sender.Send(c.Request.Context(), middleware.UserID(c), input)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, result)
}

// markConversationRead 标记会话已读
//
// POST /v1/conversations/:id/read
func (h *Handler) markConversationRead(c *gin.Context) {
	id := c.Param("id")
	if err := h.sender.MarkRead(c.Request.Context(), middleware.UserID(c), id); err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"conversationId": id, "read": true})
}
