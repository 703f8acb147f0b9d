package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"unibox/backend/internal/limiter"
	"unibox/backend/internal/reconcile"
	"unibox/backend/internal/reputation"
	"unibox/backend/internal/service"
)

// errorStatus 业务错误 -> HTTP 状态码与中文消息，按顺序匹配错误链
var errorStatus = []struct {
	err    error
	status int
	msg    string
}{
	{service.ErrConversationNotFound, http.StatusNotFound, "会话不存在"},
	{service.ErrEmptyMessage, http.StatusBadRequest, "消息内容不能为空"},
	{service.ErrInvalidAttachment, http.StatusBadRequest, "附件不被允许"},
	{service.ErrInvalidPolicy, http.StatusBadRequest, "限流策略参数无效"},
	{service.ErrInvalidWindow, http.StatusBadRequest, "时间窗口无效"},
	{service.ErrInvalidProvider, http.StatusBadRequest, "不支持的渠道"},
	{reputation.ErrInvalidFeedback, http.StatusBadRequest, "反馈事件无效"},
	{service.ErrRecipientBlocked, http.StatusUnprocessableEntity, "收件人因信誉策略被拦截"},
	{reconcile.ErrAccountClaimed, http.StatusConflict, "该账号已被其他用户连接"},
	{service.ErrVendorSend, http.StatusBadGateway, "消息平台请求失败，请稍后重试"},
	{service.ErrSendUnavailable, http.StatusServiceUnavailable, "发送暂时不可用，请稍后重试"},
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInternalError  = "服务器内部错误，请稍后重试"
)

// respondError 把服务层错误写成统一响应。
// 限流违规返回 402 并携带 {code, message, remainingSeconds, limit}。
func respondError(c *gin.Context, err error) {
	if v, ok := limiter.AsViolation(err); ok {
		ErrorWithData(c, http.StatusPaymentRequired, v.Message, v)
		return
	}
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			Error(c, e.status, e.msg)
			return
		}
	}
	_ = c.Error(err)
	InternalError(c, MsgInternalError)
}
