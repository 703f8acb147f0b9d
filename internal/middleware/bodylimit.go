package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	// DefaultBodyLimit 普通 API 请求体上限
	DefaultBodyLimit int64 = 10 << 20

	// WebhookBodyLimit webhook 只携带附件元数据，上限更小
	WebhookBodyLimit int64 = 2 << 20
)

// BodySizeLimit 限制请求体大小。
//
// 声明的 Content-Length 超限时直接返回 413；未声明长度的请求在读取时由 MaxBytesReader 截断。
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	limit := strconv.FormatInt(maxBytes, 10)
	return func(c *gin.Context) {
		c.Header("X-Max-Body-Size", limit)
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
				"limit": maxBytes,
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
