package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SignatureHeader 入站 webhook 签名头，格式 "sha256=<hex>"
const SignatureHeader = "X-Webhook-Signature"

// Sign 计算请求体的 HMAC-SHA256 签名
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// WebhookSignature 校验入站 webhook 签名，secret 为空时不校验。
// 校验通过后请求体会被还原，供后续处理器读取。
func WebhookSignature(secret string, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body unreadable"})
			return
		}

		got := strings.TrimSpace(c.GetHeader(SignatureHeader))
		if got == "" || !hmac.Equal([]byte(got), []byte(Sign(body, secret))) {
			log.Warn("webhook signature mismatch",
				zap.String("path", c.Request.URL.Path),
				zap.String("ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
