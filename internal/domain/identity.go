package domain

import (
	"strings"
	"unicode"
)

// whatsappSuffixes WhatsApp 会话 ID 中附带的固定后缀
var whatsappSuffixes = []string{"@s.whatsapp.net", "@c.us"}

// WhatsAppSuffix 规范化后统一使用的后缀
const WhatsAppSuffix = "@s.whatsapp.net"

// NormalizeIdentity 规范化身份标识用于比较：去除空白、统一小写、手机号只保留数字
func NormalizeIdentity(identity string) string {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		return ""
	}
	if phone, ok := WhatsAppPhone(identity); ok {
		return phone
	}
	if looksLikePhone(identity) {
		return digitsOnly(identity)
	}
	return strings.TrimPrefix(identity, "@")
}

// WhatsAppPhone 从 WhatsApp 风格的 ID 中提取手机号数字
func WhatsAppPhone(id string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(id))
	for _, suffix := range whatsappSuffixes {
		if strings.HasSuffix(lower, suffix) {
			digits := digitsOnly(strings.TrimSuffix(lower, suffix))
			if digits == "" {
				return "", false
			}
			return digits, true
		}
	}
	return "", false
}

func looksLikePhone(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 6
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
