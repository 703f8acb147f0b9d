// Package security 发送前的附件元数据校验（不检查文件内容）。
package security

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"unibox/backend/internal/domain"
)

var (
	// ErrDangerousExtension 危险的文件扩展名
	ErrDangerousExtension = errors.New("dangerous file extension")
	// ErrDisallowedMimeType 不允许的 MIME 类型
	ErrDisallowedMimeType = errors.New("disallowed mime type")
	// ErrMissingFilename 附件缺少文件名
	ErrMissingFilename = errors.New("attachment has no filename")
)

// AttachmentPolicy 附件白名单 / 黑名单
type AttachmentPolicy struct {
	allowedMimeTypes    map[string]bool
	allowedPrefixes     []string
	dangerousExtensions map[string]bool
}

// DefaultAttachmentPolicy 默认附件策略
func DefaultAttachmentPolicy() *AttachmentPolicy {
	return &AttachmentPolicy{
		allowedMimeTypes: map[string]bool{
			"text/plain":               true,
			"text/csv":                 true,
			"application/json":         true,
			"application/pdf":          true,
			"application/msword":       true,
			"application/zip":          true,
			"application/octet-stream": true,
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
			"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
		},
		allowedPrefixes: []string{"image/", "audio/", "video/"},
		dangerousExtensions: map[string]bool{
			".exe": true,
			".bat": true,
			".cmd": true,
			".scr": true,
			".pif": true,
			".com": true,
			".vbs": true,
			".js":  true,
			".jar": true,
			".msi": true,
			".ps1": true,
		},
	}
}

var defaultPolicy = DefaultAttachmentPolicy()

// ValidateAttachment 使用默认策略检查文件名和 MIME 类型
func ValidateAttachment(filename, mimeType string) error {
	return defaultPolicy.Validate(filename, mimeType)
}

// ValidateAttachments 依次检查所有附件，返回第一个错误
func ValidateAttachments(attachments []domain.Attachment) error {
	for _, a := range attachments {
		if err := ValidateAttachment(a.Filename, a.MimeType); err != nil {
			return err
		}
	}
	return nil
}

// Validate 检查文件名和 MIME 类型；MIME 为空时只检查扩展名
func (p *AttachmentPolicy) Validate(filename, mimeType string) error {
	name := strings.TrimSpace(filename)
	if name == "" {
		return ErrMissingFilename
	}
	ext := strings.ToLower(filepath.Ext(name))
	if p.dangerousExtensions[ext] {
		return fmt.Errorf("%w: %s", ErrDangerousExtension, ext)
	}

	if strings.TrimSpace(mimeType) == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDisallowedMimeType, mimeType)
	}
	if p.allowedMimeTypes[mediaType] {
		return nil
	}
	for _, prefix := range p.allowedPrefixes {
		if strings.HasPrefix(mediaType, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrDisallowedMimeType, mediaType)
}
