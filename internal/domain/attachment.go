package domain

// Attachment 消息附件的元数据（内容保存在厂商侧）
type Attachment struct {
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// TotalAttachmentBytes 计算附件总大小
func TotalAttachmentBytes(attachments []Attachment) int64 {
	var total int64
	for _, a := range attachments {
		if a.Size > 0 {
			total += a.Size
		}
	}
	return total
}
