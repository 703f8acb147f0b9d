// Package webhook 把多种厂商 webhook 格式归一化为 domain.InboundEvent。
//
// 格式识别由一组有序的匹配器完成，每个匹配器声明自己需要的字段，
// 按固定优先级尝试，都不匹配时返回 KindUnrecognized。
package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"unibox/backend/internal/domain"
)

// Kind 归一化结果类型
type Kind string

const (
	KindChallenge    Kind = "challenge"
	KindEvent        Kind = "event"
	KindIgnored      Kind = "ignored"      // 格式已识别，但不包含消息
	KindUnrecognized Kind = "unrecognized" // 合法 JSON，但不是已知格式
	KindMalformed    Kind = "malformed"    // 不是 JSON 对象
)

// Shape 名称
const (
	ShapeChallenge = "challenge"
	ShapeDirect    = "direct"
	ShapeNested    = "nested"
	ShapeUnknown   = "unknown"
)

// Result 归一化结果
type Result struct {
	Kind      Kind
	Shape     string
	Challenge string
	Event     *domain.InboundEvent
	// Keys 无法识别时的顶层字段名，用于诊断日志
	Keys []string
}

type object map[string]json.RawMessage

type matcher interface {
	shape() string
	matches(obj object) bool
	decode(obj object, raw []byte) Result
}

var matchers = []matcher{
	challengeMatcher{},
	directMatcher{},
	nestedMatcher{},
}

// Normalize 解析 webhook 请求体
func Normalize(body []byte) Result {
	var obj object
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return Result{Kind: KindMalformed, Shape: ShapeUnknown}
	}

	for _, m := range matchers {
		if m.matches(obj) {
			return m.decode(obj, body)
		}
	}
	return Result{Kind: KindUnrecognized, Shape: ShapeUnknown, Keys: obj.keys()}
}

// ---- challenge ----

type challengeMatcher struct{}

func (challengeMatcher) shape() string { return ShapeChallenge }

func (challengeMatcher) matches(obj object) bool {
	_, ok := obj.str("challenge")
	return ok
}

func (challengeMatcher) decode(obj object, _ []byte) Result {
	challenge, _ := obj.str("challenge")
	return Result{Kind: KindChallenge, Shape: ShapeChallenge, Challenge: challenge}
}

// ---- direct: 顶层 account_id + (message_id | text | message) ----

type directMatcher struct{}

func (directMatcher) shape() string { return ShapeDirect }

func (directMatcher) matches(obj object) bool {
	if id, _ := obj.str("account_id"); id == "" {
		return false
	}
	return obj.has("message_id") || obj.has("text") || obj.has("message")
}

func (m directMatcher) decode(_ object, raw []byte) Result {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Result{Kind: KindMalformed, Shape: m.shape()}
	}
	return p.toResult(m.shape(), p.Event)
}

// ---- nested: {event, data:{account_id,...}} ----

type nestedMatcher struct{}

func (nestedMatcher) shape() string { return ShapeNested }

func (nestedMatcher) matches(obj object) bool {
	if !obj.has("event") {
		return false
	}
	raw, ok := obj["data"]
	if !ok {
		return false
	}
	var data object
	if err := json.Unmarshal(raw, &data); err != nil {
		return false
	}
	id, _ := data.str("account_id")
	return id != ""
}

func (m nestedMatcher) decode(_ object, raw []byte) Result {
	var envelope struct {
		Event string  `json:"event"`
		Data  payload `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Result{Kind: KindMalformed, Shape: m.shape()}
	}
	eventType := envelope.Event
	if eventType == "" {
		eventType = envelope.Data.Event
	}
	return envelope.Data.toResult(m.shape(), eventType)
}

// payload 厂商消息事件字段
type payload struct {
	Event       string `json:"event"`
	AccountID   string `json:"account_id"`
	AccountType string `json:"account_type"`
	AccountInfo struct {
		UserID string `json:"user_id"`
	} `json:"account_info"`
	ChatID         string          `json:"chat_id"`
	ProviderChatID string          `json:"provider_chat_id"`
	MessageID      string          `json:"message_id"`
	Message        json.RawMessage `json:"message"`
	Text           string          `json:"text"`
	Sender         struct {
		AttendeeName       string `json:"attendee_name"`
		AttendeeProviderID string `json:"attendee_provider_id"`
	} `json:"sender"`
	IsSender    *bool             `json:"is_sender"`
	Timestamp   json.RawMessage   `json:"timestamp"`
	Attachments []attachmentField `json:"attachments"`
}

type attachmentField struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	FileName string      `json:"file_name"`
	MimeType string      `json:"mimetype"`
	Size     json.Number `json:"size"`
	URL      string      `json:"url"`
}

func (p payload) toResult(shape, eventType string) Result {
	text := p.Text
	messageID := p.MessageID
	if text == "" || messageID == "" {
		nestedID, nestedText := decodeMessageField(p.Message)
		if text == "" {
			text = nestedText
		}
		if messageID == "" {
			messageID = nestedID
		}
	}

	chatID := p.ChatID
	if chatID == "" {
		chatID = p.ProviderChatID
	}
	timestamp := normalizeTimestamp(p.Timestamp)

	event := &domain.InboundEvent{
		EventType:              eventType,
		AccountID:              p.AccountID,
		AccountType:            p.AccountType,
		SelfProviderID:         p.AccountInfo.UserID,
		ConversationProviderID: chatID,
		PeerProviderID:         p.ProviderChatID,
		IsSender:               p.IsSender,
		Message: domain.InboundMessage{
			ID:           messageID,
			Text:         text,
			FromName:     p.Sender.AttendeeName,
			FromAddress:  p.Sender.AttendeeProviderID,
			TimestampISO: timestamp,
			Attachments:  convertAttachments(p.Attachments),
		},
	}
	if p.IsSender == nil || !*p.IsSender {
		event.PeerName = p.Sender.AttendeeName
		if event.PeerProviderID == "" {
			event.PeerProviderID = p.Sender.AttendeeProviderID
		}
	}

	if event.Message.ID == "" && event.Message.Text == "" && len(event.Message.Attachments) == 0 {
		return Result{Kind: KindIgnored, Shape: shape, Event: event}
	}
	if chatID == "" {
		return Result{Kind: KindIgnored, Shape: shape, Event: event}
	}
	if event.Message.ID == "" {
		event.Message.ID = DeterministicMessageID(p.AccountID, chatID, timestamp, event.Message.Text)
	}
	return Result{Kind: KindEvent, Shape: shape, Event: event}
}

// DeterministicMessageID 缺少 message_id 时根据内容生成稳定 ID，重放时得到相同结果
func DeterministicMessageID(accountID, chatID, timestamp, text string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{accountID, chatID, timestamp, text}, "|")))
	return "gen_" + hex.EncodeToString(sum[:16])
}

// decodeMessageField message 字段可能是字符串，也可能是 {id, text} 对象
func decodeMessageField(raw json.RawMessage) (id, text string) {
	if len(raw) == 0 {
		return "", ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return "", s
	}
	var obj struct {
		ID   string `json:"id"`
		Text string `json:"text"`
		Body string `json:"body"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Text == "" {
			obj.Text = obj.Body
		}
		return obj.ID, obj.Text
	}
	return "", ""
}

// normalizeTimestamp 支持 ISO8601 字符串和 Unix 时间戳（秒或毫秒）
func normalizeTimestamp(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixToISO(n)
		}
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return unixToISO(v)
		}
	}
	return ""
}

func unixToISO(v int64) string {
	// 大于 1e12 视为毫秒
	if v > 1_000_000_000_000 {
		return time.UnixMilli(v).UTC().Format(time.RFC3339Nano)
	}
	return time.Unix(v, 0).UTC().Format(time.RFC3339Nano)
}

func convertAttachments(in []attachmentField) []domain.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Attachment, 0, len(in))
	for _, a := range in {
		name := a.Name
		if name == "" {
			name = a.FileName
		}
		size, _ := a.Size.Int64()
		out = append(out, domain.Attachment{
			ID:       a.ID,
			Filename: name,
			MimeType: a.MimeType,
			Size:     size,
			URL:      a.URL,
		})
	}
	return out
}

func (o object) has(key string) bool {
	raw, ok := o[key]
	return ok && len(raw) > 0 && string(raw) != "null"
}

func (o object) str(key string) (string, bool) {
	raw, ok := o[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (o object) keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
