package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const directPayload = `{
	"event": "message_received",
	"account_id": "acc_123",
	"account_type": "WHATSAPP",
	"account_info": {"user_id": "15550001111@s.whatsapp.net"},
	"chat_id": "chat_abc",
	"provider_chat_id": "15557654321@s.whatsapp.net",
	"message_id": "msg_1",
	"message": "hello there",
	"sender": {"attendee_name": "Bob", "attendee_provider_id": "15557654321@s.whatsapp.net"},
	"is_sender": false,
	"timestamp": "2026-04-01T10:00:00.000Z",
	"attachments": [{"id": "att_1", "file_name": "a.png", "mimetype": "image/png", "size": 2048}]
}`

func TestNormalize_Challenge(t *testing.T) {
	r := Normalize([]byte(`{"challenge":"abc123"}`))
	assert.Equal(t, KindChallenge, r.Kind)
	assert.Equal(t, "abc123", r.Challenge)
	assert.Nil(t, r.Event)
}

func TestNormalize_Direct(t *testing.T) {
	r := Normalize([]byte(directPayload))
	require.Equal(t, KindEvent, r.Kind)
	assert.Equal(t, ShapeDirect, r.Shape)

	ev := r.Event
	require.NotNil(t, ev)
	assert.Equal(t, "message_received", ev.EventType)
	assert.Equal(t, "acc_123", ev.AccountID)
	assert.Equal(t, "WHATSAPP", ev.AccountType)
	assert.Equal(t, "15550001111@s.whatsapp.net", ev.SelfProviderID)
	assert.Equal(t, "chat_abc", ev.ConversationProviderID)
	assert.Equal(t, "15557654321@s.whatsapp.net", ev.PeerProviderID)
	assert.Equal(t, "Bob", ev.PeerName)
	require.NotNil(t, ev.IsSender)
	assert.False(t, *ev.IsSender)

	assert.Equal(t, "msg_1", ev.Message.ID)
	assert.Equal(t, "hello there", ev.Message.Text)
	assert.Equal(t, "Bob", ev.Message.FromName)
	assert.Equal(t, "2026-04-01T10:00:00Z", ev.Message.TimestampISO)
	require.Len(t, ev.Message.Attachments, 1)
	assert.Equal(t, "a.png", ev.Message.Attachments[0].Filename)
	assert.Equal(t, int64(2048), ev.Message.Attachments[0].Size)
}

func TestNormalize_Nested(t *testing.T) {
	body := `{"event":"message.created","data":{"account_id":"acc_9","chat_id":"c_1","text":"hi","message":{"id":"m_77"},"timestamp":1775037600000}}`
	r := Normalize([]byte(body))
	require.Equal(t, KindEvent, r.Kind)
	assert.Equal(t, ShapeNested, r.Shape)
	assert.Equal(t, "message.created", r.Event.EventType)
	assert.Equal(t, "acc_9", r.Event.AccountID)
	assert.Equal(t, "m_77", r.Event.Message.ID)
	assert.Equal(t, "hi", r.Event.Message.Text)
	assert.Equal(t, "2026-04-01T10:00:00Z", r.Event.Message.TimestampISO)
}

func TestNormalize_DirectTakesPriorityOverNested(t *testing.T) {
	body := `{"event":"x","account_id":"top","chat_id":"c","text":"t","data":{"account_id":"inner"}}`
	r := Normalize([]byte(body))
	require.Equal(t, KindEvent, r.Kind)
	assert.Equal(t, ShapeDirect, r.Shape)
	assert.Equal(t, "top", r.Event.AccountID)
}

func TestNormalize_MissingIDIsDeterministic(t *testing.T) {
	body := []byte(`{"account_id":"acc","chat_id":"c1","text":"same","timestamp":"2026-04-01T10:00:00Z"}`)
	first := Normalize(body)
	second := Normalize(body)
	require.Equal(t, KindEvent, first.Kind)
	assert.NotEmpty(t, first.Event.Message.ID)
	assert.Equal(t, first.Event.Message.ID, second.Event.Message.ID)

	other := Normalize([]byte(`{"account_id":"acc","chat_id":"c1","text":"different","timestamp":"2026-04-01T10:00:00Z"}`))
	assert.NotEqual(t, first.Event.Message.ID, other.Event.Message.ID)
}

func TestNormalize_Fallbacks(t *testing.T) {
	testCases := []struct {
		name string
		body string
		kind Kind
	}{
		{name: "未知格式", body: `{"foo":"bar"}`, kind: KindUnrecognized},
		{name: "空对象", body: `{}`, kind: KindUnrecognized},
		{name: "不是 JSON", body: `not json`, kind: KindMalformed},
		{name: "JSON 数组", body: `[1,2]`, kind: KindMalformed},
		{name: "null", body: `null`, kind: KindMalformed},
		{name: "account_id 为空", body: `{"account_id":"","text":"x"}`, kind: KindUnrecognized},
		{name: "嵌套格式缺少消息", body: `{"event":"account.status","data":{"account_id":"a1","status":"OK"}}`, kind: KindIgnored},
		{name: "缺少会话 ID", body: `{"account_id":"a1","message_id":"m1","text":"x"}`, kind: KindIgnored},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := Normalize([]byte(tc.body))
			assert.Equal(t, tc.kind, r.Kind)
		})
	}

	r := Normalize([]byte(`{"foo":"bar","zed":1}`))
	assert.Equal(t, []string{"foo", "zed"}, r.Keys)
}

func TestNormalize_OutgoingEchoKeepsPeer(t *testing.T) {
	body := `{"account_id":"acc","chat_id":"c1","provider_chat_id":"","message_id":"m1","text":"sent by me",
		"is_sender":true,"sender":{"attendee_name":"Me","attendee_provider_id":"self-id"}}`
	r := Normalize([]byte(body))
	require.Equal(t, KindEvent, r.Kind)
	require.NotNil(t, r.Event.IsSender)
	assert.True(t, *r.Event.IsSender)
	assert.Empty(t, r.Event.PeerName)
	assert.Empty(t, r.Event.PeerProviderID)
}
