package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"unibox/backend/internal/domain"
	"unibox/backend/internal/storage/memory"
	"unibox/backend/internal/webhook"
)

// MockVendor 模拟统一消息 API
type MockVendor struct {
	mock.Mock
}

func (m *MockVendor) ListAccounts(ctx context.Context) ([]domain.VendorAccount, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.VendorAccount), args.Error(1)
}

func (m *MockVendor) ListConversations(ctx context.Context, accountID string) ([]domain.VendorConversation, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).([]domain.VendorConversation), args.Error(1)
}

func (m *MockVendor) ListMessages(ctx context.Context, accountID, conversationID string, opts domain.ListOptions) ([]domain.VendorMessage, error) {
	args := m.Called(ctx, accountID, conversationID, opts)
	return args.Get(0).([]domain.VendorMessage), args.Error(1)
}

func (m *MockVendor) Send(ctx context.Context, accountID, conversationID string, msg domain.OutgoingMessage) (string, error) {
	args := m.Called(ctx, accountID, conversationID, msg)
	return args.String(0), args.Error(1)
}

func (m *MockVendor) MarkRead(ctx context.Context, accountID, conversationID string) error {
	return m.Called(ctx, accountID, conversationID).Error(0)
}

const placeholderPrefix = "unclaimed:"

func newReconciler(t *testing.T, vendor domain.MessagingClient) (*Reconciler, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	r := New(store, vendor, Config{PlaceholderUserPrefix: placeholderPrefix, DefaultProvider: domain.ProviderWhatsApp}, nil)
	return r, store
}

func mustEvent(t *testing.T, body string) *domain.InboundEvent {
	t.Helper()
	res := webhook.Normalize([]byte(body))
	require.Equal(t, webhook.KindEvent, res.Kind, "payload should normalize to an event")
	return res.Event
}

const inbound = `{"account_id":"ext_wa","account_type":"WHATSAPP","chat_id":"chat_1",
	"provider_chat_id":"15557654321@s.whatsapp.net","message_id":"m1","text":"hello",
	"sender":{"attendee_name":"Bob","attendee_provider_id":"15557654321@s.whatsapp.net"},
	"is_sender":false,"timestamp":"2026-04-01T10:00:00Z"}`

func TestReconcile_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	vendor := &MockVendor{}
	vendor.On("ListAccounts", mock.Anything).Return([]domain.VendorAccount{}, nil).Once()
	r, store := newReconciler(t, vendor)

	first, err := r.Reconcile(ctx, mustEvent(t, inbound))
	require.NoError(t, err)
	assert.Equal(t, ActionStored, first.Action)
	assert.Equal(t, domain.DirectionIn, first.Direction)
	assert.True(t, first.Provisioned)

	second, err := r.Reconcile(ctx, mustEvent(t, inbound))
	require.NoError(t, err)
	assert.False(t, second.Provisioned)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)

	msgs, err := store.ListMessages(ctx, first.Conversation.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, msgs[0].ID, first.Message.ID)
	assert.Equal(t, first.Message.ID, second.Message.ID, "重放返回已存储的消息")

	conv := second.Conversation
	assert.Equal(t, "15557654321@s.whatsapp.net", conv.ProviderConversationID)
	assert.Equal(t, "chat_1", conv.Metadata.VendorChatID)
	assert.Equal(t, "Bob", conv.Title)
	vendor.AssertExpectations(t)
}

func TestReconcile_AutoProvisioning(t *testing.T) {
	ctx := context.Background()

	t.Run("厂商返回账号类型", func(t *testing.T) {
		vendor := &MockVendor{}
		vendor.On("ListAccounts", mock.Anything).Return([]domain.VendorAccount{
			{ID: "other", Type: "LINKEDIN"},
			{ID: "ext_ig", Type: "INSTAGRAM"},
		}, nil)
		r, _ := newReconciler(t, vendor)

		out, err := r.Reconcile(ctx, mustEvent(t, `{"account_id":"ext_ig","chat_id":"c","provider_chat_id":"ig_peer","message_id":"m","text":"x"}`))
		require.NoError(t, err)
		acc := out.Account
		assert.Equal(t, domain.ProviderInstagram, acc.Provider)
		assert.Equal(t, placeholderPrefix+"ext_ig", acc.UserID)
		assert.Equal(t, domain.ConnectionUnverified, acc.Status)
		assert.True(t, acc.NeedsReconciliation)
		assert.Equal(t, "vendor", acc.Metadata.Extra["provider_source"])
	})

	t.Run("厂商查询失败时使用事件类型", func(t *testing.T) {
		vendor := &MockVendor{}
		vendor.On("ListAccounts", mock.Anything).Return(nil, errors.New("502 bad gateway"))
		r, _ := newReconciler(t, vendor)

		out, err := r.Reconcile(ctx, mustEvent(t, `{"account_id":"ext_g","account_type":"GOOGLE","chat_id":"c","message_id":"m","text":"x"}`))
		require.NoError(t, err)
		assert.Equal(t, domain.ProviderGmail, out.Account.Provider)
		assert.Equal(t, "event", out.Account.Metadata.Extra["provider_source"])
	})

	t.Run("无厂商客户端使用默认渠道", func(t *testing.T) {
		r, _ := newReconciler(t, nil)
		out, err := r.Reconcile(ctx, mustEvent(t, `{"account_id":"ext_x","chat_id":"c","message_id":"m","text":"x"}`))
		require.NoError(t, err)
		assert.Equal(t, domain.ProviderWhatsApp, out.Account.Provider)
	})

	t.Run("已有账号不再查询厂商", func(t *testing.T) {
		vendor := &MockVendor{}
		r, _ := newReconciler(t, vendor)
		_, err := r.ConnectAccount(ctx, "alice", domain.ProviderWhatsApp, "ext_wa", domain.AccountMetadata{})
		require.NoError(t, err)

		out, err := r.Reconcile(ctx, mustEvent(t, inbound))
		require.NoError(t, err)
		assert.False(t, out.Provisioned)
		assert.Equal(t, "alice", out.Account.UserID)
		vendor.AssertNotCalled(t, "ListAccounts", mock.Anything)
	})
}

func TestReconcile_EchoDropped(t *testing.T) {
	ctx := context.Background()
	r, store := newReconciler(t, nil)

	t.Run("厂商标注 is_sender", func(t *testing.T) {
		out, err := r.Reconcile(ctx, mustEvent(t, `{"account_id":"ext_wa","chat_id":"chat_1","message_id":"sent_1","text":"from api","is_sender":true}`))
		require.NoError(t, err)
		assert.Equal(t, ActionEchoDropped, out.Action)
		assert.Equal(t, domain.DirectionOut, out.Direction)
		assert.Nil(t, out.Message)

		convs, err := store.ListConversations(ctx, out.Account.ID)
		require.NoError(t, err)
		assert.Empty(t, convs)
	})

	t.Run("发送者匹配账号本人身份", func(t *testing.T) {
		// 第一条事件带上 account_info.user_id，记录账号本人身份
		_, err := r.Reconcile(ctx, mustEvent(t, `{"account_id":"ext_wa","account_info":{"user_id":"+1 555 000 1111"},
			"chat_id":"chat_1","provider_chat_id":"15557654321@s.whatsapp.net","message_id":"in_1","text":"hi"}`))
		require.NoError(t, err)

		out, err := r.Reconcile(ctx, mustEvent(t, `{"account_id":"ext_wa","chat_id":"chat_1",
			"provider_chat_id":"15557654321@s.whatsapp.net","message_id":"echo_2","text":"mine",
			"sender":{"attendee_provider_id":"15550001111@s.whatsapp.net"}}`))
		require.NoError(t, err)
		assert.Equal(t, ActionEchoDropped, out.Action)
	})
}

func TestReconcile_TitleBackfill(t *testing.T) {
	ctx := context.Background()
	r, store := newReconciler(t, nil)

	out, err := r.Reconcile(ctx, mustEvent(t, `{"account_id":"ext","chat_id":"chat_9","message_id":"a","text":"1","timestamp":"2026-04-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.UnknownContactTitle, out.Conversation.Title)

	out, err = r.Reconcile(ctx, mustEvent(t, `{"account_id":"ext","chat_id":"chat_9","message_id":"b","text":"2",
		"sender":{"attendee_name":"Alice"},"timestamp":"2026-04-01T10:05:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "Alice", out.Conversation.Title)

	out, err = r.Reconcile(ctx, mustEvent(t, `{"account_id":"ext","chat_id":"chat_9","message_id":"c","text":"3","timestamp":"2026-04-01T09:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "Alice", out.Conversation.Title)
	assert.True(t, out.Conversation.LastActivityAt.Equal(time.Date(2026, 4, 1, 10, 5, 0, 0, time.UTC)))

	convs, err := store.ListConversations(ctx, out.Account.ID)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestReconcile_ConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()
	r, store := newReconciler(t, nil)
	ev := mustEvent(t, inbound)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Reconcile(ctx, ev)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ids, err := store.ListAccountIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	convs, err := store.ListConversations(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := store.ListMessages(ctx, convs[0].ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestReconcile_MissingIdentifiers(t *testing.T) {
	r, _ := newReconciler(t, nil)
	_, err := r.Reconcile(context.Background(), &domain.InboundEvent{ConversationProviderID: "c"})
	assert.ErrorIs(t, err, ErrMissingAccount)
	_, err = r.Reconcile(context.Background(), &domain.InboundEvent{AccountID: "a"})
	assert.ErrorIs(t, err, ErrMissingConversation)
}

func TestConnectAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("认领占位账号", func(t *testing.T) {
		r, _ := newReconciler(t, nil)
		out, err := r.Reconcile(ctx, mustEvent(t, inbound))
		require.NoError(t, err)
		require.True(t, r.IsPlaceholderOwner(out.Account.UserID))

		acc, err := r.ConnectAccount(ctx, "alice", domain.ProviderWhatsApp, "ext_wa",
			domain.AccountMetadata{SelfIdentifiers: []string{"15550001111"}, DisplayName: "Alice WA"})
		require.NoError(t, err)
		assert.Equal(t, out.Account.ID, acc.ID)
		assert.Equal(t, "alice", acc.UserID)
		assert.Equal(t, domain.ConnectionConnected, acc.Status)
		assert.False(t, acc.NeedsReconciliation)
		assert.True(t, acc.HasSelfIdentifier("15550001111@s.whatsapp.net"))
	})

	t.Run("先连接者获胜", func(t *testing.T) {
		r, _ := newReconciler(t, nil)
		_, err := r.ConnectAccount(ctx, "alice", domain.ProviderInstagram, "ig_1", domain.AccountMetadata{})
		require.NoError(t, err)

		_, err = r.ConnectAccount(ctx, "bob", domain.ProviderInstagram, "ig_1", domain.AccountMetadata{})
		assert.ErrorIs(t, err, ErrAccountClaimed)

		again, err := r.ConnectAccount(ctx, "alice", domain.ProviderInstagram, "ig_1", domain.AccountMetadata{DisplayName: "A"})
		require.NoError(t, err)
		assert.Equal(t, "A", again.Metadata.DisplayName)
	})
}

func TestStoreOutboundAndEcho(t *testing.T) {
	ctx := context.Background()
	r, store := newReconciler(t, nil)

	out, err := r.Reconcile(ctx, mustEvent(t, inbound))
	require.NoError(t, err)

	sentAt := time.Date(2026, 4, 1, 11, 0, 0, 0, time.UTC)
	_, err = r.StoreOutbound(ctx, out.Conversation, "vendor_msg_1", "reply", nil, sentAt)
	require.NoError(t, err)

	// 厂商随后回推同一条消息
	echo, err := r.Reconcile(ctx, mustEvent(t, `{"account_id":"ext_wa","chat_id":"chat_1",
		"provider_chat_id":"15557654321@s.whatsapp.net","message_id":"vendor_msg_1","text":"reply","is_sender":true}`))
	require.NoError(t, err)
	assert.Equal(t, ActionEchoDropped, echo.Action)

	msgs, err := store.ListMessages(ctx, out.Conversation.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.DirectionOut, msgs[1].Direction)

	conv, err := store.GetConversation(ctx, out.Conversation.ID)
	require.NoError(t, err)
	assert.True(t, conv.LastActivityAt.Equal(sentAt))
}

func TestCollapseDuplicates(t *testing.T) {
	ctx := context.Background()
	r, store := newReconciler(t, nil)

	out, err := r.Reconcile(ctx, mustEvent(t, inbound))
	require.NoError(t, err)
	accountID := out.Account.ID

	// 历史数据：以厂商会话 ID 为键、同一对端的旧会话
	legacy, err := store.UpsertConversation(ctx, &domain.Conversation{
		ID:                     "legacy-conv",
		AccountID:              accountID,
		ProviderConversationID: "chat_old",
		Title:                  "Bob",
		LastActivityAt:         time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Metadata:               domain.ConversationMetadata{VendorChatID: "chat_old", PeerProviderID: "15557654321@c.us"},
	})
	require.NoError(t, err)
	_, err = store.UpsertMessage(ctx, &domain.Message{
		ID: "old-msg", ConversationID: legacy.ID, ProviderMessageID: "old_1", Direction: domain.DirectionIn, Body: "old",
		SentAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	_, err = r.Reconcile(ctx, mustEvent(t, `{"account_id":"ext_wa","chat_id":"chat_x","provider_chat_id":"other@s.whatsapp.net","message_id":"z","text":"z"}`))
	require.NoError(t, err)

	removed, err := r.CollapseAllDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = r.CollapseAllDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	convs, err := store.ListConversations(ctx, accountID)
	require.NoError(t, err)
	assert.Len(t, convs, 2)

	msgs, err := store.ListMessages(ctx, out.Conversation.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestDedupKey(t *testing.T) {
	testCases := []struct {
		name string
		ev   domain.InboundEvent
		want string
	}{
		{name: "WhatsApp 会话 ID", ev: domain.InboundEvent{ConversationProviderID: "+1 (555) 765-4321@c.us"}, want: "15557654321@s.whatsapp.net"},
		{name: "WhatsApp 对端 ID", ev: domain.InboundEvent{ConversationProviderID: "opaque", PeerProviderID: "15557654321@s.whatsapp.net"}, want: "15557654321@s.whatsapp.net"},
		{name: "其他渠道使用对端 ID", ev: domain.InboundEvent{ConversationProviderID: "opaque", PeerProviderID: "ig_42"}, want: "ig_42"},
		{name: "回退到厂商会话 ID", ev: domain.InboundEvent{ConversationProviderID: "opaque"}, want: "opaque"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DedupKey(&tc.ev))
		})
	}
}
