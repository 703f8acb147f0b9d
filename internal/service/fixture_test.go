package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"unibox/backend/internal/config"
	"unibox/backend/internal/counter"
	"unibox/backend/internal/domain"
	"unibox/backend/internal/limiter"
	"unibox/backend/internal/reconcile"
	"unibox/backend/internal/reputation"
	"unibox/backend/internal/storage/memory"
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

type countingObserver struct {
	sends    map[string]int
	webhooks map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{sends: map[string]int{}, webhooks: map[string]int{}}
}

func (o *countingObserver) SendResult(result string)     { o.sends[result]++ }
func (o *countingObserver) WebhookEvent(_, action string) { o.webhooks[action]++ }

const inboundPayload = `{"account_id":"ext_wa","account_type":"WHATSAPP","chat_id":"chat_1",
	"provider_chat_id":"15557654321@s.whatsapp.net","message_id":"in_1","text":"hello",
	"sender":{"attendee_name":"Bob","attendee_provider_id":"15557654321@s.whatsapp.net"},
	"timestamp":"2026-05-01T09:00:00Z"}`

const peerID = "15557654321@s.whatsapp.net"

type fixture struct {
	store      *memory.Store
	counters   *counter.MemoryStore
	vendor     *MockVendor
	limiter    *limiter.Limiter
	reputation *reputation.Aggregator
	reconciler *reconcile.Reconciler
	send       *SendService
	ingest     *IngestService
	workspace  *WorkspaceService
	observer   *countingObserver
	now        time.Time
}

func limiterConfig() config.LimiterConfig {
	return config.LimiterConfig{
		MaxRecipientsPerMessage: 5,
		MaxPerHour:              50,
		MaxPerDay:               500,
		TrialDailyCap:           50,
		RecipientCooldownSec:    120,
		DomainCooldownSec:       10,
		MaxAttachmentBytes:      1 << 20,
		CooldownRetention:       7 * 24 * time.Hour,
		AuditPageSize:           100,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewStore(),
		vendor:   &MockVendor{},
		observer: newCountingObserver(),
		now:      time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.counters = counter.NewMemoryStoreWithClock(clock)
	f.limiter = limiter.New(limiterConfig(), f.counters, f.store, f.store, nil)
	f.reputation = reputation.New(f.store, nil)
	f.reconciler = reconcile.New(f.store, f.vendor, reconcile.Config{PlaceholderUserPrefix: "unclaimed:"}, nil)

	f.send = NewSendService(f.store, f.limiter, f.reputation, f.vendor, f.reconciler, nil)
	f.send.now = clock
	f.send.SetObserver(f.observer)

	f.ingest = NewIngestService(f.reconciler, f.reputation, nil, nil)
	f.ingest.SetObserver(f.observer)

	f.workspace = NewWorkspaceService(f.store, f.limiter, f.reputation, f.reconciler, nil)
	f.workspace.now = clock
	return f
}

// connectedConversation 用户 alice 连接账号并收到一条入站消息
func (f *fixture) connectedConversation(t *testing.T) *domain.Conversation {
	t.Helper()
	ctx := context.Background()
	_, err := f.reconciler.ConnectAccount(ctx, "alice", domain.ProviderWhatsApp, "ext_wa", domain.AccountMetadata{})
	require.NoError(t, err)

	ack := f.ingest.HandleWebhook(ctx, []byte(inboundPayload))
	require.Equal(t, AckStored, ack.Status)
	conv, err := f.store.GetConversation(ctx, ack.ConversationID)
	require.NoError(t, err)
	return conv
}
