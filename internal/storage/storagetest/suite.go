// Package storagetest 提供所有 storage.Store 实现共用的行为测试。
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unibox/backend/internal/domain"
	"unibox/backend/internal/storage"
)

// Factory 为每个子测试创建一个全新的空存储
type Factory func(t *testing.T) storage.Store

// Run 执行完整的仓储行为测试
func Run(t *testing.T, newStore Factory) {
	t.Run("账号先到先得", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("会话标题回填与活跃时间", func(t *testing.T) { testConversationUpsert(t, newStore(t)) })
	t.Run("并发写入同一会话只产生一行", func(t *testing.T) { testConcurrentConversation(t, newStore(t)) })
	t.Run("消息幂等写入", func(t *testing.T) { testMessageUpsert(t, newStore(t)) })
	t.Run("合并重复会话", func(t *testing.T) { testMerge(t, newStore(t)) })
	t.Run("工作区策略与审计", func(t *testing.T) { testPolicyAndEvents(t, newStore(t)) })
	t.Run("反馈统计与信誉记录", func(t *testing.T) { testFeedbackAndReputation(t, newStore(t)) })
}

// NewAccount 构造测试账号
func NewAccount(userID string, provider domain.Provider, externalID string) *domain.Account {
	return &domain.Account{
		ID:                uuid.NewString(),
		UserID:            userID,
		Provider:          provider,
		ExternalAccountID: externalID,
		Status:            domain.ConnectionConnected,
		Metadata:          domain.AccountMetadata{SelfIdentifiers: []string{"15550001111"}},
	}
}

func testAccounts(t *testing.T, s storage.Store) {
	ctx := context.Background()

	first, created, err := s.CreateAccountIfAbsent(ctx, NewAccount("alice", domain.ProviderWhatsApp, "ext-1"))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.CreateAccountIfAbsent(ctx, NewAccount("bob", domain.ProviderWhatsApp, "ext-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "alice", second.UserID)
	assert.Equal(t, []string{"15550001111"}, second.Metadata.SelfIdentifiers)

	_, created, err = s.CreateAccountIfAbsent(ctx, NewAccount("bob", domain.ProviderInstagram, "ext-1"))
	require.NoError(t, err)
	assert.True(t, created)

	all, err := s.FindAccountsByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.FindAccount(ctx, domain.ProviderGmail, "ext-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	claimed := *first
	claimed.UserID = "carol"
	claimed.Status = domain.ConnectionConnected
	require.ErrorIs(t, s.TransferAccount(ctx, &claimed, "nobody"), storage.ErrOwnerChanged)
	require.NoError(t, s.TransferAccount(ctx, &claimed, "alice"))

	got, err := s.GetAccount(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.UserID)

	got.Metadata.DisplayName = "Carol"
	require.NoError(t, s.UpdateAccount(ctx, got))
	got, err = s.FindAccount(ctx, domain.ProviderWhatsApp, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "Carol", got.Metadata.DisplayName)

	owned, err := s.ListAccountsByUser(ctx, "carol")
	require.NoError(t, err)
	assert.Len(t, owned, 1)

	ids, err := s.ListAccountIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func newConversation(accountID, key, title string, at time.Time) *domain.Conversation {
	return &domain.Conversation{
		ID:                     uuid.NewString(),
		AccountID:              accountID,
		ProviderConversationID: key,
		Title:                  title,
		LastActivityAt:         at,
		Metadata:               domain.ConversationMetadata{VendorChatID: "chat-" + key},
	}
}

func testConversationUpsert(t *testing.T, s storage.Store) {
	ctx := context.Background()
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	conv, err := s.UpsertConversation(ctx, newConversation("acc-1", "peer-1", domain.UnknownContactTitle, t0))
	require.NoError(t, err)
	assert.Equal(t, domain.UnknownContactTitle, conv.Title)

	// 占位标题被真实名称替换
	update := newConversation("acc-1", "peer-1", "Alice", t0.Add(time.Minute))
	update.Metadata = domain.ConversationMetadata{PeerName: "Alice"}
	conv2, err := s.UpsertConversation(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, conv2.ID)
	assert.Equal(t, "Alice", conv2.Title)
	assert.Equal(t, "chat-peer-1", conv2.Metadata.VendorChatID, "厂商会话 ID 不能丢失")
	assert.Equal(t, "Alice", conv2.Metadata.PeerName)

	// 真实标题不会降级，较早的活跃时间不会覆盖
	conv3, err := s.UpsertConversation(ctx, newConversation("acc-1", "peer-1", domain.UnknownContactTitle, t0))
	require.NoError(t, err)
	assert.Equal(t, "Alice", conv3.Title)
	assert.True(t, conv3.LastActivityAt.Equal(t0.Add(time.Minute)))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Title)

	list, err := s.ListConversations(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testConcurrentConversation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := s.UpsertConversation(ctx, newConversation("acc-1", "15551234567", domain.UnknownContactTitle, t0))
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	list, err := s.ListConversations(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	for _, id := range ids {
		assert.Equal(t, list[0].ID, id)
	}
}

func newMessage(conversationID, providerID, body string, at time.Time) *domain.Message {
	return &domain.Message{
		ID:                uuid.NewString(),
		ConversationID:    conversationID,
		ProviderMessageID: providerID,
		Direction:         domain.DirectionIn,
		Body:              body,
		SentAt:            at,
	}
}

func mustUpsertMessage(ctx context.Context, t *testing.T, s storage.Store, msg *domain.Message) {
	t.Helper()
	_, err := s.UpsertMessage(ctx, msg)
	require.NoError(t, err)
}

func testMessageUpsert(t *testing.T, s storage.Store) {
	ctx := context.Background()
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	conv, err := s.UpsertConversation(ctx, newConversation("acc-1", "peer-1", "Alice", t0))
	require.NoError(t, err)

	first, err := s.UpsertMessage(ctx, newMessage(conv.ID, "m-1", "hello", t0))
	require.NoError(t, err)
	edited := newMessage(conv.ID, "m-1", "hello (edited)", t0)
	edited.Attachments = []domain.Attachment{{ID: "a1", Filename: "a.pdf", Size: 10}}
	replayed, err := s.UpsertMessage(ctx, edited)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replayed.ID, "重放返回首次写入的行")
	assert.NotEqual(t, edited.ID, replayed.ID)
	assert.Equal(t, "hello (edited)", replayed.Body)
	_, err = s.UpsertMessage(ctx, newMessage(conv.ID, "m-2", "bye", t0.Add(time.Second)))
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, conv.ID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello (edited)", msgs[0].Body)
	assert.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, "bye", msgs[1].Body)
}

func testMerge(t *testing.T, s storage.Store) {
	ctx := context.Background()
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	keep, err := s.UpsertConversation(ctx, newConversation("acc-1", "key-a", "Alice", t0.Add(time.Hour)))
	require.NoError(t, err)
	drop, err := s.UpsertConversation(ctx, newConversation("acc-1", "key-b", "Alice", t0))
	require.NoError(t, err)

	mustUpsertMessage(ctx, t, s, newMessage(keep.ID, "shared", "one", t0))
	mustUpsertMessage(ctx, t, s, newMessage(drop.ID, "shared", "one", t0))
	mustUpsertMessage(ctx, t, s, newMessage(drop.ID, "only-drop", "two", t0.Add(time.Second)))

	require.NoError(t, s.MergeConversations(ctx, keep.ID, []string{drop.ID}))
	// 重复执行不报错
	require.NoError(t, s.MergeConversations(ctx, keep.ID, []string{drop.ID}))

	_, err = s.GetConversation(ctx, drop.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	msgs, err := s.ListMessages(ctx, keep.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func testPolicyAndEvents(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetPolicy(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	perHour := 2
	require.NoError(t, s.SavePolicy(ctx, &domain.WorkspacePolicy{UserID: "alice", MaxPerHour: &perHour}))
	p, err := s.GetPolicy(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, p.MaxPerHour)
	assert.Equal(t, 2, *p.MaxPerHour)
	assert.Nil(t, p.MaxPerDay)

	// 整体替换，未设置的字段回到 nil
	trial := true
	require.NoError(t, s.SavePolicy(ctx, &domain.WorkspacePolicy{UserID: "alice", TrialMode: &trial}))
	p, err = s.GetPolicy(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, p.MaxPerHour)
	require.NotNil(t, p.TrialMode)
	assert.True(t, *p.TrialMode)

	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordLimiterEvent(ctx, &domain.LimiterEvent{
			ID:        uuid.NewString(),
			UserID:    "alice",
			MailboxID: "mbx",
			Code:      fmt.Sprintf("CODE_%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.RecordLimiterEvent(ctx, &domain.LimiterEvent{ID: uuid.NewString(), UserID: "bob", CreatedAt: base}))

	events, err := s.ListLimiterEvents(ctx, "alice", base.Add(time.Minute), 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "CODE_4", events[0].Code)
	assert.Equal(t, "CODE_2", events[2].Code)
}

func testFeedbackAndReputation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	for _, kind := range []domain.FeedbackKind{domain.FeedbackHardBounce, domain.FeedbackHardBounce, domain.FeedbackComplaint, domain.FeedbackSoftBounce} {
		require.NoError(t, s.SaveFeedback(ctx, &domain.BounceEvent{
			ID: uuid.NewString(), UserID: "alice", MailboxID: "mbx", Recipient: "x@y.com", Kind: kind, CreatedAt: t0,
		}))
	}
	require.NoError(t, s.SaveFeedback(ctx, &domain.BounceEvent{
		ID: uuid.NewString(), UserID: "alice", MailboxID: "mbx", Recipient: "z@y.com", Kind: domain.FeedbackHardBounce, CreatedAt: t0,
	}))

	counts, err := s.CountFeedback(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.FeedbackCounts{HardBounces: 3, SoftBounces: 1, Complaints: 1}, counts)

	counts, err = s.CountFeedbackForRecipient(ctx, "alice", "x@y.com")
	require.NoError(t, err)
	assert.Equal(t, domain.FeedbackCounts{HardBounces: 2, SoftBounces: 1, Complaints: 1}, counts)

	require.NoError(t, s.SaveReputation(ctx, &domain.ReputationRecord{UserID: "alice", Score: 80, HardBounces: 1, ComputedAt: t0}))
	require.NoError(t, s.SaveReputation(ctx, &domain.ReputationRecord{UserID: "alice", Score: 55, Complaints: 1, ComputedAt: t0}))
	rec, err := s.GetReputation(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 55, rec.Score)
	assert.Equal(t, int64(0), rec.HardBounces)

	acc, _, err := s.CreateAccountIfAbsent(ctx, NewAccount("alice", domain.ProviderGmail, "alice@corp.com"))
	require.NoError(t, err)
	conv, err := s.UpsertConversation(ctx, newConversation(acc.ID, "x@y.com", "X", t0))
	require.NoError(t, err)
	out := newMessage(conv.ID, "o-1", "hi", t0)
	out.Direction = domain.DirectionOut
	mustUpsertMessage(ctx, t, s, out)
	mustUpsertMessage(ctx, t, s, newMessage(conv.ID, "i-1", "hey", t0))

	sent, err := s.CountOutbound(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sent)
}
