package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"unibox/backend/internal/domain"
	"unibox/backend/internal/storage"
)

// Store 使用内存保存账号、会话、消息与限流数据，主要用于开发验证和测试。
type Store struct {
	mu sync.RWMutex

	accounts   map[string]*domain.Account
	byExternal map[string]string // provider|externalID -> accountID

	conversations map[string]*domain.Conversation
	byConvKey     map[string]string // accountID|providerConversationID -> conversationID

	messages map[string]*domain.Message
	byMsgKey map[string]string // conversationID|providerMessageID -> messageID

	policies    map[string]*domain.WorkspacePolicy
	events      []domain.LimiterEvent
	feedback    []domain.BounceEvent
	reputations map[string]*domain.ReputationRecord

	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		accounts:      make(map[string]*domain.Account),
		byExternal:    make(map[string]string),
		conversations: make(map[string]*domain.Conversation),
		byConvKey:     make(map[string]string),
		messages:      make(map[string]*domain.Message),
		byMsgKey:      make(map[string]string),
		policies:      make(map[string]*domain.WorkspacePolicy),
		reputations:   make(map[string]*domain.ReputationRecord),
		now:           time.Now,
	}
}

func externalKey(provider domain.Provider, externalID string) string {
	return string(provider) + "|" + externalID
}

func pairKey(a, b string) string {
	return a + "|" + b
}

// ---- accounts ----

func (s *Store) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneAccount(acc), nil
}

func (s *Store) FindAccount(_ context.Context, provider domain.Provider, externalID string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[externalKey(provider, externalID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneAccount(s.accounts[id]), nil
}

func (s *Store) FindAccountsByExternalID(_ context.Context, externalID string) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Account
	for _, acc := range s.accounts {
		if acc.ExternalAccountID == externalID {
			out = append(out, *cloneAccount(acc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateAccountIfAbsent(_ context.Context, account *domain.Account) (*domain.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := externalKey(account.Provider, account.ExternalAccountID)
	if id, ok := s.byExternal[key]; ok {
		return cloneAccount(s.accounts[id]), false, nil
	}
	now := s.now().UTC()
	stored := cloneAccount(account)
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.accounts[stored.ID] = stored
	s.byExternal[key] = stored.ID
	return cloneAccount(stored), true, nil
}

func (s *Store) UpdateAccount(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.accounts[account.ID]
	if !ok {
		return storage.ErrNotFound
	}
	updated := cloneAccount(account)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.now().UTC()
	s.accounts[account.ID] = updated
	return nil
}

func (s *Store) TransferAccount(_ context.Context, account *domain.Account, fromUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.accounts[account.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.UserID != fromUserID {
		return storage.ErrOwnerChanged
	}
	updated := cloneAccount(account)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.now().UTC()
	s.accounts[account.ID] = updated
	return nil
}

func (s *Store) ListAccountsByUser(_ context.Context, userID string) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Account
	for _, acc := range s.accounts {
		if acc.UserID == userID {
			out = append(out, *cloneAccount(acc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListAccountIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ---- conversations ----

func (s *Store) UpsertConversation(_ context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	key := pairKey(conv.AccountID, conv.ProviderConversationID)

	if id, ok := s.byConvKey[key]; ok {
		existing := s.conversations[id]
		existing.Title = domain.BackfillTitle(existing.Title, conv.Title)
		if conv.LastActivityAt.After(existing.LastActivityAt) {
			existing.LastActivityAt = conv.LastActivityAt
		}
		existing.Metadata = existing.Metadata.Merge(conv.Metadata)
		existing.UpdatedAt = now
		c := *existing
		return &c, nil
	}

	stored := *conv
	if stored.Title == "" {
		stored.Title = domain.UnknownContactTitle
	}
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.conversations[stored.ID] = &stored
	s.byConvKey[key] = stored.ID
	c := stored
	return &c, nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *conv
	return &c, nil
}

func (s *Store) ListConversations(_ context.Context, accountID string) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Conversation
	for _, conv := range s.conversations {
		if conv.AccountID == accountID {
			out = append(out, *conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (s *Store) MergeConversations(_ context.Context, keepID string, dropIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[keepID]; !ok {
		return storage.ErrNotFound
	}
	drop := make(map[string]struct{}, len(dropIDs))
	for _, id := range dropIDs {
		if id != keepID {
			drop[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(s.messages))
	for id, msg := range s.messages {
		if _, ok := drop[msg.ConversationID]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		msg := s.messages[id]
		delete(s.byMsgKey, pairKey(msg.ConversationID, msg.ProviderMessageID))
		target := pairKey(keepID, msg.ProviderMessageID)
		if _, dup := s.byMsgKey[target]; dup {
			delete(s.messages, id)
			continue
		}
		msg.ConversationID = keepID
		s.byMsgKey[target] = id
	}

	for id := range drop {
		conv, ok := s.conversations[id]
		if !ok {
			continue
		}
		delete(s.byConvKey, pairKey(conv.AccountID, conv.ProviderConversationID))
		delete(s.conversations, id)
	}
	return nil
}

// ---- messages ----

func (s *Store) UpsertMessage(_ context.Context, msg *domain.Message) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	key := pairKey(msg.ConversationID, msg.ProviderMessageID)
	if id, ok := s.byMsgKey[key]; ok {
		existing := s.messages[id]
		existing.Direction = msg.Direction
		existing.Body = msg.Body
		existing.FromName = msg.FromName
		existing.FromAddress = msg.FromAddress
		existing.Attachments = append([]domain.Attachment(nil), msg.Attachments...)
		existing.SentAt = msg.SentAt
		existing.UpdatedAt = now
		return cloneMessage(existing), nil
	}
	stored := *msg
	stored.Attachments = append([]domain.Attachment(nil), msg.Attachments...)
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.messages[stored.ID] = &stored
	s.byMsgKey[key] = stored.ID
	return cloneMessage(&stored), nil
}

func cloneMessage(m *domain.Message) *domain.Message {
	out := *m
	out.Attachments = append([]domain.Attachment(nil), m.Attachments...)
	return &out
}

func (s *Store) ListMessages(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Message
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) CountOutbound(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, msg := range s.messages {
		if msg.Direction != domain.DirectionOut {
			continue
		}
		conv, ok := s.conversations[msg.ConversationID]
		if !ok {
			continue
		}
		if acc, ok := s.accounts[conv.AccountID]; ok && acc.UserID == userID {
			n++
		}
	}
	return n, nil
}

// ---- policies & limiter events ----

func (s *Store) GetPolicy(_ context.Context, userID string) (*domain.WorkspacePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (s *Store) SavePolicy(_ context.Context, policy *domain.WorkspacePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *policy
	c.UpdatedAt = s.now().UTC()
	s.policies[policy.UserID] = &c
	return nil
}

func (s *Store) RecordLimiterEvent(_ context.Context, event *domain.LimiterEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

func (s *Store) ListLimiterEvents(_ context.Context, userID string, since time.Time, limit int) ([]domain.LimiterEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.LimiterEvent
	for _, e := range s.events {
		if e.UserID == userID && !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- feedback & reputation ----

func (s *Store) SaveFeedback(_ context.Context, event *domain.BounceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, *event)
	return nil
}

func (s *Store) CountFeedback(_ context.Context, userID string) (domain.FeedbackCounts, error) {
	return s.countFeedback(func(e domain.BounceEvent) bool { return e.UserID == userID }), nil
}

func (s *Store) CountFeedbackForRecipient(_ context.Context, userID, recipient string) (domain.FeedbackCounts, error) {
	return s.countFeedback(func(e domain.BounceEvent) bool {
		return e.UserID == userID && e.Recipient == recipient
	}), nil
}

func (s *Store) countFeedback(match func(domain.BounceEvent) bool) domain.FeedbackCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var counts domain.FeedbackCounts
	for _, e := range s.feedback {
		if !match(e) {
			continue
		}
		switch e.Kind {
		case domain.FeedbackHardBounce:
			counts.HardBounces++
		case domain.FeedbackSoftBounce:
			counts.SoftBounces++
		case domain.FeedbackComplaint:
			counts.Complaints++
		}
	}
	return counts
}

func (s *Store) SaveReputation(_ context.Context, record *domain.ReputationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *record
	s.reputations[record.UserID] = &c
	return nil
}

func (s *Store) GetReputation(_ context.Context, userID string) (*domain.ReputationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reputations[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *r
	return &c, nil
}

// Ping 内存存储始终可用
func (s *Store) Ping(context.Context) error { return nil }

// Close 内存存储无需释放资源
func (s *Store) Close() error { return nil }

func cloneAccount(acc *domain.Account) *domain.Account {
	c := *acc
	c.Metadata.SelfIdentifiers = append([]string(nil), acc.Metadata.SelfIdentifiers...)
	if acc.Metadata.Extra != nil {
		c.Metadata.Extra = make(map[string]string, len(acc.Metadata.Extra))
		for k, v := range acc.Metadata.Extra {
			c.Metadata.Extra[k] = v
		}
	}
	return &c
}
