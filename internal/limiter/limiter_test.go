package limiter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"unibox/backend/internal/cache"
	"unibox/backend/internal/config"
	"unibox/backend/internal/counter"
	"unibox/backend/internal/domain"
	"unibox/backend/internal/storage"
)

// MockPolicies 模拟工作区策略仓储
type MockPolicies struct {
	mock.Mock
}

func (m *MockPolicies) GetPolicy(ctx context.Context, userID string) (*domain.WorkspacePolicy, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.WorkspacePolicy), args.Error(1)
}

func (m *MockPolicies) SavePolicy(ctx context.Context, policy *domain.WorkspacePolicy) error {
	return m.Called(ctx, policy).Error(0)
}

// MockEvents 模拟审计仓储
type MockEvents struct {
	mock.Mock
}

func (m *MockEvents) RecordLimiterEvent(ctx context.Context, event *domain.LimiterEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockEvents) ListLimiterEvents(ctx context.Context, userID string, since time.Time, limit int) ([]domain.LimiterEvent, error) {
	args := m.Called(ctx, userID, since, limit)
	return args.Get(0).([]domain.LimiterEvent), args.Error(1)
}

type brokenStore struct{}

func (brokenStore) IncrementWithTTL(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errors.New("dial tcp: connection refused")
}
func (brokenStore) Get(context.Context, string) (int64, error) {
	return 0, errors.New("dial tcp: connection refused")
}
func (brokenStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}
func (brokenStore) GetString(context.Context, string) (string, bool, error) {
	return "", false, errors.New("dial tcp: connection refused")
}
func (brokenStore) SetString(context.Context, string, string, time.Duration) error {
	return errors.New("dial tcp: connection refused")
}

func testConfig() config.LimiterConfig {
	return config.LimiterConfig{
		MaxRecipientsPerMessage: 3,
		MaxPerHour:              100,
		MaxPerDay:               1000,
		TrialDailyCap:           50,
		RecipientCooldownSec:    120,
		DomainCooldownSec:       0,
		MaxAttachmentBytes:      1 << 20,
		CooldownRetention:       7 * 24 * time.Hour,
		AuditPageSize:           25,
	}
}

type fixture struct {
	limiter  *Limiter
	store    *counter.MemoryStore
	policies *MockPolicies
	events   *MockEvents
	now      time.Time
}

func newFixture(t *testing.T, override *domain.WorkspacePolicy) *fixture {
	t.Helper()
	f := &fixture{
		policies: &MockPolicies{},
		events:   &MockEvents{},
		now:      time.Date(2026, 5, 1, 9, 10, 0, 0, time.UTC),
	}
	f.store = counter.NewMemoryStoreWithClock(func() time.Time { return f.now })
	if override == nil {
		f.policies.On("GetPolicy", mock.Anything, "user-1").Return(nil, storage.ErrNotFound)
	} else {
		f.policies.On("GetPolicy", mock.Anything, "user-1").Return(override, nil)
	}
	f.events.On("RecordLimiterEvent", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.limiter = New(testConfig(), f.store, f.policies, f.events, nil)
	return f
}

func (f *fixture) attempt(recipients ...string) Attempt {
	return Attempt{
		UserID:     "user-1",
		MailboxID:  "mbx-1",
		Provider:   domain.ProviderGmail,
		Recipients: recipients,
		Now:        f.now,
	}
}

func TestEnforce_HourlyCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &domain.WorkspacePolicy{UserID: "user-1", MaxPerHour: intPtr(2)})

	require.NoError(t, f.limiter.Enforce(ctx, f.attempt("a@x.com")))
	require.NoError(t, f.limiter.Enforce(ctx, f.attempt("b@y.com")))

	err := f.limiter.Enforce(ctx, f.attempt("c@z.com"))
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, CodeHourlyCap, v.Code)
	assert.Contains(t, v.Message, "2")
	assert.Equal(t, int64(2), v.Limit)

	f.events.AssertCalled(t, "RecordLimiterEvent", mock.Anything, mock.MatchedBy(func(e *domain.LimiterEvent) bool {
		return e.Code == string(CodeHourlyCap) && e.MailboxID == "mbx-1" && e.UserID == "user-1"
	}))

	// 下一个小时窗口重新计数
	f.now = f.now.Add(time.Hour)
	assert.NoError(t, f.limiter.Enforce(ctx, f.attempt("d@w.com")))
}

func TestEnforce_RecipientCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	start := f.now

	require.NoError(t, f.limiter.Enforce(ctx, f.attempt("a@x.com")))
	require.NoError(t, f.limiter.CommitSuccess(ctx, "mbx-1", []string{"a@x.com"}, nil, start))

	f.now = start.Add(60 * time.Second)
	err := f.limiter.Enforce(ctx, f.attempt("A@x.com "))
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, CodeRecipientCooldown, v.Code)
	require.NotNil(t, v.RemainingSeconds)
	assert.Equal(t, 60, *v.RemainingSeconds)

	f.now = start.Add(121 * time.Second)
	assert.NoError(t, f.limiter.Enforce(ctx, f.attempt("a@x.com")))
}

func TestEnforce_ReplySkipsRecipientCooldownOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &domain.WorkspacePolicy{UserID: "user-1", DomainCooldownSec: intPtr(30)})

	require.NoError(t, f.limiter.CommitSuccess(ctx, "mbx-1", []string{"a@x.com"}, nil, f.now))

	reply := f.attempt("a@x.com")
	reply.IsReply = true
	reply.Now = f.now.Add(40 * time.Second)
	assert.NoError(t, f.limiter.Enforce(ctx, reply))

	reply.Now = f.now.Add(10 * time.Second)
	v, ok := AsViolation(f.limiter.Enforce(ctx, reply))
	require.True(t, ok)
	assert.Equal(t, CodeDomainCooldown, v.Code)
	assert.Equal(t, 20, *v.RemainingSeconds)
}

func TestEnforce_RecipientCapDoesNotTouchCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	err := f.limiter.Enforce(ctx, f.attempt("a@x.com", "b@x.com", "c@x.com", "d@x.com"))
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, CodeRecipientCap, v.Code)

	used, err := f.store.Get(ctx, HourKey("mbx-1", f.now))
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
}

func TestEnforce_RecipientCapCountsEntries(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		recipients []string
		wantCap    bool
	}{
		{"重复地址计入上限", []string{"a@x.com", "a@x.com", "A@x.com", "a@x.com "}, true},
		{"空白条目不计入", []string{"a@x.com", " ", "", "b@x.com", "c@x.com"}, false},
		{"恰好等于上限", []string{"a@x.com", "a@x.com", "a@x.com"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			err := f.limiter.Enforce(ctx, f.attempt(tt.recipients...))
			if !tt.wantCap {
				assert.NoError(t, err)
				return
			}
			v, ok := AsViolation(err)
			require.True(t, ok)
			assert.Equal(t, CodeRecipientCap, v.Code)
		})
	}
}

func TestEnforce_OrderAndEdgeCases(t *testing.T) {
	ctx := context.Background()

	t.Run("收件人为空", func(t *testing.T) {
		f := newFixture(t, nil)
		v, ok := AsViolation(f.limiter.Enforce(ctx, f.attempt(" ", "")))
		require.True(t, ok)
		assert.Equal(t, CodeNoRecipients, v.Code)
	})

	t.Run("附件过大先于窗口计数", func(t *testing.T) {
		f := newFixture(t, &domain.WorkspacePolicy{UserID: "user-1", MaxAttachmentBytes: int64Ptr(10)})
		a := f.attempt("a@x.com")
		a.AttachmentBytes = 11
		v, ok := AsViolation(f.limiter.Enforce(ctx, a))
		require.True(t, ok)
		assert.Equal(t, CodeAttachmentTooLarge, v.Code)
	})

	t.Run("试用模式每日上限", func(t *testing.T) {
		f := newFixture(t, &domain.WorkspacePolicy{
			UserID:    "user-1",
			MaxPerDay: intPtr(1000),
			TrialMode: boolPtr(true),
		})
		for i := 0; i < 50; i++ {
			a := f.attempt(fmt.Sprintf("r%d@t.com", i))
			a.Now = f.now.Add(time.Duration(i%10) * time.Minute)
			require.NoError(t, f.limiter.Enforce(ctx, a))
		}
		v, ok := AsViolation(f.limiter.Enforce(ctx, f.attempt("last@t.com")))
		require.True(t, ok)
		assert.Equal(t, CodeDailyCap, v.Code)
		assert.Equal(t, int64(50), v.Limit)
	})

	t.Run("审计写入失败不影响违规结果", func(t *testing.T) {
		f := newFixture(t, nil)
		f.events.ExpectedCalls = nil
		f.events.On("RecordLimiterEvent", mock.Anything, mock.Anything).Return(errors.New("db down"))

		v, ok := AsViolation(f.limiter.Enforce(ctx, f.attempt()))
		require.True(t, ok)
		assert.Equal(t, CodeNoRecipients, v.Code)
	})

	t.Run("策略读取失败使用默认值", func(t *testing.T) {
		f := newFixture(t, nil)
		f.policies.ExpectedCalls = nil
		f.policies.On("GetPolicy", mock.Anything, "user-1").Return(nil, errors.New("timeout"))

		p := f.limiter.Policy(ctx, "user-1")
		assert.Equal(t, 3, p.MaxRecipientsPerMessage)
		assert.NoError(t, f.limiter.Enforce(ctx, f.attempt("a@x.com")))
	})
}

func TestEnforce_FailsClosedWhenCountersUnavailable(t *testing.T) {
	ctx := context.Background()
	policies := &MockPolicies{}
	policies.On("GetPolicy", mock.Anything, "user-1").Return(nil, storage.ErrNotFound)
	events := &MockEvents{}

	store := counter.NewFallback(brokenStore{}, brokenStore{}, nil, nil)
	l := New(testConfig(), store, policies, events, nil)

	err := l.Enforce(ctx, Attempt{UserID: "user-1", MailboxID: "mbx-1", Recipients: []string{"a@x.com"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, counter.ErrUnavailable)
	_, isViolation := AsViolation(err)
	assert.False(t, isViolation)
	events.AssertNotCalled(t, "RecordLimiterEvent", mock.Anything, mock.Anything)
}

func TestRecentEvents(t *testing.T) {
	f := newFixture(t, nil)
	since := f.now.Add(-24 * time.Hour)
	want := []domain.LimiterEvent{{ID: "e2"}, {ID: "e1"}}
	f.events.On("ListLimiterEvents", mock.Anything, "user-1", since, 25).Return(want, nil)

	got, err := f.limiter.RecentEvents(context.Background(), "user-1", since)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestKeysAndHelpers(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 10, 0, 0, time.UTC)
	assert.Equal(t, "limiter:hour:m1:2026050109", HourKey("m1", now))
	assert.Equal(t, "limiter:day:m1:20260501", DayKey("m1", now))
	assert.Equal(t, 50*time.Minute, untilHourEnd(now))
	assert.Equal(t, 14*time.Hour+50*time.Minute, untilDayEnd(now))

	assert.Equal(t, []string{"a@x.com", "b@y.com"}, NormalizeRecipients([]string{" A@x.com", "a@x.com", "", "b@Y.com"}))
	assert.Equal(t, []string{"x.com", "y.com"}, DomainsOf([]string{"a@x.com", "b@x.com", "c@y.com", "15551234567@s.whatsapp.net", "+1 555 1234"}))
}

func TestPolicy_Cache(t *testing.T) {
	ctx := context.Background()
	policies := &MockPolicies{}
	policies.On("GetPolicy", mock.Anything, "user-1").
		Return(&domain.WorkspacePolicy{UserID: "user-1", MaxPerHour: intPtr(7)}, nil).Once()
	policies.On("GetPolicy", mock.Anything, "user-1").
		Return(&domain.WorkspacePolicy{UserID: "user-1", MaxPerHour: intPtr(9)}, nil).Once()
	policies.On("GetPolicy", mock.Anything, "user-2").Return(nil, errors.New("timeout")).Twice()

	l := New(testConfig(), counter.NewMemoryStore(), policies, &MockEvents{}, nil)
	l.SetPolicyCache(cache.NewLocalCache[*domain.WorkspacePolicy](10, time.Minute, 0))

	assert.Equal(t, 7, l.Policy(ctx, "user-1").MaxPerHour)
	assert.Equal(t, 7, l.Policy(ctx, "user-1").MaxPerHour, "命中缓存不再读库")

	l.InvalidatePolicy("user-1")
	assert.Equal(t, 9, l.Policy(ctx, "user-1").MaxPerHour)

	t.Run("读取失败不缓存", func(t *testing.T) {
		assert.Equal(t, 100, l.Policy(ctx, "user-2").MaxPerHour)
		assert.Equal(t, 100, l.Policy(ctx, "user-2").MaxPerHour)
	})

	policies.AssertExpectations(t)
}
