package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unibox/backend/internal/domain"
)

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }

var testDefaults = Defaults{
	MaxRecipientsPerMessage: 5,
	MaxPerHour:              10,
	MaxPerDay:               100,
	TrialDailyCap:           20,
	RecipientCooldownSec:    120,
	DomainCooldownSec:       0,
	MaxAttachmentBytes:      1024,
}

func TestResolve(t *testing.T) {
	t.Run("无覆盖使用全局默认值", func(t *testing.T) {
		p := Resolve(testDefaults, nil)
		assert.Equal(t, 10, p.MaxPerHour)
		assert.Equal(t, 100, p.EffectiveDailyCap())
		assert.False(t, p.Trial)
	})

	t.Run("空字段回退到默认值", func(t *testing.T) {
		p := Resolve(testDefaults, &domain.WorkspacePolicy{
			UserID:             "u1",
			MaxPerHour:         intPtr(2),
			MaxAttachmentBytes: int64Ptr(4096),
		})
		assert.Equal(t, 2, p.MaxPerHour)
		assert.Equal(t, int64(4096), p.MaxAttachmentBytes)
		assert.Equal(t, 5, p.MaxRecipientsPerMessage)
		assert.Equal(t, 120, p.RecipientCooldownSec)
	})

	t.Run("不修改默认值", func(t *testing.T) {
		before := testDefaults
		_ = Resolve(testDefaults, &domain.WorkspacePolicy{MaxPerDay: intPtr(1)})
		assert.Equal(t, before, testDefaults)
	})
}

func TestEffectiveDailyCap_TrialNeverGrows(t *testing.T) {
	overrides := []*domain.WorkspacePolicy{
		nil,
		{MaxPerDay: intPtr(5)},
		{MaxPerDay: intPtr(10000)},
		{MaxPerDay: intPtr(20)},
		{MaxPerDay: intPtr(0)},
	}
	for _, o := range overrides {
		trial := &domain.WorkspacePolicy{TrialMode: boolPtr(true)}
		normal := &domain.WorkspacePolicy{TrialMode: boolPtr(false)}
		if o != nil {
			trial.MaxPerDay = o.MaxPerDay
			normal.MaxPerDay = o.MaxPerDay
		}
		trialCap := Resolve(testDefaults, trial).EffectiveDailyCap()
		normalCap := Resolve(testDefaults, normal).EffectiveDailyCap()
		assert.LessOrEqual(t, trialCap, normalCap)
		assert.LessOrEqual(t, trialCap, testDefaults.TrialDailyCap)
	}
}

func TestPureChecks(t *testing.T) {
	t.Run("收件人为空", func(t *testing.T) {
		v := CheckRecipientsPresent(0)
		require.NotNil(t, v)
		assert.Equal(t, CodeNoRecipients, v.Code)
		assert.Nil(t, CheckRecipientsPresent(1))
	})

	t.Run("收件人数量上限", func(t *testing.T) {
		assert.Nil(t, CheckRecipientCap(5, 5))
		v := CheckRecipientCap(6, 5)
		require.NotNil(t, v)
		assert.Equal(t, CodeRecipientCap, v.Code)
		assert.Equal(t, int64(5), v.Limit)
	})

	t.Run("附件大小", func(t *testing.T) {
		assert.Nil(t, CheckAttachmentSize(1024, 1024))
		v := CheckAttachmentSize(1025, 1024)
		require.NotNil(t, v)
		assert.Equal(t, CodeAttachmentTooLarge, v.Code)
	})

	t.Run("窗口上限包含本次发送", func(t *testing.T) {
		assert.Nil(t, CheckWindowCap(2, 2, WindowHourly))
		v := CheckWindowCap(3, 2, WindowHourly)
		require.NotNil(t, v)
		assert.Equal(t, CodeHourlyCap, v.Code)
		assert.Contains(t, v.Message, "2 per hour")

		v = CheckWindowCap(101, 100, WindowDaily)
		require.NotNil(t, v)
		assert.Equal(t, CodeDailyCap, v.Code)
	})
}

func TestCheckCooldown(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("剩余秒数向上取整", func(t *testing.T) {
		v := CheckCooldown(start, start.Add(60*time.Second+500*time.Millisecond), 120, CooldownRecipient, "a@x.com")
		require.NotNil(t, v)
		assert.Equal(t, CodeRecipientCooldown, v.Code)
		require.NotNil(t, v.RemainingSeconds)
		assert.Equal(t, 60, *v.RemainingSeconds)
	})

	t.Run("剩余秒数单调递减并在到期时归零", func(t *testing.T) {
		prev := 121
		for ms := int64(0); ms < 120_000; ms += 700 {
			v := CheckCooldown(start, start.Add(time.Duration(ms)*time.Millisecond), 120, CooldownDomain, "x.com")
			require.NotNil(t, v)
			assert.Equal(t, CodeDomainCooldown, v.Code)
			assert.LessOrEqual(t, *v.RemainingSeconds, prev)
			assert.Greater(t, *v.RemainingSeconds, 0)
			prev = *v.RemainingSeconds
		}
		assert.Nil(t, CheckCooldown(start, start.Add(120*time.Second), 120, CooldownDomain, "x.com"))
		assert.Nil(t, CheckCooldown(start, start.Add(121*time.Second), 120, CooldownDomain, "x.com"))
	})

	t.Run("没有发送记录或冷却为零", func(t *testing.T) {
		assert.Nil(t, CheckCooldown(time.Time{}, start, 120, CooldownRecipient, "a@x.com"))
		assert.Nil(t, CheckCooldown(start, start, 0, CooldownRecipient, "a@x.com"))
	})
}
