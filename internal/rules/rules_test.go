package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
	"github.com/MLidstrom/Castellan-sub009/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	require.NoError(t, err)
	return s
}

func logonEvent(user string) core.LogEvent {
	return core.LogEvent{
		Time:     time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		Host:     "WS01",
		Channel:  ChannelSecurity,
		EventID:  4624,
		User:     user,
		Message:  "An account was successfully logged on",
		UniqueID: "sec-4624-1",
	}
}

func TestNormalizeLogonWithEmptyRuleTable(t *testing.T) {
	// An empty table serves the built-in defaults, so 4624 still
	// classifies.
	n := NewNormalizer(newTestStore(t))

	ev, err := n.Normalize(context.Background(), logonEvent("testuser"))
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, core.EventAuthenticationSuccess, ev.EventType)
	assert.Equal(t, core.RiskMedium, ev.RiskLevel)
	assert.GreaterOrEqual(t, ev.Confidence, 85)
	assert.Contains(t, ev.MITRETechniques, "T1078")
	assert.True(t, ev.IsDeterministic)
	assert.NotEmpty(t, ev.ID)
}

func TestNormalizeAdminAccountUpgradesMediumToHigh(t *testing.T) {
	n := NewNormalizer(newTestStore(t))

	ev, err := n.Normalize(context.Background(), logonEvent("administrator"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, core.RiskHigh, ev.RiskLevel)
}

func TestNormalizeAdminUpgradeOnlyAffectsMedium(t *testing.T) {
	n := NewNormalizer(newTestStore(t))

	// 1102 (log cleared) is critical; the admin adjustment must not touch
	// it.
	ev, err := n.Normalize(context.Background(), core.LogEvent{
		Time:     time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		Host:     "WS01",
		Channel:  ChannelSecurity,
		EventID:  1102,
		User:     "administrator",
		Message:  "The audit log was cleared",
		UniqueID: "sec-1102-1",
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, core.RiskCritical, ev.RiskLevel)
}

func TestNormalizeOutsideBusinessHoursUpgradesLowToMedium(t *testing.T) {
	n := NewNormalizer(newTestStore(t))

	// 4688 (process creation) is low risk by default. Use a local-time
	// value so the business-hours check is deterministic on any machine.
	at := time.Date(2024, 1, 15, 3, 0, 0, 0, time.Local)
	ev, err := n.Normalize(context.Background(), core.LogEvent{
		Time:     at,
		Host:     "WS01",
		Channel:  ChannelSecurity,
		EventID:  4688,
		User:     "testuser",
		Message:  "A new process has been created",
		UniqueID: "sec-4688-1",
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, core.RiskMedium, ev.RiskLevel)

	// The same event inside business hours stays low.
	ev2, err := n.Normalize(context.Background(), core.LogEvent{
		Time:     time.Date(2024, 1, 15, 11, 0, 0, 0, time.Local),
		Host:     "WS01",
		Channel:  ChannelSecurity,
		EventID:  4688,
		User:     "testuser",
		Message:  "A new process has been created",
		UniqueID: "sec-4688-2",
	})
	require.NoError(t, err)
	require.NotNil(t, ev2)
	assert.Equal(t, core.RiskLow, ev2.RiskLevel)
}

func TestNormalizeUnmatchedEventYieldsNothing(t *testing.T) {
	n := NewNormalizer(newTestStore(t))

	ev, err := n.Normalize(context.Background(), core.LogEvent{
		Time:     time.Now(),
		Channel:  ChannelSecurity,
		EventID:  99999,
		UniqueID: "sec-99999-1",
	})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestRuleStoreCreateConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule := core.SecurityEventRule{
		Channel: ChannelSecurity, EventID: 9001, Priority: 100,
		EventType: core.EventSuspiciousActivity,
		BaseRisk:  core.RiskMedium, BaseConfidence: 60, Enabled: true,
	}
	require.NoError(t, s.Create(ctx, rule))
	assert.ErrorIs(t, s.Create(ctx, rule), ErrRuleConflict)
}

func TestRuleStoreMatchOrderAndInvalidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx))

	// Higher priority wins over the seeded 4624 rule.
	override := core.SecurityEventRule{
		Channel: ChannelSecurity, EventID: 4624, Priority: 200,
		EventType: core.EventSuspiciousActivity,
		BaseRisk:  core.RiskHigh, BaseConfidence: 99, Enabled: true,
	}
	require.NoError(t, s.Create(ctx, override))

	rule, err := s.Match(ctx, ChannelSecurity, 4624)
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, core.EventSuspiciousActivity, rule.EventType)

	// Deleting the override invalidates the cache and restores the
	// seeded rule.
	require.NoError(t, s.Delete(ctx, ChannelSecurity, 4624, 200))
	rule, err = s.Match(ctx, ChannelSecurity, 4624)
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, core.EventAuthenticationSuccess, rule.EventType)
}

func TestRuleStoreDisabledRulesDoNotMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule := core.SecurityEventRule{
		Channel: ChannelSecurity, EventID: 9002, Priority: 100,
		EventType: core.EventSuspiciousActivity,
		BaseRisk:  core.RiskMedium, BaseConfidence: 60, Enabled: false,
	}
	require.NoError(t, s.Create(ctx, rule))

	got, err := s.Match(ctx, ChannelSecurity, 9002)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRuleStoreRefreshIsStable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Seed(ctx))

	first, err := s.List(ctx)
	require.NoError(t, err)

	s.invalidate()
	second, err := s.List(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second, "refresh after no changes yields the same ordered list")
}
