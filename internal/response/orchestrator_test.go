package response

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLidstrom/Castellan-sub009/internal/config"
	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

func intPtr(v int) *int { return &v }

func testConfig() config.ResponseConfig {
	return config.ResponseConfig{
		MaxPendingActionsPerConversation: intPtr(10),
		AutoExpire:                       true,
		PendingExpiration:                config.Duration(time.Hour),
		DefaultUndoWindow:                config.Duration(72 * time.Hour),
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *BlockIPHandler, func(time.Time)) {
	t.Helper()
	blockIP := NewBlockIPHandler()
	registry := NewRegistry()
	registry.Register(blockIP)
	registry.Register(NewDisableAccountHandler())

	o := NewOrchestrator(NewMemoryActionStore(), registry, testConfig())
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	o.SetClock(func() time.Time { return now })
	return o, blockIP, func(at time.Time) {
		now = at
		o.SetClock(func() time.Time { return now })
	}
}

func TestSuggestExecuteRollback(t *testing.T) {
	ctx := context.Background()
	o, blockIP, _ := newTestOrchestrator(t)

	action, err := o.Suggest(ctx, "conv-1", "msg-1", ActionBlockIP,
		map[string]interface{}{"ip": "192.168.1.100"})
	require.NoError(t, err)
	assert.Equal(t, core.ActionPending, action.Status)
	assert.NotEmpty(t, action.ID)
	assert.False(t, blockIP.Blocked("192.168.1.100"), "suggestion alone has no effect")

	executed, err := o.Execute(ctx, action.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, core.ActionExecuted, executed.Status)
	assert.Equal(t, "admin", executed.ExecutedBy)
	assert.NotEmpty(t, executed.BeforeState)
	assert.NotEmpty(t, executed.AfterState)
	require.NotNil(t, executed.ExecutedAt)
	assert.True(t, blockIP.Blocked("192.168.1.100"))

	rolled, err := o.Rollback(ctx, action.ID, "admin", "False positive")
	require.NoError(t, err)
	assert.Equal(t, core.ActionRolledBack, rolled.Status)
	assert.Equal(t, "False positive", rolled.RollbackReason)
	assert.False(t, blockIP.Blocked("192.168.1.100"), "rollback restores the before-state")

	// A rolled-back action cannot be rolled back again.
	_, err = o.Rollback(ctx, action.ID, "admin", "again")
	assert.True(t, errors.Is(err, ErrNotExecuted))

	stats := o.GetStatistics()
	assert.Equal(t, int64(1), stats.Suggested)
	assert.Equal(t, int64(1), stats.Executed)
	assert.Equal(t, int64(1), stats.RolledBack)
}

func TestRollbackOutsideUndoWindow(t *testing.T) {
	ctx := context.Background()
	o, _, advance := newTestOrchestrator(t)

	action, err := o.Suggest(ctx, "conv-1", "msg-1", ActionBlockIP,
		map[string]interface{}{"ip": "10.0.0.1"})
	require.NoError(t, err)
	_, err = o.Execute(ctx, action.ID, "admin")
	require.NoError(t, err)

	advance(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC).Add(73 * time.Hour))

	_, err = o.Rollback(ctx, action.ID, "admin", "too late")
	assert.True(t, errors.Is(err, ErrOutsideUndoWindow))

	current, err := o.GetHistory(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, core.ActionExecuted, current[0].Status, "a failed rollback leaves the action executed")

	ok, reason, err := o.CanRollback(ctx, action.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "undo window")
}

func TestSuggestUnsupportedAction(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	_, err := o.Suggest(context.Background(), "conv-1", "msg-1", "launch_missiles", nil)
	assert.True(t, errors.Is(err, ErrUnsupportedAction))
}

func TestSuggestInvalidActionData(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	_, err := o.Suggest(context.Background(), "conv-1", "msg-1", ActionBlockIP,
		map[string]interface{}{"ip": 42})
	assert.True(t, errors.Is(err, ErrInvalidActionData))
}

func TestZeroQuotaRejectsEverySuggestion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingActionsPerConversation = intPtr(0)
	o := NewOrchestrator(NewMemoryActionStore(), DefaultRegistry(), cfg)

	_, err := o.Suggest(context.Background(), "conv-1", "msg-1", ActionBlockIP,
		map[string]interface{}{"ip": "10.0.0.1"})
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
}

func TestQuotaCountsOnlyPendingInConversation(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxPendingActionsPerConversation = intPtr(2)
	o := NewOrchestrator(NewMemoryActionStore(), DefaultRegistry(), cfg)
	o.SetClock(func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) })

	first, err := o.Suggest(ctx, "conv-1", "m1", ActionBlockIP, map[string]interface{}{"ip": "10.0.0.1"})
	require.NoError(t, err)
	_, err = o.Suggest(ctx, "conv-1", "m2", ActionBlockIP, map[string]interface{}{"ip": "10.0.0.2"})
	require.NoError(t, err)

	_, err = o.Suggest(ctx, "conv-1", "m3", ActionBlockIP, map[string]interface{}{"ip": "10.0.0.3"})
	assert.True(t, errors.Is(err, ErrQuotaExceeded))

	// Another conversation has its own quota.
	_, err = o.Suggest(ctx, "conv-2", "m4", ActionBlockIP, map[string]interface{}{"ip": "10.0.0.4"})
	assert.NoError(t, err)

	// Executing one frees a slot.
	_, err = o.Execute(ctx, first.ID, "admin")
	require.NoError(t, err)
	_, err = o.Suggest(ctx, "conv-1", "m5", ActionBlockIP, map[string]interface{}{"ip": "10.0.0.5"})
	assert.NoError(t, err)
}

func TestExecuteExpiredAction(t *testing.T) {
	ctx := context.Background()
	o, blockIP, advance := newTestOrchestrator(t)

	action, err := o.Suggest(ctx, "conv-1", "msg-1", ActionBlockIP,
		map[string]interface{}{"ip": "10.0.0.1"})
	require.NoError(t, err)

	advance(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC).Add(2 * time.Hour))

	_, err = o.Execute(ctx, action.ID, "admin")
	assert.True(t, errors.Is(err, ErrExpired))
	assert.False(t, blockIP.Blocked("10.0.0.1"))

	history, err := o.GetHistory(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, core.ActionExpired, history[0].Status)

	// An expired action is no longer pending, further attempts say so.
	_, err = o.Execute(ctx, action.ID, "admin")
	assert.True(t, errors.Is(err, ErrNotPending))
}

func TestExpirePendingSweep(t *testing.T) {
	ctx := context.Background()
	o, _, advance := newTestOrchestrator(t)

	_, err := o.Suggest(ctx, "conv-1", "m1", ActionBlockIP, map[string]interface{}{"ip": "10.0.0.1"})
	require.NoError(t, err)
	_, err = o.Suggest(ctx, "conv-1", "m2", ActionBlockIP, map[string]interface{}{"ip": "10.0.0.2"})
	require.NoError(t, err)

	advance(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC).Add(30 * time.Minute))
	late, err := o.Suggest(ctx, "conv-1", "m3", ActionBlockIP, map[string]interface{}{"ip": "10.0.0.3"})
	require.NoError(t, err)

	advance(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC).Add(90 * time.Minute))
	n, err := o.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "only actions past the expiration are swept")

	pending, err := o.GetPending(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, late.ID, pending[0].ID)
}

func TestExecutionFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	registry.Register(&failingHandler{})
	o := NewOrchestrator(NewMemoryActionStore(), registry, testConfig())
	o.SetClock(func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) })

	action, err := o.Suggest(ctx, "conv-1", "m1", "always_fails", map[string]interface{}{"target": "x"})
	require.NoError(t, err)

	_, err = o.Execute(ctx, action.ID, "admin")
	require.Error(t, err)

	history, err := o.GetHistory(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, core.ActionFailed, history[0].Status)
	assert.Equal(t, int64(1), o.GetStatistics().Failed)
}

func TestPerTypeUndoWindowOverride(t *testing.T) {
	cfg := testConfig()
	cfg.UndoWindows = map[string]config.Duration{ActionDisableAccount: config.Duration(24 * time.Hour)}
	o := NewOrchestrator(NewMemoryActionStore(), DefaultRegistry(), cfg)

	assert.Equal(t, 24*time.Hour, o.UndoWindow(ActionDisableAccount))
	assert.Equal(t, 72*time.Hour, o.UndoWindow(ActionBlockIP))
}

func TestDisableAccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := NewDisableAccountHandler()
	data := map[string]interface{}{"account": "svc_backup"}

	before, err := h.CaptureBeforeState(ctx, data)
	require.NoError(t, err)
	_, err = h.Execute(ctx, data)
	require.NoError(t, err)
	assert.True(t, h.Disabled("svc_backup"))

	require.NoError(t, h.Rollback(ctx, data, before))
	assert.False(t, h.Disabled("svc_backup"))
}

func TestQuarantineHostRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := NewQuarantineHostHandler()
	data := map[string]interface{}{"host": "HOST-A"}

	before, err := h.CaptureBeforeState(ctx, data)
	require.NoError(t, err)
	_, err = h.Execute(ctx, data)
	require.NoError(t, err)
	assert.True(t, h.Quarantined("HOST-A"))

	require.NoError(t, h.Rollback(ctx, data, before))
	assert.False(t, h.Quarantined("HOST-A"))
}

// failingHandler always fails on Execute. Test double.
type failingHandler struct{}

func (h *failingHandler) ActionType() string { return "always_fails" }

func (h *failingHandler) Validate(map[string]interface{}) error { return nil }

func (h *failingHandler) CaptureBeforeState(context.Context, map[string]interface{}) (string, error) {
	return "{}", nil
}

func (h *failingHandler) Execute(context.Context, map[string]interface{}) (string, error) {
	return "", errors.New("simulated outage")
}

func (h *failingHandler) Rollback(context.Context, map[string]interface{}, string) error { return nil }
