package monitoring

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorTracksProbeOutcomes(t *testing.T) {
	m := NewMonitor(time.Minute)

	var failing int32 = 1
	m.Register("event_store", func(ctx context.Context) error {
		if atomic.LoadInt32(&failing) == 1 {
			return errors.New("connection refused")
		}
		return nil
	})
	m.Register("broadcast", func(ctx context.Context) error { return nil })

	// Registered components start healthy before the first probe.
	assert.True(t, m.Healthy())

	m.checkAll(context.Background())
	assert.False(t, m.Healthy())

	states := m.Snapshot()
	require.Contains(t, states, "event_store")
	assert.False(t, states["event_store"].Healthy)
	assert.Equal(t, "connection refused", states["event_store"].LastError)
	assert.Equal(t, uint64(1), states["event_store"].Failures)
	assert.False(t, states["event_store"].LastCheck.IsZero())
	assert.True(t, states["broadcast"].Healthy)

	// Failures accumulate while the probe keeps failing.
	m.checkAll(context.Background())
	assert.Equal(t, uint64(2), m.Snapshot()["event_store"].Failures)

	// A success clears the error but keeps the failure count.
	atomic.StoreInt32(&failing, 0)
	m.checkAll(context.Background())
	assert.True(t, m.Healthy())
	state := m.Snapshot()["event_store"]
	assert.True(t, state.Healthy)
	assert.Empty(t, state.LastError)
	assert.Equal(t, uint64(2), state.Failures)
}

func TestMonitorProbeLoop(t *testing.T) {
	m := NewMonitor(10 * time.Millisecond)

	var calls int64
	m.Register("store", func(ctx context.Context) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()

	after := atomic.LoadInt64(&calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt64(&calls))
}

func TestMonitorProbeContextHasDeadline(t *testing.T) {
	m := NewMonitor(time.Minute)

	var hasDeadline bool
	m.Register("store", func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	})

	m.checkAll(context.Background())
	assert.True(t, hasDeadline)
}
