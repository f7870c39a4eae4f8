package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLidstrom/Castellan-sub009/internal/broadcast"
	"github.com/MLidstrom/Castellan-sub009/internal/config"
	"github.com/MLidstrom/Castellan-sub009/internal/core"
	"github.com/MLidstrom/Castellan-sub009/internal/correlation"
	"github.com/MLidstrom/Castellan-sub009/internal/ignore"
	"github.com/MLidstrom/Castellan-sub009/internal/rules"
	"github.com/MLidstrom/Castellan-sub009/internal/store"
)

type harness struct {
	pipe    *Pipeline
	events  *store.MemoryEventStore
	bus     *broadcast.Bus
	metrics *Metrics
}

func newHarness(t *testing.T, ignoreCfg config.IgnoreConfig) *harness {
	t.Helper()

	db, err := store.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ruleStore, err := rules.NewStore(db)
	require.NoError(t, err)

	events := store.NewMemoryEventStore()
	correlator := correlation.NewEngine(events, correlation.NewMemoryStore(), 10)
	bus := broadcast.NewBus(true)
	metrics := NewMetrics(prometheus.NewRegistry())

	return &harness{
		pipe:    New(rules.NewNormalizer(ruleStore), ignore.NewEngine(ignoreCfg), events, correlator, bus, metrics),
		events:  events,
		bus:     bus,
		metrics: metrics,
	}
}

// noon on a Friday, to stay inside business hours in any zone offset.
var recordTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)

func logonRecord(id string, eventID int, at time.Time) core.RawRecord {
	return core.RawRecord{
		ID:      id,
		Channel: "Security",
		EventID: eventID,
		Time:    at,
		Host:    "HOST-A",
		User:    "jsmith",
		Message: "An account was logged on",
	}
}

func TestCommitStoresClassifiedEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.IgnoreConfig{})
	sub := h.bus.Subscribe(broadcast.StreamSecurityEvent)
	defer sub.Close()

	prepared, err := h.pipe.Prepare(ctx, logonRecord("r1", 4624, recordTime))
	require.NoError(t, err)
	require.NotNil(t, prepared.Event)
	assert.Equal(t, core.EventAuthenticationSuccess, prepared.Event.EventType)

	require.NoError(t, h.pipe.Commit(ctx, prepared))

	n, err := h.events.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case msg := <-sub.C:
		assert.Equal(t, broadcast.StreamSecurityEvent, msg.Stream)
	default:
		t.Fatal("no security_event broadcast after commit")
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.IgnoreConfig{})

	rec := logonRecord("r1", 4624, recordTime)
	for i := 0; i < 2; i++ {
		prepared, err := h.pipe.Prepare(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, h.pipe.Commit(ctx, prepared))
	}

	n, err := h.events.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "redelivery of the same record stores one event")
}

func TestUnmatchedRecordProducesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.IgnoreConfig{})

	prepared, err := h.pipe.Prepare(ctx, logonRecord("r1", 9999, recordTime))
	require.NoError(t, err)
	assert.Nil(t, prepared.Event)
	require.NoError(t, h.pipe.Commit(ctx, prepared))

	n, err := h.events.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RecordsUnmatched))
}

func TestIgnoredEventIsNotStored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.IgnoreConfig{
		Enabled:              true,
		FilterAllLocalEvents: true,
		LocalMachines:        []string{"HOST-A"},
		MaxRecentEvents:      100,
	})

	prepared, err := h.pipe.Prepare(ctx, logonRecord("r1", 4624, recordTime))
	require.NoError(t, err)
	assert.Nil(t, prepared.Event)
	assert.True(t, prepared.Ignored)
	assert.Contains(t, prepared.Reasons, "local machine filter")

	require.NoError(t, h.pipe.Commit(ctx, prepared))
	n, err := h.events.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsIgnored))
}

func TestBruteForceEnrichmentWritesBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.IgnoreConfig{})
	alerts := h.bus.Subscribe(broadcast.StreamCorrelationAlert)
	defer alerts.Close()

	for i := 0; i < 5; i++ {
		prepared, err := h.pipe.Prepare(ctx, logonRecord(
			fmt.Sprintf("fail-%d", i), 4625, recordTime.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		require.NoError(t, h.pipe.Commit(ctx, prepared))
	}

	prepared, err := h.pipe.Prepare(ctx, logonRecord("success-1", 4624, recordTime.Add(5*time.Minute)))
	require.NoError(t, err)
	successID := prepared.Event.ID
	require.NoError(t, h.pipe.Commit(ctx, prepared))

	stored, err := h.events.GetByID(ctx, successID)
	require.NoError(t, err)
	assert.Equal(t, core.RiskHigh, stored.RiskLevel, "brute force enrichment upgrades the logon's risk")
	assert.True(t, stored.IsEnhanced)
	assert.True(t, stored.IsCorrelationBased)
	assert.NotEmpty(t, stored.CorrelationIDs)
	assert.Greater(t, stored.CorrelationScore, 0.0)

	select {
	case msg := <-alerts.C:
		c, ok := msg.Payload.(*core.Correlation)
		require.True(t, ok)
		assert.Equal(t, core.CorrelationBruteForce, c.Type)
	default:
		t.Fatal("no correlation_alert broadcast")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsEnriched))
}

func TestUniqueIDFallbackIsStable(t *testing.T) {
	rec := core.RawRecord{
		Channel: "Security",
		EventID: 4624,
		Time:    recordTime,
		Host:    "HOST-A",
	}

	a := logEventFrom(rec)
	b := logEventFrom(rec)
	assert.NotEmpty(t, a.UniqueID)
	assert.Equal(t, a.UniqueID, b.UniqueID, "fallback unique id must be stable across redeliveries")
}
