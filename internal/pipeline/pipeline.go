// Package pipeline connects the watcher stages: normalize and filter
// concurrently, then commit, correlate, enrich, and broadcast in source
// order.
package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/MLidstrom/Castellan-sub009/internal/broadcast"
	"github.com/MLidstrom/Castellan-sub009/internal/core"
	"github.com/MLidstrom/Castellan-sub009/internal/correlation"
	"github.com/MLidstrom/Castellan-sub009/internal/ignore"
	"github.com/MLidstrom/Castellan-sub009/internal/rules"
	"github.com/MLidstrom/Castellan-sub009/internal/store"
	"github.com/MLidstrom/Castellan-sub009/internal/watcher"
)

// Pipeline implements watcher.Pipeline over the engine components.
type Pipeline struct {
	normalizer *rules.Normalizer
	filter     *ignore.Engine
	events     store.EventStore
	correlator *correlation.Engine
	bus        *broadcast.Bus
	metrics    *Metrics
	logger     *log.Logger
}

func New(normalizer *rules.Normalizer, filter *ignore.Engine, events store.EventStore, correlator *correlation.Engine, bus *broadcast.Bus, metrics *Metrics) *Pipeline {
	return &Pipeline{
		normalizer: normalizer,
		filter:     filter,
		events:     events,
		correlator: correlator,
		bus:        bus,
		metrics:    metrics,
		logger:     log.New(log.Writer(), "[Pipeline] ", log.LstdFlags),
	}
}

// Prepare classifies a raw record and applies the ignore engine. A nil
// Event with nil error means the record produced nothing to commit.
func (p *Pipeline) Prepare(ctx context.Context, rec core.RawRecord) (*watcher.Prepared, error) {
	p.metrics.RecordsConsumed.WithLabelValues(rec.Channel).Inc()

	ev, err := p.normalizer.Normalize(ctx, logEventFrom(rec))
	if err != nil {
		return nil, fmt.Errorf("normalize record %s: %w", rec.ID, err)
	}
	if ev == nil {
		p.metrics.RecordsUnmatched.Inc()
		return &watcher.Prepared{Record: rec}, nil
	}

	decision := p.filter.Evaluate(ev)
	if decision.Ignore {
		p.metrics.EventsIgnored.Inc()
		return &watcher.Prepared{Record: rec, Ignored: true, Reasons: decision.Reasons}, nil
	}

	return &watcher.Prepared{Record: rec, Event: ev}, nil
}

// Commit persists the event, runs correlation, writes enrichment back, and
// broadcasts. Correlation failures are logged and never fail the commit.
func (p *Pipeline) Commit(ctx context.Context, prepared *watcher.Prepared) error {
	ev := prepared.Event
	if ev == nil {
		return nil
	}

	if err := p.events.Add(ctx, ev); err != nil {
		p.metrics.CommitFailures.Inc()
		return fmt.Errorf("store event %s: %w", ev.Original.UniqueID, err)
	}
	p.metrics.EventsStored.WithLabelValues(string(ev.EventType), string(ev.RiskLevel)).Inc()

	result, err := p.correlator.Analyze(ctx, ev)
	if err != nil {
		p.logger.Printf("Correlation failed for %s, continuing with base event: %v", ev.ID, err)
	} else if result.HasCorrelation {
		for _, c := range result.Correlations {
			p.metrics.CorrelationsFound.WithLabelValues(string(c.Type)).Inc()
			p.bus.Publish(broadcast.StreamCorrelationAlert, c)
		}

		correlation.Enrich(ev, result.Correlations)
		if err := p.events.Update(ctx, ev); err != nil {
			p.logger.Printf("Enrichment write-back failed for %s: %v", ev.ID, err)
		} else {
			p.metrics.EventsEnriched.Inc()
		}
	}

	p.bus.Publish(broadcast.StreamSecurityEvent, ev)
	return nil
}

// logEventFrom projects a raw record into the normalizer's input shape.
// UniqueID is stable across redeliveries of the same source record.
func logEventFrom(rec core.RawRecord) core.LogEvent {
	uniqueID := rec.ID
	if uniqueID == "" {
		uniqueID = fmt.Sprintf("%s|%d|%s|%s", rec.Channel, rec.EventID, rec.Time.UTC().Format("2006-01-02T15:04:05.000000000Z"), rec.Host)
	}
	return core.LogEvent{
		Time:     rec.Time,
		Host:     rec.Host,
		Channel:  rec.Channel,
		EventID:  rec.EventID,
		Level:    rec.Level,
		User:     rec.User,
		Message:  rec.Message,
		RawJSON:  rec.XML,
		UniqueID: uniqueID,
	}
}
