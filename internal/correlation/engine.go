// Package correlation maintains sliding windows over recent security events
// and emits higher-order findings: brute force, temporal bursts, lateral
// movement, and attack chains. Findings are append-only and reference
// events by id only.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

// Default rule ids.
const (
	RuleBruteForce          = "brute-force"
	RuleTemporalBurst       = "temporal-burst"
	RuleLateralMovement     = "lateral-movement"
	RulePrivilegeEscalation = "privilege-escalation"
)

// advisoryMinConfidence is the floor for MLDetected advisories.
const advisoryMinConfidence = 0.6

// ErrUnknownRule signals an update against a rule id the engine does not
// have.
var ErrUnknownRule = errors.New("unknown correlation rule")

// EventReader is the slice of the event store the engine reads: paged,
// filtered queries over committed events.
type EventReader interface {
	Get(ctx context.Context, page, pageSize int, filters map[string]string) ([]*core.SecurityEvent, error)
}

// Result is the synchronous verdict for one analyzed event. Correlation
// is the winner by (risk rank, confidence); Correlations carries every
// newly stored match for enrichment.
type Result struct {
	HasCorrelation bool
	Confidence     float64
	Correlation    *core.Correlation
	Correlations   []*core.Correlation
	Explanation    string
	MatchedRules   []string
}

// Statistics is a snapshot of engine counters.
type Statistics struct {
	TotalAnalyzed     int64
	TotalCorrelations int64
	ByType            map[core.CorrelationType]int64
	LastDetection     map[core.CorrelationType]time.Time
	EnabledRules      int
}

// Engine is the correlation engine. The analyzer is the single writer of
// the sliding windows; reads are safe from any goroutine.
type Engine struct {
	events             EventReader
	store              Store
	minTrainingSamples int
	logger             *log.Logger
	now                func() time.Time

	mu    sync.RWMutex
	rules map[string]*core.CorrelationRule
	burst map[core.SecurityEventType][]*core.SecurityEvent

	totalAnalyzed     int64
	totalCorrelations int64
	byType            map[core.CorrelationType]int64
	lastDetection     map[core.CorrelationType]time.Time
}

// NewEngine creates an engine with the default rule set.
func NewEngine(events EventReader, corrStore Store, minTrainingSamples int) *Engine {
	if minTrainingSamples <= 0 {
		minTrainingSamples = 10
	}
	return &Engine{
		events:             events,
		store:              corrStore,
		minTrainingSamples: minTrainingSamples,
		logger:             log.New(log.Writer(), "[Correlation] ", log.LstdFlags),
		now:                time.Now,
		rules: map[string]*core.CorrelationRule{
			RuleBruteForce:          {ID: RuleBruteForce, Name: "Brute Force Attack", Enabled: true, MinConfidence: 0.6},
			RuleTemporalBurst:       {ID: RuleTemporalBurst, Name: "Temporal Burst", Enabled: true, MinConfidence: 0.6},
			RuleLateralMovement:     {ID: RuleLateralMovement, Name: "Lateral Movement", Enabled: true, MinConfidence: 0.6},
			RulePrivilegeEscalation: {ID: RulePrivilegeEscalation, Name: "Privilege Escalation", Enabled: true, MinConfidence: 0.6},
		},
		burst:         make(map[core.SecurityEventType][]*core.SecurityEvent),
		byType:        make(map[core.CorrelationType]int64),
		lastDetection: make(map[core.CorrelationType]time.Time),
	}
}

// SetClock overrides the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Analyze runs per-event analysis against the sliding windows and recent
// stored events. Internal failures are returned as errors so the pipeline
// can log and continue with the base event; the stream is never poisoned.
func (e *Engine) Analyze(ctx context.Context, ev *core.SecurityEvent) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("correlation analyze: %v", r)
		}
	}()

	now := e.now()

	e.mu.Lock()
	e.totalAnalyzed++
	e.trackBurstLocked(ev)
	burstCluster := append([]*core.SecurityEvent(nil), e.burst[ev.EventType]...)
	e.mu.Unlock()

	var found []*core.Correlation
	var matched []string

	if rule := e.ruleSnapshot(RuleBruteForce); rule.Enabled && ev.EventType == core.EventAuthenticationSuccess {
		recent, readErr := e.recentByHost(ctx, ev.Original.Host, ev.Original.Time, bruteForceWindow)
		if readErr != nil {
			e.logger.Printf("Brute force lookback failed: %v", readErr)
		} else if c := detectBruteForce(ev, recent, now); c != nil && c.Confidence >= rule.MinConfidence {
			found = append(found, c)
			matched = append(matched, rule.Name)
		}
	}

	if rule := e.ruleSnapshot(RuleTemporalBurst); rule.Enabled && len(burstCluster) >= burstMinEvents {
		if c := burstCorrelation(ev.EventType, burstCluster, now); c.Confidence >= rule.MinConfidence {
			found = append(found, c)
			matched = append(matched, rule.Name)
		}
	}

	if rule := e.ruleSnapshot(RuleLateralMovement); rule.Enabled &&
		ev.EventType == core.EventNetworkConnection && ev.Original.User != "" {
		recent, readErr := e.recentByUser(ctx, ev.Original.User, ev.Original.Time, lateralWindow)
		if readErr != nil {
			e.logger.Printf("Lateral movement lookback failed: %v", readErr)
		} else if c := detectLateralMovement(ev.Original.User, recent, now); c != nil && c.Confidence >= rule.MinConfidence {
			found = append(found, c)
			matched = append(matched, rule.Name)
		}
	}

	if rule := e.ruleSnapshot(RulePrivilegeEscalation); rule.Enabled {
		recent, readErr := e.recentByHost(ctx, ev.Original.Host, ev.Original.Time, attackChainWindow)
		if readErr != nil {
			e.logger.Printf("Attack chain lookback failed: %v", readErr)
		} else {
			sortByTime(recent)
			if c := detectAttackChain(ev.Original.Host, recent, attackChainWindow, now); c != nil && c.Confidence >= rule.MinConfidence {
				found = append(found, c)
				matched = append(matched, rule.Name)
			}
		}
	}

	if len(found) == 0 {
		return Result{Explanation: "no correlation detected"}, nil
	}

	stored := e.persist(ctx, found)
	winner := pickWinner(stored)
	if winner == nil {
		// Every candidate deduplicated against an earlier finding.
		return Result{Explanation: "correlation already recorded"}, nil
	}

	return Result{
		HasCorrelation: true,
		Confidence:     winner.Confidence,
		Correlation:    winner,
		Correlations:   stored,
		Explanation:    winner.Pattern,
		MatchedRules:   matched,
	}, nil
}

// AnalyzeBatch runs the offline detectors over a window of events and
// returns the correlations found, persisting each.
func (e *Engine) AnalyzeBatch(ctx context.Context, events []*core.SecurityEvent, window time.Duration) ([]*core.Correlation, error) {
	now := e.now()
	var found []*core.Correlation

	if rule := e.ruleSnapshot(RuleTemporalBurst); rule.Enabled {
		for _, c := range detectBursts(events, now) {
			if c.Confidence >= rule.MinConfidence {
				found = append(found, c)
			}
		}
	}

	if rule := e.ruleSnapshot(RuleLateralMovement); rule.Enabled {
		for _, user := range distinctUsers(events) {
			if c := detectLateralMovement(user, events, now); c != nil && c.Confidence >= rule.MinConfidence {
				found = append(found, c)
			}
		}
	}

	if rule := e.ruleSnapshot(RuleBruteForce); rule.Enabled {
		found = append(found, e.batchBruteForce(events, rule, now)...)
	}

	chains, err := e.DetectAttackChains(ctx, events, window)
	if err != nil {
		return nil, err
	}
	found = append(found, chains...)

	e.mu.Lock()
	e.totalAnalyzed += int64(len(events))
	e.mu.Unlock()

	return e.persist(ctx, found), nil
}

// DetectAttackChains matches the ordered attack stages per host over the
// given window. Detection only; the caller decides persistence.
func (e *Engine) DetectAttackChains(_ context.Context, events []*core.SecurityEvent, window time.Duration) ([]*core.Correlation, error) {
	rule := e.ruleSnapshot(RulePrivilegeEscalation)
	if !rule.Enabled {
		return nil, nil
	}

	sorted := append([]*core.SecurityEvent(nil), events...)
	sortByTime(sorted)

	now := e.now()
	var out []*core.Correlation
	for _, host := range distinctHosts(sorted) {
		if c := detectAttackChain(host, sorted, window, now); c != nil && c.Confidence >= rule.MinConfidence {
			out = append(out, c)
		}
	}
	return out, nil
}

// batchBruteForce finds failure runs followed by a success per host.
func (e *Engine) batchBruteForce(events []*core.SecurityEvent, rule core.CorrelationRule, now time.Time) []*core.Correlation {
	byHost := make(map[string][]*core.SecurityEvent)
	for _, ev := range events {
		byHost[ev.Original.Host] = append(byHost[ev.Original.Host], ev)
	}

	var out []*core.Correlation
	for _, hosted := range byHost {
		sortByTime(hosted)
		for _, ev := range hosted {
			if ev.EventType != core.EventAuthenticationSuccess {
				continue
			}
			if c := detectBruteForce(ev, hosted, now); c != nil && c.Confidence >= rule.MinConfidence {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// SubmitAdvisory accepts an MLDetected correlation from an advisory
// adapter. Advisories below the confidence floor are dropped.
func (e *Engine) SubmitAdvisory(ctx context.Context, c *core.Correlation) (bool, error) {
	if c.Confidence < advisoryMinConfidence {
		e.logger.Printf("Dropping advisory below confidence floor: %.2f", c.Confidence)
		return false, nil
	}
	c.Type = core.CorrelationMLDetected
	if len(c.RecommendedActions) == 0 {
		c.RecommendedActions = []string{"Review ML-detected anomaly pattern"}
	}
	stored := e.persist(ctx, []*core.Correlation{c})
	return len(stored) > 0, nil
}

// TrainModels accepts confirmed events for model training. Training is
// best-effort: below the sample floor it records a warning and returns.
func (e *Engine) TrainModels(_ context.Context, confirmed []*core.SecurityEvent) error {
	if len(confirmed) < e.minTrainingSamples {
		e.logger.Printf("Training skipped: %d samples, need at least %d", len(confirmed), e.minTrainingSamples)
		return nil
	}
	e.logger.Printf("Accepted %d confirmed events for training", len(confirmed))
	return nil
}

// GetCorrelations returns stored correlations detected in [from, to].
func (e *Engine) GetCorrelations(ctx context.Context, from, to time.Time) ([]*core.Correlation, error) {
	return e.store.GetRange(ctx, from, to)
}

// CleanupOldCorrelations drops correlations older than maxAge.
func (e *Engine) CleanupOldCorrelations(ctx context.Context, maxAge time.Duration) (int, error) {
	return e.store.DeleteOlderThan(ctx, e.now().Add(-maxAge))
}

// GetRules returns the rule set ordered by id.
func (e *Engine) GetRules() []core.CorrelationRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]core.CorrelationRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateRule replaces the rule with the same id.
func (e *Engine) UpdateRule(rule core.CorrelationRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[rule.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, rule.ID)
	}
	clone := rule
	e.rules[rule.ID] = &clone
	return nil
}

// GetStatistics returns a snapshot of the engine counters.
func (e *Engine) GetStatistics() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byType := make(map[core.CorrelationType]int64, len(e.byType))
	for k, v := range e.byType {
		byType[k] = v
	}
	last := make(map[core.CorrelationType]time.Time, len(e.lastDetection))
	for k, v := range e.lastDetection {
		last[k] = v
	}
	enabled := 0
	for _, r := range e.rules {
		if r.Enabled {
			enabled++
		}
	}

	return Statistics{
		TotalAnalyzed:     e.totalAnalyzed,
		TotalCorrelations: e.totalCorrelations,
		ByType:            byType,
		LastDetection:     last,
		EnabledRules:      enabled,
	}
}

// persist appends correlations to the store, dropping duplicates, and
// returns the ones actually stored.
func (e *Engine) persist(ctx context.Context, found []*core.Correlation) []*core.Correlation {
	var stored []*core.Correlation
	for _, c := range found {
		added, err := e.store.Add(ctx, c)
		if err != nil {
			e.logger.Printf("Failed to persist correlation %s: %v", c.ID, err)
			continue
		}
		if !added {
			continue
		}
		stored = append(stored, c)

		e.mu.Lock()
		e.totalCorrelations++
		e.byType[c.Type]++
		e.lastDetection[c.Type] = c.DetectedAt
		e.mu.Unlock()
	}
	return stored
}

// trackBurstLocked appends the event to its type's burst window and prunes
// entries that aged out relative to the event's time.
func (e *Engine) trackBurstLocked(ev *core.SecurityEvent) {
	window := e.burst[ev.EventType]
	cutoff := ev.Original.Time.Add(-burstWindow)
	i := 0
	for ; i < len(window); i++ {
		if !window[i].Original.Time.Before(cutoff) {
			break
		}
	}
	window = append(window[i:], ev)
	e.burst[ev.EventType] = window
}

func (e *Engine) ruleSnapshot(id string) core.CorrelationRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.rules[id]; ok {
		return *r
	}
	return core.CorrelationRule{}
}

func (e *Engine) recentByHost(ctx context.Context, host string, at time.Time, window time.Duration) ([]*core.SecurityEvent, error) {
	return e.events.Get(ctx, 1, 500, map[string]string{
		"host":      host,
		"from_time": at.Add(-window).Format(time.RFC3339),
	})
}

func (e *Engine) recentByUser(ctx context.Context, user string, at time.Time, window time.Duration) ([]*core.SecurityEvent, error) {
	return e.events.Get(ctx, 1, 500, map[string]string{
		"user":      user,
		"from_time": at.Add(-window).Format(time.RFC3339),
	})
}

// pickWinner selects the correlation with the highest (risk, confidence)
// pair.
func pickWinner(found []*core.Correlation) *core.Correlation {
	var best *core.Correlation
	for _, c := range found {
		if best == nil {
			best = c
			continue
		}
		if c.RiskLevel.Rank() > best.RiskLevel.Rank() ||
			(c.RiskLevel.Rank() == best.RiskLevel.Rank() && c.Confidence > best.Confidence) {
			best = c
		}
	}
	return best
}

func sortByTime(events []*core.SecurityEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Original.Time.Before(events[j].Original.Time)
	})
}

func distinctUsers(events []*core.SecurityEvent) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ev := range events {
		if ev.Original.User == "" {
			continue
		}
		if _, ok := seen[ev.Original.User]; ok {
			continue
		}
		seen[ev.Original.User] = struct{}{}
		out = append(out, ev.Original.User)
	}
	return out
}

func distinctHosts(events []*core.SecurityEvent) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ev := range events {
		if _, ok := seen[ev.Original.Host]; ok {
			continue
		}
		seen[ev.Original.Host] = struct{}{}
		out = append(out, ev.Original.Host)
	}
	return out
}
