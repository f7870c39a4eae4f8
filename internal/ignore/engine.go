// Package ignore suppresses known-benign events: single-event matches and
// ordered multi-step sequences inside a per-host sliding window.
package ignore

import (
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MLidstrom/Castellan-sub009/internal/config"
	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

var (
	accountNameRe = regexp.MustCompile(`Account Name:\s*(\S+)`)
	logonTypeRe   = regexp.MustCompile(`Logon Type:\s*(\d+)`)
)

// StepMatcher matches one step of a sequence. Values within a field are
// OR'd; declared fields are AND'd. An empty field matches anything.
type StepMatcher struct {
	EventTypes     []core.SecurityEventType
	MITRE          []string
	SourceMachines []string
	AccountNames   []string
	LogonTypes     []string
}

// Pattern is an ordered sequence of step matchers plus a diagnostic reason.
// A single-step pattern suppresses individual events; longer sequences
// require the steps to occur in order within the engine's time window.
type Pattern struct {
	Sequence            []StepMatcher
	Reason              string
	IgnoreAllInSequence bool
}

// Decision is the engine's verdict for one event. AlsoIgnored lists unique
// ids of earlier events retroactively marked ignored for reporting;
// already-emitted events are not retracted.
type Decision struct {
	Ignore      bool
	Reasons     []string
	AlsoIgnored []string
}

// IgnoredEvent is a reporting record of a suppressed event.
type IgnoredEvent struct {
	UniqueID string
	Host     string
	Reason   string
	Time     time.Time
}

// entry is the light-weight projection the per-host ring buffer keeps.
type entry struct {
	uniqueID  string
	eventType core.SecurityEventType
	mitre     []string
	host      string
	account   string
	logonType string
	time      time.Time
	ignored   bool
}

// Engine evaluates classified events against the configured patterns.
// Buffers are sharded per host; one writer per host is assumed upstream,
// but the engine itself is safe for concurrent use.
type Engine struct {
	enabled              bool
	filterAllLocalEvents bool
	localMachines        map[string]struct{}
	maxRecentEvents      int
	window               time.Duration
	patterns             []Pattern

	logger *log.Logger
	now    func() time.Time

	mu      sync.Mutex
	perHost map[string][]*entry
	history []IgnoredEvent
}

const historyLimit = 1000

// NewEngine builds an engine from configuration.
func NewEngine(cfg config.IgnoreConfig) *Engine {
	local := make(map[string]struct{}, len(cfg.LocalMachines))
	for _, m := range cfg.LocalMachines {
		local[strings.ToLower(m)] = struct{}{}
	}

	patterns := make([]Pattern, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		patterns = append(patterns, patternFromConfig(p))
	}

	return &Engine{
		enabled:              cfg.Enabled,
		filterAllLocalEvents: cfg.FilterAllLocalEvents,
		localMachines:        local,
		maxRecentEvents:      cfg.MaxRecentEvents,
		window:               time.Duration(cfg.SequenceTimeWindowSeconds) * time.Second,
		patterns:             patterns,
		logger:               log.New(log.Writer(), "[IgnoreEngine] ", log.LstdFlags),
		now:                  time.Now,
		perHost:              make(map[string][]*entry),
	}
}

func patternFromConfig(p config.IgnorePatternConfig) Pattern {
	steps := make([]StepMatcher, 0, len(p.Sequence))
	for _, s := range p.Sequence {
		types := make([]core.SecurityEventType, 0, len(s.EventTypes))
		for _, t := range s.EventTypes {
			types = append(types, core.SecurityEventType(t))
		}
		steps = append(steps, StepMatcher{
			EventTypes:     types,
			MITRE:          s.MITRE,
			SourceMachines: s.SourceMachines,
			AccountNames:   s.AccountNames,
			LogonTypes:     s.LogonTypes,
		})
	}
	return Pattern{
		Sequence:            steps,
		Reason:              p.Reason,
		IgnoreAllInSequence: p.IgnoreAllInSequence,
	}
}

// SetClock overrides the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Evaluate decides whether to suppress the event. Every matching pattern
// records its reason; the event is suppressed if any pattern matches.
func (e *Engine) Evaluate(ev *core.SecurityEvent) Decision {
	if !e.enabled {
		return Decision{}
	}

	host := ev.Original.Host
	if e.filterAllLocalEvents {
		if _, local := e.localMachines[strings.ToLower(host)]; local {
			e.record(ev.Original.UniqueID, host, "local machine filter", ev.Original.Time)
			return Decision{Ignore: true, Reasons: []string{"local machine filter"}}
		}
	}

	cur := &entry{
		uniqueID:  ev.Original.UniqueID,
		eventType: ev.EventType,
		mitre:     ev.MITRETechniques,
		host:      host,
		account:   extract(accountNameRe, ev.Original.Message),
		logonType: extract(logonTypeRe, ev.Original.Message),
		time:      ev.Original.Time,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.gcLocked(host)
	buf := e.perHost[host]

	decision := Decision{}
	for _, p := range e.patterns {
		matched, prior := e.matchLocked(p, cur, buf)
		if !matched {
			continue
		}
		decision.Ignore = true
		decision.Reasons = append(decision.Reasons, p.Reason)
		if p.IgnoreAllInSequence {
			for _, prev := range prior {
				if !prev.ignored {
					prev.ignored = true
					decision.AlsoIgnored = append(decision.AlsoIgnored, prev.uniqueID)
					e.recordLocked(prev.uniqueID, prev.host, p.Reason, prev.time)
				}
			}
		}
	}

	if decision.Ignore {
		cur.ignored = true
		e.recordLocked(cur.uniqueID, host, strings.Join(decision.Reasons, "; "), cur.time)
	}

	// The current event enters the buffer either way: a kept event may be
	// the first step of a later sequence.
	buf = append(buf, cur)
	if e.maxRecentEvents > 0 && len(buf) > e.maxRecentEvents {
		buf = buf[len(buf)-e.maxRecentEvents:]
	}
	e.perHost[host] = buf

	return decision
}

// matchLocked checks one pattern against the new event plus the host buffer.
// The last step must match the new event; earlier steps must match earlier
// buffered events in order, all inside the time window.
func (e *Engine) matchLocked(p Pattern, cur *entry, buf []*entry) (bool, []*entry) {
	if len(p.Sequence) == 0 {
		return false, nil
	}

	last := p.Sequence[len(p.Sequence)-1]
	if !stepMatches(last, cur) {
		return false, nil
	}
	if len(p.Sequence) == 1 {
		return true, nil
	}

	// Multi-step sequences need a positive window.
	if e.window <= 0 {
		return false, nil
	}

	matched := make([]*entry, len(p.Sequence)-1)
	stepIdx := len(p.Sequence) - 2
	for i := len(buf) - 1; i >= 0 && stepIdx >= 0; i-- {
		prev := buf[i]
		if cur.time.Sub(prev.time) > e.window {
			break
		}
		if stepMatches(p.Sequence[stepIdx], prev) {
			matched[stepIdx] = prev
			stepIdx--
		}
	}
	if stepIdx >= 0 {
		return false, nil
	}
	return true, matched
}

func stepMatches(s StepMatcher, ev *entry) bool {
	if len(s.EventTypes) > 0 && !containsType(s.EventTypes, ev.eventType) {
		return false
	}
	if len(s.MITRE) > 0 && !intersects(s.MITRE, ev.mitre) {
		return false
	}
	if len(s.SourceMachines) > 0 && !containsFold(s.SourceMachines, ev.host) {
		return false
	}
	if len(s.AccountNames) > 0 && !containsFold(s.AccountNames, ev.account) {
		return false
	}
	if len(s.LogonTypes) > 0 && !containsFold(s.LogonTypes, ev.logonType) {
		return false
	}
	return true
}

// gcLocked drops entries that have aged out of the sequence window. Expired
// state is collected lazily, on the next event for the host.
func (e *Engine) gcLocked(host string) {
	if e.window <= 0 {
		return
	}
	buf := e.perHost[host]
	cutoff := e.now().Add(-e.window)
	i := 0
	for ; i < len(buf); i++ {
		if !buf[i].time.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		e.perHost[host] = buf[i:]
	}
}

func (e *Engine) record(uniqueID, host, reason string, t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordLocked(uniqueID, host, reason, t)
}

func (e *Engine) recordLocked(uniqueID, host, reason string, t time.Time) {
	e.history = append(e.history, IgnoredEvent{
		UniqueID: uniqueID,
		Host:     host,
		Reason:   reason,
		Time:     t,
	})
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
}

// IgnoredEvents returns the reporting history of suppressed events, oldest
// first.
func (e *Engine) IgnoredEvents() []IgnoredEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]IgnoredEvent(nil), e.history...)
}

func extract(re *regexp.Regexp, message string) string {
	m := re.FindStringSubmatch(message)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func containsType(list []core.SecurityEventType, v core.SecurityEventType) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func intersects(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}
