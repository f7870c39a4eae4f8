package ignore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/MLidstrom/Castellan-sub009/internal/config"
	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

func classified(uniqueID, host string, eventType core.SecurityEventType, mitre []string, at time.Time) *core.SecurityEvent {
	return &core.SecurityEvent{
		ID: uniqueID,
		Original: core.LogEvent{
			UniqueID: uniqueID,
			Host:     host,
			Time:     at,
			Message:  "Account Name: svc_backup Logon Type: 5",
		},
		EventType:       eventType,
		MITRETechniques: mitre,
	}
}

// sequenceConfig is the two-step benign-elevation pattern: a logon
// followed by a privilege escalation on the same host inside the window.
func sequenceConfig(windowSeconds int, ignoreAll bool) config.IgnoreConfig {
	return config.IgnoreConfig{
		Enabled:                   true,
		MaxRecentEvents:           200,
		SequenceTimeWindowSeconds: windowSeconds,
		Patterns: []config.IgnorePatternConfig{
			{
				Sequence: []config.IgnoreStepConfig{
					{EventTypes: []string{"AuthenticationSuccess"}, MITRE: []string{"T1078"}, SourceMachines: []string{"HOST-A"}},
					{EventTypes: []string{"PrivilegeEscalation"}, MITRE: []string{"T1548", "T1055"}, SourceMachines: []string{"HOST-A"}},
				},
				Reason:              "scheduled backup elevation",
				IgnoreAllInSequence: ignoreAll,
			},
		},
	}
}

func TestDisabledEngineKeepsEverything(t *testing.T) {
	cfg := sequenceConfig(30, true)
	cfg.Enabled = false
	e := NewEngine(cfg)

	d := e.Evaluate(classified("e1", "HOST-A", core.EventPrivilegeEscalation, []string{"T1548"}, time.Now()))
	assert.False(t, d.Ignore)
}

func TestLocalMachineFilter(t *testing.T) {
	e := NewEngine(config.IgnoreConfig{
		Enabled:              true,
		FilterAllLocalEvents: true,
		LocalMachines:        []string{"host-a"},
		MaxRecentEvents:      200,
	})

	d := e.Evaluate(classified("e1", "HOST-A", core.EventProcessCreation, nil, time.Now()))
	assert.True(t, d.Ignore, "host match is case-insensitive")
	assert.Contains(t, d.Reasons, "local machine filter")

	d = e.Evaluate(classified("e2", "HOST-B", core.EventProcessCreation, nil, time.Now()))
	assert.False(t, d.Ignore)
}

func TestSequenceMatchSuppressesTerminalEvent(t *testing.T) {
	e := NewEngine(sequenceConfig(30, true))
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	now := base
	e.SetClock(func() time.Time { return now })

	first := e.Evaluate(classified("e1", "HOST-A", core.EventAuthenticationSuccess, []string{"T1078"}, base))
	now = base.Add(10 * time.Second)
	assert.False(t, first.Ignore, "the first step passes through")

	second := e.Evaluate(classified("e2", "HOST-A", core.EventPrivilegeEscalation, []string{"T1548"}, base.Add(10*time.Second)))
	assert.True(t, second.Ignore, "the terminal step inside the window is suppressed")
	assert.Contains(t, second.Reasons, "scheduled backup elevation")
	assert.Contains(t, second.AlsoIgnored, "e1", "ignore_all_in_sequence marks the earlier step")

	// Both appear in the reporting history.
	ids := make(map[string]bool)
	for _, rec := range e.IgnoredEvents() {
		ids[rec.UniqueID] = true
	}
	assert.True(t, ids["e1"])
	assert.True(t, ids["e2"])
}

func TestSequenceTerminalOnlyWhenIgnoreAllDisabled(t *testing.T) {
	e := NewEngine(sequenceConfig(30, false))
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	now := base
	e.SetClock(func() time.Time { return now })

	e.Evaluate(classified("e1", "HOST-A", core.EventAuthenticationSuccess, []string{"T1078"}, base))
	now = base.Add(10 * time.Second)
	second := e.Evaluate(classified("e2", "HOST-A", core.EventPrivilegeEscalation, []string{"T1055"}, base.Add(10*time.Second)))

	assert.True(t, second.Ignore)
	assert.Empty(t, second.AlsoIgnored)
}

func TestSequenceOutsideWindowDoesNotMatch(t *testing.T) {
	e := NewEngine(sequenceConfig(30, true))
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	now := base
	e.SetClock(func() time.Time { return now })

	e.Evaluate(classified("e1", "HOST-A", core.EventAuthenticationSuccess, []string{"T1078"}, base))
	now = base.Add(45 * time.Second)
	second := e.Evaluate(classified("e2", "HOST-A", core.EventPrivilegeEscalation, []string{"T1548"}, base.Add(45*time.Second)))
	assert.False(t, second.Ignore)
}

func TestZeroWindowNeverMatchesMultiStep(t *testing.T) {
	e := NewEngine(sequenceConfig(0, true))
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return base })

	e.Evaluate(classified("e1", "HOST-A", core.EventAuthenticationSuccess, []string{"T1078"}, base))
	second := e.Evaluate(classified("e2", "HOST-A", core.EventPrivilegeEscalation, []string{"T1548"}, base))
	assert.False(t, second.Ignore, "window=0 disables multi-step sequences")
}

func TestSequenceRequiresSameHost(t *testing.T) {
	e := NewEngine(sequenceConfig(30, true))
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	now := base
	e.SetClock(func() time.Time { return now })

	e.Evaluate(classified("e1", "HOST-B", core.EventAuthenticationSuccess, []string{"T1078"}, base))
	now = base.Add(5 * time.Second)
	second := e.Evaluate(classified("e2", "HOST-A", core.EventPrivilegeEscalation, []string{"T1548"}, base.Add(5*time.Second)))
	assert.False(t, second.Ignore, "steps on a different host do not complete the sequence")
}

func TestSingleStepPatternSuppressesIndividually(t *testing.T) {
	e := NewEngine(config.IgnoreConfig{
		Enabled:         true,
		MaxRecentEvents: 200,
		Patterns: []config.IgnorePatternConfig{
			{
				Sequence: []config.IgnoreStepConfig{
					{EventTypes: []string{"SystemStartup"}},
				},
				Reason: "routine startup",
			},
		},
	})

	d := e.Evaluate(classified("e1", "HOST-A", core.EventSystemStartup, nil, time.Now()))
	assert.True(t, d.Ignore)
	assert.Equal(t, []string{"routine startup"}, d.Reasons)
}

func TestAccountAndLogonTypeExtraction(t *testing.T) {
	e := NewEngine(config.IgnoreConfig{
		Enabled:                   true,
		MaxRecentEvents:           200,
		SequenceTimeWindowSeconds: 60,
		Patterns: []config.IgnorePatternConfig{
			{
				Sequence: []config.IgnoreStepConfig{
					{AccountNames: []string{"svc_backup"}, LogonTypes: []string{"5"}},
				},
				Reason: "service logon",
			},
		},
	})

	d := e.Evaluate(classified("e1", "HOST-A", core.EventAuthenticationSuccess, nil, time.Now()))
	assert.True(t, d.Ignore, "account name and logon type are extracted from the message")

	other := classified("e2", "HOST-A", core.EventAuthenticationSuccess, nil, time.Now())
	other.Original.Message = "Account Name: alice Logon Type: 2"
	d = e.Evaluate(other)
	assert.False(t, d.Ignore)
}

func TestBufferIsBounded(t *testing.T) {
	e := NewEngine(config.IgnoreConfig{
		Enabled:                   true,
		MaxRecentEvents:           5,
		SequenceTimeWindowSeconds: 3600,
	})

	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	now := base
	e.SetClock(func() time.Time { return now })
	for i := 0; i < 50; i++ {
		now = base.Add(time.Duration(i) * time.Second)
		e.Evaluate(classified(fmt.Sprintf("e%d", i), "HOST-A", core.EventProcessCreation, nil, base.Add(time.Duration(i)*time.Second)))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.LessOrEqual(t, len(e.perHost["HOST-A"]), 5)
}
