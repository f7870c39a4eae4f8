// Package monitoring aggregates component health probes and serves the
// admin surface.
package monitoring

import (
	"context"
	"log"
	"sync"
	"time"
)

// Probe checks one component. A nil return marks the component healthy.
type Probe func(ctx context.Context) error

// ComponentState is one probe's latest outcome.
type ComponentState struct {
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"last_error,omitempty"`
	LastCheck time.Time `json:"last_check"`
	Failures  uint64    `json:"failures"`
}

// Monitor runs registered probes on an interval. A component stays
// unhealthy until its next successful probe.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger

	mu     sync.RWMutex
	probes map[string]Probe
	states map[string]ComponentState

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		interval: interval,
		timeout:  5 * time.Second,
		logger:   log.New(log.Writer(), "[Health] ", log.LstdFlags),
		probes:   make(map[string]Probe),
		states:   make(map[string]ComponentState),
	}
}

// Register adds a named probe. Components start healthy until the first
// probe says otherwise.
func (m *Monitor) Register(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
	m.states[name] = ComponentState{Healthy: true}
}

// Start launches the probe loop.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.checkAll(runCtx)
		for {
			select {
			case <-ticker.C:
				m.checkAll(runCtx)
			case <-runCtx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	m.mu.RLock()
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.RUnlock()

	for name, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := probe(probeCtx)
		cancel()

		m.mu.Lock()
		state := m.states[name]
		state.LastCheck = time.Now()
		if err != nil {
			if state.Healthy {
				m.logger.Printf("Component %s unhealthy: %v", name, err)
			}
			state.Healthy = false
			state.LastError = err.Error()
			state.Failures++
		} else {
			if !state.Healthy {
				m.logger.Printf("Component %s recovered", name)
			}
			state.Healthy = true
			state.LastError = ""
		}
		m.states[name] = state
		m.mu.Unlock()
	}
}

// Healthy reports whether every component passed its latest probe.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.states {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// Snapshot returns the per-component states.
func (m *Monitor) Snapshot() map[string]ComponentState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ComponentState, len(m.states))
	for name, s := range m.states {
		out[name] = s
	}
	return out
}
