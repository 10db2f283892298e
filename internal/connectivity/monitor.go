// Package connectivity tracks online/offline state for the sync engine.
//
// Platform link state alone does not prove the backend is reachable, so the
// monitor drives its state machine from an active probe against the backend
// plus any platform signals the caller feeds in via Report. Flapping is
// debounced: a transition commits only after the new state has held for the
// debounce window.
package connectivity

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Status is the monitor's view of backend reachability.
type Status int

const (
	// StatusUnknown is the initial state before the first probe resolves.
	StatusUnknown Status = iota
	// StatusOnline means the backend answered a recent probe.
	StatusOnline
	// StatusOffline means probes are failing.
	StatusOffline
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Prober checks backend reachability. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// Config holds monitor configuration.
type Config struct {
	// ProbeInterval is how often the backend is probed (default 10s).
	ProbeInterval time.Duration
	// ProbeTimeout bounds each probe (default 5s).
	ProbeTimeout time.Duration
	// DebounceWindow collapses flapping transitions (default 2s).
	DebounceWindow time.Duration
	// Logger defaults to a stderr logger.
	Logger *log.Logger
}

// Monitor is the connectivity state machine.
type Monitor struct {
	prober Prober
	config Config
	logger *log.Logger

	mu             sync.Mutex
	status         Status
	candidate      Status
	candidateSince time.Time
	forced         bool
	subs           map[chan Status]struct{}

	now func() time.Time
}

// New creates a Monitor. Call Run to start active probing; until then the
// status is Unknown unless Report or SetOnline feed it.
func New(prober Prober, config Config) *Monitor {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 10 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.DebounceWindow <= 0 {
		config.DebounceWindow = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{
		prober: prober,
		config: config,
		logger: config.Logger,
		status: StatusUnknown,
		subs:   make(map[chan Status]struct{}),
		now:    time.Now,
	}
}

// Status returns the current committed status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Online reports whether the committed status is Online.
func (m *Monitor) Online() bool { return m.Status() == StatusOnline }

// Subscribe returns a channel receiving every committed transition. The
// channel is buffered; a slow consumer loses intermediate transitions, not
// the latest one.
func (m *Monitor) Subscribe() chan Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Status, 4)
	m.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (m *Monitor) Unsubscribe(ch chan Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// Report feeds a platform connectivity signal through the debounce window.
// The first signal out of Unknown commits immediately.
func (m *Monitor) Report(online bool) {
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	m.observe(status)
}

// SetOnline forces the status, bypassing probing and debounce. Further
// probes are ignored until ClearForced. Used by tests and the CLI to
// simulate connectivity.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	m.forced = true
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	m.commitLocked(status)
	m.mu.Unlock()
}

// ClearForced resumes probe-driven operation.
func (m *Monitor) ClearForced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced = false
	m.candidate = m.status
}

// Run probes the backend on the configured interval until ctx is
// cancelled. An immediate probe runs first so startup does not wait a full
// interval for the initial status.
func (m *Monitor) Run(ctx context.Context) {
	m.probeOnce(ctx)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	err := m.prober.Probe(probeCtx)
	cancel()

	if err != nil {
		m.observe(StatusOffline)
	} else {
		m.observe(StatusOnline)
	}
}

// observe runs one signal through the debounce state machine.
func (m *Monitor) observe(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.forced {
		return
	}
	if status == m.status {
		m.candidate = m.status
		return
	}

	// Out of Unknown there is nothing to debounce against.
	if m.status == StatusUnknown {
		m.commitLocked(status)
		return
	}

	now := m.now()
	if m.candidate != status {
		m.candidate = status
		m.candidateSince = now
		return
	}
	if now.Sub(m.candidateSince) >= m.config.DebounceWindow {
		m.commitLocked(status)
	}
}

// commitLocked transitions to status and notifies subscribers. Callers
// hold m.mu.
func (m *Monitor) commitLocked(status Status) {
	if m.status == status {
		return
	}
	m.logger.Printf("Connectivity: %s -> %s", m.status, status)
	m.status = status
	m.candidate = status
	for ch := range m.subs {
		select {
		case ch <- status:
		default:
			// Drain the stale transition and deliver the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- status:
			default:
			}
		}
	}
}
