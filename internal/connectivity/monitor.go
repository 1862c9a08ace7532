// Package connectivity tracks whether the site API is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 2 * time.Second
)

// Prober checks reachability of the remote server. Any response from the
// server counts as reachable; only transport failures return an error.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor periodically probes the site API and records the last observed
// state. It is not debounced: every probe result is applied immediately.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	known  bool

	transitions chan bool
}

// NewMonitor creates a Monitor. If interval is <= 0, it defaults to 5s.
// The monitor reports online until the first probe says otherwise.
func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		prober:      prober,
		interval:    interval,
		timeout:     DefaultTimeout,
		logger:      slog.Default(),
		online:      true,
		transitions: make(chan bool, 1),
	}
}

// SetTimeout overrides the per-probe timeout.
func (m *Monitor) SetTimeout(d time.Duration) {
	if d > 0 {
		m.timeout = d
	}
}

// IsOnline returns the last observed state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Transitions yields true on each offline to online change. Signals that
// arrive while one is still unread are coalesced.
func (m *Monitor) Transitions() <-chan bool {
	return m.transitions
}

// SetOnline records a connectivity state and emits a transition when the
// state changes from offline to online.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	was, known := m.online, m.known
	m.online = online
	m.known = true
	m.mu.Unlock()

	if known && was == online {
		return
	}
	m.logger.Info("connectivity changed", "online", online)
	if online && known && !was {
		select {
		case m.transitions <- true:
		default:
		}
	}
}

// Probe checks the server once and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Ping(ctx)
	if err != nil {
		m.logger.Debug("probe failed", "error", err)
	}
	online := err == nil
	m.SetOnline(online)
	return online
}

// Start probes synchronously so the first IsOnline after it reflects the
// server rather than the optimistic default.
func (m *Monitor) Start(ctx context.Context) bool {
	return m.Probe(ctx)
}

// Run probes every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			m.Probe(ctx)
		}
	}
}

// Static is a fixed connectivity signal for one-shot use.
type Static bool

func (s Static) IsOnline() bool { return bool(s) }
