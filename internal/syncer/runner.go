// Package syncer decides when the offline queue is drained.
package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/sitesync/internal/offline"
)

// DefaultInterval is the periodic drain interval.
const DefaultInterval = 30 * time.Second

// Drainer replays pending actions.
type Drainer interface {
	Drain(ctx context.Context) offline.Result
}

// Runner drains the queue once at start, on every offline to online
// transition, on every tick, and whenever Trigger is called.
type Runner struct {
	queue       Drainer
	transitions <-chan bool
	interval    time.Duration
	trigger     chan struct{}
	logger      *slog.Logger
}

// NewRunner creates a Runner. transitions may be nil when no connectivity
// monitor is running. If interval is <= 0, it defaults to 30s.
func NewRunner(queue Drainer, transitions <-chan bool, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Runner{
		queue:       queue,
		transitions: transitions,
		interval:    interval,
		trigger:     make(chan struct{}, 1),
		logger:      slog.Default(),
	}
}

// Trigger requests a drain as soon as the runner is idle. Requests made
// while one is already pending are merged.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run drains until ctx is cancelled. The ticker is stopped on return.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.drain(ctx, "start")
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-r.transitions:
			if !ok {
				r.transitions = nil
				continue
			}
			if online {
				r.drain(ctx, "reconnect")
			}
		case <-ticker.C:
			r.drain(ctx, "tick")
		case <-r.trigger:
			r.drain(ctx, "manual")
		}
	}
}

func (r *Runner) drain(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	res := r.queue.Drain(ctx)
	if res.Attempted > 0 || res.Discarded > 0 {
		r.logger.Debug("drain triggered", "reason", reason, "synced", res.Synced, "retained", res.Retained)
	}
}
