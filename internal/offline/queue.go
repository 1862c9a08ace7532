// Package offline buffers write intents that cannot reach the site API and
// replays them, in recording order, once the server is reachable again.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sitesync/internal/siteapi"
	"github.com/kalambet/sitesync/internal/storage"
)

const (
	// PendingSlot is the durable slot holding the JSON array of pending actions.
	PendingSlot = "pendingActions"
	// DroppedSlot holds actions removed without delivery.
	DroppedSlot = "droppedActions"

	maxDropped = 100
)

var (
	// ErrStorage marks a failed write of the durable slot. The in-memory
	// queue is still authoritative when it is returned.
	ErrStorage = errors.New("storage fault")
	// ErrAttachments is returned when a post with file attachments is enqueued.
	ErrAttachments = errors.New("posts with attachments cannot be queued offline")
)

// Store is the durable slot storage the queue mirrors itself into.
type Store interface {
	GetSlot(key string) (string, error)
	SetSlot(key, value string) error
	RecordSyncRun(run storage.SyncRun) error
}

// Dispatcher delivers actions to the site API.
type Dispatcher interface {
	CreateTask(ctx context.Context, in siteapi.TaskInput) (siteapi.Task, error)
	CreateIssue(ctx context.Context, in siteapi.IssueInput) (siteapi.Issue, error)
	CreatePost(ctx context.Context, in siteapi.PostInput) (siteapi.Post, error)
	AddMaterial(ctx context.Context, in siteapi.MaterialInput) (siteapi.Material, error)
}

// Signal reports current connectivity.
type Signal interface {
	IsOnline() bool
}

// Notifier tells the user how many actions a drain delivered.
type Notifier interface {
	NotifySynced(ctx context.Context, count int) error
}

// Options configures optional collaborators of a Queue.
type Options struct {
	Online   Signal     // nil means always online
	Notifier Notifier   // nil disables notifications
	Policy   DropPolicy // empty means DropNonNetwork
	Logger   *slog.Logger
	Now      func() time.Time
}

// Result summarizes one drain pass.
type Result struct {
	// Skipped is set when another drain was already running.
	Skipped bool `json:"skipped"`
	// Offline is set when the pass did not start for lack of connectivity.
	Offline   bool `json:"offline"`
	Attempted int  `json:"attempted"`
	Synced    int  `json:"synced"`
	Dropped   int  `json:"dropped"`
	Retained  int  `json:"retained"`
	// Deferred counts posts with attachments left pending untouched.
	Deferred int `json:"deferred"`
	// Discarded counts entries of unknown kind removed without delivery.
	Discarded int `json:"discarded"`
}

// Queue is the durable, ordered buffer of pending actions.
type Queue struct {
	store    Store
	api      Dispatcher
	online   Signal
	notifier Notifier
	policy   DropPolicy
	logger   *slog.Logger
	now      func() time.Time

	draining atomic.Bool

	mu      sync.Mutex
	actions []PendingAction
	dropped []DroppedAction
}

// New creates a Queue and loads any actions persisted by a previous process.
func New(store Store, api Dispatcher, opts Options) (*Queue, error) {
	policy, err := ParseDropPolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	q := &Queue{
		store:    store,
		api:      api,
		online:   opts.Online,
		notifier: opts.Notifier,
		policy:   policy,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.now == nil {
		q.now = time.Now
	}

	if err := q.loadSlot(PendingSlot, &q.actions); err != nil {
		return nil, fmt.Errorf("loading pending actions: %w", err)
	}
	if err := q.loadSlot(DroppedSlot, &q.dropped); err != nil {
		return nil, fmt.Errorf("loading dropped actions: %w", err)
	}
	if len(q.actions) > 0 {
		q.logger.Info("restored pending actions", "count", len(q.actions))
	}
	return q, nil
}

func (q *Queue) loadSlot(key string, v any) error {
	raw, err := q.store.GetSlot(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

// Enqueue appends an action for p and persists the whole queue. The returned
// id lets callers correlate a placeholder result with the eventual server
// record. A persistence failure is reported with ErrStorage, but the action
// stays queued in memory and its id is still returned.
func (q *Queue) Enqueue(p Payload) (string, error) {
	p = normalize(p)
	if p == nil || !p.Kind().Valid() {
		return "", ErrUnknownKind
	}
	if !CanQueueWithAttachments(p) {
		return "", ErrAttachments
	}

	a := PendingAction{
		ID:        uuid.New().String(),
		Payload:   p,
		Timestamp: q.now().UnixMilli(),
	}

	q.mu.Lock()
	q.actions = append(q.actions, a)
	err := q.persistLocked()
	q.mu.Unlock()

	q.logger.Info("action queued", "action_id", a.ID, "type", a.Kind())
	return a.ID, err
}

// IsOnline reports the current connectivity signal.
func (q *Queue) IsOnline() bool {
	if q.online == nil {
		return true
	}
	return q.online.IsOnline()
}

// Drain replays every pending action in insertion order. At most one drain
// runs at a time; an overlapping call returns immediately with Skipped set.
// Actions enqueued while a pass runs are left for the next pass.
func (q *Queue) Drain(ctx context.Context) Result {
	if !q.draining.CompareAndSwap(false, true) {
		q.logger.Debug("drain already in progress")
		return Result{Skipped: true}
	}
	defer q.draining.Store(false)

	if !q.IsOnline() {
		return Result{Offline: true}
	}

	q.mu.Lock()
	snapshot := make([]PendingAction, len(q.actions))
	copy(snapshot, q.actions)
	q.mu.Unlock()

	if len(snapshot) == 0 {
		return Result{}
	}

	started := q.now()
	var res Result
	remove := make(map[string]bool)
	var dropped []DroppedAction

	for i, a := range snapshot {
		if ctx.Err() != nil {
			res.Retained += len(snapshot) - i
			q.logger.Info("drain interrupted", "remaining", len(snapshot)-i)
			break
		}

		out, err := q.replay(ctx, a)
		switch out {
		case outcomeSynced:
			res.Attempted++
			res.Synced++
			remove[a.ID] = true
		case outcomeDeferred:
			res.Deferred++
		case outcomeDiscarded:
			res.Discarded++
			remove[a.ID] = true
			dropped = append(dropped, q.deadLetter(a, ErrUnknownKind))
		case outcomeFailed:
			res.Attempted++
			if q.policy.ShouldDrop(err) {
				res.Dropped++
				remove[a.ID] = true
				dropped = append(dropped, q.deadLetter(a, err))
				q.logDropped(a, err)
			} else {
				res.Retained++
				q.logger.Warn("action sync failed, will retry", "action_id", a.ID, "type", a.Kind(), "error", err)
			}
		}
	}

	q.mu.Lock()
	if len(remove) > 0 {
		kept := make([]PendingAction, 0, len(q.actions))
		for _, a := range q.actions {
			if !remove[a.ID] {
				kept = append(kept, a)
			}
		}
		q.actions = kept
	}
	if len(dropped) > 0 {
		q.dropped = append(q.dropped, dropped...)
		if over := len(q.dropped) - maxDropped; over > 0 {
			q.dropped = append([]DroppedAction(nil), q.dropped[over:]...)
		}
	}
	if len(remove) > 0 {
		if err := q.persistLocked(); err != nil {
			q.logger.Error("persisting queue after drain", "error", err)
		}
	}
	if len(dropped) > 0 {
		if err := q.persistDroppedLocked(); err != nil {
			q.logger.Error("persisting dropped actions", "error", err)
		}
	}
	q.mu.Unlock()

	if err := q.store.RecordSyncRun(storage.SyncRun{
		StartedAt:  started,
		FinishedAt: q.now(),
		Attempted:  res.Attempted,
		Synced:     res.Synced,
		Dropped:    res.Dropped + res.Discarded,
		Retained:   res.Retained + res.Deferred,
	}); err != nil {
		q.logger.Error("recording sync run", "error", err)
	}

	q.logger.Info("drain finished",
		"attempted", res.Attempted, "synced", res.Synced, "dropped", res.Dropped,
		"retained", res.Retained, "deferred", res.Deferred)

	if res.Synced > 0 && q.notifier != nil {
		if err := q.notifier.NotifySynced(context.WithoutCancel(ctx), res.Synced); err != nil {
			q.logger.Warn("sync notification failed", "error", err)
		}
	}
	return res
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeDeferred
	outcomeDiscarded
)

func (q *Queue) replay(ctx context.Context, a PendingAction) (outcome, error) {
	var err error
	switch p := a.Payload.(type) {
	case TaskPayload:
		_, err = q.api.CreateTask(ctx, p.TaskInput)
	case IssuePayload:
		_, err = q.api.CreateIssue(ctx, p.IssueInput)
	case PostPayload:
		if len(p.Files) > 0 {
			q.logger.Warn("cannot sync post with files offline", "action_id", a.ID)
			return outcomeDeferred, nil
		}
		_, err = q.api.CreatePost(ctx, p.PostInput)
	case MaterialPayload:
		_, err = q.api.AddMaterial(ctx, p.MaterialInput)
	default:
		q.logger.Error("unknown action type, discarding", "action_id", a.ID, "type", a.Kind())
		return outcomeDiscarded, nil
	}
	switch {
	case siteapi.IsAccepted(err):
		q.logger.Warn("server accepted action but its reply was unreadable", "action_id", a.ID, "type", a.Kind(), "error", err)
	case err != nil:
		return outcomeFailed, err
	default:
		q.logger.Debug("action synced", "action_id", a.ID, "type", a.Kind())
	}
	return outcomeSynced, nil
}

func (q *Queue) deadLetter(a PendingAction, err error) DroppedAction {
	return DroppedAction{Action: a, Reason: err.Error(), DroppedAt: q.now().UnixMilli()}
}

func (q *Queue) logDropped(a PendingAction, err error) {
	payload, _ := json.Marshal(a.Payload)
	q.logger.Warn("server rejected action, dropping",
		"action_id", a.ID, "type", a.Kind(), "policy", q.policy,
		"payload", string(payload), "error", err)
}

// Count returns the number of pending actions.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Pending returns a copy of the pending actions in insertion order.
func (q *Queue) Pending() []PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingAction, len(q.actions))
	copy(out, q.actions)
	return out
}

// Get returns the pending action with the given id.
func (q *Queue) Get(id string) (PendingAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a.ID == id {
			return a, true
		}
	}
	return PendingAction{}, false
}

// Clear drops every pending action without attempting delivery.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.actions)
	q.actions = nil
	q.logger.Warn("pending actions cleared", "count", n)
	return q.persistLocked()
}

// Dropped returns the actions removed without delivery, oldest first.
func (q *Queue) Dropped() []DroppedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DroppedAction, len(q.dropped))
	copy(out, q.dropped)
	return out
}

// ClearDropped forgets the dropped-action record.
func (q *Queue) ClearDropped() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dropped = nil
	return q.persistDroppedLocked()
}

func (q *Queue) persistLocked() error {
	return q.writeSlot(PendingSlot, q.actions)
}

func (q *Queue) persistDroppedLocked() error {
	return q.writeSlot(DroppedSlot, q.dropped)
}

func (q *Queue) writeSlot(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if string(data) == "null" {
		data = []byte("[]")
	}
	if err := q.store.SetSlot(key, string(data)); err != nil {
		q.logger.Error("writing durable slot", "slot", key, "error", err)
		return fmt.Errorf("%w: writing %s: %w", ErrStorage, key, err)
	}
	return nil
}
