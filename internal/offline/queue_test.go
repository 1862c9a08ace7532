package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/sitesync/internal/siteapi"
	"github.com/kalambet/sitesync/internal/storage"
)

// --- mocks ---

type memStore struct {
	mu      sync.Mutex
	slots   map[string]string
	runs    []storage.SyncRun
	failSet bool
}

func newMemStore() *memStore {
	return &memStore{slots: make(map[string]string)}
}

func (m *memStore) GetSlot(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.slots[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (m *memStore) SetSlot(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return errors.New("quota exceeded")
	}
	m.slots[key] = value
	return nil
}

func (m *memStore) RecordSyncRun(run storage.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

type mockAPI struct {
	mu      sync.Mutex
	calls   []string // titles and names in call order
	errFn   func(name string) error
	block   chan struct{}
	entered chan struct{}
}

func (m *mockAPI) record(ctx context.Context, name string) error {
	if m.entered != nil {
		select {
		case m.entered <- struct{}{}:
		default:
		}
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.mu.Unlock()
	if m.errFn != nil {
		return m.errFn(name)
	}
	return nil
}

func (m *mockAPI) CreateTask(ctx context.Context, in siteapi.TaskInput) (siteapi.Task, error) {
	return siteapi.Task{ID: 1, TaskInput: in}, m.record(ctx, in.Title)
}

func (m *mockAPI) CreateIssue(ctx context.Context, in siteapi.IssueInput) (siteapi.Issue, error) {
	return siteapi.Issue{ID: 1, IssueInput: in}, m.record(ctx, in.Title)
}

func (m *mockAPI) CreatePost(ctx context.Context, in siteapi.PostInput) (siteapi.Post, error) {
	return siteapi.Post{ID: 1, Title: in.Title}, m.record(ctx, in.Title)
}

func (m *mockAPI) AddMaterial(ctx context.Context, in siteapi.MaterialInput) (siteapi.Material, error) {
	return siteapi.Material{ID: 1, MaterialInput: in}, m.record(ctx, in.Name)
}

func (m *mockAPI) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

type switchSignal struct{ online atomic.Bool }

func (s *switchSignal) IsOnline() bool { return s.online.Load() }

type mockNotifier struct {
	mu     sync.Mutex
	counts []int
}

func (m *mockNotifier) NotifySynced(_ context.Context, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = append(m.counts, count)
	return nil
}

// --- helpers ---

func newTestQueue(t *testing.T, store *memStore, api *mockAPI, opts Options) *Queue {
	t.Helper()
	q, err := New(store, api, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func taskPayload(title string) TaskPayload {
	return TaskPayload{siteapi.TaskInput{ProjectID: 7, Title: title, Status: "pending"}}
}

func postPayload(title string, files ...siteapi.Attachment) PostPayload {
	return PostPayload{siteapi.PostInput{Title: title, Content: "body", Author: 3, Object: 12, Files: files}}
}

func mustEnqueue(t *testing.T, q *Queue, p Payload) string {
	t.Helper()
	id, err := q.Enqueue(p)
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", p.Kind(), err)
	}
	return id
}

func networkErr() error {
	return &siteapi.NetworkError{Op: "POST /tasks", Err: errors.New("connection refused")}
}

// --- tests ---

func TestEnqueue_CountMatchesCalls(t *testing.T) {
	offline := &switchSignal{}
	q := newTestQueue(t, newMemStore(), &mockAPI{}, Options{Online: offline})

	for i := 0; i < 25; i++ {
		switch i % 4 {
		case 0:
			mustEnqueue(t, q, taskPayload(fmt.Sprintf("task-%d", i)))
		case 1:
			mustEnqueue(t, q, IssuePayload{siteapi.IssueInput{Title: "issue", Severity: "high"}})
		case 2:
			mustEnqueue(t, q, postPayload("post"))
		case 3:
			mustEnqueue(t, q, MaterialPayload{siteapi.MaterialInput{Name: "Cement M500", Quantity: 12, Unit: "t"}})
		}
		if got := q.Count(); got != i+1 {
			t.Fatalf("Count after %d enqueues = %d", i+1, got)
		}
	}
}

func TestEnqueue_UniqueIDs(t *testing.T) {
	q := newTestQueue(t, newMemStore(), &mockAPI{}, Options{})

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := mustEnqueue(t, q, taskPayload("t"))
		if id == "" {
			t.Fatal("empty id")
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestEnqueue_DurableRoundTrip(t *testing.T) {
	store := newMemStore()
	q1 := newTestQueue(t, store, &mockAPI{}, Options{Online: &switchSignal{}})

	coords := siteapi.Coordinates{55.75, 37.61}
	payloads := []Payload{
		taskPayload("Pour slab"),
		PostPayload{siteapi.PostInput{Title: "Violation", Content: "No helmets", Author: 4, Object: 9, Coordinates: &coords}},
		MaterialPayload{siteapi.MaterialInput{Name: "Rebar A500", Quantity: 2.5, Unit: "t", ProjectID: 9}},
		IssuePayload{siteapi.IssueInput{ProjectID: 9, Title: "Crack", Severity: "critical", Status: "open"}},
	}
	for _, p := range payloads {
		mustEnqueue(t, q1, p)
	}
	want := q1.Pending()

	// Simulated restart: a fresh queue over the same store.
	q2 := newTestQueue(t, store, &mockAPI{}, Options{Online: &switchSignal{}})
	got := q2.Pending()

	if len(got) != len(want) {
		t.Fatalf("reloaded %d actions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Errorf("action %d id = %s, want %s", i, got[i].ID, want[i].ID)
		}
		if got[i].Timestamp != want[i].Timestamp {
			t.Errorf("action %d timestamp = %d, want %d", i, got[i].Timestamp, want[i].Timestamp)
		}
		if !reflect.DeepEqual(got[i].Payload, want[i].Payload) {
			t.Errorf("action %d payload = %#v, want %#v", i, got[i].Payload, want[i].Payload)
		}
	}
}

func TestEnqueue_RejectsAttachments(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(t, store, &mockAPI{}, Options{})

	_, err := q.Enqueue(postPayload("with photo", siteapi.Attachment{Name: "a.jpg", Path: "/tmp/a.jpg"}))
	if !errors.Is(err, ErrAttachments) {
		t.Fatalf("Enqueue error = %v, want ErrAttachments", err)
	}
	if q.Count() != 0 {
		t.Errorf("Count = %d, want 0", q.Count())
	}
}

func TestEnqueue_PointerPayload(t *testing.T) {
	api := &mockAPI{}
	q := newTestQueue(t, newMemStore(), api, Options{})

	p := taskPayload("by pointer")
	mustEnqueue(t, q, &p)

	res := q.Drain(context.Background())
	if res.Synced != 1 {
		t.Fatalf("Synced = %d, want 1 (result %+v)", res.Synced, res)
	}
}

func TestEnqueue_StorageFaultKeepsMemoryCopy(t *testing.T) {
	store := newMemStore()
	store.failSet = true
	q := newTestQueue(t, store, &mockAPI{}, Options{})

	id, err := q.Enqueue(taskPayload("unsaved"))
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("Enqueue error = %v, want ErrStorage", err)
	}
	if id == "" {
		t.Error("id is empty on storage fault")
	}
	if _, ok := q.Get(id); !ok {
		t.Error("action missing from memory after storage fault")
	}
}

func TestCanQueueWithAttachments(t *testing.T) {
	if !CanQueueWithAttachments(postPayload("no files")) {
		t.Error("post with empty files: got false, want true")
	}
	if CanQueueWithAttachments(postPayload("one file", siteapi.Attachment{Name: "f"})) {
		t.Error("post with one file: got true, want false")
	}
	p := postPayload("two files", siteapi.Attachment{Name: "f"}, siteapi.Attachment{Name: "g"})
	if CanQueueWithAttachments(&p) {
		t.Error("pointer post with files: got true, want false")
	}
	if !CanQueueWithAttachments(taskPayload("task")) {
		t.Error("task: got false, want true")
	}
}

func TestDrain_PostWithoutAttachmentsRemoved(t *testing.T) {
	api := &mockAPI{}
	q := newTestQueue(t, newMemStore(), api, Options{})

	mustEnqueue(t, q, taskPayload("stays first"))
	mustEnqueue(t, q, postPayload("Rebar check"))
	api.errFn = func(name string) error {
		if name == "stays first" {
			return networkErr()
		}
		return nil
	}
	before := q.Count()

	q.Drain(context.Background())

	if got := q.Count(); got != before-1 {
		t.Fatalf("Count = %d, want %d", got, before-1)
	}
	for _, a := range q.Pending() {
		if a.Kind() == KindCreatePost {
			t.Errorf("post %s still pending after successful drain", a.ID)
		}
	}
}

func TestDrain_OrderAndNotification(t *testing.T) {
	online := &switchSignal{}
	api := &mockAPI{}
	notifier := &mockNotifier{}
	q := newTestQueue(t, newMemStore(), api, Options{Online: online, Notifier: notifier})

	mustEnqueue(t, q, taskPayload("A"))
	mustEnqueue(t, q, postPayload("B"))
	mustEnqueue(t, q, MaterialPayload{siteapi.MaterialInput{Name: "C"}})

	if res := q.Drain(context.Background()); !res.Offline {
		t.Fatalf("drain while offline = %+v, want Offline", res)
	}
	if len(api.Calls()) != 0 {
		t.Fatalf("API called while offline: %v", api.Calls())
	}

	online.online.Store(true)
	res := q.Drain(context.Background())

	if got := api.Calls(); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Errorf("call order = %v, want [A B C]", got)
	}
	if res.Synced != 3 {
		t.Errorf("Synced = %d, want 3", res.Synced)
	}
	if q.Count() != 0 {
		t.Errorf("Count = %d, want 0", q.Count())
	}
	if !reflect.DeepEqual(notifier.counts, []int{3}) {
		t.Errorf("notifications = %v, want [3]", notifier.counts)
	}
}

func TestDrain_SingleFlight(t *testing.T) {
	api := &mockAPI{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	q := newTestQueue(t, newMemStore(), api, Options{})
	mustEnqueue(t, q, taskPayload("only"))

	done := make(chan Result)
	go func() { done <- q.Drain(context.Background()) }()

	select {
	case <-api.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first drain never reached the API")
	}

	second := q.Drain(context.Background())
	if !second.Skipped {
		t.Errorf("overlapping drain = %+v, want Skipped", second)
	}

	close(api.block)
	first := <-done
	if first.Synced != 1 {
		t.Errorf("first drain Synced = %d, want 1", first.Synced)
	}
	if n := len(api.Calls()); n != 1 {
		t.Errorf("API calls = %d, want 1", n)
	}

	// The guard is released once the pass completes.
	if res := q.Drain(context.Background()); res.Skipped {
		t.Error("drain after completion was skipped")
	}
}

func TestDrain_NetworkFailureRetainedThenSynced(t *testing.T) {
	api := &mockAPI{errFn: func(string) error { return networkErr() }}
	q := newTestQueue(t, newMemStore(), api, Options{})
	id := mustEnqueue(t, q, taskPayload("flaky"))

	res := q.Drain(context.Background())
	if res.Retained != 1 || res.Synced != 0 {
		t.Fatalf("result = %+v, want 1 retained", res)
	}
	pending := q.Pending()
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending = %+v, want action %s", pending, id)
	}

	api.errFn = nil
	res = q.Drain(context.Background())
	if res.Synced != 1 {
		t.Fatalf("second drain Synced = %d, want 1", res.Synced)
	}
	if q.Count() != 0 {
		t.Errorf("Count = %d, want 0", q.Count())
	}
}

func TestDrain_ServerRejectionDropped(t *testing.T) {
	store := newMemStore()
	api := &mockAPI{errFn: func(string) error {
		return &siteapi.StatusError{Op: "POST /tasks", Code: 400, Body: "projectId required"}
	}}
	notifier := &mockNotifier{}
	q := newTestQueue(t, store, api, Options{Notifier: notifier})
	id := mustEnqueue(t, q, taskPayload("rejected"))

	res := q.Drain(context.Background())
	if res.Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", res.Dropped)
	}
	if _, ok := q.Get(id); ok {
		t.Error("rejected action still pending")
	}
	dropped := q.Dropped()
	if len(dropped) != 1 || dropped[0].Action.ID != id {
		t.Fatalf("dropped = %+v, want action %s", dropped, id)
	}
	if len(notifier.counts) != 0 {
		t.Errorf("notified %v for a pass with no successes", notifier.counts)
	}

	// Dead letters survive a restart.
	q2 := newTestQueue(t, store, &mockAPI{}, Options{})
	if got := q2.Dropped(); len(got) != 1 || got[0].Action.ID != id {
		t.Errorf("dropped after reload = %+v", got)
	}
}

func TestDrain_DropPolicies(t *testing.T) {
	status := func(code int) error { return &siteapi.StatusError{Op: "POST /issues", Code: code} }

	tests := []struct {
		policy      DropPolicy
		err         error
		wantDropped bool
	}{
		{DropNonNetwork, status(500), true},
		{DropNonNetwork, status(422), true},
		{DropNonNetwork, errors.New("decoding response"), true},
		{DropClientErrors, status(500), false},
		{DropClientErrors, status(404), true},
		{DropClientErrors, errors.New("decoding response"), false},
		{DropNever, status(400), false},
		{DropNonNetwork, networkErr(), false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%v", tt.policy, tt.err), func(t *testing.T) {
			err := tt.err
			api := &mockAPI{errFn: func(string) error { return err }}
			q := newTestQueue(t, newMemStore(), api, Options{Policy: tt.policy})
			mustEnqueue(t, q, IssuePayload{siteapi.IssueInput{Title: "x"}})

			res := q.Drain(context.Background())
			if got := res.Dropped == 1; got != tt.wantDropped {
				t.Errorf("dropped = %v, want %v (result %+v)", got, tt.wantDropped, res)
			}
			if got := q.Count() == 0; got != tt.wantDropped {
				t.Errorf("removed = %v, want %v", got, tt.wantDropped)
			}
		})
	}
}

func TestDrain_EnqueueDuringDrainSurvives(t *testing.T) {
	api := &mockAPI{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	q := newTestQueue(t, newMemStore(), api, Options{})
	mustEnqueue(t, q, taskPayload("first"))

	done := make(chan Result)
	go func() { done <- q.Drain(context.Background()) }()
	<-api.entered

	late := mustEnqueue(t, q, taskPayload("late"))
	close(api.block)
	res := <-done

	if res.Synced != 1 {
		t.Fatalf("Synced = %d, want 1", res.Synced)
	}
	pending := q.Pending()
	if len(pending) != 1 || pending[0].ID != late {
		t.Fatalf("pending = %+v, want only the late action", pending)
	}
}

func TestDrain_DefersPersistedPostWithFiles(t *testing.T) {
	store := newMemStore()
	store.slots[PendingSlot] = `[{"id":"p1","type":"CREATE_POST","payload":{"title":"photo","content":"c","author":1,"object":2,"files":[{"name":"a.jpg","path":"/tmp/a.jpg"}]},"timestamp":1700000000000}]`

	api := &mockAPI{}
	q := newTestQueue(t, store, api, Options{})
	res := q.Drain(context.Background())

	if res.Deferred != 1 {
		t.Errorf("Deferred = %d, want 1", res.Deferred)
	}
	if len(api.Calls()) != 0 {
		t.Errorf("API called for post with files: %v", api.Calls())
	}
	if _, ok := q.Get("p1"); !ok {
		t.Error("post with files removed from queue")
	}
}

func TestDrain_UnknownKindDiscarded(t *testing.T) {
	store := newMemStore()
	store.slots[PendingSlot] = `[
		{"id":"x1","type":"DELETE_OBJECT","payload":{"object":5},"timestamp":1},
		{"id":"t1","type":"CREATE_TASK","payload":{"title":"real"},"timestamp":2}
	]`

	api := &mockAPI{}
	q := newTestQueue(t, store, api, Options{})
	if q.Count() != 2 {
		t.Fatalf("loaded %d actions, want 2", q.Count())
	}

	res := q.Drain(context.Background())
	if res.Discarded != 1 || res.Synced != 1 {
		t.Fatalf("result = %+v, want 1 discarded 1 synced", res)
	}
	if !reflect.DeepEqual(api.Calls(), []string{"real"}) {
		t.Errorf("calls = %v", api.Calls())
	}
	if q.Count() != 0 {
		t.Errorf("Count = %d, want 0", q.Count())
	}
}

func TestDrain_CancelledContextRetainsRest(t *testing.T) {
	api := &mockAPI{}
	q := newTestQueue(t, newMemStore(), api, Options{})
	mustEnqueue(t, q, taskPayload("a"))
	mustEnqueue(t, q, taskPayload("b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := q.Drain(ctx)

	if res.Retained != 2 || len(api.Calls()) != 0 {
		t.Errorf("result = %+v calls = %v, want 2 retained and no calls", res, api.Calls())
	}
	if q.Count() != 2 {
		t.Errorf("Count = %d, want 2", q.Count())
	}
}

func TestDrain_RecordsSyncRun(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(t, store, &mockAPI{}, Options{})

	q.Drain(context.Background())
	if len(store.runs) != 0 {
		t.Fatalf("empty drain recorded %d runs", len(store.runs))
	}

	mustEnqueue(t, q, taskPayload("a"))
	q.Drain(context.Background())
	if len(store.runs) != 1 || store.runs[0].Synced != 1 {
		t.Fatalf("runs = %+v, want one run with 1 synced", store.runs)
	}
}

func TestClear(t *testing.T) {
	store := newMemStore()
	api := &mockAPI{}
	q := newTestQueue(t, store, api, Options{})
	mustEnqueue(t, q, taskPayload("a"))
	mustEnqueue(t, q, taskPayload("b"))

	if err := q.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if q.Count() != 0 {
		t.Errorf("Count = %d, want 0", q.Count())
	}
	if store.slots[PendingSlot] != "[]" {
		t.Errorf("persisted slot = %q, want []", store.slots[PendingSlot])
	}

	q.Drain(context.Background())
	if len(api.Calls()) != 0 {
		t.Errorf("cleared actions were delivered: %v", api.Calls())
	}
}

func TestDropped_BoundedAndClearable(t *testing.T) {
	store := newMemStore()
	api := &mockAPI{errFn: func(string) error {
		return &siteapi.StatusError{Op: "POST /tasks", Code: 422}
	}}
	q := newTestQueue(t, store, api, Options{})

	var last string
	for i := 0; i < maxDropped+5; i++ {
		last = mustEnqueue(t, q, taskPayload(fmt.Sprintf("t%d", i)))
	}
	q.Drain(context.Background())

	dropped := q.Dropped()
	if len(dropped) != maxDropped {
		t.Fatalf("len(Dropped) = %d, want %d", len(dropped), maxDropped)
	}
	if dropped[len(dropped)-1].Action.ID != last {
		t.Error("newest dropped action was evicted")
	}

	if err := q.ClearDropped(); err != nil {
		t.Fatalf("ClearDropped: %v", err)
	}
	if len(q.Dropped()) != 0 {
		t.Errorf("Dropped after clear = %d entries", len(q.Dropped()))
	}
	if store.slots[DroppedSlot] != "[]" {
		t.Errorf("persisted dropped slot = %q", store.slots[DroppedSlot])
	}
}

func TestNew_CorruptSlot(t *testing.T) {
	store := newMemStore()
	store.slots[PendingSlot] = `{not json`
	if _, err := New(store, &mockAPI{}, Options{}); err == nil {
		t.Fatal("New with corrupt slot: expected error")
	}
}

func TestNew_LogsRestoredActionsOnce(t *testing.T) {
	store := newMemStore()
	first := newTestQueue(t, store, &mockAPI{}, Options{})
	mustEnqueue(t, first, taskPayload("a"))
	mustEnqueue(t, first, taskPayload("b"))

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	q, err := New(store, &mockAPI{}, Options{Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if q.Count() != 2 {
		t.Fatalf("restored %d actions, want 2", q.Count())
	}
	if n := strings.Count(buf.String(), "restored pending actions"); n != 1 {
		t.Errorf("restore logged %d times, want 1:\n%s", n, buf.String())
	}
	if !strings.Contains(buf.String(), "count=2") {
		t.Errorf("restore line lacks count:\n%s", buf.String())
	}

	buf.Reset()
	if _, err := New(newMemStore(), &mockAPI{}, Options{Logger: logger}); err != nil {
		t.Fatalf("New (empty): %v", err)
	}
	if strings.Contains(buf.String(), "restored pending actions") {
		t.Errorf("empty queue logged a restore:\n%s", buf.String())
	}
}

func TestParseDropPolicy(t *testing.T) {
	if p, err := ParseDropPolicy(""); err != nil || p != DropNonNetwork {
		t.Errorf("ParseDropPolicy(\"\") = %q, %v", p, err)
	}
	if p, err := ParseDropPolicy("client_errors"); err != nil || p != DropClientErrors {
		t.Errorf("ParseDropPolicy(client_errors) = %q, %v", p, err)
	}
	if _, err := ParseDropPolicy("sometimes"); err == nil {
		t.Error("ParseDropPolicy(sometimes): expected error")
	}
}
