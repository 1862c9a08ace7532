package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/sitesync/internal/connectivity"
	"github.com/kalambet/sitesync/internal/offline"
	"github.com/kalambet/sitesync/internal/site"
	"github.com/kalambet/sitesync/internal/siteapi"
	"github.com/kalambet/sitesync/internal/storage"
)

const testToken = "test-token-12345"

// --- mocks ---

type stubDispatcher struct {
	err error
}

func (s *stubDispatcher) CreateTask(_ context.Context, in siteapi.TaskInput) (siteapi.Task, error) {
	return siteapi.Task{ID: 1, TaskInput: in}, s.err
}

func (s *stubDispatcher) CreateIssue(_ context.Context, in siteapi.IssueInput) (siteapi.Issue, error) {
	return siteapi.Issue{ID: 2, IssueInput: in}, s.err
}

func (s *stubDispatcher) CreatePost(_ context.Context, in siteapi.PostInput) (siteapi.Post, error) {
	return siteapi.Post{ID: 3, Title: in.Title}, s.err
}

func (s *stubDispatcher) AddMaterial(_ context.Context, in siteapi.MaterialInput) (siteapi.Material, error) {
	return siteapi.Material{ID: 4, MaterialInput: in}, s.err
}

type stubSession struct {
	user       *siteapi.User
	loginErr   error
	refreshErr error
}

func (s *stubSession) Login(_ context.Context, email, _ string) (siteapi.User, error) {
	if s.loginErr != nil {
		return siteapi.User{}, s.loginErr
	}
	s.user = &siteapi.User{Email: email, Role: "ROLE_INSPECTOR"}
	return *s.user, nil
}

func (s *stubSession) Logout() error { s.user = nil; return nil }

func (s *stubSession) User() (siteapi.User, bool) {
	if s.user == nil {
		return siteapi.User{}, false
	}
	return *s.user, true
}

func (s *stubSession) Refresh(context.Context) (siteapi.User, error) {
	if s.refreshErr != nil {
		return siteapi.User{}, s.refreshErr
	}
	s.user.Username = "Refreshed"
	return *s.user, nil
}

func (s *stubSession) IsAuthenticated() bool { return s.user != nil }

type stubProjects struct {
	project siteapi.Project
	err     error
}

func (s stubProjects) Projects(context.Context) ([]siteapi.Project, error) {
	return []siteapi.Project{s.project}, s.err
}

func (s stubProjects) Project(context.Context, int) (siteapi.Project, error) {
	return s.project, s.err
}

func (s stubProjects) ObjectPosts(_ context.Context, id int) ([]siteapi.Post, error) {
	return []siteapi.Post{{ID: 1, Title: "Rebar delivered", Object: siteapi.Project{ID: id}}}, s.err
}

// --- helpers ---

type testApp struct {
	handler http.Handler
	queue   *offline.Queue
	api     *stubDispatcher
	online  *connectivity.Monitor
	session *stubSession
}

func setupApp(t *testing.T) *testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dispatcher := &stubDispatcher{}
	mon := connectivity.NewMonitor(nil, 0)
	q, err := offline.New(store, dispatcher, offline.Options{Online: mon})
	if err != nil {
		t.Fatalf("offline.New: %v", err)
	}

	sess := &stubSession{}
	square := siteapi.Project{ID: 9, Coordinates: []siteapi.Point{
		{X: 55.750, Y: 37.610}, {X: 55.750, Y: 37.612},
		{X: 55.752, Y: 37.612}, {X: 55.752, Y: 37.610},
	}}
	h := NewAppHandler(AppDeps{
		Queue:    q,
		Site:     site.NewService(dispatcher, q, nil),
		Session:  sess,
		Projects: stubProjects{project: square},
		History:  store,
		Token:    testToken,
	})
	return &testApp{handler: h, queue: q, api: dispatcher, online: mon, session: sess}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (a *testApp) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

// --- tests ---

func TestHealth_NoAuth(t *testing.T) {
	app := setupApp(t)
	rr := httptest.NewRecorder()
	app.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	app := setupApp(t)
	for _, path := range []string{"/actions", "/actions/count", "/status"} {
		rr := httptest.NewRecorder()
		app.handler.ServeHTTP(rr, authReq(http.MethodGet, path, "", "wrong"))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", path, rr.Code)
		}
	}
}

func TestEnqueueAndList(t *testing.T) {
	app := setupApp(t)

	rr := app.do(t, http.MethodPost, "/actions", `{"type":"CREATE_TASK","payload":{"projectId":3,"title":"Check rebar"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var created struct {
		ID        string `json:"id"`
		Persisted bool   `json:"persisted"`
	}
	json.NewDecoder(rr.Body).Decode(&created)
	if created.ID == "" || !created.Persisted {
		t.Fatalf("response = %+v", created)
	}

	rr = app.do(t, http.MethodGet, "/actions", "")
	var list []map[string]json.RawMessage
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("listed %d actions, want 1", len(list))
	}
	if string(list[0]["type"]) != `"CREATE_TASK"` {
		t.Errorf("type = %s", list[0]["type"])
	}

	rr = app.do(t, http.MethodGet, "/actions/count", "")
	var count map[string]int
	json.NewDecoder(rr.Body).Decode(&count)
	if count["count"] != 1 {
		t.Errorf("count = %d, want 1", count["count"])
	}
}

func TestEnqueue_Rejections(t *testing.T) {
	app := setupApp(t)
	bodies := map[string]string{
		"unknown type": `{"type":"DELETE_OBJECT","payload":{}}`,
		"attachments":  `{"type":"CREATE_POST","payload":{"title":"p","object":1,"files":[{"name":"a.jpg","path":"/a.jpg"}]}}`,
		"malformed":    `{"type":"CREATE_TASK","payload":{"title":7}}`,
		"not json":     `{`,
	}
	for name, body := range bodies {
		rr := app.do(t, http.MethodPost, "/actions", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rr.Code)
		}
	}
	if app.queue.Count() != 0 {
		t.Errorf("queue has %d actions after rejected requests", app.queue.Count())
	}
}

func TestClearAndDropped(t *testing.T) {
	app := setupApp(t)
	app.queue.Enqueue(offline.TaskPayload{TaskInput: siteapi.TaskInput{Title: "x"}})

	app.api.err = &siteapi.StatusError{Op: "POST /tasks", Code: 400}
	rr := app.do(t, http.MethodPost, "/sync", "")
	var res offline.Result
	json.NewDecoder(rr.Body).Decode(&res)
	if res.Dropped != 1 {
		t.Fatalf("sync result = %+v, want 1 dropped", res)
	}

	rr = app.do(t, http.MethodGet, "/actions/dropped", "")
	var dropped []offline.DroppedAction
	if err := json.NewDecoder(rr.Body).Decode(&dropped); err != nil {
		t.Fatalf("decoding dropped: %v", err)
	}
	if len(dropped) != 1 || dropped[0].Action.Kind() != offline.KindCreateTask {
		t.Errorf("dropped = %+v", dropped)
	}

	app.queue.Enqueue(offline.TaskPayload{TaskInput: siteapi.TaskInput{Title: "y"}})
	rr = app.do(t, http.MethodDelete, "/actions", "")
	if rr.Code != http.StatusOK || app.queue.Count() != 0 {
		t.Errorf("clear: status %d, count %d", rr.Code, app.queue.Count())
	}

	rr = app.do(t, http.MethodDelete, "/actions/dropped", "")
	if rr.Code != http.StatusOK || len(app.queue.Dropped()) != 0 {
		t.Errorf("clear dropped: status %d, left %d", rr.Code, len(app.queue.Dropped()))
	}
}

func TestSync_OfflineAndTrigger(t *testing.T) {
	app := setupApp(t)
	app.queue.Enqueue(offline.TaskPayload{TaskInput: siteapi.TaskInput{Title: "x"}})
	app.online.SetOnline(false)

	rr := app.do(t, http.MethodPost, "/sync", "")
	var res offline.Result
	json.NewDecoder(rr.Body).Decode(&res)
	if !res.Offline || app.queue.Count() != 1 {
		t.Errorf("offline sync = %+v, count %d", res, app.queue.Count())
	}

	triggered := false
	h := NewAppHandler(AppDeps{Queue: app.queue, Token: testToken, Trigger: func() { triggered = true }})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/sync?wait=false", "", testToken))
	if rr.Code != http.StatusAccepted || !triggered {
		t.Errorf("async sync: status %d, triggered %v", rr.Code, triggered)
	}
}

func TestStatus(t *testing.T) {
	app := setupApp(t)
	app.queue.Enqueue(offline.TaskPayload{TaskInput: siteapi.TaskInput{Title: "x"}})
	app.online.SetOnline(false)

	rr := app.do(t, http.MethodGet, "/status", "")
	var st StatusResponse
	json.NewDecoder(rr.Body).Decode(&st)
	if st.Online || st.Pending != 1 || st.Authenticated {
		t.Errorf("status = %+v", st)
	}
	if st.LastSync != nil {
		t.Errorf("last sync reported before any drain: %+v", st.LastSync)
	}
}

func TestStatus_LastSync(t *testing.T) {
	app := setupApp(t)
	app.queue.Enqueue(offline.TaskPayload{TaskInput: siteapi.TaskInput{Title: "x"}})
	app.do(t, http.MethodPost, "/sync", "")

	rr := app.do(t, http.MethodGet, "/status", "")
	var st StatusResponse
	json.NewDecoder(rr.Body).Decode(&st)
	if st.LastSync == nil {
		t.Fatal("last sync missing after drain")
	}
	if st.LastSync.Synced != 1 || st.LastSync.Attempted != 1 {
		t.Errorf("last sync = %+v", st.LastSync)
	}
}

func TestCreateTask_OfflineFallback(t *testing.T) {
	app := setupApp(t)
	app.api.err = &siteapi.NetworkError{Op: "POST /tasks", Err: errors.New("connection refused")}

	rr := app.do(t, http.MethodPost, "/tasks", `{"projectId":3,"title":"Pour slab"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var res struct {
		ID        int    `json:"id"`
		Offline   bool   `json:"offline"`
		PendingID string `json:"pending_id"`
	}
	json.NewDecoder(rr.Body).Decode(&res)
	if !res.Offline || res.ID >= 0 || res.PendingID == "" {
		t.Errorf("result = %+v", res)
	}
	if app.queue.Count() != 1 {
		t.Errorf("Count = %d, want 1", app.queue.Count())
	}
}

func TestCreatePost_OfflineAttachmentsConflict(t *testing.T) {
	app := setupApp(t)
	app.api.err = &siteapi.NetworkError{Op: "POST", Err: errors.New("timeout")}

	rr := app.do(t, http.MethodPost, "/posts", `{"title":"Photo","object":2,"files":[{"name":"a.jpg","path":"/a.jpg"}]}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
}

func TestCreateIssue_UpstreamRejection(t *testing.T) {
	app := setupApp(t)
	app.api.err = &siteapi.StatusError{Op: "POST /issues", Code: 422, Body: "severity invalid"}

	rr := app.do(t, http.MethodPost, "/issues", `{"title":"Crack","severity":"huge"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rr.Code)
	}
	if app.queue.Count() != 0 {
		t.Error("rejected issue was queued")
	}
}

func TestLoginAndMe(t *testing.T) {
	app := setupApp(t)

	rr := app.do(t, http.MethodGet, "/me", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("me before login: status = %d, want 404", rr.Code)
	}

	rr = app.do(t, http.MethodPost, "/login", `{"email":"i@site.ru","password":"pw"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d", rr.Code)
	}

	rr = app.do(t, http.MethodGet, "/me", "")
	var u siteapi.User
	json.NewDecoder(rr.Body).Decode(&u)
	if u.Email != "i@site.ru" {
		t.Errorf("me = %+v", u)
	}

	app.session.loginErr = &siteapi.StatusError{Op: "POST /auth/", Code: 400}
	rr = app.do(t, http.MethodPost, "/login", `{"email":"i@site.ru","password":"bad"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad login status = %d, want 400", rr.Code)
	}

	rr = app.do(t, http.MethodPost, "/login", `{"email":"i@site.ru"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing password status = %d, want 400", rr.Code)
	}

	rr = app.do(t, http.MethodGet, "/me?refresh=true", "")
	json.NewDecoder(rr.Body).Decode(&u)
	if rr.Code != http.StatusOK || u.Username != "Refreshed" {
		t.Errorf("refresh: status %d, user %+v", rr.Code, u)
	}
	app.session.refreshErr = &siteapi.NetworkError{Op: "GET /user/", Err: errors.New("refused")}
	rr = app.do(t, http.MethodGet, "/me?refresh=true", "")
	if rr.Code != http.StatusBadGateway {
		t.Errorf("refresh offline: status = %d, want 502", rr.Code)
	}

	rr = app.do(t, http.MethodPost, "/logout", "")
	if rr.Code != http.StatusOK || app.session.IsAuthenticated() {
		t.Errorf("logout status = %d", rr.Code)
	}
}

func TestGetAction(t *testing.T) {
	app := setupApp(t)
	id, _ := app.queue.Enqueue(offline.TaskPayload{TaskInput: siteapi.TaskInput{Title: "Pour slab"}})

	rr := app.do(t, http.MethodGet, "/actions/"+id, "")
	var a offline.PendingAction
	if err := json.NewDecoder(rr.Body).Decode(&a); err != nil {
		t.Fatalf("decoding action: %v", err)
	}
	if rr.Code != http.StatusOK || a.ID != id || a.Kind() != offline.KindCreateTask {
		t.Errorf("status %d, action %+v", rr.Code, a)
	}

	rr = app.do(t, http.MethodGet, "/actions/no-such-id", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rr.Code)
	}
	rr = app.do(t, http.MethodGet, "/actions/count", "")
	if rr.Code != http.StatusOK {
		t.Errorf("count shadowed by /actions/{id}: status = %d", rr.Code)
	}
}

func TestProjectsAndObjectPosts(t *testing.T) {
	app := setupApp(t)

	rr := app.do(t, http.MethodGet, "/projects", "")
	var projects []siteapi.Project
	json.NewDecoder(rr.Body).Decode(&projects)
	if rr.Code != http.StatusOK || len(projects) != 1 || projects[0].ID != 9 {
		t.Errorf("projects: status %d, %+v", rr.Code, projects)
	}

	rr = app.do(t, http.MethodGet, "/objects/9/posts", "")
	var posts []siteapi.Post
	json.NewDecoder(rr.Body).Decode(&posts)
	if rr.Code != http.StatusOK || len(posts) != 1 || posts[0].Object.ID != 9 {
		t.Errorf("posts: status %d, %+v", rr.Code, posts)
	}

	rr = app.do(t, http.MethodGet, "/objects/abc/posts", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad object id: status = %d, want 400", rr.Code)
	}
}

func TestGeoCheck(t *testing.T) {
	app := setupApp(t)

	rr := app.do(t, http.MethodGet, "/geo/check?project=9&lat=55.751&lng=37.611", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var c struct {
		Inside bool `json:"inside"`
		Near   bool `json:"near"`
	}
	json.NewDecoder(rr.Body).Decode(&c)
	if !c.Inside || !c.Near {
		t.Errorf("check = %+v", c)
	}

	rr = app.do(t, http.MethodGet, "/geo/check?project=x&lat=1&lng=2", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad project status = %d", rr.Code)
	}
}
