package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/sitesync/internal/geo"
	"github.com/kalambet/sitesync/internal/offline"
	"github.com/kalambet/sitesync/internal/site"
	"github.com/kalambet/sitesync/internal/siteapi"
	"github.com/kalambet/sitesync/internal/storage"
)

type ActionRequest struct {
	Type    offline.Kind    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Online        bool         `json:"online"`
	Pending       int          `json:"pending"`
	Dropped       int          `json:"dropped"`
	Authenticated bool         `json:"authenticated"`
	LastSync      *LastSyncRun `json:"last_sync,omitempty"`
}

// LastSyncRun summarizes the most recent recorded drain pass.
type LastSyncRun struct {
	FinishedAt time.Time `json:"finished_at"`
	Attempted  int       `json:"attempted"`
	Synced     int       `json:"synced"`
	Dropped    int       `json:"dropped"`
	Retained   int       `json:"retained"`
}

// AppDeps holds the collaborators of the local API. Everything except
// Queue and Token is optional; routes of a nil collaborator are not mounted.
type AppDeps struct {
	Queue    QueueService
	Site     SiteWriter
	Session  SessionService
	Projects ProjectSource
	History  SyncHistory
	Token    string
	// Trigger, when set, lets POST /sync?wait=false hand the drain to the
	// background runner.
	Trigger func()
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/actions", handleEnqueue(deps))
		r.Get("/actions", handleListActions(deps))
		r.Get("/actions/count", handleCountActions(deps))
		r.Get("/actions/{id}", handleGetAction(deps))
		r.Delete("/actions", handleClearActions(deps))
		r.Get("/actions/dropped", handleListDropped(deps))
		r.Delete("/actions/dropped", handleClearDropped(deps))
		r.Post("/sync", handleSync(deps))
		r.Get("/status", handleStatus(deps))

		if deps.Site != nil {
			r.Post("/posts", handleCreatePost(deps))
			r.Post("/tasks", handleCreateTask(deps))
			r.Post("/issues", handleCreateIssue(deps))
			r.Post("/materials", handleAddMaterial(deps))
		}
		if deps.Session != nil {
			r.Post("/login", handleLogin(deps))
			r.Post("/logout", handleLogout(deps))
			r.Get("/me", handleMe(deps))
		}
		if deps.Projects != nil {
			r.Get("/projects", handleListProjects(deps))
			r.Get("/objects/{id}/posts", handleObjectPosts(deps))
			r.Get("/geo/check", handleGeoCheck(deps))
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleEnqueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		payload, err := offline.DecodePayload(req.Type, req.Payload)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		id, err := deps.Queue.Enqueue(payload)
		switch {
		case errors.Is(err, offline.ErrAttachments):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil && !errors.Is(err, offline.ErrStorage):
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue action: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":        id,
			"persisted": err == nil,
		})
	}
}

func handleListActions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actions := deps.Queue.Pending()
		if actions == nil {
			actions = []offline.PendingAction{}
		}
		writeJSON(w, http.StatusOK, actions)
	}
}

func handleGetAction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := deps.Queue.Get(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no pending action %q", chi.URLParam(r, "id"))
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleCountActions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"count": deps.Queue.Count()})
	}
}

func handleClearActions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Queue.Clear(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear queue: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func handleListDropped(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dropped := deps.Queue.Dropped()
		if dropped == nil {
			dropped = []offline.DroppedAction{}
		}
		writeJSON(w, http.StatusOK, dropped)
	}
}

func handleClearDropped(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Queue.ClearDropped(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear dropped actions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("wait") == "false" && deps.Trigger != nil {
			deps.Trigger()
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
			return
		}
		writeJSON(w, http.StatusOK, deps.Queue.Drain(r.Context()))
	}
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := StatusResponse{
			Online:  deps.Queue.IsOnline(),
			Pending: deps.Queue.Count(),
			Dropped: len(deps.Queue.Dropped()),
		}
		if deps.Session != nil {
			st.Authenticated = deps.Session.IsAuthenticated()
		}
		if deps.History != nil {
			run, err := deps.History.LastSyncRun()
			switch {
			case err == nil:
				st.LastSync = &LastSyncRun{
					FinishedAt: run.FinishedAt,
					Attempted:  run.Attempted,
					Synced:     run.Synced,
					Dropped:    run.Dropped,
					Retained:   run.Retained,
				}
			case !errors.Is(err, storage.ErrNotFound):
				slog.Warn("reading last sync run", "error", err)
			}
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleCreatePost(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in siteapi.PostInput
		if !decodeBody(w, r, &in) {
			return
		}
		if in.Object <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "object is required")
			return
		}
		res, err := deps.Site.CreatePost(r.Context(), in)
		writeSiteResult(w, res, err)
	}
}

func handleCreateTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in siteapi.TaskInput
		if !decodeBody(w, r, &in) {
			return
		}
		res, err := deps.Site.CreateTask(r.Context(), in)
		writeSiteResult(w, res, err)
	}
}

func handleCreateIssue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in siteapi.IssueInput
		if !decodeBody(w, r, &in) {
			return
		}
		res, err := deps.Site.CreateIssue(r.Context(), in)
		writeSiteResult(w, res, err)
	}
}

func handleAddMaterial(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in siteapi.MaterialInput
		if !decodeBody(w, r, &in) {
			return
		}
		res, err := deps.Site.AddMaterial(r.Context(), in)
		writeSiteResult(w, res, err)
	}
}

func handleLogin(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Email == "" || req.Password == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "email and password are required")
			return
		}
		user, err := deps.Session.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func handleLogout(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.Logout(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to log out: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
	}
}

// handleMe returns the stored user; ?refresh=true re-reads it from the server.
func handleMe(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.Session.IsAuthenticated() {
			httpError(w, http.StatusNotFound, "not_found", "not logged in")
			return
		}
		if r.URL.Query().Get("refresh") == "true" {
			user, err := deps.Session.Refresh(r.Context())
			if err != nil {
				writeUpstreamError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, user)
			return
		}
		user, ok := deps.Session.User()
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "not logged in")
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func handleListProjects(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projects, err := deps.Projects.Projects(r.Context())
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		if projects == nil {
			projects = []siteapi.Project{}
		}
		writeJSON(w, http.StatusOK, projects)
	}
}

func handleObjectPosts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil || id <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "object id must be a positive integer")
			return
		}
		posts, err := deps.Projects.ObjectPosts(r.Context(), id)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		if posts == nil {
			posts = []siteapi.Post{}
		}
		writeJSON(w, http.StatusOK, posts)
	}
}

func handleGeoCheck(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		projectID, err := strconv.Atoi(q.Get("project"))
		if err != nil || projectID <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project must be a positive integer")
			return
		}
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
		if errLat != nil || errLng != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "lat and lng are required")
			return
		}
		radius, _ := strconv.ParseFloat(q.Get("radius"), 64)

		project, err := deps.Projects.Project(r.Context(), projectID)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, geo.CheckProject(siteapi.Coordinates{lat, lng}, project, radius))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeSiteResult(w http.ResponseWriter, res any, err error) {
	if errors.Is(err, site.ErrOfflineAttachments) {
		httpError(w, http.StatusConflict, "offline_error", "%v", err)
		return
	}
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeUpstreamError relays site API rejections with their status code and
// reports everything else as a bad gateway.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var se *siteapi.StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		httpError(w, se.Code, "upstream_rejected", "%v", err)
		return
	}
	httpError(w, http.StatusBadGateway, "api_error", "%v", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
