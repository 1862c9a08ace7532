package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kalambet/sitesync/internal/offline"
	"github.com/kalambet/sitesync/internal/site"
	"github.com/kalambet/sitesync/internal/siteapi"
	"github.com/kalambet/sitesync/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// QueueService is the offline queue surface exposed over HTTP and MCP.
// Implemented by offline.Queue.
type QueueService interface {
	Enqueue(p offline.Payload) (string, error)
	Pending() []offline.PendingAction
	Get(id string) (offline.PendingAction, bool)
	Count() int
	Clear() error
	Dropped() []offline.DroppedAction
	ClearDropped() error
	Drain(ctx context.Context) offline.Result
	IsOnline() bool
}

// SiteWriter creates records online-first. Implemented by site.Service.
type SiteWriter interface {
	CreatePost(ctx context.Context, in siteapi.PostInput) (site.PostResult, error)
	CreateTask(ctx context.Context, in siteapi.TaskInput) (site.TaskResult, error)
	CreateIssue(ctx context.Context, in siteapi.IssueInput) (site.IssueResult, error)
	AddMaterial(ctx context.Context, in siteapi.MaterialInput) (site.MaterialResult, error)
}

// SessionService manages the signed-in user. Implemented by session.Manager.
type SessionService interface {
	Login(ctx context.Context, email, password string) (siteapi.User, error)
	Logout() error
	Refresh(ctx context.Context) (siteapi.User, error)
	User() (siteapi.User, bool)
	IsAuthenticated() bool
}

// ProjectSource reads construction objects and their feeds. Implemented by
// siteapi.Client.
type ProjectSource interface {
	Projects(ctx context.Context) ([]siteapi.Project, error)
	Project(ctx context.Context, id int) (siteapi.Project, error)
	ObjectPosts(ctx context.Context, objectID int) ([]siteapi.Post, error)
}

// SyncHistory reports recorded drain passes. Implemented by storage.Store.
type SyncHistory interface {
	LastSyncRun() (storage.SyncRun, error)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
