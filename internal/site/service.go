// Package site creates posts, tasks, issues and materials against the site
// API, falling back to the offline queue when the server cannot be reached.
package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kalambet/sitesync/internal/offline"
	"github.com/kalambet/sitesync/internal/siteapi"
)

// ErrOfflineAttachments is returned when a post with files is created while
// the server is unreachable. Files cannot be queued; the caller must tell the
// user to retry once connected.
var ErrOfflineAttachments = errors.New("no connection: posts with attachments cannot be saved offline")

// Enqueuer records actions for later delivery. Implemented by offline.Queue.
type Enqueuer interface {
	Enqueue(p offline.Payload) (string, error)
}

// Locator reports the user's current position.
type Locator interface {
	Locate(ctx context.Context) (siteapi.Coordinates, error)
}

// FixedLocator always reports the same position, typically the configured
// site location.
type FixedLocator siteapi.Coordinates

func (f FixedLocator) Locate(context.Context) (siteapi.Coordinates, error) {
	return siteapi.Coordinates(f), nil
}

// Queued describes how a create call was satisfied. Offline results carry a
// negative placeholder id and the pending action id.
type Queued struct {
	Offline   bool   `json:"offline,omitempty"`
	PendingID string `json:"pending_id,omitempty"`
}

type PostResult struct {
	siteapi.Post
	Queued
}

type TaskResult struct {
	siteapi.Task
	Queued
}

type IssueResult struct {
	siteapi.Issue
	Queued
}

type MaterialResult struct {
	siteapi.Material
	Queued
}

// Service performs write operations with offline fallback.
type Service struct {
	api     offline.Dispatcher
	queue   Enqueuer
	locator Locator
	logger  *slog.Logger
	now     func() time.Time

	placeholder atomic.Int64
}

// NewService creates a Service. locator may be nil.
func NewService(api offline.Dispatcher, queue Enqueuer, locator Locator) *Service {
	return &Service{
		api:     api,
		queue:   queue,
		locator: locator,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// CreatePost publishes a post. When the server is unreachable a post without
// files is queued and a placeholder is returned; a post with files fails with
// ErrOfflineAttachments.
func (s *Service) CreatePost(ctx context.Context, in siteapi.PostInput) (PostResult, error) {
	if in.Coordinates == nil && s.locator != nil {
		if c, err := s.locator.Locate(ctx); err != nil {
			s.logger.Warn("could not get user location", "error", err)
		} else {
			in.Coordinates = &c
		}
	}

	post, err := s.api.CreatePost(ctx, in)
	if s.accepted(offline.KindCreatePost, err) {
		return PostResult{Post: siteapi.Post{Title: in.Title, Content: in.Content, Object: siteapi.Project{ID: in.Object}, Author: siteapi.User{ID: in.Author}}}, nil
	}
	if err == nil {
		return PostResult{Post: post}, nil
	}
	if !siteapi.IsNetworkError(err) {
		return PostResult{}, err
	}

	p := offline.PostPayload{PostInput: in}
	if !offline.CanQueueWithAttachments(p) {
		return PostResult{}, fmt.Errorf("%w: %w", ErrOfflineAttachments, err)
	}
	q, err := s.enqueue(p, err)
	if err != nil {
		return PostResult{}, err
	}
	return PostResult{
		Post: siteapi.Post{
			ID:        s.nextPlaceholder(),
			Title:     in.Title,
			Content:   in.Content,
			CreatedAt: s.now().UTC().Format(time.RFC3339),
			Object:    siteapi.Project{ID: in.Object},
			Author:    siteapi.User{ID: in.Author},
		},
		Queued: q,
	}, nil
}

// CreateTask creates a task, queueing it when the server is unreachable.
func (s *Service) CreateTask(ctx context.Context, in siteapi.TaskInput) (TaskResult, error) {
	task, err := s.api.CreateTask(ctx, in)
	if s.accepted(offline.KindCreateTask, err) {
		return TaskResult{Task: siteapi.Task{TaskInput: in}}, nil
	}
	if err == nil {
		return TaskResult{Task: task}, nil
	}
	if !siteapi.IsNetworkError(err) {
		return TaskResult{}, err
	}
	q, err := s.enqueue(offline.TaskPayload{TaskInput: in}, err)
	if err != nil {
		return TaskResult{}, err
	}
	return TaskResult{
		Task:   siteapi.Task{ID: s.nextPlaceholder(), TaskInput: in, CreatedAt: s.now().UTC().Format(time.RFC3339)},
		Queued: q,
	}, nil
}

// CreateIssue creates an issue, queueing it when the server is unreachable.
func (s *Service) CreateIssue(ctx context.Context, in siteapi.IssueInput) (IssueResult, error) {
	issue, err := s.api.CreateIssue(ctx, in)
	if s.accepted(offline.KindCreateIssue, err) {
		return IssueResult{Issue: siteapi.Issue{IssueInput: in}}, nil
	}
	if err == nil {
		return IssueResult{Issue: issue}, nil
	}
	if !siteapi.IsNetworkError(err) {
		return IssueResult{}, err
	}
	q, err := s.enqueue(offline.IssuePayload{IssueInput: in}, err)
	if err != nil {
		return IssueResult{}, err
	}
	return IssueResult{
		Issue:  siteapi.Issue{ID: s.nextPlaceholder(), IssueInput: in, CreatedAt: s.now().UTC().Format(time.RFC3339)},
		Queued: q,
	}, nil
}

// AddMaterial records a material delivery, queueing it when the server is
// unreachable.
func (s *Service) AddMaterial(ctx context.Context, in siteapi.MaterialInput) (MaterialResult, error) {
	m, err := s.api.AddMaterial(ctx, in)
	if s.accepted(offline.KindAddMaterial, err) {
		return MaterialResult{Material: siteapi.Material{MaterialInput: in}}, nil
	}
	if err == nil {
		return MaterialResult{Material: m}, nil
	}
	if !siteapi.IsNetworkError(err) {
		return MaterialResult{}, err
	}
	q, err := s.enqueue(offline.MaterialPayload{MaterialInput: in}, err)
	if err != nil {
		return MaterialResult{}, err
	}
	return MaterialResult{
		Material: siteapi.Material{ID: s.nextPlaceholder(), MaterialInput: in},
		Queued:   q,
	}, nil
}

// accepted reports whether err still means the record was created. The
// server-side id is unknown in that case and stays zero.
func (s *Service) accepted(kind offline.Kind, err error) bool {
	if err == nil || !siteapi.IsAccepted(err) {
		return false
	}
	s.logger.Warn("server accepted write but its reply was unreadable", "type", kind, "error", err)
	return true
}

func (s *Service) enqueue(p offline.Payload, cause error) (Queued, error) {
	id, err := s.queue.Enqueue(p)
	switch {
	case errors.Is(err, offline.ErrStorage):
		// Queued in memory; it is lost only if the process exits first.
		s.logger.Error("queued action not persisted", "action_id", id, "error", err)
	case err != nil:
		return Queued{}, fmt.Errorf("queueing %s: %w", p.Kind(), err)
	}
	s.logger.Info("server unreachable, action saved for later", "action_id", id, "type", p.Kind(), "cause", cause)
	return Queued{Offline: true, PendingID: id}, nil
}

func (s *Service) nextPlaceholder() int {
	return int(s.placeholder.Add(-1))
}
