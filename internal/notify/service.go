// Package notify tells the field user that queued work reached the server.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const userAgent = "sitesync/0.1"

// Service is the notification surface used by the offline queue.
type Service interface {
	NotifySynced(ctx context.Context, count int) error
}

// NewService returns a notifier that always logs and, when topic is set,
// also publishes to that ntfy topic URL.
func NewService(topic string, timeout time.Duration) Service {
	logged := logService{logger: slog.Default()}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return logged
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return multi{logged, &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}}
}

// SyncedMessage is the text shown after a drain delivered count actions.
func SyncedMessage(count int) string {
	if count == 1 {
		return "1 offline action synced"
	}
	return fmt.Sprintf("%d offline actions synced", count)
}

type logService struct {
	logger *slog.Logger
}

func (l logService) NotifySynced(_ context.Context, count int) error {
	l.logger.Info(SyncedMessage(count), "count", count)
	return nil
}

type multi []Service

func (m multi) NotifySynced(ctx context.Context, count int) error {
	var firstErr error
	for _, s := range m {
		if err := s.NotifySynced(ctx, count); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type payload struct {
	title   string
	message string
	tags    []string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifySynced(ctx context.Context, count int) error {
	return n.send(ctx, payload{
		title:   "Site sync",
		message: SyncedMessage(count),
		tags:    []string{"sitesync", "queue", "synced"},
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
