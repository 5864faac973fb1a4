package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/models"
)

// Mirror receives run lifecycle events for an external scheduler dashboard. Delivery is best
// effort; the pipeline never waits on it.
type Mirror interface {
	Notify(ctx context.Context, ev RunEvent) error
}

// RunEvent is one lifecycle notification.
type RunEvent struct {
	JobID        string        `json:"job_id"`
	Event        string        `json:"event"`
	Status       models.Status `json:"status"`
	Brief        *models.Brief `json:"brief,omitempty"`
	RSSFeedURL   string        `json:"rss_feed_url,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	At           time.Time     `json:"at"`
}

const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// NopMirror drops every event.
type NopMirror struct{}

func (NopMirror) Notify(context.Context, RunEvent) error { return nil }

// WebhookMirror posts events as JSON to a scheduler endpoint.
type WebhookMirror struct {
	url    string
	client *http.Client
}

func NewWebhookMirror(url string, timeout time.Duration) *WebhookMirror {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookMirror{url: url, client: &http.Client{Timeout: timeout}}
}

func (m *WebhookMirror) Notify(ctx context.Context, ev RunEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode run event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mirror request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("post run event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post run event: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// MirrorFromConfig returns the webhook mirror when a URL is configured and a no-op otherwise.
func MirrorFromConfig(cfg config.Config) Mirror {
	if cfg.SchedulerWebhookURL == "" {
		return NopMirror{}
	}
	return NewWebhookMirror(cfg.SchedulerWebhookURL, cfg.SchedulerTimeout)
}
