package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jo-hoe/transcriber/internal/common"
	"github.com/jo-hoe/transcriber/internal/config"
	"github.com/jo-hoe/transcriber/internal/jobs"
)

// Notice is a user-visible completion notice.
type Notice struct {
	Title           string
	Body            string
	Success         bool
	DurationSeconds *float64
	At              time.Time
}

// NewNotice builds the notice for a finished job.
func NewNotice(title string, success bool, durationSeconds *float64, at time.Time) Notice {
	body := "Transcription failed"
	if success {
		body = "Transcription complete"
		if durationSeconds != nil && *durationSeconds > 0 {
			body = fmt.Sprintf("Transcription complete (%s)", jobs.FormatTime(*durationSeconds))
		}
	}
	return Notice{Title: title, Body: body, Success: success, DurationSeconds: durationSeconds, At: at}
}

// Notifier delivers completion notices.
type Notifier interface {
	Send(ctx context.Context, n Notice) error
}

// New returns a webhook notifier when a URL is configured, else one that only logs.
func New(logger *slog.Logger, cfg config.NotifyConfig) Notifier {
	if cfg.WebhookURL == "" {
		return &LogNotifier{log: logger}
	}
	return NewWebhook(logger, cfg, nil)
}

// LogNotifier writes notices to the log.
type LogNotifier struct {
	log *slog.Logger
}

func (l *LogNotifier) Send(_ context.Context, n Notice) error {
	l.log.Info("notification", "title", n.Title, "body", n.Body, "success", n.Success)
	return nil
}

type webhookPayload struct {
	Title           string   `json:"title"`
	Body            string   `json:"body"`
	Status          string   `json:"status"` // completed|failed
	DurationSeconds *float64 `json:"durationSeconds,omitempty"`
	SentAt          string   `json:"sentAt"`
}

// Webhook posts notices as JSON, retrying with linear backoff.
type Webhook struct {
	log     *slog.Logger
	url     string
	retries int
	backoff time.Duration
	client  *http.Client
}

// NewWebhook builds a webhook notifier. A nil client uses a 10s timeout client.
func NewWebhook(logger *slog.Logger, cfg config.NotifyConfig, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	w := &Webhook{
		log:     logger,
		url:     cfg.WebhookURL,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		client:  client,
	}
	if w.retries <= 0 {
		w.retries = 3
	}
	if w.backoff < 0 {
		w.backoff = 0
	}
	return w
}

func (w *Webhook) Send(ctx context.Context, n Notice) error {
	status := common.StatusFailed
	if n.Success {
		status = common.StatusCompleted
	}
	payload := webhookPayload{
		Title:           n.Title,
		Body:            n.Body,
		Status:          status,
		DurationSeconds: n.DurationSeconds,
		SentAt:          n.At.UTC().Format(time.RFC3339),
	}

	var lastErr error
	for attempt := 1; attempt <= w.retries; attempt++ {
		err := w.postJSON(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		w.log.Debug("webhook attempt failed", "attempt", attempt, "err", err)
		if attempt == w.retries {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(time.Duration(attempt) * w.backoff):
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", w.retries, lastErr)
}

func (w *Webhook) postJSON(ctx context.Context, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
