package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookBackoff = 200 * time.Millisecond
	maxErrorBodyBytes     = 4 << 10
)

// StatusError is returned when a webhook answers with a non-2xx status.
type StatusError struct {
	Sink   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s webhook returned %d", e.Sink, e.Status)
	}
	return fmt.Sprintf("%s webhook returned %d: %s", e.Sink, e.Status, e.Body)
}

// Temporary reports whether a retry may succeed.
func (e *StatusError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// WebhookOptions configures a Webhook.
type WebhookOptions struct {
	Name       string // used in errors, e.g. "slack"
	URL        string
	Timeout    time.Duration
	RetryLimit int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
	Client  *http.Client
}

// Webhook posts JSON documents to a single endpoint, retrying transport
// failures and temporary statuses with a linear backoff.
type Webhook struct {
	name       string
	url        string
	retryLimit int
	backoff    time.Duration
	client     *http.Client
}

// NewWebhook validates opts and returns a ready Webhook.
func NewWebhook(opts WebhookOptions) (*Webhook, error) {
	target := strings.TrimSpace(opts.URL)
	if target == "" {
		return nil, fmt.Errorf("%s url is required", opts.Name)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultWebhookBackoff
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &Webhook{
		name:       opts.Name,
		url:        target,
		retryLimit: max(opts.RetryLimit, 0),
		backoff:    backoff,
		client:     client,
	}, nil
}

// PostJSON encodes doc and delivers it, giving up after the retry limit or
// when ctx ends.
func (w *Webhook) PostJSON(ctx context.Context, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", w.name, err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.retryLimit; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, time.Duration(attempt)*w.backoff); err != nil {
				return err
			}
		}

		lastErr = w.post(ctx, body)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", w.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &StatusError{
		Sink:   w.name,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(snippet)),
	}
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
