// Package pagerduty raises PagerDuty incidents for failed analysis jobs
// through the Events API v2.
package pagerduty

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/threat-thinker/ttserve/internal/observability/notify"
)

// APIEndpoint is the Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

const (
	defaultSource    = "ttserve"
	defaultComponent = "worker"
	dedupPrefix      = "ttserve:"
)

// Config configures the PagerDuty sink.
type Config struct {
	Endpoint   string // defaults to APIEndpoint
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client triggers one incident per failed job.
type Client struct {
	hook       *notify.Webhook
	routingKey string
	source     string
	component  string
}

type event struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key"`
	Payload     eventPayload `json:"payload"`
}

type eventPayload struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	Timestamp     string         `json:"timestamp"`
	Component     string         `json:"component,omitempty"`
	Class         string         `json:"class,omitempty"`
	CustomDetails map[string]any `json:"custom_details"`
}

// NewClient validates cfg. A routing key is required.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = APIEndpoint
	}
	hook, err := notify.NewWebhook(notify.WebhookOptions{
		Name:       "pagerduty",
		URL:        endpoint,
		Timeout:    cfg.Timeout,
		RetryLimit: cfg.RetryLimit,
		Client:     cfg.Client,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		hook:       hook,
		routingKey: key,
		source:     orDefault(cfg.Source, defaultSource),
		component:  orDefault(cfg.Component, defaultComponent),
	}, nil
}

// SendJobFailure triggers an incident for payload.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	return c.hook.PostJSON(ctx, c.buildEvent(payload.Normalize(time.Now())))
}

func (c *Client) buildEvent(payload notify.JobFailurePayload) event {
	details := map[string]any{
		"job_id":      payload.JobID,
		"input_type":  payload.InputType,
		"stage":       payload.Stage,
		"worker_id":   payload.WorkerID,
		"error":       payload.Error,
		"error_class": payload.ErrorClass,
	}
	for k, v := range payload.Metadata {
		if _, taken := details[k]; !taken {
			details[k] = v
		}
	}

	summary := fmt.Sprintf("Analysis job %s (%s) failed at %s",
		orDefault(payload.JobID, "unknown"),
		orDefault(payload.InputType, "unknown"),
		payload.Stage,
	)

	// One incident per job, whichever stage reports it.
	return event{
		RoutingKey:  c.routingKey,
		EventAction: "trigger",
		DedupKey:    dedupPrefix + payload.JobID,
		Payload: eventPayload{
			Summary:       summary,
			Source:        c.source,
			Severity:      pagerDutySeverity(payload.Severity),
			Timestamp:     payload.OccurredAt.Format(time.RFC3339),
			Component:     c.component,
			Class:         payload.ErrorClass,
			CustomDetails: details,
		},
	}
}

// pagerDutySeverity maps onto the four levels the Events API accepts.
func pagerDutySeverity(s string) string {
	switch s {
	case "critical", "error", "warning", "info":
		return s
	default:
		return notify.SeverityCritical
	}
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
