// Package slack posts failed-job alerts to a Slack incoming webhook.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/threat-thinker/ttserve/internal/observability/notify"
)

const defaultUsername = "ttserve"

// Config configures the Slack sink.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// JobURLPrefix turns the job id into a link to its status endpoint.
	JobURLPrefix string
}

// Client renders failures as mrkdwn text.
type Client struct {
	hook      *notify.Webhook
	channel   string
	username  string
	jobLinker func(id string) string
}

type message struct {
	Text     string `json:"text"`
	Username string `json:"username"`
	Channel  string `json:"channel,omitempty"`
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// NewClient validates cfg. A webhook URL is required.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil, errors.New("slack webhook url is required")
	}
	hook, err := notify.NewWebhook(notify.WebhookOptions{
		Name:       "slack",
		URL:        cfg.WebhookURL,
		Timeout:    cfg.Timeout,
		RetryLimit: cfg.RetryLimit,
		Client:     cfg.Client,
	})
	if err != nil {
		return nil, err
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = defaultUsername
	}

	return &Client{
		hook:      hook,
		channel:   strings.TrimSpace(cfg.Channel),
		username:  username,
		jobLinker: jobLinker(cfg.JobURLPrefix),
	}, nil
}

// SendJobFailure posts one message for payload.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	return c.hook.PostJSON(ctx, c.buildMessage(payload.Normalize(time.Now())))
}

func (c *Client) buildMessage(payload notify.JobFailurePayload) message {
	lines := []string{c.headline(payload)}

	details := [][2]string{
		{"Severity", payload.Severity},
		{"Stage", payload.Stage},
		{"Worker", escaper.Replace(payload.WorkerID)},
		{"Error class", payload.ErrorClass},
		{"Error", escaper.Replace(payload.Error)},
	}
	for _, d := range details {
		if strings.TrimSpace(d[1]) != "" {
			lines = append(lines, fmt.Sprintf("• %s: %s", d[0], d[1]))
		}
	}

	if len(payload.Metadata) > 0 {
		lines = append(lines, "• Metadata:")
		keys := make([]string, 0, len(payload.Metadata))
		for k := range payload.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("    • %s: %s", escaper.Replace(k), escaper.Replace(payload.Metadata[k])))
		}
	}

	lines = append(lines, "• Timestamp: "+payload.OccurredAt.Format(time.RFC3339))

	return message{
		Text:     strings.Join(lines, "\n"),
		Username: c.username,
		Channel:  c.channel,
	}
}

func (c *Client) headline(payload notify.JobFailurePayload) string {
	var b strings.Builder
	b.WriteString("*Analysis job failed*")
	if job := c.jobRef(payload.JobID); job != "" {
		b.WriteString(" " + job)
	}
	if payload.InputType != "" {
		b.WriteString(" (" + escaper.Replace(payload.InputType) + ")")
	}
	return b.String()
}

// jobRef renders the job id as code, or as a link when a prefix is set.
func (c *Client) jobRef(jobID string) string {
	id := strings.TrimSpace(jobID)
	if id == "" {
		return ""
	}
	if link := c.jobLinker(id); link != "" {
		return fmt.Sprintf("<%s|%s>", link, escaper.Replace(id))
	}
	return "`" + escaper.Replace(id) + "`"
}

// jobLinker returns a function joining ids onto prefix. Prefixes that are
// not absolute URLs produce no links.
func jobLinker(prefix string) func(string) string {
	none := func(string) string { return "" }

	u, err := url.Parse(strings.TrimSpace(prefix))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return none
	}
	base := u.String()
	return func(id string) string {
		link, err := url.JoinPath(base, id)
		if err != nil {
			return ""
		}
		return link
	}
}
