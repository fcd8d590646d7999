package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/arbnet/coordinator/internal/logger"
	"github.com/arbnet/coordinator/internal/model"
)

// Channel delivers one alert to an external destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, a model.Alert) error
}

// LogChannel logs alerts instead of delivering them externally. It's also
// what the pipeline falls back to when no channels are configured, logged
// at DEBUG only so it never duplicates the coordinator's own WARN log.
type LogChannel struct {
	log logger.Logger
}

func NewLogChannel(log logger.Logger) *LogChannel { return &LogChannel{log: log} }

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, a model.Alert) error {
	c.log.Debug("alert (no channels configured)", "type", a.Type, "severity", a.Severity, "message", a.Message)
	return nil
}

// WebhookChannel POSTs a JSON payload to a generic HTTP endpoint, with a
// field mapping for Discord's incoming-webhook format (Discord expects the
// message text under a top-level "content" key).
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel; name is used only for
// logging/metrics labels (e.g. "discord").
func NewWebhookChannel(name, url string) *WebhookChannel {
	return &WebhookChannel{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string { return w.name }

func (w *WebhookChannel) Send(ctx context.Context, a model.Alert) error {
	payload := map[string]interface{}{
		"level":   string(a.Severity),
		"type":    a.Type,
		"service": a.Service,
		"message": a.Message,
		"ts":      a.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	// Discord incoming webhooks render a top-level "content" string.
	if w.name == "discord" {
		payload["content"] = fmt.Sprintf("[%s] %s: %s", a.Severity, a.Type, a.Message)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook %s: marshal: %w", w.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: create request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: send: %w", w.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", w.name, resp.StatusCode)
	}
	return nil
}

// SlackChannel posts alerts to a Slack incoming webhook via slack-go/slack.
type SlackChannel struct {
	webhookURL string
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(_ context.Context, a model.Alert) error {
	color := "#cccccc"
	switch a.Severity {
	case model.SeverityCritical:
		color = "#d00000"
	case model.SeverityHigh:
		color = "#ff8c00"
	case model.SeverityWarning:
		color = "#f5c518"
	case model.SeverityInfo:
		color = "#2eb67d"
	}

	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{
			{
				Color: color,
				Title: fmt.Sprintf("%s: %s", a.Type, a.Severity),
				Text:  a.Message,
				Fields: []slack.AttachmentField{
					{Title: "Service", Value: a.Service, Short: true},
					{Title: "Time", Value: a.Timestamp.UTC().Format(time.RFC3339), Short: true},
				},
			},
		},
	}
	if err := slack.PostWebhook(s.webhookURL, msg); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}
