package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vigilstack/gchealth/internal/models"
)

// LogSink writes notifications to the process log. It never fails and is
// the fallback destination in the shipped configuration.
type LogSink struct {
	name   string
	logger *slog.Logger
}

func NewLogSink(name string, logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{name: name, logger: logger}
}

func (s *LogSink) Name() string { return s.name }

func (s *LogSink) Deliver(_ context.Context, n models.Notification) error {
	s.logger.Info("notification",
		"sink", s.name,
		"kind", n.Kind,
		"severity", n.Severity,
		"namespace", n.Namespace,
		"title", n.Title,
		"body", n.Body)
	return nil
}

// WebhookSink posts the notification as JSON to a fixed endpoint.
type WebhookSink struct {
	name       string
	url        string
	headers    map[string]string
	httpClient *http.Client
}

func NewWebhookSink(name, url string, headers map[string]string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		name:    name,
		url:     url,
		headers: headers,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Deliver(ctx context.Context, n models.Notification) error {
	if s.url == "" {
		return fmt.Errorf("webhook %s: endpoint not configured", s.name)
	}
	return postJSON(ctx, s.httpClient, s.url, s.headers, n)
}

// RemediationSink turns notifications into action requests against an
// automation endpoint. The action name comes from configuration; the
// sink does not decide policy, it only relays.
type RemediationSink struct {
	name       string
	url        string
	action     string
	httpClient *http.Client
}

func NewRemediationSink(name, url, action string, timeout time.Duration) *RemediationSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemediationSink{
		name:   name,
		url:    url,
		action: action,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *RemediationSink) Name() string { return s.name }

type remediationRequest struct {
	Action      string    `json:"action"`
	Target      string    `json:"target"`
	Reason      string    `json:"reason"`
	Severity    string    `json:"severity"`
	SourceKind  string    `json:"sourceKind"`
	SourceID    string    `json:"sourceId"`
	RequestedAt time.Time `json:"requestedAt"`
}

func (s *RemediationSink) Deliver(ctx context.Context, n models.Notification) error {
	if s.url == "" {
		return fmt.Errorf("remediation %s: endpoint not configured", s.name)
	}
	sourceID := ""
	switch {
	case n.Transition != nil:
		sourceID = n.Transition.AlarmID
	case n.Event != nil:
		sourceID = n.Event.RuleID
	}
	payload := remediationRequest{
		Action:      s.action,
		Target:      n.Namespace,
		Reason:      n.Title,
		Severity:    string(n.Severity),
		SourceKind:  string(n.Kind),
		SourceID:    sourceID,
		RequestedAt: n.CreatedAt,
	}
	return postJSON(ctx, s.httpClient, s.url, nil, payload)
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}
