package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Notifier delivers a message to a recipient over a named channel. Delivery
// failure is an ordinary task failure for the calling handler, so the retry
// policy governs redelivery.
type Notifier interface {
	Notify(ctx context.Context, channel, recipient, message string) error
}

// WebhookNotifier posts notifications as JSON to a downstream dispatch
// endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier builds a notifier for the given endpoint.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type webhookPayload struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, channel, recipient, message string) error {
	body, err := json.Marshal(webhookPayload{Channel: channel, Recipient: recipient, Message: message})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification dispatch returned %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes notifications to the log. Used when no webhook endpoint
// is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, channel, recipient, message string) error {
	log.WithFields(log.Fields{
		"channel":   channel,
		"recipient": recipient,
	}).Info(message)
	return nil
}

// FromConfig picks the webhook notifier when a URL is configured, otherwise
// the log notifier.
func FromConfig(url string, timeout time.Duration) Notifier {
	if url == "" {
		return LogNotifier{}
	}
	return NewWebhookNotifier(url, timeout)
}
