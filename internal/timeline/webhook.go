package timeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// WebhookSender posts event batches to an external notification endpoint.
// A zero URL disables sending.
type WebhookSender struct {
	url        string
	authHeader string
	client     *http.Client
}

// NewWebhookSender constructs a sender. client may be nil, in which case
// http.DefaultClient is used; the per-attempt deadline comes from the
// context the publisher passes in.
func NewWebhookSender(url, authHeader string, client *http.Client) *WebhookSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSender{url: url, authHeader: authHeader, client: client}
}

// Configured reports whether a webhook URL is set.
func (w *WebhookSender) Configured() bool {
	return w != nil && w.url != ""
}

type webhookPayload struct {
	SessionID string  `json:"session_id"`
	Events    []Event `json:"events"`
}

// Send posts one batch. Callers treat failures as best-effort: log and move on.
func (w *WebhookSender) Send(ctx context.Context, sessionID string, events []Event) error {
	if !w.Configured() {
		return nil
	}
	body, err := json.Marshal(webhookPayload{SessionID: sessionID, Events: events})
	if err != nil {
		return fmt.Errorf("webhook payload marshal: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if w.authHeader != "" {
		request.Header.Set("Authorization", w.authHeader)
	}
	response, err := w.client.Do(request)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook responded %d", response.StatusCode)
	}
	return nil
}
