package sending

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
	"github.com/eksporyuk/broadcast-engine/internal/pkg/httpretry"
	"github.com/eksporyuk/broadcast-engine/internal/pkg/logger"
)

// LogSender writes messages to the structured log instead of delivering
// them. The development-mode transport.
type LogSender struct{}

func (LogSender) Send(_ context.Context, rec *domain.Recipient, subject, body string) error {
	logger.Info("message delivered",
		"recipient", rec.Address(),
		"subject", subject,
		"bytes", len(body),
	)
	return nil
}

// WebhookSender POSTs each message to an external delivery gateway.
// Transient gateway errors are retried with backoff before the send is
// reported failed.
type WebhookSender struct {
	url    string
	client httpretry.HTTPDoer
}

// NewWebhookSender creates a webhook transport. A nil doer gets a retrying
// client with defaults.
func NewWebhookSender(url string, doer httpretry.HTTPDoer) *WebhookSender {
	if doer == nil {
		doer = httpretry.NewRetryClient(nil, 3)
	}
	return &WebhookSender{url: url, client: doer}
}

type webhookMessage struct {
	To      string `json:"to"`
	Name    string `json:"name,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (s *WebhookSender) Send(ctx context.Context, rec *domain.Recipient, subject, body string) error {
	payload, err := json.Marshal(webhookMessage{
		To:      rec.Address(),
		Name:    rec.Name,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", rec.Address(), err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver to %s: gateway returned %d", rec.Address(), resp.StatusCode)
	}
	return nil
}
