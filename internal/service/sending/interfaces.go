// Package sending defines the interfaces for message delivery.
//
// Transport-level sending (email, WhatsApp) is a collaborator, not part of
// the engine: each channel implements the Sender interface and the dispatch
// loop stays channel-agnostic.
package sending

import (
	"context"
	"time"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
)

// Sender delivers a single rendered message to one recipient. The transport
// is assumed at-least-once and may be slow or flaky; a returned error marks
// the attempt failed without aborting the rest of the batch.
// Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, rec *domain.Recipient, subject, body string) error
}

// Renderer personalizes one campaign message for one recipient. The
// occurrence is the fire the message belongs to; implementations use it to
// mint per-delivery tracking links. Implementations must behave as pure
// functions: same campaign, recipient and occurrence, same output.
type Renderer interface {
	RenderMessage(c *domain.Campaign, rec *domain.Recipient, occurrence time.Time) (subject, body string)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, rec *domain.Recipient, subject, body string) error

func (f SenderFunc) Send(ctx context.Context, rec *domain.Recipient, subject, body string) error {
	return f(ctx, rec, subject, body)
}
