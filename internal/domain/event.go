package domain

import (
	"fmt"
	"time"
)

// DeliveryEventKind enumerates per-recipient delivery outcomes and
// engagement signals.
type DeliveryEventKind string

const (
	EventSent    DeliveryEventKind = "SENT"
	EventFailed  DeliveryEventKind = "FAILED"
	EventOpened  DeliveryEventKind = "OPENED"
	EventClicked DeliveryEventKind = "CLICKED"
)

// DeliveryEvent records what happened to one send attempt or one engagement
// signal for a recipient of a campaign occurrence.
//
// IdempotencyKey is unique per (campaign, recipient, kind, occurrence);
// replayed webhooks carrying a key the tracker has already applied are
// no-ops.
type DeliveryEvent struct {
	ID             string            `json:"id" db:"id"`
	CampaignID     string            `json:"campaignId" db:"campaign_id"`
	RecipientID    string            `json:"recipientId" db:"recipient_id"`
	Kind           DeliveryEventKind `json:"kind" db:"kind"`
	IdempotencyKey string            `json:"idempotencyKey" db:"idempotency_key"`
	Error          string            `json:"error,omitempty" db:"error"`
	OccurredAt     time.Time         `json:"occurredAt" db:"occurred_at"`
}

// OccurrenceKey derives the deduplication token for a delivery event. The
// occurrence timestamp distinguishes fires of a recurring campaign, so a
// retry within one occurrence dedupes while the next occurrence counts
// fresh.
func OccurrenceKey(campaignID, recipientID string, kind DeliveryEventKind, occurrence time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", campaignID, recipientID, kind, occurrence.UTC().Unix())
}
