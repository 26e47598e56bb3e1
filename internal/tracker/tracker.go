package tracker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
)

// EventStore is the slice of the broadcast repository the tracker needs.
type EventStore interface {
	RecordDeliveryEvent(ctx context.Context, ev *domain.DeliveryEvent) (bool, error)
}

// Unsubscriber flips a lead to unsubscribed.
type Unsubscriber interface {
	MarkUnsubscribed(ctx context.Context, leadID string) error
}

// Tracker applies engagement events to campaign counters. Replays of the
// same (campaign, recipient, kind, occurrence) tuple are no-ops.
type Tracker struct {
	store  EventStore
	unsubs Unsubscriber
	now    func() time.Time
}

// New creates a tracker.
func New(store EventStore, unsubs Unsubscriber) *Tracker {
	return &Tracker{store: store, unsubs: unsubs, now: time.Now}
}

// SetClock overrides the time source (tests).
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Process applies one engagement event. Unsubscribes mark the lead and
// record nothing against the campaign counters; every other kind becomes
// an idempotent delivery event.
func (t *Tracker) Process(ctx context.Context, evt EngagementEvent) error {
	if evt.CampaignID == "" || evt.RecipientID == "" {
		return fmt.Errorf("engagement event missing campaign or recipient")
	}

	if evt.Kind == EngagementUnsubscribe {
		if err := t.unsubs.MarkUnsubscribed(ctx, evt.RecipientID); err != nil {
			return fmt.Errorf("unsubscribe lead %s: %w", evt.RecipientID, err)
		}
		log.Printf("[Tracker] lead %s unsubscribed (campaign=%s)", evt.RecipientID, evt.CampaignID)
		return nil
	}

	kind, err := deliveryKind(evt.Kind)
	if err != nil {
		return err
	}

	occurredAt := evt.Timestamp
	if occurredAt.IsZero() {
		occurredAt = t.now().UTC()
	}
	occurrence := time.Unix(evt.Occurrence, 0).UTC()

	applied, err := t.store.RecordDeliveryEvent(ctx, &domain.DeliveryEvent{
		ID:             uuid.New().String(),
		CampaignID:     evt.CampaignID,
		RecipientID:    evt.RecipientID,
		Kind:           kind,
		IdempotencyKey: domain.OccurrenceKey(evt.CampaignID, evt.RecipientID, kind, occurrence),
		Error:          evt.Reason,
		OccurredAt:     occurredAt,
	})
	if err != nil {
		return fmt.Errorf("record %s event: %w", kind, err)
	}
	if !applied {
		log.Printf("[Tracker] duplicate %s event dropped (campaign=%s recipient=%s)", kind, evt.CampaignID, evt.RecipientID)
	}
	return nil
}

func deliveryKind(k EngagementKind) (domain.DeliveryEventKind, error) {
	switch k {
	case EngagementSent:
		return domain.EventSent, nil
	case EngagementFailed:
		return domain.EventFailed, nil
	case EngagementOpen:
		return domain.EventOpened, nil
	case EngagementClick:
		return domain.EventClicked, nil
	}
	return "", fmt.Errorf("unknown engagement kind %q", k)
}
