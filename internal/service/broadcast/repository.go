package broadcast

import (
	"context"
	"time"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
)

// Repository defines the data access contract for broadcast campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign scoped to an account. Returns
	// ErrNotFound if it doesn't exist.
	Get(ctx context.Context, accountID, id string) (*domain.Campaign, error)

	// GetByID returns a campaign without account scoping. Used by the
	// dispatch loop and the delivery tracker.
	GetByID(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns campaigns matching the filter, newest first.
	List(ctx context.Context, accountID string, filter ListFilter) ([]domain.Campaign, int, error)

	// Create inserts a new campaign and returns its ID.
	Create(ctx context.Context, c *domain.Campaign) (string, error)

	// Update modifies mutable content fields. Only non-nil fields in the
	// update are applied.
	Update(ctx context.Context, accountID, id string, u UpdateFields) error

	// Delete removes a campaign. The caller is responsible for refusing
	// deletion while a dispatch is in flight.
	Delete(ctx context.Context, accountID, id string) error

	// TransitionStatus performs a compare-and-swap status change: it
	// succeeds only when the campaign's current status equals from and
	// the transition is legal. Returns ErrInvalidTransition otherwise.
	// This CAS is the at-most-one-concurrent-dispatch guarantee.
	TransitionStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error

	// SetSchedule stores the schedule (first fire plus optional
	// recurrence); nil values clear it.
	SetSchedule(ctx context.Context, id string, scheduledAt *time.Time, rule *domain.RecurrenceRule) error

	// RequestCancel flags a SENDING campaign for mid-flight abort. The
	// dispatch loop observes the flag between recipient batches.
	RequestCancel(ctx context.Context, id string) error

	// ListDue returns SCHEDULED campaigns whose next fire time (nextFireAt
	// when set, scheduledAt otherwise) is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error)

	// ApplyFireOutcome settles a fire: bumps totalRecipients and
	// creditUsed, stamps lastFiredAt/nextFireAt, and records lastError.
	// Per-recipient sent/failed/opened/clicked counters are maintained
	// exclusively through RecordDeliveryEvent.
	ApplyFireOutcome(ctx context.Context, id string, o FireOutcome) error

	// RecordDeliveryEvent idempotently inserts a delivery event and bumps
	// the matching campaign counter. Returns false when the event's
	// idempotency key was already applied for that campaign.
	RecordDeliveryEvent(ctx context.Context, ev *domain.DeliveryEvent) (bool, error)

	// SetLastError records a user-visible failure message without
	// touching counters or fire timestamps.
	SetLastError(ctx context.Context, id, msg string) error

	// FailStuck force-fails campaigns stuck in SENDING since before the
	// given cutoff. Returns the number of campaigns transitioned.
	FailStuck(ctx context.Context, before time.Time, reason string) (int, error)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Search string
	Limit  int
	Offset int
}

// UpdateFields holds the mutable content fields for a campaign update.
// Nil fields are not applied.
type UpdateFields struct {
	Name          *string
	Subject       *string
	Body          *string
	SegmentFilter *domain.SegmentFilter
}

// FireOutcome summarizes one settled occurrence of a campaign.
type FireOutcome struct {
	Occurrence      time.Time
	TotalRecipients int
	CreditCharge    int
	NextFireAt      *time.Time
	LastError       string
}
