package domain

import (
	"encoding/json"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a broadcast campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignScheduled CampaignStatus = "SCHEDULED"
	CampaignSending   CampaignStatus = "SENDING"
	CampaignSent      CampaignStatus = "SENT"
	CampaignFailed    CampaignStatus = "FAILED"
	CampaignCancelled CampaignStatus = "CANCELLED"
)

// Campaign represents a broadcast definition: content, targeting, schedule,
// and the counters accumulated across its occurrences.
type Campaign struct {
	ID        string         `json:"id" db:"id"`
	AccountID string         `json:"accountId" db:"account_id"`
	Name      string         `json:"name" db:"name"`
	Subject   string         `json:"subject" db:"subject"`
	Body      string         `json:"body" db:"body"`
	Status    CampaignStatus `json:"status" db:"status"`

	SegmentFilter *SegmentFilter  `json:"targetSegment" db:"segment_filter"`
	ScheduledAt   *time.Time      `json:"scheduledAt" db:"scheduled_at"`
	Recurrence    *RecurrenceRule `json:"recurringConfig" db:"recurrence"`

	// Counters (accumulated across occurrences; maintained by the
	// dispatcher and the delivery tracker)
	TotalRecipients int `json:"totalRecipients" db:"total_recipients"`
	SentCount       int `json:"sentCount" db:"sent_count"`
	OpenedCount     int `json:"openedCount" db:"opened_count"`
	ClickedCount    int `json:"clickedCount" db:"clicked_count"`
	FailedCount     int `json:"failedCount" db:"failed_count"`
	CreditUsed      int `json:"creditUsed" db:"credit_used"`

	LastError string `json:"lastError,omitempty" db:"last_error"`

	// CancelRequested is set when a cancel arrives while a dispatch is in
	// flight; the dispatch loop checks it between recipient batches.
	CancelRequested bool `json:"-" db:"cancel_requested"`

	LastFiredAt *time.Time `json:"sentAt" db:"last_fired_at"`
	NextFireAt  *time.Time `json:"nextFireAt" db:"next_fire_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}

// IsScheduled reports whether the campaign has a pending schedule. The API
// exposes this as a derived flag distinct from Status: a DRAFT that carries a
// future scheduledAt is shown to callers as scheduled.
func (c *Campaign) IsScheduled() bool {
	if c.Status == CampaignScheduled {
		return true
	}
	return c.Status == CampaignDraft && c.ScheduledAt != nil
}

// MarshalJSON adds the derived isScheduled flag to the serialized form so
// API consumers can show a pending schedule without re-deriving it from
// status and scheduledAt.
func (c Campaign) MarshalJSON() ([]byte, error) {
	type alias Campaign
	return json.Marshal(struct {
		alias
		IsScheduled bool `json:"isScheduled"`
	}{alias(c), c.IsScheduled()})
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent || c.Status == CampaignFailed || c.Status == CampaignCancelled
}

// legalTransitions is the campaign state machine. A transition missing from
// this table is illegal. SENDING -> CANCELLED is reserved for the dispatch
// loop honoring a mid-flight cancellation request; the externally exposed
// cancel/delete operations refuse to act on a SENDING campaign.
var legalTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignSending, CampaignCancelled},
	CampaignScheduled: {CampaignSending, CampaignDraft, CampaignCancelled},
	CampaignSending:   {CampaignSent, CampaignScheduled, CampaignFailed, CampaignCancelled},
	// A FAILED campaign may be re-fired explicitly (SendNow after a
	// credit top-up) or abandoned; it is never picked up by the polling
	// loop again.
	CampaignFailed: {CampaignSending, CampaignCancelled},
}

// CanTransition reports whether moving a campaign from one status to another
// is legal. Only one SENDING instance may exist per campaign at a time; the
// repository enforces that by requiring a compare-and-swap on the `from`
// status, so a second concurrent claim observes the transition failing.
func CanTransition(from, to CampaignStatus) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
