package broadcast

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eksporyuk/broadcast-engine/internal/credit"
	"github.com/eksporyuk/broadcast-engine/internal/domain"
	"github.com/eksporyuk/broadcast-engine/internal/recurrence"
	"github.com/eksporyuk/broadcast-engine/internal/segment"
	"github.com/eksporyuk/broadcast-engine/internal/service/sending"
)

const (
	// DefaultSendConcurrency bounds the per-fire worker pool. Recipients
	// are processed in batches of this size; delivery events are recorded
	// in resolver order after each batch completes.
	DefaultSendConcurrency = 10

	// sendTimeout caps one transport call. The transport is assumed
	// flaky; a hung call must not stall the whole batch.
	sendTimeout = 30 * time.Second
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Service implements broadcast campaign business logic, including the
// per-fire dispatch algorithm. All public methods are safe for concurrent
// use if the underlying repository and ledger are concurrency-safe.
type Service struct {
	repo     Repository
	ledger   credit.Ledger
	resolver *segment.Resolver
	sender   sending.Sender
	renderer sending.Renderer

	now             Clock
	sendConcurrency int
}

// NewService creates a broadcast service wired to its collaborators.
func NewService(repo Repository, ledger credit.Ledger, resolver *segment.Resolver, sender sending.Sender, renderer sending.Renderer) *Service {
	return &Service{
		repo:            repo,
		ledger:          ledger,
		resolver:        resolver,
		sender:          sender,
		renderer:        renderer,
		now:             time.Now,
		sendConcurrency: DefaultSendConcurrency,
	}
}

// SetClock overrides the time source (tests).
func (s *Service) SetClock(c Clock) { s.now = c }

// SetSendConcurrency overrides the per-fire worker pool bound.
func (s *Service) SetSendConcurrency(n int) {
	if n > 0 {
		s.sendConcurrency = n
	}
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name          string                 `json:"name"`
	Subject       string                 `json:"subject"`
	Body          string                 `json:"body"`
	SegmentFilter *domain.SegmentFilter  `json:"targetSegment"`
	ScheduledAt   *time.Time             `json:"scheduledAt"`
	Recurrence    *domain.RecurrenceRule `json:"recurring"`
}

// SendReport is the caller-visible result of one campaign fire.
type SendReport struct {
	Recipients    int   `json:"recipients"`
	CreditUsed    int   `json:"creditUsed"`
	CreditBalance int64 `json:"creditBalance"`
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, accountID, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, accountID, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, accountID string, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.List(ctx, accountID, f)
}

// CreateCampaign validates and persists a new campaign. Without a schedule
// the campaign stays a DRAFT; with one it is born SCHEDULED.
func (s *Service) CreateCampaign(ctx context.Context, accountID string, input CreateInput) (*domain.Campaign, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if input.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if input.Body == "" {
		return nil, fmt.Errorf("body is required")
	}
	if input.Recurrence != nil {
		if input.ScheduledAt == nil {
			return nil, fmt.Errorf("recurring config requires a scheduled time")
		}
		if err := input.Recurrence.Validate(); err != nil {
			return nil, fmt.Errorf("recurring config: %w", err)
		}
	}

	c := &domain.Campaign{
		ID:            uuid.New().String(),
		AccountID:     accountID,
		Name:          input.Name,
		Subject:       input.Subject,
		Body:          input.Body,
		SegmentFilter: input.SegmentFilter,
		ScheduledAt:   input.ScheduledAt,
		Recurrence:    input.Recurrence,
		Status:        domain.CampaignDraft,
	}
	if input.ScheduledAt != nil {
		c.Status = domain.CampaignScheduled
	}

	id, err := s.repo.Create(ctx, c)
	if err != nil {
		return nil, err
	}
	c.ID = id
	return c, nil
}

// Update modifies mutable content fields. Campaigns are editable only while
// DRAFT or SCHEDULED; a claimed or settled campaign is locked.
func (s *Service) Update(ctx context.Context, accountID, id string, u UpdateFields) (*domain.Campaign, error) {
	c, err := s.repo.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignDraft && c.Status != domain.CampaignScheduled {
		return nil, ErrNotEditable
	}
	if err := s.repo.Update(ctx, accountID, id, u); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, accountID, id)
}

// Schedule sets (or replaces) a campaign's schedule and moves a DRAFT to
// SCHEDULED. A recurrence rule is validated before anything is persisted.
func (s *Service) Schedule(ctx context.Context, accountID, id string, scheduledAt time.Time, rule *domain.RecurrenceRule) (*domain.Campaign, error) {
	c, err := s.repo.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignDraft && c.Status != domain.CampaignScheduled {
		return nil, ErrInvalidTransition
	}
	if rule != nil {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("recurring config: %w", err)
		}
	}

	if err := s.repo.SetSchedule(ctx, id, &scheduledAt, rule); err != nil {
		return nil, err
	}
	if c.Status == domain.CampaignDraft {
		if err := s.repo.TransitionStatus(ctx, id, domain.CampaignDraft, domain.CampaignScheduled); err != nil {
			return nil, err
		}
	}
	return s.repo.Get(ctx, accountID, id)
}

// CancelSchedule removes a pending schedule, returning the campaign to
// DRAFT. Recurrence and fire times are cleared.
func (s *Service) CancelSchedule(ctx context.Context, accountID, id string) (*domain.Campaign, error) {
	c, err := s.repo.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignScheduled {
		return nil, ErrNotScheduled
	}
	if err := s.repo.TransitionStatus(ctx, id, domain.CampaignScheduled, domain.CampaignDraft); err != nil {
		return nil, err
	}
	if err := s.repo.SetSchedule(ctx, id, nil, nil); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, accountID, id)
}

// Cancel stops a campaign. A DRAFT or SCHEDULED campaign transitions to
// CANCELLED immediately; a SENDING campaign gets a cancellation request
// that the dispatch loop honors between recipient batches.
func (s *Service) Cancel(ctx context.Context, accountID, id string) (*domain.Campaign, error) {
	c, err := s.repo.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if c.Status == domain.CampaignSending {
		if err := s.repo.RequestCancel(ctx, id); err != nil {
			return nil, err
		}
		return s.repo.Get(ctx, accountID, id)
	}
	if err := s.repo.TransitionStatus(ctx, id, c.Status, domain.CampaignCancelled); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, accountID, id)
}

// Delete destroys a campaign. Rejected while a dispatch is in flight.
func (s *Service) Delete(ctx context.Context, accountID, id string) error {
	c, err := s.repo.Get(ctx, accountID, id)
	if err != nil {
		return err
	}
	if c.Status == domain.CampaignSending {
		return ErrCampaignSending
	}
	return s.repo.Delete(ctx, accountID, id)
}

// CreditBalance returns the account's current credit balance.
func (s *Service) CreditBalance(ctx context.Context, accountID string) (int64, error) {
	return s.ledger.Balance(ctx, accountID)
}

// TopUpCredits deposits credits into an account and returns the new
// balance.
func (s *Service) TopUpCredits(ctx context.Context, accountID string, amount int64) (int64, error) {
	return s.ledger.Deposit(ctx, accountID, amount)
}

// SendNow fires a campaign immediately on the caller's request. Errors are
// surfaced to the caller, including *credit.InsufficientCreditError with
// the required/available amounts.
func (s *Service) SendNow(ctx context.Context, accountID, id string) (*SendReport, error) {
	c, err := s.repo.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case domain.CampaignDraft, domain.CampaignScheduled, domain.CampaignFailed:
	case domain.CampaignSending:
		return nil, ErrCampaignSending
	default:
		return nil, ErrInvalidTransition
	}
	return s.fire(ctx, c, true)
}

// FireScheduled runs one occurrence of a due SCHEDULED campaign on behalf
// of the dispatch loop. A lost claim (another worker got there first, or
// the campaign is no longer due) returns ErrNotClaimed; resolution errors
// leave the campaign SCHEDULED for the next poll.
func (s *Service) FireScheduled(ctx context.Context, c *domain.Campaign) error {
	if c.Status != domain.CampaignScheduled {
		return ErrNotClaimed
	}
	_, err := s.fire(ctx, c, false)
	return err
}

// fire drives one campaign occurrence from claim to settlement.
func (s *Service) fire(ctx context.Context, c *domain.Campaign, immediate bool) (*SendReport, error) {
	// Claim. The CAS into SENDING is the concurrency safeguard;
	// losing it means another dispatch owns this occurrence.
	if err := s.repo.TransitionStatus(ctx, c.ID, c.Status, domain.CampaignSending); err != nil {
		if immediate {
			return nil, ErrCampaignSending
		}
		return nil, ErrNotClaimed
	}

	occurrence := s.now().UTC()

	// Resolve recipients.
	recipients, err := s.resolver.Resolve(ctx, c.SegmentFilter, occurrence)
	if err != nil {
		return nil, s.abortUncharged(ctx, c, immediate, fmt.Errorf("resolve segment: %w", err))
	}

	// Reserve credit for the resolved count. Insufficient credit
	// fails the campaign before any send occurs.
	var reservationID string
	if len(recipients) > 0 {
		reservationID, err = s.ledger.Reserve(ctx, c.AccountID, int64(len(recipients)))
		if err != nil {
			if credit.IsInsufficient(err) {
				s.repo.SetLastError(ctx, c.ID, err.Error())
				s.repo.TransitionStatus(ctx, c.ID, domain.CampaignSending, domain.CampaignFailed)
				return nil, err
			}
			return nil, s.abortUncharged(ctx, c, immediate, fmt.Errorf("reserve credit: %w", err))
		}
	}

	// Fan out sends and record delivery events.
	sent, cancelled := s.fanOut(ctx, c, recipients, occurrence)

	// Settle the reservation: charge what was sent, refund the rest.
	// Failed sends and dropped recipients are not charged.
	if reservationID != "" {
		if err := s.ledger.Commit(ctx, reservationID, int64(sent)); err != nil {
			log.Printf("[broadcast.Service] campaign %s: commit reservation %s: %v", c.ID, reservationID, err)
		}
	}

	// Steps 7-8: re-arm or settle.
	final := domain.CampaignSent
	var next *time.Time
	switch {
	case cancelled:
		final = domain.CampaignCancelled
	case c.Recurrence != nil:
		if n, ok := recurrence.NextFireTime(c.Recurrence, occurrence, s.now()); ok {
			next = &n
			final = domain.CampaignScheduled
		}
	}

	outcome := FireOutcome{
		Occurrence:      occurrence,
		TotalRecipients: len(recipients),
		CreditCharge:    sent,
		NextFireAt:      next,
	}
	if err := s.repo.ApplyFireOutcome(ctx, c.ID, outcome); err != nil {
		log.Printf("[broadcast.Service] campaign %s: apply fire outcome: %v", c.ID, err)
	}
	if err := s.repo.TransitionStatus(ctx, c.ID, domain.CampaignSending, final); err != nil {
		log.Printf("[broadcast.Service] campaign %s: settle to %s: %v", c.ID, final, err)
	}

	balance, err := s.ledger.Balance(ctx, c.AccountID)
	if err != nil {
		log.Printf("[broadcast.Service] campaign %s: read balance: %v", c.ID, err)
	}

	log.Printf("[broadcast.Service] campaign %s fired: recipients=%d sent=%d charged=%d final=%s",
		c.ID, len(recipients), sent, sent, final)

	return &SendReport{
		Recipients:    len(recipients),
		CreditUsed:    sent,
		CreditBalance: balance,
	}, nil
}

// abortUncharged handles a pre-send failure (steps 2-3): nothing was
// charged, no events recorded. Immediate sends fail the campaign and
// surface the error; scheduled fires return to SCHEDULED so the next poll
// retries.
func (s *Service) abortUncharged(ctx context.Context, c *domain.Campaign, immediate bool, cause error) error {
	s.repo.SetLastError(ctx, c.ID, cause.Error())
	if immediate {
		if err := s.repo.TransitionStatus(ctx, c.ID, domain.CampaignSending, domain.CampaignFailed); err != nil {
			log.Printf("[broadcast.Service] campaign %s: abort to FAILED: %v", c.ID, err)
		}
		return cause
	}
	if err := s.repo.TransitionStatus(ctx, c.ID, domain.CampaignSending, domain.CampaignScheduled); err != nil {
		log.Printf("[broadcast.Service] campaign %s: abort to SCHEDULED: %v", c.ID, err)
	}
	return cause
}

// fanOut sends to recipients in batches bounded by sendConcurrency.
// Delivery events are recorded in resolver order after each batch; a
// cancellation request is honored between batches. The returned sent count
// is the number of SENT events applied for this occurrence, which is the
// exact credit charge.
func (s *Service) fanOut(ctx context.Context, c *domain.Campaign, recipients []domain.Recipient, occurrence time.Time) (sent int, cancelled bool) {
	for start := 0; start < len(recipients); start += s.sendConcurrency {
		if s.cancelRequested(ctx, c.ID) {
			return sent, true
		}

		end := start + s.sendConcurrency
		if end > len(recipients) {
			end = len(recipients)
		}
		batch := recipients[start:end]

		errs := make([]error, len(batch))
		var wg sync.WaitGroup
		for i := range batch {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.sendOne(ctx, c, &batch[i], occurrence)
			}(i)
		}
		wg.Wait()

		for i := range batch {
			rec := &batch[i]
			kind := domain.EventSent
			msg := ""
			if errs[i] != nil {
				kind = domain.EventFailed
				msg = errs[i].Error()
			}
			ev := &domain.DeliveryEvent{
				ID:             uuid.New().String(),
				CampaignID:     c.ID,
				RecipientID:    rec.ID,
				Kind:           kind,
				IdempotencyKey: domain.OccurrenceKey(c.ID, rec.ID, kind, occurrence),
				Error:          msg,
				OccurredAt:     s.now().UTC(),
			}
			applied, err := s.repo.RecordDeliveryEvent(ctx, ev)
			if err != nil {
				log.Printf("[broadcast.Service] campaign %s: record %s event for %s: %v", c.ID, kind, rec.ID, err)
				continue
			}
			if kind == domain.EventSent && applied {
				sent++
			}
		}
	}
	return sent, false
}

// sendOne renders and delivers one message under the per-send timeout.
func (s *Service) sendOne(ctx context.Context, c *domain.Campaign, rec *domain.Recipient, occurrence time.Time) error {
	subject, body := s.renderer.RenderMessage(c, rec, occurrence)

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return s.sender.Send(sendCtx, rec, subject, body)
}

// cancelRequested reports whether the campaign was cancelled (or flagged
// for cancellation) since the dispatch claimed it.
func (s *Service) cancelRequested(ctx context.Context, id string) bool {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false
	}
	return cur.CancelRequested || cur.Status == domain.CampaignCancelled
}
