// Package memory provides in-memory repository implementations for
// development mode and tests. Not for production use; nothing survives a
// restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
	"github.com/eksporyuk/broadcast-engine/internal/service/broadcast"
)

// BroadcastRepo implements broadcast.Repository on maps.
type BroadcastRepo struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	events    map[string]*domain.DeliveryEvent
}

// NewBroadcastRepo creates an empty in-memory broadcast repository.
func NewBroadcastRepo() *BroadcastRepo {
	return &BroadcastRepo{
		campaigns: make(map[string]*domain.Campaign),
		events:    make(map[string]*domain.DeliveryEvent),
	}
}

func (r *BroadcastRepo) Get(_ context.Context, accountID, id string) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.AccountID != accountID {
		return nil, broadcast.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *BroadcastRepo) GetByID(_ context.Context, id string) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, broadcast.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *BroadcastRepo) List(_ context.Context, accountID string, f broadcast.ListFilter) ([]domain.Campaign, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []domain.Campaign
	for _, c := range r.campaigns {
		if c.AccountID != accountID {
			continue
		}
		if f.Status != "" && c.Status != domain.CampaignStatus(f.Status) {
			continue
		}
		if f.Search != "" {
			needle := strings.ToLower(f.Search)
			if !strings.Contains(strings.ToLower(c.Name), needle) &&
				!strings.Contains(strings.ToLower(c.Subject), needle) {
				continue
			}
		}
		all = append(all, *c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	start := f.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (r *BroadcastRepo) Create(_ context.Context, c *domain.Campaign) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	cp := *c
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.ScheduledAt != nil {
		at := *cp.ScheduledAt
		cp.NextFireAt = &at
	}
	r.campaigns[cp.ID] = &cp
	return cp.ID, nil
}

func (r *BroadcastRepo) Update(_ context.Context, accountID, id string, u broadcast.UpdateFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.AccountID != accountID {
		return broadcast.ErrNotFound
	}
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Subject != nil {
		c.Subject = *u.Subject
	}
	if u.Body != nil {
		c.Body = *u.Body
	}
	if u.SegmentFilter != nil {
		c.SegmentFilter = u.SegmentFilter
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (r *BroadcastRepo) Delete(_ context.Context, accountID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.AccountID != accountID {
		return broadcast.ErrNotFound
	}
	if c.Status == domain.CampaignSending {
		return broadcast.ErrCampaignSending
	}
	delete(r.campaigns, id)
	return nil
}

func (r *BroadcastRepo) TransitionStatus(_ context.Context, id string, from, to domain.CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return broadcast.ErrNotFound
	}
	if c.Status != from || !domain.CanTransition(from, to) {
		return broadcast.ErrInvalidTransition
	}
	c.Status = to
	if c.IsTerminal() {
		c.CancelRequested = false
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (r *BroadcastRepo) SetSchedule(_ context.Context, id string, scheduledAt *time.Time, rule *domain.RecurrenceRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return broadcast.ErrNotFound
	}
	c.ScheduledAt = scheduledAt
	c.Recurrence = rule
	if scheduledAt != nil {
		at := *scheduledAt
		c.NextFireAt = &at
	} else {
		c.NextFireAt = nil
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (r *BroadcastRepo) RequestCancel(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return broadcast.ErrNotFound
	}
	c.CancelRequested = true
	c.UpdatedAt = time.Now()
	return nil
}

func (r *BroadcastRepo) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.Campaign
	for _, c := range r.campaigns {
		if c.Status != domain.CampaignScheduled || c.NextFireAt == nil {
			continue
		}
		if c.NextFireAt.After(now) {
			continue
		}
		due = append(due, *c)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextFireAt.Before(*due[j].NextFireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *BroadcastRepo) ApplyFireOutcome(_ context.Context, id string, o broadcast.FireOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return broadcast.ErrNotFound
	}
	c.TotalRecipients += o.TotalRecipients
	c.CreditUsed += o.CreditCharge
	occ := o.Occurrence
	c.LastFiredAt = &occ
	c.NextFireAt = o.NextFireAt
	c.LastError = o.LastError
	c.UpdatedAt = time.Now()
	return nil
}

func (r *BroadcastRepo) RecordDeliveryEvent(_ context.Context, ev *domain.DeliveryEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.events[ev.IdempotencyKey]; seen {
		return false, nil
	}
	c, ok := r.campaigns[ev.CampaignID]
	if !ok {
		return false, broadcast.ErrNotFound
	}
	cp := *ev
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	r.events[ev.IdempotencyKey] = &cp
	switch ev.Kind {
	case domain.EventSent:
		c.SentCount++
	case domain.EventFailed:
		c.FailedCount++
	case domain.EventOpened:
		c.OpenedCount++
	case domain.EventClicked:
		c.ClickedCount++
	}
	c.UpdatedAt = time.Now()
	return true, nil
}

func (r *BroadcastRepo) SetLastError(_ context.Context, id, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return broadcast.ErrNotFound
	}
	c.LastError = msg
	c.UpdatedAt = time.Now()
	return nil
}

func (r *BroadcastRepo) FailStuck(_ context.Context, before time.Time, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.campaigns {
		if c.Status == domain.CampaignSending && c.UpdatedAt.Before(before) {
			c.Status = domain.CampaignFailed
			c.LastError = reason
			c.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}
