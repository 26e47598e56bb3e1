package memory

import (
	"context"
	"sync"
	"time"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
)

// LeadRepo is an in-memory lead store for development mode. The resolver
// applies the filter; this store only excludes unsubscribed leads and
// those created after the as-of time.
type LeadRepo struct {
	mu    sync.Mutex
	leads map[string]*domain.Recipient
}

// NewLeadRepo creates an empty in-memory lead store.
func NewLeadRepo() *LeadRepo {
	return &LeadRepo{leads: make(map[string]*domain.Recipient)}
}

// Seed inserts or replaces leads.
func (r *LeadRepo) Seed(leads ...domain.Recipient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range leads {
		cp := leads[i]
		r.leads[cp.ID] = &cp
	}
}

func (r *LeadRepo) Query(_ context.Context, _ *domain.SegmentFilter, asOf time.Time) ([]domain.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Recipient
	for _, l := range r.leads {
		if l.Status == domain.LeadUnsubscribed {
			continue
		}
		if !l.CreatedAt.IsZero() && l.CreatedAt.After(asOf) {
			continue
		}
		out = append(out, *l)
	}
	return out, nil
}

// MarkUnsubscribed flips a lead to unsubscribed. Idempotent; unknown IDs
// are ignored.
func (r *LeadRepo) MarkUnsubscribed(_ context.Context, leadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.leads[leadID]; ok {
		l.Status = domain.LeadUnsubscribed
	}
	return nil
}
