// Package segment resolves declarative audience filters into concrete
// recipient lists at fire time.
//
// Resolution is a pure read against the lead population: the resolver never
// mutates recipient state. The returned list is deduplicated and in stable
// order by recipient ID so repeated resolutions of an unchanged population
// are reproducible.
package segment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
)

// LeadStore is the query backend for the lead/user population. A store may
// pre-filter on the given predicate (the Postgres store pushes it into SQL)
// or return a superset; the resolver re-applies the filter either way.
type LeadStore interface {
	Query(ctx context.Context, filter *domain.SegmentFilter, asOf time.Time) ([]domain.Recipient, error)
}

// Resolver turns segment filters into recipient lists.
type Resolver struct {
	store LeadStore
}

// NewResolver creates a resolver backed by the given lead store.
func NewResolver(store LeadStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the recipients matching filter as of the given time,
// deduplicated and ordered by recipient ID.
func (r *Resolver) Resolve(ctx context.Context, filter *domain.SegmentFilter, asOf time.Time) ([]domain.Recipient, error) {
	leads, err := r.store.Query(ctx, filter, asOf)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}

	seen := make(map[string]bool, len(leads))
	out := make([]domain.Recipient, 0, len(leads))
	for _, lead := range leads {
		if seen[lead.ID] {
			continue
		}
		if !Matches(filter, &lead) {
			continue
		}
		seen[lead.ID] = true
		out = append(out, lead)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Matches applies the filter semantics to a single recipient: each
// non-empty field list is OR'd internally, populated fields are AND'd, and
// tag matching is case-insensitive exact (non-empty intersection).
func Matches(filter *domain.SegmentFilter, rec *domain.Recipient) bool {
	if filter.IsEmpty() {
		return true
	}
	if len(filter.Status) > 0 && !containsFold(filter.Status, string(rec.Status)) {
		return false
	}
	if len(filter.Source) > 0 && !containsFold(filter.Source, rec.Source) {
		return false
	}
	if len(filter.Tags) > 0 && !tagIntersects(filter.Tags, rec.Tags) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func tagIntersects(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}
