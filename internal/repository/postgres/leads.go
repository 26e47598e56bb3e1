package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
)

// LeadRepo reads the lead population for segment resolution. The broadcast
// engine never writes leads except to flip them to unsubscribed.
type LeadRepo struct{ db *sql.DB }

// NewLeadRepo creates a Postgres-backed lead store.
func NewLeadRepo(db *sql.DB) *LeadRepo { return &LeadRepo{db: db} }

// Query returns leads matching the filter as they existed at or before
// asOf. Unsubscribed leads are always excluded; within a field the values
// are OR'd, across fields AND'd. Tag matching is case-insensitive.
func (r *LeadRepo) Query(ctx context.Context, filter *domain.SegmentFilter, asOf time.Time) ([]domain.Recipient, error) {
	q := `
		SELECT id, name, email, COALESCE(channel_address, ''), status,
		       COALESCE(source, ''), COALESCE(tags, '{}'), created_at
		FROM leads
		WHERE status <> 'unsubscribed' AND created_at <= $1`
	args := []interface{}{asOf}
	idx := 2

	if filter != nil {
		if len(filter.Status) > 0 {
			q += fmt.Sprintf(" AND status = ANY($%d)", idx)
			args = append(args, pq.Array(lower(filter.Status)))
			idx++
		}
		if len(filter.Source) > 0 {
			q += fmt.Sprintf(" AND LOWER(source) = ANY($%d)", idx)
			args = append(args, pq.Array(lower(filter.Source)))
			idx++
		}
		if len(filter.Tags) > 0 {
			// Overlap on lowercased tags: any shared tag matches.
			q += fmt.Sprintf(`
			  AND EXISTS (
			      SELECT 1 FROM unnest(tags) t WHERE LOWER(t) = ANY($%d)
			  )`, idx)
			args = append(args, pq.Array(lower(filter.Tags)))
			idx++
		}
	}
	q += " ORDER BY id ASC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var rec domain.Recipient
		var tags pq.StringArray
		if err := rows.Scan(
			&rec.ID, &rec.Name, &rec.Email, &rec.ChannelAddress, &rec.Status,
			&rec.Source, &tags, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		rec.Tags = tags
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkUnsubscribed flips a lead to unsubscribed. Idempotent.
func (r *LeadRepo) MarkUnsubscribed(ctx context.Context, leadID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leads SET status = 'unsubscribed', updated_at = NOW() WHERE id = $1
	`, leadID)
	if err != nil {
		return fmt.Errorf("mark unsubscribed: %w", err)
	}
	return nil
}

func lower(vals []string) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = strings.ToLower(v)
	}
	return out
}
