package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
	"github.com/eksporyuk/broadcast-engine/internal/service/broadcast"
)

// BroadcastRepo implements broadcast.Repository against PostgreSQL.
// Segment filters and recurrence rules are stored as JSONB.
type BroadcastRepo struct{ db *sql.DB }

// NewBroadcastRepo creates a Postgres-backed broadcast repository.
func NewBroadcastRepo(db *sql.DB) *BroadcastRepo { return &BroadcastRepo{db: db} }

const campaignColumns = `
	id, account_id, name, subject, body, status,
	COALESCE(segment_filter, 'null'), COALESCE(recurrence, 'null'),
	scheduled_at, total_recipients, sent_count, opened_count,
	clicked_count, failed_count, credit_used, COALESCE(last_error, ''),
	cancel_requested, last_fired_at, next_fire_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var filterJSON, ruleJSON []byte
	err := row.Scan(
		&c.ID, &c.AccountID, &c.Name, &c.Subject, &c.Body, &c.Status,
		&filterJSON, &ruleJSON,
		&c.ScheduledAt, &c.TotalRecipients, &c.SentCount, &c.OpenedCount,
		&c.ClickedCount, &c.FailedCount, &c.CreditUsed, &c.LastError,
		&c.CancelRequested, &c.LastFiredAt, &c.NextFireAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(filterJSON, &c.SegmentFilter); err != nil {
		return nil, fmt.Errorf("decode segment filter: %w", err)
	}
	if err := json.Unmarshal(ruleJSON, &c.Recurrence); err != nil {
		return nil, fmt.Errorf("decode recurrence: %w", err)
	}
	return c, nil
}

func (r *BroadcastRepo) Get(ctx context.Context, accountID, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+`
		FROM broadcast_campaigns
		WHERE id = $1 AND account_id = $2
	`, id, accountID))
	if err == sql.ErrNoRows {
		return nil, broadcast.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *BroadcastRepo) GetByID(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+`
		FROM broadcast_campaigns
		WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, broadcast.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *BroadcastRepo) List(ctx context.Context, accountID string, f broadcast.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := ` WHERE account_id = $1`
	args := []interface{}{accountID}
	idx := 2

	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Search != "" {
		where += fmt.Sprintf(" AND (name ILIKE $%d OR subject ILIKE $%d)", idx, idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM broadcast_campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignColumns + ` FROM broadcast_campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (r *BroadcastRepo) Create(ctx context.Context, c *domain.Campaign) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	filterJSON, err := json.Marshal(c.SegmentFilter)
	if err != nil {
		return "", fmt.Errorf("encode segment filter: %w", err)
	}
	ruleJSON, err := json.Marshal(c.Recurrence)
	if err != nil {
		return "", fmt.Errorf("encode recurrence: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO broadcast_campaigns
			(id, account_id, name, subject, body, status,
			 segment_filter, recurrence, scheduled_at, next_fire_at,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, NOW(), NOW())
	`, c.ID, c.AccountID, c.Name, c.Subject, c.Body, c.Status,
		filterJSON, ruleJSON, c.ScheduledAt)
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}
	return c.ID, nil
}

func (r *BroadcastRepo) Update(ctx context.Context, accountID, id string, u broadcast.UpdateFields) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.Subject != nil {
		add("subject", *u.Subject)
	}
	if u.Body != nil {
		add("body", *u.Body)
	}
	if u.SegmentFilter != nil {
		filterJSON, err := json.Marshal(u.SegmentFilter)
		if err != nil {
			return fmt.Errorf("encode segment filter: %w", err)
		}
		add("segment_filter", filterJSON)
	}

	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = NOW()")
	q := fmt.Sprintf("UPDATE broadcast_campaigns SET %s WHERE id = $%d AND account_id = $%d",
		strings.Join(sets, ", "), idx, idx+1)
	args = append(args, id, accountID)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return broadcast.ErrNotFound
	}
	return nil
}

func (r *BroadcastRepo) Delete(ctx context.Context, accountID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM broadcast_campaigns
		WHERE id = $1 AND account_id = $2 AND status <> 'SENDING'
	`, id, accountID)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return broadcast.ErrNotFound
	}
	return nil
}

// TransitionStatus performs the compare-and-swap that guards every status
// change. A concurrent claimer observes zero rows updated.
func (r *BroadcastRepo) TransitionStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error {
	if !domain.CanTransition(from, to) {
		return broadcast.ErrInvalidTransition
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_campaigns SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return broadcast.ErrInvalidTransition
	}
	return nil
}

func (r *BroadcastRepo) SetSchedule(ctx context.Context, id string, scheduledAt *time.Time, rule *domain.RecurrenceRule) error {
	ruleJSON, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("encode recurrence: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_campaigns
		SET scheduled_at = $1, recurrence = $2, next_fire_at = $1, updated_at = NOW()
		WHERE id = $3
	`, scheduledAt, ruleJSON, id)
	if err != nil {
		return fmt.Errorf("set schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return broadcast.ErrNotFound
	}
	return nil
}

func (r *BroadcastRepo) RequestCancel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_campaigns SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'SENDING'
	`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return broadcast.ErrNotFound
	}
	return nil
}

// ListDue returns SCHEDULED campaigns whose next fire time has arrived.
// next_fire_at tracks the pending occurrence; it equals scheduled_at until
// the first fire.
func (r *BroadcastRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM broadcast_campaigns
		WHERE status = 'SCHEDULED' AND next_fire_at IS NOT NULL AND next_fire_at <= $1
		ORDER BY next_fire_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *BroadcastRepo) ApplyFireOutcome(ctx context.Context, id string, o broadcast.FireOutcome) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_campaigns
		SET total_recipients = total_recipients + $1,
		    credit_used = credit_used + $2,
		    last_fired_at = $3,
		    next_fire_at = $4,
		    last_error = $5,
		    updated_at = NOW()
		WHERE id = $6
	`, o.TotalRecipients, o.CreditCharge, o.Occurrence, o.NextFireAt, o.LastError, id)
	if err != nil {
		return fmt.Errorf("apply fire outcome: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return broadcast.ErrNotFound
	}
	return nil
}

// counterColumn maps an event kind to the campaign counter it bumps.
func counterColumn(kind domain.DeliveryEventKind) string {
	switch kind {
	case domain.EventSent:
		return "sent_count"
	case domain.EventFailed:
		return "failed_count"
	case domain.EventOpened:
		return "opened_count"
	case domain.EventClicked:
		return "clicked_count"
	}
	return ""
}

// RecordDeliveryEvent inserts the event and bumps the matching campaign
// counter atomically. The unique index on idempotency_key makes replays
// no-ops: the insert conflicts, no counter moves, applied is false.
func (r *BroadcastRepo) RecordDeliveryEvent(ctx context.Context, ev *domain.DeliveryEvent) (bool, error) {
	col := counterColumn(ev.Kind)
	if col == "" {
		return false, fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_events
			(id, campaign_id, recipient_id, kind, idempotency_key, error, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, ev.ID, ev.CampaignID, ev.RecipientID, ev.Kind, ev.IdempotencyKey, ev.Error, ev.OccurredAt)
	if err != nil {
		return false, fmt.Errorf("insert delivery event: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE broadcast_campaigns SET %s = %s + 1, updated_at = NOW() WHERE id = $1", col, col),
		ev.CampaignID); err != nil {
		return false, fmt.Errorf("bump %s: %w", col, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (r *BroadcastRepo) SetLastError(ctx context.Context, id, msg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_campaigns SET last_error = $1, updated_at = NOW() WHERE id = $2
	`, msg, id)
	if err != nil {
		return fmt.Errorf("set last error: %w", err)
	}
	return nil
}

// FailStuck moves SENDING campaigns that have not been touched since the
// cutoff to FAILED. Covers dispatcher crashes that left a claim orphaned.
func (r *BroadcastRepo) FailStuck(ctx context.Context, before time.Time, reason string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcast_campaigns
		SET status = 'FAILED', last_error = $1, updated_at = NOW()
		WHERE status = 'SENDING' AND updated_at < $2
	`, reason, before)
	if err != nil {
		return 0, fmt.Errorf("fail stuck campaigns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
