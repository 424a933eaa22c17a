package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trading-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const webhookColumns = `id, external_event_id, event_type, raw_payload, status, attempts,
	last_attempt_at, next_attempt_at, error, created_at, processed_at`

// WebhookRepo implements ports.WebhookEventRepository using PostgreSQL.
type WebhookRepo struct {
	pool Pool
}

// NewWebhookRepo creates a new WebhookRepo.
func NewWebhookRepo(pool Pool) *WebhookRepo {
	return &WebhookRepo{pool: pool}
}

// CreateIfAbsent inserts e unless external_event_id already exists.
func (r *WebhookRepo) CreateIfAbsent(ctx context.Context, e *domain.WebhookEvent) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO webhook_events (id, external_event_id, event_type, raw_payload, status,
			attempts, last_attempt_at, error, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (external_event_id) DO NOTHING`,
		e.ID, e.ExternalEventID, string(e.EventType), e.RawPayload, string(e.Status),
		e.Attempts, e.LastAttemptAt, e.Error, e.CreatedAt, e.ProcessedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID returns nil, nil when the event does not exist.
func (r *WebhookRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	e, err := scanWebhookEvent(r.pool.QueryRow(ctx,
		"SELECT "+webhookColumns+" FROM webhook_events WHERE id = $1", id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return e, nil
}

// GetByExternalID returns nil, nil when the gateway event id is unknown.
func (r *WebhookRepo) GetByExternalID(ctx context.Context, externalEventID string) (*domain.WebhookEvent, error) {
	e, err := scanWebhookEvent(r.pool.QueryRow(ctx,
		"SELECT "+webhookColumns+" FROM webhook_events WHERE external_event_id = $1", externalEventID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event by external id: %w", err)
	}
	return e, nil
}

func (r *WebhookRepo) Update(ctx context.Context, e *domain.WebhookEvent) error {
	return updateWebhookEvent(ctx, r.pool, e)
}

func (r *WebhookRepo) UpdateTx(ctx context.Context, tx pgx.Tx, e *domain.WebhookEvent) error {
	return updateWebhookEvent(ctx, tx, e)
}

func updateWebhookEvent(ctx context.Context, q querier, e *domain.WebhookEvent) error {
	tag, err := q.Exec(ctx,
		`UPDATE webhook_events
		SET status = $1, attempts = $2, last_attempt_at = $3, next_attempt_at = $4,
			error = $5, processed_at = $6
		WHERE id = $7`,
		string(e.Status), e.Attempts, e.LastAttemptAt, e.NextAttemptAt, e.Error, e.ProcessedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update webhook event %s: %w", e.ID, pgx.ErrNoRows)
	}
	return nil
}

// ListByStatus returns events in status whose last activity is before
// olderThan, oldest first.
func (r *WebhookRepo) ListByStatus(ctx context.Context, status domain.WebhookStatus, olderThan time.Time, limit int) ([]domain.WebhookEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events
		WHERE status = $1 AND COALESCE(last_attempt_at, created_at) < $2
		ORDER BY COALESCE(last_attempt_at, created_at)
		LIMIT $3`,
		string(status), olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	return collectWebhookEvents(rows)
}

// ListDueRetries returns retrying events due at now, earliest first.
func (r *WebhookRepo) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events
		WHERE status = $1 AND COALESCE(next_attempt_at, last_attempt_at, created_at) <= $2
		ORDER BY COALESCE(next_attempt_at, last_attempt_at, created_at)
		LIMIT $3`,
		string(domain.WebhookStatusRetrying), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	return collectWebhookEvents(rows)
}

func collectWebhookEvents(rows pgx.Rows) ([]domain.WebhookEvent, error) {
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// InsertDeadLetter parks an event; a second insert refreshes the reason.
func (r *WebhookRepo) InsertDeadLetter(ctx context.Context, tx pgx.Tx, dl *domain.DeadLetter) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO webhook_dead_letters (event_id, reason, moved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO UPDATE SET reason = EXCLUDED.reason, moved_at = EXCLUDED.moved_at`,
		dl.EventID, dl.Reason, dl.MovedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// DeleteDeadLetter returns false when the event was not parked.
func (r *WebhookRepo) DeleteDeadLetter(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, "DELETE FROM webhook_dead_letters WHERE event_id = $1", eventID)
	if err != nil {
		return false, fmt.Errorf("delete dead letter: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListDeadLetters returns parked events, most recent first.
func (r *WebhookRepo) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT d.event_id, e.external_event_id, e.event_type, e.attempts, d.reason, d.moved_at
		FROM webhook_dead_letters d
		JOIN webhook_events e ON e.id = d.event_id
		ORDER BY d.moved_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var (
			dl        domain.DeadLetter
			eventType string
		)
		if err := rows.Scan(&dl.EventID, &dl.ExternalEventID, &eventType, &dl.Attempts, &dl.Reason, &dl.MovedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.EventType = domain.EventType(eventType)
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (r *WebhookRepo) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM webhook_dead_letters").Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func scanWebhookEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var (
		e                 domain.WebhookEvent
		eventType, status string
	)
	if err := row.Scan(
		&e.ID, &e.ExternalEventID, &eventType, &e.RawPayload, &status, &e.Attempts,
		&e.LastAttemptAt, &e.NextAttemptAt, &e.Error, &e.CreatedAt, &e.ProcessedAt,
	); err != nil {
		return nil, err
	}
	e.EventType = domain.EventType(eventType)
	e.Status = domain.WebhookStatus(status)
	return &e, nil
}
