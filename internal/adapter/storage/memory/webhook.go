package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"trading-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WebhookRepo implements ports.WebhookEventRepository on a Store.
type WebhookRepo struct {
	store *Store
}

func NewWebhookRepo(s *Store) *WebhookRepo {
	return &WebhookRepo{store: s}
}

func (r *WebhookRepo) CreateIfAbsent(ctx context.Context, e *domain.WebhookEvent) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.eventsByExt[e.ExternalEventID]; ok {
		return false, nil
	}
	r.store.events[e.ID] = cloneEvent(e)
	r.store.eventsByExt[e.ExternalEventID] = e.ID
	return true, nil
}

func (r *WebhookRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	e, ok := r.store.events[id]
	if !ok {
		return nil, nil
	}
	return cloneEvent(e), nil
}

func (r *WebhookRepo) GetByExternalID(ctx context.Context, externalEventID string) (*domain.WebhookEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	id, ok := r.store.eventsByExt[externalEventID]
	if !ok {
		return nil, nil
	}
	return cloneEvent(r.store.events[id]), nil
}

func (r *WebhookRepo) Update(ctx context.Context, e *domain.WebhookEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.apply(e)
}

func (r *WebhookRepo) UpdateTx(ctx context.Context, tx pgx.Tx, e *domain.WebhookEvent) error {
	mt, err := asMemTx(tx)
	if err != nil {
		return err
	}

	r.store.mu.RLock()
	_, ok := r.store.events[e.ID]
	r.store.mu.RUnlock()
	if !ok {
		return fmt.Errorf("update webhook event %s: %w", e.ID, pgx.ErrNoRows)
	}

	c := cloneEvent(e)
	mt.stage(func() { _ = r.apply(c) })
	return nil
}

// apply copies the mutable fields; callers hold the write lock.
func (r *WebhookRepo) apply(e *domain.WebhookEvent) error {
	cur, ok := r.store.events[e.ID]
	if !ok {
		return fmt.Errorf("update webhook event %s: %w", e.ID, pgx.ErrNoRows)
	}
	cur.Status = e.Status
	cur.Attempts = e.Attempts
	cur.LastAttemptAt = cloneTime(e.LastAttemptAt)
	cur.NextAttemptAt = cloneTime(e.NextAttemptAt)
	cur.Error = cloneString(e.Error)
	cur.ProcessedAt = cloneTime(e.ProcessedAt)
	return nil
}

func (r *WebhookRepo) ListByStatus(ctx context.Context, status domain.WebhookStatus, olderThan time.Time, limit int) ([]domain.WebhookEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []domain.WebhookEvent
	for _, e := range r.store.events {
		if e.Status == status && lastActivity(e).Before(olderThan) {
			out = append(out, *cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return lastActivity(&out[i]).Before(lastActivity(&out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *WebhookRepo) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []domain.WebhookEvent
	for _, e := range r.store.events {
		if e.Status == domain.WebhookStatusRetrying && !nextAttempt(e).After(now) {
			out = append(out, *cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return nextAttempt(&out[i]).Before(nextAttempt(&out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *WebhookRepo) InsertDeadLetter(ctx context.Context, tx pgx.Tx, dl *domain.DeadLetter) error {
	mt, err := asMemTx(tx)
	if err != nil {
		return err
	}
	c := domain.DeadLetter{EventID: dl.EventID, Reason: dl.Reason, MovedAt: dl.MovedAt}
	mt.stage(func() { r.store.deadLetters[c.EventID] = c })
	return nil
}

func (r *WebhookRepo) DeleteDeadLetter(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) (bool, error) {
	mt, err := asMemTx(tx)
	if err != nil {
		return false, err
	}

	r.store.mu.RLock()
	_, ok := r.store.deadLetters[eventID]
	r.store.mu.RUnlock()
	if !ok {
		return false, nil
	}
	mt.stage(func() { delete(r.store.deadLetters, eventID) })
	return true, nil
}

func (r *WebhookRepo) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make([]domain.DeadLetter, 0, len(r.store.deadLetters))
	for id, dl := range r.store.deadLetters {
		if e, ok := r.store.events[id]; ok {
			dl.ExternalEventID = e.ExternalEventID
			dl.EventType = e.EventType
			dl.Attempts = e.Attempts
		}
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MovedAt.After(out[j].MovedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *WebhookRepo) CountDeadLetters(ctx context.Context) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return int64(len(r.store.deadLetters)), nil
}

func lastActivity(e *domain.WebhookEvent) time.Time {
	if e.LastAttemptAt != nil {
		return *e.LastAttemptAt
	}
	return e.CreatedAt
}

// nextAttempt treats a retrying event without a schedule as due at its last activity.
func nextAttempt(e *domain.WebhookEvent) time.Time {
	if e.NextAttemptAt != nil {
		return *e.NextAttemptAt
	}
	return lastActivity(e)
}

func cloneEvent(e *domain.WebhookEvent) *domain.WebhookEvent {
	c := *e
	c.RawPayload = append([]byte(nil), e.RawPayload...)
	c.LastAttemptAt = cloneTime(e.LastAttemptAt)
	c.NextAttemptAt = cloneTime(e.NextAttemptAt)
	c.Error = cloneString(e.Error)
	c.ProcessedAt = cloneTime(e.ProcessedAt)
	return &c
}
