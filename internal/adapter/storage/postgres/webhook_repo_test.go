package postgres

import (
	"context"
	"testing"
	"time"

	"trading-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvent() *domain.WebhookEvent {
	return &domain.WebhookEvent{
		ID:              uuid.New(),
		ExternalEventID: "evt_1",
		EventType:       domain.EventDepositCompleted,
		RawPayload:      []byte(`{"id":"evt_1"}`),
		Status:          domain.WebhookStatusPending,
		CreatedAt:       time.Now().UTC().Truncate(time.Microsecond),
	}
}

func webhookColumnNames() []string {
	return []string{"id", "external_event_id", "event_type", "raw_payload", "status", "attempts",
		"last_attempt_at", "next_attempt_at", "error", "created_at", "processed_at"}
}

func eventRow(rows *pgxmock.Rows, e *domain.WebhookEvent) *pgxmock.Rows {
	return rows.AddRow(e.ID, e.ExternalEventID, string(e.EventType), e.RawPayload, string(e.Status),
		e.Attempts, e.LastAttemptAt, e.NextAttemptAt, e.Error, e.CreatedAt, e.ProcessedAt)
}

func TestWebhookRepo_CreateIfAbsent(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"inserted", 1, true},
		{"conflict", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			repo := NewWebhookRepo(mock)
			e := newTestEvent()

			mock.ExpectExec("INSERT INTO webhook_events").
				WithArgs(e.ID, e.ExternalEventID, "deposit.completed", e.RawPayload, "pending",
					0, e.LastAttemptAt, e.Error, e.CreatedAt, e.ProcessedAt).
				WillReturnResult(pgxmock.NewResult("INSERT", tt.affected))

			created, err := repo.CreateIfAbsent(context.Background(), e)
			require.NoError(t, err)
			assert.Equal(t, tt.want, created)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestWebhookRepo_GetByExternalID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWebhookRepo(mock)
	e := newTestEvent()

	mock.ExpectQuery("FROM webhook_events WHERE external_event_id").
		WithArgs("evt_1").
		WillReturnRows(eventRow(pgxmock.NewRows(webhookColumnNames()), e))
	mock.ExpectQuery("FROM webhook_events WHERE external_event_id").
		WithArgs("evt_missing").
		WillReturnRows(pgxmock.NewRows(webhookColumnNames()))

	got, err := repo.GetByExternalID(context.Background(), "evt_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, domain.EventDepositCompleted, got.EventType)
	assert.Equal(t, domain.WebhookStatusPending, got.Status)
	assert.Equal(t, e.RawPayload, got.RawPayload)

	got, err = repo.GetByExternalID(context.Background(), "evt_missing")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookRepo_Update(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWebhookRepo(mock)
	e := newTestEvent()
	now := time.Now().UTC()
	e.Status = domain.WebhookStatusRetrying
	e.Attempts = 2
	next := now.Add(5 * time.Minute)
	e.LastAttemptAt = &now
	e.NextAttemptAt = &next
	e.Error = strPtr("handler failed")

	mock.ExpectExec("UPDATE webhook_events").
		WithArgs("retrying", 2, e.LastAttemptAt, e.NextAttemptAt, e.Error, e.ProcessedAt, e.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE webhook_events").
		WithArgs("retrying", 2, e.LastAttemptAt, e.NextAttemptAt, e.Error, e.ProcessedAt, e.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.Update(context.Background(), e))
	assert.Error(t, repo.Update(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookRepo_ListByStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWebhookRepo(mock)
	e := newTestEvent()
	cutoff := time.Now().UTC()

	mock.ExpectQuery("FROM webhook_events").
		WithArgs("pending", cutoff, 50).
		WillReturnRows(eventRow(pgxmock.NewRows(webhookColumnNames()), e))

	events, err := repo.ListByStatus(context.Background(), domain.WebhookStatusPending, cutoff, 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, e.ExternalEventID, events[0].ExternalEventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookRepo_ListDueRetries(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWebhookRepo(mock)
	e := newTestEvent()
	now := time.Now().UTC().Truncate(time.Microsecond)
	due := now.Add(-time.Second)
	e.Status = domain.WebhookStatusRetrying
	e.NextAttemptAt = &due

	mock.ExpectQuery("WHERE status = \\$1 AND COALESCE\\(next_attempt_at").
		WithArgs("retrying", now, 25).
		WillReturnRows(eventRow(pgxmock.NewRows(webhookColumnNames()), e))

	events, err := repo.ListDueRetries(context.Background(), now, 25)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].NextAttemptAt)
	assert.True(t, due.Equal(*events[0].NextAttemptAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookRepo_DeadLetters(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWebhookRepo(mock)
	e := newTestEvent()
	movedAt := time.Now().UTC()
	dl := &domain.DeadLetter{EventID: e.ID, Reason: "handler failed", MovedAt: movedAt}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO webhook_dead_letters").
		WithArgs(e.ID, "handler failed", movedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM webhook_dead_letters").
		WithArgs(e.ID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM webhook_dead_letters").
		WithArgs(e.ID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery("FROM webhook_dead_letters d").
		WithArgs(20).
		WillReturnRows(pgxmock.NewRows([]string{"event_id", "external_event_id", "event_type", "attempts", "reason", "moved_at"}).
			AddRow(e.ID, "evt_1", "deposit.completed", 5, "handler failed", movedAt))
	mock.ExpectQuery("FROM webhook_dead_letters").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))

	dbTx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	require.NoError(t, repo.InsertDeadLetter(context.Background(), dbTx, dl))

	deleted, err := repo.DeleteDeadLetter(context.Background(), dbTx, e.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.DeleteDeadLetter(context.Background(), dbTx, e.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	list, err := repo.ListDeadLetters(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 5, list[0].Attempts)
	assert.Equal(t, domain.EventDepositCompleted, list[0].EventType)

	n, err := repo.CountDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
