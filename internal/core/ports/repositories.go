package ports

import (
	"context"
	"errors"
	"time"

	"trading-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LedgerRepository persists accounts, transactions and entries.
// Methods accepting pgx.Tx run inside the caller's transaction; LockAccounts
// takes row locks that are held until commit or rollback.
type LedgerRepository interface {
	LockAccounts(ctx context.Context, tx pgx.Tx, accounts []domain.Account) (domain.Balances, error)
	GetByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (*domain.Transaction, error)
	CreateTransaction(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error
	UpdateBalances(ctx context.Context, tx pgx.Tx, balances domain.Balances) error
	MarkReconciled(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, at time.Time) (int64, error)

	GetBalances(ctx context.Context) (domain.Balances, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	List(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)
	ListEntries(ctx context.Context, account domain.Account) ([]domain.LedgerEntry, error)
	Count(ctx context.Context) (*TransactionCounts, error)
}

// TransactionCounts holds aggregate counts for the summary.
type TransactionCounts struct {
	Total      int64
	Reconciled int64
}

// WebhookEventRepository persists received events and the dead-letter set.
type WebhookEventRepository interface {
	// CreateIfAbsent inserts e unless its external_event_id already exists.
	// Returns false when another record already holds the id.
	CreateIfAbsent(ctx context.Context, e *domain.WebhookEvent) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error)
	GetByExternalID(ctx context.Context, externalEventID string) (*domain.WebhookEvent, error)
	Update(ctx context.Context, e *domain.WebhookEvent) error
	UpdateTx(ctx context.Context, tx pgx.Tx, e *domain.WebhookEvent) error
	// ListByStatus returns events in status whose last activity
	// (last_attempt_at, else created_at) is before olderThan, oldest first.
	ListByStatus(ctx context.Context, status domain.WebhookStatus, olderThan time.Time, limit int) ([]domain.WebhookEvent, error)
	// ListDueRetries returns retrying events whose next_attempt_at is not
	// after now, earliest first.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error)

	InsertDeadLetter(ctx context.Context, tx pgx.Tx, dl *domain.DeadLetter) error
	DeleteDeadLetter(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) (bool, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	CountDeadLetters(ctx context.Context) (int64, error)
}

// ReportRepository persists reconciliation reports and their discrepancies.
type ReportRepository interface {
	Create(ctx context.Context, r *domain.ReconciliationReport) error
	// Finalize writes the terminal status, counts and discrepancies. It
	// returns ErrReportFinalized when the report is no longer in progress.
	Finalize(ctx context.Context, tx pgx.Tx, r *domain.ReconciliationReport) error
	// FailStale marks in-progress reports created before olderThan as failed
	// with reason and returns how many were closed.
	FailStale(ctx context.Context, olderThan time.Time, reason string, at time.Time) (int64, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ReconciliationReport, error)
	GetLatest(ctx context.Context) (*domain.ReconciliationReport, error)
	ListUnresolvedDiscrepancies(ctx context.Context, limit int) ([]domain.Discrepancy, error)
	CountUnresolvedDiscrepancies(ctx context.Context) (int64, error)
	// ResolveDiscrepancy returns nil when no discrepancy matches both ids.
	ResolveDiscrepancy(ctx context.Context, reportID, discrepancyID uuid.UUID, notes string, at time.Time) (*domain.Discrepancy, error)
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ErrDuplicateKey is returned by repositories when a unique key already exists.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrReportFinalized is returned when a report has already left in_progress.
var ErrReportFinalized = errors.New("report already finalized")
