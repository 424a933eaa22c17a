package ports

import (
	"context"
	"time"

	"trading-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// --- Infrastructure Ports ---

// SignatureVerifier checks gateway webhook signatures of the form
// "t=<unix>,v1=<hex hmac>".
type SignatureVerifier interface {
	Sign(timestamp int64, body []byte) string
	Verify(header string, body []byte) error
}

// EventLock is a short-lived mutual exclusion keyed by string.
type EventLock interface {
	// Acquire returns ok=false when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// GatewayClient reads the payment gateway's transaction log.
type GatewayClient interface {
	FetchTransactions(ctx context.Context, start, end time.Time, cursor string, limit int) (*domain.GatewayPage, error)
}

// EventPublisher fans ledger activity out to downstream consumers.
type EventPublisher interface {
	PublishTransaction(ctx context.Context, t *domain.Transaction) error
	PublishDeadLetter(ctx context.Context, dl *domain.DeadLetter, payload []byte) error
}

// TokenService issues and validates operator bearer tokens.
type TokenService interface {
	Generate(subject string) (string, time.Time, error)
	Validate(token string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// ReconciledMarker flips matched transactions to reconciled inside the
// reconciler's finalize transaction.
type ReconciledMarker interface {
	MarkReconciledTx(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) error
}

// --- Service Ports (Business Logic) ---

// LedgerService is the double-entry ledger.
type LedgerService interface {
	RecordDeposit(ctx context.Context, req MovementRequest) (*domain.Transaction, error)
	RecordWithdrawal(ctx context.Context, req MovementRequest) (*domain.Transaction, error)
	RecordTradeResult(ctx context.Context, pnl decimal.Decimal, tradeID string) (*domain.Transaction, error)
	RecordAdjustment(ctx context.Context, req AdjustmentRequest) (*domain.Transaction, error)
	GetBalance(ctx context.Context, account domain.Account) (decimal.Decimal, error)
	GetBalances(ctx context.Context) (domain.Balances, error)
	GetAvailableBalance(ctx context.Context) (decimal.Decimal, error)
	GetTotalEquity(ctx context.Context) (decimal.Decimal, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)
	MarkReconciled(ctx context.Context, id uuid.UUID) error
}

// MovementRequest holds input for deposits and withdrawals.
type MovementRequest struct {
	Amount            decimal.Decimal
	Fee               decimal.Decimal
	Currency          string
	ExternalReference string
	Description       string
}

// AdjustmentRequest moves Amount from CreditAccount to DebitAccount.
type AdjustmentRequest struct {
	DebitAccount  domain.Account
	CreditAccount domain.Account
	Amount        decimal.Decimal
	Reference     string
	Description   string
}

// WebhookService ingests gateway notifications.
type WebhookService interface {
	ReceiveEvent(ctx context.Context, rawPayload []byte, signatureHeader string) (*domain.IngestResult, error)
	ProcessEvent(ctx context.Context, eventID uuid.UUID) error
	RetryPending(ctx context.Context) (int, error)
	ReprocessDLQEvent(ctx context.Context, eventID uuid.UUID) (*domain.WebhookEvent, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	GetEvent(ctx context.Context, eventID uuid.UUID) (*domain.WebhookEvent, error)
}

// ReconciliationService compares the ledger with the gateway log.
type ReconciliationService interface {
	RunReconciliation(ctx context.Context, start, end time.Time) (*domain.ReconciliationReport, error)
	ResolveDiscrepancy(ctx context.Context, reportID, discrepancyID uuid.UUID, notes string) (*domain.Discrepancy, error)
	GetLatestReport(ctx context.Context) (*domain.ReconciliationReport, error)
	GetReport(ctx context.Context, id uuid.UUID) (*domain.ReconciliationReport, error)
	GetUnresolvedDiscrepancies(ctx context.Context) ([]domain.Discrepancy, error)
}

// SummaryService serves the read-only query surface.
type SummaryService interface {
	GetSummary(ctx context.Context) (*domain.Summary, error)
}
