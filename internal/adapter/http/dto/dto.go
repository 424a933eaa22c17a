package dto

import (
	"time"

	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"

	"github.com/shopspring/decimal"
)

// --- Ledger ---

// MovementRequest is the body of POST /ledger/deposits and /ledger/withdrawals.
// Amounts may be sent as JSON strings or numbers.
type MovementRequest struct {
	Amount            decimal.Decimal `json:"amount" binding:"decimal_positive"`
	Fee               decimal.Decimal `json:"fee" binding:"decimal_nonneg"`
	Currency          string          `json:"currency" binding:"required,currency_code"`
	ExternalReference string          `json:"external_reference" binding:"required,max=128,safe_id"`
	Description       string          `json:"description" binding:"max=500"`
}

func (r MovementRequest) ToPort() ports.MovementRequest {
	return ports.MovementRequest{
		Amount:            r.Amount,
		Fee:               r.Fee,
		Currency:          r.Currency,
		ExternalReference: r.ExternalReference,
		Description:       r.Description,
	}
}

// TradeRequest is the body of POST /ledger/trades.
type TradeRequest struct {
	TradeID string          `json:"trade_id" binding:"required,max=128,safe_id"`
	PnL     decimal.Decimal `json:"pnl" binding:"decimal_nonzero"`
}

// AdjustmentRequest is the body of POST /ledger/adjustments.
type AdjustmentRequest struct {
	DebitAccount  string          `json:"debit_account" binding:"required,ledger_account,nefield=CreditAccount"`
	CreditAccount string          `json:"credit_account" binding:"required,ledger_account"`
	Amount        decimal.Decimal `json:"amount" binding:"decimal_positive"`
	Reference     string          `json:"reference" binding:"required,max=128,safe_id"`
	Description   string          `json:"description" binding:"max=500"`
}

func (r AdjustmentRequest) ToPort() ports.AdjustmentRequest {
	return ports.AdjustmentRequest{
		DebitAccount:  domain.Account(r.DebitAccount),
		CreditAccount: domain.Account(r.CreditAccount),
		Amount:        r.Amount,
		Reference:     r.Reference,
		Description:   r.Description,
	}
}

// TransactionQuery binds GET /ledger/transactions query parameters.
type TransactionQuery struct {
	Type  string     `form:"type" binding:"omitempty,oneof=deposit withdrawal trade_profit trade_loss adjustment"`
	Start *time.Time `form:"start" time_format:"2006-01-02T15:04:05Z07:00"`
	End   *time.Time `form:"end" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit *int       `form:"limit" binding:"omitempty,min=1,max=1000"`
}

func (q TransactionQuery) ToFilter() domain.TransactionFilter {
	f := domain.TransactionFilter{Start: q.Start, End: q.End}
	if q.Limit != nil {
		f.Limit = *q.Limit
	}
	if q.Type != "" {
		t := domain.TransactionType(q.Type)
		f.Type = &t
	}
	return f
}

// BalanceResponse is returned by GET /ledger/balances/:account.
type BalanceResponse struct {
	Account domain.Account  `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}

// --- Webhooks ---

// DeadLetterQuery binds GET /webhooks/dlq query parameters.
// An absent limit leaves the service default in place.
type DeadLetterQuery struct {
	Limit *int `form:"limit" binding:"omitempty,min=1,max=1000"`
}

func (q DeadLetterQuery) Size() int {
	if q.Limit == nil {
		return 0
	}
	return *q.Limit
}

// --- Reconciliation ---

// RunReconciliationRequest is the body of POST /reconciliations.
// Times are RFC 3339.
type RunReconciliationRequest struct {
	Start time.Time `json:"start" binding:"required"`
	End   time.Time `json:"end" binding:"required,gtfield=Start"`
}

// ResolveDiscrepancyRequest is the body of the resolve endpoint.
type ResolveDiscrepancyRequest struct {
	Notes string `json:"notes" binding:"required,max=1000"`
}
