package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReportStatus is the lifecycle state of a reconciliation run.
type ReportStatus string

const (
	ReportStatusInProgress                 ReportStatus = "in_progress"
	ReportStatusCompleted                  ReportStatus = "completed"
	ReportStatusCompletedWithDiscrepancies ReportStatus = "completed_with_discrepancies"
	ReportStatusFailed                     ReportStatus = "failed"
)

// DiscrepancyKind classifies a reconciliation mismatch.
type DiscrepancyKind string

const (
	DiscrepancyAmountMismatch   DiscrepancyKind = "amount_mismatch"
	DiscrepancyMissingInLedger  DiscrepancyKind = "missing_in_ledger"
	DiscrepancyMissingInGateway DiscrepancyKind = "missing_in_gateway"
)

// ReconciliationReport is the outcome of one run over [Start, End).
type ReconciliationReport struct {
	ID               uuid.UUID       `json:"id"`
	Start            time.Time       `json:"start"`
	End              time.Time       `json:"end"`
	Status           ReportStatus    `json:"status"`
	ExternalCount    int             `json:"external_count"`
	LedgerCount      int             `json:"ledger_count"`
	MatchedCount     int             `json:"matched_count"`
	DiscrepancyCount int             `json:"discrepancy_count"`
	ExternalTotal    decimal.Decimal `json:"external_total"`
	LedgerTotal      decimal.Decimal `json:"ledger_total"`
	Difference       decimal.Decimal `json:"difference"`
	Discrepancies    []Discrepancy   `json:"discrepancies"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Error            *string         `json:"error,omitempty"`
}

// IsTerminal returns true once the run has finished either way.
func (r *ReconciliationReport) IsTerminal() bool {
	return r.Status != ReportStatusInProgress
}

// Discrepancy is one mismatch found by a run. Only the resolution fields change.
type Discrepancy struct {
	ID              uuid.UUID       `json:"id"`
	ReportID        uuid.UUID       `json:"report_id"`
	Kind            DiscrepancyKind `json:"kind"`
	ExternalTxID    string          `json:"external_tx_id"`
	LedgerTxID      *uuid.UUID      `json:"ledger_tx_id,omitempty"`
	ExternalAmount  decimal.Decimal `json:"external_amount"`
	LedgerAmount    decimal.Decimal `json:"ledger_amount"`
	Difference      decimal.Decimal `json:"difference"`
	Resolved        bool            `json:"resolved"`
	ResolutionNotes *string         `json:"resolution_notes,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// GatewayTransaction is one record of the gateway's own transaction log.
type GatewayTransaction struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	Net         decimal.Decimal `json:"net"`
	Currency    string          `json:"currency"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SettledAmount is the net amount the gateway moved: Net when reported,
// otherwise Amount minus Fee. Sign is dropped; direction comes from Type.
func (g GatewayTransaction) SettledAmount() decimal.Decimal {
	if !g.Net.IsZero() {
		return g.Net.Abs()
	}
	return g.Amount.Sub(g.Fee).Abs()
}

// GatewayPage is one page of FetchTransactions.
type GatewayPage struct {
	Data       []GatewayTransaction `json:"data"`
	HasMore    bool                 `json:"has_more"`
	NextCursor string               `json:"next_cursor"`
}
