package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType represents the kind of money movement.
type TransactionType string

const (
	TransactionTypeDeposit     TransactionType = "deposit"
	TransactionTypeWithdrawal  TransactionType = "withdrawal"
	TransactionTypeTradeProfit TransactionType = "trade_profit"
	TransactionTypeTradeLoss   TransactionType = "trade_loss"
	TransactionTypeAdjustment  TransactionType = "adjustment"
)

// IsValid reports whether t is a known transaction type.
func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeWithdrawal, TransactionTypeTradeProfit,
		TransactionTypeTradeLoss, TransactionTypeAdjustment:
		return true
	}
	return false
}

// TransactionStatus represents the lifecycle state of a transaction.
type TransactionStatus string

const (
	TransactionStatusCompleted  TransactionStatus = "completed"
	TransactionStatusReconciled TransactionStatus = "reconciled"
)

// Transaction is a balanced set of ledger entries written atomically.
type Transaction struct {
	ID                uuid.UUID         `json:"id"`
	Type              TransactionType   `json:"type"`
	Amount            decimal.Decimal   `json:"amount"`
	Fee               decimal.Decimal   `json:"fee"`
	Currency          string            `json:"currency"`
	ExternalReference *string           `json:"external_reference,omitempty"` // gateway transaction id
	IdempotencyKey    string            `json:"-"`
	Description       string            `json:"description,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Entries           []LedgerEntry     `json:"entries"`
	Status            TransactionStatus `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	ReconciledAt      *time.Time        `json:"reconciled_at,omitempty"`
}

// LedgerEntry is one immutable debit or credit line.
type LedgerEntry struct {
	ID                uuid.UUID         `json:"id"`
	TransactionID     uuid.UUID         `json:"transaction_id"`
	Account           Account           `json:"account"`
	Debit             decimal.Decimal   `json:"debit"`
	Credit            decimal.Decimal   `json:"credit"`
	BalanceAfter      decimal.Decimal   `json:"balance_after"`
	ExternalReference *string           `json:"external_reference,omitempty"`
	Description       string            `json:"description,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// IsBalanced reports whether total debits equal total credits.
func (t *Transaction) IsBalanced() bool {
	debit, credit := decimal.Zero, decimal.Zero
	for _, e := range t.Entries {
		debit = debit.Add(e.Debit)
		credit = credit.Add(e.Credit)
	}
	return len(t.Entries) >= 2 && debit.Equal(credit)
}

// IsReconciled returns true once the reconciler has matched the transaction.
func (t *Transaction) IsReconciled() bool {
	return t.Status == TransactionStatusReconciled
}

// NetAmount is how far the transaction moved the gateway balance, fees
// included: deposits settle amount-fee, withdrawals cost amount+fee.
func (t *Transaction) NetAmount() decimal.Decimal {
	switch t.Type {
	case TransactionTypeDeposit:
		return t.Amount.Sub(t.Fee)
	case TransactionTypeWithdrawal:
		return t.Amount.Add(t.Fee)
	}
	return t.Amount
}

// Reference returns the external reference or "".
func (t *Transaction) Reference() string {
	if t.ExternalReference == nil {
		return ""
	}
	return *t.ExternalReference
}

// Idempotency key builders. A key is unique across the ledger; a repeated
// write with the same key returns the original transaction.
// AmountScale is the number of decimal places stored for money amounts.
const AmountScale = 8

// FitsScale reports whether d has no significant digits past AmountScale.
func FitsScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(AmountScale))
}

func GatewayIdempotencyKey(t TransactionType, externalRef string) string {
	return "gateway:" + string(t) + ":" + externalRef
}

func TradeIdempotencyKey(tradeID string) string {
	return "trade:" + tradeID
}

func AdjustmentIdempotencyKey(reference string) string {
	return "adjustment:" + reference
}

// TransactionFilter narrows GetTransactions. Zero values mean "any".
type TransactionFilter struct {
	Type                 *TransactionType
	Start                *time.Time
	End                  *time.Time
	WithExternalRefsOnly bool
	Limit                int
}
