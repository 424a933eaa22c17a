package domain

import "github.com/shopspring/decimal"

// Summary is the read model behind the query surface.
type Summary struct {
	Balances                Balances        `json:"balances"`
	AvailableBalance        decimal.Decimal `json:"available_balance"`
	TotalEquity             decimal.Decimal `json:"total_equity"`
	TransactionCount        int64           `json:"transaction_count"`
	ReconciledCount         int64           `json:"reconciled_count"`
	UnresolvedDiscrepancies int64           `json:"unresolved_discrepancies"`
	DeadLetterCount         int64           `json:"dead_letter_count"`
	LatestReconciliation    *ReportStatus   `json:"latest_reconciliation,omitempty"`
}
