package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Account names one of the fixed ledger accounts.
type Account string

const (
	AccountGatewayBalance Account = "gateway_balance"
	AccountUserEquity     Account = "user_equity"
	AccountTradingAccount Account = "trading_account"
	AccountFeeExpense     Account = "fee_expense"
	AccountRevenue        Account = "revenue"
	AccountPending        Account = "pending"
)

// AllAccounts lists every ledger account in lock order.
var AllAccounts = SortAccounts([]Account{
	AccountGatewayBalance,
	AccountUserEquity,
	AccountTradingAccount,
	AccountFeeExpense,
	AccountRevenue,
	AccountPending,
})

// IsValid reports whether a is one of the fixed accounts.
func (a Account) IsValid() bool {
	switch a {
	case AccountGatewayBalance, AccountUserEquity, AccountTradingAccount,
		AccountFeeExpense, AccountRevenue, AccountPending:
		return true
	}
	return false
}

// SortAccounts returns a de-duplicated copy of accounts in lock order.
// Writers always lock accounts in this order.
func SortAccounts(accounts []Account) []Account {
	seen := make(map[Account]struct{}, len(accounts))
	out := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AccountBalance is the running balance of one account.
// Balance == sum(debit) - sum(credit) over the account's entries.
type AccountBalance struct {
	Account   Account         `json:"account"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Balances maps every account to its balance.
type Balances map[Account]decimal.Decimal

// Get returns the balance of a, zero when absent.
func (b Balances) Get(a Account) decimal.Decimal {
	if v, ok := b[a]; ok {
		return v
	}
	return decimal.Zero
}

// Available is GatewayBalance minus Pending.
func (b Balances) Available() decimal.Decimal {
	return b.Get(AccountGatewayBalance).Sub(b.Get(AccountPending))
}

// TotalEquity is the sum of the asset-side accounts.
func (b Balances) TotalEquity() decimal.Decimal {
	return b.Get(AccountGatewayBalance).Add(b.Get(AccountTradingAccount))
}
