package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, type, amount::text, fee::text, currency, external_reference,
	idempotency_key, description, metadata::text, status, created_at, reconciled_at`

const entryColumns = `id, transaction_id, account, debit::text, credit::text, balance_after::text,
	external_reference, description, metadata::text, created_at`

// LedgerRepo implements ports.LedgerRepository using PostgreSQL.
type LedgerRepo struct {
	pool Pool
}

// NewLedgerRepo creates a new LedgerRepo.
func NewLedgerRepo(pool Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// LockAccounts takes row locks on accounts in name order and returns
// their current balances.
func (r *LedgerRepo) LockAccounts(ctx context.Context, tx pgx.Tx, accounts []domain.Account) (domain.Balances, error) {
	sorted := domain.SortAccounts(accounts)
	names := make([]string, len(sorted))
	for i, a := range sorted {
		names[i] = string(a)
	}

	rows, err := tx.Query(ctx,
		"SELECT name, balance::text FROM ledger_accounts WHERE name = ANY($1) ORDER BY name FOR UPDATE",
		names,
	)
	if err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	balances, err := scanBalances(rows)
	if err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}

	for _, a := range sorted {
		if _, ok := balances[a]; !ok {
			return nil, fmt.Errorf("lock accounts: account %s does not exist", a)
		}
	}
	return balances, nil
}

// GetByIdempotencyKey returns nil, nil when no transaction holds key.
func (r *LedgerRepo) GetByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (*domain.Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM ledger_transactions WHERE idempotency_key = $1", key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction by idempotency key: %w", err)
	}

	if err := r.loadEntries(ctx, tx, []*domain.Transaction{t}); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTransaction inserts the transaction header and its entries.
func (r *LedgerRepo) CreateTransaction(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_transactions (id, type, amount, fee, currency, external_reference,
			idempotency_key, description, metadata, status, created_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8, $9::jsonb, $10, $11)`,
		t.ID, string(t.Type), t.Amount.String(), t.Fee.String(), t.Currency, t.ExternalReference,
		t.IdempotencyKey, t.Description, meta, string(t.Status), t.CreatedAt,
	)
	if err != nil {
		return wrapWriteErr("insert transaction", err)
	}

	for _, e := range t.Entries {
		entryMeta, err := marshalMetadata(e.Metadata)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, transaction_id, account, debit, credit, balance_after,
				external_reference, description, metadata, created_at)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9::jsonb, $10)`,
			e.ID, e.TransactionID, string(e.Account), e.Debit.String(), e.Credit.String(),
			e.BalanceAfter.String(), e.ExternalReference, e.Description, entryMeta, e.CreatedAt,
		)
		if err != nil {
			return wrapWriteErr("insert ledger entry", err)
		}
	}
	return nil
}

// UpdateBalances writes the given balances; accounts not in the map are untouched.
func (r *LedgerRepo) UpdateBalances(ctx context.Context, tx pgx.Tx, balances domain.Balances) error {
	accounts := make([]domain.Account, 0, len(balances))
	for a := range balances {
		accounts = append(accounts, a)
	}

	for _, a := range domain.SortAccounts(accounts) {
		tag, err := tx.Exec(ctx,
			"UPDATE ledger_accounts SET balance = $1::numeric, updated_at = now() WHERE name = $2",
			balances[a].String(), string(a),
		)
		if err != nil {
			return fmt.Errorf("update balance %s: %w", a, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update balance %s: account does not exist", a)
		}
	}
	return nil
}

// MarkReconciled flips the given transactions to reconciled. Already
// reconciled rows are skipped; the count of changed rows is returned.
func (r *LedgerRepo) MarkReconciled(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := tx.Exec(ctx,
		`UPDATE ledger_transactions SET status = $1, reconciled_at = $2
		WHERE id = ANY($3) AND status <> $1`,
		string(domain.TransactionStatusReconciled), at, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("mark reconciled: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetBalances returns every account balance.
func (r *LedgerRepo) GetBalances(ctx context.Context) (domain.Balances, error) {
	rows, err := r.pool.Query(ctx, "SELECT name, balance::text FROM ledger_accounts ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	balances, err := scanBalances(rows)
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	return balances, nil
}

// GetByID returns nil, nil when the transaction does not exist.
func (r *LedgerRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM ledger_transactions WHERE id = $1", id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	if err := r.loadEntries(ctx, r.pool, []*domain.Transaction{t}); err != nil {
		return nil, err
	}
	return t, nil
}

// List returns transactions matching filter, newest first, with entries.
func (r *LedgerRepo) List(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Type != nil {
		where = append(where, "type = "+arg(string(*filter.Type)))
	}
	if filter.Start != nil {
		where = append(where, "created_at >= "+arg(*filter.Start))
	}
	if filter.End != nil {
		where = append(where, "created_at < "+arg(*filter.End))
	}
	if filter.WithExternalRefsOnly {
		where = append(where, "external_reference IS NOT NULL")
	}

	query := "SELECT " + transactionColumns + " FROM ledger_transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	rows.Close()

	if err := r.loadEntries(ctx, r.pool, txs); err != nil {
		return nil, err
	}

	out := make([]domain.Transaction, len(txs))
	for i, t := range txs {
		out[i] = *t
	}
	return out, nil
}

// ListEntries returns an account's entries in write order.
func (r *LedgerRepo) ListEntries(ctx context.Context, account domain.Account) ([]domain.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE account = $1 ORDER BY position",
		string(account),
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Count returns total and reconciled transaction counts.
func (r *LedgerRepo) Count(ctx context.Context) (*ports.TransactionCounts, error) {
	var c ports.TransactionCounts
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $1) FROM ledger_transactions`,
		string(domain.TransactionStatusReconciled),
	).Scan(&c.Total, &c.Reconciled)
	if err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}
	return &c, nil
}

// loadEntries attaches entries to txs in write order.
func (r *LedgerRepo) loadEntries(ctx context.Context, q querier, txs []*domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(txs))
	byID := make(map[uuid.UUID]*domain.Transaction, len(txs))
	for i, t := range txs {
		ids[i] = t.ID
		byID[t.ID] = t
	}

	rows, err := q.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE transaction_id = ANY($1) ORDER BY position",
		ids,
	)
	if err != nil {
		return fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan entry: %w", err)
		}
		if t, ok := byID[e.TransactionID]; ok {
			t.Entries = append(t.Entries, *e)
		}
	}
	return rows.Err()
}

func scanBalances(rows pgx.Rows) (domain.Balances, error) {
	defer rows.Close()

	balances := domain.Balances{}
	for rows.Next() {
		var name, balance string
		if err := rows.Scan(&name, &balance); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("parse balance of %s: %w", name, err)
		}
		balances[domain.Account(name)] = d
	}
	return balances, rows.Err()
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t                     domain.Transaction
		txType, status        string
		amount, fee, metadata string
	)
	err := row.Scan(
		&t.ID, &txType, &amount, &fee, &t.Currency, &t.ExternalReference,
		&t.IdempotencyKey, &t.Description, &metadata, &status, &t.CreatedAt, &t.ReconciledAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = domain.TransactionType(txType)
	t.Status = domain.TransactionStatus(status)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if t.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("parse fee: %w", err)
	}
	if t.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var (
		e                           domain.LedgerEntry
		account, metadata           string
		debit, credit, balanceAfter string
	)
	err := row.Scan(
		&e.ID, &e.TransactionID, &account, &debit, &credit, &balanceAfter,
		&e.ExternalReference, &e.Description, &metadata, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Account = domain.Account(account)
	if e.Debit, err = decimal.NewFromString(debit); err != nil {
		return nil, fmt.Errorf("parse debit: %w", err)
	}
	if e.Credit, err = decimal.NewFromString(credit); err != nil {
		return nil, fmt.Errorf("parse credit: %w", err)
	}
	if e.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return nil, fmt.Errorf("parse balance_after: %w", err)
	}
	if e.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &e, nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return m, nil
}
