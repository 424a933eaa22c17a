package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LedgerRepo implements ports.LedgerRepository on a Store.
type LedgerRepo struct {
	store *Store
}

func NewLedgerRepo(s *Store) *LedgerRepo {
	return &LedgerRepo{store: s}
}

func (r *LedgerRepo) LockAccounts(ctx context.Context, tx pgx.Tx, accounts []domain.Account) (domain.Balances, error) {
	if _, err := asMemTx(tx); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make(domain.Balances, len(accounts))
	for _, a := range domain.SortAccounts(accounts) {
		b, ok := r.store.balances[a]
		if !ok {
			return nil, fmt.Errorf("lock accounts: account %s does not exist", a)
		}
		out[a] = b
	}
	return out, nil
}

func (r *LedgerRepo) GetByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (*domain.Transaction, error) {
	if _, err := asMemTx(tx); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	id, ok := r.store.byKey[key]
	if !ok {
		return nil, nil
	}
	return cloneTransaction(r.store.txs[id]), nil
}

func (r *LedgerRepo) CreateTransaction(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	mt, err := asMemTx(tx)
	if err != nil {
		return err
	}

	r.store.mu.RLock()
	_, exists := r.store.byKey[t.IdempotencyKey]
	r.store.mu.RUnlock()
	if _, staged := mt.keys[t.IdempotencyKey]; exists || staged {
		return fmt.Errorf("insert transaction: %w: idempotency_key", ports.ErrDuplicateKey)
	}
	mt.keys[t.IdempotencyKey] = struct{}{}

	c := cloneTransaction(t)
	mt.stage(func() {
		r.store.txs[c.ID] = c
		r.store.byKey[c.IdempotencyKey] = c.ID
		r.store.entries = append(r.store.entries, cloneEntries(c.Entries)...)
	})
	return nil
}

func (r *LedgerRepo) UpdateBalances(ctx context.Context, tx pgx.Tx, balances domain.Balances) error {
	mt, err := asMemTx(tx)
	if err != nil {
		return err
	}
	for a := range balances {
		if !a.IsValid() {
			return fmt.Errorf("update balance %s: account does not exist", a)
		}
	}

	staged := make(domain.Balances, len(balances))
	for a, b := range balances {
		staged[a] = b
	}
	mt.stage(func() {
		for a, b := range staged {
			r.store.balances[a] = b
		}
	})
	return nil
}

func (r *LedgerRepo) MarkReconciled(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, at time.Time) (int64, error) {
	mt, err := asMemTx(tx)
	if err != nil {
		return 0, err
	}

	r.store.mu.RLock()
	var pending []uuid.UUID
	for _, id := range ids {
		if t, ok := r.store.txs[id]; ok && !t.IsReconciled() {
			pending = append(pending, id)
		}
	}
	r.store.mu.RUnlock()

	mt.stage(func() {
		for _, id := range pending {
			t := r.store.txs[id]
			t.Status = domain.TransactionStatusReconciled
			ts := at
			t.ReconciledAt = &ts
		}
	})
	return int64(len(pending)), nil
}

func (r *LedgerRepo) GetBalances(ctx context.Context) (domain.Balances, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make(domain.Balances, len(r.store.balances))
	for a, b := range r.store.balances {
		out[a] = b
	}
	return out, nil
}

func (r *LedgerRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	t, ok := r.store.txs[id]
	if !ok {
		return nil, nil
	}
	return cloneTransaction(t), nil
}

func (r *LedgerRepo) List(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []domain.Transaction
	for _, t := range r.store.txs {
		if filter.Type != nil && t.Type != *filter.Type {
			continue
		}
		if filter.Start != nil && t.CreatedAt.Before(*filter.Start) {
			continue
		}
		if filter.End != nil && !t.CreatedAt.Before(*filter.End) {
			continue
		}
		if filter.WithExternalRefsOnly && t.ExternalReference == nil {
			continue
		}
		out = append(out, *cloneTransaction(t))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *LedgerRepo) ListEntries(ctx context.Context, account domain.Account) ([]domain.LedgerEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []domain.LedgerEntry
	for _, e := range r.store.entries {
		if e.Account == account {
			out = append(out, cloneEntries([]domain.LedgerEntry{e})...)
		}
	}
	return out, nil
}

func (r *LedgerRepo) Count(ctx context.Context) (*ports.TransactionCounts, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	c := &ports.TransactionCounts{Total: int64(len(r.store.txs))}
	for _, t := range r.store.txs {
		if t.IsReconciled() {
			c.Reconciled++
		}
	}
	return c, nil
}

func cloneTransaction(t *domain.Transaction) *domain.Transaction {
	c := *t
	c.ExternalReference = cloneString(t.ExternalReference)
	c.Metadata = cloneMeta(t.Metadata)
	c.ReconciledAt = cloneTime(t.ReconciledAt)
	c.Entries = cloneEntries(t.Entries)
	return &c
}

func cloneEntries(entries []domain.LedgerEntry) []domain.LedgerEntry {
	if entries == nil {
		return nil
	}
	out := make([]domain.LedgerEntry, len(entries))
	for i, e := range entries {
		e.ExternalReference = cloneString(e.ExternalReference)
		e.Metadata = cloneMeta(e.Metadata)
		out[i] = e
	}
	return out
}
