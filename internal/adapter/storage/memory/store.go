// Package memory is an in-process implementation of the repository ports,
// used by storage.driver=memory and by service tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"trading-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var errForeignTx = errors.New("memory: transaction was not started by this store")

// Store holds all ledger, webhook and reconciliation state.
// Transactions are serialized: Begin blocks until the previous one ends.
type Store struct {
	sem chan struct{}

	mu       sync.RWMutex
	balances map[domain.Account]decimal.Decimal
	txs      map[uuid.UUID]*domain.Transaction
	byKey    map[string]uuid.UUID
	entries  []domain.LedgerEntry

	events      map[uuid.UUID]*domain.WebhookEvent
	eventsByExt map[string]uuid.UUID
	deadLetters map[uuid.UUID]domain.DeadLetter

	reports       map[uuid.UUID]*domain.ReconciliationReport
	reportSeq     map[uuid.UUID]int
	discrepancies map[uuid.UUID]*domain.Discrepancy
}

// New creates an empty store with every account at zero.
func New() *Store {
	s := &Store{
		sem:           make(chan struct{}, 1),
		balances:      make(map[domain.Account]decimal.Decimal, len(domain.AllAccounts)),
		txs:           make(map[uuid.UUID]*domain.Transaction),
		byKey:         make(map[string]uuid.UUID),
		events:        make(map[uuid.UUID]*domain.WebhookEvent),
		eventsByExt:   make(map[string]uuid.UUID),
		deadLetters:   make(map[uuid.UUID]domain.DeadLetter),
		reports:       make(map[uuid.UUID]*domain.ReconciliationReport),
		reportSeq:     make(map[uuid.UUID]int),
		discrepancies: make(map[uuid.UUID]*domain.Discrepancy),
	}
	for _, a := range domain.AllAccounts {
		s.balances[a] = decimal.Zero
	}
	return s
}

// Begin implements ports.DBTransactor.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	select {
	case s.sem <- struct{}{}:
		return &memTx{store: s, keys: make(map[string]struct{})}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// memTx stages writes and applies them on Commit. Only Commit and
// Rollback are implemented; the embedded pgx.Tx is nil.
type memTx struct {
	pgx.Tx
	store *Store
	ops   []func()
	keys  map[string]struct{}
	done  bool
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true

	t.store.mu.Lock()
	for _, op := range t.ops {
		op()
	}
	t.store.mu.Unlock()

	<-t.store.sem
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.ops = nil
	<-t.store.sem
	return nil
}

func (t *memTx) stage(op func()) {
	t.ops = append(t.ops, op)
}

func asMemTx(tx pgx.Tx) (*memTx, error) {
	mt, ok := tx.(*memTx)
	if !ok || mt.done {
		if ok {
			return nil, pgx.ErrTxClosed
		}
		return nil, errForeignTx
	}
	return mt, nil
}

// HealthCheck implements ports.HealthChecker for the memory store.
type HealthCheck struct{}

func (HealthCheck) Ping(ctx context.Context) error { return ctx.Err() }

func (HealthCheck) Name() string { return "memory" }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
