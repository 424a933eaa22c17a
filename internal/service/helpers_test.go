package service

import (
	"context"
	"sync"
	"time"

	"trading-ledger/internal/adapter/storage/memory"
	"trading-ledger/internal/core/domain"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// mockTx implements pgx.Tx for testing
type mockTx struct {
	pgx.Tx
	commitErr error
	committed bool
}

func (m *mockTx) Rollback(_ context.Context) error { return nil }
func (m *mockTx) Commit(_ context.Context) error {
	if m.commitErr != nil {
		return m.commitErr
	}
	m.committed = true
	return nil
}

// capturePublisher records published messages.
type capturePublisher struct {
	mu           sync.Mutex
	transactions []*domain.Transaction
	deadLetters  []*domain.DeadLetter
	err          error
}

func (p *capturePublisher) PublishTransaction(_ context.Context, t *domain.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transactions = append(p.transactions, t)
	return p.err
}

func (p *capturePublisher) PublishDeadLetter(_ context.Context, dl *domain.DeadLetter, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadLetters = append(p.deadLetters, dl)
	return p.err
}

func (p *capturePublisher) txCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transactions)
}

type memoryLedger struct {
	store *memory.Store
	repo  *memory.LedgerRepo
	pub   *capturePublisher
	svc   *LedgerServiceImpl
}

func newMemoryLedger() *memoryLedger {
	store := memory.New()
	repo := memory.NewLedgerRepo(store)
	pub := &capturePublisher{}
	return &memoryLedger{
		store: store,
		repo:  repo,
		pub:   pub,
		svc:   NewLedgerService(repo, store, pub, nil, []string{"USD", "EUR"}, "USD", zerolog.Nop()),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fixedClock returns a controllable clock.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFixedClock(t time.Time) *fixedClock { return &fixedClock{t: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func memoryReports(m *memoryLedger) *memory.ReportRepo { return memory.NewReportRepo(m.store) }

func memoryEvents(m *memoryLedger) *memory.WebhookRepo { return memory.NewWebhookRepo(m.store) }
