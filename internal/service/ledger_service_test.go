package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"
	"trading-ledger/internal/core/ports/mocks"
	"trading-ledger/internal/metrics"
	"trading-ledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type ledgerTestDeps struct {
	svc        *LedgerServiceImpl
	repo       *mocks.MockLedgerRepository
	transactor *mocks.MockDBTransactor
	publisher  *mocks.MockEventPublisher
	metrics    *metrics.Metrics
	ctrl       *gomock.Controller
}

func setupLedgerService(t *testing.T) *ledgerTestDeps {
	ctrl := gomock.NewController(t)
	d := &ledgerTestDeps{
		repo:       mocks.NewMockLedgerRepository(ctrl),
		transactor: mocks.NewMockDBTransactor(ctrl),
		publisher:  mocks.NewMockEventPublisher(ctrl),
		metrics:    metrics.New(prometheus.NewRegistry()),
		ctrl:       ctrl,
	}
	d.svc = NewLedgerService(d.repo, d.transactor, d.publisher, d.metrics, []string{"USD", "EUR"}, "USD", zerolog.Nop())
	return d
}

// ==================== Write path (mocks) ====================

func TestLedgerService_RecordDeposit_Success(t *testing.T) {
	d := setupLedgerService(t)
	ctx := context.Background()
	tx := &mockTx{}

	accounts := []domain.Account{domain.AccountFeeExpense, domain.AccountGatewayBalance, domain.AccountUserEquity}
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.repo.EXPECT().LockAccounts(ctx, tx, accounts).Return(domain.Balances{
		domain.AccountFeeExpense:     dec("0"),
		domain.AccountGatewayBalance: dec("100"),
		domain.AccountUserEquity:     dec("-100"),
	}, nil)
	d.repo.EXPECT().GetByIdempotencyKey(ctx, tx, "gateway:deposit:tx_1").Return(nil, nil)

	var created *domain.Transaction
	d.repo.EXPECT().CreateTransaction(ctx, tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ pgx.Tx, t *domain.Transaction) error {
			created = t
			return nil
		})
	d.repo.EXPECT().UpdateBalances(ctx, tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ pgx.Tx, b domain.Balances) error {
			assert.True(t, b.Get(domain.AccountGatewayBalance).Equal(dec("598")))
			assert.True(t, b.Get(domain.AccountUserEquity).Equal(dec("-600")))
			assert.True(t, b.Get(domain.AccountFeeExpense).Equal(dec("2")))
			return nil
		})
	d.publisher.EXPECT().PublishTransaction(ctx, gomock.Any()).Return(nil)

	txn, err := d.svc.RecordDeposit(ctx, ports.MovementRequest{
		Amount: dec("500"), Fee: dec("2"), Currency: "usd", ExternalReference: "tx_1",
	})
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.Same(t, created, txn)
	assert.Equal(t, domain.TransactionTypeDeposit, txn.Type)
	assert.Equal(t, "USD", txn.Currency)
	assert.True(t, txn.IsBalanced())
	require.Len(t, txn.Entries, 4)

	assert.Equal(t, domain.AccountGatewayBalance, txn.Entries[0].Account)
	assert.True(t, txn.Entries[0].Debit.Equal(dec("500")))
	assert.True(t, txn.Entries[0].BalanceAfter.Equal(dec("600")))
	assert.Equal(t, domain.AccountUserEquity, txn.Entries[1].Account)
	assert.True(t, txn.Entries[1].Credit.Equal(dec("500")))
	assert.Equal(t, domain.AccountFeeExpense, txn.Entries[2].Account)
	assert.True(t, txn.Entries[2].Debit.Equal(dec("2")))
	assert.Equal(t, domain.AccountGatewayBalance, txn.Entries[3].Account)
	assert.True(t, txn.Entries[3].BalanceAfter.Equal(dec("598")))

	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.LedgerTransactions.WithLabelValues("deposit")))
}

func TestLedgerService_RecordDeposit_IdempotentReplay(t *testing.T) {
	d := setupLedgerService(t)
	ctx := context.Background()
	tx := &mockTx{}
	existing := &domain.Transaction{ID: uuid.New(), Type: domain.TransactionTypeDeposit}

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.repo.EXPECT().LockAccounts(ctx, tx, gomock.Any()).Return(domain.Balances{}, nil)
	d.repo.EXPECT().GetByIdempotencyKey(ctx, tx, "gateway:deposit:tx_1").Return(existing, nil)

	txn, err := d.svc.RecordDeposit(ctx, ports.MovementRequest{Amount: dec("500"), Currency: "USD", ExternalReference: "tx_1"})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, txn.ID)
	assert.False(t, tx.committed)
}

func TestLedgerService_RecordWithdrawal_InsufficientFunds(t *testing.T) {
	d := setupLedgerService(t)
	ctx := context.Background()
	tx := &mockTx{}

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.repo.EXPECT().LockAccounts(ctx, tx, []domain.Account{domain.AccountGatewayBalance, domain.AccountPending, domain.AccountUserEquity}).
		Return(domain.Balances{domain.AccountGatewayBalance: dec("100"), domain.AccountPending: dec("20")}, nil)
	d.repo.EXPECT().GetByIdempotencyKey(ctx, tx, "gateway:withdrawal:po_1").Return(nil, nil)

	_, err := d.svc.RecordWithdrawal(ctx, ports.MovementRequest{Amount: dec("100"), Currency: "USD", ExternalReference: "po_1"})
	require.Error(t, err)

	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.CodeInsufficientFunds, appErr.Code)
	assert.False(t, tx.committed)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.LedgerWriteErrors.WithLabelValues("rejected")))
}

func TestLedgerService_CommitFailure(t *testing.T) {
	d := setupLedgerService(t)
	ctx := context.Background()
	tx := &mockTx{commitErr: errors.New("connection reset")}

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.repo.EXPECT().LockAccounts(ctx, tx, gomock.Any()).Return(domain.Balances{}, nil)
	d.repo.EXPECT().GetByIdempotencyKey(ctx, tx, gomock.Any()).Return(nil, nil)
	d.repo.EXPECT().CreateTransaction(ctx, tx, gomock.Any()).Return(nil)
	d.repo.EXPECT().UpdateBalances(ctx, tx, gomock.Any()).Return(nil)

	_, err := d.svc.RecordTradeResult(ctx, dec("12.5"), "T-1")
	assert.True(t, apperror.HasCode(err, apperror.CodePersistence))
}

func TestLedgerService_InsertFailure(t *testing.T) {
	d := setupLedgerService(t)
	ctx := context.Background()
	tx := &mockTx{}

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.repo.EXPECT().LockAccounts(ctx, tx, gomock.Any()).Return(domain.Balances{}, nil)
	d.repo.EXPECT().GetByIdempotencyKey(ctx, tx, gomock.Any()).Return(nil, nil)
	d.repo.EXPECT().CreateTransaction(ctx, tx, gomock.Any()).Return(errors.New("disk full"))

	_, err := d.svc.RecordDeposit(ctx, ports.MovementRequest{Amount: dec("1"), Currency: "USD", ExternalReference: "x"})
	assert.True(t, apperror.HasCode(err, apperror.CodePersistence))
	assert.False(t, tx.committed)
}

func TestLedgerService_PublishFailureIsBestEffort(t *testing.T) {
	d := setupLedgerService(t)
	ctx := context.Background()
	tx := &mockTx{}

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.repo.EXPECT().LockAccounts(ctx, tx, gomock.Any()).Return(domain.Balances{}, nil)
	d.repo.EXPECT().GetByIdempotencyKey(ctx, tx, gomock.Any()).Return(nil, nil)
	d.repo.EXPECT().CreateTransaction(ctx, tx, gomock.Any()).Return(nil)
	d.repo.EXPECT().UpdateBalances(ctx, tx, gomock.Any()).Return(nil)
	d.publisher.EXPECT().PublishTransaction(ctx, gomock.Any()).Return(errors.New("broker down"))

	txn, err := d.svc.RecordTradeResult(ctx, dec("-3"), "T-2")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionTypeTradeLoss, txn.Type)
	assert.True(t, txn.Amount.Equal(dec("3")))
}

func TestLedgerService_Validation(t *testing.T) {
	d := setupLedgerService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		code string
	}{
		{"zero amount", func() error {
			_, err := d.svc.RecordDeposit(ctx, ports.MovementRequest{Amount: dec("0"), Currency: "USD", ExternalReference: "a"})
			return err
		}, apperror.CodeInvalidAmount},
		{"negative amount", func() error {
			_, err := d.svc.RecordWithdrawal(ctx, ports.MovementRequest{Amount: dec("-1"), Currency: "USD", ExternalReference: "a"})
			return err
		}, apperror.CodeInvalidAmount},
		{"negative fee", func() error {
			_, err := d.svc.RecordDeposit(ctx, ports.MovementRequest{Amount: dec("1"), Fee: dec("-0.01"), Currency: "USD", ExternalReference: "a"})
			return err
		}, apperror.CodeInvalidAmount},
		{"amount beyond stored scale", func() error {
			_, err := d.svc.RecordDeposit(ctx, ports.MovementRequest{Amount: dec("1.123456789"), Currency: "USD", ExternalReference: "a"})
			return err
		}, apperror.CodeInvalidAmount},
		{"fee beyond stored scale", func() error {
			_, err := d.svc.RecordWithdrawal(ctx, ports.MovementRequest{Amount: dec("1"), Fee: dec("0.000000001"), Currency: "USD", ExternalReference: "a"})
			return err
		}, apperror.CodeInvalidAmount},
		{"pnl beyond stored scale", func() error {
			_, err := d.svc.RecordTradeResult(ctx, dec("-0.000000005"), "T-1")
			return err
		}, apperror.CodeInvalidAmount},
		{"adjustment beyond stored scale", func() error {
			_, err := d.svc.RecordAdjustment(ctx, ports.AdjustmentRequest{
				DebitAccount: domain.AccountPending, CreditAccount: domain.AccountGatewayBalance, Amount: dec("2.000000001"), Reference: "r",
			})
			return err
		}, apperror.CodeInvalidAmount},
		{"unsupported currency", func() error {
			_, err := d.svc.RecordDeposit(ctx, ports.MovementRequest{Amount: dec("1"), Currency: "JPY", ExternalReference: "a"})
			return err
		}, apperror.CodeUnsupportedCurrency},
		{"missing reference", func() error {
			_, err := d.svc.RecordDeposit(ctx, ports.MovementRequest{Amount: dec("1"), Currency: "USD"})
			return err
		}, apperror.CodeValidation},
		{"zero pnl", func() error {
			_, err := d.svc.RecordTradeResult(ctx, decimal.Zero, "T-1")
			return err
		}, apperror.CodeInvalidAmount},
		{"missing trade id", func() error {
			_, err := d.svc.RecordTradeResult(ctx, dec("1"), " ")
			return err
		}, apperror.CodeValidation},
		{"same adjustment accounts", func() error {
			_, err := d.svc.RecordAdjustment(ctx, ports.AdjustmentRequest{
				DebitAccount: domain.AccountRevenue, CreditAccount: domain.AccountRevenue, Amount: dec("1"), Reference: "r",
			})
			return err
		}, apperror.CodeValidation},
		{"unknown adjustment account", func() error {
			_, err := d.svc.RecordAdjustment(ctx, ports.AdjustmentRequest{
				DebitAccount: "cash", CreditAccount: domain.AccountRevenue, Amount: dec("1"), Reference: "r",
			})
			return err
		}, apperror.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, apperror.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestLedgerService_GetTransaction_NotFound(t *testing.T) {
	d := setupLedgerService(t)
	id := uuid.New()
	d.repo.EXPECT().GetByID(gomock.Any(), id).Return(nil, nil)

	_, err := d.svc.GetTransaction(context.Background(), id)
	assert.True(t, apperror.HasCode(err, apperror.CodeNotFound))
}

func TestLedgerService_GetTransactions_Limits(t *testing.T) {
	d := setupLedgerService(t)

	d.repo.EXPECT().List(gomock.Any(), domain.TransactionFilter{Limit: 100}).Return(nil, nil)
	d.repo.EXPECT().List(gomock.Any(), domain.TransactionFilter{Limit: 1000}).Return([]domain.Transaction{}, nil)

	txs, err := d.svc.GetTransactions(context.Background(), domain.TransactionFilter{})
	require.NoError(t, err)
	assert.NotNil(t, txs)

	_, err = d.svc.GetTransactions(context.Background(), domain.TransactionFilter{Limit: 5000})
	require.NoError(t, err)

	bad := domain.TransactionType("refund")
	_, err = d.svc.GetTransactions(context.Background(), domain.TransactionFilter{Type: &bad})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

// ==================== Properties (memory store) ====================

func assertBalancedAndReplayable(t *testing.T, m *memoryLedger) {
	t.Helper()
	ctx := context.Background()

	txs, err := m.repo.List(ctx, domain.TransactionFilter{})
	require.NoError(t, err)
	for _, txn := range txs {
		assert.True(t, txn.IsBalanced(), "transaction %s unbalanced", txn.ID)
	}

	balances, err := m.svc.GetBalances(ctx)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, a := range domain.AllAccounts {
		entries, err := m.repo.ListEntries(ctx, a)
		require.NoError(t, err)

		replayed := decimal.Zero
		for _, e := range entries {
			replayed = replayed.Add(e.Debit).Sub(e.Credit)
			assert.True(t, e.BalanceAfter.Equal(replayed), "%s balance_after drift", a)
		}
		assert.True(t, balances.Get(a).Equal(replayed), "%s: stored %s replayed %s", a, balances.Get(a), replayed)
		sum = sum.Add(balances.Get(a))
	}
	assert.True(t, sum.IsZero(), "trial balance must be zero, got %s", sum)
}

func TestLedger_BalancedAndReplayable(t *testing.T) {
	m := newMemoryLedger()
	ctx := context.Background()

	_, err := m.svc.RecordDeposit(ctx, ports.MovementRequest{Amount: dec("500"), Fee: dec("2"), Currency: "USD", ExternalReference: "d1"})
	require.NoError(t, err)
	_, err = m.svc.RecordDeposit(ctx, ports.MovementRequest{Amount: dec("250.55"), Currency: "EUR", ExternalReference: "d2"})
	require.NoError(t, err)
	_, err = m.svc.RecordWithdrawal(ctx, ports.MovementRequest{Amount: dec("100"), Fee: dec("1"), Currency: "USD", ExternalReference: "w1"})
	require.NoError(t, err)
	_, err = m.svc.RecordTradeResult(ctx, dec("42.10"), "T-1")
	require.NoError(t, err)
	_, err = m.svc.RecordTradeResult(ctx, dec("-10.10"), "T-2")
	require.NoError(t, err)
	_, err = m.svc.RecordAdjustment(ctx, ports.AdjustmentRequest{
		DebitAccount: domain.AccountPending, CreditAccount: domain.AccountUserEquity, Amount: dec("50"), Reference: "hold-1",
	})
	require.NoError(t, err)

	assertBalancedAndReplayable(t, m)

	available, err := m.svc.GetAvailableBalance(ctx)
	require.NoError(t, err)
	// 500 - 2 + 250.55 - 100 - 1 - 50 pending
	assert.True(t, available.Equal(dec("597.55")), available.String())

	equity, err := m.svc.GetTotalEquity(ctx)
	require.NoError(t, err)
	// gateway 647.55 + trading 32
	assert.True(t, equity.Equal(dec("679.55")), equity.String())

	revenue, err := m.svc.GetBalance(ctx, domain.AccountRevenue)
	require.NoError(t, err)
	assert.True(t, revenue.Equal(dec("-32")), revenue.String())

	assert.Equal(t, 6, m.pub.txCount())
}

func TestLedger_DuplicateReferenceBooksOnce(t *testing.T) {
	m := newMemoryLedger()
	ctx := context.Background()
	req := ports.MovementRequest{Amount: dec("500"), Fee: dec("2"), Currency: "USD", ExternalReference: "tx_dup"}

	first, err := m.svc.RecordDeposit(ctx, req)
	require.NoError(t, err)
	second, err := m.svc.RecordDeposit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Same reference as a withdrawal is a different movement.
	_, err = m.svc.RecordWithdrawal(ctx, ports.MovementRequest{Amount: dec("10"), Currency: "USD", ExternalReference: "tx_dup"})
	require.NoError(t, err)

	counts, err := m.repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Total)
	assertBalancedAndReplayable(t, m)
}

func TestLedger_InsufficientFundsChangesNothing(t *testing.T) {
	m := newMemoryLedger()
	ctx := context.Background()

	_, err := m.svc.RecordDeposit(ctx, ports.MovementRequest{Amount: dec("100"), Currency: "USD", ExternalReference: "d1"})
	require.NoError(t, err)
	before, err := m.svc.GetBalances(ctx)
	require.NoError(t, err)

	_, err = m.svc.RecordWithdrawal(ctx, ports.MovementRequest{Amount: dec("100.01"), Currency: "USD", ExternalReference: "w1"})
	assert.True(t, apperror.HasCode(err, apperror.CodeInsufficientFunds))

	after, err := m.svc.GetBalances(ctx)
	require.NoError(t, err)
	for _, a := range domain.AllAccounts {
		assert.True(t, before.Get(a).Equal(after.Get(a)), "%s changed", a)
	}
	counts, err := m.repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Total)
}

func TestLedger_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	m := newMemoryLedger()
	ctx := context.Background()

	_, err := m.svc.RecordDeposit(ctx, ports.MovementRequest{Amount: dec("100"), Currency: "USD", ExternalReference: "seed"})
	require.NoError(t, err)

	const workers = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.svc.RecordWithdrawal(ctx, ports.MovementRequest{
				Amount: dec("10"), Currency: "USD", ExternalReference: fmt.Sprintf("w%d", i),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, apperror.HasCode(err, apperror.CodeInsufficientFunds), "unexpected: %v", err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	available, err := m.svc.GetAvailableBalance(ctx)
	require.NoError(t, err)
	assert.True(t, available.IsZero(), available.String())
	assertBalancedAndReplayable(t, m)
}

func TestLedger_ConcurrentDuplicatesBookOnce(t *testing.T) {
	m := newMemoryLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn, err := m.svc.RecordDeposit(ctx, ports.MovementRequest{Amount: dec("5"), Currency: "USD", ExternalReference: "same"})
			if assert.NoError(t, err) {
				ids[i] = txn.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	gateway, err := m.svc.GetBalance(ctx, domain.AccountGatewayBalance)
	require.NoError(t, err)
	assert.True(t, gateway.Equal(dec("5")))
}

func TestLedger_MarkReconciled(t *testing.T) {
	m := newMemoryLedger()
	ctx := context.Background()

	txn, err := m.svc.RecordDeposit(ctx, ports.MovementRequest{Amount: dec("5"), Currency: "USD", ExternalReference: "r1"})
	require.NoError(t, err)

	require.NoError(t, m.svc.MarkReconciled(ctx, txn.ID))
	require.NoError(t, m.svc.MarkReconciled(ctx, txn.ID))

	got, err := m.svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.IsReconciled())
	assert.NotNil(t, got.ReconciledAt)

	err = m.svc.MarkReconciled(ctx, uuid.New())
	assert.True(t, apperror.HasCode(err, apperror.CodeNotFound))
}
