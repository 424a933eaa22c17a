package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"
	"trading-ledger/internal/metrics"
	"trading-ledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// balanceCheck guards a write. reads lists accounts the check inspects
// beyond those the postings touch.
type balanceCheck struct {
	reads  []domain.Account
	verify func(domain.Balances) error
}

// posting moves amount from the credit account to the debit account.
type posting struct {
	debit  domain.Account
	credit domain.Account
	amount decimal.Decimal
}

// LedgerServiceImpl implements ports.LedgerService and ports.ReconciledMarker.
type LedgerServiceImpl struct {
	repo         ports.LedgerRepository
	transactor   ports.DBTransactor
	publisher    ports.EventPublisher
	metrics      *metrics.Metrics
	currencies   map[string]struct{}
	baseCurrency string
	now          func() time.Time
	log          zerolog.Logger
}

// NewLedgerService creates a new LedgerServiceImpl. currencies lists the
// accepted ISO codes; trades and adjustments book in baseCurrency.
func NewLedgerService(
	repo ports.LedgerRepository,
	transactor ports.DBTransactor,
	publisher ports.EventPublisher,
	m *metrics.Metrics,
	currencies []string,
	baseCurrency string,
	log zerolog.Logger,
) *LedgerServiceImpl {
	set := make(map[string]struct{}, len(currencies))
	for _, c := range currencies {
		set[strings.ToUpper(c)] = struct{}{}
	}
	return &LedgerServiceImpl{
		repo:         repo,
		transactor:   transactor,
		publisher:    publisher,
		metrics:      m,
		currencies:   set,
		baseCurrency: strings.ToUpper(baseCurrency),
		now:          time.Now,
		log:          log,
	}
}

// RecordDeposit books Dr GatewayBalance / Cr UserEquity, plus the fee.
func (s *LedgerServiceImpl) RecordDeposit(ctx context.Context, req ports.MovementRequest) (*domain.Transaction, error) {
	currency, err := s.validateMovement(req)
	if err != nil {
		return nil, err
	}

	draft := s.movementDraft(domain.TransactionTypeDeposit, req, currency)
	postings := []posting{{debit: domain.AccountGatewayBalance, credit: domain.AccountUserEquity, amount: req.Amount}}
	postings = appendFee(postings, req.Fee)

	return s.write(ctx, draft, postings, nil)
}

// RecordWithdrawal books Dr UserEquity / Cr GatewayBalance, plus the fee.
// It fails with InsufficientFunds when the available balance is below amount.
func (s *LedgerServiceImpl) RecordWithdrawal(ctx context.Context, req ports.MovementRequest) (*domain.Transaction, error) {
	currency, err := s.validateMovement(req)
	if err != nil {
		return nil, err
	}

	draft := s.movementDraft(domain.TransactionTypeWithdrawal, req, currency)
	postings := []posting{{debit: domain.AccountUserEquity, credit: domain.AccountGatewayBalance, amount: req.Amount}}
	postings = appendFee(postings, req.Fee)

	checkFunds := &balanceCheck{
		reads: []domain.Account{domain.AccountPending},
		verify: func(b domain.Balances) error {
			if b.Available().LessThan(req.Amount) {
				return apperror.ErrInsufficientFunds()
			}
			return nil
		},
	}
	return s.write(ctx, draft, postings, checkFunds)
}

// RecordTradeResult books a realized trade PnL. Positive pnl is a profit.
func (s *LedgerServiceImpl) RecordTradeResult(ctx context.Context, pnl decimal.Decimal, tradeID string) (*domain.Transaction, error) {
	if strings.TrimSpace(tradeID) == "" {
		return nil, apperror.Validation("trade_id is required")
	}
	if pnl.IsZero() {
		return nil, apperror.ErrInvalidAmount("pnl must not be zero")
	}
	if !domain.FitsScale(pnl) {
		return nil, apperror.ErrInvalidAmount(fmt.Sprintf("pnl allows at most %d decimal places", domain.AmountScale))
	}

	draft := &domain.Transaction{
		Type:           domain.TransactionTypeTradeProfit,
		Amount:         pnl.Abs(),
		Fee:            decimal.Zero,
		Currency:       s.baseCurrency,
		IdempotencyKey: domain.TradeIdempotencyKey(tradeID),
		Description:    "trade " + tradeID,
		Metadata:       map[string]string{"trade_id": tradeID},
	}

	p := posting{debit: domain.AccountTradingAccount, credit: domain.AccountRevenue, amount: pnl}
	if pnl.IsNegative() {
		draft.Type = domain.TransactionTypeTradeLoss
		p = posting{debit: domain.AccountRevenue, credit: domain.AccountTradingAccount, amount: pnl.Abs()}
	}

	return s.write(ctx, draft, []posting{p}, nil)
}

// RecordAdjustment moves amount from CreditAccount to DebitAccount.
func (s *LedgerServiceImpl) RecordAdjustment(ctx context.Context, req ports.AdjustmentRequest) (*domain.Transaction, error) {
	switch {
	case !req.DebitAccount.IsValid():
		return nil, apperror.Validation(fmt.Sprintf("unknown debit account %q", req.DebitAccount))
	case !req.CreditAccount.IsValid():
		return nil, apperror.Validation(fmt.Sprintf("unknown credit account %q", req.CreditAccount))
	case req.DebitAccount == req.CreditAccount:
		return nil, apperror.Validation("debit and credit accounts must differ")
	case !req.Amount.IsPositive():
		return nil, apperror.ErrInvalidAmount("amount must be positive")
	case !domain.FitsScale(req.Amount):
		return nil, apperror.ErrInvalidAmount(fmt.Sprintf("amount allows at most %d decimal places", domain.AmountScale))
	case strings.TrimSpace(req.Reference) == "":
		return nil, apperror.Validation("reference is required")
	}

	draft := &domain.Transaction{
		Type:           domain.TransactionTypeAdjustment,
		Amount:         req.Amount,
		Fee:            decimal.Zero,
		Currency:       s.baseCurrency,
		IdempotencyKey: domain.AdjustmentIdempotencyKey(req.Reference),
		Description:    req.Description,
		Metadata:       map[string]string{"reference": req.Reference},
	}
	return s.write(ctx, draft, []posting{{debit: req.DebitAccount, credit: req.CreditAccount, amount: req.Amount}}, nil)
}

// write runs the locked, idempotent write path shared by every operation.
// check, when set, runs against the locked balances before anything is written.
func (s *LedgerServiceImpl) write(ctx context.Context, draft *domain.Transaction, postings []posting, check *balanceCheck) (*domain.Transaction, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		s.metrics.IncWriteError("begin")
		return nil, apperror.ErrPersistence(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	lockSet := touchedAccounts(postings)
	if check != nil {
		lockSet = domain.SortAccounts(append(lockSet, check.reads...))
	}
	balances, err := s.repo.LockAccounts(ctx, dbTx, lockSet)
	if err != nil {
		s.metrics.IncWriteError("lock")
		return nil, apperror.ErrPersistence(fmt.Errorf("lock accounts: %w", err))
	}

	existing, err := s.repo.GetByIdempotencyKey(ctx, dbTx, draft.IdempotencyKey)
	if err != nil {
		s.metrics.IncWriteError("idempotency")
		return nil, apperror.ErrPersistence(fmt.Errorf("idempotency lookup: %w", err))
	}
	if existing != nil {
		s.log.Debug().
			Str("tx_id", existing.ID.String()).
			Str("idempotency_key", draft.IdempotencyKey).
			Msg("idempotent replay, returning existing transaction")
		return existing, nil
	}

	if check != nil {
		if err := check.verify(balances); err != nil {
			s.metrics.IncWriteError("rejected")
			return nil, err
		}
	}

	now := s.now().UTC()
	draft.ID = uuid.New()
	draft.Status = domain.TransactionStatusCompleted
	draft.CreatedAt = now
	updated := buildEntries(draft, postings, balances, now)

	if !draft.IsBalanced() {
		return nil, apperror.InternalError(fmt.Errorf("transaction %s is unbalanced", draft.ID))
	}

	if err := s.repo.CreateTransaction(ctx, dbTx, draft); err != nil {
		s.metrics.IncWriteError("insert")
		if errors.Is(err, ports.ErrDuplicateKey) {
			return nil, apperror.ErrInvalidState("a transaction with this reference is being written concurrently")
		}
		return nil, apperror.ErrPersistence(fmt.Errorf("create transaction: %w", err))
	}
	if err := s.repo.UpdateBalances(ctx, dbTx, updated); err != nil {
		s.metrics.IncWriteError("balance")
		return nil, apperror.ErrPersistence(fmt.Errorf("update balances: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		s.metrics.IncWriteError("commit")
		return nil, apperror.ErrPersistence(fmt.Errorf("commit tx: %w", err))
	}

	s.metrics.IncTransaction(string(draft.Type))
	if err := s.publisher.PublishTransaction(ctx, draft); err != nil {
		s.log.Warn().Err(err).Str("tx_id", draft.ID.String()).Msg("failed to publish ledger event")
	}

	s.log.Info().
		Str("tx_id", draft.ID.String()).
		Str("type", string(draft.Type)).
		Str("amount", draft.Amount.String()).
		Str("fee", draft.Fee.String()).
		Str("reference", draft.Reference()).
		Msg("ledger transaction recorded")

	return draft, nil
}

// buildEntries fills draft.Entries with a debit and a credit line per
// posting and returns the resulting balances of the touched accounts.
func buildEntries(draft *domain.Transaction, postings []posting, locked domain.Balances, at time.Time) domain.Balances {
	running := make(domain.Balances, len(locked))
	for a, b := range locked {
		running[a] = b
	}

	line := func(account domain.Account, debit, credit decimal.Decimal) domain.LedgerEntry {
		running[account] = running.Get(account).Add(debit).Sub(credit)
		return domain.LedgerEntry{
			ID:                uuid.New(),
			TransactionID:     draft.ID,
			Account:           account,
			Debit:             debit,
			Credit:            credit,
			BalanceAfter:      running[account],
			ExternalReference: draft.ExternalReference,
			Description:       draft.Description,
			CreatedAt:         at,
		}
	}

	draft.Entries = make([]domain.LedgerEntry, 0, 2*len(postings))
	for _, p := range postings {
		draft.Entries = append(draft.Entries,
			line(p.debit, p.amount, decimal.Zero),
			line(p.credit, decimal.Zero, p.amount),
		)
	}

	touched := make(domain.Balances, len(postings)*2)
	for _, a := range touchedAccounts(postings) {
		touched[a] = running[a]
	}
	return touched
}

func touchedAccounts(postings []posting) []domain.Account {
	accounts := make([]domain.Account, 0, 2*len(postings))
	for _, p := range postings {
		accounts = append(accounts, p.debit, p.credit)
	}
	return domain.SortAccounts(accounts)
}

func appendFee(postings []posting, fee decimal.Decimal) []posting {
	if fee.IsPositive() {
		postings = append(postings, posting{debit: domain.AccountFeeExpense, credit: domain.AccountGatewayBalance, amount: fee})
	}
	return postings
}

func (s *LedgerServiceImpl) validateMovement(req ports.MovementRequest) (string, error) {
	if !req.Amount.IsPositive() {
		return "", apperror.ErrInvalidAmount("amount must be positive")
	}
	if req.Fee.IsNegative() {
		return "", apperror.ErrInvalidAmount("fee must not be negative")
	}
	if !domain.FitsScale(req.Amount) || !domain.FitsScale(req.Fee) {
		return "", apperror.ErrInvalidAmount(fmt.Sprintf("amounts allow at most %d decimal places", domain.AmountScale))
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if _, ok := s.currencies[currency]; !ok {
		return "", apperror.ErrUnsupportedCurrency(req.Currency)
	}
	if strings.TrimSpace(req.ExternalReference) == "" {
		return "", apperror.Validation("external_reference is required")
	}
	return currency, nil
}

func (s *LedgerServiceImpl) movementDraft(t domain.TransactionType, req ports.MovementRequest, currency string) *domain.Transaction {
	ref := req.ExternalReference
	return &domain.Transaction{
		Type:              t,
		Amount:            req.Amount,
		Fee:               req.Fee,
		Currency:          currency,
		ExternalReference: &ref,
		IdempotencyKey:    domain.GatewayIdempotencyKey(t, ref),
		Description:       req.Description,
	}
}

// --- Reads ---

func (s *LedgerServiceImpl) GetBalance(ctx context.Context, account domain.Account) (decimal.Decimal, error) {
	if !account.IsValid() {
		return decimal.Zero, apperror.ErrNotFound("account")
	}
	balances, err := s.GetBalances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances.Get(account), nil
}

func (s *LedgerServiceImpl) GetBalances(ctx context.Context) (domain.Balances, error) {
	balances, err := s.repo.GetBalances(ctx)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("get balances: %w", err))
	}
	return balances, nil
}

// GetAvailableBalance is GatewayBalance minus Pending.
func (s *LedgerServiceImpl) GetAvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	balances, err := s.GetBalances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances.Available(), nil
}

// GetTotalEquity is GatewayBalance plus TradingAccount.
func (s *LedgerServiceImpl) GetTotalEquity(ctx context.Context) (decimal.Decimal, error) {
	balances, err := s.GetBalances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances.TotalEquity(), nil
}

func (s *LedgerServiceImpl) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("get transaction: %w", err))
	}
	if t == nil {
		return nil, apperror.ErrNotFound("transaction")
	}
	return t, nil
}

// GetTransactions returns transactions newest first. Limit defaults to 100
// and is capped at 1000.
func (s *LedgerServiceImpl) GetTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	if filter.Type != nil && !filter.Type.IsValid() {
		return nil, apperror.Validation(fmt.Sprintf("unknown transaction type %q", *filter.Type))
	}
	if filter.Start != nil && filter.End != nil && !filter.Start.Before(*filter.End) {
		return nil, apperror.Validation("start must be before end")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	txs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("list transactions: %w", err))
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	return txs, nil
}

// MarkReconciled flips one transaction to reconciled. Repeating it is a no-op.
func (s *LedgerServiceImpl) MarkReconciled(ctx context.Context, id uuid.UUID) error {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return apperror.ErrPersistence(fmt.Errorf("get transaction: %w", err))
	}
	if t == nil {
		return apperror.ErrNotFound("transaction")
	}
	if t.IsReconciled() {
		return nil
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.ErrPersistence(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.MarkReconciledTx(ctx, dbTx, []uuid.UUID{id}); err != nil {
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.ErrPersistence(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// MarkReconciledTx implements ports.ReconciledMarker.
func (s *LedgerServiceImpl) MarkReconciledTx(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	n, err := s.repo.MarkReconciled(ctx, tx, ids, s.now().UTC())
	if err != nil {
		return apperror.ErrPersistence(fmt.Errorf("mark reconciled: %w", err))
	}
	s.log.Debug().Int("requested", len(ids)).Int64("updated", n).Msg("transactions marked reconciled")
	return nil
}
