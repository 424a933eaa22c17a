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
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ReconcileSettings tunes a reconciliation run.
type ReconcileSettings struct {
	Tolerance  decimal.Decimal
	PageSize   int
	RunTimeout time.Duration
}

// DefaultReconcileSettings returns the production defaults.
func DefaultReconcileSettings() ReconcileSettings {
	return ReconcileSettings{
		Tolerance:  decimal.RequireFromString("0.01"),
		PageSize:   100,
		RunTimeout: 5 * time.Minute,
	}
}

// staleReportGrace is added to the run timeout before an in-progress
// report is treated as abandoned.
const staleReportGrace = time.Minute

// ReconciliationServiceImpl implements ports.ReconciliationService.
type ReconciliationServiceImpl struct {
	gateway    ports.GatewayClient
	ledger     ports.LedgerRepository
	reports    ports.ReportRepository
	transactor ports.DBTransactor
	marker     ports.ReconciledMarker
	metrics    *metrics.Metrics
	settings   ReconcileSettings
	now        func() time.Time
	log        zerolog.Logger
}

// NewReconciliationService creates a new reconciliation service.
func NewReconciliationService(
	gateway ports.GatewayClient,
	ledger ports.LedgerRepository,
	reports ports.ReportRepository,
	transactor ports.DBTransactor,
	marker ports.ReconciledMarker,
	m *metrics.Metrics,
	settings ReconcileSettings,
	log zerolog.Logger,
) *ReconciliationServiceImpl {
	return &ReconciliationServiceImpl{
		gateway:    gateway,
		ledger:     ledger,
		reports:    reports,
		transactor: transactor,
		marker:     marker,
		metrics:    m,
		settings:   settings,
		now:        time.Now,
		log:        log,
	}
}

// RunReconciliation compares the gateway log with the ledger over
// [start, end). A failed run is persisted as failed and nothing is marked
// reconciled.
func (s *ReconciliationServiceImpl) RunReconciliation(ctx context.Context, start, end time.Time) (*domain.ReconciliationReport, error) {
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return nil, apperror.Validation("start must be before end")
	}

	began := s.now()
	report := &domain.ReconciliationReport{
		ID:            uuid.New(),
		Start:         start.UTC(),
		End:           end.UTC(),
		Status:        domain.ReportStatusInProgress,
		ExternalTotal: decimal.Zero,
		LedgerTotal:   decimal.Zero,
		Difference:    decimal.Zero,
		CreatedAt:     began.UTC(),
	}
	if err := s.reports.Create(ctx, report); err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("create report: %w", err))
	}
	log := s.log.With().Str("report_id", report.ID.String()).Logger()
	log.Info().Time("start", report.Start).Time("end", report.End).Msg("reconciliation started")

	runCtx := ctx
	if s.settings.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.settings.RunTimeout)
		defer cancel()
	}

	matched, err := s.reconcile(runCtx, report)
	if err == nil {
		err = s.finalize(runCtx, report, matched)
	}
	if err != nil {
		s.fail(ctx, report, err, log)
		s.metrics.ObserveReconciliation(string(domain.ReportStatusFailed), s.now().Sub(began))
		return nil, apperror.ErrReconciliation(err)
	}

	s.metrics.ObserveReconciliation(string(report.Status), s.now().Sub(began))
	for kind, n := range countKinds(report.Discrepancies) {
		s.metrics.AddDiscrepancies(string(kind), n)
	}
	log.Info().
		Str("status", string(report.Status)).
		Int("external", report.ExternalCount).
		Int("ledger", report.LedgerCount).
		Int("matched", report.MatchedCount).
		Int("discrepancies", report.DiscrepancyCount).
		Str("difference", report.Difference.String()).
		Msg("reconciliation finished")
	return report, nil
}

// reconcile fills the report's counts and discrepancies and returns the
// ids of matched ledger transactions.
func (s *ReconciliationServiceImpl) reconcile(ctx context.Context, report *domain.ReconciliationReport) ([]uuid.UUID, error) {
	external, err := s.fetchGateway(ctx, report.Start, report.End)
	if err != nil {
		return nil, err
	}

	start, end := report.Start, report.End
	ledgerTxs, err := s.ledger.List(ctx, domain.TransactionFilter{Start: &start, End: &end, WithExternalRefsOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list ledger transactions: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matched := compare(report, external, ledgerTxs, s.settings.Tolerance, s.now().UTC())
	return matched, nil
}

func (s *ReconciliationServiceImpl) fetchGateway(ctx context.Context, start, end time.Time) ([]domain.GatewayTransaction, error) {
	var (
		all    []domain.GatewayTransaction
		cursor string
		seen   = map[string]struct{}{}
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.gateway.FetchTransactions(ctx, start, end, cursor, s.settings.PageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch gateway transactions: %w", err)
		}
		all = append(all, page.Data...)
		if !page.HasMore {
			return all, nil
		}
		if page.NextCursor == "" {
			return nil, errors.New("gateway reported more pages without a cursor")
		}
		if _, dup := seen[page.NextCursor]; dup {
			return nil, fmt.Errorf("gateway cursor %q repeated", page.NextCursor)
		}
		seen[page.NextCursor] = struct{}{}
		cursor = page.NextCursor
	}
}

// compare matches gateway records to ledger transactions by external
// reference. A reference shared by several ledger transactions is matched
// on type first.
func compare(report *domain.ReconciliationReport, external []domain.GatewayTransaction, ledgerTxs []domain.Transaction, tolerance decimal.Decimal, at time.Time) []uuid.UUID {
	byRef := make(map[string][]*domain.Transaction, len(ledgerTxs))
	for i := range ledgerTxs {
		t := &ledgerTxs[i]
		byRef[t.Reference()] = append(byRef[t.Reference()], t)
	}
	used := make(map[uuid.UUID]struct{}, len(ledgerTxs))
	gatewayIDs := make(map[string]struct{}, len(external))

	var (
		matched []uuid.UUID
		discs   []domain.Discrepancy
	)
	newDisc := func(kind domain.DiscrepancyKind, extID string, ledgerID *uuid.UUID, ext, led decimal.Decimal) domain.Discrepancy {
		return domain.Discrepancy{
			ID:             uuid.New(),
			ReportID:       report.ID,
			Kind:           kind,
			ExternalTxID:   extID,
			LedgerTxID:     ledgerID,
			ExternalAmount: ext,
			LedgerAmount:   led,
			Difference:     ext.Sub(led),
			CreatedAt:      at,
		}
	}

	externalTotal, ledgerTotal := decimal.Zero, decimal.Zero
	for _, g := range external {
		gatewayIDs[g.ID] = struct{}{}
		settled := g.SettledAmount()
		externalTotal = externalTotal.Add(settled)

		l := pickLedger(byRef[g.ID], g.Type, used)
		if l == nil {
			discs = append(discs, newDisc(domain.DiscrepancyMissingInLedger, g.ID, nil, settled, decimal.Zero))
			continue
		}
		used[l.ID] = struct{}{}

		net := l.NetAmount()
		if settled.Sub(net).Abs().LessThanOrEqual(tolerance) {
			matched = append(matched, l.ID)
			continue
		}
		id := l.ID
		discs = append(discs, newDisc(domain.DiscrepancyAmountMismatch, g.ID, &id, settled, net))
	}

	for i := range ledgerTxs {
		l := &ledgerTxs[i]
		ledgerTotal = ledgerTotal.Add(l.NetAmount())
		if _, ok := used[l.ID]; ok {
			continue
		}
		if _, ok := gatewayIDs[l.Reference()]; ok {
			// Same reference as a gateway record already paired with a sibling.
			continue
		}
		id := l.ID
		discs = append(discs, newDisc(domain.DiscrepancyMissingInGateway, l.Reference(), &id, decimal.Zero, l.NetAmount()))
	}

	report.ExternalCount = len(external)
	report.LedgerCount = len(ledgerTxs)
	report.MatchedCount = len(matched)
	report.Discrepancies = discs
	report.DiscrepancyCount = len(discs)
	report.ExternalTotal = externalTotal
	report.LedgerTotal = ledgerTotal
	report.Difference = externalTotal.Sub(ledgerTotal)
	return matched
}

func pickLedger(candidates []*domain.Transaction, gatewayType string, used map[uuid.UUID]struct{}) *domain.Transaction {
	var fallback *domain.Transaction
	for _, t := range candidates {
		if _, ok := used[t.ID]; ok {
			continue
		}
		if strings.EqualFold(string(t.Type), gatewayType) {
			return t
		}
		if fallback == nil {
			fallback = t
		}
	}
	return fallback
}

// finalize persists the outcome and marks matches in one transaction.
func (s *ReconciliationServiceImpl) finalize(ctx context.Context, report *domain.ReconciliationReport, matched []uuid.UUID) error {
	completed := s.now().UTC()
	report.CompletedAt = &completed
	report.Status = domain.ReportStatusCompleted
	if report.DiscrepancyCount > 0 {
		report.Status = domain.ReportStatusCompletedWithDiscrepancies
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.reports.Finalize(ctx, dbTx, report); err != nil {
		return fmt.Errorf("finalize report: %w", err)
	}
	if err := s.marker.MarkReconciledTx(ctx, dbTx, matched); err != nil {
		return fmt.Errorf("mark reconciled: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// fail records the run as failed. It runs detached from ctx so a timed out
// run is still closed.
func (s *ReconciliationServiceImpl) fail(ctx context.Context, report *domain.ReconciliationReport, cause error, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)

	msg := cause.Error()
	completed := s.now().UTC()
	report.Status = domain.ReportStatusFailed
	report.Error = &msg
	report.CompletedAt = &completed
	report.Discrepancies = nil
	report.DiscrepancyCount = 0
	report.MatchedCount = 0

	log.Error().Err(cause).Msg("reconciliation failed")

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		log.Error().Err(err).Msg("could not record failed reconciliation")
		return
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.reports.Finalize(ctx, dbTx, report); err != nil {
		if errors.Is(err, ports.ErrReportFinalized) {
			log.Warn().Msg("report was closed by another process")
			return
		}
		log.Error().Err(err).Msg("could not record failed reconciliation")
		return
	}
	if err := dbTx.Commit(ctx); err != nil {
		log.Error().Err(err).Msg("could not record failed reconciliation")
	}
}

// AbortStaleReports fails in-progress reports older than the run timeout.
// Such reports belong to runs that died before recording an outcome.
func (s *ReconciliationServiceImpl) AbortStaleReports(ctx context.Context) (int64, error) {
	timeout := s.settings.RunTimeout
	if timeout <= 0 {
		timeout = DefaultReconcileSettings().RunTimeout
	}
	now := s.now().UTC()
	n, err := s.reports.FailStale(ctx, now.Add(-(timeout + staleReportGrace)), "aborted: run ended without recording an outcome", now)
	if err != nil {
		return 0, apperror.ErrPersistence(fmt.Errorf("fail stale reports: %w", err))
	}
	if n > 0 {
		s.log.Warn().Int64("reports", n).Msg("abandoned reconciliation reports marked failed")
	}
	return n, nil
}

// ResolveDiscrepancy closes a discrepancy with operator notes. Balances
// are not touched; corrections go through adjustments.
func (s *ReconciliationServiceImpl) ResolveDiscrepancy(ctx context.Context, reportID, discrepancyID uuid.UUID, notes string) (*domain.Discrepancy, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, apperror.Validation("resolution notes are required")
	}
	d, err := s.reports.ResolveDiscrepancy(ctx, reportID, discrepancyID, notes, s.now().UTC())
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("resolve discrepancy: %w", err))
	}
	if d == nil {
		return nil, apperror.ErrNotFound("discrepancy")
	}
	s.log.Info().
		Str("report_id", reportID.String()).
		Str("discrepancy_id", discrepancyID.String()).
		Msg("discrepancy resolved")
	return d, nil
}

func (s *ReconciliationServiceImpl) GetLatestReport(ctx context.Context) (*domain.ReconciliationReport, error) {
	r, err := s.reports.GetLatest(ctx)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("get latest report: %w", err))
	}
	if r == nil {
		return nil, apperror.ErrNotFound("reconciliation report")
	}
	return r, nil
}

func (s *ReconciliationServiceImpl) GetReport(ctx context.Context, id uuid.UUID) (*domain.ReconciliationReport, error) {
	r, err := s.reports.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("get report: %w", err))
	}
	if r == nil {
		return nil, apperror.ErrNotFound("reconciliation report")
	}
	return r, nil
}

func (s *ReconciliationServiceImpl) GetUnresolvedDiscrepancies(ctx context.Context) ([]domain.Discrepancy, error) {
	ds, err := s.reports.ListUnresolvedDiscrepancies(ctx, maxListLimit)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("list discrepancies: %w", err))
	}
	if ds == nil {
		ds = []domain.Discrepancy{}
	}
	return ds, nil
}

func countKinds(ds []domain.Discrepancy) map[domain.DiscrepancyKind]int {
	out := make(map[domain.DiscrepancyKind]int)
	for _, d := range ds {
		out[d.Kind]++
	}
	return out
}
