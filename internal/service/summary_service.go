package service

import (
	"context"
	"fmt"

	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"
	"trading-ledger/pkg/apperror"
)

// SummaryServiceImpl implements ports.SummaryService.
type SummaryServiceImpl struct {
	ledger  ports.LedgerRepository
	reports ports.ReportRepository
	events  ports.WebhookEventRepository
}

// NewSummaryService creates a new summary service.
func NewSummaryService(ledger ports.LedgerRepository, reports ports.ReportRepository, events ports.WebhookEventRepository) *SummaryServiceImpl {
	return &SummaryServiceImpl{ledger: ledger, reports: reports, events: events}
}

// GetSummary aggregates balances, counts and the latest reconciliation status.
func (s *SummaryServiceImpl) GetSummary(ctx context.Context) (*domain.Summary, error) {
	balances, err := s.ledger.GetBalances(ctx)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("get balances: %w", err))
	}
	counts, err := s.ledger.Count(ctx)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("count transactions: %w", err))
	}
	unresolved, err := s.reports.CountUnresolvedDiscrepancies(ctx)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("count discrepancies: %w", err))
	}
	dlq, err := s.events.CountDeadLetters(ctx)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("count dead letters: %w", err))
	}
	latest, err := s.reports.GetLatest(ctx)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("get latest report: %w", err))
	}

	summary := &domain.Summary{
		Balances:                make(domain.Balances, len(domain.AllAccounts)),
		AvailableBalance:        balances.Available(),
		TotalEquity:             balances.TotalEquity(),
		TransactionCount:        counts.Total,
		ReconciledCount:         counts.Reconciled,
		UnresolvedDiscrepancies: unresolved,
		DeadLetterCount:         dlq,
	}
	for _, a := range domain.AllAccounts {
		summary.Balances[a] = balances.Get(a)
	}
	if latest != nil {
		status := latest.Status
		summary.LatestReconciliation = &status
	}
	return summary, nil
}
