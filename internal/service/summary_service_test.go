package service

import (
	"context"
	"errors"
	"testing"

	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"
	"trading-ledger/internal/core/ports/mocks"
	"trading-ledger/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestSummaryService_GetSummary(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger := mocks.NewMockLedgerRepository(ctrl)
	reports := mocks.NewMockReportRepository(ctrl)
	events := mocks.NewMockWebhookEventRepository(ctrl)
	svc := NewSummaryService(ledger, reports, events)
	ctx := context.Background()

	ledger.EXPECT().GetBalances(ctx).Return(domain.Balances{
		domain.AccountGatewayBalance: dec("1000"),
		domain.AccountPending:        dec("150"),
		domain.AccountTradingAccount: dec("-40"),
		domain.AccountUserEquity:     dec("-960"),
	}, nil)
	ledger.EXPECT().Count(ctx).Return(&ports.TransactionCounts{Total: 12, Reconciled: 9}, nil)
	reports.EXPECT().CountUnresolvedDiscrepancies(ctx).Return(int64(2), nil)
	events.EXPECT().CountDeadLetters(ctx).Return(int64(1), nil)
	reports.EXPECT().GetLatest(ctx).Return(&domain.ReconciliationReport{Status: domain.ReportStatusCompletedWithDiscrepancies}, nil)

	s, err := svc.GetSummary(ctx)
	require.NoError(t, err)
	assert.Len(t, s.Balances, len(domain.AllAccounts))
	assert.True(t, s.Balances[domain.AccountRevenue].IsZero())
	assert.True(t, s.AvailableBalance.Equal(dec("850")))
	assert.True(t, s.TotalEquity.Equal(dec("960")))
	assert.Equal(t, int64(12), s.TransactionCount)
	assert.Equal(t, int64(9), s.ReconciledCount)
	assert.Equal(t, int64(2), s.UnresolvedDiscrepancies)
	assert.Equal(t, int64(1), s.DeadLetterCount)
	require.NotNil(t, s.LatestReconciliation)
	assert.Equal(t, domain.ReportStatusCompletedWithDiscrepancies, *s.LatestReconciliation)
}

func TestSummaryService_NoReportsYet(t *testing.T) {
	m := newMemoryLedger()
	svc := NewSummaryService(m.repo, memoryReports(m), memoryEvents(m))

	s, err := svc.GetSummary(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s.LatestReconciliation)
	assert.Zero(t, s.TransactionCount)
	assert.True(t, s.AvailableBalance.IsZero())
}

func TestSummaryService_StorageError(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger := mocks.NewMockLedgerRepository(ctrl)
	svc := NewSummaryService(ledger, mocks.NewMockReportRepository(ctrl), mocks.NewMockWebhookEventRepository(ctrl))

	ledger.EXPECT().GetBalances(gomock.Any()).Return(nil, errors.New("timeout"))

	_, err := svc.GetSummary(context.Background())
	assert.True(t, apperror.HasCode(err, apperror.CodePersistence))
}
