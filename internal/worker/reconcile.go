package worker

import (
	"context"
	"sync/atomic"
	"time"

	"trading-ledger/internal/core/domain"

	"github.com/rs/zerolog"
)

type reconciler interface {
	RunReconciliation(ctx context.Context, start, end time.Time) (*domain.ReconciliationReport, error)
	AbortStaleReports(ctx context.Context) (int64, error)
}

// ReconcileScheduler reconciles the trailing window on an interval. Passes
// run on the scheduler goroutine, so ticks that fire during a pass are
// dropped.
type ReconcileScheduler struct {
	svc      reconciler
	interval time.Duration
	window   time.Duration
	running  atomic.Bool
	now      func() time.Time
	log      zerolog.Logger
}

func NewReconcileScheduler(svc reconciler, interval, window time.Duration, log zerolog.Logger) *ReconcileScheduler {
	return &ReconcileScheduler{svc: svc, interval: interval, window: window, now: time.Now, log: log}
}

// Run blocks until ctx is done and any pass in flight has recorded its
// outcome.
func (s *ReconcileScheduler) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Dur("window", s.window).Msg("reconciliation scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("reconciliation scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce closes abandoned reports, then reconciles [now-window, now). It
// returns false when a pass is already in progress.
func (s *ReconcileScheduler) RunOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn().Msg("previous reconciliation still running, skipping")
		return false
	}
	defer s.running.Store(false)

	if _, err := s.svc.AbortStaleReports(ctx); err != nil {
		s.log.Error().Err(err).Msg("could not close abandoned reconciliation reports")
	}

	end := s.now().UTC()
	start := end.Add(-s.window)
	report, err := s.svc.RunReconciliation(ctx, start, end)
	if err != nil {
		s.log.Error().Err(err).Time("start", start).Time("end", end).Msg("scheduled reconciliation failed")
		return true
	}
	s.log.Info().
		Str("report_id", report.ID.String()).
		Str("status", string(report.Status)).
		Int("discrepancies", report.DiscrepancyCount).
		Msg("scheduled reconciliation finished")
	return true
}
