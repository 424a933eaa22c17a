package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trading-ledger/internal/adapter/storage/memory"
	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/service"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRetrier struct {
	calls atomic.Int32
	err   error
}

func (r *countingRetrier) RetryPending(context.Context) (int, error) {
	r.calls.Add(1)
	return 1, r.err
}

func TestRetryWorker_PollsUntilCanceled(t *testing.T) {
	r := &countingRetrier{}
	w := NewRetryWorker(r, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRetryWorker_KeepsRunningOnError(t *testing.T) {
	r := &countingRetrier{err: errors.New("db down")}
	w := NewRetryWorker(r, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

type blockingReconciler struct {
	mu      sync.Mutex
	windows [][2]time.Time
	release chan struct{}
	err     error
	sweeps  atomic.Int32
}

func (r *blockingReconciler) AbortStaleReports(context.Context) (int64, error) {
	r.sweeps.Add(1)
	return 0, nil
}

func (r *blockingReconciler) RunReconciliation(_ context.Context, start, end time.Time) (*domain.ReconciliationReport, error) {
	r.mu.Lock()
	r.windows = append(r.windows, [2]time.Time{start, end})
	r.mu.Unlock()
	if r.release != nil {
		<-r.release
	}
	if r.err != nil {
		return nil, r.err
	}
	return &domain.ReconciliationReport{ID: uuid.New(), Status: domain.ReportStatusCompleted}, nil
}

func TestReconcileScheduler_TrailingWindow(t *testing.T) {
	r := &blockingReconciler{}
	s := NewReconcileScheduler(r, time.Hour, 24*time.Hour, zerolog.Nop())
	now := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	assert.True(t, s.RunOnce(context.Background()))
	require.Len(t, r.windows, 1)
	assert.Equal(t, now.Add(-24*time.Hour), r.windows[0][0])
	assert.Equal(t, now, r.windows[0][1])
	assert.Equal(t, int32(1), r.sweeps.Load(), "abandoned reports are swept before each pass")
}

func TestReconcileScheduler_NoOverlap(t *testing.T) {
	r := &blockingReconciler{release: make(chan struct{})}
	s := NewReconcileScheduler(r, time.Hour, time.Hour, zerolog.Nop())

	first := make(chan bool)
	go func() { first <- s.RunOnce(context.Background()) }()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.windows) == 1
	}, time.Second, time.Millisecond)

	assert.False(t, s.RunOnce(context.Background()), "second pass must be skipped")

	close(r.release)
	assert.True(t, <-first)
	assert.True(t, s.RunOnce(context.Background()))
}

func TestReconcileScheduler_FailureDoesNotWedge(t *testing.T) {
	r := &blockingReconciler{err: errors.New("gateway down")}
	s := NewReconcileScheduler(r, time.Hour, time.Hour, zerolog.Nop())

	assert.True(t, s.RunOnce(context.Background()))
	assert.True(t, s.RunOnce(context.Background()))
	assert.Len(t, r.windows, 2)
}

// slowGateway blocks until the run is canceled, then takes a while to unwind.
type slowGateway struct {
	entered chan struct{}
	once    sync.Once
}

func (g *slowGateway) FetchTransactions(ctx context.Context, _, _ time.Time, _ string, _ int) (*domain.GatewayPage, error) {
	g.once.Do(func() { close(g.entered) })
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return nil, ctx.Err()
}

type nopMarker struct{}

func (nopMarker) MarkReconciledTx(context.Context, pgx.Tx, []uuid.UUID) error { return nil }

func TestReconcileScheduler_ShutdownFinalizesPass(t *testing.T) {
	store := memory.New()
	reports := memory.NewReportRepo(store)
	gw := &slowGateway{entered: make(chan struct{})}
	svc := service.NewReconciliationService(gw, memory.NewLedgerRepo(store), reports, store, nopMarker{},
		nil, service.DefaultReconcileSettings(), zerolog.Nop())
	s := NewReconcileScheduler(svc, 5*time.Millisecond, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-gw.entered:
	case <-time.After(time.Second):
		t.Fatal("scheduler never started a pass")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	latest, err := reports.GetLatest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, domain.ReportStatusFailed, latest.Status, "pass must be finalized before Run returns")
	require.NotNil(t, latest.Error)
	assert.Contains(t, *latest.Error, "context canceled")
}
