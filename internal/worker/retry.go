// Package worker runs the background loops: webhook retries and scheduled
// reconciliation.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type pendingRetrier interface {
	RetryPending(ctx context.Context) (int, error)
}

// RetryWorker drains due webhook events on a fixed interval.
type RetryWorker struct {
	svc      pendingRetrier
	interval time.Duration
	log      zerolog.Logger
}

func NewRetryWorker(svc pendingRetrier, interval time.Duration, log zerolog.Logger) *RetryWorker {
	return &RetryWorker{svc: svc, interval: interval, log: log}
}

// Run blocks until ctx is done.
func (w *RetryWorker) Run(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("retry worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("retry worker stopped")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *RetryWorker) poll(ctx context.Context) {
	n, err := w.svc.RetryPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("failed to retry webhook events")
		}
		return
	}
	if n > 0 {
		w.log.Info().Int("processed", n).Msg("webhook events retried")
	}
}
