package service

import (
	"context"
	"fmt"
	"time"

	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"
	"trading-ledger/internal/metrics"
	"trading-ledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WebhookSettings tunes delivery handling and retries.
type WebhookSettings struct {
	MaxRetryAttempts int
	// Backoff[i] is the wait after the (i+1)th failed attempt. Attempts past
	// the end reuse the last value.
	Backoff         []time.Duration
	AsyncProcessing bool
	LockTTL         time.Duration
	PendingGrace    time.Duration
	StaleAfter      time.Duration
	BatchSize       int
}

// DefaultWebhookSettings returns the production defaults.
func DefaultWebhookSettings() WebhookSettings {
	return WebhookSettings{
		MaxRetryAttempts: 5,
		Backoff:          []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 24 * time.Hour},
		LockTTL:          30 * time.Second,
		PendingGrace:     10 * time.Second,
		StaleAfter:       10 * time.Minute,
		BatchSize:        50,
	}
}

func (s WebhookSettings) backoffFor(attempts int) time.Duration {
	if len(s.Backoff) == 0 {
		return 0
	}
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(s.Backoff) {
		i = len(s.Backoff) - 1
	}
	return s.Backoff[i]
}

// WebhookServiceImpl implements ports.WebhookService.
type WebhookServiceImpl struct {
	events     ports.WebhookEventRepository
	transactor ports.DBTransactor
	verifier   ports.SignatureVerifier
	lock       ports.EventLock
	registry   *HandlerRegistry
	publisher  ports.EventPublisher
	metrics    *metrics.Metrics
	settings   WebhookSettings
	now        func() time.Time
	log        zerolog.Logger
}

// NewWebhookService creates a new webhook service.
func NewWebhookService(
	events ports.WebhookEventRepository,
	transactor ports.DBTransactor,
	verifier ports.SignatureVerifier,
	lock ports.EventLock,
	registry *HandlerRegistry,
	publisher ports.EventPublisher,
	m *metrics.Metrics,
	settings WebhookSettings,
	log zerolog.Logger,
) *WebhookServiceImpl {
	return &WebhookServiceImpl{
		events:     events,
		transactor: transactor,
		verifier:   verifier,
		lock:       lock,
		registry:   registry,
		publisher:  publisher,
		metrics:    m,
		settings:   settings,
		now:        time.Now,
		log:        log,
	}
}

// ReceiveEvent authenticates, deduplicates and stores one delivery. In
// inline mode it also processes the event before returning.
func (s *WebhookServiceImpl) ReceiveEvent(ctx context.Context, rawPayload []byte, signatureHeader string) (*domain.IngestResult, error) {
	if err := s.verifier.Verify(signatureHeader, rawPayload); err != nil {
		s.metrics.IncWebhook("rejected")
		s.log.Warn().Err(err).Msg("webhook signature rejected")
		return nil, err
	}

	env, err := domain.ParseEnvelope(rawPayload)
	if err != nil {
		s.metrics.IncWebhook("invalid")
		return nil, apperror.Validation(err.Error())
	}
	log := s.log.With().Str("external_event_id", env.ID).Str("event_type", string(env.Type)).Logger()

	lockKey := "webhook:receive:" + env.ID
	token, ok, err := s.lock.Acquire(ctx, lockKey, s.settings.LockTTL)
	if err != nil {
		return nil, apperror.ErrLockUnavailable(err)
	}
	if !ok {
		log.Debug().Msg("delivery already in flight")
		return s.duplicate(env.ID, nil), nil
	}
	defer s.release(ctx, lockKey, token)

	existing, err := s.events.GetByExternalID(ctx, env.ID)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("lookup webhook event: %w", err))
	}
	if existing != nil {
		return s.redelivered(ctx, existing, log)
	}

	if !domain.IsSupportedEvent(env.Type) {
		s.metrics.IncWebhook("ignored")
		log.Info().Msg("ignoring unsupported webhook event")
		return &domain.IngestResult{Status: domain.IngestIgnored, ExternalEventID: env.ID}, nil
	}
	if _, err := domain.DecodeEvent(env); err != nil {
		s.metrics.IncWebhook("invalid")
		return nil, apperror.Validation(err.Error())
	}

	event := &domain.WebhookEvent{
		ID:              uuid.New(),
		ExternalEventID: env.ID,
		EventType:       env.Type,
		RawPayload:      rawPayload,
		Status:          domain.WebhookStatusPending,
		CreatedAt:       s.now().UTC(),
	}
	created, err := s.events.CreateIfAbsent(ctx, event)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("store webhook event: %w", err))
	}
	if !created {
		return s.duplicate(env.ID, nil), nil
	}
	log.Info().Str("event_id", event.ID.String()).Msg("webhook event stored")

	if s.settings.AsyncProcessing {
		s.metrics.IncWebhook("accepted")
		return &domain.IngestResult{Status: domain.IngestAccepted, EventID: &event.ID, ExternalEventID: env.ID}, nil
	}
	return s.processAndReport(ctx, event.ID, env.ID)
}

// redelivered answers a delivery whose external id is already stored.
func (s *WebhookServiceImpl) redelivered(ctx context.Context, existing *domain.WebhookEvent, log zerolog.Logger) (*domain.IngestResult, error) {
	switch existing.Status {
	case domain.WebhookStatusFailed:
		s.metrics.IncWebhook("duplicate")
		log.Info().Str("event_id", existing.ID.String()).Msg("redelivery of dead-lettered event")
		return &domain.IngestResult{Status: domain.IngestDeadLettered, EventID: &existing.ID, ExternalEventID: existing.ExternalEventID}, nil
	case domain.WebhookStatusPending, domain.WebhookStatusRetrying:
		log.Info().Str("event_id", existing.ID.String()).Int("attempts", existing.Attempts).Msg("redelivery, processing stored event now")
		return s.processAndReport(ctx, existing.ID, existing.ExternalEventID)
	default:
		return s.duplicate(existing.ExternalEventID, &existing.ID), nil
	}
}

func (s *WebhookServiceImpl) duplicate(externalID string, id *uuid.UUID) *domain.IngestResult {
	s.metrics.IncWebhook("duplicate")
	return &domain.IngestResult{Status: domain.IngestDuplicate, EventID: id, ExternalEventID: externalID}
}

func (s *WebhookServiceImpl) processAndReport(ctx context.Context, id uuid.UUID, externalID string) (*domain.IngestResult, error) {
	if err := s.ProcessEvent(ctx, id); err != nil {
		return nil, err
	}
	e, err := s.events.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("reload webhook event: %w", err))
	}
	if e == nil {
		return nil, apperror.ErrNotFound("webhook event")
	}

	status := domain.IngestAccepted
	switch e.Status {
	case domain.WebhookStatusCompleted:
		status = domain.IngestCompleted
	case domain.WebhookStatusRetrying:
		status = domain.IngestRetrying
	case domain.WebhookStatusFailed:
		status = domain.IngestDeadLettered
	}
	return &domain.IngestResult{Status: status, EventID: &id, ExternalEventID: externalID}, nil
}

// ProcessEvent runs the registered handlers for one stored event. Handler
// failures are recorded on the event, not returned; only storage and lock
// errors surface.
func (s *WebhookServiceImpl) ProcessEvent(ctx context.Context, eventID uuid.UUID) error {
	lockKey := "webhook:process:" + eventID.String()
	token, ok, err := s.lock.Acquire(ctx, lockKey, s.settings.LockTTL)
	if err != nil {
		return apperror.ErrLockUnavailable(err)
	}
	if !ok {
		s.log.Debug().Str("event_id", eventID.String()).Msg("event is being processed elsewhere")
		return nil
	}
	defer s.release(ctx, lockKey, token)

	e, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return apperror.ErrPersistence(fmt.Errorf("get webhook event: %w", err))
	}
	if e == nil {
		return apperror.ErrNotFound("webhook event")
	}
	if e.IsTerminal() {
		return nil
	}

	now := s.now().UTC()
	e.Status = domain.WebhookStatusProcessing
	e.Attempts++
	e.LastAttemptAt = &now
	e.NextAttemptAt = nil
	if err := s.events.Update(ctx, e); err != nil {
		return apperror.ErrPersistence(fmt.Errorf("mark processing: %w", err))
	}

	if herr := s.dispatch(ctx, e); herr != nil {
		return s.recordFailure(ctx, e, herr)
	}

	done := s.now().UTC()
	e.Status = domain.WebhookStatusCompleted
	e.ProcessedAt = &done
	e.Error = nil
	if err := s.events.Update(ctx, e); err != nil {
		return apperror.ErrPersistence(fmt.Errorf("mark completed: %w", err))
	}
	s.metrics.IncWebhook("completed")
	s.log.Info().
		Str("event_id", e.ID.String()).
		Str("external_event_id", e.ExternalEventID).
		Int("attempts", e.Attempts).
		Msg("webhook event processed")
	return nil
}

// dispatch decodes the stored payload and runs each handler in order.
func (s *WebhookServiceImpl) dispatch(ctx context.Context, e *domain.WebhookEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperror.ErrHandler(string(e.EventType), fmt.Errorf("panic: %v", r))
		}
	}()

	env, err := domain.ParseEnvelope(e.RawPayload)
	if err != nil {
		return apperror.ErrHandler(string(e.EventType), err)
	}
	ev, err := domain.DecodeEvent(env)
	if err != nil {
		return apperror.ErrHandler(string(e.EventType), err)
	}

	handlers := s.registry.Handlers(ev.EventType())
	if len(handlers) == 0 {
		s.log.Warn().Str("event_type", string(ev.EventType())).Msg("no handlers registered")
	}
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return apperror.ErrHandler(string(e.EventType), err)
		}
	}
	return nil
}

// recordFailure schedules a retry, or dead-letters the event once attempts
// are exhausted.
func (s *WebhookServiceImpl) recordFailure(ctx context.Context, e *domain.WebhookEvent, herr error) error {
	msg := herr.Error()
	e.Error = &msg

	if e.Attempts < s.settings.MaxRetryAttempts {
		last := s.now().UTC()
		if e.LastAttemptAt != nil {
			last = *e.LastAttemptAt
		}
		next := last.Add(s.settings.backoffFor(e.Attempts))
		e.Status = domain.WebhookStatusRetrying
		e.NextAttemptAt = &next
		if err := s.events.Update(ctx, e); err != nil {
			return apperror.ErrPersistence(fmt.Errorf("mark retrying: %w", err))
		}
		s.metrics.IncWebhook("retrying")
		s.log.Warn().
			Err(herr).
			Str("event_id", e.ID.String()).
			Int("attempts", e.Attempts).
			Dur("next_in", s.settings.backoffFor(e.Attempts)).
			Msg("webhook handler failed, will retry")
		return nil
	}

	e.Status = domain.WebhookStatusFailed
	dl := &domain.DeadLetter{
		EventID:         e.ID,
		ExternalEventID: e.ExternalEventID,
		EventType:       e.EventType,
		Attempts:        e.Attempts,
		Reason:          msg,
		MovedAt:         s.now().UTC(),
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.ErrPersistence(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.events.UpdateTx(ctx, dbTx, e); err != nil {
		return apperror.ErrPersistence(fmt.Errorf("mark failed: %w", err))
	}
	if err := s.events.InsertDeadLetter(ctx, dbTx, dl); err != nil {
		return apperror.ErrPersistence(fmt.Errorf("insert dead letter: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.ErrPersistence(fmt.Errorf("commit tx: %w", err))
	}

	s.metrics.IncWebhook("dead_lettered")
	s.metrics.IncDeadLetter()
	s.log.Error().
		Err(herr).
		Str("event_id", e.ID.String()).
		Str("external_event_id", e.ExternalEventID).
		Int("attempts", e.Attempts).
		Msg("webhook event moved to dead-letter queue")

	if err := s.publisher.PublishDeadLetter(ctx, dl, e.RawPayload); err != nil {
		s.log.Warn().Err(err).Str("event_id", e.ID.String()).Msg("failed to publish dead-letter notice")
	}
	return nil
}

// RetryPending processes events that are due: retrying events past their
// backoff, pending events older than the grace period and processing
// events left stale by a crash. It returns how many were processed.
func (s *WebhookServiceImpl) RetryPending(ctx context.Context) (int, error) {
	now := s.now().UTC()
	batch := s.settings.BatchSize
	if batch <= 0 {
		batch = 50
	}

	due, err := s.events.ListDueRetries(ctx, now, batch)
	if err != nil {
		return 0, apperror.ErrPersistence(fmt.Errorf("list retrying events: %w", err))
	}

	pending, err := s.events.ListByStatus(ctx, domain.WebhookStatusPending, now.Add(-s.settings.PendingGrace), batch)
	if err != nil {
		return 0, apperror.ErrPersistence(fmt.Errorf("list pending events: %w", err))
	}
	stale, err := s.events.ListByStatus(ctx, domain.WebhookStatusProcessing, now.Add(-s.settings.StaleAfter), batch)
	if err != nil {
		return 0, apperror.ErrPersistence(fmt.Errorf("list stale events: %w", err))
	}
	for _, e := range stale {
		s.log.Warn().Str("event_id", e.ID.String()).Msg("recovering event stuck in processing")
	}

	processed := 0
	for _, group := range [][]domain.WebhookEvent{due, pending, stale} {
		for _, e := range group {
			if err := ctx.Err(); err != nil {
				return processed, err
			}
			if processed >= batch {
				return processed, nil
			}
			if err := s.ProcessEvent(ctx, e.ID); err != nil {
				s.log.Error().Err(err).Str("event_id", e.ID.String()).Msg("retry failed")
				continue
			}
			processed++
		}
	}
	return processed, nil
}

// ReprocessDLQEvent resets a dead-lettered event and processes it again.
func (s *WebhookServiceImpl) ReprocessDLQEvent(ctx context.Context, eventID uuid.UUID) (*domain.WebhookEvent, error) {
	e, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("get webhook event: %w", err))
	}
	if e == nil {
		return nil, apperror.ErrNotFound("webhook event")
	}
	if e.Status != domain.WebhookStatusFailed {
		return nil, apperror.ErrInvalidState(fmt.Sprintf("event is %s, only failed events can be reprocessed", e.Status))
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	deleted, err := s.events.DeleteDeadLetter(ctx, dbTx, e.ID)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("delete dead letter: %w", err))
	}
	if !deleted {
		return nil, apperror.ErrInvalidState("event is not in the dead-letter queue")
	}
	e.Status = domain.WebhookStatusPending
	e.Attempts = 0
	e.Error = nil
	e.NextAttemptAt = nil
	if err := s.events.UpdateTx(ctx, dbTx, e); err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("reset event: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("commit tx: %w", err))
	}
	s.log.Info().Str("event_id", e.ID.String()).Msg("dead-lettered event requeued")

	if err := s.ProcessEvent(ctx, e.ID); err != nil {
		return nil, err
	}
	return s.GetEvent(ctx, e.ID)
}

// ListDeadLetters returns parked events, newest first.
func (s *WebhookServiceImpl) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	dls, err := s.events.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("list dead letters: %w", err))
	}
	if dls == nil {
		dls = []domain.DeadLetter{}
	}
	return dls, nil
}

func (s *WebhookServiceImpl) GetEvent(ctx context.Context, eventID uuid.UUID) (*domain.WebhookEvent, error) {
	e, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("get webhook event: %w", err))
	}
	if e == nil {
		return nil, apperror.ErrNotFound("webhook event")
	}
	return e, nil
}

func (s *WebhookServiceImpl) release(ctx context.Context, key, token string) {
	if err := s.lock.Release(context.WithoutCancel(ctx), key, token); err != nil {
		s.log.Warn().Err(err).Str("lock", key).Msg("failed to release lock")
	}
}
