package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ ports.EventPublisher = (*Publisher)(nil)
	_ ports.EventPublisher = NoopPublisher{}
)

type captureWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func newTestPublisher(w *captureWriter) *Publisher {
	p := newPublisher(w, zerolog.Nop())
	p.now = func() time.Time { return time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC) }
	return p
}

func TestPublisher_PublishTransaction(t *testing.T) {
	w := &captureWriter{}
	p := newTestPublisher(w)
	ref := "tx_1"
	txn := &domain.Transaction{
		ID:                uuid.New(),
		Type:              domain.TransactionTypeDeposit,
		Amount:            decimal.RequireFromString("500"),
		Fee:               decimal.RequireFromString("2"),
		Currency:          "USD",
		ExternalReference: &ref,
	}

	require.NoError(t, p.PublishTransaction(context.Background(), txn))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, txn.ID.String(), string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, EventTransactionRecorded, string(msg.Headers[0].Value))

	var body struct {
		EventType   string `json:"event_type"`
		Transaction struct {
			ID     string `json:"id"`
			Amount string `json:"amount"`
		} `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, EventTransactionRecorded, body.EventType)
	assert.Equal(t, txn.ID.String(), body.Transaction.ID)
	assert.Equal(t, "500", body.Transaction.Amount)
}

func TestPublisher_PublishDeadLetter(t *testing.T) {
	w := &captureWriter{}
	p := newTestPublisher(w)
	dl := &domain.DeadLetter{EventID: uuid.New(), ExternalEventID: "evt_1", Attempts: 5, Reason: "boom"}

	require.NoError(t, p.PublishDeadLetter(context.Background(), dl, []byte(`{"id":"evt_1"}`)))
	require.Len(t, w.msgs, 1)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &body))
	assert.Equal(t, EventWebhookDeadLettered, body["event_type"])
	assert.Equal(t, "eyJpZCI6ImV2dF8xIn0=", body["payload"])
}

func TestPublisher_WriteError(t *testing.T) {
	w := &captureWriter{err: errors.New("no brokers")}
	p := newTestPublisher(w)

	err := p.PublishTransaction(context.Background(), &domain.Transaction{ID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no brokers")
}

func TestPublisher_Close(t *testing.T) {
	w := &captureWriter{}
	require.NoError(t, newTestPublisher(w).Close())
	assert.True(t, w.closed)
}
