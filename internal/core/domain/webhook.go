package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WebhookStatus represents the processing state of a received event.
type WebhookStatus string

const (
	WebhookStatusPending    WebhookStatus = "pending"
	WebhookStatusProcessing WebhookStatus = "processing"
	WebhookStatusCompleted  WebhookStatus = "completed"
	WebhookStatusRetrying   WebhookStatus = "retrying"
	WebhookStatusFailed     WebhookStatus = "failed"
)

// WebhookEvent is a gateway notification persisted for processing.
type WebhookEvent struct {
	ID              uuid.UUID     `json:"id"`
	ExternalEventID string        `json:"external_event_id"`
	EventType       EventType     `json:"event_type"`
	RawPayload      []byte        `json:"-"`
	Status          WebhookStatus `json:"status"`
	Attempts        int           `json:"attempts"`
	LastAttemptAt   *time.Time    `json:"last_attempt_at,omitempty"`
	NextAttemptAt   *time.Time    `json:"next_attempt_at,omitempty"`
	Error           *string       `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	ProcessedAt     *time.Time    `json:"processed_at,omitempty"`
}

// IsTerminal returns true for completed and failed events.
func (e *WebhookEvent) IsTerminal() bool {
	return e.Status == WebhookStatusCompleted || e.Status == WebhookStatusFailed
}

// DeadLetter is an event parked after exhausting its retries.
type DeadLetter struct {
	EventID         uuid.UUID `json:"event_id"`
	ExternalEventID string    `json:"external_event_id"`
	EventType       EventType `json:"event_type"`
	Attempts        int       `json:"attempts"`
	Reason          string    `json:"reason"`
	MovedAt         time.Time `json:"moved_at"`
}

// EventType is the gateway's event name.
type EventType string

const (
	EventDepositCompleted    EventType = "deposit.completed"
	EventWithdrawalCompleted EventType = "withdrawal.completed"
	EventTradeSettled        EventType = "trade.settled"
)

// ErrUnsupportedEvent is returned by DecodeEvent for event types without a variant.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// EventEnvelope is the outer JSON shape of every gateway notification.
type EventEnvelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	CreatedAt int64           `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// ParseEnvelope decodes the envelope and checks the fields every event needs.
func ParseEnvelope(raw []byte) (*EventEnvelope, error) {
	var env EventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}
	if env.ID == "" {
		return nil, errors.New("event id is required")
	}
	if env.Type == "" {
		return nil, errors.New("event type is required")
	}
	return &env, nil
}

// GatewayEvent is a typed, validated event payload.
type GatewayEvent interface {
	EventType() EventType
	Validate() error
}

// MovementData is the payload shared by deposit and withdrawal events.
type MovementData struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description,omitempty"`
}

func (d MovementData) Validate() error {
	if d.TransactionID == "" {
		return errors.New("transaction_id is required")
	}
	if !d.Amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	if d.Fee.IsNegative() {
		return errors.New("fee must not be negative")
	}
	if !FitsScale(d.Amount) || !FitsScale(d.Fee) {
		return errors.New("amounts allow at most 8 decimal places")
	}
	if len(d.Currency) != 3 {
		return errors.New("currency must be a 3-letter code")
	}
	return nil
}

// DepositCompleted reports funds settled into the gateway balance.
type DepositCompleted struct{ MovementData }

func (DepositCompleted) EventType() EventType { return EventDepositCompleted }

// WithdrawalCompleted reports funds paid out of the gateway balance.
type WithdrawalCompleted struct{ MovementData }

func (WithdrawalCompleted) EventType() EventType { return EventWithdrawalCompleted }

// TradeSettled reports the realized PnL of a closed trade. A negative
// PnL is a loss.
type TradeSettled struct {
	TradeID  string          `json:"trade_id"`
	PnL      decimal.Decimal `json:"pnl"`
	Currency string          `json:"currency"`
}

func (TradeSettled) EventType() EventType { return EventTradeSettled }

func (t TradeSettled) Validate() error {
	if t.TradeID == "" {
		return errors.New("trade_id is required")
	}
	if t.PnL.IsZero() {
		return errors.New("pnl must not be zero")
	}
	if !FitsScale(t.PnL) {
		return errors.New("pnl allows at most 8 decimal places")
	}
	if t.Currency != "" && len(t.Currency) != 3 {
		return errors.New("currency must be a 3-letter code")
	}
	return nil
}

// IsSupportedEvent reports whether DecodeEvent knows t.
func IsSupportedEvent(t EventType) bool {
	switch t {
	case EventDepositCompleted, EventWithdrawalCompleted, EventTradeSettled:
		return true
	}
	return false
}

// DecodeEvent turns an envelope into its typed variant and validates it.
func DecodeEvent(env *EventEnvelope) (GatewayEvent, error) {
	var ev GatewayEvent
	switch env.Type {
	case EventDepositCompleted:
		var d DepositCompleted
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev = d
	case EventWithdrawalCompleted:
		var w WithdrawalCompleted
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev = w
	case EventTradeSettled:
		var ts TradeSettled
		if err := json.Unmarshal(env.Data, &ts); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev = ts
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, env.Type)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
	}
	return ev, nil
}

// IngestStatus is the outcome reported to the webhook sender.
type IngestStatus string

const (
	IngestCompleted    IngestStatus = "completed"
	IngestAccepted     IngestStatus = "accepted"
	IngestRetrying     IngestStatus = "retrying"
	IngestDuplicate    IngestStatus = "duplicate"
	IngestIgnored      IngestStatus = "ignored"
	IngestDeadLettered IngestStatus = "dead_lettered"
)

// IngestResult is returned by ReceiveEvent.
type IngestResult struct {
	Status          IngestStatus `json:"status"`
	EventID         *uuid.UUID   `json:"event_id,omitempty"`
	ExternalEventID string       `json:"external_event_id,omitempty"`
}
