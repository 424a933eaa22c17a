package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"trading-ledger/internal/core/domain"
	"trading-ledger/internal/core/ports"
	"trading-ledger/pkg/apperror"
)

// EventHandler reacts to one decoded gateway event. Handlers must be
// idempotent: a retried event runs every handler again.
type EventHandler func(ctx context.Context, ev domain.GatewayEvent) error

// HandlerRegistry maps event types to their handlers in registration order.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[domain.EventType][]EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[domain.EventType][]EventHandler)}
}

func (r *HandlerRegistry) Register(t domain.EventType, h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = append(r.handlers[t], h)
}

func (r *HandlerRegistry) Handlers(t domain.EventType) []EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EventHandler(nil), r.handlers[t]...)
}

// RegisterLedgerHandlers books deposits, withdrawals and settled trades.
// Postings are keyed by the gateway transaction or trade id, so a replay
// returns the existing transaction. Trades book in baseCurrency, and a
// settlement in any other currency is rejected.
func RegisterLedgerHandlers(r *HandlerRegistry, ledger ports.LedgerService, baseCurrency string) {
	r.Register(domain.EventDepositCompleted, func(ctx context.Context, ev domain.GatewayEvent) error {
		d, ok := ev.(domain.DepositCompleted)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev)
		}
		_, err := ledger.RecordDeposit(ctx, movementRequest(d.MovementData))
		return err
	})
	r.Register(domain.EventWithdrawalCompleted, func(ctx context.Context, ev domain.GatewayEvent) error {
		w, ok := ev.(domain.WithdrawalCompleted)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev)
		}
		_, err := ledger.RecordWithdrawal(ctx, movementRequest(w.MovementData))
		return err
	})
	r.Register(domain.EventTradeSettled, func(ctx context.Context, ev domain.GatewayEvent) error {
		t, ok := ev.(domain.TradeSettled)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev)
		}
		if t.Currency != "" && !strings.EqualFold(t.Currency, baseCurrency) {
			return apperror.ErrUnsupportedCurrency(t.Currency)
		}
		_, err := ledger.RecordTradeResult(ctx, t.PnL, t.TradeID)
		return err
	})
}

func movementRequest(d domain.MovementData) ports.MovementRequest {
	return ports.MovementRequest{
		Amount:            d.Amount,
		Fee:               d.Fee,
		Currency:          d.Currency,
		ExternalReference: d.TransactionID,
		Description:       d.Description,
	}
}
