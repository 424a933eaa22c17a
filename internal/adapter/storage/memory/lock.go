package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventLock implements ports.EventLock in process. Used when Redis is disabled.
type EventLock struct {
	mu    sync.Mutex
	held  map[string]heldLock
	clock func() time.Time
}

type heldLock struct {
	token     string
	expiresAt time.Time
}

func NewEventLock() *EventLock {
	return &EventLock{held: make(map[string]heldLock), clock: time.Now}
}

func (l *EventLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[key]; ok && now.Before(h.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = heldLock{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *EventLock) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.held[key]; ok && h.token == token {
		delete(l.held, key)
	}
	return nil
}
