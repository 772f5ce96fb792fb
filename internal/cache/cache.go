package cache

import (
	"context"
	"sync"
	"time"

	"qrcheckout/backend/internal/domain"
)

// PaymentStatusCache holds status views for orders that are already paid.
// Settlement is monotonic, so a cached paid view can never go stale; unpaid
// views are never stored and always read through to the settlement store.
type PaymentStatusCache interface {
	Get(ctx context.Context, orderCode string) (*domain.PaymentStatusResponse, bool, error)
	Set(ctx context.Context, orderCode string, value *domain.PaymentStatusResponse, ttl time.Duration) error
}

// SubmissionLocker guards a checkout attempt (keyed by idempotency key)
// while its order is being created.
type SubmissionLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type NoopPaymentStatusCache struct{}

func (NoopPaymentStatusCache) Get(_ context.Context, _ string) (*domain.PaymentStatusResponse, bool, error) {
	return nil, false, nil
}

func (NoopPaymentStatusCache) Set(_ context.Context, _ string, _ *domain.PaymentStatusResponse, _ time.Duration) error {
	return nil
}

// LocalLocker is the in-process SubmissionLocker used when Redis is absent.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), nowFn: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	return true, nil
}

func (l *LocalLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
	return nil
}
