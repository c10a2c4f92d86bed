package storage

import (
	"context"
	"errors"

	"github.com/MrWong99/entitymesh/internal/resilience"
	"github.com/MrWong99/entitymesh/pkg/entityid"
)

var _ Store = (*BreakerStore)(nil)

// BreakerStore guards a backend with a circuit breaker. While the breaker
// is open every call fails fast with [resilience.ErrCircuitOpen]. Missing
// records do not count as failures.
type BreakerStore struct {
	next    Store
	breaker *resilience.Breaker
}

// NewBreakerStore wraps next. cfg.IsFailure is replaced so that
// [ErrNotFound] never trips the breaker.
func NewBreakerStore(next Store, cfg resilience.Config) *BreakerStore {
	inner := cfg.IsFailure
	cfg.IsFailure = func(err error) bool {
		if errors.Is(err, ErrNotFound) {
			return false
		}
		return inner == nil || inner(err)
	}
	return &BreakerStore{next: next, breaker: resilience.New(cfg)}
}

// Breaker returns the breaker guarding the backend.
func (s *BreakerStore) Breaker() *resilience.Breaker { return s.breaker }

// Get implements [Store].
func (s *BreakerStore) Get(ctx context.Context, id entityid.ID) (Record, error) {
	var rec Record
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.next.Get(ctx, id)
		return err
	})
	return rec, err
}

// Put implements [Store].
func (s *BreakerStore) Put(ctx context.Context, rec Record) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.next.Put(ctx, rec)
	})
}

// Delete implements [Store].
func (s *BreakerStore) Delete(ctx context.Context, id entityid.ID) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.next.Delete(ctx, id)
	})
}

// Ping implements [Store]. It bypasses the breaker so health checks see
// the backend itself.
func (s *BreakerStore) Ping(ctx context.Context) error { return s.next.Ping(ctx) }

// Close implements [Store].
func (s *BreakerStore) Close() error { return s.next.Close() }
