package redis

import (
	"context"
	"errors"
	"time"

	"github.com/alem-hub/warning-engine/pkg/circuitbreaker"
)

// GuardedStore puts a circuit breaker in front of the cache operations of a
// Store. While the circuit is open every call fails fast with
// circuitbreaker.ErrCircuitOpen, which the cache manager treats as a miss.
type GuardedStore struct {
	store   *Store
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedStore wraps store with breaker.
func NewGuardedStore(store *Store, breaker *circuitbreaker.CircuitBreaker) *GuardedStore {
	return &GuardedStore{store: store, breaker: breaker}
}

// Breaker exposes the breaker for health reporting.
func (g *GuardedStore) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}

func (g *GuardedStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	var found bool
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		found, err = g.store.Get(ctx, key, dest)
		return err
	})
	return found, err
}

func (g *GuardedStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.Set(ctx, key, value, ttl)
	})
}

func (g *GuardedStore) Delete(ctx context.Context, keys ...string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.Delete(ctx, keys...)
	})
}

func (g *GuardedStore) DeleteByPattern(ctx context.Context, pattern string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.DeleteByPattern(ctx, pattern)
	})
}

// IsConnectionFailure reports whether err says something about Redis health.
// Argument and encoding errors do not, and neither does a cancelled caller.
func IsConnectionFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrCacheKeyEmpty),
		errors.Is(err, ErrCacheInvalidTTL),
		errors.Is(err, ErrCacheSerialization),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
