// Package lock provides the cluster-wide claim lock. A lock is taken once
// per (region, opportunity) and is never released; it lapses after its TTL.
package lock

import (
	"context"
	"time"
)

// Locker takes a named lock for this process.
type Locker interface {
	// Acquire reports whether this call took the lock. Losing the race is
	// not an error.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Backend names the implementation for logs.
	Backend() string
}

// Acquirer is the store capability the store-backed locker needs.
type Acquirer interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
}

// StoreLocker keeps locks in the record store.
type StoreLocker struct {
	store Acquirer
	owner string
}

// NewStoreLocker creates a locker backed by the record store.
func NewStoreLocker(store Acquirer, owner string) *StoreLocker {
	return &StoreLocker{store: store, owner: owner}
}

// Acquire implements Locker.
func (l *StoreLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.store.AcquireLock(ctx, key, l.owner, ttl)
}

// Backend implements Locker.
func (l *StoreLocker) Backend() string { return "store" }
