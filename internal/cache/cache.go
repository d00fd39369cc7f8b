// Package cache implements the market-data caches that sit between consumers
// and remote providers: a daily-bar range cache that fetches only missing
// sub-ranges and merges them into one series per symbol, and an intraday
// per-day tick cache that knows when a trading day's data is final.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"quantcache/internal/domain"
)

var (
	// ErrNotFound is returned when nothing is cached for a key and no fetch
	// is possible.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest marks requests rejected before touching the cache,
	// such as end < start or a malformed symbol.
	ErrInvalidRequest = errors.New("invalid request")
)

// BarFetcher fetches daily bars for symbol in [start, end]. Implementations
// never fail: they log provider errors and return an empty result.
type BarFetcher func(ctx context.Context, symbol string, start, end time.Time) []domain.Bar

// TickFetcher fetches the ticks of whatever day the provider currently
// considers live. Like BarFetcher it returns empty on failure.
type TickFetcher func(ctx context.Context, symbol string) []domain.Tick

// keyedMutex serialises operations on the same key while leaving other keys
// independent. Entries are reference counted and dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
