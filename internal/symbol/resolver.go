// Package symbol resolves raw tickers into exchange-qualified symbols and
// their trading specifications, with a TTL cache in front of the exchange
// metadata endpoints.
package symbol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"signalcore/pkg/exchanges/common"
)

// MetadataSource is the slice of the adapter the resolver needs.
type MetadataSource interface {
	GetInstrument(ctx context.Context, raw string) (common.SymbolSpec, error)
}

// Resolver caches symbol specs keyed by (raw ticker, exchange). Concurrent
// misses for the same key are coalesced into a single outbound call so a
// fan-out across many accounts issues one metadata request, not N.
type Resolver struct {
	ttl time.Duration

	mu    sync.RWMutex
	cache map[string]common.SymbolSpec

	group singleflight.Group
}

// NewResolver builds a resolver with the given cache TTL.
func NewResolver(ttl time.Duration) *Resolver {
	return &Resolver{
		ttl:   ttl,
		cache: make(map[string]common.SymbolSpec),
	}
}

// Resolve returns the spec for raw on the source's exchange, hitting the
// cache when fresh.
func (r *Resolver) Resolve(ctx context.Context, raw string, exchange common.ExchangeKind, src MetadataSource) (common.SymbolSpec, error) {
	key := fmt.Sprintf("%s|%s", exchange, raw)

	r.mu.RLock()
	spec, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Since(spec.ResolvedAt) < r.ttl {
		return spec, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		// Another caller may have refreshed while we queued.
		r.mu.RLock()
		cached, ok := r.cache[key]
		r.mu.RUnlock()
		if ok && time.Since(cached.ResolvedAt) < r.ttl {
			return cached, nil
		}

		fresh, err := src.GetInstrument(ctx, raw)
		if err != nil {
			return common.SymbolSpec{}, err
		}
		r.mu.Lock()
		r.cache[key] = fresh
		r.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return common.SymbolSpec{}, err
	}
	return v.(common.SymbolSpec), nil
}

// Invalidate drops a cached entry, forcing the next resolve to refetch.
func (r *Resolver) Invalidate(raw string, exchange common.ExchangeKind) {
	key := fmt.Sprintf("%s|%s", exchange, raw)
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
}

// Len reports the number of cached entries, fresh or stale.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
