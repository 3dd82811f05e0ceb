// Package ratelimit bounds outbound REST call rate per exchange-account pair
// and inbound signal-triggered bursts globally. Exceeding a bucket fails
// fast; the state machine surfaces it as that account's failure instead of
// stalling the fan-out.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"signalcore/pkg/exchanges/common"
)

// Limits configures the two bucket tiers.
type Limits struct {
	AccountPerSecond float64
	AccountBurst     int
	SignalPerSecond  float64
	SignalBurst      int
}

// Limiter holds one token bucket per (exchange, account) plus a global
// bucket for signal bursts.
type Limiter struct {
	limits Limits

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	global  *rate.Limiter
}

// New builds a limiter from the configured rates.
func New(limits Limits) *Limiter {
	return &Limiter{
		limits:  limits,
		buckets: make(map[string]*rate.Limiter),
		global:  rate.NewLimiter(rate.Limit(limits.SignalPerSecond), limits.SignalBurst),
	}
}

func (l *Limiter) bucket(exchange common.ExchangeKind, accountID string) *rate.Limiter {
	key := fmt.Sprintf("%s/%s", exchange, accountID)
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.limits.AccountPerSecond), l.limits.AccountBurst)
		l.buckets[key] = b
	}
	return b
}

// Acquire takes one token from the account bucket, failing fast with the
// time until a token frees up.
func (l *Limiter) Acquire(exchange common.ExchangeKind, accountID string) error {
	b := l.bucket(exchange, accountID)
	res := b.Reserve()
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return &common.RateLimitError{
			Scope:      fmt.Sprintf("%s/%s", exchange, accountID),
			RetryAfter: d,
		}
	}
	return nil
}

// Wait blocks until the account bucket frees a token or ctx ends. Used
// after an order is on the book, where stalling beats failing the watch.
func (l *Limiter) Wait(ctx context.Context, exchange common.ExchangeKind, accountID string) error {
	return l.bucket(exchange, accountID).Wait(ctx)
}

// AcquireSignal takes one token from the global signal bucket.
func (l *Limiter) AcquireSignal() error {
	res := l.global.Reserve()
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return &common.RateLimitError{Scope: "global", RetryAfter: d}
	}
	return nil
}
