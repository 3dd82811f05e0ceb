// Package session manages a pool of authenticated exchange sessions keyed by
// account, with LRU eviction, idle cleanup, and invalidation on credential
// change or authentication failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signalcore/pkg/exchanges/common"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrSessionUnhealthy = errors.New("session is unhealthy")
	ErrPoolFull         = errors.New("session pool is full")
)

// CredentialSource loads credentials for an account. Backed by the account
// store; the pool holds credentials only long enough to build a session.
type CredentialSource interface {
	GetCredential(ctx context.Context, accountID int64) (common.Credentials, error)
}

// Factory builds an adapter from credentials.
type Factory func(creds common.Credentials) (common.Adapter, error)

type cachedSession struct {
	session   *Session
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Config holds pool tuning.
type Config struct {
	MaxSize          int
	IdleTimeout      time.Duration
	FailureThreshold int
	CircuitTimeout   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          200,
		IdleTimeout:      time.Hour,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Pool caches sessions with LRU eviction. Exactly one session exists per
// account at any time; creation is mutually exclusive.
type Pool struct {
	mu       sync.RWMutex
	sessions map[int64]*cachedSession
	lruOrder []int64

	config  Config
	creds   CredentialSource
	factory Factory
	logger  *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a session pool.
func NewPool(creds CredentialSource, factory Factory, cfg Config, logger *zap.Logger) *Pool {
	return &Pool{
		sessions: make(map[int64]*cachedSession),
		lruOrder: make([]int64, 0),
		config:   cfg,
		creds:    creds,
		factory:  factory,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the idle-cleanup goroutine.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.cleanupIdle()
			}
		}
	}()
}

// Stop shuts down the pool and closes every session.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cached := range p.sessions {
		_ = cached.session.Close()
		delete(p.sessions, id)
	}
	p.lruOrder = nil
}

// GetOrCreate returns the account's session, building one on first use.
func (p *Pool) GetOrCreate(ctx context.Context, accountID int64) (*Session, error) {
	p.mu.RLock()
	if cached, ok := p.sessions[accountID]; ok {
		if cached.failures >= p.config.FailureThreshold &&
			time.Since(cached.healthyAt) < p.config.CircuitTimeout {
			p.mu.RUnlock()
			return nil, ErrSessionUnhealthy
		}
		p.mu.RUnlock()
		p.touch(accountID)
		return cached.session, nil
	}
	p.mu.RUnlock()

	return p.create(ctx, accountID)
}

func (p *Pool) create(ctx context.Context, accountID int64) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring the write lock.
	if cached, ok := p.sessions[accountID]; ok {
		p.touchLocked(accountID)
		return cached.session, nil
	}

	if len(p.sessions) >= p.config.MaxSize {
		if !p.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	creds, err := p.creds.GetCredential(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load credentials for account %d: %w", accountID, err)
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, &common.ConfigError{
			Field:  fmt.Sprintf("account %d", accountID),
			Reason: "missing api key or secret",
		}
	}

	adapter, err := p.factory(creds)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", creds.Exchange, err)
	}

	sess := &Session{Adapter: adapter, AccountID: accountID, Exchange: creds.Exchange}
	now := time.Now()
	p.sessions[accountID] = &cachedSession{
		session:   sess,
		createdAt: now,
		lastUsed:  now,
		healthyAt: now,
	}
	p.lruOrder = append(p.lruOrder, accountID)
	p.logger.Info("session created",
		zap.Int64("account_id", accountID),
		zap.String("exchange", string(creds.Exchange)))
	return sess, nil
}

// Invalidate drops the account's session. The next use rebuilds with fresh
// credentials. Call on credential change.
func (p *Pool) Invalidate(accountID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.sessions[accountID]; ok {
		_ = cached.session.Close()
		delete(p.sessions, accountID)
		p.removeLRULocked(accountID)
		p.logger.Info("session invalidated", zap.Int64("account_id", accountID))
	}
}

// ReportError records an adapter failure. Auth failures invalidate the
// session immediately; others count toward the failure circuit.
func (p *Pool) ReportError(accountID int64, err error) {
	if common.IsAuthError(err) {
		p.logger.Warn("session credentials rejected",
			zap.Int64("account_id", accountID), zap.Error(err))
		p.Invalidate(accountID)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.sessions[accountID]; ok {
		cached.failures++
	}
}

// ReportSuccess resets the failure circuit.
func (p *Pool) ReportSuccess(accountID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.sessions[accountID]; ok {
		cached.failures = 0
		cached.healthyAt = time.Now()
	}
}

// Stats reports pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := PoolStats{
		Total:      len(p.sessions),
		MaxSize:    p.config.MaxSize,
		ByExchange: make(map[string]int),
	}
	for _, cached := range p.sessions {
		stats.ByExchange[string(cached.session.Exchange)]++
		if cached.failures >= p.config.FailureThreshold {
			stats.Unhealthy++
		}
	}
	return stats
}

// PoolStats contains session pool statistics.
type PoolStats struct {
	Total      int
	MaxSize    int
	ByExchange map[string]int
	Unhealthy  int
}

func (p *Pool) touch(accountID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touchLocked(accountID)
}

func (p *Pool) touchLocked(accountID int64) {
	if cached, ok := p.sessions[accountID]; ok {
		cached.lastUsed = time.Now()
	}
	for i, id := range p.lruOrder {
		if id == accountID {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			p.lruOrder = append(p.lruOrder, accountID)
			break
		}
	}
}

func (p *Pool) removeLRULocked(accountID int64) {
	for i, id := range p.lruOrder {
		if id == accountID {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			break
		}
	}
}

func (p *Pool) evictOldestLocked() bool {
	if len(p.lruOrder) == 0 {
		return false
	}
	oldest := p.lruOrder[0]
	if cached, ok := p.sessions[oldest]; ok {
		_ = cached.session.Close()
		delete(p.sessions, oldest)
	}
	p.lruOrder = p.lruOrder[1:]
	return true
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for id, cached := range p.sessions {
		if now.Sub(cached.lastUsed) > p.config.IdleTimeout {
			_ = cached.session.Close()
			delete(p.sessions, id)
			p.removeLRULocked(id)
		}
	}
}
