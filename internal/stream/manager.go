// Package stream maintains one persistent private websocket per account,
// with heartbeat supervision, bounded-backoff reconnects, and subscription
// replay. It owns the live order/position views derived from streams.
package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"signalcore/internal/events"
	"signalcore/pkg/exchanges/common"
)

// defaultChannels is what every account connection multiplexes.
var defaultChannels = []common.ChannelKind{common.ChannelOrders, common.ChannelPositions}

// Manager owns all stream connections, one per account.
type Manager struct {
	policy Policy
	bus    *events.Bus
	logger *zap.Logger

	mu    sync.Mutex
	conns map[int64]*Conn
}

// NewManager creates the streaming connection manager.
func NewManager(policy Policy, bus *events.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		policy: policy,
		bus:    bus,
		logger: logger,
		conns:  make(map[int64]*Conn),
	}
}

// Ensure starts (or returns) the connection for an account. Idempotent.
func (m *Manager) Ensure(ctx context.Context, accountID int64, dialect common.StreamDialect) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[accountID]; ok && c.State() != StateClosed {
		return c
	}
	c := newConn(accountID, dialect, defaultChannels, m.policy, m.bus, m.logger)
	connCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	m.conns[accountID] = c
	go c.run(connCtx)
	return c
}

// Get returns the account's connection, if one exists.
func (m *Manager) Get(accountID int64) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[accountID]
	return c, ok
}

// Drop stops an account's connection, for eviction alongside its session.
func (m *Manager) Drop(accountID int64) {
	m.mu.Lock()
	c, ok := m.conns[accountID]
	if ok {
		delete(m.conns, accountID)
	}
	m.mu.Unlock()
	if ok {
		c.cancel()
		<-c.done
	}
}

// Stop closes every connection and waits for their loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for id, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, id)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.cancel()
		<-c.done
	}
}
