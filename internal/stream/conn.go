package stream

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signalcore/internal/events"
	"signalcore/pkg/exchanges/common"
)

// ConnState is the lifecycle of one private-stream connection.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateLive       ConnState = "live"
	StateDegraded   ConnState = "degraded"
	StateClosed     ConnState = "closed"
)

// Policy tunes heartbeat and reconnect behavior.
type Policy struct {
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectJitter   float64 // fraction of the delay, e.g. 0.2
	KeepAliveInterval time.Duration
}

// Conn is one persistent connection for one account, multiplexing the
// order/position channels. It is the sole writer of the live order and
// position views; the monitor reads them, everyone else gets bus events.
type Conn struct {
	accountID int64
	dialect   common.StreamDialect
	channels  []common.ChannelKind
	policy    Policy
	bus       *events.Bus
	logger    *zap.Logger

	mu        sync.RWMutex
	state     ConnState
	orders    map[string]common.Order    // orderID -> latest
	positions map[string]common.Position // symbol -> latest

	cancel context.CancelFunc
	done   chan struct{}
}

func newConn(accountID int64, dialect common.StreamDialect, channels []common.ChannelKind, policy Policy, bus *events.Bus, logger *zap.Logger) *Conn {
	return &Conn{
		accountID: accountID,
		dialect:   dialect,
		channels:  channels,
		policy:    policy,
		bus:       bus,
		logger:    logger.With(zap.Int64("account_id", accountID)),
		state:     StateConnecting,
		orders:    make(map[string]common.Order),
		positions: make(map[string]common.Position),
		done:      make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LiveOrder returns the latest streamed view of an order, if any.
func (c *Conn) LiveOrder(orderID string) (common.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[orderID]
	return o, ok
}

// LivePosition returns the latest streamed position for a symbol, if any.
func (c *Conn) LivePosition(symbol string) (common.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[symbol]
	return p, ok
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Info("stream state change",
			zap.String("from", string(prev)), zap.String("to", string(s)))
		c.bus.Publish(events.EventStreamState, StreamStateChange{
			AccountID: c.accountID, From: prev, To: s,
		})
	}
}

// StreamStateChange is published on every connection state transition.
type StreamStateChange struct {
	AccountID int64
	From      ConnState
	To        ConnState
}

// run drives the reconnect loop until ctx is canceled. Subscriptions are
// replayed on every successful dial.
func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateClosed)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		c.setState(StateDegraded)
		attempt++

		delay := c.backoff(attempt)
		c.logger.Warn("stream disconnected, reconnecting",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Conn) backoff(attempt int) time.Duration {
	delay := c.policy.ReconnectBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.policy.ReconnectMax {
			delay = c.policy.ReconnectMax
			break
		}
	}
	if c.policy.ReconnectJitter > 0 {
		jitter := float64(delay) * c.policy.ReconnectJitter * (2*rand.Float64() - 1)
		delay += time.Duration(jitter)
	}
	if delay < 0 {
		delay = c.policy.ReconnectBase
	}
	return delay
}

// runOnce dials, authenticates, subscribes, and pumps messages until the
// connection drops or heartbeats go missing.
func (c *Conn) runOnce(ctx context.Context) error {
	u, err := c.dialect.URL(ctx)
	if err != nil {
		return err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return &common.ConnectionError{URL: u, Err: err}
	}
	defer ws.Close()

	auth, err := c.dialect.AuthFrames()
	if err != nil {
		return err
	}
	for _, frame := range auth {
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return &common.ConnectionError{URL: u, Err: err}
		}
	}
	for _, frame := range c.dialect.SubscribeFrames(c.channels) {
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return &common.ConnectionError{URL: u, Err: err}
		}
	}
	c.setState(StateLive)

	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())
	touch := func() { lastSeen.Store(time.Now().UnixNano()) }
	since := func() time.Duration {
		return time.Since(time.Unix(0, lastSeen.Load()))
	}
	ws.SetPongHandler(func(string) error { touch(); return nil })

	readErr := make(chan error, 1)
	go func() {
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			touch()
			if c.dialect.IsPong(msg) {
				continue
			}
			c.apply(c.dialect.Parse(msg))
		}
	}()

	heartbeat := time.NewTicker(c.policy.HeartbeatInterval)
	defer heartbeat.Stop()
	keepAliveEvery := c.policy.KeepAliveInterval
	if keepAliveEvery <= 0 {
		keepAliveEvery = 30 * time.Minute
	}
	keepAlive := time.NewTicker(keepAliveEvery)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case err := <-readErr:
			return &common.ConnectionError{URL: u, Err: err}
		case <-heartbeat.C:
			limit := time.Duration(c.policy.HeartbeatMisses) * c.policy.HeartbeatInterval
			if since() > limit {
				return &common.TimeoutError{Op: "stream heartbeat", After: limit}
			}
			if ping := c.dialect.PingFrame(); ping != nil {
				if err := ws.WriteMessage(websocket.TextMessage, ping); err != nil {
					return &common.ConnectionError{URL: u, Err: err}
				}
			} else if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return &common.ConnectionError{URL: u, Err: err}
			}
		case <-keepAlive.C:
			if err := c.dialect.KeepAlive(ctx); err != nil {
				c.logger.Warn("stream keepalive failed", zap.Error(err))
			}
		}
	}
}

// apply folds parsed events into the live views and republishes on the bus.
func (c *Conn) apply(evts []common.StreamEvent) {
	for _, ev := range evts {
		switch ev.Kind {
		case common.StreamOrderUpdate:
			if ev.Order == nil {
				continue
			}
			c.mu.Lock()
			c.orders[ev.Order.OrderID] = *ev.Order
			c.mu.Unlock()
			c.bus.Publish(events.EventOrderUpdate, *ev.Order)
		case common.StreamPositionUpdate:
			if ev.Position == nil {
				continue
			}
			c.mu.Lock()
			c.positions[ev.Position.Symbol] = *ev.Position
			c.mu.Unlock()
			c.bus.Publish(events.EventPositionUpdate, *ev.Position)
		case common.StreamFill:
			if ev.Fill == nil {
				continue
			}
			c.bus.Publish(events.EventFill, *ev.Fill)
		}
	}
}
