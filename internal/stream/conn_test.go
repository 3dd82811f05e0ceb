package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signalcore/internal/events"
	"signalcore/pkg/exchanges/common"
)

// testDialect speaks a minimal JSON protocol against the test server.
type testDialect struct {
	url string
}

func (d *testDialect) URL(context.Context) (string, error) { return d.url, nil }

func (d *testDialect) AuthFrames() ([][]byte, error) {
	return [][]byte{[]byte(`{"op":"auth"}`)}, nil
}

func (d *testDialect) SubscribeFrames(channels []common.ChannelKind) [][]byte {
	frames := make([][]byte, 0, len(channels))
	for _, ch := range channels {
		frames = append(frames, []byte(`{"op":"subscribe","channel":"`+string(ch)+`"}`))
	}
	return frames
}

func (d *testDialect) PingFrame() []byte  { return []byte(`{"op":"ping"}`) }
func (d *testDialect) IsPong(msg []byte) bool { return string(msg) == `{"op":"pong"}` }
func (d *testDialect) KeepAlive(context.Context) error { return nil }

type testFrame struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Status  string `json:"status,omitempty"`
	Size    string `json:"size,omitempty"`
}

func (d *testDialect) Parse(msg []byte) []common.StreamEvent {
	var f testFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return nil
	}
	switch f.Type {
	case "order":
		return []common.StreamEvent{{
			Kind: common.StreamOrderUpdate,
			Order: &common.Order{
				OrderID: f.OrderID,
				Symbol:  f.Symbol,
				Status:  common.OrderStatus(f.Status),
			},
		}}
	case "position":
		size, _ := decimal.NewFromString(f.Size)
		return []common.StreamEvent{{
			Kind: common.StreamPositionUpdate,
			Position: &common.Position{
				Symbol: f.Symbol,
				Side:   common.SideBuy,
				Size:   size,
			},
		}}
	}
	return nil
}

// wsServer accepts connections and records every inbound text frame.
type wsServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []string
	conns    []*websocket.Conn
	accepts  atomic.Int64

	silent bool // stop answering pings to starve the heartbeat
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.accepts.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			text := string(msg)
			s.mu.Lock()
			s.received = append(s.received, text)
			silent := s.silent
			s.mu.Unlock()
			if !silent && strings.Contains(text, "ping") {
				_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"op":"pong"}`))
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) send(t *testing.T, frame string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.conns)
	ws := s.conns[len(s.conns)-1]
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (s *wsServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.conns {
		_ = ws.Close()
	}
	s.conns = nil
}

func (s *wsServer) frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func wsURL(s *wsServer) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func fastPolicy() Policy {
	return Policy{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatMisses:   3,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnAuthThenSubscribe(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(fastPolicy(), events.NewBus(), zap.NewNop())
	defer m.Stop()

	conn := m.Ensure(context.Background(), 1, &testDialect{url: wsURL(srv)})
	waitFor(t, func() bool { return conn.State() == StateLive }, "connection never went live")

	waitFor(t, func() bool { return len(srv.frames()) >= 3 }, "handshake frames missing")
	frames := srv.frames()
	assert.Contains(t, frames[0], "auth", "auth frame must precede subscriptions")
	assert.Contains(t, frames[1], "orders")
	assert.Contains(t, frames[2], "positions")
}

func TestConnAppliesStreamUpdates(t *testing.T) {
	srv := newWSServer(t)
	bus := events.NewBus()
	orderSub := bus.Subscribe(events.EventOrderUpdate, 16)
	defer orderSub.Close()

	m := NewManager(fastPolicy(), bus, zap.NewNop())
	defer m.Stop()

	conn := m.Ensure(context.Background(), 1, &testDialect{url: wsURL(srv)})
	waitFor(t, func() bool { return conn.State() == StateLive }, "connection never went live")

	srv.send(t, `{"type":"order","order_id":"o1","symbol":"BTCUSDT","status":"PARTIALLY_FILLED"}`)
	srv.send(t, `{"type":"position","symbol":"BTCUSDT","size":"0.01"}`)

	waitFor(t, func() bool {
		_, ok := conn.LiveOrder("o1")
		return ok
	}, "order update never applied")

	o, _ := conn.LiveOrder("o1")
	assert.Equal(t, common.StatusPartial, o.Status)

	waitFor(t, func() bool {
		p, ok := conn.LivePosition("BTCUSDT")
		return ok && p.Size.Equal(decimal.RequireFromString("0.01"))
	}, "position update never applied")

	select {
	case ev := <-orderSub.C:
		order, ok := ev.(common.Order)
		require.True(t, ok)
		assert.Equal(t, "o1", order.OrderID)
	case <-time.After(time.Second):
		t.Fatal("no order event republished on the bus")
	}
}

func TestConnReconnectsAndResubscribes(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(fastPolicy(), events.NewBus(), zap.NewNop())
	defer m.Stop()

	conn := m.Ensure(context.Background(), 1, &testDialect{url: wsURL(srv)})
	waitFor(t, func() bool { return conn.State() == StateLive }, "connection never went live")

	srv.dropAll()
	waitFor(t, func() bool { return srv.accepts.Load() >= 2 }, "no reconnect attempt")
	waitFor(t, func() bool { return conn.State() == StateLive }, "connection never recovered")

	// The full handshake replays on the new connection.
	waitFor(t, func() bool {
		auths := 0
		for _, f := range srv.frames() {
			if strings.Contains(f, "auth") {
				auths++
			}
		}
		return auths >= 2
	}, "subscriptions not replayed after reconnect")
}

func TestConnHeartbeatStarvationReconnects(t *testing.T) {
	srv := newWSServer(t)
	srv.mu.Lock()
	srv.silent = true
	srv.mu.Unlock()

	bus := events.NewBus()
	stateSub := bus.Subscribe(events.EventStreamState, 16)
	defer stateSub.Close()

	m := NewManager(fastPolicy(), bus, zap.NewNop())
	defer m.Stop()

	conn := m.Ensure(context.Background(), 1, &testDialect{url: wsURL(srv)})
	waitFor(t, func() bool { return conn.State() == StateLive }, "connection never went live")

	// With pongs withheld the heartbeat limit trips and the loop degrades
	// before dialing again.
	sawDegraded := false
	deadline := time.After(3 * time.Second)
	for !sawDegraded {
		select {
		case ev := <-stateSub.C:
			if change, ok := ev.(StreamStateChange); ok && change.To == StateDegraded {
				sawDegraded = true
			}
		case <-deadline:
			t.Fatal("heartbeat starvation never degraded the connection")
		}
	}
	waitFor(t, func() bool { return srv.accepts.Load() >= 2 }, "no reconnect after heartbeat loss")
}

func TestManagerEnsureIdempotent(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(fastPolicy(), events.NewBus(), zap.NewNop())
	defer m.Stop()

	d := &testDialect{url: wsURL(srv)}
	c1 := m.Ensure(context.Background(), 1, d)
	c2 := m.Ensure(context.Background(), 1, d)
	assert.Same(t, c1, c2)

	_, ok := m.Get(1)
	assert.True(t, ok)
	_, ok = m.Get(99)
	assert.False(t, ok)
}

func TestManagerDropClosesConnection(t *testing.T) {
	srv := newWSServer(t)
	m := NewManager(fastPolicy(), events.NewBus(), zap.NewNop())
	defer m.Stop()

	conn := m.Ensure(context.Background(), 1, &testDialect{url: wsURL(srv)})
	waitFor(t, func() bool { return conn.State() == StateLive }, "connection never went live")

	m.Drop(1)
	waitFor(t, func() bool { return conn.State() == StateClosed }, "drop never closed the connection")
	_, ok := m.Get(1)
	assert.False(t, ok)
}
