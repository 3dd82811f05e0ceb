package common

import (
	"context"

	"github.com/shopspring/decimal"
)

// Adapter is the uniform capability set implemented once per exchange.
// Each call maps venue-specific wire formats and error codes into the shared
// types and the ExchangeError taxonomy. Implementations must be safe for
// concurrent use by callers sharing one session; order placement is
// additionally serialized by the session wrapper.
type Adapter interface {
	Name() ExchangeKind

	GetBalance(ctx context.Context) (Balance, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetAllPositions(ctx context.Context) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	AmendOrder(ctx context.Context, symbol, orderID string, newPrice decimal.Decimal) error
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	ClosePosition(ctx context.Context, symbol string) error
	ResetPositionMode(ctx context.Context, symbol string) error

	// GetOrderStatus returns nil, nil when the venue no longer reports the
	// order (treated as filled, matching venue realtime-query semantics).
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*Order, error)
	GetTicker(ctx context.Context, symbol string) (PriceQuote, error)

	// GetInstrument serves the symbol resolver; it needs no credentials.
	GetInstrument(ctx context.Context, raw string) (SymbolSpec, error)

	// Stream returns the venue's private-stream dialect for the streaming
	// connection manager.
	Stream() StreamDialect
}

// StreamDialect describes how to speak one venue's private websocket:
// where to dial, how to authenticate, how to subscribe, and how to turn raw
// frames into normalized StreamEvents.
type StreamDialect interface {
	// URL resolves the websocket endpoint. Venues with pre-dial setup
	// (binance listen keys) perform it here.
	URL(ctx context.Context) (string, error)

	// AuthFrames are sent first after dialing; empty when the URL itself
	// authenticates.
	AuthFrames() ([][]byte, error)

	// SubscribeFrames subscribe the given channels. Replayed on reconnect.
	SubscribeFrames(channels []ChannelKind) [][]byte

	// PingFrame is the heartbeat payload; nil means use websocket ping
	// control frames.
	PingFrame() []byte

	// IsPong reports whether msg is a heartbeat response.
	IsPong(msg []byte) bool

	// Parse turns one raw frame into zero or more events.
	Parse(msg []byte) []StreamEvent

	// KeepAlive refreshes any server-side stream credential (listen keys);
	// no-op for most venues.
	KeepAlive(ctx context.Context) error
}
