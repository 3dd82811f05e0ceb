package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeKind identifies a supported derivatives venue.
type ExchangeKind string

const (
	ExchangeBybit   ExchangeKind = "bybit"
	ExchangeOKX     ExchangeKind = "okx"
	ExchangeBitget  ExchangeKind = "bitget"
	ExchangeBinance ExchangeKind = "binance"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SignalKind is the inbound signal classification.
type SignalKind string

const (
	SignalLong        SignalKind = "LONG_SIGNAL"
	SignalShort       SignalKind = "SHORT_SIGNAL"
	SignalLongLadder  SignalKind = "LONG_LADDER"
	SignalShortLadder SignalKind = "SHORT_LADDER"
)

// IsLadder reports whether the signal carries ladder semantics
// (cancel existing orders, attach take-profit to the entry).
func (k SignalKind) IsLadder() bool {
	return k == SignalLongLadder || k == SignalShortLadder
}

// OrderKind denotes how the entry order is placed.
type OrderKind string

const (
	OrderMarket OrderKind = "market"
	OrderLimit  OrderKind = "limit"
	OrderLadder OrderKind = "ladder"
)

// OrderStatus normalizes exchange order status into a small set.
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCanceled  OrderStatus = "CANCELED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusUnknown   OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// Credentials holds one account's API access to one exchange.
// The engine receives these from the account store and keeps them only as
// long as the session built from them lives.
type Credentials struct {
	AccountID  string
	Exchange   ExchangeKind
	APIKey     string
	APISecret  string
	Passphrase string // okx/bitget only
	Testnet    bool
}

// Balance is the account's margin balance snapshot.
type Balance struct {
	Balance float64
	Equity  float64
}

// PriceQuote is a venue ticker snapshot.
type PriceQuote struct {
	Last float64
	Bid  float64
	Ask  float64
}

// SymbolSpec is the exchange-qualified symbol and its trading constraints,
// derived from a raw ticker by the symbol resolver.
type SymbolSpec struct {
	Raw          string
	Symbol       string // exchange-qualified, e.g. BTCUSDT / BTC-USDT-SWAP
	Exchange     ExchangeKind
	TickSize     decimal.Decimal
	LotSize      decimal.Decimal
	ContractSize decimal.Decimal
	MinQty       decimal.Decimal
	MaxQty       decimal.Decimal
	ResolvedAt   time.Time
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Qty        decimal.Decimal
	Kind       OrderKind
	Price      decimal.Decimal // required for limit/ladder
	TakeProfit decimal.Decimal // zero when absent
	ClientID   string
	ReduceOnly bool
}

// Order is the engine's view of one exchange order. Created by the execution
// state machine, mutated only by the monitor and the streaming manager.
type Order struct {
	OrderID    string
	ClientID   string
	AccountID  string
	Symbol     string
	Side       Side
	Qty        decimal.Decimal
	Kind       OrderKind
	Price      decimal.Decimal
	TakeProfit decimal.Decimal
	Status     OrderStatus
	FilledQty  decimal.Decimal
	AvgPrice   decimal.Decimal
	CreatedAt  time.Time
	TerminalAt time.Time
}

// Position reflects exchange-reported truth; the engine never infers it.
type Position struct {
	AccountID     string
	Symbol        string
	Side          Side
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	Leverage      int
	UnrealizedPnL decimal.Decimal
}

// Empty reports whether the position has no exposure.
func (p *Position) Empty() bool {
	return p == nil || p.Size.IsZero()
}

// Fill is one execution against an order. Appended, never mutated.
type Fill struct {
	OrderID  string
	Symbol   string
	Side     Side
	Qty      decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	Time     time.Time
}

// ChannelKind enumerates the private stream channels a connection multiplexes.
type ChannelKind string

const (
	ChannelOrders    ChannelKind = "orders"
	ChannelPositions ChannelKind = "positions"
	ChannelTicker    ChannelKind = "ticker"
)

// StreamEventKind classifies a parsed stream message.
type StreamEventKind string

const (
	StreamOrderUpdate    StreamEventKind = "order_update"
	StreamPositionUpdate StreamEventKind = "position_update"
	StreamTickerUpdate   StreamEventKind = "ticker_update"
	StreamFill           StreamEventKind = "fill"
)

// StreamEvent is one normalized private-stream update.
type StreamEvent struct {
	Kind     StreamEventKind
	Order    *Order
	Position *Position
	Fill     *Fill
	Quote    *PriceQuote
	Symbol   string
	Time     time.Time
}
