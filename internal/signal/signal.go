// Package signal validates inbound webhook payloads into immutable trade
// signals before they reach the execution engine.
package signal

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"signalcore/pkg/exchanges/common"
)

// Payload is the raw webhook body. External alerting services send every
// field as a string.
type Payload struct {
	BotName    string `json:"botname"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	OrderType  string `json:"order_type"`
	Size       string `json:"size"`
	Leverage   string `json:"leverage"`
	TakeProfit string `json:"take_profit,omitempty"`
}

// TradeSignal is a validated, immutable signal. Construct only through
// Validate.
type TradeSignal struct {
	BotName    string
	RawSymbol  string
	Side       common.Side
	Kind       common.SignalKind
	RiskPct    decimal.Decimal
	Leverage   int
	TakeProfit decimal.Decimal // zero when absent
}

// Validate checks consistency rules and returns the immutable signal.
// Bot existence and activation are checked upstream against the bot store;
// this stage has no side effects and makes no network calls.
func Validate(p Payload) (TradeSignal, error) {
	if strings.TrimSpace(p.BotName) == "" {
		return TradeSignal{}, common.NewValidationError("botname", "required")
	}
	if strings.TrimSpace(p.Symbol) == "" {
		return TradeSignal{}, common.NewValidationError("symbol", "required")
	}

	kind := common.SignalKind(strings.ToUpper(strings.TrimSpace(p.OrderType)))
	switch kind {
	case common.SignalLong, common.SignalShort, common.SignalLongLadder, common.SignalShortLadder:
	case "":
		return TradeSignal{}, common.NewValidationError("order_type", "required")
	default:
		return TradeSignal{}, common.NewValidationError("order_type", "unrecognized: "+p.OrderType)
	}

	side := common.Side(strings.ToLower(strings.TrimSpace(p.Side)))
	if side != common.SideBuy && side != common.SideSell {
		return TradeSignal{}, common.NewValidationError("side", "must be buy or sell")
	}
	// Side and kind must agree: buy pairs with long, sell with short.
	isLong := kind == common.SignalLong || kind == common.SignalLongLadder
	if isLong != (side == common.SideBuy) {
		return TradeSignal{}, common.NewValidationError("side",
			"inconsistent with order_type "+string(kind))
	}

	risk, err := decimal.NewFromString(strings.TrimSpace(p.Size))
	if err != nil || !risk.IsPositive() {
		return TradeSignal{}, common.NewValidationError("size", "must be a positive number")
	}

	lev, err := strconv.Atoi(strings.TrimSpace(p.Leverage))
	if err != nil || lev < 1 {
		return TradeSignal{}, common.NewValidationError("leverage", "must be a positive integer")
	}

	tp := decimal.Zero
	if s := strings.TrimSpace(p.TakeProfit); s != "" {
		tp, err = decimal.NewFromString(s)
		if err != nil || !tp.IsPositive() {
			return TradeSignal{}, common.NewValidationError("take_profit", "must be a positive number")
		}
	}
	if kind.IsLadder() && tp.IsZero() {
		return TradeSignal{}, common.NewValidationError("take_profit", "required for ladder signals")
	}

	return TradeSignal{
		BotName:    strings.TrimSpace(p.BotName),
		RawSymbol:  strings.TrimSpace(p.Symbol),
		Side:       side,
		Kind:       kind,
		RiskPct:    risk,
		Leverage:   lev,
		TakeProfit: tp,
	}, nil
}
