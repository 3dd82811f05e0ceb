// Package risk turns a risk percentage, leverage, and account balance into
// an exchange-compliant order quantity. Pure functions only; every input is
// fetched fresh by the caller.
package risk

import (
	"github.com/shopspring/decimal"

	"signalcore/pkg/exchanges/common"
)

var hundred = decimal.NewFromInt(100)

// Ceilings bound what a signal may request regardless of what the exchange
// would accept.
type Ceilings struct {
	MaxLeverage int
	MaxRiskPct  decimal.Decimal
}

// Inputs are the sizing parameters. Balance and LastPrice must come from a
// fresh fetch, never a cache, so parallel accounts size against their own
// current state.
type Inputs struct {
	Balance   decimal.Decimal
	RiskPct   decimal.Decimal
	Leverage  int
	LastPrice decimal.Decimal
	Spec      common.SymbolSpec
}

// ComputeSize returns the order quantity:
//
//	floor((balance * riskPct/100 * leverage / lastPrice) / contractSize / lotSize) * lotSize
//
// clamped to the exchange-reported lot bounds. Contract size converts base
// quantity into venue contracts (1 everywhere except okx swaps).
func ComputeSize(in Inputs, limits Ceilings) (decimal.Decimal, error) {
	if in.Leverage < 1 || in.Leverage > limits.MaxLeverage {
		return decimal.Zero, common.NewValidationError("leverage", "outside configured ceiling")
	}
	if !in.RiskPct.IsPositive() || in.RiskPct.GreaterThan(limits.MaxRiskPct) {
		return decimal.Zero, common.NewValidationError("risk_percentage", "outside configured ceiling")
	}
	if !in.Balance.IsPositive() {
		return decimal.Zero, common.NewValidationError("balance", "must be positive")
	}
	if !in.LastPrice.IsPositive() {
		return decimal.Zero, common.NewValidationError("last_price", "must be positive")
	}
	lot := in.Spec.LotSize
	if !lot.IsPositive() {
		return decimal.Zero, common.NewValidationError("lot_size", "must be positive")
	}
	contract := in.Spec.ContractSize
	if !contract.IsPositive() {
		contract = decimal.NewFromInt(1)
	}

	notional := in.Balance.
		Mul(in.RiskPct).Div(hundred).
		Mul(decimal.NewFromInt(int64(in.Leverage)))
	qty := notional.Div(in.LastPrice).Div(contract)
	qty = qty.Div(lot).Floor().Mul(lot)

	if qty.IsZero() {
		return decimal.Zero, common.NewValidationError("quantity", "rounds to zero at current price")
	}
	if in.Spec.MinQty.IsPositive() && qty.LessThan(in.Spec.MinQty) {
		return decimal.Zero, common.NewValidationError("quantity", "below exchange minimum")
	}
	if in.Spec.MaxQty.IsPositive() && qty.GreaterThan(in.Spec.MaxQty) {
		qty = in.Spec.MaxQty.Div(lot).Floor().Mul(lot)
	}
	return qty, nil
}

// NormalizeTick snaps a price onto the symbol's tick grid, rounding toward
// the side's resting direction: down for buys, up for sells.
func NormalizeTick(price decimal.Decimal, tick decimal.Decimal, side common.Side) decimal.Decimal {
	if !tick.IsPositive() || price.IsZero() {
		return price
	}
	steps := price.Div(tick)
	if side == common.SideSell {
		return steps.Ceil().Mul(tick)
	}
	return steps.Floor().Mul(tick)
}
