package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcore/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func defaultCeilings() Ceilings {
	return Ceilings{MaxLeverage: 100, MaxRiskPct: d("100")}
}

func btcSpec() common.SymbolSpec {
	return common.SymbolSpec{
		Symbol:   "BTCUSDT",
		TickSize: d("0.1"),
		LotSize:  d("0.001"),
		MinQty:   d("0.001"),
		MaxQty:   d("100"),
	}
}

func TestComputeSizeFloorsToLot(t *testing.T) {
	// 1000 * 2.5% * 10x / 50000 = 0.005 exactly.
	qty, err := ComputeSize(Inputs{
		Balance:   d("1000"),
		RiskPct:   d("2.5"),
		Leverage:  10,
		LastPrice: d("50000"),
		Spec:      btcSpec(),
	}, defaultCeilings())
	require.NoError(t, err)
	assert.True(t, qty.Equal(d("0.005")), "got %s", qty)
}

func TestComputeSizeFloorsPartialLot(t *testing.T) {
	// Raw quantity 0.0057… must floor to the lot grid, never round up.
	qty, err := ComputeSize(Inputs{
		Balance:   d("1000"),
		RiskPct:   d("2.5"),
		Leverage:  10,
		LastPrice: d("43500"),
		Spec:      btcSpec(),
	}, defaultCeilings())
	require.NoError(t, err)
	assert.True(t, qty.Equal(d("0.005")), "got %s", qty)
}

func TestComputeSizeContractSize(t *testing.T) {
	// One contract = 0.01 BTC, lot 1 contract: 0.05 BTC notional -> 5 contracts.
	spec := btcSpec()
	spec.ContractSize = d("0.01")
	spec.LotSize = d("1")
	spec.MinQty = d("1")
	spec.MaxQty = decimal.Zero

	qty, err := ComputeSize(Inputs{
		Balance:   d("10000"),
		RiskPct:   d("2.5"),
		Leverage:  10,
		LastPrice: d("50000"),
		Spec:      spec,
	}, defaultCeilings())
	require.NoError(t, err)
	assert.True(t, qty.Equal(d("5")), "got %s", qty)
}

func TestComputeSizeRejectsCeilingViolations(t *testing.T) {
	base := Inputs{
		Balance:   d("1000"),
		RiskPct:   d("2.5"),
		Leverage:  10,
		LastPrice: d("50000"),
		Spec:      btcSpec(),
	}

	over := base
	over.Leverage = 150
	_, err := ComputeSize(over, defaultCeilings())
	var vErr *common.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "leverage", vErr.Field)

	over = base
	over.RiskPct = d("150")
	_, err = ComputeSize(over, defaultCeilings())
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "risk_percentage", vErr.Field)

	over = base
	over.Leverage = 0
	_, err = ComputeSize(over, defaultCeilings())
	require.ErrorAs(t, err, &vErr)
}

func TestComputeSizeRoundsToZero(t *testing.T) {
	// Tiny balance cannot afford one lot.
	_, err := ComputeSize(Inputs{
		Balance:   d("1"),
		RiskPct:   d("1"),
		Leverage:  1,
		LastPrice: d("50000"),
		Spec:      btcSpec(),
	}, defaultCeilings())
	var vErr *common.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "quantity", vErr.Field)
}

func TestComputeSizeClampsToMaxQty(t *testing.T) {
	spec := btcSpec()
	spec.MaxQty = d("0.01")
	qty, err := ComputeSize(Inputs{
		Balance:   d("1000000"),
		RiskPct:   d("50"),
		Leverage:  20,
		LastPrice: d("50000"),
		Spec:      spec,
	}, defaultCeilings())
	require.NoError(t, err)
	assert.True(t, qty.Equal(d("0.01")), "got %s", qty)
}

func TestNormalizeTick(t *testing.T) {
	tick := d("0.5")

	// Buys round down, sells round up.
	assert.True(t, NormalizeTick(d("50000.3"), tick, common.SideBuy).Equal(d("50000")))
	assert.True(t, NormalizeTick(d("50000.3"), tick, common.SideSell).Equal(d("50000.5")))

	// On-grid prices are untouched either way.
	assert.True(t, NormalizeTick(d("50000.5"), tick, common.SideBuy).Equal(d("50000.5")))
	assert.True(t, NormalizeTick(d("50000.5"), tick, common.SideSell).Equal(d("50000.5")))

	// Zero tick is a pass-through.
	assert.True(t, NormalizeTick(d("123.456"), decimal.Zero, common.SideBuy).Equal(d("123.456")))
}
