package executor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signalcore/internal/events"
	"signalcore/internal/ratelimit"
	"signalcore/internal/risk"
	"signalcore/internal/session"
	"signalcore/internal/signal"
	"signalcore/internal/stream"
	"signalcore/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testSpec() common.SymbolSpec {
	return common.SymbolSpec{
		Raw:      "BTCUSDT.P",
		Symbol:   "BTCUSDT",
		Exchange: common.ExchangeBybit,
		TickSize: d("0.5"),
		LotSize:  d("0.001"),
		MinQty:   d("0.001"),
	}
}

func testExecutor(t *testing.T, recorder *fakeRecorder) *Executor {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Limits{
		AccountPerSecond: 1000, AccountBurst: 1000,
		SignalPerSecond: 1000, SignalBurst: 1000,
	})
	streams := stream.NewManager(stream.Policy{
		HeartbeatInterval: time.Second,
		HeartbeatMisses:   3,
		ReconnectBase:     time.Second,
		ReconnectMax:      time.Minute,
	}, events.NewBus(), zap.NewNop())
	t.Cleanup(streams.Stop)
	monitor := NewMonitor(MonitorConfig{
		Interval:       time.Millisecond,
		MaxAttempts:    3,
		PriceTolerance: d("0.001"),
	}, limiter, streams, zap.NewNop())
	return New(limiter, monitor, recorder, risk.Ceilings{
		MaxLeverage: 100,
		MaxRiskPct:  d("100"),
	}, zap.NewNop())
}

func testRequest() Request {
	return Request{
		BotID: 1,
		Signal: signal.TradeSignal{
			BotName:   "trend-bot",
			RawSymbol: "BTCUSDT.P",
			Side:      common.SideBuy,
			Kind:      common.SignalLong,
			RiskPct:   d("2.5"),
			Leverage:  10,
		},
		Spec:     testSpec(),
		RiskPct:  d("2.5"),
		Leverage: 10,
	}
}

func testSession(venue common.Adapter) *session.Session {
	return &session.Session{Adapter: venue, AccountID: 7, Exchange: common.ExchangeBybit}
}

func filledOrder(qty decimal.Decimal) *common.Order {
	return &common.Order{
		OrderID:   "order-1",
		Symbol:    "BTCUSDT",
		Side:      common.SideBuy,
		Qty:       qty,
		Kind:      common.OrderLimit,
		Status:    common.StatusFilled,
		FilledQty: qty,
		AvgPrice:  d("49999.5"),
	}
}

func TestExecuteHappyPath(t *testing.T) {
	venue := newFakeVenue()
	venue.statuses = []*common.Order{filledOrder(d("0.005"))}
	recorder := &fakeRecorder{}
	exec := testExecutor(t, recorder)

	res := exec.Execute(context.Background(), testSession(venue), testRequest())

	require.NoError(t, res.Err)
	assert.Equal(t, StateFilled, res.State)
	assert.True(t, res.Qty.Equal(d("0.005")), "got %s", res.Qty)

	// Flat account: mode reset and leverage applied before placement.
	log := venue.callLog()
	assert.Contains(t, log, "ResetPositionMode")
	assert.Contains(t, log, "SetLeverage")
	assert.NotContains(t, log, "ClosePosition")

	require.Len(t, venue.placed, 1)
	req := venue.placed[0]
	assert.Equal(t, common.OrderLimit, req.Kind)
	assert.True(t, req.Price.Equal(d("49999.5")), "buy pegs to bid, got %s", req.Price)
	assert.NotEmpty(t, req.ClientID)

	// Trade recorded as placed, then driven to filled with its fill row.
	require.NotEmpty(t, recorder.trades)
	assert.Equal(t, "placed", recorder.trades[0].Status)
	assert.Contains(t, recorder.updates, "filled")
	require.Len(t, recorder.fills, 1)
	assert.True(t, recorder.fills[0].Qty.Equal(d("0.005")))
}

func TestExecuteClosesOpposingPosition(t *testing.T) {
	venue := newFakeVenue()
	// First position check sees a short; after closing, the account is flat.
	venue.positions = []*common.Position{
		{Symbol: "BTCUSDT", Side: common.SideSell, Size: d("0.01")},
		nil,
	}
	venue.statuses = []*common.Order{filledOrder(d("0.005"))}
	exec := testExecutor(t, &fakeRecorder{})

	res := exec.Execute(context.Background(), testSession(venue), testRequest())
	require.NoError(t, res.Err)
	assert.Equal(t, StateFilled, res.State)

	log := venue.callLog()
	cancelIdx := indexOf(log, "CancelAllOrders")
	closeIdx := indexOf(log, "ClosePosition")
	placeIdx := indexOf(log, "PlaceOrder")
	require.GreaterOrEqual(t, cancelIdx, 0)
	require.GreaterOrEqual(t, closeIdx, 0)
	assert.Less(t, cancelIdx, closeIdx, "orders canceled before the position closes")
	assert.Less(t, closeIdx, placeIdx)
}

func TestExecuteSameSidePositionSkipsLeverage(t *testing.T) {
	venue := newFakeVenue()
	long := &common.Position{Symbol: "BTCUSDT", Side: common.SideBuy, Size: d("0.01")}
	venue.positions = []*common.Position{long, long}
	venue.statuses = []*common.Order{filledOrder(d("0.005"))}
	exec := testExecutor(t, &fakeRecorder{})

	res := exec.Execute(context.Background(), testSession(venue), testRequest())
	require.NoError(t, res.Err)

	// Exchanges reject leverage changes while a position is open.
	log := venue.callLog()
	assert.NotContains(t, log, "SetLeverage")
	assert.NotContains(t, log, "ClosePosition")
}

func TestExecuteLadderCancelsBeforePlacing(t *testing.T) {
	venue := newFakeVenue()
	venue.statuses = []*common.Order{filledOrder(d("0.005"))}
	exec := testExecutor(t, &fakeRecorder{})

	req := testRequest()
	req.Signal.Kind = common.SignalLongLadder
	req.Signal.TakeProfit = d("52000.3")

	res := exec.Execute(context.Background(), testSession(venue), req)
	require.NoError(t, res.Err)

	log := venue.callLog()
	cancelIdx := indexOf(log, "CancelAllOrders")
	placeIdx := indexOf(log, "PlaceOrder")
	require.GreaterOrEqual(t, cancelIdx, 0)
	assert.Less(t, cancelIdx, placeIdx, "ladder replaces the working set")

	// TP closes a long on the sell side: snap up to the tick grid.
	require.Len(t, venue.placed, 1)
	assert.True(t, venue.placed[0].TakeProfit.Equal(d("52000.5")),
		"got %s", venue.placed[0].TakeProfit)
}

func TestExecuteLeverageErrorFails(t *testing.T) {
	venue := newFakeVenue()
	venue.errs["SetLeverage"] = &common.ExchangeError{
		Exchange: common.ExchangeBybit,
		Code:     "10003",
		Message:  "invalid api key",
	}
	recorder := &fakeRecorder{}
	exec := testExecutor(t, recorder)

	res := exec.Execute(context.Background(), testSession(venue), testRequest())

	assert.Equal(t, StateFailed, res.State)
	require.Error(t, res.Err)
	assert.True(t, common.IsAuthError(res.Err))

	// Nothing was placed, and the failure is on record.
	assert.Empty(t, venue.placed)
	require.NotEmpty(t, recorder.trades)
	assert.Equal(t, "failed", recorder.trades[0].Status)
	assert.NotEmpty(t, recorder.trades[0].Error)
}

func TestExecuteSizingRejectionFails(t *testing.T) {
	venue := newFakeVenue()
	venue.balance = common.Balance{Balance: 1} // rounds to zero lots
	exec := testExecutor(t, &fakeRecorder{})

	res := exec.Execute(context.Background(), testSession(venue), testRequest())

	assert.Equal(t, StateFailed, res.State)
	var vErr *common.ValidationError
	require.ErrorAs(t, res.Err, &vErr)
	assert.Empty(t, venue.placed)
}

func TestExecuteMonitorExhaustionCancels(t *testing.T) {
	venue := newFakeVenue()
	// Order never leaves the book; price never drifts, so no amends.
	venue.statuses = []*common.Order{{
		OrderID: "order-1",
		Symbol:  "BTCUSDT",
		Side:    common.SideBuy,
		Qty:     d("0.005"),
		Kind:    common.OrderLimit,
		Price:   d("49999.5"),
		Status:  common.StatusNew,
	}}
	venue.quote = common.PriceQuote{Last: 49999.5, Bid: 49999.5, Ask: 50000}
	recorder := &fakeRecorder{}
	exec := testExecutor(t, recorder)

	res := exec.Execute(context.Background(), testSession(venue), testRequest())

	assert.Equal(t, StateCanceled, res.State)
	var tErr *common.TimeoutError
	require.ErrorAs(t, res.Err, &tErr)
	assert.Contains(t, venue.callLog(), "CancelOrder")
	assert.Contains(t, recorder.updates, "canceled")
}

func TestExecuteChargesEveryRestCall(t *testing.T) {
	venue := newFakeVenue()
	recorder := &fakeRecorder{}

	// A zero refill rate makes the burst the whole budget. A flat account
	// spends five tokens before sizing's ticker fetch: two position reads,
	// mode reset, leverage, balance. Token six must be the one refused.
	limiter := ratelimit.New(ratelimit.Limits{
		AccountPerSecond: 0, AccountBurst: 5,
		SignalPerSecond: 1000, SignalBurst: 1000,
	})
	streams := stream.NewManager(stream.Policy{
		HeartbeatInterval: time.Second,
		HeartbeatMisses:   3,
		ReconnectBase:     time.Second,
		ReconnectMax:      time.Minute,
	}, events.NewBus(), zap.NewNop())
	t.Cleanup(streams.Stop)
	monitor := NewMonitor(MonitorConfig{
		Interval:       time.Millisecond,
		MaxAttempts:    3,
		PriceTolerance: d("0.001"),
	}, limiter, streams, zap.NewNop())
	exec := New(limiter, monitor, recorder, risk.Ceilings{
		MaxLeverage: 100,
		MaxRiskPct:  d("100"),
	}, zap.NewNop())

	res := exec.Execute(context.Background(), testSession(venue), testRequest())

	assert.Equal(t, StateFailed, res.State)
	var rlErr *common.RateLimitError
	require.ErrorAs(t, res.Err, &rlErr)

	log := venue.callLog()
	assert.Contains(t, log, "GetBalance")
	assert.NotContains(t, log, "PlaceOrder", "nothing may reach the venue past the refused token")
	assert.Empty(t, venue.placed)
}

func indexOf(list []string, want string) int {
	for i, s := range list {
		if s == want {
			return i
		}
	}
	return -1
}
