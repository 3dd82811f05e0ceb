package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signalcore/internal/events"
	"signalcore/internal/ratelimit"
	"signalcore/internal/stream"
	"signalcore/pkg/exchanges/common"
)

func testMonitor(t *testing.T, maxAttempts int) *Monitor {
	t.Helper()
	streams := stream.NewManager(stream.Policy{
		HeartbeatInterval: time.Second,
		HeartbeatMisses:   3,
		ReconnectBase:     time.Second,
		ReconnectMax:      time.Minute,
	}, events.NewBus(), zap.NewNop())
	t.Cleanup(streams.Stop)
	limiter := ratelimit.New(ratelimit.Limits{
		AccountPerSecond: 1000, AccountBurst: 1000,
		SignalPerSecond: 1000, SignalBurst: 1000,
	})
	return NewMonitor(MonitorConfig{
		Interval:       time.Millisecond,
		MaxAttempts:    maxAttempts,
		PriceTolerance: d("0.001"),
	}, limiter, streams, zap.NewNop())
}

func restingOrder() *common.Order {
	return &common.Order{
		OrderID: "order-1",
		Symbol:  "BTCUSDT",
		Side:    common.SideBuy,
		Qty:     d("0.005"),
		Kind:    common.OrderLimit,
		Price:   d("50000"),
		Status:  common.StatusNew,
	}
}

func TestWatchAmendsOnDrift(t *testing.T) {
	venue := newFakeVenue()
	// Last moved 0.2% above the resting price: beyond the 0.1% tolerance.
	venue.quote = common.PriceQuote{Last: 50100, Bid: 50095.3, Ask: 50096}
	venue.statuses = []*common.Order{
		restingOrder(),
		filledOrder(d("0.005")),
	}
	m := testMonitor(t, 5)

	final, err := m.Watch(context.Background(), testSession(venue), restingOrder(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, final.Status)

	require.Len(t, venue.amends, 1)
	// Re-pegged to the bid, floored onto the 0.5 tick grid.
	assert.True(t, venue.amends[0].Equal(d("50095")), "got %s", venue.amends[0])
}

func TestWatchHoldsWithinTolerance(t *testing.T) {
	venue := newFakeVenue()
	venue.quote = common.PriceQuote{Last: 50010, Bid: 50009.5, Ask: 50010} // 0.02% drift
	venue.statuses = []*common.Order{
		restingOrder(),
		filledOrder(d("0.005")),
	}
	m := testMonitor(t, 5)

	_, err := m.Watch(context.Background(), testSession(venue), restingOrder(), testSpec())
	require.NoError(t, err)
	assert.Empty(t, venue.amends)
}

func TestWatchGoneOrderIsFilled(t *testing.T) {
	venue := newFakeVenue()
	venue.statuses = []*common.Order{nil} // venue no longer reports the order
	m := testMonitor(t, 5)

	final, err := m.Watch(context.Background(), testSession(venue), restingOrder(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, final.Status)
	assert.True(t, final.FilledQty.Equal(d("0.005")), "fallback assumes a full fill")
	assert.False(t, final.TerminalAt.IsZero())
}

func TestWatchExhaustionPartialFill(t *testing.T) {
	venue := newFakeVenue()
	venue.quote = common.PriceQuote{Last: 50000, Bid: 50000, Ask: 50000.5}
	part := restingOrder()
	part.Status = common.StatusPartial
	part.FilledQty = d("0.002")
	venue.statuses = []*common.Order{part}
	m := testMonitor(t, 2)

	final, err := m.Watch(context.Background(), testSession(venue), restingOrder(), testSpec())

	var tErr *common.TimeoutError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, common.StatusPartial, final.Status, "partial fills survive the cancel")
	assert.Contains(t, venue.callLog(), "CancelOrder")
}

func TestWatchContextCancellation(t *testing.T) {
	venue := newFakeVenue()
	venue.statuses = []*common.Order{restingOrder()}
	m := testMonitor(t, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := m.Watch(ctx, testSession(venue), restingOrder(), testSpec())
	require.ErrorIs(t, err, context.Canceled)
}
