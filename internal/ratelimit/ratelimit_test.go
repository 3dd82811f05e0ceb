package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcore/pkg/exchanges/common"
)

func TestAcquireFailsFastWhenBurstExhausted(t *testing.T) {
	l := New(Limits{
		AccountPerSecond: 1,
		AccountBurst:     2,
		SignalPerSecond:  100,
		SignalBurst:      100,
	})

	require.NoError(t, l.Acquire(common.ExchangeBybit, "1"))
	require.NoError(t, l.Acquire(common.ExchangeBybit, "1"))

	err := l.Acquire(common.ExchangeBybit, "1")
	var rlErr *common.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "bybit/1", rlErr.Scope)
	assert.Greater(t, rlErr.RetryAfter.Nanoseconds(), int64(0))
}

func TestBucketsAreIndependentPerAccount(t *testing.T) {
	l := New(Limits{
		AccountPerSecond: 1,
		AccountBurst:     1,
		SignalPerSecond:  100,
		SignalBurst:      100,
	})

	require.NoError(t, l.Acquire(common.ExchangeBybit, "1"))
	require.Error(t, l.Acquire(common.ExchangeBybit, "1"))

	// Its own bucket: another account is unaffected, and so is the same
	// account id on another exchange.
	require.NoError(t, l.Acquire(common.ExchangeBybit, "2"))
	require.NoError(t, l.Acquire(common.ExchangeOKX, "1"))
}

func TestWaitBlocksUntilTokenFrees(t *testing.T) {
	l := New(Limits{
		AccountPerSecond: 100, // a token every 10ms
		AccountBurst:     1,
		SignalPerSecond:  100,
		SignalBurst:      100,
	})

	require.NoError(t, l.Wait(context.Background(), common.ExchangeBybit, "1"))

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), common.ExchangeBybit, "1"))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond,
		"second token must wait for the refill")
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(Limits{
		AccountPerSecond: 0.001, // effectively never refills
		AccountBurst:     1,
		SignalPerSecond:  100,
		SignalBurst:      100,
	})
	require.NoError(t, l.Wait(context.Background(), common.ExchangeBybit, "1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, common.ExchangeBybit, "1")
	require.Error(t, err)
}

func TestAcquireSignalGlobalBucket(t *testing.T) {
	l := New(Limits{
		AccountPerSecond: 100,
		AccountBurst:     100,
		SignalPerSecond:  1,
		SignalBurst:      2,
	})

	require.NoError(t, l.AcquireSignal())
	require.NoError(t, l.AcquireSignal())

	err := l.AcquireSignal()
	var rlErr *common.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "global", rlErr.Scope)
}
