package executor

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signalcore/internal/ratelimit"
	"signalcore/internal/risk"
	"signalcore/internal/session"
	"signalcore/internal/stream"
	"signalcore/pkg/exchanges/common"
)

// MonitorConfig tunes the order-watch loop.
type MonitorConfig struct {
	Interval       time.Duration
	MaxAttempts    int
	PriceTolerance decimal.Decimal // fraction, e.g. 0.001 for 0.1%
}

// Monitor drives an order to a terminal state. It prefers the streamed order
// view while the account's connection is live and falls back to REST polling
// when the stream is degraded or absent. When the market drifts beyond the
// tolerance from the resting price, the order is re-pegged to the current
// bid/ask, up to MaxAttempts times.
type Monitor struct {
	cfg     MonitorConfig
	limiter *ratelimit.Limiter
	streams *stream.Manager
	logger  *zap.Logger
}

// NewMonitor creates an order monitor.
func NewMonitor(cfg MonitorConfig, limiter *ratelimit.Limiter, streams *stream.Manager, logger *zap.Logger) *Monitor {
	return &Monitor{cfg: cfg, limiter: limiter, streams: streams, logger: logger}
}

// gate blocks for a rate limit token. Unlike the pre-placement path the
// monitor never fails fast: with money on the book, waiting out the bucket
// beats abandoning the watch.
func (m *Monitor) gate(ctx context.Context, sess *session.Session) error {
	return m.limiter.Wait(ctx, sess.Exchange, strconv.FormatInt(sess.AccountID, 10))
}

// Watch polls until the order terminates or attempts are exhausted. The
// returned order carries the final status and fill totals; unfilled leftovers
// are canceled on exhaustion.
func (m *Monitor) Watch(ctx context.Context, sess *session.Session, order *common.Order, spec common.SymbolSpec) (*common.Order, error) {
	cur := *order
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return &cur, ctx.Err()
		case <-time.After(m.cfg.Interval):
		}

		latest, err := m.lookup(ctx, sess, &cur)
		if err != nil {
			return &cur, err
		}
		if latest == nil {
			// The venue no longer reports the order: it left the book filled.
			cur.Status = common.StatusFilled
			cur.FilledQty = cur.Qty
			cur.TerminalAt = time.Now().UTC()
			return &cur, nil
		}
		cur = *latest
		if cur.Status.Terminal() {
			cur.TerminalAt = time.Now().UTC()
			return &cur, nil
		}

		// Still resting. Re-peg if the market moved away.
		if cur.Kind != common.OrderMarket && attempt < m.cfg.MaxAttempts {
			if err := m.maybeAmend(ctx, sess, &cur, spec); err != nil {
				return &cur, err
			}
		}
	}

	// Attempts exhausted; cancel what remains.
	if err := m.gate(ctx, sess); err != nil {
		m.logger.Warn("rate limit wait before cancel aborted", zap.Error(err))
	}
	if err := sess.CancelOrder(ctx, cur.Symbol, cur.OrderID); err != nil {
		m.logger.Warn("cancel after monitor exhaustion failed",
			zap.String("order_id", cur.OrderID), zap.Error(err))
	}
	if cur.FilledQty.IsPositive() {
		cur.Status = common.StatusPartial
	} else {
		cur.Status = common.StatusCanceled
	}
	cur.TerminalAt = time.Now().UTC()
	return &cur, &common.TimeoutError{
		Op:    "order monitor " + cur.OrderID,
		After: time.Duration(m.cfg.MaxAttempts) * m.cfg.Interval,
	}
}

// lookup prefers the live stream view; nil means the order is gone.
func (m *Monitor) lookup(ctx context.Context, sess *session.Session, cur *common.Order) (*common.Order, error) {
	if conn, ok := m.streams.Get(sess.AccountID); ok && conn.State() == stream.StateLive {
		if o, ok := conn.LiveOrder(cur.OrderID); ok {
			return &o, nil
		}
	}
	if err := m.gate(ctx, sess); err != nil {
		return nil, err
	}
	return sess.GetOrderStatus(ctx, cur.Symbol, cur.OrderID)
}

func (m *Monitor) maybeAmend(ctx context.Context, sess *session.Session, cur *common.Order, spec common.SymbolSpec) error {
	if err := m.gate(ctx, sess); err != nil {
		return err
	}
	quote, err := sess.GetTicker(ctx, cur.Symbol)
	if err != nil {
		return err
	}
	last := decimal.NewFromFloat(quote.Last)
	if !cur.Price.IsPositive() || !last.IsPositive() {
		return nil
	}
	drift := last.Sub(cur.Price).Abs().Div(cur.Price)
	if drift.LessThanOrEqual(m.cfg.PriceTolerance) {
		return nil
	}

	peg := decimal.NewFromFloat(quote.Bid)
	if cur.Side == common.SideSell {
		peg = decimal.NewFromFloat(quote.Ask)
	}
	newPrice := risk.NormalizeTick(peg, spec.TickSize, cur.Side)
	if newPrice.Equal(cur.Price) || !newPrice.IsPositive() {
		return nil
	}
	if err := m.gate(ctx, sess); err != nil {
		return err
	}
	if err := sess.AmendOrder(ctx, cur.Symbol, cur.OrderID, newPrice); err != nil {
		return err
	}
	m.logger.Info("order re-pegged",
		zap.String("order_id", cur.OrderID),
		zap.String("from", cur.Price.String()),
		zap.String("to", newPrice.String()))
	cur.Price = newPrice
	return nil
}
