// Package executor drives a single account's response to a signal through
// position check, leverage set, sizing, placement, and monitoring. One
// machine instance runs per account per signal; instances for the same
// (account, symbol) pair are serialized, never interleaved.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signalcore/internal/ratelimit"
	"signalcore/internal/risk"
	"signalcore/internal/session"
	"signalcore/internal/signal"
	"signalcore/pkg/db"
	"signalcore/pkg/exchanges/common"
)

// State is the execution machine's progress marker.
type State string

const (
	StateReceived        State = "received"
	StatePositionChecked State = "position_checked"
	StateLeverageSet     State = "leverage_set"
	StateSized           State = "sized"
	StatePlaced          State = "placed"
	StateMonitoring      State = "monitoring"
	StateFilled          State = "filled"
	StatePartiallyClosed State = "partially_closed"
	StateCanceled        State = "canceled"
	StateFailed          State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StatePartiallyClosed, StateCanceled, StateFailed:
		return true
	}
	return false
}

// Request is one account's share of a fan-out. RiskPct and Leverage carry
// the bot-account binding overrides already applied.
type Request struct {
	BotID    int64
	Signal   signal.TradeSignal
	Spec     common.SymbolSpec
	RiskPct  decimal.Decimal
	Leverage int
}

// Result is the machine's terminal outcome, handed back to the coordinator.
type Result struct {
	AccountID int64
	State     State
	Order     *common.Order
	Qty       decimal.Decimal
	Err       error
}

// TradeRecorder persists order lifecycles. Satisfied by the database.
type TradeRecorder interface {
	CreateTrade(ctx context.Context, t *db.Trade) (int64, error)
	UpdateTradeStatus(ctx context.Context, id int64, status, orderID, errMsg string) error
	CloseTrade(ctx context.Context, id int64, status string) error
	AddFill(ctx context.Context, tradeID int64, f common.Fill) error
}

// Executor runs execution machines with per-(account, symbol) mutual
// exclusion.
type Executor struct {
	locks    *keyedLock
	limiter  *ratelimit.Limiter
	monitor  *Monitor
	recorder TradeRecorder
	ceilings risk.Ceilings
	logger   *zap.Logger
}

// New creates an executor.
func New(limiter *ratelimit.Limiter, monitor *Monitor, recorder TradeRecorder, ceilings risk.Ceilings, logger *zap.Logger) *Executor {
	return &Executor{
		locks:    newKeyedLock(),
		limiter:  limiter,
		monitor:  monitor,
		recorder: recorder,
		ceilings: ceilings,
		logger:   logger,
	}
}

// Execute runs the state machine for one account. Errors terminate the
// machine in the failed state; they are reported in the result, never
// propagated to sibling accounts.
func (e *Executor) Execute(ctx context.Context, sess *session.Session, req Request) Result {
	unlock := e.locks.Lock(fmt.Sprintf("%d|%s", sess.AccountID, req.Spec.Symbol))
	defer unlock()

	m := &machine{
		exec:   e,
		sess:   sess,
		req:    req,
		state:  StateReceived,
		logger: e.logger.With(zap.Int64("account_id", sess.AccountID), zap.String("symbol", req.Spec.Symbol)),
	}
	return m.run(ctx)
}

type machine struct {
	exec   *Executor
	sess   *session.Session
	req    Request
	state  State
	logger *zap.Logger
}

func (m *machine) run(ctx context.Context) Result {
	if err := m.checkPosition(ctx); err != nil {
		return m.fail(ctx, err)
	}
	if err := m.setLeverage(ctx); err != nil {
		return m.fail(ctx, err)
	}
	qty, err := m.size(ctx)
	if err != nil {
		return m.fail(ctx, err)
	}
	order, tradeID, err := m.place(ctx, qty)
	if err != nil {
		return m.fail(ctx, err)
	}
	return m.monitor(ctx, order, tradeID, qty)
}

// gate takes one rate limit token. Every outbound REST call pays for
// itself; nothing rides on a sibling call's token.
func (m *machine) gate() error {
	return m.exec.limiter.Acquire(m.sess.Exchange, strconv.FormatInt(m.sess.AccountID, 10))
}

func (m *machine) transition(s State) {
	m.logger.Debug("state transition", zap.String("from", string(m.state)), zap.String("to", string(s)))
	m.state = s
}

// checkPosition closes an opposing position (orders canceled first) so the
// new entry never nets against leftovers.
func (m *machine) checkPosition(ctx context.Context) error {
	if err := m.gate(); err != nil {
		return err
	}
	pos, err := m.sess.GetPosition(ctx, m.req.Spec.Symbol)
	if err != nil {
		return err
	}
	if !pos.Empty() && pos.Side != m.req.Signal.Side {
		m.logger.Info("closing opposing position", zap.String("size", pos.Size.String()))
		if err := m.gate(); err != nil {
			return err
		}
		if err := m.sess.CancelAllOrders(ctx, m.req.Spec.Symbol); err != nil {
			return err
		}
		if err := m.gate(); err != nil {
			return err
		}
		if err := m.sess.ClosePosition(ctx, m.req.Spec.Symbol); err != nil {
			return err
		}
	}
	m.transition(StatePositionChecked)
	return nil
}

// setLeverage resets position mode and applies leverage, but only when no
// position remains; exchanges reject leverage changes on open positions.
func (m *machine) setLeverage(ctx context.Context) error {
	if err := m.gate(); err != nil {
		return err
	}
	pos, err := m.sess.GetPosition(ctx, m.req.Spec.Symbol)
	if err != nil {
		return err
	}
	if pos.Empty() {
		if err := m.gate(); err != nil {
			return err
		}
		if err := m.sess.ResetPositionMode(ctx, m.req.Spec.Symbol); err != nil {
			return err
		}
		if err := m.gate(); err != nil {
			return err
		}
		if err := m.sess.SetLeverage(ctx, m.req.Spec.Symbol, m.req.Leverage); err != nil {
			return err
		}
	}
	m.transition(StateLeverageSet)
	return nil
}

// size computes the quantity from a freshly fetched balance and ticker.
// Cached values would let parallel accounts size against stale state.
func (m *machine) size(ctx context.Context) (decimal.Decimal, error) {
	if err := m.gate(); err != nil {
		return decimal.Zero, err
	}
	bal, err := m.sess.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if err := m.gate(); err != nil {
		return decimal.Zero, err
	}
	quote, err := m.sess.GetTicker(ctx, m.req.Spec.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	qty, err := risk.ComputeSize(risk.Inputs{
		Balance:   decimal.NewFromFloat(bal.Balance),
		RiskPct:   m.req.RiskPct,
		Leverage:  m.req.Leverage,
		LastPrice: decimal.NewFromFloat(quote.Last),
		Spec:      m.req.Spec,
	}, m.exec.ceilings)
	if err != nil {
		return decimal.Zero, err
	}
	m.transition(StateSized)
	return qty, nil
}

// place submits the entry as a limit order pegged to the near touch. Ladder
// signals cancel existing orders on the symbol first and attach the take
// profit to the entry.
func (m *machine) place(ctx context.Context, qty decimal.Decimal) (*common.Order, int64, error) {
	if m.req.Signal.Kind.IsLadder() {
		if err := m.gate(); err != nil {
			return nil, 0, err
		}
		if err := m.sess.CancelAllOrders(ctx, m.req.Spec.Symbol); err != nil {
			return nil, 0, err
		}
	}

	if err := m.gate(); err != nil {
		return nil, 0, err
	}
	quote, err := m.sess.GetTicker(ctx, m.req.Spec.Symbol)
	if err != nil {
		return nil, 0, err
	}
	peg := decimal.NewFromFloat(quote.Bid)
	if m.req.Signal.Side == common.SideSell {
		peg = decimal.NewFromFloat(quote.Ask)
	}
	price := risk.NormalizeTick(peg, m.req.Spec.TickSize, m.req.Signal.Side)

	if err := m.gate(); err != nil {
		return nil, 0, err
	}

	tp := decimal.Zero
	if !m.req.Signal.TakeProfit.IsZero() {
		// The TP closes on the opposite side; snap toward that side's grid.
		tp = risk.NormalizeTick(m.req.Signal.TakeProfit, m.req.Spec.TickSize, m.req.Signal.Side.Opposite())
	}

	order, err := m.sess.PlaceOrder(ctx, common.OrderRequest{
		Symbol:     m.req.Spec.Symbol,
		Side:       m.req.Signal.Side,
		Qty:        qty,
		Kind:       common.OrderLimit,
		Price:      price,
		TakeProfit: tp,
		ClientID:   newClientID(),
	})
	if err != nil {
		return nil, 0, err
	}
	m.transition(StatePlaced)

	tradeID, err := m.exec.recorder.CreateTrade(ctx, &db.Trade{
		BotID:      m.req.BotID,
		AccountID:  m.sess.AccountID,
		Exchange:   string(m.sess.Exchange),
		Symbol:     m.req.Spec.Symbol,
		Side:       string(m.req.Signal.Side),
		OrderID:    order.OrderID,
		ClientID:   order.ClientID,
		Qty:        qty.String(),
		Price:      price.String(),
		TakeProfit: tp.String(),
		Status:     string(StatePlaced),
	})
	if err != nil {
		m.logger.Warn("trade record failed", zap.Error(err))
	}
	return order, tradeID, nil
}

func (m *machine) monitor(ctx context.Context, order *common.Order, tradeID int64, qty decimal.Decimal) Result {
	m.transition(StateMonitoring)
	final, err := m.exec.monitor.Watch(ctx, m.sess, order, m.req.Spec)

	state := StateFailed
	switch final.Status {
	case common.StatusFilled:
		state = StateFilled
	case common.StatusPartial:
		state = StatePartiallyClosed
	case common.StatusCanceled:
		state = StateCanceled
	}
	if err != nil && state == StateFilled {
		// A terminal fill trumps a late monitor error.
		err = nil
	}
	m.transition(state)

	if tradeID != 0 {
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		_ = m.exec.recorder.UpdateTradeStatus(ctx, tradeID, string(state), final.OrderID, errMsg)
		_ = m.exec.recorder.CloseTrade(ctx, tradeID, string(state))
		if final.FilledQty.IsPositive() {
			_ = m.exec.recorder.AddFill(ctx, tradeID, common.Fill{
				OrderID: final.OrderID,
				Symbol:  final.Symbol,
				Side:    final.Side,
				Qty:     final.FilledQty,
				Price:   final.AvgPrice,
				Time:    time.Now().UTC(),
			})
		}
	}
	return Result{AccountID: m.sess.AccountID, State: state, Order: final, Qty: qty, Err: err}
}

// fail terminates the machine, recording the error for the aggregate result.
func (m *machine) fail(ctx context.Context, err error) Result {
	m.logger.Warn("execution failed",
		zap.String("at", string(m.state)), zap.Error(err))
	m.transition(StateFailed)
	if _, recErr := m.exec.recorder.CreateTrade(ctx, &db.Trade{
		BotID:     m.req.BotID,
		AccountID: m.sess.AccountID,
		Exchange:  string(m.sess.Exchange),
		Symbol:    m.req.Spec.Symbol,
		Side:      string(m.req.Signal.Side),
		Status:    string(StateFailed),
		Error:     err.Error(),
	}); recErr != nil {
		m.logger.Warn("trade record failed", zap.Error(recErr))
	}
	return Result{AccountID: m.sess.AccountID, State: StateFailed, Err: err}
}
