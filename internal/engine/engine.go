// Package engine fans one validated signal out across every account
// connected to the originating bot, running one execution machine per
// account concurrently with per-account isolation, and aggregating a
// structured per-account result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"signalcore/internal/events"
	"signalcore/internal/executor"
	"signalcore/internal/ratelimit"
	"signalcore/internal/session"
	"signalcore/internal/signal"
	"signalcore/internal/stream"
	"signalcore/internal/symbol"
	"signalcore/pkg/db"
	"signalcore/pkg/exchanges/common"
)

// BotStore is the slice of the database the engine needs for routing.
type BotStore interface {
	LookupBot(ctx context.Context, name string) (*db.Bot, []db.BotAccount, error)
}

// Config tunes the fan-out.
type Config struct {
	Timeout time.Duration // overall fan-out deadline
}

// Engine is the execution engine facade handed to the API layer.
type Engine struct {
	bots     BotStore
	pool     *session.Pool
	resolver *symbol.Resolver
	executor *executor.Executor
	streams  *stream.Manager
	limiter  *ratelimit.Limiter
	bus      *events.Bus
	cfg      Config
	logger   *zap.Logger
}

// New wires the engine.
func New(bots BotStore, pool *session.Pool, resolver *symbol.Resolver, exec *executor.Executor,
	streams *stream.Manager, limiter *ratelimit.Limiter, bus *events.Bus,
	cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		bots:     bots,
		pool:     pool,
		resolver: resolver,
		executor: exec,
		streams:  streams,
		limiter:  limiter,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
	}
}

// AccountResult is one account's share of a fan-out outcome.
type AccountResult struct {
	AccountID int64  `json:"account_id"`
	State     string `json:"state"`
	OrderID   string `json:"order_id,omitempty"`
	Qty       string `json:"qty,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FanOutResult is the structured per-account outcome. Partial execution is
// expected; every account's success or failure is attributable here.
type FanOutResult struct {
	Bot          string          `json:"bot"`
	Symbol       string          `json:"symbol"`
	Skipped      bool            `json:"skipped,omitempty"`
	SuccessCount int             `json:"success_count"`
	ErrorCount   int             `json:"error_count"`
	Results      []AccountResult `json:"results"`
}

// ExecuteSignal applies one signal to every account connected to its bot.
// The overall timeout bounds how long we wait for results; machines still
// in flight at the deadline keep running but are reported as timed out.
// Machines run detached from the caller's context: once an order has gone
// out, a dropped webhook connection must not strand it, so the machine
// resolves the order and records its outcome regardless.
func (e *Engine) ExecuteSignal(ctx context.Context, sig signal.TradeSignal) (*FanOutResult, error) {
	if err := e.limiter.AcquireSignal(); err != nil {
		return nil, err
	}

	bot, bindings, err := e.bots.LookupBot(ctx, sig.BotName)
	if errors.Is(err, db.ErrNotFound) {
		return nil, common.NewValidationError("botname", "unknown bot "+sig.BotName)
	}
	if err != nil {
		return nil, err
	}
	if !bot.Active {
		e.logger.Info("signal for inactive bot dropped", zap.String("bot", bot.Name))
		return &FanOutResult{Bot: bot.Name, Symbol: sig.RawSymbol, Skipped: true}, nil
	}
	if len(bindings) == 0 {
		return &FanOutResult{Bot: bot.Name, Symbol: sig.RawSymbol}, nil
	}

	e.logger.Info("fan-out start",
		zap.String("bot", bot.Name),
		zap.String("symbol", sig.RawSymbol),
		zap.String("kind", string(sig.Kind)),
		zap.Int("accounts", len(bindings)))

	execCtx := context.WithoutCancel(ctx)
	results := make(chan executor.Result, len(bindings))
	for _, ba := range bindings {
		go func(ba db.BotAccount) {
			results <- e.runAccount(execCtx, bot.ID, ba, sig)
		}(ba)
	}

	out := &FanOutResult{Bot: bot.Name, Symbol: sig.RawSymbol}
	pending := make(map[int64]bool, len(bindings))
	for _, ba := range bindings {
		pending[ba.AccountID] = true
	}
	deadline := time.NewTimer(e.cfg.Timeout)
	defer deadline.Stop()

collect:
	for range bindings {
		select {
		case res := <-results:
			delete(pending, res.AccountID)
			out.Results = append(out.Results, toAccountResult(res))
			if res.Err == nil && res.State != executor.StateFailed {
				out.SuccessCount++
			} else {
				out.ErrorCount++
			}
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}
	for id := range pending {
		out.ErrorCount++
		out.Results = append(out.Results, AccountResult{
			AccountID: id,
			State:     string(executor.StateFailed),
			Error:     (&common.TimeoutError{Op: "fan-out", After: e.cfg.Timeout}).Error(),
		})
	}

	e.bus.Publish(events.EventSignalResult, events.SignalOutcome{
		Bot:     out.Bot,
		Symbol:  out.Symbol,
		Kind:    string(sig.Kind),
		Success: out.SuccessCount,
		Failed:  out.ErrorCount,
	})
	return out, nil
}

// runAccount drives one account end to end. Every error is folded into the
// result; nothing here may affect sibling accounts.
func (e *Engine) runAccount(ctx context.Context, botID int64, ba db.BotAccount, sig signal.TradeSignal) executor.Result {
	sess, err := e.pool.GetOrCreate(ctx, ba.AccountID)
	if err != nil {
		return executor.Result{AccountID: ba.AccountID, State: executor.StateFailed, Err: err}
	}
	e.streams.Ensure(ctx, ba.AccountID, sess.Stream())

	spec, err := e.resolver.Resolve(ctx, sig.RawSymbol, sess.Exchange, sess)
	if err != nil {
		e.pool.ReportError(ba.AccountID, err)
		return executor.Result{AccountID: ba.AccountID, State: executor.StateFailed, Err: err}
	}

	req := executor.Request{
		BotID:    botID,
		Signal:   sig,
		Spec:     spec,
		RiskPct:  sig.RiskPct,
		Leverage: sig.Leverage,
	}
	// Binding overrides win over the signal's own values.
	if ba.RiskPct > 0 {
		req.RiskPct = decimal.NewFromFloat(ba.RiskPct)
	}
	if ba.Leverage > 0 {
		req.Leverage = ba.Leverage
	}

	res := e.executor.Execute(ctx, sess, req)
	if res.Err != nil {
		e.pool.ReportError(ba.AccountID, res.Err)
	} else {
		e.pool.ReportSuccess(ba.AccountID)
	}
	return res
}

// CloseAll is the emergency stop for one account: cancel every open order
// and flatten every position. Errors are aggregated, not short-circuited.
func (e *Engine) CloseAll(ctx context.Context, accountID int64) (int, error) {
	sess, err := e.pool.GetOrCreate(ctx, accountID)
	if err != nil {
		return 0, err
	}
	positions, err := sess.GetAllPositions(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	var errs error
	for _, pos := range positions {
		if cancelErr := sess.CancelAllOrders(ctx, pos.Symbol); cancelErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("cancel %s: %w", pos.Symbol, cancelErr))
		}
		if closeErr := sess.ClosePosition(ctx, pos.Symbol); closeErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", pos.Symbol, closeErr))
			continue
		}
		closed++
	}
	e.logger.Info("close-all finished",
		zap.Int64("account_id", accountID),
		zap.Int("closed", closed),
		zap.Int("errors", len(multierr.Errors(errs))))
	return closed, errs
}

// LivePosition returns the freshest view of a position, preferring the
// stream while the account's connection is live.
func (e *Engine) LivePosition(ctx context.Context, accountID int64, sym string) (*common.Position, error) {
	if conn, ok := e.streams.Get(accountID); ok && conn.State() == stream.StateLive {
		if pos, ok := conn.LivePosition(sym); ok {
			if pos.Size.IsZero() {
				return nil, nil
			}
			return &pos, nil
		}
	}
	sess, err := e.pool.GetOrCreate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return sess.GetPosition(ctx, sym)
}

// SessionStats exposes pool occupancy for the status endpoint.
func (e *Engine) SessionStats() session.PoolStats { return e.pool.Stats() }

// InvalidateSession drops a cached session so the next use re-authenticates,
// e.g. after an API key rotation.
func (e *Engine) InvalidateSession(accountID int64) { e.pool.Invalidate(accountID) }

func toAccountResult(res executor.Result) AccountResult {
	ar := AccountResult{
		AccountID: res.AccountID,
		State:     string(res.State),
		Qty:       res.Qty.String(),
	}
	if res.Order != nil {
		ar.OrderID = res.Order.OrderID
	}
	if res.Err != nil {
		ar.Error = res.Err.Error()
	}
	if res.Qty.IsZero() {
		ar.Qty = ""
	}
	return ar
}
