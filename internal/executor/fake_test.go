package executor

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"signalcore/pkg/db"
	"signalcore/pkg/exchanges/common"
)

// fakeVenue scripts adapter behavior and records the call sequence.
type fakeVenue struct {
	mu    sync.Mutex
	calls []string

	balance   common.Balance
	quote     common.PriceQuote
	positions []*common.Position // popped per GetPosition call; empty -> flat
	statuses  []*common.Order    // popped per GetOrderStatus call; empty -> last
	laststat  *common.Order

	placed []common.OrderRequest
	amends []decimal.Decimal

	errs map[string]error // method name -> forced error
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		balance: common.Balance{Balance: 1000, Equity: 1000},
		quote:   common.PriceQuote{Last: 50000, Bid: 49999.5, Ask: 50000.5},
		errs:    make(map[string]error),
	}
}

func (f *fakeVenue) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.errs[name]
}

func (f *fakeVenue) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeVenue) Name() common.ExchangeKind { return common.ExchangeBybit }

func (f *fakeVenue) GetBalance(context.Context) (common.Balance, error) {
	if err := f.record("GetBalance"); err != nil {
		return common.Balance{}, err
	}
	return f.balance, nil
}

func (f *fakeVenue) GetPosition(context.Context, string) (*common.Position, error) {
	if err := f.record("GetPosition"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.positions) == 0 {
		return &common.Position{}, nil
	}
	pos := f.positions[0]
	f.positions = f.positions[1:]
	if pos == nil {
		return &common.Position{}, nil
	}
	return pos, nil
}

func (f *fakeVenue) GetAllPositions(context.Context) ([]common.Position, error) {
	if err := f.record("GetAllPositions"); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeVenue) SetLeverage(context.Context, string, int) error {
	return f.record("SetLeverage")
}

func (f *fakeVenue) PlaceOrder(_ context.Context, req common.OrderRequest) (*common.Order, error) {
	if err := f.record("PlaceOrder"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.placed = append(f.placed, req)
	f.mu.Unlock()
	return &common.Order{
		OrderID:  "order-1",
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Qty:      req.Qty,
		Kind:     req.Kind,
		Price:    req.Price,
		Status:   common.StatusNew,
	}, nil
}

func (f *fakeVenue) AmendOrder(_ context.Context, _, _ string, newPrice decimal.Decimal) error {
	if err := f.record("AmendOrder"); err != nil {
		return err
	}
	f.mu.Lock()
	f.amends = append(f.amends, newPrice)
	f.mu.Unlock()
	return nil
}

func (f *fakeVenue) CancelOrder(context.Context, string, string) error {
	return f.record("CancelOrder")
}

func (f *fakeVenue) CancelAllOrders(context.Context, string) error {
	return f.record("CancelAllOrders")
}

func (f *fakeVenue) ClosePosition(context.Context, string) error {
	return f.record("ClosePosition")
}

func (f *fakeVenue) ResetPositionMode(context.Context, string) error {
	return f.record("ResetPositionMode")
}

func (f *fakeVenue) GetOrderStatus(context.Context, string, string) (*common.Order, error) {
	if err := f.record("GetOrderStatus"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return f.laststat, nil
	}
	o := f.statuses[0]
	f.statuses = f.statuses[1:]
	f.laststat = o
	return o, nil
}

func (f *fakeVenue) GetTicker(context.Context, string) (common.PriceQuote, error) {
	if err := f.record("GetTicker"); err != nil {
		return common.PriceQuote{}, err
	}
	return f.quote, nil
}

func (f *fakeVenue) GetInstrument(context.Context, string) (common.SymbolSpec, error) {
	if err := f.record("GetInstrument"); err != nil {
		return common.SymbolSpec{}, err
	}
	return common.SymbolSpec{}, nil
}

func (f *fakeVenue) Stream() common.StreamDialect { return nil }

// fakeRecorder captures trade persistence calls.
type fakeRecorder struct {
	mu      sync.Mutex
	trades  []db.Trade
	updates []string
	fills   []common.Fill
}

func (r *fakeRecorder) CreateTrade(_ context.Context, t *db.Trade) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, *t)
	return int64(len(r.trades)), nil
}

func (r *fakeRecorder) UpdateTradeStatus(_ context.Context, _ int64, status, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, status)
	return nil
}

func (r *fakeRecorder) CloseTrade(_ context.Context, _ int64, status string) error {
	return nil
}

func (r *fakeRecorder) AddFill(_ context.Context, _ int64, f common.Fill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, f)
	return nil
}
