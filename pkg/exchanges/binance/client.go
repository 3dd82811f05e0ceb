package binance

import (
	"context"
	"strconv"
	"strings"
	"time"

	bcommon "github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"signalcore/pkg/exchanges/common"
)

const testnetURL = "https://testnet.binancefuture.com"

// Client handles Binance USDT-M futures through the official SDK types.
type Client struct {
	creds common.Credentials
	sdk   *futures.Client
}

// New creates a Binance adapter for one credential set.
func New(creds common.Credentials) *Client {
	sdk := futures.NewClient(creds.APIKey, creds.APISecret)
	if creds.Testnet {
		sdk.BaseURL = testnetURL
	}
	return &Client{creds: creds, sdk: sdk}
}

func (c *Client) Name() common.ExchangeKind { return common.ExchangeBinance }

// GetBalance returns the USDT futures wallet balance.
func (c *Client) GetBalance(ctx context.Context) (common.Balance, error) {
	balances, err := c.sdk.NewGetBalanceService().Do(ctx)
	if err != nil {
		return common.Balance{}, c.wrapErr("/fapi/v2/balance", "", err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			wallet := dec(b.Balance)
			return common.Balance{
				Balance: wallet.InexactFloat64(),
				Equity:  wallet.Add(dec(b.CrossUnPnl)).InexactFloat64(),
			}, nil
		}
	}
	return common.Balance{}, nil
}

// GetPosition returns the position for one symbol, nil when flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*common.Position, error) {
	risks, err := c.sdk.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.wrapErr("/fapi/v2/positionRisk", symbol, err)
	}
	for _, r := range risks {
		if pos := c.toPosition(r); !pos.Empty() {
			return pos, nil
		}
	}
	return nil, nil
}

// GetAllPositions returns every open position.
func (c *Client) GetAllPositions(ctx context.Context) ([]common.Position, error) {
	risks, err := c.sdk.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.wrapErr("/fapi/v2/positionRisk", "", err)
	}
	var out []common.Position
	for _, r := range risks {
		if pos := c.toPosition(r); !pos.Empty() {
			out = append(out, *pos)
		}
	}
	return out, nil
}

func (c *Client) toPosition(r *futures.PositionRisk) *common.Position {
	amt := dec(r.PositionAmt)
	if amt.IsZero() {
		return &common.Position{}
	}
	side := common.SideBuy
	if amt.IsNegative() {
		side = common.SideSell
		amt = amt.Abs()
	}
	lev, _ := strconv.Atoi(r.Leverage)
	return &common.Position{
		AccountID:     c.creds.AccountID,
		Symbol:        r.Symbol,
		Side:          side,
		Size:          amt,
		EntryPrice:    dec(r.EntryPrice),
		Leverage:      lev,
		UnrealizedPnL: dec(r.UnRealizedProfit),
	}
}

// SetLeverage applies leverage for the symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.sdk.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return c.wrapErr("/fapi/v1/leverage", symbol, err)
}

// ResetPositionMode disables hedge mode. Already-one-way (-4059) is fine.
func (c *Client) ResetPositionMode(ctx context.Context, symbol string) error {
	err := c.sdk.NewChangePositionModeService().DualSide(false).Do(ctx)
	if apiCode(err) == -4059 {
		return nil
	}
	return c.wrapErr("/fapi/v1/positionSide/dual", symbol, err)
}

// PlaceOrder submits a market or limit order. A take profit becomes a
// separate close-position TAKE_PROFIT_MARKET order after the entry is in.
func (c *Client) PlaceOrder(ctx context.Context, o common.OrderRequest) (*common.Order, error) {
	svc := c.sdk.NewCreateOrderService().
		Symbol(o.Symbol).
		Side(toVenueSide(o.Side)).
		Quantity(o.Qty.String())
	if o.Kind == common.OrderMarket {
		svc = svc.Type(futures.OrderTypeMarket)
	} else {
		svc = svc.Type(futures.OrderTypeLimit).
			Price(o.Price.String()).
			TimeInForce(futures.TimeInForceTypeGTC)
	}
	if o.ClientID != "" {
		svc = svc.NewClientOrderID(o.ClientID)
	}
	if o.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, c.wrapErr("/fapi/v1/order", o.Symbol, err)
	}

	if !o.TakeProfit.IsZero() {
		_, tpErr := c.sdk.NewCreateOrderService().
			Symbol(o.Symbol).
			Side(toVenueSide(o.Side.Opposite())).
			Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(o.TakeProfit.String()).
			ClosePosition(true).
			Do(ctx)
		if tpErr != nil {
			// The entry stands; surface the TP failure to the caller.
			return nil, c.wrapErr("/fapi/v1/order", o.Symbol, tpErr)
		}
	}
	return &common.Order{
		OrderID:    strconv.FormatInt(res.OrderID, 10),
		ClientID:   res.ClientOrderID,
		AccountID:  c.creds.AccountID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Qty:        o.Qty,
		Kind:       o.Kind,
		Price:      o.Price,
		TakeProfit: o.TakeProfit,
		Status:     mapStatus(res.Status),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// AmendOrder modifies an open limit order's price. Binance requires side and
// quantity on modify, so the current order is fetched first.
func (c *Client) AmendOrder(ctx context.Context, symbol, orderID string, newPrice decimal.Decimal) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return &common.ValidationError{Field: "order_id", Reason: "not numeric: " + orderID}
	}
	cur, err := c.sdk.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return c.wrapErr("/fapi/v1/order", symbol, err)
	}
	_, err = c.sdk.NewModifyOrderService().
		Symbol(symbol).
		OrderID(id).
		Side(cur.Side).
		Quantity(cur.OrigQuantity).
		Price(newPrice.String()).
		Do(ctx)
	return c.wrapErr("/fapi/v1/order", symbol, err)
}

// CancelOrder cancels one order by id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return &common.ValidationError{Field: "order_id", Reason: "not numeric: " + orderID}
	}
	_, err = c.sdk.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return c.wrapErr("/fapi/v1/order", symbol, err)
}

// CancelAllOrders removes every open order on the symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	err := c.sdk.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
	return c.wrapErr("/fapi/v1/allOpenOrders", symbol, err)
}

// ClosePosition flattens the symbol with a reduce-only market order.
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	pos, err := c.GetPosition(ctx, symbol)
	if err != nil {
		return err
	}
	if pos.Empty() {
		return nil
	}
	_, err = c.PlaceOrder(ctx, common.OrderRequest{
		Symbol:     symbol,
		Side:       pos.Side.Opposite(),
		Qty:        pos.Size,
		Kind:       common.OrderMarket,
		ReduceOnly: true,
	})
	return err
}

// GetOrderStatus queries one order. Unknown orders (-2013) map to nil, nil.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (*common.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, &common.ValidationError{Field: "order_id", Reason: "not numeric: " + orderID}
	}
	o, err := c.sdk.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if apiCode(err) == -2013 {
		return nil, nil
	}
	if err != nil {
		return nil, c.wrapErr("/fapi/v1/order", symbol, err)
	}
	side := common.SideBuy
	if o.Side == futures.SideTypeSell {
		side = common.SideSell
	}
	return &common.Order{
		OrderID:   strconv.FormatInt(o.OrderID, 10),
		ClientID:  o.ClientOrderID,
		AccountID: c.creds.AccountID,
		Symbol:    o.Symbol,
		Side:      side,
		Qty:       dec(o.OrigQuantity),
		Price:     dec(o.Price),
		Status:    mapStatus(o.Status),
		FilledQty: dec(o.ExecutedQuantity),
		AvgPrice:  dec(o.AvgPrice),
	}, nil
}

// GetTicker returns the latest quote from the book ticker.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.PriceQuote, error) {
	books, err := c.sdk.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return common.PriceQuote{}, c.wrapErr("/fapi/v1/ticker/bookTicker", symbol, err)
	}
	if len(books) == 0 {
		return common.PriceQuote{}, &common.ExchangeError{
			Exchange: common.ExchangeBinance, Endpoint: "/fapi/v1/ticker/bookTicker",
			Message: "no ticker for " + symbol, Symbol: symbol,
		}
	}
	bid := dec(books[0].BidPrice)
	ask := dec(books[0].AskPrice)
	return common.PriceQuote{
		Last: bid.Add(ask).Div(decimal.NewFromInt(2)).InexactFloat64(),
		Bid:  bid.InexactFloat64(),
		Ask:  ask.InexactFloat64(),
	}, nil
}

// GetInstrument resolves a raw ticker against exchange info filters.
func (c *Client) GetInstrument(ctx context.Context, raw string) (common.SymbolSpec, error) {
	symbol := normalizeSymbol(raw)
	info, err := c.sdk.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return common.SymbolSpec{}, c.wrapErr("/fapi/v1/exchangeInfo", symbol, err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		spec := common.SymbolSpec{
			Raw:          raw,
			Symbol:       s.Symbol,
			Exchange:     common.ExchangeBinance,
			ContractSize: decimal.NewFromInt(1),
			ResolvedAt:   time.Now().UTC(),
		}
		if pf := s.PriceFilter(); pf != nil {
			spec.TickSize = dec(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			spec.LotSize = dec(lf.StepSize)
			spec.MinQty = dec(lf.MinQuantity)
			spec.MaxQty = dec(lf.MaxQuantity)
		}
		return spec, nil
	}
	return common.SymbolSpec{}, &common.ExchangeError{
		Exchange: common.ExchangeBinance, Endpoint: "/fapi/v1/exchangeInfo",
		Message: "unknown instrument " + symbol, Symbol: symbol,
	}
}

// Stream returns the listen-key based user stream dialect.
func (c *Client) Stream() common.StreamDialect {
	return &streamDialect{creds: c.creds, sdk: c.sdk}
}

func normalizeSymbol(raw string) string {
	s := strings.ToUpper(raw)
	s = strings.TrimSuffix(s, ".P")
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

func toVenueSide(s common.Side) futures.SideType {
	if s == common.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func mapStatus(s futures.OrderStatusType) common.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return common.StatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return common.StatusPartial
	case futures.OrderStatusTypeFilled:
		return common.StatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return common.StatusCanceled
	case futures.OrderStatusTypeRejected:
		return common.StatusRejected
	}
	return common.StatusUnknown
}

// wrapErr maps SDK errors into the shared taxonomy.
func (c *Client) wrapErr(endpoint, symbol string, err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*bcommon.APIError); ok {
		if apiErr.Code == -1003 { // too many requests
			return &common.RateLimitError{Scope: "binance", RetryAfter: time.Minute}
		}
		return &common.ExchangeError{
			Exchange:  common.ExchangeBinance,
			Endpoint:  endpoint,
			Code:      strconv.FormatInt(apiErr.Code, 10),
			Message:   apiErr.Message,
			AccountID: c.creds.AccountID,
			Symbol:    symbol,
		}
	}
	return &common.ConnectionError{Exchange: common.ExchangeBinance, URL: endpoint, Err: err}
}

func apiCode(err error) int64 {
	if apiErr, ok := err.(*bcommon.APIError); ok {
		return apiErr.Code
	}
	return 0
}

// dec parses exchange decimal strings, treating blanks as zero.
func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
