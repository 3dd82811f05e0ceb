package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"signalcore/pkg/exchanges/common"
)

const (
	mainnetURL = "https://api.bybit.com"
	testnetURL = "https://api-testnet.bybit.com"

	recvWindow = "5000"
	category   = "linear"
)

// Client handles Bybit v5 USDT perpetuals.
type Client struct {
	creds      common.Credentials
	baseURL    string
	httpClient *http.Client
}

// New creates a Bybit adapter for one credential set.
func New(creds common.Credentials) *Client {
	base := mainnetURL
	if creds.Testnet {
		base = testnetURL
	}
	return &Client{
		creds:      creds,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Name() common.ExchangeKind { return common.ExchangeBybit }

// GetBalance returns the unified account USDT balance.
func (c *Client) GetBalance(ctx context.Context) (common.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	body, err := c.doSigned(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil)
	if err != nil {
		return common.Balance{}, err
	}
	var res walletResult
	if err := json.Unmarshal(body, &res); err != nil {
		return common.Balance{}, fmt.Errorf("decode wallet balance: %w", err)
	}
	if len(res.List) == 0 {
		return common.Balance{}, nil
	}
	acct := res.List[0]
	for _, coin := range acct.Coin {
		if coin.Coin == "USDT" {
			return common.Balance{
				Balance: dec(coin.WalletBalance).InexactFloat64(),
				Equity:  dec(coin.Equity).InexactFloat64(),
			}, nil
		}
	}
	return common.Balance{
		Balance: dec(acct.TotalWalletBalance).InexactFloat64(),
		Equity:  dec(acct.TotalEquity).InexactFloat64(),
	}, nil
}

// GetPosition returns the position for one symbol, nil when flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*common.Position, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	body, err := c.doSigned(ctx, http.MethodGet, "/v5/position/list", params, nil)
	if err != nil {
		return nil, err
	}
	var res positionResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	for _, p := range res.List {
		if pos := c.toPosition(p); !pos.Empty() {
			return pos, nil
		}
	}
	return nil, nil
}

// GetAllPositions returns every open position (settleCoin scoped).
func (c *Client) GetAllPositions(ctx context.Context) ([]common.Position, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("settleCoin", "USDT")
	body, err := c.doSigned(ctx, http.MethodGet, "/v5/position/list", params, nil)
	if err != nil {
		return nil, err
	}
	var res positionResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	var out []common.Position
	for _, p := range res.List {
		if pos := c.toPosition(p); !pos.Empty() {
			out = append(out, *pos)
		}
	}
	return out, nil
}

func (c *Client) toPosition(p positionEntry) *common.Position {
	size := dec(p.Size)
	if size.IsZero() {
		return &common.Position{}
	}
	lev, _ := strconv.Atoi(p.Leverage)
	return &common.Position{
		AccountID:     c.creds.AccountID,
		Symbol:        p.Symbol,
		Side:          mapSide(p.Side),
		Size:          size,
		EntryPrice:    dec(p.AvgPrice),
		Leverage:      lev,
		UnrealizedPnL: dec(p.UnrealisedPnl),
	}
}

// SetLeverage applies the same leverage to both directions. Bybit returns
// retCode 110043 when the value is already set; that is not an error here.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	req := map[string]any{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/position/set-leverage", nil, req)
	if isRetCode(err, 110043) {
		return nil
	}
	return err
}

// ResetPositionMode forces one-way mode for the symbol. Already-set (110025)
// is ignored.
func (c *Client) ResetPositionMode(ctx context.Context, symbol string) error {
	req := map[string]any{
		"category": category,
		"symbol":   symbol,
		"mode":     0,
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/position/switch-mode", nil, req)
	if isRetCode(err, 110025) {
		return nil
	}
	return err
}

// PlaceOrder submits a market or limit order.
func (c *Client) PlaceOrder(ctx context.Context, o common.OrderRequest) (*common.Order, error) {
	req := map[string]any{
		"category": category,
		"symbol":   o.Symbol,
		"side":     toVenueSide(o.Side),
		"qty":      o.Qty.String(),
	}
	if o.Kind == common.OrderMarket {
		req["orderType"] = "Market"
	} else {
		req["orderType"] = "Limit"
		req["price"] = o.Price.String()
	}
	if !o.TakeProfit.IsZero() {
		req["takeProfit"] = o.TakeProfit.String()
		req["tpslMode"] = "Full"
	}
	if o.ClientID != "" {
		req["orderLinkId"] = o.ClientID
	}
	if o.ReduceOnly {
		req["reduceOnly"] = true
	}
	body, err := c.doSigned(ctx, http.MethodPost, "/v5/order/create", nil, req)
	if err != nil {
		return nil, err
	}
	var res orderCreateResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode order create: %w", err)
	}
	return &common.Order{
		OrderID:    res.OrderID,
		ClientID:   res.OrderLinkID,
		AccountID:  c.creds.AccountID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Qty:        o.Qty,
		Kind:       o.Kind,
		Price:      o.Price,
		TakeProfit: o.TakeProfit,
		Status:     common.StatusNew,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// AmendOrder moves an open order to a new price.
func (c *Client) AmendOrder(ctx context.Context, symbol, orderID string, newPrice decimal.Decimal) error {
	req := map[string]any{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
		"price":    newPrice.String(),
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/order/amend", nil, req)
	return err
}

// CancelOrder cancels one order by id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	req := map[string]any{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/order/cancel", nil, req)
	return err
}

// CancelAllOrders removes every open order on the symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	req := map[string]any{
		"category": category,
		"symbol":   symbol,
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/order/cancel-all", nil, req)
	return err
}

// ClosePosition flattens the symbol with a reduce-only market order sized to
// the current position. No position is a no-op.
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

// GetOrderStatus queries the realtime order view. An order absent from the
// realtime list has left the book; nil, nil signals the caller to treat it
// as done.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (*common.Order, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/v5/order/realtime", params, nil)
	if err != nil {
		return nil, err
	}
	var res orderQueryResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode order query: %w", err)
	}
	if len(res.List) == 0 {
		return nil, nil
	}
	o := res.List[0]
	return &common.Order{
		OrderID:   o.OrderID,
		ClientID:  o.OrderLinkID,
		AccountID: c.creds.AccountID,
		Symbol:    o.Symbol,
		Side:      mapSide(o.Side),
		Qty:       dec(o.Qty),
		Price:     dec(o.Price),
		Status:    mapStatus(o.OrderStatus),
		FilledQty: dec(o.CumExecQty),
		AvgPrice:  dec(o.AvgPrice),
	}, nil
}

// GetTicker returns the latest quote. Public endpoint, no signing.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.PriceQuote, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/v5/market/tickers", params)
	if err != nil {
		return common.PriceQuote{}, err
	}
	var res tickerResult
	if err := json.Unmarshal(body, &res); err != nil {
		return common.PriceQuote{}, fmt.Errorf("decode ticker: %w", err)
	}
	if len(res.List) == 0 {
		return common.PriceQuote{}, &common.ExchangeError{
			Exchange: common.ExchangeBybit, Endpoint: "/v5/market/tickers",
			Message: "no ticker for " + symbol, Symbol: symbol,
		}
	}
	t := res.List[0]
	return common.PriceQuote{
		Last: dec(t.LastPrice).InexactFloat64(),
		Bid:  dec(t.Bid1Price).InexactFloat64(),
		Ask:  dec(t.Ask1Price).InexactFloat64(),
	}, nil
}

// GetInstrument resolves a raw ticker like BTCUSDT into the venue spec.
func (c *Client) GetInstrument(ctx context.Context, raw string) (common.SymbolSpec, error) {
	symbol := normalizeSymbol(raw)
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/v5/market/instruments-info", params)
	if err != nil {
		return common.SymbolSpec{}, err
	}
	var res instrumentResult
	if err := json.Unmarshal(body, &res); err != nil {
		return common.SymbolSpec{}, fmt.Errorf("decode instruments: %w", err)
	}
	if len(res.List) == 0 {
		return common.SymbolSpec{}, &common.ExchangeError{
			Exchange: common.ExchangeBybit, Endpoint: "/v5/market/instruments-info",
			Message: "unknown instrument " + symbol, Symbol: symbol,
		}
	}
	inst := res.List[0]
	return common.SymbolSpec{
		Raw:          raw,
		Symbol:       inst.Symbol,
		Exchange:     common.ExchangeBybit,
		TickSize:     dec(inst.PriceFilter.TickSize),
		LotSize:      dec(inst.LotSizeFilter.QtyStep),
		ContractSize: decimal.NewFromInt(1),
		MinQty:       dec(inst.LotSizeFilter.MinOrderQty),
		MaxQty:       dec(inst.LotSizeFilter.MaxOrderQty),
		ResolvedAt:   time.Now().UTC(),
	}, nil
}

// Stream returns the private websocket dialect.
func (c *Client) Stream() common.StreamDialect {
	return &streamDialect{creds: c.creds}
}

// normalizeSymbol maps tradingview-style tickers (BTCUSDT.P, BTC/USDT) to
// the venue symbol.
func normalizeSymbol(raw string) string {
	s := strings.ToUpper(raw)
	s = strings.TrimSuffix(s, ".P")
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// doPublic issues an unsigned GET and unwraps the v5 envelope.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.send(req, path)
}

// doSigned signs per Bybit v5: HMAC-SHA256 over timestamp+apiKey+recvWindow+payload,
// where payload is the query string for GET and the JSON body for POST.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, bodyObj map[string]any) ([]byte, error) {
	var payload string
	var bodyReader io.Reader
	if method == http.MethodGet {
		payload = params.Encode()
	} else {
		raw, err := json.Marshal(bodyObj)
		if err != nil {
			return nil, err
		}
		payload = string(raw)
		bodyReader = strings.NewReader(payload)
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(ts + c.creds.APIKey + recvWindow + payload))
	sig := hex.EncodeToString(mac.Sum(nil))

	endpoint := c.baseURL + path
	if method == http.MethodGet && payload != "" {
		endpoint += "?" + payload
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BAPI-API-KEY", c.creds.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", sig)
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, path)
}

func (c *Client) send(req *http.Request, path string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.ConnectionError{Exchange: common.ExchangeBybit, URL: c.baseURL + path, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &common.ConnectionError{Exchange: common.ExchangeBybit, URL: c.baseURL + path, Err: err}
	}
	if res.StatusCode == http.StatusTooManyRequests {
		return nil, &common.RateLimitError{Scope: "bybit", RetryAfter: retryAfter(res)}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bybit %s status %d: %s", path, res.StatusCode, string(body))
	}
	if env.RetCode != 0 {
		if env.RetCode == 10006 { // request frequency exceeded
			return nil, &common.RateLimitError{Scope: "bybit", RetryAfter: time.Second}
		}
		return nil, &common.ExchangeError{
			Exchange:  common.ExchangeBybit,
			Endpoint:  path,
			Code:      strconv.Itoa(env.RetCode),
			Message:   env.RetMsg,
			AccountID: c.creds.AccountID,
		}
	}
	return env.Result, nil
}

func retryAfter(res *http.Response) time.Duration {
	if v := res.Header.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Second
}

func isRetCode(err error, code int) bool {
	var ee *common.ExchangeError
	if errors.As(err, &ee) {
		return ee.Code == strconv.Itoa(code)
	}
	return false
}
