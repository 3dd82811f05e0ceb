package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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

const restURL = "https://www.okx.com"

// Client handles OKX v5 USDT perpetual swaps.
type Client struct {
	creds      common.Credentials
	httpClient *http.Client
}

// New creates an OKX adapter for one credential set.
func New(creds common.Credentials) *Client {
	return &Client{
		creds:      creds,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Name() common.ExchangeKind { return common.ExchangeOKX }

// GetBalance returns the USDT trading-account balance.
func (c *Client) GetBalance(ctx context.Context) (common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v5/account/balance", url.Values{"ccy": {"USDT"}}, nil)
	if err != nil {
		return common.Balance{}, err
	}
	var res []struct {
		Details []struct {
			Ccy     string `json:"ccy"`
			CashBal string `json:"cashBal"`
			Eq      string `json:"eq"`
		} `json:"details"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.Balance{}, fmt.Errorf("decode balance: %w", err)
	}
	for _, acct := range res {
		for _, d := range acct.Details {
			if d.Ccy == "USDT" {
				return common.Balance{
					Balance: dec(d.CashBal).InexactFloat64(),
					Equity:  dec(d.Eq).InexactFloat64(),
				}, nil
			}
		}
	}
	return common.Balance{}, nil
}

// GetPosition returns the net position for one instrument, nil when flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*common.Position, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v5/account/positions", url.Values{"instId": {symbol}}, nil)
	if err != nil {
		return nil, err
	}
	var res []positionEntry
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	for _, p := range res {
		if pos := c.toPosition(p); !pos.Empty() {
			return pos, nil
		}
	}
	return nil, nil
}

// GetAllPositions returns every open swap position.
func (c *Client) GetAllPositions(ctx context.Context) ([]common.Position, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v5/account/positions", url.Values{"instType": {"SWAP"}}, nil)
	if err != nil {
		return nil, err
	}
	var res []positionEntry
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	var out []common.Position
	for _, p := range res {
		if pos := c.toPosition(p); !pos.Empty() {
			out = append(out, *pos)
		}
	}
	return out, nil
}

func (c *Client) toPosition(p positionEntry) *common.Position {
	size := dec(p.Pos)
	if size.IsZero() {
		return &common.Position{}
	}
	side := common.SideBuy
	if size.IsNegative() {
		side = common.SideSell
		size = size.Abs()
	}
	lev, _ := strconv.Atoi(p.Lever)
	return &common.Position{
		AccountID:     c.creds.AccountID,
		Symbol:        p.InstID,
		Side:          side,
		Size:          size,
		EntryPrice:    dec(p.AvgPx),
		Leverage:      lev,
		UnrealizedPnL: dec(p.Upl),
	}
}

// SetLeverage applies cross leverage for the instrument.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	req := map[string]any{
		"instId":  symbol,
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "cross",
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/api/v5/account/set-leverage", nil, req)
	return err
}

// ResetPositionMode forces net mode. Account-wide on okx; 59000 means open
// positions block the switch and the current mode stays.
func (c *Client) ResetPositionMode(ctx context.Context, symbol string) error {
	req := map[string]any{"posMode": "net_mode"}
	_, err := c.doSigned(ctx, http.MethodPost, "/api/v5/account/set-position-mode", nil, req)
	if isCode(err, "59000") {
		return nil
	}
	return err
}

// PlaceOrder submits a market or limit order. Take profit rides along as an
// attached algo order.
func (c *Client) PlaceOrder(ctx context.Context, o common.OrderRequest) (*common.Order, error) {
	req := map[string]any{
		"instId": o.Symbol,
		"tdMode": "cross",
		"side":   string(o.Side),
		"sz":     o.Qty.String(),
	}
	if o.Kind == common.OrderMarket {
		req["ordType"] = "market"
	} else {
		req["ordType"] = "limit"
		req["px"] = o.Price.String()
	}
	if !o.TakeProfit.IsZero() {
		req["attachAlgoOrds"] = []map[string]any{{
			"tpTriggerPx": o.TakeProfit.String(),
			"tpOrdPx":     "-1", // market on trigger
		}}
	}
	if o.ClientID != "" {
		req["clOrdId"] = sanitizeClientID(o.ClientID)
	}
	if o.ReduceOnly {
		req["reduceOnly"] = true
	}
	body, err := c.doSigned(ctx, http.MethodPost, "/api/v5/trade/order", nil, req)
	if err != nil {
		return nil, err
	}
	var res []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode place order: %w", err)
	}
	if len(res) == 0 {
		return nil, &common.ExchangeError{
			Exchange: common.ExchangeOKX, Endpoint: "/api/v5/trade/order",
			Message: "empty order response", AccountID: c.creds.AccountID, Symbol: o.Symbol,
		}
	}
	if res[0].SCode != "" && res[0].SCode != "0" {
		return nil, &common.ExchangeError{
			Exchange: common.ExchangeOKX, Endpoint: "/api/v5/trade/order",
			Code: res[0].SCode, Message: res[0].SMsg,
			AccountID: c.creds.AccountID, Symbol: o.Symbol,
		}
	}
	return &common.Order{
		OrderID:    res[0].OrdID,
		ClientID:   res[0].ClOrdID,
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
		"instId": symbol,
		"ordId":  orderID,
		"newPx":  newPrice.String(),
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/api/v5/trade/amend-order", nil, req)
	return err
}

// CancelOrder cancels one order by id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	req := map[string]any{"instId": symbol, "ordId": orderID}
	_, err := c.doSigned(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, req)
	return err
}

// CancelAllOrders lists pending orders for the instrument and batch-cancels
// them. OKX has no symbol-wide cancel endpoint.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v5/trade/orders-pending", url.Values{"instId": {symbol}}, nil)
	if err != nil {
		return err
	}
	var pending []struct {
		OrdID string `json:"ordId"`
	}
	if err := json.Unmarshal(body, &pending); err != nil {
		return fmt.Errorf("decode pending orders: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	batch := make([]map[string]any, 0, len(pending))
	for _, p := range pending {
		batch = append(batch, map[string]any{"instId": symbol, "ordId": p.OrdID})
	}
	_, err = c.doSignedSlice(ctx, "/api/v5/trade/cancel-batch-orders", batch)
	return err
}

// ClosePosition flattens the instrument at market. Already-flat (51023) is a
// no-op.
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	req := map[string]any{"instId": symbol, "mgnMode": "cross"}
	_, err := c.doSigned(ctx, http.MethodPost, "/api/v5/trade/close-position", nil, req)
	if isCode(err, "51023") {
		return nil
	}
	return err
}

// GetOrderStatus queries one order. Gone orders (51603) map to nil, nil.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (*common.Order, error) {
	params := url.Values{"instId": {symbol}, "ordId": {orderID}}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v5/trade/order", params, nil)
	if isCode(err, "51603") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		InstID  string `json:"instId"`
		Side    string `json:"side"`
		Px      string `json:"px"`
		Sz      string `json:"sz"`
		State   string `json:"state"`
		AccFill string `json:"accFillSz"`
		AvgPx   string `json:"avgPx"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode order query: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	o := res[0]
	side := common.SideBuy
	if o.Side == "sell" {
		side = common.SideSell
	}
	return &common.Order{
		OrderID:   o.OrdID,
		ClientID:  o.ClOrdID,
		AccountID: c.creds.AccountID,
		Symbol:    o.InstID,
		Side:      side,
		Qty:       dec(o.Sz),
		Price:     dec(o.Px),
		Status:    mapState(o.State),
		FilledQty: dec(o.AccFill),
		AvgPrice:  dec(o.AvgPx),
	}, nil
}

// GetTicker returns the latest quote. Public endpoint.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.PriceQuote, error) {
	body, err := c.doPublic(ctx, "/api/v5/market/ticker", url.Values{"instId": {symbol}})
	if err != nil {
		return common.PriceQuote{}, err
	}
	var res []struct {
		Last  string `json:"last"`
		BidPx string `json:"bidPx"`
		AskPx string `json:"askPx"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.PriceQuote{}, fmt.Errorf("decode ticker: %w", err)
	}
	if len(res) == 0 {
		return common.PriceQuote{}, &common.ExchangeError{
			Exchange: common.ExchangeOKX, Endpoint: "/api/v5/market/ticker",
			Message: "no ticker for " + symbol, Symbol: symbol,
		}
	}
	return common.PriceQuote{
		Last: dec(res[0].Last).InexactFloat64(),
		Bid:  dec(res[0].BidPx).InexactFloat64(),
		Ask:  dec(res[0].AskPx).InexactFloat64(),
	}, nil
}

// GetInstrument resolves a raw ticker into the SWAP instrument spec. OKX
// sizes orders in contracts, so ctVal matters for quantity conversion.
func (c *Client) GetInstrument(ctx context.Context, raw string) (common.SymbolSpec, error) {
	instID := normalizeSymbol(raw)
	params := url.Values{"instType": {"SWAP"}, "instId": {instID}}
	body, err := c.doPublic(ctx, "/api/v5/public/instruments", params)
	if err != nil {
		return common.SymbolSpec{}, err
	}
	var res []struct {
		InstID   string `json:"instId"`
		TickSz   string `json:"tickSz"`
		LotSz    string `json:"lotSz"`
		CtVal    string `json:"ctVal"`
		MinSz    string `json:"minSz"`
		MaxLmtSz string `json:"maxLmtSz"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.SymbolSpec{}, fmt.Errorf("decode instruments: %w", err)
	}
	if len(res) == 0 {
		return common.SymbolSpec{}, &common.ExchangeError{
			Exchange: common.ExchangeOKX, Endpoint: "/api/v5/public/instruments",
			Message: "unknown instrument " + instID, Symbol: instID,
		}
	}
	inst := res[0]
	return common.SymbolSpec{
		Raw:          raw,
		Symbol:       inst.InstID,
		Exchange:     common.ExchangeOKX,
		TickSize:     dec(inst.TickSz),
		LotSize:      dec(inst.LotSz),
		ContractSize: dec(inst.CtVal),
		MinQty:       dec(inst.MinSz),
		MaxQty:       dec(inst.MaxLmtSz),
		ResolvedAt:   time.Now().UTC(),
	}, nil
}

// Stream returns the private websocket dialect.
func (c *Client) Stream() common.StreamDialect {
	return &streamDialect{creds: c.creds}
}

// normalizeSymbol maps BTCUSDT / BTCUSDT.P / BTC-USDT to BTC-USDT-SWAP.
func normalizeSymbol(raw string) string {
	s := strings.ToUpper(raw)
	s = strings.TrimSuffix(s, ".P")
	s = strings.ReplaceAll(s, "/", "-")
	if strings.HasSuffix(s, "-SWAP") {
		return s
	}
	if !strings.Contains(s, "-") {
		if base, ok := strings.CutSuffix(s, "USDT"); ok {
			s = base + "-USDT"
		}
	}
	return s + "-SWAP"
}

// sanitizeClientID strips characters okx rejects in clOrdId.
func sanitizeClientID(id string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return -1
	}, id)
	if len(cleaned) > 32 {
		cleaned = cleaned[:32]
	}
	return cleaned
}

func mapState(s string) common.OrderStatus {
	switch s {
	case "live":
		return common.StatusNew
	case "partially_filled":
		return common.StatusPartial
	case "filled":
		return common.StatusFilled
	case "canceled", "mmp_canceled":
		return common.StatusCanceled
	}
	return common.StatusUnknown
}

type positionEntry struct {
	InstID string `json:"instId"`
	Pos    string `json:"pos"`
	AvgPx  string `json:"avgPx"`
	Lever  string `json:"lever"`
	Upl    string `json:"upl"`
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, restURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.send(req, path)
}

// doSignedSlice posts a JSON array body (batch endpoints).
func (c *Client) doSignedSlice(ctx context.Context, path string, batch []map[string]any) ([]byte, error) {
	raw, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	return c.doSignedRaw(ctx, http.MethodPost, path, "", raw)
}

// doSigned signs per OKX v5: base64 HMAC-SHA256 over
// timestamp + method + requestPath(+query) + body.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, bodyObj map[string]any) ([]byte, error) {
	query := ""
	if len(params) > 0 {
		query = "?" + params.Encode()
	}
	var raw []byte
	if bodyObj != nil {
		var err error
		raw, err = json.Marshal(bodyObj)
		if err != nil {
			return nil, err
		}
	}
	return c.doSignedRaw(ctx, method, path, query, raw)
}

func (c *Client) doSignedRaw(ctx context.Context, method, path, query string, body []byte) ([]byte, error) {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(ts + method + path + query + string(body)))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, restURL+path+query, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("OK-ACCESS-KEY", c.creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", sig)
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.creds.Passphrase)
	if c.creds.Testnet {
		req.Header.Set("x-simulated-trading", "1")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, path)
}

func (c *Client) send(req *http.Request, path string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.ConnectionError{Exchange: common.ExchangeOKX, URL: restURL + path, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &common.ConnectionError{Exchange: common.ExchangeOKX, URL: restURL + path, Err: err}
	}
	if res.StatusCode == http.StatusTooManyRequests {
		return nil, &common.RateLimitError{Scope: "okx", RetryAfter: 2 * time.Second}
	}
	var env struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("okx %s status %d: %s", path, res.StatusCode, string(body))
	}
	if env.Code != "0" {
		if env.Code == "50011" { // requests too frequent
			return nil, &common.RateLimitError{Scope: "okx", RetryAfter: 2 * time.Second}
		}
		code, msg := env.Code, env.Msg
		// Code "1" means all items in the batch failed; the real cause is in
		// the per-item sCode.
		if env.Code == "1" {
			var items []struct {
				SCode string `json:"sCode"`
				SMsg  string `json:"sMsg"`
			}
			if json.Unmarshal(env.Data, &items) == nil && len(items) > 0 && items[0].SCode != "" {
				code, msg = items[0].SCode, items[0].SMsg
			}
		}
		return nil, &common.ExchangeError{
			Exchange:  common.ExchangeOKX,
			Endpoint:  path,
			Code:      code,
			Message:   msg,
			AccountID: c.creds.AccountID,
		}
	}
	return env.Data, nil
}

func isCode(err error, code string) bool {
	var ee *common.ExchangeError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
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
