package bitget

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

const restURL = "https://api.bitget.com"

// Client handles Bitget v2 mix (USDT futures).
type Client struct {
	creds       common.Credentials
	productType string
	marginCoin  string
	httpClient  *http.Client
}

// New creates a Bitget adapter for one credential set. Testnet keys trade
// the demo product line (SUSDT-FUTURES).
func New(creds common.Credentials) *Client {
	productType, marginCoin := "USDT-FUTURES", "USDT"
	if creds.Testnet {
		productType, marginCoin = "SUSDT-FUTURES", "SUSDT"
	}
	return &Client{
		creds:       creds,
		productType: productType,
		marginCoin:  marginCoin,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Name() common.ExchangeKind { return common.ExchangeBitget }

// GetBalance returns the futures margin-coin balance.
func (c *Client) GetBalance(ctx context.Context) (common.Balance, error) {
	params := url.Values{}
	params.Set("productType", c.productType)
	params.Set("marginCoin", c.marginCoin)
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v2/mix/account/account", params, nil)
	if err != nil {
		return common.Balance{}, err
	}
	var res struct {
		Available     string `json:"available"`
		AccountEquity string `json:"accountEquity"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.Balance{}, fmt.Errorf("decode balance: %w", err)
	}
	return common.Balance{
		Balance: dec(res.Available).InexactFloat64(),
		Equity:  dec(res.AccountEquity).InexactFloat64(),
	}, nil
}

// GetPosition returns the position for one symbol, nil when flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*common.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginCoin", c.marginCoin)
	params.Set("productType", c.productType)
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v2/mix/position/single-position", params, nil)
	if err != nil {
		return nil, err
	}
	var res []positionEntry
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	for _, p := range res {
		if pos := c.toPosition(p); !pos.Empty() {
			return pos, nil
		}
	}
	return nil, nil
}

// GetAllPositions returns every open position on the product line.
func (c *Client) GetAllPositions(ctx context.Context) ([]common.Position, error) {
	params := url.Values{}
	params.Set("productType", c.productType)
	params.Set("marginCoin", c.marginCoin)
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v2/mix/position/all-position", params, nil)
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
	size := dec(p.Total)
	if size.IsZero() {
		size = dec(p.Size)
	}
	if size.IsZero() {
		return &common.Position{}
	}
	side := common.SideBuy
	if strings.EqualFold(p.HoldSide, "short") {
		side = common.SideSell
	}
	lev, _ := strconv.Atoi(p.Leverage)
	return &common.Position{
		AccountID:     c.creds.AccountID,
		Symbol:        p.Symbol,
		Side:          side,
		Size:          size,
		EntryPrice:    dec(p.OpenPriceAvg),
		Leverage:      lev,
		UnrealizedPnL: dec(p.UnrealizedPL),
	}
}

// SetLeverage forces crossed margin first, then applies the leverage.
// Bitget keeps the two as separate calls.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	marginReq := map[string]any{
		"symbol":      symbol,
		"productType": c.productType,
		"marginCoin":  c.marginCoin,
		"marginMode":  "crossed",
	}
	if _, err := c.doSigned(ctx, http.MethodPost, "/api/v2/mix/account/set-margin-mode", nil, marginReq); err != nil {
		return err
	}
	levReq := map[string]any{
		"symbol":      symbol,
		"productType": c.productType,
		"marginCoin":  c.marginCoin,
		"leverage":    strconv.Itoa(leverage),
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/api/v2/mix/account/set-leverage", nil, levReq)
	return err
}

// ResetPositionMode forces one-way mode, account-wide on bitget.
func (c *Client) ResetPositionMode(ctx context.Context, symbol string) error {
	req := map[string]any{
		"productType": c.productType,
		"posMode":     "one_way_mode",
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/api/v2/mix/account/set-position-mode", nil, req)
	return err
}

// PlaceOrder submits a market or limit order.
func (c *Client) PlaceOrder(ctx context.Context, o common.OrderRequest) (*common.Order, error) {
	req := map[string]any{
		"symbol":      o.Symbol,
		"productType": c.productType,
		"marginMode":  "crossed",
		"marginCoin":  c.marginCoin,
		"size":        o.Qty.String(),
		"side":        string(o.Side),
	}
	if o.Kind == common.OrderMarket {
		req["orderType"] = "market"
	} else {
		req["orderType"] = "limit"
		req["price"] = o.Price.String()
	}
	if !o.TakeProfit.IsZero() {
		req["presetStopSurplusPrice"] = o.TakeProfit.String()
	}
	if o.ClientID != "" {
		req["clientOid"] = o.ClientID
	}
	if o.ReduceOnly {
		req["reduceOnly"] = "YES"
	}
	body, err := c.doSigned(ctx, http.MethodPost, "/api/v2/mix/order/place-order", nil, req)
	if err != nil {
		return nil, err
	}
	var res struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode place order: %w", err)
	}
	return &common.Order{
		OrderID:    res.OrderID,
		ClientID:   res.ClientOid,
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

// AmendOrder moves an open order to a new price. Bitget requires a fresh
// clientOid on every modification.
func (c *Client) AmendOrder(ctx context.Context, symbol, orderID string, newPrice decimal.Decimal) error {
	req := map[string]any{
		"orderId":      orderID,
		"symbol":       symbol,
		"productType":  c.productType,
		"newClientOid": fmt.Sprintf("amend-%s-%d", orderID, time.Now().UnixMilli()),
		"newPrice":     newPrice.String(),
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/api/v2/mix/order/modify-order", nil, req)
	return err
}

// CancelOrder cancels one order by id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	req := map[string]any{
		"symbol":      symbol,
		"productType": c.productType,
		"orderId":     orderID,
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/api/v2/mix/order/cancel-order", nil, req)
	return err
}

// CancelAllOrders removes normal and plan (trigger) orders for the symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	base := map[string]any{
		"productType": c.productType,
		"marginCoin":  c.marginCoin,
		"symbol":      symbol,
	}
	if _, err := c.doSigned(ctx, http.MethodPost, "/api/v2/mix/order/cancel-all-orders", nil, base); err != nil {
		return err
	}
	plan := map[string]any{
		"productType": c.productType,
		"marginCoin":  c.marginCoin,
		"symbol":      symbol,
		"planType":    "normal_plan",
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/api/v2/mix/order/cancel-plan-order", nil, plan)
	return err
}

// ClosePosition flattens the symbol at market. No-position (22002) is fine.
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	req := map[string]any{
		"symbol":      symbol,
		"productType": c.productType,
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/api/v2/mix/order/close-positions", nil, req)
	if isCode(err, "22002") {
		return nil
	}
	return err
}

// GetOrderStatus queries one order. Not-found orders map to nil, nil.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (*common.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	params.Set("productType", c.productType)
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v2/mix/order/detail", params, nil)
	if isCode(err, "40109") { // order data does not exist
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res struct {
		OrderID      string `json:"orderId"`
		ClientOid    string `json:"clientOid"`
		Symbol       string `json:"symbol"`
		Side         string `json:"side"`
		Size         string `json:"size"`
		Price        string `json:"price"`
		State        string `json:"state"`
		BaseVolume   string `json:"baseVolume"`
		PriceAvg     string `json:"priceAvg"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode order detail: %w", err)
	}
	if res.OrderID == "" {
		return nil, nil
	}
	side := common.SideBuy
	if res.Side == "sell" {
		side = common.SideSell
	}
	return &common.Order{
		OrderID:   res.OrderID,
		ClientID:  res.ClientOid,
		AccountID: c.creds.AccountID,
		Symbol:    res.Symbol,
		Side:      side,
		Qty:       dec(res.Size),
		Price:     dec(res.Price),
		Status:    mapState(res.State),
		FilledQty: dec(res.BaseVolume),
		AvgPrice:  dec(res.PriceAvg),
	}, nil
}

// GetTicker returns the latest quote. Public endpoint.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.PriceQuote, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("productType", c.productType)
	body, err := c.doPublic(ctx, "/api/v2/mix/market/ticker", params)
	if err != nil {
		return common.PriceQuote{}, err
	}
	var res []struct {
		LastPr string `json:"lastPr"`
		BidPr  string `json:"bidPr"`
		AskPr  string `json:"askPr"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.PriceQuote{}, fmt.Errorf("decode ticker: %w", err)
	}
	if len(res) == 0 {
		return common.PriceQuote{}, &common.ExchangeError{
			Exchange: common.ExchangeBitget, Endpoint: "/api/v2/mix/market/ticker",
			Message: "no ticker for " + symbol, Symbol: symbol,
		}
	}
	return common.PriceQuote{
		Last: dec(res[0].LastPr).InexactFloat64(),
		Bid:  dec(res[0].BidPr).InexactFloat64(),
		Ask:  dec(res[0].AskPr).InexactFloat64(),
	}, nil
}

// GetInstrument resolves a raw ticker into the venue spec. Bitget expresses
// tick size as priceEndStep scaled by pricePlace decimals.
func (c *Client) GetInstrument(ctx context.Context, raw string) (common.SymbolSpec, error) {
	symbol := normalizeSymbol(raw)
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("productType", c.productType)
	body, err := c.doPublic(ctx, "/api/v2/mix/market/instruments-info", params)
	if err != nil {
		return common.SymbolSpec{}, err
	}
	var res []struct {
		Symbol         string `json:"symbol"`
		PricePlace     string `json:"pricePlace"`
		PriceEndStep   string `json:"priceEndStep"`
		SizeMultiplier string `json:"sizeMultiplier"`
		MinTradeNum    string `json:"minTradeNum"`
		MaxOrderNum    string `json:"maxOrderNum"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.SymbolSpec{}, fmt.Errorf("decode instruments: %w", err)
	}
	if len(res) == 0 {
		return common.SymbolSpec{}, &common.ExchangeError{
			Exchange: common.ExchangeBitget, Endpoint: "/api/v2/mix/market/instruments-info",
			Message: "unknown instrument " + symbol, Symbol: symbol,
		}
	}
	inst := res[0]
	places, _ := strconv.ParseInt(inst.PricePlace, 10, 32)
	tick := dec(inst.PriceEndStep).Shift(int32(-places))
	return common.SymbolSpec{
		Raw:          raw,
		Symbol:       inst.Symbol,
		Exchange:     common.ExchangeBitget,
		TickSize:     tick,
		LotSize:      dec(inst.SizeMultiplier),
		ContractSize: decimal.NewFromInt(1),
		MinQty:       dec(inst.MinTradeNum),
		MaxQty:       dec(inst.MaxOrderNum),
		ResolvedAt:   time.Now().UTC(),
	}, nil
}

// Stream returns the private websocket dialect.
func (c *Client) Stream() common.StreamDialect {
	return &streamDialect{creds: c.creds, instType: c.productType}
}

func normalizeSymbol(raw string) string {
	s := strings.ToUpper(raw)
	s = strings.TrimSuffix(s, ".P")
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

func mapState(s string) common.OrderStatus {
	switch s {
	case "live", "new", "init":
		return common.StatusNew
	case "partially_filled":
		return common.StatusPartial
	case "filled":
		return common.StatusFilled
	case "canceled", "cancelled":
		return common.StatusCanceled
	}
	return common.StatusUnknown
}

type positionEntry struct {
	Symbol       string `json:"symbol"`
	HoldSide     string `json:"holdSide"`
	Total        string `json:"total"`
	Size         string `json:"size"`
	OpenPriceAvg string `json:"openPriceAvg"`
	Leverage     string `json:"leverage"`
	UnrealizedPL string `json:"unrealizedPL"`
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, restURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.send(req, path)
}

// doSigned signs per Bitget v2: base64 HMAC-SHA256 over
// timestamp + METHOD + requestPath(+query) + body, epoch-ms timestamp.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, bodyObj map[string]any) ([]byte, error) {
	query := ""
	if len(params) > 0 {
		query = "?" + params.Encode()
	}
	var raw []byte
	var reader io.Reader
	if bodyObj != nil {
		var err error
		raw, err = json.Marshal(bodyObj)
		if err != nil {
			return nil, err
		}
		reader = strings.NewReader(string(raw))
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(ts + method + path + query + string(raw)))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, restURL+path+query, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("ACCESS-KEY", c.creds.APIKey)
	req.Header.Set("ACCESS-SIGN", sig)
	req.Header.Set("ACCESS-TIMESTAMP", ts)
	req.Header.Set("ACCESS-PASSPHRASE", c.creds.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, path)
}

func (c *Client) send(req *http.Request, path string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.ConnectionError{Exchange: common.ExchangeBitget, URL: restURL + path, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &common.ConnectionError{Exchange: common.ExchangeBitget, URL: restURL + path, Err: err}
	}
	if res.StatusCode == http.StatusTooManyRequests {
		return nil, &common.RateLimitError{Scope: "bitget", RetryAfter: time.Second}
	}
	var env struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bitget %s status %d: %s", path, res.StatusCode, string(body))
	}
	if env.Code != "00000" {
		if env.Code == "429" || env.Code == "45001" {
			return nil, &common.RateLimitError{Scope: "bitget", RetryAfter: time.Second}
		}
		return nil, &common.ExchangeError{
			Exchange:  common.ExchangeBitget,
			Endpoint:  path,
			Code:      env.Code,
			Message:   env.Msg,
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
