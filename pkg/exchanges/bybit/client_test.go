package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcore/pkg/exchanges/common"
)

func testClient(srv *httptest.Server) *Client {
	c := New(common.Credentials{
		AccountID: "7",
		Exchange:  common.ExchangeBybit,
		APIKey:    "test-key",
		APISecret: "test-secret",
	})
	c.baseURL = srv.URL
	return c
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT.P": "BTCUSDT",
		"btcusdt":   "BTCUSDT",
		"BTC/USDT":  "BTCUSDT",
		"BTC-USDT":  "BTCUSDT",
		"ETHUSDT":   "ETHUSDT",
	}
	for raw, want := range cases {
		assert.Equal(t, want, normalizeSymbol(raw), raw)
	}
}

func TestDoSignedHeaders(t *testing.T) {
	var gotReq *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{}}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	err := c.CancelAllOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, gotReq)

	assert.Equal(t, "test-key", gotReq.Header.Get("X-BAPI-API-KEY"))
	assert.Equal(t, "5000", gotReq.Header.Get("X-BAPI-RECV-WINDOW"))
	assert.Equal(t, "application/json", gotReq.Header.Get("Content-Type"))

	// Recompute: HMAC-SHA256(ts + key + recvWindow + body).
	ts := gotReq.Header.Get("X-BAPI-TIMESTAMP")
	require.NotEmpty(t, ts)
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(ts + "test-key" + "5000" + string(gotBody)))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotReq.Header.Get("X-BAPI-SIGN"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, "linear", body["category"])
	assert.Equal(t, "BTCUSDT", body["symbol"])
}

func TestSendMapsRetCodeToExchangeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":110007,"retMsg":"insufficient available balance","result":{}}`))
	}))
	defer srv.Close()

	_, err := testClient(srv).GetBalance(context.Background())
	var ee *common.ExchangeError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, common.ExchangeBybit, ee.Exchange)
	assert.Equal(t, "110007", ee.Code)
	assert.Contains(t, ee.Message, "insufficient")
}

func TestSendMapsRateLimits(t *testing.T) {
	t.Run("ret_code_10006", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"retCode":10006,"retMsg":"rate limit","result":{}}`))
		}))
		defer srv.Close()

		_, err := testClient(srv).GetBalance(context.Background())
		var rl *common.RateLimitError
		require.ErrorAs(t, err, &rl)
	})

	t.Run("http_429_retry_after", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		_, err := testClient(srv).GetBalance(context.Background())
		var rl *common.RateLimitError
		require.ErrorAs(t, err, &rl)
		assert.Equal(t, 3*time.Second, rl.RetryAfter)
	})
}

func TestSetLeverageToleratesAlreadySet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":110043,"retMsg":"leverage not modified","result":{}}`))
	}))
	defer srv.Close()

	err := testClient(srv).SetLeverage(context.Background(), "BTCUSDT", 10)
	assert.NoError(t, err)
}

func TestGetOrderStatusGoneOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
	}))
	defer srv.Close()

	o, err := testClient(srv).GetOrderStatus(context.Background(), "BTCUSDT", "abc")
	require.NoError(t, err)
	assert.Nil(t, o, "an order missing from the realtime view has left the book")
}

func TestGetInstrument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{
			"symbol":"BTCUSDT",
			"priceFilter":{"tickSize":"0.10"},
			"lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001","maxOrderQty":"1190.000"}
		}]}}`))
	}))
	defer srv.Close()

	spec, err := testClient(srv).GetInstrument(context.Background(), "BTCUSDT.P")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT.P", spec.Raw)
	assert.Equal(t, "BTCUSDT", spec.Symbol)
	assert.True(t, spec.TickSize.Equal(dec("0.1")))
	assert.True(t, spec.LotSize.Equal(dec("0.001")))
	assert.True(t, spec.MaxQty.Equal(dec("1190")))
}

func TestStreamAuthFrame(t *testing.T) {
	d := &streamDialect{creds: common.Credentials{APIKey: "test-key", APISecret: "test-secret"}}
	frames, err := d.AuthFrames()
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var frame struct {
		Op   string `json:"op"`
		Args []any  `json:"args"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, "auth", frame.Op)
	require.Len(t, frame.Args, 3)
	assert.Equal(t, "test-key", frame.Args[0])

	expires := int64(frame.Args[1].(float64))
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), frame.Args[2])
}

func TestStreamSubscribeTopics(t *testing.T) {
	d := &streamDialect{}
	frames := d.SubscribeFrames([]common.ChannelKind{common.ChannelOrders, common.ChannelPositions})
	require.Len(t, frames, 1)

	var frame struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, "subscribe", frame.Op)
	assert.ElementsMatch(t, []string{"order", "execution", "position"}, frame.Args)
}

func TestStreamParseOrderTopic(t *testing.T) {
	d := &streamDialect{creds: common.Credentials{AccountID: "7"}}
	msg := []byte(`{"topic":"order","data":[{
		"orderId":"o1","orderLinkId":"sc123","symbol":"BTCUSDT","side":"Buy",
		"qty":"0.005","price":"50000","orderStatus":"PartiallyFilled",
		"cumExecQty":"0.002","avgPrice":"49999.5"
	}]}`)

	evts := d.Parse(msg)
	require.Len(t, evts, 1)
	require.Equal(t, common.StreamOrderUpdate, evts[0].Kind)
	o := evts[0].Order
	assert.Equal(t, "o1", o.OrderID)
	assert.Equal(t, "7", o.AccountID)
	assert.Equal(t, common.SideBuy, o.Side)
	assert.Equal(t, common.StatusPartial, o.Status)
	assert.True(t, o.FilledQty.Equal(dec("0.002")))
}

func TestStreamParseExecutionTopic(t *testing.T) {
	d := &streamDialect{}
	msg := []byte(`{"topic":"execution","data":[{
		"orderId":"o1","symbol":"BTCUSDT","side":"Sell",
		"execQty":"0.001","execPrice":"50010","execFee":"0.025","execTime":"1700000000000"
	}]}`)

	evts := d.Parse(msg)
	require.Len(t, evts, 1)
	require.Equal(t, common.StreamFill, evts[0].Kind)
	f := evts[0].Fill
	assert.Equal(t, common.SideSell, f.Side)
	assert.True(t, f.Qty.Equal(dec("0.001")))
	assert.Equal(t, int64(1700000000000), f.Time.UnixMilli())
}

func TestStreamIsPong(t *testing.T) {
	d := &streamDialect{}
	assert.True(t, d.IsPong([]byte(`{"op":"pong"}`)))
	assert.True(t, d.IsPong([]byte(`{"ret_msg":"pong","op":"ping"}`)))
	assert.False(t, d.IsPong([]byte(`{"topic":"order","data":[]}`)))
}
