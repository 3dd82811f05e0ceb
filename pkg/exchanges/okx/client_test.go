package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcore/pkg/exchanges/common"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT.P":    "BTC-USDT-SWAP",
		"BTCUSDT":      "BTC-USDT-SWAP",
		"BTC/USDT":     "BTC-USDT-SWAP",
		"BTC-USDT":     "BTC-USDT-SWAP",
		"BTC-USDT-SWAP": "BTC-USDT-SWAP",
		"ethusdt":      "ETH-USDT-SWAP",
	}
	for raw, want := range cases {
		assert.Equal(t, want, normalizeSymbol(raw), raw)
	}
}

func TestSanitizeClientID(t *testing.T) {
	assert.Equal(t, "sc1a2b3c", sanitizeClientID("sc-1a2b_3c"))
	long := sanitizeClientID("abcdefghij0123456789abcdefghij0123456789")
	assert.Len(t, long, 32)
	assert.Equal(t, "", sanitizeClientID("---"))
}

func TestMapState(t *testing.T) {
	assert.Equal(t, common.StatusNew, mapState("live"))
	assert.Equal(t, common.StatusPartial, mapState("partially_filled"))
	assert.Equal(t, common.StatusFilled, mapState("filled"))
	assert.Equal(t, common.StatusCanceled, mapState("canceled"))
	assert.Equal(t, common.StatusUnknown, mapState("weird"))
}

func TestStreamLoginFrame(t *testing.T) {
	d := &streamDialect{creds: common.Credentials{
		APIKey:     "test-key",
		APISecret:  "test-secret",
		Passphrase: "test-pass",
	}}
	frames, err := d.AuthFrames()
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var frame struct {
		Op   string `json:"op"`
		Args []struct {
			APIKey     string `json:"apiKey"`
			Passphrase string `json:"passphrase"`
			Timestamp  string `json:"timestamp"`
			Sign       string `json:"sign"`
		} `json:"args"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, "login", frame.Op)
	require.Len(t, frame.Args, 1)
	arg := frame.Args[0]
	assert.Equal(t, "test-key", arg.APIKey)
	assert.Equal(t, "test-pass", arg.Passphrase)

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(arg.Timestamp + "GET" + "/users/self/verify"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), arg.Sign)
}

func TestStreamParseOrderWithFillDelta(t *testing.T) {
	d := &streamDialect{creds: common.Credentials{AccountID: "9"}}
	msg := []byte(`{"arg":{"channel":"orders","instType":"SWAP"},"data":[{
		"ordId":"o1","clOrdId":"sc1","instId":"BTC-USDT-SWAP","side":"buy",
		"sz":"5","px":"50000","state":"partially_filled",
		"accFillSz":"2","avgPx":"49999.5",
		"fillSz":"2","fillPx":"49999.5","fillFee":"-0.05","fillTime":"1700000000000"
	}]}`)

	evts := d.Parse(msg)
	require.Len(t, evts, 2, "an order push carrying a fill delta emits both events")

	require.Equal(t, common.StreamOrderUpdate, evts[0].Kind)
	assert.Equal(t, common.StatusPartial, evts[0].Order.Status)
	assert.Equal(t, "9", evts[0].Order.AccountID)

	require.Equal(t, common.StreamFill, evts[1].Kind)
	assert.True(t, evts[1].Fill.Qty.Equal(dec("2")))
	assert.True(t, evts[1].Fill.Fee.Equal(dec("0.05")), "fees normalize to positive")
}

func TestStreamParseNegativePosition(t *testing.T) {
	d := &streamDialect{}
	msg := []byte(`{"arg":{"channel":"positions","instType":"SWAP"},"data":[{
		"instId":"BTC-USDT-SWAP","pos":"-3","avgPx":"50000","lever":"10","upl":"-12.5"
	}]}`)

	evts := d.Parse(msg)
	require.Len(t, evts, 1)
	p := evts[0].Position
	assert.Equal(t, common.SideSell, p.Side, "negative contracts mean short")
	assert.True(t, p.Size.Equal(dec("3")))
	assert.Equal(t, 10, p.Leverage)
}

func TestStreamPingPong(t *testing.T) {
	d := &streamDialect{}
	assert.Equal(t, "ping", string(d.PingFrame()))
	assert.True(t, d.IsPong([]byte("pong")))
	assert.False(t, d.IsPong([]byte(`{"event":"login"}`)))
}
