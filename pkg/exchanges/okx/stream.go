package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"signalcore/pkg/exchanges/common"
)

const (
	streamMainnet = "wss://ws.okx.com:8443/ws/v5/private"
	streamDemo    = "wss://wspap.okx.com:8443/ws/v5/private"
)

// streamDialect speaks the OKX v5 private websocket.
type streamDialect struct {
	creds common.Credentials
}

func (d *streamDialect) URL(ctx context.Context) (string, error) {
	if d.creds.Testnet {
		return streamDemo, nil
	}
	return streamMainnet, nil
}

// AuthFrames performs the login op. The signature covers the epoch-second
// timestamp plus the fixed verify path.
func (d *streamDialect) AuthFrames() ([][]byte, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(d.creds.APISecret))
	mac.Write([]byte(ts + "GET" + "/users/self/verify"))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	frame, err := json.Marshal(map[string]any{
		"op": "login",
		"args": []map[string]string{{
			"apiKey":     d.creds.APIKey,
			"passphrase": d.creds.Passphrase,
			"timestamp":  ts,
			"sign":       sig,
		}},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (d *streamDialect) SubscribeFrames(channels []common.ChannelKind) [][]byte {
	var args []map[string]string
	for _, ch := range channels {
		switch ch {
		case common.ChannelOrders:
			args = append(args, map[string]string{"channel": "orders", "instType": "SWAP"})
		case common.ChannelPositions:
			args = append(args, map[string]string{"channel": "positions", "instType": "SWAP"})
		}
	}
	if len(args) == 0 {
		return nil
	}
	frame, _ := json.Marshal(map[string]any{"op": "subscribe", "args": args})
	return [][]byte{frame}
}

// PingFrame is the literal "ping" string; okx answers with "pong".
func (d *streamDialect) PingFrame() []byte { return []byte("ping") }

func (d *streamDialect) IsPong(msg []byte) bool { return string(msg) == "pong" }

// Parse maps okx channel pushes to normalized events.
func (d *streamDialect) Parse(msg []byte) []common.StreamEvent {
	channel := gjson.GetBytes(msg, "arg.channel").String()
	data := gjson.GetBytes(msg, "data")
	if channel == "" || !data.IsArray() {
		return nil
	}
	now := time.Now().UTC()

	var events []common.StreamEvent
	switch channel {
	case "orders":
		data.ForEach(func(_, o gjson.Result) bool {
			side := common.SideBuy
			if o.Get("side").String() == "sell" {
				side = common.SideSell
			}
			events = append(events, common.StreamEvent{
				Kind:   common.StreamOrderUpdate,
				Symbol: o.Get("instId").String(),
				Time:   now,
				Order: &common.Order{
					OrderID:   o.Get("ordId").String(),
					ClientID:  o.Get("clOrdId").String(),
					AccountID: d.creds.AccountID,
					Symbol:    o.Get("instId").String(),
					Side:      side,
					Qty:       dec(o.Get("sz").String()),
					Price:     dec(o.Get("px").String()),
					Status:    mapState(o.Get("state").String()),
					FilledQty: dec(o.Get("accFillSz").String()),
					AvgPrice:  dec(o.Get("avgPx").String()),
				},
			})
			// A fill delta rides on the same push.
			if fillSz := dec(o.Get("fillSz").String()); !fillSz.IsZero() {
				events = append(events, common.StreamEvent{
					Kind:   common.StreamFill,
					Symbol: o.Get("instId").String(),
					Time:   now,
					Fill: &common.Fill{
						OrderID: o.Get("ordId").String(),
						Symbol:  o.Get("instId").String(),
						Side:    side,
						Qty:     fillSz,
						Price:   dec(o.Get("fillPx").String()),
						Fee:     dec(o.Get("fillFee").String()).Abs(),
						Time:    time.UnixMilli(o.Get("fillTime").Int()).UTC(),
					},
				})
			}
			return true
		})
	case "positions":
		data.ForEach(func(_, p gjson.Result) bool {
			size := dec(p.Get("pos").String())
			side := common.SideBuy
			if size.IsNegative() {
				side = common.SideSell
				size = size.Abs()
			}
			events = append(events, common.StreamEvent{
				Kind:   common.StreamPositionUpdate,
				Symbol: p.Get("instId").String(),
				Time:   now,
				Position: &common.Position{
					AccountID:     d.creds.AccountID,
					Symbol:        p.Get("instId").String(),
					Side:          side,
					Size:          size,
					EntryPrice:    dec(p.Get("avgPx").String()),
					Leverage:      int(p.Get("lever").Int()),
					UnrealizedPnL: dec(p.Get("upl").String()),
				},
			})
			return true
		})
	}
	return events
}

func (d *streamDialect) KeepAlive(ctx context.Context) error { return nil }
