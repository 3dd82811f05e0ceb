package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"signalcore/pkg/exchanges/common"
)

const streamURL = "wss://ws.bitget.com/v2/ws/private"

// streamDialect speaks the Bitget v2 private websocket.
type streamDialect struct {
	creds    common.Credentials
	instType string
}

func (d *streamDialect) URL(ctx context.Context) (string, error) {
	return streamURL, nil
}

// AuthFrames performs the login op with an epoch-second timestamp signature
// over the fixed verify path.
func (d *streamDialect) AuthFrames() ([][]byte, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(d.creds.APISecret))
	mac.Write([]byte(ts + "GET" + "/user/verify"))
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
			args = append(args, map[string]string{
				"instType": d.instType, "channel": "orders", "instId": "default",
			})
		case common.ChannelPositions:
			args = append(args, map[string]string{
				"instType": d.instType, "channel": "positions", "instId": "default",
			})
		}
	}
	if len(args) == 0 {
		return nil
	}
	frame, _ := json.Marshal(map[string]any{"op": "subscribe", "args": args})
	return [][]byte{frame}
}

// PingFrame is the literal "ping" string; bitget answers with "pong".
func (d *streamDialect) PingFrame() []byte { return []byte("ping") }

func (d *streamDialect) IsPong(msg []byte) bool { return string(msg) == "pong" }

// Parse maps bitget channel pushes to normalized events.
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
					OrderID:   o.Get("orderId").String(),
					ClientID:  o.Get("clientOid").String(),
					AccountID: d.creds.AccountID,
					Symbol:    o.Get("instId").String(),
					Side:      side,
					Qty:       dec(o.Get("size").String()),
					Price:     dec(o.Get("price").String()),
					Status:    mapState(o.Get("status").String()),
					FilledQty: dec(o.Get("accBaseVolume").String()),
					AvgPrice:  dec(o.Get("priceAvg").String()),
				},
			})
			if fillSz := dec(o.Get("fillSize").String()); !fillSz.IsZero() {
				events = append(events, common.StreamEvent{
					Kind:   common.StreamFill,
					Symbol: o.Get("instId").String(),
					Time:   now,
					Fill: &common.Fill{
						OrderID: o.Get("orderId").String(),
						Symbol:  o.Get("instId").String(),
						Side:    side,
						Qty:     fillSz,
						Price:   dec(o.Get("fillPrice").String()),
						Time:    time.UnixMilli(o.Get("fillTime").Int()).UTC(),
					},
				})
			}
			return true
		})
	case "positions":
		data.ForEach(func(_, p gjson.Result) bool {
			side := common.SideBuy
			if strings.EqualFold(p.Get("holdSide").String(), "short") {
				side = common.SideSell
			}
			events = append(events, common.StreamEvent{
				Kind:   common.StreamPositionUpdate,
				Symbol: p.Get("instId").String(),
				Time:   now,
				Position: &common.Position{
					AccountID:     d.creds.AccountID,
					Symbol:        p.Get("instId").String(),
					Side:          side,
					Size:          dec(p.Get("total").String()),
					EntryPrice:    dec(p.Get("openPriceAvg").String()),
					Leverage:      int(p.Get("leverage").Int()),
					UnrealizedPnL: dec(p.Get("unrealizedPL").String()),
				},
			})
			return true
		})
	}
	return events
}

func (d *streamDialect) KeepAlive(ctx context.Context) error { return nil }
