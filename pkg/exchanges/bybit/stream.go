package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"signalcore/pkg/exchanges/common"
)

const (
	streamMainnet = "wss://stream.bybit.com/v5/private"
	streamTestnet = "wss://stream-testnet.bybit.com/v5/private"
)

// streamDialect speaks the Bybit v5 private websocket.
type streamDialect struct {
	creds common.Credentials
}

func (d *streamDialect) URL(ctx context.Context) (string, error) {
	if d.creds.Testnet {
		return streamTestnet, nil
	}
	return streamMainnet, nil
}

// AuthFrames signs GET/realtime with a short expiry window.
func (d *streamDialect) AuthFrames() ([][]byte, error) {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	mac := hmac.New(sha256.New, []byte(d.creds.APISecret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	sig := hex.EncodeToString(mac.Sum(nil))

	frame, err := json.Marshal(map[string]any{
		"op":   "auth",
		"args": []any{d.creds.APIKey, expires, sig},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (d *streamDialect) SubscribeFrames(channels []common.ChannelKind) [][]byte {
	var topics []string
	for _, ch := range channels {
		switch ch {
		case common.ChannelOrders:
			topics = append(topics, "order", "execution")
		case common.ChannelPositions:
			topics = append(topics, "position")
		}
	}
	if len(topics) == 0 {
		return nil
	}
	frame, _ := json.Marshal(map[string]any{"op": "subscribe", "args": topics})
	return [][]byte{frame}
}

func (d *streamDialect) PingFrame() []byte {
	return []byte(`{"op":"ping"}`)
}

func (d *streamDialect) IsPong(msg []byte) bool {
	op := gjson.GetBytes(msg, "op").String()
	return op == "ping" || op == "pong" || gjson.GetBytes(msg, "ret_msg").String() == "pong"
}

// Parse maps bybit topic frames to normalized events.
func (d *streamDialect) Parse(msg []byte) []common.StreamEvent {
	topic := gjson.GetBytes(msg, "topic").String()
	data := gjson.GetBytes(msg, "data")
	if topic == "" || !data.IsArray() {
		return nil
	}
	now := time.Now().UTC()

	var events []common.StreamEvent
	switch topic {
	case "order":
		data.ForEach(func(_, o gjson.Result) bool {
			events = append(events, common.StreamEvent{
				Kind:   common.StreamOrderUpdate,
				Symbol: o.Get("symbol").String(),
				Time:   now,
				Order: &common.Order{
					OrderID:   o.Get("orderId").String(),
					ClientID:  o.Get("orderLinkId").String(),
					AccountID: d.creds.AccountID,
					Symbol:    o.Get("symbol").String(),
					Side:      mapSide(o.Get("side").String()),
					Qty:       dec(o.Get("qty").String()),
					Price:     dec(o.Get("price").String()),
					Status:    mapStatus(o.Get("orderStatus").String()),
					FilledQty: dec(o.Get("cumExecQty").String()),
					AvgPrice:  dec(o.Get("avgPrice").String()),
				},
			})
			return true
		})
	case "position":
		data.ForEach(func(_, p gjson.Result) bool {
			events = append(events, common.StreamEvent{
				Kind:   common.StreamPositionUpdate,
				Symbol: p.Get("symbol").String(),
				Time:   now,
				Position: &common.Position{
					AccountID:     d.creds.AccountID,
					Symbol:        p.Get("symbol").String(),
					Side:          mapSide(p.Get("side").String()),
					Size:          dec(p.Get("size").String()),
					EntryPrice:    dec(p.Get("entryPrice").String()),
					Leverage:      int(p.Get("leverage").Int()),
					UnrealizedPnL: dec(p.Get("unrealisedPnl").String()),
				},
			})
			return true
		})
	case "execution":
		data.ForEach(func(_, f gjson.Result) bool {
			events = append(events, common.StreamEvent{
				Kind:   common.StreamFill,
				Symbol: f.Get("symbol").String(),
				Time:   now,
				Fill: &common.Fill{
					OrderID: f.Get("orderId").String(),
					Symbol:  f.Get("symbol").String(),
					Side:    mapSide(f.Get("side").String()),
					Qty:     dec(f.Get("execQty").String()),
					Price:   dec(f.Get("execPrice").String()),
					Fee:     dec(f.Get("execFee").String()),
					Time:    time.UnixMilli(f.Get("execTime").Int()).UTC(),
				},
			})
			return true
		})
	}
	return events
}

func (d *streamDialect) KeepAlive(ctx context.Context) error { return nil }
