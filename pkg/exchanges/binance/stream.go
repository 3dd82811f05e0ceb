package binance

import (
	"context"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/tidwall/gjson"

	"signalcore/pkg/exchanges/common"
)

const (
	streamMainnet = "wss://fstream.binance.com/ws/"
	streamTestnet = "wss://stream.binancefuture.com/ws/"
)

// streamDialect speaks the Binance futures user data stream. The URL embeds
// a listen key which must be refreshed periodically; KeepAlive handles that.
type streamDialect struct {
	creds common.Credentials
	sdk   *futures.Client

	mu        sync.Mutex
	listenKey string
}

func (d *streamDialect) URL(ctx context.Context) (string, error) {
	key, err := d.sdk.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", &common.ConnectionError{Exchange: common.ExchangeBinance, URL: "/fapi/v1/listenKey", Err: err}
	}
	d.mu.Lock()
	d.listenKey = key
	d.mu.Unlock()
	if d.creds.Testnet {
		return streamTestnet + key, nil
	}
	return streamMainnet + key, nil
}

// AuthFrames is empty: the listen key in the URL authenticates.
func (d *streamDialect) AuthFrames() ([][]byte, error) { return nil, nil }

// SubscribeFrames is empty: the user stream pushes everything for the account.
func (d *streamDialect) SubscribeFrames(channels []common.ChannelKind) [][]byte { return nil }

// PingFrame is nil: binance drives liveness with websocket control frames.
func (d *streamDialect) PingFrame() []byte { return nil }

func (d *streamDialect) IsPong(msg []byte) bool { return false }

// Parse maps user stream events to normalized events.
func (d *streamDialect) Parse(msg []byte) []common.StreamEvent {
	now := time.Now().UTC()
	switch gjson.GetBytes(msg, "e").String() {
	case "ORDER_TRADE_UPDATE":
		o := gjson.GetBytes(msg, "o")
		side := common.SideBuy
		if o.Get("S").String() == "SELL" {
			side = common.SideSell
		}
		events := []common.StreamEvent{{
			Kind:   common.StreamOrderUpdate,
			Symbol: o.Get("s").String(),
			Time:   now,
			Order: &common.Order{
				OrderID:   o.Get("i").String(),
				ClientID:  o.Get("c").String(),
				AccountID: d.creds.AccountID,
				Symbol:    o.Get("s").String(),
				Side:      side,
				Qty:       dec(o.Get("q").String()),
				Price:     dec(o.Get("p").String()),
				Status:    mapStatus(futures.OrderStatusType(o.Get("X").String())),
				FilledQty: dec(o.Get("z").String()),
				AvgPrice:  dec(o.Get("ap").String()),
			},
		}}
		if lastFill := dec(o.Get("l").String()); !lastFill.IsZero() {
			events = append(events, common.StreamEvent{
				Kind:   common.StreamFill,
				Symbol: o.Get("s").String(),
				Time:   now,
				Fill: &common.Fill{
					OrderID: o.Get("i").String(),
					Symbol:  o.Get("s").String(),
					Side:    side,
					Qty:     lastFill,
					Price:   dec(o.Get("L").String()),
					Fee:     dec(o.Get("n").String()),
					Time:    time.UnixMilli(o.Get("T").Int()).UTC(),
				},
			})
		}
		return events
	case "ACCOUNT_UPDATE":
		var events []common.StreamEvent
		gjson.GetBytes(msg, "a.P").ForEach(func(_, p gjson.Result) bool {
			amt := dec(p.Get("pa").String())
			side := common.SideBuy
			if amt.IsNegative() {
				side = common.SideSell
				amt = amt.Abs()
			}
			events = append(events, common.StreamEvent{
				Kind:   common.StreamPositionUpdate,
				Symbol: p.Get("s").String(),
				Time:   now,
				Position: &common.Position{
					AccountID:     d.creds.AccountID,
					Symbol:        p.Get("s").String(),
					Side:          side,
					Size:          amt,
					EntryPrice:    dec(p.Get("ep").String()),
					UnrealizedPnL: dec(p.Get("up").String()),
				},
			})
			return true
		})
		return events
	case "listenKeyExpired":
		// The connection manager reconnects; URL() mints a fresh key.
		return nil
	}
	return nil
}

// KeepAlive refreshes the listen key. Binance expires keys after an hour
// without a keepalive.
func (d *streamDialect) KeepAlive(ctx context.Context) error {
	d.mu.Lock()
	key := d.listenKey
	d.mu.Unlock()
	if key == "" {
		return nil
	}
	if err := d.sdk.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx); err != nil {
		return &common.ConnectionError{Exchange: common.ExchangeBinance, URL: "/fapi/v1/listenKey", Err: err}
	}
	return nil
}
