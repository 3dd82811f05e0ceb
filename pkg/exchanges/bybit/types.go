package bybit

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"signalcore/pkg/exchanges/common"
)

// envelope is the common v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type instrumentResult struct {
	List []struct {
		Symbol      string `json:"symbol"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
		LotSizeFilter struct {
			QtyStep     string `json:"qtyStep"`
			MinOrderQty string `json:"minOrderQty"`
			MaxOrderQty string `json:"maxOrderQty"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

type tickerResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Bid1Price string `json:"bid1Price"`
		Ask1Price string `json:"ask1Price"`
	} `json:"list"`
}

type walletResult struct {
	List []struct {
		TotalWalletBalance string `json:"totalWalletBalance"`
		TotalEquity        string `json:"totalEquity"`
		Coin               []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			Equity        string `json:"equity"`
		} `json:"coin"`
	} `json:"list"`
}

type positionResult struct {
	List []positionEntry `json:"list"`
}

type positionEntry struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // Buy / Sell / ""
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	Leverage      string `json:"leverage"`
	UnrealisedPnl string `json:"unrealisedPnl"`
}

type orderCreateResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type orderQueryResult struct {
	List []struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		OrderStatus string `json:"orderStatus"`
		Price       string `json:"price"`
		Qty         string `json:"qty"`
		CumExecQty  string `json:"cumExecQty"`
		AvgPrice    string `json:"avgPrice"`
	} `json:"list"`
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "New", "Created", "Untriggered":
		return common.StatusNew
	case "PartiallyFilled":
		return common.StatusPartial
	case "Filled":
		return common.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return common.StatusCanceled
	case "Rejected":
		return common.StatusRejected
	}
	return common.StatusUnknown
}

func mapSide(s string) common.Side {
	if s == "Sell" {
		return common.SideSell
	}
	return common.SideBuy
}

func toVenueSide(s common.Side) string {
	if s == common.SideSell {
		return "Sell"
	}
	return "Buy"
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
