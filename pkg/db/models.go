package db

import "time"

// Bot is a registered signal source. Signals whose botname does not
// match an active bot are rejected before any exchange work happens.
type Bot struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Account holds one exchange credential set.
type Account struct {
	ID         int64     `json:"id"`
	Label      string    `json:"label"`
	Exchange   string    `json:"exchange"`
	APIKey     string    `json:"-"`
	APISecret  string    `json:"-"`
	Passphrase string    `json:"-"`
	Testnet    bool      `json:"testnet"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BotAccount binds an account to a bot with per-binding sizing overrides.
type BotAccount struct {
	BotID     int64   `json:"bot_id"`
	AccountID int64   `json:"account_id"`
	RiskPct   float64 `json:"risk_pct"`
	Leverage  int     `json:"leverage"`
}

// Trade is one order lifecycle on one account. Quantities and prices are
// stored as text to keep the decimal representation exact.
type Trade struct {
	ID         int64      `json:"id"`
	BotID      int64      `json:"bot_id"`
	AccountID  int64      `json:"account_id"`
	Exchange   string     `json:"exchange"`
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"`
	OrderID    string     `json:"order_id"`
	ClientID   string     `json:"client_id"`
	Qty        string     `json:"qty"`
	Price      string     `json:"price"`
	TakeProfit string     `json:"take_profit"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// Fill is a partial or full execution reported for a trade's order.
type Fill struct {
	ID       int64     `json:"id"`
	TradeID  int64     `json:"trade_id"`
	OrderID  string    `json:"order_id"`
	Qty      string    `json:"qty"`
	Price    string    `json:"price"`
	FilledAt time.Time `json:"filled_at"`
}
