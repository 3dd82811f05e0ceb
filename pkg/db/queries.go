package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"signalcore/pkg/exchanges/common"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("db: not found")

// ---- bots ----

// LookupBot returns the bot with the given name together with its account
// bindings. Missing bots map to ErrNotFound.
func (d *Database) LookupBot(ctx context.Context, name string) (*Bot, []BotAccount, error) {
	var b Bot
	var active int
	err := d.DB.QueryRowContext(ctx,
		`SELECT id, name, active, created_at, updated_at FROM bots WHERE name = ?`, name,
	).Scan(&b.ID, &b.Name, &active, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup bot %q: %w", name, err)
	}
	b.Active = active != 0

	rows, err := d.DB.QueryContext(ctx,
		`SELECT ba.bot_id, ba.account_id, ba.risk_pct, ba.leverage
		   FROM bot_accounts ba
		   JOIN accounts a ON a.id = ba.account_id
		  WHERE ba.bot_id = ? AND a.active = 1`, b.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list bot accounts: %w", err)
	}
	defer rows.Close()

	var bindings []BotAccount
	for rows.Next() {
		var ba BotAccount
		if err := rows.Scan(&ba.BotID, &ba.AccountID, &ba.RiskPct, &ba.Leverage); err != nil {
			return nil, nil, fmt.Errorf("scan bot account: %w", err)
		}
		bindings = append(bindings, ba)
	}
	return &b, bindings, rows.Err()
}

// CreateBot registers a new signal source.
func (d *Database) CreateBot(ctx context.Context, name string) (*Bot, error) {
	res, err := d.DB.ExecContext(ctx, `INSERT INTO bots(name) VALUES(?)`, name)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	id, _ := res.LastInsertId()
	now := time.Now().UTC()
	return &Bot{ID: id, Name: name, Active: true, CreatedAt: now, UpdatedAt: now}, nil
}

// SetBotActive toggles a bot on or off.
func (d *Database) SetBotActive(ctx context.Context, id int64, active bool) error {
	res, err := d.DB.ExecContext(ctx,
		`UPDATE bots SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set bot active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBots returns all bots ordered by name.
func (d *Database) ListBots(ctx context.Context) ([]Bot, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT id, name, active, created_at, updated_at FROM bots ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var out []Bot
	for rows.Next() {
		var b Bot
		var active int
		if err := rows.Scan(&b.ID, &b.Name, &active, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Active = active != 0
		out = append(out, b)
	}
	return out, rows.Err()
}

// BindAccount attaches an account to a bot with sizing overrides.
func (d *Database) BindAccount(ctx context.Context, botID, accountID int64, riskPct float64, leverage int) error {
	_, err := d.DB.ExecContext(ctx,
		`INSERT INTO bot_accounts(bot_id, account_id, risk_pct, leverage)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(bot_id, account_id) DO UPDATE SET risk_pct = excluded.risk_pct, leverage = excluded.leverage`,
		botID, accountID, riskPct, leverage)
	if err != nil {
		return fmt.Errorf("bind account: %w", err)
	}
	return nil
}

// UnbindAccount detaches an account from a bot.
func (d *Database) UnbindAccount(ctx context.Context, botID, accountID int64) error {
	_, err := d.DB.ExecContext(ctx,
		`DELETE FROM bot_accounts WHERE bot_id = ? AND account_id = ?`, botID, accountID)
	return err
}

// ---- accounts ----

// CreateAccount stores a new credential set.
func (d *Database) CreateAccount(ctx context.Context, a *Account) error {
	res, err := d.DB.ExecContext(ctx,
		`INSERT INTO accounts(label, exchange, api_key, api_secret, passphrase, testnet)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		a.Label, a.Exchange, a.APIKey, a.APISecret, a.Passphrase, boolToInt(a.Testnet))
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	a.Active = true
	return nil
}

// UpdateAccountKeys replaces the credentials of an existing account.
func (d *Database) UpdateAccountKeys(ctx context.Context, id int64, apiKey, apiSecret, passphrase string) error {
	res, err := d.DB.ExecContext(ctx,
		`UPDATE accounts SET api_key = ?, api_secret = ?, passphrase = ?, updated_at = CURRENT_TIMESTAMP
		  WHERE id = ?`, apiKey, apiSecret, passphrase, id)
	if err != nil {
		return fmt.Errorf("update account keys: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAccountActive toggles an account on or off.
func (d *Database) SetAccountActive(ctx context.Context, id int64, active bool) error {
	res, err := d.DB.ExecContext(ctx,
		`UPDATE accounts SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set account active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAccounts returns every account without exposing secrets.
func (d *Database) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT id, label, exchange, testnet, active, created_at, updated_at
		   FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		var testnet, active int
		if err := rows.Scan(&a.ID, &a.Label, &a.Exchange, &testnet, &active, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Testnet = testnet != 0
		a.Active = active != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetCredential loads the credentials of one active account.
func (d *Database) GetCredential(ctx context.Context, accountID int64) (common.Credentials, error) {
	var c common.Credentials
	var id int64
	var exchange string
	var testnet int
	err := d.DB.QueryRowContext(ctx,
		`SELECT id, exchange, api_key, api_secret, passphrase, testnet
		   FROM accounts WHERE id = ? AND active = 1`, accountID,
	).Scan(&id, &exchange, &c.APIKey, &c.APISecret, &c.Passphrase, &testnet)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Credentials{}, ErrNotFound
	}
	if err != nil {
		return common.Credentials{}, fmt.Errorf("get credential %d: %w", accountID, err)
	}
	c.AccountID = strconv.FormatInt(id, 10)
	c.Exchange = common.ExchangeKind(exchange)
	c.Testnet = testnet != 0
	return c, nil
}

// ---- trades ----

// CreateTrade records the start of an order lifecycle and returns its id.
func (d *Database) CreateTrade(ctx context.Context, t *Trade) (int64, error) {
	res, err := d.DB.ExecContext(ctx,
		`INSERT INTO trades(bot_id, account_id, exchange, symbol, side, order_id, client_id, qty, price, take_profit, status)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.BotID, t.AccountID, t.Exchange, t.Symbol, t.Side,
		t.OrderID, t.ClientID, t.Qty, t.Price, t.TakeProfit, t.Status)
	if err != nil {
		return 0, fmt.Errorf("create trade: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTradeStatus moves a trade to a new status, optionally recording
// the exchange order id once known and an error message on failure.
func (d *Database) UpdateTradeStatus(ctx context.Context, id int64, status, orderID, errMsg string) error {
	_, err := d.DB.ExecContext(ctx,
		`UPDATE trades SET status = ?,
		        order_id = CASE WHEN ? != '' THEN ? ELSE order_id END,
		        error = ?
		  WHERE id = ?`, status, orderID, orderID, errMsg, id)
	if err != nil {
		return fmt.Errorf("update trade %d: %w", id, err)
	}
	return nil
}

// CloseTrade stamps a trade as finished.
func (d *Database) CloseTrade(ctx context.Context, id int64, status string) error {
	_, err := d.DB.ExecContext(ctx,
		`UPDATE trades SET status = ?, closed_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("close trade %d: %w", id, err)
	}
	return nil
}

// AddFill appends an execution report to a trade.
func (d *Database) AddFill(ctx context.Context, tradeID int64, f common.Fill) error {
	_, err := d.DB.ExecContext(ctx,
		`INSERT INTO fills(trade_id, order_id, qty, price, filled_at) VALUES(?, ?, ?, ?, ?)`,
		tradeID, f.OrderID, f.Qty.String(), f.Price.String(), f.Time.UTC())
	if err != nil {
		return fmt.Errorf("add fill for trade %d: %w", tradeID, err)
	}
	return nil
}

// ListTrades returns the most recent trades for a bot, newest first.
func (d *Database) ListTrades(ctx context.Context, botID int64, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx,
		`SELECT id, bot_id, account_id, exchange, symbol, side, order_id, client_id,
		        qty, price, take_profit, status, error, created_at, closed_at
		   FROM trades WHERE bot_id = ? ORDER BY id DESC LIMIT `+strconv.Itoa(limit), botID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		var closedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.BotID, &t.AccountID, &t.Exchange, &t.Symbol, &t.Side,
			&t.OrderID, &t.ClientID, &t.Qty, &t.Price, &t.TakeProfit, &t.Status, &t.Error,
			&t.CreatedAt, &closedAt); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			ts := closedAt.Time
			t.ClosedAt = &ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
