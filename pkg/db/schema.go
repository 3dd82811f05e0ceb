package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS bots (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE,
    active      INTEGER NOT NULL DEFAULT 1,
    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS accounts (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    label       TEXT NOT NULL,
    exchange    TEXT NOT NULL,
    api_key     TEXT NOT NULL,
    api_secret  TEXT NOT NULL,
    passphrase  TEXT NOT NULL DEFAULT '',
    testnet     INTEGER NOT NULL DEFAULT 0,
    active      INTEGER NOT NULL DEFAULT 1,
    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS bot_accounts (
    bot_id      INTEGER NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
    account_id  INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    risk_pct    REAL NOT NULL DEFAULT 1.0,
    leverage    INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (bot_id, account_id)
);

CREATE TABLE IF NOT EXISTS trades (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id       INTEGER NOT NULL,
    account_id   INTEGER NOT NULL,
    exchange     TEXT NOT NULL,
    symbol       TEXT NOT NULL,
    side         TEXT NOT NULL,
    order_id     TEXT NOT NULL DEFAULT '',
    client_id    TEXT NOT NULL DEFAULT '',
    qty          TEXT NOT NULL,
    price        TEXT NOT NULL DEFAULT '',
    take_profit  TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    closed_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account_id, symbol);
CREATE INDEX IF NOT EXISTS idx_trades_bot ON trades(bot_id, created_at);

CREATE TABLE IF NOT EXISTS fills (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id    INTEGER NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
    order_id    TEXT NOT NULL,
    qty         TEXT NOT NULL,
    price       TEXT NOT NULL,
    filled_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_fills_trade ON fills(trade_id);
`

func (d *Database) migrate() error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
