// Package store is the durable persistence gateway for the terminal core.
//
// Everything lives in one SQLite database (modernc.org/sqlite, WAL mode):
// subscriptions and their audit log, watchlists, the ATM cache, simulated
// orders/trades/positions, execution events, ledger entries, margin and
// user accounts, brokerage plans, vendor credentials, baskets and
// notifications. Schema changes are applied through versioned in-code
// migrations on Open.
//
// The execution engine mutates orders, trades, positions, margin, wallet
// and ledger inside a single transaction via WithTx.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection.
type Store struct {
	sql *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{sql: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sql.Close()
}

func (s *Store) migrate() error {
	version := 0
	s.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		if _, err := s.sql.Exec(schemaV1); err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
	}
	return nil
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

CREATE TABLE IF NOT EXISTS subscriptions (
	token         TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	exchange      TEXT NOT NULL,
	segment       TEXT NOT NULL,
	expiry        TEXT NOT NULL DEFAULT '',
	strike        REAL NOT NULL DEFAULT 0,
	option_type   TEXT NOT NULL DEFAULT '',
	tier          TEXT NOT NULL,
	mode          TEXT NOT NULL DEFAULT 'QUOTE',
	ws_id         INTEGER NOT NULL,
	subscribed_at TEXT NOT NULL,
	active        INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_subs_active ON subscriptions(active);

CREATE TABLE IF NOT EXISTS subscription_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	token      TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	action     TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS watchlist (
	user_id     TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	expiry      TEXT NOT NULL DEFAULT 'EQ',
	inst_type   TEXT NOT NULL DEFAULT 'equity',
	added_order INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, symbol, expiry)
);

CREATE TABLE IF NOT EXISTS atm_cache (
	underlying TEXT NOT NULL,
	expiry     TEXT NOT NULL,
	atm        REAL NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (underlying, expiry)
);

CREATE TABLE IF NOT EXISTS mock_orders (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	segment       TEXT NOT NULL,
	side          TEXT NOT NULL,
	quantity      INTEGER NOT NULL,
	filled_qty    INTEGER NOT NULL DEFAULT 0,
	order_type    TEXT NOT NULL,
	product_type  TEXT NOT NULL,
	price         REAL NOT NULL DEFAULT 0,
	trigger_price REAL NOT NULL DEFAULT 0,
	avg_fill      REAL NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	super_id      TEXT NOT NULL DEFAULT '',
	super_leg     TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON mock_orders(user_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON mock_orders(status);

CREATE TABLE IF NOT EXISTS mock_trades (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES mock_orders(id),
	user_id    TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	segment    TEXT NOT NULL,
	side       TEXT NOT NULL,
	quantity   INTEGER NOT NULL,
	price      REAL NOT NULL,
	brokerage  TEXT NOT NULL DEFAULT '0',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_order ON mock_trades(order_id);

CREATE TABLE IF NOT EXISTS execution_events (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	quantity   INTEGER NOT NULL DEFAULT 0,
	price      REAL NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_order ON execution_events(order_id);

CREATE TABLE IF NOT EXISTS mock_positions (
	user_id      TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	segment      TEXT NOT NULL DEFAULT '',
	product_type TEXT NOT NULL,
	quantity     INTEGER NOT NULL DEFAULT 0,
	avg_price    REAL NOT NULL DEFAULT 0,
	realized_pnl TEXT NOT NULL DEFAULT '0',
	status       TEXT NOT NULL DEFAULT 'OPEN',
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (user_id, symbol, product_type)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id         TEXT NOT NULL,
	kind            TEXT NOT NULL,
	credit          TEXT NOT NULL DEFAULT '0',
	debit           TEXT NOT NULL DEFAULT '0',
	running_balance TEXT NOT NULL,
	remarks         TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id);

CREATE TABLE IF NOT EXISTS mock_baskets (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'DRAFT',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mock_basket_legs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	basket_id     TEXT NOT NULL REFERENCES mock_baskets(id),
	symbol        TEXT NOT NULL,
	segment       TEXT NOT NULL,
	side          TEXT NOT NULL,
	quantity      INTEGER NOT NULL,
	order_type    TEXT NOT NULL,
	product_type  TEXT NOT NULL,
	price         REAL NOT NULL DEFAULT 0,
	trigger_price REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS user_accounts (
	user_id        TEXT PRIMARY KEY,
	wallet         TEXT NOT NULL DEFAULT '0',
	multiplier     TEXT NOT NULL DEFAULT '1',
	blocked        INTEGER NOT NULL DEFAULT 0,
	allowed_segs   TEXT NOT NULL DEFAULT '',
	brokerage_plan TEXT NOT NULL DEFAULT 'default'
);

CREATE TABLE IF NOT EXISTS margin_accounts (
	user_id   TEXT PRIMARY KEY,
	available TEXT NOT NULL DEFAULT '0',
	used      TEXT NOT NULL DEFAULT '0'
);

CREATE TABLE IF NOT EXISTS brokerage_plans (
	name    TEXT PRIMARY KEY,
	flat    TEXT NOT NULL DEFAULT '0',
	percent TEXT NOT NULL DEFAULT '0',
	cap     TEXT NOT NULL DEFAULT '0'
);

CREATE TABLE IF NOT EXISTS dhan_credentials (
	client_id    TEXT PRIMARY KEY,
	access_token TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL DEFAULT '',
	level      TEXT NOT NULL DEFAULT 'INFO',
	title      TEXT NOT NULL,
	body       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
INSERT OR IGNORE INTO brokerage_plans (name, flat, percent, cap) VALUES ('default', '20', '0.0003', '20');
`

// timeFormat is how timestamps are stored; RFC3339 keeps them sortable.
const timeFormat = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}
