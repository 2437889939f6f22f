package store

// postgresSchema creates the tables used by PostgresStore. All monetary
// values are NUMERIC for exact decimal precision.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS markets (
	symbol      TEXT PRIMARY KEY,
	oracle_ref  TEXT NOT NULL,
	active      BOOLEAN NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS collateral_accounts (
	trader          TEXT PRIMARY KEY,
	total_deposited NUMERIC NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id          BIGINT PRIMARY KEY,
	trader      TEXT NOT NULL,
	market      TEXT NOT NULL REFERENCES markets(symbol),
	side        TEXT NOT NULL,
	size        NUMERIC NOT NULL,
	limit_price NUMERIC NOT NULL,
	leverage    BIGINT NOT NULL,
	collateral  NUMERIC NOT NULL,
	is_market   BOOLEAN NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	executed_at TIMESTAMPTZ,
	position_id BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS orders_trader_idx ON orders (trader);
CREATE INDEX IF NOT EXISTS orders_pending_idx ON orders (status) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS positions (
	id                BIGINT PRIMARY KEY,
	order_id          BIGINT NOT NULL,
	trader            TEXT NOT NULL,
	market            TEXT NOT NULL REFERENCES markets(symbol),
	side              TEXT NOT NULL,
	size              NUMERIC NOT NULL,
	entry_price       NUMERIC NOT NULL,
	leverage          BIGINT NOT NULL,
	collateral        NUMERIC NOT NULL,
	liquidation_price NUMERIC NOT NULL,
	status            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	closed_at         TIMESTAMPTZ,
	exit_price        NUMERIC NOT NULL,
	realized_pnl      NUMERIC NOT NULL
);
CREATE INDEX IF NOT EXISTS positions_trader_idx ON positions (trader);
CREATE INDEX IF NOT EXISTS positions_open_idx ON positions (status) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS market_pools (
	market         TEXT PRIMARY KEY REFERENCES markets(symbol),
	long_pool      NUMERIC NOT NULL,
	short_pool     NUMERIC NOT NULL,
	total_volume   NUMERIC NOT NULL,
	fees_collected NUMERIC NOT NULL,
	active         BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS pool_state (
	id               BIGINT PRIMARY KEY CHECK (id = 1),
	total_pool_value NUMERIC NOT NULL,
	insurance_fund   NUMERIC NOT NULL,
	total_shares     NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS lp_shares (
	provider  TEXT PRIMARY KEY,
	shares    NUMERIC NOT NULL,
	deposited NUMERIC NOT NULL,
	withdrawn NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS journal_entries (
	id        TEXT PRIMARY KEY,
	kind      TEXT NOT NULL,
	account   TEXT NOT NULL,
	market    TEXT NOT NULL,
	ref_id    BIGINT NOT NULL,
	amount    NUMERIC NOT NULL,
	price     NUMERIC NOT NULL,
	pnl       NUMERIC NOT NULL,
	fee       NUMERIC NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_account_idx ON journal_entries (account, timestamp);
CREATE INDEX IF NOT EXISTS journal_market_idx ON journal_entries (market, timestamp);
`

// sqliteSchema mirrors postgresSchema. Decimals and timestamps are TEXT.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS markets (
		symbol TEXT PRIMARY KEY, oracle_ref TEXT NOT NULL,
		active BOOLEAN NOT NULL, created_at TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS collateral_accounts (
		trader TEXT PRIMARY KEY, total_deposited TEXT NOT NULL, updated_at TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY, trader TEXT NOT NULL, market TEXT NOT NULL,
		side TEXT NOT NULL, size TEXT NOT NULL, limit_price TEXT NOT NULL,
		leverage INTEGER NOT NULL, collateral TEXT NOT NULL, is_market BOOLEAN NOT NULL,
		status TEXT NOT NULL, created_at TEXT NOT NULL, executed_at TEXT,
		position_id INTEGER NOT NULL DEFAULT 0)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY, order_id INTEGER NOT NULL, trader TEXT NOT NULL,
		market TEXT NOT NULL, side TEXT NOT NULL, size TEXT NOT NULL,
		entry_price TEXT NOT NULL, leverage INTEGER NOT NULL, collateral TEXT NOT NULL,
		liquidation_price TEXT NOT NULL, status TEXT NOT NULL, created_at TEXT NOT NULL,
		closed_at TEXT, exit_price TEXT NOT NULL, realized_pnl TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS market_pools (
		market TEXT PRIMARY KEY, long_pool TEXT NOT NULL, short_pool TEXT NOT NULL,
		total_volume TEXT NOT NULL, fees_collected TEXT NOT NULL, active BOOLEAN NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS pool_state (
		id INTEGER PRIMARY KEY CHECK (id = 1), total_pool_value TEXT NOT NULL,
		insurance_fund TEXT NOT NULL, total_shares TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS lp_shares (
		provider TEXT PRIMARY KEY, shares TEXT NOT NULL,
		deposited TEXT NOT NULL, withdrawn TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY, kind TEXT NOT NULL, account TEXT NOT NULL,
		market TEXT NOT NULL, ref_id INTEGER NOT NULL, amount TEXT NOT NULL,
		price TEXT NOT NULL, pnl TEXT NOT NULL, fee TEXT NOT NULL, timestamp TEXT NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS journal_account_idx ON journal_entries (account, timestamp)`,
	`CREATE INDEX IF NOT EXISTS journal_market_idx ON journal_entries (market, timestamp)`,
}
