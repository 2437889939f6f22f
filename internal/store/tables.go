package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// dialect selects placeholder and cast syntax for the SQL backends.
type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

type colKind int

const (
	colText colKind = iota
	colNumeric
	colBool
	colInt
	colTime
)

type column struct {
	name string
	kind colKind
}

// table describes one persisted entity. Statements for both SQL backends
// are derived from it so the column lists cannot drift.
type table struct {
	name       string
	key        string
	orderBy    string
	appendOnly bool
	cols       []column
}

func (d dialect) param(i int, k colKind) string {
	if d == dialectSQLite {
		return "?"
	}
	if k == colNumeric {
		return fmt.Sprintf("$%d::NUMERIC", i)
	}
	return fmt.Sprintf("$%d", i)
}

func (d dialect) selectExpr(c column) string {
	if d == dialectPostgres && c.kind == colNumeric {
		return c.name + "::TEXT"
	}
	return c.name
}

func (t table) upsert(d dialect) string {
	names := make([]string, len(t.cols))
	params := make([]string, len(t.cols))
	var sets []string
	for i, c := range t.cols {
		names[i] = c.name
		params[i] = d.param(i+1, c.kind)
		if c.name != t.key {
			sets = append(sets, c.name+" = excluded."+c.name)
		}
	}
	conflict := "DO UPDATE SET " + strings.Join(sets, ", ")
	if t.appendOnly {
		conflict = "DO NOTHING"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		t.name, strings.Join(names, ", "), strings.Join(params, ", "), t.key, conflict)
}

func (t table) selectAll(d dialect) string {
	return t.selectWhere(d, "")
}

func (t table) selectWhere(d dialect, col string) string {
	exprs := make([]string, len(t.cols))
	for i, c := range t.cols {
		exprs[i] = d.selectExpr(c)
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), t.name)
	if col != "" {
		q += fmt.Sprintf(" WHERE %s = %s", col, d.param(1, colText))
	}
	return q + " ORDER BY " + t.orderBy
}

var (
	marketsTable = table{name: "markets", key: "symbol", orderBy: "symbol", cols: []column{
		{"symbol", colText}, {"oracle_ref", colText}, {"active", colBool}, {"created_at", colTime},
	}}
	accountsTable = table{name: "collateral_accounts", key: "trader", orderBy: "trader", cols: []column{
		{"trader", colText}, {"total_deposited", colNumeric}, {"updated_at", colTime},
	}}
	ordersTable = table{name: "orders", key: "id", orderBy: "id", cols: []column{
		{"id", colInt}, {"trader", colText}, {"market", colText}, {"side", colText},
		{"size", colNumeric}, {"limit_price", colNumeric}, {"leverage", colInt},
		{"collateral", colNumeric}, {"is_market", colBool}, {"status", colText},
		{"created_at", colTime}, {"executed_at", colTime}, {"position_id", colInt},
	}}
	positionsTable = table{name: "positions", key: "id", orderBy: "id", cols: []column{
		{"id", colInt}, {"order_id", colInt}, {"trader", colText}, {"market", colText},
		{"side", colText}, {"size", colNumeric}, {"entry_price", colNumeric},
		{"leverage", colInt}, {"collateral", colNumeric}, {"liquidation_price", colNumeric},
		{"status", colText}, {"created_at", colTime}, {"closed_at", colTime},
		{"exit_price", colNumeric}, {"realized_pnl", colNumeric},
	}}
	poolsTable = table{name: "market_pools", key: "market", orderBy: "market", cols: []column{
		{"market", colText}, {"long_pool", colNumeric}, {"short_pool", colNumeric},
		{"total_volume", colNumeric}, {"fees_collected", colNumeric}, {"active", colBool},
	}}
	poolStateTable = table{name: "pool_state", key: "id", orderBy: "id", cols: []column{
		{"id", colInt}, {"total_pool_value", colNumeric}, {"insurance_fund", colNumeric},
		{"total_shares", colNumeric},
	}}
	sharesTable = table{name: "lp_shares", key: "provider", orderBy: "provider", cols: []column{
		{"provider", colText}, {"shares", colNumeric}, {"deposited", colNumeric}, {"withdrawn", colNumeric},
	}}
	journalTable = table{name: "journal_entries", key: "id", orderBy: "timestamp, id", appendOnly: true, cols: []column{
		{"id", colText}, {"kind", colText}, {"account", colText}, {"market", colText},
		{"ref_id", colInt}, {"amount", colNumeric}, {"price", colNumeric}, {"pnl", colNumeric},
		{"fee", colNumeric}, {"timestamp", colTime},
	}}
)

// --- Argument builders (column order matches the table definitions) ---

func marketArgs(m model.Market) []any {
	return []any{m.Symbol, m.OracleRef, m.Active, m.CreatedAt.UTC()}
}

func accountArgs(a model.CollateralAccount) []any {
	return []any{a.Trader, a.TotalDeposited.String(), a.UpdatedAt.UTC()}
}

func orderArgs(o model.Order) []any {
	return []any{int64(o.ID), o.Trader, o.Market, string(o.Side),
		o.Size.String(), o.LimitPrice.String(), o.Leverage,
		o.Collateral.String(), o.IsMarket, string(o.Status),
		o.CreatedAt.UTC(), o.ExecutedAt, int64(o.PositionID)}
}

func positionArgs(p model.Position) []any {
	return []any{int64(p.ID), int64(p.OrderID), p.Trader, p.Market,
		string(p.Side), p.Size.String(), p.EntryPrice.String(),
		p.Leverage, p.Collateral.String(), p.LiquidationPrice.String(),
		string(p.Status), p.CreatedAt.UTC(), p.ClosedAt,
		p.ExitPrice.String(), p.RealizedPnL.String()}
}

func poolArgs(p model.MarketPool) []any {
	return []any{p.Market, p.LongPool.String(), p.ShortPool.String(),
		p.TotalVolume.String(), p.FeesCollected.String(), p.Active}
}

func poolStateArgs(g model.GlobalPoolState) []any {
	return []any{int64(1), g.TotalPoolValue.String(), g.InsuranceFund.String(), g.TotalShares.String()}
}

func shareArgs(s model.LPShare) []any {
	return []any{s.Provider, s.Shares.String(), s.Deposited.String(), s.Withdrawn.String()}
}

func journalArgs(e model.JournalEntry) []any {
	return []any{e.ID, string(e.Kind), e.Account, e.Market, int64(e.RefID),
		e.Amount.String(), e.Price.String(), e.PnL.String(), e.Fee.String(), e.Timestamp.UTC()}
}

// statement is one parameterized write.
type statement struct {
	sql  string
	args []any
}

// batchStatements flattens a batch into writes, in dependency order.
func batchStatements(d dialect, b *model.Batch) []statement {
	var out []statement
	add := func(t table, args []any) {
		out = append(out, statement{sql: t.upsert(d), args: args})
	}
	for _, m := range b.Markets {
		add(marketsTable, marketArgs(m))
	}
	for _, p := range b.Pools {
		add(poolsTable, poolArgs(p))
	}
	if b.Global != nil {
		add(poolStateTable, poolStateArgs(*b.Global))
	}
	for _, s := range b.Shares {
		add(sharesTable, shareArgs(s))
	}
	for _, a := range b.Accounts {
		add(accountsTable, accountArgs(a))
	}
	for _, o := range b.Orders {
		add(ordersTable, orderArgs(o))
	}
	for _, p := range b.Positions {
		add(positionsTable, positionArgs(p))
	}
	for _, e := range b.Journal {
		add(journalTable, journalArgs(e))
	}
	return out
}

// --- Scanning (shared by pgx.Rows and *sql.Rows) ---

// rowScanner reads rows from either SQL backend.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// sqliteTimeLayout is fixed-width so TEXT timestamps sort chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// timeScanner accepts native timestamps (pgx) and TEXT timestamps (SQLite).
type timeScanner struct{ t *time.Time }

func (s timeScanner) Scan(src any) error {
	t, err := parseTime(src)
	if err != nil {
		return err
	}
	if t != nil {
		*s.t = *t
	}
	return nil
}

type nullTimeScanner struct{ t **time.Time }

func (s nullTimeScanner) Scan(src any) error {
	t, err := parseTime(src)
	if err != nil {
		return err
	}
	*s.t = t
	return nil
}

func parseTime(src any) (*time.Time, error) {
	var raw string
	switch v := src.(type) {
	case nil:
		return nil, nil
	case time.Time:
		u := v.UTC()
		return &u, nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return nil, fmt.Errorf("store: cannot scan %T into time", src)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("store: parse time %q: %w", raw, err)
	}
	t = t.UTC()
	return &t, nil
}

func scanMarkets(rows rowScanner) ([]model.Market, error) {
	var out []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.Symbol, &m.OracleRef, &m.Active, timeScanner{&m.CreatedAt}); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanAccounts(rows rowScanner) ([]model.CollateralAccount, error) {
	var out []model.CollateralAccount
	for rows.Next() {
		var a model.CollateralAccount
		if err := rows.Scan(&a.Trader, &a.TotalDeposited, timeScanner{&a.UpdatedAt}); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanOrders(rows rowScanner) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		var o model.Order
		var id, posID int64
		var side, status string
		if err := rows.Scan(&id, &o.Trader, &o.Market, &side,
			&o.Size, &o.LimitPrice, &o.Leverage,
			&o.Collateral, &o.IsMarket, &status,
			timeScanner{&o.CreatedAt}, nullTimeScanner{&o.ExecutedAt}, &posID); err != nil {
			return nil, err
		}
		o.ID, o.PositionID = uint64(id), uint64(posID)
		o.Side, o.Status = model.Side(side), model.OrderStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanPositions(rows rowScanner) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		var p model.Position
		var id, orderID int64
		var side, status string
		if err := rows.Scan(&id, &orderID, &p.Trader, &p.Market,
			&side, &p.Size, &p.EntryPrice,
			&p.Leverage, &p.Collateral, &p.LiquidationPrice,
			&status, timeScanner{&p.CreatedAt}, nullTimeScanner{&p.ClosedAt},
			&p.ExitPrice, &p.RealizedPnL); err != nil {
			return nil, err
		}
		p.ID, p.OrderID = uint64(id), uint64(orderID)
		p.Side, p.Status = model.Side(side), model.PositionStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPools(rows rowScanner) ([]model.MarketPool, error) {
	var out []model.MarketPool
	for rows.Next() {
		var p model.MarketPool
		if err := rows.Scan(&p.Market, &p.LongPool, &p.ShortPool,
			&p.TotalVolume, &p.FeesCollected, &p.Active); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPoolState(rows rowScanner) (model.GlobalPoolState, error) {
	g := model.GlobalPoolState{
		TotalPoolValue: decimal.Zero,
		InsuranceFund:  decimal.Zero,
		TotalShares:    decimal.Zero,
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id, &g.TotalPoolValue, &g.InsuranceFund, &g.TotalShares); err != nil {
			return g, err
		}
	}
	return g, rows.Err()
}

func scanShares(rows rowScanner) ([]model.LPShare, error) {
	var out []model.LPShare
	for rows.Next() {
		var s model.LPShare
		if err := rows.Scan(&s.Provider, &s.Shares, &s.Deposited, &s.Withdrawn); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanJournal(rows rowScanner) ([]model.JournalEntry, error) {
	var out []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var kind string
		var refID int64
		if err := rows.Scan(&e.ID, &kind, &e.Account, &e.Market, &refID,
			&e.Amount, &e.Price, &e.PnL, &e.Fee, timeScanner{&e.Timestamp}); err != nil {
			return nil, err
		}
		e.Kind, e.RefID = model.JournalKind(kind), uint64(refID)
		out = append(out, e)
	}
	return out, rows.Err()
}
