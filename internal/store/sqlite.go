package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atmx/perp-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Suitable for a
// single-node deployment; decimals and timestamps are stored as TEXT.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ Store    = (*SQLiteStore)(nil)
	_ Migrator = (*SQLiteStore)(nil)
)

// OpenSQLite opens (or creates) the database at path. Writes are
// serialized through a single connection.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an existing handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) ApplyBatch(ctx context.Context, b *model.Batch) error {
	stmts := batchStatements(dialectSQLite, b)
	if len(stmts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.sql, sqliteArgs(st.args)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply batch: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context) (*model.Snapshot, error) {
	snap := &model.Snapshot{}
	var err error

	if snap.Markets, err = sqlQuery(ctx, s.db, marketsTable.selectAll(dialectSQLite), scanMarkets); err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	if snap.Accounts, err = sqlQuery(ctx, s.db, accountsTable.selectAll(dialectSQLite), scanAccounts); err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if snap.Orders, err = sqlQuery(ctx, s.db, ordersTable.selectAll(dialectSQLite), scanOrders); err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	if snap.Positions, err = sqlQuery(ctx, s.db, positionsTable.selectAll(dialectSQLite), scanPositions); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	if snap.Pools, err = sqlQuery(ctx, s.db, poolsTable.selectAll(dialectSQLite), scanPools); err != nil {
		return nil, fmt.Errorf("load pools: %w", err)
	}
	if snap.Global, err = sqlQuery(ctx, s.db, poolStateTable.selectAll(dialectSQLite), scanPoolState); err != nil {
		return nil, fmt.Errorf("load pool state: %w", err)
	}
	if snap.Shares, err = sqlQuery(ctx, s.db, sharesTable.selectAll(dialectSQLite), scanShares); err != nil {
		return nil, fmt.Errorf("load shares: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) JournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error) {
	return sqlQuery(ctx, s.db, journalTable.selectWhere(dialectSQLite, "account"), scanJournal, account)
}

func (s *SQLiteStore) JournalByMarket(ctx context.Context, market string) ([]model.JournalEntry, error) {
	return sqlQuery(ctx, s.db, journalTable.selectWhere(dialectSQLite, "market"), scanJournal, market)
}

func sqlQuery[T any](ctx context.Context, db *sql.DB, query string, scan func(rowScanner) (T, error), args ...any) (T, error) {
	var zero T
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return zero, err
	}
	defer rows.Close()
	return scan(rows)
}

// sqliteArgs renders timestamps as fixed-width UTC text.
func sqliteArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case time.Time:
			out[i] = v.UTC().Format(sqliteTimeLayout)
		case *time.Time:
			if v == nil {
				out[i] = nil
			} else {
				out[i] = v.UTC().Format(sqliteTimeLayout)
			}
		default:
			out[i] = a
		}
	}
	return out
}
