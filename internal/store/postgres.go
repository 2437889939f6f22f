package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/perp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ Store    = (*PostgresStore)(nil)
	_ Migrator = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// ApplyBatch writes the batch in one transaction using a pipelined pgx batch.
func (s *PostgresStore) ApplyBatch(ctx context.Context, b *model.Batch) error {
	stmts := batchStatements(dialectPostgres, b)
	if len(stmts) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, st := range stmts {
		batch.Queue(st.sql, st.args...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Load(ctx context.Context) (*model.Snapshot, error) {
	snap := &model.Snapshot{}
	var err error

	if snap.Markets, err = pgQuery(ctx, s.pool, marketsTable.selectAll(dialectPostgres), scanMarkets); err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	if snap.Accounts, err = pgQuery(ctx, s.pool, accountsTable.selectAll(dialectPostgres), scanAccounts); err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if snap.Orders, err = pgQuery(ctx, s.pool, ordersTable.selectAll(dialectPostgres), scanOrders); err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	if snap.Positions, err = pgQuery(ctx, s.pool, positionsTable.selectAll(dialectPostgres), scanPositions); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	if snap.Pools, err = pgQuery(ctx, s.pool, poolsTable.selectAll(dialectPostgres), scanPools); err != nil {
		return nil, fmt.Errorf("load pools: %w", err)
	}
	if snap.Global, err = pgQuery(ctx, s.pool, poolStateTable.selectAll(dialectPostgres), scanPoolState); err != nil {
		return nil, fmt.Errorf("load pool state: %w", err)
	}
	if snap.Shares, err = pgQuery(ctx, s.pool, sharesTable.selectAll(dialectPostgres), scanShares); err != nil {
		return nil, fmt.Errorf("load shares: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) JournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error) {
	return pgQuery(ctx, s.pool, journalTable.selectWhere(dialectPostgres, "account"), scanJournal, account)
}

func (s *PostgresStore) JournalByMarket(ctx context.Context, market string) ([]model.JournalEntry, error) {
	return pgQuery(ctx, s.pool, journalTable.selectWhere(dialectPostgres, "market"), scanJournal, market)
}

func pgQuery[T any](ctx context.Context, pool *pgxpool.Pool, sql string, scan func(rowScanner) (T, error), args ...any) (T, error) {
	var zero T
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return zero, err
	}
	defer rows.Close()
	return scan(rows)
}
