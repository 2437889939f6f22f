// Package store defines the persistence interface for the perpetuals engine.
// Implementations include PostgreSQL (source of truth), SQLite (single
// node), Redis (read-through cache for journal queries), and in-memory
// (for testing).
package store

import (
	"context"

	"github.com/atmx/perp-engine/internal/model"
)

// Store is the persistence interface. Every engine and pool operation
// writes exactly one Batch; the engine restores from Load at startup.
type Store interface {
	// ApplyBatch upserts every record in b and appends its journal
	// entries, atomically.
	ApplyBatch(ctx context.Context, b *model.Batch) error

	// Load returns the full persisted state.
	Load(ctx context.Context) (*model.Snapshot, error)

	// --- Immutable journal ---

	// JournalByAccount returns entries for a trader or provider, oldest first.
	JournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error)

	// JournalByMarket returns entries for a market, oldest first.
	JournalByMarket(ctx context.Context, market string) ([]model.JournalEntry, error)
}

// Migrator is implemented by stores that manage their own schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}
