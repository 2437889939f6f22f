package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]model.Market
	accounts  map[string]model.CollateralAccount
	orders    map[uint64]model.Order
	positions map[uint64]model.Position
	pools     map[string]model.MarketPool
	global    model.GlobalPoolState
	shares    map[string]model.LPShare
	journal   []model.JournalEntry
	batches   int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]model.Market),
		accounts:  make(map[string]model.CollateralAccount),
		orders:    make(map[uint64]model.Order),
		positions: make(map[uint64]model.Position),
		pools:     make(map[string]model.MarketPool),
		shares:    make(map[string]model.LPShare),
	}
}

func (s *MemoryStore) ApplyBatch(_ context.Context, b *model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range b.Markets {
		s.markets[m.Symbol] = m
	}
	for _, a := range b.Accounts {
		s.accounts[a.Trader] = a
	}
	for _, o := range b.Orders {
		s.orders[o.ID] = o
	}
	for _, p := range b.Positions {
		s.positions[p.ID] = p
	}
	for _, p := range b.Pools {
		s.pools[p.Market] = p
	}
	if b.Global != nil {
		s.global = *b.Global
	}
	for _, sh := range b.Shares {
		s.shares[sh.Provider] = sh
	}
	s.journal = append(s.journal, b.Journal...)
	s.batches++
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &model.Snapshot{Global: s.global}
	for _, m := range s.markets {
		snap.Markets = append(snap.Markets, m)
	}
	for _, a := range s.accounts {
		snap.Accounts = append(snap.Accounts, a)
	}
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, o)
	}
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, p)
	}
	for _, p := range s.pools {
		snap.Pools = append(snap.Pools, p)
	}
	for _, sh := range s.shares {
		snap.Shares = append(snap.Shares, sh)
	}
	sort.Slice(snap.Markets, func(i, j int) bool { return snap.Markets[i].Symbol < snap.Markets[j].Symbol })
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].ID < snap.Orders[j].ID })
	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].ID < snap.Positions[j].ID })
	return snap, nil
}

func (s *MemoryStore) JournalByAccount(_ context.Context, account string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.Account == account {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) JournalByMarket(_ context.Context, market string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.Market == market {
			result = append(result, e)
		}
	}
	return result, nil
}

// Batches returns how many batches have been applied.
func (s *MemoryStore) Batches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batches
}
