package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// journal queries. Writes go to the primary store and invalidate the
// affected keys; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ApplyBatch(ctx context.Context, b *model.Batch) error {
	if err := s.primary.ApplyBatch(ctx, b); err != nil {
		return err
	}
	if keys := invalidatedKeys(b); len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// Migrate delegates to the primary when it manages a schema.
func (s *CachedStore) Migrate(ctx context.Context) error {
	if m, ok := s.primary.(Migrator); ok {
		return m.Migrate(ctx)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) JournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error) {
	return s.cachedJournal(ctx, accountJournalKey(account), func() ([]model.JournalEntry, error) {
		return s.primary.JournalByAccount(ctx, account)
	})
}

func (s *CachedStore) JournalByMarket(ctx context.Context, market string) ([]model.JournalEntry, error) {
	return s.cachedJournal(ctx, marketJournalKey(market), func() ([]model.JournalEntry, error) {
		return s.primary.JournalByMarket(ctx, market)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Load(ctx context.Context) (*model.Snapshot, error) {
	return s.primary.Load(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cachedJournal(ctx context.Context, key string, load func() ([]model.JournalEntry, error)) ([]model.JournalEntry, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var entries []model.JournalEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	// Cache miss.
	entries, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return entries, nil
}

func invalidatedKeys(b *model.Batch) []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, e := range b.Journal {
		add(accountJournalKey(e.Account))
		if e.Market != "" {
			add(marketJournalKey(e.Market))
		}
	}
	return keys
}

func accountJournalKey(account string) string { return fmt.Sprintf("journal:account:%s", account) }
func marketJournalKey(market string) string   { return fmt.Sprintf("journal:market:%s", market) }
