package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// StaticFeed holds a price set in-process, by an operator or a test.
type StaticFeed struct {
	mu    sync.RWMutex
	price Price
	err   error
}

// NewStaticFeed creates a feed reporting value as of at.
func NewStaticFeed(value decimal.Decimal, at time.Time) *StaticFeed {
	return &StaticFeed{price: Price{Value: value, UpdatedAt: at}}
}

// Set replaces the reported price and clears any injected failure.
func (f *StaticFeed) Set(value decimal.Decimal, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = Price{Value: value, UpdatedAt: at}
	f.err = nil
}

// Fail makes subsequent reads return err.
func (f *StaticFeed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *StaticFeed) Latest(context.Context) (Price, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.err != nil {
		return Price{}, f.err
	}
	return f.price, nil
}

// RedisFeed reads the hash written by an external price relay:
//
//	HSET oracle:price:BTC-USD price 64250.5 updated_at 1718000000
type RedisFeed struct {
	rdb *redis.Client
	key string
}

// NewRedisFeed creates a feed for market under keyPrefix.
func NewRedisFeed(rdb *redis.Client, keyPrefix, market string) *RedisFeed {
	return &RedisFeed{rdb: rdb, key: PriceKey(keyPrefix, market)}
}

// PriceKey returns the hash key holding a market's price.
func PriceKey(prefix, market string) string {
	if prefix == "" {
		prefix = "oracle:price"
	}
	return fmt.Sprintf("%s:%s", prefix, market)
}

func (f *RedisFeed) Latest(ctx context.Context) (Price, error) {
	vals, err := f.rdb.HMGet(ctx, f.key, "price", "updated_at").Result()
	if err != nil {
		return Price{}, err
	}
	return parsePriceHash(vals)
}

var errMissingField = errors.New("missing field")

func parsePriceHash(vals []any) (Price, error) {
	if len(vals) != 2 {
		return Price{}, errMissingField
	}
	rawPrice, ok := vals[0].(string)
	if !ok {
		return Price{}, fmt.Errorf("price: %w", errMissingField)
	}
	rawAt, ok := vals[1].(string)
	if !ok {
		return Price{}, fmt.Errorf("updated_at: %w", errMissingField)
	}

	value, err := decimal.NewFromString(rawPrice)
	if err != nil {
		return Price{}, fmt.Errorf("price: %w", err)
	}
	secs, err := strconv.ParseInt(rawAt, 10, 64)
	if err != nil {
		return Price{}, fmt.Errorf("updated_at: %w", err)
	}
	return Price{Value: value, UpdatedAt: time.Unix(secs, 0).UTC()}, nil
}
