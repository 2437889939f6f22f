package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestAdapter() *Adapter {
	a := NewAdapter(time.Hour, time.Second)
	a.SetClock(func() time.Time { return now })
	return a
}

func TestGetPrice_Fresh(t *testing.T) {
	a := newTestAdapter()
	a.RegisterFeed("BTC-USD", NewStaticFeed(d(64000), now.Add(-time.Minute)))

	p, err := a.GetPrice(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Value.Equal(d(64000)) {
		t.Errorf("price = %s, want 64000", p.Value)
	}
}

func TestGetPrice_Failures(t *testing.T) {
	a := newTestAdapter()
	a.RegisterFeed("ZERO-USD", NewStaticFeed(decimal.Zero, now))
	a.RegisterFeed("NEG-USD", NewStaticFeed(d(-1), now))
	a.RegisterFeed("OLD-USD", NewStaticFeed(d(10), now.Add(-time.Hour-time.Second)))
	broken := NewStaticFeed(d(10), now)
	broken.Fail(errors.New("connection refused"))
	a.RegisterFeed("DOWN-USD", broken)

	tests := []struct {
		market string
		want   error
	}{
		{"NONE-USD", ErrNoFeed},
		{"ZERO-USD", ErrInvalidPrice},
		{"NEG-USD", ErrInvalidPrice},
		{"OLD-USD", ErrStalePrice},
		{"DOWN-USD", ErrFeedFailure},
	}
	for _, tt := range tests {
		_, err := a.GetPrice(context.Background(), tt.market)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.market, tt.want, err)
		}
		if !errors.Is(err, model.ErrPriceUnavailable) {
			t.Errorf("%s: error should classify as price unavailable", tt.market)
		}
		if _, ok := a.GetPriceSafe(context.Background(), tt.market); ok {
			t.Errorf("%s: GetPriceSafe should report false", tt.market)
		}
	}
}

func TestGetPrice_ExactlyAtThreshold(t *testing.T) {
	a := newTestAdapter()
	a.RegisterFeed("BTC-USD", NewStaticFeed(d(1), now.Add(-time.Hour)))

	if _, ok := a.GetPriceSafe(context.Background(), "BTC-USD"); !ok {
		t.Error("price exactly at the staleness threshold should be accepted")
	}
}

type slowFeed struct{}

func (slowFeed) Latest(ctx context.Context) (Price, error) {
	<-ctx.Done()
	return Price{}, ctx.Err()
}

func TestGetPrice_Deadline(t *testing.T) {
	a := NewAdapter(time.Hour, 10*time.Millisecond)
	a.RegisterFeed("SLOW-USD", slowFeed{})

	_, err := a.GetPrice(context.Background(), "SLOW-USD")
	if !errors.Is(err, ErrFeedFailure) {
		t.Fatalf("expected ErrFeedFailure after deadline, got %v", err)
	}
}

func TestSetFeed_RequiresAdmin(t *testing.T) {
	a := newTestAdapter()
	feed := NewStaticFeed(d(5), now)

	trader := auth.Capability{Subject: "alice", Perms: []auth.Permission{auth.PermTrade}}
	if err := a.SetFeed(trader, "ETH-USD", feed); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, ok := a.Feed("ETH-USD"); ok {
		t.Fatal("feed should not be registered after a rejected call")
	}

	if err := a.SetFeed(auth.Admin("ops"), "ETH-USD", feed); err != nil {
		t.Fatalf("SetFeed: %v", err)
	}
	if _, ok := a.GetPriceSafe(context.Background(), "ETH-USD"); !ok {
		t.Error("price should be available after wiring the feed")
	}
}

func TestParsePriceHash(t *testing.T) {
	p, err := parsePriceHash([]any{"64250.5", "1718000000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Value.Equal(d(64250.5)) || p.UpdatedAt.Unix() != 1718000000 {
		t.Errorf("got %+v", p)
	}

	bad := [][]any{
		{nil, "1718000000"},
		{"64250.5", nil},
		{"abc", "1"},
		{"1", "yesterday"},
		{"1"},
	}
	for _, vals := range bad {
		if _, err := parsePriceHash(vals); err == nil {
			t.Errorf("expected error for %v", vals)
		}
	}
}
