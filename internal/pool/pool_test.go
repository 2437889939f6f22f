package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/token"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const custody = "pool"

type failingStore struct{ err error }

func (f failingStore) ApplyBatch(context.Context, *model.Batch) error { return f.err }

type recordingStore struct{ batches []*model.Batch }

func (r *recordingStore) ApplyBatch(_ context.Context, b *model.Batch) error {
	r.batches = append(r.batches, b)
	return nil
}

// newTestPool returns a pool with BTC-USD registered and the given LPs
// funded with 1,000,000 units each.
func newTestPool(t *testing.T, lps ...string) (*Pool, *token.Ledger) {
	t.Helper()
	l := token.NewLedger()
	for _, lp := range append(lps, "ops") {
		l.Mint(lp, d(1_000_000))
		l.Approve(lp, custody, d(1_000_000))
	}
	p := New(DefaultConfig(), l, custody, &recordingStore{}, nil)
	tx := p.Begin()
	if err := tx.AddMarket("BTC-USD"); err != nil {
		t.Fatalf("AddMarket: %v", err)
	}
	tx.Commit()
	return p, l
}

func seedLiquidity(t *testing.T, p *Pool, lp string, amount float64) {
	t.Helper()
	if _, err := p.AddLiquidity(context.Background(), lp, d(amount)); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
}

func TestAddLiquidity_Shares(t *testing.T) {
	p, _ := newTestPool(t, "lp1", "lp2")
	ctx := context.Background()

	minted, err := p.AddLiquidity(ctx, "lp1", d(1000))
	if err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	if !minted.Equal(d(1000)) {
		t.Errorf("first deposit should mint 1:1, got %s", minted)
	}

	// Pool value grows by a loss credited to the pool: 1000 -> 1250.
	tx := p.Begin()
	if err := tx.ProcessLoss("BTC-USD", model.SideLong, d(250)); err != nil {
		t.Fatalf("ProcessLoss: %v", err)
	}
	tx.Commit()

	minted, err = p.AddLiquidity(ctx, "lp2", d(500))
	if err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	// 500 × 1000 / 1250 = 400
	if !minted.Equal(d(400)) {
		t.Errorf("pro-rata shares = %s, want 400", minted)
	}
	if got := p.State().TotalShares; !got.Equal(d(1400)) {
		t.Errorf("total shares = %s, want 1400", got)
	}
}

func TestAddLiquidity_BelowMinimum(t *testing.T) {
	p, l := newTestPool(t, "lp1")

	_, err := p.AddLiquidity(context.Background(), "lp1", d(99))
	if !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
	bal, _ := l.BalanceOf(context.Background(), custody)
	if !bal.IsZero() {
		t.Errorf("rejected deposit moved funds: custody = %s", bal)
	}
}

func TestAddLiquidity_PersistFailureReversesTransfer(t *testing.T) {
	l := token.NewLedger()
	l.Mint("lp1", d(1000))
	l.Approve("lp1", custody, d(1000))
	p := New(DefaultConfig(), l, custody, failingStore{errors.New("disk full")}, nil)

	if _, err := p.AddLiquidity(context.Background(), "lp1", d(500)); err == nil {
		t.Fatal("expected persistence error")
	}
	bal, _ := l.BalanceOf(context.Background(), "lp1")
	if !bal.Equal(d(1000)) {
		t.Errorf("lp1 balance = %s, want 1000 after reversal", bal)
	}
	if !p.State().TotalPoolValue.IsZero() {
		t.Error("pool state changed despite failed persist")
	}
}

func TestRemoveLiquidity(t *testing.T) {
	p, l := newTestPool(t, "lp1")
	ctx := context.Background()
	seedLiquidity(t, p, "lp1", 10000)

	if _, err := p.RemoveLiquidity(ctx, "lp1", d(10001)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}

	amount, err := p.RemoveLiquidity(ctx, "lp1", d(4000))
	if err != nil {
		t.Fatalf("RemoveLiquidity: %v", err)
	}
	if !amount.Equal(d(4000)) {
		t.Errorf("amount = %s, want 4000", amount)
	}
	bal, _ := l.BalanceOf(ctx, "lp1")
	if !bal.Equal(d(994000)) {
		t.Errorf("lp1 balance = %s, want 994000", bal)
	}
	if s := p.Share("lp1"); !s.Shares.Equal(d(6000)) || !s.Withdrawn.Equal(d(4000)) {
		t.Errorf("share = %+v", s)
	}
}

func TestRemoveLiquidity_ReserveGuard(t *testing.T) {
	p, _ := newTestPool(t, "lp1")
	ctx := context.Background()
	seedLiquidity(t, p, "lp1", 10000)

	// 6000 allocated of 10000.
	tx := p.Begin()
	if err := tx.Allocate("BTC-USD", model.SideLong, d(6000)); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	tx.Commit()

	// Withdrawing 3000 leaves 7000 with 1000 unallocated < 20% × 7000.
	if _, err := p.RemoveLiquidity(ctx, "lp1", d(3000)); !errors.Is(err, model.ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	// Withdrawing 2500 leaves 7500 with 1500 unallocated = 20% × 7500.
	if _, err := p.RemoveLiquidity(ctx, "lp1", d(2500)); err != nil {
		t.Fatalf("withdrawal at the reserve boundary should pass: %v", err)
	}
}

func TestAllocate_UtilizationBound(t *testing.T) {
	p, _ := newTestPool(t, "lp1")
	seedLiquidity(t, p, "lp1", 10000)

	tx := p.Begin()
	defer tx.Rollback()
	if err := tx.Allocate("BTC-USD", model.SideLong, d(5000)); err != nil {
		t.Fatalf("Allocate long: %v", err)
	}
	if err := tx.Allocate("BTC-USD", model.SideShort, d(3000)); err != nil {
		t.Fatalf("Allocate short up to the cap: %v", err)
	}
	if err := tx.Allocate("BTC-USD", model.SideShort, d(0.000001)); !errors.Is(err, ErrUtilizationExceeded) {
		t.Fatalf("expected ErrUtilizationExceeded, got %v", err)
	}
	m, _ := tx.market("BTC-USD")
	if !m.TotalVolume.Equal(d(8000)) {
		t.Errorf("volume = %s, want 8000", m.TotalVolume)
	}
}

func TestAllocate_InactiveMarket(t *testing.T) {
	p, _ := newTestPool(t, "lp1")
	seedLiquidity(t, p, "lp1", 10000)

	tx := p.Begin()
	if err := tx.SetActive("BTC-USD", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	tx.Commit()

	if err := p.CanAllocate("BTC-USD", d(1)); !errors.Is(err, ErrMarketInactive) {
		t.Errorf("expected ErrMarketInactive, got %v", err)
	}
	if err := p.CanAllocate("ETH-USD", d(1)); !errors.Is(err, ErrUnknownMarket) {
		t.Errorf("expected ErrUnknownMarket, got %v", err)
	}
}

func TestDeallocate_Underfunded(t *testing.T) {
	p, _ := newTestPool(t, "lp1")
	seedLiquidity(t, p, "lp1", 10000)

	tx := p.Begin()
	defer tx.Rollback()
	_ = tx.Allocate("BTC-USD", model.SideShort, d(100))
	if err := tx.Deallocate("BTC-USD", model.SideShort, d(101)); !errors.Is(err, model.ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	if err := tx.Deallocate("BTC-USD", model.SideShort, d(100)); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
}

func TestCollectTradingFees_Split(t *testing.T) {
	p, _ := newTestPool(t, "lp1")
	seedLiquidity(t, p, "lp1", 10000)

	tx := p.Begin()
	if err := tx.CollectTradingFees("BTC-USD", d(50)); err != nil {
		t.Fatalf("CollectTradingFees: %v", err)
	}
	tx.Commit()

	st := p.State()
	if !st.InsuranceFund.Equal(d(5)) {
		t.Errorf("insurance = %s, want 5", st.InsuranceFund)
	}
	if !st.TotalPoolValue.Equal(d(10045)) {
		t.Errorf("pool value = %s, want 10045", st.TotalPoolValue)
	}
	m, _ := p.Market("BTC-USD")
	if !m.FeesCollected.Equal(d(45)) {
		t.Errorf("fees collected = %s, want 45", m.FeesCollected)
	}
}

func TestProcessProfit(t *testing.T) {
	tests := []struct {
		name       string
		shortPool  float64
		insurance  float64
		profit     float64
		wantOK     bool
		wantShort  float64
		wantInsure float64
	}{
		{"counterparty covers", 1000, 0, 400, true, 600, 0},
		{"insurance covers shortfall", 300, 500, 400, true, 0, 400},
		{"both insufficient", 300, 50, 400, false, 300, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPool(t, "lp1")
			seedLiquidity(t, p, "lp1", 10000)
			if tt.insurance > 0 {
				if err := p.FundInsurance(context.Background(), auth.Admin("ops"), d(tt.insurance)); err != nil {
					t.Fatalf("FundInsurance: %v", err)
				}
			}

			tx := p.Begin()
			_ = tx.Allocate("BTC-USD", model.SideShort, d(tt.shortPool))
			before := p.global
			ok := tx.ProcessProfit("BTC-USD", model.SideLong, d(tt.profit))
			tx.Commit()

			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			m, _ := p.Market("BTC-USD")
			if !m.ShortPool.Equal(d(tt.wantShort)) {
				t.Errorf("short pool = %s, want %s", m.ShortPool, d(tt.wantShort))
			}
			st := p.State()
			if !st.InsuranceFund.Equal(d(tt.wantInsure)) {
				t.Errorf("insurance = %s, want %s", st.InsuranceFund, d(tt.wantInsure))
			}
			if !ok && !st.TotalPoolValue.Equal(before.TotalPoolValue) {
				t.Error("failed payout changed pool value")
			}
		})
	}
}

func TestTx_RollbackRestores(t *testing.T) {
	p, _ := newTestPool(t, "lp1")
	seedLiquidity(t, p, "lp1", 10000)
	before := p.State()

	tx := p.Begin()
	_ = tx.AddMarket("ETH-USD")
	_ = tx.Allocate("BTC-USD", model.SideLong, d(1000))
	_ = tx.CollectTradingFees("BTC-USD", d(10))
	_ = tx.ProcessLoss("BTC-USD", model.SideLong, d(100))
	pools, global := tx.Changes()
	if len(pools) != 2 || global == nil {
		t.Fatalf("changes = %d pools, global %v", len(pools), global)
	}
	tx.Rollback()

	if _, ok := p.Market("ETH-USD"); ok {
		t.Error("market created in a rolled-back tx should not exist")
	}
	m, _ := p.Market("BTC-USD")
	if !m.LongPool.IsZero() || !m.FeesCollected.IsZero() || !m.TotalVolume.IsZero() {
		t.Errorf("market not restored: %+v", m)
	}
	st := p.State()
	if !st.TotalPoolValue.Equal(before.TotalPoolValue) || !st.InsuranceFund.Equal(before.InsuranceFund) {
		t.Errorf("global not restored: %+v", st)
	}
	tx.Rollback() // second call is a no-op
}

func TestClaimRewards_GlobalReset(t *testing.T) {
	p, l := newTestPool(t, "lp1", "lp2")
	ctx := context.Background()
	seedLiquidity(t, p, "lp1", 7500)
	seedLiquidity(t, p, "lp2", 2500)

	tx := p.Begin()
	_ = tx.CollectTradingFees("BTC-USD", d(200)) // 180 to LPs
	tx.Commit()

	if got := p.LPRewards("lp2"); !got.Equal(d(45)) {
		t.Fatalf("lp2 rewards = %s, want 45", got)
	}

	reward, err := p.ClaimRewards(ctx, "lp1")
	if err != nil {
		t.Fatalf("ClaimRewards: %v", err)
	}
	if !reward.Equal(d(135)) {
		t.Errorf("lp1 reward = %s, want 135", reward)
	}
	bal, _ := l.BalanceOf(ctx, "lp1")
	if !bal.Equal(d(1_000_000 - 7500 + 135)) {
		t.Errorf("lp1 balance = %s", bal)
	}

	// The claim resets fees for everyone.
	if got := p.LPRewards("lp2"); !got.IsZero() {
		t.Errorf("lp2 rewards after lp1 claim = %s, want 0", got)
	}
	if _, err := p.ClaimRewards(ctx, "lp2"); !errors.Is(err, ErrNoRewards) {
		t.Errorf("expected ErrNoRewards, got %v", err)
	}
}

func TestFundInsurance_RequiresAdmin(t *testing.T) {
	p, _ := newTestPool(t, "lp1")
	rec := &events.Recorder{}
	p.pub = rec

	trader := auth.Capability{Subject: "lp1", Perms: []auth.Permission{auth.PermTrade}}
	if err := p.FundInsurance(context.Background(), trader, d(10)); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := p.FundInsurance(context.Background(), auth.Admin("ops"), d(10)); err != nil {
		t.Fatalf("FundInsurance: %v", err)
	}
	if !p.State().InsuranceFund.Equal(d(10)) {
		t.Errorf("insurance = %s, want 10", p.State().InsuranceFund)
	}
	if types := rec.Types(); len(types) != 1 || types[0] != events.TypeInsuranceFunded {
		t.Errorf("events = %v", types)
	}
}
