package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/api"
	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/keeper"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/token"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	h      http.Handler
	issuer *auth.Issuer
	eng    *engine.Engine
	asset  *token.Ledger
	prices *oracle.Adapter
	rec    *events.Recorder
}

// newTestEnv serves an engine with BTC-USD priced at 100, 100,000 of LP
// liquidity from lp1, and alice and bob funded with 10,000 each.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	asset := token.NewLedger()
	for _, acct := range []string{"alice", "bob"} {
		asset.Mint(acct, d(10_000))
		asset.Approve(acct, "vault", d(10_000))
		asset.Approve(acct, "pool", d(10_000))
	}
	asset.Mint("lp1", d(100_000))
	asset.Approve("lp1", "pool", d(100_000))
	asset.Mint("admin", d(10_000))
	asset.Approve("admin", "pool", d(10_000))

	ms := store.NewMemoryStore()
	rec := &events.Recorder{}
	lp := pool.New(pool.DefaultConfig(), asset, "pool", ms, rec)
	prices := oracle.NewAdapter(0, 0)
	prices.RegisterFeed("BTC-USD", oracle.NewStaticFeed(d(100), time.Now()))

	eng := engine.New(engine.DefaultParams(), engine.Deps{
		Prices:  prices,
		Pool:    lp,
		Asset:   asset,
		Vault:   "vault",
		Store:   ms,
		Limiter: correlation.NewPositionLimiter(d(1_000_000), d(5_000_000)),
		Events:  rec,
	})
	if _, err := eng.AddMarket(ctx, auth.Admin("admin"), "BTC-USD", ""); err != nil {
		t.Fatalf("AddMarket: %v", err)
	}
	if _, err := lp.AddLiquidity(ctx, "lp1", d(100_000)); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}

	issuer, err := auth.NewIssuer("test-secret", "perpd")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	svc := api.NewService(api.Deps{
		Engine:  eng,
		Pool:    lp,
		Prices:  prices,
		Keeper:  keeper.New(eng, "keeper", keeper.DefaultBudget()),
		Journal: ms,
		Issuer:  issuer,
		Events:  rec,
	})
	return &testEnv{h: svc.Router(0), issuer: issuer, eng: eng, asset: asset, prices: prices, rec: rec}
}

func (e *testEnv) token(t *testing.T, subject string, perms ...auth.Permission) string {
	t.Helper()
	tok, err := e.issuer.Issue(auth.Capability{Subject: subject, Perms: perms}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (e *testEnv) trader(t *testing.T, subject string) string {
	return e.token(t, subject, auth.PermTrade)
}

func (e *testEnv) admin(t *testing.T) string {
	return e.token(t, "admin", auth.PermTrade, auth.PermKeeper, auth.PermAdmin)
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d: %s", w.Code, want, w.Body.String())
	}
}

func (e *testEnv) openLong(t *testing.T, tok string, size float64, leverage int64) model.Position {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/orders", tok, map[string]any{
		"market": "BTC-USD", "side": "long", "size": size, "leverage": leverage, "is_market": true,
	})
	expectStatus(t, w, http.StatusCreated)
	exec := decodeBody[engine.Execution](t, w)
	if exec.Position == nil {
		t.Fatalf("market order deferred: %s", exec.Reason)
	}
	return *exec.Position
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decodeBody[map[string]string](t, w)["status"]; got != "ok" {
		t.Errorf("status = %q", got)
	}
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		tok    string
		want   int
	}{
		{"public markets", http.MethodGet, "/api/v1/markets", "", http.StatusOK},
		{"missing token", http.MethodGet, "/api/v1/collateral", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/collateral", "not-a-jwt", http.StatusUnauthorized},
		{"trader reads collateral", http.MethodGet, "/api/v1/collateral", env.trader(t, "alice"), http.StatusOK},
		{"keeper cannot trade", http.MethodGet, "/api/v1/collateral", env.token(t, "k", auth.PermKeeper), http.StatusForbidden},
		{"trader cannot scan", http.MethodPost, "/api/v1/keeper/scan", env.trader(t, "alice"), http.StatusForbidden},
		{"trader cannot set fees", http.MethodPut, "/api/v1/admin/fees", env.trader(t, "alice"), http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, tc.method, tc.path, tc.tok, nil)
			expectStatus(t, w, tc.want)
		})
	}

	other, err := auth.NewIssuer("other-secret", "perpd")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	forged, _ := other.Issue(auth.Admin("mallory"), time.Hour)
	w := env.do(t, http.MethodGet, "/api/v1/collateral", forged, nil)
	expectStatus(t, w, http.StatusUnauthorized)
}

func TestCreateMarketAndPrice(t *testing.T) {
	env := newTestEnv(t)
	admin := env.admin(t)

	w := env.do(t, http.MethodPost, "/api/v1/markets", admin, map[string]any{"symbol": "eth-usd", "price": 2500})
	expectStatus(t, w, http.StatusCreated)
	m := decodeBody[api.MarketView](t, w)
	if m.Symbol != "ETH-USD" || !m.Active {
		t.Errorf("market = %+v", m.Market)
	}

	w = env.do(t, http.MethodGet, "/api/v1/markets/ETH-USD/price", "", nil)
	expectStatus(t, w, http.StatusOK)
	if p := decodeBody[api.PriceResponse](t, w); !p.Price.Equal(d(2500)) {
		t.Errorf("price = %s, want 2500", p.Price)
	}

	w = env.do(t, http.MethodPost, "/api/v1/markets/ETH-USD/price", admin, map[string]any{"price": 2600})
	expectStatus(t, w, http.StatusOK)
	w = env.do(t, http.MethodGet, "/api/v1/markets/eth-usd/price", "", nil)
	if p := decodeBody[api.PriceResponse](t, w); !p.Price.Equal(d(2600)) {
		t.Errorf("price after update = %s, want 2600", p.Price)
	}

	found := false
	for _, ev := range env.rec.Events() {
		if ev.Type == events.TypePriceUpdated && ev.Market == "ETH-USD" && ev.Price == "2600" {
			found = true
		}
	}
	if !found {
		t.Errorf("no price update event in %v", env.rec.Types())
	}

	w = env.do(t, http.MethodPost, "/api/v1/markets", admin, map[string]any{"symbol": "ETH-USD"})
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, http.MethodGet, "/api/v1/markets/DOGE-USD/price", "", nil)
	expectStatus(t, w, http.StatusNotFound)

	w = env.do(t, http.MethodGet, "/api/v1/markets", "", nil)
	expectStatus(t, w, http.StatusOK)
	if ms := decodeBody[[]api.MarketView](t, w); len(ms) != 2 {
		t.Errorf("markets = %d, want 2", len(ms))
	}
}

func TestSetPrice(t *testing.T) {
	env := newTestEnv(t)
	admin := env.admin(t)

	w := env.do(t, http.MethodPost, "/api/v1/markets", admin, map[string]any{"symbol": "SOL-USD"})
	expectStatus(t, w, http.StatusCreated)

	w = env.do(t, http.MethodGet, "/api/v1/markets/SOL-USD/price", "", nil)
	expectStatus(t, w, http.StatusServiceUnavailable)

	w = env.do(t, http.MethodPost, "/api/v1/markets/SOL-USD/price", admin, map[string]any{"price": 0})
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, http.MethodPost, "/api/v1/markets", admin, map[string]any{"symbol": "ETH-USD"})
	expectStatus(t, w, http.StatusCreated)
	env.prices.RegisterFeed("ETH-USD", oracle.NewRedisFeed(nil, "prices", "ETH-USD"))
	w = env.do(t, http.MethodPost, "/api/v1/markets/ETH-USD/price", admin, map[string]any{"price": 2500})
	expectStatus(t, w, http.StatusConflict)
}

func TestTradeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alice := env.trader(t, "alice")

	w := env.do(t, http.MethodPost, "/api/v1/collateral/deposit", alice, map[string]any{"amount": 1000})
	expectStatus(t, w, http.StatusOK)
	if v := decodeBody[engine.AccountView](t, w); !v.Available.Equal(d(1000)) {
		t.Fatalf("available = %s, want 1000", v.Available)
	}

	pos := env.openLong(t, alice, 1000, 10)
	if !pos.EntryPrice.Equal(d(100)) || !pos.Collateral.Equal(d(100)) {
		t.Fatalf("position = %+v", pos)
	}

	w = env.do(t, http.MethodGet, "/api/v1/collateral", alice, nil)
	if v := decodeBody[engine.AccountView](t, w); !v.Committed.Equal(d(100)) {
		t.Errorf("committed = %s, want 100", v.Committed)
	}

	w = env.do(t, http.MethodGet, "/api/v1/positions/1", alice, nil)
	expectStatus(t, w, http.StatusOK)
	view := decodeBody[api.PositionView](t, w)
	if view.MarkPrice == nil || !view.MarkPrice.Equal(d(100)) || view.UnrealizedPnL == nil || !view.UnrealizedPnL.IsZero() {
		t.Errorf("view = %+v", view)
	}

	w = env.do(t, http.MethodGet, "/api/v1/orders/1", alice, nil)
	expectStatus(t, w, http.StatusOK)
	if o := decodeBody[model.Order](t, w); o.PositionID != pos.ID {
		t.Errorf("order position = %d, want %d", o.PositionID, pos.ID)
	}

	w = env.do(t, http.MethodGet, "/api/v1/positions", alice, nil)
	if ps := decodeBody[[]model.Position](t, w); len(ps) != 1 || ps[0].ID != pos.ID {
		t.Errorf("positions = %+v", ps)
	}

	bob := env.trader(t, "bob")
	w = env.do(t, http.MethodGet, "/api/v1/orders", bob, nil)
	if orders := decodeBody[[]model.Order](t, w); len(orders) != 0 {
		t.Errorf("bob sees %d orders", len(orders))
	}
	w = env.do(t, http.MethodGet, "/api/v1/positions/1", bob, nil)
	expectStatus(t, w, http.StatusForbidden)
	w = env.do(t, http.MethodPost, "/api/v1/positions/1/close", bob, nil)
	expectStatus(t, w, http.StatusForbidden)

	w = env.do(t, http.MethodPost, "/api/v1/positions/1/close", alice, nil)
	expectStatus(t, w, http.StatusOK)
	st := decodeBody[engine.Settlement](t, w)
	if st.Position.Status != model.PositionClosed || !st.Price.Equal(d(100)) {
		t.Errorf("settlement = %+v", st)
	}

	w = env.do(t, http.MethodPost, "/api/v1/positions/1/close", alice, nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestTradingErrors(t *testing.T) {
	env := newTestEnv(t)
	alice := env.trader(t, "alice")
	env.do(t, http.MethodPost, "/api/v1/collateral/deposit", alice, map[string]any{"amount": 100})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"withdraw too much", http.MethodPost, "/api/v1/collateral/withdraw", map[string]any{"amount": 500}, http.StatusConflict},
		{"deposit zero", http.MethodPost, "/api/v1/collateral/deposit", map[string]any{"amount": 0}, http.StatusBadRequest},
		{"over committed", http.MethodPost, "/api/v1/orders", map[string]any{
			"market": "BTC-USD", "side": "long", "size": 5000, "leverage": 10, "is_market": true,
		}, http.StatusConflict},
		{"bad leverage", http.MethodPost, "/api/v1/orders", map[string]any{
			"market": "BTC-USD", "side": "long", "size": 100, "leverage": 500, "is_market": true,
		}, http.StatusBadRequest},
		{"bad side", http.MethodPost, "/api/v1/orders", map[string]any{
			"market": "BTC-USD", "side": "up", "size": 100, "leverage": 2, "is_market": true,
		}, http.StatusBadRequest},
		{"unknown market", http.MethodPost, "/api/v1/orders", map[string]any{
			"market": "XRP-USD", "side": "long", "size": 100, "leverage": 2, "is_market": true,
		}, http.StatusServiceUnavailable},
		{"malformed body", http.MethodPost, "/api/v1/orders", "not an object", http.StatusBadRequest},
		{"bad id", http.MethodGet, "/api/v1/orders/abc", nil, http.StatusBadRequest},
		{"missing order", http.MethodGet, "/api/v1/orders/99", nil, http.StatusNotFound},
		{"execute missing order", http.MethodPost, "/api/v1/orders/99/execute", nil, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, tc.method, tc.path, alice, tc.body)
			expectStatus(t, w, tc.want)
			if e := decodeBody[map[string]string](t, w)["error"]; e == "" {
				t.Errorf("missing error message")
			}
		})
	}
}

func TestKeeperLiquidation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.trader(t, "alice")
	admin := env.admin(t)
	env.do(t, http.MethodPost, "/api/v1/collateral/deposit", alice, map[string]any{"amount": 1000})
	pos := env.openLong(t, alice, 5000, 10)

	keeperTok := env.token(t, "keeper1", auth.PermKeeper)
	w := env.do(t, http.MethodPost, "/api/v1/keeper/scan", keeperTok, nil)
	expectStatus(t, w, http.StatusOK)
	if scan := decodeBody[keeper.ScanResult](t, w); len(scan.Candidates) != 0 {
		t.Fatalf("candidates at entry price = %v", scan.Candidates)
	}

	w = env.do(t, http.MethodPost, "/api/v1/markets/BTC-USD/price", admin, map[string]any{"price": 91})
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, http.MethodGet, "/api/v1/positions/1/liquidatable", alice, nil)
	if got := decodeBody[map[string]any](t, w)["liquidatable"]; got != true {
		t.Errorf("liquidatable = %v, want true", got)
	}

	w = env.do(t, http.MethodPost, "/api/v1/keeper/execute", keeperTok, nil)
	expectStatus(t, w, http.StatusOK)
	results := decodeBody[[]keeper.Result](t, w)
	if len(results) != 1 || results[0].PositionID != pos.ID || !results[0].Liquidated {
		t.Fatalf("results = %+v", results)
	}
	if !results[0].Bonus.IsPositive() {
		t.Errorf("bonus = %s, want > 0", results[0].Bonus)
	}
	bal, _ := env.asset.BalanceOf(context.Background(), "keeper1")
	if !bal.Equal(results[0].Bonus) {
		t.Errorf("keeper balance = %s, want %s", bal, results[0].Bonus)
	}

	w = env.do(t, http.MethodPost, "/api/v1/keeper/execute", keeperTok, map[string]any{"ids": []uint64{pos.ID}})
	expectStatus(t, w, http.StatusOK)
	if again := decodeBody[[]keeper.Result](t, w); len(again) != 1 || again[0].Liquidated {
		t.Errorf("second pass = %+v", again)
	}
}

func TestPoolLiquidity(t *testing.T) {
	env := newTestEnv(t)
	bob := env.trader(t, "bob")

	w := env.do(t, http.MethodPost, "/api/v1/pool/liquidity", bob, map[string]any{"amount": 1000})
	expectStatus(t, w, http.StatusCreated)
	added := decodeBody[map[string]json.RawMessage](t, w)
	var minted decimal.Decimal
	if err := json.Unmarshal(added["minted"], &minted); err != nil || !minted.IsPositive() {
		t.Fatalf("minted = %s (%v)", added["minted"], err)
	}

	w = env.do(t, http.MethodGet, "/api/v1/pool", "", nil)
	expectStatus(t, w, http.StatusOK)
	pv := decodeBody[api.PoolView](t, w)
	if !pv.State.TotalPoolValue.Equal(d(101_000)) {
		t.Errorf("total pool value = %s, want 101000", pv.State.TotalPoolValue)
	}
	if pv.MaxUtilizationBps != 8000 || len(pv.Markets) != 1 {
		t.Errorf("pool view = %+v", pv)
	}

	w = env.do(t, http.MethodGet, "/api/v1/pool/rewards", bob, nil)
	expectStatus(t, w, http.StatusOK)
	if sv := decodeBody[api.ShareView](t, w); !sv.Shares.Equal(minted) {
		t.Errorf("shares = %s, want %s", sv.Shares, minted)
	}

	w = env.do(t, http.MethodPost, "/api/v1/pool/liquidity/remove", bob, map[string]any{"shares": minted.Mul(d(2))})
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, http.MethodPost, "/api/v1/pool/liquidity/remove", bob, map[string]any{"shares": minted})
	expectStatus(t, w, http.StatusOK)

	admin := env.admin(t)
	w = env.do(t, http.MethodPost, "/api/v1/pool/insurance", admin, map[string]any{"amount": 500})
	expectStatus(t, w, http.StatusOK)
	if st := decodeBody[model.GlobalPoolState](t, w); !st.InsuranceFund.Equal(d(500)) {
		t.Errorf("insurance = %s, want 500", st.InsuranceFund)
	}
}

func TestUpdateFees(t *testing.T) {
	env := newTestEnv(t)
	admin := env.admin(t)

	w := env.do(t, http.MethodPut, "/api/v1/admin/fees", admin, map[string]any{"trading_fee_bps": 25})
	expectStatus(t, w, http.StatusOK)
	if got := env.eng.Params().TradingFeeBps; got != 25 {
		t.Errorf("fee = %d, want 25", got)
	}

	w = env.do(t, http.MethodPut, "/api/v1/admin/fees", admin, map[string]any{"trading_fee_bps": 20_000})
	expectStatus(t, w, http.StatusBadRequest)
}

func TestJournal(t *testing.T) {
	env := newTestEnv(t)
	alice := env.trader(t, "alice")
	env.do(t, http.MethodPost, "/api/v1/collateral/deposit", alice, map[string]any{"amount": 1000})
	env.openLong(t, alice, 1000, 10)

	w := env.do(t, http.MethodGet, "/api/v1/journal", alice, nil)
	expectStatus(t, w, http.StatusOK)
	entries := decodeBody[[]model.JournalEntry](t, w)
	kinds := map[model.JournalKind]bool{}
	for _, e := range entries {
		if e.Account != "alice" {
			t.Errorf("foreign entry %+v", e)
		}
		kinds[e.Kind] = true
	}
	if !kinds[model.JournalDeposit] || !kinds[model.JournalPositionOpened] {
		t.Errorf("kinds = %v", kinds)
	}

	w = env.do(t, http.MethodGet, "/api/v1/journal?market=BTC-USD", alice, nil)
	expectStatus(t, w, http.StatusForbidden)
	w = env.do(t, http.MethodGet, "/api/v1/journal?account=bob", alice, nil)
	expectStatus(t, w, http.StatusForbidden)

	w = env.do(t, http.MethodGet, "/api/v1/journal?market=BTC-USD", env.admin(t), nil)
	expectStatus(t, w, http.StatusOK)
	if got := decodeBody[[]model.JournalEntry](t, w); len(got) == 0 {
		t.Errorf("no market entries")
	}
}
