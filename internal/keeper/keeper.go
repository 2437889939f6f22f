// Package keeper drives liquidations in two bounded phases. Scan examines
// a window of open positions and returns candidates; Execute re-validates
// and liquidates a small batch of them. Both phases stop at explicit work
// budgets so one pass costs the same however many positions are open.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
)

// Engine is the part of the trading engine the keeper drives.
type Engine interface {
	OpenPositionIDs(after uint64, limit int) []uint64
	PendingOrderIDs(after uint64, limit int) []uint64
	IsLiquidatable(ctx context.Context, id uint64) bool
	Liquidate(ctx context.Context, liquidator string, id uint64) (engine.Settlement, error)
	ExecuteOrder(ctx context.Context, id uint64) (engine.Execution, error)
}

var _ Engine = (*engine.Engine)(nil)

// Budget bounds the work done per invocation.
type Budget struct {
	MaxScan       int           // positions examined per Scan
	CheckEvery    int           // items between resource checks
	MaxScanTime   time.Duration // wall-clock ceiling checked every CheckEvery items
	MaxCandidates int           // ids returned per Scan
	MaxExecute    int           // liquidations attempted per Execute
	MaxOrderSweep int           // pending orders retried per SweepOrders
}

// DefaultBudget returns conservative per-pass limits.
func DefaultBudget() Budget {
	return Budget{
		MaxScan:       200,
		CheckEvery:    20,
		MaxScanTime:   50 * time.Millisecond,
		MaxCandidates: 20,
		MaxExecute:    5,
		MaxOrderSweep: 50,
	}
}

func (b Budget) normalized() Budget {
	d := DefaultBudget()
	if b.MaxScan <= 0 {
		b.MaxScan = d.MaxScan
	}
	if b.CheckEvery <= 0 {
		b.CheckEvery = d.CheckEvery
	}
	if b.MaxScanTime <= 0 {
		b.MaxScanTime = d.MaxScanTime
	}
	if b.MaxCandidates <= 0 {
		b.MaxCandidates = d.MaxCandidates
	}
	if b.MaxExecute <= 0 {
		b.MaxExecute = d.MaxExecute
	}
	if b.MaxOrderSweep <= 0 {
		b.MaxOrderSweep = d.MaxOrderSweep
	}
	return b
}

// ScanResult is the outcome of one scan pass.
type ScanResult struct {
	Candidates []uint64 `json:"candidates"`
	Scanned    int      `json:"scanned"`
	Cursor     uint64   `json:"cursor"`
	Stopped    string   `json:"stopped,omitempty"` // set when a budget check ended the pass early
}

// Result reports one liquidation attempt.
type Result struct {
	PositionID uint64          `json:"position_id"`
	Liquidated bool            `json:"liquidated"`
	Bonus      decimal.Decimal `json:"bonus"`
	Error      string          `json:"error,omitempty"`
}

// SweepResult counts what a pending-order sweep did.
type SweepResult struct {
	Attempted int `json:"attempted"`
	Executed  int `json:"executed"`
	Deferred  int `json:"deferred"`
	Failed    int `json:"failed"`
}

// Keeper scans and liquidates positions. Passes are serialized.
type Keeper struct {
	mu      sync.Mutex
	eng     Engine
	budget  Budget
	account string // receives liquidation bonuses from the background loop
	now     func() time.Time

	cursor      uint64 // last position id scanned
	orderCursor uint64 // last order id swept
}

// New creates a keeper. account is the liquidator identity used by Run.
func New(eng Engine, account string, b Budget) *Keeper {
	return &Keeper{
		eng:     eng,
		budget:  b.normalized(),
		account: account,
		now:     time.Now,
	}
}

// Budget returns the effective limits.
func (k *Keeper) Budget() Budget { return k.budget }

// Scan examines up to MaxScan open positions, starting after the id the
// previous pass stopped at and wrapping to the lowest id. Every CheckEvery
// items it stops early if the context is done or MaxScanTime has elapsed.
func (k *Keeper) Scan(ctx context.Context) ScanResult {
	k.mu.Lock()
	defer k.mu.Unlock()

	start := k.now()
	defer func() { metrics.KeeperScanDuration.Observe(k.now().Sub(start).Seconds()) }()

	ids := window(k.eng.OpenPositionIDs, k.cursor, k.budget.MaxScan)
	res := ScanResult{Candidates: []uint64{}}
	for i, id := range ids {
		if i%k.budget.CheckEvery == 0 {
			if ctx.Err() != nil {
				res.Stopped = "context"
				break
			}
			if k.now().Sub(start) > k.budget.MaxScanTime {
				res.Stopped = "time"
				break
			}
		}
		res.Scanned++
		k.cursor = id
		if k.eng.IsLiquidatable(ctx, id) {
			res.Candidates = append(res.Candidates, id)
			if len(res.Candidates) >= k.budget.MaxCandidates {
				res.Stopped = "candidates"
				break
			}
		}
	}
	res.Cursor = k.cursor

	metrics.KeeperScanned.Add(float64(res.Scanned))
	metrics.KeeperCandidates.Add(float64(len(res.Candidates)))
	return res
}

// Execute liquidates at most MaxExecute of ids on behalf of liquidator.
// Each id is re-validated: a position that recovered or was closed since
// the scan is skipped, not reported as a failure.
func (k *Keeper) Execute(ctx context.Context, liquidator string, ids []uint64) []Result {
	if len(ids) > k.budget.MaxExecute {
		ids = ids[:k.budget.MaxExecute]
	}
	out := make([]Result, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		s, err := k.eng.Liquidate(ctx, liquidator, id)
		switch {
		case err == nil:
			metrics.KeeperLiquidations.WithLabelValues("liquidated").Inc()
			out = append(out, Result{PositionID: id, Liquidated: true, Bonus: s.Bonus})
		case errors.Is(err, engine.ErrNotLiquidatable), errors.Is(err, model.ErrNotFound):
			metrics.KeeperLiquidations.WithLabelValues("skipped").Inc()
			out = append(out, Result{PositionID: id, Bonus: decimal.Zero})
		default:
			metrics.KeeperLiquidations.WithLabelValues("failed").Inc()
			slog.Warn("liquidation failed", "position", id, "liquidator", liquidator, "err", err)
			out = append(out, Result{PositionID: id, Bonus: decimal.Zero, Error: err.Error()})
		}
	}
	return out
}

// SweepOrders retries up to MaxOrderSweep pending orders, round-robin.
func (k *Keeper) SweepOrders(ctx context.Context) SweepResult {
	k.mu.Lock()
	defer k.mu.Unlock()

	var res SweepResult
	for _, id := range window(k.eng.PendingOrderIDs, k.orderCursor, k.budget.MaxOrderSweep) {
		if ctx.Err() != nil {
			break
		}
		k.orderCursor = id
		res.Attempted++
		exec, err := k.eng.ExecuteOrder(ctx, id)
		switch {
		case err != nil:
			res.Failed++
		case exec.Deferred:
			res.Deferred++
		default:
			res.Executed++
		}
	}
	return res
}

// Tick runs one scan, execute and sweep cycle as the keeper account.
func (k *Keeper) Tick(ctx context.Context) {
	scan := k.Scan(ctx)
	var liquidated int
	if len(scan.Candidates) > 0 {
		for _, r := range k.Execute(ctx, k.account, scan.Candidates) {
			if r.Liquidated {
				liquidated++
			}
		}
	}
	sweep := k.SweepOrders(ctx)

	if liquidated > 0 || sweep.Executed > 0 || scan.Stopped == "time" {
		slog.Info("keeper pass",
			"scanned", scan.Scanned,
			"candidates", len(scan.Candidates),
			"liquidated", liquidated,
			"orders_executed", sweep.Executed,
			"orders_deferred", sweep.Deferred,
			"stopped", scan.Stopped,
		)
	}
}

// Run calls Tick at most once per interval until ctx is done.
func (k *Keeper) Run(ctx context.Context, interval time.Duration) {
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	slog.Info("keeper started", "interval", interval.String(), "account", k.account,
		"max_scan", k.budget.MaxScan, "max_execute", k.budget.MaxExecute)
	for {
		if err := limiter.Wait(ctx); err != nil {
			slog.Info("keeper stopped")
			return
		}
		k.Tick(ctx)
	}
}

// window returns up to limit ids after cursor, wrapping around to the
// lowest ids when the tail is shorter than limit.
func window(list func(after uint64, limit int) []uint64, cursor uint64, limit int) []uint64 {
	ids := list(cursor, limit)
	if len(ids) >= limit || cursor == 0 {
		return ids
	}
	for _, id := range list(0, limit-len(ids)) {
		if id > cursor {
			break
		}
		ids = append(ids, id)
	}
	return ids
}
