package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/token"
)

// op stages the effects of one engine operation. Nothing is visible until
// commit; abort (deferred by every caller) rolls back whatever was staged.
// The caller holds e.mu for the op's whole life.
type op struct {
	e      *Engine
	name   string
	start  time.Time
	tx     *pool.Tx
	moves  []token.Movement
	batch  model.Batch
	apply  []func()
	events []events.Event
	done   bool
}

func (e *Engine) newOp(name string) *op {
	return &op{e: e, name: name, start: time.Now()}
}

// pool opens the pool transaction on first use. Pool read methods must
// not be called after this: the transaction holds the pool lock.
func (o *op) pool() *pool.Tx {
	if o.tx == nil {
		o.tx = o.e.pool.Begin()
	}
	return o.tx
}

func (o *op) move(m token.Movement) {
	o.moves = append(o.moves, m)
}

func (o *op) account(a model.CollateralAccount) {
	o.batch.Accounts = append(o.batch.Accounts, a)
	o.apply = append(o.apply, func() { o.e.ledger.Apply(a) })
}

func (o *op) market(m model.Market) {
	o.batch.Markets = append(o.batch.Markets, m)
	o.apply = append(o.apply, func() { o.e.markets[m.Symbol] = m })
}

// order stages an order write. Re-staging the same id replaces the earlier
// version so the batch carries only the final state.
func (o *op) order(ord model.Order) {
	for i := range o.batch.Orders {
		if o.batch.Orders[i].ID == ord.ID {
			o.batch.Orders[i] = ord
			return
		}
	}
	o.batch.Orders = append(o.batch.Orders, ord)
	id := ord.ID
	o.apply = append(o.apply, func() {
		for _, staged := range o.batch.Orders {
			if staged.ID == id {
				o.e.putOrder(staged)
				o.e.lastOrderID = max(o.e.lastOrderID, id)
			}
		}
	})
}

func (o *op) position(p model.Position) {
	o.batch.Positions = append(o.batch.Positions, p)
	o.apply = append(o.apply, func() {
		o.e.putPosition(p)
		o.e.lastPositionID = max(o.e.lastPositionID, p.ID)
	})
}

func (o *op) journal(entry model.JournalEntry) {
	entry.ID = uuid.New().String()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = o.e.now()
	}
	o.batch.Journal = append(o.batch.Journal, entry)
}

func (o *op) emit(ev events.Event) {
	o.events = append(o.events, ev)
}

// after registers an effect to run once the op has committed.
func (o *op) after(fn func()) {
	o.apply = append(o.apply, fn)
}

// commit settles tokens, persists the batch and installs the staged state.
// On failure everything is rolled back and the error returned.
func (o *op) commit(ctx context.Context) error {
	if o.tx != nil {
		o.batch.Pools, o.batch.Global = o.tx.Changes()
	}

	undo, err := token.Settle(ctx, o.e.asset, o.moves...)
	if err != nil {
		o.abort()
		return err
	}
	if o.e.store != nil && !o.batch.Empty() {
		if err := o.e.store.ApplyBatch(ctx, &o.batch); err != nil {
			undo(ctx)
			o.abort()
			return fmt.Errorf("engine: persist %s: %w", o.name, err)
		}
	}

	for _, fn := range o.apply {
		fn()
	}
	if o.tx != nil {
		o.tx.Commit()
	}
	o.done = true

	for _, ev := range o.events {
		events.Emit(o.e.pub, ev)
	}
	metrics.OpenPositions.Set(float64(len(o.e.open)))
	metrics.ObserveSince(o.name, o.start)
	return nil
}

// abort discards the op. It is a no-op after commit.
func (o *op) abort() {
	if o.done {
		return
	}
	o.done = true
	if o.tx != nil {
		o.tx.Rollback()
	}
}
