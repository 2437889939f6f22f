// Package events fans committed engine activity out to live subscribers:
// WebSocket clients and a NATS subject tree.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types. NATS subjects are "<prefix>.<type>".
const (
	TypeMarketAdded        = "market.added"
	TypeMarketUpdated      = "market.updated"
	TypePriceUpdated       = "market.price_updated"
	TypeDeposited          = "collateral.deposited"
	TypeWithdrawn          = "collateral.withdrawn"
	TypeOrderPlaced        = "order.placed"
	TypeOrderExecuted      = "order.executed"
	TypePositionClosed     = "position.closed"
	TypePositionLiquidated = "position.liquidated"
	TypeLiquidityAdded     = "pool.liquidity_added"
	TypeLiquidityRemoved   = "pool.liquidity_removed"
	TypeRewardsClaimed     = "pool.rewards_claimed"
	TypeInsuranceFunded    = "pool.insurance_funded"
)

// Event is a JSON message describing one committed operation.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Market     string    `json:"market,omitempty"`
	Account    string    `json:"account,omitempty"`
	OrderID    uint64    `json:"order_id,omitempty"`
	PositionID uint64    `json:"position_id,omitempty"`
	Side       string    `json:"side,omitempty"`
	Size       string    `json:"size,omitempty"`
	Price      string    `json:"price,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	PnL        string    `json:"pnl,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher receives committed events. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

// Emit publishes ev on p if p is non-nil.
func Emit(p Publisher, ev Event) {
	if p != nil {
		p.Publish(ev)
	}
}

// Bus stamps events and fans them out to every sink.
type Bus struct {
	mu    sync.RWMutex
	sinks []Publisher
	now   func() time.Time
}

// NewBus creates a bus over the given sinks.
func NewBus(sinks ...Publisher) *Bus {
	return &Bus{sinks: sinks, now: func() time.Time { return time.Now().UTC() }}
}

// Add attaches another sink.
func (b *Bus) Add(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, p)
}

func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sinks {
		s.Publish(ev)
	}
}

// Recorder keeps every event in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}
