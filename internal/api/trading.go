package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/model"
)

// AmountRequest carries a single amount.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PositionView is a position marked at the current price when one is
// available.
type PositionView struct {
	model.Position
	MarkPrice     *decimal.Decimal `json:"mark_price,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// Deposit handles POST /api/v1/collateral/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := s.eng.Deposit(r.Context(), capability(r).Subject, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Withdraw handles POST /api/v1/collateral/withdraw.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := s.eng.Withdraw(r.Context(), capability(r).Subject, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetCollateral handles GET /api/v1/collateral.
func (s *Service) GetCollateral(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Account(capability(r).Subject))
}

// PlaceOrder handles POST /api/v1/orders. The trader is the caller.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.PlaceOrderRequest
	if !decode(w, r, &req) {
		return
	}
	req.Trader = capability(r).Subject
	exec, err := s.eng.PlaceOrder(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

// ListOrders handles GET /api/v1/orders: the caller's orders, oldest first.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.TraderOrders(capability(r).Subject))
}

// ListPositions handles GET /api/v1/positions.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.TraderPositions(capability(r).Subject))
}

// GetOrder handles GET /api/v1/orders/{id}.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	o, ok := s.eng.Order(id)
	if !ok {
		writeErr(w, engine.ErrOrderNotFound)
		return
	}
	if !owns(r, o.Trader) {
		writeErr(w, engine.ErrNotOwner)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ExecuteOrder handles POST /api/v1/orders/{id}/execute. Any trader may
// trigger execution of a pending order.
func (s *Service) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	exec, err := s.eng.ExecuteOrder(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// GetPosition handles GET /api/v1/positions/{id}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	pos, ok := s.eng.Position(id)
	if !ok {
		writeErr(w, engine.ErrPositionNotFound)
		return
	}
	if !owns(r, pos.Trader) {
		writeErr(w, engine.ErrNotOwner)
		return
	}
	view := PositionView{Position: pos}
	if m, ok := s.eng.Market(pos.Market); ok && pos.Status == model.PositionOpen {
		if price, ok := s.prices.GetPriceSafe(r.Context(), m.OracleRef); ok {
			pnl := engine.PnL(pos.Side, pos.EntryPrice, pos.Size, price.Value, s.eng.Params())
			view.MarkPrice = &price.Value
			view.UnrealizedPnL = &pnl
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// ClosePosition handles POST /api/v1/positions/{id}/close.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := s.eng.ClosePosition(r.Context(), capability(r).Subject, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// IsLiquidatable handles GET /api/v1/positions/{id}/liquidatable.
func (s *Service) IsLiquidatable(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"position_id":  id,
		"liquidatable": s.eng.IsLiquidatable(r.Context(), id),
	})
}

// GetJournal handles GET /api/v1/journal. Callers see their own entries;
// admins may query ?account= or ?market=.
func (s *Service) GetJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, "journal unavailable", http.StatusNotImplemented)
		return
	}
	c := capability(r)
	account, market := r.URL.Query().Get("account"), r.URL.Query().Get("market")
	if (account != "" && account != c.Subject) || market != "" {
		if err := c.Require(auth.PermAdmin); err != nil {
			writeErr(w, err)
			return
		}
	}

	var (
		entries []model.JournalEntry
		err     error
	)
	switch {
	case market != "":
		entries, err = s.journal.JournalByMarket(r.Context(), market)
	case account != "":
		entries, err = s.journal.JournalByAccount(r.Context(), account)
	default:
		entries, err = s.journal.JournalByAccount(r.Context(), c.Subject)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func owns(r *http.Request, trader string) bool {
	c := capability(r)
	return c.Subject == trader || c.Has(auth.PermAdmin)
}
