package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
)

var errExternalFeed = errors.New("market price is driven by an external feed")

// MarketView is a market with its pool balances.
type MarketView struct {
	model.Market
	Pool model.MarketPool `json:"pool"`
}

// CreateMarketRequest registers a market. A positive Price seeds a static
// feed for it.
type CreateMarketRequest struct {
	Symbol    string          `json:"symbol"`
	OracleRef string          `json:"oracle_ref"`
	Price     decimal.Decimal `json:"price"`
}

// PriceResponse is the current oracle price of a market.
type PriceResponse struct {
	Market    string          `json:"market"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.eng.Markets()
	out := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		p, _ := s.pool.Market(m.Symbol)
		out = append(out, MarketView{Market: m, Pool: p})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPrice handles GET /api/v1/markets/{symbol}/price.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	p, err := s.prices.GetPrice(r.Context(), m.OracleRef)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{Market: m.Symbol, Price: p.Value, UpdatedAt: p.UpdatedAt})
}

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}
	c := capability(r)
	m, err := s.eng.AddMarket(r.Context(), c, req.Symbol, req.OracleRef)
	if err != nil {
		writeErr(w, err)
		return
	}
	if req.Price.IsPositive() {
		if err := s.setStaticPrice(c, m, req.Price); err != nil {
			writeErr(w, err)
			return
		}
	}
	p, _ := s.pool.Market(m.Symbol)
	writeJSON(w, http.StatusCreated, MarketView{Market: m, Pool: p})
}

// SetMarketActive handles POST /api/v1/markets/{symbol}/active.
func (s *Service) SetMarketActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if !decode(w, r, &req) {
		return
	}
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	m, err := s.eng.SetMarketActive(r.Context(), capability(r), symbol, req.Active)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SetPrice handles POST /api/v1/markets/{symbol}/price. Only markets
// without a feed or with a static feed can be priced by hand.
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Price decimal.Decimal `json:"price"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	if err := s.setStaticPrice(capability(r), m, req.Price); err != nil {
		if errors.Is(err, errExternalFeed) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{Market: m.Symbol, Price: req.Price, UpdatedAt: time.Now().UTC()})
}

func (s *Service) setStaticPrice(c auth.Capability, m model.Market, price decimal.Decimal) error {
	now := time.Now().UTC()
	switch f, ok := s.prices.Feed(m.OracleRef); {
	case !ok:
		if err := s.prices.SetFeed(c, m.OracleRef, oracle.NewStaticFeed(price, now)); err != nil {
			return err
		}
	default:
		sf, ok := f.(*oracle.StaticFeed)
		if !ok {
			return errExternalFeed
		}
		sf.Set(price, now)
	}
	events.Emit(s.pub, events.Event{Type: events.TypePriceUpdated, Market: m.Symbol, Price: price.String()})
	return nil
}

// UpdateFees handles PUT /api/v1/admin/fees.
func (s *Service) UpdateFees(w http.ResponseWriter, r *http.Request) {
	var req engine.FeeUpdate
	if !decode(w, r, &req) {
		return
	}
	p, err := s.eng.UpdateFees(capability(r), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trading_fee_bps":       p.TradingFeeBps,
		"liquidation_bonus_bps": p.LiquidationBonusBps,
		"insurance_cut_bps":     s.pool.Config().InsuranceCutBps,
	})
}

// market resolves the {symbol} path parameter, writing 404 if unknown.
func (s *Service) market(w http.ResponseWriter, r *http.Request) (model.Market, bool) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	m, ok := s.eng.Market(symbol)
	if !ok {
		writeError(w, "market not found: "+symbol, http.StatusNotFound)
	}
	return m, ok
}
