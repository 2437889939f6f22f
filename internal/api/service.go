// Package api exposes the engine, pool and keeper over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/keeper"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/pool"
)

// Journal reads the persisted operation journal.
type Journal interface {
	JournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error)
	JournalByMarket(ctx context.Context, market string) ([]model.JournalEntry, error)
}

// Deps are the collaborators served by the API. Hub, Journal and Events
// are optional.
type Deps struct {
	Engine  *engine.Engine
	Pool    *pool.Pool
	Prices  *oracle.Adapter
	Keeper  *keeper.Keeper
	Journal Journal
	Issuer  *auth.Issuer
	Hub     *events.WSHub
	Events  events.Publisher
}

// Service holds HTTP handlers.
type Service struct {
	eng     *engine.Engine
	pool    *pool.Pool
	prices  *oracle.Adapter
	keeper  *keeper.Keeper
	journal Journal
	issuer  *auth.Issuer
	hub     *events.WSHub
	pub     events.Publisher
}

func NewService(d Deps) *Service {
	return &Service{
		eng:     d.Engine,
		pool:    d.Pool,
		prices:  d.Prices,
		keeper:  d.Keeper,
		journal: d.Journal,
		issuer:  d.Issuer,
		hub:     d.Hub,
		pub:     d.Events,
	}
}

// Router builds the full route tree with the standard middleware stack.
// A zero timeout disables the per-request deadline.
func (s *Service) Router(timeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "perpd"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The websocket is long-lived and must not inherit the deadline.
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			if timeout > 0 {
				r.Use(middleware.Timeout(timeout))
			}

			r.Get("/markets", s.ListMarkets)
			r.Get("/markets/{symbol}/price", s.GetPrice)
			r.Get("/pool", s.GetPool)

			r.Group(func(r chi.Router) {
				r.Use(s.authenticate)

				r.Group(func(r chi.Router) {
					r.Use(require(auth.PermTrade))
					r.Post("/collateral/deposit", s.Deposit)
					r.Post("/collateral/withdraw", s.Withdraw)
					r.Get("/collateral", s.GetCollateral)
					r.Post("/orders", s.PlaceOrder)
					r.Get("/orders", s.ListOrders)
					r.Get("/orders/{id}", s.GetOrder)
					r.Post("/orders/{id}/execute", s.ExecuteOrder)
					r.Get("/positions", s.ListPositions)
					r.Get("/positions/{id}", s.GetPosition)
					r.Post("/positions/{id}/close", s.ClosePosition)
					r.Get("/positions/{id}/liquidatable", s.IsLiquidatable)
					r.Post("/pool/liquidity", s.AddLiquidity)
					r.Post("/pool/liquidity/remove", s.RemoveLiquidity)
					r.Get("/pool/rewards", s.GetRewards)
					r.Post("/pool/rewards/claim", s.ClaimRewards)
					r.Get("/journal", s.GetJournal)
				})

				r.Group(func(r chi.Router) {
					r.Use(require(auth.PermKeeper))
					r.Post("/keeper/scan", s.KeeperScan)
					r.Post("/keeper/execute", s.KeeperExecute)
				})

				r.Group(func(r chi.Router) {
					r.Use(require(auth.PermAdmin))
					r.Post("/markets", s.CreateMarket)
					r.Post("/markets/{symbol}/active", s.SetMarketActive)
					r.Post("/markets/{symbol}/price", s.SetPrice)
					r.Put("/admin/fees", s.UpdateFees)
					r.Post("/pool/insurance", s.FundInsurance)
				})
			})
		})
	})
	return r
}

// authenticate resolves the Bearer token into a capability.
func (s *Service) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		c, err := s.issuer.Parse(raw)
		if err != nil {
			writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithCapability(r.Context(), c)))
	})
}

func require(p auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, _ := auth.FromContext(r.Context())
			if err := c.Require(p); err != nil {
				writeErr(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// cors allows browser clients on other origins.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func capability(r *http.Request) auth.Capability {
	c, _ := auth.FromContext(r.Context())
	return c
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
