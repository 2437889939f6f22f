package api

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// PoolView summarizes the liquidity pool.
type PoolView struct {
	State             model.GlobalPoolState `json:"state"`
	Markets           []model.MarketPool    `json:"markets"`
	MaxUtilizationBps int64                 `json:"max_utilization_bps"`
	InsuranceCutBps   int64                 `json:"insurance_cut_bps"`
}

// ShareView is a provider's stake and claimable fees.
type ShareView struct {
	model.LPShare
	Rewards decimal.Decimal `json:"rewards"`
}

// GetPool handles GET /api/v1/pool.
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	cfg := s.pool.Config()
	writeJSON(w, http.StatusOK, PoolView{
		State:             s.pool.State(),
		Markets:           s.pool.Markets(),
		MaxUtilizationBps: cfg.MaxUtilizationBps,
		InsuranceCutBps:   cfg.InsuranceCutBps,
	})
}

// AddLiquidity handles POST /api/v1/pool/liquidity.
func (s *Service) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	provider := capability(r).Subject
	minted, err := s.pool.AddLiquidity(r.Context(), provider, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"minted": minted,
		"share":  s.shareView(provider),
	})
}

// RemoveLiquidity handles POST /api/v1/pool/liquidity/remove.
func (s *Service) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Shares decimal.Decimal `json:"shares"`
	}
	if !decode(w, r, &req) {
		return
	}
	provider := capability(r).Subject
	amount, err := s.pool.RemoveLiquidity(r.Context(), provider, req.Shares)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amount": amount,
		"share":  s.shareView(provider),
	})
}

// GetRewards handles GET /api/v1/pool/rewards.
func (s *Service) GetRewards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.shareView(capability(r).Subject))
}

// ClaimRewards handles POST /api/v1/pool/rewards/claim.
func (s *Service) ClaimRewards(w http.ResponseWriter, r *http.Request) {
	reward, err := s.pool.ClaimRewards(r.Context(), capability(r).Subject)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claimed": reward})
}

// FundInsurance handles POST /api/v1/pool/insurance.
func (s *Service) FundInsurance(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.pool.FundInsurance(r.Context(), capability(r), req.Amount); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pool.State())
}

// KeeperScan handles POST /api/v1/keeper/scan.
func (s *Service) KeeperScan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.keeper.Scan(r.Context()))
}

// KeeperExecute handles POST /api/v1/keeper/execute. With no ids it
// liquidates the candidates of a fresh scan. The caller receives the
// bonuses.
func (s *Service) KeeperExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []uint64 `json:"ids"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		req.IDs = s.keeper.Scan(r.Context()).Candidates
	}
	writeJSON(w, http.StatusOK, s.keeper.Execute(r.Context(), capability(r).Subject, req.IDs))
}

func (s *Service) shareView(provider string) ShareView {
	return ShareView{LPShare: s.pool.Share(provider), Rewards: s.pool.LPRewards(provider)}
}
