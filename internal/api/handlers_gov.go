package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/access"
	"github.com/perpx/vault-engine/internal/model"
	"github.com/perpx/vault-engine/internal/vault"
)

// --- Oracle pushes (price-feeder role) ---

type pricesRequest struct {
	Prices map[string]decimal.Decimal `json:"prices"`
}

func (s *Server) pushRounds(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	if err := s.deps.Access.Require(acct, access.RolePriceFeeder); err != nil {
		writeEngineError(w, err)
		return
	}
	var req pricesRequest
	if !decode(w, r, &req) {
		return
	}
	now := time.Now()
	for symbol, price := range req.Prices {
		s.deps.Feed.Push(symbol, price, now)
	}
	writeJSON(w, http.StatusOK, map[string]int{"pushed": len(req.Prices)})
}

func (s *Server) pushFastPrices(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	if err := s.deps.Access.Require(acct, access.RolePriceFeeder); err != nil {
		writeEngineError(w, err)
		return
	}
	var req pricesRequest
	if !decode(w, r, &req) {
		return
	}
	s.deps.Fast.SetPrices(req.Prices, time.Now())
	writeJSON(w, http.StatusOK, map[string]int{"pushed": len(req.Prices)})
}

// --- Governance ---

type feesRequest struct {
	TaxBasisPoints           decimal.Decimal `json:"tax_bps"`
	StableTaxBasisPoints     decimal.Decimal `json:"stable_tax_bps"`
	MintBurnFeeBasisPoints   decimal.Decimal `json:"mint_burn_fee_bps"`
	SwapFeeBasisPoints       decimal.Decimal `json:"swap_fee_bps"`
	StableSwapFeeBasisPoints decimal.Decimal `json:"stable_swap_fee_bps"`
	MarginFeeBasisPoints     decimal.Decimal `json:"margin_fee_bps"`
	LiquidationFeeUsd        decimal.Decimal `json:"liquidation_fee_usd"`
	MinProfitTimeSeconds     int64           `json:"min_profit_time_seconds"`
	HasDynamicFees           bool            `json:"dynamic_fees"`
}

func (s *Server) setFees(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req feesRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.deps.Vault.SetFees(acct, vault.FeeConfig{
		TaxBasisPoints:           req.TaxBasisPoints,
		StableTaxBasisPoints:     req.StableTaxBasisPoints,
		MintBurnFeeBasisPoints:   req.MintBurnFeeBasisPoints,
		SwapFeeBasisPoints:       req.SwapFeeBasisPoints,
		StableSwapFeeBasisPoints: req.StableSwapFeeBasisPoints,
		MarginFeeBasisPoints:     req.MarginFeeBasisPoints,
		LiquidationFeeUsd:        req.LiquidationFeeUsd,
		MinProfitTime:            time.Duration(req.MinProfitTimeSeconds) * time.Second,
		HasDynamicFees:           req.HasDynamicFees,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type fundingRequest struct {
	IntervalSeconds int64           `json:"interval_seconds"`
	Factor          decimal.Decimal `json:"factor"`
	StableFactor    decimal.Decimal `json:"stable_factor"`
}

func (s *Server) setFunding(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req fundingRequest
	if !decode(w, r, &req) {
		return
	}
	interval := time.Duration(req.IntervalSeconds) * time.Second
	if err := s.deps.Vault.SetFundingRate(acct, interval, req.Factor, req.StableFactor); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type maxLeverageRequest struct {
	MaxLeverage decimal.Decimal `json:"max_leverage"`
}

func (s *Server) setMaxLeverage(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req maxLeverageRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Vault.SetMaxLeverage(acct, req.MaxLeverage); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// flagsRequest uses pointers so a request can toggle one flag without
// resetting the others.
type flagsRequest struct {
	SwapEnabled        *bool `json:"swap_enabled"`
	LeverageEnabled    *bool `json:"leverage_enabled"`
	PrivateLiquidation *bool `json:"private_liquidation"`
}

func (s *Server) setFlags(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req flagsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SwapEnabled != nil {
		if err := s.deps.Vault.SetSwapEnabled(acct, *req.SwapEnabled); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	if req.LeverageEnabled != nil {
		if err := s.deps.Vault.SetLeverageEnabled(acct, *req.LeverageEnabled); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	if req.PrivateLiquidation != nil {
		if err := s.deps.Vault.SetPrivateLiquidationMode(acct, *req.PrivateLiquidation); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) setTokenConfig(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var tok model.Token
	if !decode(w, r, &tok) {
		return
	}
	if err := s.deps.Vault.SetTokenConfig(acct, tok); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) clearTokenConfig(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	if err := s.deps.Vault.ClearTokenConfig(acct, chi.URLParam(r, "symbol")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenAmountRequest struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) setBufferAmount(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req tokenAmountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Vault.SetBufferAmount(acct, req.Token, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) setMaxGlobalShortSize(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req tokenAmountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Vault.SetMaxGlobalShortSize(acct, req.Token, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type roleRequest struct {
	Account string `json:"account"`
	Role    string `json:"role"`
	Grant   bool   `json:"grant"`
}

func (s *Server) setRole(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req roleRequest
	if !decode(w, r, &req) {
		return
	}
	var err error
	if req.Grant {
		err = s.deps.Access.Grant(acct, req.Account, req.Role)
	} else {
		err = s.deps.Access.Revoke(acct, req.Account, req.Role)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) addPlugin(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req pluginRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Router.AddPlugin(acct, req.Plugin); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type adjustmentRequest struct {
	Token    string          `json:"token"`
	Additive bool            `json:"additive"`
	Bps      decimal.Decimal `json:"bps"`
}

func (s *Server) setAdjustment(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	if err := s.deps.Access.RequireGov(acct); err != nil {
		writeEngineError(w, err)
		return
	}
	var req adjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Oracle.SetAdjustment(req.Token, req.Additive, req.Bps); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type spreadRequest struct {
	Token string          `json:"token"`
	Bps   decimal.Decimal `json:"bps"`
}

func (s *Server) setSpread(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	if err := s.deps.Access.RequireGov(acct); err != nil {
		writeEngineError(w, err)
		return
	}
	var req spreadRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Oracle.SetSpreadBps(req.Token, req.Bps); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withdrawRequestFees(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req withdrawFeesRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := s.deps.Queue.WithdrawFees(acct, req.Token, receiverOr(req.Receiver, acct))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": amount})
}
