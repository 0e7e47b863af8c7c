package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/model"
	"github.com/perpx/vault-engine/internal/store"
	"github.com/perpx/vault-engine/internal/vault"
)

// decode parses a JSON request body, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// receiverOr defaults an empty receiver to the caller's own account.
func receiverOr(receiver, acct string) string {
	if receiver == "" {
		return acct
	}
	return receiver
}

// --- Liquidity ---

type buyRequest struct {
	Token    string          `json:"token"`
	AmountIn decimal.Decimal `json:"amount_in"`
	MinUsdp  decimal.Decimal `json:"min_usdp"`
	Receiver string          `json:"receiver"`
}

func (s *Server) buyUSDP(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req buyRequest
	if !decode(w, r, &req) {
		return
	}
	usdp, err := s.deps.Vault.BuyUSDP(r.Context(), acct, req.Token, req.AmountIn, req.MinUsdp, receiverOr(req.Receiver, acct))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"usdp_amount": usdp})
}

type sellRequest struct {
	Token      string          `json:"token"`
	UsdpAmount decimal.Decimal `json:"usdp_amount"`
	MinOut     decimal.Decimal `json:"min_out"`
	Receiver   string          `json:"receiver"`
}

func (s *Server) sellUSDP(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req sellRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.deps.Vault.SellUSDP(r.Context(), acct, req.Token, req.UsdpAmount, req.MinOut, receiverOr(req.Receiver, acct))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount_out": out})
}

type swapRequest struct {
	Path     []string        `json:"path"`
	AmountIn decimal.Decimal `json:"amount_in"`
	MinOut   decimal.Decimal `json:"min_out"`
	Receiver string          `json:"receiver"`
}

func (s *Server) swap(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req swapRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.deps.Router.Swap(r.Context(), acct, req.Path, req.AmountIn, req.MinOut, receiverOr(req.Receiver, acct))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount_out": out})
}

type depositRequest struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) directPoolDeposit(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Vault.DirectPoolDeposit(r.Context(), acct, req.Token, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type withdrawFeesRequest struct {
	Token    string `json:"token"`
	Receiver string `json:"receiver"`
}

func (s *Server) withdrawFees(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req withdrawFeesRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := s.deps.Vault.WithdrawFees(r.Context(), acct, req.Token, receiverOr(req.Receiver, acct))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": amount})
}

// --- Positions ---

type increasePositionRequest struct {
	CollateralToken  string          `json:"collateral_token"`
	IndexToken       string          `json:"index_token"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	SizeDelta        decimal.Decimal `json:"size_delta"`
	Side             string          `json:"side"`
}

func (s *Server) increasePosition(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req increasePositionRequest
	if !decode(w, r, &req) {
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	err = s.deps.Vault.IncreasePosition(r.Context(), acct, acct, req.CollateralToken, req.IndexToken, req.CollateralAmount, req.SizeDelta, side)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	pos, _ := s.deps.Vault.GetPosition(acct, req.CollateralToken, req.IndexToken, side)
	writeJSON(w, http.StatusOK, pos)
}

type decreasePositionRequest struct {
	CollateralToken string          `json:"collateral_token"`
	IndexToken      string          `json:"index_token"`
	CollateralDelta decimal.Decimal `json:"collateral_delta"`
	SizeDelta       decimal.Decimal `json:"size_delta"`
	Side            string          `json:"side"`
	Receiver        string          `json:"receiver"`
}

func (s *Server) decreasePosition(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req decreasePositionRequest
	if !decode(w, r, &req) {
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out, err := s.deps.Vault.DecreasePosition(r.Context(), acct, req.CollateralToken, req.IndexToken, req.CollateralDelta, req.SizeDelta, side, receiverOr(req.Receiver, acct))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount_out": out})
}

type liquidateRequest struct {
	Account         string `json:"account"`
	CollateralToken string `json:"collateral_token"`
	IndexToken      string `json:"index_token"`
	Side            string `json:"side"`
	FeeReceiver     string `json:"fee_receiver"`
}

func (s *Server) liquidatePosition(w http.ResponseWriter, r *http.Request) {
	caller := requireAccount(w, r)
	if caller == "" {
		return
	}
	var req liquidateRequest
	if !decode(w, r, &req) {
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	err = s.deps.Vault.LiquidatePosition(r.Context(), caller, req.Account, req.CollateralToken, req.IndexToken, side, receiverOr(req.FeeReceiver, caller))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "liquidated"})
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Vault.Positions(acct))
}

// positionView is a position plus its current unrealized delta.
type positionView struct {
	model.Position
	HasProfit bool            `json:"has_profit"`
	Delta     decimal.Decimal `json:"delta"`
	Leverage  decimal.Decimal `json:"leverage"`
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	acct, collateral, index, side, err := model.ParsePositionKey(chi.URLParam(r, "key"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	pos, ok := s.deps.Vault.GetPosition(acct, collateral, index, side)
	if !ok {
		writeEngineError(w, vault.ErrEmptyPosition)
		return
	}
	view := positionView{Position: pos}
	if hasProfit, delta, err := s.deps.Vault.GetPositionDelta(r.Context(), acct, collateral, index, side); err == nil {
		view.HasProfit = hasProfit
		view.Delta = delta
	}
	if lev, err := s.deps.Vault.PositionLeverage(acct, collateral, index, side); err == nil {
		view.Leverage = lev
	}
	writeJSON(w, http.StatusOK, view)
}

// --- Tokens and prices ---

type tokenView struct {
	Token model.Token          `json:"token"`
	State model.TokenPoolState `json:"state"`
}

func (s *Server) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.deps.Vault.Tokens()
	out := make([]tokenView, 0, len(tokens))
	for _, tok := range tokens {
		state, _ := s.deps.Vault.TokenState(tok.Symbol)
		out = append(out, tokenView{Token: tok, State: state})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	tok, ok := s.deps.Vault.Token(symbol)
	if !ok {
		writeEngineError(w, vault.ErrUnknownToken)
		return
	}
	state, _ := s.deps.Vault.TokenState(symbol)
	resp := map[string]any{
		"token":              tok,
		"state":              state,
		"target_usdp_amount": s.deps.Vault.TargetUsdpAmount(symbol),
	}
	if util, err := s.deps.Vault.Utilisation(symbol); err == nil {
		resp["utilisation"] = util
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	maxPrice, err := s.deps.Vault.MaxPrice(r.Context(), symbol)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	minPrice, err := s.deps.Vault.MinPrice(r.Context(), symbol)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"max": maxPrice, "min": minPrice})
}

func (s *Server) getUsdpSupply(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"supply": s.deps.Vault.UsdpSupply()})
}

// --- Bank ---

func (s *Server) bankDeposit(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Ledger.Deposit(acct, req.Token, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Ledger.Balances(acct))
}

func (s *Server) bankBalances(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Ledger.Balances(acct))
}

// --- Plugins ---

type pluginRequest struct {
	Plugin string `json:"plugin"`
}

func (s *Server) listPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Router.Plugins())
}

func (s *Server) approvePlugin(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req pluginRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Router.ApprovePlugin(acct, req.Plugin); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) denyPlugin(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req pluginRequest
	if !decode(w, r, &req) {
		return
	}
	s.deps.Router.DenyPlugin(acct, req.Plugin)
	writeJSON(w, http.StatusOK, map[string]string{"status": "denied"})
}

// --- Events ---

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		Account: q.Get("account"),
		Token:   q.Get("token"),
		Type:    q.Get("type"),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := parseUint(limit)
		if err != nil {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = int(n)
	}
	if after := q.Get("after_seq"); after != "" {
		n, err := parseUint(after)
		if err != nil {
			writeError(w, "invalid after_seq", http.StatusBadRequest)
			return
		}
		filter.AfterSeq = int64(n)
	}
	events, err := s.deps.Store.ListEvents(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
