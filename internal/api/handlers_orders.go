package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/model"
)

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// orderIndex parses the {index} URL parameter, writing a 400 on failure.
func orderIndex(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	idx, err := parseUint(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, "invalid order index", http.StatusBadRequest)
		return 0, false
	}
	return idx, true
}

// --- Order book ---

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"swap":     s.deps.Book.SwapOrders(acct),
		"increase": s.deps.Book.IncreaseOrders(acct),
		"decrease": s.deps.Book.DecreaseOrders(acct),
	})
}

type createSwapOrderRequest struct {
	Path                  []string        `json:"path"`
	AmountIn              decimal.Decimal `json:"amount_in"`
	MinOut                decimal.Decimal `json:"min_out"`
	TriggerRatio          decimal.Decimal `json:"trigger_ratio"`
	TriggerAboveThreshold bool            `json:"trigger_above_threshold"`
	ExecutionFee          decimal.Decimal `json:"execution_fee"`
}

func (s *Server) createSwapOrder(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req createSwapOrderRequest
	if !decode(w, r, &req) {
		return
	}
	index, err := s.deps.Book.CreateSwapOrder(r.Context(), acct, req.Path, req.AmountIn, req.MinOut, req.TriggerRatio, req.TriggerAboveThreshold, req.ExecutionFee)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"index": index})
}

type updateSwapOrderRequest struct {
	MinOut                decimal.Decimal `json:"min_out"`
	TriggerRatio          decimal.Decimal `json:"trigger_ratio"`
	TriggerAboveThreshold bool            `json:"trigger_above_threshold"`
}

func (s *Server) updateSwapOrder(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	index, ok := orderIndex(w, r)
	if !ok {
		return
	}
	var req updateSwapOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Book.UpdateSwapOrder(r.Context(), acct, index, req.MinOut, req.TriggerRatio, req.TriggerAboveThreshold); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) cancelSwapOrder(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	index, ok := orderIndex(w, r)
	if !ok {
		return
	}
	if err := s.deps.Book.CancelSwapOrder(r.Context(), acct, index); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// executeOrderRequest names the order owner; the caller (an order keeper)
// comes from the X-Account header.
type executeOrderRequest struct {
	Account     string `json:"account"`
	FeeReceiver string `json:"fee_receiver"`
}

func (s *Server) executeSwapOrder(w http.ResponseWriter, r *http.Request) {
	caller := requireAccount(w, r)
	if caller == "" {
		return
	}
	index, ok := orderIndex(w, r)
	if !ok {
		return
	}
	var req executeOrderRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.deps.Book.ExecuteSwapOrder(r.Context(), caller, req.Account, index, receiverOr(req.FeeReceiver, caller))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount_out": out})
}

type createIncreaseOrderRequest struct {
	Path                  []string        `json:"path"`
	AmountIn              decimal.Decimal `json:"amount_in"`
	IndexToken            string          `json:"index_token"`
	MinOut                decimal.Decimal `json:"min_out"`
	SizeDelta             decimal.Decimal `json:"size_delta"`
	CollateralToken       string          `json:"collateral_token"`
	Side                  string          `json:"side"`
	TriggerPrice          decimal.Decimal `json:"trigger_price"`
	TriggerAboveThreshold bool            `json:"trigger_above_threshold"`
	ExecutionFee          decimal.Decimal `json:"execution_fee"`
}

func (s *Server) createIncreaseOrder(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req createIncreaseOrderRequest
	if !decode(w, r, &req) {
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	index, err := s.deps.Book.CreateIncreaseOrder(r.Context(), acct, req.Path, req.AmountIn, req.IndexToken, req.MinOut, req.SizeDelta, req.CollateralToken, side, req.TriggerPrice, req.TriggerAboveThreshold, req.ExecutionFee)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"index": index})
}

type updateIncreaseOrderRequest struct {
	SizeDelta             decimal.Decimal `json:"size_delta"`
	TriggerPrice          decimal.Decimal `json:"trigger_price"`
	TriggerAboveThreshold bool            `json:"trigger_above_threshold"`
}

func (s *Server) updateIncreaseOrder(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	index, ok := orderIndex(w, r)
	if !ok {
		return
	}
	var req updateIncreaseOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Book.UpdateIncreaseOrder(r.Context(), acct, index, req.SizeDelta, req.TriggerPrice, req.TriggerAboveThreshold); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) cancelIncreaseOrder(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	index, ok := orderIndex(w, r)
	if !ok {
		return
	}
	if err := s.deps.Book.CancelIncreaseOrder(r.Context(), acct, index); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) executeIncreaseOrder(w http.ResponseWriter, r *http.Request) {
	caller := requireAccount(w, r)
	if caller == "" {
		return
	}
	index, ok := orderIndex(w, r)
	if !ok {
		return
	}
	var req executeOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Book.ExecuteIncreaseOrder(r.Context(), caller, req.Account, index, receiverOr(req.FeeReceiver, caller)); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

type createDecreaseOrderRequest struct {
	CollateralToken       string          `json:"collateral_token"`
	CollateralDelta       decimal.Decimal `json:"collateral_delta"`
	IndexToken            string          `json:"index_token"`
	SizeDelta             decimal.Decimal `json:"size_delta"`
	Side                  string          `json:"side"`
	TriggerPrice          decimal.Decimal `json:"trigger_price"`
	TriggerAboveThreshold bool            `json:"trigger_above_threshold"`
	ExecutionFee          decimal.Decimal `json:"execution_fee"`
}

func (s *Server) createDecreaseOrder(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req createDecreaseOrderRequest
	if !decode(w, r, &req) {
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	index, err := s.deps.Book.CreateDecreaseOrder(r.Context(), acct, req.CollateralToken, req.CollateralDelta, req.IndexToken, req.SizeDelta, side, req.TriggerPrice, req.TriggerAboveThreshold, req.ExecutionFee)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"index": index})
}

type updateDecreaseOrderRequest struct {
	CollateralDelta       decimal.Decimal `json:"collateral_delta"`
	SizeDelta             decimal.Decimal `json:"size_delta"`
	TriggerPrice          decimal.Decimal `json:"trigger_price"`
	TriggerAboveThreshold bool            `json:"trigger_above_threshold"`
}

func (s *Server) updateDecreaseOrder(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	index, ok := orderIndex(w, r)
	if !ok {
		return
	}
	var req updateDecreaseOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Book.UpdateDecreaseOrder(r.Context(), acct, index, req.CollateralDelta, req.SizeDelta, req.TriggerPrice, req.TriggerAboveThreshold); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) cancelDecreaseOrder(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	index, ok := orderIndex(w, r)
	if !ok {
		return
	}
	if err := s.deps.Book.CancelDecreaseOrder(r.Context(), acct, index); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) executeDecreaseOrder(w http.ResponseWriter, r *http.Request) {
	caller := requireAccount(w, r)
	if caller == "" {
		return
	}
	index, ok := orderIndex(w, r)
	if !ok {
		return
	}
	var req executeOrderRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.deps.Book.ExecuteDecreaseOrder(r.Context(), caller, req.Account, index, receiverOr(req.FeeReceiver, caller))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount_out": out})
}

// --- Delayed position requests ---

func (s *Server) queueState(w http.ResponseWriter, _ *http.Request) {
	incStart, incLen, decStart, decLen := s.deps.Queue.QueueState()
	writeJSON(w, http.StatusOK, map[string]int{
		"increase_start":  incStart,
		"increase_length": incLen,
		"decrease_start":  decStart,
		"decrease_length": decLen,
	})
}

type createIncreaseRequestBody struct {
	Path            []string        `json:"path"`
	IndexToken      string          `json:"index_token"`
	AmountIn        decimal.Decimal `json:"amount_in"`
	MinOut          decimal.Decimal `json:"min_out"`
	SizeDelta       decimal.Decimal `json:"size_delta"`
	Side            string          `json:"side"`
	AcceptablePrice decimal.Decimal `json:"acceptable_price"`
	ExecutionFee    decimal.Decimal `json:"execution_fee"`
}

func (s *Server) createIncreaseRequest(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req createIncreaseRequestBody
	if !decode(w, r, &req) {
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	index, err := s.deps.Queue.CreateIncreasePosition(r.Context(), acct, req.Path, req.IndexToken, req.AmountIn, req.MinOut, req.SizeDelta, side, req.AcceptablePrice, req.ExecutionFee)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"index": index})
}

type createDecreaseRequestBody struct {
	Path            []string        `json:"path"`
	IndexToken      string          `json:"index_token"`
	CollateralDelta decimal.Decimal `json:"collateral_delta"`
	SizeDelta       decimal.Decimal `json:"size_delta"`
	Side            string          `json:"side"`
	Receiver        string          `json:"receiver"`
	AcceptablePrice decimal.Decimal `json:"acceptable_price"`
	MinOut          decimal.Decimal `json:"min_out"`
	ExecutionFee    decimal.Decimal `json:"execution_fee"`
}

func (s *Server) createDecreaseRequest(w http.ResponseWriter, r *http.Request) {
	acct := requireAccount(w, r)
	if acct == "" {
		return
	}
	var req createDecreaseRequestBody
	if !decode(w, r, &req) {
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	index, err := s.deps.Queue.CreateDecreasePosition(r.Context(), acct, req.Path, req.IndexToken, req.CollateralDelta, req.SizeDelta, side, receiverOr(req.Receiver, acct), req.AcceptablePrice, req.MinOut, req.ExecutionFee)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"index": index})
}

// resolveRequestBody names the request owner; the caller comes from the
// X-Account header (a keeper, or the owner itself after the public delay).
type resolveRequestBody struct {
	Account     string `json:"account"`
	FeeReceiver string `json:"fee_receiver"`
}

type resolveFunc func(caller, account string, index uint64, feeReceiver string) (bool, error)

func (s *Server) resolveRequest(w http.ResponseWriter, r *http.Request, fn resolveFunc) {
	caller := requireAccount(w, r)
	if caller == "" {
		return
	}
	index, ok := orderIndex(w, r)
	if !ok {
		return
	}
	var req resolveRequestBody
	if !decode(w, r, &req) {
		return
	}
	owner := req.Account
	if owner == "" {
		owner = caller
	}
	done, err := fn(caller, owner, index, receiverOr(req.FeeReceiver, caller))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": done})
}

func (s *Server) executeIncreaseRequest(w http.ResponseWriter, r *http.Request) {
	s.resolveRequest(w, r, func(caller, account string, index uint64, feeReceiver string) (bool, error) {
		return s.deps.Queue.ExecuteIncreasePosition(r.Context(), caller, account, index, feeReceiver)
	})
}

func (s *Server) cancelIncreaseRequest(w http.ResponseWriter, r *http.Request) {
	s.resolveRequest(w, r, func(caller, account string, index uint64, feeReceiver string) (bool, error) {
		return s.deps.Queue.CancelIncreasePosition(r.Context(), caller, account, index, feeReceiver)
	})
}

func (s *Server) executeDecreaseRequest(w http.ResponseWriter, r *http.Request) {
	s.resolveRequest(w, r, func(caller, account string, index uint64, feeReceiver string) (bool, error) {
		return s.deps.Queue.ExecuteDecreasePosition(r.Context(), caller, account, index, feeReceiver)
	})
}

func (s *Server) cancelDecreaseRequest(w http.ResponseWriter, r *http.Request) {
	s.resolveRequest(w, r, func(caller, account string, index uint64, feeReceiver string) (bool, error) {
		return s.deps.Queue.CancelDecreasePosition(r.Context(), caller, account, index, feeReceiver)
	})
}

type batchRequestBody struct {
	End         int    `json:"end"`
	FeeReceiver string `json:"fee_receiver"`
}

func (s *Server) executeIncreaseBatch(w http.ResponseWriter, r *http.Request) {
	caller := requireAccount(w, r)
	if caller == "" {
		return
	}
	var req batchRequestBody
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Queue.ExecuteIncreasePositions(r.Context(), caller, req.End, receiverOr(req.FeeReceiver, caller)); err != nil {
		writeEngineError(w, err)
		return
	}
	s.queueState(w, r)
}

func (s *Server) executeDecreaseBatch(w http.ResponseWriter, r *http.Request) {
	caller := requireAccount(w, r)
	if caller == "" {
		return
	}
	var req batchRequestBody
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Queue.ExecuteDecreasePositions(r.Context(), caller, req.End, receiverOr(req.FeeReceiver, caller)); err != nil {
		writeEngineError(w, err)
		return
	}
	s.queueState(w, r)
}
