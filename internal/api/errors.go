package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/perpx/vault-engine/internal/access"
	"github.com/perpx/vault-engine/internal/bank"
	"github.com/perpx/vault-engine/internal/model"
	"github.com/perpx/vault-engine/internal/oracle"
	"github.com/perpx/vault-engine/internal/orderbook"
	"github.com/perpx/vault-engine/internal/requests"
	"github.com/perpx/vault-engine/internal/router"
	"github.com/perpx/vault-engine/internal/vault"
)

// Engine error kinds map onto HTTP statuses so keeper bots and tooling can
// branch on why a call failed: authorization 403, input validation 400,
// economic invariant 422, staleness/trigger 409, expiry 410, missing
// order/position 404.
var statusGroups = []struct {
	status int
	errs   []error
}{
	{http.StatusForbidden, []error{
		access.ErrUnauthorized,
		router.ErrUnknownPlugin,
		router.ErrPluginNotApproved,
	}},
	{http.StatusBadRequest, []error{
		model.ErrInvalidPositionKey,
		model.ErrInvalidSide,
		bank.ErrInvalidAmount,
		vault.ErrInvalidAmount,
		vault.ErrInvalidTokens,
		vault.ErrUnknownToken,
		vault.ErrTokenNotWhitelisted,
		vault.ErrSwapsDisabled,
		vault.ErrLeverageDisabled,
		router.ErrInvalidPath,
		orderbook.ErrInvalidPath,
		orderbook.ErrInvalidAmount,
		orderbook.ErrExecutionFeeTooLow,
		orderbook.ErrPurchaseTooSmall,
		requests.ErrInvalidPath,
		requests.ErrInvalidAmount,
		requests.ErrExecutionFeeTooLow,
		oracle.ErrInvalidPrice,
		oracle.ErrSpreadTooLarge,
		oracle.ErrAdjustmentTooLarge,
	}},
	{http.StatusUnprocessableEntity, []error{
		bank.ErrInsufficientBalance,
		vault.ErrInsufficientOutput,
		vault.ErrInsufficientCollateral,
		vault.ErrLossesExceedCollateral,
		vault.ErrFeesExceedCollateral,
		vault.ErrLiquidationFeeExceedsCollateral,
		vault.ErrMaxLeverageExceeded,
		vault.ErrNotLiquidatable,
		vault.ErrInvalidPosition,
		vault.ErrSizeDeltaTooLarge,
		vault.ErrCollateralDeltaTooLarge,
		vault.ErrPoolExceeded,
		vault.ErrInsufficientReserve,
		vault.ErrReserveExceedsPool,
		vault.ErrPoolExceedsBalance,
		vault.ErrBufferBreached,
		vault.ErrMaxUsdpExceeded,
		vault.ErrMaxShortsExceeded,
		vault.ErrGuaranteedUsdExceeded,
		requests.ErrMaxLongsExceeded,
		requests.ErrMaxShortsExceeded,
	}},
	{http.StatusConflict, []error{
		orderbook.ErrTriggerNotMet,
		requests.ErrDelayNotMet,
		requests.ErrUnacceptablePrice,
		oracle.ErrStalePrice,
		oracle.ErrAdjustmentCooldown,
	}},
	{http.StatusGone, []error{
		requests.ErrRequestExpired,
	}},
	{http.StatusNotFound, []error{
		orderbook.ErrOrderNotFound,
		vault.ErrEmptyPosition,
		oracle.ErrUnknownToken,
		oracle.ErrRoundNotFound,
	}},
}

func statusFor(err error) int {
	for _, group := range statusGroups {
		for _, sentinel := range group.errs {
			if errors.Is(err, sentinel) {
				return group.status
			}
		}
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
