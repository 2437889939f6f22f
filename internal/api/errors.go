package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/model"
)

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrProfitShortfall):
		// Needs an operator to fund the insurance fund; retrying will not help.
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrInsufficientCollateral), errors.Is(err, model.ErrInsufficientLiquidity):
		return http.StatusConflict
	case errors.Is(err, model.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrTransferFailure):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with its mapped status. Uncategorized errors are
// logged and hidden from the client.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}
