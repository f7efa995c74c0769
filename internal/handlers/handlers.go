package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"rewards/internal/models"
	"rewards/internal/money"
	"rewards/internal/scheduler"
	"rewards/internal/services"
	"rewards/internal/validator"

	"github.com/shopspring/decimal"
)

var errInvalidAmount = errors.New("invalid amount")

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondValidation(w http.ResponseWriter, err error) {
	var verr *validator.Error
	if errors.As(err, &verr) {
		respondJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": verr.Fields})
		return
	}
	respondError(w, http.StatusBadRequest, err.Error())
}

// respondServiceError maps service sentinels onto HTTP statuses. Anything
// unrecognised is a 500 and its text is not exposed.
func respondServiceError(w http.ResponseWriter, err error) {
	var verr *validator.Error
	switch {
	case errors.As(err, &verr):
		respondValidation(w, err)
	case errors.Is(err, services.ErrInsufficientBalance):
		respondError(w, http.StatusBadRequest, "insufficient_balance")
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrInvalidCurrency),
		errors.Is(err, services.ErrUnknownPackage),
		errors.Is(err, services.ErrUnknownReferralCode),
		errors.Is(err, models.ErrInvalidPayload):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrAccountNotFound),
		errors.Is(err, services.ErrPositionNotFound),
		errors.Is(err, services.ErrEntryNotFound),
		errors.Is(err, scheduler.ErrUnknownJob):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrAccountExists),
		errors.Is(err, services.ErrEntryNotRetryable),
		errors.Is(err, services.ErrPositionChanged),
		errors.Is(err, services.ErrStaleAccrual),
		errors.Is(err, scheduler.ErrJobRunning):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrStorageTimeout):
		respondError(w, http.StatusServiceUnavailable, "storage timeout")
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := money.ParsePositive(raw)
	if err != nil {
		return decimal.Zero, errInvalidAmount
	}
	return amount, nil
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
