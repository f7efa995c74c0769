package handlers

import (
	"net/http"

	"rewards/internal/middleware"
	"rewards/internal/models"
	"rewards/internal/money"
	"rewards/internal/services"
	"rewards/internal/validator"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type adjustmentRequest struct {
	AccountID        string `json:"account_id" validate:"required"`
	Delta            string `json:"delta" validate:"required,signed_amount"`
	Currency         string `json:"currency" validate:"required,currency"`
	Reason           string `json:"reason" validate:"required,max=500"`
	ReferenceEntryID string `json:"reference_entry_id" validate:"omitempty,uuid"`
}

// Reconcile runs the auditor on demand. Drift is reported in the body; the
// request itself only fails when the store cannot be read.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.auditor.Audit(r.Context(), h.now().UTC())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handler) ListFailedEntries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parseInt(query.Get("limit"), defaultPageSize)
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	entries, err := h.deposits.ListFailed(r.Context(), limit, parseInt(query.Get("offset"), 0))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handler) RetryEntry(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "id")
	entry, err := h.deposits.RetryFailed(r.Context(), entryID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	actorID, _ := middleware.AccountIDFromContext(r.Context())
	h.log.WithFields(logrus.Fields{"entry_id": entryID, "actor_id": actorID}).Info("failed entry retried by operator")
	respondJSON(w, http.StatusOK, entry)
}

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req adjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validator.Struct(req); err != nil {
		respondValidation(w, err)
		return
	}
	delta, err := money.ParseAmount(req.Delta)
	if err != nil {
		respondError(w, http.StatusBadRequest, errInvalidAmount.Error())
		return
	}
	entry, err := h.accounts.Adjust(r.Context(), services.AdjustmentRequest{
		AccountID:        req.AccountID,
		Delta:            delta,
		Currency:         models.Currency(req.Currency),
		Reason:           req.Reason,
		ReferenceEntryID: req.ReferenceEntryID,
		ActorID:          actorID,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

// RunJob triggers a scheduled job outside its interval and waits for it.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	status, err := h.jobs.RunNow(r.Context(), chi.URLParam(r, "name"))
	if err != nil && status.Name == "" {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}
