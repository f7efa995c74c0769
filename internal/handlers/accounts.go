package handlers

import (
	"net/http"

	"rewards/internal/middleware"
	"rewards/internal/models"
	"rewards/internal/money"
	"rewards/internal/services"
	"rewards/internal/store"
	"rewards/internal/validator"

	"github.com/go-chi/chi/v5"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type registerRequest struct {
	AccountID    string `json:"account_id"`
	ReferralCode string `json:"referral_code" validate:"omitempty,max=32"`
}

type amountRequest struct {
	Amount string `json:"amount" validate:"required,amount"`
}

type boostRequest struct {
	PackageID int    `json:"package_id" validate:"required,min=1"`
	Amount    string `json:"amount" validate:"required,amount"`
}

type withdrawalRequest struct {
	Amount        string `json:"amount" validate:"required,amount"`
	Currency      string `json:"currency" validate:"required,currency"`
	WalletAddress string `json:"wallet_address" validate:"required,wallet"`
}

// RegisterAccount creates the account named by the token subject. Operators
// may register on behalf of another identity.
func (h *Handler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req registerRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := validator.Struct(req); err != nil {
		respondValidation(w, err)
		return
	}
	accountID := claims.AccountID
	if req.AccountID != "" && req.AccountID != claims.AccountID {
		if !claims.IsOperator() {
			respondError(w, http.StatusForbidden, "account does not belong to caller")
			return
		}
		accountID = req.AccountID
	}
	account, err := h.accounts.RegisterAccount(r.Context(), services.RegisterRequest{
		AccountID:    accountID,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, account)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"account_id": account.ID,
		"balances": map[models.Currency]string{
			models.CurrencyUNI: money.Format(account.BalanceUNI),
			models.CurrencyTON: money.Format(account.BalanceTON),
		},
		"referral_code": account.ReferralCode,
		"updated_at":    account.UpdatedAt,
	})
}

func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.accounts.Positions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if positions == nil {
		positions = []models.Position{}
	}
	respondJSON(w, http.StatusOK, positions)
}

func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parseInt(query.Get("limit"), defaultPageSize)
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	entries, err := h.accounts.Ledger(r.Context(), chi.URLParam(r, "id"), store.LedgerFilter{
		Type:   models.EntryType(query.Get("type")),
		Status: models.EntryStatus(query.Get("status")),
		Limit:  limit,
		Offset: parseInt(query.Get("offset"), 0),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handler) GetReferrals(w http.ResponseWriter, r *http.Request) {
	summary, err := h.accounts.ReferralSummary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) DepositFarming(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validator.Struct(req); err != nil {
		respondValidation(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	change, err := h.accounts.DepositFarming(r.Context(), chi.URLParam(r, "id"), amount)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, change)
}

func (h *Handler) WithdrawFarming(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validator.Struct(req); err != nil {
		respondValidation(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	change, err := h.accounts.WithdrawFarming(r.Context(), chi.URLParam(r, "id"), amount)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, change)
}

func (h *Handler) PurchaseBoost(w http.ResponseWriter, r *http.Request) {
	var req boostRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validator.Struct(req); err != nil {
		respondValidation(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	change, err := h.accounts.PurchaseBoost(r.Context(), chi.URLParam(r, "id"), req.PackageID, amount)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, change)
}

func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validator.Struct(req); err != nil {
		respondValidation(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := h.accounts.RequestWithdrawal(r.Context(), services.WithdrawalRequest{
		AccountID:     chi.URLParam(r, "id"),
		Amount:        amount,
		Currency:      models.Currency(req.Currency),
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}
