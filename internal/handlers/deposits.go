package handlers

import (
	"net/http"

	"rewards/internal/middleware"
	"rewards/internal/services"

	"github.com/sirupsen/logrus"
)

type depositRequest struct {
	AccountID     string `json:"account_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	TxHash        string `json:"tx_hash"`
	WalletAddress string `json:"wallet_address"`
}

// SubmitDeposit credits an on-chain deposit. A replayed hash answers 200 with
// the original entry; the credit happens at most once.
func (h *Handler) SubmitDeposit(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
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

	result, err := h.deposits.SubmitDeposit(r.Context(), services.DepositRequest{
		AccountID:     accountID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		TxHash:        req.TxHash,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		h.log.WithFields(logrus.Fields{"account_id": accountID, "error": err}).Error("deposit lookup failed")
		respondServiceError(w, err)
		return
	}
	respondJSON(w, depositStatus(result), result)
}

func depositStatus(result services.DepositResult) int {
	switch result.Outcome {
	case services.DepositAccepted:
		return http.StatusCreated
	case services.DepositDuplicate:
		return http.StatusOK
	}
	switch result.Reason {
	case services.ReasonAccountNotFound:
		return http.StatusNotFound
	case services.ReasonStorageTimeout:
		return http.StatusServiceUnavailable
	case services.ReasonSettlementFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
