package handlers

import (
	"net/http"

	"rewards/internal/auth"
	"rewards/internal/middleware"
	"rewards/internal/scheduler"
	"rewards/internal/websocket"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SchedulerHealth reports the last run of every job. A job whose latest run
// failed marks the whole report degraded.
func (h *Handler) SchedulerHealth(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.Snapshot()
	if jobs == nil {
		jobs = []scheduler.Status{}
	}
	status := "ok"
	for _, job := range jobs {
		if job.LastError != "" {
			status = "degraded"
			break
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": status, "jobs": jobs})
}

// WSBalances streams balance updates. Browsers cannot set headers on the
// upgrade request, so the token may also come from the query string.
func (h *Handler) WSBalances(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	accountID := claims.AccountID
	if watched := r.URL.Query().Get("account_id"); watched != "" && watched != accountID {
		if !claims.IsOperator() {
			respondError(w, http.StatusForbidden, "account does not belong to caller")
			return
		}
		accountID = watched
	}
	websocket.ServeWS(w, r, h.upgrader, h.hub, accountID)
}
