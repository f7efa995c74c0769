package handlers

import (
	"net/http"
	"strings"
	"time"

	"rewards/internal/config"
	"rewards/internal/metrics"
	"rewards/internal/middleware"
	"rewards/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	gorillaws "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	cfg      config.Config
	accounts AccountService
	deposits DepositService
	auditor  Auditor
	jobs     JobRunner
	hub      *websocket.Hub
	limiter  *middleware.RateLimiter
	upgrader gorillaws.Upgrader
	log      logrus.FieldLogger
	now      func() time.Time
}

func New(cfg config.Config, accounts AccountService, deposits DepositService, auditor Auditor, jobs JobRunner, hub *websocket.Hub, limiter *middleware.RateLimiter, log logrus.FieldLogger) *Handler {
	return &Handler{
		cfg:      cfg,
		accounts: accounts,
		deposits: deposits,
		auditor:  auditor,
		jobs:     jobs,
		hub:      hub,
		limiter:  limiter,
		upgrader: websocket.NewUpgrader(allowedOrigins(cfg.AllowedOrigins)),
		log:      log,
		now:      time.Now,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(h.cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// The upgrade needs the raw connection, so the stream stays outside the
	// instrumented group.
	router.Get("/ws/balances", h.WSBalances)
	router.Handle("/metrics", metrics.Handler())

	router.Group(func(r chi.Router) {
		r.Use(metrics.InstrumentHandler)
		r.Get("/health", h.Health)
		r.Get("/health/scheduler", h.SchedulerHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(h.cfg.JWTSecret))
			r.Post("/accounts", h.RegisterAccount)
			r.With(h.limiter.Handler).Post("/deposits", h.SubmitDeposit)

			r.Route("/accounts/{id}", func(r chi.Router) {
				r.Use(middleware.RequireAccountOwner)
				r.Get("/balance", h.GetBalance)
				r.Get("/positions", h.ListPositions)
				r.Get("/ledger", h.ListLedger)
				r.Get("/referrals", h.GetReferrals)
				r.Post("/farming/deposit", h.DepositFarming)
				r.Post("/farming/withdraw", h.WithdrawFarming)
				r.Post("/boost", h.PurchaseBoost)
				r.Post("/withdrawals", h.RequestWithdrawal)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireOperator)
				r.Get("/reconcile", h.Reconcile)
				r.Get("/deposits/failed", h.ListFailedEntries)
				r.Post("/entries/{id}/retry", h.RetryEntry)
				r.Post("/adjustments", h.Adjust)
				r.Post("/jobs/{name}/run", h.RunJob)
			})
		})
	})
	return router
}

func allowedOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
