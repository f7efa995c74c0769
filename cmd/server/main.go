package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rewards/internal/config"
	"rewards/internal/db"
	"rewards/internal/events"
	"rewards/internal/handlers"
	"rewards/internal/lock"
	"rewards/internal/logging"
	"rewards/internal/middleware"
	"rewards/internal/scheduler"
	"rewards/internal/services"
	"rewards/internal/store"
	"rewards/internal/websocket"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.AppEnv)

	rates, err := config.LoadRates(cfg.RatesFile)
	if err != nil {
		log.WithError(err).Fatal("failed to load rates")
	}

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect database")
	}
	defer database.Close()

	locker, closeLocker := newLocker(cfg, log)
	defer closeLocker()
	publisher, closePublisher := newPublisher(cfg, log)
	defer closePublisher()

	accounts := store.NewAccountStore(database)
	ledger := store.NewLedgerStore(database)
	positions := store.NewPositionStore(database)
	audit := store.NewAuditStore(database)
	txRunner := db.NewTxRunner(database)
	hub := websocket.NewHub()

	settlement := services.NewSettlement(txRunner, accounts, ledger, positions, locker, hub, publisher, log, cfg.StorageTimeout)
	cascade := services.NewCascade(accounts, ledger, database, settlement, rates, log, cfg.StorageTimeout)
	settlement.SetCommission(cascade)
	deposits := services.NewDeposits(accounts, ledger, database, settlement, log, cfg.StorageTimeout)
	accrual := services.NewAccrual(positions, settlement, txRunner, rates, log, cfg.AccrualConcurrency, cfg.StorageTimeout)
	auditor := services.NewAuditor(audit, rates, log)
	accountService := services.NewAccountService(accounts, positions, ledger, database, settlement, accrual, rates, log)
	limiter := middleware.NewRateLimiter(cfg.DepositRateLimit, cfg.DepositRateBurst, log)

	jobs := scheduler.New(log)
	mustRegister(log, jobs, scheduler.Job{
		Name:     "accrual",
		Interval: cfg.AccrualInterval,
		Run: func(ctx context.Context) (scheduler.Stats, error) {
			report, err := accrual.RunOnce(ctx, time.Now().UTC())
			return scheduler.Stats{Processed: report.Credited + report.Carried, Failed: report.Failed}, err
		},
	})
	mustRegister(log, jobs, scheduler.Job{
		Name:     "reconciliation",
		Interval: cfg.ReconcileInterval,
		Run: func(ctx context.Context) (scheduler.Stats, error) {
			report, err := auditor.Audit(ctx, time.Now().UTC())
			return scheduler.Stats{Processed: report.AccountsChecked + report.PositionsChecked, Failed: len(report.Anomalies)}, err
		},
	})
	mustRegister(log, jobs, scheduler.Job{
		Name:     "deposit_recovery",
		Interval: cfg.RecoveryInterval,
		Run: func(ctx context.Context) (scheduler.Stats, error) {
			limiter.Cleanup()
			expired, err := deposits.ExpireStalePending(ctx, cfg.PendingDepositTTL)
			return scheduler.Stats{Processed: int(expired)}, err
		},
	})
	jobs.Start()

	handler := handlers.New(cfg, accountService, deposits, auditor, jobs, hub, limiter, log)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("rewards API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := jobs.Stop(ctx); err != nil {
		log.WithError(err).Error("scheduler did not stop cleanly")
	}
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
	settlement.Wait()
}

func mustRegister(log logrus.FieldLogger, s *scheduler.Scheduler, job scheduler.Job) {
	if err := s.Register(job); err != nil {
		log.WithError(err).WithField("job", job.Name).Fatal("failed to register job")
	}
}

// newLocker uses Redis when configured so several replicas serialize on the
// same account keys. A single process falls back to in-memory locks.
func newLocker(cfg config.Config, log logrus.FieldLogger) (lock.Locker, func()) {
	if cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDR not set, using process-local account locks")
		return lock.NewLocal(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("failed to connect redis")
	}
	return lock.NewRedis(client, cfg.LockTTL, log), func() { _ = client.Close() }
}

func newPublisher(cfg config.Config, log logrus.FieldLogger) (services.EventPublisher, func()) {
	if cfg.NATSURL == "" {
		return events.Nop{}, func() {}
	}
	conn, err := events.Connect(cfg.NATSURL, "rewards-api")
	if err != nil {
		log.WithError(err).Fatal("failed to connect nats")
	}
	return events.NewPublisher(conn), func() {
		if err := conn.Drain(); err != nil {
			log.WithError(err).Warn("nats drain failed")
		}
	}
}
