package handlers

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"rewards/internal/auth"
	"rewards/internal/config"
	"rewards/internal/logging"
	"rewards/internal/middleware"
	"rewards/internal/models"
	"rewards/internal/scheduler"
	"rewards/internal/services"
	"rewards/internal/store"
	"rewards/internal/websocket"

	"github.com/shopspring/decimal"
)

type stubAccountService struct {
	registerFn        func(ctx context.Context, req services.RegisterRequest) (models.Account, error)
	accountFn         func(ctx context.Context, accountID string) (models.Account, error)
	positionsFn       func(ctx context.Context, accountID string) ([]models.Position, error)
	ledgerFn          func(ctx context.Context, accountID string, filter store.LedgerFilter) ([]models.LedgerEntry, error)
	referralSummaryFn func(ctx context.Context, accountID string) (services.ReferralSummary, error)
	depositFarmingFn  func(ctx context.Context, accountID string, amount decimal.Decimal) (services.PositionChange, error)
	withdrawFarmingFn func(ctx context.Context, accountID string, amount decimal.Decimal) (services.PositionChange, error)
	purchaseBoostFn   func(ctx context.Context, accountID string, packageID int, amount decimal.Decimal) (services.PositionChange, error)
	withdrawalFn      func(ctx context.Context, req services.WithdrawalRequest) (models.LedgerEntry, error)
	adjustFn          func(ctx context.Context, req services.AdjustmentRequest) (models.LedgerEntry, error)
}

func (s stubAccountService) RegisterAccount(ctx context.Context, req services.RegisterRequest) (models.Account, error) {
	if s.registerFn == nil {
		return models.Account{ID: req.AccountID}, nil
	}
	return s.registerFn(ctx, req)
}

func (s stubAccountService) Account(ctx context.Context, accountID string) (models.Account, error) {
	if s.accountFn == nil {
		return models.Account{ID: accountID}, nil
	}
	return s.accountFn(ctx, accountID)
}

func (s stubAccountService) Positions(ctx context.Context, accountID string) ([]models.Position, error) {
	if s.positionsFn == nil {
		return nil, nil
	}
	return s.positionsFn(ctx, accountID)
}

func (s stubAccountService) Ledger(ctx context.Context, accountID string, filter store.LedgerFilter) ([]models.LedgerEntry, error) {
	if s.ledgerFn == nil {
		return nil, nil
	}
	return s.ledgerFn(ctx, accountID, filter)
}

func (s stubAccountService) ReferralSummary(ctx context.Context, accountID string) (services.ReferralSummary, error) {
	if s.referralSummaryFn == nil {
		return services.ReferralSummary{AccountID: accountID}, nil
	}
	return s.referralSummaryFn(ctx, accountID)
}

func (s stubAccountService) DepositFarming(ctx context.Context, accountID string, amount decimal.Decimal) (services.PositionChange, error) {
	if s.depositFarmingFn == nil {
		return services.PositionChange{}, nil
	}
	return s.depositFarmingFn(ctx, accountID, amount)
}

func (s stubAccountService) WithdrawFarming(ctx context.Context, accountID string, amount decimal.Decimal) (services.PositionChange, error) {
	if s.withdrawFarmingFn == nil {
		return services.PositionChange{}, nil
	}
	return s.withdrawFarmingFn(ctx, accountID, amount)
}

func (s stubAccountService) PurchaseBoost(ctx context.Context, accountID string, packageID int, amount decimal.Decimal) (services.PositionChange, error) {
	if s.purchaseBoostFn == nil {
		return services.PositionChange{}, nil
	}
	return s.purchaseBoostFn(ctx, accountID, packageID, amount)
}

func (s stubAccountService) RequestWithdrawal(ctx context.Context, req services.WithdrawalRequest) (models.LedgerEntry, error) {
	if s.withdrawalFn == nil {
		return models.LedgerEntry{}, nil
	}
	return s.withdrawalFn(ctx, req)
}

func (s stubAccountService) Adjust(ctx context.Context, req services.AdjustmentRequest) (models.LedgerEntry, error) {
	if s.adjustFn == nil {
		return models.LedgerEntry{}, nil
	}
	return s.adjustFn(ctx, req)
}

type stubDepositService struct {
	submitFn     func(ctx context.Context, req services.DepositRequest) (services.DepositResult, error)
	retryFn      func(ctx context.Context, entryID string) (models.LedgerEntry, error)
	listFailedFn func(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error)
}

func (s stubDepositService) SubmitDeposit(ctx context.Context, req services.DepositRequest) (services.DepositResult, error) {
	if s.submitFn == nil {
		return services.DepositResult{Outcome: services.DepositAccepted}, nil
	}
	return s.submitFn(ctx, req)
}

func (s stubDepositService) RetryFailed(ctx context.Context, entryID string) (models.LedgerEntry, error) {
	if s.retryFn == nil {
		return models.LedgerEntry{ID: entryID}, nil
	}
	return s.retryFn(ctx, entryID)
}

func (s stubDepositService) ListFailed(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error) {
	if s.listFailedFn == nil {
		return nil, nil
	}
	return s.listFailedFn(ctx, limit, offset)
}

type stubAuditor struct {
	auditFn func(ctx context.Context, now time.Time) (services.ReconciliationReport, error)
}

func (s stubAuditor) Audit(ctx context.Context, now time.Time) (services.ReconciliationReport, error) {
	if s.auditFn == nil {
		return services.ReconciliationReport{GeneratedAt: now}, nil
	}
	return s.auditFn(ctx, now)
}

type stubJobs struct {
	snapshotFn func() []scheduler.Status
	runNowFn   func(ctx context.Context, name string) (scheduler.Status, error)
}

func (s stubJobs) Snapshot() []scheduler.Status {
	if s.snapshotFn == nil {
		return nil
	}
	return s.snapshotFn()
}

func (s stubJobs) RunNow(ctx context.Context, name string) (scheduler.Status, error) {
	if s.runNowFn == nil {
		return scheduler.Status{Name: name}, nil
	}
	return s.runNowFn(ctx, name)
}

func newTestHandler(accounts AccountService, deposits DepositService, auditor Auditor, jobs JobRunner) *Handler {
	cfg := config.Config{
		AppEnv:         "test",
		Port:           "0",
		JWTSecret:      "secret",
		AllowedOrigins: "*",
	}
	log := logging.Discard()
	return New(cfg, accounts, deposits, auditor, jobs, websocket.NewHub(), middleware.NewRateLimiter(100, 100, log), log)
}

// serve sends the request through the full router as accountID with role.
func serve(t *testing.T, h *Handler, method, path, body, accountID, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	}
	if accountID != "" {
		token, err := auth.GenerateToken("secret", accountID, role, time.Minute)
		if err != nil {
			t.Fatalf("failed to generate token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}
