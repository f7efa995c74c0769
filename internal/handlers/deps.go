package handlers

import (
	"context"
	"time"

	"rewards/internal/models"
	"rewards/internal/scheduler"
	"rewards/internal/services"
	"rewards/internal/store"

	"github.com/shopspring/decimal"
)

type DepositService interface {
	SubmitDeposit(ctx context.Context, req services.DepositRequest) (services.DepositResult, error)
	RetryFailed(ctx context.Context, entryID string) (models.LedgerEntry, error)
	ListFailed(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error)
}

type AccountService interface {
	RegisterAccount(ctx context.Context, req services.RegisterRequest) (models.Account, error)
	Account(ctx context.Context, accountID string) (models.Account, error)
	Positions(ctx context.Context, accountID string) ([]models.Position, error)
	Ledger(ctx context.Context, accountID string, filter store.LedgerFilter) ([]models.LedgerEntry, error)
	ReferralSummary(ctx context.Context, accountID string) (services.ReferralSummary, error)
	DepositFarming(ctx context.Context, accountID string, amount decimal.Decimal) (services.PositionChange, error)
	WithdrawFarming(ctx context.Context, accountID string, amount decimal.Decimal) (services.PositionChange, error)
	PurchaseBoost(ctx context.Context, accountID string, packageID int, amount decimal.Decimal) (services.PositionChange, error)
	RequestWithdrawal(ctx context.Context, req services.WithdrawalRequest) (models.LedgerEntry, error)
	Adjust(ctx context.Context, req services.AdjustmentRequest) (models.LedgerEntry, error)
}

type Auditor interface {
	Audit(ctx context.Context, now time.Time) (services.ReconciliationReport, error)
}

type JobRunner interface {
	Snapshot() []scheduler.Status
	RunNow(ctx context.Context, name string) (scheduler.Status, error)
}
