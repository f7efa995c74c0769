package services

import (
	"context"
	"time"

	"rewards/internal/events"
	"rewards/internal/models"
	"rewards/internal/store"
	"rewards/internal/websocket"

	"github.com/shopspring/decimal"
)

type AccountStore interface {
	Create(ctx context.Context, tx store.Execer, account models.Account) error
	GetByID(ctx context.Context, accountID string) (models.Account, error)
	GetByReferralCode(ctx context.Context, code string) (models.Account, error)
	GetForUpdate(ctx context.Context, tx store.Getter, accountID string) (models.Account, error)
	UpdateBalance(ctx context.Context, tx store.Execer, accountID string, currency models.Currency, balance decimal.Decimal, expectedVersion int64) error
	Ancestors(ctx context.Context, accountID string, maxDepth int) ([]store.Ancestor, error)
	ReferralLevelCounts(ctx context.Context, accountID string, maxDepth int) ([]store.LevelCount, error)
}

type LedgerStore interface {
	Insert(ctx context.Context, tx store.Execer, entry models.LedgerEntry) error
	Get(ctx context.Context, entryID string) (models.LedgerEntry, error)
	GetForUpdate(ctx context.Context, tx store.Getter, entryID string) (models.LedgerEntry, error)
	FindByTxHash(ctx context.Context, txHash string) (models.LedgerEntry, error)
	Confirm(ctx context.Context, tx store.Execer, entryID string, confirmedAt time.Time) error
	MarkFailed(ctx context.Context, tx store.Execer, entryID, reason string) error
	ExpireStalePending(ctx context.Context, tx store.Execer, cutoff time.Time, reason string) (int64, error)
	ListByAccount(ctx context.Context, accountID string, filter store.LedgerFilter) ([]models.LedgerEntry, error)
	ListFailed(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error)
	CommissionByLevel(ctx context.Context, accountID string) ([]store.LevelTotal, error)
}

type PositionStore interface {
	Create(ctx context.Context, tx store.Execer, position models.Position) error
	GetForUpdate(ctx context.Context, tx store.Getter, positionID string) (models.Position, error)
	GetActive(ctx context.Context, accountID string, kind models.PositionKind) (models.Position, error)
	ListByAccount(ctx context.Context, accountID string) ([]models.Position, error)
	ListActive(ctx context.Context, afterID string, limit int) ([]models.Position, error)
	Advance(ctx context.Context, tx store.Execer, positionID string, expected, through time.Time, pending, credited decimal.Decimal) error
	Carry(ctx context.Context, tx store.Execer, positionID string, expected, through time.Time, pending decimal.Decimal) error
	IncreaseDeposit(ctx context.Context, tx store.Execer, positionID string, amount decimal.Decimal, expected, through time.Time, pending decimal.Decimal) error
	DecreaseDeposit(ctx context.Context, tx store.Execer, positionID string, amount decimal.Decimal) error
	Deactivate(ctx context.Context, tx store.Execer, positionID string, status models.PositionStatus) error
	MarkUpgraded(ctx context.Context, tx store.Execer, oldID, newID string) error
}

type AuditStore interface {
	BalanceChecks(ctx context.Context, afterID string, limit int) ([]store.BalanceCheck, error)
	PositionChecks(ctx context.Context, afterID string, limit int) ([]store.PositionCheck, error)
}

type BalanceHub interface {
	BroadcastBalance(accountID string, update websocket.BalanceUpdate)
}

type EventPublisher interface {
	PublishEntry(ctx context.Context, event events.EntryConfirmed) error
}

// Applier is the balance mutation entry point shared by every producer.
type Applier interface {
	Apply(ctx context.Context, m Mutation) (models.LedgerEntry, error)
}

// CommissionDistributor fans a commissionable credit out to referrers.
type CommissionDistributor interface {
	Distribute(ctx context.Context, sourceAccountID string, base decimal.Decimal, currency models.Currency, originEntryID string) (CascadeReport, error)
}
