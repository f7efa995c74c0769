package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"rewards/internal/db"
	"rewards/internal/events"
	"rewards/internal/lock"
	"rewards/internal/metrics"
	"rewards/internal/models"
	"rewards/internal/money"
	"rewards/internal/store"
	"rewards/internal/websocket"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Mutation is one balance change. PendingEntryID confirms an existing pending
// or failed entry instead of inserting a new one.
type Mutation struct {
	AccountID      string
	Delta          decimal.Decimal
	Currency       models.Currency
	Payload        models.Payload
	PendingEntryID string
}

// Settlement is the only code path that writes account balances. Every change
// is applied under the account lock in one transaction together with its
// confirmed ledger entry.
type Settlement struct {
	txRunner   db.TxRunner
	accounts   AccountStore
	ledger     LedgerStore
	positions  PositionStore
	locker     lock.Locker
	hub        BalanceHub
	publisher  EventPublisher
	commission CommissionDistributor
	log        logrus.FieldLogger
	timeout    time.Duration
	now        func() time.Time

	cascades sync.WaitGroup
}

func NewSettlement(txRunner db.TxRunner, accounts AccountStore, ledger LedgerStore, positions PositionStore, locker lock.Locker, hub BalanceHub, publisher EventPublisher, log logrus.FieldLogger, timeout time.Duration) *Settlement {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Settlement{
		txRunner:  txRunner,
		accounts:  accounts,
		ledger:    ledger,
		positions: positions,
		locker:    locker,
		hub:       hub,
		publisher: publisher,
		log:       log,
		timeout:   timeout,
		now:       time.Now,
	}
}

// SetCommission wires the cascade. The cascade itself settles through Apply,
// so it cannot be passed to the constructor.
func (s *Settlement) SetCommission(c CommissionDistributor) {
	s.commission = c
}

// Wait blocks until every dispatched commission cascade has finished.
func (s *Settlement) Wait() {
	s.cascades.Wait()
}

func (s *Settlement) Apply(ctx context.Context, m Mutation) (models.LedgerEntry, error) {
	start := time.Now()
	result, err := s.apply(ctx, m)
	entryType := "unknown"
	if m.Payload != nil {
		entryType = string(m.Payload.Type())
	}
	if err != nil {
		metrics.RecordSettlement(entryType, settlementOutcome(err), time.Since(start))
		return models.LedgerEntry{}, err
	}
	metrics.RecordSettlement(entryType, "confirmed", time.Since(start))
	s.afterCommit(result, m.Payload)
	return result.entry, nil
}

// committed is what one settlement wrote: the entry and the account balance
// and version it left behind.
type committed struct {
	entry   models.LedgerEntry
	balance decimal.Decimal
	version int64
}

func (s *Settlement) apply(ctx context.Context, m Mutation) (committed, error) {
	if err := validateMutation(m); err != nil {
		return committed{}, err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	release, err := s.locker.Acquire(ctx, m.AccountID)
	if err != nil {
		return committed{}, classify(err)
	}
	defer release()

	var entry models.LedgerEntry
	var balanceAfter decimal.Decimal
	var version int64
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		account, err := s.accounts.GetForUpdate(ctx, tx, m.AccountID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrAccountNotFound
			}
			return err
		}
		balanceAfter = account.Balance(m.Currency).Add(m.Delta)
		if balanceAfter.IsNegative() {
			return ErrInsufficientBalance
		}
		if err := s.accounts.UpdateBalance(ctx, tx, m.AccountID, m.Currency, balanceAfter, account.Version); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("account %s version moved: %w", m.AccountID, err)
			}
			return err
		}
		version = account.Version + 1
		now := s.now().UTC().Truncate(time.Microsecond)
		if err := s.applyPositionEffect(ctx, tx, m, now); err != nil {
			return err
		}
		if m.PendingEntryID != "" {
			entry, err = s.confirmPending(ctx, tx, m, now)
			return err
		}
		entry, err = buildEntry(m, now)
		if err != nil {
			return err
		}
		if err := s.ledger.Insert(ctx, tx, entry); err != nil {
			if errors.Is(err, store.ErrUniqueViolation) && m.Payload.Type() == models.EntryDeposit {
				return ErrDuplicateDeposit
			}
			return err
		}
		return nil
	})
	if err != nil {
		return committed{}, classify(err)
	}
	return committed{entry: entry, balance: balanceAfter, version: version}, nil
}

func (s *Settlement) confirmPending(ctx context.Context, tx *sqlx.Tx, m Mutation, now time.Time) (models.LedgerEntry, error) {
	entry, err := s.ledger.GetForUpdate(ctx, tx, m.PendingEntryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.LedgerEntry{}, ErrEntryNotFound
		}
		return models.LedgerEntry{}, err
	}
	if entry.Status == models.StatusConfirmed {
		return models.LedgerEntry{}, ErrEntryNotRetryable
	}
	if entry.AccountID != m.AccountID || entry.Currency != m.Currency || !entry.Amount.Equal(m.Delta) || entry.Type != m.Payload.Type() {
		return models.LedgerEntry{}, fmt.Errorf("%w: entry %s does not match mutation", models.ErrInvalidPayload, entry.ID)
	}
	if err := s.ledger.Confirm(ctx, tx, entry.ID, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.LedgerEntry{}, ErrEntryNotRetryable
		}
		return models.LedgerEntry{}, err
	}
	entry.Status = models.StatusConfirmed
	entry.ConfirmedAt = &now
	entry.Error = nil
	return entry, nil
}

// applyPositionEffect runs the position side of a payload inside the
// settlement transaction, so positions never move without their entry.
func (s *Settlement) applyPositionEffect(ctx context.Context, tx *sqlx.Tx, m Mutation, now time.Time) error {
	switch p := m.Payload.(type) {
	case models.YieldPayload:
		// A flush of carried yield keeps the checkpoint where it is, so the
		// pending amount the credit was computed from must still be there.
		position, err := s.positions.GetForUpdate(ctx, tx, p.PositionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrPositionNotFound
			}
			return err
		}
		if position.AccountID != m.AccountID {
			return ErrPositionNotFound
		}
		if !position.Active || !position.LastAccrualAt.Equal(p.ExpectedLastAccrual) || !position.PendingYield.Equal(p.ExpectedPending) {
			return ErrStaleAccrual
		}
		err = s.positions.Advance(ctx, tx, p.PositionID, p.ExpectedLastAccrual, p.AccruedThrough, p.Remainder, m.Delta)
		if errors.Is(err, store.ErrConflict) {
			return ErrStaleAccrual
		}
		if err != nil {
			return err
		}
		if p.Deactivate {
			return s.positions.Deactivate(ctx, tx, p.PositionID, models.PositionExpired)
		}
		return nil

	case models.FarmingDepositPayload:
		amount := m.Delta.Neg()
		if p.Create {
			err := s.positions.Create(ctx, tx, models.Position{
				ID:            p.PositionID,
				AccountID:     m.AccountID,
				Kind:          models.PositionFarming,
				Currency:      m.Currency,
				DepositAmount: amount,
				Rate:          p.Rate,
				LastAccrualAt: now,
				PendingYield:  decimal.Zero,
			})
			if errors.Is(err, store.ErrUniqueViolation) {
				return ErrPositionChanged
			}
			return err
		}
		position, err := s.ownedActivePosition(ctx, tx, p.PositionID, m.AccountID)
		if err != nil {
			return err
		}
		// The added amount earns from commit time.
		through, pending := owedSince(position, now)
		err = s.positions.IncreaseDeposit(ctx, tx, p.PositionID, amount, position.LastAccrualAt, through, pending)
		if errors.Is(err, store.ErrConflict) {
			return ErrPositionChanged
		}
		return err

	case models.FarmingWithdrawalPayload:
		position, err := s.ownedActivePosition(ctx, tx, p.PositionID, m.AccountID)
		if err != nil {
			return err
		}
		if p.ExpectedLastAccrual != nil && !position.LastAccrualAt.Equal(*p.ExpectedLastAccrual) {
			return ErrPositionChanged
		}
		if m.Delta.GreaterThan(position.DepositAmount) {
			return ErrInsufficientBalance
		}
		if err := s.positions.DecreaseDeposit(ctx, tx, p.PositionID, m.Delta); err != nil {
			return err
		}
		if position.DepositAmount.Equal(m.Delta) {
			return s.positions.Deactivate(ctx, tx, p.PositionID, models.PositionWithdrawn)
		}
		return nil

	case models.BoostPurchasePayload:
		deposit := m.Delta.Neg()
		pending := decimal.Zero
		if p.ReplacesPositionID != nil {
			old, err := s.ownedActivePosition(ctx, tx, *p.ReplacesPositionID, m.AccountID)
			if err != nil {
				return err
			}
			if !old.DepositAmount.Equal(p.CarriedDeposit) {
				return ErrPositionChanged
			}
			if err := s.positions.MarkUpgraded(ctx, tx, old.ID, p.NewPositionID); err != nil {
				return err
			}
			deposit = deposit.Add(old.DepositAmount)
			_, pending = owedSince(old, now)
		}
		packageID := p.PackageID
		err := s.positions.Create(ctx, tx, models.Position{
			ID:            p.NewPositionID,
			AccountID:     m.AccountID,
			Kind:          models.PositionBoost,
			Currency:      m.Currency,
			PackageID:     &packageID,
			DepositAmount: deposit,
			Rate:          p.Rate,
			LastAccrualAt: now,
			PendingYield:  pending,
			ExpiresAt:     p.ExpiresAt,
		})
		if errors.Is(err, store.ErrUniqueViolation) {
			return ErrPositionChanged
		}
		return err
	}
	return nil
}

// owedSince returns the checkpoint p can move to at now and the pending yield
// it carries there, including what the deposit earned since LastAccrualAt.
func owedSince(p models.Position, now time.Time) (time.Time, decimal.Decimal) {
	through := now
	if p.ExpiresAt != nil && through.After(*p.ExpiresAt) {
		through = *p.ExpiresAt
	}
	if through.Before(p.LastAccrualAt) {
		through = p.LastAccrualAt
	}
	return through, p.PendingYield.Add(Yield(p.DepositAmount, p.Rate, through.Sub(p.LastAccrualAt)))
}

func (s *Settlement) ownedActivePosition(ctx context.Context, tx *sqlx.Tx, positionID, accountID string) (models.Position, error) {
	position, err := s.positions.GetForUpdate(ctx, tx, positionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Position{}, ErrPositionNotFound
		}
		return models.Position{}, err
	}
	if position.AccountID != accountID {
		return models.Position{}, ErrPositionNotFound
	}
	if !position.Active {
		return models.Position{}, ErrPositionChanged
	}
	return position, nil
}

func (s *Settlement) afterCommit(result committed, payload models.Payload) {
	entry, balance := result.entry, result.balance
	s.hub.BroadcastBalance(entry.AccountID, websocket.BalanceUpdate{
		AccountID: entry.AccountID,
		Version:   result.version,
		Currency:  string(entry.Currency),
		Balance:   money.Format(balance),
		Delta:     money.Format(entry.Amount),
		EntryID:   entry.ID,
		EntryType: string(entry.Type),
	})

	confirmedAt := time.Now().UTC()
	if entry.ConfirmedAt != nil {
		confirmedAt = *entry.ConfirmedAt
	}
	publishCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err := s.publisher.PublishEntry(publishCtx, events.EntryConfirmed{
		EntryID:         entry.ID,
		AccountID:       entry.AccountID,
		Type:            entry.Type,
		Amount:          money.Format(entry.Amount),
		Currency:        entry.Currency,
		BalanceAfter:    money.Format(balance),
		SourceAccountID: entry.SourceAccountID,
		Level:           entry.Level,
		ConfirmedAt:     confirmedAt,
	})
	cancel()
	if err != nil {
		s.log.WithFields(logrus.Fields{"entry_id": entry.ID, "error": err}).Warn("ledger event publish failed")
	}

	if s.commission == nil || !payload.Commissionable() {
		return
	}
	s.cascades.Add(1)
	go func() {
		defer s.cascades.Done()
		report, err := s.commission.Distribute(context.Background(), entry.AccountID, entry.Amount, entry.Currency, entry.ID)
		fields := logrus.Fields{"origin_entry_id": entry.ID, "source_account_id": entry.AccountID}
		if err != nil {
			fields["error"] = err
			s.log.WithFields(fields).Error("commission cascade failed")
			return
		}
		if failed := report.Failed(); failed > 0 {
			fields["failed_levels"] = failed
			fields["paid_levels"] = report.Paid()
			s.log.WithFields(fields).Warn("commission cascade partially failed")
		}
	}()
}

func validateMutation(m Mutation) error {
	if m.AccountID == "" {
		return ErrAccountNotFound
	}
	if !m.Currency.Valid() {
		return ErrInvalidCurrency
	}
	if m.Payload == nil {
		return fmt.Errorf("%w: missing payload", models.ErrInvalidPayload)
	}
	if !m.Delta.Equal(m.Delta.Truncate(money.Scale)) {
		return fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, money.Scale)
	}
	return m.Payload.Validate(m.Delta)
}

func buildEntry(m Mutation, now time.Time) (models.LedgerEntry, error) {
	metadata, err := json.Marshal(m.Payload)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("marshal payload: %w", err)
	}
	entry := models.LedgerEntry{
		ID:          uuid.NewString(),
		AccountID:   m.AccountID,
		Type:        m.Payload.Type(),
		Amount:      m.Delta,
		Currency:    m.Currency,
		Status:      models.StatusConfirmed,
		Metadata:    types.JSONText(metadata),
		CreatedAt:   now,
		ConfirmedAt: &now,
	}
	switch p := m.Payload.(type) {
	case models.DepositPayload:
		entry.TxHash = stringPtr(p.TxHash)
	case models.YieldPayload:
		entry.PositionID = stringPtr(p.PositionID)
		entry.SourceAccountID = stringPtr(m.AccountID)
	case models.CommissionPayload:
		entry.SourceAccountID = stringPtr(p.SourceAccountID)
		entry.Level = intPtr(p.Level)
	case models.FarmingDepositPayload:
		entry.PositionID = stringPtr(p.PositionID)
	case models.FarmingWithdrawalPayload:
		entry.PositionID = stringPtr(p.PositionID)
	case models.BoostPurchasePayload:
		entry.PositionID = stringPtr(p.NewPositionID)
	}
	return entry, nil
}

func settlementOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrStorageTimeout):
		return "storage_timeout"
	case errors.Is(err, ErrStaleAccrual):
		return "stale"
	case errors.Is(err, ErrDuplicateDeposit):
		return "duplicate"
	case errors.Is(err, models.ErrInvalidPayload), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidCurrency):
		return "invalid"
	default:
		return "failed"
	}
}

func stringPtr(value string) *string {
	return &value
}

func intPtr(value int) *int {
	return &value
}
