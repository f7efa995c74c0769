package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rewards/internal/models"
	"rewards/internal/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const withdrawAttempts = 3

type PositionChange struct {
	Entry    models.LedgerEntry `json:"entry"`
	Position *models.Position   `json:"position,omitempty"`
}

// DepositFarming moves UNI from the balance into the farming position,
// opening one if none is active. Outstanding yield is settled first so the
// new deposit only earns from now on.
func (s *AccountService) DepositFarming(ctx context.Context, accountID string, amount decimal.Decimal) (PositionChange, error) {
	if !amount.IsPositive() {
		return PositionChange{}, ErrInvalidAmount
	}
	payload := models.FarmingDepositPayload{}
	current, found, err := s.activePosition(ctx, accountID, models.PositionFarming)
	if err != nil {
		return PositionChange{}, err
	}
	if found {
		if err := s.settleYield(ctx, current); err != nil {
			return PositionChange{}, err
		}
		payload.PositionID = current.ID
	} else {
		payload.PositionID = uuid.NewString()
		payload.Rate = s.rates.FarmingRate
		payload.Create = true
	}

	entry, err := s.applier.Apply(ctx, Mutation{
		AccountID: accountID,
		Delta:     amount.Neg(),
		Currency:  farmingCurrency,
		Payload:   payload,
	})
	if err != nil {
		return PositionChange{}, err
	}
	s.log.WithFields(logrus.Fields{"account_id": accountID, "position_id": payload.PositionID, "amount": money.Format(amount), "created": payload.Create}).Info("farming deposit")
	return s.positionChange(ctx, entry, payload.PositionID), nil
}

// WithdrawFarming returns part or all of the farming deposit to the balance.
// Withdrawing everything deactivates the position. Yield is settled first and
// the withdrawal is retried if the position moved in between.
func (s *AccountService) WithdrawFarming(ctx context.Context, accountID string, amount decimal.Decimal) (PositionChange, error) {
	if !amount.IsPositive() {
		return PositionChange{}, ErrInvalidAmount
	}
	for attempt := 1; ; attempt++ {
		change, err := s.withdrawFarming(ctx, accountID, amount)
		if !errors.Is(err, ErrPositionChanged) || attempt == withdrawAttempts {
			return change, err
		}
		s.log.WithFields(logrus.Fields{"account_id": accountID, "attempt": attempt}).Debug("farming position moved during withdrawal, retrying")
	}
}

func (s *AccountService) withdrawFarming(ctx context.Context, accountID string, amount decimal.Decimal) (PositionChange, error) {
	current, found, err := s.activePosition(ctx, accountID, models.PositionFarming)
	if err != nil {
		return PositionChange{}, err
	}
	if !found {
		return PositionChange{}, ErrPositionNotFound
	}
	if amount.GreaterThan(current.DepositAmount) {
		return PositionChange{}, ErrInsufficientBalance
	}
	if err := s.settleYield(ctx, current); err != nil {
		return PositionChange{}, err
	}
	settled, found, err := s.activePosition(ctx, accountID, models.PositionFarming)
	if err != nil {
		return PositionChange{}, err
	}
	if !found || settled.ID != current.ID {
		return PositionChange{}, ErrPositionChanged
	}
	if !settled.PendingYield.LessThan(s.rates.DustThreshold(settled.Currency)) {
		// topped up after the settle; its owed yield is not credited yet
		return PositionChange{}, ErrPositionChanged
	}

	checkpoint := settled.LastAccrualAt
	entry, err := s.applier.Apply(ctx, Mutation{
		AccountID: accountID,
		Delta:     amount,
		Currency:  farmingCurrency,
		Payload:   models.FarmingWithdrawalPayload{PositionID: current.ID, ExpectedLastAccrual: &checkpoint},
	})
	if err != nil {
		return PositionChange{}, err
	}
	s.log.WithFields(logrus.Fields{"account_id": accountID, "position_id": current.ID, "amount": money.Format(amount)}).Info("farming withdrawal")
	return s.positionChange(ctx, entry, current.ID), nil
}

// PurchaseBoost buys a boost package with TON. An active boost is upgraded:
// it is closed with replaced_by pointing at the new position, which takes over
// its deposit at the new package rate.
func (s *AccountService) PurchaseBoost(ctx context.Context, accountID string, packageID int, amount decimal.Decimal) (PositionChange, error) {
	pkg, ok := s.rates.Package(packageID)
	if !ok {
		return PositionChange{}, ErrUnknownPackage
	}
	if !amount.IsPositive() || amount.LessThan(pkg.MinAmount) {
		return PositionChange{}, fmt.Errorf("%w: package %d requires at least %s", ErrInvalidAmount, pkg.ID, pkg.MinAmount)
	}

	payload := models.BoostPurchasePayload{
		PackageID:     pkg.ID,
		Rate:          pkg.Rate,
		NewPositionID: uuid.NewString(),
	}
	if pkg.DurationDays > 0 {
		expires := s.now().UTC().Add(time.Duration(pkg.DurationDays) * 24 * time.Hour)
		payload.ExpiresAt = &expires
	}
	current, found, err := s.activePosition(ctx, accountID, models.PositionBoost)
	if err != nil {
		return PositionChange{}, err
	}
	if found {
		if err := s.settleYield(ctx, current); err != nil {
			return PositionChange{}, err
		}
		oldID := current.ID
		payload.ReplacesPositionID = &oldID
		payload.CarriedDeposit = current.DepositAmount
	}

	entry, err := s.applier.Apply(ctx, Mutation{
		AccountID: accountID,
		Delta:     amount.Neg(),
		Currency:  boostCurrency,
		Payload:   payload,
	})
	if err != nil {
		return PositionChange{}, err
	}
	s.log.WithFields(logrus.Fields{
		"account_id":  accountID,
		"package_id":  pkg.ID,
		"position_id": payload.NewPositionID,
		"replaces":    payload.ReplacesPositionID,
		"amount":      money.Format(amount),
	}).Info("boost package purchased")
	return s.positionChange(ctx, entry, payload.NewPositionID), nil
}

func (s *AccountService) activePosition(ctx context.Context, accountID string, kind models.PositionKind) (models.Position, bool, error) {
	if _, err := s.Account(ctx, accountID); err != nil {
		return models.Position{}, false, err
	}
	position, err := s.positions.GetActive(ctx, accountID, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Position{}, false, nil
	}
	if err != nil {
		return models.Position{}, false, classify(err)
	}
	return position, true, nil
}

// settleYield brings a position's checkpoint up to now. A concurrent accrual
// run that got there first is fine.
func (s *AccountService) settleYield(ctx context.Context, p models.Position) error {
	result, _, err := s.accruer.AccruePosition(ctx, p, s.now())
	if err != nil {
		return fmt.Errorf("settle outstanding yield: %w", err)
	}
	if result == AccrualSkipped {
		s.log.WithField("position_id", p.ID).Debug("outstanding yield already settled")
	}
	return nil
}

func (s *AccountService) positionChange(ctx context.Context, entry models.LedgerEntry, positionID string) PositionChange {
	change := PositionChange{Entry: entry}
	position, err := s.positions.GetActive(ctx, entry.AccountID, positionKind(entry.Type))
	if err == nil && position.ID == positionID {
		change.Position = &position
	}
	return change
}

func positionKind(entryType models.EntryType) models.PositionKind {
	if entryType == models.EntryBoostPurchase {
		return models.PositionBoost
	}
	return models.PositionFarming
}
