package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidPayload = errors.New("invalid entry payload")

// Payload is the type-specific part of a balance mutation. Each variant fixes
// the entry type, the allowed sign of the delta and whether the credit feeds
// the referral commission cascade.
type Payload interface {
	Type() EntryType
	Commissionable() bool
	Validate(delta decimal.Decimal) error
}

type DepositPayload struct {
	TxHash        string `json:"tx_hash"`
	RawTxHash     string `json:"raw_tx_hash,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

func (DepositPayload) Type() EntryType      { return EntryDeposit }
func (DepositPayload) Commissionable() bool { return false }

func (p DepositPayload) Validate(delta decimal.Decimal) error {
	if strings.TrimSpace(p.TxHash) == "" {
		return fmt.Errorf("%w: deposit requires tx hash", ErrInvalidPayload)
	}
	return requirePositive(delta)
}

type YieldPayload struct {
	Kind                PositionKind    `json:"kind"`
	PositionID          string          `json:"position_id"`
	PackageID           *int            `json:"package_id,omitempty"`
	Rate                decimal.Decimal `json:"rate"`
	ExpectedLastAccrual time.Time       `json:"expected_last_accrual"`
	ExpectedPending     decimal.Decimal `json:"expected_pending"`
	AccruedThrough      time.Time       `json:"accrued_through"`
	Remainder           decimal.Decimal `json:"remainder"`
	Deactivate          bool            `json:"deactivate,omitempty"`
}

func (p YieldPayload) Type() EntryType {
	if p.Kind == PositionBoost {
		return EntryBoostYield
	}
	return EntryFarmingYield
}

func (YieldPayload) Commissionable() bool { return true }

func (p YieldPayload) Validate(delta decimal.Decimal) error {
	if p.PositionID == "" {
		return fmt.Errorf("%w: yield requires position", ErrInvalidPayload)
	}
	if p.Kind != PositionFarming && p.Kind != PositionBoost {
		return fmt.Errorf("%w: unknown position kind %q", ErrInvalidPayload, p.Kind)
	}
	if p.AccruedThrough.Before(p.ExpectedLastAccrual) {
		return fmt.Errorf("%w: accrual window ends before it starts", ErrInvalidPayload)
	}
	if p.Remainder.IsNegative() {
		return fmt.Errorf("%w: negative remainder", ErrInvalidPayload)
	}
	return requirePositive(delta)
}

type CommissionPayload struct {
	SourceAccountID string          `json:"source_account_id"`
	Level           int             `json:"level"`
	Rate            decimal.Decimal `json:"rate"`
	OriginEntryID   string          `json:"origin_entry_id,omitempty"`
}

func (CommissionPayload) Type() EntryType      { return EntryCommission }
func (CommissionPayload) Commissionable() bool { return false }

func (p CommissionPayload) Validate(delta decimal.Decimal) error {
	if p.SourceAccountID == "" {
		return fmt.Errorf("%w: commission requires source account", ErrInvalidPayload)
	}
	if p.Level < 1 {
		return fmt.Errorf("%w: commission level %d", ErrInvalidPayload, p.Level)
	}
	return requirePositive(delta)
}

type WithdrawalPayload struct {
	WalletAddress string `json:"wallet_address"`
}

func (WithdrawalPayload) Type() EntryType      { return EntryWithdrawal }
func (WithdrawalPayload) Commissionable() bool { return false }

func (p WithdrawalPayload) Validate(delta decimal.Decimal) error {
	if strings.TrimSpace(p.WalletAddress) == "" {
		return fmt.Errorf("%w: withdrawal requires wallet address", ErrInvalidPayload)
	}
	return requireNegative(delta)
}

type AdjustmentPayload struct {
	Reason           string `json:"reason"`
	ReferenceEntryID string `json:"reference_entry_id,omitempty"`
	ActorID          string `json:"actor_id,omitempty"`
}

func (AdjustmentPayload) Type() EntryType      { return EntryAdjustment }
func (AdjustmentPayload) Commissionable() bool { return false }

func (p AdjustmentPayload) Validate(delta decimal.Decimal) error {
	if strings.TrimSpace(p.Reason) == "" {
		return fmt.Errorf("%w: adjustment requires reason", ErrInvalidPayload)
	}
	if delta.IsZero() {
		return fmt.Errorf("%w: zero adjustment", ErrInvalidPayload)
	}
	return nil
}

// FarmingDepositPayload moves balance into a farming position. Create is set
// when no active farming position exists yet.
type FarmingDepositPayload struct {
	PositionID string          `json:"position_id"`
	Rate       decimal.Decimal `json:"rate"`
	Create     bool            `json:"create,omitempty"`
}

func (FarmingDepositPayload) Type() EntryType      { return EntryFarmingDeposit }
func (FarmingDepositPayload) Commissionable() bool { return false }

func (p FarmingDepositPayload) Validate(delta decimal.Decimal) error {
	if p.PositionID == "" {
		return fmt.Errorf("%w: farming deposit requires position", ErrInvalidPayload)
	}
	if p.Create && !p.Rate.IsPositive() {
		return fmt.Errorf("%w: farming rate must be positive", ErrInvalidPayload)
	}
	return requireNegative(delta)
}

// FarmingWithdrawalPayload returns deposit to the balance. When
// ExpectedLastAccrual is set the withdrawal only applies to a position whose
// yield was settled up to that checkpoint.
type FarmingWithdrawalPayload struct {
	PositionID          string     `json:"position_id"`
	ExpectedLastAccrual *time.Time `json:"expected_last_accrual,omitempty"`
}

func (FarmingWithdrawalPayload) Type() EntryType      { return EntryFarmingWithdrawal }
func (FarmingWithdrawalPayload) Commissionable() bool { return false }

func (p FarmingWithdrawalPayload) Validate(delta decimal.Decimal) error {
	if p.PositionID == "" {
		return fmt.Errorf("%w: farming withdrawal requires position", ErrInvalidPayload)
	}
	return requirePositive(delta)
}

// BoostPurchasePayload buys a boost package. When ReplacesPositionID is set the
// old boost is marked upgraded and its deposit is carried into the new one.
type BoostPurchasePayload struct {
	PackageID          int             `json:"package_id"`
	Rate               decimal.Decimal `json:"rate"`
	NewPositionID      string          `json:"new_position_id"`
	ReplacesPositionID *string         `json:"replaces_position_id,omitempty"`
	CarriedDeposit     decimal.Decimal `json:"carried_deposit"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty"`
}

func (BoostPurchasePayload) Type() EntryType      { return EntryBoostPurchase }
func (BoostPurchasePayload) Commissionable() bool { return false }

func (p BoostPurchasePayload) Validate(delta decimal.Decimal) error {
	if p.NewPositionID == "" || p.PackageID <= 0 {
		return fmt.Errorf("%w: boost purchase requires package and position", ErrInvalidPayload)
	}
	if !p.Rate.IsPositive() {
		return fmt.Errorf("%w: boost rate must be positive", ErrInvalidPayload)
	}
	if p.CarriedDeposit.IsNegative() {
		return fmt.Errorf("%w: negative carried deposit", ErrInvalidPayload)
	}
	return requireNegative(delta)
}

func requirePositive(delta decimal.Decimal) error {
	if !delta.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}
	return nil
}

func requireNegative(delta decimal.Decimal) error {
	if !delta.IsNegative() {
		return fmt.Errorf("%w: amount must be a debit", ErrInvalidPayload)
	}
	return nil
}
