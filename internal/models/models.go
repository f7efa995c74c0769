package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyUNI Currency = "UNI"
	CurrencyTON Currency = "TON"
)

func (c Currency) Valid() bool {
	return c == CurrencyUNI || c == CurrencyTON
}

type EntryType string

const (
	EntryDeposit           EntryType = "deposit"
	EntryFarmingYield      EntryType = "farming_yield"
	EntryBoostYield        EntryType = "boost_yield"
	EntryCommission        EntryType = "commission"
	EntryWithdrawal        EntryType = "withdrawal"
	EntryAdjustment        EntryType = "adjustment"
	EntryFarmingDeposit    EntryType = "farming_deposit"
	EntryFarmingWithdrawal EntryType = "farming_withdrawal"
	EntryBoostPurchase     EntryType = "boost_purchase"
)

type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusConfirmed EntryStatus = "confirmed"
	StatusFailed    EntryStatus = "failed"
)

type PositionKind string

const (
	PositionFarming PositionKind = "farming"
	PositionBoost   PositionKind = "boost"
)

type PositionStatus string

const (
	PositionActive    PositionStatus = "active"
	PositionWithdrawn PositionStatus = "withdrawn"
	PositionUpgraded  PositionStatus = "upgraded"
	PositionExpired   PositionStatus = "expired"
)

type Account struct {
	ID           string          `db:"id" json:"id"`
	BalanceUNI   decimal.Decimal `db:"balance_uni" json:"balance_uni"`
	BalanceTON   decimal.Decimal `db:"balance_ton" json:"balance_ton"`
	ReferrerID   *string         `db:"referrer_id" json:"referrer_id,omitempty"`
	ReferralCode string          `db:"referral_code" json:"referral_code"`
	Version      int64           `db:"version" json:"-"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Balance returns the cached balance field for currency.
func (a Account) Balance(currency Currency) decimal.Decimal {
	if currency == CurrencyTON {
		return a.BalanceTON
	}
	return a.BalanceUNI
}

type Position struct {
	ID            string          `db:"id" json:"id"`
	AccountID     string          `db:"account_id" json:"account_id"`
	Kind          PositionKind    `db:"kind" json:"kind"`
	Currency      Currency        `db:"currency" json:"currency"`
	PackageID     *int            `db:"package_id" json:"package_id,omitempty"`
	DepositAmount decimal.Decimal `db:"deposit_amount" json:"deposit_amount"`
	Rate          decimal.Decimal `db:"rate" json:"rate"`
	LastAccrualAt time.Time       `db:"last_accrual_at" json:"last_accrual_at"`
	PendingYield  decimal.Decimal `db:"pending_yield" json:"pending_yield"`
	AccruedTotal  decimal.Decimal `db:"accrued_total" json:"accrued_total"`
	Active        bool            `db:"active" json:"active"`
	Status        PositionStatus  `db:"status" json:"status"`
	ReplacedBy    *string         `db:"replaced_by" json:"replaced_by,omitempty"`
	ExpiresAt     *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

func (p Position) YieldType() EntryType {
	if p.Kind == PositionBoost {
		return EntryBoostYield
	}
	return EntryFarmingYield
}

type LedgerEntry struct {
	ID              string          `db:"id" json:"id"`
	AccountID       string          `db:"account_id" json:"account_id"`
	Type            EntryType       `db:"type" json:"type"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Currency        Currency        `db:"currency" json:"currency"`
	TxHash          *string         `db:"tx_hash" json:"tx_hash,omitempty"`
	SourceAccountID *string         `db:"source_account_id" json:"source_account_id,omitempty"`
	PositionID      *string         `db:"position_id" json:"position_id,omitempty"`
	Level           *int            `db:"level" json:"level,omitempty"`
	Status          EntryStatus     `db:"status" json:"status"`
	Metadata        types.JSONText  `db:"metadata" json:"metadata,omitempty"`
	Error           *string         `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	ConfirmedAt     *time.Time      `db:"confirmed_at" json:"confirmed_at,omitempty"`
}
