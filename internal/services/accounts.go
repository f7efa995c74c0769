package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rewards/internal/config"
	"rewards/internal/models"
	"rewards/internal/money"
	"rewards/internal/store"
	"rewards/internal/validator"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	farmingCurrency = models.CurrencyUNI
	boostCurrency   = models.CurrencyTON
)

// PositionAccruer settles outstanding yield before a position changes.
type PositionAccruer interface {
	AccruePosition(ctx context.Context, p models.Position, now time.Time) (AccrualResult, decimal.Decimal, error)
}

// AccountService holds the user-facing account and position operations. All
// balance changes go through the Applier.
type AccountService struct {
	accounts  AccountStore
	positions PositionStore
	ledger    LedgerStore
	execer    store.Execer
	applier   Applier
	accruer   PositionAccruer
	rates     config.Rates
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewAccountService(accounts AccountStore, positions PositionStore, ledger LedgerStore, execer store.Execer, applier Applier, accruer PositionAccruer, rates config.Rates, log logrus.FieldLogger) *AccountService {
	return &AccountService{
		accounts:  accounts,
		positions: positions,
		ledger:    ledger,
		execer:    execer,
		applier:   applier,
		accruer:   accruer,
		rates:     rates,
		log:       log,
		now:       time.Now,
	}
}

type RegisterRequest struct {
	AccountID    string
	ReferralCode string
}

// RegisterAccount creates the account for an identity issued by the session
// service. The referrer is resolved from its referral code.
func (s *AccountService) RegisterAccount(ctx context.Context, req RegisterRequest) (models.Account, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return models.Account{}, ErrAccountNotFound
	}
	if _, err := s.accounts.GetByID(ctx, req.AccountID); err == nil {
		return models.Account{}, ErrAccountExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, classify(err)
	}

	account := models.Account{ID: req.AccountID}
	if code := strings.TrimSpace(req.ReferralCode); code != "" {
		referrer, err := s.accounts.GetByReferralCode(ctx, code)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.Account{}, ErrUnknownReferralCode
			}
			return models.Account{}, classify(err)
		}
		if referrer.ID == req.AccountID {
			return models.Account{}, ErrUnknownReferralCode
		}
		account.ReferrerID = &referrer.ID
	}

	const attempts = 3
	for attempt := 1; ; attempt++ {
		account.ReferralCode = newReferralCode()
		err := s.accounts.Create(ctx, s.execer, account)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrUniqueViolation) && strings.Contains(err.Error(), "referral_code") && attempt < attempts {
			continue
		}
		if errors.Is(err, store.ErrUniqueViolation) {
			return models.Account{}, ErrAccountExists
		}
		return models.Account{}, classify(err)
	}
	s.log.WithFields(logrus.Fields{"account_id": account.ID, "referrer_id": account.ReferrerID}).Info("account registered")
	return s.Account(ctx, account.ID)
}

func (s *AccountService) Account(ctx context.Context, accountID string) (models.Account, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Account{}, ErrAccountNotFound
		}
		return models.Account{}, classify(err)
	}
	return account, nil
}

func (s *AccountService) Positions(ctx context.Context, accountID string) ([]models.Position, error) {
	if _, err := s.Account(ctx, accountID); err != nil {
		return nil, err
	}
	positions, err := s.positions.ListByAccount(ctx, accountID)
	return positions, classify(err)
}

func (s *AccountService) Ledger(ctx context.Context, accountID string, filter store.LedgerFilter) ([]models.LedgerEntry, error) {
	if _, err := s.Account(ctx, accountID); err != nil {
		return nil, err
	}
	entries, err := s.ledger.ListByAccount(ctx, accountID, filter)
	return entries, classify(err)
}

type ReferralLevel struct {
	Level     int                        `json:"level"`
	Referrals int                        `json:"referrals"`
	Rate      string                     `json:"rate"`
	Earned    map[models.Currency]string `json:"earned"`
}

type ReferralSummary struct {
	AccountID    string          `json:"account_id"`
	ReferralCode string          `json:"referral_code"`
	Total        int             `json:"total_referrals"`
	Levels       []ReferralLevel `json:"levels"`
}

// ReferralSummary reports referral counts and commission earned for each of
// the commission levels.
func (s *AccountService) ReferralSummary(ctx context.Context, accountID string) (ReferralSummary, error) {
	account, err := s.Account(ctx, accountID)
	if err != nil {
		return ReferralSummary{}, err
	}
	counts, err := s.accounts.ReferralLevelCounts(ctx, accountID, config.MaxCommissionLevels)
	if err != nil {
		return ReferralSummary{}, classify(err)
	}
	totals, err := s.ledger.CommissionByLevel(ctx, accountID)
	if err != nil {
		return ReferralSummary{}, classify(err)
	}

	summary := ReferralSummary{AccountID: accountID, ReferralCode: account.ReferralCode}
	summary.Levels = make([]ReferralLevel, config.MaxCommissionLevels)
	for i := range summary.Levels {
		level := i + 1
		rate, _ := s.rates.CommissionRate(level)
		summary.Levels[i] = ReferralLevel{
			Level: level,
			Rate:  rate.String(),
			Earned: map[models.Currency]string{
				models.CurrencyUNI: money.Format(decimal.Zero),
				models.CurrencyTON: money.Format(decimal.Zero),
			},
		}
	}
	for _, c := range counts {
		if c.Level < 1 || c.Level > config.MaxCommissionLevels {
			continue
		}
		summary.Levels[c.Level-1].Referrals = c.Count
		summary.Total += c.Count
	}
	for _, t := range totals {
		if t.Level < 1 || t.Level > config.MaxCommissionLevels {
			continue
		}
		summary.Levels[t.Level-1].Earned[t.Currency] = money.Format(t.Total)
	}
	return summary, nil
}

type WithdrawalRequest struct {
	AccountID     string
	Amount        decimal.Decimal
	Currency      models.Currency
	WalletAddress string
}

// RequestWithdrawal debits the balance. Sending the funds on-chain is done by
// the payout service that consumes the withdrawal entry.
func (s *AccountService) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (models.LedgerEntry, error) {
	if !req.Amount.IsPositive() {
		return models.LedgerEntry{}, ErrInvalidAmount
	}
	if err := validator.ValidateWallet(req.WalletAddress); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	entry, err := s.applier.Apply(ctx, Mutation{
		AccountID: req.AccountID,
		Delta:     req.Amount.Neg(),
		Currency:  req.Currency,
		Payload:   models.WithdrawalPayload{WalletAddress: strings.TrimSpace(req.WalletAddress)},
	})
	if err != nil {
		return models.LedgerEntry{}, err
	}
	s.log.WithFields(logrus.Fields{"account_id": req.AccountID, "entry_id": entry.ID, "amount": money.Format(req.Amount), "currency": req.Currency}).Info("withdrawal requested")
	return entry, nil
}

type AdjustmentRequest struct {
	AccountID        string
	Delta            decimal.Decimal
	Currency         models.Currency
	Reason           string
	ReferenceEntryID string
	ActorID          string
}

// Adjust books an operator correction. Confirmed entries are never edited; a
// correction is always a new adjustment entry.
func (s *AccountService) Adjust(ctx context.Context, req AdjustmentRequest) (models.LedgerEntry, error) {
	entry, err := s.applier.Apply(ctx, Mutation{
		AccountID: req.AccountID,
		Delta:     req.Delta,
		Currency:  req.Currency,
		Payload: models.AdjustmentPayload{
			Reason:           req.Reason,
			ReferenceEntryID: req.ReferenceEntryID,
			ActorID:          req.ActorID,
		},
	})
	if err != nil {
		return models.LedgerEntry{}, err
	}
	s.log.WithFields(logrus.Fields{
		"account_id": req.AccountID,
		"entry_id":   entry.ID,
		"delta":      money.Format(req.Delta),
		"currency":   req.Currency,
		"actor_id":   req.ActorID,
		"reason":     req.Reason,
	}).Warn("balance adjustment booked")
	return entry, nil
}

func newReferralCode() string {
	return "REF" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}
