package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rewards/internal/config"
	"rewards/internal/metrics"
	"rewards/internal/models"
	"rewards/internal/money"
	"rewards/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type LevelOutcome struct {
	Level     int             `json:"level"`
	AccountID string          `json:"account_id"`
	Rate      decimal.Decimal `json:"rate"`
	Amount    decimal.Decimal `json:"amount"`
	EntryID   string          `json:"entry_id,omitempty"`
	Skipped   string          `json:"skipped,omitempty"`
	Err       error           `json:"-"`
}

type CascadeReport struct {
	SourceAccountID string         `json:"source_account_id"`
	Levels          []LevelOutcome `json:"levels"`
	Cycle           bool           `json:"cycle,omitempty"`
}

func (r CascadeReport) Paid() int {
	n := 0
	for _, level := range r.Levels {
		if level.EntryID != "" && level.Err == nil {
			n++
		}
	}
	return n
}

func (r CascadeReport) Failed() int {
	n := 0
	for _, level := range r.Levels {
		if level.Err != nil {
			n++
		}
	}
	return n
}

// Cascade pays referral commission up to config.MaxCommissionLevels ancestors.
// Each payout is a separate settlement, so at most one account lock is held at
// any time and a failed level does not stop the levels above it.
type Cascade struct {
	accounts AccountStore
	ledger   LedgerStore
	execer   store.Execer
	applier  Applier
	rates    config.Rates
	log      logrus.FieldLogger
	timeout  time.Duration
}

func NewCascade(accounts AccountStore, ledger LedgerStore, execer store.Execer, applier Applier, rates config.Rates, log logrus.FieldLogger, timeout time.Duration) *Cascade {
	return &Cascade{
		accounts: accounts,
		ledger:   ledger,
		execer:   execer,
		applier:  applier,
		rates:    rates,
		log:      log,
		timeout:  timeout,
	}
}

func (c *Cascade) Distribute(ctx context.Context, sourceAccountID string, base decimal.Decimal, currency models.Currency, originEntryID string) (CascadeReport, error) {
	report := CascadeReport{SourceAccountID: sourceAccountID}
	if !base.IsPositive() {
		return report, nil
	}
	ancestors, err := c.ancestors(ctx, sourceAccountID)
	if err != nil {
		return report, fmt.Errorf("load referral chain: %w", classify(err))
	}

	visited := map[string]struct{}{sourceAccountID: {}}
	for _, ancestor := range ancestors {
		if ancestor.Level > config.MaxCommissionLevels {
			break
		}
		if _, seen := visited[ancestor.AccountID]; seen {
			report.Cycle = true
			c.log.WithFields(logrus.Fields{
				"anomaly":           "referral_cycle",
				"source_account_id": sourceAccountID,
				"account_id":        ancestor.AccountID,
				"level":             ancestor.Level,
			}).Warn("referral chain revisits an account; stopping cascade")
			break
		}
		visited[ancestor.AccountID] = struct{}{}
		report.Levels = append(report.Levels, c.payLevel(ctx, ancestor, sourceAccountID, base, currency, originEntryID))
	}
	return report, nil
}

func (c *Cascade) ancestors(ctx context.Context, accountID string) ([]store.Ancestor, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.accounts.Ancestors(ctx, accountID, config.MaxCommissionLevels)
}

func (c *Cascade) payLevel(ctx context.Context, ancestor store.Ancestor, sourceAccountID string, base decimal.Decimal, currency models.Currency, originEntryID string) LevelOutcome {
	outcome := LevelOutcome{Level: ancestor.Level, AccountID: ancestor.AccountID}
	rate, ok := c.rates.CommissionRate(ancestor.Level)
	if !ok {
		c.log.WithFields(logrus.Fields{"level": ancestor.Level, "error": ErrConfiguration}).Error("commission rate missing; paying zero")
		outcome.Skipped = "missing_rate"
		metrics.RecordCommission("skipped")
		return outcome
	}
	outcome.Rate = rate
	if !rate.IsPositive() {
		outcome.Skipped = "zero_rate"
		metrics.RecordCommission("skipped")
		return outcome
	}
	amount, _ := money.Truncate(base.Mul(rate))
	outcome.Amount = amount
	if !amount.IsPositive() {
		outcome.Skipped = "below_scale"
		metrics.RecordCommission("skipped")
		return outcome
	}

	payload := models.CommissionPayload{
		SourceAccountID: sourceAccountID,
		Level:           ancestor.Level,
		Rate:            rate,
		OriginEntryID:   originEntryID,
	}
	entry, err := c.applier.Apply(ctx, Mutation{
		AccountID: ancestor.AccountID,
		Delta:     amount,
		Currency:  currency,
		Payload:   payload,
	})
	if err != nil {
		outcome.Err = err
		metrics.RecordCommission("failed")
		c.log.WithFields(logrus.Fields{
			"level":             ancestor.Level,
			"account_id":        ancestor.AccountID,
			"source_account_id": sourceAccountID,
			"amount":            money.Format(amount),
			"error":             err,
		}).Error("commission payout failed")
		outcome.EntryID = c.recordFailed(ancestor.AccountID, amount, currency, payload, err)
		return outcome
	}
	outcome.EntryID = entry.ID
	metrics.RecordCommission("paid")
	return outcome
}

// recordFailed leaves a failed commission entry for operator retry. It is
// best effort; the payout failure has already been logged.
func (c *Cascade) recordFailed(accountID string, amount decimal.Decimal, currency models.Currency, payload models.CommissionPayload, cause error) string {
	if errors.Is(cause, ErrAccountNotFound) {
		return ""
	}
	metadata, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	reason := cause.Error()
	level := payload.Level
	source := payload.SourceAccountID
	entry := models.LedgerEntry{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		Type:            models.EntryCommission,
		Amount:          amount,
		Currency:        currency,
		SourceAccountID: &source,
		Level:           &level,
		Status:          models.StatusFailed,
		Metadata:        types.JSONText(metadata),
		Error:           &reason,
	}
	timeout := c.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ledger.Insert(ctx, c.execer, entry); err != nil {
		c.log.WithFields(logrus.Fields{"account_id": accountID, "level": level, "error": err}).Error("failed to record failed commission entry")
		return ""
	}
	return entry.ID
}
