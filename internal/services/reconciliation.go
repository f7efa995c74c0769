package services

import (
	"context"
	"fmt"
	"time"

	"rewards/internal/config"
	"rewards/internal/metrics"
	"rewards/internal/models"
	"rewards/internal/money"
	"rewards/internal/store"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type AnomalyKind string

const (
	AnomalyBalanceDrift         AnomalyKind = "balance_drift"
	AnomalyNegativeBalance      AnomalyKind = "negative_balance"
	AnomalyPositionYieldDrift   AnomalyKind = "position_yield_drift"
	AnomalyDustOverflow         AnomalyKind = "dust_overflow"
	AnomalyFutureAccrual        AnomalyKind = "future_accrual_timestamp"
	AnomalyAdvancedWithoutYield AnomalyKind = "advanced_without_yield"
)

type Anomaly struct {
	Kind       AnomalyKind     `json:"kind"`
	AccountID  string          `json:"account_id"`
	PositionID string          `json:"position_id,omitempty"`
	Currency   models.Currency `json:"currency,omitempty"`
	Expected   string          `json:"expected,omitempty"`
	Actual     string          `json:"actual,omitempty"`
	Detail     string          `json:"detail,omitempty"`
}

type ReconciliationReport struct {
	GeneratedAt      time.Time           `json:"generated_at"`
	AccountsChecked  int                 `json:"accounts_checked"`
	PositionsChecked int                 `json:"positions_checked"`
	Anomalies        []Anomaly           `json:"anomalies"`
	Counts           map[AnomalyKind]int `json:"counts"`
}

func (r ReconciliationReport) Clean() bool {
	return len(r.Anomalies) == 0
}

// Auditor compares cached balances and position checkpoints with the ledger.
// It only reports; nothing here writes.
type Auditor struct {
	audit    AuditStore
	rates    config.Rates
	log      logrus.FieldLogger
	pageSize int
	skew     time.Duration
}

func NewAuditor(audit AuditStore, rates config.Rates, log logrus.FieldLogger) *Auditor {
	return &Auditor{
		audit:    audit,
		rates:    rates,
		log:      log,
		pageSize: 500,
		skew:     time.Minute,
	}
}

func (a *Auditor) Audit(ctx context.Context, now time.Time) (ReconciliationReport, error) {
	report := ReconciliationReport{
		GeneratedAt: now.UTC(),
		Anomalies:   []Anomaly{},
		Counts:      map[AnomalyKind]int{},
	}
	if err := a.auditBalances(ctx, &report); err != nil {
		return report, err
	}
	if err := a.auditPositions(ctx, now, &report); err != nil {
		return report, err
	}

	counts := make(map[string]int, len(report.Counts))
	for _, anomaly := range report.Anomalies {
		a.log.WithFields(logrus.Fields{
			"anomaly":     anomaly.Kind,
			"account_id":  anomaly.AccountID,
			"position_id": anomaly.PositionID,
			"currency":    anomaly.Currency,
			"expected":    anomaly.Expected,
			"actual":      anomaly.Actual,
		}).Warn("reconciliation anomaly")
	}
	for kind, n := range report.Counts {
		counts[string(kind)] = n
	}
	metrics.SetAnomalies(counts)
	return report, nil
}

func (a *Auditor) auditBalances(ctx context.Context, report *ReconciliationReport) error {
	afterID := ""
	for {
		rows, err := a.audit.BalanceChecks(ctx, afterID, a.pageSize)
		if err != nil {
			return fmt.Errorf("balance checks: %w", classify(err))
		}
		if len(rows) == 0 {
			return nil
		}
		accounts := 0
		for _, row := range rows {
			if row.AccountID != afterID {
				accounts++
				afterID = row.AccountID
			}
			if row.Cached.IsNegative() {
				report.add(Anomaly{
					Kind:      AnomalyNegativeBalance,
					AccountID: row.AccountID,
					Currency:  row.Currency,
					Actual:    money.Format(row.Cached),
				})
			}
			if !row.Cached.Equal(row.Ledger) {
				report.add(Anomaly{
					Kind:      AnomalyBalanceDrift,
					AccountID: row.AccountID,
					Currency:  row.Currency,
					Expected:  money.Format(row.Ledger),
					Actual:    money.Format(row.Cached),
					Detail:    "cached balance differs from confirmed ledger sum",
				})
			}
		}
		report.AccountsChecked += accounts
		if accounts < a.pageSize {
			return nil
		}
	}
}

func (a *Auditor) auditPositions(ctx context.Context, now time.Time, report *ReconciliationReport) error {
	afterID := ""
	for {
		rows, err := a.audit.PositionChecks(ctx, afterID, a.pageSize)
		if err != nil {
			return fmt.Errorf("position checks: %w", classify(err))
		}
		for _, row := range rows {
			report.PositionsChecked++
			a.checkPosition(row, now, report)
		}
		if len(rows) < a.pageSize {
			return nil
		}
		afterID = rows[len(rows)-1].ID
	}
}

func (a *Auditor) checkPosition(row store.PositionCheck, now time.Time, report *ReconciliationReport) {
	base := Anomaly{AccountID: row.AccountID, PositionID: row.ID, Currency: row.Currency}
	threshold := a.rates.DustThreshold(row.Currency)

	if !row.AccruedTotal.Equal(row.YieldTotal) {
		anomaly := base
		anomaly.Kind = AnomalyPositionYieldDrift
		anomaly.Expected = money.Format(row.YieldTotal)
		anomaly.Actual = money.Format(row.AccruedTotal)
		report.add(anomaly)
	}
	if threshold.IsPositive() && row.PendingYield.GreaterThanOrEqual(threshold) {
		anomaly := base
		anomaly.Kind = AnomalyDustOverflow
		anomaly.Expected = "< " + threshold.String()
		anomaly.Actual = row.PendingYield.String()
		report.add(anomaly)
	}
	if row.LastAccrualAt.After(now.Add(a.skew)) {
		anomaly := base
		anomaly.Kind = AnomalyFutureAccrual
		anomaly.Detail = "last accrual " + row.LastAccrualAt.UTC().Format(time.RFC3339)
		report.add(anomaly)
	}

	// Since the last credited window (or the last deposit change), everything
	// accrued must still be sitting in pending_yield. An implied yield well
	// above it means the checkpoint moved without a credit.
	start := row.CreatedAt
	if row.LastYieldThrough != nil && row.LastYieldThrough.After(start) {
		start = *row.LastYieldThrough
	}
	if row.LastMovementAt != nil && row.LastMovementAt.After(start) {
		start = *row.LastMovementAt
	}
	if !row.LastAccrualAt.After(start) {
		return
	}
	implied := Yield(row.DepositAmount, row.Rate, row.LastAccrualAt.Sub(start))
	allowance := row.PendingYield.Add(threshold).Add(decimal.New(1, -money.Scale))
	if implied.GreaterThan(allowance) {
		anomaly := base
		anomaly.Kind = AnomalyAdvancedWithoutYield
		anomaly.Expected = money.Format(implied)
		anomaly.Actual = row.PendingYield.String()
		anomaly.Detail = fmt.Sprintf("checkpoint advanced from %s to %s without a matching yield entry",
			start.UTC().Format(time.RFC3339), row.LastAccrualAt.UTC().Format(time.RFC3339))
		report.add(anomaly)
	}
}

func (r *ReconciliationReport) add(anomaly Anomaly) {
	r.Anomalies = append(r.Anomalies, anomaly)
	r.Counts[anomaly.Kind]++
}
