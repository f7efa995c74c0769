package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rewards/internal/config"
	"rewards/internal/db"
	"rewards/internal/metrics"
	"rewards/internal/models"
	"rewards/internal/money"
	"rewards/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var microsPerDay = decimal.NewFromInt(int64(24 * time.Hour / time.Microsecond))

type AccrualResult string

const (
	AccrualCredited AccrualResult = "credited"
	AccrualCarried  AccrualResult = "carried"
	AccrualSkipped  AccrualResult = "skipped"
	AccrualFailed   AccrualResult = "failed"
)

type AccrualReport struct {
	StartedAt       time.Time                           `json:"started_at"`
	FinishedAt      time.Time                           `json:"finished_at"`
	Positions       int                                 `json:"positions"`
	Credited        int                                 `json:"credited"`
	Carried         int                                 `json:"carried"`
	Skipped         int                                 `json:"skipped"`
	Failed          int                                 `json:"failed"`
	TotalByCurrency map[models.Currency]decimal.Decimal `json:"total_by_currency"`
}

// Yield is the accrual of deposit at a per-day rate over elapsed. Negative
// elapsed counts as zero.
func Yield(deposit, rate decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 {
		return decimal.Zero
	}
	micros := decimal.NewFromInt(elapsed.Microseconds())
	return deposit.Mul(rate).Mul(micros).DivRound(microsPerDay, money.YieldPrecision)
}

// Accrual credits farming and boost yield. A position's checkpoint moves in the
// same transaction as its credit, so an interrupted run can simply be run
// again.
type Accrual struct {
	positions   PositionStore
	applier     Applier
	txRunner    db.TxRunner
	rates       config.Rates
	log         logrus.FieldLogger
	concurrency int
	pageSize    int
	timeout     time.Duration
}

func NewAccrual(positions PositionStore, applier Applier, txRunner db.TxRunner, rates config.Rates, log logrus.FieldLogger, concurrency int, timeout time.Duration) *Accrual {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Accrual{
		positions:   positions,
		applier:     applier,
		txRunner:    txRunner,
		rates:       rates,
		log:         log,
		concurrency: concurrency,
		pageSize:    500,
		timeout:     timeout,
	}
}

// RunOnce accrues every active position up to now. Per-position failures are
// counted, never returned; the error is set only when listing failed or ctx
// was cancelled, in which case unvisited positions are left for the next run.
func (a *Accrual) RunOnce(ctx context.Context, now time.Time) (AccrualReport, error) {
	now = now.UTC().Truncate(time.Microsecond)
	report := AccrualReport{
		StartedAt:       time.Now().UTC(),
		TotalByCurrency: map[models.Currency]decimal.Decimal{},
	}
	var mu sync.Mutex
	record := func(p models.Position, result AccrualResult, amount decimal.Decimal) {
		mu.Lock()
		defer mu.Unlock()
		report.Positions++
		switch result {
		case AccrualCredited:
			report.Credited++
			report.TotalByCurrency[p.Currency] = report.TotalByCurrency[p.Currency].Add(amount)
		case AccrualCarried:
			report.Carried++
		case AccrualSkipped:
			report.Skipped++
		case AccrualFailed:
			report.Failed++
		}
		metrics.RecordAccrual(string(p.Kind), string(result))
	}

	var runErr error
	afterID := ""
	for {
		page, err := a.listPage(ctx, afterID)
		if err != nil {
			runErr = fmt.Errorf("list active positions: %w", classify(err))
			break
		}
		if len(page) == 0 {
			break
		}
		var g errgroup.Group
		g.SetLimit(a.concurrency)
		for _, position := range page {
			if ctx.Err() != nil {
				break
			}
			position := position
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				result, amount, err := a.AccruePosition(ctx, position, now)
				if err != nil {
					a.log.WithFields(logrus.Fields{
						"position_id": position.ID,
						"account_id":  position.AccountID,
						"kind":        position.Kind,
						"error":       err,
					}).Error("accrual failed; continuing batch")
				}
				record(position, result, amount)
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
		afterID = page[len(page)-1].ID
		if len(page) < a.pageSize {
			break
		}
	}
	report.FinishedAt = time.Now().UTC()
	return report, runErr
}

// AccruePosition settles the yield of one position up to now. Yield below the
// currency's dust threshold is carried on the position instead of credited.
func (a *Accrual) AccruePosition(ctx context.Context, p models.Position, now time.Time) (AccrualResult, decimal.Decimal, error) {
	now = now.UTC().Truncate(time.Microsecond)
	through := now
	expiring := false
	if p.ExpiresAt != nil && !through.Before(*p.ExpiresAt) {
		through = p.ExpiresAt.UTC().Truncate(time.Microsecond)
		expiring = true
	}
	if through.Before(p.LastAccrualAt) {
		// clock skew or an out-of-order tick: never accrue backwards
		through = p.LastAccrualAt
	}

	threshold := a.rates.DustThreshold(p.Currency)
	if !through.After(p.LastAccrualAt) && !expiring && p.PendingYield.LessThan(threshold) {
		return AccrualSkipped, decimal.Zero, nil
	}
	raw := Yield(p.DepositAmount, p.Rate, through.Sub(p.LastAccrualAt)).Add(p.PendingYield)

	amount, remainder := money.Truncate(raw)
	if raw.LessThan(threshold) || !amount.IsPositive() {
		if err := a.carry(ctx, p, through, raw, expiring); err != nil {
			if errors.Is(err, ErrStaleAccrual) {
				return AccrualSkipped, decimal.Zero, nil
			}
			return AccrualFailed, decimal.Zero, err
		}
		return AccrualCarried, decimal.Zero, nil
	}

	_, err := a.applier.Apply(ctx, Mutation{
		AccountID: p.AccountID,
		Delta:     amount,
		Currency:  p.Currency,
		Payload: models.YieldPayload{
			Kind:                p.Kind,
			PositionID:          p.ID,
			PackageID:           p.PackageID,
			Rate:                p.Rate,
			ExpectedLastAccrual: p.LastAccrualAt,
			ExpectedPending:     p.PendingYield,
			AccruedThrough:      through,
			Remainder:           remainder,
			Deactivate:          expiring,
		},
	})
	if err != nil {
		if errors.Is(err, ErrStaleAccrual) {
			return AccrualSkipped, decimal.Zero, nil
		}
		return AccrualFailed, decimal.Zero, err
	}
	return AccrualCredited, amount, nil
}

func (a *Accrual) carry(ctx context.Context, p models.Position, through time.Time, pending decimal.Decimal, expiring bool) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	err := a.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := a.positions.Carry(ctx, tx, p.ID, p.LastAccrualAt, through, pending); err != nil {
			return err
		}
		if expiring {
			return a.positions.Deactivate(ctx, tx, p.ID, models.PositionExpired)
		}
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return ErrStaleAccrual
	}
	return classify(err)
}

func (a *Accrual) listPage(ctx context.Context, afterID string) ([]models.Position, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	return a.positions.ListActive(ctx, afterID, a.pageSize)
}
