package services

import (
	"context"
	"testing"
	"time"

	"rewards/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYield(t *testing.T) {
	deposit := dec("1000")
	rate := dec("0.01")

	requireAmount(t, "10", Yield(deposit, rate, 24*time.Hour))
	requireAmount(t, "5", Yield(deposit, rate, 12*time.Hour))
	requireAmount(t, "0", Yield(deposit, rate, 0))
	requireAmount(t, "0", Yield(deposit, rate, -time.Hour))
	assert.True(t, Yield(deposit, rate, time.Second).IsPositive())
}

// farm opens a farming position for a fresh account funded with amount UNI.
func (e *engine) farm(t *testing.T, accountID, referrerID, amount, hash string) models.Position {
	t.Helper()
	e.register(t, accountID, referrerID)
	e.deposit(t, accountID, amount, models.CurrencyUNI, hash)
	change, err := e.service.DepositFarming(context.Background(), accountID, dec(amount))
	require.NoError(t, err)
	require.NotNil(t, change.Position)
	return *change.Position
}

func TestAccrualCreditsYieldAndCommission(t *testing.T) {
	e := newEngine(t)
	e.register(t, "acc-a", "")
	e.farm(t, "acc-b", "acc-a", "1000", hashH1)
	requireAmount(t, "0", e.balance(t, "acc-b", models.CurrencyUNI))

	now := e.clock.Advance(24 * time.Hour)
	report, err := e.accrual.RunOnce(context.Background(), now)
	require.NoError(t, err)
	e.settlement.Wait()

	assert.Equal(t, 1, report.Positions)
	assert.Equal(t, 1, report.Credited)
	requireAmount(t, "10", report.TotalByCurrency[models.CurrencyUNI])
	requireAmount(t, "10", e.balance(t, "acc-b", models.CurrencyUNI))
	requireAmount(t, "10", e.balance(t, "acc-a", models.CurrencyUNI))

	commission, err := e.service.Ledger(context.Background(), "acc-a", storeFilter(models.EntryCommission))
	require.NoError(t, err)
	require.Len(t, commission, 1)
	require.NotNil(t, commission[0].Level)
	assert.Equal(t, 1, *commission[0].Level)
	assert.Equal(t, "acc-b", *commission[0].SourceAccountID)

	audit, err := e.auditor.Audit(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, audit.Clean(), "anomalies: %+v", audit.Anomalies)
}

func TestAccrualRerunIsIdempotent(t *testing.T) {
	e := newEngine(t)
	e.farm(t, "acc-b", "", "1000", hashH1)
	before, err := memPositions{s: e.state}.GetActive(context.Background(), "acc-b", models.PositionFarming)
	require.NoError(t, err)

	now := e.clock.Advance(24 * time.Hour)
	_, err = e.accrual.RunOnce(context.Background(), now)
	require.NoError(t, err)
	report, err := e.accrual.RunOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)

	// a worker still holding the pre-run snapshot must not credit again
	result, amount, err := e.accrual.AccruePosition(context.Background(), before, now)
	require.NoError(t, err)
	assert.Equal(t, AccrualSkipped, result)
	assert.True(t, amount.IsZero())

	e.settlement.Wait()
	requireAmount(t, "10", e.balance(t, "acc-b", models.CurrencyUNI))
}

func TestAccrualTickSizeDoesNotChangeTotal(t *testing.T) {
	total := func(tick time.Duration) decimal.Decimal {
		e := newEngine(t)
		e.farm(t, "acc-b", "", "1000", hashH1)
		for elapsed := time.Duration(0); elapsed < 24*time.Hour; elapsed += tick {
			_, err := e.accrual.RunOnce(context.Background(), e.clock.Advance(tick))
			require.NoError(t, err)
		}
		e.settlement.Wait()
		position, err := memPositions{s: e.state}.GetActive(context.Background(), "acc-b", models.PositionFarming)
		require.NoError(t, err)
		credited := e.balance(t, "acc-b", models.CurrencyUNI)
		requireAmount(t, credited.String(), position.AccruedTotal)
		return credited.Add(position.PendingYield)
	}

	tolerance := dec("0.000000000001")
	for _, tick := range []time.Duration{time.Minute, 5 * time.Minute, 24 * time.Hour} {
		got := total(tick)
		assert.Truef(t, got.Sub(dec("10")).Abs().LessThan(tolerance), "tick %s accrued %s", tick, got)
	}
}

func TestAccrualCarriesDust(t *testing.T) {
	e := newEngine(t)
	e.farm(t, "acc-b", "", "1", hashH1)

	now := e.clock.Advance(time.Second)
	report, err := e.accrual.RunOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Carried)

	position, err := memPositions{s: e.state}.GetActive(context.Background(), "acc-b", models.PositionFarming)
	require.NoError(t, err)
	assert.True(t, position.LastAccrualAt.Equal(now))
	requireAmount(t, Yield(dec("1"), dec("0.01"), time.Second).String(), position.PendingYield)
	requireAmount(t, "0", e.balance(t, "acc-b", models.CurrencyUNI))

	// carried dust is credited once the position accrues past the threshold
	now = e.clock.Advance(24*time.Hour - time.Second)
	_, err = e.accrual.RunOnce(context.Background(), now)
	require.NoError(t, err)
	e.settlement.Wait()
	requireAmount(t, "0.01", e.balance(t, "acc-b", models.CurrencyUNI))
}

func TestAccrualStopsAtBoostExpiry(t *testing.T) {
	e := newEngine(t)
	e.register(t, "acc-b", "")
	e.deposit(t, "acc-b", "100", models.CurrencyTON, hashH1)
	change, err := e.service.PurchaseBoost(context.Background(), "acc-b", 1, dec("100"))
	require.NoError(t, err)
	require.NotNil(t, change.Position)
	require.NotNil(t, change.Position.ExpiresAt)

	now := e.clock.Advance(400 * 24 * time.Hour)
	report, err := e.accrual.RunOnce(context.Background(), now)
	require.NoError(t, err)
	e.settlement.Wait()
	assert.Equal(t, 1, report.Credited)

	requireAmount(t, "365", e.balance(t, "acc-b", models.CurrencyTON))
	positions, err := e.service.Positions(context.Background(), "acc-b")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.False(t, positions[0].Active)
	assert.Equal(t, models.PositionExpired, positions[0].Status)
	assert.True(t, positions[0].LastAccrualAt.Equal(*change.Position.ExpiresAt))

	report, err = e.accrual.RunOnce(context.Background(), e.clock.Advance(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Positions)
}

func TestAccrualStopsOnCancelledContext(t *testing.T) {
	e := newEngine(t)
	e.farm(t, "acc-b", "", "1000", hashH1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.accrual.RunOnce(ctx, e.clock.Advance(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
	requireAmount(t, "0", e.balance(t, "acc-b", models.CurrencyUNI))
}

func TestAccruePositionFlushesPendingWithoutElapsedTime(t *testing.T) {
	e := newEngine(t)
	position := e.farm(t, "acc-b", "", "1000", hashH1)

	e.state.mu.Lock()
	stored := e.state.positions[position.ID]
	stored.PendingYield = dec("0.5")
	e.state.positions[position.ID] = stored
	e.state.mu.Unlock()

	result, amount, err := e.accrual.AccruePosition(context.Background(), stored, stored.LastAccrualAt)
	require.NoError(t, err)
	assert.Equal(t, AccrualCredited, result)
	requireAmount(t, "0.5", amount)
	requireAmount(t, "0.5", e.balance(t, "acc-b", models.CurrencyUNI))

	after, err := memPositions{s: e.state}.Get(position.ID)
	require.NoError(t, err)
	assert.True(t, after.PendingYield.IsZero())
	assert.True(t, after.LastAccrualAt.Equal(stored.LastAccrualAt))

	result, _, err = e.accrual.AccruePosition(context.Background(), after, after.LastAccrualAt)
	require.NoError(t, err)
	assert.Equal(t, AccrualSkipped, result)

	// replaying the snapshot the flush was computed from must not pay twice
	result, _, err = e.accrual.AccruePosition(context.Background(), stored, stored.LastAccrualAt)
	require.NoError(t, err)
	assert.Equal(t, AccrualSkipped, result)
	requireAmount(t, "0.5", e.balance(t, "acc-b", models.CurrencyUNI))
}
