package store

import (
	"context"
	"time"

	"rewards/internal/models"

	"github.com/shopspring/decimal"
)

// AuditStore holds the read-only queries of the reconciliation auditor.
type AuditStore struct {
	db DB
}

type BalanceCheck struct {
	AccountID string          `db:"account_id"`
	Currency  models.Currency `db:"currency"`
	Cached    decimal.Decimal `db:"cached"`
	Ledger    decimal.Decimal `db:"ledger"`
}

type PositionCheck struct {
	ID               string              `db:"id"`
	AccountID        string              `db:"account_id"`
	Kind             models.PositionKind `db:"kind"`
	Currency         models.Currency     `db:"currency"`
	DepositAmount    decimal.Decimal     `db:"deposit_amount"`
	Rate             decimal.Decimal     `db:"rate"`
	LastAccrualAt    time.Time           `db:"last_accrual_at"`
	PendingYield     decimal.Decimal     `db:"pending_yield"`
	AccruedTotal     decimal.Decimal     `db:"accrued_total"`
	Active           bool                `db:"active"`
	CreatedAt        time.Time           `db:"created_at"`
	YieldTotal       decimal.Decimal     `db:"yield_total"`
	LastYieldThrough *time.Time          `db:"last_yield_through"`
	LastMovementAt   *time.Time          `db:"last_movement_at"`
}

func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

// BalanceChecks returns one row per account and currency for a page of
// accounts ordered by id, starting after afterID.
func (s *AuditStore) BalanceChecks(ctx context.Context, afterID string, limit int) ([]BalanceCheck, error) {
	var rows []BalanceCheck
	err := s.db.SelectContext(ctx, &rows, `
		WITH page AS (
			SELECT id, balance_uni, balance_ton
			FROM accounts
			WHERE id > $1
			ORDER BY id
			LIMIT $2
		)
		SELECT p.id AS account_id,
		       c.currency,
		       CASE WHEN c.currency = 'UNI' THEN p.balance_uni ELSE p.balance_ton END AS cached,
		       COALESCE(SUM(l.amount), 0) AS ledger
		FROM page p
		CROSS JOIN (VALUES ('UNI'), ('TON')) AS c (currency)
		LEFT JOIN ledger_entries l
		       ON l.account_id = p.id AND l.currency = c.currency AND l.status = 'confirmed'
		GROUP BY p.id, c.currency, p.balance_uni, p.balance_ton
		ORDER BY p.id, c.currency
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// PositionChecks returns positions with their confirmed yield totals, the end
// of the last credited accrual window and the last deposit movement.
func (s *AuditStore) PositionChecks(ctx context.Context, afterID string, limit int) ([]PositionCheck, error) {
	var rows []PositionCheck
	err := s.db.SelectContext(ctx, &rows, `
		SELECT p.id, p.account_id, p.kind, p.currency, p.deposit_amount, p.rate, p.last_accrual_at,
		       p.pending_yield, p.accrued_total, p.active, p.created_at,
		       COALESCE(SUM(l.amount) FILTER (WHERE l.type IN ('farming_yield', 'boost_yield')), 0) AS yield_total,
		       MAX((l.metadata->>'accrued_through')::timestamptz) FILTER (WHERE l.type IN ('farming_yield', 'boost_yield')) AS last_yield_through,
		       MAX(l.confirmed_at) FILTER (WHERE l.type IN ('farming_deposit', 'farming_withdrawal', 'boost_purchase')) AS last_movement_at
		FROM positions p
		LEFT JOIN ledger_entries l ON l.position_id = p.id AND l.status = 'confirmed'
		WHERE p.id > $1
		GROUP BY p.id
		ORDER BY p.id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
