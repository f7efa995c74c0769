package store

import (
	"context"
	"fmt"

	"rewards/internal/models"

	"github.com/shopspring/decimal"
)

type AccountStore struct {
	db DB
}

// Ancestor is one hop of a referral chain. Level 1 is the direct referrer.
type Ancestor struct {
	AccountID string `db:"account_id"`
	Level     int    `db:"level"`
}

type LevelCount struct {
	Level int `db:"level"`
	Count int `db:"count"`
}

func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{db: db}
}

const accountColumns = `id, balance_uni, balance_ton, referrer_id, referral_code, version, created_at, updated_at`

func (s *AccountStore) Create(ctx context.Context, tx Execer, account models.Account) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, balance_uni, balance_ton, referrer_id, referral_code)
		VALUES ($1, 0, 0, $2, $3)
	`, account.ID, account.ReferrerID, account.ReferralCode)
	return translate(err)
}

func (s *AccountStore) GetByID(ctx context.Context, accountID string) (models.Account, error) {
	var row models.Account
	err := s.db.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, accountID)
	if err != nil {
		return models.Account{}, err
	}
	return row, nil
}

func (s *AccountStore) GetByReferralCode(ctx context.Context, code string) (models.Account, error) {
	var row models.Account
	err := s.db.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE referral_code = $1
	`, code)
	if err != nil {
		return models.Account{}, err
	}
	return row, nil
}

func (s *AccountStore) GetForUpdate(ctx context.Context, tx Getter, accountID string) (models.Account, error) {
	var row models.Account
	err := tx.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID)
	if err != nil {
		return models.Account{}, err
	}
	return row, nil
}

// UpdateBalance writes the new balance for one currency iff the row still has
// expectedVersion, and bumps the version.
func (s *AccountStore) UpdateBalance(ctx context.Context, tx Execer, accountID string, currency models.Currency, balance decimal.Decimal, expectedVersion int64) error {
	column, err := balanceColumn(currency)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET `+column+` = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
	`, balance, accountID, expectedVersion)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// Ancestors walks the referrer chain of accountID up to maxDepth levels. The
// walk stops after the first repeated account so a corrupted cyclic chain
// returns the repeated id once instead of looping.
func (s *AccountStore) Ancestors(ctx context.Context, accountID string, maxDepth int) ([]Ancestor, error) {
	var rows []Ancestor
	err := s.db.SelectContext(ctx, &rows, `
		WITH RECURSIVE chain (account_id, level, path) AS (
			SELECT a.referrer_id, 1, ARRAY[a.id]
			FROM accounts a
			WHERE a.id = $1 AND a.referrer_id IS NOT NULL
			UNION ALL
			SELECT a.referrer_id, c.level + 1, c.path || a.id
			FROM chain c
			JOIN accounts a ON a.id = c.account_id
			WHERE a.referrer_id IS NOT NULL
			  AND c.level < $2
			  AND NOT a.id = ANY(c.path)
		)
		SELECT account_id, level
		FROM chain
		ORDER BY level
	`, accountID, maxDepth)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ReferralLevelCounts counts referred accounts per level below accountID.
func (s *AccountStore) ReferralLevelCounts(ctx context.Context, accountID string, maxDepth int) ([]LevelCount, error) {
	var rows []LevelCount
	err := s.db.SelectContext(ctx, &rows, `
		WITH RECURSIVE tree (id, level, path) AS (
			SELECT a.id, 1, ARRAY[$1::text, a.id]
			FROM accounts a
			WHERE a.referrer_id = $1
			UNION ALL
			SELECT a.id, t.level + 1, t.path || a.id
			FROM tree t
			JOIN accounts a ON a.referrer_id = t.id
			WHERE t.level < $2
			  AND NOT a.id = ANY(t.path)
		)
		SELECT level, COUNT(*) AS count
		FROM tree
		GROUP BY level
		ORDER BY level
	`, accountID, maxDepth)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func balanceColumn(currency models.Currency) (string, error) {
	switch currency {
	case models.CurrencyUNI:
		return "balance_uni", nil
	case models.CurrencyTON:
		return "balance_ton", nil
	default:
		return "", fmt.Errorf("unknown currency %q", currency)
	}
}
