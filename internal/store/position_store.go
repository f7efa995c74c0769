package store

import (
	"context"
	"time"

	"rewards/internal/models"

	"github.com/shopspring/decimal"
)

type PositionStore struct {
	db DB
}

func NewPositionStore(db DB) *PositionStore {
	return &PositionStore{db: db}
}

const positionColumns = `id, account_id, kind, currency, package_id, deposit_amount, rate, last_accrual_at,
		       pending_yield, accrued_total, active, status, replaced_by, expires_at, created_at, updated_at`

func (s *PositionStore) Create(ctx context.Context, tx Execer, p models.Position) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (id, account_id, kind, currency, package_id, deposit_amount, rate, last_accrual_at, pending_yield, active, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, 'active', $10)
	`, p.ID, p.AccountID, p.Kind, p.Currency, p.PackageID, p.DepositAmount, p.Rate, p.LastAccrualAt, p.PendingYield, p.ExpiresAt)
	return translate(err)
}

func (s *PositionStore) Get(ctx context.Context, positionID string) (models.Position, error) {
	var row models.Position
	err := s.db.GetContext(ctx, &row, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE id = $1
	`, positionID)
	if err != nil {
		return models.Position{}, err
	}
	return row, nil
}

func (s *PositionStore) GetForUpdate(ctx context.Context, tx Getter, positionID string) (models.Position, error) {
	var row models.Position
	err := tx.GetContext(ctx, &row, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE id = $1
		FOR UPDATE
	`, positionID)
	if err != nil {
		return models.Position{}, err
	}
	return row, nil
}

// GetActive returns the active position of kind for the account or
// sql.ErrNoRows.
func (s *PositionStore) GetActive(ctx context.Context, accountID string, kind models.PositionKind) (models.Position, error) {
	var row models.Position
	err := s.db.GetContext(ctx, &row, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE account_id = $1 AND kind = $2 AND active
	`, accountID, kind)
	if err != nil {
		return models.Position{}, err
	}
	return row, nil
}

func (s *PositionStore) ListByAccount(ctx context.Context, accountID string) ([]models.Position, error) {
	var rows []models.Position
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE account_id = $1
		ORDER BY active DESC, created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListActive pages through active positions ordered by id, starting after
// afterID.
func (s *PositionStore) ListActive(ctx context.Context, afterID string, limit int) ([]models.Position, error) {
	var rows []models.Position
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE active AND id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Advance moves the accrual checkpoint after a confirmed yield credit. It only
// matches while last_accrual_at still equals expected, so a replayed or
// concurrent run affects nothing and gets ErrConflict.
func (s *PositionStore) Advance(ctx context.Context, tx Execer, positionID string, expected, through time.Time, pending, credited decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE positions
		SET last_accrual_at = $3,
		    pending_yield = $4,
		    accrued_total = accrued_total + $5,
		    updated_at = NOW()
		WHERE id = $1 AND active AND last_accrual_at = $2
	`, positionID, expected, through, pending, credited)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// Carry stores a sub-threshold yield on the position without a credit.
func (s *PositionStore) Carry(ctx context.Context, tx Execer, positionID string, expected, through time.Time, pending decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE positions
		SET last_accrual_at = $3,
		    pending_yield = $4,
		    updated_at = NOW()
		WHERE id = $1 AND active AND last_accrual_at = $2
	`, positionID, expected, through, pending)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// IncreaseDeposit tops up a position and restarts its accrual window at
// through. It only applies while the checkpoint is still expected; pending
// holds whatever the old deposit earned up to through.
func (s *PositionStore) IncreaseDeposit(ctx context.Context, tx Execer, positionID string, amount decimal.Decimal, expected, through time.Time, pending decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE positions
		SET deposit_amount = deposit_amount + $2,
		    last_accrual_at = $4,
		    pending_yield = $5,
		    updated_at = NOW()
		WHERE id = $1 AND active AND last_accrual_at = $3
	`, positionID, amount, expected, through, pending)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *PositionStore) DecreaseDeposit(ctx context.Context, tx Execer, positionID string, amount decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE positions
		SET deposit_amount = deposit_amount - $2, updated_at = NOW()
		WHERE id = $1 AND active AND deposit_amount >= $2
	`, positionID, amount)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// Deactivate closes a position with a terminal status. Rows are never deleted.
func (s *PositionStore) Deactivate(ctx context.Context, tx Execer, positionID string, status models.PositionStatus) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE positions
		SET active = FALSE, status = $2, updated_at = NOW()
		WHERE id = $1 AND active
	`, positionID, status)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// MarkUpgraded closes oldID in favour of newID. The replaced_by reference is
// deferred so the replacement row may be inserted later in the same
// transaction.
func (s *PositionStore) MarkUpgraded(ctx context.Context, tx Execer, oldID, newID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE positions
		SET active = FALSE, status = 'upgraded', replaced_by = $2, updated_at = NOW()
		WHERE id = $1 AND active
	`, oldID, newID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}
