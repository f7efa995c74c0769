package store

import (
	"context"
	"strconv"
	"time"

	"rewards/internal/models"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

type LedgerStore struct {
	db DB
}

type LedgerFilter struct {
	Type   models.EntryType
	Status models.EntryStatus
	Limit  int
	Offset int
}

type LevelTotal struct {
	Level    int             `db:"level"`
	Currency models.Currency `db:"currency"`
	Total    decimal.Decimal `db:"total"`
}

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

const ledgerColumns = `id, account_id, type, amount, currency, tx_hash, source_account_id, position_id, level,
		       status, metadata, error, created_at, confirmed_at`

func (s *LedgerStore) Insert(ctx context.Context, tx Execer, entry models.LedgerEntry) error {
	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = types.JSONText("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, type, amount, currency, tx_hash, source_account_id, position_id, level, status, metadata, error, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, entry.ID, entry.AccountID, entry.Type, entry.Amount, entry.Currency, entry.TxHash, entry.SourceAccountID,
		entry.PositionID, entry.Level, entry.Status, metadata, entry.Error, entry.ConfirmedAt)
	return translate(err)
}

func (s *LedgerStore) Get(ctx context.Context, entryID string) (models.LedgerEntry, error) {
	var row models.LedgerEntry
	err := s.db.GetContext(ctx, &row, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE id = $1
	`, entryID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	return row, nil
}

func (s *LedgerStore) GetForUpdate(ctx context.Context, tx Getter, entryID string) (models.LedgerEntry, error) {
	var row models.LedgerEntry
	err := tx.GetContext(ctx, &row, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE id = $1
		FOR UPDATE
	`, entryID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	return row, nil
}

// FindByTxHash looks up an entry of any status by normalized hash.
func (s *LedgerStore) FindByTxHash(ctx context.Context, txHash string) (models.LedgerEntry, error) {
	var row models.LedgerEntry
	err := s.db.GetContext(ctx, &row, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE tx_hash = $1
	`, txHash)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	return row, nil
}

// Confirm moves a pending or failed entry to confirmed.
func (s *LedgerStore) Confirm(ctx context.Context, tx Execer, entryID string, confirmedAt time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = 'confirmed', confirmed_at = $2, error = NULL
		WHERE id = $1 AND status IN ('pending', 'failed')
	`, entryID, confirmedAt)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *LedgerStore) MarkFailed(ctx context.Context, tx Execer, entryID, reason string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = 'failed', error = $2
		WHERE id = $1 AND status <> 'confirmed'
	`, entryID, reason)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ExpireStalePending fails deposit entries left pending since before cutoff.
func (s *LedgerStore) ExpireStalePending(ctx context.Context, tx Execer, cutoff time.Time, reason string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = 'failed', error = $2
		WHERE status = 'pending' AND type = 'deposit' AND created_at < $1
	`, cutoff, reason)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *LedgerStore) ListByAccount(ctx context.Context, accountID string, filter LedgerFilter) ([]models.LedgerEntry, error) {
	var rows []models.LedgerEntry
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE account_id = $1
	`
	args := []any{accountID}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += " AND type = $" + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += " AND status = $" + strconv.Itoa(len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args)-1) + " OFFSET $" + strconv.Itoa(len(args))
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *LedgerStore) ListFailed(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error) {
	var rows []models.LedgerEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE status = 'failed'
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CommissionByLevel sums confirmed commission earned by accountID per level.
func (s *LedgerStore) CommissionByLevel(ctx context.Context, accountID string) ([]LevelTotal, error) {
	var rows []LevelTotal
	err := s.db.SelectContext(ctx, &rows, `
		SELECT level, currency, COALESCE(SUM(amount), 0) AS total
		FROM ledger_entries
		WHERE account_id = $1 AND type = 'commission' AND status = 'confirmed'
		GROUP BY level, currency
		ORDER BY level, currency
	`, accountID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
