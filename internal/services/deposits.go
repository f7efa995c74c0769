package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rewards/internal/metrics"
	"rewards/internal/models"
	"rewards/internal/money"
	"rewards/internal/store"
	"rewards/internal/txhash"
	"rewards/internal/validator"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/sirupsen/logrus"
)

type DepositOutcome string

const (
	DepositAccepted  DepositOutcome = "accepted"
	DepositDuplicate DepositOutcome = "duplicate"
	DepositRejected  DepositOutcome = "rejected"
)

// Rejection reasons surfaced to the caller.
const (
	ReasonInvalidRequest   = "invalid_request"
	ReasonEmptyHash        = "empty_hash"
	ReasonAccountNotFound  = "account_not_found"
	ReasonStorageTimeout   = "storage_timeout"
	ReasonSettlementFailed = "settlement_failed"
)

type DepositRequest struct {
	AccountID     string `json:"account_id" validate:"required"`
	Amount        string `json:"amount" validate:"required,amount"`
	Currency      string `json:"currency" validate:"required,currency"`
	TxHash        string `json:"tx_hash" validate:"required"`
	WalletAddress string `json:"wallet_address" validate:"omitempty,wallet"`
}

type DepositResult struct {
	Outcome DepositOutcome      `json:"outcome"`
	Reason  string              `json:"reason,omitempty"`
	Entry   *models.LedgerEntry `json:"entry,omitempty"`
}

// Deposits credits on-chain deposits exactly once, keyed by the normalized
// transaction hash.
type Deposits struct {
	accounts AccountStore
	ledger   LedgerStore
	execer   store.Execer
	applier  Applier
	log      logrus.FieldLogger
	timeout  time.Duration
	now      func() time.Time
}

func NewDeposits(accounts AccountStore, ledger LedgerStore, execer store.Execer, applier Applier, log logrus.FieldLogger, timeout time.Duration) *Deposits {
	return &Deposits{
		accounts: accounts,
		ledger:   ledger,
		execer:   execer,
		applier:  applier,
		log:      log,
		timeout:  timeout,
		now:      time.Now,
	}
}

// SubmitDeposit returns an error only when the store could not be consulted
// before anything was written; every other outcome is reported in the result.
func (d *Deposits) SubmitDeposit(ctx context.Context, req DepositRequest) (DepositResult, error) {
	result, err := d.submit(ctx, req)
	if err != nil {
		metrics.RecordDeposit("error")
		return DepositResult{}, err
	}
	metrics.RecordDeposit(string(result.Outcome))
	return result, nil
}

func (d *Deposits) submit(ctx context.Context, req DepositRequest) (DepositResult, error) {
	if err := validator.Struct(req); err != nil {
		return rejected(ReasonInvalidRequest), nil
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		return rejected(ReasonInvalidRequest), nil
	}
	key, err := txhash.Normalize(req.TxHash)
	if err != nil {
		return rejected(ReasonEmptyHash), nil
	}
	fields := logrus.Fields{"account_id": req.AccountID, "tx_hash": key}

	existing, found, err := d.findByHash(ctx, key)
	if err != nil {
		return DepositResult{}, err
	}
	if found {
		d.log.WithFields(fields).WithField("entry_id", existing.ID).Info("duplicate deposit ignored")
		return duplicate(existing), nil
	}

	if _, err := d.lookupAccount(ctx, req.AccountID); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return rejected(ReasonAccountNotFound), nil
		}
		return DepositResult{}, err
	}

	payload := models.DepositPayload{TxHash: key, WalletAddress: req.WalletAddress}
	if key != req.TxHash {
		payload.RawTxHash = req.TxHash
	}
	metadata, err := json.Marshal(payload)
	if err != nil {
		return DepositResult{}, fmt.Errorf("marshal deposit payload: %w", err)
	}
	pending := models.LedgerEntry{
		ID:        uuid.NewString(),
		AccountID: req.AccountID,
		Type:      models.EntryDeposit,
		Amount:    amount,
		Currency:  models.Currency(req.Currency),
		TxHash:    &key,
		Status:    models.StatusPending,
		Metadata:  types.JSONText(metadata),
	}
	if err := d.insertPending(ctx, pending); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			// a concurrent submit of the same hash won the insert
			existing, found, lookupErr := d.findByHash(ctx, key)
			if lookupErr == nil && found {
				return duplicate(existing), nil
			}
			return DepositResult{Outcome: DepositDuplicate, Reason: "already_processed"}, nil
		}
		return DepositResult{}, err
	}

	entry, err := d.applier.Apply(ctx, Mutation{
		AccountID:      pending.AccountID,
		Delta:          pending.Amount,
		Currency:       pending.Currency,
		Payload:        payload,
		PendingEntryID: pending.ID,
	})
	if err != nil {
		d.markFailed(pending.ID, err)
		d.log.WithFields(fields).WithFields(logrus.Fields{"entry_id": pending.ID, "error": err}).Error("deposit settlement failed")
		if errors.Is(err, ErrStorageTimeout) {
			return rejected(ReasonStorageTimeout), nil
		}
		return rejected(ReasonSettlementFailed), nil
	}
	d.log.WithFields(fields).WithFields(logrus.Fields{"entry_id": entry.ID, "amount": money.Format(entry.Amount)}).Info("deposit credited")
	return DepositResult{Outcome: DepositAccepted, Entry: &entry}, nil
}

// RetryFailed settles a failed deposit or commission entry again. The entry
// keeps its id, so a successful retry confirms the original row.
func (d *Deposits) RetryFailed(ctx context.Context, entryID string) (models.LedgerEntry, error) {
	entry, err := d.ledger.Get(ctx, entryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.LedgerEntry{}, ErrEntryNotFound
		}
		return models.LedgerEntry{}, classify(err)
	}
	if entry.Status != models.StatusFailed {
		return models.LedgerEntry{}, ErrEntryNotRetryable
	}
	var payload models.Payload
	switch entry.Type {
	case models.EntryDeposit:
		var p models.DepositPayload
		if err := json.Unmarshal(entry.Metadata, &p); err != nil {
			return models.LedgerEntry{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
		}
		payload = p
	case models.EntryCommission:
		var p models.CommissionPayload
		if err := json.Unmarshal(entry.Metadata, &p); err != nil {
			return models.LedgerEntry{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
		}
		payload = p
	default:
		return models.LedgerEntry{}, ErrEntryNotRetryable
	}
	confirmed, err := d.applier.Apply(ctx, Mutation{
		AccountID:      entry.AccountID,
		Delta:          entry.Amount,
		Currency:       entry.Currency,
		Payload:        payload,
		PendingEntryID: entry.ID,
	})
	if err != nil {
		return models.LedgerEntry{}, err
	}
	d.log.WithFields(logrus.Fields{"entry_id": entry.ID, "type": entry.Type}).Info("failed entry confirmed on retry")
	return confirmed, nil
}

// ExpireStalePending fails deposits that stayed pending longer than olderThan,
// which only happens when the process died between insert and settlement.
func (d *Deposits) ExpireStalePending(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	cutoff := d.now().UTC().Add(-olderThan)
	n, err := d.ledger.ExpireStalePending(ctx, d.execer, cutoff, "expired: settlement not confirmed")
	if err != nil {
		return 0, classify(err)
	}
	if n > 0 {
		d.log.WithFields(logrus.Fields{"expired": n, "cutoff": cutoff}).Warn("stale pending deposits marked failed")
	}
	return n, nil
}

func (d *Deposits) ListFailed(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error) {
	entries, err := d.ledger.ListFailed(ctx, limit, offset)
	return entries, classify(err)
}

func (d *Deposits) findByHash(ctx context.Context, key string) (models.LedgerEntry, bool, error) {
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	entry, err := d.ledger.FindByTxHash(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LedgerEntry{}, false, nil
	}
	if err != nil {
		return models.LedgerEntry{}, false, classify(err)
	}
	return entry, true, nil
}

func (d *Deposits) lookupAccount(ctx context.Context, accountID string) (models.Account, error) {
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	account, err := d.accounts.GetByID(ctx, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ErrAccountNotFound
	}
	return account, classify(err)
}

func (d *Deposits) insertPending(ctx context.Context, entry models.LedgerEntry) error {
	ctx, cancel := d.bounded(ctx)
	defer cancel()
	return classify(d.ledger.Insert(ctx, d.execer, entry))
}

// markFailed runs on a fresh context: the request context may be the one
// that just timed out.
func (d *Deposits) markFailed(entryID string, cause error) {
	ctx, cancel := d.bounded(context.Background())
	defer cancel()
	if err := d.ledger.MarkFailed(ctx, d.execer, entryID, cause.Error()); err != nil {
		d.log.WithFields(logrus.Fields{"entry_id": entryID, "error": err}).Error("could not mark deposit failed")
	}
}

func (d *Deposits) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func rejected(reason string) DepositResult {
	return DepositResult{Outcome: DepositRejected, Reason: reason}
}

func duplicate(existing models.LedgerEntry) DepositResult {
	return DepositResult{Outcome: DepositDuplicate, Reason: "already_processed", Entry: &existing}
}
