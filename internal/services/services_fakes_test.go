package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"rewards/internal/config"
	"rewards/internal/lock"
	"rewards/internal/logging"
	"rewards/internal/models"
	"rewards/internal/store"
	"rewards/internal/websocket"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// memState is an in-memory stand-in for the three tables. Transactions are
// serialized on txMu and rolled back from a snapshot; writes made outside a
// transaction take txMu themselves so a rollback never loses them.
type memState struct {
	txMu sync.Mutex
	mu   sync.Mutex

	accounts  map[string]models.Account
	positions map[string]models.Position
	entries   []models.LedgerEntry
	now       func() time.Time

	insertErr func(entry models.LedgerEntry) error
}

func newMemState() *memState {
	return &memState{
		accounts:  map[string]models.Account{},
		positions: map[string]models.Position{},
		now:       time.Now,
	}
}

func (s *memState) write(tx any, fn func() error) error {
	if _, inTx := tx.(*sqlx.Tx); !inTx {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *memState) read(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

type memTxRunner struct {
	s *memState
}

func (r memTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.txMu.Lock()
	defer r.s.txMu.Unlock()

	r.s.mu.Lock()
	accounts := make(map[string]models.Account, len(r.s.accounts))
	for k, v := range r.s.accounts {
		accounts[k] = v
	}
	positions := make(map[string]models.Position, len(r.s.positions))
	for k, v := range r.s.positions {
		positions[k] = v
	}
	entries := append([]models.LedgerEntry(nil), r.s.entries...)
	r.s.mu.Unlock()

	var tx *sqlx.Tx
	if err := fn(tx); err != nil {
		r.s.mu.Lock()
		r.s.accounts, r.s.positions, r.s.entries = accounts, positions, entries
		r.s.mu.Unlock()
		return err
	}
	return nil
}

// memExecer stands in for the pool on writes made outside a transaction.
type memExecer struct{}

func (memExecer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, errors.New("memExecer does not run SQL")
}

type memAccounts struct {
	s *memState
}

func (m memAccounts) Create(ctx context.Context, tx store.Execer, account models.Account) error {
	return m.s.write(tx, func() error {
		if _, exists := m.s.accounts[account.ID]; exists {
			return fmt.Errorf("%w: accounts_pkey", store.ErrUniqueViolation)
		}
		for _, other := range m.s.accounts {
			if other.ReferralCode == account.ReferralCode {
				return fmt.Errorf("%w: accounts_referral_code_key", store.ErrUniqueViolation)
			}
		}
		now := m.s.now()
		account.BalanceUNI = decimal.Zero
		account.BalanceTON = decimal.Zero
		account.CreatedAt = now
		account.UpdatedAt = now
		m.s.accounts[account.ID] = account
		return nil
	})
}

func (m memAccounts) GetByID(ctx context.Context, accountID string) (models.Account, error) {
	var out models.Account
	err := m.s.read(func() error {
		account, ok := m.s.accounts[accountID]
		if !ok {
			return sql.ErrNoRows
		}
		out = account
		return nil
	})
	return out, err
}

func (m memAccounts) GetByReferralCode(ctx context.Context, code string) (models.Account, error) {
	var out models.Account
	err := m.s.read(func() error {
		for _, account := range m.s.accounts {
			if account.ReferralCode == code {
				out = account
				return nil
			}
		}
		return sql.ErrNoRows
	})
	return out, err
}

func (m memAccounts) GetForUpdate(ctx context.Context, tx store.Getter, accountID string) (models.Account, error) {
	return m.GetByID(ctx, accountID)
}

func (m memAccounts) UpdateBalance(ctx context.Context, tx store.Execer, accountID string, currency models.Currency, balance decimal.Decimal, expectedVersion int64) error {
	return m.s.write(tx, func() error {
		account, ok := m.s.accounts[accountID]
		if !ok || account.Version != expectedVersion {
			return store.ErrConflict
		}
		switch currency {
		case models.CurrencyUNI:
			account.BalanceUNI = balance
		case models.CurrencyTON:
			account.BalanceTON = balance
		default:
			return fmt.Errorf("unknown currency %q", currency)
		}
		account.Version++
		m.s.accounts[accountID] = account
		return nil
	})
}

func (m memAccounts) Ancestors(ctx context.Context, accountID string, maxDepth int) ([]store.Ancestor, error) {
	var out []store.Ancestor
	err := m.s.read(func() error {
		path := map[string]bool{}
		current := accountID
		for level := 1; level <= maxDepth; level++ {
			if path[current] {
				break
			}
			account, ok := m.s.accounts[current]
			if !ok || account.ReferrerID == nil {
				break
			}
			path[current] = true
			out = append(out, store.Ancestor{AccountID: *account.ReferrerID, Level: level})
			current = *account.ReferrerID
		}
		return nil
	})
	return out, err
}

func (m memAccounts) ReferralLevelCounts(ctx context.Context, accountID string, maxDepth int) ([]store.LevelCount, error) {
	var out []store.LevelCount
	err := m.s.read(func() error {
		seen := map[string]bool{accountID: true}
		frontier := []string{accountID}
		for level := 1; level <= maxDepth && len(frontier) > 0; level++ {
			var next []string
			for _, account := range m.s.accounts {
				if account.ReferrerID == nil || seen[account.ID] {
					continue
				}
				for _, parent := range frontier {
					if *account.ReferrerID == parent {
						next = append(next, account.ID)
						seen[account.ID] = true
						break
					}
				}
			}
			if len(next) > 0 {
				out = append(out, store.LevelCount{Level: level, Count: len(next)})
			}
			frontier = next
		}
		return nil
	})
	return out, err
}

type memLedger struct {
	s *memState
}

func (m memLedger) Insert(ctx context.Context, tx store.Execer, entry models.LedgerEntry) error {
	return m.s.write(tx, func() error {
		if m.s.insertErr != nil {
			if err := m.s.insertErr(entry); err != nil {
				return err
			}
		}
		for _, other := range m.s.entries {
			if other.ID == entry.ID {
				return fmt.Errorf("%w: ledger_entries_pkey", store.ErrUniqueViolation)
			}
			if entry.TxHash != nil && other.TxHash != nil && *other.TxHash == *entry.TxHash {
				return fmt.Errorf("%w: ledger_entries_tx_hash_key", store.ErrUniqueViolation)
			}
		}
		if entry.PositionID != nil {
			if _, ok := m.s.positions[*entry.PositionID]; !ok {
				return errors.New("ledger_entries_position_id_fkey")
			}
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = m.s.now()
		}
		m.s.entries = append(m.s.entries, entry)
		return nil
	})
}

func (m memLedger) find(match func(models.LedgerEntry) bool) (models.LedgerEntry, error) {
	var out models.LedgerEntry
	err := m.s.read(func() error {
		for _, entry := range m.s.entries {
			if match(entry) {
				out = entry
				return nil
			}
		}
		return sql.ErrNoRows
	})
	return out, err
}

func (m memLedger) Get(ctx context.Context, entryID string) (models.LedgerEntry, error) {
	return m.find(func(e models.LedgerEntry) bool { return e.ID == entryID })
}

func (m memLedger) GetForUpdate(ctx context.Context, tx store.Getter, entryID string) (models.LedgerEntry, error) {
	return m.Get(ctx, entryID)
}

func (m memLedger) FindByTxHash(ctx context.Context, txHash string) (models.LedgerEntry, error) {
	return m.find(func(e models.LedgerEntry) bool { return e.TxHash != nil && *e.TxHash == txHash })
}

func (m memLedger) update(tx any, entryID string, fn func(*models.LedgerEntry) bool) error {
	return m.s.write(tx, func() error {
		for i := range m.s.entries {
			if m.s.entries[i].ID == entryID {
				if !fn(&m.s.entries[i]) {
					return store.ErrConflict
				}
				return nil
			}
		}
		return store.ErrConflict
	})
}

func (m memLedger) Confirm(ctx context.Context, tx store.Execer, entryID string, confirmedAt time.Time) error {
	return m.update(tx, entryID, func(e *models.LedgerEntry) bool {
		if e.Status == models.StatusConfirmed {
			return false
		}
		e.Status = models.StatusConfirmed
		e.ConfirmedAt = &confirmedAt
		e.Error = nil
		return true
	})
}

func (m memLedger) MarkFailed(ctx context.Context, tx store.Execer, entryID, reason string) error {
	return m.update(tx, entryID, func(e *models.LedgerEntry) bool {
		if e.Status == models.StatusConfirmed {
			return false
		}
		e.Status = models.StatusFailed
		e.Error = &reason
		return true
	})
}

func (m memLedger) ExpireStalePending(ctx context.Context, tx store.Execer, cutoff time.Time, reason string) (int64, error) {
	var n int64
	err := m.s.write(tx, func() error {
		for i := range m.s.entries {
			e := &m.s.entries[i]
			if e.Status == models.StatusPending && e.Type == models.EntryDeposit && e.CreatedAt.Before(cutoff) {
				e.Status = models.StatusFailed
				e.Error = &reason
				n++
			}
		}
		return nil
	})
	return n, err
}

func (m memLedger) ListByAccount(ctx context.Context, accountID string, filter store.LedgerFilter) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	_ = m.s.read(func() error {
		for i := len(m.s.entries) - 1; i >= 0; i-- {
			e := m.s.entries[i]
			if e.AccountID != accountID {
				continue
			}
			if filter.Type != "" && e.Type != filter.Type {
				continue
			}
			if filter.Status != "" && e.Status != filter.Status {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return pageOf(out, filter.Limit, filter.Offset), nil
}

func (m memLedger) ListFailed(ctx context.Context, limit, offset int) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	_ = m.s.read(func() error {
		for i := len(m.s.entries) - 1; i >= 0; i-- {
			if m.s.entries[i].Status == models.StatusFailed {
				out = append(out, m.s.entries[i])
			}
		}
		return nil
	})
	return pageOf(out, limit, offset), nil
}

func (m memLedger) CommissionByLevel(ctx context.Context, accountID string) ([]store.LevelTotal, error) {
	totals := map[string]*store.LevelTotal{}
	_ = m.s.read(func() error {
		for _, e := range m.s.entries {
			if e.AccountID != accountID || e.Type != models.EntryCommission || e.Status != models.StatusConfirmed || e.Level == nil {
				continue
			}
			key := fmt.Sprintf("%02d/%s", *e.Level, e.Currency)
			if totals[key] == nil {
				totals[key] = &store.LevelTotal{Level: *e.Level, Currency: e.Currency, Total: decimal.Zero}
			}
			totals[key].Total = totals[key].Total.Add(e.Amount)
		}
		return nil
	})
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]store.LevelTotal, 0, len(keys))
	for _, k := range keys {
		out = append(out, *totals[k])
	}
	return out, nil
}

func (m memLedger) all() []models.LedgerEntry {
	var out []models.LedgerEntry
	_ = m.s.read(func() error {
		out = append(out, m.s.entries...)
		return nil
	})
	return out
}

type memPositions struct {
	s *memState
}

func (m memPositions) Create(ctx context.Context, tx store.Execer, p models.Position) error {
	return m.s.write(tx, func() error {
		if _, exists := m.s.positions[p.ID]; exists {
			return fmt.Errorf("%w: positions_pkey", store.ErrUniqueViolation)
		}
		for _, other := range m.s.positions {
			if other.Active && other.AccountID == p.AccountID && other.Kind == p.Kind {
				return fmt.Errorf("%w: positions_one_active_per_kind", store.ErrUniqueViolation)
			}
		}
		p.Active = true
		p.Status = models.PositionActive
		p.AccruedTotal = decimal.Zero
		p.CreatedAt = p.LastAccrualAt
		p.UpdatedAt = m.s.now()
		m.s.positions[p.ID] = p
		return nil
	})
}

func (m memPositions) Get(positionID string) (models.Position, error) {
	var out models.Position
	err := m.s.read(func() error {
		p, ok := m.s.positions[positionID]
		if !ok {
			return sql.ErrNoRows
		}
		out = p
		return nil
	})
	return out, err
}

func (m memPositions) GetForUpdate(ctx context.Context, tx store.Getter, positionID string) (models.Position, error) {
	return m.Get(positionID)
}

func (m memPositions) GetActive(ctx context.Context, accountID string, kind models.PositionKind) (models.Position, error) {
	var out models.Position
	err := m.s.read(func() error {
		for _, p := range m.s.positions {
			if p.Active && p.AccountID == accountID && p.Kind == kind {
				out = p
				return nil
			}
		}
		return sql.ErrNoRows
	})
	return out, err
}

func (m memPositions) sorted(match func(models.Position) bool) []models.Position {
	var out []models.Position
	_ = m.s.read(func() error {
		for _, p := range m.s.positions {
			if match(p) {
				out = append(out, p)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m memPositions) ListByAccount(ctx context.Context, accountID string) ([]models.Position, error) {
	return m.sorted(func(p models.Position) bool { return p.AccountID == accountID }), nil
}

func (m memPositions) ListActive(ctx context.Context, afterID string, limit int) ([]models.Position, error) {
	out := m.sorted(func(p models.Position) bool { return p.Active && p.ID > afterID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memPositions) update(tx any, positionID string, fn func(*models.Position) bool) error {
	return m.s.write(tx, func() error {
		p, ok := m.s.positions[positionID]
		if !ok || !fn(&p) {
			return store.ErrConflict
		}
		m.s.positions[positionID] = p
		return nil
	})
}

func (m memPositions) Advance(ctx context.Context, tx store.Execer, positionID string, expected, through time.Time, pending, credited decimal.Decimal) error {
	return m.update(tx, positionID, func(p *models.Position) bool {
		if !p.Active || !p.LastAccrualAt.Equal(expected) {
			return false
		}
		p.LastAccrualAt = through
		p.PendingYield = pending
		p.AccruedTotal = p.AccruedTotal.Add(credited)
		return true
	})
}

func (m memPositions) Carry(ctx context.Context, tx store.Execer, positionID string, expected, through time.Time, pending decimal.Decimal) error {
	return m.update(tx, positionID, func(p *models.Position) bool {
		if !p.Active || !p.LastAccrualAt.Equal(expected) {
			return false
		}
		p.LastAccrualAt = through
		p.PendingYield = pending
		return true
	})
}

func (m memPositions) IncreaseDeposit(ctx context.Context, tx store.Execer, positionID string, amount decimal.Decimal, expected, through time.Time, pending decimal.Decimal) error {
	return m.update(tx, positionID, func(p *models.Position) bool {
		if !p.Active || !p.LastAccrualAt.Equal(expected) {
			return false
		}
		p.DepositAmount = p.DepositAmount.Add(amount)
		p.LastAccrualAt = through
		p.PendingYield = pending
		return true
	})
}

func (m memPositions) DecreaseDeposit(ctx context.Context, tx store.Execer, positionID string, amount decimal.Decimal) error {
	return m.update(tx, positionID, func(p *models.Position) bool {
		if !p.Active || p.DepositAmount.LessThan(amount) {
			return false
		}
		p.DepositAmount = p.DepositAmount.Sub(amount)
		return true
	})
}

func (m memPositions) Deactivate(ctx context.Context, tx store.Execer, positionID string, status models.PositionStatus) error {
	return m.update(tx, positionID, func(p *models.Position) bool {
		if !p.Active {
			return false
		}
		p.Active = false
		p.Status = status
		return true
	})
}

func (m memPositions) MarkUpgraded(ctx context.Context, tx store.Execer, oldID, newID string) error {
	return m.update(tx, oldID, func(p *models.Position) bool {
		if !p.Active {
			return false
		}
		p.Active = false
		p.Status = models.PositionUpgraded
		p.ReplacedBy = &newID
		return true
	})
}

// memAudit derives the reconciliation rows the same way the SQL does.
type memAudit struct {
	s *memState
}

func (m memAudit) BalanceChecks(ctx context.Context, afterID string, limit int) ([]store.BalanceCheck, error) {
	var out []store.BalanceCheck
	_ = m.s.read(func() error {
		ids := make([]string, 0, len(m.s.accounts))
		for id := range m.s.accounts {
			if id > afterID {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		if len(ids) > limit {
			ids = ids[:limit]
		}
		for _, id := range ids {
			account := m.s.accounts[id]
			for _, currency := range []models.Currency{models.CurrencyTON, models.CurrencyUNI} {
				sum := decimal.Zero
				for _, e := range m.s.entries {
					if e.AccountID == id && e.Currency == currency && e.Status == models.StatusConfirmed {
						sum = sum.Add(e.Amount)
					}
				}
				out = append(out, store.BalanceCheck{AccountID: id, Currency: currency, Cached: account.Balance(currency), Ledger: sum})
			}
		}
		return nil
	})
	return out, nil
}

func (m memAudit) PositionChecks(ctx context.Context, afterID string, limit int) ([]store.PositionCheck, error) {
	var out []store.PositionCheck
	_ = m.s.read(func() error {
		ids := make([]string, 0, len(m.s.positions))
		for id := range m.s.positions {
			if id > afterID {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		if len(ids) > limit {
			ids = ids[:limit]
		}
		for _, id := range ids {
			p := m.s.positions[id]
			row := store.PositionCheck{
				ID: p.ID, AccountID: p.AccountID, Kind: p.Kind, Currency: p.Currency,
				DepositAmount: p.DepositAmount, Rate: p.Rate, LastAccrualAt: p.LastAccrualAt,
				PendingYield: p.PendingYield, AccruedTotal: p.AccruedTotal, Active: p.Active,
				CreatedAt: p.CreatedAt, YieldTotal: decimal.Zero,
			}
			for _, e := range m.s.entries {
				if e.PositionID == nil || *e.PositionID != id || e.Status != models.StatusConfirmed {
					continue
				}
				switch e.Type {
				case models.EntryFarmingYield, models.EntryBoostYield:
					row.YieldTotal = row.YieldTotal.Add(e.Amount)
					var payload models.YieldPayload
					if json.Unmarshal(e.Metadata, &payload) == nil {
						through := payload.AccruedThrough
						if row.LastYieldThrough == nil || through.After(*row.LastYieldThrough) {
							row.LastYieldThrough = &through
						}
					}
				case models.EntryFarmingDeposit, models.EntryFarmingWithdrawal, models.EntryBoostPurchase:
					if e.ConfirmedAt != nil && (row.LastMovementAt == nil || e.ConfirmedAt.After(*row.LastMovementAt)) {
						at := *e.ConfirmedAt
						row.LastMovementAt = &at
					}
				}
			}
			out = append(out, row)
		}
		return nil
	})
	return out, nil
}

func pageOf(entries []models.LedgerEntry, limit, offset int) []models.LedgerEntry {
	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type stubApplier struct {
	applyFn func(ctx context.Context, m Mutation) (models.LedgerEntry, error)
}

func (s stubApplier) Apply(ctx context.Context, m Mutation) (models.LedgerEntry, error) {
	return s.applyFn(ctx, m)
}

// engine wires the services over one memState the way cmd/server does over
// Postgres.
type engine struct {
	state      *memState
	clock      *fakeClock
	rates      config.Rates
	settlement *Settlement
	cascade    *Cascade
	deposits   *Deposits
	accrual    *Accrual
	service    *AccountService
	auditor    *Auditor
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	state := newMemState()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	state.now = clock.Now
	rates := config.DefaultRates()
	log := logging.Discard()

	accounts := memAccounts{s: state}
	ledger := memLedger{s: state}
	positions := memPositions{s: state}
	txRunner := memTxRunner{s: state}

	settlement := NewSettlement(txRunner, accounts, ledger, positions, lock.NewLocal(), websocket.NewHub(), nil, log, time.Second)
	settlement.now = clock.Now
	cascade := NewCascade(accounts, ledger, memExecer{}, settlement, rates, log, time.Second)
	settlement.SetCommission(cascade)
	deposits := NewDeposits(accounts, ledger, memExecer{}, settlement, log, time.Second)
	deposits.now = clock.Now
	accrual := NewAccrual(positions, settlement, txRunner, rates, log, 4, time.Second)
	service := NewAccountService(accounts, positions, ledger, memExecer{}, settlement, accrual, rates, log)
	service.now = clock.Now

	return &engine{
		state:      state,
		clock:      clock,
		rates:      rates,
		settlement: settlement,
		cascade:    cascade,
		deposits:   deposits,
		accrual:    accrual,
		service:    service,
		auditor:    NewAuditor(memAudit{s: state}, rates, log),
	}
}

func (e *engine) register(t *testing.T, id, referrerID string) models.Account {
	t.Helper()
	req := RegisterRequest{AccountID: id}
	if referrerID != "" {
		referrer, err := e.service.Account(context.Background(), referrerID)
		require.NoError(t, err)
		req.ReferralCode = referrer.ReferralCode
	}
	account, err := e.service.RegisterAccount(context.Background(), req)
	require.NoError(t, err)
	return account
}

func (e *engine) deposit(t *testing.T, accountID, amount string, currency models.Currency, hash string) DepositResult {
	t.Helper()
	result, err := e.deposits.SubmitDeposit(context.Background(), DepositRequest{
		AccountID: accountID,
		Amount:    amount,
		Currency:  string(currency),
		TxHash:    hash,
	})
	require.NoError(t, err)
	return result
}

func (e *engine) balance(t *testing.T, accountID string, currency models.Currency) decimal.Decimal {
	t.Helper()
	account, err := e.service.Account(context.Background(), accountID)
	require.NoError(t, err)
	return account.Balance(currency)
}

// setReferrer rewires a referral edge directly, for chains registration would
// refuse to build.
func (e *engine) setReferrer(accountID, referrerID string) {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	account := e.state.accounts[accountID]
	account.ReferrerID = &referrerID
	e.state.accounts[accountID] = account
}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func storeFilter(entryType models.EntryType) store.LedgerFilter {
	return store.LedgerFilter{Type: entryType, Limit: 100}
}
