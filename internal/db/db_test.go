package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return sqlx.NewDb(sqlDB, "sqlmock"), mock
}

func TestWithTxCommits(t *testing.T) {
	xdb, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := WithTx(context.Background(), xdb, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(context.Background(), "UPDATE accounts SET version = version + 1 WHERE id = $1", "acc-1")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	xdb, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("insufficient balance")
	err := WithTx(context.Background(), xdb, func(*sqlx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRetriesSerializationFailure(t *testing.T) {
	xdb, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := WithTx(context.Background(), xdb, func(*sqlx.Tx) error {
		calls++
		if calls == 1 {
			return &pq.Error{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRetriesFailedCommit(t *testing.T) {
	xdb, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, WithTx(context.Background(), xdb, func(*sqlx.Tx) error { return nil }))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRetryCapExceeded(t *testing.T) {
	xdb, mock := newMockDB(t)
	for i := 0; i < 5; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})
	}

	err := WithTx(context.Background(), xdb, func(*sqlx.Tx) error { return nil })
	assert.ErrorIs(t, err, ErrRetryLimit)
	var pqErr *pq.Error
	assert.True(t, errors.As(err, &pqErr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxDoesNotRetryOtherErrors(t *testing.T) {
	xdb, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := WithTx(context.Background(), xdb, func(*sqlx.Tx) error {
		calls++
		return &pq.Error{Code: "23505"}
	})
	var pqErr *pq.Error
	require.True(t, errors.As(err, &pqErr))
	assert.Equal(t, pq.ErrorCode("23505"), pqErr.Code)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxStopsRetryingWhenContextDone(t *testing.T) {
	xdb, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := WithTx(ctx, xdb, func(*sqlx.Tx) error {
		calls++
		cancel()
		return &pq.Error{Code: "40001"}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestTxRunnerDelegates(t *testing.T) {
	xdb, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	ran := false
	err := NewTxRunner(xdb).WithTx(context.Background(), func(tx *sqlx.Tx) error {
		ran = tx != nil
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}
