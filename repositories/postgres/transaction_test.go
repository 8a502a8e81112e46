package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/vc-policy-gateway/repositories"
	"go.uber.org/zap"
)

func newMockTxManager(t *testing.T) (repositories.TransactionManager, *DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	db := NewDBFromConn(conn, zap.NewNop())
	return NewTransactionManager(db, zap.NewNop()), db, mock
}

func TestTxManager_InTransaction(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		txm, db, mock := newMockTxManager(t)

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM policy_decisions").WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectCommit()

		err := txm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			_, err := GetExecutor(ctx, db).ExecContext(ctx, "DELETE FROM policy_decisions")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		txm, _, mock := newMockTxManager(t)

		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := txm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on panic", func(t *testing.T) {
		txm, _, mock := newMockTxManager(t)

		mock.ExpectBegin()
		mock.ExpectRollback()

		assert.PanicsWithValue(t, "unit exploded", func() {
			_ = txm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
				panic("unit exploded")
			})
		})
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		txm, _, mock := newMockTxManager(t)

		mock.ExpectBegin().WillReturnError(sql.ErrConnDone)

		called := false
		err := txm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			called = true
			return nil
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to begin transaction")
		assert.False(t, called)
	})

	t.Run("commit failure", func(t *testing.T) {
		txm, _, mock := newMockTxManager(t)

		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

		err := txm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			return nil
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to commit transaction")
	})

	t.Run("nested call joins outer transaction", func(t *testing.T) {
		txm, _, mock := newMockTxManager(t)

		mock.ExpectBegin()
		mock.ExpectCommit()

		err := txm.InTransaction(context.Background(), func(ctx context.Context, outer repositories.Transaction) error {
			return txm.InTransaction(ctx, func(ctx context.Context, inner repositories.Transaction) error {
				assert.Same(t, outer, inner)
				return nil
			})
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTxManager_Begin(t *testing.T) {
	txm, db, mock := newMockTxManager(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := txm.Begin(context.Background())
	require.NoError(t, err)

	got, ok := GetTransactionFromContext(tx.Context())
	require.True(t, ok)
	assert.Same(t, tx, got)
	assert.IsType(t, &sql.Tx{}, GetExecutor(tx.Context(), db))

	require.NoError(t, tx.Rollback())
	// A second rollback on a finished transaction is a no-op
	assert.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExecutor_WithoutTransaction(t *testing.T) {
	_, db, _ := newMockTxManager(t)

	_, ok := GetTransactionFromContext(context.Background())
	assert.False(t, ok)
	assert.Equal(t, db.DB, GetExecutor(context.Background(), db))
}
