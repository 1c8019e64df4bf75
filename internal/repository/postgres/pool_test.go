package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/offline-keeper/internal/errs"
)

func TestOpen_BadDSN(t *testing.T) {
	_, err := Open(context.Background(), "postgres://u:p@host:notaport/db", 4)
	require.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestDB_Ping_WrapsStorageError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	db := &DB{Pool: mock}

	mock.ExpectPing()
	require.NoError(t, db.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.ErrorIs(t, db.Ping(context.Background()), errs.ErrStorage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_inTx(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM offline_messages`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCommit()
	err := db.inTx(context.Background(), func(tx pgx.Tx) error {
		_, err := tx.Exec(context.Background(), `DELETE FROM offline_messages`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	err = db.inTx(context.Background(), func(pgx.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}
