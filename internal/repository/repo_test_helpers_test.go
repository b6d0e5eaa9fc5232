package repository

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// staticDB はテスト用の固定DBProvider。
type staticDB struct {
	db  *sql.DB
	err error
}

func (s staticDB) Get() (*sql.DB, error) { return s.db, s.err }

func newMock(t *testing.T) (DBProvider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return staticDB{db: db}, mock
}
