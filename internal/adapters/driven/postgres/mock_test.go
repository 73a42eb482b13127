package postgres

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// newMockDB wraps a sqlmock connection in a DB and verifies expectations on cleanup.
func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		sqlDB.Close()
	})
	return &DB{DB: sqlDB}, mock
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}
