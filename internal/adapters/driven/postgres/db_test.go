package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{URL: "postgres://localhost/orchestrator", MaxOpenConns: 50}.withDefaults()

	assert.Equal(t, 50, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, time.Minute, cfg.ConnMaxIdleTime)
}

func TestDB_Transaction_Commit(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, db.Transaction(context.Background(), func(*sql.Tx) error { return nil }))
}

func TestDB_Transaction_Rollback(t *testing.T) {
	db, mock := newMockDB(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := db.Transaction(context.Background(), func(*sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestNullTime(t *testing.T) {
	assert.False(t, NullTime(nil).Valid)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nt := NullTime(&ts)
	require.True(t, nt.Valid)
	assert.Equal(t, ts, *TimePtr(nt))
	assert.Nil(t, TimePtr(sql.NullTime{}))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 20, clampLimit(0, 20, 100))
	assert.Equal(t, 100, clampLimit(500, 20, 100))
	assert.Equal(t, 7, clampLimit(7, 20, 100))
}
