package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/credit-ledger/internal/dbtest"
	"github.com/taskmgr818/credit-ledger/internal/logging"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"gorm.io/driver/postgres"
)

func TestAuditWriterFlushesOnClose(t *testing.T) {
	db := dbtest.Open(t)
	s, err := New(db, Options{AutoMigrate: true}, logging.Discard())
	require.NoError(t, err)

	s.Audit(model.AuditEvent{Type: model.AuditBalanceClamped, UserID: "u1", Message: "clamped"})
	s.Audit(model.AuditEvent{Type: model.AuditReviewRequired, UserID: "u2", Message: "no payments"})
	s.Close()

	all, err := s.AuditEvents(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, model.AuditReviewRequired, all[0].Type)
	assert.False(t, all[0].CreatedAt.IsZero())

	review, err := s.AuditEvents(context.Background(), model.AuditBalanceClamped, 10)
	require.NoError(t, err)
	require.Len(t, review, 1)
	assert.Equal(t, "u1", review[0].UserID)

	// Late events are dropped instead of panicking.
	s.Audit(model.AuditEvent{Type: model.AuditBalanceClamped})
	s.Close()
}

func TestMigrateCreatesAllTables(t *testing.T) {
	db := dbtest.Open(t)
	s, err := New(db, Options{AutoMigrate: true}, logging.Discard())
	require.NoError(t, err)
	defer s.Close()

	for _, m := range Models() {
		assert.True(t, db.Migrator().HasTable(m), "%T", m)
	}
}

func TestPingReportsDatabaseFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectPing()
	s, err := Open(postgres.New(postgres.Config{Conn: sqlDB}), Options{}, logging.Discard())
	require.NoError(t, err)
	defer s.Close()

	mock.ExpectPing()
	require.NoError(t, s.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	assert.Error(t, s.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}
