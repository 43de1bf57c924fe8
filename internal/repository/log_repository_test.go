package repository_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockdownpark/parkbus/internal/model"
	"github.com/lockdownpark/parkbus/internal/repository"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestErrorLogRepo_Create(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewErrorLogRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO errorlogs (service, endpoint, error, routing_key, date_time) VALUES (?, ?, ?, ?, ?)")).
		WithArgs("staff", "/staff/7", "boom", "staff.error", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(12, 1))

	l := &model.ErrorLog{Service: "staff", Endpoint: "/staff/7", Error: "boom", RoutingKey: "staff.error"}
	require.NoError(t, repo.Create(context.Background(), l))

	assert.Equal(t, uint64(12), l.ID)
	assert.False(t, l.DateTime.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorLogRepo_ListByService(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewErrorLogRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, service, endpoint, error, routing_key, date_time FROM errorlogs WHERE service = ? ORDER BY date_time DESC, id DESC LIMIT ?")).
		WithArgs("payment", 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "service", "endpoint", "error", "routing_key", "date_time"}).
			AddRow(2, "payment", "/pay", "declined", nil, now).
			AddRow(1, "payment", "/pay", "timeout", "payment.error", now))

	logs, err := repo.List(context.Background(), "payment", 0)

	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Empty(t, logs[0].RoutingKey)
	assert.Equal(t, "payment.error", logs[1].RoutingKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccessLogRepo_Create(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewAccessLogRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO accesslogs")).
		WithArgs("7", "staff", "Enter", "Failed", "Invalid password", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(3, 1))

	l := &model.AccessLog{UserID: "7", UserType: "staff", Action: "Enter", Type: "Failed", Message: "Invalid password"}
	require.NoError(t, repo.Create(context.Background(), l))

	assert.Equal(t, uint64(3), l.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccessLogRepo_ListFilters(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewAccessLogRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM accesslogs WHERE user_type = ? AND type = ? ORDER BY date_time DESC, id DESC LIMIT ?")).
		WithArgs("staff", "Failed", 1000).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "user_type", "action", "type", "message", "date_time"}))

	logs, err := repo.List(context.Background(), repository.AccessFilter{UserType: "staff", Type: "Failed", Limit: 5000})

	require.NoError(t, err)
	assert.NotNil(t, logs)
	assert.Empty(t, logs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccessLogRepo_GetNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewAccessLogRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM accesslogs WHERE id = ?")).
		WithArgs(99).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), 99)

	assert.ErrorIs(t, err, repository.ErrNotFound)
}
