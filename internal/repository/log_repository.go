package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lockdownpark/parkbus/internal/model"
)

// defaultLimit bounds List queries when the caller passes no limit.
const defaultLimit = 100

// ErrorLogRepo stores error events.
type ErrorLogRepo struct {
	db *sql.DB
}

func NewErrorLogRepo(db *sql.DB) *ErrorLogRepo { return &ErrorLogRepo{db: db} }

// Create inserts l and fills in its ID and DateTime.
func (r *ErrorLogRepo) Create(ctx context.Context, l *model.ErrorLog) error {
	const q = "INSERT INTO errorlogs (service, endpoint, error, routing_key, date_time) VALUES (?, ?, ?, ?, ?)"
	l.DateTime = time.Now().UTC().Truncate(time.Second)
	res, err := r.db.ExecContext(ctx, q, l.Service, l.Endpoint, l.Error, nullString(l.RoutingKey), l.DateTime)
	if err != nil {
		return fmt.Errorf("insert error log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	l.ID = uint64(id)
	return nil
}

// List returns the newest error logs first, optionally for one service.
func (r *ErrorLogRepo) List(ctx context.Context, service string, limit int) ([]model.ErrorLog, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("SELECT id, service, endpoint, error, routing_key, date_time FROM errorlogs")
	if service != "" {
		sb.WriteString(" WHERE service = ?")
		args = append(args, service)
	}
	sb.WriteString(" ORDER BY date_time DESC, id DESC LIMIT ?")
	args = append(args, clampLimit(limit))

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list error logs: %w", err)
	}
	defer rows.Close()

	out := make([]model.ErrorLog, 0)
	for rows.Next() {
		var (
			l   model.ErrorLog
			key sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.Service, &l.Endpoint, &l.Error, &key, &l.DateTime); err != nil {
			return nil, err
		}
		l.RoutingKey = key.String
		out = append(out, l)
	}
	return out, rows.Err()
}

// AccessLogRepo stores access events.
type AccessLogRepo struct {
	db *sql.DB
}

func NewAccessLogRepo(db *sql.DB) *AccessLogRepo { return &AccessLogRepo{db: db} }

// Create inserts l and fills in its ID and DateTime.
func (r *AccessLogRepo) Create(ctx context.Context, l *model.AccessLog) error {
	const q = "INSERT INTO accesslogs (user_id, user_type, action, type, message, date_time) VALUES (?, ?, ?, ?, ?, ?)"
	l.DateTime = time.Now().UTC().Truncate(time.Second)
	res, err := r.db.ExecContext(ctx, q, l.UserID, l.UserType, l.Action, l.Type, l.Message, l.DateTime)
	if err != nil {
		return fmt.Errorf("insert access log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	l.ID = uint64(id)
	return nil
}

// AccessFilter narrows List.  Zero values match everything.
type AccessFilter struct {
	UserType string
	UserID   string
	Type     string
	Limit    int
}

// List returns the newest access logs first.
func (r *AccessLogRepo) List(ctx context.Context, f AccessFilter) ([]model.AccessLog, error) {
	var (
		where []string
		args  []any
	)
	if f.UserType != "" {
		where = append(where, "user_type = ?")
		args = append(args, f.UserType)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	q := "SELECT id, user_id, user_type, action, type, message, date_time FROM accesslogs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY date_time DESC, id DESC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list access logs: %w", err)
	}
	defer rows.Close()

	out := make([]model.AccessLog, 0)
	for rows.Next() {
		var l model.AccessLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.UserType, &l.Action, &l.Type, &l.Message, &l.DateTime); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Get returns one access log by id.
func (r *AccessLogRepo) Get(ctx context.Context, id uint64) (model.AccessLog, error) {
	const q = "SELECT id, user_id, user_type, action, type, message, date_time FROM accesslogs WHERE id = ?"
	var l model.AccessLog
	err := r.db.QueryRowContext(ctx, q, id).Scan(&l.ID, &l.UserID, &l.UserType, &l.Action, &l.Type, &l.Message, &l.DateTime)
	if err == sql.ErrNoRows {
		return model.AccessLog{}, ErrNotFound
	}
	if err != nil {
		return model.AccessLog{}, err
	}
	return l, nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > 1000:
		return 1000
	}
	return n
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
