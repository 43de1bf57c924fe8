package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/lockdownpark/parkbus/internal/config"
)

// DSN builds the driver DSN.  parseTime maps DATETIME to time.Time and
// loc=UTC keeps times consistent.
func DSN(cfg config.DB) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Pass
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, cfg.Port)
	mc.DBName = cfg.Name
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// Open connects to MySQL and verifies the connection.
func Open(cfg config.DB) (*sql.DB, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, err
	}

	// Pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	// Ping with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS errorlogs (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		service VARCHAR(64) NOT NULL,
		endpoint VARCHAR(255) NOT NULL,
		error TEXT NOT NULL,
		routing_key VARCHAR(255) NULL,
		date_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_errorlogs_service (service),
		INDEX idx_errorlogs_date_time (date_time)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS accesslogs (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		user_type VARCHAR(16) NOT NULL,
		action VARCHAR(64) NOT NULL DEFAULT '',
		type VARCHAR(16) NOT NULL,
		message TEXT NOT NULL,
		date_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_accesslogs_user (user_type, user_id),
		INDEX idx_accesslogs_date_time (date_time)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the log tables if they are missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
