package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"consultchat/internal/config"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

const mysqlDuplicateEntry = 1062

// Open connects to the configured SQLite or MySQL database.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if dbCfg.DSN == ":memory:" {
			// every pooled connection would get its own empty database
			db.SetMaxOpenConns(1)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		params := dbCfg.Params
		if params == "" {
			params = "parseTime=true&charset=utf8mb4"
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				email TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				is_consultant INTEGER NOT NULL DEFAULT 0,
				email_verified_at DATETIME,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id TEXT PRIMARY KEY,
				channel_name TEXT NOT NULL,
				text TEXT NOT NULL,
				from_user_id TEXT NOT NULL,
				to_user_id TEXT NOT NULL,
				timestamp DATETIME NOT NULL,
				source TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chat_messages_channel ON chat_messages(channel_name, timestamp DESC)`,
			`CREATE TABLE IF NOT EXISTS conversations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				client_id TEXT NOT NULL,
				consultant_id TEXT NOT NULL,
				channel_name TEXT NOT NULL UNIQUE,
				created_at DATETIME NOT NULL,
				is_active INTEGER NOT NULL DEFAULT 1,
				FOREIGN KEY(client_id) REFERENCES users(id) ON DELETE CASCADE,
				FOREIGN KEY(consultant_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_client ON conversations(client_id)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_consultant ON conversations(consultant_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id CHAR(36) NOT NULL,
				name VARCHAR(255) NOT NULL,
				email VARCHAR(255) NOT NULL UNIQUE,
				password_hash VARCHAR(255) NOT NULL,
				is_consultant TINYINT(1) NOT NULL DEFAULT 0,
				email_verified_at DATETIME(6) NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id VARCHAR(64) NOT NULL,
				channel_name VARCHAR(255) NOT NULL,
				text MEDIUMTEXT NOT NULL,
				from_user_id VARCHAR(64) NOT NULL,
				to_user_id VARCHAR(64) NOT NULL,
				timestamp DATETIME(6) NOT NULL,
				source VARCHAR(16) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_chat_messages_channel (channel_name, timestamp)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS conversations (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				client_id CHAR(36) NOT NULL,
				consultant_id CHAR(36) NOT NULL,
				channel_name VARCHAR(255) NOT NULL UNIQUE,
				created_at DATETIME(6) NOT NULL,
				is_active TINYINT(1) NOT NULL DEFAULT 1,
				PRIMARY KEY (id),
				INDEX idx_conversations_client (client_id),
				INDEX idx_conversations_consultant (consultant_id),
				CONSTRAINT fk_conversations_client FOREIGN KEY (client_id) REFERENCES users(id) ON DELETE CASCADE,
				CONSTRAINT fk_conversations_consultant FOREIGN KEY (consultant_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}

// OpenMemory opens a migrated in-memory SQLite database. Used by tests.
func OpenMemory() (*sql.DB, error) {
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := Open("sqlite3", cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, "sqlite3"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// IsUniqueViolation reports whether err comes from a UNIQUE or PRIMARY KEY
// constraint in either supported driver.
func IsUniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	return false
}
