package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"

	"consultchat/internal/config"
)

func TestOpenMemoryCreatesTables(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"users", "chat_messages", "conversations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
	// migrations are idempotent
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"postgres": {DSN: "x"}}}
	if _, err := Open("postgres", cfg); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open("sqlite3", cfg); err == nil {
		t.Fatalf("expected missing config error")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	defer db.Close()

	insert := `INSERT INTO users (id, name, email, password_hash, is_consultant, created_at)
		VALUES (?, 'n', ?, 'h', 0, CURRENT_TIMESTAMP)`
	if _, err := db.Exec(insert, "u-1", "a@example.com"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err = db.Exec(insert, "u-2", "a@example.com")
	if err == nil {
		t.Fatalf("expected duplicate email to fail")
	}
	if !IsUniqueViolation(fmt.Errorf("create user: %w", err)) {
		t.Fatalf("expected unique violation, got %v", err)
	}

	if !IsUniqueViolation(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}) {
		t.Fatalf("expected mysql 1062 to be a unique violation")
	}
	if IsUniqueViolation(&mysql.MySQLError{Number: 1146}) || IsUniqueViolation(errors.New("boom")) || IsUniqueViolation(nil) {
		t.Fatalf("unexpected unique violation")
	}
}
