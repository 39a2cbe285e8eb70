package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// sqliteBusyTimeout bounds how long a connection waits on a lock
	// before surfacing "database is locked".
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns is the size of the read-only pool. WAL mode
	// lets readers proceed on snapshots alongside the single writer.
	sqliteReaderConns = 4
)

// OpenSQLitePool opens the database file twice: a single-connection
// writer that serializes mutations, and a read-only pool serving
// queries concurrently through WAL snapshots.
func OpenSQLitePool(path string) (*Pool, error) {
	abs := absSQLitePath(path)
	if err := touchSQLiteFile(abs); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	writer, err := sql.Open("sqlite3", sqliteDSN(abs, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer connection avoids SQLITE_BUSY on write contention.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	reader, err := sql.Open("sqlite3", sqliteDSN(abs, "ro"))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return &Pool{
		writer: sqlx.NewDb(writer, "sqlite3"),
		reader: sqlx.NewDb(reader, "sqlite3"),
	}, nil
}

// sqliteDSN builds the connection string for one role. Foreign keys,
// the busy timeout, and the shared page cache apply to every
// connection; WAL journaling and synchronous=NORMAL are database-level
// settings the writer establishes.
func sqliteDSN(path, mode string) string {
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=%s&_busy_timeout=%d&_cache=shared",
		path, mode, int(sqliteBusyTimeout/time.Millisecond),
	)
	if mode == "rwc" {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return dsn
}

// touchSQLiteFile ensures the file and its parent directory exist so
// the read-only pool can open it.
func touchSQLiteFile(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func absSQLitePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
