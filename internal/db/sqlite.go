package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// How long a connection waits on a locked database before giving up.
	sqliteBusyTimeout = 5 * time.Second

	// WAL lets readers proceed while the single writer holds its lock.
	sqliteReaderConns = 4
)

// sqliteDSN assembles a file: DSN for the given access mode. Every handle
// gets foreign keys, a busy timeout and the shared page cache; the writer
// additionally switches the database to WAL with NORMAL synchronous, which
// persists at the database level and so applies to readers too.
func sqliteDSN(path, mode string) string {
	params := []string{
		"_foreign_keys=on",
		"_mode=" + mode,
		fmt.Sprintf("_busy_timeout=%d", int(sqliteBusyTimeout/time.Millisecond)),
	}
	if mode == "rwc" {
		params = append(params, "_journal_mode=WAL", "_synchronous=NORMAL")
	}
	params = append(params, "_cache=shared")
	return "file:" + path + "?" + strings.Join(params, "&")
}

// OpenSQLite opens the write handle for the database at dbPath, creating
// the file and any missing parent directories first. The pool is capped at
// a single connection because SQLite serializes writers anyway; funneling
// them through one connection trades lock contention for queueing.
func OpenSQLite(dbPath string) (*sqlx.DB, error) {
	path, err := resolveSQLitePath(dbPath)
	if err != nil {
		return nil, err
	}

	conn, err := sqlx.Open("sqlite3", sqliteDSN(path, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite database %s: %w", path, err)
	}
	return conn, nil
}

// OpenSQLiteReader opens a read-only pool against an existing database.
// Reads never block each other under WAL, so this pool holds a few
// connections where the writer holds one.
func OpenSQLiteReader(dbPath string) (*sqlx.DB, error) {
	path := filepath.Clean(dbPath)

	conn, err := sqlx.Open("sqlite3", sqliteDSN(path, "ro"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader %s: %w", path, err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite reader %s: %w", path, err)
	}
	return conn, nil
}

// resolveSQLitePath cleans dbPath and makes sure the file exists, creating
// parent directories as needed. sqlite3 would create the file on first use,
// but doing it here surfaces permission problems at startup instead of on
// the first write.
func resolveSQLitePath(dbPath string) (string, error) {
	path := filepath.Clean(dbPath)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return "", fmt.Errorf("create database file %s: %w", path, err)
		}
		f.Close()
	} else if err != nil {
		return "", fmt.Errorf("stat database file %s: %w", path, err)
	}
	return path, nil
}
