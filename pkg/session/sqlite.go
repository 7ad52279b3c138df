package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		username  TEXT PRIMARY KEY,
		session   BLOB,
		proxy     TEXT NOT NULL DEFAULT '',
		password  TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_proxy ON sessions(proxy);
`

// SQLiteBackend stores records in a single SQLite table
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens the database at path and ensures the schema exists
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps upserts from racing on the same file
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context, username string) (*Record, error) {
	var (
		rec Record
		ts  string
	)
	err := b.db.QueryRowContext(ctx,
		"SELECT session, proxy, password, timestamp FROM sessions WHERE username = ?",
		username,
	).Scan(&rec.Session, &rec.Proxy, &rec.Password, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}

	if ts != "" {
		rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
	}
	rec.Username = username
	return &rec, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, rec *Record) error {
	ts := ""
	if !rec.Timestamp.IsZero() {
		ts = rec.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO sessions (username, session, proxy, password, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			session = excluded.session,
			proxy = excluded.proxy,
			password = excluded.password,
			timestamp = excluded.timestamp`,
		rec.Username, rec.Session, rec.Proxy, rec.Password, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ProxyLoad(ctx context.Context) (map[string]int, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT proxy, COUNT(*) FROM sessions WHERE proxy != '' GROUP BY proxy")
	if err != nil {
		return nil, fmt.Errorf("failed to query proxy load: %w", err)
	}
	defer rows.Close()

	load := make(map[string]int)
	for rows.Next() {
		var (
			proxy string
			count int
		)
		if err := rows.Scan(&proxy, &count); err != nil {
			return nil, fmt.Errorf("failed to scan proxy load: %w", err)
		}
		load[proxy] = count
	}
	return load, rows.Err()
}

func (b *SQLiteBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT username FROM sessions")
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan username: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
