package media

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS media_metadata (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		media_id     TEXT NOT NULL,
		media_pk     TEXT NOT NULL DEFAULT '',
		item_pk      TEXT NOT NULL DEFAULT '',
		url          TEXT NOT NULL DEFAULT '',
		media_type   INTEGER NOT NULL DEFAULT 0,
		product_type TEXT NOT NULL DEFAULT '',
		owner        TEXT NOT NULL,
		fetched_by   TEXT NOT NULL DEFAULT '',
		fetched_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_media_owner ON media_metadata(owner);
`

// SQLiteLedger stores rows in the media_metadata table. It may share a
// database file with the session backend.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens the database at path and ensures the table exists
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize media schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) SeenIDs(ctx context.Context, owner string) (map[string]bool, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT DISTINCT media_id FROM media_metadata WHERE owner = ?", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query media: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan media id: %w", err)
		}
		seen[id] = true
	}
	return seen, rows.Err()
}

// Record inserts items in one transaction
func (l *SQLiteLedger) Record(ctx context.Context, items []Metadata) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO media_metadata
			(media_id, media_pk, item_pk, url, media_type, product_type, owner, fetched_by, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range items {
		_, err := stmt.ExecContext(ctx, m.MediaID, m.MediaPK, m.ItemPK, m.URL,
			m.MediaType, m.ProductType, m.Owner, m.FetchedBy, m.FetchedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to insert media %s: %w", m.MediaID, err)
		}
	}
	return tx.Commit()
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
