package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"igsession/pkg/logger"
)

const recordExt = ".json"

// FileBackend stores one JSON document per username in a directory.
// Records are loaded into memory at startup; writes go to a temporary file
// that is synced and renamed over the old one.
type FileBackend struct {
	dir     string
	log     logger.Logger
	mu      sync.RWMutex
	records map[string]*Record
}

// NewFileBackend opens (creating if needed) dir and loads existing records
func NewFileBackend(dir string, log logger.Logger) (*FileBackend, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	b := &FileBackend{
		dir:     dir,
		log:     log.WithField("component", "file_backend"),
		records: make(map[string]*Record),
	}
	if err := b.scan(); err != nil {
		return nil, fmt.Errorf("failed to scan session directory: %w", err)
	}
	return b, nil
}

// scan loads every record file in the directory. Unreadable files are
// skipped and logged.
func (b *FileBackend) scan() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != recordExt {
			continue
		}
		username := strings.TrimSuffix(name, recordExt)
		if ValidateUsername(username) != nil {
			continue
		}

		rec, err := readRecord(filepath.Join(b.dir, name))
		if err != nil {
			b.log.WithError(err).WithField("file", name).Warn("Skipping unreadable session file")
			continue
		}
		rec.Username = username
		b.records[username] = rec
	}

	b.log.WithField("records", len(b.records)).Debug("Session directory scanned")
	return nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}

func (b *FileBackend) path(username string) string {
	return filepath.Join(b.dir, username+recordExt)
}

func (b *FileBackend) Load(ctx context.Context, username string) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[username]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// Put writes the record to disk atomically, then updates the in-memory copy
func (b *FileBackend) Put(ctx context.Context, rec *Record) error {
	if err := ValidateUsername(rec.Username); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	finalPath := b.path(rec.Username)
	tempPath := finalPath + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temporary record file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(rec); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode record: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync record file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close record file: %w", err)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace record file: %w", err)
	}

	b.records[rec.Username] = rec.Clone()
	return nil
}

func (b *FileBackend) ProxyLoad(ctx context.Context) (map[string]int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return countProxies(b.records), nil
}

func (b *FileBackend) List(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.records))
	for name := range b.records {
		names = append(names, name)
	}
	return names, nil
}

// Ping checks the directory is still there
func (b *FileBackend) Ping(ctx context.Context) error {
	info, err := os.Stat(b.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", b.dir)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }
