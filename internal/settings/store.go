package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/chatreader/internal/config"
	_ "modernc.org/sqlite"
)

// Store holds raw JSON settings values by key, in SQLite or in memory.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time

	mu     sync.RWMutex
	memory map[string][]byte
}

// Open initializes the settings store according to config.
func Open(ctx context.Context, cfg config.SettingsConfig, log *slog.Logger) (*Store, error) {
	if cfg.Mode == "ephemeral" {
		return NewMemoryStore(log), nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewMemoryStore returns a store that keeps values for the life of the process.
func NewMemoryStore(log *slog.Logger) *Store {
	return &Store{log: log, clock: time.Now, memory: make(map[string][]byte)}
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Persistent reports whether values survive a restart.
func (s *Store) Persistent() bool { return s.db != nil }

// Load returns the stored value for key. ok is false when nothing is stored.
func (s *Store) Load(ctx context.Context, key string) (value []byte, ok bool, err error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		v, ok := s.memory[key]
		if !ok {
			return nil, false, nil
		}
		return append([]byte(nil), v...), true, nil
	}

	err = s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load setting %s: %w", key, err)
	}
	return value, true, nil
}

// Save writes value for key, replacing any previous value.
func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	if s.db == nil {
		s.mu.Lock()
		s.memory[key] = append([]byte(nil), value...)
		s.mu.Unlock()
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.db == nil {
		s.mu.Lock()
		delete(s.memory, key)
		s.mu.Unlock()
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}

// Keys lists stored keys in ascending order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if s.db == nil {
		s.mu.RLock()
		keys := make([]string, 0, len(s.memory))
		for k := range s.memory {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
		sort.Strings(keys)
		return keys, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key FROM settings ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdatedAt returns when key was last written, or the zero time.
func (s *Store) UpdatedAt(ctx context.Context, key string) (time.Time, error) {
	if s.db == nil {
		return time.Time{}, nil
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
