// Package settings provides the host's persistent key-value configuration
// storage: user-facing toggles and the last window geometry.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Keys stored by the host.
const (
	KeyLastWindowState = "lastWindowState"
	KeySpellCheck      = "spellCheck"
	KeyStoreBackup     = "storeBackup"
	KeyFontsEnabled    = "fontsEnabled"
)

// ErrNotFound is returned by Get for unset keys.
var ErrNotFound = errors.New("settings: key not set")

// Store is a sqlite-backed key-value store.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	listeners []func(key, value string)
}

// Open opens or creates the settings database at path and migrates it.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create settings directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// OnChange registers fn to run after every successful write.
func (s *Store) OnChange(fn func(key, value string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Get returns the stored value of key.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// String returns the value of key, or def when unset or unreadable.
func (s *Store) String(key, def string) string {
	v, err := s.Get(key)
	if err != nil {
		return def
	}
	return v
}

// Set stores value under key.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	s.mu.Lock()
	listeners := append([]func(string, string){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(key, value)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Bool returns the boolean value of key. Unset keys fall back to the
// platform default, then to def.
func (s *Store) Bool(key string, def bool) bool {
	v, err := s.Get(key)
	if err != nil {
		if d, ok := Defaults()[key]; ok {
			return d
		}
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// SetBool stores a boolean value.
func (s *Store) SetBool(key string, value bool) error {
	return s.Set(key, strconv.FormatBool(value))
}

// Toggle flips a boolean key and returns the new value.
func (s *Store) Toggle(key string) (bool, error) {
	next := !s.Bool(key, false)
	if err := s.SetBool(key, next); err != nil {
		return !next, err
	}
	return next, nil
}

// Defaults returns the per-platform defaults of the boolean toggles.
func Defaults() map[string]bool {
	return map[string]bool{
		KeySpellCheck:   runtime.GOOS != "darwin",
		KeyStoreBackup:  true,
		KeyFontsEnabled: true,
	}
}
