package habitkit

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteLocalStoreConfig configures the SQLite-backed local store.
type SQLiteLocalStoreConfig struct {
	// Path to the SQLite database file
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int
}

// DefaultSQLiteLocalStoreConfig returns default configuration.
func DefaultSQLiteLocalStoreConfig() SQLiteLocalStoreConfig {
	return SQLiteLocalStoreConfig{
		Path:           "habitkit.db",
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// SQLiteLocalStore implements LocalStore on a SQLite database, giving the
// offline cache durability across process restarts. The cache survives what
// the retry queue does not.
type SQLiteLocalStore struct {
	db     *sql.DB
	config SQLiteLocalStoreConfig
	mu     sync.RWMutex
	closed bool

	// Prepared statements for common operations
	getStmt    *sql.Stmt
	setStmt    *sql.Stmt
	removeStmt *sql.Stmt
	keysStmt   *sql.Stmt
}

// NewSQLiteLocalStore opens (creating if needed) a SQLite-backed local store.
func NewSQLiteLocalStore(config SQLiteLocalStoreConfig) (*SQLiteLocalStore, error) {
	if config.Path == "" {
		config.Path = "habitkit.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	// Build connection string with pragmas
	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteLocalStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

// initSchema creates the key-value table.
func (s *SQLiteLocalStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cache_updated ON cache_entries(updated_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// prepareStatements prepares common SQL statements for better performance.
func (s *SQLiteLocalStore) prepareStatements() error {
	var err error

	s.getStmt, err = s.db.Prepare(`SELECT value FROM cache_entries WHERE key = ?`)
	if err != nil {
		return err
	}
	s.setStmt, err = s.db.Prepare(`
		INSERT INTO cache_entries (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	s.removeStmt, err = s.db.Prepare(`DELETE FROM cache_entries WHERE key = ?`)
	if err != nil {
		return err
	}
	s.keysStmt, err = s.db.Prepare(`SELECT key FROM cache_entries`)
	if err != nil {
		return err
	}
	return nil
}

func (s *SQLiteLocalStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrClosed
	}

	var value string
	err := s.getStmt.QueryRow(key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite get %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteLocalStore) Set(key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if _, err := s.setStmt.Exec(key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("sqlite set %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteLocalStore) Remove(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if _, err := s.removeStmt.Exec(key); err != nil {
		return fmt.Errorf("sqlite remove %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteLocalStore) MultiRemove(keys []string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite multi-remove begin: %w", err)
	}
	for _, key := range keys {
		if _, err := tx.Stmt(s.removeStmt).Exec(key); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite multi-remove %q: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteLocalStore) GetAllKeys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.keysStmt.Query()
	if err != nil {
		return nil, fmt.Errorf("sqlite keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite keys scan: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteLocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.getStmt, s.setStmt, s.removeStmt, s.keysStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}
