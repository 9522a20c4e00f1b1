package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    cache_key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// SQLiteCache implements Cache on a single SQLite table
type SQLiteCache struct {
	path string

	mu    sync.Mutex
	sqlDB *sql.DB
}

// NewSQLite creates a SQLite cache stored at path. Init opens the database.
func NewSQLite(path string) *SQLiteCache {
	return &SQLiteCache{path: path}
}

// Init opens the database and creates the schema. Calling it again is a no-op.
func (s *SQLiteCache) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sqlDB != nil {
		return nil
	}
	if strings.TrimSpace(s.path) == "" {
		return fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(s.path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("create schema: %w", err)
	}

	logrus.Debugf("Opened sqlite cache: %s", s.path)
	s.sqlDB = sqlDB
	return nil
}

func (s *SQLiteCache) db() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sqlDB == nil {
		return nil, fmt.Errorf("sqlite cache is not initialized")
	}
	return s.sqlDB, nil
}

func (s *SQLiteCache) Get(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	sqlDB, err := s.db()
	if err != nil {
		return nil, err
	}

	var value []byte
	err = sqlDB.QueryRow(`SELECT value FROM cache_entries WHERE cache_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	return value, nil
}

func (s *SQLiteCache) Set(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	sqlDB, err := s.db()
	if err != nil {
		return err
	}

	_, err = sqlDB.Exec(
		`INSERT INTO cache_entries (cache_key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteCache) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	sqlDB, err := s.db()
	if err != nil {
		return err
	}

	if _, err := sqlDB.Exec(`DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteCache) Keys(prefix string) ([]string, error) {
	sqlDB, err := s.db()
	if err != nil {
		return nil, err
	}

	// byte-wise prefix compare, no LIKE wildcard escaping
	rows, err := sqlDB.Query(
		`SELECT cache_key FROM cache_entries WHERE substr(CAST(cache_key AS BLOB), 1, ?) = CAST(? AS BLOB) ORDER BY cache_key`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close releases the underlying SQLite connection.
func (s *SQLiteCache) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sqlDB == nil {
		return nil
	}
	err := s.sqlDB.Close()
	s.sqlDB = nil
	return err
}
