package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnavailable is returned when the backing medium cannot be reached,
	// e.g. the offline directory was removed or is not writable.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrQuotaExceeded is returned when a write would grow the store past its
	// configured byte quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// KV is a flat byte-oriented key-value store.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// Keys returns every key with the given prefix, sorted.
	Keys(prefix string) ([]string, error)
}

// ── SQLite ──────────────────────────────────────────────────

// SQLiteKV stores values in the offline_kv table.
type SQLiteKV struct {
	db    *DB
	quota int64 // bytes, 0 = unlimited
}

func NewSQLiteKV(db *DB, quota int64) *SQLiteKV {
	return &SQLiteKV{db: db, quota: quota}
}

func (s *SQLiteKV) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.Conn().QueryRow(`SELECT value FROM offline_kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteKV) Set(key string, value []byte) error {
	if s.quota > 0 {
		var used int64
		err := s.db.Conn().QueryRow(
			`SELECT COALESCE(SUM(size), 0) FROM offline_kv WHERE key != ?`, key,
		).Scan(&used)
		if err != nil {
			return fmt.Errorf("measure usage: %w", err)
		}
		if used+int64(len(value)) > s.quota {
			return fmt.Errorf("set %s (%d bytes, %d used of %d): %w",
				key, len(value), used, s.quota, ErrQuotaExceeded)
		}
	}

	_, err := s.db.Conn().Exec(
		`INSERT INTO offline_kv (key, value, size, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, size = excluded.size, updated_at = CURRENT_TIMESTAMP`,
		key, value, len(value),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteKV) Delete(key string) error {
	if _, err := s.db.Conn().Exec(`DELETE FROM offline_kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteKV) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Conn().Query(
		`SELECT key FROM offline_kv WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ── Memory ──────────────────────────────────────────────────

// MemoryKV is a map-backed KV. The zero value is not usable; use NewMemoryKV.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
