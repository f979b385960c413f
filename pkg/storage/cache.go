package storage

import (
	"database/sql"
	"errors"
	"strings"
)

// Cache key namespaces. Any component may read an entry; only the owning
// sync component writes a given key.
const (
	CachePrefixAnnotation = "anno:"
	CachePrefixThreadMeta = "mini:meta:"
)

// AnnotationCacheKey builds the local cache key for a message's annotations.
func AnnotationCacheKey(sessionID, messageID string) string {
	return CachePrefixAnnotation + sessionID + ":" + messageID
}

// ThreadMetaCacheKey builds the local cache key for a thread's ui metadata.
func ThreadMetaCacheKey(threadID string) string {
	return CachePrefixThreadMeta + threadID
}

// CacheGet loads a cache entry. The second return is false on miss.
func (s *Store) CacheGet(key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrStoreClosed
	}
	var value string
	err := s.db.QueryRow(`SELECT value FROM cache_entries WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// CacheSet upserts a cache entry. Empty value deletes the row.
func (s *Store) CacheSet(key, value string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if value == "" {
		_, err := s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO cache_entries (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// CacheDelete removes a cache entry.
func (s *Store) CacheDelete(key string) error {
	return s.CacheSet(key, "")
}

// CacheKeys returns all keys under a prefix, for reconciliation on load.
func (s *Store) CacheKeys(prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`SELECT key FROM cache_entries WHERE key LIKE ? ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
