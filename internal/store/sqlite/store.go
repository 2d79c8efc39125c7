package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragma busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragma journal_mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragma synchronous: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) HSet(ctx context.Context, namespace, field string, value []byte, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now + ttl.Milliseconds()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, field, value, expires_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, field) DO UPDATE SET
			value = excluded.value,
			expires_at_ms = excluded.expires_at_ms,
			updated_at_ms = excluded.updated_at_ms
	`, namespace, field, value, expiresAt, now)
	if err != nil {
		return fmt.Errorf("hset %s/%s: %w", namespace, field, err)
	}
	// 顺手清掉同命名空间里已过期的条目，避免表无限涨。
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND expires_at_ms > 0 AND expires_at_ms <= ?`,
		namespace, now)
	return nil
}

func (s *Store) HGet(ctx context.Context, namespace, field string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at_ms FROM cache_entries WHERE namespace = ? AND field = ?`,
		namespace, field).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("hget %s/%s: %w", namespace, field, err)
	}
	if expiresAt > 0 && expiresAt <= time.Now().UnixMilli() {
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE namespace = ? AND field = ?`, namespace, field)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *Store) HHas(ctx context.Context, namespace, field string) (bool, error) {
	_, ok, err := s.HGet(ctx, namespace, field)
	return ok, err
}

func (s *Store) HDel(ctx context.Context, namespace, field string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND field = ?`, namespace, field)
	if err != nil {
		return fmt.Errorf("hdel %s/%s: %w", namespace, field, err)
	}
	return nil
}
