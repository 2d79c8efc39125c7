package sqlite

import (
	"context"
	"fmt"
)

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			namespace TEXT NOT NULL,
			field TEXT NOT NULL,
			value BLOB NOT NULL,
			expires_at_ms INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (namespace, field)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_expiry
			ON cache_entries (namespace, expires_at_ms);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
