package store

import (
	"context"
	"fmt"
	"strings"
)

func (s *Store) migrate(ctx context.Context) error {
	for _, m := range s.dialect.migrations() {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			// Re-running an ALTER TABLE ADD COLUMN or an index that already
			// exists is a no-op for idempotent migrations.
			lower := strings.ToLower(err.Error())
			if strings.Contains(lower, "duplicate column") || strings.Contains(lower, "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
