package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/HerbHall/labdash/pkg/plugin"
)

// Migrate applies the named plugin's pending migrations in slice order.
// Each migration runs in its own transaction together with its _migrations
// row, so a failure leaves earlier steps committed and later ones untouched.
func (s *SQLiteStore) Migrate(ctx context.Context, pluginName string, migrations []plugin.Migration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureMetaTables(ctx); err != nil {
		return err
	}

	applied, err := s.AppliedVersions(ctx, pluginName)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		err := s.Tx(ctx, func(tx *sql.Tx) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO _migrations (plugin_name, version, description) VALUES (?, ?, ?)",
				pluginName, m.Version, m.Description,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s/%d (%s): %w", pluginName, m.Version, m.Description, err)
		}
	}
	return nil
}

// AppliedVersions returns the set of migration versions recorded for a plugin.
func (s *SQLiteStore) AppliedVersions(ctx context.Context, pluginName string) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version FROM _migrations WHERE plugin_name = ?", pluginName)
	if err != nil {
		return nil, fmt.Errorf("list migrations for %s: %w", pluginName, err)
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		out[v] = true
	}
	return out, rows.Err()
}

// ensureMetaTables creates the bookkeeping tables. Caller holds s.mu.
func (s *SQLiteStore) ensureMetaTables(ctx context.Context) error {
	if s.metaReady {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _migrations (
			plugin_name TEXT     NOT NULL,
			version     INTEGER  NOT NULL,
			description TEXT     NOT NULL,
			applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (plugin_name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS _schema_meta (
			id          INTEGER  PRIMARY KEY CHECK (id = 1),
			app_version TEXT     NOT NULL,
			updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create meta tables: %w", err)
		}
	}
	s.metaReady = true
	return nil
}
