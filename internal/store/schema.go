package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/mod/semver"
)

// ErrNewerSchema is returned when the database was last written by a newer
// LabDash release than the running binary.
var ErrNewerSchema = errors.New("database was created by a newer version of LabDash")

// CheckVersion records the running version in _schema_meta and refuses to
// continue when the stored version is newer. "dev" on either side passes.
func (s *SQLiteStore) CheckVersion(ctx context.Context, current string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureMetaTables(ctx); err != nil {
		return err
	}

	var stored string
	err := s.db.QueryRowContext(ctx, "SELECT app_version FROM _schema_meta WHERE id = 1").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.writeVersion(ctx, current, true)
	case err != nil:
		return fmt.Errorf("query schema version: %w", err)
	}

	if stored == "dev" || current == "dev" {
		return s.writeVersion(ctx, current, false)
	}

	switch cmp := semver.Compare(canonical(current), canonical(stored)); {
	case cmp < 0:
		return fmt.Errorf("%w: database=%s, binary=%s", ErrNewerSchema, stored, current)
	case cmp > 0:
		return s.writeVersion(ctx, current, false)
	}
	return nil
}

func (s *SQLiteStore) writeVersion(ctx context.Context, v string, insert bool) error {
	q := "UPDATE _schema_meta SET app_version = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1"
	if insert {
		q = "INSERT INTO _schema_meta (id, app_version, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)"
	}
	if _, err := s.db.ExecContext(ctx, q, v); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// canonical adds the "v" prefix semver expects.
func canonical(v string) string {
	if v != "" && v[0] != 'v' {
		return "v" + v
	}
	return v
}
