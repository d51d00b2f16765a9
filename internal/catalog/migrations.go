package catalog

import (
	"database/sql"

	"github.com/HerbHall/labdash/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create catalog services and health check tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS catalog_services (
						id TEXT PRIMARY KEY,
						name TEXT NOT NULL UNIQUE,
						url TEXT NOT NULL,
						service_type TEXT NOT NULL DEFAULT 'other',
						provider TEXT NOT NULL DEFAULT 'local',
						is_manual INTEGER NOT NULL DEFAULT 0,
						description TEXT NOT NULL DEFAULT '',
						icon TEXT NOT NULL DEFAULT '',
						tags TEXT NOT NULL DEFAULT '[]',
						status TEXT NOT NULL DEFAULT 'unknown',
						last_checked DATETIME,
						response_time_ms INTEGER,
						status_changed_at DATETIME,
						api_detected INTEGER NOT NULL DEFAULT 0,
						api_url TEXT NOT NULL DEFAULT '',
						api_type TEXT NOT NULL DEFAULT '',
						api_endpoint TEXT NOT NULL DEFAULT '',
						api_username TEXT NOT NULL DEFAULT '',
						api_password TEXT NOT NULL DEFAULT '',
						api_key TEXT NOT NULL DEFAULT '',
						api_detection_attempts INTEGER NOT NULL DEFAULT 0,
						api_last_detection DATETIME,
						discovery_router_name TEXT NOT NULL DEFAULT '',
						discovery_service_name TEXT NOT NULL DEFAULT '',
						stale INTEGER NOT NULL DEFAULT 0,
						created_at DATETIME NOT NULL,
						updated_at DATETIME NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_catalog_services_router ON catalog_services(discovery_router_name)`,

					`CREATE TABLE IF NOT EXISTS catalog_health_checks (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						service_id TEXT NOT NULL REFERENCES catalog_services(id) ON DELETE CASCADE,
						service_name TEXT NOT NULL,
						status TEXT NOT NULL,
						response_time_ms INTEGER,
						error_kind TEXT NOT NULL DEFAULT '',
						error_message TEXT NOT NULL DEFAULT '',
						checked_at DATETIME NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_catalog_checks_service_time ON catalog_health_checks(service_id, checked_at)`,
					`CREATE INDEX IF NOT EXISTS idx_catalog_checks_time ON catalog_health_checks(checked_at)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
