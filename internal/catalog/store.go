package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/labdash/internal/store"
	"github.com/HerbHall/labdash/pkg/models"
)

// Encrypter seals credential columns at rest.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// CatalogStore provides database access for the service registry.
// Credential columns pass through the Encrypter; a value that fails to
// decrypt reads back as the empty string.
type CatalogStore struct {
	db  *sql.DB
	enc Encrypter
}

// NewCatalogStore creates a store. A nil Encrypter refuses to write
// credentials and reads every credential as empty.
func NewCatalogStore(db *sql.DB, enc Encrypter) *CatalogStore {
	return &CatalogStore{db: db, enc: enc}
}

const serviceColumns = `id, name, url, service_type, provider, is_manual, description, icon, tags,
	status, last_checked, response_time_ms, status_changed_at,
	api_detected, api_url, api_type, api_endpoint, api_username, api_password, api_key,
	api_detection_attempts, api_last_detection,
	discovery_router_name, discovery_service_name, stale, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *CatalogStore) scanService(row rowScanner) (*models.Service, error) {
	var (
		svc                                   models.Service
		tags, user, pass, key                 string
		lastChecked, changedAt, lastDetection sql.NullTime
		responseMs                            sql.NullInt64
		isManual, apiDetected, stale          bool
	)
	err := row.Scan(
		&svc.ID, &svc.Name, &svc.URL, &svc.ServiceType, &svc.Provider, &isManual,
		&svc.Description, &svc.Icon, &tags,
		&svc.Status, &lastChecked, &responseMs, &changedAt,
		&apiDetected, &svc.APIURL, &svc.APIType, &svc.APIEndpoint, &user, &pass, &key,
		&svc.APIDetectionAttempts, &lastDetection,
		&svc.DiscoveryRouterName, &svc.DiscoveryServiceName, &stale, &svc.CreatedAt, &svc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	svc.IsManual = isManual
	svc.APIDetected = apiDetected
	svc.Stale = stale
	svc.LastChecked = timePtr(lastChecked)
	svc.StatusChangedAt = timePtr(changedAt)
	svc.APILastDetection = timePtr(lastDetection)
	if responseMs.Valid {
		ms := responseMs.Int64
		svc.ResponseTimeMs = &ms
	}
	if err := json.Unmarshal([]byte(tags), &svc.Tags); err != nil || svc.Tags == nil {
		svc.Tags = []string{}
	}
	svc.APIUsername = s.decrypt(user)
	svc.APIPassword = s.decrypt(pass)
	svc.APIKey = s.decrypt(key)
	return &svc, nil
}

// GetService returns a service by name. Returns nil, nil if not found.
func (s *CatalogStore) GetService(ctx context.Context, name string) (*models.Service, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM catalog_services WHERE name = ?`, name)
	svc, err := s.scanService(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get service: %w", err)
	}
	return svc, nil
}

// GetServiceByID returns a service by ID. Returns nil, nil if not found.
func (s *CatalogStore) GetServiceByID(ctx context.Context, id string) (*models.Service, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM catalog_services WHERE id = ?`, id)
	svc, err := s.scanService(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get service by id: %w", err)
	}
	return svc, nil
}

// ListServices returns every service ordered by name.
func (s *CatalogStore) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serviceColumns+` FROM catalog_services ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []models.Service
	for rows.Next() {
		svc, err := s.scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service row: %w", err)
		}
		out = append(out, *svc)
	}
	return out, rows.Err()
}

// InsertService inserts a new service. A name collision returns an error
// matching ErrDuplicateName.
func (s *CatalogStore) InsertService(ctx context.Context, svc *models.Service) error {
	user, pass, key, err := s.encryptCredentials(svc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO catalog_services (
			id, name, url, service_type, provider, is_manual, description, icon, tags,
			status, last_checked, response_time_ms, status_changed_at,
			api_detected, api_url, api_type, api_endpoint, api_username, api_password, api_key,
			api_detection_attempts, api_last_detection,
			discovery_router_name, discovery_service_name, stale, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		svc.ID, svc.Name, svc.URL, svc.ServiceType, svc.Provider, svc.IsManual,
		svc.Description, svc.Icon, encodeTags(svc.Tags),
		svc.Status, nullTime(svc.LastChecked), nullInt(svc.ResponseTimeMs), nullTime(svc.StatusChangedAt),
		svc.APIDetected, svc.APIURL, svc.APIType, svc.APIEndpoint, user, pass, key,
		svc.APIDetectionAttempts, nullTime(svc.APILastDetection),
		svc.DiscoveryRouterName, svc.DiscoveryServiceName, svc.Stale, svc.CreatedAt, svc.UpdatedAt,
	)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return fmt.Errorf("insert service %q: %w", svc.Name, ErrDuplicateName)
		}
		return fmt.Errorf("insert service: %w", err)
	}
	return nil
}

// UpdateDefinition rewrites the user- or discovery-owned fields of a service.
// Health and credential columns are left alone.
func (s *CatalogStore) UpdateDefinition(ctx context.Context, svc *models.Service) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE catalog_services SET
			name = ?, url = ?, service_type = ?, provider = ?, description = ?, icon = ?, tags = ?,
			api_detected = ?, api_url = ?, api_type = ?, api_endpoint = ?,
			api_detection_attempts = ?, api_last_detection = ?,
			discovery_router_name = ?, discovery_service_name = ?, stale = ?, updated_at = ?
		WHERE id = ?`,
		svc.Name, svc.URL, svc.ServiceType, svc.Provider, svc.Description, svc.Icon, encodeTags(svc.Tags),
		svc.APIDetected, svc.APIURL, svc.APIType, svc.APIEndpoint,
		svc.APIDetectionAttempts, nullTime(svc.APILastDetection),
		svc.DiscoveryRouterName, svc.DiscoveryServiceName, svc.Stale, svc.UpdatedAt,
		svc.ID,
	)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return fmt.Errorf("rename service to %q: %w", svc.Name, ErrDuplicateName)
		}
		return fmt.Errorf("update service: %w", err)
	}
	return expectOne(res, "update service")
}

// UpdateURL replaces a stored URL that lacks a scheme with its resolved
// form, provided the row still holds from.
func (s *CatalogStore) UpdateURL(ctx context.Context, id, from, to string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE catalog_services SET url = ?, updated_at = ? WHERE id = ? AND url = ?`, to, now, id, from)
	if err != nil {
		return fmt.Errorf("update url: %w", err)
	}
	return expectCurrent(ctx, s.db, res, id, "update url")
}

// HealthSnapshot is the status portion of a service written by one probe.
type HealthSnapshot struct {
	// URL is the address that was probed. When set, the snapshot is only
	// written while the stored URL still matches.
	URL             string
	Status          models.ServiceStatus
	LastChecked     time.Time
	ResponseTimeMs  *int64
	StatusChangedAt *time.Time
}

// RecordHealth writes the snapshot with a single UPDATE and appends the
// health record, both in one transaction.
func (s *CatalogStore) RecordHealth(ctx context.Context, id string, snap HealthSnapshot, rec *models.HealthCheckRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin health tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
		UPDATE catalog_services SET
			status = ?, last_checked = ?, response_time_ms = ?,
			status_changed_at = COALESCE(?, status_changed_at)
		WHERE id = ? AND (? = '' OR url = ?)`,
		snap.Status, snap.LastChecked, nullInt(snap.ResponseTimeMs), nullTime(snap.StatusChangedAt),
		id, snap.URL, snap.URL,
	)
	if err != nil {
		return fmt.Errorf("update health: %w", err)
	}
	if err := expectCurrent(ctx, tx, res, id, "update health"); err != nil {
		return err
	}

	r, err := tx.ExecContext(ctx, `
		INSERT INTO catalog_health_checks (
			service_id, service_name, status, response_time_ms, error_kind, error_message, checked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, rec.ServiceName, rec.Status, nullInt(rec.ResponseTimeMs),
		rec.ErrorKind, rec.ErrorMessage, rec.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("insert health check: %w", err)
	}
	if rec.ID, err = r.LastInsertId(); err != nil {
		return fmt.Errorf("health check id: %w", err)
	}
	return tx.Commit()
}

// DetectionUpdate is the API state written after a detection decision.
type DetectionUpdate struct {
	// BaseURL is the service URL detection ran against. When set, the
	// update only applies while the stored URL still matches.
	BaseURL       string
	Detected      bool
	URL           string
	Type          string
	Endpoint      string
	Attempts      int
	LastDetection *time.Time
}

// UpdateDetection writes API detection state with a single UPDATE.
func (s *CatalogStore) UpdateDetection(ctx context.Context, id string, u DetectionUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE catalog_services SET
			api_detected = ?, api_url = ?, api_type = ?, api_endpoint = ?,
			api_detection_attempts = ?, api_last_detection = ?
		WHERE id = ? AND (? = '' OR url = ?)`,
		u.Detected, u.URL, u.Type, u.Endpoint, u.Attempts, nullTime(u.LastDetection),
		id, u.BaseURL, u.BaseURL,
	)
	if err != nil {
		return fmt.Errorf("update detection: %w", err)
	}
	return expectCurrent(ctx, s.db, res, id, "update detection")
}

// UpdateCredentials encrypts and stores API credentials and marks the API
// as known.
func (s *CatalogStore) UpdateCredentials(ctx context.Context, svc *models.Service) error {
	user, pass, key, err := s.encryptCredentials(svc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE catalog_services SET
			api_username = ?, api_password = ?, api_key = ?,
			api_url = ?, api_type = ?, api_detected = ?, api_detection_attempts = ?, updated_at = ?
		WHERE id = ?`,
		user, pass, key, svc.APIURL, svc.APIType, svc.APIDetected, svc.APIDetectionAttempts, svc.UpdatedAt, svc.ID,
	)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	return expectOne(res, "update credentials")
}

// SetStale flags or clears the stale marker.
func (s *CatalogStore) SetStale(ctx context.Context, id string, stale bool, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE catalog_services SET stale = ?, updated_at = ? WHERE id = ? AND stale != ?`,
		stale, now, id, stale)
	if err != nil {
		return fmt.Errorf("set stale: %w", err)
	}
	return nil
}

// DeleteService removes a service and its health history.
func (s *CatalogStore) DeleteService(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM catalog_services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	return expectOne(res, "delete service")
}

// ListHealthChecks returns the newest records for a service, newest first.
func (s *CatalogStore) ListHealthChecks(ctx context.Context, serviceID string, limit int) ([]models.HealthCheckRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_id, service_name, status, response_time_ms, error_kind, error_message, checked_at
		FROM catalog_health_checks
		WHERE service_id = ?
		ORDER BY checked_at DESC, id DESC
		LIMIT ?`,
		serviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list health checks: %w", err)
	}
	defer rows.Close()

	var out []models.HealthCheckRecord
	for rows.Next() {
		var (
			r  models.HealthCheckRecord
			ms sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.ServiceID, &r.ServiceName, &r.Status, &ms,
			&r.ErrorKind, &r.ErrorMessage, &r.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan health check row: %w", err)
		}
		if ms.Valid {
			v := ms.Int64
			r.ResponseTimeMs = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountHealthChecks returns the number of records stored for a service.
func (s *CatalogStore) CountHealthChecks(ctx context.Context, serviceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM catalog_health_checks WHERE service_id = ?`, serviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count health checks: %w", err)
	}
	return n, nil
}

// UptimeStats aggregates records checked at or after since.
func (s *CatalogStore) UptimeStats(ctx context.Context, serviceID string, since time.Time) (checks, up int, avgMs float64, err error) {
	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'up' THEN 1 ELSE 0 END), 0),
			AVG(response_time_ms)
		FROM catalog_health_checks
		WHERE service_id = ? AND checked_at >= ?`,
		serviceID, since,
	).Scan(&checks, &up, &avg)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("uptime stats: %w", err)
	}
	return checks, up, avg.Float64, nil
}

// DeleteOldHealthChecks removes records checked before cutoff.
func (s *CatalogStore) DeleteOldHealthChecks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM catalog_health_checks WHERE checked_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old health checks: %w", err)
	}
	return res.RowsAffected()
}

// ReencryptCredentials passes every stored credential column through fn in
// one transaction and returns the number of services rewritten. Any error
// rolls the whole batch back.
func (s *CatalogStore) ReencryptCredentials(ctx context.Context, fn func(string) (string, error)) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rotation tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	type creds struct{ id, user, pass, key string }
	rows, err := tx.QueryContext(ctx, `
		SELECT id, api_username, api_password, api_key FROM catalog_services
		WHERE api_username != '' OR api_password != '' OR api_key != ''`)
	if err != nil {
		return 0, fmt.Errorf("list credentials: %w", err)
	}
	var all []creds
	for rows.Next() {
		var c creds
		if err := rows.Scan(&c.id, &c.user, &c.pass, &c.key); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan credentials: %w", err)
		}
		all = append(all, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("list credentials: %w", err)
	}

	for _, c := range all {
		for _, field := range []*string{&c.user, &c.pass, &c.key} {
			if *field == "" {
				continue
			}
			if *field, err = fn(*field); err != nil {
				return 0, fmt.Errorf("re-encrypt service %s: %w", c.id, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE catalog_services SET api_username = ?, api_password = ?, api_key = ? WHERE id = ?`,
			c.user, c.pass, c.key, c.id); err != nil {
			return 0, fmt.Errorf("store re-encrypted credentials: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rotation: %w", err)
	}
	return len(all), nil
}

func (s *CatalogStore) encryptCredentials(svc *models.Service) (user, pass, key string, err error) {
	if !svc.HasCredentials() {
		return "", "", "", nil
	}
	if s.enc == nil {
		return "", "", "", errNoEncrypter
	}
	if user, err = s.enc.Encrypt(svc.APIUsername); err != nil {
		return "", "", "", fmt.Errorf("encrypt username: %w", err)
	}
	if pass, err = s.enc.Encrypt(svc.APIPassword); err != nil {
		return "", "", "", fmt.Errorf("encrypt password: %w", err)
	}
	if key, err = s.enc.Encrypt(svc.APIKey); err != nil {
		return "", "", "", fmt.Errorf("encrypt api key: %w", err)
	}
	return user, pass, key, nil
}

func (s *CatalogStore) decrypt(v string) string {
	if v == "" || s.enc == nil {
		return ""
	}
	plain, err := s.enc.Decrypt(v)
	if err != nil {
		return ""
	}
	return plain
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// expectCurrent is expectOne for conditional writes: when nothing matched,
// it tells a deleted service apart from one whose URL moved on.
func expectCurrent(ctx context.Context, q rowQueryer, res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM catalog_services WHERE id = ?`, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case err != nil:
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, ErrSuperseded)
}

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
