package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/HerbHall/labdash/internal/apidetect"
	"github.com/HerbHall/labdash/internal/probe"
	"github.com/HerbHall/labdash/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxNameLen        = 100
	maxDescriptionLen = 500
	maxTags           = 20
	defaultHistory    = 100
	maxHistory        = 1000
)

// ServiceInput carries the user-editable fields of a manual service.
type ServiceInput struct {
	Name        string             `json:"name" example:"NAS"`
	URL         string             `json:"url" example:"192.168.1.50:9000"`
	ServiceType models.ServiceType `json:"service_type,omitempty" example:"bare-metal"`
	Provider    models.Provider    `json:"provider,omitempty" example:"local"`
	Description string             `json:"description,omitempty"`
	Icon        string             `json:"icon,omitempty"`
	Tags        []string           `json:"tags,omitempty"`
}

// CredentialsInput sets API credentials on a service. Empty fields clear
// the stored value.
type CredentialsInput struct {
	APIURL   string `json:"api_url,omitempty" example:"nas.lab.local/api"`
	APIType  string `json:"api_type,omitempty" example:"custom"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
}

// Rotation re-encrypts ciphertext from the active key to a new one.
type Rotation interface {
	Reencrypt(ciphertext string) (string, error)
	Commit() error
	Abort()
}

// Service exposes the registry operations used by HTTP handlers and the CLI.
type Service struct {
	store      *CatalogStore
	reconciler *Reconciler
	resolver   URLResolver
	logger     *zap.Logger
	now        func() time.Time
}

// NewService wires the operation layer over a store and reconciler.
func NewService(st *CatalogStore, rec *Reconciler, resolver URLResolver, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      st,
		reconciler: rec,
		resolver:   resolver,
		logger:     logger,
		now:        rec.now,
	}
}

// Refresh runs or joins a reconciliation cycle.
func (s *Service) Refresh(ctx context.Context, opts RefreshOptions) RefreshSummary {
	return s.reconciler.Refresh(ctx, opts)
}

// LastRefresh returns the most recent refresh summary, or nil.
func (s *Service) LastRefresh() *RefreshSummary {
	return s.reconciler.LastSummary()
}

// ListServices returns every registered service ordered by name.
func (s *Service) ListServices(ctx context.Context) ([]models.Service, error) {
	services, err := s.store.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	if services == nil {
		services = []models.Service{}
	}
	return services, nil
}

// GetService returns a service by name.
func (s *Service) GetService(ctx context.Context, name string) (*models.Service, error) {
	svc, err := s.store.GetService(ctx, name)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return svc, nil
}

// AddManualService validates input, resolves the URL scheme, stores the
// service and runs one health check. An unreachable service is still
// stored with its HTTPS form.
func (s *Service) AddManualService(ctx context.Context, in ServiceInput) (*models.Service, error) {
	in, err := normalizeInput(in)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.GetService(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &ValidationError{Field: "name", Message: fmt.Sprintf("%q is already registered", in.Name), Err: ErrDuplicateName}
	}

	url, err := s.resolveInput(ctx, in.URL)
	if err != nil {
		return nil, err
	}

	now := s.now()
	svc := &models.Service{
		ID:          uuid.New().String(),
		Name:        in.Name,
		URL:         url,
		ServiceType: in.ServiceType,
		Provider:    in.Provider,
		IsManual:    true,
		Description: in.Description,
		Icon:        in.Icon,
		Tags:        in.Tags,
		Status:      models.StatusUnknown,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertService(ctx, svc); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, &ValidationError{Field: "name", Message: fmt.Sprintf("%q is already registered", in.Name), Err: ErrDuplicateName}
		}
		return nil, err
	}
	s.logger.Info("manual service added", zap.String("name", svc.Name), zap.String("url", svc.URL))
	s.reconciler.publish(ctx, TopicServiceCreated, ServiceEvent{Service: svc, Origin: "manual"})

	if _, err := s.reconciler.checkHealth(ctx, svc); err != nil {
		s.logger.Warn("initial health check", zap.String("name", svc.Name), zap.Error(err))
	}
	return svc, nil
}

// EditManualService replaces the user-editable fields of a manual service.
// A changed URL is resolved again, resets API detection and is re-checked.
func (s *Service) EditManualService(ctx context.Context, name string, in ServiceInput) (*models.Service, error) {
	existing, err := s.manual(ctx, name)
	if err != nil {
		return nil, err
	}
	in, err = normalizeInput(in)
	if err != nil {
		return nil, err
	}

	if in.Name != existing.Name {
		clash, err := s.store.GetService(ctx, in.Name)
		if err != nil {
			return nil, err
		}
		if clash != nil {
			return nil, &ValidationError{Field: "name", Message: fmt.Sprintf("%q is already registered", in.Name), Err: ErrDuplicateName}
		}
	}

	next := *existing
	next.Name = in.Name
	next.ServiceType = in.ServiceType
	next.Provider = in.Provider
	next.Description = in.Description
	next.Icon = in.Icon
	next.Tags = in.Tags

	urlChanged := in.URL != existing.URL
	if urlChanged {
		if next.URL, err = s.resolveInput(ctx, in.URL); err != nil {
			return nil, err
		}
		urlChanged = next.URL != existing.URL
		if urlChanged && !existing.HasCredentials() {
			resetDetection(&next)
		}
	}

	next.UpdatedAt = s.now()
	if err := s.store.UpdateDefinition(ctx, &next); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, &ValidationError{Field: "name", Message: fmt.Sprintf("%q is already registered", in.Name), Err: ErrDuplicateName}
		}
		return nil, err
	}
	s.logger.Info("manual service updated", zap.String("name", next.Name), zap.Bool("url_changed", urlChanged))
	s.reconciler.publish(ctx, TopicServiceUpdated, ServiceEvent{Service: &next, Origin: "manual"})

	if urlChanged {
		if _, err := s.reconciler.checkHealth(ctx, &next); err != nil {
			s.logger.Warn("health check after edit", zap.String("name", next.Name), zap.Error(err))
		}
	}
	return &next, nil
}

// DeleteManualService removes a manual service and its history.
func (s *Service) DeleteManualService(ctx context.Context, name string) error {
	existing, err := s.manual(ctx, name)
	if err != nil {
		return err
	}
	if err := s.store.DeleteService(ctx, existing.ID); err != nil {
		return err
	}
	s.logger.Info("manual service deleted", zap.String("name", name))
	s.reconciler.publish(ctx, TopicServiceDeleted, ServiceEvent{Service: existing, Origin: "manual"})
	return nil
}

// CheckService runs one health check outside the refresh cycle.
func (s *Service) CheckService(ctx context.Context, name string) (*models.Service, *models.HealthCheckRecord, error) {
	svc, err := s.GetService(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if !svc.HasScheme() {
		s.reconciler.resolveStored(ctx, svc)
	}
	rec, err := s.reconciler.checkHealth(ctx, svc)
	if err != nil {
		return nil, nil, err
	}
	return svc, rec, nil
}

// DetectAPI runs API detection for one service. Without force, the
// throttle and cache apply and a skipped run reports why in Result.Skipped.
func (s *Service) DetectAPI(ctx context.Context, name string, force bool) (apidetect.Result, error) {
	svc, err := s.GetService(ctx, name)
	if err != nil {
		return apidetect.Result{}, err
	}
	return s.reconciler.detect(ctx, svc, s.reconciler.labelsForService(ctx, svc), force, s.now())
}

// SetCredentials stores encrypted API credentials. Credentials mark the API
// as known, so detection stops probing the service.
func (s *Service) SetCredentials(ctx context.Context, name string, in CredentialsInput) (*models.Service, error) {
	svc, err := s.GetService(ctx, name)
	if err != nil {
		return nil, err
	}

	next := *svc
	next.APIUsername = strings.TrimSpace(in.Username)
	next.APIPassword = in.Password
	next.APIKey = strings.TrimSpace(in.APIKey)
	if t := strings.TrimSpace(in.APIType); t != "" {
		next.APIType = strings.ToLower(t)
	}
	if raw := strings.TrimSpace(in.APIURL); raw != "" {
		if next.APIURL, err = s.resolveInput(ctx, raw); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Field = "api_url"
			}
			return nil, err
		}
	}
	if next.HasCredentials() {
		next.APIDetected = true
		next.APIDetectionAttempts = 0
		next.APIURL = firstNonEmpty(next.APIURL, next.URL)
		next.APIType = firstNonEmpty(next.APIType, "custom")
	}
	next.UpdatedAt = s.now()

	if err := s.store.UpdateCredentials(ctx, &next); err != nil {
		return nil, err
	}
	s.logger.Info("api credentials updated",
		zap.String("name", next.Name),
		zap.Bool("has_credentials", next.HasCredentials()),
	)
	s.reconciler.publish(ctx, TopicServiceUpdated, ServiceEvent{Service: &next, Origin: "manual"})
	return &next, nil
}

// HealthHistory returns up to limit records for a service, newest first.
func (s *Service) HealthHistory(ctx context.Context, name string, limit int) ([]models.HealthCheckRecord, error) {
	svc, err := s.GetService(ctx, name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistory
	}
	limit = min(limit, maxHistory)
	recs, err := s.store.ListHealthChecks(ctx, svc.ID, limit)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []models.HealthCheckRecord{}
	}
	return recs, nil
}

// Uptime summarizes health records over the trailing window.
func (s *Service) Uptime(ctx context.Context, name string, window time.Duration) (*models.UptimeSummary, error) {
	svc, err := s.GetService(ctx, name)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	checks, up, avg, err := s.store.UptimeStats(ctx, svc.ID, s.now().Add(-window))
	if err != nil {
		return nil, err
	}
	sum := &models.UptimeSummary{
		ServiceName:   svc.Name,
		Window:        window.String(),
		Checks:        checks,
		UpChecks:      up,
		AvgResponseMs: math.Round(avg*10) / 10,
		CurrentStatus: svc.Status,
	}
	if checks > 0 {
		sum.UptimePercent = math.Round(float64(up)/float64(checks)*1000) / 10
	}
	return sum, nil
}

// RotateKey re-encrypts every stored credential in one transaction and
// commits the rotation only when the transaction succeeds.
func (s *Service) RotateKey(ctx context.Context, rot Rotation) (int, error) {
	n, err := s.store.ReencryptCredentials(ctx, rot.Reencrypt)
	if err != nil {
		rot.Abort()
		return 0, err
	}
	if err := rot.Commit(); err != nil {
		return 0, fmt.Errorf("commit key rotation: %w", err)
	}
	s.logger.Info("credential key rotated", zap.Int("services", n))
	return n, nil
}

func (s *Service) manual(ctx context.Context, name string) (*models.Service, error) {
	svc, err := s.GetService(ctx, name)
	if err != nil {
		return nil, err
	}
	if !svc.IsManual {
		return nil, fmt.Errorf("%q: %w", name, ErrPermission)
	}
	return svc, nil
}

// resolveInput maps resolver errors onto validation errors. Unreachable is
// not an error: the HTTPS form is kept.
func (s *Service) resolveInput(ctx context.Context, raw string) (string, error) {
	url, _, err := s.resolver.Resolve(ctx, raw)
	switch {
	case err == nil:
		return url, nil
	case errors.Is(err, probe.ErrUnreachable):
		s.logger.Debug("service unreachable at add time, keeping https", zap.String("url", url))
		return url, nil
	case errors.Is(err, probe.ErrInvalidURL):
		return "", &ValidationError{Field: "url", Message: err.Error(), Err: err}
	}
	return "", err
}

// labelsForService fetches container labels for a single detection run.
func (r *Reconciler) labelsForService(ctx context.Context, svc *models.Service) map[string]string {
	return labelsFor(r.labelIndex(ctx), svc)
}

// normalizeInput trims fields, applies defaults and validates.
func normalizeInput(in ServiceInput) (ServiceInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.URL = strings.TrimSpace(in.URL)
	in.Description = strings.TrimSpace(in.Description)
	in.Icon = strings.TrimSpace(in.Icon)

	switch {
	case in.Name == "":
		return in, invalid("name", "is required")
	case len(in.Name) > maxNameLen:
		return in, invalid("name", fmt.Sprintf("must be at most %d characters", maxNameLen))
	case in.URL == "":
		return in, invalid("url", "is required")
	case len(in.Description) > maxDescriptionLen:
		return in, invalid("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLen))
	}

	if in.ServiceType == "" {
		in.ServiceType = models.ServiceTypeOther
	}
	if !in.ServiceType.Valid() {
		return in, invalid("service_type", fmt.Sprintf("unknown type %q", in.ServiceType))
	}
	if in.Provider == "" {
		in.Provider = models.ProviderLocal
	}
	if !in.Provider.Valid() || in.Provider == models.ProviderDiscovered {
		return in, invalid("provider", fmt.Sprintf("%q is not allowed for manual services", in.Provider))
	}

	tags := make([]string, 0, len(in.Tags))
	for _, t := range in.Tags {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(tags, t) {
			tags = append(tags, t)
		}
	}
	if len(tags) > maxTags {
		return in, invalid("tags", fmt.Sprintf("at most %d tags", maxTags))
	}
	in.Tags = tags
	return in, nil
}
