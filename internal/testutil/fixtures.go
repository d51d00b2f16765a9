// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/HerbHall/labdash/pkg/models"
)

// NewService returns a manual Service with sensible defaults, suitable for
// test fixtures. Override individual fields with options.
func NewService(opts ...func(*models.Service)) *models.Service {
	now := time.Now().UTC()
	s := &models.Service{
		ID:          uuid.New().String(),
		Name:        "test-service",
		URL:         "http://192.168.1.100:8080",
		ServiceType: models.ServiceTypeOther,
		Provider:    models.ProviderLocal,
		IsManual:    true,
		Tags:        []string{},
		Status:      models.StatusUnknown,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithName sets the service name.
func WithName(name string) func(*models.Service) {
	return func(s *models.Service) { s.Name = name }
}

// WithURL sets the service URL.
func WithURL(url string) func(*models.Service) {
	return func(s *models.Service) { s.URL = url }
}

// WithStatus sets the last known status.
func WithStatus(st models.ServiceStatus) func(*models.Service) {
	return func(s *models.Service) { s.Status = st }
}

// WithTags sets the tag list.
func WithTags(tags ...string) func(*models.Service) {
	return func(s *models.Service) { s.Tags = tags }
}

// WithTimestamps sets CreatedAt and UpdatedAt.
func WithTimestamps(t time.Time) func(*models.Service) {
	return func(s *models.Service) {
		s.CreatedAt = t
		s.UpdatedAt = t
	}
}

// Discovered marks the service as owned by the discovery source.
func Discovered(router string) func(*models.Service) {
	return func(s *models.Service) {
		s.IsManual = false
		s.Provider = models.ProviderDiscovered
		s.ServiceType = models.ServiceTypeContainer
		s.DiscoveryRouterName = router
	}
}
