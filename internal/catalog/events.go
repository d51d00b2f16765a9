package catalog

import (
	"time"

	"github.com/HerbHall/labdash/pkg/models"
)

// Event topics published by the catalog module.
const (
	TopicServiceCreated       = "catalog.service.created"
	TopicServiceUpdated       = "catalog.service.updated"
	TopicServiceDeleted       = "catalog.service.deleted"
	TopicServiceStatusChanged = "catalog.service.status_changed"
	TopicRefreshCompleted     = "catalog.refresh.completed"
)

// ServiceEvent is the payload for created, updated and deleted topics.
type ServiceEvent struct {
	Service *models.Service `json:"service"`
	Origin  string          `json:"origin"` // "manual" or "discovery"
}

// StatusChangedEvent is the payload for TopicServiceStatusChanged.
type StatusChangedEvent struct {
	ServiceID   string               `json:"service_id"`
	ServiceName string               `json:"service_name"`
	URL         string               `json:"url"`
	Previous    models.ServiceStatus `json:"previous"`
	Current     models.ServiceStatus `json:"current"`
	ErrorKind   models.FaultKind     `json:"error_kind,omitempty"`
	Error       string               `json:"error,omitempty"`
	ChangedAt   time.Time            `json:"changed_at"`
}
