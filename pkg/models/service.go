package models

import (
	"strings"
	"time"
)

// ServiceType classifies where a monitored service runs.
type ServiceType string

const (
	ServiceTypeContainer      ServiceType = "container"
	ServiceTypeOrchestrated   ServiceType = "orchestrated-workload"
	ServiceTypeVirtualMachine ServiceType = "virtual-machine"
	ServiceTypeBareMetal      ServiceType = "bare-metal"
	ServiceTypeExternal       ServiceType = "external"
	ServiceTypeOther          ServiceType = "other"
)

// Valid reports whether t is one of the known service types.
func (t ServiceType) Valid() bool {
	switch t {
	case ServiceTypeContainer, ServiceTypeOrchestrated, ServiceTypeVirtualMachine,
		ServiceTypeBareMetal, ServiceTypeExternal, ServiceTypeOther:
		return true
	}
	return false
}

// Provider records how a service entered the registry.
type Provider string

const (
	ProviderLocal      Provider = "local"
	ProviderExternal   Provider = "external"
	ProviderDiscovered Provider = "discovered"
)

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderLocal, ProviderExternal, ProviderDiscovered:
		return true
	}
	return false
}

// ServiceStatus is the health state derived from the latest probe.
type ServiceStatus string

const (
	StatusUp      ServiceStatus = "up"
	StatusDown    ServiceStatus = "down"
	StatusUnknown ServiceStatus = "unknown"
)

// FaultKind categorizes why a probe could not obtain an HTTP response,
// or why the response was classified as down.
type FaultKind string

const (
	FaultNone              FaultKind = ""
	FaultConnectionRefused FaultKind = "connection-refused"
	FaultTimeout           FaultKind = "timeout"
	FaultDNS               FaultKind = "dns-failure"
	FaultTLS               FaultKind = "tls-error"
	FaultHTTPStatus        FaultKind = "http-status"
	FaultOther             FaultKind = "other"
)

// Service is one monitored endpoint in the registry.
type Service struct {
	ID          string        `json:"id" example:"4f5c3c2e-8f57-4a7e-9d0b-0b8f1b6f6d11"`
	Name        string        `json:"name" example:"Sonarr"`
	URL         string        `json:"url" example:"https://sonarr.lab.local"`
	ServiceType ServiceType   `json:"service_type" example:"container"`
	Provider    Provider      `json:"provider" example:"discovered"`
	IsManual    bool          `json:"is_manual"`
	Description string        `json:"description,omitempty"`
	Icon        string        `json:"icon,omitempty" example:"sonarr"`
	Tags        []string      `json:"tags"`
	Status      ServiceStatus `json:"status" example:"up"`

	LastChecked     *time.Time `json:"last_checked,omitempty"`
	ResponseTimeMs  *int64     `json:"response_time_ms,omitempty" example:"42"`
	StatusChangedAt *time.Time `json:"status_changed_at,omitempty"`

	APIDetected          bool       `json:"api_detected"`
	APIURL               string     `json:"api_url,omitempty" example:"https://sonarr.lab.local/api/v3"`
	APIType              string     `json:"api_type,omitempty" example:"sonarr"`
	APIEndpoint          string     `json:"api_endpoint,omitempty" example:"/api/v3/system/status"`
	APIUsername          string     `json:"api_username,omitempty"`
	APIPassword          string     `json:"-"`
	APIKey               string     `json:"-"`
	APIDetectionAttempts int        `json:"api_detection_attempts"`
	APILastDetection     *time.Time `json:"api_last_detection,omitempty"`

	DiscoveryRouterName  string `json:"discovery_router_name,omitempty" example:"sonarr@docker"`
	DiscoveryServiceName string `json:"discovery_service_name,omitempty" example:"sonarr-svc@docker"`
	Stale                bool   `json:"stale"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCredentials reports whether any API credential is stored.
func (s *Service) HasCredentials() bool {
	return s.APIKey != "" || s.APIUsername != "" || s.APIPassword != ""
}

// Discovered reports whether the record originated from a discovery source.
func (s *Service) Discovered() bool {
	return !s.IsManual && s.DiscoveryRouterName != ""
}

// HasScheme reports whether the stored URL carries an explicit http(s) scheme.
func (s *Service) HasScheme() bool {
	u := strings.ToLower(s.URL)
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// HealthCheckRecord is one immutable probe observation.
type HealthCheckRecord struct {
	ID             int64         `json:"id"`
	ServiceID      string        `json:"service_id"`
	ServiceName    string        `json:"service_name" example:"Sonarr"`
	Status         ServiceStatus `json:"status" example:"down"`
	ResponseTimeMs *int64        `json:"response_time_ms,omitempty"`
	ErrorKind      FaultKind     `json:"error_kind,omitempty" example:"connection-refused"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	CheckedAt      time.Time     `json:"checked_at"`
}

// UptimeSummary aggregates health records over a window.
type UptimeSummary struct {
	ServiceName   string        `json:"service_name"`
	Window        string        `json:"window" example:"24h0m0s"`
	Checks        int           `json:"checks"`
	UpChecks      int           `json:"up_checks"`
	UptimePercent float64       `json:"uptime_percent" example:"99.5"`
	AvgResponseMs float64       `json:"avg_response_ms"`
	CurrentStatus ServiceStatus `json:"current_status"`
}
