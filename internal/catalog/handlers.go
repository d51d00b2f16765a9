package catalog

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/HerbHall/labdash/pkg/models"
	"github.com/HerbHall/labdash/pkg/plugin"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/services", Handler: m.handleListServices},
		{Method: "POST", Path: "/services", Handler: m.handleAddService},
		{Method: "GET", Path: "/services/{name}", Handler: m.handleGetService},
		{Method: "PUT", Path: "/services/{name}", Handler: m.handleEditService},
		{Method: "DELETE", Path: "/services/{name}", Handler: m.handleDeleteService},
		{Method: "POST", Path: "/services/{name}/check", Handler: m.handleCheckService},
		{Method: "POST", Path: "/services/{name}/detect", Handler: m.handleDetectAPI},
		{Method: "PUT", Path: "/services/{name}/credentials", Handler: m.handleSetCredentials},
		{Method: "GET", Path: "/services/{name}/history", Handler: m.handleHistory},
		{Method: "GET", Path: "/services/{name}/uptime", Handler: m.handleUptime},
		{Method: "POST", Path: "/refresh", Handler: m.handleRefresh},
		{Method: "GET", Path: "/refresh", Handler: m.handleLastRefresh},
	}
}

// handleListServices returns every registered service.
//
//	@Summary		List services
//	@Description	Returns all discovered and manual services ordered by name.
//	@Tags			catalog
//	@Produce		json
//	@Success		200 {array} models.Service
//	@Failure		503 {object} models.APIProblem
//	@Router			/catalog/services [get]
func (m *Module) handleListServices(w http.ResponseWriter, r *http.Request) {
	if !m.ready(w) {
		return
	}
	services, err := m.svc.ListServices(r.Context())
	if err != nil {
		m.writeServiceError(w, r, err, "failed to list services")
		return
	}
	catalogWriteJSON(w, http.StatusOK, services)
}

// handleAddService registers a manual service.
//
//	@Summary		Add service
//	@Description	Adds a manual service. A URL without scheme is tried over HTTPS, then HTTP.
//	@Tags			catalog
//	@Accept			json
//	@Produce		json
//	@Param			service body ServiceInput true "Service"
//	@Success		201 {object} models.Service
//	@Failure		400 {object} models.APIProblem
//	@Failure		409 {object} models.APIProblem
//	@Router			/catalog/services [post]
func (m *Module) handleAddService(w http.ResponseWriter, r *http.Request) {
	if !m.ready(w) {
		return
	}
	var in ServiceInput
	if !decodeBody(w, r, &in) {
		return
	}
	svc, err := m.svc.AddManualService(r.Context(), in)
	if err != nil {
		m.writeServiceError(w, r, err, "failed to add service")
		return
	}
	catalogWriteJSON(w, http.StatusCreated, svc)
}

// handleGetService returns one service.
//
//	@Summary		Get service
//	@Tags			catalog
//	@Produce		json
//	@Param			name path string true "Service name"
//	@Success		200 {object} models.Service
//	@Failure		404 {object} models.APIProblem
//	@Router			/catalog/services/{name} [get]
func (m *Module) handleGetService(w http.ResponseWriter, r *http.Request) {
	if !m.ready(w) {
		return
	}
	svc, err := m.svc.GetService(r.Context(), r.PathValue("name"))
	if err != nil {
		m.writeServiceError(w, r, err, "failed to get service")
		return
	}
	catalogWriteJSON(w, http.StatusOK, svc)
}

// handleEditService edits a manual service.
//
//	@Summary		Edit service
//	@Description	Replaces the editable fields of a manual service. Discovered services are read-only.
//	@Tags			catalog
//	@Accept			json
//	@Produce		json
//	@Param			name path string true "Service name"
//	@Param			service body ServiceInput true "Service"
//	@Success		200 {object} models.Service
//	@Failure		400 {object} models.APIProblem
//	@Failure		403 {object} models.APIProblem
//	@Failure		404 {object} models.APIProblem
//	@Failure		409 {object} models.APIProblem
//	@Router			/catalog/services/{name} [put]
func (m *Module) handleEditService(w http.ResponseWriter, r *http.Request) {
	if !m.ready(w) {
		return
	}
	var in ServiceInput
	if !decodeBody(w, r, &in) {
		return
	}
	svc, err := m.svc.EditManualService(r.Context(), r.PathValue("name"), in)
	if err != nil {
		m.writeServiceError(w, r, err, "failed to edit service")
		return
	}
	catalogWriteJSON(w, http.StatusOK, svc)
}

// handleDeleteService deletes a manual service.
//
//	@Summary		Delete service
//	@Tags			catalog
//	@Param			name path string true "Service name"
//	@Success		204
//	@Failure		403 {object} models.APIProblem
//	@Failure		404 {object} models.APIProblem
//	@Router			/catalog/services/{name} [delete]
func (m *Module) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	if !m.ready(w) {
		return
	}
	if err := m.svc.DeleteManualService(r.Context(), r.PathValue("name")); err != nil {
		m.writeServiceError(w, r, err, "failed to delete service")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkResponse is returned by the single-service health check.
type checkResponse struct {
	Service *models.Service           `json:"service"`
	Check   *models.HealthCheckRecord `json:"check"`
}

// handleCheckService runs one health check now.
//
//	@Summary		Check service
//	@Tags			catalog
//	@Produce		json
//	@Param			name path string true "Service name"
//	@Success		200 {object} checkResponse
//	@Failure		404 {object} models.APIProblem
//	@Router			/catalog/services/{name}/check [post]
func (m *Module) handleCheckService(w http.ResponseWriter, r *http.Request) {
	if !m.ready(w) {
		return
	}
	svc, rec, err := m.svc.CheckService(r.Context(), r.PathValue("name"))
	if err != nil {
		m.writeServiceError(w, r, err, "failed to check service")
		return
	}
	catalogWriteJSON(w, http.StatusOK, checkResponse{Service: svc, Check: rec})
}

// handleDetectAPI runs API detection for one service.
//
//	@Summary		Detect API
//	@Description	Runs API detection. Without force, throttled or cached services return immediately with "skipped" set.
//	@Tags			catalog
//	@Produce		json
//	@Param			name path string true "Service name"
//	@Param			force query bool false "Bypass throttle and cache"
//	@Success		200 {object} apidetect.Result
//	@Failure		404 {object} models.APIProblem
//	@Router			/catalog/services/{name}/detect [post]
func (m *Module) handleDetectAPI(w http.ResponseWriter, r *http.Request) {
	if !m.ready(w) {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	res, err := m.svc.DetectAPI(r.Context(), r.PathValue("name"), force)
	if err != nil {
		m.writeServiceError(w, r, err, "failed to detect api")
		return
	}
	catalogWriteJSON(w, http.StatusOK, res)
}

// handleSetCredentials stores API credentials for a service.
//
//	@Summary		Set API credentials
//	@Description	Stores encrypted API credentials. Credentials are never returned by the API.
//	@Tags			catalog
//	@Accept			json
//	@Produce		json
//	@Param			name path string true "Service name"
//	@Param			credentials body CredentialsInput true "Credentials"
//	@Success		200 {object} models.Service
//	@Failure		400 {object} models.APIProblem
//	@Failure		404 {object} models.APIProblem
//	@Router			/catalog/services/{name}/credentials [put]
func (m *Module) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	if !m.ready(w) {
		return
	}
	var in CredentialsInput
	if !decodeBody(w, r, &in) {
		return
	}
	svc, err := m.svc.SetCredentials(r.Context(), r.PathValue("name"), in)
	if err != nil {
		m.writeServiceError(w, r, err, "failed to set credentials")
		return
	}
	catalogWriteJSON(w, http.StatusOK, svc)
}

// handleHistory returns recent health records.
//
//	@Summary		Health history
//	@Tags			catalog
//	@Produce		json
//	@Param			name path string true "Service name"
//	@Param			limit query int false "Maximum records" default(100)
//	@Success		200 {array} models.HealthCheckRecord
//	@Failure		404 {object} models.APIProblem
//	@Router			/catalog/services/{name}/history [get]
func (m *Module) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !m.ready(w) {
		return
	}
	recs, err := m.svc.HealthHistory(r.Context(), r.PathValue("name"), catalogParseLimit(r, defaultHistory))
	if err != nil {
		m.writeServiceError(w, r, err, "failed to list history")
		return
	}
	catalogWriteJSON(w, http.StatusOK, recs)
}

// handleUptime returns the uptime summary over a window.
//
//	@Summary		Uptime
//	@Tags			catalog
//	@Produce		json
//	@Param			name path string true "Service name"
//	@Param			window query string false "Go duration" default(24h)
//	@Success		200 {object} models.UptimeSummary
//	@Failure		400 {object} models.APIProblem
//	@Failure		404 {object} models.APIProblem
//	@Router			/catalog/services/{name}/uptime [get]
func (m *Module) handleUptime(w http.ResponseWriter, r *http.Request) {
	if !m.ready(w) {
		return
	}
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			catalogWriteError(w, r, http.StatusBadRequest, "window must be a positive duration such as 24h")
			return
		}
		window = d
	}
	sum, err := m.svc.Uptime(r.Context(), r.PathValue("name"), window)
	if err != nil {
		m.writeServiceError(w, r, err, "failed to compute uptime")
		return
	}
	catalogWriteJSON(w, http.StatusOK, sum)
}

// handleRefresh runs or joins a refresh cycle.
//
//	@Summary		Refresh
//	@Description	Runs discovery, health checks and API detection. Concurrent requests share one cycle.
//	@Tags			catalog
//	@Produce		json
//	@Param			force_api query bool false "Bypass API detection throttle and cache"
//	@Success		200 {object} RefreshSummary
//	@Router			/catalog/refresh [post]
func (m *Module) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !m.ready(w) {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force_api"))
	sum := m.svc.Refresh(r.Context(), RefreshOptions{ForceAPIDetection: force})
	catalogWriteJSON(w, http.StatusOK, sum)
}

// handleLastRefresh returns the latest refresh summary.
//
//	@Summary		Last refresh
//	@Tags			catalog
//	@Produce		json
//	@Success		200 {object} RefreshSummary
//	@Failure		404 {object} models.APIProblem
//	@Router			/catalog/refresh [get]
func (m *Module) handleLastRefresh(w http.ResponseWriter, r *http.Request) {
	if !m.ready(w) {
		return
	}
	last := m.svc.LastRefresh()
	if last == nil {
		catalogWriteError(w, r, http.StatusNotFound, "no refresh has completed yet")
		return
	}
	catalogWriteJSON(w, http.StatusOK, last)
}

// -- helpers --

func (m *Module) ready(w http.ResponseWriter) bool {
	if m.svc == nil {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(problem(http.StatusServiceUnavailable, errNoStore.Error(), ""))
		return false
	}
	return true
}

// writeServiceError maps operation errors onto problem responses.
func (m *Module) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve) && errors.Is(err, ErrDuplicateName):
		catalogWriteError(w, r, http.StatusConflict, ve.Error())
	case errors.As(err, &ve):
		catalogWriteError(w, r, http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrNotFound):
		catalogWriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrPermission):
		catalogWriteError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrSuperseded):
		catalogWriteError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, errNoEncrypter):
		catalogWriteError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		m.logger.Warn(fallback, zap.String("path", r.URL.Path), zap.Error(err))
		catalogWriteError(w, r, http.StatusInternalServerError, fallback)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		catalogWriteError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func catalogWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func catalogWriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem(status, detail, r.URL.Path))
}

func problem(status int, detail, instance string) models.APIProblem {
	slug := strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "-")
	return models.APIProblem{
		Type:     "https://labdash.dev/problems/" + slug,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

func catalogParseLimit(r *http.Request, defaultLimit int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= maxHistory {
			return n
		}
	}
	return defaultLimit
}
