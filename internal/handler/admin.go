// Package handler exposes the balancer's administrative operations over
// HTTP for operational tooling: health reports, manual overrides and
// per-service cleanup.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zanewnch/aiot-gateway-lb/internal/balancer"
	"github.com/zanewnch/aiot-gateway-lb/internal/domain"
	"github.com/zanewnch/aiot-gateway-lb/pkg/logger"
)

// AdminHandler provides the administrative API endpoints
type AdminHandler struct {
	selector  *balancer.Selector
	prober    *balancer.Prober
	logger    *logger.Logger
	startTime time.Time
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(selector *balancer.Selector, prober *balancer.Prober, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		selector:  selector,
		prober:    prober,
		logger:    log.AdminLogger(),
		startTime: time.Now(),
	}
}

// InstanceHealthResponse represents one instance's health record in API
// responses
type InstanceHealthResponse struct {
	ID                  string    `json:"id"`
	Address             string    `json:"address"`
	Healthy             bool      `json:"healthy"`
	CurrentConnections  int64     `json:"current_connections"`
	Weight              int       `json:"weight"`
	AverageResponseTime float64   `json:"average_response_time_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessfulRequests  int64     `json:"successful_requests"`
	ErrorRate           float64   `json:"error_rate"`
	LoadScore           float64   `json:"load_score"`
	LastHealthCheck     time.Time `json:"last_health_check"`
}

// ServiceReportResponse groups instance health per service
type ServiceReportResponse struct {
	Service   string                   `json:"service"`
	Instances []InstanceHealthResponse `json:"instances"`
}

// HealthOverrideRequest is the body of a manual health override
type HealthOverrideRequest struct {
	Healthy bool `json:"healthy"`
}

// StatusResponse reports liveness of the balancer process itself
type StatusResponse struct {
	Status        string    `json:"status"`
	ProberRunning bool      `json:"prober_running"`
	Uptime        string    `json:"uptime"`
	Timestamp     time.Time `json:"timestamp"`
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// Router builds the admin API router
func (h *AdminHandler) Router(middlewares ...mux.MiddlewareFunc) *mux.Router {
	router := mux.NewRouter()
	for _, mw := range middlewares {
		router.Use(mw)
	}

	router.HandleFunc("/healthz", h.StatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/admin/services", h.ReportAllHandler).Methods(http.MethodGet)
	router.HandleFunc("/admin/services/{service}", h.ReportServiceHandler).Methods(http.MethodGet)
	router.HandleFunc("/admin/services/{service}", h.CleanupHandler).Methods(http.MethodDelete)
	router.HandleFunc("/admin/services/{service}/instances/{id}/health", h.OverrideHandler).Methods(http.MethodPut)
	return router
}

// StatusHandler handles GET /healthz
func (h *AdminHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, StatusResponse{
		Status:        "ok",
		ProberRunning: h.prober.IsRunning(),
		Uptime:        time.Since(h.startTime).String(),
		Timestamp:     time.Now(),
	})
}

// ReportAllHandler handles GET /admin/services
func (h *AdminHandler) ReportAllHandler(w http.ResponseWriter, r *http.Request) {
	report := h.selector.Report()

	response := make([]ServiceReportResponse, 0, len(report))
	for service, records := range report {
		response = append(response, toServiceReport(service, records))
	}

	h.writeJSON(w, http.StatusOK, response)
	h.logger.WithField("services", len(response)).Debug("Reported all services")
}

// ReportServiceHandler handles GET /admin/services/{service}
func (h *AdminHandler) ReportServiceHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	records, ok := h.selector.Report(service)[service]
	if !ok || len(records) == 0 {
		h.writeError(w, "service not tracked: "+service, http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, toServiceReport(service, records))
}

// OverrideHandler handles PUT /admin/services/{service}/instances/{id}/health
func (h *AdminHandler) OverrideHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	service, instanceID := vars["service"], vars["id"]

	var req HealthOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if !h.selector.SetHealthOverride(service, instanceID, req.Healthy) {
		h.writeError(w, "instance not tracked: "+service+"/"+instanceID, http.StatusNotFound)
		return
	}

	h.logger.WithField("service", service).
		WithField("instance_id", instanceID).
		WithField("healthy", req.Healthy).
		Info("Applied health override")
	w.WriteHeader(http.StatusNoContent)
}

// CleanupHandler handles DELETE /admin/services/{service}
func (h *AdminHandler) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	h.selector.Cleanup(service)

	h.logger.WithField("service", service).Info("Cleaned up service")
	w.WriteHeader(http.StatusNoContent)
}

func toServiceReport(service string, records []domain.HealthRecord) ServiceReportResponse {
	instances := make([]InstanceHealthResponse, 0, len(records))
	for _, record := range records {
		instances = append(instances, InstanceHealthResponse{
			ID:                  record.Instance.ID,
			Address:             record.Instance.Addr(),
			Healthy:             record.Healthy,
			CurrentConnections:  record.CurrentConnections,
			Weight:              record.Weight,
			AverageResponseTime: record.AverageResponseTime,
			ConsecutiveFailures: record.ConsecutiveFailures,
			TotalRequests:       record.TotalRequests,
			SuccessfulRequests:  record.SuccessfulRequests,
			ErrorRate:           record.ErrorRate(),
			LoadScore:           record.LoadScore,
			LastHealthCheck:     record.LastHealthCheck,
		})
	}
	return ServiceReportResponse{Service: service, Instances: instances}
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

func (h *AdminHandler) writeError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     message,
		Code:      status,
		Timestamp: time.Now(),
	})
}
