package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanewnch/aiot-gateway-lb/internal/balancer"
	"github.com/zanewnch/aiot-gateway-lb/internal/domain"
	"github.com/zanewnch/aiot-gateway-lb/internal/registry"
	"github.com/zanewnch/aiot-gateway-lb/pkg/logger"
)

type adminFixture struct {
	handler  *AdminHandler
	selector *balancer.Selector
	registry *registry.Registry
	router   http.Handler
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	log := logger.NewNop()
	reg := registry.New(log)
	selector, err := balancer.NewSelector(reg, domain.DefaultBalancerConfig(), log)
	require.NoError(t, err)

	prober := balancer.NewProber(reg, balancer.NewTCPProbe(), time.Hour, time.Second, log)
	handler := NewAdminHandler(selector, prober, log)

	return &adminFixture{
		handler:  handler,
		selector: selector,
		registry: reg,
		router:   handler.Router(),
	}
}

func (f *adminFixture) trackService(service string) {
	f.registry.EnsureTracked(service, []domain.ServiceInstance{
		{ID: "a", Host: "10.0.0.1", Port: 8001},
		{ID: "b", Host: "10.0.0.2", Port: 8002},
	}, domain.DefaultBalancerConfig())
}

func (f *adminFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	fixture := newAdminFixture(t)
	resp := fixture.do(http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, resp.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.False(t, status.ProberRunning)
}

func TestReportAllServices(t *testing.T) {
	t.Parallel()

	fixture := newAdminFixture(t)
	fixture.trackService("drone-service")
	fixture.trackService("rbac-service")

	resp := fixture.do(http.MethodGet, "/admin/services", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var reports []ServiceReportResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &reports))
	require.Len(t, reports, 2)

	names := map[string]int{}
	for _, report := range reports {
		names[report.Service] = len(report.Instances)
	}
	assert.Equal(t, 2, names["drone-service"])
	assert.Equal(t, 2, names["rbac-service"])
}

func TestReportSingleService(t *testing.T) {
	t.Parallel()

	fixture := newAdminFixture(t)
	fixture.trackService("drone-service")

	resp := fixture.do(http.MethodGet, "/admin/services/drone-service", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var report ServiceReportResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &report))
	assert.Equal(t, "drone-service", report.Service)
	require.Len(t, report.Instances, 2)
	assert.Equal(t, "a", report.Instances[0].ID)
	assert.Equal(t, "10.0.0.1:8001", report.Instances[0].Address)
	assert.True(t, report.Instances[0].Healthy)
}

func TestReportUnknownServiceReturns404(t *testing.T) {
	t.Parallel()

	fixture := newAdminFixture(t)
	resp := fixture.do(http.MethodGet, "/admin/services/ghost", "")
	require.Equal(t, http.StatusNotFound, resp.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	assert.Contains(t, errResp.Error, "ghost")
}

func TestHealthOverrideEndpoint(t *testing.T) {
	t.Parallel()

	fixture := newAdminFixture(t)
	fixture.trackService("drone-service")

	resp := fixture.do(http.MethodPut, "/admin/services/drone-service/instances/a/health", `{"healthy": false}`)
	require.Equal(t, http.StatusNoContent, resp.Code)

	healthy := fixture.registry.HealthyInstances("drone-service")
	require.Len(t, healthy, 1)
	assert.Equal(t, "b", healthy[0].Instance.ID)

	resp = fixture.do(http.MethodPut, "/admin/services/drone-service/instances/a/health", `{"healthy": true}`)
	require.Equal(t, http.StatusNoContent, resp.Code)
	assert.Len(t, fixture.registry.HealthyInstances("drone-service"), 2)
}

func TestHealthOverrideRejectsBadBody(t *testing.T) {
	t.Parallel()

	fixture := newAdminFixture(t)
	fixture.trackService("drone-service")

	resp := fixture.do(http.MethodPut, "/admin/services/drone-service/instances/a/health", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHealthOverrideUnknownInstanceReturns404(t *testing.T) {
	t.Parallel()

	fixture := newAdminFixture(t)
	fixture.trackService("drone-service")

	resp := fixture.do(http.MethodPut, "/admin/services/drone-service/instances/ghost/health", `{"healthy": true}`)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCleanupEndpoint(t *testing.T) {
	t.Parallel()

	fixture := newAdminFixture(t)
	fixture.trackService("drone-service")

	resp := fixture.do(http.MethodDelete, "/admin/services/drone-service", "")
	require.Equal(t, http.StatusNoContent, resp.Code)

	assert.Empty(t, fixture.registry.HealthyInstances("drone-service"))

	// Cleaning an already clean service is still a 204
	resp = fixture.do(http.MethodDelete, "/admin/services/drone-service", "")
	assert.Equal(t, http.StatusNoContent, resp.Code)
}
