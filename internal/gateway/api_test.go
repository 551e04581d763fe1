// ABOUTME: HTTP API tests covering agents, executions, and schedules end to end
// ABOUTME: Runs the full gateway handler against a temporary store

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge/fleet-gateway/internal/auth"
	"github.com/fleetforge/fleet-gateway/internal/config"
	"github.com/fleetforge/fleet-gateway/internal/packstore"
	"github.com/fleetforge/fleet-gateway/internal/tenant"
)

type testGateway struct {
	gw     *Gateway
	server *httptest.Server
}

func setupTestGateway(t *testing.T) *testGateway {
	return setupTestGatewayWithSecret(t, "")
}

func setupTestGatewayWithSecret(t *testing.T, jwtSecret string) *testGateway {
	t.Helper()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Auth.JWTSecret = jwtSecret

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(cfg, logger)
	require.NoError(t, err)

	gw.packages.(*packstore.Memory).Add("hygiene-pack", "1.2.0")

	server := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		server.Close()
		_ = gw.store.Close()
	})
	return &testGateway{gw: gw, server: server}
}

// do issues a JSON request and decodes the response body into out (if non-nil).
func (tg *testGateway) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	return tg.doHeaders(t, method, path, nil, body, out)
}

// doHeaders is do with extra request headers, for authenticated requests.
func (tg *testGateway) doHeaders(t *testing.T, method, path string, header http.Header, body, out any) int {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, tg.server.URL+path, reqBody)
	require.NoError(t, err)
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (tg *testGateway) registerAgent(t *testing.T, name, machineID string) RegisterAgentResponse {
	t.Helper()
	var resp RegisterAgentResponse
	code := tg.do(t, http.MethodPost, "/api/agents", RegisterAgentRequest{Name: name, MachineID: machineID}, &resp)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, resp.Credential)
	return resp
}

func TestHealthEndpoints(t *testing.T) {
	tg := setupTestGateway(t)

	resp, err := http.Get(tg.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(tg.server.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterAgent(t *testing.T) {
	tg := setupTestGateway(t)

	reg := tg.registerAgent(t, "cleaner-01", "machine-aaa")
	assert.NotEmpty(t, reg.ID)
	assert.Equal(t, "cleaner-01", reg.Name)

	// Same machine id again conflicts.
	code := tg.do(t, http.MethodPost, "/api/agents", RegisterAgentRequest{Name: "other", MachineID: "machine-aaa"}, nil)
	assert.Equal(t, http.StatusConflict, code)

	// Missing fields are rejected.
	code = tg.do(t, http.MethodPost, "/api/agents", RegisterAgentRequest{Name: "no-machine"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListAndGetAgents(t *testing.T) {
	tg := setupTestGateway(t)
	reg := tg.registerAgent(t, "cleaner-01", "machine-aaa")

	var list []AgentResponse
	code := tg.do(t, http.MethodGet, "/api/agents", nil, &list)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, list, 1)
	assert.Equal(t, reg.ID, list[0].ID)
	assert.Equal(t, "offline", list[0].Status)

	var got AgentResponse
	code = tg.do(t, http.MethodGet, "/api/agents/"+reg.ID, nil, &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cleaner-01", got.Name)

	code = tg.do(t, http.MethodGet, "/api/agents/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDeactivateAgent(t *testing.T) {
	tg := setupTestGateway(t)
	reg := tg.registerAgent(t, "cleaner-01", "machine-aaa")

	code := tg.do(t, http.MethodDelete, "/api/agents/"+reg.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, code)

	var got AgentResponse
	code = tg.do(t, http.MethodGet, "/api/agents/"+reg.ID, nil, &got)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, got.Active)
}

func TestTriggerValidation(t *testing.T) {
	tg := setupTestGateway(t)
	reg := tg.registerAgent(t, "cleaner-01", "machine-aaa")

	// Unknown agent.
	code := tg.do(t, http.MethodPost, "/api/executions", TriggerExecutionRequest{
		AgentID: "nope", PackageID: "hygiene-pack", PackageVersion: "1.2.0",
	}, nil)
	assert.Equal(t, http.StatusNotFound, code)

	// Unknown package.
	code = tg.do(t, http.MethodPost, "/api/executions", TriggerExecutionRequest{
		AgentID: reg.ID, PackageID: "nope", PackageVersion: "1.0.0",
	}, nil)
	assert.Equal(t, http.StatusNotFound, code)

	// Registered but never connected: not available.
	code = tg.do(t, http.MethodPost, "/api/executions", TriggerExecutionRequest{
		AgentID: reg.ID, PackageID: "hygiene-pack", PackageVersion: "1.2.0",
	}, nil)
	assert.Equal(t, http.StatusConflict, code)

	// Missing fields.
	code = tg.do(t, http.MethodPost, "/api/executions", TriggerExecutionRequest{AgentID: reg.ID}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestExecutionLifecycleViaAPI(t *testing.T) {
	tg := setupTestGateway(t)
	reg := tg.registerAgent(t, "cleaner-01", "machine-aaa")
	ws := tg.dialAgent(t, reg.ID, reg.Credential)
	defer ws.Close()

	var exec ExecutionResponse
	code := tg.do(t, http.MethodPost, "/api/executions", TriggerExecutionRequest{
		AgentID: reg.ID, PackageID: "hygiene-pack", PackageVersion: "1.2.0",
	}, &exec)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "pending", exec.Status)

	// Status reports over the HTTP fallback.
	var running ExecutionResponse
	code = tg.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/status", StatusReportRequest{Status: "running"}, &running)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", running.Status)

	var done ExecutionResponse
	code = tg.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/status", StatusReportRequest{Status: "completed", LogOutput: "all clean"}, &done)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", done.Status)
	assert.NotEmpty(t, done.EndedAt)

	var got ExecutionResponse
	code = tg.do(t, http.MethodGet, "/api/executions/"+exec.ID, nil, &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "all clean", got.LogOutput)

	// Invalid status value.
	code = tg.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/status", StatusReportRequest{Status: "exploded"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCancelViaAPI(t *testing.T) {
	tg := setupTestGateway(t)
	reg := tg.registerAgent(t, "cleaner-01", "machine-aaa")
	ws := tg.dialAgent(t, reg.ID, reg.Credential)
	defer ws.Close()

	var exec ExecutionResponse
	code := tg.do(t, http.MethodPost, "/api/executions", TriggerExecutionRequest{
		AgentID: reg.ID, PackageID: "hygiene-pack", PackageVersion: "1.2.0",
	}, &exec)
	require.Equal(t, http.StatusCreated, code)

	var cancelled ExecutionResponse
	code = tg.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/cancel", nil, &cancelled)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", cancelled.Status)
	assert.NotEmpty(t, cancelled.EndedAt)

	// Cancelling a terminal execution conflicts.
	code = tg.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, code)

	code = tg.do(t, http.MethodPost, "/api/executions/missing/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListExecutionsFilters(t *testing.T) {
	tg := setupTestGateway(t)
	reg := tg.registerAgent(t, "cleaner-01", "machine-aaa")
	ws := tg.dialAgent(t, reg.ID, reg.Credential)
	defer ws.Close()

	var exec ExecutionResponse
	code := tg.do(t, http.MethodPost, "/api/executions", TriggerExecutionRequest{
		AgentID: reg.ID, PackageID: "hygiene-pack", PackageVersion: "1.2.0",
	}, &exec)
	require.Equal(t, http.StatusCreated, code)

	var list []ExecutionResponse
	code = tg.do(t, http.MethodGet, "/api/executions?agent_id="+reg.ID, nil, &list)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, list, 1)

	code = tg.do(t, http.MethodGet, "/api/executions?status=completed", nil, &list)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, list)

	code = tg.do(t, http.MethodGet, "/api/executions?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestScheduleCRUDViaAPI(t *testing.T) {
	tg := setupTestGateway(t)
	reg := tg.registerAgent(t, "cleaner-01", "machine-aaa")

	req := ScheduleRequest{
		Name:      "nightly",
		Enabled:   true,
		Kind:      "cron",
		CronExpr:  "0 0 * * *",
		Timezone:  "Europe/Berlin",
		PackageID: "hygiene-pack",
		AgentID:   reg.ID,
	}
	var created ScheduleResponse
	code := tg.do(t, http.MethodPost, "/api/schedules", req, &created)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, created.ID)

	// Bad cron rejected.
	bad := req
	bad.CronExpr = "not a cron"
	code = tg.do(t, http.MethodPost, "/api/schedules", bad, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	var list []ScheduleResponse
	code = tg.do(t, http.MethodGet, "/api/schedules", nil, &list)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, list, 1)

	// Update.
	req.Name = "morning"
	req.CronExpr = "30 6 * * *"
	var updated ScheduleResponse
	code = tg.do(t, http.MethodPut, "/api/schedules/"+created.ID, req, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "morning", updated.Name)

	// Disable and re-enable.
	var toggled ScheduleResponse
	code = tg.do(t, http.MethodPost, "/api/schedules/"+created.ID+"/disable", nil, &toggled)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, toggled.Enabled)

	code = tg.do(t, http.MethodPost, "/api/schedules/"+created.ID+"/enable", nil, &toggled)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, toggled.Enabled)

	// Upcoming runs at midnight Berlin time.
	var upcoming UpcomingRunsResponse
	code = tg.do(t, http.MethodGet, fmt.Sprintf("/api/schedules/%s/upcoming?count=3", created.ID), nil, &upcoming)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, upcoming.RunTimes, 3)
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	for _, ts := range upcoming.RunTimes {
		assert.Equal(t, 6, ts.In(loc).Hour())
		assert.Equal(t, 30, ts.In(loc).Minute())
	}

	// Delete.
	code = tg.do(t, http.MethodDelete, "/api/schedules/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code = tg.do(t, http.MethodGet, "/api/schedules/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusFallbackAgentCredentials(t *testing.T) {
	tg := setupTestGatewayWithSecret(t, "operator-secret")

	token, err := auth.NewJWTVerifier([]byte("operator-secret")).Generate("op-1", tenant.DefaultTenant, time.Hour)
	require.NoError(t, err)
	operator := http.Header{}
	operator.Set("Authorization", "Bearer "+token)

	var reg RegisterAgentResponse
	code := tg.doHeaders(t, http.MethodPost, "/api/agents", operator,
		RegisterAgentRequest{Name: "cleaner-01", MachineID: "machine-aaa"}, &reg)
	require.Equal(t, http.StatusCreated, code)

	ws := tg.dialAgent(t, reg.ID, reg.Credential)
	defer ws.Close()

	var exec ExecutionResponse
	code = tg.doHeaders(t, http.MethodPost, "/api/executions", operator, TriggerExecutionRequest{
		AgentID: reg.ID, PackageID: "hygiene-pack", PackageVersion: "1.2.0",
	}, &exec)
	require.Equal(t, http.StatusCreated, code)

	// Agents report over HTTP with their credential headers, not a JWT.
	agentHdr := http.Header{}
	agentHdr.Set(headerAgentID, reg.ID)
	agentHdr.Set(headerCredential, reg.Credential)
	var got ExecutionResponse
	code = tg.doHeaders(t, http.MethodPost, "/api/executions/"+exec.ID+"/status", agentHdr,
		StatusReportRequest{Status: "running"}, &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", got.Status)

	// No credentials at all.
	code = tg.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/status",
		StatusReportRequest{Status: "completed"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	// Wrong agent credential.
	bad := http.Header{}
	bad.Set(headerAgentID, reg.ID)
	bad.Set(headerCredential, "wrong")
	code = tg.doHeaders(t, http.MethodPost, "/api/executions/"+exec.ID+"/status", bad,
		StatusReportRequest{Status: "completed"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}
