// ABOUTME: HTTP API handlers for agents, executions, and schedules
// ABOUTME: Parses JSON requests, invokes the engines, and maps domain errors to status codes

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fleetforge/fleet-gateway/internal/engine"
	"github.com/fleetforge/fleet-gateway/internal/packstore"
	"github.com/fleetforge/fleet-gateway/internal/registry"
	"github.com/fleetforge/fleet-gateway/internal/schedule"
	"github.com/fleetforge/fleet-gateway/internal/store"
	"github.com/fleetforge/fleet-gateway/internal/tenant"
)

func tenantOf(r *http.Request) string {
	return tenant.FromContext(r.Context())
}

func parseCount(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid count")
	}
	return n, nil
}

// RegisterAgentRequest is the JSON request body for POST /api/agents.
type RegisterAgentRequest struct {
	Name      string `json:"name"`
	MachineID string `json:"machine_id"`
}

// RegisterAgentResponse is the JSON response for POST /api/agents.
// Credential is returned exactly once; only its hash is stored.
type RegisterAgentResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MachineID  string `json:"machine_id"`
	Credential string `json:"credential"`
}

// AgentResponse is the JSON shape of one agent in list and get responses.
type AgentResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	MachineID       string `json:"machine_id"`
	Status          string `json:"status"`
	Active          bool   `json:"active"`
	LastConnectedAt string `json:"last_connected_at,omitempty"`
	LastHeartbeatAt string `json:"last_heartbeat_at,omitempty"`
}

// TriggerExecutionRequest is the JSON request body for POST /api/executions.
type TriggerExecutionRequest struct {
	AgentID        string `json:"agent_id"`
	PackageID      string `json:"package_id"`
	PackageVersion string `json:"package_version"`
}

// StatusReportRequest is the JSON request body for POST /api/executions/{id}/status.
type StatusReportRequest struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	LogOutput    string `json:"log_output,omitempty"`
}

// ExecutionResponse is the JSON shape of one execution.
type ExecutionResponse struct {
	ID             string `json:"id"`
	AgentID        string `json:"agent_id"`
	PackageID      string `json:"package_id"`
	PackageVersion string `json:"package_version"`
	ScheduleID     string `json:"schedule_id,omitempty"`
	Status         string `json:"status"`
	StartedAt      string `json:"started_at"`
	EndedAt        string `json:"ended_at,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	LogOutput      string `json:"log_output,omitempty"`
}

// ScheduleRequest is the JSON request body for creating and updating schedules.
type ScheduleRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Enabled     bool       `json:"enabled"`
	Kind        string     `json:"kind"`
	CronExpr    string     `json:"cron_expr,omitempty"`
	RunAt       *time.Time `json:"run_at,omitempty"`
	Timezone    string     `json:"timezone,omitempty"`
	PackageID   string     `json:"package_id"`
	AgentID     string     `json:"agent_id"`
}

// ScheduleResponse is the JSON shape of one schedule.
type ScheduleResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Enabled     bool       `json:"enabled"`
	Kind        string     `json:"kind"`
	CronExpr    string     `json:"cron_expr,omitempty"`
	RunAt       *time.Time `json:"run_at,omitempty"`
	Timezone    string     `json:"timezone"`
	PackageID   string     `json:"package_id"`
	AgentID     string     `json:"agent_id"`
	CreatedAt   string     `json:"created_at"`
	UpdatedAt   string     `json:"updated_at"`
}

// UpcomingRunsResponse is the JSON response for GET /api/schedules/{id}/upcoming.
type UpcomingRunsResponse struct {
	ScheduleID string      `json:"schedule_id"`
	RunTimes   []time.Time `json:"run_times"`
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendDomainError maps domain errors onto HTTP status codes.
func (g *Gateway) sendDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrAgentNotFound),
		errors.Is(err, engine.ErrExecutionNotFound),
		errors.Is(err, engine.ErrPackageNotFound),
		errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, schedule.ErrScheduleNotFound),
		errors.Is(err, packstore.ErrPackageNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrAgentUnavailable),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, registry.ErrDuplicateIdentifier):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInvalidStatus),
		errors.Is(err, schedule.ErrInvalidCron),
		errors.Is(err, schedule.ErrInvalidTimezone),
		errors.Is(err, schedule.ErrInvalidSchedule):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("internal error", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func formatNullable(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func agentResponse(a *store.Agent) AgentResponse {
	return AgentResponse{
		ID:              a.ID,
		Name:            a.Name,
		MachineID:       a.MachineID,
		Status:          string(a.Status),
		Active:          a.Active,
		LastConnectedAt: formatNullable(a.LastConnectedAt),
		LastHeartbeatAt: formatNullable(a.LastHeartbeatAt),
	}
}

func executionResponse(e *store.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:             e.ID,
		AgentID:        e.AgentID,
		PackageID:      e.PackageID,
		PackageVersion: e.PackageVersion,
		ScheduleID:     e.ScheduleID,
		Status:         string(e.Status),
		StartedAt:      e.StartedAt.Format(time.RFC3339),
		EndedAt:        formatNullable(e.EndedAt),
		ErrorMessage:   e.ErrorMessage,
		LogOutput:      e.LogOutput,
	}
}

func scheduleResponse(s *store.Schedule) ScheduleResponse {
	return ScheduleResponse{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Enabled:     s.Enabled,
		Kind:        string(s.Kind),
		CronExpr:    s.CronExpr,
		RunAt:       s.RunAt,
		Timezone:    s.Timezone,
		PackageID:   s.PackageID,
		AgentID:     s.AgentID,
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   s.UpdatedAt.Format(time.RFC3339),
	}
}

// handleAgents handles GET and POST /api/agents.
func (g *Gateway) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListAgents(w, r)
	case http.MethodPost:
		g.handleRegisterAgent(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleListAgents returns all registered agents of the tenant with their
// live presence status overlaid on the stored one.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context(), tenantOf(r))
	if err != nil {
		g.sendDomainError(w, err)
		return
	}

	response := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		resp := agentResponse(a)
		resp.Status = string(g.tracker.Status(a.ID))
		response = append(response, resp)
	}
	g.sendJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	agent, credential, err := g.registry.Register(r.Context(), req.Name, req.MachineID)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateIdentifier) {
			g.sendJSONError(w, http.StatusConflict, err.Error())
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.sendJSON(w, http.StatusCreated, RegisterAgentResponse{
		ID:         agent.ID,
		Name:       agent.Name,
		MachineID:  agent.MachineID,
		Credential: credential,
	})
}

// handleAgentRoutes handles GET and DELETE /api/agents/{id}.
func (g *Gateway) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		agent, err := g.registry.Get(r.Context(), id)
		if err != nil {
			g.sendDomainError(w, err)
			return
		}
		resp := agentResponse(agent)
		resp.Status = string(g.tracker.Status(agent.ID))
		g.sendJSON(w, http.StatusOK, resp)
	case http.MethodDelete:
		if err := g.registry.Deactivate(r.Context(), id); err != nil {
			g.sendDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleExecutions handles GET and POST /api/executions.
func (g *Gateway) handleExecutions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListExecutions(w, r)
	case http.MethodPost:
		g.handleTriggerExecution(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		AgentID:    q.Get("agent_id"),
		ScheduleID: q.Get("schedule_id"),
		Status:     store.ExecutionStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	execs, err := g.engine.List(r.Context(), filter)
	if err != nil {
		g.sendDomainError(w, err)
		return
	}

	response := make([]ExecutionResponse, 0, len(execs))
	for _, e := range execs {
		response = append(response, executionResponse(e))
	}
	g.sendJSON(w, http.StatusOK, response)
}

func parseTriggerRequest(r io.Reader) (*TriggerExecutionRequest, error) {
	var req TriggerExecutionRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.AgentID == "" {
		return nil, errors.New("agent_id is required")
	}
	if req.PackageID == "" {
		return nil, errors.New("package_id is required")
	}
	if req.PackageVersion == "" {
		return nil, errors.New("package_version is required")
	}
	return &req, nil
}

func (g *Gateway) handleTriggerExecution(w http.ResponseWriter, r *http.Request) {
	req, err := parseTriggerRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	exec, err := g.engine.Trigger(r.Context(), req.AgentID, req.PackageID, req.PackageVersion)
	if err != nil {
		g.sendDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, executionResponse(exec))
}

// handleExecutionRoutes handles /api/executions/{id} and its subresources.
func (g *Gateway) handleExecutionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/executions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		exec, err := g.engine.Get(r.Context(), id)
		if err != nil {
			g.sendDomainError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, executionResponse(exec))
	case action == "cancel" && r.Method == http.MethodPost:
		exec, err := g.engine.Cancel(r.Context(), id)
		if err != nil {
			g.sendDomainError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, executionResponse(exec))
	case action == "status" && r.Method == http.MethodPost:
		g.handleStatusReport(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleStatusReport is the HTTP fallback for agents reporting execution
// progress outside their websocket connection.
func (g *Gateway) handleStatusReport(w http.ResponseWriter, r *http.Request, id string) {
	var req StatusReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	exec, err := g.engine.UpdateStatus(r.Context(), id, store.ExecutionStatus(req.Status), req.ErrorMessage, req.LogOutput)
	if err != nil {
		g.sendDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, executionResponse(exec))
}

// handleSchedules handles GET and POST /api/schedules.
func (g *Gateway) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		schedules, err := g.schedules.List(r.Context())
		if err != nil {
			g.sendDomainError(w, err)
			return
		}
		response := make([]ScheduleResponse, 0, len(schedules))
		for _, s := range schedules {
			response = append(response, scheduleResponse(s))
		}
		g.sendJSON(w, http.StatusOK, response)
	case http.MethodPost:
		var req ScheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := g.schedules.Create(r.Context(), scheduleFromRequest(&req))
		if err != nil {
			g.sendDomainError(w, err)
			return
		}
		g.sendJSON(w, http.StatusCreated, scheduleResponse(created))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func scheduleFromRequest(req *ScheduleRequest) *store.Schedule {
	return &store.Schedule{
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled,
		Kind:        store.RecurrenceKind(req.Kind),
		CronExpr:    req.CronExpr,
		RunAt:       req.RunAt,
		Timezone:    req.Timezone,
		PackageID:   req.PackageID,
		AgentID:     req.AgentID,
	}
}

// handleScheduleRoutes handles /api/schedules/{id} and its subresources.
func (g *Gateway) handleScheduleRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sched, err := g.schedules.Get(r.Context(), id)
		if err != nil {
			g.sendDomainError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, scheduleResponse(sched))
	case action == "" && r.Method == http.MethodPut:
		var req ScheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := g.schedules.Update(r.Context(), id, scheduleFromRequest(&req))
		if err != nil {
			g.sendDomainError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, scheduleResponse(updated))
	case action == "" && r.Method == http.MethodDelete:
		if err := g.schedules.Delete(r.Context(), id); err != nil {
			g.sendDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "enable" && r.Method == http.MethodPost:
		g.handleSetEnabled(w, r, id, true)
	case action == "disable" && r.Method == http.MethodPost:
		g.handleSetEnabled(w, r, id, false)
	case action == "upcoming" && r.Method == http.MethodGet:
		g.handleUpcomingRuns(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleSetEnabled(w http.ResponseWriter, r *http.Request, id string, enabled bool) {
	sched, err := g.schedules.SetEnabled(r.Context(), id, enabled)
	if err != nil {
		g.sendDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, scheduleResponse(sched))
}

func (g *Gateway) handleUpcomingRuns(w http.ResponseWriter, r *http.Request, id string) {
	count := 5
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := parseCount(raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid count")
			return
		}
		count = parsed
	}

	times, err := g.schedules.UpcomingRunTimes(r.Context(), id, count)
	if err != nil {
		g.sendDomainError(w, err)
		return
	}
	if times == nil {
		times = []time.Time{}
	}
	g.sendJSON(w, http.StatusOK, UpcomingRunsResponse{ScheduleID: id, RunTimes: times})
}
