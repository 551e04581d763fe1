// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/execution/schedule persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultExecutionListLimit = 100

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id                TEXT PRIMARY KEY,
			tenant_id         TEXT NOT NULL,
			name              TEXT NOT NULL,
			machine_id        TEXT NOT NULL,
			credential_hash   TEXT NOT NULL,
			status            TEXT NOT NULL,
			last_connected_at TEXT,
			last_heartbeat_at TEXT,
			active            INTEGER NOT NULL DEFAULT 1,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (status IN ('available', 'busy', 'disconnected', 'offline'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_tenant_machine
			ON agents(tenant_id, machine_id);
		CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents(tenant_id);

		CREATE TABLE IF NOT EXISTS executions (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			package_id      TEXT,
			package_version TEXT NOT NULL,
			schedule_id     TEXT,
			status          TEXT NOT NULL,
			started_at      TEXT NOT NULL,
			ended_at        TEXT,
			log_output      TEXT NOT NULL DEFAULT '',
			error_message   TEXT NOT NULL DEFAULT '',
			log_archive_url TEXT NOT NULL DEFAULT '',

			CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
			FOREIGN KEY (agent_id) REFERENCES agents(id)
		);

		CREATE INDEX IF NOT EXISTS idx_executions_tenant ON executions(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id);

		CREATE TABLE IF NOT EXISTS schedules (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			enabled     INTEGER NOT NULL DEFAULT 1,
			kind        TEXT NOT NULL,
			cron_expr   TEXT,
			run_at      TEXT,
			timezone    TEXT NOT NULL DEFAULT 'UTC',
			package_id  TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			CHECK (kind IN ('cron', 'one_time')),
			CHECK ((kind = 'cron') = (cron_expr IS NOT NULL)),
			CHECK ((kind = 'one_time') = (run_at IS NOT NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_schedules_tenant ON schedules(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(tenant_id, enabled);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// formatTime renders a time in the canonical column format.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// formatNullableTime renders an optional time, keeping NULL for nil.
func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTime parses a time previously written by formatTime.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateAgent inserts a new agent row.
// Returns ErrDuplicateMachineID if the machine identifier already exists for the tenant.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (id, tenant_id, name, machine_id, credential_hash, status,
			last_connected_at, last_heartbeat_at, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.TenantID,
		agent.Name,
		agent.MachineID,
		agent.CredentialHash,
		string(agent.Status),
		formatNullableTime(agent.LastConnectedAt),
		formatNullableTime(agent.LastHeartbeatAt),
		agent.Active,
		formatTime(agent.CreatedAt),
		formatTime(agent.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMachineID
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "machine_id", agent.MachineID, "tenant", agent.TenantID)
	return nil
}

const agentColumns = `id, tenant_id, name, machine_id, credential_hash, status,
	last_connected_at, last_heartbeat_at, active, created_at, updated_at`

// scanAgent scans a single agent row.
func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var agent Agent
	var lastConnected, lastHeartbeat sql.NullString
	var createdAtStr, updatedAtStr string
	var status string

	err := row.Scan(
		&agent.ID,
		&agent.TenantID,
		&agent.Name,
		&agent.MachineID,
		&agent.CredentialHash,
		&status,
		&lastConnected,
		&lastHeartbeat,
		&agent.Active,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	agent.Status = AgentStatus(status)
	if agent.LastConnectedAt, err = parseNullableTime(lastConnected); err != nil {
		return nil, fmt.Errorf("parsing last_connected_at: %w", err)
	}
	if agent.LastHeartbeatAt, err = parseNullableTime(lastHeartbeat); err != nil {
		return nil, fmt.Errorf("parsing last_heartbeat_at: %w", err)
	}
	if agent.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if agent.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &agent, nil
}

// GetAgent retrieves an agent by id within a tenant.
func (s *SQLiteStore) GetAgent(ctx context.Context, tenantID, id string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE tenant_id = ? AND id = ?`

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// GetAgentByMachineID retrieves an agent by its machine identifier within a tenant.
func (s *SQLiteStore) GetAgentByMachineID(ctx context.Context, tenantID, machineID string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE tenant_id = ? AND machine_id = ?`

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, tenantID, machineID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent by machine id: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents for a tenant, newest first.
func (s *SQLiteStore) ListAgents(ctx context.Context, tenantID string) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE tenant_id = ? ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus sets an agent's availability status.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, tenantID, id string, status AgentStatus) error {
	query := `UPDATE agents SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`

	res, err := s.db.ExecContext(ctx, query, string(status), formatTime(time.Now()), tenantID, id)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	return requireRow(res)
}

// TouchAgentConnected records the time an agent last connected or disconnected.
func (s *SQLiteStore) TouchAgentConnected(ctx context.Context, tenantID, id string, at time.Time) error {
	query := `UPDATE agents SET last_connected_at = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`

	res, err := s.db.ExecContext(ctx, query, formatTime(at), formatTime(time.Now()), tenantID, id)
	if err != nil {
		return fmt.Errorf("updating last_connected_at: %w", err)
	}
	return requireRow(res)
}

// TouchAgentHeartbeat records the time of the agent's last heartbeat.
func (s *SQLiteStore) TouchAgentHeartbeat(ctx context.Context, tenantID, id string, at time.Time) error {
	query := `UPDATE agents SET last_heartbeat_at = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`

	res, err := s.db.ExecContext(ctx, query, formatTime(at), formatTime(time.Now()), tenantID, id)
	if err != nil {
		return fmt.Errorf("updating last_heartbeat_at: %w", err)
	}
	return requireRow(res)
}

// DeactivateAgent marks an agent inactive. Agents are never deleted.
func (s *SQLiteStore) DeactivateAgent(ctx context.Context, tenantID, id string) error {
	query := `UPDATE agents SET active = 0, status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`

	res, err := s.db.ExecContext(ctx, query, string(AgentOffline), formatTime(time.Now()), tenantID, id)
	if err != nil {
		return fmt.Errorf("deactivating agent: %w", err)
	}
	return requireRow(res)
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateExecution inserts a new execution row.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, tenant_id, agent_id, package_id, package_version,
			schedule_id, status, started_at, ended_at, log_output, error_message, log_archive_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var scheduleID any
	if exec.ScheduleID != "" {
		scheduleID = exec.ScheduleID
	}

	_, err := s.db.ExecContext(ctx, query,
		exec.ID,
		exec.TenantID,
		exec.AgentID,
		exec.PackageID,
		exec.PackageVersion,
		scheduleID,
		string(exec.Status),
		formatTime(exec.StartedAt),
		formatNullableTime(exec.EndedAt),
		exec.LogOutput,
		exec.ErrorMessage,
		exec.LogArchiveURL,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	s.logger.Debug("created execution", "id", exec.ID, "agent_id", exec.AgentID, "status", exec.Status)
	return nil
}

const executionColumns = `id, tenant_id, agent_id, package_id, package_version,
	schedule_id, status, started_at, ended_at, log_output, error_message, log_archive_url`

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	var exec Execution
	var packageID, scheduleID, endedAt sql.NullString
	var startedAtStr, status string

	err := row.Scan(
		&exec.ID,
		&exec.TenantID,
		&exec.AgentID,
		&packageID,
		&exec.PackageVersion,
		&scheduleID,
		&status,
		&startedAtStr,
		&endedAt,
		&exec.LogOutput,
		&exec.ErrorMessage,
		&exec.LogArchiveURL,
	)
	if err != nil {
		return nil, err
	}

	exec.PackageID = packageID.String
	exec.ScheduleID = scheduleID.String
	exec.Status = ExecutionStatus(status)
	if exec.StartedAt, err = parseTime(startedAtStr); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if exec.EndedAt, err = parseNullableTime(endedAt); err != nil {
		return nil, fmt.Errorf("parsing ended_at: %w", err)
	}
	return &exec, nil
}

// GetExecution retrieves an execution by id within a tenant.
func (s *SQLiteStore) GetExecution(ctx context.Context, tenantID, id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE tenant_id = ? AND id = ?`

	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution writes back the mutable fields of an execution.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	query := `
		UPDATE executions
		SET status = ?, ended_at = ?, log_output = ?, error_message = ?, log_archive_url = ?
		WHERE tenant_id = ? AND id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		string(exec.Status),
		formatNullableTime(exec.EndedAt),
		exec.LogOutput,
		exec.ErrorMessage,
		exec.LogArchiveURL,
		exec.TenantID,
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}
	return requireRow(res)
}

// ListExecutions returns executions for a tenant, newest first, honoring the filter.
func (s *SQLiteStore) ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.ScheduleID != "" {
		query += ` AND schedule_id = ?`
		args = append(args, filter.ScheduleID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultExecutionListLimit
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// CreateSchedule inserts a new schedule row.
func (s *SQLiteStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	query := `
		INSERT INTO schedules (id, tenant_id, name, description, enabled, kind,
			cron_expr, run_at, timezone, package_id, agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		sched.ID,
		sched.TenantID,
		sched.Name,
		sched.Description,
		sched.Enabled,
		string(sched.Kind),
		nullableString(sched.CronExpr),
		formatNullableTime(sched.RunAt),
		sched.Timezone,
		sched.PackageID,
		sched.AgentID,
		formatTime(sched.CreatedAt),
		formatTime(sched.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}

	s.logger.Debug("created schedule", "id", sched.ID, "kind", sched.Kind, "tenant", sched.TenantID)
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const scheduleColumns = `id, tenant_id, name, description, enabled, kind,
	cron_expr, run_at, timezone, package_id, agent_id, created_at, updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	var sched Schedule
	var cronExpr, runAt sql.NullString
	var kind, createdAtStr, updatedAtStr string

	err := row.Scan(
		&sched.ID,
		&sched.TenantID,
		&sched.Name,
		&sched.Description,
		&sched.Enabled,
		&kind,
		&cronExpr,
		&runAt,
		&sched.Timezone,
		&sched.PackageID,
		&sched.AgentID,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	sched.Kind = RecurrenceKind(kind)
	sched.CronExpr = cronExpr.String
	if sched.RunAt, err = parseNullableTime(runAt); err != nil {
		return nil, fmt.Errorf("parsing run_at: %w", err)
	}
	if sched.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sched.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &sched, nil
}

// GetSchedule retrieves a schedule by id within a tenant.
func (s *SQLiteStore) GetSchedule(ctx context.Context, tenantID, id string) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE tenant_id = ? AND id = ?`

	sched, err := scanSchedule(s.db.QueryRowContext(ctx, query, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying schedule: %w", err)
	}
	return sched, nil
}

// UpdateSchedule writes back the mutable fields of a schedule.
func (s *SQLiteStore) UpdateSchedule(ctx context.Context, sched *Schedule) error {
	query := `
		UPDATE schedules
		SET name = ?, description = ?, enabled = ?, kind = ?, cron_expr = ?,
			run_at = ?, timezone = ?, package_id = ?, agent_id = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		sched.Name,
		sched.Description,
		sched.Enabled,
		string(sched.Kind),
		nullableString(sched.CronExpr),
		formatNullableTime(sched.RunAt),
		sched.Timezone,
		sched.PackageID,
		sched.AgentID,
		formatTime(time.Now()),
		sched.TenantID,
		sched.ID,
	)
	if err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}
	return requireRow(res)
}

// DeleteSchedule removes a schedule. Executions created from it are kept.
func (s *SQLiteStore) DeleteSchedule(ctx context.Context, tenantID, id string) error {
	query := `DELETE FROM schedules WHERE tenant_id = ? AND id = ?`

	res, err := s.db.ExecContext(ctx, query, tenantID, id)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	return requireRow(res)
}

// ListSchedules returns schedules for a tenant, optionally only enabled ones.
func (s *SQLiteStore) ListSchedules(ctx context.Context, tenantID string, enabledOnly bool) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE tenant_id = ?`
	args := []any{tenantID}
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	var scheds []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// ListTenantsWithSchedules returns distinct tenant ids holding enabled schedules.
func (s *SQLiteStore) ListTenantsWithSchedules(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM schedules WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("querying schedule tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tenant id: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}
