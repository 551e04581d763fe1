// ABOUTME: Store interface and data types for fleet-gateway persistence
// ABOUTME: Defines Agent, Execution, Schedule structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMachineID is returned when registering an agent whose machine
// identifier already exists within the tenant
var ErrDuplicateMachineID = errors.New("machine identifier already registered")

// AgentStatus describes an agent's current availability.
type AgentStatus string

// Agent status values
const (
	AgentAvailable    AgentStatus = "available"
	AgentBusy         AgentStatus = "busy"
	AgentDisconnected AgentStatus = "disconnected"
	AgentOffline      AgentStatus = "offline"
)

// Agent represents a registered remote worker capable of executing
// automation packages. Agents are never deleted, only deactivated.
type Agent struct {
	ID              string
	TenantID        string
	Name            string
	MachineID       string
	CredentialHash  string // bcrypt hash; plaintext is returned once at registration
	Status          AgentStatus
	LastConnectedAt *time.Time
	LastHeartbeatAt *time.Time
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ExecutionStatus describes where an execution is in its lifecycle.
type ExecutionStatus string

// Execution status values
const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Valid reports whether the status is one of the known lifecycle states.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Execution represents one attempt to run one package version on one agent.
// Executions form the audit trail and are never deleted.
// EndedAt is set iff Status is terminal. ScheduleID is empty for manual triggers.
type Execution struct {
	ID             string
	TenantID       string
	AgentID        string
	PackageID      string
	PackageVersion string
	ScheduleID     string
	Status         ExecutionStatus
	StartedAt      time.Time
	EndedAt        *time.Time
	LogOutput      string
	ErrorMessage   string
	LogArchiveURL  string
}

// RecurrenceKind distinguishes cron schedules from one-time schedules.
type RecurrenceKind string

// Recurrence kinds
const (
	RecurrenceCron    RecurrenceKind = "cron"
	RecurrenceOneTime RecurrenceKind = "one_time"
)

// Schedule is a rule describing when to create executions automatically.
// Exactly one of CronExpr / RunAt is populated, matching Kind.
type Schedule struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	Enabled     bool
	Kind        RecurrenceKind
	CronExpr    string     // present iff Kind == RecurrenceCron
	RunAt       *time.Time // present iff Kind == RecurrenceOneTime
	Timezone    string     // IANA zone name, e.g. "Europe/Berlin"
	PackageID   string
	AgentID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExecutionFilter narrows ListExecutions results.
// Zero values mean "no constraint"; Limit <= 0 means the store default.
type ExecutionFilter struct {
	AgentID    string
	ScheduleID string
	Status     ExecutionStatus
	Limit      int
}

// Store defines the interface for agent, execution, and schedule persistence.
// All operations are scoped to a tenant; implementations must never return
// rows belonging to a different tenant.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, tenantID, id string) (*Agent, error)
	GetAgentByMachineID(ctx context.Context, tenantID, machineID string) (*Agent, error)
	ListAgents(ctx context.Context, tenantID string) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, tenantID, id string, status AgentStatus) error
	TouchAgentConnected(ctx context.Context, tenantID, id string, at time.Time) error
	TouchAgentHeartbeat(ctx context.Context, tenantID, id string, at time.Time) error
	DeactivateAgent(ctx context.Context, tenantID, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, tenantID, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*Execution, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, tenantID, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, sched *Schedule) error
	DeleteSchedule(ctx context.Context, tenantID, id string) error
	ListSchedules(ctx context.Context, tenantID string, enabledOnly bool) ([]*Schedule, error)

	// ListTenantsWithSchedules returns the distinct tenant ids that have at
	// least one enabled schedule. Used by the schedule sweep.
	ListTenantsWithSchedules(ctx context.Context) ([]string, error)

	// Close releases database resources
	Close() error
}
