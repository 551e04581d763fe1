// ABOUTME: Execution engine owning the execution lifecycle state machine
// ABOUTME: Validates triggers, dispatches run commands, and applies agent status reports

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/fleet-gateway/internal/channel"
	"github.com/fleetforge/fleet-gateway/internal/packstore"
	"github.com/fleetforge/fleet-gateway/internal/presence"
	"github.com/fleetforge/fleet-gateway/internal/store"
	"github.com/fleetforge/fleet-gateway/internal/tenant"
)

// ErrAgentNotFound indicates the agent id does not resolve within the tenant.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentUnavailable indicates the agent cannot accept work right now.
// Busy agents reject triggers rather than queueing them.
var ErrAgentUnavailable = errors.New("agent unavailable")

// ErrPackageNotFound indicates the package or version does not exist.
var ErrPackageNotFound = errors.New("package not found")

// ErrExecutionNotFound indicates the execution id does not resolve within the tenant.
var ErrExecutionNotFound = errors.New("execution not found")

// ErrInvalidTransition indicates a cancel or update hit a terminal execution.
var ErrInvalidTransition = errors.New("invalid execution state transition")

// ErrInvalidStatus indicates an unknown execution status value.
var ErrInvalidStatus = errors.New("invalid execution status")

// Engine owns the execution state machine:
//
//	Pending -> (dispatch accepted) -> Running -> (terminal report) -> Completed | Failed
//	Pending | Running -> (cancel) -> Cancelled
//
// No transition leaves a terminal state.
type Engine struct {
	store    store.Store
	presence *presence.Tracker
	sender   channel.Sender
	packages packstore.Store
	logger   *slog.Logger

	// Per-execution locks serialize concurrent writes to a single record.
	// Entries are refcounted and removed when the last holder releases, so
	// executions that never reach a terminal state leave nothing behind.
	locksMu sync.Mutex
	locks   map[string]*execLock
}

type execLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an execution engine.
func New(s store.Store, tracker *presence.Tracker, sender channel.Sender, packages packstore.Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		presence: tracker,
		sender:   sender,
		packages: packages,
		logger:   logger.With("component", "engine"),
		locks:    make(map[string]*execLock),
	}
}

func (e *Engine) lockExecution(id string) *execLock {
	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &execLock{}
		e.locks[id] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return l
}

func (e *Engine) releaseExecution(id string, l *execLock) {
	l.mu.Unlock()

	e.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, id)
	}
	e.locksMu.Unlock()
}

// Trigger validates agent and package, creates an execution in Pending,
// flips the agent to Busy, and pushes the run command to the agent.
//
// Validation failures create no execution record. A command-channel failure
// after the record exists does not leave it dangling in Pending: the
// execution comes back in the Failed state with the transport error recorded,
// so the caller must inspect the returned status rather than assume
// fire-and-forget succeeded.
func (e *Engine) Trigger(ctx context.Context, agentID, packageID, packageVersion string) (*store.Execution, error) {
	return e.trigger(ctx, agentID, packageID, packageVersion, "")
}

// TriggerScheduled is Trigger on behalf of a schedule firing; the resulting
// execution records which schedule produced it.
func (e *Engine) TriggerScheduled(ctx context.Context, scheduleID, agentID, packageID, packageVersion string) (*store.Execution, error) {
	return e.trigger(ctx, agentID, packageID, packageVersion, scheduleID)
}

func (e *Engine) trigger(ctx context.Context, agentID, packageID, packageVersion, scheduleID string) (*store.Execution, error) {
	tenantID := tenant.FromContext(ctx)

	agent, err := e.store.GetAgent(ctx, tenantID, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up agent: %w", err)
	}
	if !agent.Active {
		return nil, ErrAgentNotFound
	}

	exists, err := e.packages.Exists(ctx, packageID, packageVersion)
	if err != nil {
		return nil, fmt.Errorf("checking package: %w", err)
	}
	if !exists {
		return nil, ErrPackageNotFound
	}

	executionID := uuid.New().String()

	// Compare-and-swap Available -> Busy. Of two concurrent triggers on the
	// same agent exactly one passes; the loser sees ErrAgentUnavailable and
	// no record is created for it.
	if err := e.presence.MarkBusy(ctx, agentID, executionID); err != nil {
		return nil, ErrAgentUnavailable
	}

	exec := &store.Execution{
		ID:             executionID,
		TenantID:       tenantID,
		AgentID:        agentID,
		PackageID:      packageID,
		PackageVersion: packageVersion,
		ScheduleID:     scheduleID,
		Status:         store.ExecutionPending,
		StartedAt:      time.Now().UTC(),
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		if revertErr := e.presence.MarkAvailable(ctx, agentID, executionID); revertErr != nil {
			e.logger.Error("reverting agent after failed create", "agent_id", agentID, "error", revertErr)
		}
		return nil, fmt.Errorf("creating execution: %w", err)
	}

	downloadURL, err := e.packages.DownloadLocation(ctx, packageID, packageVersion)
	if err != nil {
		e.logger.Warn("resolving download location", "package_id", packageID, "error", err)
	}

	cmd := &channel.Command{
		Type:           channel.CommandRun,
		ExecutionID:    executionID,
		PackageID:      packageID,
		PackageVersion: packageVersion,
		DownloadURL:    downloadURL,
	}

	// No per-agent lock is held here; the send must never block dispatch of
	// unrelated agents.
	if err := e.sender.Send(ctx, agentID, cmd); err != nil {
		e.logger.Error("dispatch failed", "execution_id", executionID, "agent_id", agentID, "error", err)
		return e.failDispatch(ctx, exec, err)
	}

	e.logger.Info("execution dispatched",
		"execution_id", executionID,
		"agent_id", agentID,
		"package_id", packageID,
		"version", packageVersion,
		"tenant", tenantID,
	)
	return exec, nil
}

// failDispatch marks a freshly created execution Failed after a channel error
// and frees the agent.
func (e *Engine) failDispatch(ctx context.Context, exec *store.Execution, cause error) (*store.Execution, error) {
	now := time.Now().UTC()
	exec.Status = store.ExecutionFailed
	exec.EndedAt = &now
	exec.ErrorMessage = fmt.Sprintf("dispatch failed: %v", cause)

	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("recording dispatch failure: %w", err)
	}
	if err := e.presence.MarkAvailable(ctx, exec.AgentID, exec.ID); err != nil {
		e.logger.Warn("agent not reverted after dispatch failure", "agent_id", exec.AgentID, "error", err)
	}
	return exec, nil
}

// UpdateStatus applies a status report to an execution. Called from the
// command channel's inbound path and from the agent-facing HTTP fallback.
//
// Terminal executions ignore further reports: re-applying the same terminal
// status is an idempotent no-op, and a late report racing a cancel is
// dropped. In both cases the current record is returned without error.
func (e *Engine) UpdateStatus(ctx context.Context, executionID string, status store.ExecutionStatus, errorMessage, logOutput string) (*store.Execution, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	l := e.lockExecution(executionID)
	defer e.releaseExecution(executionID, l)

	tenantID := tenant.FromContext(ctx)
	exec, err := e.store.GetExecution(ctx, tenantID, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up execution: %w", err)
	}

	if exec.Status.Terminal() {
		if status != exec.Status {
			e.logger.Debug("dropping report for terminal execution",
				"execution_id", executionID,
				"current", exec.Status,
				"reported", status,
			)
		}
		return exec, nil
	}

	exec.Status = status
	if errorMessage != "" {
		exec.ErrorMessage = errorMessage
	}
	if logOutput != "" {
		exec.LogOutput = logOutput
	}
	if status.Terminal() {
		now := time.Now().UTC()
		exec.EndedAt = &now
	}

	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("updating execution: %w", err)
	}

	if status.Terminal() {
		// Free the agent, but only if this execution is what made it busy.
		// A status the agent reported independently is never overridden.
		if err := e.presence.MarkAvailable(ctx, exec.AgentID, exec.ID); err != nil {
			e.logger.Debug("agent not reverted on terminal report", "agent_id", exec.AgentID, "error", err)
		}
	}

	e.logger.Info("execution status updated",
		"execution_id", executionID,
		"status", status,
		"tenant", tenantID,
	)
	return exec, nil
}

// Cancel transitions a Pending or Running execution to Cancelled and notifies
// the agent best-effort. The local record is authoritative: a notification
// failure does not fail the cancel.
func (e *Engine) Cancel(ctx context.Context, executionID string) (*store.Execution, error) {
	l := e.lockExecution(executionID)
	defer e.releaseExecution(executionID, l)

	tenantID := tenant.FromContext(ctx)
	exec, err := e.store.GetExecution(ctx, tenantID, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up execution: %w", err)
	}

	if exec.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot cancel %s execution", ErrInvalidTransition, exec.Status)
	}

	now := time.Now().UTC()
	exec.Status = store.ExecutionCancelled
	exec.EndedAt = &now

	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("updating execution: %w", err)
	}

	if err := e.presence.MarkAvailable(ctx, exec.AgentID, exec.ID); err != nil {
		e.logger.Debug("agent not reverted on cancel", "agent_id", exec.AgentID, "error", err)
	}

	cmd := &channel.Command{
		Type:        channel.CommandCancel,
		ExecutionID: executionID,
		Reason:      "cancelled by operator",
	}
	if err := e.sender.Send(ctx, exec.AgentID, cmd); err != nil {
		e.logger.Warn("cancel notification failed", "execution_id", executionID, "agent_id", exec.AgentID, "error", err)
	}

	e.logger.Info("execution cancelled", "execution_id", executionID, "tenant", tenantID)
	return exec, nil
}

// Get retrieves an execution within the tenant in the context.
func (e *Engine) Get(ctx context.Context, executionID string) (*store.Execution, error) {
	exec, err := e.store.GetExecution(ctx, tenant.FromContext(ctx), executionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// List returns executions for the tenant in the context.
func (e *Engine) List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return e.store.ListExecutions(ctx, tenant.FromContext(ctx), filter)
}

// HandleReport implements channel.ReportHandler for inbound agent messages.
func (e *Engine) HandleReport(ctx context.Context, tenantID string, report *channel.StatusReport) error {
	ctx = tenant.WithTenant(ctx, tenantID)
	_, err := e.UpdateStatus(ctx, report.ExecutionID, store.ExecutionStatus(report.Status), report.ErrorMessage, report.LogOutput)
	return err
}
