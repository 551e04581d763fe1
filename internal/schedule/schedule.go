// ABOUTME: Schedule engine managing cron and one-time execution schedules
// ABOUTME: Validates recurrence rules, previews upcoming runs, and sweeps for due instants

package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fleetforge/fleet-gateway/internal/packstore"
	"github.com/fleetforge/fleet-gateway/internal/store"
	"github.com/fleetforge/fleet-gateway/internal/tenant"
)

// ErrScheduleNotFound indicates the schedule id does not resolve within the tenant.
var ErrScheduleNotFound = errors.New("schedule not found")

// ErrInvalidCron indicates the cron expression failed to parse.
var ErrInvalidCron = errors.New("invalid cron expression")

// ErrInvalidTimezone indicates an unknown IANA timezone name.
var ErrInvalidTimezone = errors.New("invalid timezone")

// ErrInvalidSchedule indicates missing or contradictory schedule fields.
var ErrInvalidSchedule = errors.New("invalid schedule")

// maxUpcoming caps how many run times a preview may request.
const maxUpcoming = 100

// Standard five-field cron: minute hour day-of-month month day-of-week.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Dispatcher creates executions for schedules that fire.
// Implemented by engine.Engine.
type Dispatcher interface {
	TriggerScheduled(ctx context.Context, scheduleID, agentID, packageID, packageVersion string) (*store.Execution, error)
}

// Engine owns schedule CRUD and the sweep loop that fires due schedules.
//
// The sweep baseline is the engine's construction time: instants that were
// due while the process was down are not backfilled.
type Engine struct {
	store      store.Store
	dispatcher Dispatcher
	packages   packstore.Store
	logger     *slog.Logger

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// New creates a schedule engine with the sweep baseline set to now.
func New(s store.Store, dispatcher Dispatcher, packages packstore.Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:      s,
		dispatcher: dispatcher,
		packages:   packages,
		logger:     logger.With("component", "schedule"),
		lastSweep:  time.Now().UTC(),
	}
}

// validate checks the fields of a schedule before it is persisted.
func validate(sched *store.Schedule) error {
	if sched.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if sched.PackageID == "" {
		return fmt.Errorf("%w: package_id is required", ErrInvalidSchedule)
	}
	if sched.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidSchedule)
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(sched.Timezone); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, sched.Timezone)
	}

	switch sched.Kind {
	case store.RecurrenceCron:
		if sched.CronExpr == "" {
			return fmt.Errorf("%w: cron schedule requires cron_expr", ErrInvalidSchedule)
		}
		if sched.RunAt != nil {
			return fmt.Errorf("%w: cron schedule must not set run_at", ErrInvalidSchedule)
		}
		if _, err := cronParser.Parse(sched.CronExpr); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidCron, sched.CronExpr, err)
		}
	case store.RecurrenceOneTime:
		if sched.RunAt == nil {
			return fmt.Errorf("%w: one-time schedule requires run_at", ErrInvalidSchedule)
		}
		if sched.CronExpr != "" {
			return fmt.Errorf("%w: one-time schedule must not set cron_expr", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, sched.Kind)
	}
	return nil
}

// Create validates and persists a new schedule for the tenant in the context.
func (e *Engine) Create(ctx context.Context, sched *store.Schedule) (*store.Schedule, error) {
	if err := validate(sched); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sched.ID = uuid.New().String()
	sched.TenantID = tenant.FromContext(ctx)
	sched.CreatedAt = now
	sched.UpdatedAt = now

	if err := e.store.CreateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("creating schedule: %w", err)
	}

	e.logger.Info("schedule created",
		"schedule_id", sched.ID,
		"name", sched.Name,
		"kind", sched.Kind,
		"tenant", sched.TenantID,
	)
	return sched, nil
}

// Get retrieves a schedule within the tenant in the context.
func (e *Engine) Get(ctx context.Context, id string) (*store.Schedule, error) {
	sched, err := e.store.GetSchedule(ctx, tenant.FromContext(ctx), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// List returns the tenant's schedules.
func (e *Engine) List(ctx context.Context) ([]*store.Schedule, error) {
	return e.store.ListSchedules(ctx, tenant.FromContext(ctx), false)
}

// Update validates and persists changes to an existing schedule. The id and
// tenant of the stored record win over whatever the caller set on sched.
func (e *Engine) Update(ctx context.Context, id string, sched *store.Schedule) (*store.Schedule, error) {
	current, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	sched.ID = current.ID
	sched.TenantID = current.TenantID
	if err := validate(sched); err != nil {
		return nil, err
	}

	if err := e.store.UpdateSchedule(ctx, sched); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("updating schedule: %w", err)
	}
	return sched, nil
}

// Delete removes a schedule within the tenant in the context.
func (e *Engine) Delete(ctx context.Context, id string) error {
	err := e.store.DeleteSchedule(ctx, tenant.FromContext(ctx), id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrScheduleNotFound
	}
	return err
}

// SetEnabled flips a schedule on or off without touching its other fields.
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) (*store.Schedule, error) {
	sched, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched.Enabled == enabled {
		return sched, nil
	}

	sched.Enabled = enabled
	if err := e.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("updating schedule: %w", err)
	}

	e.logger.Info("schedule toggled", "schedule_id", id, "enabled", enabled)
	return sched, nil
}

// UpcomingRunTimes previews the next run instants of a schedule from now.
// Disabled schedules still produce a preview. A one-time schedule yields its
// run instant if still in the future, otherwise nothing.
func (e *Engine) UpcomingRunTimes(ctx context.Context, id string, count int) ([]time.Time, error) {
	sched, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return upcoming(sched, time.Now(), count)
}

func upcoming(sched *store.Schedule, from time.Time, count int) ([]time.Time, error) {
	if count <= 0 {
		count = 1
	}
	if count > maxUpcoming {
		count = maxUpcoming
	}

	if sched.Kind == store.RecurrenceOneTime {
		if sched.RunAt.After(from) {
			return []time.Time{*sched.RunAt}, nil
		}
		return nil, nil
	}

	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, sched.Timezone)
	}
	expr, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, sched.CronExpr, err)
	}

	times := make([]time.Time, 0, count)
	next := from.In(loc)
	for len(times) < count {
		next = expr.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times, nil
}

// Sweep fires every enabled schedule with a due instant in (lastSweep, now]
// and advances the baseline. A schedule due multiple times within the window
// fires once per due instant. Trigger failures are logged and skipped so one
// busy agent never stalls the rest of the sweep.
func (e *Engine) Sweep(ctx context.Context, now time.Time) {
	e.sweepMu.Lock()
	since := e.lastSweep
	e.lastSweep = now
	e.sweepMu.Unlock()

	tenants, err := e.store.ListTenantsWithSchedules(ctx)
	if err != nil {
		e.logger.Error("listing tenants for sweep", "error", err)
		return
	}

	for _, tenantID := range tenants {
		tctx := tenant.WithTenant(ctx, tenantID)
		schedules, err := e.store.ListSchedules(tctx, tenantID, true)
		if err != nil {
			e.logger.Error("listing schedules for sweep", "tenant", tenantID, "error", err)
			continue
		}
		for _, sched := range schedules {
			for _, instant := range dueInstants(sched, since, now) {
				e.fire(tctx, sched, instant)
			}
		}
	}
}

// dueInstants returns the instants in (since, now] at which sched should fire.
func dueInstants(sched *store.Schedule, since, now time.Time) []time.Time {
	if sched.Kind == store.RecurrenceOneTime {
		if sched.RunAt.After(since) && !sched.RunAt.After(now) {
			return []time.Time{*sched.RunAt}
		}
		return nil
	}

	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return nil
	}
	expr, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		return nil
	}

	var due []time.Time
	next := since.In(loc)
	for {
		next = expr.Next(next)
		if next.IsZero() || next.After(now) {
			return due
		}
		due = append(due, next)
	}
}

func (e *Engine) fire(ctx context.Context, sched *store.Schedule, instant time.Time) {
	version, err := e.packages.LatestVersion(ctx, sched.PackageID)
	if err != nil {
		e.logger.Error("resolving package version for schedule",
			"schedule_id", sched.ID,
			"package_id", sched.PackageID,
			"error", err,
		)
		return
	}

	exec, err := e.dispatcher.TriggerScheduled(ctx, sched.ID, sched.AgentID, sched.PackageID, version)
	if err != nil {
		e.logger.Warn("schedule fire skipped",
			"schedule_id", sched.ID,
			"agent_id", sched.AgentID,
			"due", instant,
			"error", err,
		)
		return
	}

	e.logger.Info("schedule fired",
		"schedule_id", sched.ID,
		"execution_id", exec.ID,
		"due", instant,
	)
}

// Run sweeps on the given interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("schedule sweep started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("schedule sweep stopped")
			return
		case now := <-ticker.C:
			e.Sweep(ctx, now)
		}
	}
}
