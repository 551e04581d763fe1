// ABOUTME: Tracks live agent connections and availability status transitions
// ABOUTME: Serializes per-agent state changes and enforces one live handle per agent

package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetforge/fleet-gateway/internal/store"
	"github.com/fleetforge/fleet-gateway/internal/tenant"
)

// ErrAuthenticationFailed indicates the agent id / credential pair was rejected.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrAgentNotAvailable indicates the agent is not in the Available state.
var ErrAgentNotAvailable = errors.New("agent not available")

// ErrNotBusy indicates the agent was not busy with the given execution.
var ErrNotBusy = errors.New("agent not busy with this execution")

// Validator authenticates agent connections. Implemented by registry.Registry.
type Validator interface {
	Validate(ctx context.Context, agentID, credential string) bool
}

// Handle binds one live connection to one agent. A later connect for the
// same agent invalidates earlier handles; operations through a stale
// handle become no-ops.
type Handle struct {
	AgentID  string
	TenantID string
	gen      uint64
}

// agentState holds the in-memory presence state for a single agent.
// Its mutex serializes all transitions for that agent so racing connect
// and trigger calls resolve deterministically.
type agentState struct {
	mu            sync.Mutex
	tenantID      string
	status        store.AgentStatus
	gen           uint64 // generation of the live handle, 0 when none
	lastHeartbeat time.Time
	busyExecution string // execution id that flipped the agent to busy
}

// Tracker maintains presence state for all agents of the gateway.
// Map access is guarded by a read-write lock; each entry carries its own
// mutex so unrelated agents never serialize against each other.
type Tracker struct {
	mu        sync.RWMutex
	agents    map[string]*agentState
	validator Validator
	store     store.Store
	logger    *slog.Logger

	genMu   sync.Mutex
	nextGen uint64
}

// NewTracker creates a presence tracker.
func NewTracker(validator Validator, s store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		agents:    make(map[string]*agentState),
		validator: validator,
		store:     s,
		logger:    logger.With("component", "presence"),
	}
}

func (t *Tracker) state(agentID, tenantID string) *agentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[agentID]
	if !ok {
		st = &agentState{tenantID: tenantID, status: store.AgentOffline}
		t.agents[agentID] = st
	}
	return st
}

func (t *Tracker) lookup(agentID string) *agentState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agents[agentID]
}

func (t *Tracker) newGen() uint64 {
	t.genMu.Lock()
	defer t.genMu.Unlock()
	t.nextGen++
	return t.nextGen
}

// Connect authenticates an agent and marks it Available, returning the
// connection handle. A prior live handle for the same agent is replaced.
func (t *Tracker) Connect(ctx context.Context, agentID, credential string) (*Handle, error) {
	if !t.validator.Validate(ctx, agentID, credential) {
		return nil, ErrAuthenticationFailed
	}

	tenantID := tenant.FromContext(ctx)
	st := t.state(agentID, tenantID)
	now := time.Now().UTC()
	gen := t.newGen()

	st.mu.Lock()
	replaced := st.gen != 0
	st.gen = gen
	st.status = store.AgentAvailable
	st.lastHeartbeat = now
	st.busyExecution = ""
	st.mu.Unlock()

	if err := t.store.UpdateAgentStatus(ctx, tenantID, agentID, store.AgentAvailable); err != nil {
		t.logger.Error("persisting agent status", "agent_id", agentID, "error", err)
	}
	if err := t.store.TouchAgentConnected(ctx, tenantID, agentID, now); err != nil {
		t.logger.Error("persisting last_connected_at", "agent_id", agentID, "error", err)
	}

	t.logger.Info("agent connected",
		"agent_id", agentID,
		"tenant", tenantID,
		"replaced_prior_handle", replaced,
	)
	return &Handle{AgentID: agentID, TenantID: tenantID, gen: gen}, nil
}

// Heartbeat refreshes the agent's last-heartbeat time. Status is unchanged.
// Heartbeats through a stale handle are dropped.
func (t *Tracker) Heartbeat(ctx context.Context, h *Handle) {
	st := t.lookup(h.AgentID)
	if st == nil {
		return
	}

	now := time.Now().UTC()
	st.mu.Lock()
	if st.gen != h.gen {
		st.mu.Unlock()
		return
	}
	st.lastHeartbeat = now
	st.mu.Unlock()

	if err := t.store.TouchAgentHeartbeat(ctx, h.TenantID, h.AgentID, now); err != nil {
		t.logger.Error("persisting heartbeat", "agent_id", h.AgentID, "error", err)
	}
}

// Disconnect marks the agent Disconnected and records the disconnect time.
// Disconnects through a stale handle are no-ops: the agent has already
// reconnected and the new handle owns the state.
func (t *Tracker) Disconnect(ctx context.Context, h *Handle) {
	st := t.lookup(h.AgentID)
	if st == nil {
		return
	}

	st.mu.Lock()
	if st.gen != h.gen {
		st.mu.Unlock()
		return
	}
	st.gen = 0
	st.status = store.AgentDisconnected
	st.mu.Unlock()

	now := time.Now().UTC()
	if err := t.store.UpdateAgentStatus(ctx, h.TenantID, h.AgentID, store.AgentDisconnected); err != nil {
		t.logger.Error("persisting agent status", "agent_id", h.AgentID, "error", err)
	}
	if err := t.store.TouchAgentConnected(ctx, h.TenantID, h.AgentID, now); err != nil {
		t.logger.Error("persisting last_connected_at", "agent_id", h.AgentID, "error", err)
	}

	t.logger.Info("agent disconnected", "agent_id", h.AgentID, "tenant", h.TenantID)
}

// IsLive reports whether the handle is still the agent's current connection.
// The command channel uses this to turn sends on stale handles into no-ops.
func (t *Tracker) IsLive(h *Handle) bool {
	st := t.lookup(h.AgentID)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.gen == h.gen
}

// MarkBusy flips an Available agent to Busy for the given execution.
// This is the dispatch-side compare-and-swap: of two concurrent triggers
// against the same agent exactly one succeeds.
func (t *Tracker) MarkBusy(ctx context.Context, agentID, executionID string) error {
	st := t.lookup(agentID)
	if st == nil {
		return ErrAgentNotAvailable
	}

	st.mu.Lock()
	if st.gen == 0 || st.status != store.AgentAvailable {
		st.mu.Unlock()
		return ErrAgentNotAvailable
	}
	st.status = store.AgentBusy
	st.busyExecution = executionID
	tenantID := st.tenantID
	st.mu.Unlock()

	if err := t.store.UpdateAgentStatus(ctx, tenantID, agentID, store.AgentBusy); err != nil {
		t.logger.Error("persisting agent status", "agent_id", agentID, "error", err)
	}
	return nil
}

// MarkAvailable reverts a Busy agent to Available, but only when the given
// execution is the one that made it busy. A status the agent has since
// reported on its own (disconnect, reconnect) is never overridden.
func (t *Tracker) MarkAvailable(ctx context.Context, agentID, executionID string) error {
	st := t.lookup(agentID)
	if st == nil {
		return ErrNotBusy
	}

	st.mu.Lock()
	if st.status != store.AgentBusy || st.busyExecution != executionID {
		st.mu.Unlock()
		return ErrNotBusy
	}
	st.status = store.AgentAvailable
	st.busyExecution = ""
	tenantID := st.tenantID
	st.mu.Unlock()

	if err := t.store.UpdateAgentStatus(ctx, tenantID, agentID, store.AgentAvailable); err != nil {
		t.logger.Error("persisting agent status", "agent_id", agentID, "error", err)
	}
	return nil
}

// Status returns the agent's current in-memory status.
// Agents never seen by this tracker are Offline.
func (t *Tracker) Status(agentID string) store.AgentStatus {
	st := t.lookup(agentID)
	if st == nil {
		return store.AgentOffline
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

// AgentPresence is a point-in-time view of one agent's presence.
type AgentPresence struct {
	AgentID       string
	TenantID      string
	Status        store.AgentStatus
	Connected     bool
	LastHeartbeat time.Time
}

// Snapshot returns the presence of all tracked agents for a tenant.
func (t *Tracker) Snapshot(tenantID string) []AgentPresence {
	t.mu.RLock()
	ids := make([]string, 0, len(t.agents))
	for id, st := range t.agents {
		if st.tenantID == tenantID {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()

	out := make([]AgentPresence, 0, len(ids))
	for _, id := range ids {
		st := t.lookup(id)
		if st == nil {
			continue
		}
		st.mu.Lock()
		out = append(out, AgentPresence{
			AgentID:       id,
			TenantID:      st.tenantID,
			Status:        st.status,
			Connected:     st.gen != 0,
			LastHeartbeat: st.lastHeartbeat,
		})
		st.mu.Unlock()
	}
	return out
}

// ExpireStale marks agents Disconnected whose last heartbeat is older than
// the timeout. Their handles are invalidated so pending sends fail fast.
// Returns the ids of agents that were expired.
func (t *Tracker) ExpireStale(ctx context.Context, timeout time.Duration) []string {
	cutoff := time.Now().UTC().Add(-timeout)

	t.mu.RLock()
	ids := make([]string, 0, len(t.agents))
	for id := range t.agents {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	var expired []string
	for _, id := range ids {
		st := t.lookup(id)
		if st == nil {
			continue
		}
		st.mu.Lock()
		stale := st.gen != 0 && st.lastHeartbeat.Before(cutoff)
		if stale {
			st.gen = 0
			st.status = store.AgentDisconnected
		}
		tenantID := st.tenantID
		st.mu.Unlock()

		if !stale {
			continue
		}
		expired = append(expired, id)
		if err := t.store.UpdateAgentStatus(ctx, tenantID, id, store.AgentDisconnected); err != nil {
			t.logger.Error("persisting agent status", "agent_id", id, "error", err)
		}
		t.logger.Warn("agent heartbeat timed out", "agent_id", id, "tenant", tenantID)
	}
	return expired
}

// Monitor runs the heartbeat expiry loop until the context is canceled.
// onExpire, if non-nil, receives the expired agent ids on each pass so the
// transport can tear their connections down.
func (t *Tracker) Monitor(ctx context.Context, interval, timeout time.Duration, onExpire func(agentIDs []string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("heartbeat monitor started", "interval", interval, "timeout", timeout)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			expired := t.ExpireStale(ctx, timeout)
			if onExpire != nil && len(expired) > 0 {
				onExpire(expired)
			}
		}
	}
}
