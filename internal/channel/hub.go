// ABOUTME: Hub mapping agent ids to live connections and routing outbound commands
// ABOUTME: Registration is keyed by presence handle so stale connections cannot hijack sends

package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/fleetforge/fleet-gateway/internal/presence"
)

// outboundBuffer is the per-connection queue depth. A full queue means the
// write pump has stalled; sends then fail instead of blocking dispatch.
const outboundBuffer = 16

// Connection is one live agent connection tracked by the hub. The owner of
// the underlying transport drains Outbound() in its write pump.
type Connection struct {
	AgentID  string
	TenantID string

	handle *presence.Handle
	out    chan any
	mu     sync.Mutex
	done   bool
	logger *slog.Logger
}

// Outbound returns the channel the transport's write pump must drain.
// It is closed when the connection is unregistered.
func (c *Connection) Outbound() <-chan any {
	return c.out
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	close(c.out)
}

// enqueue queues a message without blocking. The mutex orders the send
// against close: a connection being replaced by a reconnect fails the send
// instead of panicking on the closed channel.
func (c *Connection) enqueue(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return ErrAgentNotConnected
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Hub coordinates all live agent connections and routes commands to them.
// It implements Sender.
type Hub struct {
	conns  map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewHub creates an empty connection hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]*Connection),
		logger: logger.With("component", "channel"),
	}
}

// Register adds a live connection for an agent. If an earlier connection
// exists it is closed and replaced: the presence tracker has already
// invalidated its handle, so the old transport drains out and exits.
func (h *Hub) Register(handle *presence.Handle) *Connection {
	conn := &Connection{
		AgentID:  handle.AgentID,
		TenantID: handle.TenantID,
		handle:   handle,
		out:      make(chan any, outboundBuffer),
		logger:   h.logger.With("agent_id", handle.AgentID),
	}

	h.mu.Lock()
	prior := h.conns[handle.AgentID]
	h.conns[handle.AgentID] = conn
	total := len(h.conns)
	h.mu.Unlock()

	if prior != nil {
		prior.close()
	}

	h.logger.Info("agent channel opened",
		"agent_id", handle.AgentID,
		"tenant", handle.TenantID,
		"replaced", prior != nil,
		"total_connections", total,
	)
	return conn
}

// Unregister removes a connection. A stale connection (already replaced by
// a reconnect) is left alone; only the current one is removed.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	current, ok := h.conns[conn.AgentID]
	if ok && current == conn {
		delete(h.conns, conn.AgentID)
	}
	total := len(h.conns)
	h.mu.Unlock()

	conn.close()

	if ok && current == conn {
		h.logger.Info("agent channel closed",
			"agent_id", conn.AgentID,
			"total_connections", total,
		)
	}
}

// Drop closes and removes the agent's live connection, if any. The write
// pump sees the closed outbound queue and shuts the transport down, so the
// agent is forced to reconnect rather than idle on a dead session.
func (h *Hub) Drop(agentID string) {
	h.mu.Lock()
	conn, ok := h.conns[agentID]
	if ok {
		delete(h.conns, agentID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	conn.close()
	h.logger.Info("agent channel dropped", "agent_id", agentID, "tenant", conn.TenantID)
}

// Get returns the live connection for an agent, if any.
func (h *Hub) Get(agentID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[agentID]
	return conn, ok
}

// Tenants returns the distinct tenant ids with at least one live connection.
func (h *Hub) Tenants() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	var tenants []string
	for _, conn := range h.conns {
		if _, ok := seen[conn.TenantID]; !ok {
			seen[conn.TenantID] = struct{}{}
			tenants = append(tenants, conn.TenantID)
		}
	}
	return tenants
}

// Send delivers a command to the agent's live connection.
// The enqueue is non-blocking so no caller ever stalls on a slow transport;
// a saturated queue is reported as ErrSendBufferFull.
func (h *Hub) Send(ctx context.Context, agentID string, cmd *Command) error {
	conn, ok := h.Get(agentID)
	if !ok {
		return ErrAgentNotConnected
	}

	if err := conn.enqueue(cmd); err != nil {
		if errors.Is(err, ErrSendBufferFull) {
			conn.logger.Warn("outbound queue full, dropping command",
				"type", cmd.Type,
				"execution_id", cmd.ExecutionID,
			)
		}
		return err
	}
	conn.logger.Debug("command queued", "type", cmd.Type, "execution_id", cmd.ExecutionID)
	return nil
}

// Broadcast fans a notification out to all connected agents of a tenant.
// Best-effort: agents with saturated queues are skipped.
func (h *Hub) Broadcast(ctx context.Context, tenantID string, note *Notification) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		if conn.TenantID == tenantID {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if conn.enqueue(note) == nil {
			delivered++
		}
	}

	h.logger.Debug("broadcast",
		"tenant", tenantID,
		"targets", len(targets),
		"delivered", delivered,
	)
}
