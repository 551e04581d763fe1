// ABOUTME: Websocket endpoint for agent command-channel connections
// ABOUTME: Authenticates before upgrade, then runs read and write pumps until disconnect

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetforge/fleet-gateway/internal/channel"
	"github.com/fleetforge/fleet-gateway/internal/presence"
	"github.com/fleetforge/fleet-gateway/internal/tenant"
)

const (
	// Time allowed to write a message to the agent.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong or message from the agent.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size in bytes.
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Connection headers sent by agents.
const (
	headerAgentID    = "X-Agent-ID"
	headerCredential = "X-Agent-Credential"
	headerTenantID   = "X-Tenant-ID"
)

// agentOrOperator authenticates a request either with the agent credential
// headers or through the operator middleware. Agents use it for the HTTP
// status-report fallback, which they could not reach behind JWT auth alone.
func (g *Gateway) agentOrOperator(operator func(http.Handler) http.Handler, next http.Handler) http.Handler {
	asOperator := operator(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := r.Header.Get(headerAgentID)
		credential := r.Header.Get(headerCredential)
		if agentID == "" || credential == "" {
			asOperator.ServeHTTP(w, r)
			return
		}

		tenantID := r.Header.Get(headerTenantID)
		if tenantID == "" {
			tenantID = tenant.DefaultTenant
		}
		ctx := tenant.WithTenant(r.Context(), tenantID)
		if !g.registry.Validate(ctx, agentID, credential) {
			g.sendJSONError(w, http.StatusUnauthorized, "invalid agent credential")
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleAgentSocket handles GET /ws/agent. The agent authenticates with its
// id and credential before the upgrade; a failed credential never reaches
// the websocket layer. The tenant header only scopes the lookup, the
// credential is what proves identity.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get(headerAgentID)
	credential := r.Header.Get(headerCredential)
	tenantID := r.Header.Get(headerTenantID)
	if tenantID == "" {
		tenantID = tenant.DefaultTenant
	}
	if agentID == "" || credential == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "missing agent credentials")
		return
	}

	ctx := tenant.WithTenant(r.Context(), tenantID)
	handle, err := g.tracker.Connect(ctx, agentID, credential)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		g.tracker.Disconnect(context.WithoutCancel(ctx), handle)
		g.logger.Warn("websocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	conn := g.hub.Register(handle)
	session := &agentSession{
		gateway: g,
		handle:  handle,
		conn:    conn,
		ws:      ws,
	}

	go session.writePump()
	session.readPump()
}

// agentSession is one live websocket connection to an agent.
type agentSession struct {
	gateway *Gateway
	handle  *presence.Handle
	conn    *channel.Connection
	ws      *websocket.Conn
}

// readPump reads agent messages until the connection drops. It runs on the
// handler goroutine; returning tears the session down.
func (s *agentSession) readPump() {
	g := s.gateway
	defer func() {
		// The request context is gone once the handler returns, so the
		// teardown writes use a fresh one.
		ctx := tenant.WithTenant(context.Background(), s.handle.TenantID)
		g.tracker.Disconnect(ctx, s.handle)
		g.hub.Unregister(s.conn)
		_ = s.ws.Close()
	}()

	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("agent connection dropped", "agent_id", s.handle.AgentID, "error", err)
			}
			return
		}

		var msg channel.AgentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.logger.Warn("malformed agent message", "agent_id", s.handle.AgentID, "error", err)
			continue
		}

		ctx := tenant.WithTenant(context.Background(), s.handle.TenantID)
		switch msg.Type {
		case channel.MessageHeartbeat:
			g.tracker.Heartbeat(ctx, s.handle)
		case channel.MessageReport:
			if msg.Report == nil {
				g.logger.Warn("report message without report body", "agent_id", s.handle.AgentID)
				continue
			}
			if err := g.engine.HandleReport(ctx, s.handle.TenantID, msg.Report); err != nil {
				g.logger.Warn("handling agent report",
					"agent_id", s.handle.AgentID,
					"execution_id", msg.Report.ExecutionID,
					"error", err,
				)
			}
		default:
			g.logger.Warn("unknown agent message type", "agent_id", s.handle.AgentID, "type", msg.Type)
		}
	}
}

// writePump drains the hub's outbound queue to the websocket and keeps the
// connection alive with pings. It exits when the queue is closed (the hub
// replaced or unregistered this connection) or a write fails.
func (s *agentSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-s.conn.Outbound():
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.ws.WriteJSON(msg); err != nil {
				s.gateway.logger.Warn("writing to agent", "agent_id", s.handle.AgentID, "error", err)
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
