// ABOUTME: Tests for the connection hub
// ABOUTME: Covers send routing, reconnect replacement, buffer overflow, and broadcast scoping

package channel

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge/fleet-gateway/internal/presence"
)

func testHandle(agentID, tenantID string) *presence.Handle {
	return &presence.Handle{AgentID: agentID, TenantID: tenantID}
}

func TestHub_SendToConnectedAgent(t *testing.T) {
	hub := NewHub(slog.Default())
	conn := hub.Register(testHandle("agent-1", "tenant-a"))

	cmd := &Command{Type: CommandRun, ExecutionID: "exec-1", PackageID: "pkg-1"}
	require.NoError(t, hub.Send(context.Background(), "agent-1", cmd))

	got := <-conn.Outbound()
	assert.Equal(t, cmd, got)
}

func TestHub_SendToUnknownAgent(t *testing.T) {
	hub := NewHub(slog.Default())

	err := hub.Send(context.Background(), "nobody", &Command{Type: CommandRun})
	assert.ErrorIs(t, err, ErrAgentNotConnected)
}

func TestHub_ReconnectReplacesConnection(t *testing.T) {
	hub := NewHub(slog.Default())
	old := hub.Register(testHandle("agent-1", "tenant-a"))
	fresh := hub.Register(testHandle("agent-1", "tenant-a"))

	// Old connection's outbound is closed so its write pump exits
	_, ok := <-old.Outbound()
	assert.False(t, ok)

	require.NoError(t, hub.Send(context.Background(), "agent-1", &Command{Type: CommandRun, ExecutionID: "exec-1"}))
	got := <-fresh.Outbound()
	assert.Equal(t, "exec-1", got.(*Command).ExecutionID)

	// Unregistering the stale connection must not remove the fresh one
	hub.Unregister(old)
	_, stillThere := hub.Get("agent-1")
	assert.True(t, stillThere)
}

func TestHub_SendBufferFull(t *testing.T) {
	hub := NewHub(slog.Default())
	hub.Register(testHandle("agent-1", "tenant-a"))

	// Nobody drains the outbound queue; fill it up
	var err error
	for i := 0; i <= outboundBuffer; i++ {
		err = hub.Send(context.Background(), "agent-1", &Command{Type: CommandRun})
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrSendBufferFull)
}

func TestHub_BroadcastScopedToTenant(t *testing.T) {
	hub := NewHub(slog.Default())
	a := hub.Register(testHandle("agent-a", "tenant-a"))
	b := hub.Register(testHandle("agent-b", "tenant-a"))
	other := hub.Register(testHandle("agent-c", "tenant-b"))

	hub.Broadcast(context.Background(), "tenant-a", &Notification{Type: "maintenance", Message: "draining"})

	for _, conn := range []*Connection{a, b} {
		select {
		case msg := <-conn.Outbound():
			assert.Equal(t, "maintenance", msg.(*Notification).Type)
		default:
			t.Fatalf("agent %s received no broadcast", conn.AgentID)
		}
	}

	select {
	case <-other.Outbound():
		t.Fatal("tenant-b agent received tenant-a broadcast")
	default:
	}
}

func TestHub_UnregisterRemovesConnection(t *testing.T) {
	hub := NewHub(slog.Default())
	conn := hub.Register(testHandle("agent-1", "tenant-a"))

	hub.Unregister(conn)
	_, ok := hub.Get("agent-1")
	assert.False(t, ok)

	err := hub.Send(context.Background(), "agent-1", &Command{Type: CommandRun})
	assert.ErrorIs(t, err, ErrAgentNotConnected)
}

func TestHub_DropClosesConnection(t *testing.T) {
	hub := NewHub(slog.Default())
	conn := hub.Register(testHandle("agent-1", "tenant-a"))

	hub.Drop("agent-1")

	_, open := <-conn.Outbound()
	assert.False(t, open, "outbound queue should be closed")

	err := hub.Send(context.Background(), "agent-1", &Command{Type: CommandRun})
	assert.ErrorIs(t, err, ErrAgentNotConnected)

	// Dropping an unknown agent is a no-op
	hub.Drop("nobody")
}

func TestHub_SendRacesReconnect(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Senders hammer the agent while it reconnects in a tight loop. Each
	// individual send may fail (not connected, buffer full); the point is
	// that a send racing the close of a replaced connection never panics.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd := &Command{Type: CommandRun, ExecutionID: "exec-1"}
			for {
				select {
				case <-stop:
					return
				default:
					_ = hub.Send(context.Background(), "agent-1", cmd)
				}
			}
		}()
	}

	var last *Connection
	for i := 0; i < 500; i++ {
		conn := hub.Register(testHandle("agent-1", "tenant-a"))
		go func(c *Connection) {
			for range c.Outbound() {
			}
		}(conn)
		last = conn
	}

	close(stop)
	wg.Wait()
	hub.Unregister(last)
}
