// ABOUTME: Tests for the presence tracker state machine
// ABOUTME: Covers connect/heartbeat/disconnect, handle replacement, busy CAS, and stale expiry

package presence

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge/fleet-gateway/internal/registry"
	"github.com/fleetforge/fleet-gateway/internal/store"
	"github.com/fleetforge/fleet-gateway/internal/tenant"
)

func setupTracker(t *testing.T) (*Tracker, *registry.Registry, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := registry.New(s, slog.Default())
	return NewTracker(reg, s, slog.Default()), reg, s
}

func registerAgent(t *testing.T, reg *registry.Registry, ctx context.Context) (string, string) {
	t.Helper()
	agent, credential, err := reg.Register(ctx, "worker", "machine-"+t.Name())
	require.NoError(t, err)
	return agent.ID, credential
}

func TestTracker_ConnectTransitionsToAvailable(t *testing.T) {
	tracker, reg, s := setupTracker(t)
	ctx := tenant.WithTenant(context.Background(), "tenant-a")
	agentID, credential := registerAgent(t, reg, ctx)

	assert.Equal(t, store.AgentOffline, tracker.Status(agentID))

	h, err := tracker.Connect(ctx, agentID, credential)
	require.NoError(t, err)
	assert.Equal(t, store.AgentAvailable, tracker.Status(agentID))
	assert.True(t, tracker.IsLive(h))

	// Persisted too
	persisted, err := s.GetAgent(ctx, "tenant-a", agentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentAvailable, persisted.Status)
	assert.NotNil(t, persisted.LastConnectedAt)
}

func TestTracker_ConnectRejectsBadCredential(t *testing.T) {
	tracker, reg, _ := setupTracker(t)
	ctx := tenant.WithTenant(context.Background(), "tenant-a")
	agentID, _ := registerAgent(t, reg, ctx)

	_, err := tracker.Connect(ctx, agentID, "wrong")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, store.AgentOffline, tracker.Status(agentID))
}

func TestTracker_ReconnectReplacesHandle(t *testing.T) {
	tracker, reg, _ := setupTracker(t)
	ctx := tenant.WithTenant(context.Background(), "tenant-a")
	agentID, credential := registerAgent(t, reg, ctx)

	h1, err := tracker.Connect(ctx, agentID, credential)
	require.NoError(t, err)
	h2, err := tracker.Connect(ctx, agentID, credential)
	require.NoError(t, err)

	assert.False(t, tracker.IsLive(h1))
	assert.True(t, tracker.IsLive(h2))

	// Disconnect through the stale handle must not touch the live state
	tracker.Disconnect(ctx, h1)
	assert.Equal(t, store.AgentAvailable, tracker.Status(agentID))

	tracker.Disconnect(ctx, h2)
	assert.Equal(t, store.AgentDisconnected, tracker.Status(agentID))
}

func TestTracker_HeartbeatKeepsStatus(t *testing.T) {
	tracker, reg, s := setupTracker(t)
	ctx := tenant.WithTenant(context.Background(), "tenant-a")
	agentID, credential := registerAgent(t, reg, ctx)

	h, err := tracker.Connect(ctx, agentID, credential)
	require.NoError(t, err)

	tracker.Heartbeat(ctx, h)
	assert.Equal(t, store.AgentAvailable, tracker.Status(agentID))

	persisted, err := s.GetAgent(ctx, "tenant-a", agentID)
	require.NoError(t, err)
	assert.NotNil(t, persisted.LastHeartbeatAt)
}

func TestTracker_MarkBusyRequiresAvailable(t *testing.T) {
	tracker, reg, _ := setupTracker(t)
	ctx := tenant.WithTenant(context.Background(), "tenant-a")
	agentID, credential := registerAgent(t, reg, ctx)

	// Not connected yet: trigger-before-connect fails
	err := tracker.MarkBusy(ctx, agentID, "exec-1")
	assert.ErrorIs(t, err, ErrAgentNotAvailable)

	_, err = tracker.Connect(ctx, agentID, credential)
	require.NoError(t, err)

	require.NoError(t, tracker.MarkBusy(ctx, agentID, "exec-1"))
	assert.Equal(t, store.AgentBusy, tracker.Status(agentID))

	// Busy agent rejects a second dispatch
	err = tracker.MarkBusy(ctx, agentID, "exec-2")
	assert.ErrorIs(t, err, ErrAgentNotAvailable)
}

func TestTracker_MarkBusy_ConcurrentTriggersOneWinner(t *testing.T) {
	tracker, reg, _ := setupTracker(t)
	ctx := tenant.WithTenant(context.Background(), "tenant-a")
	agentID, credential := registerAgent(t, reg, ctx)

	_, err := tracker.Connect(ctx, agentID, credential)
	require.NoError(t, err)

	const attempts = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tracker.MarkBusy(ctx, agentID, "exec") == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, store.AgentBusy, tracker.Status(agentID))
}

func TestTracker_MarkAvailableOnlyForOwningExecution(t *testing.T) {
	tracker, reg, _ := setupTracker(t)
	ctx := tenant.WithTenant(context.Background(), "tenant-a")
	agentID, credential := registerAgent(t, reg, ctx)

	_, err := tracker.Connect(ctx, agentID, credential)
	require.NoError(t, err)
	require.NoError(t, tracker.MarkBusy(ctx, agentID, "exec-1"))

	// A different execution must not free the agent
	err = tracker.MarkAvailable(ctx, agentID, "exec-other")
	assert.ErrorIs(t, err, ErrNotBusy)
	assert.Equal(t, store.AgentBusy, tracker.Status(agentID))

	require.NoError(t, tracker.MarkAvailable(ctx, agentID, "exec-1"))
	assert.Equal(t, store.AgentAvailable, tracker.Status(agentID))
}

func TestTracker_MarkAvailableDoesNotOverrideDisconnect(t *testing.T) {
	tracker, reg, _ := setupTracker(t)
	ctx := tenant.WithTenant(context.Background(), "tenant-a")
	agentID, credential := registerAgent(t, reg, ctx)

	h, err := tracker.Connect(ctx, agentID, credential)
	require.NoError(t, err)
	require.NoError(t, tracker.MarkBusy(ctx, agentID, "exec-1"))

	tracker.Disconnect(ctx, h)
	assert.Equal(t, store.AgentDisconnected, tracker.Status(agentID))

	// The terminal report for exec-1 arrives after the disconnect; the
	// independently reported status wins.
	err = tracker.MarkAvailable(ctx, agentID, "exec-1")
	assert.ErrorIs(t, err, ErrNotBusy)
	assert.Equal(t, store.AgentDisconnected, tracker.Status(agentID))
}

func TestTracker_ExpireStale(t *testing.T) {
	tracker, reg, s := setupTracker(t)
	ctx := tenant.WithTenant(context.Background(), "tenant-a")
	agentID, credential := registerAgent(t, reg, ctx)

	h, err := tracker.Connect(ctx, agentID, credential)
	require.NoError(t, err)

	// Fresh heartbeat: nothing expires
	expired := tracker.ExpireStale(ctx, time.Minute)
	assert.Empty(t, expired)

	// Zero timeout: everything connected is stale
	time.Sleep(5 * time.Millisecond)
	expired = tracker.ExpireStale(ctx, 0)
	assert.Equal(t, []string{agentID}, expired)
	assert.Equal(t, store.AgentDisconnected, tracker.Status(agentID))
	assert.False(t, tracker.IsLive(h))

	persisted, err := s.GetAgent(ctx, "tenant-a", agentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentDisconnected, persisted.Status)
}

func TestTracker_Snapshot(t *testing.T) {
	tracker, reg, _ := setupTracker(t)
	ctxA := tenant.WithTenant(context.Background(), "tenant-a")
	agentID, credential := registerAgent(t, reg, ctxA)

	_, err := tracker.Connect(ctxA, agentID, credential)
	require.NoError(t, err)

	snap := tracker.Snapshot("tenant-a")
	require.Len(t, snap, 1)
	assert.Equal(t, agentID, snap[0].AgentID)
	assert.Equal(t, store.AgentAvailable, snap[0].Status)
	assert.True(t, snap[0].Connected)

	assert.Empty(t, tracker.Snapshot("tenant-b"))
}
