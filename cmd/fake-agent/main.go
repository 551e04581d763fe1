// ABOUTME: Minimal fake agent for E2E testing. Connects via websocket and simulates executions.
// ABOUTME: Usage: fake-agent [-addr localhost:8080] [-id AGENT_ID] [-credential CRED]

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetforge/fleet-gateway/internal/channel"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "gateway HTTP address")
	agentID := flag.String("id", "", "agent id (from registration)")
	credential := flag.String("credential", "", "agent credential (from registration)")
	tenantID := flag.String("tenant", "default", "tenant id")
	runTime := flag.Duration("run-time", 2*time.Second, "simulated execution duration")
	flag.Parse()

	if *agentID == "" || *credential == "" {
		fmt.Fprintln(os.Stderr, "both -id and -credential are required (register via POST /api/agents)")
		os.Exit(1)
	}

	if err := run(*addr, *agentID, *credential, *tenantID, *runTime); err != nil {
		log.Fatal(err)
	}
}

func run(addr, agentID, credential, tenantID string, runTime time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	header := http.Header{}
	header.Set("X-Agent-ID", agentID)
	header.Set("X-Agent-Credential", credential)
	header.Set("X-Tenant-ID", tenantID)

	url := fmt.Sprintf("ws://%s/ws/agent", addr)
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.Close()
	if resp != nil {
		resp.Body.Close()
	}
	fmt.Fprintf(os.Stderr, "connected as %s (tenant %s)\n", agentID, tenantID)

	// Heartbeat loop
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ws.WriteJSON(channel.AgentMessage{Type: channel.MessageHeartbeat}); err != nil {
					return
				}
			}
		}
	}()

	// Close the socket when the context is cancelled so ReadJSON unblocks.
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	// Command loop
	for {
		var cmd channel.Command
		if err := ws.ReadJSON(&cmd); err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		switch cmd.Type {
		case channel.CommandRun:
			log.Printf("running execution %s: %s@%s from %s",
				cmd.ExecutionID, cmd.PackageID, cmd.PackageVersion, cmd.DownloadURL)
			simulateExecution(ws, cmd.ExecutionID, runTime)
		case channel.CommandCancel:
			log.Printf("cancel received for execution %s: %s", cmd.ExecutionID, cmd.Reason)
		default:
			log.Printf("unknown command type %q", cmd.Type)
		}
	}
}

// simulateExecution reports running, waits, then reports completed.
func simulateExecution(ws *websocket.Conn, executionID string, runTime time.Duration) {
	report := func(status, logOutput string) {
		msg := channel.AgentMessage{
			Type: channel.MessageReport,
			Report: &channel.StatusReport{
				ExecutionID: executionID,
				Status:      status,
				LogOutput:   logOutput,
			},
		}
		if err := ws.WriteJSON(msg); err != nil {
			log.Printf("report error: %v", err)
		}
	}

	report("running", "")
	time.Sleep(runTime)
	report("completed", fmt.Sprintf("simulated run finished after %s", runTime))
}
