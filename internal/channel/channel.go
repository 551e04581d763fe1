// ABOUTME: Command channel types and interfaces for agent communication
// ABOUTME: Defines the wire messages and the Sender abstraction over any duplex transport

package channel

import (
	"context"
	"errors"
)

// ErrAgentNotConnected indicates no live connection exists for the agent.
var ErrAgentNotConnected = errors.New("agent not connected")

// ErrSendBufferFull indicates the agent's outbound queue is saturated.
var ErrSendBufferFull = errors.New("send buffer full")

// Command message types
const (
	CommandRun    = "run"
	CommandCancel = "cancel"
)

// Command is an instruction pushed to an agent over its live connection.
type Command struct {
	Type           string `json:"type"`
	ExecutionID    string `json:"execution_id"`
	PackageID      string `json:"package_id,omitempty"`
	PackageVersion string `json:"package_version,omitempty"`
	DownloadURL    string `json:"download_url,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Notification is a tenant-wide best-effort broadcast message.
type Notification struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StatusReport is an inbound message from an agent about one execution.
type StatusReport struct {
	ExecutionID  string `json:"execution_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	LogOutput    string `json:"log_output,omitempty"`
}

// AgentMessage is the envelope for everything an agent sends upstream.
type AgentMessage struct {
	Type   string        `json:"type"` // "heartbeat" or "report"
	Report *StatusReport `json:"report,omitempty"`
}

// Agent message types
const (
	MessageHeartbeat = "heartbeat"
	MessageReport    = "report"
)

// Sender is the outbound half of the command channel, keyed by agent id.
// Implementations must not assume a specific transport.
type Sender interface {
	// Send delivers a command to the agent's live connection.
	// Fails with ErrAgentNotConnected if the agent has no connection.
	Send(ctx context.Context, agentID string, cmd *Command) error

	// Broadcast fans a notification out to all connected agents of a
	// tenant. Best-effort: per-recipient failures are not reported.
	Broadcast(ctx context.Context, tenantID string, note *Notification)
}

// ReportHandler receives inbound status reports from agents.
// The execution engine implements this.
type ReportHandler interface {
	HandleReport(ctx context.Context, tenantID string, report *StatusReport) error
}
