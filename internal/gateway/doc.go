// Package gateway wires the fleet-gateway server together.
//
// # Architecture
//
// The gateway owns one HTTP server carrying three surfaces:
//
//   - /health and /health/ready: liveness and readiness probes
//   - /ws/agent: the agent command channel, a websocket authenticated with
//     the per-agent credential
//   - /api/*: the operator API, authenticated with JWTs scoped to a tenant
//
// Behind the HTTP surface the gateway composes the core components:
//
//   - registry: agent identities and credentials
//   - presence: live connection and availability tracking
//   - channel: the hub routing commands to agent connections
//   - engine: the execution lifecycle state machine
//   - schedule: cron and one-time schedule evaluation
//
// # Background Loops
//
// Run starts two loops alongside the server: the presence monitor, which
// expires agents whose heartbeats stop, and the schedule sweep, which fires
// schedules whose due instants fall inside the sweep window.
//
// # Shutdown
//
// Cancelling the Run context drains in-flight HTTP requests, stops the
// loops, and closes the store. Agent connections drop; agents are expected
// to reconnect and re-deliver pending status reports.
package gateway
