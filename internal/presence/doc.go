// ABOUTME: Package documentation for the presence package
// ABOUTME: Describes the per-agent availability state machine

// Package presence tracks which agents are connected and whether they can
// accept work.
//
// The state machine per agent:
//
//	Offline -> (connect + validate) -> Available
//	Available -> (heartbeat) -> Available
//	Available -> (dispatch) -> Busy -> (terminal report) -> Available
//	any -> (disconnect or heartbeat timeout) -> Disconnected
//
// Transitions for a single agent are serialized by a per-agent mutex, so a
// connect and a trigger racing on the same agent resolve deterministically:
// connect-before-trigger sees the new connection, trigger-before-connect
// fails with ErrAgentNotAvailable. Unrelated agents never contend.
//
// At most one handle is live per agent. Reconnecting replaces the prior
// handle; anything still holding it sees its operations become no-ops.
package presence
