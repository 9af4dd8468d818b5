// Package protocol defines the common event stream emitted by vendor wire
// protocol adapters, and the adapter contract itself. Each adapter translates
// one agent CLI's stdio format (NDJSON, JSON-RPC variants) into AgentEvent
// values that the rest of the engine consumes uniformly.
package protocol

import "context"

// AgentEvent is the discriminated union of events yielded by adapters.
// Exactly one TurnComplete terminates each turn's event sequence.
type AgentEvent interface {
	isAgentEvent()
}

// TextDelta is a chunk of assistant response text.
type TextDelta struct {
	Text string
}

// ThinkingDelta is a chunk of the assistant's private reasoning.
type ThinkingDelta struct {
	Text string
}

// ToolBadge announces a tool invocation for inline display.
type ToolBadge struct {
	Label  string
	Detail string
}

// ToolOutput is streaming output from a tool execution (e.g. bash stdout).
type ToolOutput struct {
	ToolName string
	Text     string
}

// ToolResult reports a completed tool execution.
type ToolResult struct {
	ToolName string
	Success  bool
	Output   string // truncated summary
}

// TurnComplete terminates the current turn's event stream.
type TurnComplete struct {
	Text      string
	SessionID string
	Success   bool
	Error     string
}

// PermissionRequest signals that the agent needs user approval for a tool call.
type PermissionRequest struct {
	RequestID   string
	ToolName    string
	ToolInput   map[string]any
	Description string
}

// ProcessRestarted signals that the persistent process died and the turn will
// be retried after a respawn.
type ProcessRestarted struct {
	Reason string
	Retry  int
}

func (TextDelta) isAgentEvent()         {}
func (ThinkingDelta) isAgentEvent()     {}
func (ToolBadge) isAgentEvent()         {}
func (ToolOutput) isAgentEvent()        {}
func (ToolResult) isAgentEvent()        {}
func (TurnComplete) isAgentEvent()      {}
func (PermissionRequest) isAgentEvent() {}
func (ProcessRestarted) isAgentEvent()  {}

// PermissionResponse is the user's decision on a pending PermissionRequest.
type PermissionResponse struct {
	RequestID string
	Approved  bool
}

// Emitter receives adapter events during ReadEvents. Returning an error stops
// the read loop (used for caller-side cancellation).
type Emitter func(AgentEvent) error

// Adapter is the contract between the supervisor and a vendor wire protocol.
// An adapter instance is bound to a single subprocess via Attach; it owns the
// process's stdin and stdout. Stderr is drained by the supervisor.
type Adapter interface {
	// Attach wires the adapter to a live subprocess's pipes.
	Attach(stdin StdinWriter, stdout StdoutReader)

	// Start runs any handshake required before the first message.
	Start(ctx context.Context) error

	// StartResume runs a handshake that re-attaches to an existing
	// server-side session or thread.
	StartResume(ctx context.Context, sessionID string) error

	// SendMessage writes the vendor-specific request for a user prompt.
	SendMessage(ctx context.Context, text string) error

	// ReadEvents emits events for the current turn only, returning after a
	// single TurnComplete has been emitted. Returning without having emitted
	// TurnComplete is a protocol violation and yields an error.
	ReadEvents(ctx context.Context, emit Emitter) error

	// Cancel best-effort interrupts the current turn.
	Cancel(ctx context.Context) error

	// Shutdown gracefully closes the protocol session.
	Shutdown(ctx context.Context) error

	// RespondToPermission forwards an approval or denial. No-op for vendors
	// that do not gate on approvals.
	RespondToPermission(ctx context.Context, resp PermissionResponse) error

	// SessionID returns the current server-side session id for resume, or ""
	// when the vendor has not reported one yet.
	SessionID() string
}

// StdinWriter is the subset of the subprocess stdin the adapters need.
type StdinWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

// StdoutReader is the subprocess stdout stream.
type StdoutReader interface {
	Read(p []byte) (int, error)
}
