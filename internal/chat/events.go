// Package chat implements the group-chat orchestration core: the event model,
// share routing, relay dedup, and the two room modes (persistent inboxes with
// settlement, and round-batched).
package chat

import (
	"github.com/multiagents/multiagents/internal/agent"
)

// Event is the discriminated union of room events delivered to subscribers.
// Payload returns the wire shape sent to websocket clients; the "type" key is
// the discriminator.
type Event interface {
	EventType() string
	Payload() map[string]any
}

// RoundStarted opens a round with the set of participating agents.
type RoundStarted struct {
	Round  int
	Agents []string
}

func (e RoundStarted) EventType() string { return "round_started" }
func (e RoundStarted) Payload() map[string]any {
	return map[string]any{"type": "round_started", "round": e.Round, "agents": e.Agents}
}

// AgentStreamChunk is a piece of tagged streaming output from an agent.
type AgentStreamChunk struct {
	Agent string
	Round int
	Text  string
}

func (e AgentStreamChunk) EventType() string { return "agent_stream" }
func (e AgentStreamChunk) Payload() map[string]any {
	return map[string]any{"type": "agent_stream", "agent": e.Agent, "chunk": e.Text}
}

// AgentStderr carries the subprocess stderr of a failed turn.
type AgentStderr struct {
	Agent string
	Round int
	Text  string
}

func (e AgentStderr) EventType() string { return "agent_stderr" }
func (e AgentStderr) Payload() map[string]any {
	return map[string]any{"type": "agent_stderr", "agent": e.Agent, "text": e.Text}
}

// AgentNotice is a visible system notice about an agent (e.g. process restart).
type AgentNotice struct {
	Agent   string
	Message string
}

func (e AgentNotice) EventType() string { return "agent_notice" }
func (e AgentNotice) Payload() map[string]any {
	return map[string]any{"type": "agent_notice", "agent": e.Agent, "message": e.Message}
}

// AgentCompleted is the terminal event of one agent turn.
type AgentCompleted struct {
	Agent    string
	Round    int
	Response agent.Response
	Passed   bool
	Stopped  bool
}

func (e AgentCompleted) EventType() string { return "agent_completed" }
func (e AgentCompleted) Payload() map[string]any {
	return map[string]any{
		"type":       "agent_completed",
		"agent":      e.Agent,
		"text":       e.Response.Response,
		"passed":     e.Passed,
		"success":    e.Response.Success,
		"latency_ms": e.Response.LatencyMS,
		"stopped":    e.Stopped,
	}
}

// AgentInterrupted fires when a completed or running agent is rewound for a
// DM restart; it always precedes the replacement run's events.
type AgentInterrupted struct {
	Agent       string
	Round       int
	PartialText string
}

func (e AgentInterrupted) EventType() string { return "agent_interrupted" }
func (e AgentInterrupted) Payload() map[string]any {
	return map[string]any{"type": "agent_interrupted", "agent": e.Agent, "round": e.Round, "partial_text": e.PartialText}
}

// AgentPromptAssembled exposes the assembled prompt sections for UI visibility.
type AgentPromptAssembled struct {
	Agent    string
	Round    int
	Sections map[string]string
}

func (e AgentPromptAssembled) EventType() string { return "agent_prompt" }
func (e AgentPromptAssembled) Payload() map[string]any {
	return map[string]any{"type": "agent_prompt", "agent": e.Agent, "round": e.Round, "sections": e.Sections}
}

// AgentDeliveryAcked fires when an agent dequeues a delivered inbox message.
type AgentDeliveryAcked struct {
	DeliveryID string
	Recipient  string
	Sender     string
	Round      int
}

func (e AgentDeliveryAcked) EventType() string { return "delivery_acked" }
func (e AgentDeliveryAcked) Payload() map[string]any {
	return map[string]any{
		"type":        "delivery_acked",
		"delivery_id": e.DeliveryID,
		"recipient":   e.Recipient,
		"sender":      e.Sender,
		"round":       e.Round,
	}
}

// AgentPermissionRequested surfaces a pending tool approval to the user.
type AgentPermissionRequested struct {
	Agent       string
	Round       int
	RequestID   string
	ToolName    string
	ToolInput   map[string]any
	Description string
}

func (e AgentPermissionRequested) EventType() string { return "permission_request" }
func (e AgentPermissionRequested) Payload() map[string]any {
	return map[string]any{
		"type":        "permission_request",
		"agent":       e.Agent,
		"round":       e.Round,
		"request_id":  e.RequestID,
		"tool_name":   e.ToolName,
		"tool_input":  e.ToolInput,
		"description": e.Description,
	}
}

// RoundEnded closes a round.
type RoundEnded struct {
	Round     int
	AllPassed bool
}

func (e RoundEnded) EventType() string { return "round_ended" }
func (e RoundEnded) Payload() map[string]any {
	return map[string]any{"type": "round_ended", "round": e.Round, "all_passed": e.AllPassed}
}

// RoundPaused fires after a round where any agent was stopped.
type RoundPaused struct {
	Round int
}

func (e RoundPaused) EventType() string { return "paused" }
func (e RoundPaused) Payload() map[string]any {
	return map[string]any{"type": "paused", "round": e.Round}
}

// DiscussionEnded terminates a room run. Reason is "all_passed", "paused" or
// "error".
type DiscussionEnded struct {
	Reason string
}

func (e DiscussionEnded) EventType() string { return "discussion_ended" }
func (e DiscussionEnded) Payload() map[string]any {
	return map[string]any{"type": "discussion_ended", "reason": e.Reason}
}

// UserMessageReceived echoes an accepted user message into the event stream.
type UserMessageReceived struct {
	Text string
}

func (e UserMessageReceived) EventType() string { return "user_message" }
func (e UserMessageReceived) Payload() map[string]any {
	return map[string]any{"type": "user_message", "text": e.Text}
}

// Message is one history entry. Round is 0 for user and system messages.
type Message struct {
	Role    string
	Content string
	Round   int
}
