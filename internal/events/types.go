// Package events provides event type names and the event bus provider.
package events

// Session lifecycle events
const (
	SessionCreated  = "session_created"
	DiscussionEnded = "discussion_ended"
	UserMessage     = "user_message"
	Paused          = "paused"
	ErrorEvent      = "error"
)

// Round and agent events
const (
	RoundStarted      = "round_started"
	RoundEnded        = "round_ended"
	AgentStream       = "agent_stream"
	AgentStderr       = "agent_stderr"
	AgentNotice       = "agent_notice"
	AgentCompleted    = "agent_completed"
	AgentInterrupted  = "agent_interrupted"
	AgentPrompt       = "agent_prompt"
	DeliveryAcked     = "delivery_acked"
	PermissionRequest = "permission_request"
)

// Card events
const (
	CardUpdated        = "card_updated"
	CardDeleted        = "card_deleted"
	CardPhaseStarted   = "card_phase_started"
	CardPhaseCompleted = "card_phase_completed"
)
