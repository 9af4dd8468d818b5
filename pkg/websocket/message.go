// Package websocket defines the control-plane message schema shared by the
// gateway and its clients.
package websocket

import "encoding/json"

// ClientMessage is the flat client -> server control message. Type selects
// the operation; the remaining fields are populated per type.
type ClientMessage struct {
	Type string `json:"type"`

	// join_session
	SessionID   string `json:"session_id,omitempty"`
	LastEventID int64  `json:"last_event_id,omitempty"`

	// create_session, add_agent
	Agents     []AgentSpec    `json:"agents,omitempty"`
	WorkingDir string         `json:"working_dir,omitempty"`
	Config     map[string]any `json:"config,omitempty"`

	// message, direct_message
	Text string `json:"text,omitempty"`

	// stop_agent, direct_message, permission_response
	Agent string `json:"agent,omitempty"`

	// add_agent, remove_agent
	Name      string `json:"name,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
	Role      string `json:"role,omitempty"`
	Model     string `json:"model,omitempty"`

	// ack
	EventID int64 `json:"event_id,omitempty"`

	// permission_response
	RequestID string `json:"request_id,omitempty"`
	Approved  *bool  `json:"approved,omitempty"`

	// card operations
	CardID      string `json:"card_id,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Planner     string `json:"planner,omitempty"`
	Implementer string `json:"implementer,omitempty"`
	Reviewer    string `json:"reviewer,omitempty"`
	Coordinator string `json:"coordinator,omitempty"`
}

// AgentSpec names one agent slot in create_session / add_agent payloads.
type AgentSpec struct {
	Name  string `json:"name"`
	Type  string `json:"agent_type"`
	Role  string `json:"role,omitempty"`
	Model string `json:"model,omitempty"`
}

// ParseClientMessage decodes a raw frame into a ClientMessage.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// NewErrorEvent builds the server -> client error event payload.
func NewErrorEvent(code, message string) map[string]any {
	return map[string]any{
		"type":    "error",
		"code":    code,
		"message": message,
	}
}
