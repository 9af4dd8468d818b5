// Package session persists chat sessions: transcripts, replayable event logs,
// per-agent CLI session ids, and task cards.
package session

import (
	"context"

	"github.com/multiagents/multiagents/internal/cards"
)

// AgentPersona describes one agent slot in a session.
type AgentPersona struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Role  string `json:"role"`
	Model string `json:"model,omitempty"`
}

// Summary is the listing view of a session.
type Summary struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Agents    []AgentPersona `json:"agent_names"`
	UpdatedAt string         `json:"updated_at"`
}

// Session is the full persisted session row.
type Session struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Agents        []AgentPersona    `json:"agent_names"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
	IsRunning     bool              `json:"is_running"`
	IsPaused      bool              `json:"is_paused"`
	CurrentRound  int               `json:"current_round"`
	LastEventID   int64             `json:"last_event_id"`
	LastEventAt   string            `json:"last_event_at"`
	AgentSessions map[string]string `json:"agent_sessions"`
	WorkingDir    string            `json:"working_dir"`
	Config        map[string]any    `json:"config"`
}

// State is the in-flight subset of a session row.
type State struct {
	IsRunning    bool   `json:"is_running"`
	IsPaused     bool   `json:"is_paused"`
	CurrentRound int    `json:"current_round"`
	LastEventID  int64  `json:"last_event_id"`
	LastEventAt  string `json:"last_event_at"`
}

// MessageRecord is one transcript entry.
type MessageRecord struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Round     int    `json:"round_number"`
	Passed    bool   `json:"passed"`
	CreatedAt string `json:"created_at"`
}

// AgentProgress is the live stream state of one agent within a round.
type AgentProgress struct {
	LastRound  int    `json:"last_round"`
	Status     string `json:"status"`
	StreamText string `json:"stream_text"`
}

// Store persists sessions and their derived state. Event ids are reserved
// monotonically per session; the stored event log is capped and replayable.
type Store interface {
	ListSessions(ctx context.Context) ([]Summary, error)
	CreateSession(ctx context.Context, agents []AgentPersona, workingDir string, config map[string]any) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	UpdateTitle(ctx context.Context, sessionID, title string) error
	UpdateAgents(ctx context.Context, sessionID string, agents []AgentPersona) error

	SaveMessage(ctx context.Context, sessionID, role, content string, round int, passed bool) (*MessageRecord, error)
	GetMessages(ctx context.Context, sessionID string) ([]MessageRecord, error)

	SetRunning(ctx context.Context, sessionID string, running bool) error
	SetCurrentRound(ctx context.Context, sessionID string, round int) error
	GetState(ctx context.Context, sessionID string) (*State, error)
	ClearInFlight(ctx context.Context, sessionID string) error

	ResetAgentProgress(ctx context.Context, sessionID string, agentNames []string, round int) error
	AppendAgentStream(ctx context.Context, sessionID, agentName string, round int, chunk string) error
	SetAgentStatus(ctx context.Context, sessionID, agentName, status string, round int) error
	GetAgentProgress(ctx context.Context, sessionID string) (map[string]AgentProgress, error)

	ReserveEventID(ctx context.Context, sessionID string) (int64, error)
	SaveEvent(ctx context.Context, sessionID string, eventID int64, data map[string]any) error
	GetEventsSince(ctx context.Context, sessionID string, afterEventID int64, limit int) ([]map[string]any, error)
	PruneEvents(ctx context.Context, sessionID string, upToEventID int64) error
	ClearEvents(ctx context.Context, sessionID string) error

	SaveAgentSessionID(ctx context.Context, sessionID, agentName, cliSessionID string) error
	GetAgentSessionIDs(ctx context.Context, sessionID string) (map[string]string, error)
	AddAgentState(ctx context.Context, sessionID, agentName string) error
	RemoveAgentState(ctx context.Context, sessionID, agentName string) error

	SaveCard(ctx context.Context, sessionID string, card *cards.Card) error
	GetCards(ctx context.Context, sessionID string) ([]*cards.Card, error)
	DeleteCard(ctx context.Context, sessionID, cardID string) error

	Close() error
}
