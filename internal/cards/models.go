// Package cards implements the Kanban task-card lifecycle: cards flow through
// coordination, planning, review, and implementation phases driven by agent
// round outcomes.
package cards

import "fmt"

// CardStatus is a Kanban phase a card flows through.
type CardStatus string

const (
	StatusBacklog      CardStatus = "backlog"
	StatusCoordinating CardStatus = "coordinating"
	StatusPlanning     CardStatus = "planning"
	StatusReviewing    CardStatus = "reviewing"
	StatusImplementing CardStatus = "implementing"
	StatusDone         CardStatus = "done"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (CardStatus, error) {
	switch CardStatus(s) {
	case StatusBacklog, StatusCoordinating, StatusPlanning, StatusReviewing, StatusImplementing, StatusDone:
		return CardStatus(s), nil
	}
	return "", fmt.Errorf("invalid card status: %q", s)
}

// CardPhaseEntry is a single phase-transition record in a card's history.
type CardPhaseEntry struct {
	Phase     CardStatus `json:"phase"`
	Agent     string     `json:"agent"`
	Content   string     `json:"content"`
	Timestamp string     `json:"timestamp"`
}

// Card is a Kanban task card that moves through discussion phases.
type Card struct {
	ID                string           `json:"id"`
	Title             string           `json:"title"`
	Description       string           `json:"description"`
	Status            CardStatus       `json:"status"`
	Planner           string           `json:"planner"`
	Implementer       string           `json:"implementer"`
	Reviewer          string           `json:"reviewer"`
	Coordinator       string           `json:"coordinator"`
	CoordinationStage string           `json:"coordination_stage"`
	PreviousPhase     CardStatus       `json:"previous_phase,omitempty"`
	History           []CardPhaseEntry `json:"history"`
	CreatedAt         string           `json:"created_at"`
}

// ToMap serializes the card for JSON / WebSocket transport.
func (c *Card) ToMap() map[string]any {
	history := make([]map[string]any, 0, len(c.History))
	for _, entry := range c.History {
		history = append(history, map[string]any{
			"phase":     string(entry.Phase),
			"agent":     entry.Agent,
			"content":   entry.Content,
			"timestamp": entry.Timestamp,
		})
	}
	var previous any
	if c.PreviousPhase != "" {
		previous = string(c.PreviousPhase)
	}
	return map[string]any{
		"id":                 c.ID,
		"title":              c.Title,
		"description":        c.Description,
		"status":             string(c.Status),
		"planner":            c.Planner,
		"implementer":        c.Implementer,
		"reviewer":           c.Reviewer,
		"coordinator":        c.Coordinator,
		"coordination_stage": c.CoordinationStage,
		"previous_phase":     previous,
		"history":            history,
		"created_at":         c.CreatedAt,
	}
}

// Clone returns a deep copy of the card.
func (c *Card) Clone() *Card {
	out := *c
	out.History = make([]CardPhaseEntry, len(c.History))
	copy(out.History, c.History)
	return &out
}
