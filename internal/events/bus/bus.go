// Package bus carries session notifications between engine components:
// in-process by default, over NATS when configured so multiple engine
// instances see each other's sessions.
package bus

import (
	"context"
	"time"
)

// SessionLifecycleSubject carries session create/delete and discussion
// start/end notifications. The gateway forwards these to every connected
// client so session lists stay live without joining each session.
const SessionLifecycleSubject = "sessions.lifecycle"

// Event is one bus message.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType, sessionID string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes bus events. Handlers must not block; slow work belongs on
// the handler's own goroutine.
type Handler func(ctx context.Context, ev *Event)

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes events to dotted subjects and delivers them to pattern
// subscribers. Patterns use NATS wildcards: * matches one token, > matches
// the remaining tokens.
type Bus interface {
	Publish(ctx context.Context, subject string, ev *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
}
