// Package websocket is the WebSocket gateway: it carries the control-plane
// message schema between clients and the session runner and fans session
// events back out.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/events/bus"
	"github.com/multiagents/multiagents/internal/session"
	ws "github.com/multiagents/multiagents/pkg/websocket"
)

// Sessions is the runner surface the hub needs for subscriber lifecycle.
type Sessions interface {
	Subscribe(sessionID string, sub session.Subscriber)
	Unsubscribe(sessionID string, sub session.Subscriber)
	ReplayEvents(ctx context.Context, sessionID string, afterEventID int64, sub session.Subscriber)
	Ack(ctx context.Context, sessionID string, sub session.Subscriber, eventID int64)
}

// Hub manages all WebSocket client connections and their session bindings.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	sessions   Sessions
	dispatcher *ws.Dispatcher
	bus        bus.Bus

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub. eventBus may be nil.
func NewHub(dispatcher *ws.Dispatcher, sessions Sessions, eventBus bus.Bus, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		sessions:   sessions,
		dispatcher: dispatcher,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// GetDispatcher returns the message dispatcher.
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// Run starts the hub's main processing loop. While running, the hub follows
// the session lifecycle feed so every connected client hears about session
// changes without joining them.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	if h.bus != nil {
		sub, err := h.bus.Subscribe(bus.SessionLifecycleSubject, h.forwardLifecycle)
		if err != nil {
			h.logger.Error("Lifecycle subscribe failed", zap.Error(err))
		} else {
			defer func() { _ = sub.Unsubscribe() }()
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// forwardLifecycle fans a session-list change out to every connected client,
// joined or not.
func (h *Hub) forwardLifecycle(ctx context.Context, ev *bus.Event) {
	payload := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		payload[k] = v
	}
	payload["type"] = ev.Type
	payload["session_id"] = ev.SessionID

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.SendEvent(ctx, payload); err != nil {
			h.logger.Debug("Lifecycle send failed",
				zap.String("client_id", client.ID), zap.Error(err))
		}
	}
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		h.detachLocked(client)
		client.Close()
		delete(h.clients, client)
	}
}

// removeClient removes a client from the hub and its session.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		h.detachLocked(client)
		delete(h.clients, client)
		client.Close()
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) detachLocked(client *Client) {
	if sid := client.sessionID; sid != "" {
		client.sessionID = ""
		h.sessions.Unsubscribe(sid, client)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// JoinSession binds a client to a session and replays missed events.
// A client follows one session at a time; joining again rebinds it.
func (h *Hub) JoinSession(ctx context.Context, client *Client, sessionID string, lastEventID int64) {
	h.mu.Lock()
	if prev := client.sessionID; prev != "" && prev != sessionID {
		h.sessions.Unsubscribe(prev, client)
	}
	client.sessionID = sessionID
	h.mu.Unlock()

	h.sessions.Subscribe(sessionID, client)
	h.sessions.ReplayEvents(ctx, sessionID, lastEventID, client)

	h.logger.Debug("Client joined session",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))
}

// Ack forwards a client's event cursor to the runner.
func (h *Hub) Ack(ctx context.Context, client *Client, eventID int64) {
	h.mu.RLock()
	sid := client.sessionID
	h.mu.RUnlock()
	if sid != "" {
		h.sessions.Ack(ctx, sid, client, eventID)
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
