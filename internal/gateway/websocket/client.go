package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/multiagents/multiagents/internal/common/logger"
	ws "github.com/multiagents/multiagents/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Control message rate limit window
	rateLimitWindow = 10 * time.Second
	rateLimitMax    = 100
)

// ErrSendBufferFull is returned when a client's outbound buffer is saturated.
var ErrSendBufferFull = errors.New("client send buffer full")

// Client represents a single WebSocket connection. It implements
// session.Subscriber so the runner can push events to it directly.
type Client struct {
	ID        string
	conn      *websocket.Conn
	hub       *Hub
	send      chan []byte
	sessionID string // session this client follows; guarded by hub.mu

	rateMu    sync.Mutex
	rateTimes []time.Time

	closeOnce sync.Once
	closed    chan struct{}

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// SendEvent implements session.Subscriber. A full buffer or closed client
// fails the send, which makes the runner drop this subscriber.
func (c *Client) SendEvent(ctx context.Context, event map[string]any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errors.New("client closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// allowMessage enforces the sliding-window control message rate limit.
func (c *Client) allowMessage(now time.Time) bool {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	cutoff := now.Add(-rateLimitWindow)
	kept := c.rateTimes[:0]
	for _, t := range c.rateTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.rateTimes = kept
	if len(c.rateTimes) >= rateLimitMax {
		return false
	}
	c.rateTimes = append(c.rateTimes, now)
	return true
}

// ReadPump pumps messages from the WebSocket connection into the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		msg, err := ws.ParseClientMessage(data)
		if err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendEventLocal(ws.NewErrorEvent(ws.ErrorCodeBadRequest, "Invalid message format"))
			continue
		}

		if !c.allowMessage(time.Now()) {
			c.sendEventLocal(ws.NewErrorEvent(ws.ErrorCodeRateLimited, "Too many messages"))
			continue
		}

		c.handleMessage(ctx, msg)
	}
}

// handleMessage processes an incoming control message.
func (c *Client) handleMessage(ctx context.Context, msg *ws.ClientMessage) {
	c.logger.Debug("Received message", zap.String("type", msg.Type))

	// Connection-bound message types are handled here; the rest go through
	// the dispatcher with the client's bound session.
	switch msg.Type {
	case ws.TypeJoinSession:
		if msg.SessionID == "" {
			c.sendEventLocal(ws.NewErrorEvent(ws.ErrorCodeValidation, "session_id is required"))
			return
		}
		c.hub.JoinSession(ctx, c, msg.SessionID, msg.LastEventID)
		return
	case ws.TypeAck:
		c.hub.Ack(ctx, c, msg.EventID)
		return
	}

	sessionID := c.currentSession()
	if sessionID == "" && msg.Type != ws.TypeCreateSession {
		c.sendEventLocal(ws.NewErrorEvent(ws.ErrorCodeNotJoined, "Join a session first"))
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, sessionID, msg)
	if err != nil {
		c.logger.Error("Handler error", zap.String("type", msg.Type), zap.Error(err))
		c.sendEventLocal(ws.NewErrorEvent(ws.ErrorCodeInternalError, err.Error()))
		return
	}
	if response != nil {
		c.sendEventLocal(response)
	}
}

func (c *Client) currentSession() string {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.sessionID
}

// sendEventLocal queues a direct (non-broadcast) event to this client.
func (c *Client) sendEventLocal(event map[string]any) {
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// Close marks the client dead. The send channel is never closed so that
// concurrent SendEvent calls stay safe; they fail via the closed signal.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
