package websocket

import "context"

// Handler processes one control message for a session and returns an
// optional direct response event.
type Handler interface {
	Handle(ctx context.Context, sessionID string, msg *ClientMessage) (map[string]any, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, sessionID string, msg *ClientMessage) (map[string]any, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, sessionID string, msg *ClientMessage) (map[string]any, error) {
	return f(ctx, sessionID, msg)
}

// Dispatcher routes control messages to handlers by message type.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register registers a handler for a message type.
func (d *Dispatcher) Register(msgType string, handler Handler) {
	d.handlers[msgType] = handler
}

// RegisterFunc registers a handler function for a message type.
func (d *Dispatcher) RegisterFunc(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch routes a message to its handler. Unknown types yield an error
// event rather than an error.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, msg *ClientMessage) (map[string]any, error) {
	handler, ok := d.handlers[msg.Type]
	if !ok {
		return NewErrorEvent(ErrorCodeUnknownType, "Unknown message type: "+msg.Type), nil
	}
	return handler.Handle(ctx, sessionID, msg)
}

// HasHandler returns true if a handler is registered for the message type.
func (d *Dispatcher) HasHandler(msgType string) bool {
	_, ok := d.handlers[msgType]
	return ok
}
