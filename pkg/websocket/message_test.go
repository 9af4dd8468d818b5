package websocket

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage(t *testing.T) {
	raw := `{
		"type": "create_session",
		"agents": [{"name": "Ada", "agent_type": "claude", "role": "lead"}],
		"working_dir": "/tmp/proj",
		"config": {"timeouts.idle": 600}
	}`
	msg, err := ParseClientMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, TypeCreateSession, msg.Type)
	require.Len(t, msg.Agents, 1)
	assert.Equal(t, "Ada", msg.Agents[0].Name)
	assert.Equal(t, "claude", msg.Agents[0].Type)
	assert.Equal(t, "lead", msg.Agents[0].Role)
	assert.Equal(t, "/tmp/proj", msg.WorkingDir)
	assert.Equal(t, float64(600), msg.Config["timeouts.idle"])
}

func TestParseClientMessagePermissionResponse(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"permission_response","agent":"Ada","request_id":"p1","approved":false}`))
	require.NoError(t, err)
	assert.Equal(t, TypePermissionResponse, msg.Type)
	assert.Equal(t, "p1", msg.RequestID)
	require.NotNil(t, msg.Approved)
	assert.False(t, *msg.Approved)

	// Omitted approval stays nil so the gateway can reject the frame.
	msg, err = ParseClientMessage([]byte(`{"type":"permission_response","request_id":"p2"}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Approved)
}

func TestParseClientMessageInvalid(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":`))
	require.Error(t, err)
}

func TestNewErrorEvent(t *testing.T) {
	ev := NewErrorEvent(ErrorCodeValidation, "text is required")
	assert.Equal(t, "error", ev["type"])
	assert.Equal(t, ErrorCodeValidation, ev["code"])
	assert.Equal(t, "text is required", ev["message"])
}

func TestDispatcherRoutesByType(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(TypeMessage, func(ctx context.Context, sessionID string, msg *ClientMessage) (map[string]any, error) {
		return map[string]any{"type": "ack", "session": sessionID, "text": msg.Text}, nil
	})

	assert.True(t, d.HasHandler(TypeMessage))
	assert.False(t, d.HasHandler(TypeCancel))

	out, err := d.Dispatch(context.Background(), "s1", &ClientMessage{Type: TypeMessage, Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "s1", out["session"])
	assert.Equal(t, "hello", out["text"])
}

func TestDispatcherUnknownType(t *testing.T) {
	d := NewDispatcher()
	out, err := d.Dispatch(context.Background(), "s1", &ClientMessage{Type: "bogus"})
	require.NoError(t, err)
	assert.Equal(t, "error", out["type"])
	assert.Equal(t, ErrorCodeUnknownType, out["code"])
	assert.Contains(t, out["message"], "bogus")
}
