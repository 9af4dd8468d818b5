package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/protocol"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

type stdinBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *stdinBuffer) Close() error {
	b.closed = true
	return nil
}

// readTurn attaches the adapter to scripted stdout lines and collects the
// events of one turn.
func readTurn(t *testing.T, lines ...string) []protocol.AgentEvent {
	t.Helper()
	a := New(newTestLogger())
	a.Attach(&stdinBuffer{}, strings.NewReader(strings.Join(lines, "\n")+"\n"))

	var events []protocol.AgentEvent
	err := a.ReadEvents(context.Background(), func(ev protocol.AgentEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	return events
}

func assistantLine(msgID string, blocks ...map[string]any) string {
	payload, _ := json.Marshal(map[string]any{
		"type":    "assistant",
		"message": map[string]any{"id": msgID, "content": blocks},
	})
	return string(payload)
}

func textBlock(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

func TestReadEventsCumulativeText(t *testing.T) {
	events := readTurn(t,
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		assistantLine("msg1", textBlock("Hello")),
		assistantLine("msg1", textBlock("Hello world")),
		`{"type":"result","subtype":"success","session_id":"s1","result":"Hello world"}`,
	)

	require.Len(t, events, 3)
	assert.Equal(t, protocol.TextDelta{Text: "Hello"}, events[0])
	assert.Equal(t, protocol.TextDelta{Text: " world"}, events[1])
	assert.Equal(t, protocol.TurnComplete{Text: "Hello world", SessionID: "s1", Success: true}, events[2])
}

func TestReadEventsNewMessageResetsState(t *testing.T) {
	events := readTurn(t,
		assistantLine("msg1", textBlock("first")),
		assistantLine("msg2", textBlock("second")),
		`{"type":"result","session_id":"s1","result":"second"}`,
	)

	require.Len(t, events, 3)
	assert.Equal(t, protocol.TextDelta{Text: "first"}, events[0])
	assert.Equal(t, protocol.TextDelta{Text: "second"}, events[1])
}

func TestReadEventsToolUse(t *testing.T) {
	tool := map[string]any{"type": "tool_use", "name": "Bash", "input": map[string]any{"command": "ls"}}
	result := map[string]any{"type": "tool_result", "content": "file.txt"}
	events := readTurn(t,
		assistantLine("msg1", tool),
		assistantLine("msg1", tool, result, textBlock("done")),
		`{"type":"result","subtype":"success","session_id":"s1","result":"done"}`,
	)

	require.Len(t, events, 4)
	badge, ok := events[0].(protocol.ToolBadge)
	require.True(t, ok)
	assert.Equal(t, "Bash", badge.Label)
	assert.Equal(t, "ls", badge.Detail)

	toolResult, ok := events[1].(protocol.ToolResult)
	require.True(t, ok)
	assert.Equal(t, "tool", toolResult.ToolName)
	assert.True(t, toolResult.Success)
	assert.Equal(t, "file.txt", toolResult.Output)

	assert.Equal(t, protocol.TextDelta{Text: "done"}, events[2])
}

func TestReadEventsThinkingDelta(t *testing.T) {
	events := readTurn(t,
		assistantLine("msg1", map[string]any{"type": "thinking", "thinking": "hmm"}),
		assistantLine("msg1", map[string]any{"type": "thinking", "thinking": "hmm, ok"}, textBlock("answer")),
		`{"type":"result","session_id":"s1","result":"answer"}`,
	)

	require.Len(t, events, 4)
	assert.Equal(t, protocol.ThinkingDelta{Text: "hmm"}, events[0])
	assert.Equal(t, protocol.ThinkingDelta{Text: ", ok"}, events[1])
	assert.Equal(t, protocol.TextDelta{Text: "answer"}, events[2])
}

func TestReadEventsShrunkCumulativeText(t *testing.T) {
	// A repeated message id with less cumulative text than before must not
	// slice past the previous snapshot.
	events := readTurn(t,
		assistantLine("msg1", textBlock("Hello world")),
		assistantLine("msg1", textBlock("Hi")),
		`{"type":"result","session_id":"s1","result":"Hi"}`,
	)

	require.Len(t, events, 2)
	assert.Equal(t, protocol.TextDelta{Text: "Hello world"}, events[0])
	_, ok := events[1].(protocol.TurnComplete)
	assert.True(t, ok)
}

func TestReadEventsShrunkCumulativeThinking(t *testing.T) {
	events := readTurn(t,
		assistantLine("msg1", map[string]any{"type": "thinking", "thinking": "long deliberation"}),
		assistantLine("msg1", map[string]any{"type": "thinking", "thinking": "short"}),
		`{"type":"result","session_id":"s1","result":"done"}`,
	)

	require.Len(t, events, 2)
	assert.Equal(t, protocol.ThinkingDelta{Text: "long deliberation"}, events[0])
	_, ok := events[1].(protocol.TurnComplete)
	assert.True(t, ok)
}

func TestReadEventsErrorResult(t *testing.T) {
	events := readTurn(t,
		`{"type":"result","subtype":"error_during_execution","is_error":true,"session_id":"s1","result":"boom"}`,
	)

	require.Len(t, events, 1)
	complete, ok := events[0].(protocol.TurnComplete)
	require.True(t, ok)
	assert.False(t, complete.Success)
	assert.Equal(t, "boom", complete.Text)
}

func TestReadEventsPermissionDenials(t *testing.T) {
	events := readTurn(t,
		`{"type":"result","subtype":"success","session_id":"s1","result":"partial",`+
			`"permission_denials":[{"tool_use_id":"t1","tool_name":"Write","tool_input":{"file_path":"/etc/passwd"}}]}`,
	)

	require.Len(t, events, 2)
	req, ok := events[0].(protocol.PermissionRequest)
	require.True(t, ok)
	assert.Equal(t, "t1", req.RequestID)
	assert.Equal(t, "Write", req.ToolName)
	_, ok = events[1].(protocol.TurnComplete)
	assert.True(t, ok)
}

func TestReadEventsEOFBeforeResult(t *testing.T) {
	a := New(newTestLogger())
	a.Attach(&stdinBuffer{}, strings.NewReader(assistantLine("msg1", textBlock("partial"))+"\n"))

	err := a.ReadEvents(context.Background(), func(protocol.AgentEvent) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before result event")
}

func TestReadEventsSkipsMalformedLines(t *testing.T) {
	events := readTurn(t,
		`this is not json`,
		`{"type":"user","message":{"role":"user","content":"replayed"}}`,
		`{"type":"result","session_id":"s1","result":"ok"}`,
	)
	require.Len(t, events, 1)
}

func TestSessionIDTracksResult(t *testing.T) {
	a := New(newTestLogger())
	a.Attach(&stdinBuffer{}, strings.NewReader(`{"type":"result","session_id":"s42","result":"ok"}`+"\n"))
	require.NoError(t, a.ReadEvents(context.Background(), func(protocol.AgentEvent) error { return nil }))
	assert.Equal(t, "s42", a.SessionID())
}

func TestSendMessage(t *testing.T) {
	a := New(newTestLogger())
	stdin := &stdinBuffer{}
	a.Attach(stdin, strings.NewReader(""))

	require.NoError(t, a.SendMessage(context.Background(), "hello"))

	var msg map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &msg))
	assert.Equal(t, "user", msg["type"])
	inner := msg["message"].(map[string]any)
	assert.Equal(t, "user", inner["role"])
	assert.Equal(t, "hello", inner["content"])
}

func TestShutdownClosesStdin(t *testing.T) {
	a := New(newTestLogger())
	stdin := &stdinBuffer{}
	a.Attach(stdin, strings.NewReader(""))
	require.NoError(t, a.Shutdown(context.Background()))
	assert.True(t, stdin.closed)
}

func TestToolNameFromResultType(t *testing.T) {
	assert.Equal(t, "tool", toolNameFromResultType("tool_result"))
	assert.Equal(t, "web_search_tool", toolNameFromResultType("web_search_tool_result"))
	assert.Equal(t, "odd", toolNameFromResultType("odd"))
}

func TestResultContent(t *testing.T) {
	assert.Equal(t, "plain string", resultContent(json.RawMessage(`"plain string"`)))
	assert.Equal(t, "", resultContent(nil))

	blocks := json.RawMessage(`[{"type":"text","text":"one"},{"type":"image"},{"type":"text","text":"two"}]`)
	assert.Equal(t, "one two", resultContent(blocks))
}
