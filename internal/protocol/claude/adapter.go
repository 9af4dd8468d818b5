// Package claude implements the protocol adapter for the Claude CLI running
// with --input-format stream-json --output-format stream-json.
//
// Wire format:
//
//	Send: {"type":"user","message":{"role":"user","content":"..."}}\n
//	Recv: NDJSON lines with types:
//	  system    - init (session info), compact_boundary
//	  assistant - cumulative content blocks (text, thinking, tool_use,
//	              server_tool_use, web_search_tool_use, code_execution_tool_use,
//	              mcp_tool_use, and their *_result counterparts)
//	  result    - turn complete (success or error subtypes)
//	  user      - replayed user messages (skipped)
//	  stream_event - partial streaming events (skipped)
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/protocol"
)

const maxLineSize = 10 * 1024 * 1024 // agent JSON lines can be large

// Adapter translates the Claude stream-json NDJSON format into AgentEvents.
// Assistant content arrays are cumulative within an assistant turn: every
// event re-sends previously seen blocks, so the adapter tracks how much it
// has already emitted and only yields the suffix.
type Adapter struct {
	mu      sync.Mutex
	stdin   protocol.StdinWriter
	scanner *bufio.Scanner

	sessionID string
	logger    *logger.Logger

	// per-assistant-turn cumulative state
	lastCumulative  string
	lastThinking    string
	seenTools       int
	seenServerTools int
	seenResults     int
	lastMessageID   string
}

// New creates a Claude protocol adapter.
func New(log *logger.Logger) *Adapter {
	return &Adapter{
		logger: log.WithFields(zap.String("component", "claude-proto")),
	}
}

// Attach wires the adapter to the subprocess pipes.
func (a *Adapter) Attach(stdin protocol.StdinWriter, stdout protocol.StdoutReader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	a.mu.Lock()
	a.stdin = stdin
	a.scanner = scanner
	a.mu.Unlock()
}

// Start is a no-op: the Claude CLI needs no handshake before the first message.
func (a *Adapter) Start(ctx context.Context) error { return nil }

// StartResume is a no-op: resume is handled via the --resume CLI flag.
func (a *Adapter) StartResume(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	a.sessionID = sessionID
	a.mu.Unlock()
	return nil
}

// SendMessage writes one NDJSON user message to stdin.
func (a *Adapter) SendMessage(ctx context.Context, text string) error {
	a.logger.Info("send message", zap.Int("chars", len(text)))
	payload, err := json.Marshal(map[string]any{
		"type":    "user",
		"message": map[string]any{"role": "user", "content": text},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal user message: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := a.stdin.Write(payload); err != nil {
		return fmt.Errorf("failed to write user message: %w", err)
	}
	return nil
}

type wireMessage struct {
	Type              string            `json:"type"`
	Subtype           string            `json:"subtype"`
	SessionID         string            `json:"session_id"`
	IsError           bool              `json:"is_error"`
	Result            string            `json:"result"`
	PermissionDenials []wireDenial      `json:"permission_denials"`
	Message           *wireAssistantMsg `json:"message"`
}

type wireDenial struct {
	ToolUseID string         `json:"tool_use_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

type wireAssistantMsg struct {
	ID      string            `json:"id"`
	Content []json.RawMessage `json:"content"`
}

type wireContentBlock struct {
	Type       string         `json:"type"`
	Text       string         `json:"text"`
	Thinking   string         `json:"thinking"`
	Name       string         `json:"name"`
	ServerName string         `json:"server_name"`
	Query      string         `json:"query"`
	Language   string         `json:"language"`
	Input      map[string]any `json:"input"`
	IsError    bool           `json:"is_error"`
	Content    json.RawMessage `json:"content"`
}

// ReadEvents consumes stdout until a result event closes the turn. EOF before
// the result event is a protocol violation.
func (a *Adapter) ReadEvents(ctx context.Context, emit protocol.Emitter) error {
	a.resetTurnState()

	for a.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := a.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			a.logger.Debug("json parse failed", zap.String("line", protocol.Truncate(string(line), 200)))
			continue
		}

		switch msg.Type {
		case "system":
			if msg.Subtype == "compact_boundary" {
				a.logger.Info("context compaction boundary")
				if err := emit(protocol.ToolBadge{Label: "Compacting"}); err != nil {
					return err
				}
			} else {
				a.logger.Debug("system event", zap.String("subtype", msg.Subtype))
			}

		case "result":
			a.mu.Lock()
			a.sessionID = msg.SessionID
			a.mu.Unlock()
			if msg.IsError || (msg.Subtype != "" && msg.Subtype != "success") {
				a.logger.Warn("turn complete with error",
					zap.String("subtype", msg.Subtype), zap.String("session_id", msg.SessionID))
			} else {
				a.logger.Info("turn complete", zap.String("session_id", msg.SessionID))
			}
			// Permission denials surface as events before TurnComplete so the
			// caller can show what was blocked this turn.
			for _, denial := range msg.PermissionDenials {
				err := emit(protocol.PermissionRequest{
					RequestID:   denial.ToolUseID,
					ToolName:    denial.ToolName,
					ToolInput:   denial.ToolInput,
					Description: fmt.Sprintf("Claude wants to use %s", denial.ToolName),
				})
				if err != nil {
					return err
				}
			}
			return emit(protocol.TurnComplete{
				Text:      msg.Result,
				SessionID: msg.SessionID,
				Success:   !msg.IsError && (msg.Subtype == "" || msg.Subtype == "success"),
			})

		case "assistant":
			if msg.Message == nil || len(msg.Message.Content) == 0 {
				continue
			}
			if err := a.handleAssistant(msg.Message, emit); err != nil {
				return err
			}

		case "user", "stream_event":
			// replayed input / partial streaming - skip

		default:
			a.logger.Debug("unhandled event", zap.String("type", msg.Type))
		}
	}

	if err := a.scanner.Err(); err != nil {
		return fmt.Errorf("claude stdout read failed: %w", err)
	}
	a.logger.Warn("process ended before result event")
	return fmt.Errorf("claude process ended before result event")
}

func (a *Adapter) handleAssistant(msg *wireAssistantMsg, emit protocol.Emitter) error {
	blocks := make([]wireContentBlock, 0, len(msg.Content))
	for _, raw := range msg.Content {
		var block wireContentBlock
		if err := json.Unmarshal(raw, &block); err != nil {
			continue
		}
		blocks = append(blocks, block)
	}

	// Content resets when a new assistant message begins (after tool use).
	if msg.ID != "" && msg.ID != a.lastMessageID {
		a.logger.Debug("new assistant turn", zap.String("msg_id", msg.ID))
		a.lastMessageID = msg.ID
		a.lastCumulative = ""
		a.lastThinking = ""
		a.seenTools = 0
		a.seenServerTools = 0
		a.seenResults = 0
	}

	// Thinking deltas (cumulative)
	var thinking string
	for _, b := range blocks {
		if b.Type == "thinking" {
			thinking += b.Thinking
		}
	}
	if thinking != "" {
		// The cumulative snapshot can shrink on malformed input; never slice
		// past its end.
		delta := ""
		if len(thinking) > len(a.lastThinking) {
			delta = thinking[len(a.lastThinking):]
		}
		a.lastThinking = thinking
		if delta != "" {
			if err := emit(protocol.ThinkingDelta{Text: delta}); err != nil {
				return err
			}
		}
	}

	// Tool use badges (cumulative - only emit new ones)
	var tools []wireContentBlock
	for _, b := range blocks {
		if b.Type == "tool_use" {
			tools = append(tools, b)
		}
	}
	for _, t := range tools[min(a.seenTools, len(tools)):] {
		err := emit(protocol.ToolBadge{
			Label:  t.Name,
			Detail: protocol.ExtractToolDetail(t.Input),
		})
		if err != nil {
			return err
		}
	}
	a.seenTools = len(tools)

	// Server tool use (web search, code execution, MCP)
	var serverTools []wireContentBlock
	for _, b := range blocks {
		switch b.Type {
		case "server_tool_use", "web_search_tool_use", "code_execution_tool_use", "mcp_tool_use":
			serverTools = append(serverTools, b)
		}
	}
	for _, st := range serverTools[min(a.seenServerTools, len(serverTools)):] {
		var badge protocol.ToolBadge
		switch st.Type {
		case "web_search_tool_use":
			badge = protocol.ToolBadge{Label: "Search", Detail: protocol.Truncate(st.Query, 80)}
		case "code_execution_tool_use":
			badge = protocol.ToolBadge{Label: "Code", Detail: st.Language}
		case "mcp_tool_use":
			label := st.Name
			if st.ServerName != "" {
				label = st.ServerName + "/" + st.Name
			}
			badge = protocol.ToolBadge{Label: "MCP", Detail: protocol.Truncate(label, 80)}
		default:
			label := st.Name
			if label == "" {
				label = st.Type
			}
			badge = protocol.ToolBadge{Label: label}
		}
		if err := emit(badge); err != nil {
			return err
		}
	}
	a.seenServerTools = len(serverTools)

	// Tool results
	var results []wireContentBlock
	for _, b := range blocks {
		switch b.Type {
		case "tool_result", "server_tool_result", "web_search_tool_result",
			"code_execution_tool_result", "mcp_tool_result":
			results = append(results, b)
		}
	}
	for _, tr := range results[min(a.seenResults, len(results)):] {
		err := emit(protocol.ToolResult{
			ToolName: toolNameFromResultType(tr.Type),
			Success:  !tr.IsError,
			Output:   resultContent(tr.Content),
		})
		if err != nil {
			return err
		}
	}
	a.seenResults = len(results)

	// Text deltas (cumulative)
	var text string
	for _, b := range blocks {
		if b.Type == "text" {
			text += b.Text
		}
	}
	if text != "" {
		delta := ""
		if len(text) > len(a.lastCumulative) {
			delta = text[len(a.lastCumulative):]
		}
		a.lastCumulative = text
		if delta != "" {
			if err := emit(protocol.TextDelta{Text: delta}); err != nil {
				return err
			}
		}
	}
	return nil
}

func toolNameFromResultType(resultType string) string {
	const suffix = "_result"
	if len(resultType) > len(suffix) && resultType[len(resultType)-len(suffix):] == suffix {
		return resultType[:len(resultType)-len(suffix)]
	}
	return resultType
}

// resultContent flattens a tool result's content (string or block list) into
// a truncated summary.
func resultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return protocol.Truncate(s, 300)
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var out string
	for _, p := range parts {
		if p.Type != "text" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += protocol.Truncate(p.Text, 100)
	}
	return protocol.Truncate(out, 300)
}

// Cancel is a no-op: the Claude CLI has no wire-level cancel, interruption is
// handled by the supervisor killing the turn.
func (a *Adapter) Cancel(ctx context.Context) error { return nil }

// Shutdown closes stdin to signal end of input.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stdin != nil {
		return a.stdin.Close()
	}
	return nil
}

// RespondToPermission is a no-op: Claude reports denials after the fact.
func (a *Adapter) RespondToPermission(ctx context.Context, resp protocol.PermissionResponse) error {
	return nil
}

// SessionID returns the session id reported by the last result event.
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *Adapter) resetTurnState() {
	a.lastCumulative = ""
	a.lastThinking = ""
	a.seenTools = 0
	a.seenServerTools = 0
	a.seenResults = 0
	a.lastMessageID = ""
}
