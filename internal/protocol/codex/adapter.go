// Package codex implements the app-server wire protocol for the Codex CLI.
//
// The protocol is JSON-RPC 2.0 over newline-delimited JSON on stdio, except
// that the "jsonrpc":"2.0" header is omitted:
//
//	Requests:      {"method": str, "id": int, "params": obj}
//	Responses:     {"id": int, "result": obj} or {"id": int, "error": {...}}
//	Notifications: {"method": str, "params": obj}  (no "id")
package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/protocol"
)

const (
	maxLineSize      = 10 * 1024 * 1024
	handshakeTimeout = 30 * time.Second
)

type rpcMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (m *rpcMessage) isResponse() bool { return m.ID != nil && m.Method == "" }

// Adapter speaks the Codex app-server protocol over an attached subprocess.
type Adapter struct {
	mu      sync.Mutex
	stdin   protocol.StdinWriter
	scanner *bufio.Scanner
	log     *logger.Logger

	idCounter      atomic.Int64
	approvalPolicy string
	sandbox        string

	threadID string
	turnID   string
}

// New creates a Codex adapter with the given approval policy and sandbox mode.
func New(approvalPolicy, sandbox string, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	return &Adapter{
		approvalPolicy: approvalPolicy,
		sandbox:        sandbox,
		log:            log.WithFields(zap.String("component", "codex-proto")),
	}
}

// Attach wires the adapter to a live subprocess's pipes.
func (a *Adapter) Attach(stdin protocol.StdinWriter, stdout protocol.StdoutReader) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stdin = stdin
	a.scanner = bufio.NewScanner(stdout)
	a.scanner.Buffer(make([]byte, 64*1024), maxLineSize)
}

func (a *Adapter) nextID() int64 {
	return a.idCounter.Add(1)
}

func (a *Adapter) sendRequest(id int64, method string, params any) error {
	msg := map[string]any{"method": method, "id": id}
	if params != nil {
		msg["params"] = params
	}
	return a.writeJSON(msg)
}

func (a *Adapter) sendNotification(method string, params any) error {
	msg := map[string]any{"method": method}
	if params != nil {
		msg["params"] = params
	}
	return a.writeJSON(msg)
}

func (a *Adapter) writeJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal rpc message: %w", err)
	}
	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("adapter not attached")
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write rpc message: %w", err)
	}
	return nil
}

// readLine reads the next JSON object from stdout. Unparseable lines are
// skipped. Returns nil when the stream ends.
func (a *Adapter) readLine() *rpcMessage {
	for a.scanner.Scan() {
		line := strings.TrimSpace(a.scanner.Text())
		if line == "" {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			a.log.Debug("json parse failed", zap.String("line", protocol.Truncate(line, 200)))
			continue
		}
		return &msg
	}
	return nil
}

// waitForResult reads lines until the response with the expected id arrives.
func (a *Adapter) waitForResult(ctx context.Context, expectedID int64) (*rpcMessage, error) {
	deadline := time.Now().Add(handshakeTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for response id=%d", expectedID)
		}
		msg := a.readLine()
		if msg == nil {
			return nil, fmt.Errorf("stream ended while waiting for response id=%d", expectedID)
		}
		if msg.isResponse() && *msg.ID == expectedID {
			return msg, nil
		}
	}
}

// waitForThreadID reads lines until a thread id arrives, either in the
// response to the given request or in a thread/started notification.
func (a *Adapter) waitForThreadID(ctx context.Context, requestID int64) (string, *rpcMessage, error) {
	var response *rpcMessage
	deadline := time.Now().Add(handshakeTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return "", response, err
		}
		if time.Now().After(deadline) {
			return "", response, nil
		}
		msg := a.readLine()
		if msg == nil {
			return "", response, nil
		}
		if msg.isResponse() && *msg.ID == requestID {
			response = msg
			if len(msg.Error) > 0 {
				return "", response, fmt.Errorf("codex rpc error: %s", string(msg.Error))
			}
			if tid := extractThreadID(msg.Result); tid != "" {
				return tid, response, nil
			}
			continue
		}
		if msg.Method == "thread/started" {
			if tid := extractThreadID(msg.Params); tid != "" {
				return tid, response, nil
			}
		}
	}
}

// extractThreadID pulls a thread id from a result or params payload. Both a
// direct threadId field and a nested thread object are accepted.
func extractThreadID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var payload struct {
		ThreadID string `json:"threadId"`
		Thread   struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	if payload.ThreadID != "" {
		return payload.ThreadID
	}
	return payload.Thread.ID
}

// handshake runs the initialize -> initialized exchange.
func (a *Adapter) handshake(ctx context.Context) error {
	initID := a.nextID()
	if err := a.sendRequest(initID, "initialize", map[string]any{
		"clientInfo": map[string]any{"name": "multiagents", "version": "1.0.0"},
	}); err != nil {
		return err
	}
	result, err := a.waitForResult(ctx, initID)
	if err != nil {
		return fmt.Errorf("codex initialize handshake failed: %w", err)
	}
	if len(result.Error) > 0 {
		return fmt.Errorf("codex initialize failed: %s", string(result.Error))
	}
	return a.sendNotification("initialized", nil)
}

// Start runs the handshake and opens a fresh thread.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.handshake(ctx); err != nil {
		return err
	}
	reqID := a.nextID()
	if err := a.sendRequest(reqID, "thread/start", map[string]any{
		"approvalPolicy": a.approvalPolicy,
		"sandbox":        a.sandbox,
	}); err != nil {
		return err
	}
	thread, response, err := a.waitForThreadID(ctx, reqID)
	if err != nil {
		return err
	}
	if thread == "" {
		return fmt.Errorf("codex thread/start returned no threadId: %+v", response)
	}
	a.mu.Lock()
	a.threadID = thread
	a.mu.Unlock()
	a.log.Info("started thread", zap.String("thread_id", thread))
	return nil
}

// StartResume runs the handshake and re-attaches to an existing thread after
// a respawn.
func (a *Adapter) StartResume(ctx context.Context, sessionID string) error {
	if err := a.handshake(ctx); err != nil {
		return err
	}
	resumeID := a.nextID()
	if err := a.sendRequest(resumeID, "thread/resume", map[string]any{
		"threadId":       sessionID,
		"approvalPolicy": a.approvalPolicy,
		"sandbox":        a.sandbox,
	}); err != nil {
		return err
	}
	resumed, response, err := a.waitForThreadID(ctx, resumeID)
	if err != nil {
		return fmt.Errorf("codex thread/resume failed: %w", err)
	}
	if resumed == "" {
		if response != nil && len(response.Error) > 0 {
			return fmt.Errorf("codex thread/resume failed: %s", string(response.Error))
		}
		// Resume acknowledged without an explicit id; trust the one we sent.
		resumed = sessionID
	}
	a.mu.Lock()
	a.threadID = resumed
	a.mu.Unlock()
	a.log.Info("resumed thread", zap.String("thread_id", resumed))
	return nil
}

// SendMessage starts a turn with the given user text.
func (a *Adapter) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	thread := a.threadID
	a.mu.Unlock()
	if thread == "" {
		return fmt.Errorf("must call Start or StartResume first")
	}
	reqID := a.nextID()
	if err := a.sendRequest(reqID, "turn/start", map[string]any{
		"threadId": thread,
		"input":    []map[string]any{{"type": "text", "text": text}},
	}); err != nil {
		return err
	}
	a.log.Info("turn/start sent",
		zap.Int64("id", reqID),
		zap.String("thread_id", thread),
		zap.Int("chars", len(text)))
	return nil
}

// ReadEvents consumes notifications until turn/completed, emitting translated
// events along the way.
func (a *Adapter) ReadEvents(ctx context.Context, emit protocol.Emitter) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := a.readLine()
		if msg == nil {
			return fmt.Errorf("codex process ended before turn/completed")
		}

		// Responses to our own requests carry no turn events.
		if msg.isResponse() {
			continue
		}

		done, err := a.handleNotification(msg, emit)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (a *Adapter) handleNotification(msg *rpcMessage, emit protocol.Emitter) (bool, error) {
	params := decodeParams(msg.Params)

	switch msg.Method {
	case "turn/started":
		if turn, ok := params["turn"].(map[string]any); ok {
			if tid, ok := turn["id"].(string); ok {
				a.mu.Lock()
				a.turnID = tid
				a.mu.Unlock()
			}
		}
		return false, nil

	case "turn/completed":
		var status, errMessage string
		if turn, ok := params["turn"].(map[string]any); ok {
			status, _ = turn["status"].(string)
			if turnErr, ok := turn["error"].(map[string]any); ok {
				errMessage, _ = turnErr["message"].(string)
			}
		}
		success := status == "" || status == "completed"
		if !success && errMessage == "" {
			errMessage = status
		}
		a.mu.Lock()
		a.turnID = ""
		thread := a.threadID
		a.mu.Unlock()
		a.log.Info("turn/completed",
			zap.String("thread_id", thread),
			zap.String("status", status))
		return true, emit(protocol.TurnComplete{
			SessionID: thread,
			Success:   success,
			Error:     errMessage,
		})

	case "item/agentMessage/delta":
		if delta, _ := params["delta"].(string); delta != "" {
			return false, emit(protocol.TextDelta{Text: delta})
		}
		return false, nil

	case "item/reasoning/textDelta", "item/reasoning/summaryTextDelta", "item/plan/delta":
		if delta, _ := params["delta"].(string); delta != "" {
			return false, emit(protocol.ThinkingDelta{Text: delta})
		}
		return false, nil

	case "item/commandExecution/outputDelta":
		if delta, _ := params["delta"].(string); delta != "" {
			return false, emit(protocol.ToolOutput{ToolName: "Run", Text: protocol.Truncate(delta, 500)})
		}
		return false, nil

	case "item/commandExecution/terminalInteraction":
		if output, _ := params["output"].(string); output != "" {
			return false, emit(protocol.ToolOutput{ToolName: "Run", Text: protocol.Truncate(output, 500)})
		}
		return false, nil

	case "item/fileChange/outputDelta":
		if delta, _ := params["delta"].(string); delta != "" {
			return false, emit(protocol.ToolOutput{ToolName: "Write", Text: protocol.Truncate(delta, 500)})
		}
		return false, nil

	case "item/mcpToolCall/progress":
		if message, _ := params["message"].(string); message != "" {
			return false, emit(protocol.ToolBadge{Label: "MCP", Detail: protocol.Truncate(message, 80)})
		}
		return false, nil

	case "item/started":
		item, _ := params["item"].(map[string]any)
		return false, a.handleItemStarted(item, emit)

	case "item/completed":
		item, _ := params["item"].(map[string]any)
		return false, a.handleItemCompleted(item, emit)

	case "error":
		if errObj, ok := params["error"].(map[string]any); ok {
			msg, _ := errObj["message"].(string)
			a.log.Warn("error notification", zap.String("message", msg))
		}
		return false, nil

	case "item/reasoning/summaryPartAdded",
		"thread/started", "thread/name/updated",
		"thread/tokenUsage/updated", "thread/compacted",
		"turn/diff/updated", "turn/plan/updated",
		"account/updated", "account/rateLimits/updated",
		"account/login/completed", "configWarning",
		"deprecationNotice", "sessionConfigured",
		"mcpServer/oauthLogin/completed",
		"authStatusChange", "loginChatGptComplete",
		"rawResponseItem/completed",
		"windows/worldWritableWarning":
		return false, nil
	}

	if msg.Method != "" {
		a.log.Debug("unhandled method", zap.String("method", msg.Method))
	}
	return false, nil
}

func (a *Adapter) handleItemStarted(item map[string]any, emit protocol.Emitter) error {
	if item == nil {
		return nil
	}
	itype, _ := item["type"].(string)
	switch itype {
	case "commandExecution":
		cmd, _ := item["command"].(string)
		return emit(protocol.ToolBadge{Label: "Run", Detail: shortCommand(cmd)})
	case "mcpToolCall":
		return emit(protocol.ToolBadge{Label: "MCP", Detail: mcpLabel(item)})
	case "webSearch":
		query, _ := item["query"].(string)
		return emit(protocol.ToolBadge{Label: "Search", Detail: protocol.Truncate(query, 80)})
	case "reasoning":
		return emit(protocol.ToolBadge{Label: "Thinking"})
	case "fileChange":
		changes, _ := item["changes"].([]any)
		if len(changes) == 0 {
			return emit(protocol.ToolBadge{Label: "Write"})
		}
		return emitFileChanges(changes, emit)
	case "plan":
		return emit(protocol.ToolBadge{Label: "Planning"})
	case "collabAgentToolCall":
		tool, _ := item["tool"].(string)
		return emit(protocol.ToolBadge{Label: "Agent", Detail: tool})
	case "contextCompaction":
		return emit(protocol.ToolBadge{Label: "Compacting"})
	case "imageView":
		path, _ := item["path"].(string)
		return emit(protocol.ToolBadge{Label: "Image", Detail: protocol.ShortPath(path)})
	case "agentMessage", "userMessage":
		return nil
	}
	a.log.Debug("unhandled item/started", zap.String("type", itype))
	return nil
}

func (a *Adapter) handleItemCompleted(item map[string]any, emit protocol.Emitter) error {
	if item == nil {
		return nil
	}
	itype, _ := item["type"].(string)
	switch itype {
	case "agentMessage", "plan":
		// Text already streamed via deltas.
		return nil
	case "reasoning":
		// Summary already streamed via deltas; emit the final text if present.
		parts := stringList(item["summary"])
		if len(parts) == 0 {
			parts = stringList(item["content"])
		}
		if text := strings.Join(parts, "\n"); text != "" {
			return emit(protocol.ThinkingDelta{Text: text})
		}
		return nil
	case "commandExecution":
		cmd, _ := item["command"].(string)
		return emit(protocol.ToolBadge{Label: "Run", Detail: shortCommand(cmd)})
	case "fileChange":
		changes, _ := item["changes"].([]any)
		return emitFileChanges(changes, emit)
	case "mcpToolCall":
		return emit(protocol.ToolBadge{Label: "MCP", Detail: mcpLabel(item)})
	case "webSearch":
		query, _ := item["query"].(string)
		return emit(protocol.ToolBadge{Label: "Search", Detail: protocol.Truncate(query, 80)})
	case "collabAgentToolCall":
		tool, _ := item["tool"].(string)
		return emit(protocol.ToolBadge{Label: "Agent", Detail: tool})
	}
	return nil
}

// Cancel interrupts the current turn.
func (a *Adapter) Cancel(ctx context.Context) error {
	a.mu.Lock()
	thread, turn := a.threadID, a.turnID
	a.mu.Unlock()
	if thread == "" {
		return nil
	}
	params := map[string]any{"threadId": thread}
	if turn != "" {
		params["turnId"] = turn
	} else {
		a.log.Warn("cancel called without turnId, sending threadId only")
	}
	return a.sendRequest(a.nextID(), "turn/interrupt", params)
}

// Shutdown requests a clean exit from the app-server.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if err := a.sendRequest(a.nextID(), "shutdown", map[string]any{}); err != nil {
		return err
	}
	return a.sendNotification("exit", nil)
}

// RespondToPermission is a no-op: approvals are handled through the
// approvalPolicy set at thread start.
func (a *Adapter) RespondToPermission(ctx context.Context, resp protocol.PermissionResponse) error {
	return nil
}

// SessionID returns the current thread id.
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

func decodeParams(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return map[string]any{}
	}
	return params
}

// shortCommand strips the shell wrapper from `sh -lc '...'` invocations and
// caps the result for badge display.
func shortCommand(cmd string) string {
	if idx := strings.Index(cmd, " -lc "); idx >= 0 {
		cmd = strings.Trim(strings.TrimSpace(cmd[idx+len(" -lc "):]), `'"`)
	}
	if len(cmd) > 80 {
		return cmd[:80] + "..."
	}
	return cmd
}

func mcpLabel(item map[string]any) string {
	tool, _ := item["tool"].(string)
	server, _ := item["server"].(string)
	label := tool
	if server != "" {
		label = server + "/" + tool
	}
	return protocol.Truncate(label, 80)
}

// fileChangeLabel maps a PatchChangeKind (object with a "type" field, or a
// legacy string) to a badge label.
func fileChangeLabel(kind any) string {
	t := "update"
	switch k := kind.(type) {
	case map[string]any:
		if kt, ok := k["type"].(string); ok {
			t = kt
		}
	case string:
		t = k
	}
	if t == "add" {
		return "Write"
	}
	return "Update"
}

func emitFileChanges(changes []any, emit protocol.Emitter) error {
	for _, raw := range changes {
		ch, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		path, _ := ch["path"].(string)
		if err := emit(protocol.ToolBadge{
			Label:  fileChangeLabel(ch["kind"]),
			Detail: protocol.ShortPath(path),
		}); err != nil {
			return err
		}
	}
	return nil
}

func stringList(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
