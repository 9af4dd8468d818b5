// Package kimi implements the wire-mode protocol for the Kimi CLI.
//
// Wire format: JSON-RPC 2.0 over newline-delimited JSON on stdio. We send
// requests (initialize, prompt, cancel); the CLI sends notifications wrapped
// as "event" (TurnBegin, TurnEnd, StepBegin, ContentPart, ToolCall, ...) and
// "request" messages (ApprovalRequest, ToolCallRequest) that must be answered
// or the turn blocks forever.
package kimi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/protocol"
)

const maxLineSize = 10 * 1024 * 1024

// Adapter speaks the Kimi wire protocol over an attached subprocess.
type Adapter struct {
	mu      sync.Mutex
	stdin   protocol.StdinWriter
	scanner *bufio.Scanner
	log     *logger.Logger

	idCounter    int64
	lastPromptID string
	initialized  bool
	sessionID    string

	permissionMode    string
	permissionTimeout time.Duration

	permMu  sync.Mutex
	pending map[string]chan protocol.PermissionResponse
}

// New creates a Kimi adapter. permissionMode "bypass" auto-approves tool
// requests; any other mode surfaces PermissionRequest events and waits up to
// permissionTimeout for a decision, denying on timeout.
func New(permissionMode string, permissionTimeout time.Duration, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	return &Adapter{
		permissionMode:    permissionMode,
		permissionTimeout: permissionTimeout,
		pending:           make(map[string]chan protocol.PermissionResponse),
		log:               log.WithFields(zap.String("component", "kimi-proto")),
	}
}

// Attach wires the adapter to a live subprocess's pipes.
func (a *Adapter) Attach(stdin protocol.StdinWriter, stdout protocol.StdoutReader) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stdin = stdin
	a.scanner = bufio.NewScanner(stdout)
	a.scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	a.initialized = false
}

// RespondToPermission resolves a pending approval request.
func (a *Adapter) RespondToPermission(ctx context.Context, resp protocol.PermissionResponse) error {
	a.permMu.Lock()
	ch, ok := a.pending[resp.RequestID]
	if ok {
		delete(a.pending, resp.RequestID)
	}
	a.permMu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
	return nil
}

func (a *Adapter) nextID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.idCounter++
	return strconv.FormatInt(a.idCounter, 10)
}

func (a *Adapter) sendRPC(method string, params any) (string, error) {
	reqID := a.nextID()
	msg := map[string]any{"jsonrpc": "2.0", "id": reqID, "method": method}
	if params != nil {
		msg["params"] = params
	}
	return reqID, a.writeJSON(msg)
}

// sendResponse answers a wire request from the CLI, echoing its id verbatim.
func (a *Adapter) sendResponse(reqID any, result any) error {
	return a.writeJSON(map[string]any{"jsonrpc": "2.0", "id": reqID, "result": result})
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

// readObject reads the next JSON object from stdout, stripping ANSI escapes
// first. Unparseable lines are skipped. Returns nil at EOF.
func (a *Adapter) readObject() map[string]any {
	for a.scanner.Scan() {
		line := protocol.StripANSI(a.scanner.Text())
		if strings.TrimSpace(line) == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			a.log.Debug("json parse failed", zap.String("line", protocol.Truncate(line, 200)))
			continue
		}
		return obj
	}
	return nil
}

// Start runs the initialize exchange. Idempotent.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	done := a.initialized
	a.mu.Unlock()
	if done {
		return nil
	}
	reqID, err := a.sendRPC("initialize", map[string]any{
		"protocol_version": "1.2",
		"client":           map[string]any{"name": "multiagents", "version": "1.0.0"},
	})
	if err != nil {
		return err
	}
	resp, err := a.waitForResponse(ctx, reqID, 10*time.Second)
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("kimi initialize timed out")
	}
	if errObj, ok := resp["error"]; ok {
		return fmt.Errorf("kimi initialize error: %v", errObj)
	}
	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()
	a.log.Info("initialized wire protocol")
	return nil
}

// StartResume records the session id and runs the same handshake. Resume
// itself happens through the CLI's --session flag at spawn time.
func (a *Adapter) StartResume(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	a.sessionID = sessionID
	a.mu.Unlock()
	return a.Start(ctx)
}

func (a *Adapter) waitForResponse(ctx context.Context, expectedID string, timeout time.Duration) (map[string]any, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		obj := a.readObject()
		if obj == nil {
			return nil, nil
		}
		_, hasResult := obj["result"]
		_, hasError := obj["error"]
		if idString(obj["id"]) == expectedID && (hasResult || hasError) {
			return obj, nil
		}
	}
}

// SendMessage submits a prompt request, initializing first if needed.
func (a *Adapter) SendMessage(ctx context.Context, text string) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	a.log.Info("send prompt", zap.Int("chars", len(text)))
	promptID, err := a.sendRPC("prompt", map[string]any{"user_input": text})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.lastPromptID = promptID
	a.mu.Unlock()
	return nil
}

// ReadEvents consumes wire notifications until the turn completes. A turn can
// end three ways: an explicit TurnEnd event, the RPC response to our prompt,
// or EOF after text was streamed (some builds drop the completion marker).
func (a *Adapter) ReadEvents(ctx context.Context, emit protocol.Emitter) error {
	var streamed strings.Builder
	var rpcError any

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj := a.readObject()
		if obj == nil {
			break
		}

		method := strings.ToLower(stringField(obj, "method"))
		params, _ := obj["params"].(map[string]any)

		// Event notifications carry typed payloads in a wrapper.
		if method == "event" && params != nil {
			method = strings.ToLower(stringField(params, "type"))
			if payload, ok := params["payload"].(map[string]any); ok {
				params = payload
			} else {
				params = map[string]any{}
			}
		}

		if method == "request" && params != nil {
			if err := a.handleWireRequest(ctx, obj, params, emit); err != nil {
				return err
			}
			continue
		}

		switch method {
		case "turnbegin", "turn_begin", "turn/begin":
			continue

		case "stepbegin", "step_begin", "step/begin":
			if n := anyString(params["n"]); n != "" {
				if err := emit(protocol.ToolBadge{Label: "Step", Detail: n}); err != nil {
					return err
				}
			}
			continue

		case "stepinterrupted", "step_interrupted", "step/interrupted":
			a.log.Info("step interrupted")
			if err := emit(protocol.ToolBadge{Label: "Interrupted"}); err != nil {
				return err
			}
			continue

		case "compactionbegin", "compaction_begin", "compaction/begin":
			if err := emit(protocol.ToolBadge{Label: "Compacting"}); err != nil {
				return err
			}
			continue

		case "compactionend", "compaction_end", "compaction/end":
			if err := emit(protocol.ToolBadge{Label: "Compacted", Detail: "done"}); err != nil {
				return err
			}
			continue

		case "statusupdate", "status_update", "status/update":
			continue

		case "toolcall", "tool_call", "tool/call":
			if err := emitToolCall(params, emit); err != nil {
				return err
			}
			continue

		case "toolcallpart", "tool_call_part", "tool/call/part":
			if fn, ok := params["function"].(map[string]any); ok {
				if delta := stringField(fn, "arguments"); delta != "" {
					if err := emit(protocol.ToolOutput{ToolName: "args", Text: protocol.Truncate(delta, 500)}); err != nil {
						return err
					}
				}
			}
			continue

		case "toolresult", "tool_result", "tool/result":
			isErr := false
			output := ""
			if ret, ok := params["return_value"].(map[string]any); ok {
				isErr, _ = ret["is_error"].(bool)
				output = anyString(ret["output"])
			}
			if err := emit(protocol.ToolResult{
				ToolName: stringField(params, "tool_call_id"),
				Success:  !isErr,
				Output:   protocol.Truncate(output, 300),
			}); err != nil {
				return err
			}
			continue

		case "approvalresponse", "approval_response", "approval/response":
			continue

		case "subagentevent", "subagent_event", "subagent/event":
			subType := ""
			if sub, ok := params["event"].(map[string]any); ok {
				subType = stringField(sub, "type")
			}
			if err := emit(protocol.ToolBadge{Label: "Subagent", Detail: protocol.Truncate(subType, 40)}); err != nil {
				return err
			}
			continue

		case "contentpart", "content_part", "content/part":
			part := params
			if p, ok := params["part"].(map[string]any); ok {
				part = p
			}
			if err := a.emitContentPart(part, &streamed, emit); err != nil {
				return err
			}
			continue

		case "turnend", "turn/end", "turn_completed", "turncompleted":
			text := resultText(params["result"])
			if sid := stringField(params, "session_id"); sid != "" {
				a.setSessionID(sid)
			} else if sid := stringField(params, "sessionId"); sid != "" {
				a.setSessionID(sid)
			}
			a.log.Info("turn complete", zap.String("via", method), zap.String("session_id", a.SessionID()))
			return emit(protocol.TurnComplete{Text: text, SessionID: a.SessionID(), Success: true})
		}

		// JSON-RPC response to one of our requests.
		if result, ok := obj["result"]; ok {
			if resMap, ok := result.(map[string]any); ok {
				if sid := stringField(resMap, "session_id"); sid != "" {
					a.setSessionID(sid)
				}
				if sid := stringField(resMap, "sessionId"); sid != "" {
					a.setSessionID(sid)
				}
			}
			a.mu.Lock()
			lastPrompt := a.lastPromptID
			a.mu.Unlock()
			if lastPrompt != "" && idString(obj["id"]) == lastPrompt {
				a.log.Info("prompt completed via rpc result", zap.String("session_id", a.SessionID()))
				return emit(protocol.TurnComplete{Text: streamed.String(), SessionID: a.SessionID(), Success: true})
			}
			continue
		}
		if errObj, ok := obj["error"]; ok {
			rpcError = errObj
			a.mu.Lock()
			lastPrompt := a.lastPromptID
			a.mu.Unlock()
			if lastPrompt == "" || idString(obj["id"]) == lastPrompt {
				return fmt.Errorf("kimi prompt rpc error: %v", errObj)
			}
			continue
		}

		// Fallback: some builds emit stream-json style assistant objects.
		if stringField(obj, "type") == "text" {
			if text := protocol.StripANSI(stringField(obj, "text")); text != "" {
				streamed.WriteString(text)
				if err := emit(protocol.TextDelta{Text: text}); err != nil {
					return err
				}
			}
			continue
		}
		if stringField(obj, "role") == "assistant" {
			if err := a.emitAssistantContent(obj, &streamed, emit); err != nil {
				return err
			}
			continue
		}
		switch strings.ToLower(stringField(obj, "type")) {
		case "turnend", "turn_end", "done", "result":
			text := resultText(obj["result"])
			if sid := stringField(obj, "session_id"); sid != "" {
				a.setSessionID(sid)
			} else if sid := stringField(obj, "sessionId"); sid != "" {
				a.setSessionID(sid)
			}
			return emit(protocol.TurnComplete{Text: text, SessionID: a.SessionID(), Success: true})
		}
	}

	if rpcError != nil {
		return fmt.Errorf("kimi rpc error: %v", rpcError)
	}
	if streamed.Len() > 0 {
		// Stream ended without an explicit TurnEnd; complete from streamed text.
		a.log.Warn("eof without completion marker, using streamed text")
		return emit(protocol.TurnComplete{Text: streamed.String(), SessionID: a.SessionID(), Success: true})
	}
	return fmt.Errorf("kimi process ended before TurnEnd")
}

// handleWireRequest answers ApprovalRequest and ToolCallRequest messages.
// Every wire request must get a response or the turn can block forever.
func (a *Adapter) handleWireRequest(ctx context.Context, obj map[string]any, params map[string]any, emit protocol.Emitter) error {
	reqID, hasID := obj["id"]
	if !hasID {
		return nil
	}
	reqType := stringField(params, "type")
	payload, _ := params["payload"].(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}

	switch reqType {
	case "ApprovalRequest":
		responseID := stringField(payload, "id")
		if responseID == "" {
			responseID = stringField(payload, "request_id")
		}
		if a.permissionMode == "bypass" {
			if err := a.sendResponse(reqID, map[string]any{"request_id": responseID, "response": "approve"}); err != nil {
				return err
			}
			a.log.Info("auto-approved request", zap.String("request_id", responseID))
			return emit(protocol.ToolBadge{Label: "Approved"})
		}

		// Register the channel before emitting so a fast RespondToPermission
		// call cannot race and get silently dropped.
		ch := make(chan protocol.PermissionResponse, 1)
		a.permMu.Lock()
		a.pending[responseID] = ch
		a.permMu.Unlock()

		if err := emit(protocol.PermissionRequest{
			RequestID:   responseID,
			ToolName:    stringFieldOr(payload, "action", "unknown"),
			ToolInput:   payload,
			Description: stringField(payload, "description"),
		}); err != nil {
			return err
		}

		decision := "reject" // fail-closed on timeout
		var timeout <-chan time.Time
		if a.permissionTimeout > 0 {
			t := time.NewTimer(a.permissionTimeout)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case resp := <-ch:
			if resp.Approved {
				decision = "approve"
			}
		case <-timeout:
			a.permMu.Lock()
			delete(a.pending, responseID)
			a.permMu.Unlock()
			a.log.Warn("permission timed out, denying request", zap.String("request_id", responseID))
		case <-ctx.Done():
			a.permMu.Lock()
			delete(a.pending, responseID)
			a.permMu.Unlock()
			return ctx.Err()
		}
		if err := a.sendResponse(reqID, map[string]any{"request_id": responseID, "response": decision}); err != nil {
			return err
		}
		label := "Denied"
		if decision == "approve" {
			label = "Approved"
		}
		return emit(protocol.ToolBadge{Label: label})

	case "ToolCallRequest":
		toolCallID := stringField(payload, "id")
		if toolCallID == "" {
			toolCallID = stringField(payload, "tool_call_id")
		}
		a.log.Info("rejected external tool request", zap.String("tool_call_id", toolCallID))
		return a.sendResponse(reqID, map[string]any{
			"tool_call_id": toolCallID,
			"return_value": map[string]any{
				"is_error": true,
				"output":   "",
				"message":  "external tool bridge not configured",
				"display":  []any{},
			},
		})

	default:
		a.log.Info("acknowledged request", zap.String("type", reqType))
		return a.sendResponse(reqID, map[string]any{"ok": true})
	}
}

func (a *Adapter) emitContentPart(part map[string]any, streamed *strings.Builder, emit protocol.Emitter) error {
	partType := strings.ToLower(stringField(part, "type"))
	_, hasFunction := part["function"]
	switch {
	case partType == "text":
		text := stringField(part, "text")
		if text == "" {
			text = stringField(part, "delta")
		}
		text = protocol.StripANSI(text)
		if text != "" {
			streamed.WriteString(text)
			return emit(protocol.TextDelta{Text: text})
		}
	case partType == "think" || partType == "thinking":
		text := stringField(part, "think")
		if text == "" {
			text = stringField(part, "thinking")
		}
		if text != "" {
			return emit(protocol.ThinkingDelta{Text: text})
		}
	case partType == "tool_call" || partType == "toolcall" || hasFunction:
		return emitToolCall(part, emit)
	case partType == "image_url" || partType == "audio_url" || partType == "video_url":
		a.log.Debug("media content part", zap.String("type", partType))
	case partType != "":
		a.log.Debug("unhandled content part", zap.String("type", partType))
	}
	return nil
}

func (a *Adapter) emitAssistantContent(obj map[string]any, streamed *strings.Builder, emit protocol.Emitter) error {
	content, _ := obj["content"].([]any)
	for _, raw := range content {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch strings.ToLower(stringField(part, "type")) {
		case "text":
			if text := protocol.StripANSI(stringField(part, "text")); text != "" {
				streamed.WriteString(text)
				if err := emit(protocol.TextDelta{Text: text}); err != nil {
					return err
				}
			}
		case "think", "thinking":
			thinking := stringField(part, "think")
			if thinking == "" {
				thinking = stringField(part, "thinking")
			}
			if thinking != "" {
				if err := emit(protocol.ThinkingDelta{Text: thinking}); err != nil {
					return err
				}
			}
		case "tool_call", "toolcall":
			if err := emitToolCall(part, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

// emitToolCall turns a function-call payload into a badge. Arguments arrive
// as a JSON-encoded string.
func emitToolCall(params map[string]any, emit protocol.Emitter) error {
	fn, _ := params["function"].(map[string]any)
	if fn == nil {
		return nil
	}
	name := stringField(fn, "name")
	var args map[string]any
	if rawArgs := stringField(fn, "arguments"); rawArgs != "" {
		_ = json.Unmarshal([]byte(rawArgs), &args)
	}
	return emit(protocol.ToolBadge{Label: name, Detail: protocol.ExtractToolDetail(args)})
}

// Cancel sends a cancel request for the in-flight prompt.
func (a *Adapter) Cancel(ctx context.Context) error {
	_, err := a.sendRPC("cancel", nil)
	return err
}

// Shutdown closes stdin; the CLI exits on EOF.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return nil
	}
	return stdin.Close()
}

// SessionID returns the server-side session id, when reported.
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *Adapter) setSessionID(sid string) {
	a.mu.Lock()
	a.sessionID = sid
	a.mu.Unlock()
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func stringFieldOr(m map[string]any, key, fallback string) string {
	if v := stringField(m, key); v != "" {
		return v
	}
	return fallback
}

func anyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// idString normalizes a JSON-RPC id for comparison; ids arrive as strings or
// numbers depending on the peer.
func idString(v any) string {
	return anyString(v)
}

func resultText(result any) string {
	switch r := result.(type) {
	case string:
		return r
	case map[string]any:
		if text := stringField(r, "text"); text != "" {
			return text
		}
		return stringField(r, "content")
	}
	return ""
}
