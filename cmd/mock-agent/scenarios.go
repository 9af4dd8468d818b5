package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

var messageCounter int

func nextMessageID() string {
	messageCounter++
	return fmt.Sprintf("msg_%d_%d", os.Getpid(), messageCounter)
}

func emitSystemInit(enc *json.Encoder) {
	_ = enc.Encode(systemEvent{Type: "system", Subtype: "init", SessionID: sessionID})
}

// runScenario picks a canned response from keywords in the prompt:
//
//	"mock:error"    - error result
//	"mock:crash"    - exit mid-turn (no result event)
//	"mock:silent"   - never answer (idle timeout)
//	"mock:slow"     - 2s delay before answering
//	"mock:thinking" - thinking block before text
//	"mock:tool"     - tool_use + tool_result before text
//	"mock:pass"     - respond with [PASS]
//
// Anything else echoes a short acknowledgement.
func runScenario(enc *json.Encoder, prompt string) {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "mock:error"):
		_ = enc.Encode(resultEvent{
			Type: "result", Subtype: "error_during_execution",
			SessionID: sessionID, IsError: true, Result: "Simulated failure",
		})

	case strings.Contains(lower, "mock:crash"):
		os.Exit(1)

	case strings.Contains(lower, "mock:silent"):
		// No output: the caller's idle timeout has to fire.

	case strings.Contains(lower, "mock:slow"):
		time.Sleep(2 * time.Second)
		respondText(enc, "Slow response done.")

	case strings.Contains(lower, "mock:thinking"):
		id := nextMessageID()
		thinking := contentBlock{Type: "thinking", Thinking: "Considering the request."}
		text := contentBlock{Type: "text", Text: "Thought about it."}
		emitAssistant(enc, id, thinking)
		emitAssistant(enc, id, thinking, text)
		emitResult(enc, "Thought about it.")

	case strings.Contains(lower, "mock:tool"):
		id := nextMessageID()
		tool := contentBlock{Type: "tool_use", Name: "Read", Input: map[string]any{"file_path": "README.md"}}
		emitAssistant(enc, id, tool)
		toolResult := contentBlock{Type: "tool_result", Content: "file contents"}
		text := contentBlock{Type: "text", Text: "Read the file."}
		emitAssistant(enc, id, tool, toolResult, text)
		emitResult(enc, "Read the file.")

	case strings.Contains(lower, "mock:pass"):
		respondText(enc, "[PASS]")

	default:
		respondText(enc, "Acknowledged: "+truncate(prompt, 80))
	}
}

// respondText streams one text answer cumulatively, then the result.
func respondText(enc *json.Encoder, text string) {
	id := nextMessageID()
	half := len(text) / 2
	emitAssistant(enc, id, contentBlock{Type: "text", Text: text[:half]})
	emitAssistant(enc, id, contentBlock{Type: "text", Text: text})
	emitResult(enc, text)
}

// emitAssistant sends a cumulative assistant event: content carries every
// block seen so far in this message, matching the real CLI.
func emitAssistant(enc *json.Encoder, id string, blocks ...contentBlock) {
	_ = enc.Encode(assistantEvent{
		Type:      "assistant",
		SessionID: sessionID,
		Message:   &assistantMessage{ID: id, Content: blocks},
	})
}

func emitResult(enc *json.Encoder, text string) {
	_ = enc.Encode(resultEvent{
		Type: "result", Subtype: "success",
		SessionID: sessionID, Result: text,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
