package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiagents/multiagents/internal/agent"
	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/protocol"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

// scriptedAgent is a deterministic Streamer: it returns scripted responses in
// order, repeating the last one. Calls with index below blockCalls wait for
// cancellation and report a stopped turn.
type scriptedAgent struct {
	mu         sync.Mutex
	name       string
	script     []string
	prompts    []string
	sessionID  string
	blockCalls int
	permResps  []protocol.PermissionResponse
}

func (f *scriptedAgent) Stream(ctx context.Context, prompt string, timeout time.Duration, sink agent.Sink) agent.Response {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	idx := len(f.prompts) - 1
	text := "[PASS]"
	if len(f.script) > 0 {
		if idx < len(f.script) {
			text = f.script[idx]
		} else {
			text = f.script[len(f.script)-1]
		}
	}
	block := idx < f.blockCalls
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return agent.Response{Agent: f.name, Stopped: true}
	}
	if sink.OnChunk != nil {
		sink.OnChunk(text)
	}
	return agent.Response{Agent: f.name, Response: text, Success: true, SessionID: f.sessionID}
}

func (f *scriptedAgent) CancelTurn(ctx context.Context) error { return nil }

func (f *scriptedAgent) RespondToPermission(ctx context.Context, resp protocol.PermissionResponse) error {
	f.mu.Lock()
	f.permResps = append(f.permResps, resp)
	f.mu.Unlock()
	return nil
}

func (f *scriptedAgent) SessionID() string { return f.sessionID }

func (f *scriptedAgent) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *scriptedAgent) promptAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.prompts) {
		return ""
	}
	return f.prompts[i]
}

// eventLog collects emitted events across goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) count(eventType string) int {
	n := 0
	for _, ev := range l.snapshot() {
		if ev.EventType() == eventType {
			n++
		}
	}
	return n
}

func (l *eventLog) waitFor(t *testing.T, pred func(Event) bool, desc string) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		for _, ev := range l.snapshot() {
			if pred(ev) {
				found = ev
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, desc)
	return found
}

func roomConfig() RoomConfig {
	return RoomConfig{
		Timeout:      5 * time.Second,
		ParseTimeout: 5 * time.Second,
		DMDebounce:   50 * time.Millisecond,
	}
}

func TestRoomAllPassSettles(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha"}
	beta := &scriptedAgent{name: "beta"}
	room := NewRoom([]Member{
		{Name: "alpha", Type: "claude", Agent: alpha},
		{Name: "beta", Type: "codex", Agent: beta},
	}, roomConfig(), newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &eventLog{}
	done := make(chan struct{})
	go func() {
		room.Run(ctx, log.emit)
		close(done)
	}()

	room.InjectUserMessage("hello agents")

	log.waitFor(t, func(ev Event) bool {
		re, ok := ev.(RoundEnded)
		return ok && re.AllPassed
	}, "round should settle with all agents passed")

	events := log.snapshot()
	var sawUser, sawStart bool
	acked := map[string]bool{}
	for _, ev := range events {
		switch e := ev.(type) {
		case UserMessageReceived:
			sawUser = true
			assert.Equal(t, "hello agents", e.Text)
		case RoundStarted:
			sawStart = true
			assert.ElementsMatch(t, []string{"alpha", "beta"}, e.Agents)
		case AgentDeliveryAcked:
			acked[e.Recipient] = true
			assert.Equal(t, "user", e.Sender)
		case AgentCompleted:
			assert.True(t, e.Passed)
		}
	}
	assert.True(t, sawUser)
	assert.True(t, sawStart)
	assert.True(t, acked["alpha"])
	assert.True(t, acked["beta"])

	history := room.History()
	require.Len(t, history, 3)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "[PASS]", history[1].Content)

	cancel()
	<-done
}

func TestRoomShareRelaysToPeers(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha", script: []string{"<Share>idea from alpha</Share>", "[PASS]"}}
	beta := &scriptedAgent{name: "beta"}
	room := NewRoom([]Member{
		{Name: "alpha", Type: "claude", Agent: alpha},
		{Name: "beta", Type: "codex", Agent: beta},
	}, roomConfig(), newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &eventLog{}
	done := make(chan struct{})
	go func() {
		room.Run(ctx, log.emit)
		close(done)
	}()

	room.InjectUserMessage("kick off")

	// Beta receives alpha's share as a second delivery and runs another turn.
	require.Eventually(t, func() bool {
		return beta.promptCount() >= 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, beta.promptAt(1), "idea from alpha")

	log.waitFor(t, func(ev Event) bool {
		_, ok := ev.(RoundEnded)
		return ok
	}, "round should settle")

	history := room.History()
	var sawShare bool
	for _, msg := range history {
		if msg.Role == "alpha" && msg.Content == "idea from alpha" {
			sawShare = true
		}
	}
	assert.True(t, sawShare, "shareable content should be folded into history")

	cancel()
	<-done
}

func TestRoomPrivateResponseNotRelayed(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha", script: []string{"no share tags here", "[PASS]"}}
	beta := &scriptedAgent{name: "beta"}
	room := NewRoom([]Member{
		{Name: "alpha", Type: "claude", Agent: alpha},
		{Name: "beta", Type: "codex", Agent: beta},
	}, roomConfig(), newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &eventLog{}
	done := make(chan struct{})
	go func() {
		room.Run(ctx, log.emit)
		close(done)
	}()

	room.InjectUserMessage("kick off")

	log.waitFor(t, func(ev Event) bool {
		_, ok := ev.(RoundEnded)
		return ok
	}, "round should settle")

	// Beta only ever saw the user message; the withheld response was not relayed.
	assert.Equal(t, 1, beta.promptCount())
	var placeholderRecorded bool
	for _, msg := range room.History() {
		if msg.Role == "alpha" && msg.Content == Placeholder {
			placeholderRecorded = true
		}
	}
	assert.True(t, placeholderRecorded)

	cancel()
	<-done
}

func TestRoomFirstPromptIncludesSessionContext(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha"}
	cfg := roomConfig()
	cfg.Participants = []Participant{{Name: "alpha", Type: "claude"}, {Name: "beta", Type: "codex"}}
	room := NewRoom([]Member{{Name: "alpha", Type: "claude", Role: "lead", Agent: alpha}}, cfg, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &eventLog{}
	done := make(chan struct{})
	go func() {
		room.Run(ctx, log.emit)
		close(done)
	}()

	room.InjectUserMessage("first")
	require.Eventually(t, func() bool { return alpha.promptCount() >= 1 }, 5*time.Second, 20*time.Millisecond)
	first := alpha.promptAt(0)
	assert.Contains(t, first, "You are alpha in a group chat")
	assert.Contains(t, first, "Your role: lead")

	log.waitFor(t, func(ev Event) bool { _, ok := ev.(RoundEnded); return ok }, "settle")
	room.InjectUserMessage("second")
	require.Eventually(t, func() bool { return alpha.promptCount() >= 2 }, 5*time.Second, 20*time.Millisecond)
	assert.NotContains(t, alpha.promptAt(1), "You are alpha in a group chat")

	cancel()
	<-done
}

func TestRoomStopRoundPausesUntilResume(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha", blockCalls: 1}
	room := NewRoom([]Member{{Name: "alpha", Type: "claude", Agent: alpha}}, roomConfig(), newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &eventLog{}
	done := make(chan struct{})
	go func() {
		room.Run(ctx, log.emit)
		close(done)
	}()

	room.InjectUserMessage("work on something")
	require.Eventually(t, func() bool { return alpha.promptCount() >= 1 }, 5*time.Second, 20*time.Millisecond)

	room.StopRound(true)

	stopped := log.waitFor(t, func(ev Event) bool {
		ac, ok := ev.(AgentCompleted)
		return ok && ac.Stopped
	}, "stopped completion should be emitted")
	assert.Equal(t, "alpha", stopped.(AgentCompleted).Agent)

	log.waitFor(t, func(ev Event) bool {
		_, ok := ev.(RoundPaused)
		return ok
	}, "room should pause after a stopped round")

	room.Resume()
	log.waitFor(t, func(ev Event) bool {
		rs, ok := ev.(RoundStarted)
		return ok && rs.Round >= 2
	}, "room should open the next round after resume")

	cancel()
	<-done
}

func TestRoomRestartAgentDeliversDM(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha"}
	room := NewRoom([]Member{{Name: "alpha", Type: "claude", Agent: alpha}}, roomConfig(), newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &eventLog{}
	done := make(chan struct{})
	go func() {
		room.Run(ctx, log.emit)
		close(done)
	}()

	room.RestartAgent("alpha", "look at the tests")
	room.RestartAgent("alpha", "and the docs")

	require.Eventually(t, func() bool { return alpha.promptCount() >= 1 }, 5*time.Second, 20*time.Millisecond)
	prompt := alpha.promptAt(0)
	assert.Contains(t, prompt, "## Direct Message from User")
	// Debounced DMs coalesce into one delivery.
	assert.Contains(t, prompt, "look at the tests\nand the docs")

	cancel()
	<-done
}

func TestRoomAddRemoveAgent(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha"}
	gamma := &scriptedAgent{name: "gamma"}
	room := NewRoom([]Member{{Name: "alpha", Type: "claude", Agent: alpha}}, roomConfig(), newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &eventLog{}
	done := make(chan struct{})
	go func() {
		room.Run(ctx, log.emit)
		close(done)
	}()

	room.InjectUserMessage("hello")
	log.waitFor(t, func(ev Event) bool { _, ok := ev.(RoundEnded); return ok }, "settle")

	room.AddAgent(Member{Name: "gamma", Type: "kimi", Agent: gamma})
	// The joiner is seeded with the last user message.
	require.Eventually(t, func() bool { return gamma.promptCount() >= 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, gamma.promptAt(0), "hello")
	require.Eventually(t, func() bool { return log.count("round_ended") >= 2 }, 5*time.Second, 20*time.Millisecond)

	room.RemoveAgent("gamma")
	time.Sleep(300 * time.Millisecond)
	room.InjectUserMessage("second message")
	require.Eventually(t, func() bool { return alpha.promptCount() >= 2 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return log.count("round_ended") >= 3 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, gamma.promptCount(), "removed agent should get no further deliveries")

	cancel()
	<-done
}

func TestRoomRespondToPermissionRoutes(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha"}
	beta := &scriptedAgent{name: "beta"}
	room := NewRoom([]Member{
		{Name: "alpha", Type: "claude", Agent: alpha},
		{Name: "beta", Type: "codex", Agent: beta},
	}, roomConfig(), newTestLogger())

	resp := protocol.PermissionResponse{RequestID: "r1", Approved: true}
	room.RespondToPermission(context.Background(), "alpha", resp)
	assert.Len(t, alpha.permResps, 1)
	assert.Empty(t, beta.permResps)

	// Unknown agent fans out to everyone.
	room.RespondToPermission(context.Background(), "unknown", resp)
	assert.Len(t, alpha.permResps, 2)
	assert.Len(t, beta.permResps, 1)
}
