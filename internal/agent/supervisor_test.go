package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiagents/multiagents/internal/protocol"
)

// scriptedAdapter plays back a fixed event stream for one subprocess attempt.
type scriptedAdapter struct {
	mu         sync.Mutex
	events     []protocol.AgentEvent
	readErr    error
	readDelay  time.Duration
	resumedID  string
	sessionID  string
	prompts    []string
	startCalls int
}

func (a *scriptedAdapter) Attach(stdin protocol.StdinWriter, stdout protocol.StdoutReader) {}

func (a *scriptedAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startCalls++
	return nil
}

func (a *scriptedAdapter) StartResume(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startCalls++
	a.resumedID = sessionID
	return nil
}

func (a *scriptedAdapter) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, text)
	return nil
}

func (a *scriptedAdapter) ReadEvents(ctx context.Context, emit protocol.Emitter) error {
	if a.readDelay > 0 {
		time.Sleep(a.readDelay)
	}
	for _, ev := range a.events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return a.readErr
}

func (a *scriptedAdapter) Cancel(ctx context.Context) error { return nil }

func (a *scriptedAdapter) Shutdown(ctx context.Context) error { return nil }

func (a *scriptedAdapter) RespondToPermission(ctx context.Context, resp protocol.PermissionResponse) error {
	return nil
}

func (a *scriptedAdapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// scriptedBuilder hands out one adapter per spawn and counts fresh versus
// resume spawns. The subprocess itself is an inert cat; all protocol traffic
// comes from the scripted adapters.
type scriptedBuilder struct {
	mu          sync.Mutex
	argv        []string
	adapters    []*scriptedAdapter
	next        int
	freshCalls  int
	resumeCalls int
	resumedIDs  []string
}

func (b *scriptedBuilder) Args() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freshCalls++
	return b.argv, nil
}

func (b *scriptedBuilder) ResumeArgs(sessionID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resumeCalls++
	b.resumedIDs = append(b.resumedIDs, sessionID)
	return b.argv, nil
}

func (b *scriptedBuilder) NewAdapter() protocol.Adapter {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.adapters[b.next]
	b.next++
	return a
}

func (b *scriptedBuilder) Cwd() (string, error) { return "", nil }

func (b *scriptedBuilder) Cleanup() {}

func (b *scriptedBuilder) counts() (fresh, resume int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freshCalls, b.resumeCalls
}

func collectEvents(events *[]protocol.AgentEvent, mu *sync.Mutex) protocol.Emitter {
	return func(ev protocol.AgentEvent) error {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, ev)
		return nil
	}
}

func TestSendAndStreamRetriesAfterCrash(t *testing.T) {
	crashed := &scriptedAdapter{readErr: assert.AnError}
	recovered := &scriptedAdapter{events: []protocol.AgentEvent{
		protocol.TextDelta{Text: "done"},
		protocol.TurnComplete{Text: "done", SessionID: "s2", Success: true},
	}}
	builder := &scriptedBuilder{argv: []string{"cat"}, adapters: []*scriptedAdapter{crashed, recovered}}
	sup := NewSupervisor("Ada", builder, nil, newTestLogger())
	defer sup.Shutdown(context.Background())

	var mu sync.Mutex
	var events []protocol.AgentEvent
	err := sup.SendAndStream(context.Background(), "hello", collectEvents(&events, &mu))
	require.NoError(t, err)

	// The restart notice precedes the retried attempt's output.
	require.GreaterOrEqual(t, len(events), 3)
	restarted, ok := events[0].(protocol.ProcessRestarted)
	require.True(t, ok)
	assert.Equal(t, 1, restarted.Retry)
	assert.Equal(t, protocol.TextDelta{Text: "done"}, events[1])

	assert.Equal(t, "s2", sup.SessionID())
	fresh, resume := builder.counts()
	assert.Equal(t, 2, fresh)
	assert.Equal(t, 0, resume)
	assert.Equal(t, []string{"hello"}, crashed.prompts)
	assert.Equal(t, []string{"hello"}, recovered.prompts)
}

func TestSendAndStreamInvalidResumeFallsBackToFresh(t *testing.T) {
	// Resume attempt dies with no result and no stderr: the stored session id
	// is invalid and the retry must spawn without it.
	rejected := &scriptedAdapter{readErr: assert.AnError}
	recovered := &scriptedAdapter{events: []protocol.AgentEvent{
		protocol.TurnComplete{Text: "ok", SessionID: "s2", Success: true},
	}}
	builder := &scriptedBuilder{argv: []string{"cat"}, adapters: []*scriptedAdapter{rejected, recovered}}
	sup := NewSupervisor("Ada", builder, nil, newTestLogger())
	sup.SetSessionID("stale-1")
	defer sup.Shutdown(context.Background())

	var mu sync.Mutex
	var events []protocol.AgentEvent
	err := sup.SendAndStream(context.Background(), "hello", collectEvents(&events, &mu))
	require.NoError(t, err)

	fresh, resume := builder.counts()
	assert.Equal(t, 1, resume)
	assert.Equal(t, 1, fresh)
	assert.Equal(t, []string{"stale-1"}, builder.resumedIDs)
	assert.Equal(t, "stale-1", rejected.resumedID)
	assert.Equal(t, 1, recovered.startCalls)
	assert.Equal(t, "", recovered.resumedID) // fresh handshake, not resume
	assert.Equal(t, "s2", sup.SessionID())
}

func TestSendAndStreamKeepsSessionWhenCrashHasStderr(t *testing.T) {
	// A resumed process that wrote stderr crashed for some other reason; the
	// session id stays and the retry resumes again.
	crashed := &scriptedAdapter{readErr: assert.AnError, readDelay: 300 * time.Millisecond}
	recovered := &scriptedAdapter{events: []protocol.AgentEvent{
		protocol.TurnComplete{Text: "ok", SessionID: "s1", Success: true},
	}}
	builder := &scriptedBuilder{
		argv:     []string{"sh", "-c", "echo transient failure >&2; exec cat"},
		adapters: []*scriptedAdapter{crashed, recovered},
	}
	sup := NewSupervisor("Ada", builder, nil, newTestLogger())
	sup.SetSessionID("s1")
	defer sup.Shutdown(context.Background())

	var mu sync.Mutex
	var events []protocol.AgentEvent
	err := sup.SendAndStream(context.Background(), "hello", collectEvents(&events, &mu))
	require.NoError(t, err)

	_, resume := builder.counts()
	assert.Equal(t, 2, resume)
	assert.Equal(t, []string{"s1", "s1"}, builder.resumedIDs)
}

func TestSendAndStreamGivesUpAfterContextCancel(t *testing.T) {
	crashed := &scriptedAdapter{readErr: assert.AnError}
	builder := &scriptedBuilder{argv: []string{"cat"}, adapters: []*scriptedAdapter{crashed, crashed, crashed, crashed}}
	sup := NewSupervisor("Ada", builder, nil, newTestLogger())
	defer sup.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	var mu sync.Mutex
	var events []protocol.AgentEvent
	err := sup.SendAndStream(ctx, "hello", collectEvents(&events, &mu))
	require.Error(t, err)
}
