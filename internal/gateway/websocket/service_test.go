package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiagents/multiagents/internal/agent"
	"github.com/multiagents/multiagents/internal/events/bus"
	"github.com/multiagents/multiagents/internal/protocol"
	"github.com/multiagents/multiagents/internal/session"
	ws "github.com/multiagents/multiagents/pkg/websocket"
)

// passingAgent answers every turn with [PASS] so discussions settle fast.
type passingAgent struct {
	mu      sync.Mutex
	name    string
	prompts []string
}

func (f *passingAgent) Stream(ctx context.Context, prompt string, timeout time.Duration, sink agent.Sink) agent.Response {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return agent.Response{Agent: f.name, Response: "[PASS]", Success: true, LatencyMS: 1}
}

func (f *passingAgent) CancelTurn(ctx context.Context) error { return nil }
func (f *passingAgent) RespondToPermission(ctx context.Context, resp protocol.PermissionResponse) error {
	return nil
}
func (f *passingAgent) SessionID() string          { return "" }
func (f *passingAgent) Shutdown(ctx context.Context) {}

type serviceFixture struct {
	store      session.Store
	runner     *session.Runner
	bus        *bus.MemoryBus
	dispatcher *ws.Dispatcher

	mu    sync.Mutex
	specs []agent.Spec
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	store := session.NewMemoryStore(0)
	eventBus := bus.NewMemoryBus(newTestLogger())
	runner := session.NewRunner(store, nil, eventBus, session.RunnerConfig{
		Timeout:      5 * time.Second,
		ParseTimeout: 5 * time.Second,
		WarmupTTL:    time.Hour,
	}, newTestLogger())
	f := &serviceFixture{store: store, runner: runner, bus: eventBus, dispatcher: ws.NewDispatcher()}
	runner.SetFactory(func(spec agent.Spec) (session.RoomAgent, error) {
		f.mu.Lock()
		f.specs = append(f.specs, spec)
		f.mu.Unlock()
		return &passingAgent{name: spec.Name}, nil
	})
	NewService(runner, store, eventBus, newTestLogger()).RegisterHandlers(f.dispatcher)
	return f
}

func (f *serviceFixture) createSession(t *testing.T, names ...string) *session.Session {
	t.Helper()
	personas := make([]session.AgentPersona, 0, len(names))
	for _, n := range names {
		personas = append(personas, session.AgentPersona{Name: n, Type: "claude"})
	}
	sess, err := f.store.CreateSession(context.Background(), personas, "", nil)
	require.NoError(t, err)
	return sess
}

func (f *serviceFixture) specNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.specs))
	for _, s := range f.specs {
		out = append(out, s.Name)
	}
	return out
}

func TestRegisterHandlersCoversControlTypes(t *testing.T) {
	f := newServiceFixture(t)
	for _, msgType := range []string{
		ws.TypeCreateSession, ws.TypeMessage, ws.TypeStopAgent, ws.TypeStopRound,
		ws.TypeResume, ws.TypeCancel, ws.TypeDirectMessage, ws.TypeAddAgent,
		ws.TypeRemoveAgent, ws.TypePermissionResponse, ws.TypeCardCreate,
		ws.TypeCardUpdate, ws.TypeCardDelete, ws.TypeCardList, ws.TypeCardStart,
		ws.TypeCardDelegate, ws.TypeCardDone,
	} {
		assert.True(t, f.dispatcher.HasHandler(msgType), msgType)
	}
	// join_session and ack are connection-bound and stay out of the dispatcher.
	assert.False(t, f.dispatcher.HasHandler(ws.TypeJoinSession))
	assert.False(t, f.dispatcher.HasHandler(ws.TypeAck))
}

func TestCreateSessionHandler(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	out, err := f.dispatcher.Dispatch(ctx, "", &ws.ClientMessage{Type: ws.TypeCreateSession})
	require.NoError(t, err)
	assert.Equal(t, ws.ErrorCodeValidation, out["code"])

	out, err = f.dispatcher.Dispatch(ctx, "", &ws.ClientMessage{
		Type:   ws.TypeCreateSession,
		Agents: []ws.AgentSpec{{Name: "alpha", Type: "claude"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "session_created", out["type"])
	created := out["session"].(*session.Session)
	loaded, err := f.store.GetSession(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "alpha", loaded.Agents[0].Name)
}

func TestMessageHandlerStartsDiscussion(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, "alpha")

	out, err := f.dispatcher.Dispatch(ctx, sess.ID, &ws.ClientMessage{Type: ws.TypeMessage})
	require.NoError(t, err)
	assert.Equal(t, ws.ErrorCodeValidation, out["code"])

	_, err = f.dispatcher.Dispatch(ctx, sess.ID, &ws.ClientMessage{Type: ws.TypeMessage, Text: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !f.runner.IsRunning(sess.ID) }, 5*time.Second, 20*time.Millisecond)
	msgs, err := f.store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "[PASS]", msgs[len(msgs)-1].Content)
}

func TestDirectMessageIdleRunsTargetOnly(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, "alpha", "beta")

	_, err := f.dispatcher.Dispatch(ctx, sess.ID, &ws.ClientMessage{
		Type: ws.TypeDirectMessage, Agent: "beta", Text: "just you",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !f.runner.IsRunning(sess.ID) }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"beta"}, f.specNames())
}

func TestAddAndRemoveAgentHandlers(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, "alpha")

	out, err := f.dispatcher.Dispatch(ctx, sess.ID, &ws.ClientMessage{
		Type: ws.TypeAddAgent, Name: "beta", AgentType: "codex", Role: "reviewer",
	})
	require.NoError(t, err)
	assert.Equal(t, "agent_added", out["type"])
	loaded, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Agents, 2)
	assert.Equal(t, "codex", loaded.Agents[1].Type)

	out, err = f.dispatcher.Dispatch(ctx, sess.ID, &ws.ClientMessage{
		Type: ws.TypeAddAgent, Name: "beta", AgentType: "codex",
	})
	require.NoError(t, err)
	assert.Equal(t, ws.ErrorCodeValidation, out["code"])

	out, err = f.dispatcher.Dispatch(ctx, sess.ID, &ws.ClientMessage{Type: ws.TypeRemoveAgent, Name: "beta"})
	require.NoError(t, err)
	assert.Equal(t, "agent_removed", out["type"])
	loaded, err = f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Agents, 1)

	out, err = f.dispatcher.Dispatch(ctx, sess.ID, &ws.ClientMessage{Type: ws.TypeRemoveAgent, Name: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, ws.ErrorCodeNotFound, out["code"])
}

func TestCardHandlers(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, "alpha", "beta")

	out, err := f.dispatcher.Dispatch(ctx, sess.ID, &ws.ClientMessage{Type: ws.TypeCardCreate})
	require.NoError(t, err)
	assert.Equal(t, ws.ErrorCodeValidation, out["code"])

	_, err = f.dispatcher.Dispatch(ctx, sess.ID, &ws.ClientMessage{
		Type: ws.TypeCardCreate, Title: "Refactor config", Planner: "alpha",
	})
	require.NoError(t, err)

	out, err = f.dispatcher.Dispatch(ctx, sess.ID, &ws.ClientMessage{Type: ws.TypeCardList})
	require.NoError(t, err)
	listed := out["cards"].([]map[string]any)
	require.Len(t, listed, 1)
	assert.Equal(t, "Refactor config", listed[0]["title"])
	cardID := listed[0]["id"].(string)

	_, err = f.dispatcher.Dispatch(ctx, sess.ID, &ws.ClientMessage{
		Type: ws.TypeCardUpdate, CardID: cardID, Title: "Refactor settings",
	})
	require.NoError(t, err)
	saved, err := f.store.GetCards(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "Refactor settings", saved[0].Title)

	// Done is only reachable from reviewing, so the handler surfaces the error.
	_, err = f.dispatcher.Dispatch(ctx, sess.ID, &ws.ClientMessage{Type: ws.TypeCardDone, CardID: cardID})
	require.Error(t, err)

	_, err = f.dispatcher.Dispatch(ctx, sess.ID, &ws.ClientMessage{Type: ws.TypeCardDelete, CardID: cardID})
	require.NoError(t, err)
	saved, err = f.store.GetCards(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestSessionMutationsPublishLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var published []*bus.Event
	_, err := f.bus.Subscribe(bus.SessionLifecycleSubject, func(_ context.Context, ev *bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, ev)
	})
	require.NoError(t, err)

	out, err := f.dispatcher.Dispatch(ctx, "", &ws.ClientMessage{
		Type:   ws.TypeCreateSession,
		Agents: []ws.AgentSpec{{Name: "alpha", Type: "claude"}},
	})
	require.NoError(t, err)
	created := out["session"].(*session.Session)

	_, err = f.dispatcher.Dispatch(ctx, created.ID, &ws.ClientMessage{
		Type: ws.TypeAddAgent, Name: "beta", AgentType: "codex",
	})
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, created.ID, &ws.ClientMessage{Type: ws.TypeRemoveAgent, Name: "beta"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 3)
	assert.Equal(t, "session_created", published[0].Type)
	assert.Equal(t, created.ID, published[0].SessionID)
	assert.Equal(t, "agent_added", published[1].Type)
	assert.Equal(t, "beta", published[1].Data["name"])
	assert.Equal(t, "agent_removed", published[2].Type)
}

func TestPermissionResponseValidation(t *testing.T) {
	f := newServiceFixture(t)
	sess := f.createSession(t, "alpha")

	out, err := f.dispatcher.Dispatch(context.Background(), sess.ID, &ws.ClientMessage{Type: ws.TypePermissionResponse})
	require.NoError(t, err)
	assert.Equal(t, ws.ErrorCodeValidation, out["code"])
}
