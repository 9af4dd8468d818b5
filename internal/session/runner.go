package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/multiagents/multiagents/internal/agent"
	"github.com/multiagents/multiagents/internal/cards"
	"github.com/multiagents/multiagents/internal/chat"
	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/events/bus"
	"github.com/multiagents/multiagents/internal/protocol"
)

const (
	warmupTurnTimeout  = 30 * time.Second
	cardPhaseDelay     = 100 * time.Millisecond
	defaultWarmupTTL   = 300 * time.Second
	defaultAckTTL      = 300 * time.Second
	defaultReplayLimit = 500
)

// Subscriber receives broadcast session events; the websocket gateway's
// clients implement it.
type Subscriber interface {
	SendEvent(ctx context.Context, event map[string]any) error
}

// RoomAgent is what the runner drives: a chat turn runner with process
// lifecycle.
type RoomAgent interface {
	chat.Streamer
	Shutdown(ctx context.Context)
}

// AgentFactory creates a RoomAgent for one persona slot; tests substitute
// deterministic fakes.
type AgentFactory func(spec agent.Spec) (RoomAgent, error)

// RunnerConfig carries the runner's timeout and environment knobs.
type RunnerConfig struct {
	Timeout           time.Duration
	SendTimeout       time.Duration
	ParseTimeout      time.Duration
	HardTimeout       time.Duration
	PermissionTimeout time.Duration
	WarmupTTL         time.Duration
	AckTTL            time.Duration
	RelayCooldown     time.Duration
	DMDebounce        time.Duration
	ScriptsDir        string
	PublicURL         string
	PersistentMode    bool
}

type pendingRun struct {
	prompt     string
	personas   []AgentPersona
	startRound int
}

type ackState struct {
	lastAck int64
	at      time.Time
}

type roundMetrics struct {
	round        int
	startedAt    time.Time
	streamChunks map[string]int
	latenciesMS  map[string]int64
	sendFailures int
}

// roomHandle abstracts over the two room modes for control-plane operations.
type roomHandle struct {
	inject       func(text string)
	injectSystem func(text string)
	stopAgent    func(name string)
	stopRound    func(pause bool)
	resume       func()
	restart      func(name, text string)
	addMember    func(a RoomAgent, persona AgentPersona)
	removeMember func(name string)
	respondPerm  func(ctx context.Context, agentName string, resp protocol.PermissionResponse)
}

// Runner owns session execution: it builds agents, drives the chat room,
// persists every event with a reserved id before broadcasting it, and manages
// the warmed-agent pool and card lifecycle.
type Runner struct {
	store    Store
	settings *SettingsStore
	bus      bus.Bus
	cfg      RunnerConfig
	factory  AgentFactory
	log      *logger.Logger

	mu           sync.Mutex
	cancels      map[string]context.CancelFunc
	runDone      map[string]chan struct{}
	rooms        map[string]*roomHandle
	subscribers  map[string]map[Subscriber]struct{}
	acks         map[string]map[Subscriber]ackState
	sendTimeouts map[string]time.Duration
	metrics      map[string]*roundMetrics

	pools      map[string]map[string]RoomAgent
	warmupDone map[string]chan struct{}
	idleTimers map[string]*time.Timer
	pending    map[string]pendingRun

	engineLoads     singleflight.Group
	engines         map[string]*cards.Engine
	activeCards     map[string]string
	cardPhaseTimers map[string]*time.Timer
	cardPhaseTokens map[string]int
	delegationCards map[string]string
	delegationResps map[string]map[string]string
}

// NewRunner creates a runner. settingsStore and eventBus may be nil.
func NewRunner(store Store, settingsStore *SettingsStore, eventBus bus.Bus, cfg RunnerConfig, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	if cfg.WarmupTTL == 0 {
		cfg.WarmupTTL = defaultWarmupTTL
	}
	if cfg.AckTTL == 0 {
		cfg.AckTTL = defaultAckTTL
	}
	r := &Runner{
		store:           store,
		settings:        settingsStore,
		bus:             eventBus,
		cfg:             cfg,
		log:             log,
		cancels:         make(map[string]context.CancelFunc),
		runDone:         make(map[string]chan struct{}),
		rooms:           make(map[string]*roomHandle),
		subscribers:     make(map[string]map[Subscriber]struct{}),
		acks:            make(map[string]map[Subscriber]ackState),
		sendTimeouts:    make(map[string]time.Duration),
		metrics:         make(map[string]*roundMetrics),
		pools:           make(map[string]map[string]RoomAgent),
		warmupDone:      make(map[string]chan struct{}),
		idleTimers:      make(map[string]*time.Timer),
		pending:         make(map[string]pendingRun),
		engines:         make(map[string]*cards.Engine),
		activeCards:     make(map[string]string),
		cardPhaseTimers: make(map[string]*time.Timer),
		cardPhaseTokens: make(map[string]int),
		delegationCards: make(map[string]string),
		delegationResps: make(map[string]map[string]string),
	}
	r.factory = func(spec agent.Spec) (RoomAgent, error) {
		return agent.NewFromSpec(spec, log)
	}
	return r
}

// SetFactory overrides agent creation; used by tests.
func (r *Runner) SetFactory(f AgentFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory = f
}

// Subscribe registers a websocket subscriber for a session.
func (r *Runner) Subscribe(sessionID string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribers[sessionID] == nil {
		r.subscribers[sessionID] = make(map[Subscriber]struct{})
	}
	r.subscribers[sessionID][sub] = struct{}{}
	if r.acks[sessionID] == nil {
		r.acks[sessionID] = make(map[Subscriber]ackState)
	}
	r.acks[sessionID][sub] = ackState{at: time.Now()}
	r.cancelIdleCleanupLocked(sessionID)
}

// Unsubscribe drops a subscriber; the last departure schedules idle cleanup.
func (r *Runner) Unsubscribe(sessionID string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[sessionID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, sessionID)
		}
	}
	if acks := r.acks[sessionID]; acks != nil {
		delete(acks, sub)
		if len(acks) == 0 {
			delete(r.acks, sessionID)
		}
	}
	if len(r.subscribers[sessionID]) == 0 && !r.isRunningLocked(sessionID) {
		r.scheduleIdleCleanupLocked(sessionID)
	}
}

// IsRunning reports whether a discussion, pending run, or card phase is
// active for the session.
func (r *Runner) IsRunning(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isRunningLocked(sessionID)
}

func (r *Runner) isRunningLocked(sessionID string) bool {
	if _, ok := r.cancels[sessionID]; ok {
		return true
	}
	if _, ok := r.pending[sessionID]; ok {
		return true
	}
	_, ok := r.cardPhaseTimers[sessionID]
	return ok
}

func (r *Runner) logMetric(name string, fields ...zap.Field) {
	fields = append([]zap.Field{zap.String("metric", name), zap.String("service", "multiagents")}, fields...)
	r.log.Info("metric", fields...)
}

// LogClientMetric records a client-reported metric.
func (r *Runner) LogClientMetric(name, sessionID string, value float64) {
	r.logMetric(name,
		zap.String("session_id", sessionID),
		zap.Float64("value", value),
		zap.String("source", "client"))
}

func (r *Runner) pruneStaleAcksLocked(sessionID string) {
	if r.cfg.AckTTL <= 0 {
		return
	}
	acks := r.acks[sessionID]
	now := time.Now()
	for sub, state := range acks {
		if now.Sub(state.at) > r.cfg.AckTTL {
			delete(acks, sub)
		}
	}
	if len(acks) == 0 {
		delete(r.acks, sessionID)
	}
}

func (r *Runner) sendTimeout(sessionID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.sendTimeouts[sessionID]; ok {
		return t
	}
	return r.cfg.SendTimeout
}

// Broadcast assigns an event id (unless the payload already carries one),
// persists the event, then fans it out to all subscribers. Dead subscribers
// are dropped. Returns the number of successful sends.
func (r *Runner) Broadcast(ctx context.Context, sessionID string, data map[string]any) int {
	if _, ok := data["event_id"]; !ok {
		copied := make(map[string]any, len(data)+1)
		for k, v := range data {
			copied[k] = v
		}
		eventID, err := r.store.ReserveEventID(ctx, sessionID)
		if err != nil {
			r.log.WithError(err).Error("failed to assign event id", zap.String("session_id", sessionID))
		} else {
			copied["event_id"] = eventID
			if err := r.store.SaveEvent(ctx, sessionID, eventID, copied); err != nil {
				r.log.WithError(err).Error("failed to persist event",
					zap.String("session_id", sessionID), zap.Int64("event_id", eventID))
			}
		}
		data = copied
	}

	r.mu.Lock()
	r.pruneStaleAcksLocked(sessionID)
	subs := make([]Subscriber, 0, len(r.subscribers[sessionID]))
	for sub := range r.subscribers[sessionID] {
		subs = append(subs, sub)
	}
	timeout := r.cfg.SendTimeout
	if t, ok := r.sendTimeouts[sessionID]; ok {
		timeout = t
	}
	r.mu.Unlock()

	if len(subs) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	results := make([]error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub Subscriber) {
			defer wg.Done()
			sendCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				sendCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			results[i] = sub.SendEvent(sendCtx, data)
		}(i, sub)
	}
	wg.Wait()

	sent := 0
	r.mu.Lock()
	for i, err := range results {
		if err == nil {
			sent++
			continue
		}
		eventType, _ := data["type"].(string)
		r.log.WithError(err).Warn("broadcast failed",
			zap.String("session_id", sessionID), zap.String("type", eventType))
		if m := r.metrics[sessionID]; m != nil {
			m.sendFailures++
		}
		if subsMap := r.subscribers[sessionID]; subsMap != nil {
			delete(subsMap, subs[i])
			if len(subsMap) == 0 {
				delete(r.subscribers, sessionID)
			}
		}
		if acks := r.acks[sessionID]; acks != nil {
			delete(acks, subs[i])
		}
	}
	r.mu.Unlock()
	if sent == 0 {
		r.logMetric("ws_send_failure", zap.String("session_id", sessionID))
	}
	return sent
}

// ReplayEvents resends stored events after afterEventID to a single
// subscriber, stopping at the first send failure.
// publishLifecycle announces session-list level changes on the bus; the
// gateway forwards them to every connected client.
func (r *Runner) publishLifecycle(ctx context.Context, eventType, sessionID string, data map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, bus.SessionLifecycleSubject, bus.NewEvent(eventType, sessionID, data)); err != nil {
		r.log.WithError(err).Debug("lifecycle publish failed",
			zap.String("type", eventType), zap.String("session_id", sessionID))
	}
}

func (r *Runner) ReplayEvents(ctx context.Context, sessionID string, afterEventID int64, sub Subscriber) {
	events, err := r.store.GetEventsSince(ctx, sessionID, afterEventID, defaultReplayLimit)
	if err != nil {
		r.log.WithError(err).Warn("replay load failed", zap.String("session_id", sessionID))
		return
	}
	timeout := r.sendTimeout(sessionID)
	for _, event := range events {
		sendCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, timeout)
			err = sub.SendEvent(sendCtx, event)
			cancel()
		} else {
			err = sub.SendEvent(sendCtx, event)
		}
		if err != nil {
			r.log.WithError(err).Warn("replay send failed", zap.String("session_id", sessionID))
			return
		}
	}
}

// Ack records a subscriber's cursor; events acked by every subscriber are
// pruned from storage.
func (r *Runner) Ack(ctx context.Context, sessionID string, sub Subscriber, eventID int64) {
	r.mu.Lock()
	if r.acks[sessionID] == nil {
		r.acks[sessionID] = make(map[Subscriber]ackState)
	}
	state := r.acks[sessionID][sub]
	if eventID > state.lastAck {
		state.lastAck = eventID
	}
	state.at = time.Now()
	r.acks[sessionID][sub] = state
	r.pruneStaleAcksLocked(sessionID)
	minAck := int64(-1)
	for _, st := range r.acks[sessionID] {
		if minAck < 0 || st.lastAck < minAck {
			minAck = st.lastAck
		}
	}
	r.mu.Unlock()
	if minAck > 0 {
		if err := r.store.PruneEvents(ctx, sessionID, minAck); err != nil {
			r.log.WithError(err).Error("failed to prune events", zap.String("session_id", sessionID))
		}
	}
}

// RunPrompt starts a discussion, or queues it when one is already running.
func (r *Runner) RunPrompt(sessionID, prompt string, personas []AgentPersona, startRound int) {
	r.mu.Lock()
	r.cancelIdleCleanupLocked(sessionID)
	if r.isRunningLocked(sessionID) {
		if _, exists := r.pending[sessionID]; exists {
			r.log.Info("session already running, replacing pending run", zap.String("session_id", sessionID))
		}
		r.pending[sessionID] = pendingRun{prompt: prompt, personas: personas, startRound: startRound}
		r.mu.Unlock()
		return
	}
	r.startRunLocked(sessionID, prompt, personas, startRound)
	r.mu.Unlock()
}

func (r *Runner) startRunLocked(sessionID, prompt string, personas []AgentPersona, startRound int) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancels[sessionID] = cancel
	r.runDone[sessionID] = done
	go func() {
		defer close(done)
		r.execute(ctx, sessionID, prompt, personas, startRound)
	}()
}

func (r *Runner) startPendingRunLocked(sessionID string) {
	pr, ok := r.pending[sessionID]
	if !ok {
		return
	}
	delete(r.pending, sessionID)
	r.startRunLocked(sessionID, pr.prompt, pr.personas, pr.startRound)
}

func (r *Runner) room(sessionID string) *roomHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[sessionID]
}

// InjectMessage queues a user message into the running room.
func (r *Runner) InjectMessage(sessionID, text string) {
	if h := r.room(sessionID); h != nil {
		h.inject(text)
	}
}

// StopAgent interrupts one agent's in-flight turn.
func (r *Runner) StopAgent(sessionID, agentName string) {
	if h := r.room(sessionID); h != nil {
		h.stopAgent(agentName)
	}
}

// StopRound interrupts all agents and pauses after settlement.
func (r *Runner) StopRound(sessionID string) {
	if h := r.room(sessionID); h != nil {
		h.stopRound(true)
	}
}

// Resume releases a paused room.
func (r *Runner) Resume(sessionID string) {
	if h := r.room(sessionID); h != nil {
		h.resume()
	}
}

// RestartAgent stops an agent and reruns it with a DM prompt.
func (r *Runner) RestartAgent(sessionID, agentName, dmText string) {
	if h := r.room(sessionID); h != nil {
		h.restart(agentName, dmText)
	}
}

// RespondToPermission routes a permission decision to the named agent.
func (r *Runner) RespondToPermission(ctx context.Context, sessionID, agentName string, resp protocol.PermissionResponse) {
	if h := r.room(sessionID); h != nil && h.respondPerm != nil {
		h.respondPerm(ctx, agentName, resp)
		return
	}
	r.mu.Lock()
	var target RoomAgent
	if pool := r.pools[sessionID]; pool != nil {
		target = pool[agentName]
	}
	r.mu.Unlock()
	if target != nil {
		if err := target.RespondToPermission(ctx, resp); err != nil {
			r.log.WithError(err).Warn("permission response failed",
				zap.String("session_id", sessionID), zap.String("agent", agentName))
		}
	}
}

// Cancel stops the running discussion and clears the pending run.
func (r *Runner) Cancel(sessionID string) {
	r.mu.Lock()
	cancel := r.cancels[sessionID]
	done := r.runDone[sessionID]
	delete(r.pending, sessionID)
	r.cancelNextCardPhaseLocked(sessionID)
	h := r.rooms[sessionID]
	r.mu.Unlock()
	if h != nil {
		h.stopRound(false)
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// -- Warmup pool -----------------------------------------------------------

// StartWarmup pre-spawns agents in the background so the first real message
// skips CLI startup cost.
func (r *Runner) StartWarmup(sessionID string, personas []AgentPersona) {
	r.mu.Lock()
	if _, warming := r.warmupDone[sessionID]; warming {
		r.mu.Unlock()
		return
	}
	if _, pooled := r.pools[sessionID]; pooled {
		r.mu.Unlock()
		return
	}
	if r.isRunningLocked(sessionID) {
		r.mu.Unlock()
		return
	}
	r.cancelIdleCleanupLocked(sessionID)
	done := make(chan struct{})
	r.warmupDone[sessionID] = done
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			if r.warmupDone[sessionID] == done {
				delete(r.warmupDone, sessionID)
			}
			r.mu.Unlock()
			close(done)
		}()
		r.warmupAgents(context.Background(), sessionID, personas)
	}()
}

// warmupAgents spawns each agent and runs one minimal [PASS] turn to
// establish a CLI session. Agents that fail to warm are pooled anyway and
// retry on the first real message.
func (r *Runner) warmupAgents(ctx context.Context, sessionID string, personas []AgentPersona) {
	agents, _, err := r.buildAgents(ctx, sessionID, personas, nil)
	if err != nil {
		r.log.WithError(err).Warn("warmup agent creation failed", zap.String("session_id", sessionID))
		return
	}
	participants := personaParticipants(personas)

	var wg sync.WaitGroup
	warmed := make(map[string]RoomAgent, len(personas))
	var warmedMu sync.Mutex
	for _, p := range personas {
		a := agents[p.Name]
		if a == nil {
			continue
		}
		wg.Add(1)
		go func(p AgentPersona, a RoomAgent) {
			defer wg.Done()
			contextPrompt := chat.FormatSessionContext(p.Name, participants, p.Role)
			prompt := contextPrompt + "\n\nPlease respond with exactly [PASS]."
			resp := a.Stream(ctx, prompt, warmupTurnTimeout, agent.Sink{})
			if sid := a.SessionID(); sid != "" {
				if err := r.store.SaveAgentSessionID(ctx, sessionID, p.Name, sid); err != nil {
					r.log.WithError(err).Warn("failed to save agent session id",
						zap.String("session_id", sessionID), zap.String("agent", p.Name))
				}
			}
			if resp.Success {
				r.log.Info("agent warmed up",
					zap.String("agent", p.Name), zap.Int64("latency_ms", resp.LatencyMS))
			} else {
				r.log.Warn("agent warmup failed",
					zap.String("agent", p.Name), zap.String("error", resp.Response))
			}
			warmedMu.Lock()
			warmed[p.Name] = a
			warmedMu.Unlock()
		}(p, a)
	}
	wg.Wait()

	r.mu.Lock()
	r.pools[sessionID] = warmed
	r.mu.Unlock()
	r.log.Info("session warmup complete",
		zap.String("session_id", sessionID), zap.Int("agents", len(warmed)))
}

// buildAgents returns one RoomAgent per persona, reusing pooled agents and
// creating the rest with stored CLI session ids restored. config, when
// non-nil, supplies per-agent model/prompt/permission overrides.
func (r *Runner) buildAgents(ctx context.Context, sessionID string, personas []AgentPersona, config map[string]any) (map[string]RoomAgent, string, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	workingDir := ""
	if sess != nil {
		workingDir = sess.WorkingDir
	}
	cliSessionIDs, err := r.store.GetAgentSessionIDs(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	pool := r.pools[sessionID]
	factory := r.factory
	r.mu.Unlock()

	parseTimeout := r.cfg.ParseTimeout
	hardTimeout := r.cfg.HardTimeout
	if config != nil {
		if v, ok := configSeconds(config, "timeouts.parse"); ok {
			parseTimeout = v
		}
		if v, ok := configSeconds(config, "timeouts.hard"); ok && v > 0 {
			hardTimeout = v
		}
	}

	env := map[string]string{
		"MULTIAGENTS_SESSION": sessionID,
		"MULTIAGENTS_URL":     r.cfg.PublicURL,
	}
	if r.cfg.ScriptsDir != "" {
		env["PATH"] = r.cfg.ScriptsDir + string(os.PathListSeparator) + os.Getenv("PATH")
	}

	out := make(map[string]RoomAgent, len(personas))
	for _, p := range personas {
		if pooled, ok := pool[p.Name]; ok {
			out[p.Name] = pooled
			continue
		}
		agentType := p.Type
		if agentType == "" {
			agentType = p.Name
		}
		model := p.Model
		systemPrompt := ""
		permissionMode := "bypass"
		if config != nil {
			if model == "" {
				model, _ = configString(config, "agents."+agentType+".model")
			}
			systemPrompt, _ = configString(config, "agents."+agentType+".system_prompt")
			if mode, ok := configString(config, "agents."+agentType+".permissions"); ok && mode != "" {
				permissionMode = mode
			}
		}
		created, err := factory(agent.Spec{
			Name:              p.Name,
			Type:              agentType,
			Model:             model,
			SystemPrompt:      systemPrompt,
			ProjectDir:        workingDir,
			PermissionMode:    permissionMode,
			PermissionTimeout: r.cfg.PermissionTimeout,
			ParseTimeout:      parseTimeout,
			HardTimeout:       hardTimeout,
			SessionID:         cliSessionIDs[p.Name],
			Env:               env,
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to create agent %q: %w", p.Name, err)
		}
		out[p.Name] = created
	}
	return out, workingDir, nil
}

// AddAgent spawns and registers a new agent on a running or idle session.
func (r *Runner) AddAgent(ctx context.Context, sessionID string, persona AgentPersona) error {
	config, _ := r.effectiveConfig(ctx, sessionID)
	agents, _, err := r.buildAgents(ctx, sessionID, []AgentPersona{persona}, config)
	if err != nil {
		return err
	}
	created := agents[persona.Name]
	r.mu.Lock()
	if r.pools[sessionID] == nil {
		r.pools[sessionID] = make(map[string]RoomAgent)
	}
	r.pools[sessionID][persona.Name] = created
	h := r.rooms[sessionID]
	r.mu.Unlock()
	if h != nil && h.addMember != nil {
		h.addMember(created, persona)
	}
	return nil
}

// RemoveAgent detaches and shuts down an agent.
func (r *Runner) RemoveAgent(ctx context.Context, sessionID, name string) {
	r.mu.Lock()
	h := r.rooms[sessionID]
	var pooled RoomAgent
	if pool := r.pools[sessionID]; pool != nil {
		pooled = pool[name]
		delete(pool, name)
	}
	r.mu.Unlock()
	if h != nil && h.removeMember != nil {
		h.removeMember(name)
	}
	if pooled != nil {
		pooled.Shutdown(ctx)
	}
}

func (r *Runner) cancelIdleCleanupLocked(sessionID string) {
	if timer, ok := r.idleTimers[sessionID]; ok {
		timer.Stop()
		delete(r.idleTimers, sessionID)
	}
}

func (r *Runner) scheduleIdleCleanupLocked(sessionID string) {
	if r.cfg.WarmupTTL <= 0 {
		return
	}
	if _, ok := r.idleTimers[sessionID]; ok {
		return
	}
	r.idleTimers[sessionID] = time.AfterFunc(r.cfg.WarmupTTL, func() {
		r.mu.Lock()
		delete(r.idleTimers, sessionID)
		busy := r.isRunningLocked(sessionID) || len(r.subscribers[sessionID]) > 0
		r.mu.Unlock()
		if !busy {
			r.CleanupSession(context.Background(), sessionID, true)
		}
	})
}

// CleanupSession shuts down warmed agents and session-scoped state.
func (r *Runner) CleanupSession(ctx context.Context, sessionID string, cancelCardPhase bool) {
	r.mu.Lock()
	r.cancelIdleCleanupLocked(sessionID)
	delete(r.sendTimeouts, sessionID)
	if cancelCardPhase {
		r.cancelNextCardPhaseLocked(sessionID)
	}
	delete(r.warmupDone, sessionID)
	pool := r.pools[sessionID]
	delete(r.pools, sessionID)
	r.mu.Unlock()
	for _, a := range pool {
		a.Shutdown(ctx)
	}
}

// DeleteSession fully tears down a session and removes it from storage.
func (r *Runner) DeleteSession(ctx context.Context, sessionID string) error {
	r.Cancel(sessionID)
	r.CleanupSession(ctx, sessionID, true)
	r.mu.Lock()
	delete(r.engines, sessionID)
	delete(r.activeCards, sessionID)
	delete(r.delegationCards, sessionID)
	delete(r.delegationResps, sessionID)
	delete(r.subscribers, sessionID)
	delete(r.acks, sessionID)
	delete(r.rooms, sessionID)
	delete(r.metrics, sessionID)
	r.mu.Unlock()
	if err := r.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	r.publishLifecycle(ctx, "session_deleted", sessionID, nil)
	return nil
}

// effectiveConfig merges defaults, stored settings, session config, and CLI
// overrides.
func (r *Runner) effectiveConfig(ctx context.Context, sessionID string) (map[string]any, error) {
	if r.settings == nil {
		return nil, nil
	}
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var sessionConfig map[string]any
	if sess != nil {
		sessionConfig = sess.Config
	}
	return r.settings.GetEffective(ctx, sessionConfig, nil)
}

func configString(config map[string]any, key string) (string, bool) {
	v, ok := config[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func configSeconds(config map[string]any, key string) (time.Duration, bool) {
	v, ok := config[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second, true
	case int64:
		return time.Duration(n) * time.Second, true
	case float64:
		return time.Duration(n * float64(time.Second)), true
	}
	return 0, false
}

func personaParticipants(personas []AgentPersona) []chat.Participant {
	out := make([]chat.Participant, 0, len(personas))
	for _, p := range personas {
		out = append(out, chat.Participant{Name: p.Name, Type: p.Type})
	}
	return out
}

// execute runs one discussion to completion.
func (r *Runner) execute(ctx context.Context, sessionID, prompt string, personas []AgentPersona, startRound int) {
	// Wait for an in-flight warmup so we reuse its agents.
	r.mu.Lock()
	warmup := r.warmupDone[sessionID]
	r.mu.Unlock()
	if warmup != nil {
		select {
		case <-warmup:
		case <-ctx.Done():
			return
		}
	}

	config, err := r.effectiveConfig(ctx, sessionID)
	if err != nil {
		r.log.WithError(err).Warn("settings load failed", zap.String("session_id", sessionID))
	}
	idleTimeout := r.cfg.Timeout
	if v, ok := configSeconds(config, "timeouts.idle"); ok && v > 0 {
		idleTimeout = v
	}
	if v, ok := configSeconds(config, "timeouts.send"); ok && v > 0 {
		r.mu.Lock()
		r.sendTimeouts[sessionID] = v
		r.mu.Unlock()
	}

	agents, _, err := r.buildAgents(ctx, sessionID, personas, config)
	if err != nil {
		r.log.WithError(err).Error("agent creation failed", zap.String("session_id", sessionID))
		r.Broadcast(ctx, sessionID, map[string]any{"type": "error", "message": "Internal error"})
		r.finishRun(ctx, sessionID)
		return
	}

	participants := personaParticipants(personas)
	roles := make(map[string]string, len(personas))
	for _, p := range personas {
		roles[p.Name] = p.Role
	}

	contextProvider := func(agentName string) map[string]string {
		sections := map[string]string{}
		r.mu.Lock()
		engine := r.engines[sessionID]
		r.mu.Unlock()
		if engine != nil {
			views := cardViews(engine.GetCards())
			if section := chat.FormatCardsSection(views, agentName); section != "" {
				sections["cards"] = section
			}
		}
		return sections
	}

	existing, err := r.store.GetMessages(ctx, sessionID)
	if err != nil {
		r.log.WithError(err).Warn("history load failed", zap.String("session_id", sessionID))
	}
	history := make([]chat.Message, 0, len(existing))
	for _, m := range existing {
		history = append(history, chat.Message{Role: m.Role, Content: m.Content, Round: m.Round})
	}

	roomCfg := chat.RoomConfig{
		Timeout:         idleTimeout,
		ParseTimeout:    r.cfg.ParseTimeout,
		RelayCooldown:   r.cfg.RelayCooldown,
		DMDebounce:      r.cfg.DMDebounce,
		Participants:    participants,
		ContextProvider: contextProvider,
	}

	if err := r.store.SetRunning(ctx, sessionID, true); err != nil {
		r.log.WithError(err).Warn("failed to mark session running", zap.String("session_id", sessionID))
	}
	r.publishLifecycle(ctx, "discussion_started", sessionID, nil)

	round := startRound
	emit := func(ev chat.Event) {
		round = r.handleRoomEvent(ctx, sessionID, personas, ev, round)
	}

	if r.cfg.PersistentMode {
		members := make([]chat.Member, 0, len(personas))
		for _, p := range personas {
			members = append(members, chat.Member{Name: p.Name, Type: p.Type, Role: p.Role, Agent: agents[p.Name]})
		}
		room := chat.NewRoom(members, roomCfg, r.log)
		room.SeedHistory(history)
		r.registerRoom(sessionID, room)
		if prompt != "" {
			room.InjectUserMessage(prompt)
		}
		room.Run(ctx, emit)
	} else {
		members := make([]chat.BatchMember, 0, len(personas))
		for _, p := range personas {
			members = append(members, chat.BatchMember{
				Member:       chat.Member{Name: p.Name, Type: p.Type, Role: p.Role, Agent: agents[p.Name]},
				ParseTimeout: r.cfg.ParseTimeout,
				HardTimeout:  r.cfg.HardTimeout,
			})
		}
		room := chat.NewBatchRoom(members, roomCfg, r.log)
		room.SeedHistory(history)
		r.registerBatchRoom(sessionID, room, agents)
		if err := room.Run(ctx, prompt, startRound, emit); err != nil && ctx.Err() != nil {
			r.log.Info("session cancelled", zap.String("session_id", sessionID))
			r.Broadcast(context.Background(), sessionID, map[string]any{"type": "discussion_ended", "reason": "cancelled"})
		} else if err != nil {
			r.log.WithError(err).Error("session error", zap.String("session_id", sessionID))
			r.Broadcast(context.Background(), sessionID, map[string]any{"type": "error", "message": "Internal error"})
		}
	}

	r.finishRun(context.Background(), sessionID)
}

func (r *Runner) registerRoom(sessionID string, room *chat.Room) {
	h := &roomHandle{
		inject:       room.InjectUserMessage,
		injectSystem: room.InjectSystemMessage,
		stopAgent:    room.StopAgent,
		stopRound:    room.StopRound,
		resume:       room.Resume,
		restart:      room.RestartAgent,
		addMember: func(a RoomAgent, p AgentPersona) {
			room.AddAgent(chat.Member{Name: p.Name, Type: p.Type, Role: p.Role, Agent: a})
		},
		removeMember: room.RemoveAgent,
		respondPerm: func(ctx context.Context, agentName string, resp protocol.PermissionResponse) {
			room.RespondToPermission(ctx, agentName, resp)
		},
	}
	r.mu.Lock()
	r.rooms[sessionID] = h
	r.mu.Unlock()
}

func (r *Runner) registerBatchRoom(sessionID string, room *chat.BatchRoom, agents map[string]RoomAgent) {
	h := &roomHandle{
		inject:       room.InjectUserMessage,
		injectSystem: room.InjectUserMessage,
		stopAgent:    room.StopAgent,
		stopRound:    room.StopRound,
		resume:       room.Resume,
		restart:      room.RestartAgent,
		addMember: func(a RoomAgent, p AgentPersona) {
			room.AddAgent(chat.BatchMember{
				Member:       chat.Member{Name: p.Name, Type: p.Type, Role: p.Role, Agent: a},
				ParseTimeout: r.cfg.ParseTimeout,
				HardTimeout:  r.cfg.HardTimeout,
			})
		},
		removeMember: room.RemoveAgent,
		respondPerm: func(ctx context.Context, agentName string, resp protocol.PermissionResponse) {
			r.mu.Lock()
			target := agents[agentName]
			r.mu.Unlock()
			if target != nil {
				if err := target.RespondToPermission(ctx, resp); err != nil {
					r.log.WithError(err).Warn("permission response failed", zap.String("agent", agentName))
				}
			}
		},
	}
	r.mu.Lock()
	r.rooms[sessionID] = h
	r.mu.Unlock()
}

// finishRun clears run state and kicks the queued run, if any.
func (r *Runner) finishRun(ctx context.Context, sessionID string) {
	if err := r.store.ClearInFlight(ctx, sessionID); err != nil {
		r.log.WithError(err).Warn("failed to clear in-flight state", zap.String("session_id", sessionID))
	}
	if err := r.store.ClearEvents(ctx, sessionID); err != nil {
		r.log.WithError(err).Warn("failed to clear events", zap.String("session_id", sessionID))
	}
	r.mu.Lock()
	delete(r.cancels, sessionID)
	delete(r.runDone, sessionID)
	delete(r.rooms, sessionID)
	delete(r.metrics, sessionID)
	delete(r.activeCards, sessionID)
	delete(r.delegationCards, sessionID)
	delete(r.delegationResps, sessionID)
	r.mu.Unlock()
	r.CleanupSession(ctx, sessionID, false)
	r.publishLifecycle(ctx, "discussion_ended", sessionID, nil)
	r.mu.Lock()
	r.startPendingRunLocked(sessionID)
	r.mu.Unlock()
}

// handleRoomEvent persists derived state for an event, then broadcasts it.
// Returns the updated current-round cursor.
func (r *Runner) handleRoomEvent(ctx context.Context, sessionID string, personas []AgentPersona, ev chat.Event, round int) int {
	switch e := ev.(type) {
	case chat.RoundStarted:
		round = e.Round
		if err := r.store.SetCurrentRound(ctx, sessionID, round); err != nil {
			r.log.WithError(err).Warn("failed to persist round", zap.String("session_id", sessionID))
		}
		if err := r.store.ResetAgentProgress(ctx, sessionID, e.Agents, round); err != nil {
			r.log.WithError(err).Warn("failed to reset agent progress", zap.String("session_id", sessionID))
		}
		chunks := make(map[string]int, len(e.Agents))
		for _, name := range e.Agents {
			chunks[name] = 0
		}
		r.mu.Lock()
		r.metrics[sessionID] = &roundMetrics{
			round:        round,
			startedAt:    time.Now(),
			streamChunks: chunks,
			latenciesMS:  make(map[string]int64),
		}
		r.mu.Unlock()

	case chat.AgentStreamChunk:
		if err := r.store.AppendAgentStream(ctx, sessionID, e.Agent, round, e.Text); err != nil {
			r.log.WithError(err).Debug("failed to persist stream chunk", zap.String("agent", e.Agent))
		}
		r.mu.Lock()
		if m := r.metrics[sessionID]; m != nil {
			m.streamChunks[e.Agent]++
		}
		r.mu.Unlock()

	case chat.AgentCompleted:
		resp := e.Response
		if _, err := r.store.SaveMessage(ctx, sessionID, resp.Agent, resp.Response, round, e.Passed); err != nil {
			r.log.WithError(err).Warn("failed to save message", zap.String("agent", resp.Agent))
		}
		if resp.SessionID != "" {
			if err := r.store.SaveAgentSessionID(ctx, sessionID, resp.Agent, resp.SessionID); err != nil {
				r.log.WithError(err).Warn("failed to save agent session id", zap.String("agent", resp.Agent))
			}
		}
		status := "done"
		if !resp.Success {
			status = "failed"
		}
		if err := r.store.SetAgentStatus(ctx, sessionID, resp.Agent, status, round); err != nil {
			r.log.WithError(err).Debug("failed to set agent status", zap.String("agent", resp.Agent))
		}
		r.mu.Lock()
		if m := r.metrics[sessionID]; m != nil {
			m.latenciesMS[resp.Agent] = resp.LatencyMS
		}
		if _, delegating := r.delegationCards[sessionID]; delegating {
			if r.delegationResps[sessionID] == nil {
				r.delegationResps[sessionID] = make(map[string]string)
			}
			r.delegationResps[sessionID][resp.Agent] = resp.Response
		}
		activeCardID := r.activeCards[sessionID]
		engine := r.engines[sessionID]
		r.mu.Unlock()
		if activeCardID != "" && engine != nil {
			r.advanceCardPhase(ctx, sessionID, activeCardID, engine, resp.Agent, resp.Response, personas)
		}

	case chat.RoundEnded:
		r.mu.Lock()
		m := r.metrics[sessionID]
		delete(r.metrics, sessionID)
		delegationCardID := r.delegationCards[sessionID]
		delete(r.delegationCards, sessionID)
		responses := r.delegationResps[sessionID]
		delete(r.delegationResps, sessionID)
		engine := r.engines[sessionID]
		r.mu.Unlock()
		if m != nil {
			r.logMetric("round_summary",
				zap.String("session_id", sessionID),
				zap.Int("round", m.round),
				zap.Int64("duration_ms", time.Since(m.startedAt).Milliseconds()),
				zap.Any("stream_chunks", m.streamChunks),
				zap.Any("agent_latency_ms", m.latenciesMS),
				zap.Int("send_failures", m.sendFailures))
		}
		if delegationCardID != "" && engine != nil && len(responses) > 0 {
			r.applyDelegation(ctx, sessionID, delegationCardID, engine, responses)
		}
	}

	r.Broadcast(ctx, sessionID, ev.Payload())
	return round
}

// -- Card lifecycle --------------------------------------------------------

// CardEngine lazily creates the per-session engine, loading persisted cards.
// Concurrent first calls share one load.
func (r *Runner) CardEngine(ctx context.Context, sessionID string, personas []AgentPersona) (*cards.Engine, error) {
	r.mu.Lock()
	engine := r.engines[sessionID]
	r.mu.Unlock()
	if engine != nil {
		return engine, nil
	}
	v, err, _ := r.engineLoads.Do(sessionID, func() (any, error) {
		r.mu.Lock()
		if existing := r.engines[sessionID]; existing != nil {
			r.mu.Unlock()
			return existing, nil
		}
		r.mu.Unlock()
		names := make([]string, len(personas))
		for i, p := range personas {
			names[i] = p.Name
		}
		loaded := cards.NewEngine(names)
		saved, err := r.store.GetCards(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		loaded.LoadCards(saved)
		r.mu.Lock()
		r.engines[sessionID] = loaded
		r.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cards.Engine), nil
}

// CreateCard adds a backlog card and persists it.
func (r *Runner) CreateCard(ctx context.Context, sessionID string, personas []AgentPersona, title, description, planner, implementer, reviewer, coordinator string) (*cards.Card, error) {
	engine, err := r.CardEngine(ctx, sessionID, personas)
	if err != nil {
		return nil, err
	}
	card := engine.CreateCard(title, description, planner, implementer, reviewer, coordinator)
	if err := r.store.SaveCard(ctx, sessionID, card); err != nil {
		return nil, err
	}
	return card, nil
}

// UpdateCard applies a partial update and persists the result.
func (r *Runner) UpdateCard(ctx context.Context, sessionID, cardID string, update cards.CardUpdate) (*cards.Card, error) {
	r.mu.Lock()
	engine := r.engines[sessionID]
	r.mu.Unlock()
	if engine == nil {
		return nil, fmt.Errorf("no card engine for session %s", sessionID)
	}
	card, err := engine.UpdateCard(cardID, update)
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveCard(ctx, sessionID, card); err != nil {
		return nil, err
	}
	return card, nil
}

// MarkCardDone is user-triggered: reviewing -> done.
func (r *Runner) MarkCardDone(ctx context.Context, sessionID, cardID string) (*cards.Card, error) {
	r.mu.Lock()
	engine := r.engines[sessionID]
	r.mu.Unlock()
	if engine == nil {
		return nil, fmt.Errorf("no card engine for session %s", sessionID)
	}
	card, err := engine.MarkDone(cardID)
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveCard(ctx, sessionID, card); err != nil {
		return nil, err
	}
	return card, nil
}

// DeleteCard removes a card from the engine and storage.
func (r *Runner) DeleteCard(ctx context.Context, sessionID, cardID string) error {
	r.mu.Lock()
	engine := r.engines[sessionID]
	r.mu.Unlock()
	if engine == nil {
		return fmt.Errorf("no card engine for session %s", sessionID)
	}
	if err := engine.DeleteCard(cardID); err != nil {
		return err
	}
	return r.store.DeleteCard(ctx, sessionID, cardID)
}

// GetCards lists the session's cards.
func (r *Runner) GetCards(ctx context.Context, sessionID string, personas []AgentPersona) ([]*cards.Card, error) {
	engine, err := r.CardEngine(ctx, sessionID, personas)
	if err != nil {
		return nil, err
	}
	return engine.GetCards(), nil
}

// StartCard begins the card lifecycle and runs the first phase as a
// single-agent round.
func (r *Runner) StartCard(ctx context.Context, sessionID, cardID string, personas []AgentPersona) error {
	engine, err := r.CardEngine(ctx, sessionID, personas)
	if err != nil {
		return err
	}
	card, prompt, err := engine.StartCard(cardID)
	if err != nil {
		return err
	}
	if err := r.store.SaveCard(ctx, sessionID, card); err != nil {
		return err
	}
	r.Broadcast(ctx, sessionID, map[string]any{"type": "card_updated", "card": card.ToMap()})
	agentName := resolveCardAgent(card)
	if agentName == "" {
		r.log.Warn("card has no agent for phase",
			zap.String("card_id", cardID), zap.String("status", string(card.Status)))
		return nil
	}
	r.RunCardPhase(ctx, sessionID, cardID, prompt, agentName, personas)
	return nil
}

// RunCardPhase runs a single-agent round for a card phase.
func (r *Runner) RunCardPhase(ctx context.Context, sessionID, cardID, prompt, agentName string, personas []AgentPersona) {
	r.mu.Lock()
	r.activeCards[sessionID] = cardID
	engine := r.engines[sessionID]
	r.mu.Unlock()
	var cardPayload map[string]any
	if engine != nil {
		if card, err := engine.GetCard(cardID); err == nil {
			cardPayload = card.ToMap()
		}
	}
	r.Broadcast(ctx, sessionID, map[string]any{
		"type":   "card_phase_started",
		"card":   cardPayload,
		"agent":  agentName,
		"prompt": prompt,
	})
	phasePersona := AgentPersona{Name: agentName, Type: agentName}
	for _, p := range personas {
		if strings.EqualFold(p.Name, agentName) {
			phasePersona = p
			break
		}
	}
	r.RunPrompt(sessionID, prompt, []AgentPersona{phasePersona}, 0)
}

// DelegateCard runs a delegation round: all agents discuss role assignments,
// or just the coordinator when one is set.
func (r *Runner) DelegateCard(ctx context.Context, sessionID, cardID string, personas []AgentPersona) error {
	engine, err := r.CardEngine(ctx, sessionID, personas)
	if err != nil {
		return err
	}
	card, err := engine.GetCard(cardID)
	if err != nil {
		return err
	}
	prompt, err := engine.BuildDelegationPrompt(cardID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.delegationCards[sessionID] = cardID
	r.delegationResps[sessionID] = make(map[string]string)
	r.mu.Unlock()
	if card.Coordinator != "" {
		r.RunPrompt(sessionID, prompt, []AgentPersona{{Name: card.Coordinator, Type: card.Coordinator}}, 0)
		return nil
	}
	r.RunPrompt(sessionID, prompt, personas, 0)
	return nil
}

func (r *Runner) cancelNextCardPhaseLocked(sessionID string) {
	if timer, ok := r.cardPhaseTimers[sessionID]; ok {
		timer.Stop()
		delete(r.cardPhaseTimers, sessionID)
	}
}

// advanceCardPhase feeds an agent completion into the card state machine and
// schedules the next phase round.
func (r *Runner) advanceCardPhase(ctx context.Context, sessionID, cardID string, engine *cards.Engine, agentName, content string, personas []AgentPersona) {
	card, nextPrompt, err := engine.OnAgentCompleted(cardID, agentName, content)
	if err != nil {
		r.log.WithError(err).Error("card phase advance failed",
			zap.String("session_id", sessionID), zap.String("card_id", cardID))
		return
	}
	if err := r.store.SaveCard(ctx, sessionID, card); err != nil {
		r.log.WithError(err).Warn("failed to persist card", zap.String("card_id", cardID))
	}
	r.Broadcast(ctx, sessionID, map[string]any{
		"type":        "card_phase_completed",
		"card":        card.ToMap(),
		"agent":       agentName,
		"next_prompt": nextPrompt,
	})
	if nextPrompt == "" {
		return
	}
	nextAgent := resolveCardAgent(card)
	if nextAgent == "" {
		return
	}
	expectedStatus := card.Status
	r.mu.Lock()
	r.cancelNextCardPhaseLocked(sessionID)
	token := r.cardPhaseTokens[sessionID] + 1
	r.cardPhaseTokens[sessionID] = token
	r.cardPhaseTimers[sessionID] = time.AfterFunc(cardPhaseDelay, func() {
		r.mu.Lock()
		if r.cardPhaseTokens[sessionID] != token || r.activeCards[sessionID] != cardID {
			delete(r.cardPhaseTimers, sessionID)
			r.mu.Unlock()
			return
		}
		delete(r.cardPhaseTimers, sessionID)
		r.mu.Unlock()
		current, err := engine.GetCard(cardID)
		if err != nil || current.Status != expectedStatus {
			return
		}
		r.RunCardPhase(context.Background(), sessionID, cardID, nextPrompt, nextAgent, personas)
	})
	r.mu.Unlock()
}

// applyDelegation parses role claims collected during a delegation round.
func (r *Runner) applyDelegation(ctx context.Context, sessionID, cardID string, engine *cards.Engine, responses map[string]string) {
	card, err := engine.ParseDelegationResponse(cardID, responses)
	if err != nil {
		r.log.WithError(err).Error("delegation parsing failed",
			zap.String("session_id", sessionID), zap.String("card_id", cardID))
		return
	}
	if card == nil {
		r.log.Warn("delegation incomplete, not all roles assigned", zap.String("card_id", cardID))
		return
	}
	if err := r.store.SaveCard(ctx, sessionID, card); err != nil {
		r.log.WithError(err).Warn("failed to persist delegated card", zap.String("card_id", cardID))
	}
	r.Broadcast(ctx, sessionID, map[string]any{"type": "card_updated", "card": card.ToMap()})
	r.log.Info("delegation succeeded",
		zap.String("card_id", card.ID),
		zap.String("planner", card.Planner),
		zap.String("implementer", card.Implementer),
		zap.String("reviewer", card.Reviewer))
}

// resolveCardAgent returns the agent responsible for the card's current phase.
func resolveCardAgent(card *cards.Card) string {
	switch card.Status {
	case cards.StatusCoordinating:
		return card.Coordinator
	case cards.StatusPlanning:
		return card.Planner
	case cards.StatusImplementing:
		return card.Implementer
	case cards.StatusReviewing:
		return card.Reviewer
	}
	return ""
}

// cardViews projects engine cards into the prompt-formatting shape.
func cardViews(all []*cards.Card) []chat.CardView {
	out := make([]chat.CardView, 0, len(all))
	for _, c := range all {
		out = append(out, chat.CardView{
			ID:          c.ID,
			Title:       c.Title,
			Status:      string(c.Status),
			Coordinator: c.Coordinator,
			Planner:     c.Planner,
			Implementer: c.Implementer,
			Reviewer:    c.Reviewer,
		})
	}
	return out
}
