package chat

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/multiagents/multiagents/internal/agent"
	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/protocol"
)

const (
	roundGraceMargin    = 5 * time.Second
	batchPollInterval   = 100 * time.Millisecond
	injectionWindow     = 50 * time.Millisecond
	dmPromptInstruction = "Respond to this directive. If you have nothing to add, respond with [PASS]."
)

// BatchMember is a room member plus the timeout knobs that size the round
// deadline.
type BatchMember struct {
	Member
	ParseTimeout time.Duration
	HardTimeout  time.Duration
}

// stopSignal is a once-only broadcast.
type stopSignal struct {
	ch   chan struct{}
	once sync.Once
}

func newStopSignal() *stopSignal { return &stopSignal{ch: make(chan struct{})} }

func (s *stopSignal) fire() { s.once.Do(func() { close(s.ch) }) }

// BatchRoom runs agents in lockstep rounds: every agent gets the round prompt,
// all run concurrently, and the round closes when all have completed. The run
// ends when every agent passes.
type BatchRoom struct {
	cfg RoomConfig
	log *logger.Logger

	mu      sync.Mutex
	members []BatchMember
	history []Message

	stopMu     sync.Mutex
	stops      map[string]*stopSignal
	pauseStop  bool
	anyStopped bool

	userQueue    chan string
	restartQueue chan restartItem
	addQueue     chan BatchMember
	removeQueue  chan string
	resumeCh     chan struct{}

	dmMu     sync.Mutex
	dmTexts  map[string][]string
	dmTimers map[string]*time.Timer
}

// NewBatchRoom creates a round-batched room.
func NewBatchRoom(members []BatchMember, cfg RoomConfig, log *logger.Logger) *BatchRoom {
	if log == nil {
		log = logger.Default()
	}
	if cfg.DMDebounce <= 0 {
		cfg.DMDebounce = defaultDMDebounce
	}
	return &BatchRoom{
		cfg:          cfg,
		log:          log,
		members:      append([]BatchMember(nil), members...),
		stops:        make(map[string]*stopSignal),
		pauseStop:    true,
		userQueue:    make(chan string, 256),
		restartQueue: make(chan restartItem, 64),
		addQueue:     make(chan BatchMember, 16),
		removeQueue:  make(chan string, 16),
		resumeCh:     make(chan struct{}, 1),
		dmTexts:      make(map[string][]string),
		dmTimers:     make(map[string]*time.Timer),
	}
}

// SeedHistory preloads prior transcript entries before Run.
func (r *BatchRoom) SeedHistory(msgs []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, msgs...)
}

// History returns a snapshot of the room history.
func (r *BatchRoom) History() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.history))
	copy(out, r.history)
	return out
}

// InjectUserMessage queues a user message for the next round boundary.
func (r *BatchRoom) InjectUserMessage(text string) {
	select {
	case r.userQueue <- text:
	default:
		r.log.Warn("user queue full, dropping message")
	}
}

// AddAgent queues an agent to join; mid-round it joins immediately.
func (r *BatchRoom) AddAgent(m BatchMember) {
	select {
	case r.addQueue <- m:
	default:
		r.log.Warn("add queue full", zap.String("agent", m.Name))
	}
}

// RemoveAgent queues an agent for removal, stopping it if mid-round.
func (r *BatchRoom) RemoveAgent(name string) {
	select {
	case r.removeQueue <- name:
	default:
	}
	r.StopAgent(name)
}

// StopAgent interrupts a single agent's in-flight turn.
func (r *BatchRoom) StopAgent(name string) {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	if s, ok := r.stops[name]; ok {
		s.fire()
	}
}

// StopRound interrupts all agents in the current round. With pause=true the
// room pauses after the round until Resume or new user input.
func (r *BatchRoom) StopRound(pause bool) {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()
	r.pauseStop = pause
	for _, s := range r.stops {
		s.fire()
	}
}

// Resume releases a paused room.
func (r *BatchRoom) Resume() {
	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
}

// RestartAgent stops an agent and queues a DM-driven rerun. DMs within the
// debounce window coalesce into one rerun, joined by newlines.
func (r *BatchRoom) RestartAgent(name, dmText string) {
	r.dmMu.Lock()
	if timer, ok := r.dmTimers[name]; ok {
		timer.Stop()
	}
	r.dmTexts[name] = append(r.dmTexts[name], dmText)
	r.dmTimers[name] = time.AfterFunc(r.cfg.DMDebounce, func() {
		r.dmMu.Lock()
		texts := r.dmTexts[name]
		delete(r.dmTexts, name)
		delete(r.dmTimers, name)
		r.dmMu.Unlock()
		if len(texts) == 0 {
			return
		}
		select {
		case r.restartQueue <- restartItem{name: name, text: strings.Join(texts, "\n")}:
		default:
			r.log.Warn("restart queue full, dropping dm", zap.String("agent", name))
		}
	})
	r.dmMu.Unlock()
	r.StopAgent(name)
}

func (r *BatchRoom) cancelDebounceTimers() {
	r.dmMu.Lock()
	defer r.dmMu.Unlock()
	for _, timer := range r.dmTimers {
		timer.Stop()
	}
	r.dmTimers = make(map[string]*time.Timer)
	r.dmTexts = make(map[string][]string)
}

func (r *BatchRoom) debouncePending(name string) bool {
	r.dmMu.Lock()
	defer r.dmMu.Unlock()
	return len(r.dmTexts[name]) > 0
}

func (r *BatchRoom) anyDebouncePending() bool {
	r.dmMu.Lock()
	defer r.dmMu.Unlock()
	for _, texts := range r.dmTexts {
		if len(texts) > 0 {
			return true
		}
	}
	return false
}

func (r *BatchRoom) drainRestartQueue() {
	for {
		select {
		case <-r.restartQueue:
		default:
			return
		}
	}
}

func (r *BatchRoom) memberByName(name string) (BatchMember, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.Name == name {
			return m, true
		}
	}
	return BatchMember{}, false
}

// roundState tracks one round's per-agent outcomes.
type roundState struct {
	mu        sync.Mutex
	responses map[string]agent.Response
	passed    map[string]bool
}

func newRoundState() *roundState {
	return &roundState{
		responses: make(map[string]agent.Response),
		passed:    make(map[string]bool),
	}
}

func (s *roundState) record(name string, resp agent.Response, pass bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[name] = resp
	s.passed[name] = pass
}

func (s *roundState) get(name string) (agent.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.responses[name]
	return resp, ok
}

func (s *roundState) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.responses, name)
	delete(s.passed, name)
}

// Run drives rounds until all agents pass, the context ends, or the room
// errors. Events are delivered to emit from the pump goroutine in order.
func (r *BatchRoom) Run(ctx context.Context, initialPrompt string, startRound int, emit func(Event)) error {
	if initialPrompt != "" {
		r.mu.Lock()
		r.history = append(r.history, Message{Role: "user", Content: initialPrompt})
		r.mu.Unlock()
	}
	round := startRound

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Drain injected user messages before opening the round.
		for {
			select {
			case text := <-r.userQueue:
				r.mu.Lock()
				r.history = append(r.history, Message{Role: "user", Content: text})
				r.mu.Unlock()
				emit(UserMessageReceived{Text: text})
				continue
			default:
			}
			break
		}

		round++
		r.stopMu.Lock()
		r.anyStopped = false
		r.pauseStop = true
		r.stopMu.Unlock()

		allPassed, err := r.runRound(ctx, round, emit)
		if err != nil {
			return err
		}

		r.serviceMembershipQueues()

		if allPassed {
			emit(DiscussionEnded{Reason: "all_passed"})
			return nil
		}

		r.stopMu.Lock()
		paused := r.anyStopped && r.pauseStop
		r.anyStopped = false
		r.stopMu.Unlock()
		if paused {
			emit(RoundPaused{Round: round})
			if err := r.waitForResume(ctx); err != nil {
				return err
			}
		}

		if len(r.userQueue) > 0 {
			continue
		}
		select {
		case <-time.After(injectionWindow):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *BatchRoom) waitForResume(ctx context.Context) error {
	for {
		select {
		case <-r.resumeCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(batchPollInterval):
			if len(r.userQueue) > 0 {
				return nil
			}
		}
	}
}

func (r *BatchRoom) serviceMembershipQueues() {
	for {
		select {
		case m := <-r.addQueue:
			r.mu.Lock()
			r.members = append(r.members, m)
			r.mu.Unlock()
		case name := <-r.removeQueue:
			r.removeMember(name)
		default:
			return
		}
	}
}

func (r *BatchRoom) removeMember(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.members {
		if m.Name == name {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}

func (r *BatchRoom) roundDeadline() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var maxParse, maxHard time.Duration
	for _, m := range r.members {
		if m.ParseTimeout > maxParse {
			maxParse = m.ParseTimeout
		}
		if m.HardTimeout > maxHard {
			maxHard = m.HardTimeout
		}
	}
	base := r.cfg.Timeout
	if maxHard > base {
		base = maxHard
	}
	return base + maxParse + roundGraceMargin
}

// runRound executes one round to completion, returning whether all agents
// passed.
func (r *BatchRoom) runRound(ctx context.Context, round int, emit func(Event)) (bool, error) {
	r.mu.Lock()
	names := make([]string, len(r.members))
	starting := make([]BatchMember, len(r.members))
	copy(starting, r.members)
	for i, m := range r.members {
		names[i] = m.Name
	}
	r.mu.Unlock()

	emit(RoundStarted{Round: round, Agents: names})

	state := newRoundState()
	evq := make(chan Event, 256)
	var active atomic.Int64
	var wg sync.WaitGroup

	roundCtx, cancelRound := context.WithCancel(ctx)
	defer cancelRound()

	r.stopMu.Lock()
	r.stops = make(map[string]*stopSignal, len(starting))
	for _, m := range starting {
		r.stops[m.Name] = newStopSignal()
	}
	r.stopMu.Unlock()
	r.drainRestartQueue()

	launch := func(m BatchMember, override string) {
		wg.Add(1)
		active.Add(1)
		go func() {
			defer wg.Done()
			defer active.Add(-1)
			r.runAgentTurn(roundCtx, round, m, override, evq, state)
		}()
	}

	for _, m := range starting {
		launch(m, "")
	}

	doneCount := 0
	total := len(starting)
	yielded := make(map[string]bool)
	pendingRestarts := make(map[string]string)
	deferredStops := make(map[string]AgentCompleted)
	deadline := time.Now().Add(r.roundDeadline())

	respawn := func(name, dmText, partial string) {
		emit(AgentInterrupted{Agent: name, Round: round, PartialText: partial})
		state.forget(name)
		if m, ok := r.memberByName(name); ok {
			r.stopMu.Lock()
			r.stops[name] = newStopSignal()
			r.stopMu.Unlock()
			launch(m, dmText)
		}
	}

	for doneCount < total {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			r.log.Warn("round timed out waiting for agents", zap.Int("round", round))
			break
		}

		// Mid-round joins and removals.
		for {
			select {
			case m := <-r.addQueue:
				r.mu.Lock()
				r.members = append(r.members, m)
				r.mu.Unlock()
				r.stopMu.Lock()
				r.stops[m.Name] = newStopSignal()
				r.stopMu.Unlock()
				launch(m, "")
				total++
				continue
			case name := <-r.removeQueue:
				r.removeMember(name)
				if yielded[name] {
					doneCount--
					state.forget(name)
				}
				if total > 0 {
					total--
				}
				continue
			default:
			}
			break
		}

		select {
		case item := <-r.restartQueue:
			pendingRestarts[item.name] = item.text
		default:
		}

		// Agents whose completion was already emitted need the restart
		// applied here; the event path below will not see them again.
		for name, dmText := range pendingRestarts {
			if !yielded[name] {
				continue
			}
			delete(pendingRestarts, name)
			partial := ""
			if resp, ok := state.get(name); ok {
				partial = resp.Response
			}
			delete(yielded, name)
			doneCount--
			respawn(name, dmText, partial)
		}

		wait := batchPollInterval
		if remaining < wait {
			wait = remaining
		}
		var ev Event
		select {
		case ev = <-evq:
		case <-ctx.Done():
			cancelRound()
			wg.Wait()
			return false, ctx.Err()
		case <-time.After(wait):
			hasPending := len(pendingRestarts) > 0 || len(deferredStops) > 0 || r.anyDebouncePending()
			if active.Load() == 0 && len(evq) == 0 && !hasPending {
				doneCount = total
			}
			for name, deferred := range deferredStops {
				if _, ok := pendingRestarts[name]; ok {
					delete(deferredStops, name)
					evq <- deferred
				}
			}
			continue
		}

		if ac, ok := ev.(AgentCompleted); ok {
			if dmText, ok := pendingRestarts[ac.Agent]; ok {
				delete(pendingRestarts, ac.Agent)
				respawn(ac.Agent, dmText, ac.Response.Response)
				continue
			}
			if r.debouncePending(ac.Agent) {
				// Debounce has not fired yet; hold the completion until the
				// restart request lands.
				deferredStops[ac.Agent] = ac
				continue
			}
		}

		emit(ev)
		if ac, ok := ev.(AgentCompleted); ok {
			doneCount++
			yielded[ac.Agent] = true
			if ac.Stopped {
				r.stopMu.Lock()
				r.anyStopped = true
				r.stopMu.Unlock()
			}
		}
	}

	if doneCount < total {
		// Deadline hit: cancel stragglers and flush whatever completed.
		cancelRound()
		wg.Wait()
		for {
			select {
			case ev := <-evq:
				emit(ev)
				if ac, ok := ev.(AgentCompleted); ok {
					yielded[ac.Agent] = true
				}
				continue
			default:
			}
			break
		}
		r.mu.Lock()
		current := make([]BatchMember, len(r.members))
		copy(current, r.members)
		r.mu.Unlock()
		for _, m := range current {
			if _, ok := state.get(m.Name); ok {
				continue
			}
			resp := agent.Response{
				Agent:    m.Name,
				Response: "Agent did not complete before timeout",
				Success:  false,
			}
			state.record(m.Name, resp, false)
			emit(AgentCompleted{Agent: m.Name, Round: round, Response: resp})
		}
	} else {
		wg.Wait()
	}

	r.stopMu.Lock()
	r.stops = make(map[string]*stopSignal)
	r.stopMu.Unlock()
	r.cancelDebounceTimers()

	// Fold the round into history; only shareable content is recorded.
	allPassed := true
	r.mu.Lock()
	current := make([]BatchMember, len(r.members))
	copy(current, r.members)
	r.mu.Unlock()
	state.mu.Lock()
	for _, m := range current {
		resp, ok := state.responses[m.Name]
		if !ok {
			continue
		}
		if state.passed[m.Name] {
			r.mu.Lock()
			r.history = append(r.history, Message{Role: m.Name, Content: "[PASS]", Round: round})
			r.mu.Unlock()
			continue
		}
		allPassed = false
		shareable := ExtractShareable(resp.Response)
		if shareable == "" {
			shareable = Placeholder
		}
		r.mu.Lock()
		r.history = append(r.history, Message{Role: m.Name, Content: shareable, Round: round})
		r.mu.Unlock()
	}
	state.mu.Unlock()

	emit(RoundEnded{Round: round, AllPassed: allPassed})
	return allPassed, nil
}

// runAgentTurn executes a single agent turn inside a round, pushing stream
// events onto evq and recording the outcome.
func (r *BatchRoom) runAgentTurn(ctx context.Context, round int, m BatchMember, override string, evq chan<- Event, state *roundState) {
	var prompt string
	if override != "" {
		prompt = "## Direct Message from User\n" + override + "\n\n" + dmPromptInstruction
	} else {
		var extra map[string]string
		if r.cfg.ContextProvider != nil {
			extra = r.cfg.ContextProvider(m.Name)
		}
		role := m.Role
		history := r.History()
		hasSession := m.Agent.SessionID() != ""
		if hasSession {
			prompt = FormatRoundPrompt(history, m.Name, round, extra)
		} else {
			prompt = FormatPrompt(history, m.Name, round, false, extra, r.cfg.Participants, role)
		}

		sections := map[string]string{}
		for k, v := range extra {
			sections[k] = v
		}
		if !hasSession {
			sections["system"] = FormatSessionContext(m.Name, r.cfg.Participants, role)
		}
		sections["round_delta"] = FormatRoundPrompt(history, m.Name, round, nil)
		r.pushEvent(ctx, evq, AgentPromptAssembled{Agent: m.Name, Round: round, Sections: sections})
	}

	r.stopMu.Lock()
	stop := r.stops[m.Name]
	r.stopMu.Unlock()

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()
	if stop != nil {
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-stop.ch:
				cancelTurn()
			case <-watchDone:
			}
		}()
	}

	resp := m.Agent.Stream(turnCtx, prompt, r.cfg.Timeout, agent.Sink{
		OnChunk: func(text string) {
			r.pushEvent(ctx, evq, AgentStreamChunk{Agent: m.Name, Round: round, Text: text})
		},
		OnNotice: func(n agent.Notice) {
			r.pushEvent(ctx, evq, AgentNotice{Agent: n.Agent, Message: n.Message})
		},
		OnPermission: func(req protocol.PermissionRequest) {
			r.pushEvent(ctx, evq, AgentPermissionRequested{
				Agent:       m.Name,
				Round:       round,
				RequestID:   req.RequestID,
				ToolName:    req.ToolName,
				ToolInput:   req.ToolInput,
				Description: req.Description,
			})
		},
	})

	if resp.Stopped && strings.TrimSpace(resp.Response) == "" {
		resp.Response = "(stopped)"
	}
	isPass := !resp.Stopped && DetectPass(resp.Response)
	state.record(m.Name, resp, isPass)
	if resp.Stderr != "" && !resp.Success {
		r.pushEvent(ctx, evq, AgentStderr{Agent: m.Name, Round: round, Text: resp.Stderr})
	}
	r.pushEvent(ctx, evq, AgentCompleted{
		Agent:    m.Name,
		Round:    round,
		Response: resp,
		Passed:   isPass,
		Stopped:  resp.Stopped,
	})
}

func (r *BatchRoom) pushEvent(ctx context.Context, evq chan<- Event, ev Event) {
	select {
	case evq <- ev:
	case <-ctx.Done():
	}
}
