package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/multiagents/multiagents/internal/agent"
	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/protocol"
)

const (
	inboxPollInterval = 200 * time.Millisecond
	pumpPollInterval  = 100 * time.Millisecond
	defaultDMDebounce = 500 * time.Millisecond
)

// Streamer is the per-agent turn interface the room drives. *agent.Agent
// satisfies it; tests substitute deterministic fakes.
type Streamer interface {
	Stream(ctx context.Context, prompt string, timeout time.Duration, sink agent.Sink) agent.Response
	CancelTurn(ctx context.Context) error
	RespondToPermission(ctx context.Context, resp protocol.PermissionResponse) error
	SessionID() string
}

// Member is one agent participating in a room.
type Member struct {
	Name  string
	Type  string
	Role  string
	Agent Streamer
}

// RoomConfig tunes a persistent room.
type RoomConfig struct {
	Timeout       time.Duration // per-turn idle timeout
	ParseTimeout  time.Duration
	RelayCooldown time.Duration
	DMDebounce    time.Duration
	Participants  []Participant
	// ContextProvider returns extra prompt sections (e.g. the task board)
	// for an agent. May be nil.
	ContextProvider func(agentName string) map[string]string
}

// inbox is an unbounded multi-producer single-consumer queue.
type inbox struct {
	mu     sync.Mutex
	items  []InboxItem
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) push(item InboxItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *inbox) pop() (InboxItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return InboxItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// dequeue waits up to timeout for an item.
func (q *inbox) dequeue(ctx context.Context, timeout time.Duration) (InboxItem, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if item, ok := q.pop(); ok {
			return item, true
		}
		select {
		case <-q.notify:
		case <-deadline.C:
			return InboxItem{}, false
		case <-ctx.Done():
			return InboxItem{}, false
		}
	}
}

// drain pops everything currently queued without blocking.
func (q *inbox) drain() []InboxItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *inbox) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

type roomMember struct {
	Member
	inbox       *inbox
	idle        bool
	passed      bool
	initialized bool
	stopCh      chan struct{}
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// pumpItem is either an event or the settlement sentinel.
type pumpItem struct {
	ev     Event
	settle bool
}

type restartItem struct {
	name string
	text string
}

// Room is the persistent-mode chat room: each agent owns an inbox and runs
// turns as deliveries arrive; rounds settle when every agent is idle and all
// inboxes are drained.
type Room struct {
	cfg RoomConfig
	log *logger.Logger

	mu                  sync.Mutex
	members             map[string]*roomMember
	order               []string
	history             []Message
	round               int
	roundOpen           bool
	roundHasActivity    bool
	settlementSignaled  bool
	anyStoppedThisRound bool
	pauseOnStop         bool
	lastUserMessage     string
	deliveryPending     map[string]map[string]bool
	dmTexts             map[string][]string
	dmTimers            map[string]*time.Timer

	relays       *relayGate
	pumpQueue    chan pumpItem
	userQueue    chan string
	systemQueue  chan string
	restartQueue chan restartItem
	addQueue     chan Member
	removeQueue  chan string
	resumeCh     chan struct{}

	runCtx context.Context
}

// NewRoom creates a persistent room with the given members.
func NewRoom(members []Member, cfg RoomConfig, log *logger.Logger) *Room {
	if log == nil {
		log = logger.Default()
	}
	if cfg.DMDebounce <= 0 {
		cfg.DMDebounce = defaultDMDebounce
	}
	r := &Room{
		cfg:             cfg,
		log:             log,
		members:         make(map[string]*roomMember),
		round:           1,
		pauseOnStop:     true,
		deliveryPending: make(map[string]map[string]bool),
		dmTexts:         make(map[string][]string),
		dmTimers:        make(map[string]*time.Timer),
		relays:          newRelayGate(cfg.RelayCooldown),
		pumpQueue:       make(chan pumpItem, 256),
		userQueue:       make(chan string, 256),
		systemQueue:     make(chan string, 64),
		restartQueue:    make(chan restartItem, 64),
		addQueue:        make(chan Member, 16),
		removeQueue:     make(chan string, 16),
		resumeCh:        make(chan struct{}, 1),
	}
	for _, m := range members {
		r.members[m.Name] = &roomMember{
			Member: m,
			inbox:  newInbox(),
			idle:   true,
			stopCh: make(chan struct{}),
		}
		r.order = append(r.order, m.Name)
	}
	return r
}

// SeedHistory preloads prior transcript entries before Run.
func (r *Room) SeedHistory(msgs []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, msgs...)
}

// History returns a snapshot of the room history.
func (r *Room) History() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.history))
	copy(out, r.history)
	return out
}

// Round returns the current round number.
func (r *Room) Round() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round
}

// InjectUserMessage queues a user message for the next pump cycle.
func (r *Room) InjectUserMessage(text string) {
	select {
	case r.userQueue <- text:
	default:
		r.log.Warn("user queue full, dropping message")
	}
}

// InjectSystemMessage queues a system broadcast.
func (r *Room) InjectSystemMessage(text string) {
	select {
	case r.systemQueue <- text:
	default:
		r.log.Warn("system queue full, dropping message")
	}
}

// StopAgent interrupts the named agent's in-flight turn.
func (r *Room) StopAgent(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopMemberLocked(name)
}

func (r *Room) stopMemberLocked(name string) {
	m, ok := r.members[name]
	if !ok || m.stopped {
		return
	}
	m.stopped = true
	close(m.stopCh)
}

// StopRound interrupts all agents. With pause=true the pump pauses after the
// round settles until Resume or new input.
func (r *Room) StopRound(pause bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauseOnStop = pause
	for name := range r.members {
		r.stopMemberLocked(name)
	}
}

// Resume releases a paused room.
func (r *Room) Resume() {
	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
}

// RestartAgent stops an agent and queues a DM-driven rerun. DMs to the same
// agent within the debounce window are coalesced, joined by newlines.
func (r *Room) RestartAgent(name, dmText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.dmTimers[name]; ok {
		timer.Stop()
	}
	r.dmTexts[name] = append(r.dmTexts[name], dmText)
	r.stopMemberLocked(name)
	r.dmTimers[name] = time.AfterFunc(r.cfg.DMDebounce, func() {
		r.mu.Lock()
		texts := r.dmTexts[name]
		delete(r.dmTexts, name)
		delete(r.dmTimers, name)
		r.mu.Unlock()
		if len(texts) == 0 {
			return
		}
		select {
		case r.restartQueue <- restartItem{name: name, text: strings.Join(texts, "\n")}:
		default:
			r.log.Warn("restart queue full, dropping dm", zap.String("agent", name))
		}
	})
}

// AddAgent queues an agent to join the room.
func (r *Room) AddAgent(m Member) {
	select {
	case r.addQueue <- m:
	default:
		r.log.Warn("add queue full", zap.String("agent", m.Name))
	}
}

// RemoveAgent queues an agent for removal, stopping it if mid-turn.
func (r *Room) RemoveAgent(name string) {
	r.StopAgent(name)
	select {
	case r.removeQueue <- name:
	default:
	}
}

// RespondToPermission routes a permission decision to the named agent, or to
// every member when the agent is unknown.
func (r *Room) RespondToPermission(ctx context.Context, agentName string, resp protocol.PermissionResponse) {
	r.mu.Lock()
	var targets []*roomMember
	if m, ok := r.members[agentName]; ok {
		targets = append(targets, m)
	} else {
		for _, m := range r.members {
			targets = append(targets, m)
		}
	}
	r.mu.Unlock()
	for _, m := range targets {
		if err := m.Agent.RespondToPermission(ctx, resp); err != nil {
			r.log.WithError(err).Warn("permission response failed", zap.String("agent", m.Name))
		}
	}
}

func (r *Room) push(ev Event) {
	select {
	case r.pumpQueue <- pumpItem{ev: ev}:
	case <-r.runCtx.Done():
	}
}

func (r *Room) agentNames() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// enqueueDelivery fans a message out to the recipients' inboxes, registering
// the pending-ack set.
func (r *Room) enqueueDeliveryLocked(sender, text string, round int, recipients []*roomMember) {
	if len(recipients) == 0 {
		return
	}
	deliveryID := uuid.NewString()
	pending := make(map[string]bool, len(recipients))
	for _, m := range recipients {
		pending[m.Name] = true
	}
	r.deliveryPending[deliveryID] = pending
	item := InboxItem{Sender: sender, Text: text, Round: round, DeliveryID: deliveryID}
	for _, m := range recipients {
		m.inbox.push(item)
	}
}

// ackDelivery records that a recipient dequeued a delivery and emits the
// corresponding event; pending tracking is dropped once every original
// recipient has acked.
func (r *Room) ackDelivery(item InboxItem, recipient string) {
	r.mu.Lock()
	if pending, ok := r.deliveryPending[item.DeliveryID]; ok {
		delete(pending, recipient)
		if len(pending) == 0 {
			delete(r.deliveryPending, item.DeliveryID)
		}
	}
	r.mu.Unlock()
	r.push(AgentDeliveryAcked{
		DeliveryID: item.DeliveryID,
		Recipient:  recipient,
		Sender:     item.Sender,
		Round:      item.Round,
	})
}

// trySignalSettlement checks the settlement condition and, when it holds,
// enqueues the settlement sentinel exactly once per cycle.
func (r *Room) trySignalSettlement() {
	r.mu.Lock()
	if !r.roundHasActivity || r.settlementSignaled {
		r.mu.Unlock()
		return
	}
	for _, m := range r.members {
		if !m.idle || !m.inbox.empty() {
			r.mu.Unlock()
			return
		}
	}
	r.settlementSignaled = true
	r.mu.Unlock()
	select {
	case r.pumpQueue <- pumpItem{settle: true}:
	case <-r.runCtx.Done():
	}
}

// Run drives the room until ctx is cancelled. Events are delivered to emit in
// a single goroutine, preserving FIFO order across agents.
func (r *Room) Run(ctx context.Context, emit func(Event)) {
	r.runCtx = ctx
	r.mu.Lock()
	for _, m := range r.members {
		r.startMemberLocked(ctx, m)
	}
	r.mu.Unlock()

	defer r.shutdownMembers()

	ticker := time.NewTicker(pumpPollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		r.serviceInputQueues(ctx, emit)

		select {
		case item := <-r.pumpQueue:
			if item.settle {
				if !r.settleRound(ctx, emit) {
					return
				}
				continue
			}
			if ac, ok := item.ev.(AgentCompleted); ok && ac.Stopped {
				r.mu.Lock()
				r.anyStoppedThisRound = true
				r.mu.Unlock()
			}
			emit(item.ev)
		case <-ticker.C:
			r.trySignalSettlement()
		case <-ctx.Done():
			return
		}
	}
}

// serviceInputQueues drains user, system, DM-restart, and membership queues.
func (r *Room) serviceInputQueues(ctx context.Context, emit func(Event)) {
	for {
		select {
		case text := <-r.userQueue:
			r.handleBroadcast(emit, "user", text)
		case text := <-r.systemQueue:
			r.handleBroadcast(emit, "system", text)
		case item := <-r.restartQueue:
			r.handleRestart(emit, item)
		case m := <-r.addQueue:
			r.handleAdd(ctx, m)
		case name := <-r.removeQueue:
			r.handleRemove(name)
		default:
			return
		}
	}
}

func (r *Room) handleBroadcast(emit func(Event), sender, text string) {
	r.mu.Lock()
	if !r.roundOpen {
		r.openRoundLocked(emit)
	}
	r.history = append(r.history, Message{Role: sender, Content: text})
	if sender == "user" {
		r.lastUserMessage = text
	}
	r.settlementSignaled = false
	r.roundHasActivity = true
	recipients := make([]*roomMember, 0, len(r.members))
	for _, name := range r.order {
		m := r.members[name]
		m.idle = false
		m.passed = false
		recipients = append(recipients, m)
	}
	r.enqueueDeliveryLocked(sender, text, r.round, recipients)
	r.mu.Unlock()
	if sender == "user" {
		emit(UserMessageReceived{Text: text})
	}
}

func (r *Room) handleRestart(emit func(Event), item restartItem) {
	r.mu.Lock()
	m, ok := r.members[item.name]
	if !ok {
		r.mu.Unlock()
		return
	}
	if !r.roundOpen {
		r.openRoundLocked(emit)
	}
	m.idle = false
	m.passed = false
	r.settlementSignaled = false
	r.roundHasActivity = true
	r.enqueueDeliveryLocked("dm", item.text, r.round, []*roomMember{m})
	r.mu.Unlock()
}

func (r *Room) handleAdd(ctx context.Context, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.members[m.Name]; exists {
		return
	}
	rm := &roomMember{
		Member: m,
		inbox:  newInbox(),
		idle:   true,
		stopCh: make(chan struct{}),
	}
	r.members[m.Name] = rm
	r.order = append(r.order, m.Name)
	r.startMemberLocked(ctx, rm)
	// Seed the joiner with the last user message so it has context.
	if r.lastUserMessage != "" {
		rm.idle = false
		r.settlementSignaled = false
		r.roundHasActivity = true
		r.enqueueDeliveryLocked("user", r.lastUserMessage, r.round, []*roomMember{rm})
	}
}

func (r *Room) handleRemove(name string) {
	r.mu.Lock()
	m, ok := r.members[name]
	if ok {
		delete(r.members, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if ok && m.cancel != nil {
		m.cancel()
	}
}

func (r *Room) openRoundLocked(emit func(Event)) {
	r.roundOpen = true
	emit(RoundStarted{Round: r.round, Agents: r.agentNames()})
}

// settleRound closes the current round. Returns false when the run context
// ended during a pause wait.
func (r *Room) settleRound(ctx context.Context, emit func(Event)) bool {
	r.mu.Lock()
	allPassed := true
	for _, m := range r.members {
		if !m.passed {
			allPassed = false
			break
		}
	}
	round := r.round
	anyStopped := r.anyStoppedThisRound
	pauseOnStop := r.pauseOnStop
	r.mu.Unlock()

	emit(RoundEnded{Round: round, AllPassed: allPassed})

	if anyStopped && pauseOnStop {
		if !r.waitForResume(ctx, emit, round) {
			return false
		}
	}

	r.mu.Lock()
	r.round++
	r.settlementSignaled = false
	r.roundHasActivity = false
	r.anyStoppedThisRound = false
	r.pauseOnStop = true
	for _, m := range r.members {
		m.stopped = false
		m.stopCh = make(chan struct{})
	}
	if allPassed {
		r.roundOpen = false
	} else {
		r.roundOpen = true
		emit(RoundStarted{Round: r.round, Agents: r.agentNames()})
	}
	r.mu.Unlock()
	return true
}

// waitForResume emits RoundPaused and blocks until resume or new input,
// forwarding agent events that arrive meanwhile.
func (r *Room) waitForResume(ctx context.Context, emit func(Event), round int) bool {
	emit(RoundPaused{Round: round})
	for {
		select {
		case <-r.resumeCh:
			return true
		case text := <-r.userQueue:
			// Requeue for the normal input path after the pause ends.
			r.InjectUserMessage(text)
			return true
		case item := <-r.pumpQueue:
			if !item.settle {
				emit(item.ev)
			}
		case <-ctx.Done():
			return false
		}
	}
}

func (r *Room) startMemberLocked(ctx context.Context, m *roomMember) {
	gctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go r.memberLoop(gctx, m)
}

func (r *Room) shutdownMembers() {
	r.mu.Lock()
	members := make([]*roomMember, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.mu.Unlock()
	for _, m := range members {
		if m.cancel != nil {
			m.cancel()
		}
	}
	for _, m := range members {
		<-m.done
	}
	r.mu.Lock()
	for _, timer := range r.dmTimers {
		timer.Stop()
	}
	r.dmTimers = make(map[string]*time.Timer)
	r.dmTexts = make(map[string][]string)
	r.mu.Unlock()
}

// memberLoop is the per-agent goroutine: drain inbox, run a turn, update
// idle/pass state, relay shares, and check settlement.
func (r *Room) memberLoop(ctx context.Context, m *roomMember) {
	defer close(m.done)
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := m.inbox.dequeue(ctx, inboxPollInterval)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			r.trySignalSettlement()
			continue
		}
		batch := append([]InboxItem{item}, m.inbox.drain()...)
		for _, it := range batch {
			r.ackDelivery(it, m.Name)
		}
		r.runMemberTurn(ctx, m, batch)
		r.trySignalSettlement()
	}
}

func (r *Room) runMemberTurn(ctx context.Context, m *roomMember, batch []InboxItem) {
	r.mu.Lock()
	messageRound := r.round
	for _, it := range batch {
		if it.Round > messageRound {
			messageRound = it.Round
		}
	}
	includeContext := !m.initialized
	m.initialized = true
	stopCh := m.stopCh
	r.mu.Unlock()

	sessionCtx := ""
	if includeContext {
		sessionCtx = FormatSessionContext(m.Name, r.cfg.Participants, m.Role)
	}
	var extra map[string]string
	if r.cfg.ContextProvider != nil {
		extra = r.cfg.ContextProvider(m.Name)
	}
	prompt := FormatPersistentEventsPrompt(m.Name, batch, sessionCtx, extra, messageRound)

	sections := map[string]string{}
	for k, v := range extra {
		sections[k] = v
	}
	if sessionCtx != "" {
		sections["system"] = sessionCtx
	}
	sections["round_delta"] = prompt
	r.push(AgentPromptAssembled{Agent: m.Name, Round: messageRound, Sections: sections})

	turnCtx, cancelTurn := context.WithCancel(ctx)
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-stopCh:
			cancelTurn()
		case <-stopWatch:
		}
	}()

	resp := m.Agent.Stream(turnCtx, prompt, r.cfg.Timeout, agent.Sink{
		OnChunk: func(text string) {
			r.push(AgentStreamChunk{Agent: m.Name, Round: messageRound, Text: text})
		},
		OnNotice: func(n agent.Notice) {
			r.push(AgentNotice{Agent: n.Agent, Message: n.Message})
		},
		OnPermission: func(req protocol.PermissionRequest) {
			r.push(AgentPermissionRequested{
				Agent:       m.Name,
				Round:       messageRound,
				RequestID:   req.RequestID,
				ToolName:    req.ToolName,
				ToolInput:   req.ToolInput,
				Description: req.Description,
			})
		},
	})
	close(stopWatch)
	cancelTurn()

	if resp.Stopped {
		r.mu.Lock()
		m.idle = true
		m.passed = false
		r.mu.Unlock()
		r.push(AgentCompleted{Agent: m.Name, Round: messageRound, Response: resp, Passed: false, Stopped: true})
		return
	}

	isPass := resp.Success && DetectPass(resp.Response)
	if isPass {
		r.mu.Lock()
		m.idle = true
		m.passed = true
		r.history = append(r.history, Message{Role: m.Name, Content: "[PASS]", Round: messageRound})
		r.mu.Unlock()
		r.push(AgentCompleted{Agent: m.Name, Round: messageRound, Response: resp, Passed: true})
		return
	}

	shareable := ExtractShareable(resp.Response)
	r.mu.Lock()
	m.passed = false
	m.idle = true
	r.history = append(r.history, Message{Role: m.Name, Content: shareable, Round: messageRound})
	var targets []*roomMember
	if resp.Success && shareable != Placeholder {
		for _, name := range r.order {
			other := r.members[name]
			if other.Name == m.Name {
				continue
			}
			if r.relays.allow(m.Name, other.Name, shareable) {
				other.idle = false
				targets = append(targets, other)
			}
		}
		if len(targets) > 0 {
			r.enqueueDeliveryLocked(m.Name, shareable, messageRound, targets)
		}
	}
	r.mu.Unlock()

	if resp.Stderr != "" && !resp.Success {
		r.push(AgentStderr{Agent: m.Name, Round: messageRound, Text: resp.Stderr})
	}
	r.push(AgentCompleted{Agent: m.Name, Round: messageRound, Response: resp, Passed: false})
}
