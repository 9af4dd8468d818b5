package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multiagents/multiagents/internal/cards"
)

// MemoryStore is an in-memory Store used by tests and ephemeral runs.
type MemoryStore struct {
	mu        sync.Mutex
	maxEvents int
	sessions  map[string]*Session
	messages  map[string][]MessageRecord
	progress  map[string]map[string]AgentProgress
	events    map[string][]storedEvent
	cards     map[string]map[string]*cards.Card
}

type storedEvent struct {
	id   int64
	data map[string]any
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(maxEvents int) *MemoryStore {
	if maxEvents <= 0 {
		maxEvents = defaultMaxSessionEvents
	}
	return &MemoryStore{
		maxEvents: maxEvents,
		sessions:  make(map[string]*Session),
		messages:  make(map[string][]MessageRecord),
		progress:  make(map[string]map[string]AgentProgress),
		events:    make(map[string][]storedEvent),
		cards:     make(map[string]map[string]*cards.Card),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) session(sessionID string) (*Session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}
	return sess, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Summary{ID: sess.ID, Title: sess.Title, Agents: sess.Agents, UpdatedAt: sess.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, agents []AgentPersona, workingDir string, config map[string]any) (*Session, error) {
	for i := range agents {
		if agents[i].Name == "" {
			agents[i].Name = agents[i].Type
		}
	}
	if config == nil {
		config = map[string]any{}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	sess := &Session{
		ID:            strings.ReplaceAll(uuid.NewString(), "-", ""),
		Title:         "New Chat",
		Agents:        agents,
		CreatedAt:     now,
		UpdatedAt:     now,
		AgentSessions: map[string]string{},
		WorkingDir:    workingDir,
		Config:        config,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	prog := make(map[string]AgentProgress, len(agents))
	for _, a := range agents {
		prog[a.Name] = AgentProgress{Status: "idle"}
	}
	s.progress[sess.ID] = prog
	copied := *sess
	return &copied, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *sess
	copied.AgentSessions = make(map[string]string, len(sess.AgentSessions))
	for k, v := range sess.AgentSessions {
		copied.AgentSessions[k] = v
	}
	return &copied, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	delete(s.progress, sessionID)
	delete(s.events, sessionID)
	delete(s.cards, sessionID)
	return nil
}

func (s *MemoryStore) UpdateTitle(ctx context.Context, sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	sess.Title = title
	sess.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return nil
}

func (s *MemoryStore) UpdateAgents(ctx context.Context, sessionID string, agents []AgentPersona) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	sess.Agents = agents
	return nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, sessionID, role, content string, round int, passed bool) (*MessageRecord, error) {
	msg := MessageRecord{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Role:      role,
		Content:   content,
		Round:     round,
		Passed:    passed,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.session(sessionID); err != nil {
		return nil, err
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	s.sessions[sessionID].UpdatedAt = msg.CreatedAt
	return &msg, nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, sessionID string) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MessageRecord, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out, nil
}

func (s *MemoryStore) SetRunning(ctx context.Context, sessionID string, running bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	sess.IsRunning = running
	return nil
}

func (s *MemoryStore) SetCurrentRound(ctx context.Context, sessionID string, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	sess.CurrentRound = round
	return nil
}

func (s *MemoryStore) GetState(ctx context.Context, sessionID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &State{
		IsRunning:    sess.IsRunning,
		IsPaused:     sess.IsPaused,
		CurrentRound: sess.CurrentRound,
		LastEventID:  sess.LastEventID,
		LastEventAt:  sess.LastEventAt,
	}, nil
}

func (s *MemoryStore) ClearInFlight(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	sess.IsRunning = false
	sess.IsPaused = false
	sess.CurrentRound = 0
	for name := range s.progress[sessionID] {
		s.progress[sessionID][name] = AgentProgress{Status: "idle"}
	}
	return nil
}

func (s *MemoryStore) ResetAgentProgress(ctx context.Context, sessionID string, agentNames []string, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prog := s.progress[sessionID]
	if prog == nil {
		prog = make(map[string]AgentProgress)
		s.progress[sessionID] = prog
	}
	for _, name := range agentNames {
		prog[name] = AgentProgress{LastRound: round, Status: "streaming"}
	}
	return nil
}

func (s *MemoryStore) AppendAgentStream(ctx context.Context, sessionID, agentName string, round int, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prog := s.progress[sessionID]
	if prog == nil {
		prog = make(map[string]AgentProgress)
		s.progress[sessionID] = prog
	}
	p := prog[agentName]
	p.LastRound = round
	p.Status = "streaming"
	p.StreamText += chunk
	prog[agentName] = p
	return nil
}

func (s *MemoryStore) SetAgentStatus(ctx context.Context, sessionID, agentName, status string, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prog := s.progress[sessionID]
	if prog == nil {
		prog = make(map[string]AgentProgress)
		s.progress[sessionID] = prog
	}
	p := prog[agentName]
	p.LastRound = round
	p.Status = status
	prog[agentName] = p
	return nil
}

func (s *MemoryStore) GetAgentProgress(ctx context.Context, sessionID string) (map[string]AgentProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AgentProgress, len(s.progress[sessionID]))
	for k, v := range s.progress[sessionID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) ReserveEventID(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(sessionID)
	if err != nil {
		return 0, err
	}
	sess.LastEventID++
	return sess.LastEventID, nil
}

func (s *MemoryStore) SaveEvent(ctx context.Context, sessionID string, eventID int64, data map[string]any) error {
	// Round-trip through JSON so stored events match what sqlite returns.
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var copied map[string]any
	if err := json.Unmarshal(payload, &copied); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	events := s.events[sessionID]
	replaced := false
	for i := range events {
		if events[i].id == eventID {
			events[i].data = copied
			replaced = true
			break
		}
	}
	if !replaced {
		events = append(events, storedEvent{id: eventID, data: copied})
		sort.Slice(events, func(i, j int) bool { return events[i].id < events[j].id })
	}
	if len(events) > s.maxEvents {
		events = events[len(events)-s.maxEvents:]
	}
	s.events[sessionID] = events
	sess.LastEventAt = time.Now().UTC().Format(time.RFC3339Nano)
	return nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, sessionID string, afterEventID int64, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 500
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, ev := range s.events[sessionID] {
		if ev.id > afterEventID {
			out = append(out, ev.data)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) PruneEvents(ctx context.Context, sessionID string, upToEventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[sessionID]
	kept := events[:0]
	for _, ev := range events {
		if ev.id > upToEventID {
			kept = append(kept, ev)
		}
	}
	s.events[sessionID] = kept
	return nil
}

func (s *MemoryStore) ClearEvents(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, sessionID)
	return nil
}

func (s *MemoryStore) SaveAgentSessionID(ctx context.Context, sessionID, agentName, cliSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	sess.AgentSessions[agentName] = cliSessionID
	return nil
}

func (s *MemoryStore) GetAgentSessionIDs(ctx context.Context, sessionID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(sess.AgentSessions))
	for k, v := range sess.AgentSessions {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) AddAgentState(ctx context.Context, sessionID, agentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prog := s.progress[sessionID]
	if prog == nil {
		prog = make(map[string]AgentProgress)
		s.progress[sessionID] = prog
	}
	if _, ok := prog[agentName]; !ok {
		prog[agentName] = AgentProgress{Status: "idle"}
	}
	return nil
}

func (s *MemoryStore) RemoveAgentState(ctx context.Context, sessionID, agentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.progress[sessionID], agentName)
	if sess, ok := s.sessions[sessionID]; ok {
		delete(sess.AgentSessions, agentName)
	}
	return nil
}

func (s *MemoryStore) SaveCard(ctx context.Context, sessionID string, card *cards.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.cards[sessionID]
	if byID == nil {
		byID = make(map[string]*cards.Card)
		s.cards[sessionID] = byID
	}
	byID[card.ID] = card.Clone()
	return nil
}

func (s *MemoryStore) GetCards(ctx context.Context, sessionID string) ([]*cards.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*cards.Card, 0, len(s.cards[sessionID]))
	for _, card := range s.cards[sessionID] {
		out = append(out, card.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *MemoryStore) DeleteCard(ctx context.Context, sessionID, cardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cards[sessionID], cardID)
	return nil
}
