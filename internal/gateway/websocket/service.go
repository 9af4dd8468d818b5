package websocket

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/multiagents/multiagents/internal/cards"
	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/events/bus"
	"github.com/multiagents/multiagents/internal/protocol"
	"github.com/multiagents/multiagents/internal/session"
	ws "github.com/multiagents/multiagents/pkg/websocket"
)

// Service wires the control-plane message types to the session runner and
// store. RegisterHandlers installs one handler per message type.
type Service struct {
	runner *session.Runner
	store  session.Store
	bus    bus.Bus
	logger *logger.Logger
}

// NewService creates the gateway service. eventBus may be nil.
func NewService(runner *session.Runner, store session.Store, eventBus bus.Bus, log *logger.Logger) *Service {
	return &Service{
		runner: runner,
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws_service")),
	}
}

// publishLifecycle announces a session-list change; the hub forwards it to
// every connected client.
func (s *Service) publishLifecycle(ctx context.Context, eventType, sessionID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, bus.SessionLifecycleSubject, bus.NewEvent(eventType, sessionID, data)); err != nil {
		s.logger.Debug("Lifecycle publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

// RegisterHandlers installs all message handlers on the dispatcher.
func (s *Service) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.TypeCreateSession, s.handleCreateSession)
	d.RegisterFunc(ws.TypeMessage, s.handleMessage)
	d.RegisterFunc(ws.TypeStopAgent, s.handleStopAgent)
	d.RegisterFunc(ws.TypeStopRound, s.handleStopRound)
	d.RegisterFunc(ws.TypeResume, s.handleResume)
	d.RegisterFunc(ws.TypeCancel, s.handleCancel)
	d.RegisterFunc(ws.TypeDirectMessage, s.handleDirectMessage)
	d.RegisterFunc(ws.TypeAddAgent, s.handleAddAgent)
	d.RegisterFunc(ws.TypeRemoveAgent, s.handleRemoveAgent)
	d.RegisterFunc(ws.TypePermissionResponse, s.handlePermissionResponse)
	d.RegisterFunc(ws.TypeCardCreate, s.handleCardCreate)
	d.RegisterFunc(ws.TypeCardUpdate, s.handleCardUpdate)
	d.RegisterFunc(ws.TypeCardDelete, s.handleCardDelete)
	d.RegisterFunc(ws.TypeCardList, s.handleCardList)
	d.RegisterFunc(ws.TypeCardStart, s.handleCardStart)
	d.RegisterFunc(ws.TypeCardDelegate, s.handleCardDelegate)
	d.RegisterFunc(ws.TypeCardDone, s.handleCardDone)
}

func specPersonas(specs []ws.AgentSpec) []session.AgentPersona {
	out := make([]session.AgentPersona, 0, len(specs))
	for _, a := range specs {
		out = append(out, session.AgentPersona{Name: a.Name, Type: a.Type, Role: a.Role, Model: a.Model})
	}
	return out
}

func (s *Service) sessionPersonas(ctx context.Context, sessionID string) ([]session.AgentPersona, *session.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, fmt.Errorf("session %s not found", sessionID)
	}
	return sess.Agents, sess, nil
}

func (s *Service) handleCreateSession(ctx context.Context, _ string, msg *ws.ClientMessage) (map[string]any, error) {
	if len(msg.Agents) == 0 {
		return ws.NewErrorEvent(ws.ErrorCodeValidation, "agents are required"), nil
	}
	personas := specPersonas(msg.Agents)
	sess, err := s.store.CreateSession(ctx, personas, msg.WorkingDir, msg.Config)
	if err != nil {
		return nil, err
	}
	s.runner.StartWarmup(sess.ID, personas)
	s.publishLifecycle(ctx, "session_created", sess.ID, map[string]any{"title": sess.Title})
	return map[string]any{"type": "session_created", "session": sess}, nil
}

func (s *Service) handleMessage(ctx context.Context, sessionID string, msg *ws.ClientMessage) (map[string]any, error) {
	if msg.Text == "" {
		return ws.NewErrorEvent(ws.ErrorCodeValidation, "text is required"), nil
	}
	if s.runner.IsRunning(sessionID) {
		s.runner.InjectMessage(sessionID, msg.Text)
		return nil, nil
	}
	personas, _, err := s.sessionPersonas(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	startRound := 1
	if state, err := s.store.GetState(ctx, sessionID); err == nil && state != nil {
		startRound = state.CurrentRound + 1
	}
	s.runner.RunPrompt(sessionID, msg.Text, personas, startRound)
	return nil, nil
}

func (s *Service) handleStopAgent(_ context.Context, sessionID string, msg *ws.ClientMessage) (map[string]any, error) {
	if msg.Agent == "" {
		return ws.NewErrorEvent(ws.ErrorCodeValidation, "agent is required"), nil
	}
	s.runner.StopAgent(sessionID, msg.Agent)
	return nil, nil
}

func (s *Service) handleStopRound(_ context.Context, sessionID string, _ *ws.ClientMessage) (map[string]any, error) {
	s.runner.StopRound(sessionID)
	return nil, nil
}

func (s *Service) handleResume(_ context.Context, sessionID string, _ *ws.ClientMessage) (map[string]any, error) {
	s.runner.Resume(sessionID)
	return nil, nil
}

func (s *Service) handleCancel(_ context.Context, sessionID string, _ *ws.ClientMessage) (map[string]any, error) {
	s.runner.Cancel(sessionID)
	return nil, nil
}

func (s *Service) handleDirectMessage(ctx context.Context, sessionID string, msg *ws.ClientMessage) (map[string]any, error) {
	if msg.Agent == "" || msg.Text == "" {
		return ws.NewErrorEvent(ws.ErrorCodeValidation, "agent and text are required"), nil
	}
	if s.runner.IsRunning(sessionID) {
		s.runner.RestartAgent(sessionID, msg.Agent, msg.Text)
		return nil, nil
	}
	// Idle session: run a single-agent round addressed to the target.
	personas, _, err := s.sessionPersonas(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	target := session.AgentPersona{Name: msg.Agent, Type: msg.Agent}
	for _, p := range personas {
		if p.Name == msg.Agent {
			target = p
			break
		}
	}
	startRound := 1
	if state, err := s.store.GetState(ctx, sessionID); err == nil && state != nil {
		startRound = state.CurrentRound + 1
	}
	s.runner.RunPrompt(sessionID, msg.Text, []session.AgentPersona{target}, startRound)
	return nil, nil
}

func (s *Service) handleAddAgent(ctx context.Context, sessionID string, msg *ws.ClientMessage) (map[string]any, error) {
	if msg.Name == "" || msg.AgentType == "" {
		return ws.NewErrorEvent(ws.ErrorCodeValidation, "name and agent_type are required"), nil
	}
	personas, _, err := s.sessionPersonas(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, p := range personas {
		if p.Name == msg.Name {
			return ws.NewErrorEvent(ws.ErrorCodeValidation, "agent already exists: "+msg.Name), nil
		}
	}
	persona := session.AgentPersona{Name: msg.Name, Type: msg.AgentType, Role: msg.Role, Model: msg.Model}
	updated := append(personas, persona)
	if err := s.store.UpdateAgents(ctx, sessionID, updated); err != nil {
		return nil, err
	}
	if err := s.store.AddAgentState(ctx, sessionID, msg.Name); err != nil {
		s.logger.Error("Failed to add agent state", zap.Error(err))
	}
	if err := s.runner.AddAgent(ctx, sessionID, persona); err != nil {
		return nil, err
	}
	s.publishLifecycle(ctx, "agent_added", sessionID, map[string]any{"name": persona.Name})
	return map[string]any{"type": "agent_added", "agent": persona}, nil
}

func (s *Service) handleRemoveAgent(ctx context.Context, sessionID string, msg *ws.ClientMessage) (map[string]any, error) {
	if msg.Name == "" {
		return ws.NewErrorEvent(ws.ErrorCodeValidation, "name is required"), nil
	}
	personas, _, err := s.sessionPersonas(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	kept := make([]session.AgentPersona, 0, len(personas))
	for _, p := range personas {
		if p.Name != msg.Name {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(personas) {
		return ws.NewErrorEvent(ws.ErrorCodeNotFound, "agent not found: "+msg.Name), nil
	}
	if err := s.store.UpdateAgents(ctx, sessionID, kept); err != nil {
		return nil, err
	}
	if err := s.store.RemoveAgentState(ctx, sessionID, msg.Name); err != nil {
		s.logger.Error("Failed to remove agent state", zap.Error(err))
	}
	s.runner.RemoveAgent(ctx, sessionID, msg.Name)
	s.publishLifecycle(ctx, "agent_removed", sessionID, map[string]any{"name": msg.Name})
	return map[string]any{"type": "agent_removed", "name": msg.Name}, nil
}

func (s *Service) handlePermissionResponse(ctx context.Context, sessionID string, msg *ws.ClientMessage) (map[string]any, error) {
	if msg.RequestID == "" {
		return ws.NewErrorEvent(ws.ErrorCodeValidation, "request_id is required"), nil
	}
	approved := msg.Approved != nil && *msg.Approved
	s.runner.RespondToPermission(ctx, sessionID, msg.Agent, protocol.PermissionResponse{
		RequestID: msg.RequestID,
		Approved:  approved,
	})
	return nil, nil
}

func (s *Service) handleCardCreate(ctx context.Context, sessionID string, msg *ws.ClientMessage) (map[string]any, error) {
	if msg.Title == "" {
		return ws.NewErrorEvent(ws.ErrorCodeValidation, "title is required"), nil
	}
	personas, _, err := s.sessionPersonas(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	card, err := s.runner.CreateCard(ctx, sessionID, personas,
		msg.Title, msg.Description, msg.Planner, msg.Implementer, msg.Reviewer, msg.Coordinator)
	if err != nil {
		return nil, err
	}
	s.runner.Broadcast(ctx, sessionID, map[string]any{"type": "card_updated", "card": card.ToMap()})
	return nil, nil
}

func (s *Service) handleCardUpdate(ctx context.Context, sessionID string, msg *ws.ClientMessage) (map[string]any, error) {
	if msg.CardID == "" {
		return ws.NewErrorEvent(ws.ErrorCodeValidation, "card_id is required"), nil
	}
	var update cards.CardUpdate
	if msg.Title != "" {
		update.Title = &msg.Title
	}
	if msg.Description != "" {
		update.Description = &msg.Description
	}
	if msg.Planner != "" {
		update.Planner = &msg.Planner
	}
	if msg.Implementer != "" {
		update.Implementer = &msg.Implementer
	}
	if msg.Reviewer != "" {
		update.Reviewer = &msg.Reviewer
	}
	if msg.Coordinator != "" {
		update.Coordinator = &msg.Coordinator
	}
	card, err := s.runner.UpdateCard(ctx, sessionID, msg.CardID, update)
	if err != nil {
		return nil, err
	}
	s.runner.Broadcast(ctx, sessionID, map[string]any{"type": "card_updated", "card": card.ToMap()})
	return nil, nil
}

func (s *Service) handleCardDelete(ctx context.Context, sessionID string, msg *ws.ClientMessage) (map[string]any, error) {
	if msg.CardID == "" {
		return ws.NewErrorEvent(ws.ErrorCodeValidation, "card_id is required"), nil
	}
	if err := s.runner.DeleteCard(ctx, sessionID, msg.CardID); err != nil {
		return nil, err
	}
	s.runner.Broadcast(ctx, sessionID, map[string]any{"type": "card_deleted", "card_id": msg.CardID})
	return nil, nil
}

func (s *Service) handleCardList(ctx context.Context, sessionID string, _ *ws.ClientMessage) (map[string]any, error) {
	personas, _, err := s.sessionPersonas(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	all, err := s.runner.GetCards(ctx, sessionID, personas)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(all))
	for _, c := range all {
		payload = append(payload, c.ToMap())
	}
	return map[string]any{"type": "cards", "cards": payload}, nil
}

func (s *Service) handleCardStart(ctx context.Context, sessionID string, msg *ws.ClientMessage) (map[string]any, error) {
	if msg.CardID == "" {
		return ws.NewErrorEvent(ws.ErrorCodeValidation, "card_id is required"), nil
	}
	personas, _, err := s.sessionPersonas(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.runner.StartCard(ctx, sessionID, msg.CardID, personas); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Service) handleCardDelegate(ctx context.Context, sessionID string, msg *ws.ClientMessage) (map[string]any, error) {
	if msg.CardID == "" {
		return ws.NewErrorEvent(ws.ErrorCodeValidation, "card_id is required"), nil
	}
	personas, _, err := s.sessionPersonas(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return nil, s.runner.DelegateCard(ctx, sessionID, msg.CardID, personas)
}

func (s *Service) handleCardDone(ctx context.Context, sessionID string, msg *ws.ClientMessage) (map[string]any, error) {
	if msg.CardID == "" {
		return ws.NewErrorEvent(ws.ErrorCodeValidation, "card_id is required"), nil
	}
	card, err := s.runner.MarkCardDone(ctx, sessionID, msg.CardID)
	if err != nil {
		return nil, err
	}
	s.runner.Broadcast(ctx, sessionID, map[string]any{"type": "card_updated", "card": card.ToMap()})
	return nil, nil
}
