package cards

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	doneRe = regexp.MustCompile(`(?i)\[DONE\]`)
	roleRe = regexp.MustCompile(`(?i)(coordinator|planner|implementer|reviewer)\s*:\s*@(\w+)`)
)

// DetectDone reports whether text contains a [DONE] marker (case-insensitive).
func DetectDone(text string) bool {
	return doneRe.MatchString(text)
}

// parseRoles extracts role -> agent mappings from text, e.g. "Planner: @Claude"
// yields {"planner": "claude"}. Role names and agent names are lower-cased.
func parseRoles(text string) map[string]string {
	roles := make(map[string]string)
	for _, m := range roleRe.FindAllStringSubmatch(text, -1) {
		roles[strings.ToLower(m[1])] = strings.ToLower(m[2])
	}
	return roles
}

// Engine manages the card lifecycle and generates the prompt for each phase.
type Engine struct {
	mu     sync.Mutex
	agents []string
	cards  map[string]*Card
	now    func() time.Time
}

// NewEngine creates an engine scoped to the given agent names.
func NewEngine(agents []string) *Engine {
	lowered := make([]string, len(agents))
	for i, a := range agents {
		lowered[i] = strings.ToLower(a)
	}
	return &Engine{
		agents: lowered,
		cards:  make(map[string]*Card),
		now:    time.Now,
	}
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

// CreateCard adds a new backlog card. Role names are stored lower-cased.
func (e *Engine) CreateCard(title, description, planner, implementer, reviewer, coordinator string) *Card {
	card := &Card{
		ID:          strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Title:       title,
		Description: description,
		Status:      StatusBacklog,
		Planner:     strings.ToLower(planner),
		Implementer: strings.ToLower(implementer),
		Reviewer:    strings.ToLower(reviewer),
		Coordinator: strings.ToLower(coordinator),
		CreatedAt:   e.timestamp(),
	}
	e.mu.Lock()
	e.cards[card.ID] = card
	e.mu.Unlock()
	return card
}

// CardUpdate holds optional field updates; nil pointers leave the field alone.
type CardUpdate struct {
	Title         *string
	Description   *string
	Status        *CardStatus
	Planner       *string
	Implementer   *string
	Reviewer      *string
	Coordinator   *string
	PreviousPhase *CardStatus
}

// UpdateCard applies a partial update.
func (e *Engine) UpdateCard(cardID string, update CardUpdate) (*Card, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	card, err := e.get(cardID)
	if err != nil {
		return nil, err
	}
	if update.Title != nil {
		card.Title = *update.Title
	}
	if update.Description != nil {
		card.Description = *update.Description
	}
	if update.Status != nil {
		card.Status = *update.Status
	}
	if update.Planner != nil {
		card.Planner = strings.ToLower(*update.Planner)
	}
	if update.Implementer != nil {
		card.Implementer = strings.ToLower(*update.Implementer)
	}
	if update.Reviewer != nil {
		card.Reviewer = strings.ToLower(*update.Reviewer)
	}
	if update.Coordinator != nil {
		card.Coordinator = strings.ToLower(*update.Coordinator)
	}
	if update.PreviousPhase != nil {
		card.PreviousPhase = *update.PreviousPhase
	}
	return card.Clone(), nil
}

// DeleteCard removes a card.
func (e *Engine) DeleteCard(cardID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.get(cardID); err != nil {
		return err
	}
	delete(e.cards, cardID)
	return nil
}

// GetCard returns a copy of the card.
func (e *Engine) GetCard(cardID string) (*Card, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	card, err := e.get(cardID)
	if err != nil {
		return nil, err
	}
	return card.Clone(), nil
}

// GetCards returns copies of all cards, ordered by creation time.
func (e *Engine) GetCards() []*Card {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Card, 0, len(e.cards))
	for _, card := range e.cards {
		out = append(out, card.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// LoadCards populates the engine from persisted cards.
func (e *Engine) LoadCards(cards []*Card) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, card := range cards {
		e.cards[card.ID] = card.Clone()
	}
}

// GetCardsForAgent returns cards where the agent holds any role.
func (e *Engine) GetCardsForAgent(agentName string) []*Card {
	name := strings.ToLower(agentName)
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Card
	for _, c := range e.cards {
		if name == c.Planner || name == c.Implementer || name == c.Reviewer || name == c.Coordinator {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// StartCard transitions backlog -> planning, or backlog -> coordinating when a
// coordinator is assigned. Returns the card and the phase kickoff prompt.
func (e *Engine) StartCard(cardID string) (*Card, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	card, err := e.get(cardID)
	if err != nil {
		return nil, "", err
	}
	if card.Status != StatusBacklog {
		return nil, "", fmt.Errorf("can only start a card in backlog (current: %s)", card.Status)
	}
	if card.Coordinator != "" {
		card.Status = StatusCoordinating
		card.CoordinationStage = "initial"
		card.PreviousPhase = ""
		return card.Clone(), e.buildCoordinatingPrompt(card), nil
	}
	card.Status = StatusPlanning
	card.PreviousPhase = ""
	return card.Clone(), e.buildPlanningPrompt(card), nil
}

// OnAgentCompleted advances the card after a card-phase round ends. A history
// entry is appended before the transition is computed. The returned prompt is
// empty when no follow-up phase should start.
func (e *Engine) OnAgentCompleted(cardID, agentName, content string) (*Card, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	card, err := e.get(cardID)
	if err != nil {
		return nil, "", err
	}
	card.History = append(card.History, CardPhaseEntry{
		Phase:     card.Status,
		Agent:     strings.ToLower(agentName),
		Content:   content,
		Timestamp: e.timestamp(),
	})

	done := DetectDone(content)

	switch card.Status {
	case StatusCoordinating:
		switch card.CoordinationStage {
		case "initial":
			if done {
				for role, assignee := range parseRoles(content) {
					switch role {
					case "planner":
						card.Planner = assignee
					case "implementer":
						card.Implementer = assignee
					case "reviewer":
						card.Reviewer = assignee
					case "coordinator":
						card.Coordinator = assignee
					}
				}
				card.Status = StatusPlanning
				card.CoordinationStage = ""
				return card.Clone(), e.buildPlanningPrompt(card), nil
			}
			return card.Clone(), "", nil
		case "plan_decision":
			if done {
				card.Status = StatusImplementing
				card.CoordinationStage = ""
				return card.Clone(), e.buildImplementationPrompt(card), nil
			}
			card.Status = StatusPlanning
			card.CoordinationStage = ""
			return card.Clone(), e.buildRejectionPrompt(card, content), nil
		case "impl_decision":
			if done {
				card.Status = StatusDone
				card.CoordinationStage = ""
				return card.Clone(), "", nil
			}
			card.Status = StatusImplementing
			card.CoordinationStage = ""
			return card.Clone(), e.buildRejectionPrompt(card, content), nil
		}
		return card.Clone(), "", nil

	case StatusPlanning, StatusImplementing:
		if done {
			card.PreviousPhase = card.Status
			card.Status = StatusReviewing
			return card.Clone(), e.buildReviewPrompt(card, content), nil
		}
		return card.Clone(), "", nil

	case StatusReviewing:
		if card.Coordinator != "" {
			// All reviewer output routes through the coordinator.
			stage := "impl_decision"
			if card.PreviousPhase == StatusPlanning {
				stage = "plan_decision"
			}
			card.Status = StatusCoordinating
			card.CoordinationStage = stage
			return card.Clone(), e.buildCoordinationDecisionPrompt(card, content), nil
		}
		if done {
			if card.PreviousPhase == StatusPlanning {
				card.Status = StatusImplementing
				return card.Clone(), e.buildImplementationPrompt(card), nil
			}
			// After implementation the user decides when to mark done.
			return card.Clone(), "", nil
		}
		previous := card.PreviousPhase
		if previous == "" {
			previous = StatusPlanning
		}
		card.Status = previous
		card.PreviousPhase = ""
		return card.Clone(), e.buildRejectionPrompt(card, content), nil
	}

	return card.Clone(), "", nil
}

// MarkDone is user-triggered: moves reviewing -> done.
func (e *Engine) MarkDone(cardID string) (*Card, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	card, err := e.get(cardID)
	if err != nil {
		return nil, err
	}
	if card.Status != StatusReviewing {
		return nil, fmt.Errorf("can only mark done from reviewing (current: %s)", card.Status)
	}
	card.Status = StatusDone
	return card.Clone(), nil
}

// BuildDelegationPrompt asks the room to claim roles for an unassigned card.
func (e *Engine) BuildDelegationPrompt(cardID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	card, err := e.get(cardID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"A new task needs role assignments: %q\n\n"+
			"Description: %s\n\n"+
			"Available agents: %s\n\n"+
			"Which of you should be the coordinator (tech lead), planner, implementer, and reviewer? "+
			"Discuss and use @AgentName tags to assign roles. "+
			"Coordinator is optional but recommended for complex tasks. "+
			`Example: "Coordinator: @Claude, Planner: @Claude, Implementer: @Codex, Reviewer: @Kimi"`,
		card.Title, card.Description, strings.Join(e.agents, ", ")), nil
}

// ParseDelegationResponse merges agent responses and applies role claims.
// Returns the updated card only when planner, implementer, and reviewer were
// all found.
func (e *Engine) ParseDelegationResponse(cardID string, agentResponses map[string]string) (*Card, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	card, err := e.get(cardID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(agentResponses))
	for name := range agentResponses {
		names = append(names, name)
	}
	sort.Strings(names)
	var parts []string
	for _, name := range names {
		parts = append(parts, agentResponses[name])
	}
	roles := parseRoles(strings.Join(parts, "\n"))
	if roles["planner"] == "" || roles["implementer"] == "" || roles["reviewer"] == "" {
		return nil, nil
	}
	card.Planner = roles["planner"]
	card.Implementer = roles["implementer"]
	card.Reviewer = roles["reviewer"]
	if roles["coordinator"] != "" {
		card.Coordinator = roles["coordinator"]
	}
	return card.Clone(), nil
}

func (e *Engine) get(cardID string) (*Card, error) {
	card, ok := e.cards[cardID]
	if !ok {
		return nil, fmt.Errorf("card not found: %s", cardID)
	}
	return card, nil
}

// latestOutput returns the content of the most recent history entry for phase.
func latestOutput(card *Card, phase CardStatus) string {
	for i := len(card.History) - 1; i >= 0; i-- {
		if card.History[i].Phase == phase {
			return card.History[i].Content
		}
	}
	return ""
}

func (e *Engine) buildCoordinatingPrompt(card *Card) string {
	roleFor := func(role, assignee string) string {
		if assignee == "" {
			assignee = "unassigned"
		}
		return fmt.Sprintf("  %s: %s", role, assignee)
	}
	rolesBlock := strings.Join([]string{
		roleFor("planner", card.Planner),
		roleFor("implementer", card.Implementer),
		roleFor("reviewer", card.Reviewer),
	}, "\n")
	assignHint := ""
	if card.Planner == "" || card.Implementer == "" || card.Reviewer == "" {
		assignHint = "\n\nSome roles are unassigned. Assign them using " +
			`"Planner: @Agent, Implementer: @Agent, Reviewer: @Agent" syntax.`
	}
	return fmt.Sprintf(
		"[TASK:%s] @%s You are the COORDINATOR (tech lead) for %q.\n\n"+
			"%s\n\n"+
			"Current role assignments:\n%s\n"+
			"%s\n\n"+
			"Set the technical direction and approach for this task. "+
			"Outline the high-level strategy the planner should follow.\n"+
			"Use [DONE] when your direction is set and you're ready for planning to begin.",
		card.ID, card.Coordinator, card.Title, card.Description, rolesBlock, assignHint)
}

func (e *Engine) buildCoordinationDecisionPrompt(card *Card, reviewContent string) string {
	if card.CoordinationStage == "plan_decision" {
		return fmt.Sprintf(
			"[TASK:%s] @%s As COORDINATOR for %q, review the plan and feedback.\n\n"+
				"Planner (%s) produced:\n%s\n\n"+
				"Reviewer (%s) feedback:\n%s\n\n"+
				"As tech lead, decide: approve with [DONE] to proceed to implementation, "+
				"or provide your feedback to send the plan back for revision.",
			card.ID, card.Coordinator, card.Title,
			card.Planner, latestOutput(card, StatusPlanning),
			card.Reviewer, reviewContent)
	}
	return fmt.Sprintf(
		"[TASK:%s] @%s As COORDINATOR for %q, review the implementation and feedback.\n\n"+
			"Implementer (%s) produced:\n%s\n\n"+
			"Reviewer (%s) feedback:\n%s\n\n"+
			"As tech lead, decide: approve with [DONE] to mark the task complete, "+
			"or provide your feedback to send it back for revision.",
		card.ID, card.Coordinator, card.Title,
		card.Implementer, latestOutput(card, StatusImplementing),
		card.Reviewer, reviewContent)
}

func (e *Engine) buildPlanningPrompt(card *Card) string {
	coordinatorBlock := ""
	alignClause := ""
	if card.Coordinator != "" {
		if approach := latestOutput(card, StatusCoordinating); approach != "" {
			coordinatorBlock = fmt.Sprintf(
				"\n\nCOORDINATOR DIRECTION (from @%s, you MUST follow this approach):\n%s\n",
				card.Coordinator, approach)
		}
		alignClause = fmt.Sprintf(
			"Your plan MUST align with the coordinator's direction above. "+
				"If you disagree, explain why, but do not deviate without @%s's approval.\n",
			card.Coordinator)
	}
	return fmt.Sprintf(
		"[TASK:%s] @%s You are the PLANNER for %q.\n\n"+
			"%s\n"+
			"%s\n"+
			"Plan the implementation: break it into steps, identify risks, and define acceptance criteria.\n"+
			"%s"+
			"Use [DONE] when your plan is complete.",
		card.ID, card.Planner, card.Title, card.Description, coordinatorBlock, alignClause)
}

func (e *Engine) buildReviewPrompt(card *Card, content string) string {
	if card.PreviousPhase == StatusPlanning {
		return fmt.Sprintf(
			"[TASK:%s] @%s You are the REVIEWER for %q.\n\n"+
				"The planner (%s) produced this plan:\n\n"+
				"%s\n\n"+
				"Review it. If the plan is solid, respond with [DONE]. "+
				"Otherwise, provide specific feedback on what needs to change.",
			card.ID, card.Reviewer, card.Title, card.Planner, content)
	}
	return fmt.Sprintf(
		"[TASK:%s] @%s You are the REVIEWER for %q.\n\n"+
			"The implementer (%s) produced:\n\n"+
			"%s\n\n"+
			"Original plan:\n%s\n\n"+
			"Review the implementation against the plan. "+
			"If it meets acceptance criteria, respond with [DONE]. "+
			"Otherwise, provide specific feedback.",
		card.ID, card.Reviewer, card.Title, card.Implementer, content,
		latestOutput(card, StatusPlanning))
}

func (e *Engine) buildImplementationPrompt(card *Card) string {
	feedbackBlock := ""
	if feedback := latestOutput(card, StatusReviewing); feedback != "" {
		feedbackBlock = fmt.Sprintf("\nPrevious reviewer feedback:\n%s\n", feedback)
	}
	coordinatorBlock := ""
	directionClause := ""
	if card.Coordinator != "" {
		if approach := latestOutput(card, StatusCoordinating); approach != "" {
			coordinatorBlock = fmt.Sprintf(
				"\nCOORDINATOR DIRECTION (from @%s, you MUST follow this approach):\n%s\n",
				card.Coordinator, approach)
		}
		directionClause = " and the coordinator's direction"
	}
	return fmt.Sprintf(
		"[TASK:%s] @%s You are the IMPLEMENTER for %q.\n\n"+
			"Here is the approved plan:\n%s\n"+
			"%s"+
			"%s\n"+
			"Implement according to the plan%s. Use [DONE] when implementation is complete.",
		card.ID, card.Implementer, card.Title,
		latestOutput(card, StatusPlanning), coordinatorBlock, feedbackBlock, directionClause)
}

func (e *Engine) buildRejectionPrompt(card *Card, feedback string) string {
	var agentName, previousOutput string
	if card.Status == StatusPlanning {
		agentName = card.Planner
		previousOutput = latestOutput(card, StatusPlanning)
	} else {
		agentName = card.Implementer
		previousOutput = latestOutput(card, StatusImplementing)
	}
	source := "reviewer"
	if card.Coordinator != "" {
		source = "coordinator"
	}
	return fmt.Sprintf(
		"[TASK:%s] @%s The %s sent back your work on %q with feedback:\n\n"+
			"%s\n\n"+
			"Previous output:\n%s\n\n"+
			"Address the feedback. Use [DONE] when ready for re-review.",
		card.ID, agentName, source, card.Title, feedback, previousOutput)
}
