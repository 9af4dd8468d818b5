package chat

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Placeholder is stored in history when a response carried no share tags.
const Placeholder = "(private response withheld)"

var roleDisplay = map[string]string{
	"user":   "User",
	"claude": "Claude",
	"codex":  "Codex",
	"kimi":   "Kimi",
	"system": "System",
}

var (
	shareTagRe      = regexp.MustCompile(`(?is)<Share>(.*?)</Share>`)
	thinkingBlockRe = regexp.MustCompile(`(?i)<(?:thinking|antThinking)>[\s\S]*?</(?:thinking|antThinking)>`)

	// Coordination pattern regexes. mentionRe matches are filtered afterwards
	// to drop path-like "/@name" occurrences.
	mentionRe   = regexp.MustCompile(`@(\w+)`)
	agreementRe = regexp.MustCompile(`(?i)\+1\s+(\w+)`)
	handoffRe   = regexp.MustCompile(`(?i)\[HANDOFF:(\w+)\]`)
	statusRe    = regexp.MustCompile(`(?i)\[(?:(?:STATUS:\s*)?(EXPLORE|DECISION|BLOCKED|DONE|TODO|QUESTION))\]|\[STATUS:\s*([^\]\n]+)\]`)
)

func displayRole(role string) string {
	if label, ok := roleDisplay[role]; ok {
		return label
	}
	return capitalize(role)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// DetectPass reports whether the trimmed text is exactly the pass directive.
func DetectPass(text string) bool {
	return strings.TrimSpace(text) == "[PASS]"
}

// ExtractShareable extracts the content of <Share> tags. Multiple blocks are
// concatenated with blank lines. Thinking blocks are stripped first so a
// <Share> accidentally opened inside a thinking block does not swallow the
// whole response. Returns Placeholder when nothing shareable remains.
func ExtractShareable(text string) string {
	if DetectPass(text) {
		return "[PASS]"
	}
	cleaned := thinkingBlockRe.ReplaceAllString(text, "")
	matches := shareTagRe.FindAllStringSubmatch(cleaned, -1)
	if len(matches) == 0 {
		return Placeholder
	}
	var parts []string
	for _, m := range matches {
		if trimmed := strings.TrimSpace(m[1]); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return Placeholder
	}
	return strings.Join(parts, "\n\n")
}

// ExtractMentions returns @AgentName mentions, skipping path-like "/@name".
func ExtractMentions(text string) []string {
	var mentions []string
	for _, loc := range mentionRe.FindAllStringSubmatchIndex(text, -1) {
		if loc[0] > 0 && text[loc[0]-1] == '/' {
			continue
		}
		mentions = append(mentions, text[loc[2]:loc[3]])
	}
	return mentions
}

// ExtractAgreements returns the names from "+1 AgentName" agreements.
func ExtractAgreements(text string) []string {
	var names []string
	for _, m := range agreementRe.FindAllStringSubmatch(text, -1) {
		names = append(names, m[1])
	}
	return names
}

// Handoff is a [HANDOFF:Agent] directive with its trailing context sentence.
type Handoff struct {
	Agent   string
	Context string
}

// ExtractHandoffs returns [HANDOFF:Agent] directives with context.
func ExtractHandoffs(text string) []Handoff {
	var handoffs []Handoff
	for _, loc := range handoffRe.FindAllStringSubmatchIndex(text, -1) {
		agentName := text[loc[2]:loc[3]]
		after := strings.TrimSpace(text[loc[1]:])
		context := after
		if idx := strings.Index(after, "."); idx >= 0 {
			context = after[:idx]
		}
		if len(context) > 100 {
			context = context[:100]
		}
		handoffs = append(handoffs, Handoff{Agent: agentName, Context: strings.TrimSpace(context)})
	}
	return handoffs
}

// ExtractStatuses returns normalized [STATUS] indicators.
func ExtractStatuses(text string) []string {
	var statuses []string
	for _, m := range statusRe.FindAllStringSubmatch(text, -1) {
		status := m[1]
		if status == "" {
			status = m[2]
		}
		normalized := strings.Join(strings.Fields(status), " ")
		if normalized != "" {
			statuses = append(statuses, normalized)
		}
	}
	return statuses
}

// splitHistory splits history into (older, currentContext). Current context is
// the messages from the previous agent round plus the roundless user messages
// that immediately precede them. For round 1 everything is current context.
func splitHistory(history []Message, currentRound int) ([]Message, []Message) {
	prevRound := currentRound - 1
	if prevRound <= 0 {
		return nil, history
	}
	contextStart := len(history)
	for i, msg := range history {
		if msg.Round == prevRound {
			contextStart = i
			break
		}
	}
	for contextStart > 0 && history[contextStart-1].Round == 0 {
		contextStart--
	}
	return history[:contextStart], history[contextStart:]
}

// formatMessages renders history messages into display lines. Content is
// already processed (shareable extracted by the room).
func formatMessages(msgs []Message) []string {
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		lines = append(lines, fmt.Sprintf("[%s]: %s", displayRole(msg.Role), msg.Content))
	}
	return lines
}

// buildMentionNotice builds a notice if the agent was @mentioned or handed
// off to in the current round's messages.
func buildMentionNotice(currentMsgs []Message, agentName string) string {
	var mentioners []string
	seen := map[string]bool{}
	type handoffNotice struct{ sender, context string }
	var handoffs []handoffNotice

	lowerAgent := strings.ToLower(agentName)
	for _, msg := range currentMsgs {
		if msg.Role == agentName {
			continue
		}
		for _, m := range ExtractMentions(msg.Content) {
			if strings.ToLower(m) == lowerAgent {
				label := displayRole(msg.Role)
				if !seen[label] {
					seen[label] = true
					mentioners = append(mentioners, label)
				}
			}
		}
		for _, h := range ExtractHandoffs(msg.Content) {
			if strings.ToLower(h.Agent) == lowerAgent {
				handoffs = append(handoffs, handoffNotice{displayRole(msg.Role), h.Context})
			}
		}
	}
	if len(mentioners) == 0 && len(handoffs) == 0 {
		return ""
	}
	var parts []string
	if len(mentioners) > 0 {
		parts = append(parts, fmt.Sprintf("You were @mentioned by %s.", strings.Join(mentioners, ", ")))
	}
	for _, h := range handoffs {
		parts = append(parts, fmt.Sprintf("%s handed off to you: %s.", h.sender, h.context))
	}
	return strings.Join(parts, " ") + "\n\n"
}

// CardView is the card projection rendered into agent prompts.
type CardView struct {
	ID          string
	Title       string
	Status      string
	Coordinator string
	Planner     string
	Implementer string
	Reviewer    string
}

// FormatCardsSection formats the task board section for an agent prompt.
func FormatCardsSection(cards []CardView, agentName string) string {
	if len(cards) == 0 {
		return ""
	}
	lines := []string{
		"## Task Board",
		"Manage cards via `multiagents-cards` CLI. " +
			"Session and URL are pre-configured in your environment.",
	}
	lowerAgent := strings.ToLower(agentName)
	for _, c := range cards {
		var myRoles []string
		for _, r := range []struct{ role, assignee string }{
			{"coordinator", c.Coordinator},
			{"planner", c.Planner},
			{"implementer", c.Implementer},
			{"reviewer", c.Reviewer},
		} {
			if r.assignee != "" && strings.ToLower(r.assignee) == lowerAgent {
				myRoles = append(myRoles, r.role)
			}
		}
		entry := fmt.Sprintf("- [%s] %q (%s)", c.ID, c.Title, c.Status)
		if len(myRoles) > 0 {
			entry += " — your role: " + strings.Join(myRoles, ", ")
		}
		lines = append(lines, entry)
	}
	return strings.Join(lines, "\n")
}

// Participant is one persona in the session.
type Participant struct {
	Name string
	Type string
}

func buildParticipantsLine(participants []Participant, excludeName string) string {
	var parts []string
	excludeLower := strings.ToLower(excludeName)
	for _, p := range participants {
		if strings.ToLower(p.Name) == excludeLower {
			continue
		}
		if p.Type != "" && !strings.EqualFold(p.Name, p.Type) {
			parts = append(parts, fmt.Sprintf("%s (%s)", p.Name, capitalize(p.Type)))
		} else {
			parts = append(parts, p.Name)
		}
	}
	return strings.Join(parts, ", ")
}

// FormatSessionContext renders the dynamic per-session header: participants
// and role. Static directives live in the CLI system prompt.
func FormatSessionContext(agentName string, participants []Participant, role string) string {
	var label, others string
	if participants != nil {
		label = agentName
		others = buildParticipantsLine(participants, agentName)
	} else {
		label = displayRole(agentName)
		var parts []string
		for _, k := range []string{"user", "claude", "codex", "kimi"} {
			if k != agentName {
				parts = append(parts, roleDisplay[k])
			}
		}
		others = strings.Join(parts, ", ")
	}
	roleLine := ""
	if role != "" {
		roleLine = "Your role: " + role + "\n"
	}
	return fmt.Sprintf(
		"You are %s in a group chat with a human user and other AI agents.\n%sOther participants: %s.",
		label, roleLine, others,
	)
}

const yourTurnInstruction = "Respond directly — no preamble about what you're going to do, " +
	"just do it. Wrap your response in <Share> tags. " +
	"If you have nothing meaningful to add, respond with exactly [PASS]."

func extraContextSections(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sections []string
	for _, k := range keys {
		if extra[k] != "" {
			sections = append(sections, extra[k])
		}
	}
	return sections
}

func yourTurnSection(currentMsgs []Message, agentName string, round int) string {
	return fmt.Sprintf("## Your Turn (Round %d)\n", round) +
		buildMentionNotice(currentMsgs, agentName) +
		yourTurnInstruction
}

// FormatRoundPrompt builds the per-round delta prompt for agents with active
// CLI sessions.
func FormatRoundPrompt(history []Message, agentName string, round int, extra map[string]string) string {
	_, currentMsgs := splitHistory(history, round)

	var sections []string
	sections = append(sections, extraContextSections(extra)...)
	if len(currentMsgs) > 0 {
		sections = append(sections, "## Current Round\n"+strings.Join(formatMessages(currentMsgs), "\n"))
	}
	sections = append(sections, yourTurnSection(currentMsgs, agentName, round))
	return strings.Join(sections, "\n\n")
}

// FormatPrompt builds the full prompt for agents without an active CLI
// session: session context header, optional conversation history, the current
// round, and the turn instruction.
func FormatPrompt(history []Message, agentName string, round int, hasSession bool, extra map[string]string, participants []Participant, role string) string {
	header := FormatSessionContext(agentName, participants, role)
	historyMsgs, currentMsgs := splitHistory(history, round)

	sections := []string{header}
	sections = append(sections, extraContextSections(extra)...)
	if len(historyMsgs) > 0 && !hasSession {
		sections = append(sections, "## Conversation History\n"+strings.Join(formatMessages(historyMsgs), "\n"))
	}
	if len(currentMsgs) > 0 {
		sections = append(sections, "## Current Round\n"+strings.Join(formatMessages(currentMsgs), "\n"))
	}
	sections = append(sections, yourTurnSection(currentMsgs, agentName, round))
	return strings.Join(sections, "\n\n")
}

// InboxItem is one delivered message in an agent's inbox.
type InboxItem struct {
	Sender     string
	Text       string
	Round      int
	DeliveryID string
}

// FormatPersistentEventsPrompt builds the prompt for a batch of inbox items
// in persistent mode. DMs get their own directive section; everything else is
// listed as new messages. Session context is included only on the agent's
// first prompt.
func FormatPersistentEventsPrompt(agentName string, batch []InboxItem, sessionContext string, extra map[string]string, round int) string {
	var sections []string
	if sessionContext != "" {
		sections = append(sections, sessionContext)
	}
	sections = append(sections, extraContextSections(extra)...)

	var msgs []Message
	var dmTexts []string
	for _, item := range batch {
		if item.Sender == "dm" {
			dmTexts = append(dmTexts, item.Text)
			continue
		}
		msgs = append(msgs, Message{Role: item.Sender, Content: item.Text, Round: item.Round})
	}
	if len(msgs) > 0 {
		sections = append(sections, "## New Messages\n"+strings.Join(formatMessages(msgs), "\n"))
	}
	for _, dm := range dmTexts {
		sections = append(sections, "## Direct Message from User\n"+dm+"\n\n"+
			"Respond to this directive. If you have nothing to add, respond with [PASS].")
	}
	if len(dmTexts) == 0 {
		sections = append(sections, yourTurnSection(msgs, agentName, round))
	}
	return strings.Join(sections, "\n\n")
}
