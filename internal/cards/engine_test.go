package cards

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDone(t *testing.T) {
	assert.True(t, DetectDone("all wrapped up [DONE]"))
	assert.True(t, DetectDone("[done] lower works too"))
	assert.False(t, DetectDone("not done yet"))
}

func TestParseRoles(t *testing.T) {
	roles := parseRoles("Coordinator: @Claude, Planner: @Claude, Implementer: @Codex, Reviewer: @Kimi")
	assert.Equal(t, map[string]string{
		"coordinator": "claude",
		"planner":     "claude",
		"implementer": "codex",
		"reviewer":    "kimi",
	}, roles)

	assert.Equal(t, map[string]string{"planner": "codex"}, parseRoles("PLANNER : @Codex"))
	assert.Empty(t, parseRoles("nobody claims anything"))
}

func TestCreateAndGetCards(t *testing.T) {
	e := NewEngine([]string{"Claude", "Codex"})
	card := e.CreateCard("Fix flaky test", "the watcher test races", "Claude", "codex", "", "")

	require.NotEmpty(t, card.ID)
	assert.Len(t, card.ID, 12)
	assert.Equal(t, StatusBacklog, card.Status)
	assert.Equal(t, "claude", card.Planner)
	assert.Equal(t, "codex", card.Implementer)

	got, err := e.GetCard(card.ID)
	require.NoError(t, err)
	assert.Equal(t, card.Title, got.Title)

	_, err = e.GetCard("missing")
	assert.Error(t, err)

	second := e.CreateCard("Second", "", "", "", "", "")
	all := e.GetCards()
	require.Len(t, all, 2)
	assert.Equal(t, card.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)
}

func TestUpdateCardPartial(t *testing.T) {
	e := NewEngine(nil)
	card := e.CreateCard("Original", "desc", "claude", "", "", "")

	title := "Renamed"
	reviewer := "Kimi"
	updated, err := e.UpdateCard(card.ID, CardUpdate{Title: &title, Reviewer: &reviewer})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, "kimi", updated.Reviewer)
	assert.Equal(t, "desc", updated.Description)
	assert.Equal(t, "claude", updated.Planner)

	_, err = e.UpdateCard("missing", CardUpdate{})
	assert.Error(t, err)
}

func TestDeleteCard(t *testing.T) {
	e := NewEngine(nil)
	card := e.CreateCard("Doomed", "", "", "", "", "")
	require.NoError(t, e.DeleteCard(card.ID))
	assert.Error(t, e.DeleteCard(card.ID))
}

func TestGetCardsForAgent(t *testing.T) {
	e := NewEngine(nil)
	mine := e.CreateCard("Mine", "", "claude", "", "", "")
	e.CreateCard("Theirs", "", "codex", "kimi", "", "")

	cards := e.GetCardsForAgent("Claude")
	require.Len(t, cards, 1)
	assert.Equal(t, mine.ID, cards[0].ID)
}

func TestStartCard(t *testing.T) {
	t.Run("without coordinator goes to planning", func(t *testing.T) {
		e := NewEngine(nil)
		card := e.CreateCard("Task", "do the thing", "claude", "codex", "kimi", "")

		started, prompt, err := e.StartCard(card.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPlanning, started.Status)
		assert.Contains(t, prompt, "@claude You are the PLANNER")
		assert.Contains(t, prompt, "[TASK:"+card.ID+"]")

		_, _, err = e.StartCard(card.ID)
		assert.Error(t, err)
	})

	t.Run("with coordinator goes to coordinating", func(t *testing.T) {
		e := NewEngine(nil)
		card := e.CreateCard("Task", "do the thing", "", "codex", "", "claude")

		started, prompt, err := e.StartCard(card.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCoordinating, started.Status)
		assert.Equal(t, "initial", started.CoordinationStage)
		assert.Contains(t, prompt, "@claude You are the COORDINATOR")
		assert.Contains(t, prompt, "planner: unassigned")
	})
}

// runPhases walks a card through planning -> reviewing with the given outputs.
func planAndSubmit(t *testing.T, e *Engine, cardID, plan string) string {
	t.Helper()
	_, _, err := e.StartCard(cardID)
	require.NoError(t, err)
	card, prompt, err := e.OnAgentCompleted(cardID, "claude", plan)
	require.NoError(t, err)
	require.Equal(t, StatusReviewing, card.Status)
	return prompt
}

func TestLifecycleWithoutCoordinator(t *testing.T) {
	e := NewEngine(nil)
	card := e.CreateCard("Task", "details", "claude", "codex", "kimi", "")

	reviewPrompt := planAndSubmit(t, e, card.ID, "step 1, step 2 [DONE]")
	assert.Contains(t, reviewPrompt, "@kimi You are the REVIEWER")
	assert.Contains(t, reviewPrompt, "step 1, step 2")

	// Reviewer approves the plan: implementation begins.
	got, implPrompt, err := e.OnAgentCompleted(card.ID, "kimi", "solid plan [DONE]")
	require.NoError(t, err)
	assert.Equal(t, StatusImplementing, got.Status)
	assert.Contains(t, implPrompt, "@codex You are the IMPLEMENTER")
	assert.Contains(t, implPrompt, "step 1, step 2 [DONE]")

	// Implementer finishes: back to review with the plan attached.
	got, reviewPrompt2, err := e.OnAgentCompleted(card.ID, "codex", "shipped it [DONE]")
	require.NoError(t, err)
	assert.Equal(t, StatusReviewing, got.Status)
	assert.Contains(t, reviewPrompt2, "Review the implementation against the plan")

	// Reviewer approves the implementation: card waits for the user.
	got, followUp, err := e.OnAgentCompleted(card.ID, "kimi", "ship it [DONE]")
	require.NoError(t, err)
	assert.Equal(t, StatusReviewing, got.Status)
	assert.Empty(t, followUp)

	done, err := e.MarkDone(card.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, done.Status)
}

func TestReviewRejectionRoutesBack(t *testing.T) {
	e := NewEngine(nil)
	card := e.CreateCard("Task", "details", "claude", "codex", "kimi", "")
	planAndSubmit(t, e, card.ID, "rough sketch [DONE]")

	got, prompt, err := e.OnAgentCompleted(card.ID, "kimi", "missing error handling")
	require.NoError(t, err)
	assert.Equal(t, StatusPlanning, got.Status)
	assert.Contains(t, prompt, "@claude The reviewer sent back your work")
	assert.Contains(t, prompt, "missing error handling")
	assert.Contains(t, prompt, "rough sketch [DONE]")
}

func TestNoTransitionWithoutDone(t *testing.T) {
	e := NewEngine(nil)
	card := e.CreateCard("Task", "details", "claude", "codex", "kimi", "")
	_, _, err := e.StartCard(card.ID)
	require.NoError(t, err)

	got, prompt, err := e.OnAgentCompleted(card.ID, "claude", "still thinking")
	require.NoError(t, err)
	assert.Equal(t, StatusPlanning, got.Status)
	assert.Empty(t, prompt)
	require.Len(t, got.History, 1)
	assert.Equal(t, StatusPlanning, got.History[0].Phase)
	assert.Equal(t, "still thinking", got.History[0].Content)
}

func TestLifecycleWithCoordinator(t *testing.T) {
	e := NewEngine(nil)
	card := e.CreateCard("Task", "details", "", "", "", "claude")
	_, _, err := e.StartCard(card.ID)
	require.NoError(t, err)

	// Coordinator sets direction and fills the missing roles.
	got, prompt, err := e.OnAgentCompleted(card.ID, "claude",
		"Use the existing queue. Planner: @Claude, Implementer: @Codex, Reviewer: @Kimi [DONE]")
	require.NoError(t, err)
	assert.Equal(t, StatusPlanning, got.Status)
	assert.Equal(t, "claude", got.Planner)
	assert.Equal(t, "codex", got.Implementer)
	assert.Equal(t, "kimi", got.Reviewer)
	assert.Contains(t, prompt, "COORDINATOR DIRECTION")

	// Plan goes to review, reviewer feedback routes to the coordinator.
	got, _, err = e.OnAgentCompleted(card.ID, "claude", "the plan [DONE]")
	require.NoError(t, err)
	require.Equal(t, StatusReviewing, got.Status)

	got, prompt, err = e.OnAgentCompleted(card.ID, "kimi", "looks fine [DONE]")
	require.NoError(t, err)
	assert.Equal(t, StatusCoordinating, got.Status)
	assert.Equal(t, "plan_decision", got.CoordinationStage)
	assert.Contains(t, prompt, "review the plan and feedback")

	// Coordinator approves the plan: implementation starts.
	got, prompt, err = e.OnAgentCompleted(card.ID, "claude", "approved [DONE]")
	require.NoError(t, err)
	assert.Equal(t, StatusImplementing, got.Status)
	assert.Contains(t, prompt, "@codex You are the IMPLEMENTER")

	// Implementation review routes to coordinator; final approval closes the card.
	got, _, err = e.OnAgentCompleted(card.ID, "codex", "implemented [DONE]")
	require.NoError(t, err)
	require.Equal(t, StatusReviewing, got.Status)

	got, _, err = e.OnAgentCompleted(card.ID, "kimi", "meets criteria [DONE]")
	require.NoError(t, err)
	require.Equal(t, StatusCoordinating, got.Status)
	require.Equal(t, "impl_decision", got.CoordinationStage)

	got, prompt, err = e.OnAgentCompleted(card.ID, "claude", "ship it [DONE]")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Empty(t, prompt)
}

func TestCoordinatorRejection(t *testing.T) {
	e := NewEngine(nil)
	card := e.CreateCard("Task", "details", "claude", "codex", "kimi", "claude")
	_, _, err := e.StartCard(card.ID)
	require.NoError(t, err)
	_, _, err = e.OnAgentCompleted(card.ID, "claude", "direction set [DONE]")
	require.NoError(t, err)
	_, _, err = e.OnAgentCompleted(card.ID, "claude", "the plan [DONE]")
	require.NoError(t, err)
	_, _, err = e.OnAgentCompleted(card.ID, "kimi", "review notes [DONE]")
	require.NoError(t, err)

	// Coordinator rejects: back to planning with coordinator attribution.
	got, prompt, err := e.OnAgentCompleted(card.ID, "claude", "needs a rollback story")
	require.NoError(t, err)
	assert.Equal(t, StatusPlanning, got.Status)
	assert.Contains(t, prompt, "The coordinator sent back your work")
	assert.Contains(t, prompt, "needs a rollback story")
}

func TestMarkDoneRequiresReviewing(t *testing.T) {
	e := NewEngine(nil)
	card := e.CreateCard("Task", "", "", "", "", "")
	_, err := e.MarkDone(card.ID)
	assert.Error(t, err)
}

func TestBuildDelegationPrompt(t *testing.T) {
	e := NewEngine([]string{"Claude", "Codex", "Kimi"})
	card := e.CreateCard("Wire metrics", "add counters", "", "", "", "")

	prompt, err := e.BuildDelegationPrompt(card.ID)
	require.NoError(t, err)
	assert.Contains(t, prompt, `"Wire metrics"`)
	assert.Contains(t, prompt, "claude, codex, kimi")
	assert.Contains(t, prompt, "coordinator (tech lead)")

	_, err = e.BuildDelegationPrompt("missing")
	assert.Error(t, err)
}

func TestParseDelegationResponse(t *testing.T) {
	e := NewEngine(nil)
	card := e.CreateCard("Task", "", "", "", "", "")

	t.Run("incomplete roles returns nil", func(t *testing.T) {
		got, err := e.ParseDelegationResponse(card.ID, map[string]string{
			"claude": "Planner: @Claude",
		})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("roles merged across responses", func(t *testing.T) {
		got, err := e.ParseDelegationResponse(card.ID, map[string]string{
			"claude": "I'll plan. Planner: @Claude",
			"codex":  "Implementer: @Codex, Reviewer: @Kimi",
			"kimi":   "Coordinator: @Claude works for me",
		})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "claude", got.Planner)
		assert.Equal(t, "codex", got.Implementer)
		assert.Equal(t, "kimi", got.Reviewer)
		assert.Equal(t, "claude", got.Coordinator)
	})
}

func TestLoadCards(t *testing.T) {
	e := NewEngine(nil)
	e.LoadCards([]*Card{
		{ID: "abc", Title: "Restored", Status: StatusImplementing, CreatedAt: "2026-01-01T00:00:00Z"},
	})
	got, err := e.GetCard("abc")
	require.NoError(t, err)
	assert.Equal(t, StatusImplementing, got.Status)
}
