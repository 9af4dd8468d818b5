package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batchConfig() RoomConfig {
	return RoomConfig{
		Timeout:      5 * time.Second,
		ParseTimeout: 5 * time.Second,
		DMDebounce:   50 * time.Millisecond,
	}
}

func batchMember(name, agentType string, a *scriptedAgent) BatchMember {
	return BatchMember{
		Member:       Member{Name: name, Type: agentType, Agent: a},
		ParseTimeout: 5 * time.Second,
	}
}

func TestBatchRoomRunsUntilAllPass(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha", script: []string{"<Share>alpha's idea</Share>", "[PASS]"}}
	beta := &scriptedAgent{name: "beta", script: []string{"<Share>beta's idea</Share>", "[PASS]"}}
	room := NewBatchRoom([]BatchMember{
		batchMember("alpha", "claude", alpha),
		batchMember("beta", "codex", beta),
	}, batchConfig(), newTestLogger())

	log := &eventLog{}
	err := room.Run(context.Background(), "solve the problem", 0, log.emit)
	require.NoError(t, err)

	events := log.snapshot()
	var rounds []RoundEnded
	completions := 0
	var ended bool
	for _, ev := range events {
		switch e := ev.(type) {
		case RoundEnded:
			rounds = append(rounds, e)
		case AgentCompleted:
			completions++
		case DiscussionEnded:
			ended = true
			assert.Equal(t, "all_passed", e.Reason)
		}
	}
	require.Len(t, rounds, 2)
	assert.False(t, rounds[0].AllPassed)
	assert.True(t, rounds[1].AllPassed)
	assert.Equal(t, 4, completions)
	assert.True(t, ended)

	history := room.History()
	require.Len(t, history, 5)
	assert.Equal(t, Message{Role: "user", Content: "solve the problem"}, history[0])
	shares := map[string]string{}
	for _, msg := range history[1:3] {
		shares[msg.Role] = msg.Content
	}
	assert.Equal(t, "alpha's idea", shares["alpha"])
	assert.Equal(t, "beta's idea", shares["beta"])
	assert.Equal(t, "[PASS]", history[3].Content)
	assert.Equal(t, "[PASS]", history[4].Content)
}

func TestBatchRoomRoundTwoPromptContainsPeerShares(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha", script: []string{"<Share>alpha's idea</Share>", "[PASS]"}}
	beta := &scriptedAgent{name: "beta", script: []string{"[PASS]"}}
	room := NewBatchRoom([]BatchMember{
		batchMember("alpha", "claude", alpha),
		batchMember("beta", "codex", beta),
	}, batchConfig(), newTestLogger())

	require.NoError(t, room.Run(context.Background(), "go", 0, func(Event) {}))

	require.GreaterOrEqual(t, beta.promptCount(), 2)
	assert.Contains(t, beta.promptAt(1), "alpha's idea")
}

func TestBatchRoomFreshAgentGetsFullPrompt(t *testing.T) {
	withSession := &scriptedAgent{name: "alpha", sessionID: "s1", script: []string{"[PASS]"}}
	fresh := &scriptedAgent{name: "beta", script: []string{"[PASS]"}}
	room := NewBatchRoom([]BatchMember{
		batchMember("alpha", "claude", withSession),
		batchMember("beta", "codex", fresh),
	}, batchConfig(), newTestLogger())

	require.NoError(t, room.Run(context.Background(), "go", 0, func(Event) {}))

	// An agent with a live CLI session gets only the round delta.
	assert.NotContains(t, withSession.promptAt(0), "group chat with a human user")
	assert.Contains(t, fresh.promptAt(0), "group chat with a human user")
}

func TestBatchRoomStartRoundOffset(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha", script: []string{"[PASS]"}}
	room := NewBatchRoom([]BatchMember{batchMember("alpha", "claude", alpha)}, batchConfig(), newTestLogger())

	log := &eventLog{}
	require.NoError(t, room.Run(context.Background(), "continue", 4, log.emit))

	started := log.waitFor(t, func(ev Event) bool {
		_, ok := ev.(RoundStarted)
		return ok
	}, "round started")
	assert.Equal(t, 5, started.(RoundStarted).Round)
}

func TestBatchRoomStopRoundWithoutPause(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha", blockCalls: 1, script: []string{"ignored", "[PASS]"}}
	room := NewBatchRoom([]BatchMember{batchMember("alpha", "claude", alpha)}, batchConfig(), newTestLogger())

	log := &eventLog{}
	done := make(chan error, 1)
	go func() {
		done <- room.Run(context.Background(), "go", 0, log.emit)
	}()

	require.Eventually(t, func() bool { return alpha.promptCount() >= 1 }, 5*time.Second, 20*time.Millisecond)
	room.StopRound(false)

	require.NoError(t, <-done)

	stopped := log.waitFor(t, func(ev Event) bool {
		ac, ok := ev.(AgentCompleted)
		return ok && ac.Stopped
	}, "stopped completion")
	assert.Equal(t, "(stopped)", stopped.(AgentCompleted).Response.Response)
	assert.Equal(t, 0, log.count("paused"))
}

func TestBatchRoomStopRoundPauses(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha", blockCalls: 1, script: []string{"ignored", "[PASS]"}}
	room := NewBatchRoom([]BatchMember{batchMember("alpha", "claude", alpha)}, batchConfig(), newTestLogger())

	log := &eventLog{}
	done := make(chan error, 1)
	go func() {
		done <- room.Run(context.Background(), "go", 0, log.emit)
	}()

	require.Eventually(t, func() bool { return alpha.promptCount() >= 1 }, 5*time.Second, 20*time.Millisecond)
	room.StopRound(true)

	log.waitFor(t, func(ev Event) bool {
		_, ok := ev.(RoundPaused)
		return ok
	}, "round should pause")

	room.Resume()
	require.NoError(t, <-done)
}

func TestBatchRoomRestartAgentRerunsWithDM(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha", blockCalls: 1, script: []string{"ignored", "<Share>done as asked</Share>", "[PASS]"}}
	room := NewBatchRoom([]BatchMember{batchMember("alpha", "claude", alpha)}, batchConfig(), newTestLogger())

	log := &eventLog{}
	done := make(chan error, 1)
	go func() {
		done <- room.Run(context.Background(), "go", 0, log.emit)
	}()

	require.Eventually(t, func() bool { return alpha.promptCount() >= 1 }, 5*time.Second, 20*time.Millisecond)
	room.RestartAgent("alpha", "do it differently")

	log.waitFor(t, func(ev Event) bool {
		_, ok := ev.(AgentInterrupted)
		return ok
	}, "restart should interrupt the agent")

	require.Eventually(t, func() bool { return alpha.promptCount() >= 2 }, 5*time.Second, 20*time.Millisecond)
	second := alpha.promptAt(1)
	assert.Contains(t, second, "## Direct Message from User")
	assert.Contains(t, second, "do it differently")

	require.NoError(t, <-done)
}

func TestBatchRoomInjectedMessageTriggersNextRound(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha", script: []string{"<Share>working</Share>", "[PASS]", "<Share>more</Share>", "[PASS]"}}
	room := NewBatchRoom([]BatchMember{batchMember("alpha", "claude", alpha)}, batchConfig(), newTestLogger())

	log := &eventLog{}
	done := make(chan error, 1)
	go func() {
		done <- room.Run(context.Background(), "go", 0, log.emit)
	}()

	room.InjectUserMessage("also consider caching")
	require.NoError(t, <-done)

	var sawInjected bool
	for _, msg := range room.History() {
		if msg.Role == "user" && msg.Content == "also consider caching" {
			sawInjected = true
		}
	}
	assert.True(t, sawInjected)
	assert.Equal(t, 1, log.count("user_message"))
}

func TestBatchRoomAddAndRemoveAgents(t *testing.T) {
	alpha := &scriptedAgent{name: "alpha", script: []string{"<Share>a</Share>", "[PASS]"}}
	gamma := &scriptedAgent{name: "gamma", script: []string{"[PASS]"}}
	room := NewBatchRoom([]BatchMember{batchMember("alpha", "claude", alpha)}, batchConfig(), newTestLogger())

	room.AddAgent(batchMember("gamma", "kimi", gamma))

	log := &eventLog{}
	require.NoError(t, room.Run(context.Background(), "go", 0, log.emit))

	// The queued join lands at a round boundary; gamma participates afterwards.
	assert.GreaterOrEqual(t, gamma.promptCount(), 1)
}
