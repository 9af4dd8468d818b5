package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRelayText(t *testing.T) {
	assert.Equal(t, "hello world", normalizeRelayText("  Hello   WORLD \n"))
	assert.Equal(t, "a b c", normalizeRelayText("a\tb\nc"))
	assert.Equal(t, "", normalizeRelayText("   "))
}

func TestRelayGateDedup(t *testing.T) {
	gate := newRelayGate(8 * time.Second)
	now := time.Unix(1000, 0)
	gate.now = func() time.Time { return now }

	assert.True(t, gate.allow("claude", "codex", "the plan"))
	assert.False(t, gate.allow("claude", "codex", "The   PLAN"))

	// Different recipient or sender is a distinct key.
	assert.True(t, gate.allow("claude", "kimi", "the plan"))
	assert.True(t, gate.allow("codex", "codex", "the plan"))

	// Inside the window the duplicate stays suppressed.
	now = now.Add(7 * time.Second)
	assert.False(t, gate.allow("claude", "codex", "the plan"))

	// Past the cooldown it passes again.
	now = now.Add(2 * time.Second)
	assert.True(t, gate.allow("claude", "codex", "the plan"))
}

func TestRelayGateDefaultCooldown(t *testing.T) {
	gate := newRelayGate(0)
	assert.Equal(t, defaultRelayCooldown, gate.cooldown)
}

func TestRelayGatePruneCap(t *testing.T) {
	gate := newRelayGate(time.Minute)
	now := time.Unix(1000, 0)
	gate.now = func() time.Time { return now }

	for i := 0; i < maxRelayEntries+10; i++ {
		gate.allow("a", "b", time.Duration(i).String())
	}
	assert.LessOrEqual(t, len(gate.recent), maxRelayEntries)
}

func TestRelayGatePruneEvictsOldestFirst(t *testing.T) {
	gate := newRelayGate(time.Minute)
	now := time.Unix(1000, 0)
	gate.now = func() time.Time { return now }

	for i := 0; i < maxRelayEntries; i++ {
		gate.allow("a", "b", fmt.Sprintf("msg-%d", i))
		now = now.Add(time.Millisecond)
	}

	// Overflow evicts msg-0, the oldest record; recent ones stay suppressed.
	gate.allow("a", "b", "overflow")
	assert.False(t, gate.allow("a", "b", fmt.Sprintf("msg-%d", maxRelayEntries-1)))
	assert.True(t, gate.allow("a", "b", "msg-0"))
}
