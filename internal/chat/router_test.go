package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectPass(t *testing.T) {
	assert.True(t, DetectPass("[PASS]"))
	assert.True(t, DetectPass("  [PASS]\n"))
	assert.False(t, DetectPass("[PASS] but also this"))
	assert.False(t, DetectPass("pass"))
	assert.False(t, DetectPass(""))
}

func TestExtractShareable(t *testing.T) {
	t.Run("single block", func(t *testing.T) {
		got := ExtractShareable("thinking out loud <Share>the answer is 42</Share> trailing")
		assert.Equal(t, "the answer is 42", got)
	})

	t.Run("multiple blocks joined", func(t *testing.T) {
		got := ExtractShareable("<Share>first</Share> noise <Share>second</Share>")
		assert.Equal(t, "first\n\nsecond", got)
	})

	t.Run("case insensitive multiline", func(t *testing.T) {
		got := ExtractShareable("<share>line one\nline two</SHARE>")
		assert.Equal(t, "line one\nline two", got)
	})

	t.Run("no tags yields placeholder", func(t *testing.T) {
		assert.Equal(t, Placeholder, ExtractShareable("no tags here at all"))
	})

	t.Run("empty block yields placeholder", func(t *testing.T) {
		assert.Equal(t, Placeholder, ExtractShareable("<Share>   </Share>"))
	})

	t.Run("share opened inside thinking block is stripped", func(t *testing.T) {
		text := "<thinking>draft: <Share>do not leak this" +
			"</thinking>\n<Share>public summary</Share>"
		assert.Equal(t, "public summary", ExtractShareable(text))
	})

	t.Run("pass passes through", func(t *testing.T) {
		assert.Equal(t, "[PASS]", ExtractShareable(" [PASS] "))
	})
}

func TestExtractMentions(t *testing.T) {
	assert.Equal(t, []string{"Codex", "Kimi"}, ExtractMentions("hey @Codex and @Kimi, thoughts?"))
	assert.Empty(t, ExtractMentions("see the file at /@weird/path"))
	assert.Equal(t, []string{"Claude"}, ExtractMentions("path /@x but also @Claude"))
	assert.Empty(t, ExtractMentions("no mentions"))
}

func TestExtractAgreements(t *testing.T) {
	assert.Equal(t, []string{"Claude", "Codex"}, ExtractAgreements("+1 Claude and later +1 Codex"))
	assert.Empty(t, ExtractAgreements("a +2 Claude is not agreement"))
}

func TestExtractHandoffs(t *testing.T) {
	handoffs := ExtractHandoffs("[HANDOFF:Codex] please review the parser changes. More detail after.")
	require.Len(t, handoffs, 1)
	assert.Equal(t, "Codex", handoffs[0].Agent)
	assert.Equal(t, "please review the parser changes", handoffs[0].Context)

	t.Run("context truncated at 100 chars", func(t *testing.T) {
		long := strings.Repeat("x", 150)
		handoffs := ExtractHandoffs("[HANDOFF:Kimi] " + long)
		require.Len(t, handoffs, 1)
		assert.Len(t, handoffs[0].Context, 100)
	})

	t.Run("case insensitive tag", func(t *testing.T) {
		handoffs := ExtractHandoffs("[handoff:Claude] take over.")
		require.Len(t, handoffs, 1)
		assert.Equal(t, "Claude", handoffs[0].Agent)
	})
}

func TestExtractStatuses(t *testing.T) {
	assert.Equal(t, []string{"EXPLORE"}, ExtractStatuses("[EXPLORE] digging into the cache layer"))
	assert.Equal(t, []string{"BLOCKED"}, ExtractStatuses("[STATUS: BLOCKED] waiting on creds"))
	assert.Equal(t, []string{"waiting on review"}, ExtractStatuses("[STATUS: waiting on review]"))
	assert.Empty(t, ExtractStatuses("no status markers"))
}

func TestSplitHistory(t *testing.T) {
	history := []Message{
		{Role: "user", Content: "kick off", Round: 0},
		{Role: "claude", Content: "round one reply", Round: 1},
		{Role: "codex", Content: "round one reply", Round: 1},
		{Role: "user", Content: "follow-up", Round: 0},
		{Role: "claude", Content: "round two reply", Round: 2},
	}

	t.Run("round one keeps everything current", func(t *testing.T) {
		older, current := splitHistory(history, 1)
		assert.Empty(t, older)
		assert.Len(t, current, len(history))
	})

	t.Run("round three takes previous round plus preceding user messages", func(t *testing.T) {
		older, current := splitHistory(history, 3)
		require.Len(t, current, 2)
		assert.Equal(t, "follow-up", current[0].Content)
		assert.Equal(t, "round two reply", current[1].Content)
		assert.Len(t, older, 3)
	})

	t.Run("missing previous round leaves everything older", func(t *testing.T) {
		older, current := splitHistory([]Message{{Role: "claude", Content: "old", Round: 1}}, 3)
		assert.Len(t, older, 1)
		assert.Empty(t, current)
	})
}

func TestBuildMentionNotice(t *testing.T) {
	msgs := []Message{
		{Role: "claude", Content: "@Codex can you check this?", Round: 1},
		{Role: "kimi", Content: "[HANDOFF:Codex] finish the migration. Then ping me.", Round: 1},
		{Role: "codex", Content: "@Codex talking about myself", Round: 1},
	}
	notice := buildMentionNotice(msgs, "Codex")
	assert.Contains(t, notice, "You were @mentioned by Claude.")
	assert.Contains(t, notice, "Kimi handed off to you: finish the migration.")

	assert.Empty(t, buildMentionNotice(msgs, "Claude"))
}

func TestFormatCardsSection(t *testing.T) {
	assert.Empty(t, FormatCardsSection(nil, "claude"))

	cards := []CardView{
		{ID: "c1", Title: "Fix auth flow", Status: "implementing", Planner: "claude", Implementer: "codex"},
		{ID: "c2", Title: "Write docs", Status: "created", Coordinator: "Claude"},
	}
	section := FormatCardsSection(cards, "Claude")
	assert.Contains(t, section, "## Task Board")
	assert.Contains(t, section, `- [c1] "Fix auth flow" (implementing) — your role: planner`)
	assert.Contains(t, section, `- [c2] "Write docs" (created) — your role: coordinator`)

	other := FormatCardsSection(cards, "kimi")
	assert.NotContains(t, other, "your role")
}

func TestFormatSessionContext(t *testing.T) {
	t.Run("with participants", func(t *testing.T) {
		participants := []Participant{
			{Name: "Ada", Type: "claude"},
			{Name: "Bob", Type: "codex"},
		}
		got := FormatSessionContext("Ada", participants, "architect")
		assert.Contains(t, got, "You are Ada in a group chat")
		assert.Contains(t, got, "Your role: architect")
		assert.Contains(t, got, "Other participants: Bob (Codex).")
	})

	t.Run("legacy agent types", func(t *testing.T) {
		got := FormatSessionContext("claude", nil, "")
		assert.Contains(t, got, "You are Claude in a group chat")
		assert.Contains(t, got, "Other participants: User, Codex, Kimi.")
		assert.NotContains(t, got, "Your role:")
	})

	t.Run("name equal to type collapses", func(t *testing.T) {
		participants := []Participant{
			{Name: "claude", Type: "claude"},
			{Name: "codex", Type: "codex"},
		}
		got := FormatSessionContext("claude", participants, "")
		assert.Contains(t, got, "Other participants: codex.")
	})
}

func TestFormatPrompt(t *testing.T) {
	history := []Message{
		{Role: "user", Content: "kick off", Round: 0},
		{Role: "claude", Content: "first thoughts", Round: 1},
		{Role: "codex", Content: "second thoughts", Round: 1},
	}

	t.Run("fresh agent gets full context", func(t *testing.T) {
		prompt := FormatPrompt(history, "kimi", 2, false, nil, nil, "")
		assert.Contains(t, prompt, "You are Kimi in a group chat")
		assert.Contains(t, prompt, "## Current Round")
		assert.Contains(t, prompt, "[User]: kick off")
		assert.Contains(t, prompt, "[Claude]: first thoughts")
		assert.Contains(t, prompt, "## Your Turn (Round 2)")
		assert.Contains(t, prompt, "exactly [PASS]")
	})

	t.Run("history section suppressed with session", func(t *testing.T) {
		longer := append([]Message{}, history...)
		longer = append(longer, Message{Role: "kimi", Content: "round two", Round: 2})
		withSession := FormatPrompt(longer, "claude", 3, true, nil, nil, "")
		assert.NotContains(t, withSession, "## Conversation History")

		withoutSession := FormatPrompt(longer, "claude", 3, false, nil, nil, "")
		assert.Contains(t, withoutSession, "## Conversation History")
	})

	t.Run("extra sections sorted by key", func(t *testing.T) {
		extra := map[string]string{"b_cards": "CARDS", "a_header": "HEADER", "empty": ""}
		prompt := FormatPrompt(history, "claude", 1, false, extra, nil, "")
		assert.Less(t, strings.Index(prompt, "HEADER"), strings.Index(prompt, "CARDS"))
		assert.NotContains(t, prompt, "empty")
	})
}

func TestFormatRoundPrompt(t *testing.T) {
	history := []Message{
		{Role: "user", Content: "kick off", Round: 0},
		{Role: "claude", Content: "first thoughts", Round: 1},
	}
	prompt := FormatRoundPrompt(history, "codex", 2, nil)
	assert.NotContains(t, prompt, "group chat with a human user")
	assert.Contains(t, prompt, "## Current Round")
	assert.Contains(t, prompt, "[Claude]: first thoughts")
	assert.Contains(t, prompt, "## Your Turn (Round 2)")
}

func TestFormatPersistentEventsPrompt(t *testing.T) {
	t.Run("messages only", func(t *testing.T) {
		batch := []InboxItem{
			{Sender: "user", Text: "please start", Round: 0},
			{Sender: "claude", Text: "on it", Round: 1},
		}
		prompt := FormatPersistentEventsPrompt("codex", batch, "CTX", nil, 1)
		assert.True(t, strings.HasPrefix(prompt, "CTX"))
		assert.Contains(t, prompt, "## New Messages")
		assert.Contains(t, prompt, "[User]: please start")
		assert.Contains(t, prompt, "## Your Turn (Round 1)")
	})

	t.Run("dm suppresses turn section", func(t *testing.T) {
		batch := []InboxItem{
			{Sender: "dm", Text: "focus on tests only"},
			{Sender: "claude", Text: "status update", Round: 2},
		}
		prompt := FormatPersistentEventsPrompt("codex", batch, "", nil, 2)
		assert.Contains(t, prompt, "## Direct Message from User")
		assert.Contains(t, prompt, "focus on tests only")
		assert.Contains(t, prompt, "## New Messages")
		assert.NotContains(t, prompt, "## Your Turn")
	})

	t.Run("session context only when provided", func(t *testing.T) {
		prompt := FormatPersistentEventsPrompt("codex", []InboxItem{{Sender: "user", Text: "hi"}}, "", nil, 1)
		assert.True(t, strings.HasPrefix(prompt, "## New Messages"))
	})
}
