package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSystemPromptDefaults(t *testing.T) {
	prompt := BuildSystemPrompt("", "", "Ada")
	assert.True(t, strings.HasPrefix(prompt, "You are Ada,"))
	assert.Contains(t, prompt, "<Share>")
	assert.Contains(t, prompt, "[PASS]")
	assert.Contains(t, prompt, "isolated working directory")
	assert.Contains(t, prompt, "TASK CARDS")
}

func TestBuildSystemPromptCustomBase(t *testing.T) {
	prompt := BuildSystemPrompt("/home/u/proj", "You are a security reviewer.\n", "Ada")
	assert.True(t, strings.HasPrefix(prompt, "You are a security reviewer."))
	assert.NotContains(t, prompt, "You are Ada,")
	assert.Contains(t, prompt, "The project directory is /home/u/proj")
	assert.NotContains(t, prompt, "isolated working directory")
	// Static guidance survives the custom base prompt.
	assert.Contains(t, prompt, "COORDINATION TOOLS")
}

func TestBuildSystemPromptAnonymous(t *testing.T) {
	prompt := BuildSystemPrompt("", "", "")
	assert.True(t, strings.HasPrefix(prompt, "You are a participant in a multi-agent group chat"))
}

func TestToolBadgeTag(t *testing.T) {
	assert.Equal(t, "<tool>Run ls</tool>\n", ToolBadgeTag("Bash", "ls"))
	assert.Equal(t, "<tool>Update</tool>\n", ToolBadgeTag("Edit", ""))
	assert.Equal(t, "<tool>Custom detail</tool>\n", ToolBadgeTag("Custom", "detail"))
}
