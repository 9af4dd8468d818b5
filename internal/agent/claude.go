package agent

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/protocol"
	claudeproto "github.com/multiagents/multiagents/internal/protocol/claude"
)

var claudeBaseFlags = []string{
	"--verbose",
	"--output-format", "stream-json",
	"--disable-slash-commands",
}

// ClaudeBuilder builds argv and adapters for the Claude CLI in persistent
// stream-json mode.
type ClaudeBuilder struct {
	AgentName      string
	Model          string
	SystemPrompt   string
	ProjectDir     string
	PermissionMode string
	Log            *logger.Logger

	mu      sync.Mutex
	workDir string
}

func (b *ClaudeBuilder) cliFlags() ([]string, error) {
	flags := []string{
		"--system-prompt", BuildSystemPrompt(b.ProjectDir, b.SystemPrompt, b.AgentName),
	}
	flags = append(flags, claudeBaseFlags...)
	if b.Model != "" {
		flags = append(flags, "--model", b.Model)
	}

	switch b.PermissionMode {
	case "", "bypass":
		flags = append(flags, "--setting-sources", "", "--dangerously-skip-permissions")
	default:
		// dontAsk auto-denies unless pre-approved; denials surface as
		// permission requests on the result event.
		flags = append(flags, "--setting-sources", "", "--permission-mode", "dontAsk")
		if b.PermissionMode == "auto" {
			settings, err := json.Marshal(map[string]any{
				"permissions": map[string]any{
					"allow": []string{"Read", "Glob", "Grep", "WebSearch", "WebFetch"},
				},
			})
			if err != nil {
				return nil, err
			}
			flags = append(flags, "--settings", string(settings))
		}
	}
	return flags, nil
}

// Args returns the argv for a fresh persistent spawn.
func (b *ClaudeBuilder) Args() ([]string, error) {
	flags, err := b.cliFlags()
	if err != nil {
		return nil, err
	}
	args := []string{"claude", "-p", "--input-format", "stream-json"}
	return append(args, flags...), nil
}

// ResumeArgs returns the argv to resume an existing session.
func (b *ClaudeBuilder) ResumeArgs(sessionID string) ([]string, error) {
	flags, err := b.cliFlags()
	if err != nil {
		return nil, err
	}
	args := []string{"claude", "-p", "--input-format", "stream-json", "--resume", sessionID}
	return append(args, flags...), nil
}

// NewAdapter returns a fresh Claude protocol adapter.
func (b *ClaudeBuilder) NewAdapter() protocol.Adapter {
	return claudeproto.New(b.Log)
}

// Cwd returns the project directory, or a per-agent temp directory when no
// project is configured.
func (b *ClaudeBuilder) Cwd() (string, error) {
	if b.ProjectDir != "" {
		return b.ProjectDir, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.workDir == "" {
		dir, err := os.MkdirTemp("", "multiagents-claude-")
		if err != nil {
			return "", err
		}
		b.workDir = dir
	}
	return b.workDir, nil
}

// Cleanup removes the temp working directory if one was created.
func (b *ClaudeBuilder) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.workDir != "" {
		_ = os.RemoveAll(b.workDir)
		b.workDir = ""
	}
}

var _ Builder = (*ClaudeBuilder)(nil)
