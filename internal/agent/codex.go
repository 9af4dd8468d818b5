package agent

import (
	"encoding/json"
	"fmt"

	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/protocol"
	codexproto "github.com/multiagents/multiagents/internal/protocol/codex"
)

const codexHistoryConfig = `history={persistence="save-all", truncation="auto"}`

// CodexBuilder builds argv and adapters for the Codex CLI app-server.
type CodexBuilder struct {
	AgentName      string
	Model          string
	SystemPrompt   string
	ProjectDir     string
	PermissionMode string
	Log            *logger.Logger
}

// devInstructionsConfig returns the -c flag value that injects the system
// prompt as developer_instructions.
func (b *CodexBuilder) devInstructionsConfig() (string, error) {
	prompt := BuildSystemPrompt(b.ProjectDir, b.SystemPrompt, b.AgentName)
	encoded, err := json.Marshal(prompt)
	if err != nil {
		return "", err
	}
	return "developer_instructions=" + string(encoded), nil
}

// Args returns the argv for a fresh app-server spawn.
func (b *CodexBuilder) Args() ([]string, error) {
	devConfig, err := b.devInstructionsConfig()
	if err != nil {
		return nil, err
	}
	args := []string{"codex", "app-server",
		"-c", codexHistoryConfig,
		"-c", devConfig,
	}
	if b.Model != "" {
		args = append(args, "-c", fmt.Sprintf("model=%q", b.Model))
	}
	return args, nil
}

// ResumeArgs is identical to Args: Codex resume happens at the protocol level
// via thread/resume, not through CLI arguments.
func (b *CodexBuilder) ResumeArgs(sessionID string) ([]string, error) {
	return b.Args()
}

// NewAdapter returns a fresh Codex protocol adapter with the approval policy
// derived from the permission mode.
func (b *CodexBuilder) NewAdapter() protocol.Adapter {
	policy := "never"
	switch b.PermissionMode {
	case "auto":
		policy = "auto-edit"
	case "manual":
		policy = "suggest"
	}
	return codexproto.New(policy, "danger-full-access", b.Log)
}

// Cwd returns the project directory; empty inherits the server's cwd.
func (b *CodexBuilder) Cwd() (string, error) {
	return b.ProjectDir, nil
}

// Cleanup is a no-op; the Codex builder creates no temp artifacts.
func (b *CodexBuilder) Cleanup() {}

var _ Builder = (*CodexBuilder)(nil)
