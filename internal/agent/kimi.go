package agent

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/protocol"
	kimiproto "github.com/multiagents/multiagents/internal/protocol/kimi"
)

// kimiAgentFile is the agent.yaml schema the Kimi CLI loads via --agent-file.
type kimiAgentFile struct {
	Version int           `yaml:"version"`
	Agent   kimiAgentSpec `yaml:"agent"`
}

type kimiAgentSpec struct {
	Extend           string `yaml:"extend"`
	SystemPromptPath string `yaml:"system_prompt_path"`
	Model            string `yaml:"model,omitempty"`
}

// KimiBuilder builds argv and adapters for the Kimi CLI in wire mode. The
// system prompt is delivered through a temp agent file because the CLI has no
// system-prompt flag.
type KimiBuilder struct {
	AgentName         string
	Model             string
	SystemPrompt      string
	ProjectDir        string
	PermissionMode    string
	PermissionTimeout time.Duration
	Log               *logger.Logger

	mu        sync.Mutex
	agentDir  string
	sessionID string

	cachedModel   string
	cachedPrompt  string
	cachedProject string
	cachedName    string
}

// ensureAgentFile writes the temp agent YAML and system prompt, reusing the
// previous files when nothing changed.
func (b *KimiBuilder) ensureAgentFile() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	needsWrite := b.agentDir == ""
	if !needsWrite {
		needsWrite = b.Model != b.cachedModel ||
			b.SystemPrompt != b.cachedPrompt ||
			b.ProjectDir != b.cachedProject ||
			b.AgentName != b.cachedName
	}
	if needsWrite {
		if b.agentDir == "" {
			dir, err := os.MkdirTemp("", "multiagents-kimi-agent-")
			if err != nil {
				return "", err
			}
			b.agentDir = dir
		}
		promptPath := filepath.Join(b.agentDir, "system.md")
		prompt := BuildSystemPrompt(b.ProjectDir, b.SystemPrompt, b.AgentName) + "\n\n${KIMI_AGENTS_MD}\n"
		if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
			return "", err
		}
		spec := kimiAgentFile{
			Version: 1,
			Agent: kimiAgentSpec{
				Extend:           "default",
				SystemPromptPath: promptPath,
				Model:            b.Model,
			},
		}
		data, err := yaml.Marshal(&spec)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(b.agentDir, "agent.yaml"), data, 0o644); err != nil {
			return "", err
		}
		b.cachedModel = b.Model
		b.cachedPrompt = b.SystemPrompt
		b.cachedProject = b.ProjectDir
		b.cachedName = b.AgentName
	}
	return filepath.Join(b.agentDir, "agent.yaml"), nil
}

func (b *KimiBuilder) wireArgs(sessionID string) ([]string, error) {
	agentFile, err := b.ensureAgentFile()
	if err != nil {
		return nil, err
	}
	args := []string{"kimi", "--wire"}
	if b.PermissionMode == "" || b.PermissionMode == "bypass" {
		args = append(args, "--yolo")
	}
	return append(args, "--agent-file", agentFile, "--session", sessionID), nil
}

// Args spawns wire mode with a freshly minted session uuid; the id is kept so
// a later resume lands on the same session.
func (b *KimiBuilder) Args() ([]string, error) {
	b.mu.Lock()
	if b.sessionID == "" {
		b.sessionID = uuid.NewString()
	}
	sessionID := b.sessionID
	b.mu.Unlock()
	return b.wireArgs(sessionID)
}

// ResumeArgs resumes the given session via the --session flag.
func (b *KimiBuilder) ResumeArgs(sessionID string) ([]string, error) {
	b.mu.Lock()
	b.sessionID = sessionID
	b.mu.Unlock()
	return b.wireArgs(sessionID)
}

// NewAdapter returns a fresh Kimi wire protocol adapter.
func (b *KimiBuilder) NewAdapter() protocol.Adapter {
	mode := b.PermissionMode
	if mode == "" {
		mode = "bypass"
	}
	return kimiproto.New(mode, b.PermissionTimeout, b.Log)
}

// Cwd returns the project directory; empty inherits the server's cwd.
func (b *KimiBuilder) Cwd() (string, error) {
	return b.ProjectDir, nil
}

// Cleanup removes the temp agent directory.
func (b *KimiBuilder) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.agentDir != "" {
		_ = os.RemoveAll(b.agentDir)
		b.agentDir = ""
	}
}

var _ Builder = (*KimiBuilder)(nil)
