package agent

import (
	"fmt"
	"time"

	"github.com/multiagents/multiagents/internal/common/logger"
)

// Spec describes one agent slot to instantiate.
type Spec struct {
	Name           string
	Type           string // "claude", "codex", or "kimi"
	Model          string
	SystemPrompt   string
	ProjectDir     string
	PermissionMode string
	// PermissionTimeout bounds interactive approval waits; applies to
	// protocols that block on permission decisions.
	PermissionTimeout time.Duration
	ParseTimeout      time.Duration
	HardTimeout       time.Duration
	// SessionID, when set, resumes an existing vendor CLI session.
	SessionID string
	// Env is merged into the subprocess environment.
	Env map[string]string
}

// NewFromSpec builds an Agent with the vendor-specific builder for spec.Type.
func NewFromSpec(spec Spec, log *logger.Logger) (*Agent, error) {
	if log == nil {
		log = logger.Default()
	}
	var builder Builder
	switch spec.Type {
	case "claude":
		builder = &ClaudeBuilder{
			AgentName:      spec.Name,
			Model:          spec.Model,
			SystemPrompt:   spec.SystemPrompt,
			ProjectDir:     spec.ProjectDir,
			PermissionMode: spec.PermissionMode,
			Log:            log,
		}
	case "codex":
		builder = &CodexBuilder{
			AgentName:      spec.Name,
			Model:          spec.Model,
			SystemPrompt:   spec.SystemPrompt,
			ProjectDir:     spec.ProjectDir,
			PermissionMode: spec.PermissionMode,
			Log:            log,
		}
	case "kimi":
		builder = &KimiBuilder{
			AgentName:         spec.Name,
			Model:             spec.Model,
			SystemPrompt:      spec.SystemPrompt,
			ProjectDir:        spec.ProjectDir,
			PermissionMode:    spec.PermissionMode,
			PermissionTimeout: spec.PermissionTimeout,
			Log:               log,
		}
	default:
		return nil, fmt.Errorf("unknown agent type: %q", spec.Type)
	}
	sup := NewSupervisor(spec.Name, builder, spec.Env, log)
	if spec.SessionID != "" {
		sup.SetSessionID(spec.SessionID)
	}
	return New(spec.Name, spec.Type, sup, spec.ParseTimeout, spec.HardTimeout, log), nil
}
