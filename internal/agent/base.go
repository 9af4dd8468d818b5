package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/protocol"
)

// toolLabels maps CLI tool names to user-friendly display labels.
var toolLabels = map[string]string{
	"Read": "Read", "Edit": "Update", "Write": "Write", "Bash": "Run",
	"Glob": "Search", "Grep": "Search", "WebFetch": "Fetch",
	"ReadFile": "Read", "Shell": "Run", "EditFile": "Update",
	"WriteFile": "Write", "read_file": "Read", "edit_file": "Update",
	"write_file": "Write",
	// Kimi tool names
	"StrReplaceFile": "Update", "CreateFile": "Write",
	"ListDir": "Search", "SearchFiles": "Search",
	"SetTodoList": "Plan",
}

// ToolBadgeTag returns a <tool> tag that the frontend renders as an inline badge.
func ToolBadgeTag(toolName, detail string) string {
	label := toolName
	if mapped, ok := toolLabels[toolName]; ok {
		label = mapped
	}
	body := label
	if detail != "" {
		body = strings.TrimSpace(label + " " + detail)
	}
	return "<tool>" + body + "</tool>\n"
}

// Response is the terminal result of one agent turn.
type Response struct {
	Agent     string
	Response  string
	Success   bool
	LatencyMS int64
	SessionID string
	Stderr    string
	Stopped   bool
}

// Notice is an in-band notice from an agent (e.g. process restart).
type Notice struct {
	Agent   string
	Message string
}

// Sink receives intermediate stream output during a turn. Callbacks may be
// nil when the caller does not care about that kind of output.
type Sink struct {
	OnChunk      func(text string)
	OnNotice     func(n Notice)
	OnPermission func(req protocol.PermissionRequest)
}

func (s Sink) chunk(text string) {
	if s.OnChunk != nil && text != "" {
		s.OnChunk(text)
	}
}

// Agent wraps a Supervisor with a turn budget and the chunk translation the
// chat room expects.
type Agent struct {
	Name string
	Type string

	sup          *Supervisor
	parseTimeout time.Duration
	hardTimeout  time.Duration
	log          *logger.Logger
}

// New wraps a supervisor. parseTimeout bounds the turn budget; hardTimeout,
// when positive, caps total turn time regardless of streaming activity.
func New(name, agentType string, sup *Supervisor, parseTimeout, hardTimeout time.Duration, log *logger.Logger) *Agent {
	if log == nil {
		log = logger.Default()
	}
	return &Agent{
		Name:         name,
		Type:         agentType,
		sup:          sup,
		parseTimeout: parseTimeout,
		hardTimeout:  hardTimeout,
		log:          log.WithAgent(name),
	}
}

// Supervisor exposes the underlying process supervisor.
func (a *Agent) Supervisor() *Supervisor { return a.sup }

// SessionID returns the agent's current resume id.
func (a *Agent) SessionID() string { return a.sup.SessionID() }

// CancelTurn interrupts the in-flight turn.
func (a *Agent) CancelTurn(ctx context.Context) error { return a.sup.CancelTurn(ctx) }

// RespondToPermission forwards a permission decision to the live adapter.
func (a *Agent) RespondToPermission(ctx context.Context, resp protocol.PermissionResponse) error {
	return a.sup.RespondToPermission(ctx, resp)
}

// Shutdown stops the persistent process.
func (a *Agent) Shutdown(ctx context.Context) { a.sup.Shutdown(ctx) }

// budget returns the effective per-turn deadline.
func (a *Agent) budget(timeout time.Duration) time.Duration {
	budget := timeout
	if a.parseTimeout > 0 {
		pb := a.parseTimeout
		if pb < time.Second {
			pb = time.Second
		}
		if pb < budget {
			budget = pb
		}
	}
	return budget
}

// Stream sends a prompt through the supervisor and returns the terminal
// Response. Intermediate output goes to the sink as tagged text chunks. The
// caller cancels ctx to stop the turn; a caller-side stop yields a Response
// with Stopped=true carrying the partial text.
func (a *Agent) Stream(ctx context.Context, prompt string, timeout time.Duration, sink Sink) Response {
	start := time.Now()

	turnCtx, cancel := context.WithTimeout(ctx, a.budget(timeout))
	defer cancel()
	var hardDeadline time.Time
	if a.hardTimeout > 0 {
		hardDeadline = start.Add(a.hardTimeout)
	}

	var streamed strings.Builder
	var final *protocol.TurnComplete

	err := a.sup.SendAndStream(turnCtx, prompt, func(ev protocol.AgentEvent) error {
		if !hardDeadline.IsZero() && time.Now().After(hardDeadline) {
			return errHardTimeout
		}
		switch e := ev.(type) {
		case protocol.TextDelta:
			streamed.WriteString(e.Text)
			sink.chunk(e.Text)
		case protocol.ThinkingDelta:
			sink.chunk("<thinking>" + e.Text + "</thinking>\n")
		case protocol.ToolBadge:
			sink.chunk(ToolBadgeTag(e.Label, e.Detail))
		case protocol.ToolOutput:
			sink.chunk("<tool_output>" + protocol.Truncate(e.Text, 500) + "</tool_output>\n")
		case protocol.ToolResult:
			tag := "result"
			if !e.Success {
				tag = "error"
			}
			sink.chunk("<" + tag + ">" + e.Output + "</" + tag + ">\n")
		case protocol.PermissionRequest:
			if sink.OnPermission != nil {
				sink.OnPermission(e)
			}
		case protocol.ProcessRestarted:
			if sink.OnNotice != nil {
				sink.OnNotice(Notice{
					Agent:   a.Name,
					Message: fmt.Sprintf("persistent process restarted (retry %d)", e.Retry),
				})
			}
		case protocol.TurnComplete:
			tc := e
			final = &tc
		}
		return nil
	})

	latency := time.Since(start).Milliseconds()

	switch {
	case err == nil && final != nil:
		text := final.Text
		if text == "" {
			text = streamed.String()
		}
		if final.Success {
			if text == "" {
				a.log.Warn("turn completed with no text")
				return Response{
					Agent:     a.Name,
					Response:  "No output parsed from agent response",
					Success:   false,
					LatencyMS: latency,
					SessionID: a.sup.SessionID(),
					Stderr:    a.sup.Stderr(),
				}
			}
			a.log.Info("turn finished", zap.Int64("latency_ms", latency))
			return Response{
				Agent:     a.Name,
				Response:  text,
				Success:   true,
				LatencyMS: latency,
				SessionID: a.sup.SessionID(),
			}
		}
		failure := final.Error
		if failure == "" {
			failure = text
		}
		if failure == "" {
			failure = "agent turn failed"
		}
		return Response{
			Agent:     a.Name,
			Response:  failure,
			Success:   false,
			LatencyMS: latency,
			SessionID: a.sup.SessionID(),
			Stderr:    a.sup.Stderr(),
		}

	case errors.Is(err, errHardTimeout):
		_ = a.sup.CancelTurn(context.Background())
		a.log.Warn("hard timeout", zap.Duration("after", time.Since(start)))
		return Response{
			Agent:     a.Name,
			Response:  "Hard timeout",
			Success:   false,
			LatencyMS: latency,
			Stderr:    a.sup.Stderr(),
		}

	case ctx.Err() != nil:
		// Caller-initiated stop; return the partial text.
		_ = a.sup.CancelTurn(context.Background())
		return Response{
			Agent:     a.Name,
			Response:  streamed.String(),
			Success:   false,
			LatencyMS: latency,
			Stopped:   true,
		}

	case errors.Is(err, context.DeadlineExceeded):
		_ = a.sup.CancelTurn(context.Background())
		a.log.Warn("idle timeout", zap.Duration("after", time.Since(start)))
		return Response{
			Agent:     a.Name,
			Response:  "Timeout",
			Success:   false,
			LatencyMS: latency,
			Stderr:    a.sup.Stderr(),
		}

	default:
		a.log.WithError(err).Error("turn error")
		return Response{
			Agent:     a.Name,
			Response:  err.Error(),
			Success:   false,
			LatencyMS: latency,
			Stderr:    a.sup.Stderr(),
		}
	}
}

var errHardTimeout = errors.New("hard timeout")
