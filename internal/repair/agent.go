package repair

import (
	"context"
	"fmt"

	"github.com/mendhq/mend/internal/collab"
	"github.com/mendhq/mend/internal/types"
)

// AgentEngine remediates AGENT_FAULT conditions in the agent execution
// loop: unresponsive agents, corrupt channels, runaway backlogs.
type AgentEngine struct {
	hooks collab.AgentHooks
}

// NewAgentEngine creates an agent repair engine over the given hooks.
func NewAgentEngine(hooks collab.AgentHooks) *AgentEngine {
	return &AgentEngine{hooks: hooks}
}

// Name returns the engine name.
func (e *AgentEngine) Name() string { return "agent" }

// Attempt selects an agent strategy by fault type. For error-rate faults
// the engine restarts the agent and then flushes its backlog so stale work
// does not immediately re-trip the threshold.
func (e *AgentEngine) Attempt(ctx context.Context, fault *types.Fault, _ *types.Classification) (*Result, error) {
	if e.hooks == nil {
		return nil, fmt.Errorf("agent repair hooks not configured")
	}

	switch fault.Type {
	case "agent_unresponsive":
		if err := e.hooks.RestartAgent(ctx); err != nil {
			return nil, fmt.Errorf("restart agent: %w", err)
		}
		return &Result{
			Success:    true,
			Strategy:   "restart_agent",
			Detail:     "restarted the unresponsive agent",
			Reversible: false,
		}, nil

	case "channel_corrupt":
		if err := e.hooks.ResetChannel(ctx); err != nil {
			return nil, fmt.Errorf("reset channel: %w", err)
		}
		return &Result{
			Success:    true,
			Strategy:   "reset_channel",
			Detail:     "reset the agent communication channel",
			Reversible: true,
		}, nil

	case "agent_errors":
		if err := e.hooks.RestartAgent(ctx); err != nil {
			return nil, fmt.Errorf("restart agent: %w", err)
		}
		flushed, err := e.hooks.FlushBacklog(ctx)
		if err != nil {
			return nil, fmt.Errorf("flush backlog: %w", err)
		}
		return &Result{
			Success:    true,
			Strategy:   "restart_and_flush",
			Detail:     fmt.Sprintf("restarted agent and flushed %d backlog entries", flushed),
			Reversible: false,
		}, nil

	default:
		flushed, err := e.hooks.FlushBacklog(ctx)
		if err != nil {
			return nil, fmt.Errorf("flush backlog: %w", err)
		}
		return &Result{
			Success:    true,
			Strategy:   "flush_backlog",
			Detail:     fmt.Sprintf("flushed %d backlog entries", flushed),
			Reversible: false,
		}, nil
	}
}
