package repair

import (
	"context"
	"fmt"

	"github.com/mendhq/mend/internal/collab"
	"github.com/mendhq/mend/internal/types"
)

// SchedulerEngine remediates OPERATIONAL faults in the job orchestrator:
// failure bursts, producer overload, uneven worker load.
type SchedulerEngine struct {
	hooks collab.SchedulerHooks
}

// NewSchedulerEngine creates a scheduler repair engine over the given hooks.
func NewSchedulerEngine(hooks collab.SchedulerHooks) *SchedulerEngine {
	return &SchedulerEngine{hooks: hooks}
}

// Name returns the engine name.
func (e *SchedulerEngine) Name() string { return "scheduler" }

// Attempt selects a scheduler strategy by fault type.
func (e *SchedulerEngine) Attempt(ctx context.Context, fault *types.Fault, _ *types.Classification) (*Result, error) {
	if e.hooks == nil {
		return nil, fmt.Errorf("scheduler repair hooks not configured")
	}

	switch fault.Type {
	case "high_error_rate", "agent_errors":
		requeued, err := e.hooks.RetryFailed(ctx)
		if err != nil {
			return nil, fmt.Errorf("retry failed jobs: %w", err)
		}
		return &Result{
			Success:    true,
			Strategy:   "retry_with_backoff",
			Detail:     fmt.Sprintf("requeued %d failed jobs with backoff", requeued),
			Reversible: true,
		}, nil

	case "queue_backlog", "backlog_overflow":
		if err := e.hooks.ThrottleProducer(ctx); err != nil {
			return nil, fmt.Errorf("throttle producer: %w", err)
		}
		return &Result{
			Success:    true,
			Strategy:   "throttle_producer",
			Detail:     "throttled the offending producer",
			Reversible: true,
		}, nil

	default:
		// Load redistribution is the broadest scheduler lever; it also
		// serves as the second line for stability threats.
		if err := e.hooks.RebalanceWorkers(ctx); err != nil {
			return nil, fmt.Errorf("rebalance workers: %w", err)
		}
		return &Result{
			Success:    true,
			Strategy:   "rebalance_workers",
			Detail:     "redistributed load across workers",
			Reversible: true,
		}, nil
	}
}
