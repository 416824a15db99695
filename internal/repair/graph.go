package repair

import (
	"context"
	"fmt"

	"github.com/mendhq/mend/internal/collab"
	"github.com/mendhq/mend/internal/types"
)

// GraphEngine remediates STRUCTURAL faults in the task dependency graph:
// cycles, bottlenecks, and deadlocks.
type GraphEngine struct {
	hooks collab.GraphHooks
}

// NewGraphEngine creates a graph repair engine over the given hooks.
// Nil hooks are allowed; every attempt then fails gracefully.
func NewGraphEngine(hooks collab.GraphHooks) *GraphEngine {
	return &GraphEngine{hooks: hooks}
}

// Name returns the engine name.
func (e *GraphEngine) Name() string { return "graph" }

// Attempt selects a graph strategy by fault type.
func (e *GraphEngine) Attempt(ctx context.Context, fault *types.Fault, _ *types.Classification) (*Result, error) {
	if e.hooks == nil {
		return nil, fmt.Errorf("graph repair hooks not configured")
	}

	switch fault.Type {
	case "cycle_detected":
		removed, err := e.hooks.BreakCycle(ctx)
		if err != nil {
			return nil, fmt.Errorf("break cycle: %w", err)
		}
		return &Result{
			Success:    true,
			Strategy:   "break_cycle",
			Detail:     fmt.Sprintf("removed lowest-weight edge %s", removed),
			Reversible: true,
		}, nil

	case "bottleneck":
		moved, err := e.hooks.RelieveBottleneck(ctx)
		if err != nil {
			return nil, fmt.Errorf("relieve bottleneck: %w", err)
		}
		return &Result{
			Success:    true,
			Strategy:   "relieve_bottleneck",
			Detail:     fmt.Sprintf("redistributed load: %s", moved),
			Reversible: true,
		}, nil

	case "deadlock":
		aborted, err := e.hooks.ResolveDeadlock(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve deadlock: %w", err)
		}
		// Aborting a unit discards its in-flight work; a snapshot restore
		// cannot resurrect it.
		return &Result{
			Success:    true,
			Strategy:   "resolve_deadlock",
			Detail:     fmt.Sprintf("aborted youngest blocking unit %s", aborted),
			Reversible: false,
		}, nil

	default:
		return nil, fmt.Errorf("no graph strategy for fault type %q", fault.Type)
	}
}
