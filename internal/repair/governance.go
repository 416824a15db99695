package repair

import (
	"context"
	"fmt"

	"github.com/mendhq/mend/internal/collab"
	"github.com/mendhq/mend/internal/types"
)

// GovernanceEngine remediates GOVERNANCE_DRIFT faults and is the first
// line against STABILITY_THREAT: policy reverts and threshold clamping.
type GovernanceEngine struct {
	hooks collab.GovernanceHooks
}

// NewGovernanceEngine creates a governance repair engine over the given hooks.
func NewGovernanceEngine(hooks collab.GovernanceHooks) *GovernanceEngine {
	return &GovernanceEngine{hooks: hooks}
}

// Name returns the engine name.
func (e *GovernanceEngine) Name() string { return "governance" }

// Attempt selects a governance strategy by fault type.
func (e *GovernanceEngine) Attempt(ctx context.Context, fault *types.Fault, _ *types.Classification) (*Result, error) {
	if e.hooks == nil {
		return nil, fmt.Errorf("governance repair hooks not configured")
	}

	switch fault.Type {
	case "policy_drift", "stability_anomaly":
		reverted, err := e.hooks.RevertLastChange(ctx)
		if err != nil {
			return nil, fmt.Errorf("revert policy change: %w", err)
		}
		return &Result{
			Success:    true,
			Strategy:   "revert_policy",
			Detail:     fmt.Sprintf("reverted most recent policy change: %s", reverted),
			Reversible: true,
		}, nil

	case "threshold_breach":
		value, err := e.hooks.ClampThreshold(ctx)
		if err != nil {
			return nil, fmt.Errorf("clamp threshold: %w", err)
		}
		return &Result{
			Success:    true,
			Strategy:   "clamp_threshold",
			Detail:     fmt.Sprintf("clamped threshold to last known-good value %.3f", value),
			Reversible: true,
		}, nil

	default:
		return nil, fmt.Errorf("no governance strategy for fault type %q", fault.Type)
	}
}
