package repair

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendhq/mend/internal/types"
)

// fakeGraphHooks records calls and can be made to fail.
type fakeGraphHooks struct {
	fail       bool
	breakCalls int
}

func (h *fakeGraphHooks) BreakCycle(ctx context.Context) (string, error) {
	h.breakCalls++
	if h.fail {
		return "", fmt.Errorf("graph unavailable")
	}
	return "a->b", nil
}

func (h *fakeGraphHooks) RelieveBottleneck(ctx context.Context) (string, error) {
	if h.fail {
		return "", fmt.Errorf("graph unavailable")
	}
	return "moved 4 tasks", nil
}

func (h *fakeGraphHooks) ResolveDeadlock(ctx context.Context) (string, error) {
	if h.fail {
		return "", fmt.Errorf("graph unavailable")
	}
	return "task-9", nil
}

type fakeGovernanceHooks struct {
	fail        bool
	revertCalls int
}

func (h *fakeGovernanceHooks) RevertLastChange(ctx context.Context) (string, error) {
	h.revertCalls++
	if h.fail {
		return "", fmt.Errorf("governor unavailable")
	}
	return "change #12", nil
}

func (h *fakeGovernanceHooks) ClampThreshold(ctx context.Context) (float64, error) {
	if h.fail {
		return 0, fmt.Errorf("governor unavailable")
	}
	return 0.85, nil
}

type fakeSchedulerHooks struct {
	fail       bool
	retryCalls int
}

func (h *fakeSchedulerHooks) RetryFailed(ctx context.Context) (int, error) {
	h.retryCalls++
	if h.fail {
		return 0, fmt.Errorf("scheduler unavailable")
	}
	return 7, nil
}

func (h *fakeSchedulerHooks) ThrottleProducer(ctx context.Context) error {
	if h.fail {
		return fmt.Errorf("scheduler unavailable")
	}
	return nil
}

func (h *fakeSchedulerHooks) RebalanceWorkers(ctx context.Context) error {
	if h.fail {
		return fmt.Errorf("scheduler unavailable")
	}
	return nil
}

type fakeAgentHooks struct{ fail bool }

func (h *fakeAgentHooks) RestartAgent(ctx context.Context) error {
	if h.fail {
		return fmt.Errorf("agentpool unavailable")
	}
	return nil
}

func (h *fakeAgentHooks) ResetChannel(ctx context.Context) error {
	if h.fail {
		return fmt.Errorf("agentpool unavailable")
	}
	return nil
}

func (h *fakeAgentHooks) FlushBacklog(ctx context.Context) (int, error) {
	if h.fail {
		return 0, fmt.Errorf("agentpool unavailable")
	}
	return 42, nil
}

func testFault(source, typ string) *types.Fault {
	return &types.Fault{ID: source + "-" + typ, Source: source, Type: typ}
}

// TestGraphEngineStrategies verifies the type-to-strategy mapping and
// reversibility marking.
func TestGraphEngineStrategies(t *testing.T) {
	e := NewGraphEngine(&fakeGraphHooks{})
	ctx := context.Background()

	res, err := e.Attempt(ctx, testFault("taskgraph", "cycle_detected"), nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "break_cycle", res.Strategy)
	assert.True(t, res.Reversible)

	res, err = e.Attempt(ctx, testFault("taskgraph", "deadlock"), nil)
	require.NoError(t, err)
	assert.Equal(t, "resolve_deadlock", res.Strategy)
	assert.False(t, res.Reversible, "aborted work cannot be restored")

	_, err = e.Attempt(ctx, testFault("taskgraph", "nonsense"), nil)
	assert.Error(t, err)
}

// TestEnginesFailGracefullyWithoutHooks verifies nil hooks produce an
// error, never a panic.
func TestEnginesFailGracefullyWithoutHooks(t *testing.T) {
	ctx := context.Background()

	_, err := NewGraphEngine(nil).Attempt(ctx, testFault("taskgraph", "cycle_detected"), nil)
	assert.Error(t, err)
	_, err = NewAgentEngine(nil).Attempt(ctx, testFault("agentpool", "agent_unresponsive"), nil)
	assert.Error(t, err)
	_, err = NewSchedulerEngine(nil).Attempt(ctx, testFault("orchestrator", "high_error_rate"), nil)
	assert.Error(t, err)
	_, err = NewGovernanceEngine(nil).Attempt(ctx, testFault("governor", "policy_drift"), nil)
	assert.Error(t, err)
}

// TestGovernanceEngineStrategies verifies policy reverts and clamping.
func TestGovernanceEngineStrategies(t *testing.T) {
	hooks := &fakeGovernanceHooks{}
	e := NewGovernanceEngine(hooks)
	ctx := context.Background()

	res, err := e.Attempt(ctx, testFault("governor", "stability_anomaly"), nil)
	require.NoError(t, err)
	assert.Equal(t, "revert_policy", res.Strategy)
	assert.Equal(t, 1, hooks.revertCalls)

	res, err = e.Attempt(ctx, testFault("governor", "threshold_breach"), nil)
	require.NoError(t, err)
	assert.Equal(t, "clamp_threshold", res.Strategy)
	assert.Contains(t, res.Detail, "0.850")
}

// TestRegistryCategoryTable verifies the static category-to-engines map.
func TestRegistryCategoryTable(t *testing.T) {
	reg := NewRegistry(
		NewGraphEngine(&fakeGraphHooks{}),
		NewAgentEngine(&fakeAgentHooks{}),
		NewSchedulerEngine(&fakeSchedulerHooks{}),
		NewGovernanceEngine(&fakeGovernanceHooks{}),
		nil,
	)

	tests := []struct {
		category types.Category
		engines  []string
	}{
		{types.CategoryStructural, []string{"graph"}},
		{types.CategoryAgentFault, []string{"agent"}},
		{types.CategoryOperational, []string{"scheduler"}},
		{types.CategoryGovernanceDrift, []string{"governance"}},
		{types.CategoryStabilityThreat, []string{"governance", "scheduler"}},
	}
	for _, tt := range tests {
		got := reg.EnginesFor(tt.category)
		require.Len(t, got, len(tt.engines), string(tt.category))
		for i, name := range tt.engines {
			assert.Equal(t, name, got[i].Name())
		}
	}

	assert.Nil(t, reg.EnginesFor(types.Category("UNKNOWN")))
}

// TestRegistryAttemptsPerEngine verifies stability threats get two tries
// per engine and everything else gets one.
func TestRegistryAttemptsPerEngine(t *testing.T) {
	reg := NewRegistry(
		NewGraphEngine(nil), NewAgentEngine(nil), NewSchedulerEngine(nil), NewGovernanceEngine(nil), nil)

	assert.Equal(t, 2, reg.AttemptsPerEngine(types.CategoryStabilityThreat))
	assert.Equal(t, 1, reg.AttemptsPerEngine(types.CategoryOperational))
	assert.Equal(t, 1, reg.AttemptsPerEngine(types.CategoryStructural))
}

// TestBiasReordersEngines verifies observed success rates reorder the
// STABILITY_THREAT list while ties preserve the static order.
func TestBiasReordersEngines(t *testing.T) {
	bias := NewBiasTracker()
	reg := NewRegistry(
		NewGraphEngine(nil), NewAgentEngine(nil), NewSchedulerEngine(nil), NewGovernanceEngine(nil), bias)

	// No history: static order, governance first.
	order := reg.EnginesFor(types.CategoryStabilityThreat)
	assert.Equal(t, "governance", order[0].Name())
	assert.Equal(t, "scheduler", order[1].Name())

	// Governance keeps failing, scheduler keeps succeeding.
	for i := 0; i < 4; i++ {
		bias.Record(types.CategoryStabilityThreat, "governance", false)
		bias.Record(types.CategoryStabilityThreat, "scheduler", true)
	}

	order = reg.EnginesFor(types.CategoryStabilityThreat)
	assert.Equal(t, "scheduler", order[0].Name())
	assert.Equal(t, "governance", order[1].Name())
}

// TestBiasRateDefaultsToHalf verifies untried engines are neither favored
// nor punished.
func TestBiasRateDefaultsToHalf(t *testing.T) {
	bias := NewBiasTracker()
	assert.Equal(t, 0.5, bias.Rate(types.CategoryStructural, "graph"))

	bias.Record(types.CategoryStructural, "graph", true)
	bias.Record(types.CategoryStructural, "graph", true)
	bias.Record(types.CategoryStructural, "graph", false)
	assert.InDelta(t, 2.0/3.0, bias.Rate(types.CategoryStructural, "graph"), 1e-9)
}

// TestBiasCountersDecay verifies counters halve at the weight bound so old
// history cannot dominate forever.
func TestBiasCountersDecay(t *testing.T) {
	bias := NewBiasTracker()
	for i := 0; i < maxCounterWeight; i++ {
		bias.Record(types.CategoryOperational, "scheduler", true)
	}

	stats := bias.Snapshot()
	require.Len(t, stats, 1)
	assert.Less(t, stats[0].Attempts, maxCounterWeight)
	assert.InDelta(t, 1.0, stats[0].Rate(), 1e-9)
}

// TestSchedulerEngineDefaultStrategy verifies unknown operational faults
// fall back to worker rebalancing.
func TestSchedulerEngineDefaultStrategy(t *testing.T) {
	e := NewSchedulerEngine(&fakeSchedulerHooks{})
	res, err := e.Attempt(context.Background(), testFault("orchestrator", "slow_jobs"), nil)
	require.NoError(t, err)
	assert.Equal(t, "rebalance_workers", res.Strategy)
}
