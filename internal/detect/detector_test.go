package detect

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendhq/mend/internal/collab"
	"github.com/mendhq/mend/internal/types"
)

// fakeSource is a settable collaborator for detector tests.
type fakeSource struct {
	name   string
	sample *collab.Sample
	err    error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Snapshot(ctx context.Context) (*collab.Sample, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sample.Clone(), nil
}

func sample(values map[string]float64, flags map[string]bool) *collab.Sample {
	return &collab.Sample{Values: values, Flags: flags, TakenAt: time.Now()}
}

func newTestDetector(t *testing.T, sources ...*fakeSource) (*Detector, *collab.Registry) {
	t.Helper()
	registry := collab.NewRegistry()
	for _, src := range sources {
		require.NoError(t, registry.Register(src))
	}
	d, err := NewDetector(registry, NewLedger(), nil, Config{})
	require.NoError(t, err)
	return d, registry
}

// TestPollThresholdSeverityBands verifies the fixed severity bands on the
// orchestrator error-rate rule.
func TestPollThresholdSeverityBands(t *testing.T) {
	tests := []struct {
		name      string
		errorRate float64
		severity  types.Severity
		fires     bool
	}{
		{name: "below threshold is silent", errorRate: 0.04, fires: false},
		{name: "just over threshold is medium", errorRate: 0.06, severity: types.SeverityMedium, fires: true},
		{name: "over 15 percent is high", errorRate: 0.20, severity: types.SeverityHigh, fires: true},
		{name: "over 30 percent is critical", errorRate: 0.35, severity: types.SeverityCritical, fires: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{
				name:   "orchestrator",
				sample: sample(map[string]float64{collab.KeyErrorRate: tt.errorRate}, nil),
			}
			d, _ := newTestDetector(t, src)

			faults := d.Poll(context.Background())
			if !tt.fires {
				assert.Empty(t, faults)
				return
			}
			require.Len(t, faults, 1)
			assert.Equal(t, "high_error_rate", faults[0].Type)
			assert.Equal(t, tt.severity, faults[0].Severity)
			assert.Equal(t, tt.errorRate, faults[0].Value)
		})
	}
}

// TestPollFlagRules verifies boolean flag rules fire with fixed severities.
func TestPollFlagRules(t *testing.T) {
	src := &fakeSource{
		name: "taskgraph",
		sample: sample(nil, map[string]bool{
			"cycle_detected": true,
			"deadlock":       true,
		}),
	}
	d, _ := newTestDetector(t, src)

	faults := d.Poll(context.Background())
	require.Len(t, faults, 2)

	bySeverity := map[string]types.Severity{}
	for _, f := range faults {
		bySeverity[f.Type] = f.Severity
	}
	assert.Equal(t, types.SeverityHigh, bySeverity["cycle_detected"])
	assert.Equal(t, types.SeverityCritical, bySeverity["deadlock"])
}

// TestPollDeduplicatesBySignature verifies repeated observation of the same
// condition updates the existing fault instead of creating a duplicate.
func TestPollDeduplicatesBySignature(t *testing.T) {
	src := &fakeSource{
		name:   "orchestrator",
		sample: sample(map[string]float64{collab.KeyQueueDepth: 300}, nil),
	}
	d, _ := newTestDetector(t, src)
	ctx := context.Background()

	first := d.Poll(ctx)
	require.Len(t, first, 1)
	second := d.Poll(ctx)
	assert.Empty(t, second, "repeat observation must not mint a new fault")

	all := d.Ledger().All()
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].Occurrences)
}

// TestPollSeverityOnlyEscalates verifies a worsening condition raises the
// recorded severity, and an improving one never lowers it.
func TestPollSeverityOnlyEscalates(t *testing.T) {
	src := &fakeSource{
		name:   "orchestrator",
		sample: sample(map[string]float64{collab.KeyErrorRate: 0.06}, nil),
	}
	d, _ := newTestDetector(t, src)
	ctx := context.Background()

	d.Poll(ctx)
	src.sample = sample(map[string]float64{collab.KeyErrorRate: 0.40}, nil)
	d.Poll(ctx)

	all := d.Ledger().All()
	require.Len(t, all, 1)
	assert.Equal(t, types.SeverityCritical, all[0].Severity)

	src.sample = sample(map[string]float64{collab.KeyErrorRate: 0.07}, nil)
	d.Poll(ctx)
	all = d.Ledger().All()
	assert.Equal(t, types.SeverityCritical, all[0].Severity)
}

// TestPollResolvedFaultRecursAsNew verifies a condition that resolves and
// later returns gets a fresh fault record.
func TestPollResolvedFaultRecursAsNew(t *testing.T) {
	src := &fakeSource{
		name:   "taskgraph",
		sample: sample(nil, map[string]bool{"cycle_detected": true}),
	}
	d, _ := newTestDetector(t, src)
	ctx := context.Background()

	first := d.Poll(ctx)
	require.Len(t, first, 1)
	require.True(t, d.Ledger().MarkResolved(first[0].ID))

	again := d.Poll(ctx)
	require.Len(t, again, 1)
	assert.NotEqual(t, first[0].ID, again[0].ID)

	total, unresolved, _ := d.Ledger().Counts()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, unresolved)
}

// TestPollDegradedSource verifies an unreachable collaborator is marked
// degraded without stopping the poll, and recovers on the next good sample.
func TestPollDegradedSource(t *testing.T) {
	bad := &fakeSource{name: "governor", err: fmt.Errorf("connection refused")}
	good := &fakeSource{
		name:   "orchestrator",
		sample: sample(map[string]float64{collab.KeyErrorRate: 0.10}, nil),
	}
	d, _ := newTestDetector(t, bad, good)
	ctx := context.Background()

	faults := d.Poll(ctx)
	require.Len(t, faults, 1, "healthy sources still evaluated")

	degraded := d.Degraded()
	require.Len(t, degraded, 1)
	assert.Equal(t, "governor", degraded[0].Source)
	assert.Contains(t, degraded[0].LastError, "connection refused")

	bad.err = nil
	bad.sample = sample(map[string]float64{collab.KeyStability: 95}, nil)
	d.Poll(ctx)
	assert.Empty(t, d.Degraded())
}

// TestOutlierDetection verifies the z-score rule: a stable baseline does
// not fire, a collapse does, and the anomalous value does not poison its
// own baseline.
func TestOutlierDetection(t *testing.T) {
	src := &fakeSource{name: "governor"}
	d, _ := newTestDetector(t, src)
	ctx := context.Background()

	// Build a stable baseline with slight variation.
	values := []float64{94, 95, 96, 95, 94, 96, 95, 95}
	for _, v := range values {
		src.sample = sample(map[string]float64{collab.KeyStability: v}, nil)
		assert.Empty(t, d.Poll(ctx))
	}

	// A collapse far below the baseline fires as a critical anomaly.
	src.sample = sample(map[string]float64{collab.KeyStability: 40}, nil)
	faults := d.Poll(ctx)
	require.Len(t, faults, 1)
	assert.Equal(t, "stability_anomaly", faults[0].Type)
	assert.Equal(t, types.SeverityCritical, faults[0].Severity)
}

// TestOutlierNeedsMinimumHistory verifies the outlier test stays silent
// until enough samples accumulate.
func TestOutlierNeedsMinimumHistory(t *testing.T) {
	src := &fakeSource{name: "governor"}
	d, _ := newTestDetector(t, src)
	ctx := context.Background()

	src.sample = sample(map[string]float64{collab.KeyStability: 95}, nil)
	for i := 0; i < 3; i++ {
		d.Poll(ctx)
	}
	// Only 3 samples of history; even a collapse must not fire yet.
	src.sample = sample(map[string]float64{collab.KeyStability: 10}, nil)
	assert.Empty(t, d.Poll(ctx))
}

// TestRecheckClearsAfterRepair verifies Recheck returns true once the
// originating rule stops firing.
func TestRecheckClearsAfterRepair(t *testing.T) {
	src := &fakeSource{
		name:   "orchestrator",
		sample: sample(map[string]float64{collab.KeyErrorRate: 0.20}, nil),
	}
	d, _ := newTestDetector(t, src)
	ctx := context.Background()

	faults := d.Poll(ctx)
	require.Len(t, faults, 1)

	cleared, err := d.Recheck(ctx, faults[0])
	require.NoError(t, err)
	assert.False(t, cleared, "condition still present")

	src.sample = sample(map[string]float64{collab.KeyErrorRate: 0.01}, nil)
	cleared, err = d.Recheck(ctx, faults[0])
	require.NoError(t, err)
	assert.True(t, cleared)
}

// TestRecheckFlagRule verifies flag faults recheck against the flag.
func TestRecheckFlagRule(t *testing.T) {
	src := &fakeSource{
		name:   "agentpool",
		sample: sample(nil, map[string]bool{"agent_unresponsive": true}),
	}
	d, _ := newTestDetector(t, src)
	ctx := context.Background()

	faults := d.Poll(ctx)
	require.Len(t, faults, 1)

	src.sample = sample(nil, map[string]bool{"agent_unresponsive": false})
	cleared, err := d.Recheck(ctx, faults[0])
	require.NoError(t, err)
	assert.True(t, cleared)
}

// TestLedgerMarkUnrepairable verifies unrepairable faults drop out of the
// unresolved working set but stay in the audit trail.
func TestLedgerMarkUnrepairable(t *testing.T) {
	src := &fakeSource{
		name:   "taskgraph",
		sample: sample(nil, map[string]bool{"deadlock": true}),
	}
	d, _ := newTestDetector(t, src)

	faults := d.Poll(context.Background())
	require.Len(t, faults, 1)
	require.True(t, d.Ledger().MarkUnrepairable(faults[0].ID))

	assert.Empty(t, d.Ledger().Unresolved())
	total, _, unrepairable := d.Ledger().Counts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, unrepairable)
}

// TestLedgerReturnsCopies verifies callers cannot mutate ledger state
// through returned faults.
func TestLedgerReturnsCopies(t *testing.T) {
	src := &fakeSource{
		name:   "orchestrator",
		sample: sample(map[string]float64{collab.KeyQueueDepth: 600}, nil),
	}
	d, _ := newTestDetector(t, src)

	faults := d.Poll(context.Background())
	require.Len(t, faults, 1)
	faults[0].Resolved = true

	_, unresolved, _ := d.Ledger().Counts()
	assert.Equal(t, 1, unresolved, "mutating a returned fault must not touch the ledger")
}
