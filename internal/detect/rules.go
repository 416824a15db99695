package detect

import (
	"fmt"

	"github.com/mendhq/mend/internal/collab"
	"github.com/mendhq/mend/internal/types"
)

// SeverityBand maps a metric value floor to a severity. Bands are declared
// in ascending order of At; the highest matching band wins.
type SeverityBand struct {
	At       float64
	Severity types.Severity
}

// ThresholdRule raises a fault when a numeric metric crosses a threshold.
// Severity comes from fixed per-metric bands, not from judgment.
type ThresholdRule struct {
	// Metric is the sample key to inspect
	Metric string
	// Below inverts the comparison: fault when value < Threshold
	Below bool
	// Threshold is the trigger value
	Threshold float64
	// FaultType names the fault this rule raises
	FaultType string
	// Bands derive severity from the observed value (ascending At).
	// Empty bands default to medium.
	Bands []SeverityBand
	// Describe renders the fault description from the observed value
	Describe func(value float64) string
}

// severityFor picks the highest band at or below value. For Below rules
// bands are interpreted descending (lower value is worse).
func (r *ThresholdRule) severityFor(value float64) types.Severity {
	sev := types.SeverityMedium
	for _, band := range r.Bands {
		if r.Below {
			if value <= band.At {
				sev = band.Severity
			}
		} else if value >= band.At {
			sev = band.Severity
		}
	}
	return sev
}

// evaluate returns a fault finding when the rule fires.
func (r *ThresholdRule) evaluate(sample *collab.Sample) (finding, bool) {
	value, ok := sample.Values[r.Metric]
	if !ok {
		return finding{}, false
	}
	fired := value > r.Threshold
	if r.Below {
		fired = value < r.Threshold
	}
	if !fired {
		return finding{}, false
	}

	desc := fmt.Sprintf("%s breached threshold: %.3f", r.Metric, value)
	if r.Describe != nil {
		desc = r.Describe(value)
	}
	return finding{
		faultType:   r.FaultType,
		severity:    r.severityFor(value),
		description: desc,
		metric:      r.Metric,
		value:       value,
	}, true
}

// FlagRule raises a fault when a boolean metric is set.
type FlagRule struct {
	// Flag is the sample flag key to inspect
	Flag string
	// FaultType names the fault this rule raises
	FaultType string
	// Severity is fixed for flag faults
	Severity types.Severity
	// Description is the fault description
	Description string
}

func (r *FlagRule) evaluate(sample *collab.Sample) (finding, bool) {
	if !sample.Flags[r.Flag] {
		return finding{}, false
	}
	return finding{
		faultType:   r.FaultType,
		severity:    r.Severity,
		description: r.Description,
		metric:      r.Flag,
		value:       1,
	}, true
}

// OutlierRule raises a fault when a metric drops numStdDevs below its own
// rolling history. The detector owns the history; the z-score threshold
// comes from configuration.
type OutlierRule struct {
	// Metric is the sample key to track
	Metric string
	// FaultType names the fault this rule raises
	FaultType string
	// Severity is fixed for outlier faults
	Severity types.Severity
	// MinSamples is how much history is required before the test applies
	MinSamples int
}

// RuleSet is the fixed detection rule set for one collaborator.
type RuleSet struct {
	Thresholds []*ThresholdRule
	Flags      []*FlagRule
	Outliers   []*OutlierRule
}

// finding is an internal pre-fault record produced by rule evaluation.
type finding struct {
	faultType   string
	severity    types.Severity
	description string
	metric      string
	value       float64
}

// DefaultRules returns the detection rules for the four monitored
// collaborators: the job orchestrator, the task dependency graph, the
// agent execution loop, and the policy/governance controller.
func DefaultRules() map[string]*RuleSet {
	return map[string]*RuleSet{
		"orchestrator": {
			Thresholds: []*ThresholdRule{
				{
					Metric:    collab.KeyErrorRate,
					Threshold: 0.05,
					FaultType: "high_error_rate",
					Bands: []SeverityBand{
						{At: 0.05, Severity: types.SeverityMedium},
						{At: 0.15, Severity: types.SeverityHigh},
						{At: 0.30, Severity: types.SeverityCritical},
					},
					Describe: func(v float64) string {
						return fmt.Sprintf("job failure rate at %.1f%%", v*100)
					},
				},
				{
					Metric:    collab.KeyQueueDepth,
					Threshold: 200,
					FaultType: "queue_backlog",
					Bands: []SeverityBand{
						{At: 200, Severity: types.SeverityMedium},
						{At: 500, Severity: types.SeverityHigh},
						{At: 1000, Severity: types.SeverityCritical},
					},
					Describe: func(v float64) string {
						return fmt.Sprintf("job queue backlog at %.0f entries", v)
					},
				},
				{
					Metric:    collab.KeyLatencyMs,
					Threshold: 1000,
					FaultType: "slow_jobs",
					Bands: []SeverityBand{
						{At: 1000, Severity: types.SeverityMedium},
						{At: 5000, Severity: types.SeverityHigh},
					},
					Describe: func(v float64) string {
						return fmt.Sprintf("average job latency at %.0fms", v)
					},
				},
			},
		},
		"taskgraph": {
			Flags: []*FlagRule{
				{
					Flag:        "cycle_detected",
					FaultType:   "cycle_detected",
					Severity:    types.SeverityHigh,
					Description: "dependency cycle detected in the task graph",
				},
				{
					Flag:        "deadlock",
					FaultType:   "deadlock",
					Severity:    types.SeverityCritical,
					Description: "task graph units are deadlocked",
				},
			},
			Thresholds: []*ThresholdRule{
				{
					Metric:    "max_node_load",
					Threshold: 0.80,
					FaultType: "bottleneck",
					Bands: []SeverityBand{
						{At: 0.80, Severity: types.SeverityMedium},
						{At: 0.90, Severity: types.SeverityHigh},
						{At: 0.97, Severity: types.SeverityCritical},
					},
					Describe: func(v float64) string {
						return fmt.Sprintf("task graph node at %.0f%% load", v*100)
					},
				},
			},
		},
		"agentpool": {
			Flags: []*FlagRule{
				{
					Flag:        "agent_unresponsive",
					FaultType:   "agent_unresponsive",
					Severity:    types.SeverityHigh,
					Description: "an execution agent stopped responding",
				},
				{
					Flag:        "channel_corrupt",
					FaultType:   "channel_corrupt",
					Severity:    types.SeverityHigh,
					Description: "an agent communication channel is corrupt",
				},
			},
			Thresholds: []*ThresholdRule{
				{
					Metric:    collab.KeyErrorRate,
					Threshold: 0.10,
					FaultType: "agent_errors",
					Bands: []SeverityBand{
						{At: 0.10, Severity: types.SeverityMedium},
						{At: 0.25, Severity: types.SeverityHigh},
						{At: 0.50, Severity: types.SeverityCritical},
					},
					Describe: func(v float64) string {
						return fmt.Sprintf("agent task failure rate at %.1f%%", v*100)
					},
				},
				{
					Metric:    collab.KeyQueueDepth,
					Threshold: 100,
					FaultType: "backlog_overflow",
					Bands: []SeverityBand{
						{At: 100, Severity: types.SeverityMedium},
						{At: 250, Severity: types.SeverityHigh},
					},
					Describe: func(v float64) string {
						return fmt.Sprintf("agent backlog at %.0f entries", v)
					},
				},
			},
		},
		"governor": {
			Flags: []*FlagRule{
				{
					Flag:        "policy_drift",
					FaultType:   "policy_drift",
					Severity:    types.SeverityMedium,
					Description: "active policy has drifted from its approved baseline",
				},
				{
					Flag:        "threshold_breach",
					FaultType:   "threshold_breach",
					Severity:    types.SeverityHigh,
					Description: "a governed threshold moved outside its approved range",
				},
			},
			Outliers: []*OutlierRule{
				{
					Metric:     collab.KeyStability,
					FaultType:  "stability_anomaly",
					Severity:   types.SeverityCritical,
					MinSamples: 6,
				},
			},
		},
	}
}
