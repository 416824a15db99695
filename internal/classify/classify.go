// Package classify maps faults to categories and priorities through a
// fixed (source, type) rule table. Classification is pure lookup: no
// scoring models, no runtime dispatch.
package classify

import (
	"sort"
	"time"

	"github.com/mendhq/mend/internal/types"
)

// Rule is one entry of the classification table.
type Rule struct {
	Category          types.Category
	BasePriority      types.Priority
	Confidence        float64
	RootCause         string
	AffectedComponents []string
	RecommendedAction string
}

// key identifies a rule by fault origin.
type key struct {
	source    string
	faultType string
}

// Classifier owns the classification rule table.
type Classifier struct {
	rules map[key]Rule
	// now is injectable for deterministic tests
	now func() time.Time
}

// NewClassifier creates a classifier with the default rule table.
func NewClassifier() *Classifier {
	return &Classifier{rules: defaultTable(), now: time.Now}
}

// defaultTable is the fixed (source, type) classification table.
func defaultTable() map[key]Rule {
	return map[key]Rule{
		{"taskgraph", "cycle_detected"}: {
			Category:           types.CategoryStructural,
			BasePriority:       types.PriorityHigh,
			Confidence:         0.95,
			RootCause:          "a dependency edge closes a cycle in the task graph",
			AffectedComponents: []string{"taskgraph"},
			RecommendedAction:  "remove the lowest-weight edge on the cycle",
		},
		{"taskgraph", "deadlock"}: {
			Category:           types.CategoryStructural,
			BasePriority:       types.PriorityUrgent,
			Confidence:         0.9,
			RootCause:          "mutually blocking units are holding each other's resources",
			AffectedComponents: []string{"taskgraph"},
			RecommendedAction:  "abort the youngest blocking unit",
		},
		{"taskgraph", "bottleneck"}: {
			Category:           types.CategoryStructural,
			BasePriority:       types.PriorityMedium,
			Confidence:         0.8,
			RootCause:          "load concentrated on a single graph node",
			AffectedComponents: []string{"taskgraph", "orchestrator"},
			RecommendedAction:  "redistribute load away from the congested node",
		},
		{"agentpool", "agent_unresponsive"}: {
			Category:           types.CategoryAgentFault,
			BasePriority:       types.PriorityHigh,
			Confidence:         0.9,
			RootCause:          "an execution agent stopped heartbeating",
			AffectedComponents: []string{"agentpool"},
			RecommendedAction:  "restart the failed agent",
		},
		{"agentpool", "channel_corrupt"}: {
			Category:           types.CategoryAgentFault,
			BasePriority:       types.PriorityHigh,
			Confidence:         0.85,
			RootCause:          "agent communication channel is delivering garbage",
			AffectedComponents: []string{"agentpool"},
			RecommendedAction:  "reset the agent communication channel",
		},
		{"agentpool", "agent_errors"}: {
			Category:           types.CategoryAgentFault,
			BasePriority:       types.PriorityMedium,
			Confidence:         0.75,
			RootCause:          "agent task failure rate above its fixed threshold",
			AffectedComponents: []string{"agentpool"},
			RecommendedAction:  "restart the failed agent, then flush its backlog",
		},
		{"agentpool", "backlog_overflow"}: {
			Category:           types.CategoryOperational,
			BasePriority:       types.PriorityMedium,
			Confidence:         0.8,
			RootCause:          "agent backlog growing faster than it drains",
			AffectedComponents: []string{"agentpool", "orchestrator"},
			RecommendedAction:  "flush the agent backlog and rebalance workers",
		},
		{"orchestrator", "high_error_rate"}: {
			Category:           types.CategoryOperational,
			BasePriority:       types.PriorityHigh,
			Confidence:         0.85,
			RootCause:          "jobs failing above the fixed error-rate threshold",
			AffectedComponents: []string{"orchestrator"},
			RecommendedAction:  "retry failed jobs with backoff",
		},
		{"orchestrator", "queue_backlog"}: {
			Category:           types.CategoryOperational,
			BasePriority:       types.PriorityMedium,
			Confidence:         0.8,
			RootCause:          "producers outpacing workers",
			AffectedComponents: []string{"orchestrator"},
			RecommendedAction:  "throttle the offending producer",
		},
		{"orchestrator", "slow_jobs"}: {
			Category:           types.CategoryOperational,
			BasePriority:       types.PriorityLow,
			Confidence:         0.7,
			RootCause:          "job latency above the fixed threshold",
			AffectedComponents: []string{"orchestrator"},
			RecommendedAction:  "redistribute load across workers",
		},
		{"governor", "policy_drift"}: {
			Category:           types.CategoryGovernanceDrift,
			BasePriority:       types.PriorityMedium,
			Confidence:         0.85,
			RootCause:          "active policy no longer matches its approved baseline",
			AffectedComponents: []string{"governor"},
			RecommendedAction:  "revert the most recent policy change",
		},
		{"governor", "threshold_breach"}: {
			Category:           types.CategoryGovernanceDrift,
			BasePriority:       types.PriorityHigh,
			Confidence:         0.9,
			RootCause:          "a governed threshold moved outside its approved range",
			AffectedComponents: []string{"governor"},
			RecommendedAction:  "clamp the threshold to its last known-good value",
		},
		{"governor", "stability_anomaly"}: {
			Category:           types.CategoryStabilityThreat,
			BasePriority:       types.PriorityUrgent,
			Confidence:         0.8,
			RootCause:          "stability metric is a statistical outlier against its own history",
			AffectedComponents: []string{"governor", "orchestrator"},
			RecommendedAction:  "revert governance changes, then shed load",
		},
	}
}

// severityRaise maps fault severity to how many priority steps the base
// priority is raised. Severity never lowers a priority.
func severityRaise(sev types.Severity) int {
	switch sev {
	case types.SeverityCritical:
		return 2
	case types.SeverityHigh:
		return 1
	default:
		return 0
	}
}

// Classify produces exactly one classification for the fault. Faults that
// match no table entry default to OPERATIONAL/LOW with confidence 0 rather
// than failing.
func (c *Classifier) Classify(fault *types.Fault) *types.Classification {
	rule, ok := c.rules[key{fault.Source, fault.Type}]
	if !ok {
		return &types.Classification{
			FaultID:            fault.ID,
			Category:           types.CategoryOperational,
			Priority:           types.PriorityLow,
			Confidence:         0,
			RootCause:          "no classification rule matched",
			AffectedComponents: []string{fault.Source},
			RecommendedAction:  "bounded retry with backoff",
			CreatedAt:          c.now(),
		}
	}

	return &types.Classification{
		FaultID:            fault.ID,
		Category:           rule.Category,
		Priority:           rule.BasePriority.Raise(severityRaise(fault.Severity)),
		Confidence:         rule.Confidence,
		RootCause:          rule.RootCause,
		AffectedComponents: append([]string(nil), rule.AffectedComponents...),
		RecommendedAction:  rule.RecommendedAction,
		CreatedAt:          c.now(),
	}
}

// Target pairs a fault with its classification for ordering and repair.
type Target struct {
	Fault          *types.Fault
	Classification *types.Classification
}

// Sort orders targets by priority, breaking ties by earliest DetectedAt.
func Sort(targets []Target) {
	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].Classification.Priority != targets[j].Classification.Priority {
			return targets[i].Classification.Priority < targets[j].Classification.Priority
		}
		return targets[i].Fault.DetectedAt.Before(targets[j].Fault.DetectedAt)
	})
}
