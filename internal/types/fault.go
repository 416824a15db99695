package types

import "time"

// Severity indicates how serious a fault is.
type Severity string

const (
	// SeverityLow indicates a cosmetic or slow-burning problem
	SeverityLow Severity = "low"
	// SeverityMedium indicates degraded but functional behavior
	SeverityMedium Severity = "medium"
	// SeverityHigh indicates a problem actively harming the system
	SeverityHigh Severity = "high"
	// SeverityCritical indicates imminent or ongoing outage
	SeverityCritical Severity = "critical"
)

// severityOrder maps severities to a comparable rank.
// Ordering: low < medium < high < critical.
var severityOrder = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric rank of the severity (higher is worse).
// Unknown severities rank below low.
func (s Severity) Rank() int {
	return severityOrder[s]
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return severityOrder[s] >= severityOrder[min]
}

// Fault represents a detected abnormal condition in a monitored subsystem.
// Faults are never deleted, only marked resolved, so the ledger doubles as
// an audit trail.
type Fault struct {
	// ID is the unique identifier for this fault
	ID string `json:"id"`
	// Signature is the stable dedupe key (source + type + discriminators)
	Signature string `json:"signature"`
	// Source is the collaborator that exhibited the fault
	Source string `json:"source"`
	// Type is the kind of fault (e.g., "cycle_detected", "high_error_rate")
	Type string `json:"type"`
	// Severity is the fixed-threshold severity derived at detection time
	Severity Severity `json:"severity"`
	// Description is a human-readable summary
	Description string `json:"description"`
	// Metric is the metric key whose rule raised this fault (empty for flag rules)
	Metric string `json:"metric,omitempty"`
	// Value is the observed value that breached the rule
	Value float64 `json:"value"`
	// DetectedAt is when the fault was first observed
	DetectedAt time.Time `json:"detected_at"`
	// LastSeenAt is when the fault was most recently observed
	LastSeenAt time.Time `json:"last_seen_at"`
	// Occurrences counts how many polls observed this fault
	Occurrences int `json:"occurrences"`
	// Resolved is set by the pipeline's VERIFY stage once the originating
	// check passes again
	Resolved bool `json:"resolved"`
	// Unrepairable is set when every engine for the fault's category has
	// been exhausted
	Unrepairable bool `json:"unrepairable"`
}

// Clone returns a copy of the fault.
func (f *Fault) Clone() *Fault {
	c := *f
	return &c
}

// Category is the classified family of a fault.
type Category string

const (
	// CategoryOperational covers transient runtime problems (retries, load)
	CategoryOperational Category = "OPERATIONAL"
	// CategoryStructural covers task-graph problems (cycles, bottlenecks, deadlocks)
	CategoryStructural Category = "STRUCTURAL"
	// CategoryAgentFault covers failures of an execution agent
	CategoryAgentFault Category = "AGENT_FAULT"
	// CategoryGovernanceDrift covers policy/threshold drift
	CategoryGovernanceDrift Category = "GOVERNANCE_DRIFT"
	// CategoryStabilityThreat covers conditions threatening overall stability
	CategoryStabilityThreat Category = "STABILITY_THREAT"
)

// Priority orders faults for repair. Lower values repair first.
type Priority int

const (
	PriorityImmediate Priority = iota
	PriorityUrgent
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityDeferred
)

// String returns the canonical name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "IMMEDIATE"
	case PriorityUrgent:
		return "URGENT"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	case PriorityDeferred:
		return "DEFERRED"
	default:
		return "UNKNOWN"
	}
}

// Raise returns the priority raised by n steps (toward IMMEDIATE),
// clamped at IMMEDIATE.
func (p Priority) Raise(n int) Priority {
	raised := p - Priority(n)
	if raised < PriorityImmediate {
		return PriorityImmediate
	}
	return raised
}

// Classification is the categorized, prioritized interpretation of a fault.
// It is created once per cycle attempt and is immutable after creation.
type Classification struct {
	// FaultID references the classified fault
	FaultID string `json:"fault_id"`
	// Category is the fault family used for engine selection
	Category Category `json:"category"`
	// Priority orders this fault against others in the same cycle
	Priority Priority `json:"priority"`
	// Confidence is the rule table's confidence in this classification (0.0-1.0)
	Confidence float64 `json:"confidence"`
	// RootCause is the rule's explanation of the likely cause
	RootCause string `json:"root_cause"`
	// AffectedComponents lists components implicated by the fault
	AffectedComponents []string `json:"affected_components"`
	// RecommendedAction describes the repair the rule suggests
	RecommendedAction string `json:"recommended_action"`
	// CreatedAt is when the classification was produced
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the classification.
func (c *Classification) Clone() *Classification {
	cp := *c
	cp.AffectedComponents = append([]string(nil), c.AffectedComponents...)
	return &cp
}

// RepairOutcome is the terminal result of a single repair action.
type RepairOutcome string

const (
	// RepairSucceeded indicates the engine reported success
	RepairSucceeded RepairOutcome = "SUCCESS"
	// RepairFailed indicates the engine reported failure or errored
	RepairFailed RepairOutcome = "FAILED"
)

// RepairAction records one engine attempt against one fault. It always
// references a fault that was unresolved when the attempt started.
type RepairAction struct {
	// Engine is the repair engine that executed
	Engine string `json:"engine"`
	// Strategy is the specific tactic the engine applied
	Strategy string `json:"strategy"`
	// FaultID is the target fault
	FaultID string `json:"fault_id"`
	// StartedAt is when the attempt began
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is when the attempt completed
	FinishedAt time.Time `json:"finished_at"`
	// Outcome is SUCCESS or FAILED
	Outcome RepairOutcome `json:"outcome"`
	// Reversible indicates whether the action can be undone by rollback
	Reversible bool `json:"reversible"`
	// Detail is the engine's explanation of what it did (or why it failed)
	Detail string `json:"detail"`
}
