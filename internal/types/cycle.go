package types

import "time"

// Stage identifies one step of the healing pipeline. Stages always execute
// in the order given by PipelineStages; none may be skipped or reordered.
type Stage string

const (
	StageDetect      Stage = "DETECT"
	StageClassify    Stage = "CLASSIFY"
	StageSnapshot    Stage = "SNAPSHOT"
	StageSelect      Stage = "SELECT"
	StagePrepare     Stage = "PREPARE"
	StageExecute     Stage = "EXECUTE"
	StageVerify      Stage = "VERIFY"
	StageHealthCheck Stage = "HEALTH_CHECK"
	StageRollback    Stage = "ROLLBACK"
	StageStabilize   Stage = "STABILIZE"
	StageLearn       Stage = "LEARN"
	StageReport      Stage = "REPORT"
)

// PipelineStages is the canonical stage order.
var PipelineStages = []Stage{
	StageDetect,
	StageClassify,
	StageSnapshot,
	StageSelect,
	StagePrepare,
	StageExecute,
	StageVerify,
	StageHealthCheck,
	StageRollback,
	StageStabilize,
	StageLearn,
	StageReport,
}

// StageStatus records how a stage finished.
type StageStatus string

const (
	// StageCompleted indicates the stage ran to completion
	StageCompleted StageStatus = "completed"
	// StageSkipped indicates the stage was a configured no-op
	// (SNAPSHOT/ROLLBACK with snapshots disabled, ROLLBACK not triggered)
	StageSkipped StageStatus = "skipped"
	// StageFailed indicates the stage raised an error caught at its boundary
	StageFailed StageStatus = "failed"
)

// StageRecord is one entry of a cycle's ordered stage log.
type StageRecord struct {
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	// Detail carries stage-specific notes (snapshot id, error text, counts)
	Detail string `json:"detail,omitempty"`
}

// CycleOutcome is the terminal outcome of one healing cycle.
type CycleOutcome string

const (
	// CycleSuccess indicates all targeted faults resolved
	CycleSuccess CycleOutcome = "SUCCESS"
	// CyclePartial indicates some targeted faults resolved
	CyclePartial CycleOutcome = "PARTIAL"
	// CycleFailed indicates no targeted faults resolved and no rollback ran
	CycleFailed CycleOutcome = "FAILED"
	// CycleRolledBack indicates the pre-repair snapshot was restored
	CycleRolledBack CycleOutcome = "ROLLED_BACK"
)

// HealingCycle is the record of one complete pipeline pass. Created at
// DETECT and finalized at REPORT.
type HealingCycle struct {
	// ID is the unique identifier for this cycle
	ID string `json:"id"`
	// Forced indicates the cycle was triggered manually, bypassing throttle
	Forced bool `json:"forced"`
	// StartedAt is when DETECT began
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is when REPORT completed
	FinishedAt time.Time `json:"finished_at"`
	// Stages is the ordered stage log
	Stages []StageRecord `json:"stages"`
	// TargetFaultIDs are the faults this cycle attempted to repair
	TargetFaultIDs []string `json:"target_fault_ids"`
	// Repairs are the repair actions executed during EXECUTE
	Repairs []RepairAction `json:"repairs"`
	// FaultResolved maps fault id to whether VERIFY cleared it
	FaultResolved map[string]bool `json:"fault_resolved"`
	// SnapshotID is the pre-repair snapshot, if one was taken
	SnapshotID string `json:"snapshot_id,omitempty"`
	// PreRepairHealth is the overall health captured at SNAPSHOT
	PreRepairHealth float64 `json:"pre_repair_health"`
	// PostRepairHealth is the overall health computed at HEALTH_CHECK
	PostRepairHealth float64 `json:"post_repair_health"`
	// RolledBack indicates the ROLLBACK stage restored the snapshot
	RolledBack bool `json:"rolled_back"`
	// Outcome is the terminal cycle outcome
	Outcome CycleOutcome `json:"outcome"`
	// Error holds the stage-boundary error text when Outcome is FAILED
	Error string `json:"error,omitempty"`
}

// Clone returns a deep copy of the cycle.
func (c *HealingCycle) Clone() *HealingCycle {
	cp := *c
	cp.Stages = append([]StageRecord(nil), c.Stages...)
	cp.TargetFaultIDs = append([]string(nil), c.TargetFaultIDs...)
	cp.Repairs = append([]RepairAction(nil), c.Repairs...)
	cp.FaultResolved = make(map[string]bool, len(c.FaultResolved))
	for k, v := range c.FaultResolved {
		cp.FaultResolved[k] = v
	}
	return &cp
}

// ResolvedCount returns how many targeted faults were verified resolved.
func (c *HealingCycle) ResolvedCount() int {
	n := 0
	for _, ok := range c.FaultResolved {
		if ok {
			n++
		}
	}
	return n
}
