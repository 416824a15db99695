// Package pipeline implements the healing cycle: a strictly sequential
// twelve-stage state machine from DETECT to REPORT. Stages never skip or
// reorder; a stage that errors is caught at its boundary, the cycle is
// marked FAILED, and the caller keeps running.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mendhq/mend/internal/classify"
	"github.com/mendhq/mend/internal/collab"
	"github.com/mendhq/mend/internal/detect"
	"github.com/mendhq/mend/internal/events"
	"github.com/mendhq/mend/internal/health"
	"github.com/mendhq/mend/internal/metrics"
	"github.com/mendhq/mend/internal/repair"
	"github.com/mendhq/mend/internal/snapshot"
	"github.com/mendhq/mend/internal/types"
)

// maxCycleHistory bounds the in-memory cycle log.
const maxCycleHistory = 100

// Config holds the pipeline's behavioral knobs.
type Config struct {
	// EnableSnapshots controls the SNAPSHOT stage; disabling it also
	// disables ROLLBACK
	EnableSnapshots bool
	// EnableRollback controls whether health regression may restore the
	// pre-repair snapshot
	EnableRollback bool
	// RollbackTolerance is how many health points post-repair health may
	// regress before rollback fires
	RollbackTolerance float64
	// SettleDelay is the STABILIZE pause before the next cycle may start
	SettleDelay time.Duration
}

// Deps holds the pipeline's collaborating components.
type Deps struct {
	Detector   *detect.Detector
	Classifier *classify.Classifier
	Engines    *repair.Registry
	Snapshots  *snapshot.Manager
	Health     *health.Engine
	Registry   *collab.Registry
	Publisher  *events.Publisher
}

// Pipeline executes healing cycles. At most one cycle runs at a time;
// concurrent callers (the autorepair loop and forced cycles) queue on the
// execution lock.
type Pipeline struct {
	deps Deps
	cfg  Config

	// exec serializes cycles across the loop and forced invocations
	exec *semaphore.Weighted

	mu      sync.RWMutex
	history []*types.HealingCycle
}

// New creates a pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if deps.Classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if deps.Engines == nil {
		return nil, fmt.Errorf("engine registry is required")
	}
	if deps.Health == nil {
		return nil, fmt.Errorf("health engine is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("collaborator registry is required")
	}
	if cfg.EnableSnapshots && deps.Snapshots == nil {
		return nil, fmt.Errorf("snapshot manager is required when snapshots are enabled")
	}
	return &Pipeline{deps: deps, cfg: cfg, exec: semaphore.NewWeighted(1)}, nil
}

// Options select what one cycle targets.
type Options struct {
	// TargetFaultIDs restricts the cycle to specific faults. Empty targets
	// every unresolved fault.
	TargetFaultIDs []string
	// MaxFaults caps how many faults the cycle repairs (0 = unlimited).
	// Applied after priority ordering.
	MaxFaults int
	// Forced marks the cycle as manually triggered
	Forced bool
}

// run carries the working state of one cycle across stages.
type run struct {
	cycle     *types.HealingCycle
	opts      Options
	targets   []classify.Target
	preHealth *types.HealthScore
	snap      *snapshot.Snapshot
	// engineSucceeded tracks which faults had a successful engine attempt
	engineSucceeded map[string]bool
	// attempts feed the LEARN stage
	attempts []attemptOutcome
	aborted  bool
}

type attemptOutcome struct {
	category types.Category
	engine   string
	success  bool
}

// Execute runs one complete healing cycle and returns its record. It never
// returns an error: failures are expressed through the cycle outcome. A
// cycle already in flight finishes before this one starts; cancellation
// while waiting returns nil.
func (p *Pipeline) Execute(ctx context.Context, opts Options) *types.HealingCycle {
	if err := p.exec.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer p.exec.Release(1)

	r := &run{
		cycle: &types.HealingCycle{
			ID:            uuid.New().String(),
			Forced:        opts.Forced,
			StartedAt:     time.Now(),
			FaultResolved: make(map[string]bool),
		},
		opts:            opts,
		engineSucceeded: make(map[string]bool),
	}

	p.runStage(r, types.StageDetect, func() (string, types.StageStatus, error) { return p.stageDetect(ctx, r) })
	p.runStage(r, types.StageClassify, func() (string, types.StageStatus, error) { return p.stageClassify(r) })
	p.runStage(r, types.StageSnapshot, func() (string, types.StageStatus, error) { return p.stageSnapshot(ctx, r) })
	p.runStage(r, types.StageSelect, func() (string, types.StageStatus, error) { return p.stageSelect(r) })
	p.runStage(r, types.StagePrepare, func() (string, types.StageStatus, error) { return p.stagePrepare(r) })
	p.runStage(r, types.StageExecute, func() (string, types.StageStatus, error) { return p.stageExecute(ctx, r) })
	p.runStage(r, types.StageVerify, func() (string, types.StageStatus, error) { return p.stageVerify(ctx, r) })
	p.runStage(r, types.StageHealthCheck, func() (string, types.StageStatus, error) { return p.stageHealthCheck(ctx, r) })
	p.runStage(r, types.StageRollback, func() (string, types.StageStatus, error) { return p.stageRollback(ctx, r) })
	p.runStage(r, types.StageStabilize, func() (string, types.StageStatus, error) { return p.stageStabilize(ctx) })
	p.runStage(r, types.StageLearn, func() (string, types.StageStatus, error) { return p.stageLearn(r) })
	p.report(r)

	return r.cycle.Clone()
}

// runStage executes one stage with a recovery boundary. A stage error or
// panic marks the cycle FAILED and aborts the repair-oriented remainder;
// later stages are logged as skipped so the stage log stays complete.
func (p *Pipeline) runStage(r *run, stage types.Stage, fn func() (string, types.StageStatus, error)) {
	rec := types.StageRecord{Stage: stage, StartedAt: time.Now()}

	if r.aborted {
		rec.Status = types.StageSkipped
		rec.Detail = "cycle aborted by earlier stage failure"
		rec.FinishedAt = time.Now()
		r.cycle.Stages = append(r.cycle.Stages, rec)
		return
	}

	detail, status, err := p.guard(fn)
	rec.FinishedAt = time.Now()
	rec.Detail = detail
	rec.Status = status
	if err != nil {
		rec.Status = types.StageFailed
		rec.Detail = err.Error()
		r.aborted = true
		r.cycle.Error = fmt.Sprintf("%s: %v", stage, err)
		fmt.Printf("Pipeline: stage %s failed: %v\n", stage, err)
	}
	r.cycle.Stages = append(r.cycle.Stages, rec)
}

// guard converts a stage panic into a stage error.
func (p *Pipeline) guard(fn func() (string, types.StageStatus, error)) (detail string, status types.StageStatus, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

// stageDetect refreshes the ledger with a fresh poll and resolves the
// cycle's candidate faults.
func (p *Pipeline) stageDetect(ctx context.Context, r *run) (string, types.StageStatus, error) {
	newFaults := p.deps.Detector.Poll(ctx)

	var candidates []*types.Fault
	if len(r.opts.TargetFaultIDs) > 0 {
		for _, id := range r.opts.TargetFaultIDs {
			fault, ok := p.deps.Detector.Ledger().Get(id)
			if !ok || fault.Resolved || fault.Unrepairable {
				continue
			}
			candidates = append(candidates, fault)
		}
	} else {
		candidates = p.deps.Detector.Ledger().Unresolved()
	}

	for _, fault := range candidates {
		r.targets = append(r.targets, classify.Target{Fault: fault})
	}
	return fmt.Sprintf("%d new faults, %d candidates", len(newFaults), len(candidates)), types.StageCompleted, nil
}

// stageClassify classifies every candidate, orders them, and applies the
// per-cycle cap.
func (p *Pipeline) stageClassify(r *run) (string, types.StageStatus, error) {
	for i := range r.targets {
		r.targets[i].Classification = p.deps.Classifier.Classify(r.targets[i].Fault)
	}
	classify.Sort(r.targets)

	if r.opts.MaxFaults > 0 && len(r.targets) > r.opts.MaxFaults {
		r.targets = r.targets[:r.opts.MaxFaults]
	}
	for _, t := range r.targets {
		r.cycle.TargetFaultIDs = append(r.cycle.TargetFaultIDs, t.Fault.ID)
	}
	return fmt.Sprintf("%d faults targeted", len(r.targets)), types.StageCompleted, nil
}

// stageSnapshot captures the pre-repair health baseline and, when
// snapshots are enabled and there is work to do, a verified PRE_REPAIR
// snapshot. The cycle cannot proceed until durability is confirmed.
func (p *Pipeline) stageSnapshot(ctx context.Context, r *run) (string, types.StageStatus, error) {
	r.preHealth = p.deps.Health.Compute(ctx)
	r.cycle.PreRepairHealth = r.preHealth.Overall

	if !p.cfg.EnableSnapshots {
		return "snapshots disabled by configuration", types.StageSkipped, nil
	}
	if len(r.targets) == 0 {
		return "no faults to repair", types.StageSkipped, nil
	}

	payload := p.capturePayload(ctx)
	snap, err := p.deps.Snapshots.Create(ctx, snapshot.TypePreRepair, payload)
	if err != nil {
		return "", types.StageFailed, fmt.Errorf("pre-repair snapshot: %w", err)
	}
	p.deps.Snapshots.Pin(snap.ID)
	r.snap = snap
	r.cycle.SnapshotID = snap.ID
	return fmt.Sprintf("snapshot %s verified (health %.1f)", snap.ID, r.preHealth.Overall), types.StageCompleted, nil
}

// capturePayload serializes collaborator samples plus internal counters.
func (p *Pipeline) capturePayload(ctx context.Context) *snapshot.Payload {
	samples := make(map[string]*collab.Sample)
	for _, src := range p.deps.Registry.Sources() {
		sample, err := src.Snapshot(ctx)
		if err != nil {
			continue
		}
		samples[src.Name()] = sample
	}
	total, unresolved, unrepairable := p.deps.Detector.Ledger().Counts()
	return &snapshot.Payload{
		Samples: samples,
		Counters: map[string]int64{
			"faults_total":        int64(total),
			"faults_unresolved":   int64(unresolved),
			"faults_unrepairable": int64(unrepairable),
		},
	}
}

// stageSelect resolves the biased engine order for every target.
func (p *Pipeline) stageSelect(r *run) (string, types.StageStatus, error) {
	selected := 0
	for _, t := range r.targets {
		if engines := p.deps.Engines.EnginesFor(t.Classification.Category); len(engines) > 0 {
			selected++
		}
	}
	return fmt.Sprintf("engines selected for %d/%d faults", selected, len(r.targets)), types.StageCompleted, nil
}

// stagePrepare drops targets that resolved since DETECT. A RepairAction
// must always reference a currently-unresolved fault.
func (p *Pipeline) stagePrepare(r *run) (string, types.StageStatus, error) {
	kept := r.targets[:0]
	for _, t := range r.targets {
		fault, ok := p.deps.Detector.Ledger().Get(t.Fault.ID)
		if !ok || fault.Resolved || fault.Unrepairable {
			continue
		}
		kept = append(kept, t)
	}
	r.targets = kept
	return fmt.Sprintf("%d repairs prepared", len(r.targets)), types.StageCompleted, nil
}

// stageExecute runs the engine lists. Engines are tried in registry order;
// first success wins. Exhausting the list marks the fault UNREPAIRABLE and
// emits an event; that is a reported condition, never an error.
func (p *Pipeline) stageExecute(ctx context.Context, r *run) (string, types.StageStatus, error) {
	succeeded := 0
	for _, t := range r.targets {
		fault, cls := t.Fault, t.Classification
		engines := p.deps.Engines.EnginesFor(cls.Category)
		attemptsPerEngine := p.deps.Engines.AttemptsPerEngine(cls.Category)

		repaired := false
	engineLoop:
		for _, engine := range engines {
			for attempt := 0; attempt < attemptsPerEngine; attempt++ {
				action := p.attemptRepair(ctx, engine, fault, cls)
				r.cycle.Repairs = append(r.cycle.Repairs, *action)
				r.attempts = append(r.attempts, attemptOutcome{
					category: cls.Category,
					engine:   engine.Name(),
					success:  action.Outcome == types.RepairSucceeded,
				})
				if action.Outcome == types.RepairSucceeded {
					repaired = true
					break engineLoop
				}
			}
		}

		if repaired {
			r.engineSucceeded[fault.ID] = true
			succeeded++
			continue
		}
		p.deps.Detector.Ledger().MarkUnrepairable(fault.ID)
		p.deps.Publisher.Publish(events.EventFaultUnrepairable, fault.Source,
			fmt.Sprintf("all engines exhausted for fault %s (%s)", fault.ID, fault.Type),
			map[string]interface{}{"fault_id": fault.ID, "category": string(cls.Category)})
	}
	return fmt.Sprintf("%d/%d faults repaired", succeeded, len(r.targets)), types.StageCompleted, nil
}

// attemptRepair runs one engine attempt and records it.
func (p *Pipeline) attemptRepair(ctx context.Context, engine repair.Engine, fault *types.Fault, cls *types.Classification) *types.RepairAction {
	action := &types.RepairAction{
		Engine:    engine.Name(),
		FaultID:   fault.ID,
		StartedAt: time.Now(),
	}
	p.deps.Publisher.Publish(events.EventRepairStarted, fault.Source,
		fmt.Sprintf("engine %s repairing fault %s", engine.Name(), fault.ID),
		map[string]interface{}{"fault_id": fault.ID, "engine": engine.Name()})

	result, err := engine.Attempt(ctx, fault, cls)
	action.FinishedAt = time.Now()
	if err != nil || result == nil || !result.Success {
		action.Outcome = types.RepairFailed
		if err != nil {
			action.Detail = err.Error()
		} else if result != nil {
			action.Strategy = result.Strategy
			action.Detail = result.Detail
		}
	} else {
		action.Outcome = types.RepairSucceeded
		action.Strategy = result.Strategy
		action.Detail = result.Detail
		action.Reversible = result.Reversible
	}

	metrics.ObserveRepair(action.Engine, action.Outcome == types.RepairSucceeded)
	p.deps.Publisher.Publish(events.EventRepairCompleted, fault.Source,
		fmt.Sprintf("engine %s finished fault %s: %s", engine.Name(), fault.ID, action.Outcome),
		map[string]interface{}{
			"fault_id": fault.ID,
			"engine":   action.Engine,
			"outcome":  string(action.Outcome),
			"strategy": action.Strategy,
		})
	return action
}

// stageVerify re-runs the specific check that raised each repaired fault;
// a passing recheck clears the fault's unresolved flag.
func (p *Pipeline) stageVerify(ctx context.Context, r *run) (string, types.StageStatus, error) {
	verified := 0
	for _, t := range r.targets {
		if !r.engineSucceeded[t.Fault.ID] {
			r.cycle.FaultResolved[t.Fault.ID] = false
			continue
		}
		cleared, err := p.deps.Detector.Recheck(ctx, t.Fault)
		if err != nil {
			fmt.Printf("Pipeline: verify recheck for fault %s failed: %v\n", t.Fault.ID, err)
		}
		if cleared {
			p.deps.Detector.Ledger().MarkResolved(t.Fault.ID)
			verified++
		}
		r.cycle.FaultResolved[t.Fault.ID] = cleared
	}
	return fmt.Sprintf("%d/%d repairs verified", verified, len(r.targets)), types.StageCompleted, nil
}

// stageHealthCheck recomputes health immediately after repairs.
func (p *Pipeline) stageHealthCheck(ctx context.Context, r *run) (string, types.StageStatus, error) {
	post := p.deps.Health.Compute(ctx)
	r.cycle.PostRepairHealth = post.Overall
	return fmt.Sprintf("post-repair health %.1f (pre %.1f)", post.Overall, r.cycle.PreRepairHealth), types.StageCompleted, nil
}

// stageRollback restores the pre-repair snapshot iff health regressed
// beyond tolerance, a verified snapshot exists, and rollback is enabled.
func (p *Pipeline) stageRollback(ctx context.Context, r *run) (string, types.StageStatus, error) {
	if !p.cfg.EnableSnapshots || !p.cfg.EnableRollback {
		return "rollback disabled by configuration", types.StageSkipped, nil
	}
	if r.snap == nil || !r.snap.Verified {
		return "no verified snapshot for this cycle", types.StageSkipped, nil
	}
	regression := r.cycle.PreRepairHealth - r.cycle.PostRepairHealth
	if regression <= p.cfg.RollbackTolerance {
		return fmt.Sprintf("health within tolerance (regression %.1f <= %.1f)", regression, p.cfg.RollbackTolerance), types.StageSkipped, nil
	}

	// Keep the regressed state around for forensics before overwriting it.
	if _, err := p.deps.Snapshots.Create(ctx, snapshot.TypeEmergency, p.capturePayload(ctx)); err != nil {
		fmt.Printf("Pipeline: emergency snapshot before rollback failed: %v\n", err)
	}

	payload, ok := p.deps.Snapshots.Restore(ctx, r.snap.ID)
	if !ok {
		return "", types.StageFailed, fmt.Errorf("snapshot %s could not be restored", r.snap.ID)
	}
	if err := p.applyPayload(ctx, payload); err != nil {
		return "", types.StageFailed, fmt.Errorf("applying snapshot %s: %w", r.snap.ID, err)
	}

	r.cycle.RolledBack = true
	restored := p.deps.Health.Compute(ctx)
	r.cycle.PostRepairHealth = restored.Overall
	metrics.ObserveRollback()
	p.deps.Publisher.Publish(events.EventRollbackPerformed, "pipeline",
		fmt.Sprintf("restored snapshot %s after %.1f point regression", r.snap.ID, regression),
		map[string]interface{}{"snapshot_id": r.snap.ID, "regression": regression})
	return fmt.Sprintf("restored snapshot %s, health back to %.1f", r.snap.ID, restored.Overall), types.StageCompleted, nil
}

// applyPayload pushes restored samples into every restorable source.
// Validation happened at Restore; application is all-or-nothing in the
// sense that any source failure fails the stage and the cycle.
func (p *Pipeline) applyPayload(ctx context.Context, payload *snapshot.Payload) error {
	for _, src := range p.deps.Registry.Sources() {
		restorable, ok := src.(collab.Restorable)
		if !ok {
			continue
		}
		sample, ok := payload.Samples[src.Name()]
		if !ok {
			continue
		}
		if err := restorable.Restore(ctx, sample); err != nil {
			return fmt.Errorf("source %q: %w", src.Name(), err)
		}
	}
	return nil
}

// stageStabilize enforces the settle delay that damps oscillating
// repair/re-break loops.
func (p *Pipeline) stageStabilize(ctx context.Context) (string, types.StageStatus, error) {
	if p.cfg.SettleDelay <= 0 {
		return "no settle delay configured", types.StageSkipped, nil
	}
	timer := time.NewTimer(p.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return fmt.Sprintf("settled for %v", p.cfg.SettleDelay), types.StageCompleted, nil
}

// stageLearn feeds the attempt outcomes into the bias counters.
func (p *Pipeline) stageLearn(r *run) (string, types.StageStatus, error) {
	for _, a := range r.attempts {
		p.deps.Engines.Bias().Record(a.category, a.engine, a.success)
	}
	return fmt.Sprintf("recorded %d attempt outcomes", len(r.attempts)), types.StageCompleted, nil
}

// report finalizes the cycle. REPORT always runs, even after a stage
// failure, so every cycle reaches a terminal outcome.
func (p *Pipeline) report(r *run) {
	rec := types.StageRecord{Stage: types.StageReport, StartedAt: time.Now()}

	switch {
	case r.cycle.RolledBack:
		r.cycle.Outcome = types.CycleRolledBack
	case r.aborted:
		r.cycle.Outcome = types.CycleFailed
	case len(r.targets) == 0:
		r.cycle.Outcome = types.CycleSuccess
	case r.cycle.ResolvedCount() == len(r.targets):
		r.cycle.Outcome = types.CycleSuccess
	case r.cycle.ResolvedCount() > 0:
		r.cycle.Outcome = types.CyclePartial
	default:
		r.cycle.Outcome = types.CycleFailed
	}
	r.cycle.FinishedAt = time.Now()

	if r.snap != nil {
		p.deps.Snapshots.Unpin(r.snap.ID)
	}

	rec.Status = types.StageCompleted
	rec.Detail = string(r.cycle.Outcome)
	rec.FinishedAt = time.Now()
	r.cycle.Stages = append(r.cycle.Stages, rec)

	p.mu.Lock()
	p.history = append(p.history, r.cycle.Clone())
	if len(p.history) > maxCycleHistory {
		copy(p.history, p.history[len(p.history)-maxCycleHistory:])
		p.history = p.history[:maxCycleHistory]
	}
	p.mu.Unlock()

	metrics.ObserveCycle(string(r.cycle.Outcome), r.cycle.FinishedAt.Sub(r.cycle.StartedAt))
	p.deps.Publisher.Publish(events.EventHealingCycleCompleted, "pipeline",
		fmt.Sprintf("cycle %s finished: %s (%d repairs)", r.cycle.ID, r.cycle.Outcome, len(r.cycle.Repairs)),
		map[string]interface{}{
			"cycle_id": r.cycle.ID,
			"outcome":  string(r.cycle.Outcome),
			"repairs":  len(r.cycle.Repairs),
			"resolved": r.cycle.ResolvedCount(),
		})
}

// History returns copies of the most recent cycles, oldest first.
func (p *Pipeline) History(limit int) []*types.HealingCycle {
	p.mu.RLock()
	defer p.mu.RUnlock()

	start := 0
	if limit > 0 && len(p.history) > limit {
		start = len(p.history) - limit
	}
	out := make([]*types.HealingCycle, 0, len(p.history)-start)
	for _, c := range p.history[start:] {
		out = append(out, c.Clone())
	}
	return out
}
