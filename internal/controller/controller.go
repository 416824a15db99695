// Package controller is the embedding surface of the healing system. It
// wires the detector, classifier, engines, snapshots, health engine,
// pipeline, and autorepair loop together behind one facade.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mendhq/mend/internal/classify"
	"github.com/mendhq/mend/internal/collab"
	"github.com/mendhq/mend/internal/config"
	"github.com/mendhq/mend/internal/detect"
	"github.com/mendhq/mend/internal/events"
	"github.com/mendhq/mend/internal/health"
	"github.com/mendhq/mend/internal/loop"
	"github.com/mendhq/mend/internal/metrics"
	"github.com/mendhq/mend/internal/pipeline"
	"github.com/mendhq/mend/internal/repair"
	"github.com/mendhq/mend/internal/snapshot"
	"github.com/mendhq/mend/internal/types"
)

// Status is a point-in-time view of the controller.
type Status struct {
	Running         bool                    `json:"running"`
	Mode            types.LoopMode          `json:"mode"`
	Throttle        types.ThrottleState     `json:"throttle"`
	TotalFaults     int                     `json:"total_faults"`
	UnresolvedCount int                     `json:"unresolved_count"`
	Unrepairable    int                     `json:"unrepairable"`
	Degraded        []detect.DegradedSource `json:"degraded,omitempty"`
	SnapshotCount   int                     `json:"snapshot_count"`
	LastCycle       *types.HealingCycle     `json:"last_cycle,omitempty"`
}

// Statistics aggregates the retained cycle history.
type Statistics struct {
	CyclesTotal      int            `json:"cycles_total"`
	CyclesByOutcome  map[string]int `json:"cycles_by_outcome"`
	RepairsTotal     int            `json:"repairs_total"`
	RepairsSucceeded int            `json:"repairs_succeeded"`
	RepairsByEngine  map[string]int `json:"repairs_by_engine"`
	FaultsResolved   int            `json:"faults_resolved"`
	FaultsBySeverity map[string]int `json:"faults_by_severity"`
	Rollbacks        int            `json:"rollbacks"`
}

// Controller owns the healing system's lifecycle. Construct with New,
// then Start; Stop waits for any in-flight cycle.
type Controller struct {
	cfg *config.Config

	registry   *collab.Registry
	publisher  *events.Publisher
	detector   *detect.Detector
	classifier *classify.Classifier
	engines    *repair.Registry
	snapshots  *snapshot.Manager
	health     *health.Engine
	pipeline   *pipeline.Pipeline
	loop       *loop.Loop

	mu      sync.Mutex
	running bool
}

// New wires a controller from configuration. Collaborator sources and
// repair hooks must already be installed on the registry; engines bind
// the hooks at construction time. Pass nil sinks to disable events and a
// nil registerer to use the Prometheus default.
func New(cfg *config.Config, registry *collab.Registry, reg prometheus.Registerer, sinks ...events.Sink) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if registry == nil {
		return nil, fmt.Errorf("collaborator registry is required")
	}

	publisher := events.NewPublisher(sinks...)
	ledger := detect.NewLedger()

	detector, err := detect.NewDetector(registry, ledger, publisher, detect.Config{
		StabilityZScore: cfg.StabilityZScore,
		OutlierWindow:   cfg.TrendWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}

	hooks := registry.Hooks()
	engines := repair.NewRegistry(
		repair.NewGraphEngine(hooks.Graph),
		repair.NewAgentEngine(hooks.Agent),
		repair.NewSchedulerEngine(hooks.Scheduler),
		repair.NewGovernanceEngine(hooks.Governance),
		repair.NewBiasTracker(),
	)

	var snapshots *snapshot.Manager
	if cfg.EnableSnapshots {
		snapshots, err = snapshot.NewManager(cfg.SnapshotDir, cfg.MaxSnapshots, publisher)
		if err != nil {
			return nil, fmt.Errorf("creating snapshot manager: %w", err)
		}
	}

	healthEngine, err := health.NewEngine(registry, health.Config{
		TrendWindow:      cfg.TrendWindow,
		SlopeEpsilon:     cfg.TrendSlopeEpsilon,
		VolatilityStdDev: cfg.TrendVolatilityStdDev,
	})
	if err != nil {
		return nil, fmt.Errorf("creating health engine: %w", err)
	}

	classifier := classify.NewClassifier()

	pipe, err := pipeline.New(pipeline.Deps{
		Detector:   detector,
		Classifier: classifier,
		Engines:    engines,
		Snapshots:  snapshots,
		Health:     healthEngine,
		Registry:   registry,
		Publisher:  publisher,
	}, pipeline.Config{
		EnableSnapshots:   cfg.EnableSnapshots,
		EnableRollback:    cfg.EnableRollback,
		RollbackTolerance: cfg.RollbackTolerance,
		SettleDelay:       cfg.SettleDelay(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	autorepair, err := loop.New(loop.Deps{
		Pipeline:   pipe,
		Detector:   detector,
		Classifier: classifier,
		Health:     healthEngine,
		Publisher:  publisher,
	}, loop.Config{
		Mode:                cfg.Mode,
		Interval:            cfg.Interval(),
		Cooldown:            cfg.Cooldown(),
		MaxRepairsPerMinute: cfg.MaxRepairsPerMinute,
		MaxRepairsPerHour:   cfg.MaxRepairsPerHour,
		MinHealthForRepair:  cfg.MinHealthForRepair,
		MaxRepairsPerTick:   cfg.MaxRepairsPerTick,
	})
	if err != nil {
		return nil, fmt.Errorf("creating autorepair loop: %w", err)
	}

	metrics.Register(reg)

	return &Controller{
		cfg:        cfg,
		registry:   registry,
		publisher:  publisher,
		detector:   detector,
		classifier: classifier,
		engines:    engines,
		snapshots:  snapshots,
		health:     healthEngine,
		pipeline:   pipe,
		loop:       autorepair,
	}, nil
}

// Start launches the autorepair loop. Idempotent.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.loop.Start(ctx)
	fmt.Printf("Controller: started (mode=%s)\n", c.cfg.Mode)
}

// Stop halts the autorepair loop, waiting for any in-flight cycle to
// finish. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.loop.Stop()
	c.running = false
	fmt.Printf("Controller: stopped\n")
}

// ForceHealingCycle runs one full cycle immediately against every
// unresolved fault, bypassing mode gating, throttle, and cooldown. It
// serializes with the loop: a cycle in flight finishes first.
func (c *Controller) ForceHealingCycle(ctx context.Context) *types.HealingCycle {
	return c.pipeline.Execute(ctx, pipeline.Options{Forced: true})
}

// GetHealth returns the current health score with trend. It is a pure
// read: the trend history only accumulates on loop ticks and pipeline
// health checks, never on status polling.
func (c *Controller) GetHealth(ctx context.Context) *types.HealthScore {
	score := c.health.Observe(ctx)
	metrics.SetHealthScore(score.Overall)
	return score
}

// GetFaults returns copies of every fault in the ledger, detection order.
func (c *Controller) GetFaults() []*types.Fault {
	return c.detector.Ledger().All()
}

// GetStatus returns a point-in-time controller view.
func (c *Controller) GetStatus() *Status {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	total, unresolved, unrepairable := c.detector.Ledger().Counts()
	status := &Status{
		Running:         running,
		Mode:            c.cfg.Mode,
		Throttle:        c.loop.ThrottleState(),
		TotalFaults:     total,
		UnresolvedCount: unresolved,
		Unrepairable:    unrepairable,
		Degraded:        c.detector.Degraded(),
	}
	if c.snapshots != nil {
		status.SnapshotCount = c.snapshots.Count()
		metrics.SetSnapshotsRetained(status.SnapshotCount)
	}
	if history := c.pipeline.History(1); len(history) > 0 {
		status.LastCycle = history[0]
	}
	return status
}

// GetStatistics aggregates the retained cycle history.
func (c *Controller) GetStatistics() *Statistics {
	stats := &Statistics{
		CyclesByOutcome:  make(map[string]int),
		RepairsByEngine:  make(map[string]int),
		FaultsBySeverity: make(map[string]int),
	}
	for _, fault := range c.detector.Ledger().All() {
		stats.FaultsBySeverity[string(fault.Severity)]++
	}
	for _, cycle := range c.pipeline.History(0) {
		stats.CyclesTotal++
		stats.CyclesByOutcome[string(cycle.Outcome)]++
		stats.FaultsResolved += cycle.ResolvedCount()
		if cycle.RolledBack {
			stats.Rollbacks++
		}
		for _, action := range cycle.Repairs {
			stats.RepairsTotal++
			stats.RepairsByEngine[action.Engine]++
			if action.Outcome == types.RepairSucceeded {
				stats.RepairsSucceeded++
			}
		}
	}
	return stats
}

// GetHistory returns copies of the most recent cycles, oldest first.
func (c *Controller) GetHistory(limit int) []*types.HealingCycle {
	return c.pipeline.History(limit)
}

// Snapshot captures a MANUAL snapshot of the current observable state.
func (c *Controller) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	if c.snapshots == nil {
		return nil, fmt.Errorf("snapshots are disabled")
	}

	samples := make(map[string]*collab.Sample)
	for _, src := range c.registry.Sources() {
		sample, err := src.Snapshot(ctx)
		if err != nil {
			continue
		}
		samples[src.Name()] = sample
	}
	total, unresolved, unrepairable := c.detector.Ledger().Counts()
	payload := &snapshot.Payload{
		Samples: samples,
		Counters: map[string]int64{
			"faults_total":        int64(total),
			"faults_unresolved":   int64(unresolved),
			"faults_unrepairable": int64(unrepairable),
		},
	}
	return c.snapshots.Create(ctx, snapshot.TypeManual, payload)
}

// ListSnapshots returns metadata for every retained snapshot.
func (c *Controller) ListSnapshots() []snapshot.Snapshot {
	if c.snapshots == nil {
		return nil
	}
	return c.snapshots.List()
}

// Tick runs one loop iteration synchronously. Intended for embedding
// callers that drive their own schedule instead of Start.
func (c *Controller) Tick(ctx context.Context) *types.HealingCycle {
	return c.loop.Tick(ctx)
}

// WaitHealthy polls until health reaches the target score or the context
// expires. Convenience for startup sequencing in embedding callers.
func (c *Controller) WaitHealthy(ctx context.Context, target float64, pollEvery time.Duration) error {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		if score := c.health.Observe(ctx); score.Overall >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
