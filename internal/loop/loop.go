// Package loop runs the autorepair loop: a ticker that polls for faults,
// gates them by mode and priority, and hands the survivors to the healing
// pipeline under rate limits that keep repair itself from destabilizing
// the system.
package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mendhq/mend/internal/classify"
	"github.com/mendhq/mend/internal/detect"
	"github.com/mendhq/mend/internal/events"
	"github.com/mendhq/mend/internal/health"
	"github.com/mendhq/mend/internal/metrics"
	"github.com/mendhq/mend/internal/pipeline"
	"github.com/mendhq/mend/internal/types"
)

// Config holds the loop's rate and gating knobs.
type Config struct {
	// Mode selects which priorities the loop acts on
	Mode types.LoopMode
	// Interval is the tick period
	Interval time.Duration
	// Cooldown is the minimum gap between consecutive repair cycles
	Cooldown time.Duration
	// MaxRepairsPerMinute is the rolling one-minute soft cap
	MaxRepairsPerMinute int
	// MaxRepairsPerHour is the rolling one-hour soft cap
	MaxRepairsPerHour int
	// MinHealthForRepair suspends autonomous repair below this score
	MinHealthForRepair float64
	// MaxRepairsPerTick caps faults healed per tick
	MaxRepairsPerTick int
}

// Deps holds the loop's collaborating components.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Detector   *detect.Detector
	Classifier *classify.Classifier
	Health     *health.Engine
	Publisher  *events.Publisher
}

// Loop is the autorepair loop. Detection always runs on every tick; repair
// is what the mode, health floor, cooldown, and throttle gates suspend.
type Loop struct {
	deps Deps
	cfg  Config

	// limiter enforces the inter-cycle cooldown
	limiter *rate.Limiter

	mu sync.Mutex
	// repairTimes holds timestamps of executed repair actions within the
	// last hour, oldest first
	repairTimes   []time.Time
	lastRepairEnd time.Time
	lastMode      types.ThrottleMode

	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// now is injectable for deterministic tests
	now func() time.Time
}

// New creates an autorepair loop.
func New(deps Deps, cfg Config) (*Loop, error) {
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if deps.Detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if deps.Classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if deps.Health == nil {
		return nil, fmt.Errorf("health engine is required")
	}
	if !types.ValidLoopMode(cfg.Mode) {
		return nil, fmt.Errorf("invalid mode: %q", cfg.Mode)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if cfg.MaxRepairsPerMinute <= 0 || cfg.MaxRepairsPerHour <= 0 {
		return nil, fmt.Errorf("repair rate caps must be positive")
	}

	limit := rate.Inf
	if cfg.Cooldown > 0 {
		limit = rate.Every(cfg.Cooldown)
	}
	return &Loop{
		deps:     deps,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		lastMode: types.ThrottleNormal,
		now:      time.Now,
	}, nil
}

// Start launches the loop goroutine. Calling Start on a running loop is a
// no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	fmt.Printf("Loop: autorepair started (mode=%s, interval=%v)\n", l.cfg.Mode, l.cfg.Interval)
	go l.run(runCtx)
}

// Stop signals the loop and waits for any in-flight cycle to finish.
// Calling Stop on a stopped loop is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.running = false
	l.mu.Unlock()

	cancel()
	<-done
	fmt.Printf("Loop: autorepair stopped\n")
}

// run ticks until the context is canceled. Cancellation is observed only
// between cycles; a cycle in flight always completes.
func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick runs one loop iteration: detect, gate, and (when permitted) heal.
// It returns the executed cycle, or nil when every gate suppressed repair.
func (l *Loop) Tick(ctx context.Context) *types.HealingCycle {
	state := l.ThrottleState()
	l.noteTransition(state)

	score := l.deps.Health.Compute(ctx)
	metrics.SetHealthScore(score.Overall)

	// Detection runs unconditionally.
	l.deps.Detector.Poll(ctx)
	_, unresolved, _ := l.deps.Detector.Ledger().Counts()
	metrics.SetUnresolvedFaults(unresolved)

	if l.cfg.Mode == types.ModeDisabled {
		return nil
	}
	if state.Mode == types.ThrottleBlocked {
		return nil
	}
	if score.Overall < l.cfg.MinHealthForRepair {
		l.deps.Publisher.Publish(events.EventHealthCritical, "loop",
			fmt.Sprintf("health %.1f below repair floor %.1f, autonomous repair suspended", score.Overall, l.cfg.MinHealthForRepair),
			map[string]interface{}{"health": score.Overall, "floor": l.cfg.MinHealthForRepair})
		return nil
	}

	targetIDs := l.eligibleFaults(state)
	if len(targetIDs) == 0 {
		return nil
	}
	if !l.limiter.AllowN(l.now(), 1) {
		// Cooldown not elapsed; the faults stay in the ledger for the
		// next tick.
		return nil
	}

	cycle := l.deps.Pipeline.Execute(ctx, pipeline.Options{
		TargetFaultIDs: targetIDs,
		MaxFaults:      l.cfg.MaxRepairsPerTick,
	})
	if cycle != nil {
		l.recordRepairs(len(cycle.Repairs))
	}
	return cycle
}

// eligibleFaults classifies the unresolved ledger and returns the fault
// ids the current mode and throttle state permit, highest priority first,
// capped at the per-tick limit and the remaining window budget.
func (l *Loop) eligibleFaults(state types.ThrottleState) []string {
	faults := l.deps.Detector.Ledger().Unresolved()

	var targets []classify.Target
	for _, fault := range faults {
		cls := l.deps.Classifier.Classify(fault)
		if !l.modeAllows(cls.Priority) {
			continue
		}
		if state.Mode == types.ThrottleThrottled && cls.Priority != types.PriorityImmediate {
			continue
		}
		targets = append(targets, classify.Target{Fault: fault, Classification: cls})
	}
	classify.Sort(targets)

	// Window budget: repairs left before a sliding cap trips. One tick
	// never spends more than the budget on non-IMMEDIATE faults; the
	// overflow stays in the ledger for the next window. IMMEDIATE faults
	// bypass the budget, matching their THROTTLED-state exemption.
	budget := l.cfg.MaxRepairsPerMinute - state.RepairsLastMinute
	if hourLeft := l.cfg.MaxRepairsPerHour - state.RepairsLastHour; hourLeft < budget {
		budget = hourLeft
	}

	var ids []string
	for _, t := range targets {
		if l.cfg.MaxRepairsPerTick > 0 && len(ids) == l.cfg.MaxRepairsPerTick {
			break
		}
		if t.Classification.Priority != types.PriorityImmediate {
			if budget <= 0 {
				continue
			}
			budget--
		}
		ids = append(ids, t.Fault.ID)
	}
	return ids
}

// modeAllows reports whether the configured mode repairs the priority.
func (l *Loop) modeAllows(p types.Priority) bool {
	switch l.cfg.Mode {
	case types.ModeAggressive:
		return true
	case types.ModeBalanced:
		return p <= types.PriorityMedium
	case types.ModeConservative:
		return p <= types.PriorityUrgent
	default:
		return false
	}
}

// recordRepairs adds n executed repairs to the sliding windows.
func (l *Loop) recordRepairs(n int) {
	now := l.now()
	l.mu.Lock()
	for i := 0; i < n; i++ {
		l.repairTimes = append(l.repairTimes, now)
	}
	l.lastRepairEnd = now
	l.mu.Unlock()
}

// ThrottleState computes the current rate-limiting view from the sliding
// windows. Soft caps throttle; twice the soft caps block.
func (l *Loop) ThrottleState() types.ThrottleState {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Prune everything older than the hour window.
	cutoff := now.Add(-time.Hour)
	kept := l.repairTimes[:0]
	for _, t := range l.repairTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.repairTimes = kept

	minuteCutoff := now.Add(-time.Minute)
	lastMinute := 0
	for _, t := range l.repairTimes {
		if t.After(minuteCutoff) {
			lastMinute++
		}
	}
	lastHour := len(l.repairTimes)

	mode := types.ThrottleNormal
	switch {
	case lastMinute >= 2*l.cfg.MaxRepairsPerMinute || lastHour >= 2*l.cfg.MaxRepairsPerHour:
		mode = types.ThrottleBlocked
	case lastMinute >= l.cfg.MaxRepairsPerMinute || lastHour >= l.cfg.MaxRepairsPerHour:
		mode = types.ThrottleThrottled
	}

	state := types.ThrottleState{
		Mode:              mode,
		RepairsLastMinute: lastMinute,
		RepairsLastHour:   lastHour,
	}
	if !l.lastRepairEnd.IsZero() && l.cfg.Cooldown > 0 {
		state.CooldownUntil = l.lastRepairEnd.Add(l.cfg.Cooldown)
	}
	return state
}

// noteTransition publishes throttle transitions exactly once per change.
func (l *Loop) noteTransition(state types.ThrottleState) {
	l.mu.Lock()
	prev := l.lastMode
	l.lastMode = state.Mode
	l.mu.Unlock()

	metrics.SetThrottleMode(string(state.Mode))
	if state.Mode == prev {
		return
	}
	switch state.Mode {
	case types.ThrottleThrottled:
		l.deps.Publisher.Publish(events.EventAutorepairThrottled, "loop",
			fmt.Sprintf("repair rate cap reached (%d/min, %d/hr), only IMMEDIATE faults repaired", state.RepairsLastMinute, state.RepairsLastHour),
			map[string]interface{}{"repairs_last_minute": state.RepairsLastMinute, "repairs_last_hour": state.RepairsLastHour})
	case types.ThrottleBlocked:
		l.deps.Publisher.Publish(events.EventAutorepairBlocked, "loop",
			fmt.Sprintf("repair rate at twice the cap (%d/min, %d/hr), autonomous repair blocked", state.RepairsLastMinute, state.RepairsLastHour),
			map[string]interface{}{"repairs_last_minute": state.RepairsLastMinute, "repairs_last_hour": state.RepairsLastHour})
	case types.ThrottleNormal:
		fmt.Printf("Loop: throttle cleared, back to NORMAL\n")
	}
}
