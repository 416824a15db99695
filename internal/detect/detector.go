// Package detect polls collaborator metrics, applies fixed per-source
// rules, and maintains the fault ledger. Detection is never fatal: an
// unreachable collaborator is marked degraded for that poll and skipped.
package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mendhq/mend/internal/collab"
	"github.com/mendhq/mend/internal/events"
	"github.com/mendhq/mend/internal/types"
)

// DegradedSource records a collaborator that failed its most recent poll.
type DegradedSource struct {
	// Source is the collaborator name
	Source string `json:"source"`
	// Since is when the current degradation was first observed
	Since time.Time `json:"since"`
	// LastError is the most recent poll error text
	LastError string `json:"last_error"`
}

// Config holds detector configuration.
type Config struct {
	// Rules maps collaborator name to its rule set. Nil uses DefaultRules.
	Rules map[string]*RuleSet
	// StabilityZScore is the outlier threshold in standard deviations
	// Default: 3.0
	StabilityZScore float64
	// OutlierWindow is the rolling history length per outlier metric
	// Default: 20
	OutlierWindow int
}

// Detector polls collaborators and turns rule findings into fault records.
type Detector struct {
	mu sync.RWMutex

	registry  *collab.Registry
	rules     map[string]*RuleSet
	ledger    *Ledger
	publisher *events.Publisher

	zScore    float64
	windowCap int
	windows   map[string]*window // keyed source:metric

	degraded map[string]*DegradedSource

	// now is injectable for deterministic tests
	now func() time.Time
}

// NewDetector creates a detector over the given collaborator registry.
func NewDetector(registry *collab.Registry, ledger *Ledger, publisher *events.Publisher, cfg Config) (*Detector, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}

	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	zScore := cfg.StabilityZScore
	if zScore <= 0 {
		zScore = 3.0
	}
	windowCap := cfg.OutlierWindow
	if windowCap <= 0 {
		windowCap = 20
	}

	return &Detector{
		registry:  registry,
		rules:     rules,
		ledger:    ledger,
		publisher: publisher,
		zScore:    zScore,
		windowCap: windowCap,
		windows:   make(map[string]*window),
		degraded:  make(map[string]*DegradedSource),
		now:       time.Now,
	}, nil
}

// Ledger returns the fault ledger the detector writes to.
func (d *Detector) Ledger() *Ledger {
	return d.ledger
}

// Poll snapshots every registered collaborator and applies its rules.
// It returns the faults newly recorded by this poll. Collaborator errors
// degrade that source only; other sources are still polled.
func (d *Detector) Poll(ctx context.Context) []*types.Fault {
	var newFaults []*types.Fault

	for _, src := range d.registry.Sources() {
		sample, err := src.Snapshot(ctx)
		if err != nil {
			d.markDegraded(src.Name(), err)
			continue
		}
		d.clearDegraded(src.Name())
		newFaults = append(newFaults, d.evaluate(src.Name(), sample)...)
	}
	return newFaults
}

// evaluate applies the source's rule set to one sample.
func (d *Detector) evaluate(source string, sample *collab.Sample) []*types.Fault {
	ruleSet, ok := d.rules[source]
	if !ok {
		return nil
	}
	now := d.now()

	var findings []finding
	for _, rule := range ruleSet.Thresholds {
		if f, fired := rule.evaluate(sample); fired {
			findings = append(findings, f)
		}
	}
	for _, rule := range ruleSet.Flags {
		if f, fired := rule.evaluate(sample); fired {
			findings = append(findings, f)
		}
	}
	for _, rule := range ruleSet.Outliers {
		if f, fired := d.evaluateOutlier(source, rule, sample); fired {
			findings = append(findings, f)
		}
	}

	var newFaults []*types.Fault
	for _, f := range findings {
		fault, isNew := d.ledger.record(source, f, now)
		if isNew {
			newFaults = append(newFaults, fault)
			d.publisher.Publish(events.EventFaultDetected, source, fault.Description, map[string]interface{}{
				"fault_id": fault.ID,
				"type":     fault.Type,
				"severity": string(fault.Severity),
			})
		}
	}
	return newFaults
}

// evaluateOutlier runs the rolling z-score test for one outlier rule. The
// current value joins the history after the test so a genuine anomaly does
// not dilute its own baseline.
func (d *Detector) evaluateOutlier(source string, rule *OutlierRule, sample *collab.Sample) (finding, bool) {
	value, ok := sample.Values[rule.Metric]
	if !ok {
		return finding{}, false
	}

	d.mu.Lock()
	key := source + ":" + rule.Metric
	win, ok := d.windows[key]
	if !ok {
		win = newWindow(d.windowCap)
		d.windows[key] = win
	}
	dist := win.distribution()
	enough := win.len() >= rule.MinSamples
	win.push(value)
	d.mu.Unlock()

	if !enough || !dist.IsLowerOutlier(value, d.zScore) {
		return finding{}, false
	}
	return finding{
		faultType: rule.FaultType,
		severity:  rule.Severity,
		description: fmt.Sprintf("%s at %.1f is %.1f standard deviations below its recent mean %.1f",
			rule.Metric, value, (dist.Mean-value)/dist.StdDev, dist.Mean),
		metric: rule.Metric,
		value:  value,
	}, true
}

// Recheck re-runs the specific check that originally raised the fault
// against a fresh sample. It returns true when the check no longer fires.
func (d *Detector) Recheck(ctx context.Context, fault *types.Fault) (bool, error) {
	src, ok := d.registry.Source(fault.Source)
	if !ok {
		return false, fmt.Errorf("source %q not registered", fault.Source)
	}
	sample, err := src.Snapshot(ctx)
	if err != nil {
		d.markDegraded(fault.Source, err)
		return false, fmt.Errorf("source %q unreachable: %w", fault.Source, err)
	}
	d.clearDegraded(fault.Source)

	ruleSet, ok := d.rules[fault.Source]
	if !ok {
		return false, fmt.Errorf("no rules for source %q", fault.Source)
	}

	for _, rule := range ruleSet.Thresholds {
		if rule.FaultType == fault.Type && rule.Metric == fault.Metric {
			_, fired := rule.evaluate(sample)
			return !fired, nil
		}
	}
	for _, rule := range ruleSet.Flags {
		if rule.FaultType == fault.Type && rule.Flag == fault.Metric {
			_, fired := rule.evaluate(sample)
			return !fired, nil
		}
	}
	for _, rule := range ruleSet.Outliers {
		if rule.FaultType == fault.Type && rule.Metric == fault.Metric {
			value, ok := sample.Values[rule.Metric]
			if !ok {
				return false, nil
			}
			d.mu.RLock()
			win, ok := d.windows[fault.Source+":"+rule.Metric]
			var dist Distribution
			if ok {
				dist = win.distribution()
			}
			d.mu.RUnlock()
			return !ok || !dist.IsLowerOutlier(value, d.zScore), nil
		}
	}
	return false, fmt.Errorf("no rule for fault type %q on source %q", fault.Type, fault.Source)
}

// Degraded returns a copy of the currently degraded sources.
func (d *Detector) Degraded() []DegradedSource {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]DegradedSource, 0, len(d.degraded))
	for _, ds := range d.degraded {
		out = append(out, *ds)
	}
	return out
}

func (d *Detector) markDegraded(source string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.degraded[source]; ok {
		existing.LastError = err.Error()
		return
	}
	d.degraded[source] = &DegradedSource{
		Source:    source,
		Since:     d.now(),
		LastError: err.Error(),
	}
	d.publisher.Publish(events.EventSourceDegraded, source,
		fmt.Sprintf("collaborator %q failed its poll", source),
		map[string]interface{}{"error": err.Error()})
}

func (d *Detector) clearDegraded(source string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.degraded, source)
}
