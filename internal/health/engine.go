// Package health computes the weighted 0-100 system health score and its
// trend. Scores are always derived fresh from collaborator samples and
// never persisted.
package health

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mendhq/mend/internal/collab"
	"github.com/mendhq/mend/internal/types"
)

// DefaultWeights are the fixed component weights, summing to 1.0.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"orchestrator": 0.30,
		"taskgraph":    0.25,
		"agentpool":    0.25,
		"governor":     0.20,
	}
}

// Config holds health engine configuration.
type Config struct {
	// Weights maps collaborator name to its score weight; must sum to 1.0.
	// Nil uses DefaultWeights.
	Weights map[string]float64
	// TrendWindow is how many overall-score samples feed the trend fit
	// Default: 20
	TrendWindow int
	// SlopeEpsilon is the slope magnitude below which the trend is flat
	// Default: 0.25
	SlopeEpsilon float64
	// VolatilityStdDev is the residual std-dev above which a flat trend
	// is VOLATILE
	// Default: 5.0
	VolatilityStdDev float64
}

// Engine computes health scores over the collaborator registry.
type Engine struct {
	mu sync.Mutex

	registry *collab.Registry
	weights  map[string]float64

	trendWindow      int
	slopeEpsilon     float64
	volatilityStdDev float64

	// history is the rolling window of recent overall scores
	history []float64

	// now is injectable for deterministic tests
	now func() time.Time
}

// NewEngine creates a health engine over the given registry.
func NewEngine(registry *collab.Registry, cfg Config) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	weights := cfg.Weights
	if weights == nil {
		weights = DefaultWeights()
	}
	var sum float64
	for name, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("weight for %q must be non-negative, got %f", name, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return nil, fmt.Errorf("weights must sum to 1.0, got %f", sum)
	}

	trendWindow := cfg.TrendWindow
	if trendWindow <= 0 {
		trendWindow = 20
	}
	slopeEpsilon := cfg.SlopeEpsilon
	if slopeEpsilon <= 0 {
		slopeEpsilon = 0.25
	}
	volatility := cfg.VolatilityStdDev
	if volatility <= 0 {
		volatility = 5.0
	}

	return &Engine{
		registry:         registry,
		weights:          weights,
		trendWindow:      trendWindow,
		slopeEpsilon:     slopeEpsilon,
		volatilityStdDev: volatility,
		history:          make([]float64, 0, trendWindow),
		now:              time.Now,
	}, nil
}

// Compute polls every weighted collaborator, derives the overall score,
// records it in the trend history, and returns the full breakdown. An
// unreachable collaborator is treated as missing, never as an error.
func (e *Engine) Compute(ctx context.Context) *types.HealthScore {
	score := e.ComputeFromSamples(e.pollSamples(ctx), e.now())

	e.mu.Lock()
	e.history = append(e.history, score.Overall)
	if len(e.history) > e.trendWindow {
		copy(e.history, e.history[len(e.history)-e.trendWindow:])
		e.history = e.history[:e.trendWindow]
	}
	score.Trend = e.trendLocked()
	e.mu.Unlock()

	return score
}

// Observe derives the current score without recording it in the trend
// history. Status reads go through here; only the autorepair loop's
// cadence feeds the trend via Compute.
func (e *Engine) Observe(ctx context.Context) *types.HealthScore {
	score := e.ComputeFromSamples(e.pollSamples(ctx), e.now())
	score.Trend = e.Trend()
	return score
}

// pollSamples snapshots every weighted collaborator, skipping the
// unreachable ones.
func (e *Engine) pollSamples(ctx context.Context) map[string]*collab.Sample {
	samples := make(map[string]*collab.Sample)
	for _, src := range e.registry.Sources() {
		if _, weighted := e.weights[src.Name()]; !weighted {
			continue
		}
		sample, err := src.Snapshot(ctx)
		if err != nil {
			continue
		}
		samples[src.Name()] = sample
	}
	return samples
}

// ComputeFromSamples derives a health score from the given samples without
// touching the trend history. Deterministic: the same samples always yield
// the same score.
//
// Missing-component policy: a collaborator with no sample is listed with
// score 100 and weight 0, and its configured weight is redistributed
// proportionally across present components. With nothing present the
// overall is 100.
func (e *Engine) ComputeFromSamples(samples map[string]*collab.Sample, at time.Time) *types.HealthScore {
	var presentWeight float64
	for name := range samples {
		presentWeight += e.weights[name]
	}

	components := make([]types.ComponentScore, 0, len(e.weights))
	var overall float64
	for _, name := range sortedKeys(e.weights) {
		configured := e.weights[name]
		sample, present := samples[name]
		if !present {
			components = append(components, types.ComponentScore{
				Component: name,
				Weight:    0,
				Score:     100,
				Present:   false,
			})
			continue
		}
		weight := configured
		if presentWeight > 0 {
			weight = configured / presentWeight
		}
		score := scoreSample(sample)
		components = append(components, types.ComponentScore{
			Component: name,
			Weight:    weight,
			Score:     score,
			Present:   true,
		})
		overall += weight * score
	}
	if presentWeight == 0 {
		overall = 100
	}

	return &types.HealthScore{
		Components: components,
		Overall:    overall,
		Level:      types.LevelForScore(overall),
		ComputedAt: at,
	}
}

// scoreSample maps one collaborator sample to a 0-100 component score.
// A self-reported health_score wins; otherwise the score is derived from
// error_rate and stability.
func scoreSample(sample *collab.Sample) float64 {
	if v, ok := sample.Values[collab.KeyHealth]; ok {
		return clamp(v, 0, 100)
	}

	score := 100.0
	if v, ok := sample.Values[collab.KeyErrorRate]; ok {
		score -= clamp(v, 0, 1) * 100
	}
	if v, ok := sample.Values[collab.KeyStability]; ok {
		score = (score + clamp(v, 0, 100)) / 2
	}
	return clamp(score, 0, 100)
}

// Trend returns the current trend fit over the recorded history.
func (e *Engine) Trend() types.HealthTrend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trendLocked()
}

// trendLocked fits a least-squares line over the history and classifies
// it. Caller must hold e.mu.
func (e *Engine) trendLocked() types.HealthTrend {
	n := len(e.history)
	if n < 2 {
		return types.HealthTrend{Direction: types.TrendStable, Slope: 0, Confidence: 0}
	}

	// Least squares over sample index 0..n-1.
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range e.history {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return types.HealthTrend{Direction: types.TrendStable, Slope: 0, Confidence: 0}
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	// Residual variance around the fit, and total variance for R^2.
	mean := sumY / fn
	var ssRes, ssTot float64
	for i, y := range e.history {
		fit := intercept + slope*float64(i)
		ssRes += (y - fit) * (y - fit)
		ssTot += (y - mean) * (y - mean)
	}
	residualStdDev := math.Sqrt(ssRes / fn)

	confidence := 0.0
	if ssTot > 0 {
		confidence = clamp(1-ssRes/ssTot, 0, 1)
	} else {
		// A perfectly flat series is a perfect fit.
		confidence = 1
	}

	direction := types.TrendStable
	switch {
	case slope > e.slopeEpsilon:
		direction = types.TrendImproving
	case slope < -e.slopeEpsilon:
		direction = types.TrendDeclining
	case residualStdDev > e.volatilityStdDev:
		direction = types.TrendVolatile
	}

	return types.HealthTrend{Direction: direction, Slope: slope, Confidence: confidence}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Stable component ordering for reproducible reports.
	sort.Strings(keys)
	return keys
}
