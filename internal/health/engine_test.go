package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendhq/mend/internal/collab"
	"github.com/mendhq/mend/internal/types"
)

// settableSource reports a fixed health score that tests can move.
type settableSource struct {
	name  string
	score float64
}

func (s *settableSource) Name() string { return s.name }

func (s *settableSource) Snapshot(ctx context.Context) (*collab.Sample, error) {
	return &collab.Sample{
		Values:  map[string]float64{collab.KeyHealth: s.score},
		TakenAt: time.Now(),
	}, nil
}

func fullRegistry(t *testing.T, scores map[string]float64) (*collab.Registry, map[string]*settableSource) {
	t.Helper()
	registry := collab.NewRegistry()
	sources := make(map[string]*settableSource)
	for name, score := range scores {
		src := &settableSource{name: name, score: score}
		sources[name] = src
		require.NoError(t, registry.Register(src))
	}
	return registry, sources
}

func healthSample(score float64) *collab.Sample {
	return &collab.Sample{Values: map[string]float64{collab.KeyHealth: score}}
}

// TestNewEngineRejectsBadWeights verifies weight validation.
func TestNewEngineRejectsBadWeights(t *testing.T) {
	registry := collab.NewRegistry()

	_, err := NewEngine(registry, Config{Weights: map[string]float64{"a": 0.5, "b": 0.4}})
	assert.Error(t, err, "weights must sum to 1.0")

	_, err = NewEngine(registry, Config{Weights: map[string]float64{"a": 1.5, "b": -0.5}})
	assert.Error(t, err, "weights must be non-negative")

	_, err = NewEngine(nil, Config{})
	assert.Error(t, err)
}

// TestComputeWeightedSum verifies the overall score is the weighted sum of
// component scores under the default weights.
func TestComputeWeightedSum(t *testing.T) {
	registry, _ := fullRegistry(t, map[string]float64{
		"orchestrator": 100,
		"taskgraph":    80,
		"agentpool":    60,
		"governor":     40,
	})
	e, err := NewEngine(registry, Config{})
	require.NoError(t, err)

	score := e.Compute(context.Background())
	// 100*0.30 + 80*0.25 + 60*0.25 + 40*0.20 = 73
	assert.InDelta(t, 73.0, score.Overall, 1e-9)
	assert.Equal(t, types.LevelFair, score.Level)
	assert.Len(t, score.Components, 4)
}

// TestObserveLeavesTrendHistoryUntouched verifies Observe is a pure read:
// repeated status polling never feeds the trend window.
func TestObserveLeavesTrendHistoryUntouched(t *testing.T) {
	registry, sources := fullRegistry(t, map[string]float64{
		"orchestrator": 90, "taskgraph": 90, "agentpool": 90, "governor": 90,
	})
	e, err := NewEngine(registry, Config{})
	require.NoError(t, err)
	ctx := context.Background()

	e.Compute(ctx)
	sources["orchestrator"].score = 60
	e.Compute(ctx)
	require.Len(t, e.history, 2)
	trend := e.Trend()

	for i := 0; i < 10; i++ {
		score := e.Observe(ctx)
		assert.InDelta(t, 81.0, score.Overall, 1e-9)
		assert.Equal(t, trend, score.Trend, "Observe reports the recorded trend")
	}
	assert.Len(t, e.history, 2, "Observe must not record samples")
}

// TestComputeFromSamplesIsDeterministic verifies the same samples always
// produce the same score.
func TestComputeFromSamplesIsDeterministic(t *testing.T) {
	registry := collab.NewRegistry()
	e, err := NewEngine(registry, Config{})
	require.NoError(t, err)

	samples := map[string]*collab.Sample{
		"orchestrator": healthSample(90),
		"taskgraph":    healthSample(70),
		"agentpool":    healthSample(85),
		"governor":     healthSample(95),
	}
	at := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	first := e.ComputeFromSamples(samples, at)
	for i := 0; i < 5; i++ {
		again := e.ComputeFromSamples(samples, at)
		assert.Equal(t, first.Overall, again.Overall)
		assert.Equal(t, first.Components, again.Components)
	}
}

// TestMissingComponentRedistributesWeight verifies an absent collaborator
// scores 100 at weight 0 with its weight spread across present components.
func TestMissingComponentRedistributesWeight(t *testing.T) {
	registry := collab.NewRegistry()
	e, err := NewEngine(registry, Config{})
	require.NoError(t, err)

	// governor (weight 0.20) missing; the rest redistribute to sum 1.0.
	samples := map[string]*collab.Sample{
		"orchestrator": healthSample(80),
		"taskgraph":    healthSample(80),
		"agentpool":    healthSample(80),
	}
	score := e.ComputeFromSamples(samples, time.Now())

	assert.InDelta(t, 80.0, score.Overall, 1e-9, "uniform present scores stay uniform")

	var presentWeight float64
	for _, comp := range score.Components {
		if comp.Component == "governor" {
			assert.False(t, comp.Present)
			assert.Equal(t, 0.0, comp.Weight)
			assert.Equal(t, 100.0, comp.Score)
			continue
		}
		assert.True(t, comp.Present)
		presentWeight += comp.Weight
	}
	assert.InDelta(t, 1.0, presentWeight, 1e-9)
}

// TestAllComponentsMissing verifies the degenerate case scores 100.
func TestAllComponentsMissing(t *testing.T) {
	registry := collab.NewRegistry()
	e, err := NewEngine(registry, Config{})
	require.NoError(t, err)

	score := e.ComputeFromSamples(map[string]*collab.Sample{}, time.Now())
	assert.Equal(t, 100.0, score.Overall)
	assert.Equal(t, types.LevelExcellent, score.Level)
}

// TestScoreDerivedFromErrorRate verifies components without a self-reported
// health score derive one from error_rate and stability.
func TestScoreDerivedFromErrorRate(t *testing.T) {
	sample := &collab.Sample{Values: map[string]float64{collab.KeyErrorRate: 0.25}}
	assert.InDelta(t, 75.0, scoreSample(sample), 1e-9)

	sample = &collab.Sample{Values: map[string]float64{
		collab.KeyErrorRate: 0.20,
		collab.KeyStability: 60,
	}}
	// (100 - 20 + 60) / 2 = 70
	assert.InDelta(t, 70.0, scoreSample(sample), 1e-9)

	// Self-reported health wins over derivation.
	sample = &collab.Sample{Values: map[string]float64{
		collab.KeyHealth:    42,
		collab.KeyErrorRate: 0.9,
	}}
	assert.Equal(t, 42.0, scoreSample(sample))
}

// TestLevelBands verifies the fixed score-to-level bands.
func TestLevelBands(t *testing.T) {
	assert.Equal(t, types.LevelExcellent, types.LevelForScore(95))
	assert.Equal(t, types.LevelExcellent, types.LevelForScore(90))
	assert.Equal(t, types.LevelGood, types.LevelForScore(75))
	assert.Equal(t, types.LevelFair, types.LevelForScore(60))
	assert.Equal(t, types.LevelPoor, types.LevelForScore(40))
	assert.Equal(t, types.LevelCritical, types.LevelForScore(39.9))
}

// TestTrendDirections verifies the least-squares trend classification.
func TestTrendDirections(t *testing.T) {
	run := func(t *testing.T, scores []float64) types.HealthTrend {
		t.Helper()
		registry, sources := fullRegistry(t, map[string]float64{
			"orchestrator": 0, "taskgraph": 0, "agentpool": 0, "governor": 0,
		})
		e, err := NewEngine(registry, Config{})
		require.NoError(t, err)

		ctx := context.Background()
		for _, s := range scores {
			for _, src := range sources {
				src.score = s
			}
			e.Compute(ctx)
		}
		return e.Trend()
	}

	t.Run("steady climb is improving", func(t *testing.T) {
		trend := run(t, []float64{60, 65, 70, 75, 80, 85})
		assert.Equal(t, types.TrendImproving, trend.Direction)
		assert.Greater(t, trend.Slope, 0.25)
		assert.InDelta(t, 1.0, trend.Confidence, 0.01, "a straight line fits perfectly")
	})

	t.Run("steady fall is declining", func(t *testing.T) {
		trend := run(t, []float64{90, 85, 80, 75, 70})
		assert.Equal(t, types.TrendDeclining, trend.Direction)
		assert.Less(t, trend.Slope, -0.25)
	})

	t.Run("flat series is stable", func(t *testing.T) {
		trend := run(t, []float64{80, 80, 80, 80, 80})
		assert.Equal(t, types.TrendStable, trend.Direction)
		assert.InDelta(t, 0.0, trend.Slope, 1e-9)
	})

	t.Run("flat but noisy series is volatile", func(t *testing.T) {
		trend := run(t, []float64{60, 80, 80, 60, 60, 80, 80, 60})
		assert.Equal(t, types.TrendVolatile, trend.Direction)
	})

	t.Run("too little history is stable with zero confidence", func(t *testing.T) {
		trend := run(t, []float64{80})
		assert.Equal(t, types.TrendStable, trend.Direction)
		assert.Equal(t, 0.0, trend.Confidence)
	})
}

// TestTrendWindowBounds verifies the history window discards the oldest
// samples once full.
func TestTrendWindowBounds(t *testing.T) {
	registry, sources := fullRegistry(t, map[string]float64{
		"orchestrator": 20, "taskgraph": 20, "agentpool": 20, "governor": 20,
	})
	e, err := NewEngine(registry, Config{TrendWindow: 5})
	require.NoError(t, err)
	ctx := context.Background()

	// Old declining history, then a sustained recovery longer than the
	// window: only the recovery should be visible.
	for _, s := range []float64{90, 70, 50, 30, 20} {
		for _, src := range sources {
			src.score = s
		}
		e.Compute(ctx)
	}
	for _, s := range []float64{25, 35, 45, 55, 65} {
		for _, src := range sources {
			src.score = s
		}
		e.Compute(ctx)
	}

	trend := e.Trend()
	assert.Equal(t, types.TrendImproving, trend.Direction)
}
