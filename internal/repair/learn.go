package repair

import (
	"sync"

	"github.com/mendhq/mend/internal/types"
)

// maxCounterWeight bounds the per-key counters. When attempts reach the
// bound both counters halve, so old history decays instead of dominating.
const maxCounterWeight = 100

// EngineStats is one (category, engine) counter pair.
type EngineStats struct {
	Category  types.Category `json:"category"`
	Engine    string         `json:"engine"`
	Attempts  int            `json:"attempts"`
	Successes int            `json:"successes"`
}

// Rate returns the observed success rate, or 0.5 with no history so an
// untried engine is neither favored nor punished.
func (s EngineStats) Rate() float64 {
	if s.Attempts == 0 {
		return 0.5
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// BiasTracker keeps bounded success-rate counters per (category, engine).
// It only biases engine ordering; it is not a prediction model.
type BiasTracker struct {
	mu    sync.RWMutex
	stats map[types.Category]map[string]*EngineStats
}

// NewBiasTracker creates an empty tracker.
func NewBiasTracker() *BiasTracker {
	return &BiasTracker{stats: make(map[types.Category]map[string]*EngineStats)}
}

// Record updates the counters for one attempt outcome.
func (b *BiasTracker) Record(category types.Category, engine string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byEngine, ok := b.stats[category]
	if !ok {
		byEngine = make(map[string]*EngineStats)
		b.stats[category] = byEngine
	}
	s, ok := byEngine[engine]
	if !ok {
		s = &EngineStats{Category: category, Engine: engine}
		byEngine[engine] = s
	}

	s.Attempts++
	if success {
		s.Successes++
	}
	if s.Attempts >= maxCounterWeight {
		s.Attempts /= 2
		s.Successes /= 2
	}
}

// Rate returns the success rate for one (category, engine) pair.
func (b *BiasTracker) Rate(category types.Category, engine string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if byEngine, ok := b.stats[category]; ok {
		if s, ok := byEngine[engine]; ok {
			return s.Rate()
		}
	}
	return 0.5
}

// Snapshot returns copies of all counters for statistics reporting.
func (b *BiasTracker) Snapshot() []EngineStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []EngineStats
	for _, byEngine := range b.stats {
		for _, s := range byEngine {
			out = append(out, *s)
		}
	}
	return out
}
