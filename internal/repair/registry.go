package repair

import (
	"sort"

	"github.com/mendhq/mend/internal/types"
)

// Registry maps fault categories to their ordered engine lists. The table
// is static; the bias tracker may reorder a list by observed success rate,
// preserving the static order on ties.
type Registry struct {
	table map[types.Category][]Engine
	bias  *BiasTracker
}

// NewRegistry builds the static category table from the four engines.
func NewRegistry(graph, agent, scheduler, governance Engine, bias *BiasTracker) *Registry {
	if bias == nil {
		bias = NewBiasTracker()
	}
	return &Registry{
		table: map[types.Category][]Engine{
			types.CategoryStructural:      {graph},
			types.CategoryAgentFault:      {agent},
			types.CategoryOperational:     {scheduler},
			types.CategoryGovernanceDrift: {governance},
			// Stability threats route to governance first, then the
			// scheduler's load levers.
			types.CategoryStabilityThreat: {governance, scheduler},
		},
		bias: bias,
	}
}

// Bias returns the tracker the LEARN stage feeds.
func (r *Registry) Bias() *BiasTracker {
	return r.bias
}

// EnginesFor returns the engine order for a category, biased by observed
// success rates. An unknown category returns nil; the caller reports the
// fault UNREPAIRABLE.
func (r *Registry) EnginesFor(category types.Category) []Engine {
	static, ok := r.table[category]
	if !ok {
		return nil
	}
	ordered := append([]Engine(nil), static...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return r.bias.Rate(category, ordered[i].Name()) > r.bias.Rate(category, ordered[j].Name())
	})
	return ordered
}

// AttemptsPerEngine returns how many times each engine may try a fault of
// the category before the list moves on. Stability threats get two tries
// per engine; both engines failing twice escalates to UNREPAIRABLE.
func (r *Registry) AttemptsPerEngine(category types.Category) int {
	if category == types.CategoryStabilityThreat {
		return 2
	}
	return 1
}
