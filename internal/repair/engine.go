// Package repair holds the remediation engines and their registry. Engines
// act only through the repair hooks collaborators expose; they never reach
// into collaborator internals.
package repair

import (
	"context"

	"github.com/mendhq/mend/internal/types"
)

// Result is the outcome of one engine attempt against one fault.
type Result struct {
	// Success indicates the engine believes the fault is remediated
	Success bool
	// Strategy is the specific tactic applied (e.g., "break_cycle")
	Strategy string
	// Detail is the engine's explanation
	Detail string
	// Reversible indicates the action can be undone by snapshot rollback
	Reversible bool
}

// Engine is a repair strategy for one or more fault categories. A returned
// error counts as a failed attempt; the registry order decides what runs
// next. Engines must never panic on missing hooks.
type Engine interface {
	// Name returns the unique engine name
	Name() string
	// Attempt tries to remediate the fault
	Attempt(ctx context.Context, fault *types.Fault, cls *types.Classification) (*Result, error)
}
