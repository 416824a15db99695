package detect

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mendhq/mend/internal/types"
)

// Ledger is the in-memory fault record. Faults are never deleted, only
// marked resolved or unrepairable; the full history is retained for audit.
type Ledger struct {
	mu sync.RWMutex

	byID  map[string]*types.Fault
	bySig map[string]*types.Fault // latest fault per signature
	order []string                // insertion order of fault IDs
}

// NewLedger creates an empty fault ledger.
func NewLedger() *Ledger {
	return &Ledger{
		byID:  make(map[string]*types.Fault),
		bySig: make(map[string]*types.Fault),
	}
}

// signature builds the stable dedupe key for a finding.
func signature(source, faultType, metric string) string {
	return fmt.Sprintf("%s:%s:%s", source, faultType, metric)
}

// record upserts a fault for the given finding. An unresolved fault with
// the same signature is refreshed; a resolved or absent one yields a new
// fault record. Returns the fault and whether it is new.
func (l *Ledger) record(source string, f finding, now time.Time) (*types.Fault, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sig := signature(source, f.faultType, f.metric)
	if existing, ok := l.bySig[sig]; ok && !existing.Resolved {
		existing.LastSeenAt = now
		existing.Occurrences++
		existing.Value = f.value
		// Severity may escalate as the metric worsens, never de-escalate
		// within one fault's lifetime.
		if f.severity.Rank() > existing.Severity.Rank() {
			existing.Severity = f.severity
		}
		return existing.Clone(), false
	}

	fault := &types.Fault{
		ID:          uuid.New().String(),
		Signature:   sig,
		Source:      source,
		Type:        f.faultType,
		Severity:    f.severity,
		Description: f.description,
		Metric:      f.metric,
		Value:       f.value,
		DetectedAt:  now,
		LastSeenAt:  now,
		Occurrences: 1,
	}
	l.byID[fault.ID] = fault
	l.bySig[sig] = fault
	l.order = append(l.order, fault.ID)
	return fault.Clone(), true
}

// Get returns a copy of the fault with the given id.
func (l *Ledger) Get(id string) (*types.Fault, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fault, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	return fault.Clone(), true
}

// Unresolved returns copies of all unresolved, repairable faults in
// detection order.
func (l *Ledger) Unresolved() []*types.Fault {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*types.Fault
	for _, id := range l.order {
		fault := l.byID[id]
		if !fault.Resolved && !fault.Unrepairable {
			out = append(out, fault.Clone())
		}
	}
	return out
}

// All returns copies of every fault ever recorded, in detection order.
func (l *Ledger) All() []*types.Fault {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*types.Fault, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id].Clone())
	}
	return out
}

// MarkResolved sets the resolved flag on a fault.
func (l *Ledger) MarkResolved(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	fault, ok := l.byID[id]
	if !ok {
		return false
	}
	fault.Resolved = true
	return true
}

// MarkUnrepairable flags a fault whose engine list was exhausted.
func (l *Ledger) MarkUnrepairable(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	fault, ok := l.byID[id]
	if !ok {
		return false
	}
	fault.Unrepairable = true
	return true
}

// Counts returns total, unresolved and unrepairable fault counts.
func (l *Ledger) Counts() (total, unresolved, unrepairable int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total = len(l.order)
	for _, fault := range l.byID {
		if fault.Unrepairable {
			unrepairable++
		}
		if !fault.Resolved && !fault.Unrepairable {
			unresolved++
		}
	}
	return total, unresolved, unrepairable
}
