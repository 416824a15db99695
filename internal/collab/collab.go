// Package collab defines the contract between the healing core and the
// subsystems it monitors. Collaborators expose a pull-based metrics
// snapshot and, optionally, repair hooks the engines can invoke. The core
// never reaches into collaborator internals.
package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Conventional metric keys. Collaborators are free to expose additional
// keys; detection rules reference them by name.
const (
	// KeyErrorRate is the 0.0-1.0 failure fraction over the recent window
	KeyErrorRate = "error_rate"
	// KeyQueueDepth is the current backlog length
	KeyQueueDepth = "queue_depth"
	// KeyLatencyMs is the recent average operation latency
	KeyLatencyMs = "latency_ms"
	// KeyStability is the collaborator's 0-100 self-assessed stability
	KeyStability = "stability"
	// KeyHealth is the collaborator's 0-100 self-assessed health. When
	// absent the health engine derives a score from error_rate.
	KeyHealth = "health_score"
)

// Sample is one point-in-time metrics snapshot from a collaborator:
// a flat key to numeric map plus a flat key to boolean map.
type Sample struct {
	Values  map[string]float64 `json:"values"`
	Flags   map[string]bool    `json:"flags"`
	TakenAt time.Time          `json:"taken_at"`
}

// Clone returns a deep copy of the sample.
func (s *Sample) Clone() *Sample {
	if s == nil {
		return nil
	}
	cp := &Sample{
		Values:  make(map[string]float64, len(s.Values)),
		Flags:   make(map[string]bool, len(s.Flags)),
		TakenAt: s.TakenAt,
	}
	for k, v := range s.Values {
		cp.Values[k] = v
	}
	for k, v := range s.Flags {
		cp.Flags[k] = v
	}
	return cp
}

// Source is a monitored subsystem. Snapshot must be cheap and must never
// block indefinitely; an unreachable subsystem returns an error and is
// marked degraded for that poll.
type Source interface {
	// Name returns the unique collaborator name (e.g., "taskgraph")
	Name() string
	// Snapshot returns the current metrics snapshot
	Snapshot(ctx context.Context) (*Sample, error)
}

// Restorable is implemented by sources that can restore themselves to a
// previously captured sample. Rollback only touches sources that opt in.
type Restorable interface {
	// Restore replaces the source's observable state with the sample
	Restore(ctx context.Context, sample *Sample) error
}

// GraphHooks are the repair operations a task dependency graph exposes.
type GraphHooks interface {
	// BreakCycle removes the lowest-weight edge on the detected cycle and
	// returns a description of the removed edge
	BreakCycle(ctx context.Context) (string, error)
	// RelieveBottleneck redistributes load away from the congested node
	RelieveBottleneck(ctx context.Context) (string, error)
	// ResolveDeadlock aborts the youngest blocking unit
	ResolveDeadlock(ctx context.Context) (string, error)
}

// AgentHooks are the repair operations an agent execution loop exposes.
type AgentHooks interface {
	// RestartAgent restarts the failed agent
	RestartAgent(ctx context.Context) error
	// ResetChannel resets the agent's communication channel
	ResetChannel(ctx context.Context) error
	// FlushBacklog drops the agent's queued backlog and returns the count
	FlushBacklog(ctx context.Context) (int, error)
}

// SchedulerHooks are the repair operations a job orchestrator exposes.
type SchedulerHooks interface {
	// RetryFailed re-enqueues recently failed jobs with backoff and
	// returns how many were requeued
	RetryFailed(ctx context.Context) (int, error)
	// ThrottleProducer slows the offending producer
	ThrottleProducer(ctx context.Context) error
	// RebalanceWorkers redistributes load across workers
	RebalanceWorkers(ctx context.Context) error
}

// GovernanceHooks are the repair operations a policy controller exposes.
type GovernanceHooks interface {
	// RevertLastChange reverts the most recent policy change and returns
	// a description of what was reverted
	RevertLastChange(ctx context.Context) (string, error)
	// ClampThreshold restores a breached threshold to its last known-good
	// value and returns that value
	ClampThreshold(ctx context.Context) (float64, error)
}

// Hooks bundles whichever repair hooks the registered collaborators
// expose. Any field may be nil; engines fail gracefully without hooks.
type Hooks struct {
	Graph      GraphHooks
	Agent      AgentHooks
	Scheduler  SchedulerHooks
	Governance GovernanceHooks
}

// Registry holds the registered collaborator sources and their hooks.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	hooks   Hooks
}

// NewRegistry creates an empty collaborator registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds a collaborator source.
func (r *Registry) Register(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := src.Name()
	if name == "" {
		return fmt.Errorf("source name is required")
	}
	if _, exists := r.sources[name]; exists {
		return fmt.Errorf("source %q already registered", name)
	}
	r.sources[name] = src
	return nil
}

// SetHooks installs the repair hooks engines will use.
func (r *Registry) SetHooks(hooks Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = hooks
}

// Hooks returns the currently installed repair hooks.
func (r *Registry) Hooks() Hooks {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hooks
}

// Source returns a registered source by name.
func (r *Registry) Source(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	return src, ok
}

// Names returns the registered source names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sources returns the registered sources in stable name order.
func (r *Registry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	srcs := make([]Source, 0, len(names))
	for _, name := range names {
		srcs = append(srcs, r.sources[name])
	}
	return srcs
}
