package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mendhq/mend/internal/collab"
)

// simWorld is a simulated four-subsystem workload for `mend run --demo`.
// It drifts toward trouble on its own; the repair hooks put it right.
type simWorld struct {
	mu sync.Mutex

	errorRate   float64
	queueDepth  float64
	maxNodeLoad float64
	agentErrors float64
	stability   float64

	cycleDetected bool
	deadlock      bool
	agentDown     bool
	policyDrift   bool

	rng *rand.Rand
}

func newSimWorld(seed int64) *simWorld {
	return &simWorld{
		errorRate:   0.01,
		queueDepth:  20,
		maxNodeLoad: 0.4,
		agentErrors: 0.02,
		stability:   95,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// disturb injects one random fault condition. Called on a timer by run.
func (w *simWorld) disturb() {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.rng.Intn(6) {
	case 0:
		w.errorRate = 0.10 + w.rng.Float64()*0.3
		fmt.Printf("Demo: orchestrator error rate spiked to %.2f\n", w.errorRate)
	case 1:
		w.queueDepth = 600 + w.rng.Float64()*800
		fmt.Printf("Demo: queue backlog grew to %.0f\n", w.queueDepth)
	case 2:
		w.cycleDetected = true
		fmt.Printf("Demo: dependency cycle introduced\n")
	case 3:
		w.agentDown = true
		w.agentErrors = 0.15 + w.rng.Float64()*0.2
		fmt.Printf("Demo: agent stopped responding, task failures at %.2f\n", w.agentErrors)
	case 4:
		w.policyDrift = true
		w.stability = 60
		fmt.Printf("Demo: governance policy drifted\n")
	case 5:
		w.maxNodeLoad = 0.92 + w.rng.Float64()*0.05
		fmt.Printf("Demo: graph bottleneck at load %.2f\n", w.maxNodeLoad)
	}
}

// simSource exposes one component's slice of the world.
type simSource struct {
	name   string
	world  *simWorld
	sample func(w *simWorld) *collab.Sample
}

func (s *simSource) Name() string { return s.name }

func (s *simSource) Snapshot(ctx context.Context) (*collab.Sample, error) {
	s.world.mu.Lock()
	defer s.world.mu.Unlock()
	return s.sample(s.world), nil
}

// Restore accepts rollback state; the demo world applies the numeric
// metrics it owns and ignores the rest.
func (s *simSource) Restore(ctx context.Context, sample *collab.Sample) error {
	s.world.mu.Lock()
	defer s.world.mu.Unlock()
	if v, ok := sample.Values[collab.KeyErrorRate]; ok {
		switch s.name {
		case "orchestrator":
			s.world.errorRate = v
		case "agentpool":
			s.world.agentErrors = v
		}
	}
	if v, ok := sample.Values[collab.KeyStability]; ok && s.name == "governor" {
		s.world.stability = v
	}
	return nil
}

// demoRegistry builds the registry of simulated collaborators and hooks.
func demoRegistry(seed int64) (*collab.Registry, *simWorld, error) {
	world := newSimWorld(seed)
	registry := collab.NewRegistry()

	sources := []*simSource{
		{name: "orchestrator", world: world, sample: func(w *simWorld) *collab.Sample {
			return &collab.Sample{
				Values: map[string]float64{
					collab.KeyErrorRate:  w.errorRate,
					collab.KeyQueueDepth: w.queueDepth,
					collab.KeyLatencyMs:  200 + w.errorRate*2000,
				},
				TakenAt: time.Now(),
			}
		}},
		{name: "taskgraph", world: world, sample: func(w *simWorld) *collab.Sample {
			return &collab.Sample{
				Values: map[string]float64{"max_node_load": w.maxNodeLoad},
				Flags: map[string]bool{
					"cycle_detected": w.cycleDetected,
					"deadlock":       w.deadlock,
				},
				TakenAt: time.Now(),
			}
		}},
		{name: "agentpool", world: world, sample: func(w *simWorld) *collab.Sample {
			return &collab.Sample{
				Values: map[string]float64{collab.KeyErrorRate: w.agentErrors},
				Flags:  map[string]bool{"agent_unresponsive": w.agentDown},
				TakenAt: time.Now(),
			}
		}},
		{name: "governor", world: world, sample: func(w *simWorld) *collab.Sample {
			return &collab.Sample{
				Values: map[string]float64{collab.KeyStability: w.stability},
				Flags:  map[string]bool{"policy_drift": w.policyDrift},
				TakenAt: time.Now(),
			}
		}},
	}
	for _, src := range sources {
		if err := registry.Register(src); err != nil {
			return nil, nil, err
		}
	}

	registry.SetHooks(collab.Hooks{
		Graph:      &simGraphHooks{world: world},
		Agent:      &simAgentHooks{world: world},
		Scheduler:  &simSchedulerHooks{world: world},
		Governance: &simGovernanceHooks{world: world},
	})
	return registry, world, nil
}

type simGraphHooks struct{ world *simWorld }

func (h *simGraphHooks) BreakCycle(ctx context.Context) (string, error) {
	h.world.mu.Lock()
	defer h.world.mu.Unlock()
	h.world.cycleDetected = false
	return "removed edge task-41 -> task-17", nil
}

func (h *simGraphHooks) RelieveBottleneck(ctx context.Context) (string, error) {
	h.world.mu.Lock()
	defer h.world.mu.Unlock()
	h.world.maxNodeLoad = 0.5
	return "rebalanced load off hot node", nil
}

func (h *simGraphHooks) ResolveDeadlock(ctx context.Context) (string, error) {
	h.world.mu.Lock()
	defer h.world.mu.Unlock()
	h.world.deadlock = false
	return "aborted youngest waiter", nil
}

type simAgentHooks struct{ world *simWorld }

func (h *simAgentHooks) RestartAgent(ctx context.Context) error {
	h.world.mu.Lock()
	defer h.world.mu.Unlock()
	h.world.agentDown = false
	h.world.agentErrors = 0.02
	return nil
}

func (h *simAgentHooks) ResetChannel(ctx context.Context) error { return nil }

func (h *simAgentHooks) FlushBacklog(ctx context.Context) (int, error) {
	h.world.mu.Lock()
	defer h.world.mu.Unlock()
	flushed := int(h.world.queueDepth)
	h.world.queueDepth = 10
	return flushed, nil
}

type simSchedulerHooks struct{ world *simWorld }

func (h *simSchedulerHooks) RetryFailed(ctx context.Context) (int, error) {
	h.world.mu.Lock()
	defer h.world.mu.Unlock()
	h.world.errorRate = 0.01
	return 12, nil
}

func (h *simSchedulerHooks) ThrottleProducer(ctx context.Context) error {
	h.world.mu.Lock()
	defer h.world.mu.Unlock()
	h.world.queueDepth = 40
	return nil
}

func (h *simSchedulerHooks) RebalanceWorkers(ctx context.Context) error {
	h.world.mu.Lock()
	defer h.world.mu.Unlock()
	h.world.maxNodeLoad = 0.5
	return nil
}

type simGovernanceHooks struct{ world *simWorld }

func (h *simGovernanceHooks) RevertLastChange(ctx context.Context) (string, error) {
	h.world.mu.Lock()
	defer h.world.mu.Unlock()
	h.world.policyDrift = false
	h.world.stability = 95
	return "reverted threshold change #243", nil
}

func (h *simGovernanceHooks) ClampThreshold(ctx context.Context) (float64, error) {
	h.world.mu.Lock()
	defer h.world.mu.Unlock()
	h.world.stability = 90
	return 0.85, nil
}
