// Package events defines the typed events the healing core publishes and a
// non-blocking publisher. Sink unavailability or slowness must never block
// healing, so delivery is best effort: events are dropped when a sink's
// buffer is full.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event.
type EventType string

const (
	// EventFaultDetected indicates a new fault entered the ledger
	EventFaultDetected EventType = "fault_detected"
	// EventFaultUnrepairable indicates every engine for a fault's category
	// was exhausted
	EventFaultUnrepairable EventType = "fault_unrepairable"
	// EventRepairStarted indicates a repair engine attempt began
	EventRepairStarted EventType = "repair_started"
	// EventRepairCompleted indicates a repair engine attempt finished
	EventRepairCompleted EventType = "repair_completed"
	// EventHealingCycleCompleted indicates a pipeline pass reached REPORT
	EventHealingCycleCompleted EventType = "healing_cycle_completed"
	// EventHealthCritical indicates overall health dropped into CRITICAL
	// or below the autonomous-repair floor
	EventHealthCritical EventType = "health_critical"
	// EventAutorepairThrottled indicates the loop entered THROTTLED state
	EventAutorepairThrottled EventType = "autorepair_throttled"
	// EventAutorepairBlocked indicates the loop entered BLOCKED state
	EventAutorepairBlocked EventType = "autorepair_blocked"
	// EventSnapshotCreated indicates a snapshot was written and verified
	EventSnapshotCreated EventType = "snapshot_created"
	// EventRollbackPerformed indicates a snapshot was restored
	EventRollbackPerformed EventType = "rollback_performed"
	// EventSourceDegraded indicates a collaborator failed its poll
	EventSourceDegraded EventType = "source_degraded"
)

// Event is one published occurrence.
type Event struct {
	// ID is the unique identifier for this event
	ID string `json:"id"`
	// Type is the event type
	Type EventType `json:"type"`
	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
	// Source is the component or collaborator the event concerns
	Source string `json:"source,omitempty"`
	// Message is a human-readable description
	Message string `json:"message"`
	// Data contains structured, type-specific data (JSON-serializable)
	Data map[string]interface{} `json:"data,omitempty"`
}

// Sink receives published events. Implementations must not assume every
// event is delivered; the publisher drops on backpressure.
type Sink interface {
	// Deliver hands one event to the sink. It must return quickly.
	Deliver(Event)
}

// ChannelSink adapts a buffered channel into a Sink.
type ChannelSink chan Event

// Deliver sends the event if the channel has room, otherwise drops it.
func (s ChannelSink) Deliver(ev Event) {
	select {
	case s <- ev:
	default:
		// Sink full. Healing never waits on observers.
	}
}

// Publisher fans events out to registered sinks. The zero value is usable
// and publishes to nowhere.
type Publisher struct {
	sinks []Sink
}

// NewPublisher creates a publisher for the given sinks.
func NewPublisher(sinks ...Sink) *Publisher {
	return &Publisher{sinks: sinks}
}

// Publish constructs and delivers an event to every sink.
func (p *Publisher) Publish(eventType EventType, source, message string, data map[string]interface{}) {
	if p == nil || len(p.sinks) == 0 {
		return
	}
	ev := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
		Data:      data,
	}
	for _, sink := range p.sinks {
		sink.Deliver(ev)
	}
}
