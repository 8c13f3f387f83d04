package durable

import (
	"strings"
	"time"
)

// EventKind names one history event type.
type EventKind string

const (
	EventExecutionStarted          EventKind = "ExecutionStarted"
	EventOrchestratorStarted       EventKind = "OrchestratorStarted"
	EventActivityScheduled         EventKind = "ActivityScheduled"
	EventActivityCompleted         EventKind = "ActivityCompleted"
	EventActivityFailed            EventKind = "ActivityFailed"
	EventTimerCreated              EventKind = "TimerCreated"
	EventTimerFired                EventKind = "TimerFired"
	EventSubOrchestrationScheduled EventKind = "SubOrchestrationScheduled"
	EventSubOrchestrationCompleted EventKind = "SubOrchestrationCompleted"
	EventSubOrchestrationFailed    EventKind = "SubOrchestrationFailed"
	EventRaised                    EventKind = "EventRaised"
	EventExecutionCompleted        EventKind = "ExecutionCompleted"
	EventExecutionTerminated       EventKind = "ExecutionTerminated"
)

var knownEventKinds = map[EventKind]struct{}{
	EventExecutionStarted:          {},
	EventOrchestratorStarted:       {},
	EventActivityScheduled:         {},
	EventActivityCompleted:         {},
	EventActivityFailed:            {},
	EventTimerCreated:              {},
	EventTimerFired:                {},
	EventSubOrchestrationScheduled: {},
	EventSubOrchestrationCompleted: {},
	EventSubOrchestrationFailed:    {},
	EventRaised:                    {},
	EventExecutionCompleted:        {},
	EventExecutionTerminated:       {},
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	_, ok := knownEventKinds[k]
	return ok
}

// IsScheduling reports whether events of this kind open a correlated task.
func (k EventKind) IsScheduling() bool {
	switch k {
	case EventActivityScheduled, EventTimerCreated, EventSubOrchestrationScheduled:
		return true
	default:
		return false
	}
}

// IsResult reports whether events of this kind resolve a correlated task.
func (k EventKind) IsResult() bool {
	switch k {
	case EventActivityCompleted, EventActivityFailed,
		EventTimerFired,
		EventSubOrchestrationCompleted, EventSubOrchestrationFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether events of this kind end an execution.
func (k EventKind) IsTerminal() bool {
	return k == EventExecutionCompleted || k == EventExecutionTerminated
}

// Event is one immutable history record. Events of an instance are strictly
// ordered by Sequence.
type Event struct {
	Sequence  int64     `json:"sequence" msgpack:"sequence"`
	Kind      EventKind `json:"kind" msgpack:"kind"`
	TaskID    int64     `json:"task_id,omitempty" msgpack:"task_id,omitempty"`
	Name      string    `json:"name,omitempty" msgpack:"name,omitempty"`
	Payload   []byte    `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Failure   *Failure  `json:"failure,omitempty" msgpack:"failure,omitempty"`
	Attempt   int       `json:"attempt,omitempty" msgpack:"attempt,omitempty"`
	FireAt    time.Time `json:"fire_at,omitempty" msgpack:"fire_at,omitempty"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`

	// ChildInstanceID is set on sub-orchestration events.
	ChildInstanceID string `json:"child_instance_id,omitempty" msgpack:"child_instance_id,omitempty"`
	// ParentInstanceID and ParentTaskID are set on ExecutionStarted of a child.
	ParentInstanceID string `json:"parent_instance_id,omitempty" msgpack:"parent_instance_id,omitempty"`
	ParentTaskID     int64  `json:"parent_task_id,omitempty" msgpack:"parent_task_id,omitempty"`
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	cp := e
	if e.Payload != nil {
		cp.Payload = append([]byte(nil), e.Payload...)
	}
	cp.Failure = e.Failure.Clone()
	return cp
}

// CloneEvents deep-copies a history slice.
func CloneEvents(events []Event) []Event {
	if events == nil {
		return nil
	}
	out := make([]Event, len(events))
	for i := range events {
		out[i] = events[i].Clone()
	}
	return out
}

// NewExecutionStarted builds the first event of a generation.
func NewExecutionStarted(name string, input []byte, parent *ParentRef, now time.Time) Event {
	evt := Event{
		Kind:      EventExecutionStarted,
		Name:      strings.TrimSpace(name),
		Payload:   input,
		Timestamp: now.UTC(),
	}
	if parent != nil {
		evt.ParentInstanceID = parent.InstanceID
		evt.ParentTaskID = parent.TaskID
	}
	return evt
}

// NewOrchestratorStarted builds the marker that opens an activation episode.
func NewOrchestratorStarted(now time.Time) Event {
	return Event{Kind: EventOrchestratorStarted, Timestamp: now.UTC()}
}
