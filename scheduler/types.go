// Package scheduler hands scheduled activities and sub-orchestrations to
// their executors without blocking the orchestrator.
package scheduler

import (
	"context"
	"time"

	durable "github.com/goliatone/go-durable"
)

// WorkItem is the worker message for one scheduled task.
type WorkItem struct {
	InstanceID      string              `json:"instance_id" msgpack:"instance_id"`
	TaskID          int64               `json:"task_id" msgpack:"task_id"`
	Generation      int                 `json:"generation,omitempty" msgpack:"generation,omitempty"`
	Kind            durable.CommandKind `json:"kind" msgpack:"kind"`
	Name            string              `json:"name" msgpack:"name"`
	Input           []byte              `json:"input,omitempty" msgpack:"input,omitempty"`
	Attempt         int                 `json:"attempt" msgpack:"attempt"`
	ChildInstanceID string              `json:"child_instance_id,omitempty" msgpack:"child_instance_id,omitempty"`
	ScheduledAt     time.Time           `json:"scheduled_at" msgpack:"scheduled_at"`
}

// WorkItemFromCommand builds the work item for a dispatchable command.
func WorkItemFromCommand(instanceID string, generation int, cmd durable.Command, now time.Time) WorkItem {
	return WorkItem{
		InstanceID:      instanceID,
		TaskID:          cmd.TaskID,
		Generation:      generation,
		Kind:            cmd.Kind,
		Name:            cmd.Name,
		Input:           append([]byte(nil), cmd.Input...),
		Attempt:         cmd.Attempt,
		ChildInstanceID: cmd.ChildInstanceID,
		ScheduledAt:     now.UTC(),
	}
}

// IsSubOrchestration reports whether the item starts a child instance.
func (w WorkItem) IsSubOrchestration() bool {
	return w.Kind == durable.CommandScheduleSubOrchestration
}

func (w WorkItem) key() taskKey {
	return taskKey{instanceID: w.InstanceID, taskID: w.TaskID}
}

type taskKey struct {
	instanceID string
	taskID     int64
}

// Queue accepts activity work. Enqueue must not block.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem) error
}

// ChildStarter starts sub-orchestrations. Starting an existing child must
// succeed without side effects.
type ChildStarter interface {
	StartChild(ctx context.Context, item WorkItem) error
}

// Canceler is implemented by queues that can stop in-flight work.
type Canceler interface {
	CancelInstance(instanceID string)
}

// DispatchOutcome classifies one hand-off attempt.
type DispatchOutcome string

const (
	DispatchOutcomeCompleted      DispatchOutcome = "completed"
	DispatchOutcomeRetryScheduled DispatchOutcome = "retry_scheduled"
	DispatchOutcomeDeadLettered   DispatchOutcome = "dead_lettered"
	DispatchOutcomeLeaseExpired   DispatchOutcome = "lease_expired"
)

// DispatchEntryResult captures one hand-off result.
type DispatchEntryResult struct {
	InstanceID string
	TaskID     int64
	Name       string
	Kind       durable.CommandKind
	Attempt    int
	Outcome    DispatchOutcome
	RetryAt    time.Time
	Error      string
	OccurredAt time.Time
}

// DispatchReport summarizes one dispatcher cycle.
type DispatchReport struct {
	Claimed    int
	Processed  int
	Lag        time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []DispatchEntryResult
}

// RuntimeState tracks lifecycle of the background dispatch loop.
type RuntimeState string

const (
	RuntimeStateIdle     RuntimeState = "idle"
	RuntimeStateRunning  RuntimeState = "running"
	RuntimeStateStopping RuntimeState = "stopping"
	RuntimeStateStopped  RuntimeState = "stopped"
)

// RuntimeStatus captures the latest runtime state and cycle metrics.
type RuntimeStatus struct {
	State               RuntimeState
	Pending             int
	InFlight            int
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastClaimed         int
	LastProcessed       int
	LastLag             time.Duration
}

// Health reports health derived from runtime status.
type Health struct {
	Healthy bool
	Reason  string
	Status  RuntimeStatus
}

// Metrics captures observability events for dispatch behavior.
type Metrics interface {
	RecordDispatchLag(duration time.Duration)
	RecordDispatchOutcome(outcome DispatchOutcome)
	RecordRetryAttempt(attempt int)
}

type noopMetrics struct{}

func (noopMetrics) RecordDispatchLag(time.Duration)       {}
func (noopMetrics) RecordDispatchOutcome(DispatchOutcome) {}
func (noopMetrics) RecordRetryAttempt(int)                {}
