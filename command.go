package durable

import "time"

// CommandKind names an action emitted by a replay pass.
type CommandKind string

const (
	CommandScheduleActivity         CommandKind = "ScheduleActivity"
	CommandScheduleSubOrchestration CommandKind = "ScheduleSubOrchestration"
	CommandCreateTimer              CommandKind = "CreateTimer"
	CommandCompleteExecution        CommandKind = "CompleteExecution"
	CommandFailExecution            CommandKind = "FailExecution"
	CommandContinueAsNew            CommandKind = "ContinueAsNew"
)

// Command is an ephemeral action produced by replay. It is persisted as the
// event returned by Event before any side effect happens.
type Command struct {
	Kind            CommandKind
	TaskID          int64
	Name            string
	Input           []byte
	Attempt         int
	FireAt          time.Time
	ChildInstanceID string
	Output          []byte
	Failure         *Failure
}

// EventKind returns the history event kind recording this command.
func (c Command) EventKind() EventKind {
	switch c.Kind {
	case CommandScheduleActivity:
		return EventActivityScheduled
	case CommandScheduleSubOrchestration:
		return EventSubOrchestrationScheduled
	case CommandCreateTimer:
		return EventTimerCreated
	case CommandCompleteExecution, CommandFailExecution:
		return EventExecutionCompleted
	case CommandContinueAsNew:
		return EventExecutionStarted
	default:
		return ""
	}
}

// Event converts the command into its history event.
func (c Command) Event(now time.Time) Event {
	evt := Event{
		Kind:      c.EventKind(),
		TaskID:    c.TaskID,
		Name:      c.Name,
		Attempt:   c.Attempt,
		Timestamp: now.UTC(),
	}
	switch c.Kind {
	case CommandScheduleActivity:
		evt.Payload = cloneBytes(c.Input)
	case CommandScheduleSubOrchestration:
		evt.Payload = cloneBytes(c.Input)
		evt.ChildInstanceID = c.ChildInstanceID
	case CommandCreateTimer:
		evt.FireAt = c.FireAt.UTC()
	case CommandCompleteExecution:
		evt.Payload = cloneBytes(c.Output)
	case CommandFailExecution:
		evt.Failure = c.Failure.Clone()
	case CommandContinueAsNew:
		evt.Payload = cloneBytes(c.Input)
	}
	return evt
}

// IsDispatchable reports whether the command hands work to a worker or child.
func (c Command) IsDispatchable() bool {
	return c.Kind == CommandScheduleActivity || c.Kind == CommandScheduleSubOrchestration
}

// Completion is a worker result routed back to its instance by task ID.
type Completion struct {
	InstanceID string   `json:"instance_id" msgpack:"instance_id"`
	TaskID     int64    `json:"task_id" msgpack:"task_id"`
	// Generation is the instance generation that scheduled the task. Zero
	// skips the staleness check.
	Generation int      `json:"generation,omitempty" msgpack:"generation,omitempty"`
	Output     []byte   `json:"output,omitempty" msgpack:"output,omitempty"`
	Failure    *Failure `json:"failure,omitempty" msgpack:"failure,omitempty"`
}

// Succeeded reports whether the completion carries a result.
func (c Completion) Succeeded() bool {
	return c.Failure == nil
}
