package replay

import (
	"strconv"
	"strings"
	"time"

	durable "github.com/goliatone/go-durable"
)

type taskKind int

const (
	taskActivity taskKind = iota
	taskSubOrchestration
	taskTimer
	taskEvent
)

func (k taskKind) String() string {
	switch k {
	case taskActivity:
		return "activity"
	case taskSubOrchestration:
		return "sub_orchestration"
	case taskTimer:
		return "timer"
	case taskEvent:
		return "event"
	default:
		return "unknown"
	}
}

const retryTimerName = "retry"

// Task is a handle on one awaitable unit of work. For tasks with a retry
// policy the handle follows the whole attempt chain.
type Task struct {
	ctx    *Context
	kind   taskKind
	name   string
	input  []byte
	policy *durable.RetryPolicy
	fireAt time.Time

	childID string

	id           int64
	firstID      int64
	attempt      int
	retryTimerID int64

	eventOrdinal int

	inert       bool
	done        bool
	output      []byte
	failure     *durable.Failure
	resultIndex int
}

// ID returns the task ID of the current attempt. It is zero for external
// event waits and for tasks created after the activation stopped.
func (t *Task) ID() int64 {
	if t == nil {
		return 0
	}
	return t.id
}

// Name returns the activity, workflow, or event name.
func (t *Task) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Attempt returns the current attempt number, starting at 1.
func (t *Task) Attempt() int {
	if t == nil {
		return 0
	}
	return t.attempt
}

// Done reports whether the task has a result visible to the workflow.
func (t *Task) Done() bool {
	return t != nil && t.done
}

// Await blocks the workflow until the task resolves and decodes its output
// into out when out is non-nil.
func (t *Task) Await(out any) error {
	if t == nil || t.ctx == nil {
		return durable.NewError(durable.ErrInvalidInput, "task not configured", nil, nil)
	}
	c := t.ctx
	if err := c.block(func() bool {
		c.progress(t)
		return t.done
	}); err != nil {
		return err
	}
	return t.result(out)
}

func (t *Task) result(out any) error {
	if t.failure != nil {
		return t.failedError()
	}
	if out == nil || len(t.output) == 0 {
		return nil
	}
	if err := t.ctx.codec.Unmarshal(t.output, out); err != nil {
		return durable.NewError(durable.ErrInvalidInput, "decode task output", err, map[string]any{
			"task_id":   t.id,
			"task_name": t.name,
		})
	}
	return nil
}

func (t *Task) failedError() error {
	return &durable.TaskFailedError{
		TaskID:   t.id,
		Name:     t.name,
		Attempts: t.attempt,
		Failure:  t.failure.Clone(),
	}
}

func (t *Task) resolve(output []byte, failure *durable.Failure, index int) {
	t.done = true
	t.output = output
	t.failure = failure
	t.resultIndex = index
}

// command builds the scheduling command for the current attempt.
func (t *Task) command() durable.Command {
	cmd := durable.Command{
		Name:    t.name,
		Input:   t.input,
		Attempt: t.attempt,
	}
	switch t.kind {
	case taskActivity:
		cmd.Kind = durable.CommandScheduleActivity
	case taskSubOrchestration:
		cmd.Kind = durable.CommandScheduleSubOrchestration
		cmd.ChildInstanceID = t.childID
		if cmd.ChildInstanceID != "" && t.attempt > 1 {
			cmd.ChildInstanceID += "#" + strconv.Itoa(t.attempt)
		}
	case taskTimer:
		cmd.Kind = durable.CommandCreateTimer
		cmd.Input = nil
		cmd.Attempt = 0
		cmd.FireAt = t.fireAt
	}
	return cmd
}

// TaskOption customizes activity and sub-orchestration calls.
type TaskOption func(*taskOptions)

type taskOptions struct {
	retry   *durable.RetryPolicy
	childID string
}

// WithRetryPolicy retries failed attempts with durable backoff timers.
func WithRetryPolicy(policy durable.RetryPolicy) TaskOption {
	return func(o *taskOptions) {
		p := policy
		o.retry = &p
	}
}

// WithChildInstanceID fixes the instance ID of a sub-orchestration.
func WithChildInstanceID(id string) TaskOption {
	return func(o *taskOptions) {
		o.childID = strings.TrimSpace(id)
	}
}
