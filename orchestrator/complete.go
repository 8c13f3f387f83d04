package orchestrator

import (
	"context"
	"strings"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/scheduler"
	"github.com/goliatone/go-durable/timer"
)

// Complete records the result of a scheduled activity, sub-orchestration or
// timer and queues an activation. Duplicate and stale completions are
// dropped without error.
func (o *Orchestrator) Complete(ctx context.Context, c durable.Completion) error {
	return o.complete(ctx, c, "")
}

// complete appends the result of c. A non-empty child must match the child
// instance recorded for the task.
func (o *Orchestrator) complete(ctx context.Context, c durable.Completion, child string) error {
	if strings.TrimSpace(c.InstanceID) == "" || c.TaskID <= 0 {
		return durable.NewError(durable.ErrInvalidInput, "completion requires instance and task id", nil, map[string]any{
			"instance_id": c.InstanceID,
			"task_id":     c.TaskID,
		})
	}
	logger := durable.WithLoggerFields(o.logger.WithContext(ctx), map[string]any{
		"instance_id": c.InstanceID,
		"task_id":     c.TaskID,
	})

	var appended, ack, wake bool
	unlock := o.locker.Lock(c.InstanceID)
	err := o.retryConflicts(ctx, func(ctx context.Context) error {
		appended, ack, wake = false, false, false
		inst, err := o.store.Load(ctx, c.InstanceID)
		if err != nil {
			return err
		}
		if c.Generation > 0 && c.Generation != inst.Generation {
			logger.Debug("dropping completion of generation %d, instance is at %d", c.Generation, inst.Generation)
			return nil
		}
		history, err := o.store.Read(ctx, c.InstanceID)
		if err != nil {
			return err
		}
		scheduled, resolved := findTask(history, c.TaskID)
		if scheduled == nil {
			return durable.NewError(durable.ErrInvalidInput, "completion does not match a scheduled task", nil, map[string]any{
				"instance_id": c.InstanceID,
				"task_id":     c.TaskID,
				"generation":  inst.Generation,
			})
		}
		if child != "" && scheduled.ChildInstanceID != child {
			logger.Debug("dropping result of child %s, task belongs to %s", child, scheduled.ChildInstanceID)
			return nil
		}
		ack = true
		if resolved {
			logger.Debug("duplicate completion ignored")
			return nil
		}

		now := o.now()
		if _, err := o.store.Append(ctx, keepSnapshot(inst, now, resultEvent(*scheduled, c, now))); err != nil {
			return err
		}
		appended = true
		wake = !inst.Status.IsTerminal()
		return nil
	})
	unlock()
	if err != nil {
		return err
	}

	if ack && o.dispatcher != nil {
		o.dispatcher.Ack(c.InstanceID, c.TaskID)
	}
	if appended {
		logger.Debug("completion recorded")
	}
	if wake {
		o.enqueue(c.InstanceID)
	}
	return nil
}

// FireTimer records a due timer. Timers of unknown instances are dropped.
func (o *Orchestrator) FireTimer(ctx context.Context, t timer.Timer) error {
	err := o.Complete(ctx, durable.Completion{
		InstanceID: t.InstanceID,
		TaskID:     t.TaskID,
		Generation: t.Generation,
	})
	if durable.HasCode(err, durable.CodeInstanceNotFound) {
		o.logger.Warn("timer %d fired for unknown instance %s", t.TaskID, t.InstanceID)
		return nil
	}
	return err
}

// DispatchFailed turns a dead-lettered hand-off into a failed task result.
func (o *Orchestrator) DispatchFailed(ctx context.Context, item scheduler.WorkItem, cause error) {
	failure := durable.FailureFromError(cause)
	if failure == nil {
		failure = &durable.Failure{Message: "dispatch failed"}
	}
	failure.Kind = durable.FailureKindDispatch
	if failure.Code == "" {
		failure.Code = durable.CodeDispatchFailure
	}
	err := o.Complete(ctx, durable.Completion{
		InstanceID: item.InstanceID,
		TaskID:     item.TaskID,
		Generation: item.Generation,
		Failure:    failure,
	})
	if err != nil {
		o.logger.Error("recording dispatch failure of %s task %d failed: %v", item.InstanceID, item.TaskID, err)
	}
}

// notifyParent delivers the terminal result of child to the task that
// scheduled it.
func (o *Orchestrator) notifyParent(ctx context.Context, child *durable.Instance) {
	parent := child.Parent()
	if parent == nil || !child.Status.IsTerminal() {
		return
	}
	c := durable.Completion{InstanceID: parent.InstanceID, TaskID: parent.TaskID}
	if child.Status == durable.StatusCompleted {
		c.Output = child.Output
	} else {
		c.Failure = child.Failure.Clone()
		if c.Failure == nil {
			c.Failure = &durable.Failure{Kind: durable.FailureKindApplication, Message: "sub-orchestration " + strings.ToLower(string(child.Status))}
		}
	}
	if err := o.complete(ctx, c, child.ID); err != nil {
		o.logger.Error("delivering result of %s to %s failed: %v", child.ID, parent.InstanceID, err)
	}
}

// findTask returns the scheduling event of taskID and whether a result was
// already recorded for it.
func findTask(history []durable.Event, taskID int64) (*durable.Event, bool) {
	var scheduled *durable.Event
	resolved := false
	for i := range history {
		evt := &history[i]
		if evt.TaskID != taskID {
			continue
		}
		switch {
		case evt.Kind.IsScheduling() && scheduled == nil:
			scheduled = evt
		case evt.Kind.IsResult():
			resolved = true
		}
	}
	return scheduled, resolved
}

func resultEvent(scheduled durable.Event, c durable.Completion, now time.Time) durable.Event {
	evt := durable.Event{
		TaskID:          scheduled.TaskID,
		Name:            scheduled.Name,
		Attempt:         scheduled.Attempt,
		ChildInstanceID: scheduled.ChildInstanceID,
		Timestamp:       now.UTC(),
	}
	switch scheduled.Kind {
	case durable.EventTimerCreated:
		evt.Kind = durable.EventTimerFired
		evt.FireAt = scheduled.FireAt
		return evt
	case durable.EventSubOrchestrationScheduled:
		evt.Kind = durable.EventSubOrchestrationCompleted
		if !c.Succeeded() {
			evt.Kind = durable.EventSubOrchestrationFailed
		}
	default:
		evt.Kind = durable.EventActivityCompleted
		if !c.Succeeded() {
			evt.Kind = durable.EventActivityFailed
		}
	}
	if c.Succeeded() {
		evt.Payload = c.Output
	} else {
		evt.Failure = c.Failure.Clone()
	}
	return evt
}
