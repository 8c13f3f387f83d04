package orchestrator

import (
	"bytes"
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/replay"
	"github.com/goliatone/go-durable/scheduler"
	"github.com/goliatone/go-durable/store"
	"github.com/goliatone/go-durable/timer"
)

// activation is the committed outcome of one replay pass.
type activation struct {
	inst      *durable.Instance
	result    *replay.Result
	committed bool
	// generation the dispatched work belongs to
	generation int
}

// Activate runs one replay pass of instance id and commits its decisions.
// Side effects happen only after the commit succeeds.
func (o *Orchestrator) Activate(ctx context.Context, id string) error {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "durable.orchestrator.activate",
		trace.WithAttributes(attribute.String("durable.instance.id", id)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	unlock := o.locker.Lock(id)
	var act *activation
	workflow := ""
	err := o.retryConflicts(ctx, func(ctx context.Context) error {
		var err error
		act, err = o.activateOnce(ctx, id)
		if act != nil && act.inst != nil {
			workflow = act.inst.Name
		}
		return err
	})
	if act != nil && (err == nil || act.committed) {
		o.afterCommit(ctx, act)
	}
	unlock()

	status := durable.Status("")
	if act != nil && act.inst != nil {
		status = act.inst.Status
		span.SetAttributes(
			attribute.String("durable.workflow.name", act.inst.Name),
			attribute.String("durable.instance.status", string(status)),
			attribute.Int("durable.instance.generation", act.inst.Generation),
		)
		if act.result != nil {
			span.SetAttributes(attribute.Int("durable.commands", len(act.result.Commands)))
		}
	}
	o.metrics.RecordActivation(ctx, workflow, status, time.Since(started), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if act != nil && act.committed && act.inst.Status.IsTerminal() {
		o.notifyParent(ctx, act.inst)
	}
	return err
}

func (o *Orchestrator) activateOnce(ctx context.Context, id string) (*activation, error) {
	inst, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return &activation{inst: inst, generation: inst.Generation}, nil
	}
	logger := durable.WithLoggerFields(o.logger.WithContext(ctx), map[string]any{
		"instance_id": id,
		"workflow":    inst.Name,
	})

	now := o.now()
	wf, err := o.workflows.Lookup(inst.Name)
	if err != nil {
		logger.Error("workflow %s not registered, failing instance", inst.Name)
		return o.failInstance(ctx, inst, durable.FailureFromError(err), now)
	}

	history, err := o.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := o.engine.Replay(ctx, replay.Request{
		Instance: inst,
		History:  history,
		Workflow: wf,
		Now:      now,
	})
	if err != nil {
		if !durable.HasCode(err, durable.CodeNonDeterminism) {
			return nil, err
		}
		o.metrics.RecordNonDeterminism(ctx, inst.Name)
		logger.Error("non-deterministic workflow: %v", err)
		failure := durable.FailureFromError(err)
		failure.Kind = durable.FailureKindNonDeterminism
		failure.NonRetryable = true
		if _, ferr := o.failInstance(ctx, inst, failure, now); ferr != nil {
			// a conflict reloads and replays again
			return nil, ferr
		}
		return &activation{inst: failedSnapshot(inst, failure), committed: true, generation: inst.Generation}, err
	}

	act := &activation{inst: inst, result: res, generation: inst.Generation}
	if !changed(inst, res) {
		return act, nil
	}

	req := store.AppendRequest{
		InstanceID:      id,
		ExpectedVersion: inst.Version,
		Status:          res.Status,
		Output:          res.Output,
		Failure:         res.Failure,
		CustomStatus:    inst.CustomStatus,
		Now:             now,
	}
	if res.CustomStatusSet {
		req.CustomStatus = res.CustomStatus
	}
	if res.Status == durable.StatusContinuedAsNew {
		req.Reset = true
		req.Input = res.ContinueAsNewInput
		req.CustomStatus = nil
		req.Events = []durable.Event{durable.NewExecutionStarted(inst.Name, res.ContinueAsNewInput, inst.Parent(), now)}
	} else {
		req.Events = make([]durable.Event, 0, len(res.Commands)+1)
		req.Events = append(req.Events, durable.NewOrchestratorStarted(now))
		for _, cmd := range res.Commands {
			req.Events = append(req.Events, cmd.Event(now))
		}
	}
	if _, err := o.store.Append(ctx, req); err != nil {
		return nil, err
	}

	next := inst.Clone()
	next.Status = res.Status
	next.Output = req.Output
	next.Failure = req.Failure.Clone()
	next.CustomStatus = req.CustomStatus
	if req.Reset {
		next.Generation++
		next.Input = req.Input
	}
	act.inst = next
	act.committed = true
	logger.Debug("activation committed %d command(s), status %s", len(res.Commands), res.Status)
	return act, nil
}

// afterCommit dispatches new and outstanding work of the committed pass.
func (o *Orchestrator) afterCommit(ctx context.Context, act *activation) {
	inst := act.inst
	switch {
	case inst.Status == durable.StatusContinuedAsNew:
		o.cancelWork(inst.ID)
		o.enqueue(inst.ID)
		return
	case inst.Status.IsTerminal():
		if act.committed {
			o.cancelWork(inst.ID)
		}
		return
	case act.result == nil:
		return
	}

	now := o.now()
	for _, cmd := range act.result.Commands {
		o.dispatch(ctx, inst.ID, act.generation, cmd, now)
	}
	for _, cmd := range act.result.Outstanding {
		o.dispatch(ctx, inst.ID, act.generation, cmd, now)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, id string, generation int, cmd durable.Command, now time.Time) {
	switch {
	case cmd.IsDispatchable():
		if o.dispatcher != nil {
			o.dispatcher.Dispatch(ctx, scheduler.WorkItemFromCommand(id, generation, cmd, now))
		}
	case cmd.Kind == durable.CommandCreateTimer:
		if o.timers != nil {
			o.timers.Schedule(timer.Timer{
				InstanceID: id,
				Generation: generation,
				TaskID:     cmd.TaskID,
				FireAt:     cmd.FireAt,
			})
		}
	}
}

// failInstance records a terminal failure without running workflow code.
func (o *Orchestrator) failInstance(ctx context.Context, inst *durable.Instance, failure *durable.Failure, now time.Time) (*activation, error) {
	cmd := durable.Command{Kind: durable.CommandFailExecution, Failure: failure}
	_, err := o.store.Append(ctx, store.AppendRequest{
		InstanceID:      inst.ID,
		ExpectedVersion: inst.Version,
		Events:          []durable.Event{durable.NewOrchestratorStarted(now), cmd.Event(now)},
		Status:          durable.StatusFailed,
		Failure:         failure,
		CustomStatus:    inst.CustomStatus,
		Now:             now,
	})
	if err != nil {
		return nil, err
	}
	return &activation{inst: failedSnapshot(inst, failure), committed: true, generation: inst.Generation}, nil
}

func failedSnapshot(inst *durable.Instance, failure *durable.Failure) *durable.Instance {
	next := inst.Clone()
	next.Status = durable.StatusFailed
	next.Output = nil
	next.Failure = failure.Clone()
	return next
}

// changed reports whether a pass has anything to persist.
func changed(inst *durable.Instance, res *replay.Result) bool {
	if len(res.Commands) > 0 || res.Status != inst.Status {
		return true
	}
	return res.CustomStatusSet && !bytes.Equal(res.CustomStatus, inst.CustomStatus)
}
