// Package orchestrator drives instances through replay activations, commits
// their decisions and routes completions, events and timers back to them.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/replay"
	"github.com/goliatone/go-durable/runner"
	"github.com/goliatone/go-durable/scheduler"
	"github.com/goliatone/go-durable/store"
	"github.com/goliatone/go-durable/timer"
)

const tracerName = "github.com/goliatone/go-durable/orchestrator"

// WorkDispatcher hands scheduled tasks to workers and child starters.
type WorkDispatcher interface {
	Dispatch(ctx context.Context, item scheduler.WorkItem) bool
	Ack(instanceID string, taskID int64)
	Cancel(instanceID string) int
}

// TimerService arms durable timers.
type TimerService interface {
	Schedule(t timer.Timer) bool
	Cancel(instanceID string) int
}

// StartRequest describes a new instance.
type StartRequest struct {
	// InstanceID defaults to a random identifier.
	InstanceID string
	Name       string
	Input      any
	// RawInput is used as the encoded input when set.
	RawInput []byte
	Parent   *durable.ParentRef
}

// Orchestrator owns the instance lifecycle.
type Orchestrator struct {
	store     store.Store
	workflows *replay.Registry
	engine    *replay.Engine
	codec     durable.Codec
	logger    durable.Logger
	now       func() time.Time
	tracer    trace.Tracer
	metrics   Metrics
	locker    *instanceLocker
	queue     *activationQueue

	dispatcher WorkDispatcher
	timers     TimerService

	workers          int
	conflictRetries  int
	conflictStrategy runner.RetryStrategy
	backoff          runner.RetryStrategy
	recoverySpec     string

	retryMu sync.Mutex
	retries map[string]int
}

// New creates an orchestrator over st running workflows from registry.
func New(st store.Store, workflows *replay.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:           st,
		workflows:       workflows,
		codec:           durable.JSONCodec{},
		logger:          durable.NormalizeLogger(nil),
		now:             func() time.Time { return time.Now().UTC() },
		tracer:          otel.Tracer(tracerName),
		metrics:         noopMetrics{},
		locker:          newInstanceLocker(),
		queue:           newActivationQueue(),
		workers:         4,
		conflictRetries: 5,
		conflictStrategy: runner.CodeStrategy{
			Codes: []string{durable.CodeConcurrencyConflict},
			Next:  runner.ExponentialBackoffStrategy{Base: 10 * time.Millisecond, Factor: 2, Max: 500 * time.Millisecond},
		},
		backoff:      runner.ExponentialBackoffStrategy{Base: 500 * time.Millisecond, Factor: 2, Max: time.Minute},
		recoverySpec: DefaultRecoverySweep,
		retries:      make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.engine = replay.NewEngine(replay.WithCodec(o.codec), replay.WithLogger(o.logger))
	return o
}

// Attach wires the dispatcher and timer service after construction, for
// components that need the orchestrator themselves.
func (o *Orchestrator) Attach(d WorkDispatcher, t TimerService) {
	o.dispatcher = d
	o.timers = t
}

// Codec returns the payload codec.
func (o *Orchestrator) Codec() durable.Codec {
	return o.codec
}

// Start creates a PENDING instance and queues its first activation.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*durable.Instance, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, durable.NewError(durable.ErrInvalidInput, "workflow name required", nil, nil)
	}
	if _, err := o.workflows.Lookup(name); err != nil {
		return nil, err
	}
	raw := req.RawInput
	if raw == nil {
		encoded, err := o.codec.Marshal(req.Input)
		if err != nil {
			return nil, durable.NewError(durable.ErrInvalidInput, "encode instance input", err, map[string]any{"workflow": name})
		}
		raw = encoded
	}
	id := strings.TrimSpace(req.InstanceID)
	if id == "" {
		id = durable.NewInstanceID()
	}
	return o.create(ctx, id, name, raw, req.Parent)
}

func (o *Orchestrator) create(ctx context.Context, id, name string, input []byte, parent *durable.ParentRef) (*durable.Instance, error) {
	now := o.now()
	inst := &durable.Instance{
		ID:        id,
		Name:      name,
		Status:    durable.StatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if parent != nil {
		inst.ParentInstanceID = parent.InstanceID
		inst.ParentTaskID = parent.TaskID
	}
	started := durable.NewExecutionStarted(name, input, parent, now)
	if err := o.store.Create(ctx, inst, []durable.Event{started}); err != nil {
		return nil, err
	}
	o.logger.Info("instance %s of %s created", id, name)
	o.enqueue(id)
	return o.store.Load(ctx, id)
}

// StartChild starts the sub-orchestration described by item. Starting an
// existing child of the same parent task succeeds; a child that already
// finished re-delivers its result.
func (o *Orchestrator) StartChild(ctx context.Context, item scheduler.WorkItem) error {
	if !item.IsSubOrchestration() {
		return durable.NewError(durable.ErrInvalidInput, "work item is not a sub-orchestration", nil, map[string]any{
			"instance_id": item.InstanceID,
			"task_id":     item.TaskID,
		})
	}
	childID := strings.TrimSpace(item.ChildInstanceID)
	if childID == "" {
		childID = durable.ChildInstanceID(item.InstanceID, item.Generation, item.TaskID)
	}
	if _, err := o.workflows.Lookup(item.Name); err != nil {
		return durable.NonRetryable(err)
	}
	parent := &durable.ParentRef{InstanceID: item.InstanceID, TaskID: item.TaskID}
	_, err := o.create(ctx, childID, item.Name, item.Input, parent)
	if err == nil {
		return nil
	}
	if !durable.HasCode(err, durable.CodeInstanceExists) {
		return err
	}

	child, err := o.store.Load(ctx, childID)
	if err != nil {
		return err
	}
	if child.ParentInstanceID != parent.InstanceID || child.ParentTaskID != parent.TaskID {
		return durable.NonRetryable(durable.NewError(durable.ErrInstanceExists, "child instance id belongs to another parent", nil, map[string]any{
			"instance_id":        childID,
			"parent_instance_id": child.ParentInstanceID,
			"parent_task_id":     child.ParentTaskID,
		}))
	}
	if child.Status.IsTerminal() {
		o.notifyParent(ctx, child)
		return nil
	}
	o.enqueue(childID)
	return nil
}

// RaiseEvent delivers an external event to a running instance.
func (o *Orchestrator) RaiseEvent(ctx context.Context, id, name string, payload any) error {
	raw, err := o.codec.Marshal(payload)
	if err != nil {
		return durable.NewError(durable.ErrInvalidInput, "encode event payload", err, map[string]any{
			"instance_id": id,
			"event":       name,
		})
	}
	return o.RaiseEventRaw(ctx, id, name, raw)
}

// RaiseEventRaw delivers an already encoded event payload.
func (o *Orchestrator) RaiseEventRaw(ctx context.Context, id, name string, payload []byte) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return durable.NewError(durable.ErrInvalidInput, "event name required", nil, map[string]any{"instance_id": id})
	}
	unlock := o.locker.Lock(id)
	defer unlock()

	err := o.retryConflicts(ctx, func(ctx context.Context) error {
		inst, err := o.store.Load(ctx, id)
		if err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			return terminalError(inst)
		}
		now := o.now()
		evt := durable.Event{Kind: durable.EventRaised, Name: name, Payload: payload, Timestamp: now}
		_, err = o.store.Append(ctx, keepSnapshot(inst, now, evt))
		return err
	})
	if err != nil {
		return err
	}
	o.logger.Debug("event %s raised on %s", name, id)
	o.enqueue(id)
	return nil
}

// Terminate stops an instance. Outstanding work is canceled and running
// children are terminated best-effort.
func (o *Orchestrator) Terminate(ctx context.Context, id, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "terminated"
	}
	failure := &durable.Failure{Kind: durable.FailureKindTerminated, Message: reason}

	var (
		final    *durable.Instance
		children []string
	)
	unlock := o.locker.Lock(id)
	err := o.retryConflicts(ctx, func(ctx context.Context) error {
		inst, err := o.store.Load(ctx, id)
		if err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			return terminalError(inst)
		}
		history, err := o.store.Read(ctx, id)
		if err != nil {
			return err
		}
		now := o.now()
		req := store.AppendRequest{
			InstanceID:      id,
			ExpectedVersion: inst.Version,
			Events:          []durable.Event{{Kind: durable.EventExecutionTerminated, Failure: failure, Timestamp: now}},
			Status:          durable.StatusTerminated,
			Failure:         failure,
			CustomStatus:    inst.CustomStatus,
			Now:             now,
		}
		if _, err := o.store.Append(ctx, req); err != nil {
			return err
		}
		final = inst.Clone()
		final.Status = durable.StatusTerminated
		final.Failure = failure.Clone()
		children = runningChildren(history)
		return nil
	})
	unlock()
	if err != nil {
		return err
	}

	o.logger.Info("instance %s terminated: %s", id, reason)
	o.cancelWork(id)
	for _, child := range children {
		if err := o.Terminate(ctx, child, "parent terminated"); err != nil &&
			!durable.HasCode(err, durable.CodeInstanceTerminal) &&
			!durable.HasCode(err, durable.CodeInstanceNotFound) {
			o.logger.Warn("terminate child %s of %s failed: %v", child, id, err)
		}
	}
	o.notifyParent(ctx, final)
	return nil
}

// History returns the event log of the current generation.
func (o *Orchestrator) History(ctx context.Context, id string) ([]durable.Event, error) {
	return o.store.Read(ctx, id)
}

// HistoryGeneration returns the event log of one generation.
func (o *Orchestrator) HistoryGeneration(ctx context.Context, id string, generation int) ([]durable.Event, error) {
	return o.store.ReadGeneration(ctx, id, generation)
}

// List returns instance snapshots matching filter.
func (o *Orchestrator) List(ctx context.Context, filter store.Filter) ([]*durable.Instance, error) {
	return o.store.List(ctx, filter)
}

// retryConflicts runs fn again from a fresh load while it fails with a
// concurrency conflict.
func (o *Orchestrator) retryConflicts(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || attempt >= o.conflictRetries {
			return err
		}
		decision := runner.DecideRetry(o.conflictStrategy, attempt, err)
		if !decision.ShouldRetry {
			return err
		}
		o.metrics.RecordConflict(ctx)
		o.logger.Debug("concurrency conflict, reloading (attempt %d): %v", attempt+1, err)
		if decision.Delay > 0 {
			t := time.NewTimer(decision.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

func (o *Orchestrator) cancelWork(id string) {
	if o.dispatcher != nil {
		o.dispatcher.Cancel(id)
	}
	if o.timers != nil {
		o.timers.Cancel(id)
	}
}

// keepSnapshot appends events without changing the instance state.
func keepSnapshot(inst *durable.Instance, now time.Time, events ...durable.Event) store.AppendRequest {
	return store.AppendRequest{
		InstanceID:      inst.ID,
		ExpectedVersion: inst.Version,
		Events:          events,
		Status:          inst.Status,
		Output:          inst.Output,
		Failure:         inst.Failure,
		CustomStatus:    inst.CustomStatus,
		Now:             now,
	}
}

func terminalError(inst *durable.Instance) error {
	return durable.NewError(durable.ErrInstanceTerminal, "", nil, map[string]any{
		"instance_id": inst.ID,
		"status":      string(inst.Status),
	})
}

func runningChildren(history []durable.Event) []string {
	resolved := make(map[int64]bool)
	for _, evt := range history {
		if evt.Kind.IsResult() {
			resolved[evt.TaskID] = true
		}
	}
	var out []string
	for _, evt := range history {
		if evt.Kind == durable.EventSubOrchestrationScheduled && !resolved[evt.TaskID] && evt.ChildInstanceID != "" {
			out = append(out, evt.ChildInstanceID)
		}
	}
	return out
}
