// Package replay rebuilds workflow state from history and produces the next
// batch of commands.
package replay

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	durable "github.com/goliatone/go-durable"
)

// Request is the input of one replay pass.
type Request struct {
	Instance *durable.Instance
	History  []durable.Event
	Workflow Workflow
	// Now is the timestamp of the episode this activation opens.
	Now time.Time
}

// Result is the output of one replay pass.
type Result struct {
	Status durable.Status
	// Commands holds work not yet recorded, in emission order.
	Commands []durable.Command
	// Outstanding holds recorded scheduling commands with no result event.
	Outstanding []durable.Command

	Output             []byte
	Failure            *durable.Failure
	CustomStatus       []byte
	CustomStatusSet    bool
	ContinueAsNewInput []byte
	// Episodes counts recorded episodes replayed before the new one.
	Episodes int
}

// Terminal reports whether the execution ended in this pass.
func (r *Result) Terminal() bool {
	return r != nil && r.Status.IsTerminal()
}

// Engine replays workflow code over history.
type Engine struct {
	codec  durable.Codec
	logger durable.Logger
}

// Option customizes Engine.
type Option func(*Engine)

// WithCodec sets the payload codec used by workflow contexts.
func WithCodec(codec durable.Codec) Option {
	return func(e *Engine) {
		e.codec = durable.NormalizeCodec(codec)
	}
}

// WithLogger sets the logger handed to workflows through Context.Logger.
func WithLogger(logger durable.Logger) Option {
	return func(e *Engine) {
		e.logger = durable.NormalizeLogger(logger)
	}
}

// NewEngine constructs a replay engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		codec:  durable.JSONCodec{},
		logger: durable.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Codec returns the engine payload codec.
func (e *Engine) Codec() durable.Codec {
	if e == nil {
		return durable.JSONCodec{}
	}
	return e.codec
}

// Replay runs req.Workflow from the start of history. It returns a
// NON_DETERMINISM_DETECTED error when the code no longer matches history.
func (e *Engine) Replay(ctx context.Context, req Request) (*Result, error) {
	if e == nil {
		e = NewEngine()
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	c := newContext(ctx, e.codec, e.logger, req.Instance, req.History, now)
	output, runErr := runWorkflow(c, req.Workflow)
	if c.fault != nil {
		return nil, c.fault
	}

	res := &Result{
		Status:          durable.StatusRunning,
		CustomStatus:    c.customStatus,
		CustomStatusSet: c.customStatusSet,
		Episodes:        c.finalEpisode(),
	}

	var can *continueAsNewError
	var panicErr *durable.PanicError
	switch {
	case c.suspended || stderrors.Is(runErr, ErrSuspended):
		res.Status = durable.StatusRunning
	case stderrors.As(runErr, &can):
		res.Status = durable.StatusContinuedAsNew
		res.ContinueAsNewInput = can.input
		c.appendTerminal(durable.Command{Kind: durable.CommandContinueAsNew, Name: req.Instance.Name, Input: can.input})
	case stderrors.As(runErr, &panicErr):
		res.Status = durable.StatusFailed
		res.Failure = panicErr.Failure()
		c.appendTerminal(durable.Command{Kind: durable.CommandFailExecution, Failure: res.Failure})
	case runErr != nil:
		res.Status = durable.StatusFailed
		res.Failure = durable.FailureFromError(runErr)
		c.appendTerminal(durable.Command{Kind: durable.CommandFailExecution, Failure: res.Failure})
	default:
		raw, err := c.codec.Marshal(output)
		if err != nil {
			res.Status = durable.StatusFailed
			res.Failure = durable.FailureFromError(durable.NewError(durable.ErrInvalidInput, "encode workflow output", err, nil))
			c.appendTerminal(durable.Command{Kind: durable.CommandFailExecution, Failure: res.Failure})
			break
		}
		res.Status = durable.StatusCompleted
		res.Output = raw
		c.appendTerminal(durable.Command{Kind: durable.CommandCompleteExecution, Output: raw})
	}

	c.checkUnmatched()
	if c.fault != nil {
		return nil, c.fault
	}
	res.Commands = c.commands
	res.Outstanding = c.outstanding()
	return res, nil
}

func validateRequest(req Request) error {
	if req.Workflow == nil {
		return durable.NewError(durable.ErrWorkflowNotRegistered, "workflow func required", nil, nil)
	}
	if req.Instance == nil {
		return durable.NewError(durable.ErrInvalidInput, "instance required", nil, nil)
	}
	if len(req.History) == 0 || req.History[0].Kind != durable.EventExecutionStarted {
		return durable.NewError(durable.ErrInvalidInput, "history must start with ExecutionStarted", nil, map[string]any{
			"instance_id": req.Instance.ID,
		})
	}
	for _, evt := range req.History {
		if evt.Kind.IsTerminal() {
			return durable.NewError(durable.ErrInstanceTerminal, "", nil, map[string]any{
				"instance_id": req.Instance.ID,
				"kind":        string(evt.Kind),
			})
		}
	}
	return nil
}

func runWorkflow(c *Context, wf Workflow) (output any, err error) {
	defer func() {
		if pe := durable.RecoverPanic(recover()); pe != nil {
			output = nil
			err = pe
		}
	}()
	return wf(c)
}

// appendTerminal records the end of the execution. Ending while recorded
// episodes remain means the code finished earlier than it did originally.
func (c *Context) appendTerminal(cmd durable.Command) {
	if c.IsReplaying() {
		c.failNonDeterminism("execution ended before replaying recorded episodes", map[string]any{
			"command":  string(cmd.Kind),
			"episode":  c.cursor,
			"episodes": c.finalEpisode(),
		})
		return
	}
	c.commands = append(c.commands, cmd)
}

func (c *Context) checkUnmatched() {
	if c.fault != nil {
		return
	}
	ids := make([]int64, 0, len(c.scheduled))
	for id := range c.scheduled {
		if !c.matched[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	evt := c.history[c.scheduled[ids[0]]]
	c.failNonDeterminism("recorded task was not produced by workflow code", map[string]any{
		"task_id":       ids[0],
		"recorded_kind": string(evt.Kind),
		"recorded_name": evt.Name,
		"unmatched":     len(ids),
	})
}

func (c *Context) outstanding() []durable.Command {
	var out []durable.Command
	for id, idx := range c.scheduled {
		if _, resolved := c.results[id]; resolved {
			continue
		}
		evt := c.history[idx]
		cmd := durable.Command{
			TaskID:          id,
			Name:            evt.Name,
			Input:           evt.Payload,
			Attempt:         evt.Attempt,
			FireAt:          evt.FireAt,
			ChildInstanceID: evt.ChildInstanceID,
		}
		switch evt.Kind {
		case durable.EventActivityScheduled:
			cmd.Kind = durable.CommandScheduleActivity
		case durable.EventSubOrchestrationScheduled:
			cmd.Kind = durable.CommandScheduleSubOrchestration
		case durable.EventTimerCreated:
			cmd.Kind = durable.CommandCreateTimer
			cmd.Input = nil
		}
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}
