package replay

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	durable "github.com/goliatone/go-durable"
)

// ErrSuspended is returned by await operations when the awaited result is
// not in history yet. The activation ends and resumes on a later event.
var ErrSuspended = stderrors.New("workflow suspended awaiting history")

type continueAsNewError struct {
	input []byte
}

func (e *continueAsNewError) Error() string { return "workflow continued as new" }

type episode struct {
	limit int
	now   time.Time
}

// Context is the deterministic view a workflow has of its instance.
//
// Workflow code must not read wall clock time, generate random values, or
// perform I/O directly. Now and NewGUID are the replay-safe replacements, and
// every side effect belongs in an activity.
type Context struct {
	ctx      context.Context
	codec    durable.Codec
	logger   durable.Logger
	instance *durable.Instance
	history  []durable.Event
	input    []byte

	episodes   []episode
	osIndexes  []int
	cursor     int
	nextTaskID int64
	guidSeq    int64

	scheduled map[int64]int
	results   map[int64]int
	raised    map[string][]int
	ordinals  map[string]int
	matched   map[int64]bool

	commands        []durable.Command
	suspended       bool
	fault           error
	customStatus    []byte
	customStatusSet bool
}

func newContext(ctx context.Context, codec durable.Codec, logger durable.Logger, inst *durable.Instance, history []durable.Event, now time.Time) *Context {
	c := &Context{
		ctx:       ctx,
		codec:     codec,
		logger:    logger,
		instance:  inst,
		history:   history,
		scheduled: make(map[int64]int),
		results:   make(map[int64]int),
		raised:    make(map[string][]int),
		ordinals:  make(map[string]int),
		matched:   make(map[int64]bool),
	}
	for idx, evt := range history {
		switch {
		case evt.Kind == durable.EventExecutionStarted && idx == 0:
			c.input = evt.Payload
		case evt.Kind == durable.EventOrchestratorStarted:
			c.osIndexes = append(c.osIndexes, idx)
			c.episodes = append(c.episodes, episode{limit: idx, now: evt.Timestamp.UTC()})
		case evt.Kind.IsScheduling():
			if _, dup := c.scheduled[evt.TaskID]; !dup {
				c.scheduled[evt.TaskID] = idx
			}
		case evt.Kind.IsResult():
			if _, dup := c.results[evt.TaskID]; !dup {
				c.results[evt.TaskID] = idx
			}
		case evt.Kind == durable.EventRaised:
			name := strings.TrimSpace(evt.Name)
			c.raised[name] = append(c.raised[name], idx)
		}
	}
	c.episodes = append(c.episodes, episode{limit: len(history), now: now.UTC()})
	return c
}

// Context returns the activation context for cancellation checks.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// InstanceID returns the ID of the running instance.
func (c *Context) InstanceID() string {
	return c.instance.ID
}

// Name returns the workflow name.
func (c *Context) Name() string {
	return c.instance.Name
}

// Generation returns the continue-as-new generation, starting at 1.
func (c *Context) Generation() int {
	return c.instance.Generation
}

// Input decodes the instance input into out.
func (c *Context) Input(out any) error {
	if out == nil || len(c.input) == 0 {
		return nil
	}
	if err := c.codec.Unmarshal(c.input, out); err != nil {
		return durable.NewError(durable.ErrInvalidInput, "decode workflow input", err, map[string]any{"instance_id": c.instance.ID})
	}
	return nil
}

// Now returns the deterministic time of the current episode.
func (c *Context) Now() time.Time {
	return c.episodes[c.cursor].now
}

// IsReplaying reports whether code is re-executing a recorded episode.
func (c *Context) IsReplaying() bool {
	return c.cursor < c.finalEpisode()
}

// NewGUID returns a replay-stable unique identifier.
func (c *Context) NewGUID() string {
	c.guidSeq++
	return durable.DeterministicGUID(c.instance.ID, c.instance.Generation, c.guidSeq)
}

// Logger returns a logger that stays silent while replaying.
func (c *Context) Logger() durable.Logger {
	return replaySafeLogger{ctx: c, logger: c.logger}
}

// SetCustomStatus records a user-defined progress value exposed by status
// queries.
func (c *Context) SetCustomStatus(v any) error {
	raw, err := c.codec.Marshal(v)
	if err != nil {
		return durable.NewError(durable.ErrInvalidInput, "encode custom status", err, map[string]any{"instance_id": c.instance.ID})
	}
	c.customStatus = raw
	c.customStatusSet = true
	return nil
}

// ContinueAsNew returns the error a workflow must return to restart with
// fresh history and the given input.
func (c *Context) ContinueAsNew(input any) error {
	raw, err := c.codec.Marshal(input)
	if err != nil {
		return durable.NewError(durable.ErrInvalidInput, "encode continue-as-new input", err, map[string]any{"instance_id": c.instance.ID})
	}
	return &continueAsNewError{input: raw}
}

// CallActivity schedules an activity and returns its handle.
func (c *Context) CallActivity(name string, input any, opts ...TaskOption) *Task {
	return c.call(taskActivity, name, input, opts)
}

// CallSubOrchestration schedules a child workflow and returns its handle.
func (c *Context) CallSubOrchestration(name string, input any, opts ...TaskOption) *Task {
	return c.call(taskSubOrchestration, name, input, opts)
}

// CreateTimer schedules a durable timer firing after d.
func (c *Context) CreateTimer(d time.Duration) *Task {
	if d < 0 {
		d = 0
	}
	return c.CreateTimerAt(c.Now().Add(d))
}

// CreateTimerAt schedules a durable timer firing at t.
func (c *Context) CreateTimerAt(at time.Time) *Task {
	t := &Task{ctx: c, kind: taskTimer, fireAt: at.UTC(), attempt: 1}
	if c.halted() {
		t.inert = true
		return t
	}
	t.id = c.schedule(t.command())
	t.firstID = t.id
	return t
}

// WaitForEvent returns a handle resolved by the next EventRaised with name.
// Events are consumed in arrival order, one per call.
func (c *Context) WaitForEvent(name string) *Task {
	name = strings.TrimSpace(name)
	t := &Task{ctx: c, kind: taskEvent, name: name, attempt: 1}
	if c.halted() {
		t.inert = true
		return t
	}
	t.eventOrdinal = c.ordinals[name]
	c.ordinals[name]++
	return t
}

// WaitAll blocks until every task resolves, then returns the first failure
// in argument order.
func (c *Context) WaitAll(tasks ...*Task) error {
	err := c.block(func() bool {
		all := true
		for _, t := range tasks {
			c.progress(t)
			if !t.done {
				all = false
			}
		}
		return all
	})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.failure != nil {
			return t.failedError()
		}
	}
	return nil
}

// WaitAny blocks until at least one task resolves and returns the one whose
// result was recorded first.
func (c *Context) WaitAny(tasks ...*Task) (*Task, error) {
	if len(tasks) == 0 {
		return nil, durable.NewError(durable.ErrInvalidInput, "wait any requires at least one task", nil, nil)
	}
	var winner *Task
	err := c.block(func() bool {
		winner = nil
		for _, t := range tasks {
			c.progress(t)
			if t.done && (winner == nil || t.resultIndex < winner.resultIndex) {
				winner = t
			}
		}
		return winner != nil
	})
	if err != nil {
		return nil, err
	}
	return winner, nil
}

func (c *Context) call(kind taskKind, name string, input any, opts []TaskOption) *Task {
	options := taskOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	t := &Task{
		ctx:     c,
		kind:    kind,
		name:    strings.TrimSpace(name),
		policy:  options.retry,
		childID: options.childID,
		attempt: 1,
	}
	if c.halted() {
		t.inert = true
		return t
	}
	if t.name == "" {
		t.resolve(nil, &durable.Failure{Kind: durable.FailureKindApplication, Code: durable.CodeInvalidInput, Message: kind.String() + " name required", NonRetryable: true}, -1)
		return t
	}
	if t.policy != nil {
		if err := t.policy.Validate(); err != nil {
			t.resolve(nil, invalidFailure(err), -1)
			return t
		}
	}
	raw, err := c.codec.Marshal(input)
	if err != nil {
		t.resolve(nil, invalidFailure(err), -1)
		return t
	}
	t.input = raw
	t.id = c.schedule(t.command())
	t.firstID = t.id
	return t
}

func invalidFailure(err error) *durable.Failure {
	f := durable.FailureFromError(err)
	f.NonRetryable = true
	return f
}

// schedule allocates the next task ID and either matches the command with
// its recorded event or buffers it as new work.
func (c *Context) schedule(cmd durable.Command) int64 {
	c.nextTaskID++
	id := c.nextTaskID
	cmd.TaskID = id
	if cmd.Kind == durable.CommandScheduleSubOrchestration && cmd.ChildInstanceID == "" {
		cmd.ChildInstanceID = durable.ChildInstanceID(c.instance.ID, c.instance.Generation, id)
	}

	if idx, ok := c.scheduled[id]; ok {
		c.matched[id] = true
		c.matchRecorded(cmd, idx)
		return id
	}
	if c.IsReplaying() {
		c.failNonDeterminism(fmt.Sprintf("%s %q (task %d) was not recorded in episode %d", cmd.Kind, cmd.Name, id, c.cursor), map[string]any{
			"task_id": id,
			"command": string(cmd.Kind),
			"name":    cmd.Name,
			"episode": c.cursor,
		})
		return id
	}
	c.commands = append(c.commands, cmd)
	return id
}

func (c *Context) matchRecorded(cmd durable.Command, idx int) {
	evt := c.history[idx]
	meta := map[string]any{
		"task_id":        cmd.TaskID,
		"command":        string(cmd.Kind),
		"name":           cmd.Name,
		"recorded_kind":  string(evt.Kind),
		"recorded_name":  evt.Name,
		"recorded_index": idx,
	}
	switch {
	case evt.Kind != cmd.EventKind():
		c.failNonDeterminism(fmt.Sprintf("task %d produced %s but history recorded %s", cmd.TaskID, cmd.EventKind(), evt.Kind), meta)
	case evt.Name != cmd.Name:
		c.failNonDeterminism(fmt.Sprintf("task %d produced name %q but history recorded %q", cmd.TaskID, cmd.Name, evt.Name), meta)
	case cmd.Kind == durable.CommandCreateTimer && !evt.FireAt.Equal(cmd.FireAt):
		c.failNonDeterminism(fmt.Sprintf("timer %d fire time drifted", cmd.TaskID), meta)
	case cmd.Kind != durable.CommandCreateTimer && fingerprint(evt.Payload) != fingerprint(cmd.Input):
		c.failNonDeterminism(fmt.Sprintf("task %d input differs from recorded input", cmd.TaskID), meta)
	case cmd.Kind == durable.CommandScheduleSubOrchestration && evt.ChildInstanceID != cmd.ChildInstanceID:
		c.failNonDeterminism(fmt.Sprintf("task %d child instance differs from recorded child", cmd.TaskID), meta)
	case evt.Attempt != cmd.Attempt:
		c.failNonDeterminism(fmt.Sprintf("task %d attempt differs from recorded attempt", cmd.TaskID), meta)
	default:
		if ep := c.episodeOf(idx); ep != c.cursor {
			meta["recorded_episode"] = ep
			meta["episode"] = c.cursor
			c.failNonDeterminism(fmt.Sprintf("task %d scheduled in episode %d but recorded in episode %d", cmd.TaskID, c.cursor, ep), meta)
		}
	}
}

// progress moves t forward as far as visible history allows, scheduling
// retry timers and follow-up attempts along the way.
func (c *Context) progress(t *Task) {
	if t == nil || t.done || t.inert {
		return
	}
	if t.kind == taskEvent {
		indexes := c.raised[t.name]
		if t.eventOrdinal < len(indexes) && c.visible(indexes[t.eventOrdinal]) {
			idx := indexes[t.eventOrdinal]
			t.resolve(c.history[idx].Payload, nil, idx)
		}
		return
	}

	for !t.done && !c.halted() {
		if t.retryTimerID != 0 {
			idx, ok := c.results[t.retryTimerID]
			if !ok || !c.visible(idx) {
				return
			}
			t.retryTimerID = 0
			t.attempt++
			t.id = c.schedule(t.command())
			continue
		}

		idx, ok := c.results[t.id]
		if !ok || !c.visible(idx) {
			return
		}
		evt := c.history[idx]
		switch evt.Kind {
		case durable.EventActivityCompleted, durable.EventSubOrchestrationCompleted, durable.EventTimerFired:
			t.resolve(evt.Payload, nil, idx)
		case durable.EventActivityFailed, durable.EventSubOrchestrationFailed:
			failure := evt.Failure
			if failure == nil {
				failure = &durable.Failure{Kind: durable.FailureKindApplication, Message: "task failed"}
			}
			if t.policy != nil && failure.Retryable() && t.policy.ShouldRetry(t.attempt) {
				t.retryTimerID = c.schedule(durable.Command{
					Kind:   durable.CommandCreateTimer,
					Name:   retryTimerName,
					FireAt: c.Now().Add(t.policy.Delay(t.attempt)),
				})
				continue
			}
			t.resolve(nil, failure, idx)
		default:
			c.failNonDeterminism(fmt.Sprintf("task %d resolved by unexpected %s", t.id, evt.Kind), map[string]any{
				"task_id": t.id,
				"kind":    string(evt.Kind),
			})
		}
	}
}

// block runs ready against growing episodes until it reports true or the
// last episode is exhausted.
func (c *Context) block(ready func() bool) error {
	for {
		if c.halted() {
			return ErrSuspended
		}
		if ready() {
			return nil
		}
		if c.halted() {
			return ErrSuspended
		}
		if c.cursor < c.finalEpisode() {
			c.cursor++
			continue
		}
		c.suspended = true
		return ErrSuspended
	}
}

func (c *Context) halted() bool {
	return c.suspended || c.fault != nil
}

func (c *Context) visible(idx int) bool {
	return idx < c.episodes[c.cursor].limit
}

func (c *Context) finalEpisode() int {
	return len(c.episodes) - 1
}

// episodeOf returns the episode that wrote the event at idx, or -1 for
// events recorded before the first activation.
func (c *Context) episodeOf(idx int) int {
	return sort.SearchInts(c.osIndexes, idx) - 1
}

func (c *Context) failNonDeterminism(message string, metadata map[string]any) {
	if c.fault != nil {
		return
	}
	metadata = durable.MergeFields(metadata, map[string]any{"instance_id": c.instance.ID})
	c.fault = durable.NewError(durable.ErrNonDeterminism, message, nil, metadata)
}

type replaySafeLogger struct {
	ctx    *Context
	logger durable.Logger
}

func (l replaySafeLogger) enabled() bool {
	return l.logger != nil && !l.ctx.IsReplaying()
}

func (l replaySafeLogger) Trace(msg string, args ...any) {
	if l.enabled() {
		l.logger.Trace(msg, args...)
	}
}

func (l replaySafeLogger) Debug(msg string, args ...any) {
	if l.enabled() {
		l.logger.Debug(msg, args...)
	}
}

func (l replaySafeLogger) Info(msg string, args ...any) {
	if l.enabled() {
		l.logger.Info(msg, args...)
	}
}

func (l replaySafeLogger) Warn(msg string, args ...any) {
	if l.enabled() {
		l.logger.Warn(msg, args...)
	}
}

func (l replaySafeLogger) Error(msg string, args ...any) {
	if l.enabled() {
		l.logger.Error(msg, args...)
	}
}

func (l replaySafeLogger) Fatal(msg string, args ...any) {
	if l.enabled() {
		l.logger.Fatal(msg, args...)
	}
}

func (l replaySafeLogger) WithContext(ctx context.Context) durable.Logger {
	if l.logger == nil {
		return l
	}
	return replaySafeLogger{ctx: l.ctx, logger: l.logger.WithContext(ctx)}
}
