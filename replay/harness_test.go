package replay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	durable "github.com/goliatone/go-durable"
)

// historyHarness plays the orchestrator role around the engine: it commits
// each activation the way the orchestrator does and appends completions.
type historyHarness struct {
	t        *testing.T
	engine   *Engine
	instance *durable.Instance
	history  []durable.Event
	clock    time.Time
	status   durable.Status
	custom   []byte
}

func newHarness(t *testing.T, input any) *historyHarness {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return &historyHarness{
		t:        t,
		engine:   NewEngine(WithLogger(durable.NopLogger{})),
		instance: &durable.Instance{ID: "inst-1", Name: "wf", Generation: 1},
		history:  []durable.Event{durable.NewExecutionStarted("wf", raw, nil, clock)},
		clock:    clock,
		status:   durable.StatusPending,
	}
}

func (h *historyHarness) replay(wf Workflow) (*Result, error) {
	return h.engine.Replay(context.Background(), Request{
		Instance: h.instance,
		History:  durable.CloneEvents(h.history),
		Workflow: wf,
		Now:      h.clock,
	})
}

// activate replays and commits the result.
func (h *historyHarness) activate(wf Workflow) *Result {
	h.t.Helper()
	res, err := h.replay(wf)
	require.NoError(h.t, err)

	changed := len(res.Commands) > 0 || res.Status != h.status
	if res.CustomStatusSet && string(res.CustomStatus) != string(h.custom) {
		changed = true
	}
	if changed {
		now := h.clock
		if res.Status == durable.StatusContinuedAsNew {
			last := res.Commands[len(res.Commands)-1]
			h.history = []durable.Event{last.Event(now)}
			h.instance.Generation++
			h.status = durable.StatusPending
		} else {
			h.history = append(h.history, durable.NewOrchestratorStarted(now))
			for _, cmd := range res.Commands {
				h.history = append(h.history, cmd.Event(now))
			}
			h.status = res.Status
		}
		h.custom = res.CustomStatus
	}
	h.clock = h.clock.Add(time.Second)
	return res
}

func (h *historyHarness) complete(taskID int64, output any) {
	h.t.Helper()
	raw, err := json.Marshal(output)
	require.NoError(h.t, err)
	h.history = append(h.history, durable.Event{Kind: h.resultKind(taskID, true), TaskID: taskID, Payload: raw, Timestamp: h.clock})
}

func (h *historyHarness) fail(taskID int64, message string) {
	h.history = append(h.history, durable.Event{
		Kind:      h.resultKind(taskID, false),
		TaskID:    taskID,
		Failure:   &durable.Failure{Kind: durable.FailureKindApplication, Message: message},
		Timestamp: h.clock,
	})
}

func (h *historyHarness) fire(taskID int64) {
	h.history = append(h.history, durable.Event{Kind: durable.EventTimerFired, TaskID: taskID, Timestamp: h.clock})
}

func (h *historyHarness) raise(name string, payload any) {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	h.history = append(h.history, durable.Event{Kind: durable.EventRaised, Name: name, Payload: raw, Timestamp: h.clock})
}

func (h *historyHarness) resultKind(taskID int64, ok bool) durable.EventKind {
	for _, evt := range h.history {
		if evt.TaskID != taskID {
			continue
		}
		switch evt.Kind {
		case durable.EventSubOrchestrationScheduled:
			if ok {
				return durable.EventSubOrchestrationCompleted
			}
			return durable.EventSubOrchestrationFailed
		case durable.EventActivityScheduled:
			if ok {
				return durable.EventActivityCompleted
			}
			return durable.EventActivityFailed
		}
	}
	h.t.Fatalf("task %d not scheduled", taskID)
	return ""
}

func commandKinds(cmds []durable.Command) []durable.CommandKind {
	out := make([]durable.CommandKind, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, cmd.Kind)
	}
	return out
}
