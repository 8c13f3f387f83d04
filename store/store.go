// Package store persists orchestration instances and their append-only
// event history.
package store

import (
	"context"
	"sort"
	"strings"
	"time"

	durable "github.com/goliatone/go-durable"
)

// Store is the event log contract used by the orchestrator.
type Store interface {
	// Create persists a new instance with its initial events.
	Create(ctx context.Context, inst *durable.Instance, events []durable.Event) error
	// Load returns the instance snapshot.
	Load(ctx context.Context, id string) (*durable.Instance, error)
	// List returns snapshots matching filter ordered by creation time.
	List(ctx context.Context, filter Filter) ([]*durable.Instance, error)
	// Append atomically appends events and updates the snapshot when the
	// stored version equals req.ExpectedVersion.
	Append(ctx context.Context, req AppendRequest) (int64, error)
	// Read returns the ordered history of the current generation.
	Read(ctx context.Context, id string) ([]durable.Event, error)
	// ReadGeneration returns the ordered history of one generation.
	ReadGeneration(ctx context.Context, id string, generation int) ([]durable.Event, error)
}

// Filter narrows List results.
type Filter struct {
	Statuses         []durable.Status
	Name             string
	ParentInstanceID string
	Limit            int
}

// Matches reports whether inst satisfies the filter.
func (f Filter) Matches(inst *durable.Instance) bool {
	if inst == nil {
		return false
	}
	if name := strings.TrimSpace(f.Name); name != "" && inst.Name != name {
		return false
	}
	if parent := strings.TrimSpace(f.ParentInstanceID); parent != "" && inst.ParentInstanceID != parent {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, status := range f.Statuses {
		if inst.Status == status {
			return true
		}
	}
	return false
}

// NonTerminal selects every instance that still needs activations.
func NonTerminal() Filter {
	return Filter{Statuses: []durable.Status{
		durable.StatusPending,
		durable.StatusRunning,
		durable.StatusContinuedAsNew,
	}}
}

// AppendRequest is one atomic history write plus snapshot update.
type AppendRequest struct {
	InstanceID      string
	ExpectedVersion int64
	Events          []durable.Event
	// Reset starts a new generation with Events as its first records.
	Reset bool

	Status       durable.Status
	Input        []byte
	Output       []byte
	Failure      *durable.Failure
	CustomStatus []byte
	Now          time.Time
}

func (r AppendRequest) validate() error {
	if strings.TrimSpace(r.InstanceID) == "" {
		return durable.NewError(durable.ErrInvalidInput, "instance id required", nil, nil)
	}
	if !r.Status.Valid() {
		return durable.NewError(durable.ErrInvalidInput, "append status invalid", nil, map[string]any{
			"instance_id": r.InstanceID,
			"status":      string(r.Status),
		})
	}
	for _, evt := range r.Events {
		if !evt.Kind.Valid() {
			return durable.NewError(durable.ErrInvalidInput, "unknown event kind", nil, map[string]any{
				"instance_id": r.InstanceID,
				"kind":        string(evt.Kind),
			})
		}
	}
	if r.Reset && (len(r.Events) == 0 || r.Events[0].Kind != durable.EventExecutionStarted) {
		return durable.NewError(durable.ErrInvalidInput, "generation reset must start with ExecutionStarted", nil, map[string]any{
			"instance_id": r.InstanceID,
		})
	}
	return nil
}

// apply produces the next snapshot and the sequenced events for req.
func (r AppendRequest) apply(current *durable.Instance) (*durable.Instance, []durable.Event) {
	now := r.Now
	if now.IsZero() {
		now = time.Now()
	}
	next := current.Clone()
	next.Status = r.Status
	next.Output = cloneBytes(r.Output)
	next.Failure = r.Failure.Clone()
	next.CustomStatus = cloneBytes(r.CustomStatus)
	next.UpdatedAt = now.UTC()
	if r.Reset {
		next.Generation++
		next.Input = cloneBytes(r.Input)
	}

	events := durable.CloneEvents(r.Events)
	seq := current.Version
	for i := range events {
		seq++
		events[i].Sequence = seq
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now.UTC()
		}
	}
	next.Version = seq
	return next, events
}

func prepareCreate(inst *durable.Instance, events []durable.Event) (*durable.Instance, []durable.Event, error) {
	if inst == nil {
		return nil, nil, durable.NewError(durable.ErrInvalidInput, "instance required", nil, nil)
	}
	next := inst.Clone()
	next.ID = strings.TrimSpace(next.ID)
	if next.ID == "" {
		return nil, nil, durable.NewError(durable.ErrInvalidInput, "instance id required", nil, nil)
	}
	if strings.TrimSpace(next.Name) == "" {
		return nil, nil, durable.NewError(durable.ErrInvalidInput, "workflow name required", nil, map[string]any{"instance_id": next.ID})
	}
	if next.Status == "" {
		next.Status = durable.StatusPending
	}
	if next.Generation <= 0 {
		next.Generation = 1
	}
	now := time.Now().UTC()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = next.CreatedAt
	}
	out := durable.CloneEvents(events)
	for i := range out {
		out[i].Sequence = int64(i + 1)
		if out[i].Timestamp.IsZero() {
			out[i].Timestamp = next.CreatedAt
		}
	}
	next.Version = int64(len(out))
	return next, out, nil
}

func conflictError(id string, expected, actual int64) error {
	return durable.NewError(durable.ErrConcurrencyConflict, "instance version changed", nil, map[string]any{
		"instance_id":      id,
		"expected_version": expected,
		"actual_version":   actual,
	})
}

func notFoundError(id string) error {
	return durable.NewError(durable.ErrInstanceNotFound, "", nil, map[string]any{"instance_id": id})
}

func existsError(id string) error {
	return durable.NewError(durable.ErrInstanceExists, "", nil, map[string]any{"instance_id": id})
}

func sortInstances(list []*durable.Instance) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func applyLimit(list []*durable.Instance, limit int) []*durable.Instance {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	return append([]byte(nil), in...)
}
