// Package worker executes activities handed off by the scheduler and reports
// their completions.
package worker

import (
	"context"
	"sort"
	"strings"
	"sync"

	durable "github.com/goliatone/go-durable"
)

// Activity is a side-effecting unit of work. It receives the encoded input
// and returns the encoded output.
type Activity func(ctx context.Context, input []byte) ([]byte, error)

// Info describes the task an activity is running for.
type Info struct {
	InstanceID string
	TaskID     int64
	Name       string
	Attempt    int
}

type infoKey struct{}

// InfoFromContext returns the task info of the running activity.
func InfoFromContext(ctx context.Context) (Info, bool) {
	if ctx == nil {
		return Info{}, false
	}
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}

func withInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// Registry maps activity names to implementations.
type Registry struct {
	mu         sync.RWMutex
	codec      durable.Codec
	activities map[string]Activity
}

// NewRegistry creates an empty registry encoding typed activities with codec.
func NewRegistry(codec durable.Codec) *Registry {
	return &Registry{
		codec:      durable.NormalizeCodec(codec),
		activities: make(map[string]Activity),
	}
}

// Codec returns the payload codec used by typed activities.
func (r *Registry) Codec() durable.Codec {
	if r == nil {
		return durable.JSONCodec{}
	}
	return r.codec
}

// Register adds an activity by name.
func (r *Registry) Register(name string, activity Activity) error {
	if r == nil {
		return durable.NewError(durable.ErrInvalidInput, "activity registry not configured", nil, nil)
	}
	name = strings.TrimSpace(name)
	if name == "" || activity == nil {
		return durable.NewError(durable.ErrInvalidInput, "activity name and func required", nil, map[string]any{"activity": name})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[name]; exists {
		return durable.NewError(durable.ErrInvalidInput, "activity already registered", nil, map[string]any{"activity": name})
	}
	r.activities[name] = activity
	return nil
}

// Lookup retrieves an activity by name.
func (r *Registry) Lookup(name string) (Activity, error) {
	if r != nil {
		r.mu.RLock()
		act, ok := r.activities[strings.TrimSpace(name)]
		r.mu.RUnlock()
		if ok {
			return act, nil
		}
	}
	return nil, durable.NewError(durable.ErrActivityNotRegistered, "", nil, map[string]any{"activity": name})
}

// Names returns sorted activity names.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.activities))
	for name := range r.activities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a typed activity, decoding In and encoding Out with the
// registry codec.
func Register[In, Out any](r *Registry, name string, fn func(context.Context, In) (Out, error)) error {
	if fn == nil {
		return durable.NewError(durable.ErrInvalidInput, "activity func required", nil, map[string]any{"activity": name})
	}
	codec := r.Codec()
	return r.Register(name, func(ctx context.Context, input []byte) ([]byte, error) {
		var in In
		if err := codec.Unmarshal(input, &in); err != nil {
			return nil, durable.NonRetryable(durable.NewError(durable.ErrInvalidInput, "decode activity input", err, map[string]any{"activity": name}))
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return codec.Marshal(out)
	})
}

// MustRegister panics when Register fails.
func MustRegister[In, Out any](r *Registry, name string, fn func(context.Context, In) (Out, error)) {
	if err := Register(r, name, fn); err != nil {
		panic(err)
	}
}
