package store

import (
	"context"
	"strings"
	"sync"

	durable "github.com/goliatone/go-durable"
)

// MemoryStore keeps instances and history in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*durable.Instance
	history   map[string]map[int][]durable.Event
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*durable.Instance),
		history:   make(map[string]map[int][]durable.Event),
	}
}

func (s *MemoryStore) Create(ctx context.Context, inst *durable.Instance, events []durable.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	next, seqd, err := prepareCreate(inst, events)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[next.ID]; ok {
		return existsError(next.ID)
	}
	s.instances[next.ID] = next
	s.history[next.ID] = map[int][]durable.Event{next.Generation: seqd}
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*durable.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, notFoundError(id)
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*durable.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*durable.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		if filter.Matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	s.mu.RUnlock()
	sortInstances(out)
	return applyLimit(out, filter.Limit), nil
}

func (s *MemoryStore) Append(ctx context.Context, req AppendRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := req.validate(); err != nil {
		return 0, err
	}
	id := strings.TrimSpace(req.InstanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[id]
	if !ok {
		return 0, notFoundError(id)
	}
	if current.Version != req.ExpectedVersion {
		return 0, conflictError(id, req.ExpectedVersion, current.Version)
	}
	next, events := req.apply(current)
	gens := s.history[id]
	if gens == nil {
		gens = make(map[int][]durable.Event)
		s.history[id] = gens
	}
	gens[next.Generation] = append(gens[next.Generation], events...)
	s.instances[id] = next
	return next.Version, nil
}

func (s *MemoryStore) Read(ctx context.Context, id string) ([]durable.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, notFoundError(id)
	}
	return durable.CloneEvents(s.history[id][inst.Generation]), nil
}

func (s *MemoryStore) ReadGeneration(ctx context.Context, id string, generation int) ([]durable.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.instances[id]; !ok {
		return nil, notFoundError(id)
	}
	return durable.CloneEvents(s.history[id][generation]), nil
}
