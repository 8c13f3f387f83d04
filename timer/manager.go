// Package timer arms durable timers in memory and fires them when due.
//
// Timers are durable through their TimerCreated events. After a restart the
// orchestrator re-arms outstanding timers from replay, so the in-memory heap
// never needs persisting.
package timer

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/cron"
)

// DefaultSweep is the cron spec driving Tick.
const DefaultSweep = "@every 1s"

// Timer identifies one armed durable timer.
type Timer struct {
	InstanceID string
	Generation int
	TaskID     int64
	FireAt     time.Time
}

type timerKey struct {
	instanceID string
	generation int
	taskID     int64
}

func (t Timer) key() timerKey {
	return timerKey{instanceID: t.InstanceID, generation: t.Generation, taskID: t.TaskID}
}

// FireFunc delivers a due timer. A returned error re-arms the timer for the
// next tick.
type FireFunc func(ctx context.Context, t Timer) error

// Manager holds armed timers ordered by fire time.
type Manager struct {
	fire   FireFunc
	now    func() time.Time
	logger durable.Logger
	spec   string

	mu    sync.Mutex
	queue timerHeap
	index map[timerKey]*entry

	runMu     sync.Mutex
	scheduler *cron.Scheduler
}

// Option customizes Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger configures manager logging.
func WithLogger(logger durable.Logger) Option {
	return func(m *Manager) {
		m.logger = durable.NormalizeLogger(logger)
	}
}

// WithSweep sets the cron spec driving Tick once started.
func WithSweep(spec string) Option {
	return func(m *Manager) {
		if spec != "" {
			m.spec = spec
		}
	}
}

// NewManager creates a manager delivering due timers to fire.
func NewManager(fire FireFunc, opts ...Option) *Manager {
	m := &Manager{
		fire:   fire,
		now:    func() time.Time { return time.Now().UTC() },
		logger: durable.NormalizeLogger(nil),
		spec:   DefaultSweep,
		index:  make(map[timerKey]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// SetFireFunc replaces the delivery callback. It must be called before Start.
func (m *Manager) SetFireFunc(fire FireFunc) {
	m.fire = fire
}

// Schedule arms t. It reports false when the same timer is already armed.
func (m *Manager) Schedule(t Timer) bool {
	if t.InstanceID == "" || t.TaskID <= 0 {
		return false
	}
	t.FireAt = t.FireAt.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	key := t.key()
	if _, exists := m.index[key]; exists {
		return false
	}
	e := &entry{timer: t}
	heap.Push(&m.queue, e)
	m.index[key] = e
	return true
}

// Cancel disarms every timer of instanceID and returns how many were dropped.
func (m *Manager) Cancel(instanceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for key, e := range m.index {
		if key.instanceID != instanceID {
			continue
		}
		heap.Remove(&m.queue, e.index)
		delete(m.index, key)
		dropped++
	}
	return dropped
}

// Pending returns armed timers ordered by fire time.
func (m *Manager) Pending() []Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Timer, 0, len(m.queue))
	for _, e := range m.queue {
		out = append(out, e.timer)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

// Next returns the earliest fire time.
func (m *Manager) Next() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return time.Time{}, false
	}
	return m.queue[0].timer.FireAt, true
}

// Tick fires every timer due at the current time and returns how many were
// delivered. Failed deliveries stay armed.
func (m *Manager) Tick(ctx context.Context) (int, error) {
	if m.fire == nil {
		return 0, durable.NewError(durable.ErrInvalidInput, "timer fire func not configured", nil, nil)
	}
	due := m.popDue(m.now().UTC())
	fired := 0
	var errs []error
	for _, t := range due {
		if err := m.fire(ctx, t); err != nil {
			durable.WithLoggerFields(m.logger.WithContext(ctx), map[string]any{
				"instance_id": t.InstanceID,
				"task_id":     t.TaskID,
			}).Warn("timer fire failed, retrying next tick: %v", err)
			m.Schedule(t)
			errs = append(errs, err)
			continue
		}
		fired++
	}
	if len(errs) > 0 {
		return fired, durable.Join(errs...)
	}
	return fired, nil
}

func (m *Manager) popDue(now time.Time) []Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Timer
	for len(m.queue) > 0 && !m.queue[0].timer.FireAt.After(now) {
		e := heap.Pop(&m.queue).(*entry)
		delete(m.index, e.timer.key())
		due = append(due, e.timer)
	}
	return due
}

// Start drives Tick from a cron schedule until Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.scheduler != nil {
		return durable.NewError(durable.ErrInvalidInput, "timer manager already started", nil, nil)
	}
	s := cron.NewScheduler(cron.WithLogger(m.logger), cron.WithErrorHandler(func(err error) {
		m.logger.Debug("timer sweep: %v", err)
	}))
	if _, err := s.ScheduleCron(cron.JobConfig{Name: "timer sweep", Expression: m.spec}, func(ctx context.Context) error {
		_, err := m.Tick(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	m.scheduler = s
	return nil
}

// Stop halts the sweep. Armed timers stay in memory.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	s := m.scheduler
	m.scheduler = nil
	m.runMu.Unlock()
	if s == nil {
		return nil
	}
	return s.Stop(ctx)
}

type entry struct {
	timer Timer
	index int
}

type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].timer.FireAt.Equal(h[j].timer.FireAt) {
		return h[i].timer.TaskID < h[j].timer.TaskID
	}
	return h[i].timer.FireAt.Before(h[j].timer.FireAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
