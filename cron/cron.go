// Package cron runs recurring sweeps on robfig/cron schedules.
package cron

import (
	"context"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/runner"
)

// Job is a recurring unit of work.
type Job func(ctx context.Context) error

// JobConfig defines scheduling options for a job.
type JobConfig struct {
	Name       string
	Expression string
	Timeout    time.Duration
	MaxRetries int
}

// Scheduler wraps cron functionality.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger   durable.Logger
	parser   Parser
	logLevel LogLevel
	ctx      context.Context
	cancel   context.CancelFunc

	nextHandleID int64
	handles      map[int64]*jobHandle
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	cs := &Scheduler{
		location:     time.UTC,
		parser:       DefaultParser,
		logLevel:     LogLevelError,
		logger:       durable.NormalizeLogger(nil),
		errorHandler: func(error) {},
		handles:      make(map[int64]*jobHandle),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cs)
		}
	}

	cs.ctx, cs.cancel = context.WithCancel(context.Background())
	cs.cron = rcron.New(cs.build()...)
	return cs
}

// ScheduleCron schedules a recurring job by cron expression. A run that is
// still in progress when the next one is due causes that tick to be skipped.
func (s *Scheduler) ScheduleCron(cfg JobConfig, job Job) (Handle, error) {
	if cfg.Expression == "" {
		return nil, durable.NewError(durable.ErrInvalidInput, "cron expression cannot be empty", nil, nil)
	}
	if job == nil {
		return nil, durable.NewError(durable.ErrInvalidInput, "cron job required", nil, map[string]any{"job": cfg.Name})
	}
	h := runner.NewHandler(
		runner.WithName(cfg.Name),
		runner.WithTimeout(cfg.Timeout),
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithLogger(s.logger),
	)

	sub := s.newHandle()
	run := rcron.FuncJob(func() {
		if !sub.begin(time.Now().UTC()) {
			return
		}
		err := h.Run(s.ctx, job)
		sub.end(err)
		if err != nil {
			s.errorHandler(err)
		}
	})

	wrapped := rcron.NewChain(rcron.SkipIfStillRunning(s.cronLogger())).Then(run)
	entryID, err := s.cron.AddJob(cfg.Expression, wrapped)
	if err != nil {
		return nil, durable.NewError(durable.ErrInvalidInput, "failed to add cron job", err, map[string]any{
			"job":        cfg.Name,
			"expression": cfg.Expression,
		})
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

// Next returns the next activation time of handle, or zero when unknown.
func (s *Scheduler) Next(handle Handle) time.Time {
	sub, ok := handle.(*jobHandle)
	if !ok || sub == nil || sub.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(rcron.EntryID(sub.entryID)).Next
}

// RemoveHandler removes a scheduled job by entry ID.
func (s *Scheduler) RemoveHandler(entryID int) {
	if s == nil {
		return
	}

	var affected []*jobHandle
	s.mu.Lock()
	for id, handle := range s.handles {
		if handle != nil && handle.entryID == entryID {
			affected = append(affected, handle)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	s.cron.Remove(rcron.EntryID(entryID))
	for _, handle := range affected {
		handle.finish(ScheduleStatusCanceled)
	}
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop stops executing scheduled jobs, waits for running jobs up to ctx,
// and marks active handles as stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.cancel()
	stopped := s.cron.Stop()

	var handles []*jobHandle
	s.mu.Lock()
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*jobHandle)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle == nil {
			continue
		}
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		handle.finish(ScheduleStatusStopped)
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) removeHandle(id int64) {
	handle := s.removeStoredHandle(id)
	if handle == nil {
		return
	}
	if handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *jobHandle {
	if s == nil || id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[id]
	delete(s.handles, id)
	return handle
}

func (s *Scheduler) storeHandle(handle *jobHandle) {
	if s == nil || handle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles == nil {
		s.handles = make(map[int64]*jobHandle)
	}
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle() *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &jobHandle{
		scheduler: s,
		id:        s.nextHandleID,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) cronLogger() rcron.Logger {
	return &loggerAdapter{logger: s.logger, level: s.logLevel}
}

// build converts implementation-agnostic options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	opts = append(opts,
		rcron.WithChain(rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler})),
		rcron.WithLogger(s.cronLogger()),
	)
	return opts
}
