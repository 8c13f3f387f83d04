package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/replay"
	"github.com/goliatone/go-durable/scheduler"
	"github.com/goliatone/go-durable/store"
	"github.com/goliatone/go-durable/timer"
	"github.com/goliatone/go-durable/worker"
)

// RuntimeOptions carries per-component options for NewRuntime.
type RuntimeOptions struct {
	Orchestrator []Option
	Dispatcher   []scheduler.Option
	Worker       []worker.Option
	Timer        []timer.Option
}

// Runtime is an in-process deployment: orchestrator, dispatcher, worker
// pool and timer manager wired together.
type Runtime struct {
	Orchestrator *Orchestrator
	Dispatcher   *scheduler.Dispatcher
	Pool         *worker.Pool
	Timers       *timer.Manager
	logger       durable.Logger
}

// NewRuntime wires the components around st.
func NewRuntime(st store.Store, workflows *replay.Registry, activities *worker.Registry, opts RuntimeOptions) *Runtime {
	o := New(st, workflows, opts.Orchestrator...)

	// a dropped completion releases its dispatch key so the next activation
	// or recovery sweep can hand the task off again
	var dispatcher *scheduler.Dispatcher
	workerOpts := append([]worker.Option{
		worker.OnCompletionDropped(func(_ context.Context, item scheduler.WorkItem, _ error) {
			dispatcher.Release(item.InstanceID, item.TaskID)
		}),
	}, opts.Worker...)
	pool := worker.NewPool(activities, o, workerOpts...)

	dispatcherOpts := append([]scheduler.Option{
		scheduler.WithChildStarter(o),
		scheduler.OnDispatchFailed(o.DispatchFailed),
		scheduler.WithLogger(o.logger),
	}, opts.Dispatcher...)
	dispatcher = scheduler.NewDispatcher(pool, dispatcherOpts...)

	timerOpts := append([]timer.Option{timer.WithLogger(o.logger)}, opts.Timer...)
	timers := timer.NewManager(o.FireTimer, timerOpts...)

	o.Attach(dispatcher, timers)
	return &Runtime{
		Orchestrator: o,
		Dispatcher:   dispatcher,
		Pool:         pool,
		Timers:       timers,
		logger:       o.logger,
	}
}

// Run starts every component and blocks until ctx is canceled or one of
// them fails.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Timers.Start(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Pool.Run(gctx) })
	g.Go(func() error { return r.Dispatcher.Run(gctx) })
	g.Go(func() error { return r.Orchestrator.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.Timers.Stop(stopCtx)
	})

	r.logger.Info("durable runtime started")
	err := g.Wait()
	r.logger.Info("durable runtime stopped")
	return err
}
