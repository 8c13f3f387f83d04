package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/runner"
	"github.com/goliatone/go-durable/scheduler"
)

// CompletionSink receives activity results.
type CompletionSink interface {
	Complete(ctx context.Context, completion durable.Completion) error
}

// CompletionFunc adapts a function to CompletionSink.
type CompletionFunc func(ctx context.Context, completion durable.Completion) error

func (f CompletionFunc) Complete(ctx context.Context, completion durable.Completion) error {
	return f(ctx, completion)
}

// Stats counts pool activity since construction.
type Stats struct {
	Queued    int
	Running   int
	Succeeded int64
	Failed    int64
}

type queuedItem struct {
	item  scheduler.WorkItem
	epoch uint64
}

type runKey struct {
	instanceID string
	taskID     int64
}

var errInstanceCanceled = stderrors.New("instance canceled")

// Pool runs activities on a fixed number of goroutines.
type Pool struct {
	registry    *Registry
	sink        CompletionSink
	concurrency int
	timeout     time.Duration
	delivery    *runner.Handler
	onDropped   func(context.Context, scheduler.WorkItem, error)
	gate        *runner.Gate
	logger      durable.Logger
	workerID    string

	queue chan queuedItem

	mu      sync.Mutex
	running map[runKey]context.CancelCauseFunc
	queued  map[string]int
	epochs  map[string]uint64
	closed  bool

	succeeded atomic.Int64
	failed    atomic.Int64
}

// Option customizes Pool.
type Option func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithQueueSize sets the buffer size. Enqueue fails once it is full.
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queue = make(chan queuedItem, n)
		}
	}
}

// WithActivityTimeout bounds each activity run. Zero disables the timeout.
func WithActivityTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d >= 0 {
			p.timeout = d
		}
	}
}

// WithCompletionRetry configures delivery retries to the sink.
func WithCompletionRetry(maxRetries int, strategy runner.RetryStrategy) Option {
	return func(p *Pool) {
		p.delivery = runner.NewHandler(
			runner.WithName("completion delivery"),
			runner.WithMaxRetries(maxRetries),
			runner.WithRetryStrategy(strategy),
			runner.WithLogger(p.logger),
		)
	}
}

// OnCompletionDropped is called when a completion could not be delivered
// after every retry.
func OnCompletionDropped(fn func(context.Context, scheduler.WorkItem, error)) Option {
	return func(p *Pool) {
		p.onDropped = fn
	}
}

// WithLogger configures pool logging.
func WithLogger(logger durable.Logger) Option {
	return func(p *Pool) {
		p.logger = durable.NormalizeLogger(logger)
	}
}

// WithWorkerID labels log lines.
func WithWorkerID(id string) Option {
	return func(p *Pool) {
		if id != "" {
			p.workerID = id
		}
	}
}

// NewPool creates a pool running activities from registry and reporting to
// sink.
func NewPool(registry *Registry, sink CompletionSink, opts ...Option) *Pool {
	p := &Pool{
		registry:    registry,
		sink:        sink,
		concurrency: 4,
		timeout:     5 * time.Minute,
		gate:        runner.NewGate(),
		logger:      durable.NormalizeLogger(nil),
		workerID:    "worker",
		queue:       make(chan queuedItem, 256),
		running:     make(map[runKey]context.CancelCauseFunc),
		queued:      make(map[string]int),
		epochs:      make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.delivery == nil {
		p.delivery = runner.NewHandler(
			runner.WithName("completion delivery"),
			runner.WithMaxRetries(5),
			runner.WithRetryStrategy(runner.ExponentialBackoffStrategy{Base: 100 * time.Millisecond, Factor: 2, Max: 5 * time.Second}),
			runner.WithLogger(p.logger),
		)
	}
	return p
}

// SetSink replaces the completion sink. It must be called before Run.
func (p *Pool) SetSink(sink CompletionSink) {
	p.sink = sink
}

// Enqueue buffers item without blocking.
func (p *Pool) Enqueue(ctx context.Context, item scheduler.WorkItem) error {
	if item.IsSubOrchestration() {
		return durable.NewError(durable.ErrDispatchFailure, "sub-orchestrations are not run by workers", nil, map[string]any{
			"instance_id": item.InstanceID,
			"task_id":     item.TaskID,
		})
	}
	if err := ctx.Err(); err != nil {
		return durable.NewError(durable.ErrDispatchFailure, "", err, nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return durable.NewError(durable.ErrDispatchFailure, "worker pool closed", nil, nil)
	}
	select {
	case p.queue <- queuedItem{item: item, epoch: p.epochs[item.InstanceID]}:
		p.queued[item.InstanceID]++
		return nil
	default:
		return durable.NewError(durable.ErrDispatchFailure, "worker queue full", nil, map[string]any{
			"instance_id": item.InstanceID,
			"task_id":     item.TaskID,
			"capacity":    cap(p.queue),
		})
	}
}

// CancelInstance cancels running activities of instanceID and skips its
// queued items.
func (p *Pool) CancelInstance(instanceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, cancel := range p.running {
		if key.instanceID == instanceID {
			cancel(errInstanceCanceled)
		}
	}
	if p.queued[instanceID] > 0 {
		p.epochs[instanceID]++
	}
}

// Pause stops workers from taking new items.
func (p *Pool) Pause() { p.gate.Pause() }

// Resume lets paused workers continue.
func (p *Pool) Resume() { p.gate.Resume() }

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Queued:    len(p.queue),
		Running:   len(p.running),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
	}
}

// Run starts the workers and blocks until ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	if p.sink == nil {
		return durable.NewError(durable.ErrInvalidInput, "completion sink not configured", nil, nil)
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.workerID, i+1)
		g.Go(func() error {
			return p.loop(gctx, workerID)
		})
	}
	err := g.Wait()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.gate.Close(nil)
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, workerID string) error {
	logger := durable.WithLoggerFields(p.logger.WithContext(ctx), map[string]any{"worker_id": workerID})
	for {
		if err := p.gate.WaitIfPaused(ctx); err != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case queued := <-p.queue:
			if p.take(queued) {
				p.execute(ctx, logger, queued.item)
			}
		}
	}
}

// take reports whether an item should run. Items queued before the last
// CancelInstance of their instance are skipped.
func (p *Pool) take(queued queuedItem) bool {
	id := queued.item.InstanceID
	p.mu.Lock()
	defer p.mu.Unlock()
	current := p.epochs[id]
	p.queued[id]--
	if p.queued[id] <= 0 {
		delete(p.queued, id)
		delete(p.epochs, id)
	}
	return queued.epoch == current
}

func (p *Pool) execute(ctx context.Context, logger durable.Logger, item scheduler.WorkItem) {
	logger = durable.WithLoggerFields(logger, map[string]any{
		"instance_id": item.InstanceID,
		"task_id":     item.TaskID,
	})

	runCtx, cancel := context.WithCancelCause(ctx)
	key := runKey{instanceID: item.InstanceID, taskID: item.TaskID}
	p.mu.Lock()
	if _, busy := p.running[key]; busy {
		p.mu.Unlock()
		cancel(nil)
		logger.Debug("activity %s already running, skipping redelivery", item.Name)
		return
	}
	p.running[key] = cancel
	p.mu.Unlock()

	output, err := p.invoke(runCtx, item)
	cause := context.Cause(runCtx)
	p.mu.Lock()
	delete(p.running, key)
	p.mu.Unlock()
	cancel(nil)

	completion := durable.Completion{InstanceID: item.InstanceID, TaskID: item.TaskID, Generation: item.Generation}
	if err != nil {
		completion.Failure = durable.FailureFromError(err)
		if stderrors.Is(cause, errInstanceCanceled) {
			completion.Failure.Kind = durable.FailureKindCanceled
		}
		p.failed.Add(1)
		logger.Warn("activity %s attempt %d failed: %v", item.Name, item.Attempt, err)
	} else {
		completion.Output = output
		p.succeeded.Add(1)
		logger.Debug("activity %s attempt %d completed", item.Name, item.Attempt)
	}

	if ctx.Err() != nil {
		// shutting down; the activity is re-dispatched from history on restart
		return
	}
	if err := p.delivery.Run(ctx, func(ctx context.Context) error {
		return p.sink.Complete(ctx, completion)
	}); err != nil {
		logger.Error("completion for %s dropped: %v", item.Name, err)
		if p.onDropped != nil {
			p.onDropped(ctx, item, err)
		}
	}
}

func (p *Pool) invoke(ctx context.Context, item scheduler.WorkItem) (output []byte, err error) {
	activity, err := p.registry.Lookup(item.Name)
	if err != nil {
		return nil, durable.NonRetryable(err)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ctx = withInfo(ctx, Info{
		InstanceID: item.InstanceID,
		TaskID:     item.TaskID,
		Name:       item.Name,
		Attempt:    item.Attempt,
	})

	defer func() {
		if pe := durable.RecoverPanic(recover()); pe != nil {
			output = nil
			err = pe.Failure()
		}
	}()
	return activity(ctx, item.Input)
}
