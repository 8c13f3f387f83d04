package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/cron"
	"github.com/goliatone/go-durable/store"
)

// activationQueue is a FIFO of instance IDs. An ID waiting in the queue is
// not added twice.
type activationQueue struct {
	mu     sync.Mutex
	order  []string
	queued map[string]struct{}
	signal chan struct{}
}

func newActivationQueue() *activationQueue {
	return &activationQueue{
		queued: make(map[string]struct{}),
		signal: make(chan struct{}, 1),
	}
}

func (q *activationQueue) push(id string) bool {
	q.mu.Lock()
	if _, ok := q.queued[id]; ok {
		q.mu.Unlock()
		return false
	}
	q.queued[id] = struct{}{}
	q.order = append(q.order, id)
	q.mu.Unlock()
	q.notify()
	return true
}

func (q *activationQueue) pop() (string, bool) {
	q.mu.Lock()
	if len(q.order) == 0 {
		q.mu.Unlock()
		return "", false
	}
	id := q.order[0]
	q.order[0] = ""
	q.order = q.order[1:]
	delete(q.queued, id)
	more := len(q.order) > 0
	q.mu.Unlock()
	if more {
		q.notify()
	}
	return id, true
}

func (q *activationQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *activationQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) enqueue(id string) {
	o.queue.push(id)
}

// Pending returns the number of queued activations.
func (o *Orchestrator) Pending() int {
	return o.queue.len()
}

// Drain activates queued instances on the calling goroutine until the queue
// is empty. Errors of individual activations are joined.
func (o *Orchestrator) Drain(ctx context.Context) error {
	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return durable.Join(append(errs, err)...)
		}
		id, ok := o.queue.pop()
		if !ok {
			return durable.Join(errs...)
		}
		if err := o.Activate(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("activate %s: %w", id, err))
		}
	}
}

// Recover queues an activation for every non-terminal instance.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	list, err := o.store.List(ctx, store.NonTerminal())
	if err != nil {
		return 0, err
	}
	for _, inst := range list {
		o.enqueue(inst.ID)
	}
	if len(list) > 0 {
		o.logger.Debug("recovery queued %d instance(s)", len(list))
	}
	return len(list), nil
}

// Run activates queued instances on the configured number of workers and
// sweeps for unfinished instances until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.Recover(ctx); err != nil {
		o.logger.Warn("initial recovery failed: %v", err)
	}

	if o.recoverySpec != "" {
		sweep := cron.NewScheduler(cron.WithLogger(o.logger), cron.WithErrorHandler(func(err error) {
			o.logger.Warn("recovery sweep: %v", err)
		}))
		if _, err := sweep.ScheduleCron(cron.JobConfig{Name: "recovery sweep", Expression: o.recoverySpec}, func(ctx context.Context) error {
			_, err := o.Recover(ctx)
			return err
		}); err != nil {
			return err
		}
		if err := sweep.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sweep.Stop(stopCtx); err != nil {
				o.logger.Warn("stopping recovery sweep: %v", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.workers; i++ {
		g.Go(func() error {
			o.work(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) work(ctx context.Context) {
	for {
		id, ok := o.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-o.queue.signal:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		o.runActivation(ctx, id)
	}
}

// runActivation activates id and schedules a delayed retry when the failure
// is transient.
func (o *Orchestrator) runActivation(ctx context.Context, id string) {
	err := o.Activate(ctx, id)
	if err == nil || !transient(err) {
		o.retryMu.Lock()
		delete(o.retries, id)
		o.retryMu.Unlock()
		if err != nil && !durable.HasCode(err, durable.CodeNonDeterminism) {
			o.logger.Error("activation of %s failed: %v", id, err)
		}
		return
	}

	o.retryMu.Lock()
	attempt := o.retries[id]
	o.retries[id] = attempt + 1
	o.retryMu.Unlock()

	delay := o.backoff.SleepDuration(attempt, err)
	o.logger.Warn("activation of %s failed, retrying in %s: %v", id, delay, err)
	time.AfterFunc(delay, func() {
		if ctx.Err() == nil {
			o.enqueue(id)
		}
	})
}

// transient reports whether an activation error is worth retrying.
func transient(err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	switch durable.ErrorCode(err) {
	case durable.CodeNonDeterminism,
		durable.CodeInstanceNotFound,
		durable.CodeInstanceTerminal,
		durable.CodeInvalidInput,
		durable.CodeWorkflowNotRegistered:
		return false
	}
	return true
}
