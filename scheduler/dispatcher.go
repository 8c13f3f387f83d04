package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/runner"
)

type entry struct {
	item     WorkItem
	attempts int
	nextAt   time.Time
	handed   bool
	handedAt time.Time
	inFlight bool
}

// Dispatcher tracks scheduled work until a completion acknowledges it.
type Dispatcher struct {
	queue       Queue
	children    ChildStarter
	limiter     *rate.Limiter
	limit       int
	retryDelay  time.Duration
	maxDelay    time.Duration
	maxAttempts int
	runInterval time.Duration
	lease       time.Duration
	backoff     func(attempt int, baseDelay time.Duration) time.Duration
	logger      durable.Logger
	metrics     Metrics
	now         func() time.Time

	onFailed    func(context.Context, WorkItem, error)
	outcomeHook func(context.Context, DispatchEntryResult)

	mu      sync.Mutex
	entries map[taskKey]*entry
	order   []taskKey
	kick    chan struct{}

	stateMu sync.RWMutex
	status  RuntimeStatus

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

// Option customizes dispatcher behavior.
type Option func(*Dispatcher)

// WithChildStarter routes sub-orchestration items.
func WithChildStarter(starter ChildStarter) Option {
	return func(d *Dispatcher) {
		d.children = starter
	}
}

// WithLimit sets the max entries handed off per cycle.
func WithLimit(limit int) Option {
	return func(d *Dispatcher) {
		if limit > 0 {
			d.limit = limit
		}
	}
}

// WithRetryDelay sets the base delay for failed hand-offs.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		if delay > 0 {
			d.retryDelay = delay
		}
	}
}

// WithMaxRetryDelay caps the hand-off backoff.
func WithMaxRetryDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		if delay > 0 {
			d.maxDelay = delay
		}
	}
}

// WithMaxAttempts sets the attempt threshold before dead-lettering.
func WithMaxAttempts(maxAttempts int) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
	}
}

// WithRunInterval sets background poll cadence.
func WithRunInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.runInterval = interval
		}
	}
}

// WithLeaseDuration sets how long handed-off work may stay unacknowledged
// before it is handed off again. Zero disables redelivery.
func WithLeaseDuration(lease time.Duration) Option {
	return func(d *Dispatcher) {
		if lease >= 0 {
			d.lease = lease
		}
	}
}

// WithRetryPolicy drives hand-off retries from policy: MaxAttempts bounds
// attempts and the delays follow its exponential schedule.
func WithRetryPolicy(policy durable.RetryPolicy) Option {
	return func(d *Dispatcher) {
		if err := policy.Validate(); err != nil {
			return
		}
		strategy := runner.PolicyStrategy{Policy: policy}
		d.maxAttempts = policy.MaxAttempts
		d.retryDelay = policy.FirstRetryInterval
		d.maxDelay = policy.MaxRetryInterval
		d.backoff = func(attempt int, _ time.Duration) time.Duration {
			return strategy.SleepDuration(attempt-1, nil)
		}
	}
}

// WithBackoff customizes retry schedule per attempt.
func WithBackoff(fn func(attempt int, baseDelay time.Duration) time.Duration) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.backoff = fn
		}
	}
}

// WithRateLimit bounds hand-offs per second. A zero limit disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger configures dispatcher logging.
func WithLogger(logger durable.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = durable.NormalizeLogger(logger)
	}
}

// WithMetrics configures dispatcher metrics recording hooks.
func WithMetrics(metrics Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// OnDispatchFailed receives items dead-lettered after MaxAttempts.
func OnDispatchFailed(fn func(context.Context, WorkItem, error)) Option {
	return func(d *Dispatcher) {
		d.onFailed = fn
	}
}

// WithOutcomeHook receives one callback per classified outcome.
func WithOutcomeHook(hook func(context.Context, DispatchEntryResult)) Option {
	return func(d *Dispatcher) {
		d.outcomeHook = hook
	}
}

// NewDispatcher constructs a dispatcher delivering activities to queue.
func NewDispatcher(queue Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:       queue,
		limit:       100,
		retryDelay:  5 * time.Second,
		maxDelay:    time.Minute,
		maxAttempts: 3,
		runInterval: 500 * time.Millisecond,
		lease:       5 * time.Minute,
		backoff: func(attempt int, baseDelay time.Duration) time.Duration {
			if attempt <= 1 {
				return baseDelay
			}
			return time.Duration(attempt) * baseDelay
		},
		logger:  durable.NormalizeLogger(nil),
		metrics: noopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[taskKey]*entry),
		kick:    make(chan struct{}, 1),
		status:  RuntimeStatus{State: RuntimeStateIdle},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.metrics == nil {
		d.metrics = noopMetrics{}
	}
	return d
}

// Dispatch records item for hand-off and returns immediately. It returns
// false when the same (instance, task) is already tracked.
func (d *Dispatcher) Dispatch(ctx context.Context, item WorkItem) bool {
	if d == nil || item.InstanceID == "" || item.TaskID <= 0 {
		return false
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = d.now().UTC()
	}
	key := item.key()

	now := d.now().UTC()
	d.mu.Lock()
	if e, exists := d.entries[key]; exists {
		if !d.leaseExpiredLocked(e, now) {
			d.mu.Unlock()
			return false
		}
		e.item = item
		d.rearmLocked(key, e, now)
	} else {
		d.entries[key] = &entry{item: item, nextAt: now}
		d.order = append(d.order, key)
	}
	d.mu.Unlock()

	d.signal()
	durable.WithLoggerFields(d.logger.WithContext(ctx), map[string]any{
		"instance_id": item.InstanceID,
		"task_id":     item.TaskID,
	}).Debug("dispatch queued %s %s attempt %d", item.Kind, item.Name, item.Attempt)
	return true
}

// Ack releases the dedup key once a completion for the task is recorded.
func (d *Dispatcher) Ack(instanceID string, taskID int64) {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.removeLocked(taskKey{instanceID: instanceID, taskID: taskID})
	d.mu.Unlock()
}

// Release forgets a handed-off task whose completion was lost, so the next
// Dispatch for it is accepted.
func (d *Dispatcher) Release(instanceID string, taskID int64) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := taskKey{instanceID: instanceID, taskID: taskID}
	if e := d.entries[key]; e != nil && e.handed {
		d.removeLocked(key)
	}
}

// Cancel drops every tracked item of instanceID and signals the queue.
func (d *Dispatcher) Cancel(instanceID string) int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	dropped := 0
	for key := range d.entries {
		if key.instanceID == instanceID {
			d.removeLocked(key)
			dropped++
		}
	}
	d.mu.Unlock()

	if canceler, ok := d.queue.(Canceler); ok {
		canceler.CancelInstance(instanceID)
	}
	return dropped
}

// Pending returns tracked items awaiting hand-off, in dispatch order.
func (d *Dispatcher) Pending() []WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []WorkItem
	for _, key := range d.order {
		if e := d.entries[key]; e != nil && !e.handed {
			out = append(out, e.item)
		}
	}
	return out
}

// Tracked reports whether the task is pending or handed off.
func (d *Dispatcher) Tracked(instanceID string, taskID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[taskKey{instanceID: instanceID, taskID: taskID}]
	return ok
}

// RunOnce hands off every due item and classifies outcomes.
func (d *Dispatcher) RunOnce(ctx context.Context) (DispatchReport, error) {
	report := DispatchReport{}
	if d == nil {
		return report, fmt.Errorf("dispatcher not configured")
	}
	if err := d.validate(); err != nil {
		return report, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := d.now().UTC()
	report.StartedAt = now
	due := d.claimDue(now)
	report.Claimed = len(due)
	if lag, ok := dispatchLag(due, now); ok {
		report.Lag = lag
		d.metrics.RecordDispatchLag(lag)
	}

	var cycleErr error
	for i, item := range due {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				d.release(due[i:])
				cycleErr = err
				break
			}
		}
		result := DispatchEntryResult{
			InstanceID: item.InstanceID,
			TaskID:     item.TaskID,
			Name:       item.Name,
			Kind:       item.Kind,
			Attempt:    item.Attempt,
			OccurredAt: d.now().UTC(),
		}
		logger := durable.WithLoggerFields(d.logger.WithContext(ctx), map[string]any{
			"instance_id": item.InstanceID,
			"task_id":     item.TaskID,
		})

		if err := d.handoff(ctx, item); err != nil {
			classified := d.handleFailure(ctx, item, err)
			logger.Warn("dispatch %s failed: %v", item.Name, err)
			result.Outcome = classified.Outcome
			result.RetryAt = classified.RetryAt
			result.Error = err.Error()
			report.Outcomes = append(report.Outcomes, result)
			d.emitOutcome(ctx, result)
			if cycleErr == nil {
				cycleErr = err
			}
			continue
		}

		d.markHanded(item.key())
		result.Outcome = DispatchOutcomeCompleted
		report.Processed++
		report.Outcomes = append(report.Outcomes, result)
		d.emitOutcome(ctx, result)
		d.metrics.RecordDispatchOutcome(DispatchOutcomeCompleted)
	}

	report.FinishedAt = d.now().UTC()
	d.recordCycle(report, cycleErr)
	return report, cycleErr
}

// Run polls until ctx is canceled or Stop is called. Dispatch wakes the
// loop early.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d == nil {
		return fmt.Errorf("dispatcher not configured")
	}
	if err := d.validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.runMu.Lock()
	if d.running {
		d.runMu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	d.runCancel = cancel
	d.runDone = runDone
	d.running = true
	d.runMu.Unlock()

	d.setState(RuntimeStateRunning)
	logger := d.logger.WithContext(runCtx)
	logger.Info("dispatcher started")

	defer func() {
		d.runMu.Lock()
		d.running = false
		d.runCancel = nil
		d.runDone = nil
		close(runDone)
		d.runMu.Unlock()
		d.setState(RuntimeStateStopped)
		logger.Info("dispatcher stopped")
	}()

	ticker := time.NewTicker(d.runInterval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
			logger.Warn("dispatcher cycle failed: %v", err)
		}
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// Stop requests loop termination and waits for it.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d == nil {
		return fmt.Errorf("dispatcher not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.runMu.Lock()
	cancel := d.runCancel
	done := d.runDone
	running := d.running
	d.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		d.setState(RuntimeStateStopped)
		return nil
	}

	d.setState(RuntimeStateStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a copy of the latest runtime status.
func (d *Dispatcher) Status() RuntimeStatus {
	if d == nil {
		return RuntimeStatus{State: RuntimeStateStopped}
	}
	d.stateMu.RLock()
	status := d.status
	d.stateMu.RUnlock()

	d.mu.Lock()
	for _, e := range d.entries {
		if e.handed {
			status.InFlight++
		} else {
			status.Pending++
		}
	}
	d.mu.Unlock()
	return status
}

// Health returns a derived health summary.
func (d *Dispatcher) Health() Health {
	status := d.Status()
	health := Health{Healthy: true, Status: status}
	if status.ConsecutiveFailures > 0 {
		health.Healthy = false
		health.Reason = "dispatch failures detected"
	} else if status.State == RuntimeStateStopped && !status.LastRunAt.IsZero() {
		health.Healthy = false
		health.Reason = "dispatcher stopped"
	}
	return health
}

func (d *Dispatcher) handoff(ctx context.Context, item WorkItem) error {
	var err error
	if item.IsSubOrchestration() {
		if d.children == nil {
			return durable.NewError(durable.ErrDispatchFailure, "child starter not configured", nil, nil)
		}
		err = d.children.StartChild(ctx, item)
	} else {
		err = d.queue.Enqueue(ctx, item)
	}
	if err == nil || durable.HasCode(err, durable.CodeDispatchFailure) {
		return err
	}
	return durable.NewError(durable.ErrDispatchFailure, "", err, map[string]any{
		"instance_id": item.InstanceID,
		"task_id":     item.TaskID,
	})
}

func (d *Dispatcher) handleFailure(ctx context.Context, item WorkItem, cause error) DispatchEntryResult {
	key := item.key()
	now := d.now().UTC()

	d.mu.Lock()
	e := d.entries[key]
	if e == nil {
		d.mu.Unlock()
		return DispatchEntryResult{Outcome: DispatchOutcomeDeadLettered}
	}
	e.inFlight = false
	e.attempts++
	attempts := e.attempts
	deadLetter := attempts >= d.maxAttempts
	var retryAt time.Time
	if deadLetter {
		d.removeLocked(key)
	} else {
		delay := d.backoff(attempts, d.retryDelay)
		if delay <= 0 {
			delay = d.retryDelay
		}
		if d.maxDelay > 0 && delay > d.maxDelay {
			delay = d.maxDelay
		}
		retryAt = now.Add(delay)
		e.nextAt = retryAt
	}
	d.mu.Unlock()

	if deadLetter {
		d.metrics.RecordDispatchOutcome(DispatchOutcomeDeadLettered)
		if d.onFailed != nil {
			d.onFailed(ctx, item, cause)
		}
		return DispatchEntryResult{Outcome: DispatchOutcomeDeadLettered}
	}
	d.metrics.RecordDispatchOutcome(DispatchOutcomeRetryScheduled)
	d.metrics.RecordRetryAttempt(attempts)
	return DispatchEntryResult{Outcome: DispatchOutcomeRetryScheduled, RetryAt: retryAt}
}

func (d *Dispatcher) claimDue(now time.Time) []WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reclaimLocked(now)
	var due []WorkItem
	for _, key := range d.order {
		if len(due) >= d.limit {
			break
		}
		e := d.entries[key]
		if e == nil || e.handed || e.inFlight || e.nextAt.After(now) {
			continue
		}
		e.inFlight = true
		due = append(due, e.item)
	}
	return due
}

func (d *Dispatcher) release(items []WorkItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, item := range items {
		if e := d.entries[item.key()]; e != nil {
			e.inFlight = false
		}
	}
}

func (d *Dispatcher) markHanded(key taskKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.entries[key]; e != nil {
		e.inFlight = false
		e.handed = true
		e.handedAt = d.now().UTC()
	}
	d.compactLocked()
}

func (d *Dispatcher) leaseExpiredLocked(e *entry, now time.Time) bool {
	return e.handed && d.lease > 0 && !now.Before(e.handedAt.Add(d.lease))
}

// rearmLocked moves a handed entry back to pending with a fresh attempt
// budget.
func (d *Dispatcher) rearmLocked(key taskKey, e *entry, now time.Time) {
	e.handed = false
	e.handedAt = time.Time{}
	e.attempts = 0
	e.nextAt = now
	d.order = append(d.order, key)
}

// reclaimLocked re-arms handed entries whose lease ran out without an Ack.
func (d *Dispatcher) reclaimLocked(now time.Time) {
	if d.lease <= 0 {
		return
	}
	var expired []taskKey
	for key, e := range d.entries {
		if d.leaseExpiredLocked(e, now) {
			expired = append(expired, key)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return d.entries[expired[i]].handedAt.Before(d.entries[expired[j]].handedAt)
	})
	for _, key := range expired {
		e := d.entries[key]
		d.logger.Warn("lease expired for %s task %d, handing off again", key.instanceID, key.taskID)
		d.metrics.RecordDispatchOutcome(DispatchOutcomeLeaseExpired)
		d.rearmLocked(key, e, now)
	}
}

func (d *Dispatcher) removeLocked(key taskKey) {
	if _, ok := d.entries[key]; !ok {
		return
	}
	delete(d.entries, key)
	d.compactLocked()
}

// compactLocked drops order keys that no longer wait for hand-off.
func (d *Dispatcher) compactLocked() {
	kept := d.order[:0]
	for _, key := range d.order {
		if e := d.entries[key]; e != nil && !e.handed {
			kept = append(kept, key)
		}
	}
	d.order = kept
}

func (d *Dispatcher) signal() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) emitOutcome(ctx context.Context, result DispatchEntryResult) {
	if d.outcomeHook != nil {
		d.outcomeHook(ctx, result)
	}
}

func (d *Dispatcher) recordCycle(report DispatchReport, cycleErr error) {
	now := d.now().UTC()
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	status := d.status
	status.LastRunAt = now
	status.LastClaimed = report.Claimed
	status.LastProcessed = report.Processed
	status.LastLag = report.Lag
	if cycleErr == nil {
		status.LastSuccessAt = now
		status.LastError = ""
		status.ConsecutiveFailures = 0
	} else {
		status.LastError = cycleErr.Error()
		status.ConsecutiveFailures++
	}
	if status.State == "" {
		status.State = RuntimeStateIdle
	}
	d.status = status
}

func (d *Dispatcher) setState(state RuntimeState) {
	d.stateMu.Lock()
	d.status.State = state
	d.stateMu.Unlock()
}

func (d *Dispatcher) validate() error {
	if d.queue == nil {
		return durable.NewError(durable.ErrInvalidInput, "dispatch queue not configured", nil, nil)
	}
	if d.maxAttempts <= 0 {
		return durable.NewError(durable.ErrInvalidInput, "dispatch max attempts must be > 0", nil, nil)
	}
	return nil
}

func dispatchLag(items []WorkItem, now time.Time) (time.Duration, bool) {
	var oldest time.Time
	for _, item := range items {
		if item.ScheduledAt.IsZero() {
			continue
		}
		if oldest.IsZero() || item.ScheduledAt.Before(oldest) {
			oldest = item.ScheduledAt
		}
	}
	if oldest.IsZero() {
		return 0, false
	}
	if now.Before(oldest) {
		return 0, true
	}
	return now.Sub(oldest), true
}
