package cron

import (
	"sync"
	"time"
)

// ScheduleStatus is the lifecycle state of a scheduled job.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Terminal reports whether the job will never run again.
func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleStatusCanceled || s == ScheduleStatusStopped
}

// Handle controls one scheduled job.
type Handle interface {
	Cancel()
	Status() ScheduleStatus
	// Err is the error of the last failed run, cleared by a successful one.
	Err() error
	Runs() int
	LastRun() time.Time
	Done() <-chan struct{}
	ID() int64
	EntryID() int
}

type jobHandle struct {
	scheduler *Scheduler
	id        int64
	entryID   int
	done      chan struct{}
	once      sync.Once

	mu      sync.RWMutex
	status  ScheduleStatus
	err     error
	runs    int
	lastRun time.Time
}

func (h *jobHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeHandle(h.id)
		}
		h.finish(ScheduleStatusCanceled)
	})
}

func (h *jobHandle) Status() ScheduleStatus {
	if h == nil {
		return ScheduleStatusStopped
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *jobHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *jobHandle) Runs() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runs
}

func (h *jobHandle) LastRun() time.Time {
	if h == nil {
		return time.Time{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastRun
}

func (h *jobHandle) Done() <-chan struct{} {
	if h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

func (h *jobHandle) ID() int64 {
	if h == nil {
		return 0
	}
	return h.id
}

func (h *jobHandle) EntryID() int {
	if h == nil {
		return 0
	}
	return h.entryID
}

// begin marks a run as started. It reports false once the handle is terminal.
func (h *jobHandle) begin(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return false
	}
	h.status = ScheduleStatusRunning
	h.lastRun = now
	return true
}

// end records the outcome of a run unless the handle was closed meanwhile.
func (h *jobHandle) end(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs++
	if h.status.Terminal() {
		return
	}
	h.err = err
	if err != nil {
		h.status = ScheduleStatusFailed
		return
	}
	h.status = ScheduleStatusIdle
}

// finish moves the handle to a terminal status and closes Done once.
func (h *jobHandle) finish(status ScheduleStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.Terminal() {
		h.status = status
	}
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
