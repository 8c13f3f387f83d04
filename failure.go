package durable

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// Failure kinds recorded on events and instance snapshots.
const (
	FailureKindApplication    = "application"
	FailureKindPanic          = "panic"
	FailureKindNonDeterminism = "non_determinism"
	FailureKindDispatch       = "dispatch"
	FailureKindTimeout        = "timeout"
	FailureKindCanceled       = "canceled"
	FailureKindTerminated     = "terminated"
)

// Failure is the typed error value carried through history in place of
// native error values.
type Failure struct {
	Kind         string   `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Code         string   `json:"code,omitempty" msgpack:"code,omitempty"`
	Message      string   `json:"message" msgpack:"message"`
	Details      string   `json:"details,omitempty" msgpack:"details,omitempty"`
	NonRetryable bool     `json:"non_retryable,omitempty" msgpack:"non_retryable,omitempty"`
	Cause        *Failure `json:"cause,omitempty" msgpack:"cause,omitempty"`
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	msg := strings.TrimSpace(f.Message)
	if code := strings.TrimSpace(f.Code); code != "" {
		msg = code + ": " + msg
	}
	if f.Cause != nil {
		msg += ": " + f.Cause.Error()
	}
	return msg
}

// Clone returns a deep copy.
func (f *Failure) Clone() *Failure {
	if f == nil {
		return nil
	}
	cp := *f
	cp.Cause = f.Cause.Clone()
	return &cp
}

// Retryable reports whether a retry policy may act on this failure.
func (f *Failure) Retryable() bool {
	if f == nil {
		return false
	}
	switch f.Kind {
	case FailureKindPanic, FailureKindNonDeterminism, FailureKindCanceled, FailureKindTerminated:
		return false
	}
	return !f.NonRetryable
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err so retry policies do not schedule further attempts.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// FailureFromError converts an error returned by user code into a Failure.
func FailureFromError(err error) *Failure {
	if err == nil {
		return nil
	}
	var tf *TaskFailedError
	if stderrors.As(err, &tf) && tf != nil {
		return &Failure{
			Kind:    FailureKindApplication,
			Code:    CodeActivityFailure,
			Message: err.Error(),
			Cause:   tf.Failure.Clone(),
		}
	}
	var f *Failure
	if stderrors.As(err, &f) && f != nil {
		return f.Clone()
	}

	out := &Failure{
		Kind:    FailureKindApplication,
		Message: err.Error(),
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) && ge != nil {
		out.Code = ge.TextCode
		out.Message = ge.Message
		if ge.Source != nil {
			out.Details = ge.Source.Error()
		}
	}
	var nr *nonRetryableError
	if stderrors.As(err, &nr) {
		out.NonRetryable = true
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		out.Kind = FailureKindTimeout
	case stderrors.Is(err, context.Canceled):
		out.Kind = FailureKindCanceled
	}
	return out
}

// TaskFailedError is returned from Task.Await when an activity or
// sub-orchestration failed after exhausting its retry policy.
type TaskFailedError struct {
	TaskID   int64
	Name     string
	Attempts int
	Failure  *Failure
}

func (e *TaskFailedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("task %s (id=%d) failed after %d attempt(s): %s", e.Name, e.TaskID, e.Attempts, e.Failure.Error())
}

// Unwrap exposes the ACTIVITY_FAILURE classification.
func (e *TaskFailedError) Unwrap() error {
	if e == nil {
		return nil
	}
	var source error
	if e.Failure != nil {
		source = e.Failure
	}
	return NewError(ErrActivityFailure, "", source, map[string]any{
		"task_id":   e.TaskID,
		"task_name": e.Name,
		"attempts":  e.Attempts,
	})
}
