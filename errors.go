package durable

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	CodeActivityFailure       = "ACTIVITY_FAILURE"
	CodeConcurrencyConflict   = "CONCURRENCY_CONFLICT"
	CodeNonDeterminism        = "NON_DETERMINISM_DETECTED"
	CodeDispatchFailure       = "DISPATCH_FAILURE"
	CodeInstanceNotFound      = "INSTANCE_NOT_FOUND"
	CodeInstanceExists        = "INSTANCE_EXISTS"
	CodeInstanceTerminal      = "INSTANCE_TERMINAL"
	CodeInvalidInput          = "INVALID_INPUT"
	CodeWorkflowNotRegistered = "WORKFLOW_NOT_REGISTERED"
	CodeActivityNotRegistered = "ACTIVITY_NOT_REGISTERED"
)

var (
	ErrActivityFailure = apperrors.New("activity failed", apperrors.CategoryHandler).
				WithTextCode(CodeActivityFailure)
	ErrConcurrencyConflict = apperrors.New("concurrency conflict", apperrors.CategoryConflict).
				WithTextCode(CodeConcurrencyConflict)
	ErrNonDeterminism = apperrors.New("non-determinism detected", apperrors.CategoryConflict).
				WithTextCode(CodeNonDeterminism)
	ErrDispatchFailure = apperrors.New("dispatch failed", apperrors.CategoryExternal).
				WithTextCode(CodeDispatchFailure)
	ErrInstanceNotFound = apperrors.New("instance not found", apperrors.CategoryBadInput).
				WithTextCode(CodeInstanceNotFound)
	ErrInstanceExists = apperrors.New("instance already exists", apperrors.CategoryConflict).
				WithTextCode(CodeInstanceExists)
	ErrInstanceTerminal = apperrors.New("instance is terminal", apperrors.CategoryConflict).
				WithTextCode(CodeInstanceTerminal)
	ErrInvalidInput = apperrors.New("invalid input", apperrors.CategoryValidation).
			WithTextCode(CodeInvalidInput)
	ErrWorkflowNotRegistered = apperrors.New("workflow not registered", apperrors.CategoryBadInput).
					WithTextCode(CodeWorkflowNotRegistered)
	ErrActivityNotRegistered = apperrors.New("activity not registered", apperrors.CategoryBadInput).
					WithTextCode(CodeActivityNotRegistered)
)

// NewError clones base with an optional message, source, and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidInput
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of the first go-errors value in err's chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	return ErrorCode(err) == code
}

// Join combines errors using the go-errors joiner.
func Join(errs ...error) error {
	return apperrors.Join(errs...)
}
