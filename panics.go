package durable

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicError wraps a value recovered from user code.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Failure converts the panic into a non-retryable failure.
func (e *PanicError) Failure() *Failure {
	return &Failure{
		Kind:         FailureKindPanic,
		Message:      e.Error(),
		Details:      string(e.Stack),
		NonRetryable: true,
	}
}

// RecoverPanic converts a recovered value into a *PanicError. It must be
// called with the result of recover().
func RecoverPanic(recovered any) *PanicError {
	if recovered == nil {
		return nil
	}
	fullStack := make([]byte, 8096)
	n := runtime.Stack(fullStack, false)
	return &PanicError{Value: recovered, Stack: cleanStackTrace(fullStack[:n])}
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	// we find the index after the panic line
	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// remove the panic() call line & file reference line
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
