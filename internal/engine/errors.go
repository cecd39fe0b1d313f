package engine

import (
	"errors"
	"fmt"
	"strings"
)

const (
	StageIngest     = "ingest"
	StageConflicts  = "conflicts"
	StageSynthesize = "api"
)

// ErrValidation marks requirement text rejected before the pipeline runs.
var ErrValidation = errors.New("text is required")

// ValidateText rejects empty or whitespace-only requirement text. Callers run it
// before Run; Run itself assumes validated input.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrValidation
	}
	return nil
}

// ExecutionError wraps a failure raised inside one pipeline stage.
type ExecutionError struct {
	Stage string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// guard runs one stage, turning both returned errors and panics into *ExecutionError.
func guard[T any](stage string, fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			out, err = zero, &ExecutionError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	out, err = fn()
	if err != nil {
		var zero T
		return zero, &ExecutionError{Stage: stage, Err: err}
	}
	return out, nil
}
