package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Error classes of the control engine
var (
	ErrValidation          = errors.New("validation error")
	ErrDataGap             = errors.New("market data gap")
	ErrStructuralRejection = errors.New("structural rejection")
	ErrExecutionFault      = errors.New("execution fault")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrReanchorRejected    = errors.New("re-anchor rejected")
	ErrStateCorrupted      = errors.New("persisted state corrupted")
	ErrUnsupportedSchema   = errors.New("unsupported state schema version")
)

// DataGapError reports missing or stale market data
type DataGapError struct {
	Since  time.Duration
	Reason string
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("market data gap (stale for %s): %s", e.Since, e.Reason)
}

func (e *DataGapError) Unwrap() error { return ErrDataGap }

// StructuralRejection reports a request refused by a structural rule.
// The refused operation leaves all state unchanged.
type StructuralRejection struct {
	Op     string
	Reason string
	Cause  error
}

func (e *StructuralRejection) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
}

// Unwrap exposes both the class sentinel and the specific cause
func (e *StructuralRejection) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrStructuralRejection, e.Cause}
	}
	return []error{ErrStructuralRejection}
}

// ExecutionFault is reported by the execution collaborator and never retried by the core
type ExecutionFault struct {
	Op  string
	Err error
}

func (e *ExecutionFault) Error() string {
	return fmt.Sprintf("execution fault during %s: %v", e.Op, e.Err)
}

func (e *ExecutionFault) Unwrap() []error {
	return []error{ErrExecutionFault, e.Err}
}
