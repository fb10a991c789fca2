package app

import (
	"errors"

	"sb-go/internal/sb"
)

// Operation tracks one CLI operation for the history store.
// Operations start in memory with ID=0; a successful Start in the history
// store assigns the ID.
type Operation struct {
	ID     int64
	Kind   string
	Target string
	Status string
	Detail string
}

// NewOperation creates a new in-memory running operation.
func NewOperation(kind, target string) *Operation {
	return &Operation{
		Kind:   kind,
		Target: target,
		Status: sb.OpRunning,
	}
}

// Persisted returns true if this operation has been saved to the history store.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Complete sets the final status from err. A nil err with skipped=true is
// recorded as skipped.
func (op *Operation) Complete(err error, skipped bool, detail string) {
	switch {
	case err != nil:
		op.Status = sb.OpFailed
		op.Detail = err.Error()
	case skipped:
		op.Status = sb.OpSkipped
		op.Detail = detail
	default:
		op.Status = sb.OpSucceeded
		op.Detail = detail
	}
}

// ExitCode maps an operation error onto a process exit status. Checksum
// mismatches get their own code so scripts can tell corruption apart.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, sb.ErrChecksumMismatch):
		return 2
	case errors.Is(err, sb.ErrLocked):
		return 3
	default:
		return 1
	}
}
