package sb

import "time"

// Operation statuses recorded in the history store.
const (
	OpRunning   = "running"
	OpSucceeded = "succeeded"
	OpSkipped   = "skipped"
	OpFailed    = "failed"
)

// Operation is one backup, restore, verify or list invocation.
type Operation struct {
	ID         int64
	RunID      string
	Kind       string
	Target     string
	Status     string
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
}

// History records operations so past runs can be audited.
type History interface {
	// Start records a running operation and returns its id.
	Start(runID, kind, target string, startedAt time.Time) (int64, error)

	// Finish stores the final status and detail of an operation.
	Finish(id int64, status, detail string, finishedAt time.Time) error

	// Recent returns up to limit operations, newest first.
	Recent(limit int) ([]Operation, error)

	Close() error
}

// NopHistory discards everything.
type NopHistory struct{}

func (NopHistory) Start(string, string, string, time.Time) (int64, error) { return 0, nil }
func (NopHistory) Finish(int64, string, string, time.Time) error          { return nil }
func (NopHistory) Recent(int) ([]Operation, error)                        { return nil, nil }
func (NopHistory) Close() error                                           { return nil }
