package matching

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrRunInProgress is returned when another run holds the run lock.
var ErrRunInProgress = eris.New("matching: run already in progress")

// RepositoryReadError aborts a run. Err is the originating store error.
type RepositoryReadError struct {
	Op  string
	Err error
}

func (e *RepositoryReadError) Error() string {
	return fmt.Sprintf("matching: read %s: %v", e.Op, e.Err)
}

func (e *RepositoryReadError) Unwrap() error { return e.Err }

// RepositoryWriteError is a failed per-record write. It is recorded in the
// run summary and never aborts the run.
type RepositoryWriteError struct {
	Op       string
	UserID   string
	CircleID string
	Err      error
}

func (e *RepositoryWriteError) Error() string {
	return fmt.Sprintf("matching: write %s (user=%s circle=%s): %v", e.Op, e.UserID, e.CircleID, e.Err)
}

func (e *RepositoryWriteError) Unwrap() error { return e.Err }

func readErr(op string, err error) error {
	return &RepositoryReadError{Op: op, Err: err}
}
