package engine

import (
	"errors"
	"fmt"

	"github.com/davidmoltin/bizflow/internal/models"
)

var (
	// ErrNotFound is returned when a workflow or execution does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when an operation is not allowed in the current status
	ErrInvalidState = errors.New("invalid state")
	// ErrCapacityExceeded is returned when a workflow has too many active executions
	ErrCapacityExceeded = errors.New("max concurrent executions reached")

	ErrNoMatchingBranch  = errors.New("no matching branch")
	ErrUnknownActionType = errors.New("unknown action type")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrNodeNotFound      = errors.New("node not found")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrSuspendedInBranch = errors.New("suspension is not supported inside a parallel branch")
	ErrExecutionCanceled = errors.New("execution cancelled")
)

// IsAuthoringDefect reports whether err comes from a broken workflow
// definition. These are never retried.
func IsAuthoringDefect(err error) bool {
	return errors.Is(err, ErrNoMatchingBranch) ||
		errors.Is(err, ErrUnknownActionType) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrSuspendedInBranch)
}

// errorType classifies a failure for execution records and stats
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrExecutionCanceled):
		return models.ErrorTypeCancelled
	case IsAuthoringDefect(err):
		return models.ErrorTypeAuthoring
	default:
		return models.ErrorTypeTransient
	}
}

// NodeError attaches the failing node to an error
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// detailer is implemented by errors that carry structured output, such as
// a retry history, to be recorded on the failed step
type detailer interface {
	Details() map[string]interface{}
}
