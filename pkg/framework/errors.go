package framework

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNodeNotFound is returned when a referenced node does not exist in the graph.
	ErrNodeNotFound = errors.New("framework: node not found")

	// ErrDuplicateNode is returned when two nodes share a name.
	ErrDuplicateNode = errors.New("framework: duplicate node")

	// ErrCycle is returned by Compile when the edges form a cycle.
	ErrCycle = errors.New("framework: graph contains a cycle")

	// ErrNoStart is returned by Compile when no start node was set.
	ErrNoStart = errors.New("framework: start node is required")

	// ErrNoBranch is returned when a conditional edge selects no route and
	// its policy is NoMatchFail.
	ErrNoBranch = errors.New("framework: no matching branch from conditional edge")

	// ErrEndNotReached is returned when every schedulable node finished but
	// no active edge reached the end node.
	ErrEndNotReached = errors.New("framework: end node not reached")

	// ErrStreamConsumed is yielded when a Stream sequence is iterated twice.
	ErrStreamConsumed = errors.New("framework: stream already consumed")

	// ErrCheckpointNotFound is returned by checkpoint stores for unknown keys.
	ErrCheckpointNotFound = errors.New("framework: checkpoint not found")

	// ErrNoCheckpointer is returned by Resume when the runner has no store.
	ErrNoCheckpointer = errors.New("framework: no checkpoint store configured")
)

// PrerequisiteError reports required input fields missing from the state a
// node observed. It is never retried: the fields cannot appear between attempts.
type PrerequisiteError struct {
	Node    string
	Missing []string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("Missing required data: %s", strings.Join(e.Missing, ", "))
}

// NodeExhaustedError is produced by the retry wrapper when a step failed on
// every attempt. It is recorded as an ErrorRecord, not returned from a run.
type NodeExhaustedError struct {
	Node     string
	Attempts int
	Err      error
}

func (e *NodeExhaustedError) Error() string {
	return fmt.Sprintf("node %s failed after %d attempt(s): %v", e.Node, e.Attempts, e.Err)
}

func (e *NodeExhaustedError) Unwrap() error { return e.Err }
