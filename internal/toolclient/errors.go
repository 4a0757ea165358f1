package toolclient

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Call once Close has begun. Callers are
	// rejected rather than blocked.
	ErrClosed = errors.New("toolclient: client is closed")

	// ErrShutdown is wrapped in a ConnectionError when Connect is called
	// after Close has begun.
	ErrShutdown = errors.New("toolclient: shutdown in progress")
)

// ConnectionError reports that the tool provider could not be reached.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolInvocationError reports a failed remote call. Message holds the
// provider's error text when the tool itself reported failure; Err holds
// the transport error otherwise.
type ToolInvocationError struct {
	Tool    string
	Message string
	Err     error
}

func (e *ToolInvocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("call %s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("call %s: %s", e.Tool, e.Message)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }
