package stream

import "fmt"

// FaultedError reports that the reconnect attempt budget was exhausted and
// the client gave up on the connection.
type FaultedError struct {
	Attempts int
	LastErr  error
}

func (e *FaultedError) Error() string {
	return fmt.Sprintf("stream faulted after %d reconnect attempts: %v", e.Attempts, e.LastErr)
}

func (e *FaultedError) Unwrap() error { return e.LastErr }

// ClosedError reports an operation on a client that was shut down.
type ClosedError struct{}

func (e *ClosedError) Error() string { return "stream client is closed" }
