// Package sink applies work item payloads to the shared resource the queue
// serializes access to.
//
// The SQLite implementation interprets a payload as a JSON list of
// statements and runs them in one transaction. Errors are classified with
// the package's sentinels so callers can tell a busy database (retry) from a
// bad statement (give up).
package sink

import "context"

// Sink executes one payload.
type Sink interface {
	Execute(ctx context.Context, payload []byte) error
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, payload []byte) error

// Execute implements Sink.
func (f Func) Execute(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}
