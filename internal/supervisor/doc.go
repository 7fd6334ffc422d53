// Package supervisor keeps exactly one healthy worker running.
//
// Producers call Kick after every enqueue. Kick consults a short-lived health
// cache and, on a miss, triggers EnsureStarted without waiting for it.
// EnsureStarted runs the full health check (identity, ownership lock,
// process liveness, heartbeat age, age of the oldest claimed item),
// terminates a wedged worker, and starts a replacement. Concurrent starters
// are serialized by a directory lease so at most one of them spawns a
// process; the worker's own ownership lock makes a second worker exit even
// if that serialization is ever bypassed.
package supervisor
