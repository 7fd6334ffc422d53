// Package worker implements the singleton queue consumer.
//
// A Worker owns the queue for its lifetime by holding the ownership lock in
// the run directory. It publishes an identity and a heartbeat for the
// supervisor, recovers items orphaned by a previous crash, then repeatedly
// claims the head of the pending area and applies each payload to the sink.
// Transient sink failures are retried inline with backoff before the item is
// requeued at a lower priority; permanent failures move the item to the
// failed area. The worker exits on its own after an idle period and drains
// gracefully when its context is cancelled.
package worker
