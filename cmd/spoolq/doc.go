// Package main hosts the spoolq CLI entrypoint and command graph.
//
// Producers call "spoolq enqueue"; everything else is operator tooling for
// inspecting and repairing the queue, controlling the worker, and scaffolding
// configuration. The hidden "worker run" and "worker ensure" commands are
// what the supervisor re-invokes this binary with. Commands resolve
// configuration once through the shared commandContext and keep the heavy
// lifting in the internal packages.
package main
