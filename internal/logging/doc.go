// Package logging builds the slog loggers used by the spoolq CLI and worker.
//
// Two handlers are available: a compact console format and JSON. The worker
// writes console output to stdout and JSON to a log file through TeeLogger;
// producer commands log to stderr only. Field name constants keep log lines
// searchable across components, and WarnWithContext enforces the
// event_type/error_hint/impact triple on warnings.
package logging
