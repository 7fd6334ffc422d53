// Package preflight provides readiness checks for the filesystem paths and
// services spoolq depends on.
//
// The CLI "spoolq status" and "spoolq config validate" commands run them to
// show whether the state directory is usable, the sink database opens, and
// the configured stats backend answers. Checks never modify queue state.
package preflight
