// Package config loads, normalizes, and validates spoolq configuration.
//
// Configuration is read from TOML (see sample_config.toml) with defaults for
// every field, so a missing file is not an error. Paths are expanded and
// made absolute during normalization; Validate rejects combinations the
// worker and supervisor cannot honor (for example a heartbeat timeout that
// is not larger than the heartbeat interval).
//
// Callers should treat a loaded *Config as read-only.
package config
