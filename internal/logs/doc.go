// Package logs tails the worker log file for the CLI.
//
// Reads are bounded in memory: the last N lines are kept in a ring while
// scanning, and follow mode polls from a byte offset. A file that shrinks
// or disappears is treated as rotated and read again from the start.
package logs
