package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks failures worth retrying: the sink was busy.
	ErrTransient = errors.New("transient sink failure")
	// ErrTimeout marks a call that exceeded its deadline. It is retried like
	// ErrTransient.
	ErrTimeout = errors.New("sink call timed out")
	// ErrInvalidPayload marks a payload the sink cannot interpret. It is permanent.
	ErrInvalidPayload = errors.New("invalid payload")
)

const (
	sqliteBusyCode   = 5
	sqliteLockedCode = 6
)

// Wrap builds an error that carries marker for classification and keeps the
// underlying cause in the chain.
func Wrap(marker error, operation, message string, err error) error {
	detail := buildDetail(operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

// Classify tags a raw execution error as timeout, transient, or leaves it
// as is (permanent). Already classified errors pass through.
func Classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case IsTransient(err), errors.Is(err, ErrInvalidPayload):
		return err
	case errors.Is(err, context.DeadlineExceeded), ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Wrap(ErrTimeout, "execute", "deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return Wrap(ErrTransient, "execute", "cancelled", err)
	case isSQLiteBusy(err):
		return Wrap(ErrTransient, "execute", "database busy", err)
	default:
		return err
	}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		primary := coder.Code() & 0xff
		if primary == sqliteBusyCode || primary == sqliteLockedCode {
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func buildDetail(operation, message string) string {
	parts := make([]string, 0, 2)
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "sink failure"
	}
	return strings.Join(parts, ": ")
}
