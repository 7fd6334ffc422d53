// Package sequence issues the tokens that name work items.
//
// A token is "<priority>-<value>" with a two digit priority and a 19 digit
// zero-padded value, so the lexicographic order of token strings equals the
// (priority, value) order. Values come from a counter file guarded by an
// advisory lock; when the lock cannot be taken in time the sequencer falls
// back to a timestamp plus random suffix, which is unique and approximately
// ordered.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"spoolq/internal/logging"
)

const (
	// MinPriority is the most urgent priority.
	MinPriority = 1
	// MaxPriority is the least urgent priority.
	MaxPriority = 10

	counterFile = "sequence"
	lockFile    = "sequence.lock"
	valueWidth  = 19
	lockRetry   = 5 * time.Millisecond
)

// ErrInvalidPriority indicates a priority outside [MinPriority, MaxPriority].
var ErrInvalidPriority = errors.New("priority out of range")

// ErrInvalidToken indicates a string that does not parse as a token.
var ErrInvalidToken = errors.New("invalid token")

// Token names one work item.
type Token struct {
	Priority int
	Value    string
	// Fallback reports that the value came from the timestamp+random path.
	Fallback bool
}

// String renders the token in its sortable form.
func (t Token) String() string {
	return fmt.Sprintf("%02d-%s", t.Priority, t.Value)
}

// Parse decodes a token string produced by Token.String.
func Parse(raw string) (Token, error) {
	prefix, value, ok := strings.Cut(raw, "-")
	if !ok || len(prefix) != 2 || value == "" {
		return Token{}, fmt.Errorf("%w: %q", ErrInvalidToken, raw)
	}
	priority, err := strconv.Atoi(prefix)
	if err != nil || priority < MinPriority || priority > MaxPriority {
		return Token{}, fmt.Errorf("%w: %q", ErrInvalidToken, raw)
	}
	digits, suffix, hasSuffix := strings.Cut(value, "-")
	if len(digits) != valueWidth || strings.Trim(digits, "0123456789") != "" {
		return Token{}, fmt.Errorf("%w: %q", ErrInvalidToken, raw)
	}
	if hasSuffix && (suffix == "" || strings.ContainsAny(suffix, "/\\.")) {
		return Token{}, fmt.Errorf("%w: %q", ErrInvalidToken, raw)
	}
	return Token{Priority: priority, Value: value, Fallback: hasSuffix}, nil
}

// Sequencer hands out tokens. It is safe for concurrent use by goroutines and
// by separate processes sharing the same run directory.
type Sequencer struct {
	counterPath string
	lockPath    string
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New constructs a Sequencer whose counter and lock live in runDir.
func New(runDir string, lockTimeout time.Duration, logger *slog.Logger) *Sequencer {
	if lockTimeout <= 0 {
		lockTimeout = time.Second
	}
	return &Sequencer{
		counterPath: filepath.Join(runDir, counterFile),
		lockPath:    filepath.Join(runDir, lockFile),
		lockTimeout: lockTimeout,
		logger:      logging.NewComponentLogger(logger, "sequencer"),
		now:         time.Now,
	}
}

// Next returns a fresh token for priority. It blocks at most for the lock
// timeout; after that it returns a fallback token instead of an error.
func (s *Sequencer) Next(ctx context.Context, priority int) (Token, error) {
	if priority < MinPriority || priority > MaxPriority {
		return Token{}, fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}

	value, err := s.nextCounter(ctx)
	if err == nil {
		return Token{Priority: priority, Value: value}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Token{}, ctxErr
	}

	token := Token{Priority: priority, Value: s.fallbackValue(), Fallback: true}
	logging.WarnWithContext(s.logger, "sequence counter unavailable; using fallback token", "sequence_fallback",
		logging.Error(err),
		logging.String(logging.FieldItemRef, token.String()),
		logging.String(logging.FieldErrorHint, "check for a stuck process holding "+s.lockPath),
		logging.String(logging.FieldImpact, "ordering against concurrent producers is approximate"),
	)
	return token, nil
}

func (s *Sequencer) nextCounter(ctx context.Context) (string, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	lock := flock.New(s.lockPath)
	locked, err := lock.TryLockContext(lockCtx, lockRetry)
	if err != nil {
		return "", fmt.Errorf("acquire sequence lock: %w", err)
	}
	if !locked {
		return "", errors.New("acquire sequence lock: not acquired")
	}
	defer func() { _ = lock.Unlock() }()

	last, err := s.readCounter()
	if err != nil {
		return "", err
	}
	next := s.now().UnixNano()
	if next <= last {
		next = last + 1
	}
	if err := s.writeCounter(next); err != nil {
		return "", err
	}
	return formatValue(next), nil
}

func (s *Sequencer) readCounter() (int64, error) {
	data, err := os.ReadFile(s.counterPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence counter: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0, nil
	}
	last, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sequence counter: %w", err)
	}
	return last, nil
}

func (s *Sequencer) writeCounter(value int64) error {
	tmp := s.counterPath + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write sequence counter: %w", err)
	}
	if _, err := file.WriteString(strconv.FormatInt(value, 10)); err != nil {
		file.Close()
		return fmt.Errorf("write sequence counter: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync sequence counter: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close sequence counter: %w", err)
	}
	if err := os.Rename(tmp, s.counterPath); err != nil {
		return fmt.Errorf("commit sequence counter: %w", err)
	}
	return nil
}

func (s *Sequencer) fallbackValue() string {
	id := uuid.New()
	return formatValue(s.now().UnixNano()) + "-" + strings.ReplaceAll(id.String(), "-", "")[:8]
}

func formatValue(v int64) string {
	return fmt.Sprintf("%0*d", valueWidth, v)
}
