package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"spoolq/internal/logging"
)

const (
	fileLockTimeout = 50 * time.Millisecond
	fileLockRetry   = 5 * time.Millisecond
	countersFile    = "counters.json"
	countersLock    = "counters.lock"
)

// File keeps counters in a JSON file guarded by an advisory lock.
type File struct {
	dir         string
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewFile returns a file-backed recorder rooted at dir.
func NewFile(dir string, logger *slog.Logger) *File {
	return &File{dir: dir, lockTimeout: fileLockTimeout, logger: logging.NewComponentLogger(logger, "stats")}
}

// Increment adds one to name. The update is dropped when the lock is not
// available within a few tens of milliseconds.
func (f *File) Increment(name string) {
	if err := f.update(name, 1); err != nil {
		f.logger.Debug("counter increment dropped", logging.String("counter", name), logging.Error(err))
	}
}

func (f *File) update(name string, delta int64) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create stats directory: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.lockTimeout)
	defer cancel()

	lock := flock.New(filepath.Join(f.dir, countersLock))
	locked, err := lock.TryLockContext(ctx, fileLockRetry)
	if err != nil {
		return fmt.Errorf("acquire stats lock: %w", err)
	}
	if !locked {
		return errors.New("acquire stats lock: not acquired")
	}
	defer func() { _ = lock.Unlock() }()

	counters, err := f.read()
	if err != nil {
		// A corrupt counter file restarts from zero.
		counters = map[string]int64{}
	}
	counters[name] += delta
	return f.write(counters)
}

// Snapshot returns the current counter values.
func (f *File) Snapshot(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.read()
}

// Close implements Recorder.
func (f *File) Close() error { return nil }

func (f *File) read() (map[string]int64, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, countersFile))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	counters := map[string]int64{}
	if err := json.Unmarshal(data, &counters); err != nil {
		return nil, fmt.Errorf("decode counters: %w", err)
	}
	return counters, nil
}

func (f *File) write(counters map[string]int64) error {
	data, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}
	tmp := filepath.Join(f.dir, countersFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write counters: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(f.dir, countersFile)); err != nil {
		return fmt.Errorf("commit counters: %w", err)
	}
	return nil
}
