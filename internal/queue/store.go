package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"spoolq/internal/logging"
	"spoolq/internal/sequence"
)

// TokenSource issues tokens for new pending files.
type TokenSource interface {
	Next(ctx context.Context, priority int) (sequence.Token, error)
}

// Options tunes the retry policy applied by Requeue.
type Options struct {
	MaxRetries   int
	PriorityStep int
	Logger       *slog.Logger
}

// Store manages the item areas under one root directory.
type Store struct {
	root         string
	tokens       TokenSource
	maxRetries   int
	priorityStep int
	logger       *slog.Logger
	now          func() time.Time
}

// Open creates the area directories under root when missing and returns a Store.
func Open(root string, tokens TokenSource, opts Options) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("queue root directory is required")
	}
	if tokens == nil {
		return nil, errors.New("queue token source is required")
	}
	dirs := []string{filepath.Join(root, stagingDir)}
	for _, area := range allAreas {
		dirs = append(dirs, filepath.Join(root, string(area)))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory %q: %w", dir, err)
		}
	}
	step := opts.PriorityStep
	if step < 0 {
		step = 0
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Store{
		root:         root,
		tokens:       tokens,
		maxRetries:   maxRetries,
		priorityStep: step,
		logger:       logging.NewComponentLogger(opts.Logger, "queue"),
		now:          time.Now,
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// MaxRetries returns the configured retry budget.
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

func (s *Store) areaDir(area Area) string {
	return filepath.Join(s.root, string(area))
}

func (s *Store) itemPath(area Area, ref string) string {
	return filepath.Join(s.areaDir(area), ref+itemExt)
}

// Put persists item into the pending area. The item must already carry its
// sequence and priority.
func (s *Store) Put(item *Item) error {
	if item == nil {
		return errors.New("queue item is nil")
	}
	ref := item.Ref()
	if err := validateRef(ref); err != nil {
		return err
	}
	if item.OriginalPriority == 0 {
		item.OriginalPriority = item.Priority
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now().UTC()
	}
	return s.writeItem(AreaPending, ref, item)
}

// writeItem stages the encoded item in tmp/, fsyncs it, and renames it into
// the target area.
func (s *Store) writeItem(area Area, ref string, item *Item) error {
	data, err := encodeItem(item)
	if err != nil {
		return err
	}

	stagingName := fmt.Sprintf("%s.%d.%s%s", ref, os.Getpid(), uuid.NewString(), stagingExt)
	stagingPath := filepath.Join(s.root, stagingDir, stagingName)
	file, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	cleanup := func() { _ = os.Remove(stagingPath) }

	if _, err := file.Write(data); err != nil {
		file.Close()
		cleanup()
		return fmt.Errorf("write staging file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		cleanup()
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := file.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close staging file: %w", err)
	}

	target := s.itemPath(area, ref)
	if err := os.Rename(stagingPath, target); err != nil {
		cleanup()
		return fmt.Errorf("publish item %s to %s: %w", ref, area, err)
	}
	syncDir(s.areaDir(area))
	return nil
}

// move renames ref from one area to another. A missing source maps to ErrNotFound.
func (s *Store) move(ref string, from, to Area) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if err := os.Rename(s.itemPath(from, ref), s.itemPath(to, ref)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s in %s", ErrNotFound, ref, from)
		}
		return fmt.Errorf("move %s from %s to %s: %w", ref, from, to, err)
	}
	return nil
}

// stamp sets the item's mtime, which records when it entered its area.
func (s *Store) stamp(area Area, ref string) error {
	now := s.now()
	if err := os.Chtimes(s.itemPath(area, ref), now, now); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s in %s", ErrNotFound, ref, area)
		}
		return fmt.Errorf("stamp %s in %s: %w", ref, area, err)
	}
	return nil
}

func (s *Store) readItem(area Area, ref string) (*Item, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.itemPath(area, ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, ref, area)
		}
		return nil, fmt.Errorf("read %s in %s: %w", ref, area, err)
	}
	item, err := decodeItem(data)
	if err != nil {
		return nil, fmt.Errorf("%s in %s: %w", ref, area, err)
	}
	return item, nil
}

// listRefs returns refs in area in ascending name order, which is dispatch
// order. limit <= 0 returns everything.
func (s *Store) listRefs(area Area, limit int) ([]string, error) {
	entries, err := os.ReadDir(s.areaDir(area))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", area, err)
	}
	refs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, itemExt) {
			continue
		}
		refs = append(refs, strings.TrimSuffix(name, itemExt))
		if limit > 0 && len(refs) >= limit {
			break
		}
	}
	return refs, nil
}

func syncDir(dir string) {
	handle, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = handle.Sync()
	_ = handle.Close()
}

// Producer describes the current process for the item's producer field.
func Producer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}
