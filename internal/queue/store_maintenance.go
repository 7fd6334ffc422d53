package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"spoolq/internal/logging"
)

// ListPending returns up to limit pending refs in dispatch order.
func (s *Store) ListPending(limit int) ([]string, error) {
	return s.listRefs(AreaPending, limit)
}

// List returns up to limit entries from area with their items decoded. An
// undecodable item is reported through Entry.Err.
func (s *Store) List(area Area, limit int) ([]Entry, error) {
	refs, err := s.listRefs(area, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(refs))
	for _, ref := range refs {
		entry := Entry{Ref: ref, Area: area}
		if info, err := os.Stat(s.itemPath(area, ref)); err == nil {
			entry.ModTime = info.ModTime()
		} else if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		entry.Item, entry.Err = s.readItem(area, ref)
		if errors.Is(entry.Err, ErrNotFound) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Get reads ref from area.
func (s *Store) Get(area Area, ref string) (*Item, error) {
	return s.readItem(area, ref)
}

// Find looks for ref in every area, returning the first match.
func (s *Store) Find(ref string) (Area, *Item, error) {
	if err := validateRef(ref); err != nil {
		return "", nil, err
	}
	for _, area := range allAreas {
		item, err := s.readItem(area, ref)
		if err == nil {
			return area, item, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return area, nil, err
		}
	}
	return "", nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// Counts reports the number of items in each area.
func (s *Store) Counts() (Counts, error) {
	counts := make(Counts, len(allAreas))
	for _, area := range allAreas {
		refs, err := s.listRefs(area, 0)
		if err != nil {
			return nil, err
		}
		counts[area] = len(refs)
	}
	return counts, nil
}

// OldestClaimed returns the age of the longest-held claimed item. ok is false
// when nothing is claimed.
func (s *Store) OldestClaimed() (age time.Duration, ok bool, err error) {
	refs, err := s.listRefs(AreaClaimed, 0)
	if err != nil {
		return 0, false, err
	}
	var oldest time.Time
	for _, ref := range refs {
		info, err := os.Stat(s.itemPath(AreaClaimed, ref))
		if err != nil {
			continue
		}
		if !ok || info.ModTime().Before(oldest) {
			oldest = info.ModTime()
			ok = true
		}
	}
	if !ok {
		return 0, false, nil
	}
	return s.now().Sub(oldest), true, nil
}

// GarbageCollect removes completed and failed items older than retention and
// staging files older than stagingMaxAge. A retention of zero keeps terminal
// items forever.
func (s *Store) GarbageCollect(retention, stagingMaxAge time.Duration) (GCResult, error) {
	var result GCResult
	now := s.now()

	if retention > 0 {
		for _, area := range []Area{AreaCompleted, AreaFailed} {
			removed, err := s.removeOlderThan(s.areaDir(area), itemExt, now.Add(-retention))
			if err != nil {
				return result, err
			}
			if area == AreaCompleted {
				result.Completed = removed
			} else {
				result.Failed = removed
			}
		}
	}
	if stagingMaxAge > 0 {
		removed, err := s.removeOlderThan(filepath.Join(s.root, stagingDir), stagingExt, now.Add(-stagingMaxAge))
		if err != nil {
			return result, err
		}
		result.Staging = removed
	}

	if result.Total() > 0 {
		s.logger.Info("queue garbage collected",
			logging.Int("completed", result.Completed),
			logging.Int("failed", result.Failed),
			logging.Int("staging", result.Staging),
			logging.String(logging.FieldEventType, "queue_gc"),
		)
	}
	return result, nil
}

func (s *Store) removeOlderThan(dir, suffix string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.WarnWithContext(s.logger, "queue gc remove failed", "queue_gc_failed",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check permissions under paths.state_dir"),
				logging.String(logging.FieldImpact, "file remains until the next sweep"),
			)
			continue
		}
		removed++
	}
	return removed, nil
}
