package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"spoolq/internal/logging"
	"spoolq/internal/sequence"
)

// Claim moves ref from pending to claimed and returns the decoded item. The
// rename is the only mutual exclusion point: when two callers race, one gets
// the item and the other gets ErrNotFound.
//
// An item that is claimed but cannot be decoded is returned with
// ErrCorruptItem; it stays in claimed so the caller can Fail it.
func (s *Store) Claim(ref string) (*Item, error) {
	if err := s.move(ref, AreaPending, AreaClaimed); err != nil {
		return nil, err
	}
	if err := s.stamp(AreaClaimed, ref); err != nil {
		return nil, err
	}
	return s.readItem(AreaClaimed, ref)
}

// Touch refreshes the claim time of ref. The worker calls it when it starts
// executing an item so the processing timeout measures execution time only.
func (s *Store) Touch(ref string) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	return s.stamp(AreaClaimed, ref)
}

// Complete moves ref from claimed to completed.
func (s *Store) Complete(ref string) error {
	if err := s.move(ref, AreaClaimed, AreaCompleted); err != nil {
		return err
	}
	if err := s.stamp(AreaCompleted, ref); err != nil {
		s.logger.Debug("stamp completed item failed", logging.String(logging.FieldItemRef, ref), logging.Error(err))
	}
	return nil
}

// Release moves ref from claimed back to pending unchanged. Used for items
// claimed but never started when the worker drains.
func (s *Store) Release(ref string) error {
	return s.move(ref, AreaClaimed, AreaPending)
}

// Fail moves ref from claimed to failed and annotates it with reason. The
// annotation is a best-effort rewrite in place; the item is terminal once
// the rename succeeds.
func (s *Store) Fail(ref, reason string) error {
	if err := s.move(ref, AreaClaimed, AreaFailed); err != nil {
		return err
	}
	if err := s.annotateFailure(ref, reason); err != nil {
		logging.WarnWithContext(s.logger, "failed item annotation skipped", "item_annotate_failed",
			logging.String(logging.FieldItemRef, ref),
			logging.String("reason", reason),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "inspect the file under failed/ manually"),
			logging.String(logging.FieldImpact, "failure reason not recorded on the item"),
		)
		_ = s.stamp(AreaFailed, ref)
	}
	return nil
}

func (s *Store) annotateFailure(ref, reason string) error {
	item, err := s.readItem(AreaFailed, ref)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	item.FailureReason = reason
	item.FailedAt = &now
	return s.writeItem(AreaFailed, ref, item)
}

// Requeue puts a claimed item back into pending with retry_count incremented
// and its priority demoted by the configured step (capped at the lowest
// priority). When retry_count has already reached the retry budget the item
// is failed instead.
//
// The replacement pending file is written before the claimed file is
// removed.
func (s *Store) Requeue(ctx context.Context, ref, lastErr string) (RequeueResult, error) {
	result := RequeueResult{Ref: ref}
	item, err := s.readItem(AreaClaimed, ref)
	if err != nil {
		if errors.Is(err, ErrCorruptItem) {
			result.Failed = true
			return result, s.Fail(ref, "unreadable item: "+err.Error())
		}
		return result, err
	}

	if item.RetryCount >= s.maxRetries {
		result.Failed = true
		result.RetryCount = item.RetryCount
		result.Priority = item.Priority
		reason := fmt.Sprintf("retries exhausted after %d attempts", item.RetryCount+1)
		if lastErr != "" {
			reason += ": " + lastErr
		}
		return result, s.Fail(ref, reason)
	}

	item.RetryCount++
	item.Priority = min(item.Priority+s.priorityStep, sequence.MaxPriority)
	item.LastError = lastErr
	token, err := s.tokens.Next(ctx, item.Priority)
	if err != nil {
		return result, fmt.Errorf("requeue %s: %w", ref, err)
	}
	item.Sequence = token.Value
	newRef := item.Ref()

	if err := s.writeItem(AreaPending, newRef, item); err != nil {
		return result, fmt.Errorf("requeue %s: %w", ref, err)
	}
	if err := os.Remove(s.itemPath(AreaClaimed, ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return result, fmt.Errorf("requeue %s: remove claimed copy: %w", ref, err)
	}

	result.NewRef = newRef
	result.Priority = item.Priority
	result.RetryCount = item.RetryCount
	return result, nil
}

// RecoverOrphans requeues claimed items whose claim time is older than
// threshold. A threshold of zero recovers every claimed item, which is only
// safe while holding the worker ownership lock. Recovery counts as a retry.
func (s *Store) RecoverOrphans(ctx context.Context, threshold time.Duration) (RecoverResult, error) {
	var result RecoverResult
	refs, err := s.listRefs(AreaClaimed, 0)
	if err != nil {
		return result, err
	}
	cutoff := s.now().Add(-threshold)
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if threshold > 0 {
			info, err := os.Stat(s.itemPath(AreaClaimed, ref))
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
		}
		res, err := s.Requeue(ctx, ref, "recovered after consumer exit")
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidRef) {
				continue
			}
			return result, err
		}
		if res.Failed {
			result.Failed++
		} else {
			result.Requeued++
		}
		s.logger.Info("orphaned item recovered",
			logging.String(logging.FieldItemRef, ref),
			logging.String("new_ref", res.NewRef),
			logging.Bool("failed", res.Failed),
			logging.String(logging.FieldEventType, "orphan_recovered"),
		)
	}
	return result, nil
}

// Replay moves failed items back to pending with retry state cleared and
// their original priority restored. With no refs every failed item is
// replayed.
func (s *Store) Replay(ctx context.Context, refs ...string) ([]ReplayResult, error) {
	if len(refs) == 0 {
		all, err := s.listRefs(AreaFailed, 0)
		if err != nil {
			return nil, err
		}
		refs = all
	}
	results := make([]ReplayResult, 0, len(refs))
	for _, ref := range refs {
		item, err := s.readItem(AreaFailed, ref)
		if err != nil {
			return results, err
		}
		if item.OriginalPriority != 0 {
			item.Priority = item.OriginalPriority
		}
		item.RetryCount = 0
		item.LastError = ""
		item.FailureReason = ""
		item.FailedAt = nil
		token, err := s.tokens.Next(ctx, item.Priority)
		if err != nil {
			return results, fmt.Errorf("replay %s: %w", ref, err)
		}
		item.Sequence = token.Value
		newRef := item.Ref()
		if err := s.writeItem(AreaPending, newRef, item); err != nil {
			return results, fmt.Errorf("replay %s: %w", ref, err)
		}
		if err := os.Remove(s.itemPath(AreaFailed, ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return results, fmt.Errorf("replay %s: remove failed copy: %w", ref, err)
		}
		results = append(results, ReplayResult{Ref: ref, NewRef: newRef})
	}
	return results, nil
}
