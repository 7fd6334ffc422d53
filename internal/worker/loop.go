package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"spoolq/internal/logging"
	"spoolq/internal/queue"
	"spoolq/internal/stats"
)

func (w *Worker) loop(ctx context.Context, logger *slog.Logger) ExitReason {
	lastWork := time.Now()
	lastGC := time.Now()

	for {
		if ctx.Err() != nil {
			return ExitShutdown
		}
		if w.gcInterval > 0 && time.Since(lastGC) >= w.gcInterval {
			w.collectGarbage(logger)
			lastGC = time.Now()
		}

		refs, err := w.store.ListPending(w.batchSize)
		if err != nil {
			w.storeError(ctx, logger, "list pending items", err)
			continue
		}
		if len(refs) == 0 {
			if w.idleTimeout > 0 && time.Since(lastWork) >= w.idleTimeout {
				w.stats.Increment(stats.WorkerIdleExit)
				logger.Info("no pending work, exiting",
					logging.Duration("idle", time.Since(lastWork)),
					logging.String(logging.FieldEventType, "worker_idle_exit"),
				)
				return ExitIdle
			}
			w.wait(ctx, w.pollInterval)
			continue
		}

		claimed, err := w.claimBatch(logger, refs)
		if err != nil {
			w.storeError(ctx, logger, "claim items", err)
			w.releaseAll(logger, claimed)
			continue
		}
		lastWork = time.Now()

		for i, item := range claimed {
			if ctx.Err() != nil {
				w.setState(StateDraining)
				w.drain(logger, claimed[i:])
				return ExitShutdown
			}
			if err := w.process(ctx, logger, item, claimed[i+1:]); err != nil {
				w.storeError(ctx, logger, "record item outcome", err)
				w.releaseAll(logger, claimed[i+1:])
				break
			}
		}
		lastWork = time.Now()
	}
}

// claimBatch claims refs in order. Items that vanished are skipped.
func (w *Worker) claimBatch(logger *slog.Logger, refs []string) ([]*queue.Item, error) {
	claimed := make([]*queue.Item, 0, len(refs))
	for _, ref := range refs {
		item, err := w.store.Claim(ref)
		if errors.Is(err, queue.ErrNotFound) {
			logger.Debug("item vanished before claim", logging.String(logging.FieldItemRef, ref))
			continue
		}
		if errors.Is(err, queue.ErrCorruptItem) {
			logging.WarnWithContext(logger, "unreadable item moved to failed", "item_corrupt",
				logging.String(logging.FieldItemRef, ref),
				logging.Error(err),
			)
			if failErr := w.store.Fail(ref, err.Error()); failErr != nil {
				return claimed, failErr
			}
			continue
		}
		if err != nil {
			return claimed, err
		}
		w.stats.Increment(stats.Claimed)
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// drain finishes up to drainLimit items and returns the rest to pending.
func (w *Worker) drain(logger *slog.Logger, remaining []*queue.Item) {
	finish := remaining
	if len(finish) > w.drainLimit {
		finish = remaining[:max(w.drainLimit, 0)]
	}
	logger.Info("draining",
		logging.Int("finishing", len(finish)),
		logging.Int("releasing", len(remaining)-len(finish)),
	)
	drainCtx := context.Background()
	for i, item := range finish {
		if err := w.process(drainCtx, logger, item, remaining[i+1:]); err != nil {
			logger.Warn("drain stopped on store error", logging.Error(err))
			w.releaseAll(logger, remaining[i+1:])
			return
		}
	}
	w.releaseAll(logger, remaining[len(finish):])
}

func (w *Worker) releaseAll(logger *slog.Logger, items []*queue.Item) {
	for _, item := range items {
		ref := item.Ref()
		if err := w.store.Release(ref); err != nil {
			logger.Warn("release failed; item recovered on next start",
				logging.String(logging.FieldItemRef, ref),
				logging.Error(err),
			)
			continue
		}
		w.summary.Released++
	}
}

func (w *Worker) storeError(ctx context.Context, logger *slog.Logger, op string, err error) {
	logging.ErrorWithContext(logger, "queue store error", "queue_store_failed",
		logging.String(logging.FieldOperation, op),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check free space and permissions in the state directory"),
	)
	w.wait(ctx, w.errorRetryInterval)
}

// wait sleeps for d, returning early on cancellation or Notify.
func (w *Worker) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.notify:
	case <-timer.C:
	}
}
