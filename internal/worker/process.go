package worker

import (
	"context"
	"log/slog"
	"time"

	"spoolq/internal/config"
	"spoolq/internal/logging"
	"spoolq/internal/queue"
	"spoolq/internal/sink"
	"spoolq/internal/stats"
)

// process executes one claimed item and records the outcome. waiting holds
// the batch-mates still queued behind it in the claimed area. The returned
// error is a store failure; sink failures are recorded on the item.
func (w *Worker) process(ctx context.Context, logger *slog.Logger, item *queue.Item, waiting []*queue.Item) error {
	ref := item.Ref()
	itemCtx := logging.WithItem(ctx, ref, item.Operation)
	itemLogger := logging.WithContext(itemCtx, logger)
	touch := func() error { return w.touchClaims(itemLogger, ref, waiting) }

	if err := touch(); err != nil {
		return err
	}

	start := time.Now()
	err := w.execute(itemCtx, itemLogger, item, touch)
	w.summary.Processed++

	// The outcome is recorded even when the run context was cancelled
	// mid-item.
	itemCtx = context.WithoutCancel(itemCtx)

	switch {
	case err == nil:
		if err := w.store.Complete(ref); err != nil {
			return err
		}
		w.summary.Completed++
		w.stats.Increment(stats.Completed)
		itemLogger.Debug("item completed", logging.Duration("elapsed", time.Since(start)))
		return nil

	case sink.IsTransient(err):
		result, qErr := w.store.Requeue(itemCtx, ref, err.Error())
		if qErr != nil {
			return qErr
		}
		if result.Failed {
			w.summary.Failed++
			w.stats.Increment(stats.Failed)
			logging.WarnWithContext(itemLogger, "item failed after exhausting retries", "item_failed",
				logging.Int("retry_count", result.RetryCount),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "replay with `spoolq queue replay` once the sink is healthy"),
				logging.String(logging.FieldImpact, "item moved to failed"),
			)
			return nil
		}
		w.summary.Requeued++
		w.stats.Increment(stats.Requeued)
		itemLogger.Info("item requeued",
			logging.String("new_ref", result.NewRef),
			logging.Int("priority", result.Priority),
			logging.Int("retry_count", result.RetryCount),
			logging.Error(err),
			logging.String(logging.FieldEventType, "item_requeued"),
		)
		return nil

	default:
		if err := w.store.Fail(ref, err.Error()); err != nil {
			return err
		}
		w.summary.Failed++
		w.stats.Increment(stats.Failed)
		logging.WarnWithContext(itemLogger, "item failed permanently", "item_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "fix the payload and enqueue it again"),
			logging.String(logging.FieldImpact, "item moved to failed"),
		)
		return nil
	}
}

// touchClaims restamps the item and its waiting batch-mates so the claimed
// area's oldest entry ages only while a single sink attempt is running.
func (w *Worker) touchClaims(logger *slog.Logger, ref string, waiting []*queue.Item) error {
	if err := w.store.Touch(ref); err != nil {
		return err
	}
	for _, other := range waiting {
		if err := w.store.Touch(other.Ref()); err != nil {
			logger.Debug("restamp waiting item failed",
				logging.String("waiting_ref", other.Ref()),
				logging.Error(err),
			)
		}
	}
	return nil
}

// execute runs the sink, retrying transient failures inline with exponential
// backoff. touch runs before every retry. The last error is returned once the
// inline budget is spent.
func (w *Worker) execute(ctx context.Context, logger *slog.Logger, item *queue.Item, touch func() error) error {
	backoff := w.busyBackoff
	var err error
	for attempt := 0; ; attempt++ {
		// Cancellation of the run context must not abort an item mid-flight.
		err = w.sink.Execute(context.WithoutCancel(ctx), item.Payload)
		if err == nil || !sink.IsTransient(err) || attempt >= w.busyRetries {
			return err
		}
		w.stats.Increment(stats.RetriedInline)
		logger.Debug("transient sink error, retrying",
			logging.Int("attempt", attempt+1),
			logging.Duration("backoff", backoff),
			logging.Error(err),
		)
		time.Sleep(backoff)
		backoff = min(backoff*2, config.MaxBusyBackoff)
		if err := touch(); err != nil {
			logger.Warn("restamp before retry failed", logging.Error(err))
		}
	}
}
