// Package enqueue is the producer-side entrypoint: it validates a request,
// persists it as a pending item, and makes sure a worker will pick it up.
// When the queue cannot be written the payload is applied synchronously so
// the work is not lost.
package enqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"spoolq/internal/config"
	"spoolq/internal/logging"
	"spoolq/internal/queue"
	"spoolq/internal/sequence"
	"spoolq/internal/sink"
	"spoolq/internal/stats"
)

// ErrEmptyPayload rejects blank payloads.
var ErrEmptyPayload = errors.New("payload is empty")

// TokenSource allocates item tokens.
type TokenSource interface {
	Next(ctx context.Context, priority int) (sequence.Token, error)
}

// Kicker nudges worker supervision after a successful enqueue.
type Kicker interface {
	Kick(ctx context.Context) error
}

// Request describes one unit of work.
type Request struct {
	Payload   []byte
	Operation string
	// Priority in [1,10]; lower runs first. Zero selects the default.
	Priority int
	Metadata map[string]string
}

// Result reports where the work went.
type Result struct {
	Ref      string
	Priority int
	// Fallback is true when the payload was executed synchronously because
	// the queue was unavailable.
	Fallback bool
	// TokenFallback is true when the sequencer could not take its lock.
	TokenFallback bool
}

// Enqueuer persists work items.
type Enqueuer struct {
	store    *queue.Store
	tokens   TokenSource
	kicker   Kicker
	fallback sink.Sink
	stats    stats.Recorder
	logger   *slog.Logger

	defaultPriority int
}

// Options wires the optional collaborators.
type Options struct {
	// Kicker is notified after every enqueue; nil disables supervision.
	Kicker Kicker
	// Fallback executes payloads when the store fails; nil disables it.
	Fallback sink.Sink
	Stats    stats.Recorder
	Logger   *slog.Logger
}

// New constructs an Enqueuer. The fallback sink is bounded by the sink call
// timeout from cfg.
func New(cfg *config.Config, store *queue.Store, tokens TokenSource, opts Options) *Enqueuer {
	recorder := opts.Stats
	if recorder == nil {
		recorder = stats.Nop{}
	}
	fallback := opts.Fallback
	if fallback != nil {
		fallback = sink.Timeout(fallback, time.Duration(cfg.Sink.CallTimeout)*time.Second)
	}
	return &Enqueuer{
		store:           store,
		tokens:          tokens,
		kicker:          opts.Kicker,
		fallback:        fallback,
		stats:           recorder,
		logger:          logging.NewComponentLogger(opts.Logger, "enqueue"),
		defaultPriority: cfg.Queue.DefaultPriority,
	}
}

// Enqueue validates req, writes it to the pending area, and kicks the
// supervisor. If the write fails and a fallback sink is configured, the
// payload is executed synchronously instead.
func (e *Enqueuer) Enqueue(ctx context.Context, req Request) (Result, error) {
	if len(strings.TrimSpace(string(req.Payload))) == 0 {
		return Result{}, ErrEmptyPayload
	}
	priority := e.clampPriority(req.Priority)
	result := Result{Priority: priority}

	putErr := e.put(ctx, req, priority, &result)
	if putErr == nil {
		e.stats.Increment(stats.Enqueued)
		e.kick(ctx, result.Ref)
		return result, nil
	}

	if e.fallback == nil {
		e.stats.Increment(stats.EnqueueFailed)
		return result, fmt.Errorf("enqueue: %w", putErr)
	}
	execErr := e.fallback.Execute(ctx, req.Payload)
	if execErr != nil {
		e.stats.Increment(stats.EnqueueFailed)
		logging.ErrorWithContext(e.logger, "enqueue and synchronous fallback both failed", "enqueue_failed",
			logging.String(logging.FieldOperation, req.Operation),
			logging.Any("store_error", putErr.Error()),
			logging.Error(execErr),
			logging.String(logging.FieldErrorHint, "check the state directory and the sink database"),
		)
		return result, errors.Join(fmt.Errorf("enqueue: %w", putErr), fmt.Errorf("fallback execute: %w", execErr))
	}

	result.Fallback = true
	e.stats.Increment(stats.EnqueueFallback)
	logging.WarnWithContext(e.logger, "queue unavailable, payload executed synchronously", "enqueue_fallback",
		logging.String(logging.FieldOperation, req.Operation),
		logging.Error(putErr),
		logging.String(logging.FieldErrorHint, "check free space and permissions in the state directory"),
		logging.String(logging.FieldImpact, "work applied inline; producer latency increased"),
	)
	return result, nil
}

func (e *Enqueuer) put(ctx context.Context, req Request, priority int, result *Result) error {
	if e.store == nil {
		return errors.New("queue store not open")
	}
	token, err := e.tokens.Next(ctx, priority)
	if err != nil {
		return err
	}
	item := &queue.Item{
		Sequence:  token.Value,
		Priority:  token.Priority,
		Payload:   req.Payload,
		Operation: req.Operation,
		Metadata:  req.Metadata,
		Producer:  queue.Producer(),
	}
	if err := e.store.Put(item); err != nil {
		return err
	}
	result.Ref = item.Ref()
	result.TokenFallback = token.Fallback
	return nil
}

// kick never fails the enqueue; the item is durable and a later producer
// or operator will start the worker.
func (e *Enqueuer) kick(ctx context.Context, ref string) {
	if e.kicker == nil {
		return
	}
	if err := e.kicker.Kick(ctx); err != nil {
		logging.WarnWithContext(e.logger, "worker start failed", "worker_start_failed",
			logging.String(logging.FieldItemRef, ref),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run `spoolq worker ensure` and check worker.log"),
			logging.String(logging.FieldImpact, "item stays pending until a worker starts"),
		)
	}
}

func (e *Enqueuer) clampPriority(p int) int {
	if p == 0 {
		p = e.defaultPriority
	}
	return min(max(p, sequence.MinPriority), sequence.MaxPriority)
}
