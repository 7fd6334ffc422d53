package testsupport

import (
	"context"
	"testing"
	"time"

	"spoolq/internal/config"
	"spoolq/internal/logging"
	"spoolq/internal/queue"
	"spoolq/internal/sequence"
)

// NewSequencer returns a sequencer rooted in the config's run directory.
func NewSequencer(cfg *config.Config) *sequence.Sequencer {
	return sequence.New(cfg.RunDir(), time.Duration(cfg.Sequencer.LockTimeoutMillis)*time.Millisecond, logging.NewNop())
}

// MustOpenStore opens a queue.Store for tests.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg.QueueDir(), NewSequencer(cfg), queue.Options{
		MaxRetries:   cfg.Queue.MaxRetries,
		PriorityStep: cfg.Queue.PriorityStep,
		Logger:       logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	return store
}

// MustPut writes a pending item with a fresh token and returns it.
func MustPut(t testing.TB, store *queue.Store, seq *sequence.Sequencer, priority int, payload string) *queue.Item {
	t.Helper()

	token, err := seq.Next(context.Background(), priority)
	if err != nil {
		t.Fatalf("sequencer.Next: %v", err)
	}
	item := &queue.Item{
		Sequence:  token.Value,
		Priority:  token.Priority,
		Payload:   []byte(payload),
		Operation: "test",
	}
	if err := store.Put(item); err != nil {
		t.Fatalf("store.Put: %v", err)
	}
	return item
}
