package worker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"spoolq/internal/config"
	"spoolq/internal/logging"
	"spoolq/internal/queue"
	"spoolq/internal/runstate"
	"spoolq/internal/sink"
	"spoolq/internal/stats"
	"spoolq/internal/supervisor"
	"spoolq/internal/testsupport"
	"spoolq/internal/worker"
)

type recordingSink struct {
	mu    sync.Mutex
	calls []string
	fn    func(call int, payload string) error
}

func (r *recordingSink) Execute(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	r.calls = append(r.calls, string(payload))
	call := len(r.calls)
	r.mu.Unlock()
	if r.fn == nil {
		return nil
	}
	return r.fn(call, string(payload))
}

func (r *recordingSink) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type harness struct {
	cfg   *config.Config
	store *queue.Store
	run   *runstate.Store
	sink  *recordingSink
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	cfg.Worker.IdleTimeout = 1
	return &harness{
		cfg:   cfg,
		store: testsupport.MustOpenStore(t, cfg),
		run:   runstate.New(cfg.RunDir()),
		sink:  &recordingSink{},
	}
}

func (h *harness) worker() *worker.Worker {
	return worker.New(h.cfg, h.store, h.run, h.sink, stats.Nop{}, logging.NewNop())
}

func (h *harness) put(t *testing.T, priority int, payload string) *queue.Item {
	t.Helper()
	return testsupport.MustPut(t, h.store, testsupport.NewSequencer(h.cfg), priority, payload)
}

func (h *harness) counts(t *testing.T) queue.Counts {
	t.Helper()
	counts, err := h.store.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	return counts
}

func TestRunProcessesInPriorityOrder(t *testing.T) {
	h := newHarness(t)
	h.put(t, 5, "A")
	h.put(t, 3, "B")
	h.put(t, 5, "C")

	summary, err := h.worker().Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Reason != worker.ExitIdle {
		t.Fatalf("expected idle exit, got %s", summary.Reason)
	}
	if got := strings.Join(h.sink.seen(), ","); got != "B,A,C" {
		t.Fatalf("unexpected execution order %s", got)
	}
	counts := h.counts(t)
	if counts[queue.AreaCompleted] != 3 || counts[queue.AreaPending] != 0 || counts[queue.AreaClaimed] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if _, err := h.run.ReadIdentity(); !errors.Is(err, runstate.ErrMissing) {
		t.Fatalf("expected identity cleared on exit, got %v", err)
	}
}

func TestInlineRetryRecoversFromBusy(t *testing.T) {
	h := newHarness(t)
	h.sink.fn = func(call int, _ string) error {
		if call <= 2 {
			return sink.Wrap(sink.ErrTransient, "execute", "database busy", errors.New("database is locked"))
		}
		return nil
	}
	h.put(t, 5, "X")

	summary, err := h.worker().Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Completed != 1 || summary.Requeued != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if calls := len(h.sink.seen()); calls != 3 {
		t.Fatalf("expected 3 sink calls, got %d", calls)
	}
}

func TestTransientFailureExhaustsRetries(t *testing.T) {
	h := newHarness(t, testsupport.WithMaxRetries(2))
	h.sink.fn = func(int, string) error {
		return sink.Wrap(sink.ErrTransient, "execute", "database busy", errors.New("database is locked"))
	}
	h.put(t, 5, "X")

	summary, err := h.worker().Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Requeued != 2 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	// Each pass makes one attempt plus the inline retries.
	perPass := h.cfg.Worker.BusyRetries + 1
	if calls := len(h.sink.seen()); calls != 3*perPass {
		t.Fatalf("expected %d sink calls, got %d", 3*perPass, calls)
	}

	failed, err := h.store.List(queue.AreaFailed, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected one failed item, got %d", len(failed))
	}
	item := failed[0].Item
	if item == nil {
		t.Fatalf("failed item unreadable: %v", failed[0].Err)
	}
	if item.RetryCount != 2 || item.Priority != 7 {
		t.Fatalf("unexpected retry state retry=%d priority=%d", item.RetryCount, item.Priority)
	}
	if !strings.Contains(item.FailureReason, "retries exhausted") {
		t.Fatalf("unexpected failure reason %q", item.FailureReason)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.sink.fn = func(int, string) error {
		return errors.New(`near "SELEC": syntax error`)
	}
	h.put(t, 5, "bad")

	summary, err := h.worker().Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if calls := len(h.sink.seen()); calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", calls)
	}
	if counts := h.counts(t); counts[queue.AreaFailed] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestRunRecoversOrphansAtStartup(t *testing.T) {
	h := newHarness(t)
	item := h.put(t, 5, "orphan")
	if _, err := h.store.Claim(item.Ref()); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	summary, err := h.worker().Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Recovered.Requeued != 1 || summary.Completed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if counts := h.counts(t); counts[queue.AreaCompleted] != 1 || counts[queue.AreaClaimed] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestRunRefusesSecondWorker(t *testing.T) {
	h := newHarness(t)
	own, ok, err := h.run.AcquireOwnership()
	if err != nil || !ok {
		t.Fatalf("AcquireOwnership: ok=%v err=%v", ok, err)
	}
	defer own.Release()

	if _, err := h.worker().Run(context.Background()); !errors.Is(err, worker.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestCancelDrainsAndReleases(t *testing.T) {
	h := newHarness(t)
	h.cfg.Worker.DrainLimit = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sink.fn = func(call int, _ string) error {
		if call == 1 {
			cancel()
		}
		return nil
	}
	h.put(t, 5, "first")
	h.put(t, 5, "second")
	h.put(t, 5, "third")

	summary, err := h.worker().Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Reason != worker.ExitShutdown {
		t.Fatalf("expected shutdown, got %s", summary.Reason)
	}
	if got := strings.Join(h.sink.seen(), ","); got != "first,second" {
		t.Fatalf("unexpected executions %s", got)
	}
	counts := h.counts(t)
	if counts[queue.AreaCompleted] != 2 || counts[queue.AreaPending] != 1 || counts[queue.AreaClaimed] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if summary.Released != 1 {
		t.Fatalf("expected one released item, got %d", summary.Released)
	}
}

func TestHealthCheckDuringBatchSeesHealthyWorker(t *testing.T) {
	h := newHarness(t)
	h.cfg.Sink.CallTimeout = 1
	h.cfg.Worker.ProcessingTimeout = 2
	h.cfg.Worker.BusyRetries = 0
	h.cfg.Queue.BatchSize = 4
	if err := h.cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	h.sink.fn = func(int, string) error {
		time.Sleep(900 * time.Millisecond)
		return nil
	}
	for _, payload := range []string{"a", "b", "c", "d"} {
		h.put(t, 5, payload)
	}

	done := make(chan worker.Summary, 1)
	go func() {
		summary, err := h.worker().Run(context.Background())
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- summary
	}()

	time.Sleep(2300 * time.Millisecond)
	sup := supervisor.New(h.run, h.store, nil, nil, supervisor.OptionsFromConfig(h.cfg), logging.NewNop())
	report := sup.FullCheck(context.Background())
	if report.State != supervisor.StateHealthy || report.Terminated {
		t.Fatalf("busy worker reported %s (%s), terminated=%v", report.State, report.Reason, report.Terminated)
	}

	summary := <-done
	if summary.Completed != 4 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestCancelDuringTransientFailureRequeues(t *testing.T) {
	h := newHarness(t)
	h.cfg.Worker.BusyRetries = 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sink.fn = func(int, string) error {
		cancel()
		return sink.Wrap(sink.ErrTransient, "execute", "database busy", errors.New("database is locked"))
	}
	h.put(t, 5, "X")

	summary, err := h.worker().Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Reason != worker.ExitShutdown || summary.Requeued != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	counts := h.counts(t)
	if counts[queue.AreaPending] != 1 || counts[queue.AreaClaimed] != 0 {
		t.Fatalf("item must return to pending, counts %v", counts)
	}
}

func TestIdleWorkerKeepsHeartbeatFresh(t *testing.T) {
	h := newHarness(t)
	h.cfg.Worker.IdleTimeout = 10
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := h.worker().Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	time.Sleep(300 * time.Millisecond)
	first, err := h.run.LastHeartbeat()
	if err != nil {
		t.Fatalf("LastHeartbeat: %v", err)
	}
	time.Sleep(2500 * time.Millisecond)
	last, err := h.run.LastHeartbeat()
	if err != nil {
		t.Fatalf("LastHeartbeat: %v", err)
	}
	if !last.After(first) {
		t.Fatalf("heartbeat did not advance while idle: first=%s last=%s", first, last)
	}
	if age := time.Since(last); age > 1500*time.Millisecond {
		t.Fatalf("idle heartbeat is %s old", age)
	}

	cancel()
	<-done
}
