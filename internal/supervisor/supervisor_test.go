package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"spoolq/internal/logging"
	"spoolq/internal/runstate"
)

type fakeLauncher struct {
	run   *runstate.Store
	calls atomic.Int32

	mu    sync.Mutex
	owned []*runstate.Ownership
}

func (f *fakeLauncher) Launch(ctx context.Context) (int, error) {
	f.calls.Add(1)
	own, ok, err := f.run.WaitOwnership(ctx, time.Second)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("ownership already held")
	}
	f.mu.Lock()
	f.owned = append(f.owned, own)
	f.mu.Unlock()

	if err := f.run.Beat(); err != nil {
		return 0, err
	}
	if err := f.run.WriteIdentity(runstate.NewIdentity()); err != nil {
		return 0, err
	}
	return os.Getpid(), nil
}

func (f *fakeLauncher) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, own := range f.owned {
		_ = own.Release()
	}
	f.owned = nil
}

type fixedAge struct {
	age time.Duration
	ok  bool
}

func (f fixedAge) OldestClaimed() (time.Duration, bool, error) {
	return f.age, f.ok, nil
}

func testOptions() Options {
	return Options{
		HealthCacheTTL:    5 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		ProcessingTimeout: time.Minute,
		StartupWait:       3 * time.Second,
		LockStale:         30 * time.Second,
		IdentityWait:      2 * time.Second,
		StopGrace:         time.Second,
		PollInterval:      10 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, claims ClaimAger) (*Supervisor, *fakeLauncher) {
	t.Helper()
	run := runstate.New(t.TempDir())
	launcher := &fakeLauncher{run: run}
	t.Cleanup(launcher.stop)
	return New(run, claims, launcher, nil, testOptions(), logging.NewNop()), launcher
}

func TestEnsureStartedLaunchesOnce(t *testing.T) {
	sup, launcher := newTestSupervisor(t, nil)
	ctx := context.Background()

	result, err := sup.EnsureStarted(ctx)
	if err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	if !result.Launched || result.State != StateHealthy {
		t.Fatalf("unexpected result %+v", result)
	}
	if !sup.CachedCheck() {
		t.Fatal("expected health cache to be fresh after a start")
	}

	result, err = sup.EnsureStarted(ctx)
	if err != nil {
		t.Fatalf("second EnsureStarted: %v", err)
	}
	if result.Launched {
		t.Fatal("healthy worker must not be relaunched")
	}
	if got := launcher.calls.Load(); got != 1 {
		t.Fatalf("expected 1 launch, got %d", got)
	}
}

func TestConcurrentEnsureStartedLaunchesSingleWorker(t *testing.T) {
	sup, launcher := newTestSupervisor(t, nil)

	const starters = 8
	var wg sync.WaitGroup
	errs := make(chan error, starters)
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sup.EnsureStarted(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("EnsureStarted: %v", err)
	}
	if got := launcher.calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 launch, got %d", got)
	}
}

func TestFullCheckWithoutWorker(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)

	report := sup.FullCheck(context.Background())
	if report.State != StateUnknown {
		t.Fatalf("expected unknown, got %s (%s)", report.State, report.Reason)
	}
	if sup.CachedCheck() {
		t.Fatal("cache must not be fresh without a worker")
	}
}

func TestFullCheckDetectsFreeLock(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	if err := sup.run.WriteIdentity(runstate.NewIdentity()); err != nil {
		t.Fatal(err)
	}
	if err := sup.run.Beat(); err != nil {
		t.Fatal(err)
	}

	report := sup.FullCheck(context.Background())
	if report.State != StateUnhealthy {
		t.Fatalf("expected unhealthy, got %s", report.State)
	}
	if _, err := sup.run.ReadIdentity(); !errors.Is(err, runstate.ErrMissing) {
		t.Fatalf("expected identity cleared, got %v", err)
	}
}

func TestFullCheckTerminatesWedgedWorker(t *testing.T) {
	sup, launcher := newTestSupervisor(t, fixedAge{age: 2 * time.Minute, ok: true})
	if _, err := launcher.Launch(context.Background()); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	var terminated atomic.Int32
	sup.terminate = func(ctx context.Context, pid int, grace time.Duration) (bool, error) {
		terminated.Add(1)
		return false, nil
	}

	report := sup.FullCheck(context.Background())
	if report.State != StateUnhealthy || !report.Terminated {
		t.Fatalf("expected terminated unhealthy report, got %+v", report)
	}
	if terminated.Load() != 1 {
		t.Fatalf("expected one terminate call, got %d", terminated.Load())
	}
}

func TestFullCheckStaleHeartbeat(t *testing.T) {
	sup, launcher := newTestSupervisor(t, nil)
	sup.opts.HeartbeatTimeout = 20 * time.Millisecond
	sup.terminate = func(context.Context, int, time.Duration) (bool, error) { return false, nil }
	if _, err := launcher.Launch(context.Background()); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	report := sup.FullCheck(context.Background())
	if !report.Terminated {
		t.Fatalf("expected stale worker to be terminated, got %+v", report)
	}
}

func TestFullCheckReportsStarting(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	own, ok, err := sup.run.AcquireOwnership()
	if err != nil || !ok {
		t.Fatalf("AcquireOwnership: ok=%v err=%v", ok, err)
	}
	defer own.Release()

	if report := sup.FullCheck(context.Background()); report.State != StateStarting {
		t.Fatalf("expected starting, got %s", report.State)
	}
}

func TestKickUsesCache(t *testing.T) {
	run := runstate.New(t.TempDir())
	var triggered atomic.Int32
	trigger := func(context.Context) error {
		triggered.Add(1)
		return nil
	}
	sup := New(run, nil, nil, trigger, testOptions(), logging.NewNop())

	if err := sup.Kick(context.Background()); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if triggered.Load() != 1 {
		t.Fatalf("expected trigger on cache miss, got %d", triggered.Load())
	}

	if err := run.MarkHealthy(); err != nil {
		t.Fatal(err)
	}
	if err := sup.Kick(context.Background()); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if triggered.Load() != 1 {
		t.Fatalf("expected cached kick to skip trigger, got %d", triggered.Load())
	}
}

func TestKickPropagatesTriggerError(t *testing.T) {
	run := runstate.New(t.TempDir())
	sup := New(run, nil, nil, func(context.Context) error { return errors.New("boom") }, testOptions(), logging.NewNop())
	if err := sup.Kick(context.Background()); err == nil {
		t.Fatal("expected trigger error")
	}
}

type brokenClaims struct{}

func (brokenClaims) OldestClaimed() (time.Duration, bool, error) {
	return 0, false, errors.New("read claimed dir: input/output error")
}

func TestFullCheckKeepsRecordsWhenCheckFails(t *testing.T) {
	sup, launcher := newTestSupervisor(t, brokenClaims{})
	if _, err := launcher.Launch(context.Background()); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	before, err := sup.run.ReadIdentity()
	if err != nil {
		t.Fatalf("ReadIdentity: %v", err)
	}
	sup.terminate = func(context.Context, int, time.Duration) (bool, error) {
		t.Fatal("worker must not be terminated when the check fails")
		return false, nil
	}

	report := sup.FullCheck(context.Background())
	if report.State != StateUnknown || report.Err == nil {
		t.Fatalf("expected unknown report with error, got %+v", report)
	}
	after, err := sup.run.ReadIdentity()
	if err != nil {
		t.Fatalf("identity was cleared: %v", err)
	}
	if after.ID != before.ID {
		t.Fatalf("identity changed: %s -> %s", before.ID, after.ID)
	}

	if _, err := sup.EnsureStarted(context.Background()); err == nil {
		t.Fatal("expected EnsureStarted to report the failed check")
	}
	if got := launcher.calls.Load(); got != 1 {
		t.Fatalf("failed check must not launch another worker, launches=%d", got)
	}
}
