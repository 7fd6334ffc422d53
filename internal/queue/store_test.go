package queue_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"spoolq/internal/queue"
	"spoolq/internal/testsupport"
)

func TestPutListsInPriorityThenSequenceOrder(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seq := testsupport.NewSequencer(cfg)

	a := testsupport.MustPut(t, store, seq, 5, `{"n":"A"}`)
	b := testsupport.MustPut(t, store, seq, 3, `{"n":"B"}`)
	c := testsupport.MustPut(t, store, seq, 5, `{"n":"C"}`)

	refs, err := store.ListPending(10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	want := []string{b.Ref(), a.Ref(), c.Ref()}
	if len(refs) != len(want) {
		t.Fatalf("expected %d refs, got %v", len(want), refs)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Fatalf("unexpected order %v, want %v", refs, want)
		}
	}

	limited, err := store.ListPending(2)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(limited) != 2 || limited[0] != b.Ref() {
		t.Fatalf("unexpected limited listing %v", limited)
	}
}

func TestPutLeavesNoStagingFiles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seq := testsupport.NewSequencer(cfg)

	item := testsupport.MustPut(t, store, seq, 5, "payload")

	entries, err := os.ReadDir(filepath.Join(cfg.QueueDir(), "tmp"))
	if err != nil {
		t.Fatalf("read tmp: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty staging area, found %d entries", len(entries))
	}
	got, err := store.Get(queue.AreaPending, item.Ref())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Payload) != "payload" || got.OriginalPriority != 5 || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected stored item: %+v", got)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seq := testsupport.NewSequencer(cfg)
	item := testsupport.MustPut(t, store, seq, 5, "x")

	const contenders = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Claim(item.Ref())
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !errors.Is(err, queue.ErrNotFound) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	counts, err := store.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[queue.AreaClaimed] != 1 || counts[queue.AreaPending] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestClaimRejectsInvalidRef(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	for _, ref := range []string{"../../etc/passwd", "05-abc", ""} {
		if _, err := store.Claim(ref); !errors.Is(err, queue.ErrInvalidRef) {
			t.Fatalf("Claim(%q): expected ErrInvalidRef, got %v", ref, err)
		}
	}
}

func TestCompleteMovesClaimedItem(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seq := testsupport.NewSequencer(cfg)
	item := testsupport.MustPut(t, store, seq, 5, "x")

	if err := store.Complete(item.Ref()); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("Complete before claim: expected ErrNotFound, got %v", err)
	}
	if _, err := store.Claim(item.Ref()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.Complete(item.Ref()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := store.Get(queue.AreaCompleted, item.Ref()); err != nil {
		t.Fatalf("expected item in completed: %v", err)
	}
}

func TestFailAnnotatesItem(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seq := testsupport.NewSequencer(cfg)
	item := testsupport.MustPut(t, store, seq, 5, "x")

	if _, err := store.Claim(item.Ref()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.Fail(item.Ref(), "no such table: users"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	failed, err := store.Get(queue.AreaFailed, item.Ref())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if failed.FailureReason != "no such table: users" || failed.FailedAt == nil {
		t.Fatalf("expected failure annotation, got %+v", failed)
	}
}

func TestRequeueDemotesUntilRetriesExhausted(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxRetries(2), testsupport.WithPriorityStep(4))
	store := testsupport.MustOpenStore(t, cfg)
	seq := testsupport.NewSequencer(cfg)
	item := testsupport.MustPut(t, store, seq, 5, "x")
	ctx := context.Background()

	ref := item.Ref()
	wantPriorities := []int{9, 10}
	for attempt, wantPriority := range wantPriorities {
		if _, err := store.Claim(ref); err != nil {
			t.Fatalf("attempt %d claim: %v", attempt, err)
		}
		res, err := store.Requeue(ctx, ref, "database is locked")
		if err != nil {
			t.Fatalf("attempt %d requeue: %v", attempt, err)
		}
		if res.Failed {
			t.Fatalf("attempt %d: did not expect failure", attempt)
		}
		if res.Priority != wantPriority || res.RetryCount != attempt+1 {
			t.Fatalf("attempt %d: unexpected result %+v", attempt, res)
		}
		if _, err := store.Get(queue.AreaClaimed, ref); !errors.Is(err, queue.ErrNotFound) {
			t.Fatalf("attempt %d: claimed copy should be gone, got %v", attempt, err)
		}
		ref = res.NewRef
	}

	if _, err := store.Claim(ref); err != nil {
		t.Fatalf("final claim: %v", err)
	}
	res, err := store.Requeue(ctx, ref, "database is locked")
	if err != nil {
		t.Fatalf("final requeue: %v", err)
	}
	if !res.Failed {
		t.Fatal("expected item to fail once retries are exhausted")
	}
	failed, err := store.Get(queue.AreaFailed, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if failed.RetryCount != 2 {
		t.Fatalf("expected retry_count to equal max retries, got %d", failed.RetryCount)
	}
	if failed.FailureReason == "" {
		t.Fatal("expected failure reason")
	}

	counts, err := store.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Total() != 1 || counts[queue.AreaFailed] != 1 {
		t.Fatalf("expected a single failed item, got %v", counts)
	}
}

func TestReleaseReturnsItemUnchanged(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seq := testsupport.NewSequencer(cfg)
	item := testsupport.MustPut(t, store, seq, 5, "x")

	if _, err := store.Claim(item.Ref()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.Release(item.Ref()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got, err := store.Get(queue.AreaPending, item.Ref())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RetryCount != 0 || got.Priority != 5 {
		t.Fatalf("release should not change the item: %+v", got)
	}
}

func TestRecoverOrphansHonorsThreshold(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seq := testsupport.NewSequencer(cfg)
	ctx := context.Background()

	stale := testsupport.MustPut(t, store, seq, 5, "stale")
	fresh := testsupport.MustPut(t, store, seq, 5, "fresh")
	for _, ref := range []string{stale.Ref(), fresh.Ref()} {
		if _, err := store.Claim(ref); err != nil {
			t.Fatalf("Claim: %v", err)
		}
	}
	testsupport.Backdate(t, filepath.Join(cfg.QueueDir(), "claimed", stale.Ref()+".json"), time.Hour)

	res, err := store.RecoverOrphans(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if res.Requeued != 1 || res.Failed != 0 {
		t.Fatalf("unexpected recovery result %+v", res)
	}
	if _, err := store.Get(queue.AreaClaimed, fresh.Ref()); err != nil {
		t.Fatalf("fresh claim should remain: %v", err)
	}

	pending, err := store.List(queue.AreaPending, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 || pending[0].Item.RetryCount != 1 || string(pending[0].Item.Payload) != "stale" {
		t.Fatalf("expected recovered item with retry_count 1, got %+v", pending)
	}

	res, err = store.RecoverOrphans(ctx, 0)
	if err != nil {
		t.Fatalf("RecoverOrphans(0): %v", err)
	}
	if res.Total() != 1 {
		t.Fatalf("zero threshold should recover every claimed item, got %+v", res)
	}
}

func TestRecoverOrphansFailsCorruptItems(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ref := "05-0000000000000000007"
	path := filepath.Join(cfg.QueueDir(), "claimed", ref+".json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt item: %v", err)
	}

	res, err := store.RecoverOrphans(context.Background(), 0)
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected corrupt item to fail, got %+v", res)
	}
	if _, err := os.Stat(filepath.Join(cfg.QueueDir(), "failed", ref+".json")); err != nil {
		t.Fatalf("expected corrupt item in failed: %v", err)
	}
}

func TestReplayRestoresOriginalPriority(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxRetries(0))
	store := testsupport.MustOpenStore(t, cfg)
	seq := testsupport.NewSequencer(cfg)
	ctx := context.Background()
	item := testsupport.MustPut(t, store, seq, 2, "x")

	if _, err := store.Claim(item.Ref()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res, err := store.Requeue(ctx, item.Ref(), "busy"); err != nil || !res.Failed {
		t.Fatalf("expected immediate failure with zero retries: res=%+v err=%v", res, err)
	}

	results, err := store.Replay(ctx)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(results) != 1 || results[0].Ref != item.Ref() {
		t.Fatalf("unexpected replay results %+v", results)
	}
	replayed, err := store.Get(queue.AreaPending, results[0].NewRef)
	if err != nil {
		t.Fatalf("Get replayed: %v", err)
	}
	if replayed.Priority != 2 || replayed.RetryCount != 0 || replayed.FailureReason != "" || replayed.FailedAt != nil {
		t.Fatalf("replay should reset retry state: %+v", replayed)
	}
}

func TestGarbageCollectRemovesExpiredFiles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seq := testsupport.NewSequencer(cfg)

	old := testsupport.MustPut(t, store, seq, 5, "old")
	recent := testsupport.MustPut(t, store, seq, 5, "recent")
	for _, ref := range []string{old.Ref(), recent.Ref()} {
		if _, err := store.Claim(ref); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if err := store.Complete(ref); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	testsupport.Backdate(t, filepath.Join(cfg.QueueDir(), "completed", old.Ref()+".json"), 48*time.Hour)

	staging := filepath.Join(cfg.QueueDir(), "tmp", "05-0000000000000000001.1.abc.staging")
	if err := os.WriteFile(staging, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write staging: %v", err)
	}
	testsupport.Backdate(t, staging, 2*time.Hour)

	res, err := store.GarbageCollect(24*time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("GarbageCollect: %v", err)
	}
	if res.Completed != 1 || res.Staging != 1 {
		t.Fatalf("unexpected gc result %+v", res)
	}
	if _, err := store.Get(queue.AreaCompleted, recent.Ref()); err != nil {
		t.Fatalf("recent item should survive gc: %v", err)
	}

	res, err = store.GarbageCollect(0, time.Hour)
	if err != nil {
		t.Fatalf("GarbageCollect: %v", err)
	}
	if res.Completed != 0 {
		t.Fatalf("zero retention must keep terminal items, got %+v", res)
	}
}

func TestOldestClaimed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seq := testsupport.NewSequencer(cfg)

	if _, ok, err := store.OldestClaimed(); err != nil || ok {
		t.Fatalf("expected no claimed items: ok=%v err=%v", ok, err)
	}
	item := testsupport.MustPut(t, store, seq, 5, "x")
	if _, err := store.Claim(item.Ref()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	testsupport.Backdate(t, filepath.Join(cfg.QueueDir(), "claimed", item.Ref()+".json"), 5*time.Minute)

	age, ok, err := store.OldestClaimed()
	if err != nil || !ok {
		t.Fatalf("OldestClaimed: ok=%v err=%v", ok, err)
	}
	if age < 4*time.Minute {
		t.Fatalf("expected age near 5m, got %s", age)
	}

	if err := store.Touch(item.Ref()); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	age, _, _ = store.OldestClaimed()
	if age > time.Minute {
		t.Fatalf("expected touch to reset age, got %s", age)
	}
}

func TestFindSearchesAllAreas(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seq := testsupport.NewSequencer(cfg)
	item := testsupport.MustPut(t, store, seq, 5, "x")
	if _, err := store.Claim(item.Ref()); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	area, got, err := store.Find(item.Ref())
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if area != queue.AreaClaimed || got.Ref() != item.Ref() {
		t.Fatalf("unexpected find result area=%s item=%+v", area, got)
	}
	if _, _, err := store.Find("05-0000000000000000001"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
