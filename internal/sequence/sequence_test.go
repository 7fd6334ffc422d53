package sequence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"spoolq/internal/logging"
)

func newTestSequencer(t *testing.T) *Sequencer {
	t.Helper()
	return New(t.TempDir(), 50*time.Millisecond, logging.NewNop())
}

func TestNextIsUniqueAcrossGoroutines(t *testing.T) {
	seq := newTestSequencer(t)

	const workers, perWorker = 8, 25
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				token, err := seq.Next(context.Background(), 5)
				if err != nil {
					t.Errorf("Next returned error: %v", err)
					return
				}
				mu.Lock()
				seen[token.String()] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d unique tokens, got %d", workers*perWorker, len(seen))
	}
}

func TestNextStaysMonotonicWhenClockStalls(t *testing.T) {
	seq := newTestSequencer(t)
	fixed := time.Unix(1_700_000_000, 0)
	seq.now = func() time.Time { return fixed }

	var previous string
	for i := 0; i < 5; i++ {
		token, err := seq.Next(context.Background(), 5)
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		if token.Fallback {
			t.Fatal("did not expect fallback token")
		}
		if token.Value <= previous {
			t.Fatalf("expected increasing values, got %q after %q", token.Value, previous)
		}
		previous = token.Value
	}
	if want := formatValue(fixed.UnixNano() + 4); previous != want {
		t.Fatalf("expected last value %q, got %q", want, previous)
	}
}

func TestTokenOrderFollowsPriorityThenSequence(t *testing.T) {
	seq := newTestSequencer(t)
	ctx := context.Background()

	a, _ := seq.Next(ctx, 5)
	b, _ := seq.Next(ctx, 3)
	c, _ := seq.Next(ctx, 5)
	d, _ := seq.Next(ctx, 10)

	refs := []string{d.String(), c.String(), a.String(), b.String()}
	sort.Strings(refs)
	want := []string{b.String(), a.String(), c.String(), d.String()}
	for i := range want {
		if refs[i] != want[i] {
			t.Fatalf("unexpected order %v, want %v", refs, want)
		}
	}
}

func TestNextFallsBackWhenLockHeld(t *testing.T) {
	dir := t.TempDir()
	seq := New(dir, 20*time.Millisecond, logging.NewNop())

	holder := flock.New(filepath.Join(dir, lockFile))
	locked, err := holder.TryLock()
	if err != nil || !locked {
		t.Fatalf("failed to hold lock: locked=%v err=%v", locked, err)
	}
	defer func() { _ = holder.Unlock() }()

	token, err := seq.Next(context.Background(), 4)
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if !token.Fallback {
		t.Fatal("expected fallback token while lock is held")
	}
	parsed, err := Parse(token.String())
	if err != nil {
		t.Fatalf("fallback token should parse: %v", err)
	}
	if parsed.Priority != 4 || !parsed.Fallback {
		t.Fatalf("unexpected parsed token: %+v", parsed)
	}
}

func TestNextFallsBackOnCorruptCounter(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, counterFile), []byte("not-a-number"), 0o644); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	seq := New(dir, 50*time.Millisecond, logging.NewNop())

	token, err := seq.Next(context.Background(), 5)
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if !token.Fallback {
		t.Fatal("expected fallback token for corrupt counter")
	}
}

func TestNextRejectsInvalidPriority(t *testing.T) {
	seq := newTestSequencer(t)
	for _, priority := range []int{0, 11, -1} {
		if _, err := seq.Next(context.Background(), priority); !errors.Is(err, ErrInvalidPriority) {
			t.Fatalf("priority %d: expected ErrInvalidPriority, got %v", priority, err)
		}
	}
}

func TestNextHonorsCancelledContext(t *testing.T) {
	seq := newTestSequencer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := seq.Next(ctx, 5); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseRejectsMalformedTokens(t *testing.T) {
	for _, raw := range []string{
		"",
		"5-0000000000000000001",
		"00-0000000000000000001",
		"11-0000000000000000001",
		"05-123",
		"05-000000000000000000x",
		"05-0000000000000000001-",
		"05-0000000000000000001-../x",
	} {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Parse(%q): expected ErrInvalidToken, got %v", raw, err)
		}
	}
	token, err := Parse("03-0000000000000000042")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if token.Priority != 3 || token.Value != "0000000000000000042" || token.Fallback {
		t.Fatalf("unexpected token: %+v", token)
	}
}
