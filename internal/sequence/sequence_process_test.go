package sequence

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"spoolq/internal/logging"
)

func TestNextIsUniqueAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	const processes, perProcess = 4, 50

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		outputs = make([]string, 0, processes)
	)
	for i := 0; i < processes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess")
			cmd.Env = append(os.Environ(),
				"GO_WANT_HELPER_PROCESS=1",
				"SEQUENCE_HELPER_DIR="+dir,
				fmt.Sprintf("SEQUENCE_HELPER_COUNT=%d", perProcess),
			)
			out, err := cmd.Output()
			if err != nil {
				t.Errorf("helper process: %v", err)
				return
			}
			mu.Lock()
			outputs = append(outputs, string(out))
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := make(map[string]struct{}, processes*perProcess)
	for _, out := range outputs {
		var previous string
		for _, line := range strings.Fields(out) {
			token, err := Parse(line)
			if err != nil {
				t.Fatalf("helper printed %q: %v", line, err)
			}
			if token.Fallback {
				t.Fatalf("helper fell back to %q", line)
			}
			if line <= previous {
				t.Fatalf("tokens from one process went backwards: %s after %s", line, previous)
			}
			previous = line
			if _, dup := seen[line]; dup {
				t.Fatalf("token %s issued twice", line)
			}
			seen[line] = struct{}{}
		}
	}
	if len(seen) != processes*perProcess {
		t.Fatalf("expected %d unique tokens, got %d", processes*perProcess, len(seen))
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	count, err := strconv.Atoi(os.Getenv("SEQUENCE_HELPER_COUNT"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad count:", err)
		os.Exit(2)
	}
	seq := New(os.Getenv("SEQUENCE_HELPER_DIR"), 5*time.Second, logging.NewNop())
	for i := 0; i < count; i++ {
		token, err := seq.Next(context.Background(), 5)
		if err != nil {
			fmt.Fprintln(os.Stderr, "next:", err)
			os.Exit(1)
		}
		if token.Fallback {
			fmt.Fprintln(os.Stderr, "fallback token", token)
			os.Exit(1)
		}
		fmt.Println(token.String())
	}
	os.Exit(0)
}
