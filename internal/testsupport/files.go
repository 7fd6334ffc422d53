package testsupport

import (
	"os"
	"testing"
	"time"
)

// Backdate sets the modification time of path to age ago.
func Backdate(t testing.TB, path string, age time.Duration) {
	t.Helper()

	when := time.Now().Add(-age)
	if err := os.Chtimes(path, when, when); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}
