package preflight

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"spoolq/internal/config"
	"spoolq/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestRunAll_FreshConfigPasses(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	results := RunAll(context.Background(), cfg)
	if failed := Failed(results); len(failed) > 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestRunAll_SkipsDisabledStats(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStatsBackend(config.StatsBackendOff))
	for _, r := range RunAll(context.Background(), cfg) {
		if r.Name == "Stats backend" {
			t.Fatal("stats check should be skipped when disabled")
		}
	}
}

func TestCheckSink_BadPath(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Sink.DatabasePath = filepath.Join(blocker, "sink.db")
	if result := CheckSink(context.Background(), cfg); result.Passed {
		t.Fatal("expected failure for unreachable database path")
	}
}

func TestCheckStats_Redis(t *testing.T) {
	mrd := miniredis.RunT(t)
	cfg := testsupport.NewConfig(t, testsupport.WithStatsBackend(config.StatsBackendRedis))
	cfg.Stats.RedisAddr = mrd.Addr()

	if result := CheckStats(context.Background(), cfg); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}

	mrd.Close()
	if result := CheckStats(context.Background(), cfg); result.Passed {
		t.Fatal("expected failure once redis is gone")
	}
}
