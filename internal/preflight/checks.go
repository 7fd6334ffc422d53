package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"

	"spoolq/internal/config"
	"spoolq/internal/logging"
	"spoolq/internal/sink"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSink opens the sink database and pings it.
func CheckSink(ctx context.Context, cfg *config.Config) Result {
	const name = "Sink database"

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	db, err := sink.OpenSQLite(cfg.Sink.DatabasePath, time.Duration(cfg.Sink.BusyTimeoutMillis)*time.Millisecond, logging.NewNop())
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", cfg.Sink.DatabasePath, err)}
	}
	defer db.Close()
	if err := db.Ping(checkCtx); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (%s)", cfg.Sink.DatabasePath, summarizeError(err))}
	}
	return Result{Name: name, Passed: true, Detail: cfg.Sink.DatabasePath}
}

// CheckStats verifies the configured counter backend is usable.
func CheckStats(ctx context.Context, cfg *config.Config) Result {
	const name = "Stats backend"

	switch cfg.Stats.Backend {
	case config.StatsBackendRedis:
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		client := redis.NewClient(&redis.Options{
			Addr:       cfg.Stats.RedisAddr,
			DB:         cfg.Stats.RedisDB,
			MaxRetries: -1,
		})
		defer client.Close()
		if err := client.Ping(checkCtx).Err(); err != nil {
			return Result{Name: name, Detail: fmt.Sprintf("redis %s (%s)", cfg.Stats.RedisAddr, summarizeError(err))}
		}
		return Result{Name: name, Passed: true, Detail: "redis " + cfg.Stats.RedisAddr}
	case config.StatsBackendOff:
		return Result{Name: name, Passed: true, Detail: "disabled"}
	default:
		r := CheckDirectoryAccess(name, cfg.StatsDir())
		if r.Passed {
			r.Detail = "file " + cfg.StatsDir()
		}
		return r
	}
}

func summarizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sink.ErrTimeout) {
		return "check timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "check timed out (unreachable)"
	}
	return err.Error()
}
