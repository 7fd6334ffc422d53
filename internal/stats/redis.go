package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"spoolq/internal/logging"
)

const redisCallTimeout = 200 * time.Millisecond

// RedisOptions configures the redis recorder.
type RedisOptions struct {
	Addr string
	DB   int
	Key  string
}

// Redis keeps counters as fields of one redis hash.
type Redis struct {
	rdb    redis.UniversalClient
	key    string
	owned  bool
	logger *slog.Logger
}

// NewRedis connects lazily to the server in opts.
func NewRedis(opts RedisOptions, logger *slog.Logger) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		DB:           opts.DB,
		DialTimeout:  redisCallTimeout,
		ReadTimeout:  redisCallTimeout,
		WriteTimeout: redisCallTimeout,
		MaxRetries:   -1,
	})
	r := NewRedisClient(rdb, opts.Key, logger)
	r.owned = true
	return r
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb redis.UniversalClient, key string, logger *slog.Logger) *Redis {
	if key == "" {
		key = "spoolq:stats"
	}
	return &Redis{rdb: rdb, key: key, logger: logging.NewComponentLogger(logger, "stats")}
}

// Increment runs HINCRBY with a short timeout; failures are logged at debug
// level and dropped.
func (r *Redis) Increment(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()
	if err := r.rdb.HIncrBy(ctx, r.key, name, 1).Err(); err != nil {
		r.logger.Debug("counter increment dropped", logging.String("counter", name), logging.Error(err))
	}
}

// Snapshot returns every counter in the hash.
func (r *Redis) Snapshot(ctx context.Context) (map[string]int64, error) {
	raw, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	counters := make(map[string]int64, len(raw))
	for name, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		counters[name] = n
	}
	return counters, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close releases the client when this recorder created it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.rdb.Close()
}
