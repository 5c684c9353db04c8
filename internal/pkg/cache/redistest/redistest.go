// Package redistest connects tests to a local Redis and skips them when none
// is reachable.
package redistest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ManuelReschke/LedgerFox/internal/pkg/env"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

func resolve(t *testing.T) (string, string) {
	t.Helper()

	hosts := lo.Uniq(lo.Compact([]string{env.GetEnv("CACHE_HOST", ""), "cache", "localhost", "127.0.0.1"}))
	ports := lo.Uniq(lo.Compact([]string{env.GetEnv("CACHE_PORT", ""), "6379"}))

	var lastErr error
	for _, host := range hosts {
		for _, port := range ports {
			client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port)})
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_, err := client.Ping(ctx).Result()
			cancel()
			_ = client.Close()
			if err == nil {
				return host, port
			}
			lastErr = err
		}
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return "", ""
}

// Client returns a client on an isolated, flushed database. The database is
// flushed again when the test ends.
func Client(t *testing.T, db int) *redis.Client {
	t.Helper()

	host, port := resolve(t)
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       db,
	})
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: flush of db %d failed (%v)", db, err)
	}

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}
