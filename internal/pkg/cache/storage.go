package cache

import (
	"net"
	"strconv"

	"github.com/ManuelReschke/LedgerFox/internal/pkg/env"
	"github.com/gofiber/storage/redis"
)

// limiterDB keeps rate limiter keys apart from counters and locks on DB 0.
const limiterDB = 1

// NewLimiterStorage returns fiber storage for the rate limiter on the same
// server the cache client talks to.
func NewLimiterStorage() *redis.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if c := GetClient(); c != nil {
		if h, p, err := net.SplitHostPort(c.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := c.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: limiterDB,
		Reset:    false,
	})
}
