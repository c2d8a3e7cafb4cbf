package cache

import (
	"strconv"

	"github.com/gofiber/storage/redis"
)

const limiterDatabase = 2

// NewLimiterStorage returns a fiber storage for the rate limiter so request
// counts are shared between instances. Limiter keys live in their own
// database.
func NewLimiterStorage(host, port, password string) *redis.Storage {
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 {
		p = 6379
	}
	return redis.New(redis.Config{
		Host:     host,
		Port:     p,
		Password: password,
		Database: limiterDatabase,
		Reset:    false,
	})
}
