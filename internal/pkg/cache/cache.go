package cache

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// SetupCache initializes the connection to the Redis compatible cache server.
// A failed ping is logged; commands will fail until the server is reachable.
func SetupCache(addr, password string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache at %s: %v", addr, err)
	} else {
		log.Infof("[Cache] Connected to cache: %s", pong)
	}
	return client
}
