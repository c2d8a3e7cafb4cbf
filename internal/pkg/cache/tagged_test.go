package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LocalMarket/internal/pkg/env"
)

const taggedTestRedisDB = 13

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379"))
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       taggedTestRedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: %v", err)
	}
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	require.NoError(t, client.FlushDB(context.Background()).Err())
	return client
}

type snapshot struct {
	BusinessID string `json:"business_id"`
	Plan       string `json:"plan"`
}

func TestTaggedStore_SetGetInvalidate(t *testing.T) {
	rdb := newTestRedis(t)
	store := NewTaggedStore(rdb, "test:")
	ctx := context.Background()

	var got snapshot
	hit, err := store.GetJSON(ctx, "billing:subscription:biz_1", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	stored, err := store.SetJSONIfCurrent(ctx, "billing:subscription:biz_1", snapshot{"biz_1", "PRO"}, time.Minute, "business:biz_1", 0)
	require.NoError(t, err)
	assert.True(t, stored)
	stored, err = store.SetJSONIfCurrent(ctx, "billing:subscription:biz_2", snapshot{"biz_2", "BASIC"}, time.Minute, "business:biz_2", 0)
	require.NoError(t, err)
	assert.True(t, stored)

	hit, err = store.GetJSON(ctx, "billing:subscription:biz_1", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, snapshot{"biz_1", "PRO"}, got)

	require.NoError(t, store.InvalidateTags(ctx, "business:biz_1"))

	hit, err = store.GetJSON(ctx, "billing:subscription:biz_1", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	hit, err = store.GetJSON(ctx, "billing:subscription:biz_2", &got)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestTaggedStore_CorruptEntryIsAMiss(t *testing.T) {
	rdb := newTestRedis(t)
	store := NewTaggedStore(rdb, "test:")
	ctx := context.Background()

	require.NoError(t, rdb.Set(ctx, "test:broken", "{not json", time.Minute).Err())

	var got snapshot
	hit, err := store.GetJSON(ctx, "broken", &got)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int64(0), rdb.Exists(ctx, "test:broken").Val())
}

func TestTaggedStore_StaleWriteAfterInvalidationIsDropped(t *testing.T) {
	rdb := newTestRedis(t)
	store := NewTaggedStore(rdb, "test:")
	ctx := context.Background()

	seen, err := store.TagVersion(ctx, "business:biz_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seen)

	// A writer commits and invalidates between the read and the cache fill.
	require.NoError(t, store.InvalidateTags(ctx, "business:biz_1"))

	stored, err := store.SetJSONIfCurrent(ctx, "billing:subscription:biz_1", snapshot{"biz_1", "PRO"}, time.Minute, "business:biz_1", seen)
	require.NoError(t, err)
	assert.False(t, stored)

	var got snapshot
	hit, err := store.GetJSON(ctx, "billing:subscription:biz_1", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	current, err := store.TagVersion(ctx, "business:biz_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)
	stored, err = store.SetJSONIfCurrent(ctx, "billing:subscription:biz_1", snapshot{"biz_1", "PRO"}, time.Minute, "business:biz_1", current)
	require.NoError(t, err)
	assert.True(t, stored)
}
