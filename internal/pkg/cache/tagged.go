package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	tagKeyPrefix     = "cache:tag:"
	versionKeyPrefix = "cache:tagver:"
)

var errVersionChanged = errors.New("tag version changed")

// TaggedStore caches JSON values and groups keys by tag so related entries
// can be dropped together.
type TaggedStore struct {
	rdb    *redis.Client
	prefix string
}

func NewTaggedStore(rdb *redis.Client, prefix string) *TaggedStore {
	return &TaggedStore{rdb: rdb, prefix: prefix}
}

func (s *TaggedStore) key(k string) string {
	return s.prefix + k
}

func (s *TaggedStore) tagKey(tag string) string {
	return s.prefix + tagKeyPrefix + tag
}

func (s *TaggedStore) versionKey(tag string) string {
	return s.prefix + versionKeyPrefix + tag
}

// GetJSON decodes the cached value into dst. It reports false on a miss.
func (s *TaggedStore) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		// Unreadable entries are dropped and treated as a miss.
		_ = s.rdb.Del(ctx, s.key(key)).Err()
		return false, nil
	}
	return true, nil
}

// TagVersion returns the invalidation counter of tag. It is zero until the
// tag is first invalidated.
func (s *TaggedStore) TagVersion(ctx context.Context, tag string) (int64, error) {
	return readVersion(ctx, s.rdb, s.versionKey(tag))
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readVersion(ctx context.Context, c stringGetter, key string) (int64, error) {
	v, err := c.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// SetJSONIfCurrent stores v under key and registers it with tag, but only
// while the tag is still at version. A value read before a concurrent
// invalidation is therefore never written back. It reports whether v was
// stored.
func (s *TaggedStore) SetJSONIfCurrent(ctx context.Context, key string, v any, ttl time.Duration, tag string, version int64) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	vk := s.versionKey(tag)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readVersion(ctx, tx, vk)
		if err != nil {
			return err
		}
		if current != version {
			return errVersionChanged
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key(key), raw, ttl)
			pipe.SAdd(ctx, s.tagKey(tag), s.key(key))
			if ttl > 0 {
				pipe.Expire(ctx, s.tagKey(tag), ttl)
			}
			return nil
		})
		return err
	}, vk)
	if errors.Is(err, errVersionChanged) || errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InvalidateTags bumps the version of every tag and deletes the keys
// registered with it.
func (s *TaggedStore) InvalidateTags(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		if err := s.rdb.Incr(ctx, s.versionKey(tag)).Err(); err != nil {
			return err
		}
		tk := s.tagKey(tag)
		keys, err := s.rdb.SMembers(ctx, tk).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		keys = append(keys, tk)
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	return nil
}
