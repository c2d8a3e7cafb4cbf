package counter

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	outcomesKeyPrefix = "billing:counters:outcomes:"
	retention         = 35 * 24 * time.Hour
)

// OutcomeCounter keeps per-day reconciliation outcome counts in a Redis hash.
// The counts back the admin stats endpoint.
type OutcomeCounter struct {
	rdb *redis.Client
	now func() time.Time
}

func NewOutcomeCounter(rdb *redis.Client) *OutcomeCounter {
	return &OutcomeCounter{rdb: rdb, now: time.Now}
}

func dayKey(day time.Time) string {
	return outcomesKeyPrefix + day.UTC().Format("2006-01-02")
}

// Add increments the counter for outcome on the current day.
func (c *OutcomeCounter) Add(ctx context.Context, outcome string) error {
	key := dayKey(c.now())
	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, outcome, 1)
	pipe.Expire(ctx, key, retention)
	_, err := pipe.Exec(ctx)
	return err
}

// Daily returns the outcome counts recorded on day.
func (c *OutcomeCounter) Daily(ctx context.Context, day time.Time) (map[string]int64, error) {
	data, err := c.rdb.HGetAll(ctx, dayKey(day)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(data))
	for k, v := range data {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}
