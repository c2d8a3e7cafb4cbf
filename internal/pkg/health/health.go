package health

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LocalMarket/internal/pkg/jobqueue"
)

// Report is the readiness of the service dependencies.
type Report struct {
	Healthy   bool      `json:"healthy"`
	Database  string    `json:"database"`
	Cache     string    `json:"cache"`
	Queue     *Queue    `json:"queue,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Queue is the backlog of the background job queue.
type Queue struct {
	Pending    int64            `json:"pending"`
	Processing int64            `json:"processing"`
	Jobs       map[string]int64 `json:"jobs"`
}

// QueueStats reads the job queue backlog.
type QueueStats interface {
	GetQueueSize(ctx context.Context) (int64, error)
	GetProcessingSize(ctx context.Context) (int64, error)
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
}

// Checker pings the database and the cache.
type Checker struct {
	db      *gorm.DB
	rdb     *redis.Client
	queue   QueueStats
	timeout time.Duration
}

func NewChecker(db *gorm.DB, rdb *redis.Client) *Checker {
	return &Checker{db: db, rdb: rdb, timeout: 2 * time.Second}
}

// WithQueue adds the job queue backlog to every report.
func (c *Checker) WithQueue(q QueueStats) *Checker {
	c.queue = q
	return c
}

// Check runs both pings. A cache failure degrades the report but does not
// mark it unhealthy.
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r := Report{Healthy: true, Database: "ok", Cache: "ok", CheckedAt: time.Now().UTC()}

	if err := c.pingDatabase(ctx); err != nil {
		log.Errorf("[Health] Database check failed: %v", err)
		r.Healthy = false
		r.Database = "unavailable"
	}
	if c.rdb == nil {
		r.Cache = "disabled"
	} else if err := c.rdb.Ping(ctx).Err(); err != nil {
		log.Warnf("[Health] Cache check failed: %v", err)
		r.Cache = "unavailable"
	}
	if c.queue != nil && r.Cache != "unavailable" {
		q, err := c.queueBacklog(ctx)
		if err != nil {
			log.Warnf("[Health] Queue check failed: %v", err)
		} else {
			r.Queue = q
		}
	}
	return r
}

func (c *Checker) queueBacklog(ctx context.Context) (*Queue, error) {
	pending, err := c.queue.GetQueueSize(ctx)
	if err != nil {
		return nil, err
	}
	processing, err := c.queue.GetProcessingSize(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := c.queue.GetJobStats(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make(map[string]int64, len(stats))
	for status, n := range stats {
		jobs[string(status)] = n
	}
	return &Queue{Pending: pending, Processing: processing, Jobs: jobs}, nil
}

func (c *Checker) pingDatabase(ctx context.Context) error {
	if c.db == nil {
		return gorm.ErrInvalidDB
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
