package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LocalMarket/internal/pkg/billing"
)

// TestNewQueue tests the queue constructor
func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(nil, tt.workers, nil, nil)

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.NotNil(t, queue.workerPool)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.NotNil(t, queue.stopCh)
			assert.Equal(t, DefaultRetryDelay, queue.retryDelay)
			assert.False(t, queue.running)
		})
	}
}

func TestConstants(t *testing.T) {
	// Test Redis key constants
	assert.Equal(t, "job:", JobKeyPrefix)
	assert.Equal(t, "job_queue", JobQueueKey)
	assert.Equal(t, "job_processing", JobProcessingKey)
	assert.Equal(t, "job_stats", JobStatsKey)

	// Test job settings constants
	assert.Equal(t, 3, DefaultMaxRetries)
	assert.Equal(t, 24*time.Hour, JobTTL)
}

type fakeReprocessor struct {
	mu    sync.Mutex
	calls []uint
	errs  []error
}

func (r *fakeReprocessor) ReprocessEvent(_ context.Context, eventID uint) (*billing.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, eventID)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return &billing.Result{EventID: eventID, Outcome: billing.OutcomeDeferred}, err
		}
	}
	return &billing.Result{EventID: eventID, Outcome: billing.OutcomeActivated}, nil
}

func (r *fakeReprocessor) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestProcessReconcileWebhookJob(t *testing.T) {
	rep := &fakeReprocessor{}
	q := NewQueue(nil, 1, rep, nil)

	job := &Job{ID: "j1", Type: JobTypeReconcileWebhook, Payload: ReconcileWebhookJobPayload{EventID: 42}.ToMap()}
	require.NoError(t, q.processReconcileWebhookJob(context.Background(), job))
	assert.Equal(t, []uint{42}, rep.calls)

	rep.errs = []error{billing.ErrGatewayUnavailable}
	err := q.processReconcileWebhookJob(context.Background(), job)
	assert.True(t, errors.Is(err, billing.ErrGatewayUnavailable))

	rep.errs = []error{billing.ErrEventNotFound}
	assert.NoError(t, q.processReconcileWebhookJob(context.Background(), job))

	bad := &Job{ID: "j2", Type: JobTypeReconcileWebhook, Payload: map[string]interface{}{}}
	assert.Error(t, q.processReconcileWebhookJob(context.Background(), bad))
}

func TestQueue_ReconcilesEnqueuedEvents(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	resetJobQueueRedisWithClient(t, client)

	rep := &fakeReprocessor{errs: []error{billing.ErrGatewayUnavailable}}
	q := NewQueue(client, 2, rep, nil)
	q.retryDelay = 20 * time.Millisecond
	q.Start()
	t.Cleanup(q.Stop)

	require.NoError(t, q.EnqueueReconcile(context.Background(), 7, "req-7"))

	// First attempt fails, the retry succeeds.
	assert.True(t, WaitForCondition(func() bool { return rep.callCount() >= 2 }, 5*time.Second))
	assert.True(t, WaitForCondition(func() bool {
		n, err := q.GetProcessingSize(context.Background())
		return err == nil && n == 0
	}, 5*time.Second))

	stats, err := q.GetJobStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])
}
