package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LocalMarket/internal/pkg/billing"
)

// Reprocessor retries a stored webhook event.
type Reprocessor interface {
	ReprocessEvent(ctx context.Context, eventID uint) (*billing.Result, error)
}

// Sweeper reprocesses every stale unprocessed webhook event.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// processReconcileWebhookJob retries one webhook event. A deferred outcome
// fails the job so the queue retry policy applies.
func (q *Queue) processReconcileWebhookJob(ctx context.Context, job *Job) error {
	payload, err := ReconcileWebhookJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid reconcile webhook payload: %w", err)
	}
	if payload.EventID == 0 {
		return fmt.Errorf("reconcile webhook payload has no event id")
	}
	if q.reprocessor == nil {
		return fmt.Errorf("no reprocessor configured")
	}

	res, err := q.reprocessor.ReprocessEvent(ctx, payload.EventID)
	if errors.Is(err, billing.ErrEventNotFound) {
		log.Warnf("[JobQueue] Webhook event %d no longer exists, dropping job %s", payload.EventID, job.ID)
		return nil
	}
	if err != nil {
		return err
	}
	log.Infof("[JobQueue] Webhook event %d (request %s) reconciled: %s", res.EventID, res.RequestID, res.Outcome)
	return nil
}

func (q *Queue) processSweepWebhooksJob(ctx context.Context) error {
	if q.sweeper == nil {
		return fmt.Errorf("no sweeper configured")
	}
	n, err := q.sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	log.Infof("[JobQueue] Manual sweep reconciled %d webhook events", n)
	return nil
}

// EnqueueReconcile schedules a retry for a deferred webhook event.
func (q *Queue) EnqueueReconcile(ctx context.Context, eventID uint, requestID string) error {
	_, err := q.EnqueueJob(ctx, JobTypeReconcileWebhook, ReconcileWebhookJobPayload{
		EventID:   eventID,
		RequestID: requestID,
	}.ToMap())
	return err
}

// EnqueueSweep schedules a sweep of all stale unprocessed events.
func (q *Queue) EnqueueSweep(ctx context.Context) (*Job, error) {
	return q.EnqueueJob(ctx, JobTypeSweepWebhooks, map[string]interface{}{})
}
