package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/LocalMarket/app/models"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/gateway"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
)

// Processing notes stored on completed events.
const (
	noteUnknownEventType = "unknown_event_type"
	noteUnresolvable     = "unresolvable"
	noteAbandoned        = "abandoned"
)

// PayloadArchiver keeps a copy of raw webhook bodies outside the database.
type PayloadArchiver interface {
	ArchiveWebhookPayload(ctx context.Context, requestID string, receivedAt time.Time, payload []byte) error
}

// OutcomeRecorder counts reconciliation outcomes.
type OutcomeRecorder interface {
	Add(ctx context.Context, outcome string) error
}

// ReconcilerConfig bounds retries and sweeping.
type ReconcilerConfig struct {
	// MaxAttempts is the number of failed processing attempts after which an
	// event is completed as abandoned.
	MaxAttempts    int
	SweepMinAge    time.Duration
	SweepBatchSize int
}

// Reconciler turns recorded webhook events into subscription transitions.
// It is safe for concurrent use; concurrent deliveries of the same event
// are serialized by the event row lock in the repository.
type Reconciler struct {
	svc      *Service
	repo     Repository
	gateway  PaymentGateway
	archiver PayloadArchiver
	recorder OutcomeRecorder
	cfg      ReconcilerConfig
}

func NewReconciler(svc *Service, cfg ReconcilerConfig) *Reconciler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 12
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	if cfg.SweepMinAge < 0 {
		cfg.SweepMinAge = 0
	}
	return &Reconciler{
		svc:     svc,
		repo:    svc.repo,
		gateway: svc.gateway,
		cfg:     cfg,
	}
}

// WithArchiver enables raw payload archiving for newly recorded events.
func (r *Reconciler) WithArchiver(a PayloadArchiver) *Reconciler {
	r.archiver = a
	return r
}

// WithRecorder enables persistent outcome counting.
func (r *Reconciler) WithRecorder(rec OutcomeRecorder) *Reconciler {
	r.recorder = rec
	return r
}

// HandleNotification records a notification exactly once and reconciles it.
// A nil Result means nothing was stored. A non-nil Result with an error
// means the event is stored but processing was deferred.
func (r *Reconciler) HandleNotification(ctx context.Context, n *Notification) (*Result, error) {
	if err := n.Validate(); err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "billing.HandleNotification")
	defer span.End()

	resourceID := n.ResourceID()
	payload := n.Raw
	if len(payload) == 0 || !json.Valid(payload) {
		var err error
		if payload, err = json.Marshal(n); err != nil {
			return nil, fmt.Errorf("encode notification: %w", err)
		}
	}
	event := &models.WebhookEvent{
		RequestID:      n.RequestKey(),
		Provider:       models.PaymentProviderMercadoPago,
		EventType:      n.EventType(),
		ResourceID:     &resourceID,
		Payload:        datatypes.JSON(payload),
		SignatureValid: n.SignatureValid,
	}
	span.SetAttributes(
		attribute.String("webhook.request_id", event.RequestID),
		attribute.String("webhook.event_type", event.EventType),
	)

	created, stored, err := r.repo.CreateWebhookEventIfNotExists(ctx, event)
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("persist_failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("record webhook event: %w", err)
	}

	res := &Result{EventID: stored.ID, RequestID: stored.RequestID}
	if !created {
		if stored.Processed {
			metrics.WebhookRequestsTotal.WithLabelValues("duplicate").Inc()
			log.Infof("[Billing] Duplicate webhook %s (event %d) ignored", stored.RequestID, stored.ID)
			res.Duplicate = true
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
		res.Replayed = true
		metrics.WebhookRequestsTotal.WithLabelValues("replayed").Inc()
	} else {
		metrics.WebhookRequestsTotal.WithLabelValues("recorded").Inc()
		r.archive(ctx, stored, payload)
	}

	outcome, err := r.process(ctx, stored)
	res.Outcome = outcome
	if outcome == OutcomeDuplicate {
		res.Duplicate = true
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// ReprocessEvent retries a stored event. Processed events are left alone.
func (r *Reconciler) ReprocessEvent(ctx context.Context, eventID uint) (*Result, error) {
	ev, err := r.repo.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	res := &Result{EventID: ev.ID, RequestID: ev.RequestID, Replayed: true}
	if ev.Processed {
		res.Duplicate = true
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	if ev.Attempts >= r.cfg.MaxAttempts {
		note := noteAbandoned
		if ev.LastError != "" {
			note += ": " + ev.LastError
		}
		if err := r.repo.MarkWebhookProcessed(ctx, ev.ID, note); err != nil {
			if errors.Is(err, ErrAlreadyProcessed) {
				res.Outcome = OutcomeDuplicate
				return res, nil
			}
			return nil, err
		}
		log.Errorf("[Billing] Audit: webhook event %d (request %s) abandoned after %d attempts: %s",
			ev.ID, ev.RequestID, ev.Attempts, ev.LastError)
		r.count(ctx, OutcomeAbandoned)
		res.Outcome = OutcomeAbandoned
		return res, nil
	}

	outcome, err := r.process(ctx, ev)
	res.Outcome = outcome
	return res, err
}

// Sweep reprocesses unprocessed events older than the configured minimum
// age. It returns the number of events that reached a final outcome.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	before := r.svc.now().Add(-r.cfg.SweepMinAge)
	events, err := r.repo.ListUnprocessedWebhookEvents(ctx, before, r.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed webhook events: %w", err)
	}

	done := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		metrics.SweptEventsTotal.Inc()
		res, err := r.ReprocessEvent(ctx, ev.ID)
		if err != nil {
			log.Warnf("[Billing] Sweep could not reconcile event %d: %v", ev.ID, err)
			continue
		}
		if res.Outcome != OutcomeDeferred {
			done++
		}
	}
	if len(events) > 0 {
		log.Infof("[Billing] Sweep finished: %d/%d events reconciled", done, len(events))
	}
	return done, nil
}

func (r *Reconciler) process(ctx context.Context, ev *models.WebhookEvent) (Outcome, error) {
	started := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
	}()

	if !isKnownEventType(ev.EventType) {
		if err := r.repo.MarkWebhookProcessed(ctx, ev.ID, noteUnknownEventType); err != nil {
			if errors.Is(err, ErrAlreadyProcessed) {
				return OutcomeDuplicate, nil
			}
			return r.deferEvent(ctx, ev, err)
		}
		log.Warnf("[Billing] Audit: webhook event %d (request %s) has unknown type %q, stored without transition",
			ev.ID, ev.RequestID, ev.EventType)
		r.count(ctx, OutcomeIgnored)
		return OutcomeIgnored, nil
	}

	payment, err := r.gateway.FetchPayment(ctx, ev.ResourceIDValue())
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("fetch_payment", "error").Inc()
		return r.deferEvent(ctx, ev, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err))
	}
	metrics.GatewayRequestsTotal.WithLabelValues("fetch_payment", "ok").Inc()

	t, err := Decide(payment)
	if err != nil {
		note := noteUnresolvable + ": " + err.Error()
		if merr := r.repo.MarkWebhookProcessed(ctx, ev.ID, note); merr != nil {
			if errors.Is(merr, ErrAlreadyProcessed) {
				return OutcomeDuplicate, nil
			}
			return r.deferEvent(ctx, ev, merr)
		}
		log.Warnf("[Billing] Audit: webhook event %d payment %s cannot be applied: %v", ev.ID, t.PaymentID, err)
		r.count(ctx, OutcomeIgnored)
		return OutcomeIgnored, nil
	}

	if t.Kind == TransitionNone {
		if err := r.repo.MarkWebhookProcessed(ctx, ev.ID, "no_change: payment "+t.Status); err != nil {
			if errors.Is(err, ErrAlreadyProcessed) {
				return OutcomeDuplicate, nil
			}
			return r.deferEvent(ctx, ev, err)
		}
		r.count(ctx, OutcomeNoChange)
		return OutcomeNoChange, nil
	}

	var outcome Outcome
	var applied *models.Subscription
	err = r.svc.applyChange(ctx, ev.ID, t.BusinessID, func(current *models.Subscription) (*models.Subscription, string, error) {
		next, o, err := applyPaymentTransition(current, t, r.svc.now().UTC())
		if err != nil {
			return nil, "", err
		}
		outcome, applied = o, next
		return next, string(o) + ": payment " + t.PaymentID + " " + t.Status, nil
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		log.Infof("[Billing] Webhook event %d was completed concurrently", ev.ID)
		return OutcomeDuplicate, nil
	}
	if errors.Is(err, ErrInvalidPeriod) {
		if merr := r.repo.MarkWebhookProcessed(ctx, ev.ID, noteUnresolvable+": "+err.Error()); merr != nil && !errors.Is(merr, ErrAlreadyProcessed) {
			return r.deferEvent(ctx, ev, merr)
		}
		r.count(ctx, OutcomeIgnored)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return r.deferEvent(ctx, ev, fmt.Errorf("apply transition: %w", err))
	}

	log.Infof("[Billing] Webhook event %d: business %s %s (payment %s %s)",
		ev.ID, t.BusinessID, outcome, t.PaymentID, t.Status)
	r.svc.afterCommit(ctx, outcome, applied, t.PaymentID, ev.ID)
	r.count(ctx, outcome)
	return outcome, nil
}

// deferEvent records a failed attempt and leaves the event unprocessed.
func (r *Reconciler) deferEvent(ctx context.Context, ev *models.WebhookEvent, cause error) (Outcome, error) {
	if err := r.repo.RecordWebhookFailure(ctx, ev.ID, cause.Error()); err != nil {
		log.Errorf("[Billing] Failed to record attempt for webhook event %d: %v", ev.ID, err)
	}
	log.Warnf("[Billing] Webhook event %d deferred: %v", ev.ID, cause)
	r.count(ctx, OutcomeDeferred)
	return OutcomeDeferred, cause
}

func (r *Reconciler) count(ctx context.Context, outcome Outcome) {
	metrics.ReconciliationsTotal.WithLabelValues(string(outcome)).Inc()
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Add(ctx, string(outcome)); err != nil {
		log.Warnf("[Billing] Failed to count outcome %s: %v", outcome, err)
	}
}

func (r *Reconciler) archive(ctx context.Context, ev *models.WebhookEvent, payload []byte) {
	if r.archiver == nil {
		return
	}
	if err := r.archiver.ArchiveWebhookPayload(ctx, ev.RequestID, ev.CreatedAt, payload); err != nil {
		log.Warnf("[Billing] Failed to archive payload of webhook event %d: %v", ev.ID, err)
	}
}

var _ PaymentGateway = (*gateway.Client)(nil)
