package controllers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LocalMarket/app/models"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/billing"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/jobqueue"
)

func adminApp(ac *AdminController) *fiber.App {
	app := testApp()
	app.Get("/admin/webhook-events", ac.HandleListWebhookEvents)
	app.Post("/admin/webhook-events/sweep", ac.HandleSweepWebhookEvents)
	app.Post("/admin/webhook-events/:id/reprocess", ac.HandleReprocessWebhookEvent)
	app.Post("/admin/businesses/:businessID/cancel", ac.HandleCancelSubscription)
	app.Post("/admin/businesses/:businessID/activate", ac.HandleActivateSubscription)
	app.Get("/admin/stats/outcomes", ac.HandleOutcomeStats)
	return app
}

func TestListWebhookEvents(t *testing.T) {
	lister := &fakeLister{events: []models.WebhookEvent{{ID: 1, RequestID: "req-1", EventType: "payment"}}}
	app := adminApp(NewAdminController(&fakeHandler{}, &fakeService{}, lister, nil))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/admin/webhook-events?limit=10", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), decodeBody(t, resp)["count"])
	require.NotNil(t, lister.filter.Processed)
	assert.False(t, *lister.filter.Processed)
	assert.Equal(t, 10, lister.filter.Limit)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/admin/webhook-events?processed=all&limit=9999", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Nil(t, lister.filter.Processed)
	assert.Equal(t, 500, lister.filter.Limit)
}

func TestReprocessWebhookEvent(t *testing.T) {
	h := &fakeHandler{reprocess: func(id uint) (*billing.Result, error) {
		switch id {
		case 5:
			return &billing.Result{EventID: 5, Outcome: billing.OutcomeActivated, Replayed: true}, nil
		case 6:
			return &billing.Result{EventID: 6, Outcome: billing.OutcomeDeferred}, fmt.Errorf("%w: timeout", billing.ErrGatewayUnavailable)
		}
		return nil, billing.ErrEventNotFound
	}}
	app := adminApp(NewAdminController(h, &fakeService{}, &fakeLister{}, nil))

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/admin/webhook-events/5/reprocess", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "activated", decodeBody(t, resp)["outcome"])

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/admin/webhook-events/6/reprocess", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/admin/webhook-events/99/reprocess", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/admin/webhook-events/abc/reprocess", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestSweepWebhookEvents(t *testing.T) {
	app := adminApp(NewAdminController(&fakeHandler{swept: 4}, &fakeService{}, &fakeLister{}, nil))

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/admin/webhook-events/sweep", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4), decodeBody(t, resp)["reconciled"])
}

type fakeSweepQueue struct{ calls int }

func (q *fakeSweepQueue) EnqueueSweep(context.Context) (*jobqueue.Job, error) {
	q.calls++
	return &jobqueue.Job{ID: "job-1", Type: jobqueue.JobTypeSweepWebhooks}, nil
}

func TestSweepWebhookEvents_Async(t *testing.T) {
	ac := NewAdminController(&fakeHandler{}, &fakeService{}, &fakeLister{}, nil)
	app := adminApp(ac)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/admin/webhook-events/sweep?async=true", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	q := &fakeSweepQueue{}
	ac.WithSweepQueue(q)
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/admin/webhook-events/sweep?async=true", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "job-1", decodeBody(t, resp)["job_id"])
	assert.Equal(t, 1, q.calls)
}

func TestCancelSubscription(t *testing.T) {
	svc := &fakeService{sub: &models.Subscription{BusinessID: "biz_1", Status: models.SubscriptionStatusCancelled, CancelReason: "fraud"}}
	app := adminApp(NewAdminController(&fakeHandler{}, svc, &fakeLister{}, nil))

	req := httptest.NewRequest(http.MethodPost, "/admin/businesses/biz_1/cancel", strings.NewReader(`{"reason":"fraud"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "biz_1", svc.lastBizID)
	assert.Equal(t, "fraud", svc.lastReason)

	svc.err = billing.ErrSubscriptionNotFound
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/admin/businesses/biz_2/cancel", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestActivateSubscription(t *testing.T) {
	svc := &fakeService{sub: &models.Subscription{BusinessID: "biz_1", Status: models.SubscriptionStatusActive}}
	app := adminApp(NewAdminController(&fakeHandler{}, svc, &fakeLister{}, nil))

	req := httptest.NewRequest(http.MethodPost, "/admin/businesses/biz_1/activate",
		strings.NewReader(`{"plan_type":"PRO","period_start":"2026-03-01T00:00:00Z"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "PRO", svc.lastPlan)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), svc.lastStart)
	assert.Equal(t, svc.lastStart.Add(billing.BillingPeriod), svc.lastEnd)

	svc.err = billing.ErrInvalidPeriod
	req = httptest.NewRequest(http.MethodPost, "/admin/businesses/biz_1/activate",
		strings.NewReader(`{"plan_type":"PRO","period_start":"2026-03-01T00:00:00Z","period_end":"2026-02-01T00:00:00Z"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_period", decodeBody(t, resp)["error"])
}

func TestOutcomeStats(t *testing.T) {
	app := adminApp(NewAdminController(&fakeHandler{}, &fakeService{}, &fakeLister{}, nil))
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/admin/stats/outcomes", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	stats := &fakeStats{}
	app = adminApp(NewAdminController(&fakeHandler{}, &fakeService{}, &fakeLister{}, stats))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/admin/stats/outcomes?day=2026-02-28", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "2026-02-28", body["day"])
	assert.Equal(t, map[string]any{"activated": float64(3), "duplicate": float64(1)}, body["outcomes"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/admin/stats/outcomes?day=yesterday", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
