package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LocalMarket/app/models"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/billing"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/gateway"
)

type fakeHandler struct {
	mu        sync.Mutex
	received  []*billing.Notification
	result    *billing.Result
	err       error
	reprocess func(id uint) (*billing.Result, error)
	swept     int
}

func (h *fakeHandler) HandleNotification(_ context.Context, n *billing.Notification) (*billing.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, n)
	return h.result, h.err
}

func (h *fakeHandler) ReprocessEvent(_ context.Context, id uint) (*billing.Result, error) {
	if h.reprocess == nil {
		return nil, billing.ErrEventNotFound
	}
	return h.reprocess(id)
}

func (h *fakeHandler) Sweep(context.Context) (int, error) {
	return h.swept, nil
}

func (h *fakeHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

type fakeService struct {
	status      *billing.SubscriptionStatus
	sub         *models.Subscription
	pref        *gateway.Preference
	err         error
	lastReq     billing.CheckoutRequest
	lastPlan    string
	lastReason  string
	lastStart   time.Time
	lastEnd     time.Time
	lastBizID   string
	activations int
}

func (s *fakeService) Status(_ context.Context, businessID string) (*billing.SubscriptionStatus, error) {
	s.lastBizID = businessID
	return s.status, s.err
}

func (s *fakeService) StartTrial(_ context.Context, businessID, planType string) (*models.Subscription, error) {
	s.lastBizID, s.lastPlan = businessID, planType
	return s.sub, s.err
}

func (s *fakeService) CreateCheckout(_ context.Context, req billing.CheckoutRequest) (*gateway.Preference, error) {
	s.lastReq = req
	return s.pref, s.err
}

func (s *fakeService) Activate(_ context.Context, businessID, planType string, start, end time.Time) (*models.Subscription, error) {
	s.lastBizID, s.lastPlan, s.lastStart, s.lastEnd = businessID, planType, start, end
	s.activations++
	return s.sub, s.err
}

func (s *fakeService) Cancel(_ context.Context, businessID, reason string) (*models.Subscription, error) {
	s.lastBizID, s.lastReason = businessID, reason
	return s.sub, s.err
}

type fakeQueue struct {
	enqueued []uint
}

func (q *fakeQueue) EnqueueReconcile(_ context.Context, eventID uint, _ string) error {
	q.enqueued = append(q.enqueued, eventID)
	return nil
}

type fakeLister struct {
	events []models.WebhookEvent
	filter billing.EventFilter
}

func (l *fakeLister) ListWebhookEvents(_ context.Context, filter billing.EventFilter) ([]models.WebhookEvent, error) {
	l.filter = filter
	return l.events, nil
}

type fakeStats struct {
	day time.Time
}

func (s *fakeStats) Daily(_ context.Context, day time.Time) (map[string]int64, error) {
	s.day = day
	return map[string]int64{"activated": 3, "duplicate": 1}, nil
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func testApp() *fiber.App {
	return fiber.New(fiber.Config{DisableStartupMessage: true})
}
