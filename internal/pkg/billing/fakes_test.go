package billing

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/LocalMarket/app/models"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/gateway"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// memRepository is an in-memory Repository. A single mutex serializes every
// call, which matches the row locks the SQL implementation takes.
type memRepository struct {
	mu        sync.Mutex
	nextID    uint
	events    map[uint]*models.WebhookEvent
	byRequest map[string]uint
	subs      map[string]*models.Subscription

	// conflicts makes the next N ApplySubscriptionChange calls fail with
	// ErrStorageConflict.
	conflicts  int
	applyCalls int
}

func newMemRepository() *memRepository {
	return &memRepository{
		events:    map[uint]*models.WebhookEvent{},
		byRequest: map[string]uint{},
		subs:      map[string]*models.Subscription{},
	}
}

func cloneEvent(ev *models.WebhookEvent) *models.WebhookEvent {
	c := *ev
	if ev.ResourceID != nil {
		v := *ev.ResourceID
		c.ResourceID = &v
	}
	return &c
}

func (m *memRepository) CreateWebhookEventIfNotExists(_ context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byRequest[event.RequestID]; ok {
		return false, cloneEvent(m.events[id]), nil
	}
	m.nextID++
	stored := cloneEvent(event)
	stored.ID = m.nextID
	stored.CreatedAt = testNow
	stored.UpdatedAt = testNow
	m.events[stored.ID] = stored
	m.byRequest[stored.RequestID] = stored.ID
	return true, cloneEvent(stored), nil
}

func (m *memRepository) GetWebhookEvent(_ context.Context, id uint) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return cloneEvent(ev), nil
}

func (m *memRepository) ListWebhookEvents(_ context.Context, filter EventFilter) ([]models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.WebhookEvent{}
	for _, ev := range m.events {
		if filter.Processed != nil && ev.Processed != *filter.Processed {
			continue
		}
		out = append(out, *cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memRepository) ListUnprocessedWebhookEvents(_ context.Context, createdBefore time.Time, limit int) ([]models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.WebhookEvent{}
	for _, ev := range m.events {
		if !ev.Processed && ev.CreatedAt.Before(createdBefore) {
			out = append(out, *cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepository) MarkWebhookProcessed(_ context.Context, id uint, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markLocked(id, note)
}

func (m *memRepository) markLocked(id uint, note string) error {
	ev, ok := m.events[id]
	if !ok || ev.Processed {
		return ErrAlreadyProcessed
	}
	now := testNow
	ev.Processed = true
	ev.ProcessedAt = &now
	ev.ProcessingNote = truncateNote(note)
	return nil
}

func (m *memRepository) RecordWebhookFailure(_ context.Context, id uint, processingErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[id]; ok && !ev.Processed {
		ev.Attempts++
		ev.LastError = processingErr
	}
	return nil
}

func (m *memRepository) GetSubscription(_ context.Context, businessID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[businessID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (m *memRepository) ApplySubscriptionChange(_ context.Context, eventID uint, businessID string, mutate SubscriptionMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCalls++
	if m.conflicts > 0 {
		m.conflicts--
		return ErrStorageConflict
	}
	if eventID != 0 {
		ev, ok := m.events[eventID]
		if !ok {
			return ErrEventNotFound
		}
		if ev.Processed {
			return ErrAlreadyProcessed
		}
	}

	next, note, err := mutate(m.subs[businessID].Clone())
	if err != nil {
		return err
	}
	if next != nil {
		stored := next.Clone()
		if stored.ID == 0 {
			stored.ID = uint(len(m.subs) + 1)
		}
		m.subs[businessID] = stored
	}
	if eventID != 0 {
		return m.markLocked(eventID, note)
	}
	return nil
}

func (m *memRepository) event(id uint) *models.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEvent(m.events[id])
}

func (m *memRepository) subscription(businessID string) *models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[businessID].Clone()
}

func (m *memRepository) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type fakeGateway struct {
	mu          sync.Mutex
	payments    map[string]*gateway.Payment
	err         error
	fetchCalls  int
	preferences []gateway.PreferenceRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: map[string]*gateway.Payment{}}
}

func (g *fakeGateway) setPayment(p *gateway.Payment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[p.ID.String()] = p
}

func (g *fakeGateway) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *fakeGateway) FetchPayment(_ context.Context, paymentID string) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchCalls++
	if g.err != nil {
		return nil, g.err
	}
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, gateway.ErrPaymentNotFound
	}
	c := *p
	return &c, nil
}

func (g *fakeGateway) CreatePreference(_ context.Context, req gateway.PreferenceRequest) (*gateway.Preference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.preferences = append(g.preferences, req)
	return &gateway.Preference{PreferenceID: "pref_" + req.BusinessID, CheckoutURL: "https://checkout.example/" + req.BusinessID}, nil
}

type memCache struct {
	mu       sync.Mutex
	entries  map[string][]byte
	tags     map[string][]string
	versions map[string]int64
	gets     int
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]byte{}, tags: map[string][]string{}, versions: map[string]int64{}}
}

func (c *memCache) GetJSON(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (c *memCache) TagVersion(_ context.Context, tag string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[tag], nil
}

func (c *memCache) SetJSONIfCurrent(_ context.Context, key string, v any, _ time.Duration, tag string, version int64) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[tag] != version {
		return false, nil
	}
	c.entries[key] = raw
	c.tags[tag] = append(c.tags[tag], key)
	return true, nil
}

func (c *memCache) InvalidateTags(_ context.Context, tags ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tags {
		c.versions[t]++
		for _, k := range c.tags[t] {
			delete(c.entries, k)
		}
		delete(c.tags, t)
	}
	return nil
}

// racingRepository runs onRead once, right after a subscription was loaded
// and before the caller sees it.
type racingRepository struct {
	*memRepository
	onRead func()
}

func (r *racingRepository) GetSubscription(ctx context.Context, businessID string) (*models.Subscription, error) {
	sub, err := r.memRepository.GetSubscription(ctx, businessID)
	if hook := r.onRead; hook != nil {
		r.onRead = nil
		hook()
	}
	return sub, err
}

type publishedEvent struct {
	key string
	msg SubscriptionEvent
}

type memPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *memPublisher) PublishJSON(_ context.Context, routingKey string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, _ := v.(SubscriptionEvent)
	p.events = append(p.events, publishedEvent{key: routingKey, msg: msg})
	return nil
}

func (p *memPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.key)
	}
	return out
}

func paymentAt(id, status, businessID, plan string, at time.Time) *gateway.Payment {
	return &gateway.Payment{
		ID:                gateway.ID(id),
		Status:            status,
		ExternalReference: gateway.ExternalReference(businessID, plan),
		DateLastUpdated:   &at,
	}
}

func notificationBody(id, action, paymentID string) []byte {
	return []byte(`{"id":` + id + `,"type":"payment","action":"` + action + `","data":{"id":"` + paymentID + `"}}`)
}
