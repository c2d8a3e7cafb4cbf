package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "https://api.mercadopago.com"
	defaultTimeout = 15 * time.Second
)

var (
	// ErrPaymentNotFound is returned when the provider does not know the payment.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrUnavailable covers transport failures, timeouts and provider errors.
	ErrUnavailable = errors.New("payment gateway unavailable")
)

var tracer = otel.Tracer("github.com/ManuelReschke/LocalMarket/internal/pkg/gateway")

// APIError is a non-2xx provider response.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: status=%d body=%s", e.Operation, e.StatusCode, e.Body)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrPaymentNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnavailable:
		return e.StatusCode != http.StatusNotFound
	}
	return false
}

// Client talks to the payment provider REST API. It never retries; callers
// own the retry policy.
type Client struct {
	AccessToken string
	BaseURL     string
	// Sandbox selects the sandbox checkout URL for new preferences.
	Sandbox bool

	HTTPClient *http.Client
}

// NewClient builds a client from explicit credentials.
func NewClient(accessToken, baseURL string, timeout time.Duration) (*Client, error) {
	token := strings.TrimSpace(accessToken)
	if token == "" {
		return nil, errors.New("gateway access token is required")
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid gateway base url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		AccessToken: token,
		BaseURL:     base,
		HTTPClient:  &http.Client{Timeout: timeout},
	}, nil
}

// FetchPayment loads the authoritative state of a payment.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return nil, errors.New("payment id is required")
	}

	ctx, span := tracer.Start(ctx, "gateway.FetchPayment", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", id))

	var out Payment
	if err := c.do(ctx, "fetch payment", http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if out.ID == "" {
		out.ID = ID(id)
	}
	span.SetAttributes(attribute.String("payment.status", out.NormalizedStatus()))
	return &out, nil
}

type preferenceItem struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	UnitPrice  json.Number `json:"unit_price"`
	CurrencyID string      `json:"currency_id"`
}

type preferenceBackURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

type preferenceBody struct {
	Items             []preferenceItem    `json:"items"`
	ExternalReference string              `json:"external_reference"`
	Metadata          map[string]string   `json:"metadata"`
	NotificationURL   string              `json:"notification_url,omitempty"`
	BackURLs          *preferenceBackURLs `json:"back_urls,omitempty"`
	AutoReturn        string              `json:"auto_return,omitempty"`
}

// CreatePreference creates a checkout preference for a plan purchase.
func (c *Client) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	if strings.TrimSpace(req.BusinessID) == "" || strings.TrimSpace(req.PlanType) == "" {
		return nil, errors.New("business id and plan type are required")
	}
	if !req.UnitPrice.IsPositive() {
		return nil, errors.New("unit price must be positive")
	}

	ctx, span := tracer.Start(ctx, "gateway.CreatePreference", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("business.id", req.BusinessID),
		attribute.String("plan.type", req.PlanType),
	)

	body := preferenceBody{
		Items: []preferenceItem{{
			ID:         req.PlanType,
			Title:      req.Title,
			Quantity:   1,
			UnitPrice:  json.Number(req.UnitPrice.StringFixed(2)),
			CurrencyID: req.Currency,
		}},
		ExternalReference: ExternalReference(req.BusinessID, req.PlanType),
		Metadata: map[string]string{
			"business_id": req.BusinessID,
			"plan_type":   req.PlanType,
		},
		NotificationURL: req.NotificationURL,
	}
	if back := strings.TrimSpace(req.BackURL); back != "" {
		body.BackURLs = &preferenceBackURLs{Success: back, Failure: back, Pending: back}
		body.AutoReturn = "approved"
	}

	var raw struct {
		ID               string `json:"id"`
		InitPoint        string `json:"init_point"`
		SandboxInitPoint string `json:"sandbox_init_point"`
	}
	if err := c.do(ctx, "create preference", http.MethodPost, "/checkout/preferences", body, &raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, errors.New("create preference returned empty id")
	}

	checkoutURL := raw.InitPoint
	if c.Sandbox && raw.SandboxInitPoint != "" {
		checkoutURL = raw.SandboxInitPoint
	}
	return &Preference{PreferenceID: raw.ID, CheckoutURL: checkoutURL}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return fmt.Errorf("%s: %w: read body: %v", op, ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Operation: op, StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
