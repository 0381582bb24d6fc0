// Package mailerlite is the sole egress to the MailerLite subscriber API.
//
// Every HTTP call is paced by the shared token bucket: one Acquire per HTTP
// request, including each retry attempt. Batch calls embed up to 100
// sub-requests but still count as a single HTTP call against the budget.
package mailerlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/praxis-crm/syncbridge/internal/model"
	"github.com/praxis-crm/syncbridge/internal/ratelimit"
	"github.com/praxis-crm/syncbridge/internal/telemetry"
)

// DefaultBaseURL is the MailerLite connect API root.
const DefaultBaseURL = "https://connect.mailerlite.com"

// BatchMax is the MailerLite cap on sub-requests per batch call.
const BatchMax = 100

// API is the operation surface the sync core consumes. Client implements it;
// tests substitute fakes.
type API interface {
	GetByEmail(ctx context.Context, email string) (*model.Subscriber, error)
	GetByID(ctx context.Context, id string) (*model.Subscriber, error)
	GetBatch(ctx context.Context, emails []string) (map[string]BatchResult, error)
	ListPage(ctx context.Context, cursor string, limit int) ([]model.Subscriber, string, error)
	Create(ctx context.Context, sub model.Subscriber) (*model.Subscriber, error)
	Update(ctx context.Context, id string, fields model.Fields) (*model.Subscriber, error)
}

// BatchResult is the per-email outcome of a batch GET.
type BatchResult struct {
	Subscriber *model.Subscriber
	NotFound   bool
	Err        error
}

// Client is the authenticated MailerLite HTTP client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	bucket     *ratelimit.Bucket
	logger     *slog.Logger
	maxRetries int

	apiCalls metric.Int64Counter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the HTTP client (tests, custom transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries overrides the retry budget. Zero disables retries; the
// id-repair orchestrator uses that to avoid burning its chunk budget on a
// throttled search endpoint.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseURL overrides the API root (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// New creates a Client. All calls are paced by bucket.
func New(token string, bucket *ratelimit.Bucket, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		bucket:     bucket,
		logger:     logger,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	meter := telemetry.Meter("syncbridge/mailerlite")
	c.apiCalls, _ = meter.Int64Counter("syncbridge.mailerlite.api_calls",
		metric.WithDescription("MailerLite HTTP calls by endpoint and status"),
	)
	return c
}

// subscriberPayload is the wire shape of a MailerLite subscriber.
type subscriberPayload struct {
	ID     string         `json:"id"`
	Email  string         `json:"email"`
	Status string         `json:"status"`
	Fields map[string]any `json:"fields"`
}

func (p subscriberPayload) toModel() *model.Subscriber {
	sub := &model.Subscriber{
		ID:     p.ID,
		Email:  model.CanonicalEmail(p.Email),
		Status: model.SubscriberStatus(p.Status),
		Fields: make(model.Fields, len(model.ManagedFields())),
	}
	for _, f := range model.ManagedFields() {
		raw, ok := p.Fields[f.MailerLiteName()]
		if !ok || raw == nil {
			sub.Fields[f] = model.Null()
			continue
		}
		switch v := raw.(type) {
		case string:
			sub.Fields[f] = model.String(v)
		case float64:
			sub.Fields[f] = model.String(strconv.FormatFloat(v, 'f', -1, 64))
		default:
			sub.Fields[f] = model.String(fmt.Sprint(v))
		}
	}
	return sub
}

// encodeFields maps managed values to the MailerLite fields object.
func encodeFields(fields model.Fields) map[string]any {
	out := make(map[string]any, len(fields))
	for f, v := range fields {
		if v.Valid {
			out[f.MailerLiteName()] = v.Str
		} else {
			out[f.MailerLiteName()] = nil
		}
	}
	return out
}

type dataEnvelope struct {
	Data subscriberPayload `json:"data"`
}

type listEnvelope struct {
	Data []subscriberPayload `json:"data"`
	Meta struct {
		NextCursor *string `json:"next_cursor"`
	} `json:"meta"`
}

// GetByEmail looks a subscriber up through the search filter endpoint.
// A miss returns an APIError with KindNotFound.
func (c *Client) GetByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	email = model.CanonicalEmail(email)
	q := url.Values{}
	q.Set("filter[email]", email)
	q.Set("limit", "1")

	var env listEnvelope
	if err := c.call(ctx, http.MethodGet, "/api/subscribers?"+q.Encode(), nil, &env); err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, &APIError{Kind: KindNotFound, StatusCode: http.StatusNotFound}
	}
	return env.Data[0].toModel(), nil
}

// GetByID fetches a subscriber by its MailerLite id.
func (c *Client) GetByID(ctx context.Context, id string) (*model.Subscriber, error) {
	var env dataEnvelope
	if err := c.call(ctx, http.MethodGet, "/api/subscribers/"+url.PathEscape(id), nil, &env); err != nil {
		return nil, err
	}
	return env.Data.toModel(), nil
}

// batch request/response wire shapes.
type batchRequest struct {
	Requests []batchSubRequest `json:"requests"`
}

type batchSubRequest struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

type batchResponse struct {
	Total     int `json:"total"`
	Responses []struct {
		Code int             `json:"code"`
		Body json.RawMessage `json:"body"`
	} `json:"responses"`
}

// GetBatch resolves up to BatchMax emails with one HTTP call (one token).
// Each sub-response is classified independently.
func (c *Client) GetBatch(ctx context.Context, emails []string) (map[string]BatchResult, error) {
	if len(emails) == 0 {
		return map[string]BatchResult{}, nil
	}
	if len(emails) > BatchMax {
		return nil, &APIError{Kind: KindValidation, Err: fmt.Errorf("batch size %d exceeds %d", len(emails), BatchMax)}
	}

	req := batchRequest{Requests: make([]batchSubRequest, 0, len(emails))}
	canonical := make([]string, 0, len(emails))
	for _, e := range emails {
		e = model.CanonicalEmail(e)
		canonical = append(canonical, e)
		req.Requests = append(req.Requests, batchSubRequest{
			Method: http.MethodGet,
			Path:   "api/subscribers/" + url.PathEscape(e),
		})
	}

	var resp batchResponse
	if err := c.call(ctx, http.MethodPost, "/api/batch", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Responses) != len(canonical) {
		return nil, &APIError{Kind: KindServer, Err: fmt.Errorf("batch returned %d responses for %d requests", len(resp.Responses), len(canonical))}
	}

	out := make(map[string]BatchResult, len(canonical))
	for i, sub := range resp.Responses {
		email := canonical[i]
		switch {
		case sub.Code == http.StatusOK:
			var env dataEnvelope
			if err := json.Unmarshal(sub.Body, &env); err != nil {
				out[email] = BatchResult{Err: &APIError{Kind: KindInternal, Err: fmt.Errorf("decode batch body: %w", err)}}
				continue
			}
			out[email] = BatchResult{Subscriber: env.Data.toModel()}
		case sub.Code == http.StatusNotFound:
			out[email] = BatchResult{NotFound: true}
		default:
			out[email] = BatchResult{Err: &APIError{Kind: classifyStatus(sub.Code), StatusCode: sub.Code, Body: string(sub.Body)}}
		}
	}
	return out, nil
}

// ListPage fetches one cursor page of subscribers. An empty next cursor
// means the stream is exhausted.
func (c *Client) ListPage(ctx context.Context, cursor string, limit int) ([]model.Subscriber, string, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var env listEnvelope
	if err := c.call(ctx, http.MethodGet, "/api/subscribers?"+q.Encode(), nil, &env); err != nil {
		return nil, "", err
	}

	subs := make([]model.Subscriber, 0, len(env.Data))
	for _, p := range env.Data {
		subs = append(subs, *p.toModel())
	}
	next := ""
	if env.Meta.NextCursor != nil {
		next = *env.Meta.NextCursor
	}
	return subs, next, nil
}

// Create adds a subscriber with the managed fields.
func (c *Client) Create(ctx context.Context, sub model.Subscriber) (*model.Subscriber, error) {
	body := map[string]any{
		"email":  model.CanonicalEmail(sub.Email),
		"fields": encodeFields(sub.Fields),
	}
	var env dataEnvelope
	if err := c.call(ctx, http.MethodPost, "/api/subscribers", body, &env); err != nil {
		return nil, err
	}
	return env.Data.toModel(), nil
}

// Update patches the given managed fields on a subscriber.
func (c *Client) Update(ctx context.Context, id string, fields model.Fields) (*model.Subscriber, error) {
	body := map[string]any{"fields": encodeFields(fields)}
	var env dataEnvelope
	if err := c.call(ctx, http.MethodPut, "/api/subscribers/"+url.PathEscape(id), body, &env); err != nil {
		return nil, err
	}
	return env.Data.toModel(), nil
}

func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return KindValidation
	case status >= 500:
		return KindServer
	default:
		return KindInternal
	}
}

// call performs one logical API operation with retries. Every attempt
// re-acquires a rate-limit token. 429 waits per Retry-After (default 10 s);
// server and transport failures follow the 2/4/8 s exponential schedule.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 8 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := KindOf(err)
		if !retriable(kind) || attempt >= c.maxRetries {
			return err
		}

		delay := bo.NextBackOff()
		if kind == KindRateLimited {
			delay = 10 * time.Second
			var apiErr *APIError
			if asAPIError(err, &apiErr) && apiErr.RetryAfter > 0 {
				delay = apiErr.RetryAfter
			}
		}
		c.logger.Warn("mailerlite: retrying",
			"method", method, "path", path,
			"kind", string(kind), "attempt", attempt+1, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
}

func asAPIError(err error, target **APIError) bool {
	e, ok := err.(*APIError)
	if ok {
		*target = e
	}
	return ok
}

// doOnce performs a single paced HTTP request.
func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	if err := c.bucket.Acquire(ctx); err != nil {
		return &APIError{Kind: KindInternal, Err: fmt.Errorf("acquire rate limit token: %w", err)}
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &APIError{Kind: KindInternal, Err: fmt.Errorf("marshal request: %w", err)}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &APIError{Kind: KindInternal, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.countCall(ctx, method, path, 0)
		return classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.countCall(ctx, method, path, resp.StatusCode)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &APIError{Kind: KindInternal, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{
		Kind:       classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Body:       string(raw),
	}
	if apiErr.Kind == KindRateLimited {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return apiErr
}

func (c *Client) countCall(ctx context.Context, method, path string, status int) {
	if c.apiCalls == nil {
		return
	}
	// Strip the query so the cardinality stays bounded.
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	c.apiCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.Int("status", status),
		))
}
