// Package facade implements the read-only log-store client (spec §4.1): a
// thin HTTP contract exposing health, count, search, and group-by against a
// backing log index. The façade never retries — callers decide whether and
// how to retry a TransportError.
package facade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/obs-ai/agent/internal/apperrors"
	"github.com/obs-ai/agent/internal/model"
)

// Facade is the read-only log-store contract the rest of the core depends
// on. Implementations must translate every network/timeout/non-2xx/
// malformed-payload failure into an *apperrors.StructuredError of kind
// TransportError.
type Facade interface {
	Healthy(ctx context.Context) bool
	Count(ctx context.Context, index, query string) (int, error)
	Search(ctx context.Context, index, query string, limit int, sort string) ([]model.LogRecord, error)
	GroupBy(ctx context.Context, index, field, query string, limit int) (map[string]int, error)
}

// Client is the HTTP-backed Facade implementation. It embeds a rate limiter
// the way the teacher's internal/client.Client does, protecting the backing
// store from being hammered every scheduler tick.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	logger      *zap.Logger
	rateLimiter *rate.Limiter
}

// New builds a façade client against baseURL with the given request
// deadline. qps/burst of 0 disables rate limiting.
func New(baseURL string, timeout time.Duration, qps float64, burst int, logger *zap.Logger) *Client {
	var limiter *rate.Limiter
	if qps > 0 {
		limiter = rate.NewLimiter(rate.Limit(qps), burst)
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		logger:     logger,
		rateLimiter: limiter,
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

// Healthy derives health from a cluster-health probe: a non-critical status
// ("green" or "yellow") is healthy. Any transport failure is treated as
// unhealthy rather than propagated — callers only need a boolean here.
func (c *Client) Healthy(ctx context.Context) bool {
	var resp healthResponse
	if err := c.get(ctx, "/_cluster/health", nil, &resp); err != nil {
		c.logger.Warn("health probe failed", zap.Error(err))
		return false
	}
	return resp.Status == "green" || resp.Status == "yellow"
}

type countResponse struct {
	Count int `json:"count"`
}

// Count returns the number of records matching query in index.
func (c *Client) Count(ctx context.Context, index, query string) (int, error) {
	params := url.Values{}
	if index != "" {
		params.Set("index", index)
	}
	if query != "" {
		params.Set("q", query)
	}
	var resp countResponse
	if err := c.get(ctx, "/_count", params, &resp); err != nil {
		return 0, err
	}
	if resp.Count < 0 {
		return 0, apperrors.NewParseError("facade.count", fmt.Errorf("negative count %d", resp.Count))
	}
	return resp.Count, nil
}

type searchResponse struct {
	Records []model.LogRecord `json:"records"`
}

// Search returns matching records, newest first by default. limit is a
// hard cap: the caller is expected to fail with TransportError if the
// backing store returns more than limit records, which this method
// enforces by treating an over-limit response as a transport violation.
func (c *Client) Search(ctx context.Context, index, query string, limit int, sort string) ([]model.LogRecord, error) {
	params := url.Values{}
	if index != "" {
		params.Set("index", index)
	}
	if query != "" {
		params.Set("q", query)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if sort != "" {
		params.Set("sort", sort)
	}
	var resp searchResponse
	if err := c.get(ctx, "/_search", params, &resp); err != nil {
		return nil, err
	}
	if limit > 0 && len(resp.Records) > limit {
		return nil, apperrors.NewTransportError("facade.search",
			fmt.Errorf("store returned %d records exceeding limit %d", len(resp.Records), limit))
	}
	return resp.Records, nil
}

type groupByResponse struct {
	Buckets map[string]int `json:"buckets"`
}

// GroupBy aggregates by field, truncated server-side to limit buckets.
func (c *Client) GroupBy(ctx context.Context, index, field, query string, limit int) (map[string]int, error) {
	params := url.Values{}
	if index != "" {
		params.Set("index", index)
	}
	params.Set("field", field)
	if query != "" {
		params.Set("q", query)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp groupByResponse
	if err := c.get(ctx, "/_aggregate", params, &resp); err != nil {
		return nil, err
	}
	return resp.Buckets, nil
}

// SinceFilter builds a query-string clause constraining results to records
// at or after since, in the same "field:value" convention every other
// filter in this query language already uses (e.g. "level:ERROR"). Callers
// join it with other filter clauses the same way they already join those
// (a space-separated implicit AND).
func SinceFilter(since time.Time) string {
	return "timestamp:>=" + since.UTC().Format(time.RFC3339)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return apperrors.NewDeadlineExceeded("facade.get", err)
		}
	}

	requestURL := c.baseURL + path
	if len(params) > 0 {
		requestURL = requestURL + "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return apperrors.NewTransportError("facade.get", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.NewDeadlineExceeded("facade.get", err)
		}
		return apperrors.NewTransportError("facade.get", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", zap.Error(closeErr))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewTransportError("facade.get", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.NewTransportError("facade.get",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)))
	}

	if err := json.NewDecoder(bytes.NewReader(body)).Decode(out); err != nil {
		return apperrors.NewParseError("facade.get", err)
	}
	return nil
}
