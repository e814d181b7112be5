// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/metrics"
	"github.com/tomtom215/offlinesync/internal/query"
	"github.com/tomtom215/offlinesync/internal/value"
)

// maxErrorBodySize limits how much of an error response is kept for diagnostics.
const maxErrorBodySize = 64 * 1024

// Config configures the REST client.
type Config struct {
	// BaseURL is the backend root, e.g. https://db.example.org.
	BaseURL string `koanf:"base_url" validate:"required,url"`

	// APIKey is sent as the apikey header and as a bearer token.
	APIKey string `koanf:"api_key"`

	// Timeout bounds every HTTP request.
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`

	// RequestsPerSecond and Burst configure client-side rate limiting.
	// Zero disables the limiter.
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gte=0"`
	Burst             int     `koanf:"burst" validate:"gte=0"`

	// StorageBucket receives uploaded attachments.
	StorageBucket string `koanf:"storage_bucket"`

	// HealthPath is checked by the connectivity monitor.
	HealthPath string `koanf:"health_path"`
}

// DefaultConfig returns client defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		Timeout:           30 * time.Second,
		RequestsPerSecond: 20,
		Burst:             40,
		StorageBucket:     "attachments",
		HealthPath:        "/rest/v1/",
	}
}

// Client talks to a PostgREST style backend: tables under /rest/v1 and
// binary storage under /storage/v1.
type Client struct {
	config  Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[[]byte]
}

var _ Backend = (*Client)(nil)

// NewClient creates a REST client with circuit breaker and rate limiting.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid remote base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StorageBucket == "" {
		cfg.StorageBucket = "attachments"
	}

	c := &Client{
		config: cfg,
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		cb:     newBreaker("remote-backend"),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// HealthURL returns the URL checked by the connectivity monitor.
func (c *Client) HealthURL() string {
	p := c.config.HealthPath
	if p == "" {
		p = "/"
	}
	return c.base.String() + p
}

// Select implements Backend.
func (c *Client) Select(ctx context.Context, q query.Query) ([]value.Map, error) {
	params := url.Values{}
	params.Set("select", q.Columns)
	if q.Columns == "" {
		params.Set("select", "*")
	}
	encodeFilters(params, q.Filters)
	if q.Order != nil && q.Order.Field != "" {
		dir := "desc"
		if q.Order.Ascending {
			dir = "asc"
		}
		params.Set("order", q.Order.Field+"."+dir+".nullslast")
	}
	if q.Range != nil {
		params.Set("offset", strconv.Itoa(q.Range.From))
		params.Set("limit", strconv.Itoa(q.Range.To-q.Range.From+1))
	} else if q.IsSingle() {
		params.Set("limit", "1")
	}

	body, err := c.do(ctx, "select", http.MethodGet, "/rest/v1/"+url.PathEscape(q.Table), params, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeRows(body)
}

// Insert implements Backend.
func (c *Client) Insert(ctx context.Context, table string, row value.Map) (value.Map, error) {
	payload, err := value.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	headers := http.Header{}
	headers.Set("Prefer", "return=representation")
	headers.Set("Content-Type", "application/json")

	body, err := c.do(ctx, "insert", http.MethodPost, "/rest/v1/"+url.PathEscape(table), nil, payload, headers)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows(body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert into %s returned no rows", table)
	}
	return rows[0], nil
}

// Update implements Backend.
func (c *Client) Update(ctx context.Context, table string, fields value.Map, match []query.Filter) error {
	params := url.Values{}
	if encodeFilters(params, match) == 0 {
		return fmt.Errorf("%w: update without match filter", ErrRejected)
	}
	payload, err := value.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	_, err = c.do(ctx, "update", http.MethodPatch, "/rest/v1/"+url.PathEscape(table), params, payload, headers)
	return err
}

// Delete implements Backend.
func (c *Client) Delete(ctx context.Context, table string, match []query.Filter) error {
	params := url.Values{}
	if encodeFilters(params, match) == 0 {
		return fmt.Errorf("%w: delete without match filter", ErrRejected)
	}
	_, err := c.do(ctx, "delete", http.MethodDelete, "/rest/v1/"+url.PathEscape(table), params, nil, nil)
	return err
}

// Upload implements Backend. Objects are stored as
// <bucket>/<table>/<record id>/<field>-<uuid><ext>.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (value.Value, error) {
	contentType := req.Blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	objectPath := strings.Join([]string{
		url.PathEscape(req.Table),
		url.PathEscape(value.Text(req.RecordID)),
		url.PathEscape(req.Field + "-" + uuid.NewString() + path.Ext(req.Blob.Name)),
	}, "/")

	headers := http.Header{}
	headers.Set("Content-Type", contentType)
	headers.Set("x-upsert", "false")

	_, err := c.do(ctx, "upload", http.MethodPost, "/storage/v1/object/"+url.PathEscape(c.config.StorageBucket)+"/"+objectPath, nil, req.Blob.Data, headers)
	if err != nil {
		return nil, err
	}

	return value.Map{
		"bucket":       value.String(c.config.StorageBucket),
		"path":         value.String(objectPath),
		"url":          value.String(c.base.String() + "/storage/v1/object/public/" + url.PathEscape(c.config.StorageBucket) + "/" + objectPath),
		"content_type": value.String(contentType),
		"name":         value.String(req.Blob.Name),
		"size":         value.Int(len(req.Blob.Data)),
	}, nil
}

// do performs one request through the rate limiter and the circuit breaker.
func (c *Client) do(ctx context.Context, op, method, p string, params url.Values, body []byte, headers http.Header) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	result, err := c.cb.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, p, params, body, headers)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.RecordRemoteRequest(op, err)
	if err != nil {
		logging.Debug().Err(err).Str("operation", op).Str("path", p).Msg("Remote request failed")
	}
	return result, err
}

func (c *Client) roundTrip(ctx context.Context, method, p string, params url.Values, body []byte, headers http.Header) ([]byte, error) {
	u := c.base.String() + p
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("apikey", c.config.APIKey)
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
		}
		return data, nil
	}

	msg := readBodyForError(resp.Body)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}
	return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
}

func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("\n... (truncated)")...)
	}
	return body
}

func decodeRows(body []byte) ([]value.Map, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return []value.Map{}, nil
	}
	v, err := value.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	switch t := v.(type) {
	case value.List:
		rows := make([]value.Map, 0, len(t))
		for i, e := range t {
			m, ok := e.(value.Map)
			if !ok {
				return nil, fmt.Errorf("decode response: element %d is not an object", i)
			}
			rows = append(rows, m)
		}
		return rows, nil
	case value.Map:
		return []value.Map{t}, nil
	case value.Null:
		return []value.Map{}, nil
	default:
		return nil, fmt.Errorf("decode response: unexpected %T", v)
	}
}

// encodeFilters adds filters to params and returns how many were added.
// Equality filters on Null or "" are skipped, matching local evaluation.
func encodeFilters(params url.Values, filters []query.Filter) int {
	n := 0
	for _, f := range filters {
		switch f.Op {
		case query.OpIn:
			parts := make([]string, len(f.Values))
			for i, v := range f.Values {
				parts[i] = quoteListItem(value.Text(v))
			}
			params.Add(f.Field, "in.("+strings.Join(parts, ",")+")")
		default:
			if len(f.Values) == 0 || value.IsNull(f.Values[0]) || value.Text(f.Values[0]) == "" {
				continue
			}
			params.Add(f.Field, "eq."+value.Text(f.Values[0]))
		}
		n++
	}
	return n
}

func quoteListItem(s string) string {
	if !strings.ContainsAny(s, ",()\" ") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
