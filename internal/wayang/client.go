// Package wayang submits execution plans to the Apache Wayang JSON API.
package wayang

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-wayang/internal/otel"
	"github.com/basket/go-wayang/internal/plan"
)

const DefaultTimeout = 10 * time.Minute

// ErrBodyTooLarge is wrapped in the TransportError returned when a response
// exceeds the limit set with WithMaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// TransportError means the engine was never heard from: the request could
// not be built or sent, or the response body could not be read.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("wayang transport %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

type Client struct {
	url     string
	http    *http.Client
	maxBody int64
	tracer  trace.Tracer
	metrics *otel.Metrics
}

type Option func(*Client)

// WithHTTPClient uses a copy of hc; its transport is wrapped with otelhttp
// unless it already is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc == nil {
			return
		}
		cp := *hc
		base := cp.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		if _, ok := base.(*otelhttp.Transport); !ok {
			base = otelhttp.NewTransport(base)
		}
		cp.Transport = base
		c.http = &cp
	}
}

// WithMaxBodyBytes makes Execute fail with ErrBodyTooLarge instead of
// reading more than n bytes. n <= 0 means no limit, the default.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func WithTelemetry(tracer trace.Tracer, metrics *otel.Metrics) Option {
	return func(c *Client) {
		c.tracer = tracer
		c.metrics = metrics
	}
}

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url: url,
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) URL() string { return c.url }

// Execute POSTs p and returns the engine's status and body untouched.
// Interpreting the status is the caller's job; there are no retries here.
func (c *Client) Execute(ctx context.Context, p *plan.ExecutionPlan) (int, string, error) {
	if p == nil {
		return 0, "", errors.New("wayang execute: nil plan")
	}
	start := time.Now()
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "wayang.execute",
		otel.AttrOperations.Int(len(p.Operators)),
	)
	defer span.End()

	status, body, err := c.post(ctx, p)
	if c.metrics != nil {
		otel.ObserveSeconds(ctx, c.metrics.ExecutionDuration, start, otel.AttrStatus.Int(status))
	}
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	span.SetAttributes(otel.AttrStatus.Int(status))
	return status, body, nil
}

func (c *Client) post(ctx context.Context, p *plan.ExecutionPlan) (int, string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return 0, "", &TransportError{URL: c.url, Err: fmt.Errorf("encode plan: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", &TransportError{URL: c.url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", &TransportError{URL: c.url, Err: err}
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if c.maxBody > 0 {
		r = io.LimitReader(resp.Body, c.maxBody+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return resp.StatusCode, "", &TransportError{URL: c.url, Err: fmt.Errorf("read body: %w", err)}
	}
	if c.maxBody > 0 && int64(len(body)) > c.maxBody {
		return resp.StatusCode, "", &TransportError{URL: c.url, Err: fmt.Errorf("%w: status %d, more than %d bytes", ErrBodyTooLarge, resp.StatusCode, c.maxBody)}
	}
	return resp.StatusCode, string(body), nil
}
