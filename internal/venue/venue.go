package venue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	appconfig "venueflow/config"
	"venueflow/logger"
)

const maxErrorBody = 512

// Request is one REST call to the venue.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	Auth   bool
}

// Response is the raw venue reply for a 2xx call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// CallError is a failed venue call. Status is 0 when the call never
// produced a response; RetryAfterHint carries the venue's Retry-After
// header when present.
type CallError struct {
	Status         int
	Message        string
	RetryAfterHint time.Duration
	Err            error
}

func (e *CallError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("venue call failed: %v", e.Err)
	}
	return fmt.Sprintf("venue returned status %d: %s", e.Status, e.Message)
}

func (e *CallError) Unwrap() error { return e.Err }

// StatusCode reports the HTTP status for retry classification. 0 means
// connection failure.
func (e *CallError) StatusCode() int { return e.Status }

// RetryAfter reports the venue's requested backoff, when it sent one.
func (e *CallError) RetryAfter() (time.Duration, bool) {
	return e.RetryAfterHint, e.RetryAfterHint > 0
}

// Caller is the request/response primitive the typed client layers over.
type Caller interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// HTTPCaller is the production Caller: a pooled http.Client paced by a
// requests-per-second limiter so bursts of retries cannot hammer the
// venue even before the category buckets engage.
type HTTPCaller struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	apiKey  string
	log     *logger.Entry
}

func NewHTTPCaller(cfg appconfig.VenueConfig, log *logger.Log) (*HTTPCaller, error) {
	base, err := url.Parse(cfg.RestURL)
	if err != nil {
		return nil, fmt.Errorf("invalid rest url %q: %w", cfg.RestURL, err)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPCaller{
		base:    base,
		client:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		apiKey:  cfg.APIKey,
		log:     log.WithComponent("venue_caller"),
	}, nil
}

func (c *HTTPCaller) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &CallError{Err: err}
	}

	u := *c.base
	u.Path = req.Path
	u.RawQuery = req.Query.Encode()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, &CallError{Err: err}
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Auth && c.apiKey != "" {
		httpReq.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &CallError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CallError{Err: err}
	}
	logger.LogPerformanceEntry(c.log, "venue_caller", "api_request", time.Since(start), logger.Fields{
		"method": req.Method,
		"path":   req.Path,
		"status": resp.StatusCode,
	})

	if resp.StatusCode >= 400 {
		return nil, &CallError{
			Status:         resp.StatusCode,
			Message:        truncate(payload, maxErrorBody),
			RetryAfterHint: parseRetryAfter(resp.Header),
		}
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}

// parseRetryAfter reads the Retry-After header in either of its two forms,
// delta-seconds or an HTTP-date.
func parseRetryAfter(header http.Header) time.Duration {
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	when, err := http.ParseTime(raw)
	if err != nil {
		return 0
	}
	if d := time.Until(when); d > 0 {
		return d
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
