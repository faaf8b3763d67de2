// Package nitro reads programmes and schedules from the Nitro API.
package nitro

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/time/rate"

	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrNotFound is returned when upstream has no such resource
	ErrNotFound = errors.New("nitro: not found")
	// ErrUpstream is returned for failed or unreadable upstream responses
	ErrUpstream = errors.New("nitro: upstream error")
)

const (
	// BatchSize is the number of pids requested per programmes call
	BatchSize = 10

	DefaultPageSize         = 300
	DefaultFetchConcurrency = 4
	DefaultRetryAfter       = 5 * time.Second

	// maxThrottleRetries bounds how often one request is retried after a 429
	maxThrottleRetries = 3
	throttleKey        = "nitro"
)

// Throttle shares an upstream back-off between replicas.
type Throttle interface {
	BlockFor(ctx context.Context, key string, d time.Duration) error
	Blocked(ctx context.Context, key string) (bool, time.Duration, error)
}

type Config struct {
	BaseURL          string
	APIKey           string
	PageSize         int
	FetchConcurrency int
	// RatePerSecond of zero disables the client limiter
	RatePerSecond float64
	HTTP          httpclient.Config
}

// Client implements the content and schedule sources on top of Nitro
type Client struct {
	http        *httpclient.Client
	baseURL     *url.URL
	cfg         Config
	limiter     *rate.Limiter
	limiterName string
	throttle    Throttle
	logger      ectologger.Logger
}

func NewClient(cfg Config, throttle Throttle, logger ectologger.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid nitro base url %q", cfg.BaseURL)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = DefaultFetchConcurrency
	}
	if cfg.HTTP.Timeout <= 0 {
		cfg.HTTP = httpclient.DefaultConfig()
	}

	return &Client{
		http:        httpclient.NewClient(cfg.HTTP, logger),
		baseURL:     base,
		cfg:         cfg,
		limiter:     newLimiter(cfg.RatePerSecond),
		limiterName: "default",
		throttle:    throttle,
		logger:      logger,
	}, nil
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// WithLimiter returns a copy of the client sharing the connection pool but pacing requests with
// limiter. name labels the wait metrics.
func (c *Client) WithLimiter(name string, limiter *rate.Limiter) *Client {
	out := *c
	out.limiter = limiter
	out.limiterName = name
	return &out
}

// NewLimiter returns a token bucket for perSecond requests per second; zero is unlimited.
func NewLimiter(perSecond float64) *rate.Limiter {
	return newLimiter(perSecond)
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if c.cfg.APIKey != "" {
		query.Set("api_key", c.cfg.APIKey)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// get fetches and decodes a document, waiting on the limiter and on any shared back-off first
func (c *Client) get(ctx context.Context, path string, query url.Values) (any, error) {
	ctx, span := tracing.StartSpan(ctx, "nitro.get")
	defer span.End()

	endpoint := c.endpoint(path, query)

	for attempt := 0; ; attempt++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.http.Get(ctx, endpoint, map[string]string{"Accept": "application/json"})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUpstream, path, err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			metrics.UpstreamThrottledTotal.Inc()
			retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
			c.block(ctx, retryAfter)
			if attempt >= maxThrottleRetries {
				return nil, fmt.Errorf("%w: %s: throttled after %d attempts", ErrUpstream, path, attempt+1)
			}
			c.logger.WithContext(ctx).Warnf("Nitro throttled %s; retrying in %s", path, retryAfter)
			if c.throttle == nil {
				if err := sleep(ctx, retryAfter); err != nil {
					return nil, err
				}
			}
			continue
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		case !resp.OK():
			return nil, fmt.Errorf("%w: %s: status %d", ErrUpstream, path, resp.StatusCode)
		}

		doc, err := resp.JSON()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUpstream, path, err)
		}
		return doc, nil
	}
}

func (c *Client) wait(ctx context.Context) error {
	start := time.Now()

	if c.throttle != nil {
		blocked, remaining, err := c.throttle.Blocked(ctx, throttleKey)
		if err != nil {
			// a missing back-off is safer than a stalled sync
			c.logger.WithContext(ctx).WithError(err).Warn("Failed to read the upstream back-off")
		} else if blocked {
			if err := sleep(ctx, remaining); err != nil {
				return err
			}
			metrics.RecordRateLimitWait("upstream", time.Since(start).Seconds())
		}
	}

	start = time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.RecordRateLimitWait(c.limiterName, waited.Seconds())
	}
	return nil
}

func (c *Client) block(ctx context.Context, d time.Duration) {
	if c.throttle == nil {
		return
	}
	if err := c.throttle.BlockFor(ctx, throttleKey, d); err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("Failed to share the upstream back-off")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseRetryAfter parses a Retry-After header as seconds or an HTTP date. Unparseable or
// missing values fall back to DefaultRetryAfter.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return DefaultRetryAfter
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}
