package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/Harvey-AU/listing-harvester/internal/cache"
	"github.com/Harvey-AU/listing-harvester/internal/proxy"
	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"
	"github.com/rs/zerolog/log"
)

// Fetcher performs a single HTTP attempt through a single proxy
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string, ep proxy.Endpoint) (*Response, error)
}

// Client fetches pages with Colly, one collector per attempt bound to the
// assigned proxy. Transports are kept per proxy so keep-alive connections
// survive between attempts.
type Client struct {
	config     *Config
	transports *cache.InMemoryCache[http.RoundTripper]

	newTransport func(ep proxy.Endpoint) http.RoundTripper
}

// New creates a Client. If config is nil, default configuration is used
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		config:     config,
		transports: cache.NewInMemoryCache[http.RoundTripper](),
		newTransport: func(ep proxy.Endpoint) http.RoundTripper {
			return proxy.NewTransport(ep)
		},
	}
}

// validateFetchRequest validates the target URL before any proxy is spent on it
func validateFetchRequest(ctx context.Context, targetURL string) (*url.URL, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parsed, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid URL format: %s", targetURL)
	}

	return parsed, nil
}

func (c *Client) transportFor(ep proxy.Endpoint) http.RoundTripper {
	return c.transports.GetOrCreate(ep.ID(), func() http.RoundTripper {
		return c.newTransport(ep)
	})
}

func (c *Client) newCollector(ctx context.Context, ep proxy.Endpoint) *colly.Collector {
	options := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.StdlibContext(ctx),
		colly.MaxBodySize(c.config.MaxBodySize),
	}
	if c.config.UserAgent != "" {
		options = append(options, colly.UserAgent(c.config.UserAgent))
	}

	collector := colly.NewCollector(options...)
	collector.WithTransport(c.transportFor(ep))
	collector.SetRequestTimeout(c.config.Timeout)

	if c.config.UserAgent == "" {
		extensions.RandomUserAgent(collector)
	}

	// Add browser-like headers to avoid blocking
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
		r.Headers.Set("Accept-Encoding", "gzip")
		r.Headers.Set("Upgrade-Insecure-Requests", "1")

		log.Debug().
			Str("url", r.URL.String()).
			Str("proxy", ep.ID()).
			Msg("Sending request")
	})

	return collector
}

// Fetch performs one GET of targetURL through ep. Transport failures are
// returned as errors; any HTTP response, whatever its status, is returned
// as a Response for the caller to classify.
func (c *Client) Fetch(ctx context.Context, targetURL string, ep proxy.Endpoint) (*Response, error) {
	if _, err := validateFetchRequest(ctx, targetURL); err != nil {
		return nil, err
	}

	start := time.Now()
	collector := c.newCollector(ctx, ep)

	var res *Response
	collector.OnResponse(func(r *colly.Response) {
		res = &Response{
			StatusCode: r.StatusCode,
			Body:       r.Body,
			FinalURL:   r.Request.URL.String(),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			res.Headers = r.Headers.Clone()
			res.ContentType = res.Headers.Get("Content-Type")
		}
	})

	var callbackErr error
	collector.OnError(func(r *colly.Response, err error) {
		callbackErr = err
	})

	visitErr := collector.Visit(targetURL)
	if visitErr == nil {
		visitErr = callbackErr
	}
	if visitErr != nil {
		log.Debug().
			Err(visitErr).
			Str("url", targetURL).
			Str("proxy", ep.ID()).
			Dur("duration", time.Since(start)).
			Msg("Request failed")
		return nil, visitErr
	}
	if res == nil {
		return nil, fmt.Errorf("no response captured for %s", targetURL)
	}

	return res, nil
}

// Close releases idle connections held by cached proxy transports.
func (c *Client) Close() {
	c.transports.Range(func(_ string, rt http.RoundTripper) bool {
		if t, ok := rt.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		return true
	})
}

// classifyError maps a transport error to a failure kind
func classifyError(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureConnection
}

// classifyResponse decides whether a response counts as success
func classifyResponse(res *Response) (FailureKind, string) {
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return FailureHTTP, fmt.Sprintf("non-success status code: %d", res.StatusCode)
	}
	if len(res.Body) == 0 {
		return FailureHTTP, "empty response body"
	}
	return FailureNone, ""
}

// isFinalClientError reports 4xx statuses that another proxy will not fix
func isFinalClientError(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// isRateLimitStatus returns true for statuses that indicate blocking
func isRateLimitStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusForbidden ||
		status == http.StatusServiceUnavailable
}
