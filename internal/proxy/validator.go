package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultCheckURL is probed when no check URL is configured.
const DefaultCheckURL = "https://httpbin.org/ip"

// ProbeResult is the outcome of a single reachability probe. A failed
// probe is data, not an error.
type ProbeResult struct {
	OK         bool
	StatusCode int
	Latency    time.Duration
	Reason     string
}

// Validator checks whether a proxy can reach the check URL.
type Validator interface {
	Probe(ctx context.Context, ep Endpoint) ProbeResult
}

// HTTPValidator probes a proxy with a single GET through it.
type HTTPValidator struct {
	checkURL string
	timeout  time.Duration
}

// NewHTTPValidator creates a validator for checkURL. A zero timeout falls
// back to five seconds.
func NewHTTPValidator(checkURL string, timeout time.Duration) *HTTPValidator {
	if checkURL == "" {
		checkURL = DefaultCheckURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPValidator{checkURL: checkURL, timeout: timeout}
}

// Probe implements Validator. Any status below 400 counts as reachable.
func (v *HTTPValidator) Probe(ctx context.Context, ep Endpoint) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	transport := NewTransport(ep)
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport, Timeout: v.timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.checkURL, nil)
	if err != nil {
		return ProbeResult{Reason: err.Error()}
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return ProbeResult{Latency: latency, Reason: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= http.StatusBadRequest {
		return ProbeResult{
			StatusCode: resp.StatusCode,
			Latency:    latency,
			Reason:     fmt.Sprintf("check url returned %d", resp.StatusCode),
		}
	}

	return ProbeResult{OK: true, StatusCode: resp.StatusCode, Latency: latency}
}

// NewTransport builds a transport that routes every request through ep.
// http, https and socks5 proxies are handled by net/http directly.
func NewTransport(ep Endpoint) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyURL(ep.URL()),
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}
