package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Status is the health status of a pool entry.
type Status int

const (
	StatusUntested Status = iota
	StatusValid
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusFailed:
		return "failed"
	default:
		return "untested"
	}
}

// MarshalText renders the status as its name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var supportedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// ErrInvalidEndpoint is returned for descriptors that cannot be parsed.
var ErrInvalidEndpoint = errors.New("invalid proxy descriptor")

// Endpoint is a single forward proxy.
type Endpoint struct {
	Scheme   string `json:"scheme"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
}

// ID identifies the endpoint within a pool: host:port, plus the username
// when credentials are present so one gateway can carry several accounts.
func (e Endpoint) ID() string {
	id := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	if e.Username != "" {
		id += ":" + e.Username
	}
	return id
}

// URL returns the proxy URL including credentials, suitable for http.ProxyURL.
func (e Endpoint) URL() *url.URL {
	u := &url.URL{
		Scheme: e.Scheme,
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
	}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// String returns the proxy URL with the password redacted.
func (e Endpoint) String() string {
	return e.URL().Redacted()
}

// ParseEndpoint accepts host:port, host:port:user:pass and
// scheme://[user:pass@]host:port descriptors.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}

	if strings.Contains(raw, "://") {
		return parseProxyURL(raw)
	}

	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 2:
		return newEndpoint("http", parts[0], parts[1], "", "")
	case 4:
		return newEndpoint("http", parts[0], parts[1], parts[2], parts[3])
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, redactDescriptor(raw))
	}
}

func parseProxyURL(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}

	return newEndpoint(strings.ToLower(u.Scheme), u.Hostname(), u.Port(), user, pass)
}

func newEndpoint(scheme, host, port, user, pass string) (Endpoint, error) {
	if !supportedSchemes[scheme] {
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, scheme)
	}

	host = strings.TrimSpace(host)
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}

	p, err := strconv.Atoi(strings.TrimSpace(port))
	if err != nil || p < 1 || p > 65535 {
		return Endpoint{}, fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, port)
	}

	return Endpoint{
		Scheme:   scheme,
		Host:     host,
		Port:     p,
		Username: user,
		Password: pass,
	}, nil
}

// redactDescriptor hides anything after the host:port pair.
func redactDescriptor(raw string) string {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 3 {
		return raw
	}
	return parts[0] + ":" + parts[1] + ":***"
}
