package crawler

import (
	"net/http"
	"time"
)

// FailureKind classifies why a fetch did not succeed
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureTimeout        FailureKind = "timeout"
	FailureConnection     FailureKind = "connection"
	FailureHTTP           FailureKind = "http"
	FailureProxyExhausted FailureKind = "proxy_exhausted"
	// FailureStopped marks tasks never attempted because a stop was requested
	FailureStopped FailureKind = "stopped"
)

// Task is a single URL moving through the worker pool
type Task struct {
	URL     string
	Attempt int
	Tried   map[string]struct{}
}

// NewTask creates a task with no attempts
func NewTask(url string) *Task {
	return &Task{URL: url, Tried: make(map[string]struct{})}
}

// TriedList returns the tried proxy IDs in no particular order
func (t *Task) TriedList() []string {
	out := make([]string, 0, len(t.Tried))
	for id := range t.Tried {
		out = append(out, id)
	}
	return out
}

// Response is a raw HTTP response captured by the fetch client
type Response struct {
	StatusCode  int
	Body        []byte
	Headers     http.Header
	ContentType string
	FinalURL    string
	Duration    time.Duration
}

// Result is the outcome of a task
type Result struct {
	URL         string        `json:"url"`
	Success     bool          `json:"success"`
	StatusCode  int           `json:"status_code,omitempty"`
	Body        []byte        `json:"-"`
	Headers     http.Header   `json:"-"`
	ContentType string        `json:"content_type,omitempty"`
	ProxyID     string        `json:"proxy_id,omitempty"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	Failure     FailureKind   `json:"failure,omitempty"`
	Error       string        `json:"error,omitempty"`
	Tried       []string      `json:"tried,omitempty"`
}
