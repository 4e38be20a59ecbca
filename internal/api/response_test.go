package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseHelpers(t *testing.T) {
	tests := []struct {
		name         string
		write        func(*httptest.ResponseRecorder, *http.Request)
		wantStatus   int
		wantContains string
	}{
		{
			name:         "write_success",
			write:        func(w *httptest.ResponseRecorder, r *http.Request) { WriteSuccess(w, r, map[string]int{"n": 1}, "ok") },
			wantStatus:   http.StatusOK,
			wantContains: `"message":"ok"`,
		},
		{
			name:         "write_accepted",
			write:        func(w *httptest.ResponseRecorder, r *http.Request) { WriteAccepted(w, r, nil, "Scheduler started") },
			wantStatus:   http.StatusAccepted,
			wantContains: `"status":"success"`,
		},
		{
			name:         "write_unhealthy",
			write:        func(w *httptest.ResponseRecorder, r *http.Request) { WriteUnhealthy(w, r, "postgresql", errors.New("down")) },
			wantStatus:   http.StatusServiceUnavailable,
			wantContains: `"error":"down"`,
		},
		{
			name:         "conflict",
			write:        func(w *httptest.ResponseRecorder, r *http.Request) { Conflict(w, r, "Scheduler is already running") },
			wantStatus:   http.StatusConflict,
			wantContains: `"code":"CONFLICT"`,
		},
		{
			name:         "internal_error",
			write:        func(w *httptest.ResponseRecorder, r *http.Request) { InternalError(w, r, errors.New("boom")) },
			wantStatus:   http.StatusInternalServerError,
			wantContains: `"message":"boom"`,
		},
		{
			name:         "database_error",
			write:        func(w *httptest.ResponseRecorder, r *http.Request) { DatabaseError(w, r, errors.New("timeout")) },
			wantStatus:   http.StatusInternalServerError,
			wantContains: `"code":"DATABASE_ERROR"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Contains(t, w.Body.String(), tt.wantContains)
		})
	}
}

func TestWriteErrorIncludesRequestID(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		BadRequest(rw, r, "limit must be a positive integer")
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cycles?limit=0", nil)
	req.Header.Set("X-Request-ID", "req-42")
	handler.ServeHTTP(w, req)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "BAD_REQUEST", resp.Code)
	assert.Equal(t, "req-42", resp.RequestID)
}

func TestTooManyRequestsRetryAfter(t *testing.T) {
	tests := []struct {
		retryAfter time.Duration
		want       string
	}{
		{0, "1"},
		{1500 * time.Millisecond, "2"},
		{3 * time.Second, "3"},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		TooManyRequests(w, httptest.NewRequest(http.MethodGet, "/", nil), "slow down", tt.retryAfter)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, tt.want, w.Header().Get("Retry-After"))
	}
}

// captureLogs swaps the global logger for one writing to a buffer
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = original })
	return &buf
}

func TestErrorResponsesAreLoggedWithRequestFields(t *testing.T) {
	tests := []struct {
		name      string
		write     func(http.ResponseWriter, *http.Request)
		wantLevel string
	}{
		{
			name:      "write_error",
			write:     func(w http.ResponseWriter, r *http.Request) { InternalError(w, r, errors.New("boom")) },
			wantLevel: "error",
		},
		{
			name:      "write_error_message",
			write:     func(w http.ResponseWriter, r *http.Request) { Conflict(w, r, "Scheduler is not running") },
			wantLevel: "warn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			handler := RequestIDMiddleware(http.HandlerFunc(tt.write))

			req := httptest.NewRequest(http.MethodPost, "/stop", nil)
			req.Header.Set("X-Request-ID", "req-7")
			handler.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "req-7", entry["request_id"])
			assert.Equal(t, "/stop", entry["path"])
			assert.Equal(t, http.MethodPost, entry["method"])
		})
	}
}
