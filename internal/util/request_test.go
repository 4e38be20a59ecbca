package util

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expected   string
	}{
		{"forwarded single", map[string]string{"X-Forwarded-For": "203.0.113.50"}, "127.0.0.1:1234", "203.0.113.50"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"}, "127.0.0.1:1234", "203.0.113.50"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.178"}, "127.0.0.1:1234", "198.51.100.178"},
		{"forwarded wins", map[string]string{"X-Forwarded-For": "203.0.113.50", "X-Real-IP": "198.51.100.178"}, "127.0.0.1:1234", "203.0.113.50"},
		{"remote addr", nil, "192.168.1.1:5678", "192.168.1.1"},
		{"remote addr without port", nil, "192.168.1.1", "192.168.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/status", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, GetClientIP(r))
		})
	}
}
