package techdetect

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	detector, err := New()
	require.NoError(t, err)
	assert.NotNil(t, detector.client)
}

func TestDetect_EmptyInputs(t *testing.T) {
	detector, err := New()
	require.NoError(t, err)

	result := detector.Detect(nil, nil)
	assert.NotNil(t, result.Technologies)
	assert.Empty(t, result.Names())
}

func TestDetect_WithCloudflareHeaders(t *testing.T) {
	detector, err := New()
	require.NoError(t, err)

	headers := make(http.Header)
	headers.Set("CF-Ray", "1234567890abcdef-SYD")
	headers.Set("CF-Cache-Status", "HIT")
	headers.Set("Server", "cloudflare")

	result := detector.Detect(headers, []byte("<html><body>listings</body></html>"))
	assert.Contains(t, result.Names(), "Cloudflare")
}

func TestResultNamesSorted(t *testing.T) {
	r := &Result{Technologies: map[string][]string{"Nginx": {"Web servers"}, "Cloudflare": {"CDN"}, "React": nil}}
	assert.Equal(t, []string{"Cloudflare", "Nginx", "React"}, r.Names())
}
