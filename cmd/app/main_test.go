package main

import (
	"testing"
	"time"

	"github.com/Harvey-AU/listing-harvester/internal/proxy"
	"github.com/Harvey-AU/listing-harvester/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5, config.Crawler.MaxConcurrency)
	assert.Equal(t, 3, config.Crawler.RetryBudget)
	assert.Equal(t, 3, config.Health.CheckRetries)
	assert.Equal(t, 600*time.Second, config.Health.CheckInterval)
	assert.Equal(t, 30*time.Minute, config.Scheduler.Interval)
	assert.True(t, config.Scheduler.Continuous)
	assert.Equal(t, scheduler.ExhaustionAbort, config.Scheduler.OnExhaustion)
	assert.Equal(t, proxy.DefaultCheckURL, config.ProxyCheckURL)
	assert.True(t, config.AutoStart)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("MAX_CONCURRENCY", "12")
	t.Setenv("FETCH_TIMEOUT", "20s")
	t.Setenv("FETCH_RETRIES", "4")
	t.Setenv("REQUESTS_PER_SECOND", "2.5")
	t.Setenv("PROXY_CHECK_RETRIES", "5")
	t.Setenv("PROXY_CHECK_INTERVAL", "120")
	t.Setenv("INTERVAL_BETWEEN_PARSE", "45m")
	t.Setenv("CYCLE", "false")
	t.Setenv("ON_EXHAUSTION", "wait")
	t.Setenv("FOLLOW_LISTING_LINKS", "1")

	config, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, 12, config.Crawler.MaxConcurrency)
	assert.Equal(t, 20*time.Second, config.Crawler.Timeout)
	assert.Equal(t, 4, config.Crawler.RetryBudget)
	assert.InDelta(t, 2.5, config.Crawler.RequestsPerSecond, 0.0001)
	assert.Equal(t, 5, config.Health.CheckRetries)
	assert.Equal(t, 2*time.Minute, config.Health.CheckInterval)
	assert.Equal(t, 45*time.Minute, config.Scheduler.Interval)
	assert.False(t, config.Scheduler.Continuous)
	assert.Equal(t, scheduler.ExhaustionWait, config.Scheduler.OnExhaustion)
	assert.True(t, config.Scheduler.FollowListingLinks)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"zero_concurrency", "MAX_CONCURRENCY", "0"},
		{"zero_retry_rounds", "PROXY_CHECK_RETRIES", "0"},
		{"zero_interval_continuous", "INTERVAL_BETWEEN_PARSE", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			config, err := loadConfig()
			assert.Error(t, err)
			assert.NotNil(t, config)
		})
	}
}

func TestBuildURLBatch(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		want    []string
		wantErr error
	}{
		{
			name:   "explicit_targets",
			config: &Config{TargetURLs: "https://a.example.com/1,https://a.example.com/2"},
			want:   []string{"https://a.example.com/1", "https://a.example.com/2"},
		},
		{
			name:   "generated_search_pages",
			config: &Config{SearchBaseURL: "https://a.example.com/search", SearchPages: 2, SearchPageSize: 24},
			want: []string{
				"https://a.example.com/search,pgn:1,pgs:24",
				"https://a.example.com/search,pgn:2,pgs:24",
			},
		},
		{
			name:    "nothing_configured",
			config:  &Config{},
			wantErr: scheduler.ErrEmptyURLBatch,
		},
		{
			name:    "targets_all_invalid",
			config:  &Config{TargetURLs: "not a url"},
			wantErr: scheduler.ErrEmptyURLBatch,
		},
		{
			name:    "zero_pages",
			config:  &Config{SearchBaseURL: "https://a.example.com/search", SearchPageSize: 24},
			wantErr: scheduler.ErrEmptyURLBatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			urls, err := buildURLBatch(tt.config)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, urls)
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "abc")
	t.Setenv("TEST_DURATION", "1.5")
	t.Setenv("TEST_BAD_DURATION", "soon")
	t.Setenv("TEST_BOOL", "yes")
	t.Setenv("TEST_FLOAT", "0.25")

	assert.Equal(t, 7, getEnvInt("TEST_INT", 7))
	assert.Equal(t, 1500*time.Millisecond, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DURATION", time.Second))
	assert.True(t, getEnvBool("TEST_BOOL_MISSING", true))
	assert.False(t, getEnvBool("TEST_BOOL", false))
	assert.InDelta(t, 0.25, getEnvFloat("TEST_FLOAT", 1), 0.0001)
	assert.Equal(t, "fallback", getEnvWithDefault("TEST_MISSING", "fallback"))
}

func TestParseOTLPHeaders(t *testing.T) {
	assert.Equal(t, map[string]string{"authorization": "Bearer x", "team": "ops"},
		parseOTLPHeaders(" authorization=Bearer x, team=ops, broken, =empty"))
	assert.Empty(t, parseOTLPHeaders(""))
}
