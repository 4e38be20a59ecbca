package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Harvey-AU/listing-harvester/internal/events"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverPostsWebhook(t *testing.T) {
	var mu sync.Mutex
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := NewSlackEmitter(srv.URL)
	err := s.Deliver(context.Background(), events.New(events.CycleCompleted, map[string]any{
		"succeeded": 18,
		"failed":    2,
		"skipped":   0,
		"duration":  "1m30s",
	}))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Harvest cycle finished: 18 succeeded, 2 failed, 0 skipped in 1m30s", got["text"])
	assert.NotEmpty(t, got["blocks"])
}

func TestDeliverReportsWebhookErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no_service"))
	}))
	defer srv.Close()

	s := NewSlackEmitter(srv.URL)
	err := s.Deliver(context.Background(), events.New(events.HealthExhausted, map[string]any{"attempts": 3, "total": 10}))
	assert.Error(t, err)
}

func TestEmitQueuesOnlyNotifiableEvents(t *testing.T) {
	s := NewSlackEmitter("https://hooks.slack.example/services/x")

	var mu sync.Mutex
	var posted []string
	delivered := make(chan struct{}, 10)
	s.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		mu.Lock()
		posted = append(posted, msg.Text)
		mu.Unlock()
		delivered <- struct{}{}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	s.Emit(ctx, events.New(events.FetchProgress, map[string]any{"done": 1, "total": 2}))
	s.Emit(ctx, events.New(events.HealthAllFailed, map[string]any{"attempt": 1, "max_attempts": 3, "total": 5}))
	s.Emit(ctx, events.New(events.CycleFailed, map[string]any{"error": "no usable proxies"}))

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("notification not delivered")
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"All proxies failed the health check: Attempt 1 of 3, 0 of 5 proxies reachable",
		"Harvest cycle failed: no usable proxies",
	}, posted)
}

func TestEmitDropsWhenQueueFull(t *testing.T) {
	s := NewSlackEmitter("https://hooks.slack.example/services/x")
	s.queue = make(chan events.Event, 1)

	s.Emit(context.Background(), events.New(events.CycleCompleted, nil))
	s.Emit(context.Background(), events.New(events.CycleCompleted, nil))
	assert.EqualValues(t, 1, s.dropped.Load())
}

func TestStartFlushesOnShutdown(t *testing.T) {
	s := NewSlackEmitter("https://hooks.slack.example/services/x")
	var count int
	s.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		count++
		return errors.New("offline")
	}

	s.Emit(context.Background(), events.New(events.SchedulerStopped, map[string]any{"cycles": 2}))
	s.Emit(context.Background(), events.New(events.SchedulerStopped, map[string]any{"cycles": 2}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)
	assert.Equal(t, 2, count)
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		event events.Event
		title string
		msg   string
	}{
		{
			events.New(events.HealthExhausted, map[string]any{"attempts": 3, "total": 4}),
			"Proxy pool exhausted",
			"No usable proxies after 3 health check rounds across 4 proxies",
		},
		{
			events.New(events.SchedulerStopped, map[string]any{"cycles": 4, "error": ""}),
			"Scheduler stopped",
			"Stopped after 4 cycles",
		},
		{
			events.New(events.SchedulerStopped, map[string]any{"cycles": 1, "error": "no usable proxies"}),
			"Scheduler stopped",
			"Stopped after 1 cycles: no usable proxies",
		},
	}
	for _, tt := range tests {
		t.Run(tt.event.Type, func(t *testing.T) {
			title, msg := describe(tt.event)
			assert.Equal(t, tt.title, title)
			assert.Equal(t, tt.msg, msg)
		})
	}
	assert.True(t, Notifiable(events.CycleCompleted))
	assert.False(t, Notifiable(events.FetchProgress))
}
