//go:build unit || !integration

package techdetect

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/Harvey-AU/listing-harvester/internal/crawler"
	"github.com/Harvey-AU/listing-harvester/internal/events"
	"github.com/Harvey-AU/listing-harvester/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	calls atomic.Int64
	techs map[string][]string
}

func (f *fakeDetector) Detect(http.Header, []byte) *Result {
	f.calls.Add(1)
	return &Result{Technologies: f.techs}
}

type recordingHandler struct {
	successes []string
	failures  []string
	cycles    []string
	err       error
}

func (h *recordingHandler) HandleSuccess(_ context.Context, _ string, r crawler.Result) error {
	h.successes = append(h.successes, r.URL)
	return h.err
}

func (h *recordingHandler) HandleFailure(_ context.Context, _ string, r crawler.Result) error {
	h.failures = append(h.failures, r.URL)
	return h.err
}

func (h *recordingHandler) RecordCycle(_ context.Context, c scheduler.CycleState) error {
	h.cycles = append(h.cycles, c.ID)
	return nil
}

func page(url string) crawler.Result {
	return crawler.Result{URL: url, Success: true, StatusCode: 200, Body: []byte("<html></html>")}
}

func TestProfilerFingerprintsOncePerHostPerCycle(t *testing.T) {
	detector := &fakeDetector{techs: map[string][]string{"Cloudflare": {"CDN"}}}
	next := &recordingHandler{}
	rec := &events.Recorder{}
	p := NewProfiler(detector, next, rec)
	ctx := context.Background()

	require.NoError(t, p.HandleSuccess(ctx, "c1", page("https://a.example.com/search,pgn:1,pgs:24")))
	require.NoError(t, p.HandleSuccess(ctx, "c1", page("https://a.example.com/search,pgn:2,pgs:24")))
	require.NoError(t, p.HandleSuccess(ctx, "c1", page("https://b.example.com/item/1")))

	assert.EqualValues(t, 2, detector.calls.Load())
	assert.Len(t, next.successes, 3)
	assert.Equal(t, 2, rec.Count(SiteFingerprinted))
	assert.Equal(t, []string{"Cloudflare"}, p.Technologies("a.example.com"))

	// Same stack next cycle: checked again, no new event
	require.NoError(t, p.HandleSuccess(ctx, "c2", page("https://a.example.com/search,pgn:1,pgs:24")))
	assert.EqualValues(t, 3, detector.calls.Load())
	assert.Equal(t, 2, rec.Count(SiteFingerprinted))

	// Stack changes: event again
	detector.techs = map[string][]string{"Cloudflare": {"CDN"}, "DataDome": {"Security"}}
	require.NoError(t, p.HandleSuccess(ctx, "c3", page("https://a.example.com/search,pgn:1,pgs:24")))
	assert.Equal(t, 3, rec.Count(SiteFingerprinted))
	assert.Equal(t, []string{"Cloudflare", "DataDome"}, p.Technologies("a.example.com"))
}

func TestProfilerSkipsEmptyBodies(t *testing.T) {
	detector := &fakeDetector{}
	p := NewProfiler(detector, nil, nil)

	require.NoError(t, p.HandleSuccess(context.Background(), "c1", crawler.Result{URL: "https://a.example.com/", Success: true}))
	assert.Zero(t, detector.calls.Load())
}

func TestProfilerDelegates(t *testing.T) {
	next := &recordingHandler{err: errors.New("insert failed")}
	p := NewProfiler(&fakeDetector{}, next, nil)
	ctx := context.Background()

	assert.EqualError(t, p.HandleSuccess(ctx, "c1", page("https://a.example.com/")), "insert failed")
	assert.EqualError(t, p.HandleFailure(ctx, "c1", crawler.Result{URL: "https://a.example.com/x"}), "insert failed")
	require.NoError(t, p.RecordCycle(ctx, scheduler.CycleState{ID: "c1"}))

	assert.Equal(t, []string{"https://a.example.com/x"}, next.failures)
	assert.Equal(t, []string{"c1"}, next.cycles)
}

func TestProfilerWithoutNextHandler(t *testing.T) {
	p := NewProfiler(&fakeDetector{}, nil, nil)
	ctx := context.Background()

	assert.NoError(t, p.HandleSuccess(ctx, "c1", page("https://a.example.com/")))
	assert.NoError(t, p.HandleFailure(ctx, "c1", crawler.Result{URL: "https://a.example.com/x"}))
	assert.NoError(t, p.RecordCycle(ctx, scheduler.CycleState{ID: "c1"}))
}

func TestProfilerSatisfiesInterfaces(t *testing.T) {
	var _ scheduler.ResultHandler = (*Profiler)(nil)
	var _ scheduler.CycleRecorder = (*Profiler)(nil)
}
