package techdetect

import (
	"context"
	"net/http"
	"slices"
	"sync"

	"github.com/Harvey-AU/listing-harvester/internal/crawler"
	"github.com/Harvey-AU/listing-harvester/internal/events"
	"github.com/Harvey-AU/listing-harvester/internal/scheduler"
	"github.com/Harvey-AU/listing-harvester/internal/util"
	"github.com/rs/zerolog/log"
)

// SiteFingerprinted is emitted when a host's detected stack first appears
// or changes between cycles.
const SiteFingerprinted = "site.fingerprinted"

// Fingerprinter detects technologies from a response
type Fingerprinter interface {
	Detect(headers http.Header, body []byte) *Result
}

// Profiler is a result handler that fingerprints the first successful
// page per host in each cycle, then hands every result to next.
type Profiler struct {
	detector Fingerprinter
	next     scheduler.ResultHandler
	emitter  events.Emitter

	mu      sync.Mutex
	checked map[string]string   // host -> cycle last fingerprinted
	known   map[string][]string // host -> technology names
}

// NewProfiler wraps next, which may be nil
func NewProfiler(detector Fingerprinter, next scheduler.ResultHandler, emitter events.Emitter) *Profiler {
	if emitter == nil {
		emitter = events.Nop()
	}
	return &Profiler{
		detector: detector,
		next:     next,
		emitter:  emitter,
		checked:  make(map[string]string),
		known:    make(map[string][]string),
	}
}

// HandleSuccess fingerprints the page when its host has not been seen
// this cycle
func (p *Profiler) HandleSuccess(ctx context.Context, cycleID string, r crawler.Result) error {
	p.profile(ctx, cycleID, r)
	if p.next == nil {
		return nil
	}
	return p.next.HandleSuccess(ctx, cycleID, r)
}

// HandleFailure passes failures through
func (p *Profiler) HandleFailure(ctx context.Context, cycleID string, r crawler.Result) error {
	if p.next == nil {
		return nil
	}
	return p.next.HandleFailure(ctx, cycleID, r)
}

// RecordCycle forwards the cycle summary when next records cycles
func (p *Profiler) RecordCycle(ctx context.Context, c scheduler.CycleState) error {
	if recorder, ok := p.next.(scheduler.CycleRecorder); ok {
		return recorder.RecordCycle(ctx, c)
	}
	return nil
}

// Technologies returns the last detected stack for host
func (p *Profiler) Technologies(host string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.known[host])
}

func (p *Profiler) profile(ctx context.Context, cycleID string, r crawler.Result) {
	host := util.HostOf(r.URL)
	if host == "" || len(r.Body) == 0 {
		return
	}

	p.mu.Lock()
	if p.checked[host] == cycleID {
		p.mu.Unlock()
		return
	}
	p.checked[host] = cycleID
	p.mu.Unlock()

	names := p.detector.Detect(r.Headers, r.Body).Names()

	p.mu.Lock()
	previous, seen := p.known[host]
	changed := !seen || !slices.Equal(previous, names)
	p.known[host] = names
	p.mu.Unlock()

	if !changed {
		return
	}

	log.Info().
		Str("host", host).
		Strs("technologies", names).
		Strs("previous", previous).
		Msg("Site technology fingerprint")
	p.emitter.Emit(ctx, events.New(SiteFingerprinted, map[string]any{
		"host":         host,
		"technologies": names,
		"previous":     previous,
		"cycle_id":     cycleID,
	}))
}
