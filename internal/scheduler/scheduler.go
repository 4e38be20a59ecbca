package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Harvey-AU/listing-harvester/internal/crawler"
	"github.com/Harvey-AU/listing-harvester/internal/events"
	"github.com/Harvey-AU/listing-harvester/internal/observability"
	"github.com/Harvey-AU/listing-harvester/internal/proxy"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Config controls the cycle loop
type Config struct {
	Interval            time.Duration // Pause between cycles in continuous mode
	Continuous          bool          // Run cycles until stopped instead of once
	OnExhaustion        OnExhaustion  // Loop policy after a cycle finds no usable proxies
	FollowListingLinks  bool          // Fetch links found on stage one pages as a second batch
	ListingLinkSelector string        // CSS selector for stage two links
}

// DefaultConfig returns a continuous configuration with a 30 minute interval
func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Minute,
		Continuous:          true,
		OnExhaustion:        ExhaustionAbort,
		ListingLinkSelector: crawler.DefaultLinkSelector,
	}
}

// Scheduler drives refresh, fetch and report cycles over a fixed URL batch.
// It is the only goroutine that starts cycles; all waits observe Stop.
type Scheduler struct {
	cfg     Config
	urls    []string
	health  HealthChecker
	workers Batcher
	rotator Resetter
	handler ResultHandler
	emitter events.Emitter

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	state    State
	current  *CycleState
	last     *CycleState
	cycles   int
	nextRun  time.Time
	finished chan struct{}

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New wires a scheduler. rotator, handler and emitter may be nil.
func New(cfg Config, urls []string, health HealthChecker, workers Batcher, rotator Resetter, handler ResultHandler, emitter events.Emitter) *Scheduler {
	if health == nil {
		panic("health checker is required")
	}
	if workers == nil {
		panic("worker pool is required")
	}
	if emitter == nil {
		emitter = events.Nop()
	}
	if cfg.OnExhaustion == "" {
		cfg.OnExhaustion = ExhaustionAbort
	}
	if cfg.ListingLinkSelector == "" {
		cfg.ListingLinkSelector = crawler.DefaultLinkSelector
	}

	return &Scheduler{
		cfg:     cfg,
		urls:    append([]string(nil), urls...),
		health:  health,
		workers: workers,
		rotator: rotator,
		handler: handler,
		emitter: emitter,
		state:   StateIdle,
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// Run executes cycles until the batch is done (single-run mode), Stop is
// called, ctx is cancelled, or proxies run out under the abort policy.
// A stop is not an error. Exhaustion is returned as proxy.ErrNoUsableProxies.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.urls) == 0 {
		return ErrEmptyURLBatch
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.finished = make(chan struct{})
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.state = StateIdle
		s.nextRun = time.Time{}
		close(s.finished)
		s.mu.Unlock()
	}()

	log.Info().
		Int("urls", len(s.urls)).
		Bool("continuous", s.cfg.Continuous).
		Dur("interval", s.cfg.Interval).
		Str("on_exhaustion", string(s.cfg.OnExhaustion)).
		Msg("Scheduler started")

	err := s.loop(runCtx)

	s.emitter.Emit(ctx, events.New(events.SchedulerStopped, map[string]any{
		"cycles": s.cyclesCompleted(),
		"error":  errString(err),
	}))
	return err
}

func (s *Scheduler) loop(ctx context.Context) error {
	for {
		// A stop can land before the first cycle; no refresh or fetch follows it.
		if ctx.Err() != nil {
			return nil
		}
		err := s.runCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, proxy.ErrNoUsableProxies) && s.cfg.OnExhaustion == ExhaustionAbort {
			log.Error().Msg("No usable proxies, stopping the scheduler")
			return err
		}
		if !s.cfg.Continuous {
			return err
		}

		next := s.now().Add(s.cfg.Interval)
		s.mu.Lock()
		s.state = StateSleeping
		s.nextRun = next
		if s.last != nil {
			s.last.NextRunAt = next
		}
		s.mu.Unlock()

		s.emitter.Emit(ctx, events.New(events.CycleSleeping, map[string]any{
			"interval": s.cfg.Interval.String(),
			"next_run": next,
		}))

		if err := s.sleep(ctx, s.cfg.Interval); err != nil {
			return nil
		}
	}
}

// Stop requests the loop to end. Fetches already in flight finish under
// their own timeout. Stop does not wait; use Wait for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		log.Info().Msg("Stop requested")
		s.cancel()
	}
}

// Wait blocks until the running loop has returned or ctx is done
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	finished := s.finished
	running := s.running
	s.mu.Unlock()
	if !running || finished == nil {
		return nil
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot safe to serialise
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:           s.state,
		Running:         s.running,
		Continuous:      s.cfg.Continuous,
		IntervalSeconds: s.cfg.Interval.Seconds(),
		MaxConcurrency:  s.workers.MaxConcurrency(),
		CyclesCompleted: s.cycles,
		NextRunAt:       s.nextRun,
	}
	if s.current != nil {
		c := *s.current
		st.Current = &c
	}
	if s.last != nil {
		c := *s.last
		st.Last = &c
	}
	return st
}

func (s *Scheduler) cyclesCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// update applies fn to the current cycle under the lock
func (s *Scheduler) update(fn func(c *CycleState)) CycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.current)
	s.current.updatePercentage()
	return *s.current
}

func (s *Scheduler) runCycle(ctx context.Context) error {
	span := sentry.StartSpan(ctx, "scheduler.cycle")
	defer span.Finish()

	cycle := &CycleState{
		ID:        uuid.New().String(),
		Status:    CycleRunning,
		Stage:     1,
		StartedAt: s.now().UTC(),
	}
	span.SetTag("cycle_id", cycle.ID)

	s.mu.Lock()
	s.current = cycle
	s.state = StateRefreshing
	s.nextRun = time.Time{}
	s.mu.Unlock()

	if s.rotator != nil {
		s.rotator.Reset()
	}

	log.Info().Str("cycle_id", cycle.ID).Int("urls", len(s.urls)).Msg("Cycle started")
	s.emitter.Emit(ctx, events.New(events.CycleStarted, map[string]any{
		"cycle_id": cycle.ID,
		"urls":     len(s.urls),
	}))

	report, err := s.health.Ensure(ctx)
	if err != nil {
		return s.finish(ctx, nil, err)
	}
	observability.RecordValidProxies(ctx, report.Valid)

	s.setState(StateFetching)
	s.update(func(c *CycleState) { c.Total = len(s.urls) })
	s.emitter.Emit(ctx, events.New(events.CycleFetching, map[string]any{
		"cycle_id": cycle.ID,
		"stage":    1,
		"urls":     len(s.urls),
		"valid":    report.Valid,
		"total":    report.Total,
	}))

	results, err := s.workers.Run(ctx, s.urls, s.progress(ctx, cycle.ID))

	if err == nil && s.cfg.FollowListingLinks && ctx.Err() == nil {
		links := s.listingLinks(results)
		if len(links) > 0 {
			s.update(func(c *CycleState) {
				c.Stage = 2
				c.Total += len(links)
			})
			s.emitter.Emit(ctx, events.New(events.CycleFetching, map[string]any{
				"cycle_id": cycle.ID,
				"stage":    2,
				"urls":     len(links),
			}))

			var more []crawler.Result
			more, err = s.workers.Run(ctx, links, s.progress(ctx, cycle.ID))
			results = append(results, more...)
		}
	}

	return s.finish(ctx, results, err)
}

// progress keeps the cycle counters current and emits one event per task
func (s *Scheduler) progress(ctx context.Context, cycleID string) crawler.ProgressFunc {
	return func(done, total int, r crawler.Result) {
		snap := s.update(func(c *CycleState) {
			switch {
			case r.Success:
				c.Attempted++
				c.Succeeded++
			case r.Failure == crawler.FailureStopped:
				c.Skipped++
			default:
				c.Attempted++
				c.Failed++
			}
		})
		s.emitter.Emit(ctx, events.New(events.FetchProgress, map[string]any{
			"cycle_id":   cycleID,
			"done":       done,
			"total":      total,
			"succeeded":  snap.Succeeded,
			"failed":     snap.Failed,
			"percentage": snap.Percentage,
			"url":        r.URL,
		}))
	}
}

// listingLinks collects de-duplicated links from successful stage one pages
// that are not already part of the batch.
func (s *Scheduler) listingLinks(results []crawler.Result) []string {
	seen := make(map[string]struct{}, len(s.urls))
	for _, u := range s.urls {
		seen[u] = struct{}{}
	}

	var links []string
	for _, r := range results {
		if !r.Success || len(r.Body) == 0 {
			continue
		}
		found, err := crawler.ExtractLinks(r.Body, r.URL, s.cfg.ListingLinkSelector)
		if err != nil {
			log.Warn().Err(err).Str("url", r.URL).Msg("Failed to extract listing links")
			continue
		}
		for _, link := range found {
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			links = append(links, link)
		}
	}

	log.Debug().Int("links", len(links)).Msg("Collected listing links for stage two")
	return links
}

// finish reports results and closes the cycle. runErr is the error that
// ended the cycle early, if any; it is returned unchanged.
func (s *Scheduler) finish(ctx context.Context, results []crawler.Result, runErr error) error {
	s.setState(StateReporting)
	reportCtx := context.WithoutCancel(ctx)

	cycleID := s.update(func(c *CycleState) {}).ID
	s.emitter.Emit(reportCtx, events.New(events.CycleReporting, map[string]any{
		"cycle_id": cycleID,
		"results":  len(results),
	}))

	handlerErrors := 0
	if s.handler != nil {
		for _, r := range results {
			var err error
			switch {
			case r.Success:
				err = s.handler.HandleSuccess(reportCtx, cycleID, r)
			case r.Failure == crawler.FailureStopped:
				continue
			default:
				err = s.handler.HandleFailure(reportCtx, cycleID, r)
			}
			if err != nil {
				handlerErrors++
				log.Warn().Err(err).Str("cycle_id", cycleID).Str("url", r.URL).Msg("Result handler failed")
			}
		}
	}
	if handlerErrors > 0 {
		sentry.CaptureException(fmt.Errorf("cycle %s: %d results could not be handled", cycleID, handlerErrors))
	}

	status := CycleCompleted
	switch {
	case ctx.Err() != nil:
		status = CycleStopped
	case runErr != nil:
		status = CycleFailed
	}

	final := s.update(func(c *CycleState) {
		c.Status = status
		c.FinishedAt = s.now().UTC()
		c.Error = errString(runErr)
	})

	s.mu.Lock()
	s.cycles++
	s.last = &final
	s.current = nil
	s.mu.Unlock()

	if rec, ok := s.handler.(CycleRecorder); ok {
		if err := rec.RecordCycle(reportCtx, final); err != nil {
			log.Warn().Err(err).Str("cycle_id", final.ID).Msg("Failed to record cycle")
		}
	}

	observability.RecordCycle(reportCtx, observability.CycleMetrics{
		Status:    string(final.Status),
		Duration:  final.FinishedAt.Sub(final.StartedAt),
		Succeeded: final.Succeeded,
		Failed:    final.Failed,
	})

	fields := map[string]any{
		"cycle_id":  final.ID,
		"status":    string(final.Status),
		"attempted": final.Attempted,
		"succeeded": final.Succeeded,
		"failed":    final.Failed,
		"skipped":   final.Skipped,
		"duration":  final.FinishedAt.Sub(final.StartedAt).String(),
	}

	if status == CycleFailed {
		fields["error"] = final.Error
		if errors.Is(runErr, proxy.ErrNoUsableProxies) {
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("cycle_id", final.ID)
				scope.SetLevel(sentry.LevelError)
				sentry.CaptureException(runErr)
			})
		}
		log.Error().Err(runErr).Str("cycle_id", final.ID).Msg("Cycle failed")
		s.emitter.Emit(reportCtx, events.New(events.CycleFailed, fields))
		return runErr
	}

	log.Info().
		Str("cycle_id", final.ID).
		Str("status", string(final.Status)).
		Int("succeeded", final.Succeeded).
		Int("failed", final.Failed).
		Int("skipped", final.Skipped).
		Msg("Cycle finished")
	s.emitter.Emit(reportCtx, events.New(events.CycleCompleted, fields))

	if status == CycleStopped {
		return nil
	}
	return runErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
