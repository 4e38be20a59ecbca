package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Harvey-AU/listing-harvester/internal/events"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// HealthState is a state of the health check state machine.
type HealthState string

const (
	HealthIdle      HealthState = "idle"
	HealthProbing   HealthState = "probing"
	HealthAllFailed HealthState = "all_failed"
	HealthWaiting   HealthState = "waiting"
	HealthReady     HealthState = "ready"
	HealthExhausted HealthState = "exhausted"
)

// HealthConfig controls the health check retry loop.
type HealthConfig struct {
	CheckRetries     int           // Probe rounds before giving up
	CheckInterval    time.Duration // Wait between failed rounds
	ProbeConcurrency int           // Maximum probes in flight
	MinValid         int           // Valid entries needed to declare Ready
}

// DefaultHealthConfig returns the production defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckRetries:     3,
		CheckInterval:    600 * time.Second,
		ProbeConcurrency: 20,
		MinValid:         1,
	}
}

// HealthReport summarises one Ensure run.
type HealthReport struct {
	Rounds   int           `json:"rounds"`
	Waits    int           `json:"waits"`
	Valid    int           `json:"valid"`
	Total    int           `json:"total"`
	Duration time.Duration `json:"duration"`
}

// HealthController probes the pool until it has usable entries or the
// retry budget is spent. Startup, per-cycle refresh and lazy refresh from
// the worker pool all go through Ensure.
type HealthController struct {
	pool      *Pool
	validator Validator
	cfg       HealthConfig
	emitter   events.Emitter

	flight singleflight.Group

	mu    sync.Mutex
	state HealthState
	last  *HealthReport

	wait func(ctx context.Context, d time.Duration) error
}

// NewHealthController wires a controller. A nil emitter discards events.
func NewHealthController(pool *Pool, validator Validator, cfg HealthConfig, emitter events.Emitter) *HealthController {
	if pool == nil {
		panic("pool is required")
	}
	if validator == nil {
		panic("validator is required")
	}
	if cfg.CheckRetries < 1 {
		cfg.CheckRetries = 1
	}
	if cfg.ProbeConcurrency < 1 {
		cfg.ProbeConcurrency = 1
	}
	if cfg.MinValid < 1 {
		cfg.MinValid = 1
	}
	if emitter == nil {
		emitter = events.Nop()
	}

	return &HealthController{
		pool:      pool,
		validator: validator,
		cfg:       cfg,
		emitter:   emitter,
		state:     HealthIdle,
		wait:      sleepContext,
	}
}

// State returns the current state machine state.
func (h *HealthController) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastReport returns the report of the most recent completed run.
func (h *HealthController) LastReport() *HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *HealthController) setState(s HealthState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Ensure runs Probing → (AllFailed → Waiting → Probing)* → Ready | Exhausted.
// Concurrent callers share a single in-flight run. Exhaustion returns
// ErrNoUsableProxies; cancellation of ctx interrupts probes and waits.
func (h *HealthController) Ensure(ctx context.Context) (*HealthReport, error) {
	v, err, shared := h.flight.Do("ensure", func() (any, error) {
		return h.run(ctx)
	})
	if shared {
		log.Debug().Msg("Joined in-flight proxy health check")
	}
	report, _ := v.(*HealthReport)
	return report, err
}

func (h *HealthController) run(ctx context.Context) (*HealthReport, error) {
	start := time.Now()
	total := h.pool.Len()
	need := min(h.cfg.MinValid, total)
	report := &HealthReport{Total: total}

	finish := func(s HealthState) {
		report.Duration = time.Since(start)
		h.mu.Lock()
		h.state = s
		h.last = report
		h.mu.Unlock()
	}

	for round := 1; ; round++ {
		report.Rounds = round
		h.setState(HealthProbing)
		h.emit(ctx, events.HealthProbing, map[string]any{
			"attempt":      round,
			"max_attempts": h.cfg.CheckRetries,
			"total":        total,
		})

		valid, err := h.probeAll(ctx)
		if err != nil {
			finish(HealthIdle)
			return report, fmt.Errorf("health check interrupted: %w", err)
		}
		report.Valid = valid

		if valid >= need {
			finish(HealthReady)
			h.emit(ctx, events.HealthReady, map[string]any{
				"attempt": round,
				"valid":   valid,
				"total":   total,
			})
			return report, nil
		}

		h.setState(HealthAllFailed)
		h.emit(ctx, events.HealthAllFailed, map[string]any{
			"attempt":      round,
			"max_attempts": h.cfg.CheckRetries,
			"valid":        valid,
			"total":        total,
		})

		if round >= h.cfg.CheckRetries {
			finish(HealthExhausted)
			h.emit(ctx, events.HealthExhausted, map[string]any{
				"attempts": round,
				"total":    total,
			})
			return report, ErrNoUsableProxies
		}

		h.setState(HealthWaiting)
		h.emit(ctx, events.HealthWaiting, map[string]any{
			"attempt":      round,
			"max_attempts": h.cfg.CheckRetries,
			"wait_seconds": int(h.cfg.CheckInterval / time.Second),
			"next_attempt": round + 1,
		})
		report.Waits++
		if err := h.wait(ctx, h.cfg.CheckInterval); err != nil {
			finish(HealthIdle)
			return report, fmt.Errorf("health check wait interrupted: %w", err)
		}
	}
}

// probeAll probes every candidate with bounded fan-out and records the
// outcomes in the pool.
func (h *HealthController) probeAll(ctx context.Context) (int, error) {
	candidates := h.pool.Candidates()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.ProbeConcurrency)

	for _, ep := range candidates {
		g.Go(func() error {
			res := h.validator.Probe(gctx, ep)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if res.OK {
				_ = h.pool.MarkValid(ep.ID())
				log.Debug().
					Str("proxy", ep.ID()).
					Dur("latency", res.Latency).
					Msg("Proxy probe succeeded")
			} else {
				_ = h.pool.MarkFailed(ep.ID())
				log.Debug().
					Str("proxy", ep.ID()).
					Str("reason", res.Reason).
					Msg("Proxy probe failed")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return h.pool.ValidCount(), nil
}

func (h *HealthController) emit(ctx context.Context, eventType string, fields map[string]any) {
	h.emitter.Emit(ctx, events.New(eventType, fields))
}

// sleepContext waits for d or until ctx is done.
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
