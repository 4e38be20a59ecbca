package crawler

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HostLimiterConfig controls adaptive throttling when the target starts
// answering with blocking statuses.
type HostLimiterConfig struct {
	DelayStep             time.Duration
	MaxAdaptiveDelay      time.Duration
	SuccessProbeThreshold int
}

func defaultHostLimiterConfig() HostLimiterConfig {
	cfg := HostLimiterConfig{
		DelayStep:             time.Second,
		MaxAdaptiveDelay:      30 * time.Second,
		SuccessProbeThreshold: 10,
	}

	if v, ok := os.LookupEnv("HARVESTER_BACKOFF_STEP_MS"); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.DelayStep = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := os.LookupEnv("HARVESTER_BACKOFF_MAX_SECONDS"); ok {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.MaxAdaptiveDelay = time.Duration(sec) * time.Second
		}
	}
	if v, ok := os.LookupEnv("HARVESTER_BACKOFF_SUCCESS_THRESHOLD"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SuccessProbeThreshold = n
		}
	}

	return cfg
}

// HostLimiter holds every worker back from a host while it is pushing back
// with 429/403/503 responses. The extra delay grows by DelayStep per
// blocking response and shrinks again after a streak of successes.
type HostLimiter struct {
	cfg HostLimiterConfig

	mu    sync.Mutex
	hosts map[string]*hostState

	now func() time.Time
}

type hostState struct {
	adaptiveDelay time.Duration
	backoffUntil  time.Time
	errorStreak   int
	successStreak int
}

// NewHostLimiter creates a limiter with defaults overridable from the environment.
func NewHostLimiter() *HostLimiter {
	return &HostLimiter{
		cfg:   defaultHostLimiterConfig(),
		hosts: make(map[string]*hostState),
		now:   time.Now,
	}
}

func (hl *HostLimiter) stateLocked(host string) *hostState {
	s, ok := hl.hosts[host]
	if !ok {
		s = &hostState{}
		hl.hosts[host] = s
	}
	return s
}

// Wait blocks until the host is out of backoff or ctx is done.
func (hl *HostLimiter) Wait(ctx context.Context, host string) error {
	for {
		hl.mu.Lock()
		until := hl.stateLocked(host).backoffUntil
		now := hl.now()
		hl.mu.Unlock()

		if !until.After(now) {
			return nil
		}

		t := time.NewTimer(until.Sub(now))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// Release records the outcome of a request against host.
func (hl *HostLimiter) Release(host string, success bool, rateLimited bool) {
	hl.mu.Lock()
	state := hl.stateLocked(host)
	old := state.adaptiveDelay

	switch {
	case rateLimited:
		state.successStreak = 0
		state.errorStreak++
		next := state.adaptiveDelay + hl.cfg.DelayStep
		if next > hl.cfg.MaxAdaptiveDelay {
			next = hl.cfg.MaxAdaptiveDelay
		}
		state.adaptiveDelay = next
		state.backoffUntil = hl.now().Add(state.adaptiveDelay)
	case success:
		state.errorStreak = 0
		state.successStreak++
		if state.successStreak >= hl.cfg.SuccessProbeThreshold && state.adaptiveDelay > 0 {
			next := state.adaptiveDelay - hl.cfg.DelayStep
			if next < 0 {
				next = 0
			}
			state.adaptiveDelay = next
			state.successStreak = 0
		}
	default:
		// Non rate-limit failure
		state.successStreak = 0
	}

	current := state.adaptiveDelay
	errorStreak := state.errorStreak
	hl.mu.Unlock()

	if current != old {
		log.Info().
			Str("host", host).
			Dur("adaptive_delay", current).
			Dur("previous_delay", old).
			Int("error_streak", errorStreak).
			Msg("Updated host adaptive delay")
	}
}

// Delay returns the current adaptive delay for host.
func (hl *HostLimiter) Delay(host string) time.Duration {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	return hl.stateLocked(host).adaptiveDelay
}
