package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/Harvey-AU/listing-harvester/internal/crawler"
	"github.com/Harvey-AU/listing-harvester/internal/proxy"
)

var (
	// ErrEmptyURLBatch is returned when a cycle has nothing to fetch
	ErrEmptyURLBatch = errors.New("url batch is empty")
	// ErrAlreadyRunning is returned by Run while another loop is active
	ErrAlreadyRunning = errors.New("scheduler is already running")
)

// State is the scheduler's position in its cycle loop
type State string

const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
	StateFetching   State = "fetching"
	StateReporting  State = "reporting"
	StateSleeping   State = "sleeping"
)

// OnExhaustion selects what the loop does after a cycle finds no usable proxies
type OnExhaustion string

const (
	// ExhaustionAbort ends the loop
	ExhaustionAbort OnExhaustion = "abort"
	// ExhaustionWait sleeps until the next cycle and tries again
	ExhaustionWait OnExhaustion = "wait"
)

// ParseOnExhaustion maps a config value to a policy, defaulting to abort
func ParseOnExhaustion(v string) OnExhaustion {
	if OnExhaustion(v) == ExhaustionWait {
		return ExhaustionWait
	}
	return ExhaustionAbort
}

// CycleStatus is the outcome of a single cycle
type CycleStatus string

const (
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
	CycleStopped   CycleStatus = "stopped"
)

// CycleState tracks one pass over the URL batch. Counters are reset at the
// start of every cycle.
type CycleState struct {
	ID         string      `json:"id"`
	Status     CycleStatus `json:"status"`
	Stage      int         `json:"stage"`
	Total      int         `json:"total"`
	Attempted  int         `json:"attempted"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	Skipped    int         `json:"skipped"`
	Percentage float64     `json:"percentage"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at,omitzero"`
	NextRunAt  time.Time   `json:"next_run_at,omitzero"`
	Error      string      `json:"error,omitempty"`
}

func (c *CycleState) updatePercentage() {
	if c.Total == 0 {
		c.Percentage = 0
		return
	}
	c.Percentage = float64(c.Attempted) / float64(c.Total) * 100
}

// Status is a point-in-time view of the scheduler
type Status struct {
	State           State       `json:"state"`
	Running         bool        `json:"is_running"`
	Continuous      bool        `json:"cycle_enabled"`
	IntervalSeconds float64     `json:"interval_seconds"`
	MaxConcurrency  int         `json:"max_concurrency"`
	CyclesCompleted int         `json:"cycles_completed"`
	Current         *CycleState `json:"current,omitempty"`
	Last            *CycleState `json:"last,omitempty"`
	NextRunAt       time.Time   `json:"next_run_at,omitzero"`
}

// ResultHandler receives every attempted task once the cycle reports.
// Successes are keyed by URL; failures carry their classification.
type ResultHandler interface {
	HandleSuccess(ctx context.Context, cycleID string, r crawler.Result) error
	HandleFailure(ctx context.Context, cycleID string, r crawler.Result) error
}

// CycleRecorder is optionally implemented by a ResultHandler that also
// keeps a history of cycles.
type CycleRecorder interface {
	RecordCycle(ctx context.Context, c CycleState) error
}

// HealthChecker brings the proxy pool to a usable state
type HealthChecker interface {
	Ensure(ctx context.Context) (*proxy.HealthReport, error)
}

// Batcher runs a batch of URLs through the fetch pipeline
type Batcher interface {
	Run(ctx context.Context, urls []string, progress crawler.ProgressFunc) ([]crawler.Result, error)
	MaxConcurrency() int
}

// Resetter restarts proxy rotation for a new cycle
type Resetter interface {
	Reset()
}
