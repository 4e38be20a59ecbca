package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/Harvey-AU/listing-harvester/internal/proxy"
	"github.com/Harvey-AU/listing-harvester/internal/scheduler"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

// ServiceName identifies the service in health responses
const ServiceName = "listing-harvester"

// ErrAlreadyRunning is returned by StartScheduler while a run is active
var ErrAlreadyRunning = scheduler.ErrAlreadyRunning

// SchedulerControl is the part of the scheduler the API drives
type SchedulerControl interface {
	Run(ctx context.Context) error
	Stop()
	Status() scheduler.Status
}

// PoolInspector exposes the proxy pool for operators
type PoolInspector interface {
	Snapshot() []proxy.EntrySnapshot
	Counts() proxy.Counts
}

// CycleStore reads cycle history. Optional.
type CycleStore interface {
	RecentCycles(ctx context.Context, limit int) ([]scheduler.CycleState, error)
	HealthCheck(ctx context.Context) error
}

// Handler holds dependencies for API handlers
type Handler struct {
	Scheduler SchedulerControl
	Pool      PoolInspector
	Store     CycleStore

	// Protect wraps the mutating routes; nil leaves them open
	Protect func(http.Handler) http.Handler

	// base is the context scheduler runs inherit; cancelling it stops them
	base context.Context

	mu        sync.Mutex
	active    bool
	cancelRun context.CancelFunc
	lastErr   error
	done      chan struct{}
}

// NewHandler creates a new API handler. store may be nil.
func NewHandler(base context.Context, sched SchedulerControl, pool PoolInspector, store CycleStore) *Handler {
	return &Handler{
		Scheduler: sched,
		Pool:      pool,
		Store:     store,
		base:      base,
	}
}

// SetupRoutes configures all API routes
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)
	mux.HandleFunc("/status", h.StatusHandler)
	mux.HandleFunc("/proxies", h.ProxiesHandler)
	mux.HandleFunc("/cycles", h.CyclesHandler)
	mux.Handle("/start", h.protect(http.HandlerFunc(h.StartHandler)))
	mux.Handle("/stop", h.protect(http.HandlerFunc(h.StopHandler)))
}

func (h *Handler) protect(next http.Handler) http.Handler {
	if h.Protect == nil {
		return next
	}
	return h.Protect(next)
}

// StartScheduler launches a scheduler run in the background. It returns
// ErrAlreadyRunning if a previous run has not returned yet.
func (h *Handler) StartScheduler() error {
	h.mu.Lock()
	if h.active || h.Scheduler.Status().Running {
		h.mu.Unlock()
		return ErrAlreadyRunning
	}
	// Each run gets its own context so a stop that lands before Run has
	// registered with the scheduler still ends the run.
	runCtx, cancel := context.WithCancel(h.base)
	h.active = true
	h.cancelRun = cancel
	h.lastErr = nil
	done := make(chan struct{})
	h.done = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		err := h.Scheduler.Run(runCtx)
		cancel()

		h.mu.Lock()
		h.active = false
		h.cancelRun = nil
		h.lastErr = err
		h.mu.Unlock()

		switch {
		case err == nil:
			log.Info().Msg("Scheduler run finished")
		case errors.Is(err, proxy.ErrNoUsableProxies):
			log.Error().Err(err).Msg("Scheduler stopped: no usable proxies")
		default:
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Scheduler run failed")
		}
	}()
	return nil
}

// RunDone returns a channel closed when the current run returns, or nil
// when no run was started.
func (h *Handler) RunDone() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// LastRunError returns the error the most recent run ended with
func (h *Handler) LastRunError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteHealthy(w, r, ServiceName, Version)
}

// DatabaseHealthCheck handles database health check requests
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	if h.Store == nil {
		WriteUnhealthy(w, r, "postgresql", fmt.Errorf("database connection not configured"))
		return
	}
	if err := h.Store.HealthCheck(r.Context()); err != nil {
		WriteUnhealthy(w, r, "postgresql", err)
		return
	}
	WriteHealthy(w, r, "postgresql", Version)
}

// StatusResponse is the scheduler snapshot plus the last run's outcome
type StatusResponse struct {
	scheduler.Status
	Proxies   proxy.Counts `json:"proxies"`
	LastError string       `json:"last_error,omitempty"`
}

// StatusHandler returns the scheduler state and current cycle progress
func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	resp := StatusResponse{Status: h.Scheduler.Status()}
	if h.Pool != nil {
		resp.Proxies = h.Pool.Counts()
	}
	if err := h.LastRunError(); err != nil {
		resp.LastError = err.Error()
	}
	WriteSuccess(w, r, resp, "")
}

// ProxiesHandler lists every pool entry with its status and counters
func (h *Handler) ProxiesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if h.Pool == nil {
		ServiceUnavailable(w, r, "Proxy pool not configured")
		return
	}

	WriteSuccess(w, r, map[string]any{
		"counts":  h.Pool.Counts(),
		"proxies": h.Pool.Snapshot(),
	}, "")
}

// CyclesHandler returns recent cycle summaries from the result store
func (h *Handler) CyclesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if h.Store == nil {
		ServiceUnavailable(w, r, "Cycle history requires a database")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			BadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}

	cycles, err := h.Store.RecentCycles(r.Context(), limit)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	if cycles == nil {
		cycles = []scheduler.CycleState{}
	}
	WriteSuccess(w, r, cycles, "")
}

// StartHandler starts a scheduler run
func (h *Handler) StartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	if err := h.StartScheduler(); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			Conflict(w, r, "Scheduler is already running")
			return
		}
		InternalError(w, r, err)
		return
	}
	WriteAccepted(w, r, nil, "Scheduler started")
}

// StopHandler signals the running scheduler to stop. In-flight fetches
// finish; no new work starts.
func (h *Handler) StopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	if !h.StopScheduler() {
		Conflict(w, r, "Scheduler is not running")
		return
	}
	WriteAccepted(w, r, nil, "Stop requested")
}

// StopScheduler stops the current run, including one that was started but
// has not reached the scheduler yet. It reports whether anything was running.
func (h *Handler) StopScheduler() bool {
	h.mu.Lock()
	running := h.active || h.Scheduler.Status().Running
	cancel := h.cancelRun
	h.mu.Unlock()

	if !running {
		return false
	}
	h.Scheduler.Stop()
	if cancel != nil {
		cancel()
	}
	return true
}
