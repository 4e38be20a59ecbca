package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event types emitted by the harvester. Health events follow the proxy
// health state machine, cycle events follow the scheduler.
const (
	HealthProbing   = "health.probing"
	HealthAllFailed = "health.all_failed"
	HealthWaiting   = "health.waiting"
	HealthReady     = "health.ready"
	HealthExhausted = "health.exhausted"

	CycleStarted     = "cycle.started"
	CycleFetching    = "cycle.fetching"
	CycleReporting   = "cycle.reporting"
	CycleCompleted   = "cycle.completed"
	CycleFailed      = "cycle.failed"
	CycleSleeping    = "cycle.sleeping"
	SchedulerStopped = "scheduler.stopped"

	FetchProgress = "fetch.progress"
	FetchRefresh  = "fetch.refresh"
)

// Event is a structured state transition or progress notice.
type Event struct {
	Type   string         `json:"type"`
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields,omitempty"`
}

// New builds an event stamped with the current time.
func New(eventType string, fields map[string]any) Event {
	return Event{Type: eventType, Time: time.Now().UTC(), Fields: fields}
}

// Int returns an integer field or 0 when absent.
func (e Event) Int(key string) int {
	switch v := e.Fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// Emitter receives events. Implementations must not block the caller for long.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// LogEmitter writes events to the global zerolog logger.
type LogEmitter struct{}

// Emit implements Emitter
func (LogEmitter) Emit(_ context.Context, e Event) {
	level := zerolog.InfoLevel
	switch e.Type {
	case HealthExhausted, CycleFailed:
		level = zerolog.ErrorLevel
	case HealthAllFailed:
		level = zerolog.WarnLevel
	case FetchProgress:
		level = zerolog.DebugLevel
	}

	ev := log.WithLevel(level).Str("event", e.Type)
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("Harvester event")
}

// Multi fans an event out to every emitter in order.
type Multi []Emitter

// Emit implements Emitter
func (m Multi) Emit(ctx context.Context, e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(ctx, e)
		}
	}
}

type nop struct{}

func (nop) Emit(context.Context, Event) {}

// Nop returns an emitter that discards events.
func Nop() Emitter { return nop{} }

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in emission order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
