package proxy

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

var (
	// ErrPoolExhausted is returned by Assign when no entry is Valid.
	ErrPoolExhausted = errors.New("no valid proxies available")
	// ErrNoUsableProxies is returned when every health check round failed.
	ErrNoUsableProxies = errors.New("no usable proxies after all health check rounds")
)

type entry struct {
	endpoint            Endpoint
	status              Status
	consecutiveFailures int
	lastChecked         time.Time
	assignments         int
	successes           int
}

// EntrySnapshot is a point-in-time copy of a pool entry.
type EntrySnapshot struct {
	ID                  string    `json:"id"`
	Endpoint            string    `json:"endpoint"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastChecked         time.Time `json:"last_checked,omitzero"`
	Assignments         int       `json:"assignments"`
	Successes           int       `json:"successes"`
}

// Pool is the registry of candidate proxies. Membership is fixed at
// construction; entries only change status. One mutex guards every entry
// and the rotation cursor.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	index   map[string]int

	// cursor is the index of the last assigned entry, -1 before the first
	// assignment of a run.
	cursor int

	intn func(n int) int
	now  func() time.Time
}

// NewPool builds a pool from the loaded endpoints, dropping duplicates.
func NewPool(endpoints []Endpoint) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, ErrEmptyProxyList
	}

	p := &Pool{
		index:  make(map[string]int, len(endpoints)),
		cursor: -1,
		intn:   rand.IntN,
		now:    time.Now,
	}
	for _, ep := range endpoints {
		id := ep.ID()
		if _, ok := p.index[id]; ok {
			continue
		}
		p.index[id] = len(p.entries)
		p.entries = append(p.entries, &entry{endpoint: ep})
	}
	return p, nil
}

// Len returns the number of candidates.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// ValidCount returns the number of entries currently Valid.
func (p *Pool) ValidCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked(StatusValid)
}

func (p *Pool) countLocked(s Status) int {
	n := 0
	for _, e := range p.entries {
		if e.status == s {
			n++
		}
	}
	return n
}

// Candidates returns every endpoint in pool order regardless of status.
func (p *Pool) Candidates() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.endpoint
	}
	return out
}

// MarkValid records a successful probe.
func (p *Pool) MarkValid(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.lookupLocked(id)
	if err != nil {
		return err
	}
	e.status = StatusValid
	e.consecutiveFailures = 0
	e.lastChecked = p.now()
	return nil
}

// MarkFailed records a failed probe.
func (p *Pool) MarkFailed(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.lookupLocked(id)
	if err != nil {
		return err
	}
	e.status = StatusFailed
	e.consecutiveFailures++
	e.lastChecked = p.now()
	return nil
}

// Status returns the current status of an entry.
func (p *Pool) Status(id string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.lookupLocked(id)
	if err != nil {
		return StatusUntested, err
	}
	return e.status, nil
}

func (p *Pool) lookupLocked(id string) (*entry, error) {
	i, ok := p.index[id]
	if !ok {
		return nil, fmt.Errorf("unknown proxy %q", id)
	}
	return p.entries[i], nil
}

// Snapshot copies every entry for reporting.
func (p *Pool) Snapshot() []EntrySnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EntrySnapshot, len(p.entries))
	for i, e := range p.entries {
		out[i] = EntrySnapshot{
			ID:                  e.endpoint.ID(),
			Endpoint:            e.endpoint.String(),
			Status:              e.status,
			ConsecutiveFailures: e.consecutiveFailures,
			LastChecked:         e.lastChecked,
			Assignments:         e.assignments,
			Successes:           e.successes,
		}
	}
	return out
}

// Counts summarises the pool by status.
type Counts struct {
	Total    int `json:"total"`
	Valid    int `json:"valid"`
	Failed   int `json:"failed"`
	Untested int `json:"untested"`
}

// Counts returns per-status totals.
func (p *Pool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Counts{
		Total:    len(p.entries),
		Valid:    p.countLocked(StatusValid),
		Failed:   p.countLocked(StatusFailed),
		Untested: p.countLocked(StatusUntested),
	}
}
