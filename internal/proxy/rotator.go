package proxy

import (
	"github.com/rs/zerolog/log"
)

// Rotator hands out Valid endpoints and evicts ones that fail requests.
// It shares the pool's mutex so assignment and eviction never race with
// health checks.
type Rotator struct {
	pool *Pool
}

// NewRotator creates a rotator over pool.
func NewRotator(pool *Pool) *Rotator {
	return &Rotator{pool: pool}
}

// Assign returns the next Valid endpoint. The first assignment of a run is
// picked uniformly at random; later ones continue round-robin in pool order
// after the last assigned entry. Endpoints whose IDs are in exclude are
// skipped unless nothing else is Valid. ErrPoolExhausted is returned
// without blocking when the Valid set is empty.
func (r *Rotator) Assign(exclude map[string]struct{}) (Endpoint, error) {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	valid := make([]int, 0, len(p.entries))
	for i, e := range p.entries {
		if e.status == StatusValid {
			valid = append(valid, i)
		}
	}
	if len(valid) == 0 {
		return Endpoint{}, ErrPoolExhausted
	}

	var chosen int
	if p.cursor < 0 {
		chosen = r.pickRandomLocked(valid, exclude)
	} else {
		chosen = r.pickNextLocked(exclude)
	}

	p.cursor = chosen
	e := p.entries[chosen]
	e.assignments++
	return e.endpoint, nil
}

func (r *Rotator) pickRandomLocked(valid []int, exclude map[string]struct{}) int {
	p := r.pool
	preferred := valid[:0:0]
	for _, i := range valid {
		if _, skip := exclude[p.entries[i].endpoint.ID()]; !skip {
			preferred = append(preferred, i)
		}
	}
	if len(preferred) == 0 {
		preferred = valid
	}
	return preferred[p.intn(len(preferred))]
}

// pickNextLocked walks the pool once starting after the cursor. The first
// Valid entry not excluded wins; failing that the first Valid entry.
func (r *Rotator) pickNextLocked(exclude map[string]struct{}) int {
	p := r.pool
	n := len(p.entries)
	fallback := -1
	for step := 1; step <= n; step++ {
		i := (p.cursor + step) % n
		e := p.entries[i]
		if e.status != StatusValid {
			continue
		}
		if _, skip := exclude[e.endpoint.ID()]; !skip {
			return i
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

// ReportFailure moves a Valid endpoint to Failed after a request failure.
// It returns true only when the call performed the transition; repeated
// reports for the same endpoint are no-ops.
func (r *Rotator) ReportFailure(id string) bool {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	e, err := p.lookupLocked(id)
	if err != nil || e.status != StatusValid {
		return false
	}
	e.status = StatusFailed
	e.consecutiveFailures++

	remaining := p.countLocked(StatusValid)
	log.Debug().
		Str("proxy", id).
		Int("remaining_valid", remaining).
		Msg("Evicted proxy after request failure")
	return true
}

// ReportSuccess records a successful request through the endpoint.
func (r *Rotator) ReportSuccess(id string) {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, err := p.lookupLocked(id); err == nil {
		e.successes++
		e.consecutiveFailures = 0
	}
}

// Reset starts a new run: the next assignment is random again.
func (r *Rotator) Reset() {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	r.pool.cursor = -1
}
