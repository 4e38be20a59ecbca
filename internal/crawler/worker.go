package crawler

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/listing-harvester/internal/events"
	"github.com/Harvey-AU/listing-harvester/internal/observability"
	"github.com/Harvey-AU/listing-harvester/internal/proxy"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Assigner hands out proxies and receives eviction reports
type Assigner interface {
	Assign(exclude map[string]struct{}) (proxy.Endpoint, error)
	ReportFailure(id string) bool
	ReportSuccess(id string)
}

// Refresher re-validates the proxy pool when it runs dry
type Refresher interface {
	Ensure(ctx context.Context) (*proxy.HealthReport, error)
}

// ProgressFunc is called once per finished task. Calls are serialised.
type ProgressFunc func(done, total int, r Result)

// WorkerPool runs batches of fetch tasks under a fixed concurrency ceiling.
// Tasks waiting for a slot hold no proxy; each attempt is paced, assigned
// a fresh proxy and fetched under its own timeout.
type WorkerPool struct {
	config  *Config
	fetcher Fetcher
	rotator Assigner
	health  Refresher
	emitter events.Emitter
	limiter *rate.Limiter
	hosts   *HostLimiter

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(lo, hi time.Duration) time.Duration
}

// batchState is shared by every task of one Run call
type batchState struct {
	refreshOnce sync.Once
	refreshErr  error
	exhausted   atomic.Bool
}

// NewWorkerPool wires a pool. health may be nil, in which case an empty
// pool fails tasks immediately.
func NewWorkerPool(config *Config, fetcher Fetcher, rotator Assigner, health Refresher, emitter events.Emitter) *WorkerPool {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		panic(err.Error())
	}
	if fetcher == nil {
		panic("fetcher is required")
	}
	if rotator == nil {
		panic("rotator is required")
	}
	if emitter == nil {
		emitter = events.Nop()
	}

	wp := &WorkerPool{
		config:  config,
		fetcher: fetcher,
		rotator: rotator,
		health:  health,
		emitter: emitter,
		hosts:   NewHostLimiter(),
		sleep:   sleepContext,
		jitter:  randomDelay,
	}
	if config.RequestsPerSecond > 0 {
		burst := max(1, int(config.RequestsPerSecond))
		wp.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return wp
}

// MaxConcurrency returns the configured ceiling
func (wp *WorkerPool) MaxConcurrency() int {
	return wp.config.MaxConcurrency
}

// Run fetches every URL and returns results in completion order.
//
// Cancelling ctx is the stop signal: no further task is submitted and no
// further retry is started, but fetches already in flight finish under
// their own timeout. Unsubmitted tasks come back as FailureStopped. When
// a lazy refresh ends with the pool exhausted the remaining tasks come back
// as FailureProxyExhausted and Run returns proxy.ErrNoUsableProxies.
func (wp *WorkerPool) Run(ctx context.Context, urls []string, progress ProgressFunc) ([]Result, error) {
	total := len(urls)
	results := make([]Result, 0, total)
	var mu sync.Mutex
	record := func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
		if progress != nil {
			progress(len(results), total, r)
		}
	}

	b := &batchState{}
	sem := semaphore.NewWeighted(int64(wp.config.MaxConcurrency))
	var wg sync.WaitGroup

	submitted := 0
	for _, u := range urls {
		if ctx.Err() != nil || b.exhausted.Load() {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if b.exhausted.Load() {
			sem.Release(1)
			break
		}

		submitted++
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			defer sem.Release(1)
			record(wp.process(ctx, b, NewTask(u)))
		}(u)
	}
	wg.Wait()

	if submitted < total {
		kind, msg := FailureStopped, "stop requested before submission"
		if b.exhausted.Load() {
			kind, msg = FailureProxyExhausted, proxy.ErrNoUsableProxies.Error()
		}
		log.Info().
			Int("skipped", total-submitted).
			Str("reason", string(kind)).
			Msg("Batch ended before all tasks were submitted")
		for _, u := range urls[submitted:] {
			record(Result{URL: u, Failure: kind, Error: msg})
		}
	}

	if b.exhausted.Load() {
		return results, proxy.ErrNoUsableProxies
	}
	return results, nil
}

func (wp *WorkerPool) process(ctx context.Context, b *batchState, task *Task) Result {
	start := time.Now()
	result := Result{URL: task.URL}
	done := func() Result {
		result.Attempts = task.Attempt
		result.Duration = time.Since(start)
		result.Tried = task.TriedList()
		return result
	}

	target, err := validateFetchRequest(context.Background(), task.URL)
	if err != nil {
		result.Failure = FailureHTTP
		result.Error = err.Error()
		return done()
	}
	host := target.Host

	for {
		if err := wp.pace(ctx, host); err != nil {
			if task.Attempt == 0 {
				result.Failure = FailureStopped
				result.Error = err.Error()
			}
			return done()
		}

		ep, err := wp.assign(ctx, b, task)
		if err != nil {
			stopped := errors.Is(err, context.Canceled)
			if stopped && task.Attempt > 0 {
				return done()
			}
			result.Failure = FailureProxyExhausted
			if stopped {
				result.Failure = FailureStopped
			}
			result.Error = err.Error()
			return done()
		}

		task.Attempt++
		task.Tried[ep.ID()] = struct{}{}

		res, kind, msg := wp.attempt(ctx, task, ep, target)
		result.ProxyID = ep.ID()
		if res != nil {
			result.StatusCode = res.StatusCode
			result.ContentType = res.ContentType
		}

		if kind == FailureNone {
			wp.rotator.ReportSuccess(ep.ID())
			wp.hosts.Release(host, true, false)
			result.Success = true
			result.Body = res.Body
			result.Headers = res.Headers
			result.Failure = FailureNone
			result.Error = ""
			return done()
		}

		wp.rotator.ReportFailure(ep.ID())
		wp.hosts.Release(host, false, res != nil && isRateLimitStatus(res.StatusCode))
		result.Failure = kind
		result.Error = msg

		log.Debug().
			Str("url", task.URL).
			Str("proxy", ep.ID()).
			Int("attempt", task.Attempt).
			Int("retry_budget", wp.config.RetryBudget).
			Str("failure", string(kind)).
			Str("error", msg).
			Msg("Fetch attempt failed")

		if task.Attempt >= wp.config.RetryBudget {
			return done()
		}
		if wp.config.StopOnClientError && res != nil && isFinalClientError(res.StatusCode) {
			return done()
		}
		if ctx.Err() != nil {
			return done()
		}
	}
}

// attempt performs one fetch through ep. The request is detached from the
// stop signal and bounded only by the fetch timeout.
func (wp *WorkerPool) attempt(ctx context.Context, task *Task, ep proxy.Endpoint, target *url.URL) (*Response, FailureKind, string) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wp.config.Timeout)
	defer cancel()

	fetchCtx, span := observability.StartFetchSpan(fetchCtx, observability.FetchSpanInfo{
		URL:     task.URL,
		Host:    target.Host,
		ProxyID: ep.ID(),
		Attempt: task.Attempt,
	})
	defer span.End()

	started := time.Now()
	res, err := wp.fetcher.Fetch(fetchCtx, task.URL, ep)

	kind, msg := FailureNone, ""
	if err != nil {
		kind, msg = classifyError(err), err.Error()
	} else {
		kind, msg = classifyResponse(res)
		span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	}

	outcome := "success"
	if kind != FailureNone {
		outcome = string(kind)
		span.SetStatus(codes.Error, msg)
	}
	observability.RecordFetchAttempt(fetchCtx, observability.FetchAttemptMetrics{
		Host:     target.Host,
		Outcome:  outcome,
		Duration: time.Since(started),
	})

	return res, kind, msg
}

// assign gets a proxy for the task, running at most one refresh per batch
// when the pool has run dry.
func (wp *WorkerPool) assign(ctx context.Context, b *batchState, task *Task) (proxy.Endpoint, error) {
	ep, err := wp.rotator.Assign(task.Tried)
	if err == nil || !errors.Is(err, proxy.ErrPoolExhausted) || wp.health == nil {
		return ep, err
	}

	b.refreshOnce.Do(func() {
		log.Warn().Str("url", task.URL).Msg("Proxy pool exhausted mid-batch, refreshing")
		wp.emitter.Emit(ctx, events.New(events.FetchRefresh, map[string]any{"url": task.URL}))
		_, b.refreshErr = wp.health.Ensure(ctx)
		if errors.Is(b.refreshErr, proxy.ErrNoUsableProxies) {
			b.exhausted.Store(true)
		}
	})
	if b.refreshErr != nil {
		return proxy.Endpoint{}, b.refreshErr
	}

	return wp.rotator.Assign(task.Tried)
}

// pace applies the random delay, host backoff and global rate cap
func (wp *WorkerPool) pace(ctx context.Context, host string) error {
	if err := wp.sleep(ctx, wp.jitter(wp.config.DelayMin, wp.config.DelayMax)); err != nil {
		return err
	}
	if err := wp.hosts.Wait(ctx, host); err != nil {
		return err
	}
	if wp.limiter != nil {
		return wp.limiter.Wait(ctx)
	}
	return nil
}

func randomDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
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
