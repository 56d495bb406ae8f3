package backfill

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/rodoHasArrived/marketpulse/errs"
	"github.com/rodoHasArrived/marketpulse/internal/observability"
	"github.com/rodoHasArrived/marketpulse/internal/ratelimit"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

// HistoricalProvider fetches daily bars for a symbol and date range.
type HistoricalProvider interface {
	Name() string
	GetDailyBars(ctx context.Context, symbol string, from, to schema.SessionDate) ([]schema.AggregateBar, error)
}

// StorageSink persists retrieved bars.
type StorageSink interface {
	WriteBars(ctx context.Context, symbol string, bars []schema.AggregateBar) error
}

// WorkerConfig bounds the backfill worker.
type WorkerConfig struct {
	MaxConcurrent    int
	MaxAttempts      int
	MaxRateLimitWait time.Duration
	AutoResume       bool

	EmptyPollBase time.Duration
	EmptyPollMax  time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
}

// DefaultWorkerConfig allows four concurrent requests with three attempts
// each.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxConcurrent:    4,
		MaxAttempts:      3,
		MaxRateLimitWait: 10 * time.Minute,
		AutoResume:       true,
		EmptyPollBase:    200 * time.Millisecond,
		EmptyPollMax:     10 * time.Second,
		RetryBase:        2 * time.Second,
		RetryMax:         60 * time.Second,
	}
}

// Validate enforces the concurrency bounds.
func (c WorkerConfig) Validate() error {
	if c.MaxConcurrent < 1 || c.MaxConcurrent > 100 {
		return errs.New("backfill", errs.CodeConfiguration,
			errs.WithMessage(fmt.Sprintf("maxConcurrent must be in [1,100], got %d", c.MaxConcurrent)))
	}
	if c.MaxAttempts < 1 {
		return errs.New("backfill", errs.CodeConfiguration,
			errs.WithMessage(fmt.Sprintf("maxAttempts must be positive, got %d", c.MaxAttempts)))
	}
	return nil
}

// Worker drains the queue through a counting semaphore, calls providers under
// their rate limiters, and pushes every terminal request to the completed
// channel.
type Worker struct {
	cfg       WorkerConfig
	queue     *Queue
	limiters  *ratelimit.Registry
	providers map[string]HistoricalProvider
	fallback  string
	sink      StorageSink
	progress  *ProgressTracker

	sem       chan struct{}
	completed chan Request
	cancel    context.CancelFunc
	done      chan struct{}
	sleep     func(context.Context, time.Duration) error
	rng       func() float64
}

// WorkerOption adjusts worker construction, primarily for tests.
type WorkerOption func(*Worker)

// WithSleeper overrides the cancellable sleep.
func WithSleeper(sleep func(context.Context, time.Duration) error) WorkerOption {
	return func(w *Worker) {
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// WithJitterSource overrides the jitter random source.
func WithJitterSource(rng func() float64) WorkerOption {
	return func(w *Worker) {
		if rng != nil {
			w.rng = rng
		}
	}
}

// NewWorker constructs a worker over the queue. providers maps provider name
// to implementation; the first registered provider is used for requests
// without an assignment.
func NewWorker(cfg WorkerConfig, queue *Queue, limiters *ratelimit.Registry, providers map[string]HistoricalProvider, fallbackProvider string, sink StorageSink, progress *ProgressTracker, opts ...WorkerOption) (*Worker, error) {
	def := DefaultWorkerConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.EmptyPollBase <= 0 {
		cfg.EmptyPollBase = def.EmptyPollBase
	}
	if cfg.EmptyPollMax <= 0 {
		cfg.EmptyPollMax = def.EmptyPollMax
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.MaxRateLimitWait <= 0 {
		cfg.MaxRateLimitWait = def.MaxRateLimitWait
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = NewProgressTracker(nil)
	}
	w := &Worker{
		cfg:       cfg,
		queue:     queue,
		limiters:  limiters,
		providers: providers,
		fallback:  fallbackProvider,
		sink:      sink,
		progress:  progress,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		completed: make(chan Request, 256),
		done:      make(chan struct{}),
		sleep:     sleepWithContext,
		rng:       rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Completed exposes terminal requests to downstream consumers. The channel
// carries notifications, not state: when a consumer falls behind the buffer,
// further notifications are logged and dropped so the worker never blocks.
// The progress tracker remains the authoritative record.
func (w *Worker) Completed() <-chan Request {
	return w.completed
}

// Progress exposes the per-symbol tracker.
func (w *Worker) Progress() *ProgressTracker {
	return w.progress
}

// Start launches the worker loop. It returns immediately; Stop drains.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(runCtx)
}

// Stop requests cancellation and waits for in-flight requests to drain.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.completed)
	var inflight conc.WaitGroup
	defer inflight.Wait()

	emptyPolls := 0
	for {
		select {
		case <-ctx.Done():
			return
		case w.sem <- struct{}{}:
		}

		req, ok := w.queue.TryDequeue()
		if !ok {
			<-w.sem
			if err := w.idle(ctx, &emptyPolls); err != nil {
				return
			}
			continue
		}
		emptyPolls = 0
		// processRequest owns the semaphore slot until the request reaches
		// a terminal state.
		inflight.Go(func() {
			defer func() { <-w.sem }()
			w.processRequest(ctx, req)
		})
	}
}

// idle sleeps between empty polls: if every provider is rate-limited it waits
// for the shortest reset (bounded by MaxRateLimitWait unless auto-resume is
// on); otherwise it backs off exponentially across consecutive empty polls.
func (w *Worker) idle(ctx context.Context, emptyPolls *int) error {
	if limited, wait := w.limiters.AllLimited(); limited {
		if wait > w.cfg.MaxRateLimitWait && !w.cfg.AutoResume {
			wait = w.cfg.MaxRateLimitWait
		}
		observability.Log().Info("all providers rate limited",
			observability.Field{Key: "wait", Value: wait.String()})
		return w.sleep(ctx, wait)
	}
	*emptyPolls++
	delay := expBackoff(w.cfg.EmptyPollBase, w.cfg.EmptyPollMax, *emptyPolls)
	return w.sleep(ctx, w.jitter(delay, 0.25))
}

func (w *Worker) processRequest(ctx context.Context, req Request) {
	provider := req.AssignedProvider
	if provider == "" {
		provider = w.fallback
	}
	impl, ok := w.providers[provider]
	if !ok {
		w.finishFailed(req, fmt.Sprintf("unknown provider %q", provider))
		return
	}
	req.AssignedProvider = provider
	req.Status = StatusInFlight

	for req.Attempt = 0; req.Attempt < w.cfg.MaxAttempts; req.Attempt++ {
		if ctx.Err() != nil {
			w.finishFailed(req, ctx.Err().Error())
			return
		}
		// Admission runs through the limiter: WaitForSlot blocks until the
		// window, spacing, and any explicit cooldown allow the call, and
		// records the request on success.
		if limiter, ok := w.limiters.Get(provider); ok {
			if _, err := limiter.WaitForSlot(ctx); err != nil {
				w.finishFailed(req, err.Error())
				return
			}
		}

		bars, err := impl.GetDailyBars(ctx, req.Symbol, req.FromDate, req.ToDate)
		if err == nil {
			if sinkErr := w.sink.WriteBars(ctx, req.Symbol, bars); sinkErr != nil {
				w.finishFailed(req, fmt.Sprintf("store bars: %v", sinkErr))
				return
			}
			req.Status = StatusSucceeded
			req.BarsRetrieved = len(bars)
			w.progress.RecordSuccess(req.Symbol, len(bars))
			w.push(req)
			return
		}

		retryAfter, rateLimited := errs.AsRateLimit(err)
		if !rateLimited {
			w.finishFailed(req, err.Error())
			return
		}
		if limiter, ok := w.limiters.Get(provider); ok {
			limiter.RecordRateLimitHit(retryAfter)
		}
		if req.Attempt+1 >= w.cfg.MaxAttempts {
			w.finishFailed(req, fmt.Sprintf("rate limited after %d attempts: %v", w.cfg.MaxAttempts, err))
			return
		}

		delay := retryAfter
		if delay <= 0 {
			delay = w.jitter(expBackoff(w.cfg.RetryBase, w.cfg.RetryMax, req.Attempt+1), 0.25)
		}
		observability.Log().Warn("backfill rate limited, retrying",
			observability.Field{Key: "symbol", Value: req.Symbol},
			observability.Field{Key: "provider", Value: provider},
			observability.Field{Key: "attempt", Value: req.Attempt + 1},
			observability.Field{Key: "delay", Value: delay.String()})
		if err := w.sleep(ctx, delay); err != nil {
			w.finishFailed(req, err.Error())
			return
		}
	}
	w.finishFailed(req, "retry budget exhausted")
}

func (w *Worker) finishFailed(req Request, reason string) {
	req.Status = StatusFailed
	req.FailureReason = reason
	w.progress.RecordFailure(req.Symbol, reason)
	w.push(req)
}

// push delivers a terminal notification without blocking; see Completed for
// the delivery contract.
func (w *Worker) push(req Request) {
	select {
	case w.completed <- req:
	default:
		observability.Log().Warn("completed channel full, dropping notification",
			observability.Field{Key: "request", Value: req.ID})
	}
}

// jitter spreads d by ±fraction.
func (w *Worker) jitter(d time.Duration, fraction float64) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 1 + fraction*(2*w.rng()-1)
	return time.Duration(float64(d) * factor)
}

// expBackoff returns min(base × 2^(k−1), max) for attempt k ≥ 1.
func expBackoff(base, max time.Duration, k int) time.Duration {
	d := base
	for i := 1; i < k; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
