package tts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hearthline-ai/hearthline/internal/resilience"
)

const (
	defaultBaselineSpacing = 200 * time.Millisecond
	defaultMaxRPS          = 2.0

	// maxAdaptiveDelay caps the grown inter-request delay.
	maxAdaptiveDelay = 10 * time.Second

	// Delay growth/decay factors. Rate limits push the delay up harder
	// than plain failures; successes walk it back toward the baseline.
	growFactor      = 1.5
	rateLimitFactor = 2.5
	decayFactor     = 0.9
)

// QueueConfig configures a [Queue].
type QueueConfig struct {
	// Synthesizer performs the vendor RPC. Required.
	Synthesizer Synthesizer

	// Breaker guards the vendor. Required; an open breaker drains the
	// queue instead of synthesizing.
	Breaker *resilience.CircuitBreaker

	// Retry is the per-request retry policy. Zero values take the
	// resilience defaults.
	Retry resilience.RetryConfig

	// BaselineSpacing is the minimum delay between synthesis requests.
	// Default 200ms.
	BaselineSpacing time.Duration

	// MaxRequestsPerSecond is a hard ceiling on the vendor request rate,
	// independent of adaptive spacing. Default 2.
	MaxRequestsPerSecond float64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// request is one queued synthesis unit.
type request struct {
	id  string
	seg Segment
}

// Queue is the ordered synthesis engine. One producer calls Generate; one
// internal worker drains FIFO. Safe for concurrent use.
type Queue struct {
	synth    Synthesizer
	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryConfig
	baseline time.Duration
	limiter  *rate.Limiter
	log      *slog.Logger

	speeches chan Speech
	cleared  chan ClearedEvent

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	pending       []request
	active        map[string]struct{}
	shouldStop    bool
	workerRunning bool
	cancelCurrent context.CancelFunc
	currentDelay  time.Duration
	lastRequest   time.Time
	closed        bool
}

// NewQueue builds a Queue. The worker starts lazily on the first Generate.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Synthesizer == nil {
		return nil, errors.New("tts: queue requires a synthesizer")
	}
	if cfg.Breaker == nil {
		return nil, errors.New("tts: queue requires a circuit breaker")
	}
	if cfg.BaselineSpacing <= 0 {
		cfg.BaselineSpacing = defaultBaselineSpacing
	}
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = defaultMaxRPS
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		synth:        cfg.Synthesizer,
		breaker:      cfg.Breaker,
		retry:        cfg.Retry,
		baseline:     cfg.BaselineSpacing,
		limiter:      rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), 1),
		log:          cfg.Logger,
		speeches:     make(chan Speech, 64),
		cleared:      make(chan ClearedEvent, 8),
		ctx:          ctx,
		cancel:       cancel,
		active:       make(map[string]struct{}),
		currentDelay: cfg.BaselineSpacing,
	}, nil
}

// Speeches is the ordered emission stream. Emissions for requests cancelled
// by Clear are suppressed.
func (q *Queue) Speeches() <-chan Speech { return q.speeches }

// Cleared reports queue drains (interruption or open breaker).
func (q *Queue) Cleared() <-chan ClearedEvent { return q.cleared }

// Generate enqueues a segment and (re)starts the worker. A Clear between
// calls resets the stop flag, so generation resumes naturally on the next
// turn.
func (q *Queue) Generate(seg Segment) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.New("tts: queue is closed")
	}
	q.shouldStop = false

	id := uuid.NewString()
	q.active[id] = struct{}{}
	q.pending = append(q.pending, request{id: id, seg: seg})

	if !q.workerRunning {
		q.workerRunning = true
		go q.work()
	}
	return nil
}

// Clear drains the queue: pending segments are dropped, the in-flight
// request (including any pacing sleep) is cancelled, and its eventual
// emission is suppressed.
func (q *Queue) Clear(reason string) {
	q.mu.Lock()
	q.shouldStop = true
	dropped := len(q.pending)
	q.pending = nil
	q.active = make(map[string]struct{})
	if q.cancelCurrent != nil {
		q.cancelCurrent()
	}
	q.mu.Unlock()

	q.emitCleared(reason, dropped)
}

// Depth reports queued segments, for metrics and tests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close shuts the queue down permanently.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.active = make(map[string]struct{})
	q.mu.Unlock()
	q.cancel()
	return nil
}

// work is the single consumer loop. It exits when the queue empties, stops,
// or the breaker opens; Generate restarts it.
func (q *Queue) work() {
	for {
		q.mu.Lock()
		if q.closed || q.shouldStop || len(q.pending) == 0 {
			q.workerRunning = false
			q.mu.Unlock()
			return
		}

		if !q.breaker.Allow() {
			dropped := len(q.pending)
			q.pending = nil
			q.active = make(map[string]struct{})
			q.workerRunning = false
			q.mu.Unlock()
			q.emitCleared("circuit open", dropped)
			return
		}

		req := q.pending[0]
		q.pending = q.pending[1:]

		wait := q.currentDelay - time.Since(q.lastRequest)
		wctx, cancel := context.WithCancel(q.ctx)
		q.cancelCurrent = cancel
		q.mu.Unlock()

		q.process(wctx, req, wait)
		cancel()
	}
}

// process paces, synthesizes with retry, and emits one request. Every exit
// path settles the breaker slot taken by Allow: success, failure, or — when
// the request is cancelled before an outcome — ReleaseProbe, so a barge-in
// during a half-open probe cannot leave the breaker wedged.
func (q *Queue) process(ctx context.Context, req request, wait time.Duration) {
	if wait > 0 {
		if err := resilience.Sleep(ctx, wait); err != nil {
			q.breaker.ReleaseProbe()
			return
		}
	}
	if err := q.limiter.Wait(ctx); err != nil {
		q.breaker.ReleaseProbe()
		return
	}

	q.mu.Lock()
	q.lastRequest = time.Now()
	q.mu.Unlock()

	start := time.Now()
	audio, err := resilience.Do(ctx, q.retry, func(ctx context.Context) ([]byte, error) {
		return q.synth.Synthesize(ctx, req.seg.Text)
	})
	if err != nil {
		if resilience.Classify(err) == resilience.ClassCancelled {
			q.breaker.ReleaseProbe()
			return
		}
		q.breaker.RecordFailure()
		q.growDelay(isRateLimited(err))
		q.log.Warn("tts synthesis failed",
			"index", req.seg.Index, "error", err, "delay", q.delay())
		return
	}

	q.breaker.RecordSuccess()
	q.decayDelay()

	q.mu.Lock()
	_, live := q.active[req.id]
	delete(q.active, req.id)
	q.mu.Unlock()
	if !live {
		// Cancelled mid-synthesis; drop the audio.
		return
	}

	q.log.Debug("tts segment synthesized",
		"index", req.seg.Index, "duration", time.Since(start))

	select {
	case q.speeches <- Speech{
		RequestID:        req.id,
		Index:            req.seg.Index,
		Audio:            audio,
		Text:             req.seg.Text,
		InteractionCount: req.seg.InteractionCount,
	}:
	case <-q.ctx.Done():
	}
}

func (q *Queue) emitCleared(reason string, dropped int) {
	select {
	case q.cleared <- ClearedEvent{Reason: reason, Dropped: dropped}:
	default:
		// Nobody is listening for drain events; don't block the pipeline.
	}
}

// growDelay increases the inter-request delay, harder on rate limits.
func (q *Queue) growDelay(rateLimited bool) {
	factor := growFactor
	if rateLimited {
		factor = rateLimitFactor
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.currentDelay = time.Duration(float64(q.currentDelay) * factor)
	if q.currentDelay > maxAdaptiveDelay {
		q.currentDelay = maxAdaptiveDelay
	}
}

// decayDelay walks the delay back toward the baseline after a success.
func (q *Queue) decayDelay() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.currentDelay = time.Duration(float64(q.currentDelay) * decayFactor)
	if q.currentDelay < q.baseline {
		q.currentDelay = q.baseline
	}
}

func (q *Queue) delay() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentDelay
}

// isRateLimited reports whether err carries the rate-limit marker set by the
// synthesizer's error classification.
func isRateLimited(err error) bool {
	var ce *resilience.ClassifiedError
	if errors.As(err, &ce) {
		return ce.RateLimit
	}
	return false
}
