// Package execution turns the engine's order deltas into venue calls with rate limiting,
// retries and a circuit breaker, and reports persistent failure back as an exchange fault.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/pkg/concurrency"
	apperrors "taoquant_grid/pkg/errors"
	"taoquant_grid/pkg/telemetry"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	faultSource  = "execution"
	breakerDelay = 30 * time.Second
	queueDepth   = 64
)

// ErrQueueFull is returned by Submit when deltas arrive faster than the venue drains them
var ErrQueueFull = errors.New("execution queue full")

// Dispatcher implements core.IntentSink against a venue. Submit only enqueues; Run applies
// deltas in order, cancels before placements, fanning each phase out on the worker pool.
type Dispatcher struct {
	venue  core.IExchange
	events core.IEventPublisher
	logger core.ILogger
	tracer trace.Tracer
	pool   *concurrency.WorkerPool

	limiter    *rate.Limiter
	placeExec  failsafe.Executor[string]
	cancelExec failsafe.Executor[any]

	queue          chan core.OrderDelta
	maxConsecutive int
	now            func() time.Time

	mu          sync.Mutex
	orders      map[string][]string // intent key -> venue order ids, oldest first
	consecutive int
	faulted     bool
}

func NewDispatcher(cfg *config.Config, venue core.IExchange, events core.IEventPublisher, logger core.ILogger) *Dispatcher {
	ex := cfg.Execution
	backoff := ex.RetryBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	maxConsecutive := cfg.Risk.APIFaultMaxConsecutive
	if maxConsecutive <= 0 {
		maxConsecutive = 3
	}
	log := logger.WithField("component", "execution").WithField("venue", venue.GetName())

	placeRetry := retrypolicy.NewBuilder[string]().
		WithBackoff(backoff, 10*backoff).
		WithMaxRetries(ex.MaxRetries).
		Build()
	placeBreaker := circuitbreaker.NewBuilder[string]().
		WithFailureThreshold(uint(maxConsecutive)).
		WithDelay(breakerDelay).
		Build()
	cancelRetry := retrypolicy.NewBuilder[any]().
		WithBackoff(backoff, 10*backoff).
		WithMaxRetries(ex.MaxRetries).
		Build()
	cancelBreaker := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(uint(maxConsecutive)).
		WithDelay(breakerDelay).
		Build()

	return &Dispatcher{
		venue:  venue,
		events: events,
		logger: log,
		tracer: telemetry.GetTracer("execution"),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "execution",
			MaxWorkers:  ex.PoolWorkers,
			MaxCapacity: ex.PoolCapacity,
		}, logger),
		limiter:        rate.NewLimiter(rate.Limit(ex.RateLimit), ex.RateBurst),
		placeExec:      failsafe.With[string](placeRetry, placeBreaker),
		cancelExec:     failsafe.With[any](cancelRetry, cancelBreaker),
		queue:          make(chan core.OrderDelta, queueDepth),
		maxConsecutive: maxConsecutive,
		now:            func() time.Time { return time.Now().UTC() },
		orders:         make(map[string][]string),
	}
}

// Submit enqueues the delta without touching the venue
func (d *Dispatcher) Submit(ctx context.Context, delta core.OrderDelta) error {
	if delta.Empty() {
		return nil
	}
	select {
	case d.queue <- delta:
		return nil
	default:
		return &apperrors.ExecutionFault{Op: "submit", Err: ErrQueueFull}
	}
}

// Run applies queued deltas until ctx is done, then stops the pool
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.pool.Stop()
	d.logger.Info("Execution dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Execution dispatcher stopped")
			return nil
		case delta := <-d.queue:
			d.apply(ctx, delta)
		}
	}
}

// OnFill forgets the venue id of a completed order
func (d *Dispatcher) OnFill(f core.Fill) {
	if f.Partial || f.OrderID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, ids := range d.orders {
		for i, id := range ids {
			if id == f.OrderID {
				d.forgetLocked(key, i)
				return
			}
		}
	}
}

// Resting returns how many venue orders the dispatcher tracks
func (d *Dispatcher) Resting() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ids := range d.orders {
		n += len(ids)
	}
	return n
}

func (d *Dispatcher) apply(ctx context.Context, delta core.OrderDelta) {
	ctx, span := d.tracer.Start(ctx, "ApplyDelta", trace.WithAttributes(
		attribute.Int("cancel", len(delta.Cancel)),
		attribute.Int("place", len(delta.Place)),
	))
	defer span.End()

	cancels := make([]func(), 0, len(delta.Cancel))
	for _, o := range delta.Cancel {
		id, ok := d.take(o.Key())
		if !ok {
			continue
		}
		cancels = append(cancels, func() { d.cancel(ctx, id) })
	}
	d.pool.RunAll(cancels)

	places := make([]func(), 0, len(delta.Place))
	for _, o := range delta.Place {
		places = append(places, func() { d.place(ctx, o) })
	}
	d.pool.RunAll(places)

	d.mu.Lock()
	faulted := d.faulted
	d.mu.Unlock()
	if faulted {
		span.SetStatus(codes.Error, "exchange fault")
	}
}

func (d *Dispatcher) place(ctx context.Context, o core.OrderIntent) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}
	id, err := d.placeExec.WithContext(ctx).Get(func() (string, error) {
		return d.venue.PlaceOrder(ctx, o)
	})
	if err != nil {
		d.failed(ctx, "place_order", err)
		return
	}
	d.mu.Lock()
	d.orders[o.Key()] = append(d.orders[o.Key()], id)
	d.mu.Unlock()
	d.succeeded()
}

func (d *Dispatcher) cancel(ctx context.Context, id string) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}
	_, err := d.cancelExec.WithContext(ctx).Get(func() (any, error) {
		return nil, d.venue.CancelOrder(ctx, id)
	})
	if err != nil {
		d.failed(ctx, "cancel_order", err)
		return
	}
	d.succeeded()
}

// take pops the oldest venue id resting for an intent key
func (d *Dispatcher) take(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := d.orders[key]
	if len(ids) == 0 {
		return "", false
	}
	id := ids[0]
	d.forgetLocked(key, 0)
	return id, true
}

func (d *Dispatcher) forgetLocked(key string, i int) {
	ids := append(d.orders[key][:i:i], d.orders[key][i+1:]...)
	if len(ids) == 0 {
		delete(d.orders, key)
		return
	}
	d.orders[key] = ids
}

func (d *Dispatcher) succeeded() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutive = 0
	d.faulted = false
}

// failed counts a call that exhausted its retries. The fault is published once per failure streak.
func (d *Dispatcher) failed(ctx context.Context, op string, err error) {
	telemetry.GetGlobalMetrics().RecordExecutionFailure(ctx, op)

	d.mu.Lock()
	d.consecutive++
	publish := !d.faulted && d.consecutive >= d.maxConsecutive
	if publish {
		d.faulted = true
	}
	n := d.consecutive
	d.mu.Unlock()

	fault := &apperrors.ExecutionFault{Op: op, Err: err}
	d.logger.Warn("Venue call failed", "op", op, "consecutive", n, "breaker_open", errors.Is(err, circuitbreaker.ErrOpen), "error", err)
	if publish {
		d.logger.Error("Execution channel faulted", "consecutive", n, "error", fault)
		d.events.Publish(core.FaultEvent(core.EventExchangeFault, d.now(), faultSource,
			fmt.Sprintf("%d consecutive failures: %v", n, fault)))
	}
}

// PollAccount publishes a venue account read on every tick until ctx is done.
// Read failures count toward the fault streak like any other venue call.
func (d *Dispatcher) PollAccount(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("account poll interval must be positive")
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	d.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	acct, err := d.venue.GetAccount(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.failed(ctx, "get_account", err)
		}
		return
	}
	d.succeeded()
	if acct.Time.IsZero() {
		acct.Time = d.now()
	}
	d.events.Publish(core.AccountEvent(acct))
}
