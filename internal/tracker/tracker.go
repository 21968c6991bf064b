// Package tracker counts and records calls to wrapped operations in a store.
//
// A tracked operation with identity "Cache.Store" owns three keys:
//
//	Cache.Store          call counter
//	Cache.Store:inputs   list of formatted arguments, one per call
//	Cache.Store:outputs  list of formatted results, one per call
//
// Tracking is advisory. When the store fails the wrapped operation still runs
// and its result is returned unchanged.
package tracker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/recall/internal/metrics"
	"goflare.io/recall/internal/store"
	"goflare.io/recall/internal/utils"
)

const (
	stepCount   = "count"
	stepInputs  = "inputs"
	stepOutputs = "outputs"
)

// Func is an operation that can be tracked.
type Func[In, Out any] func(ctx context.Context, in In) (Out, error)

// Tracker writes call counters and histories to a store.
type Tracker struct {
	store   store.Store
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used to report skipped tracking writes.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(t *Tracker) {
		t.metrics = c
	}
}

// New creates a Tracker writing to st. A nil st disables tracking.
func New(st store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:  st,
		logger: zap.NewNop(),
		tracer: otel.Tracer("recall/tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Store returns the store the tracker writes to.
func (t *Tracker) Store() store.Store {
	if t == nil {
		return nil
	}
	return t.store
}

// InputsKey returns the list key holding the arguments of identity's calls.
func InputsKey(identity string) string {
	return utils.JoinKey(identity, stepInputs)
}

// OutputsKey returns the list key holding the results of identity's calls.
func OutputsKey(identity string) string {
	return utils.JoinKey(identity, stepOutputs)
}

func (t *Tracker) enabled() bool {
	return t != nil && t.store != nil
}

func (t *Tracker) count(ctx context.Context, identity string) {
	if !t.enabled() {
		return
	}
	t.metrics.ObserveCall(identity)
	if _, err := t.store.Incr(ctx, identity); err != nil {
		t.degraded(identity, stepCount, err)
	}
}

func (t *Tracker) record(ctx context.Context, identity, step, text string) {
	if !t.enabled() {
		return
	}
	if err := t.store.Append(ctx, utils.JoinKey(identity, step), text); err != nil {
		t.degraded(identity, step, err)
	}
}

func (t *Tracker) degraded(identity, step string, err error) {
	t.metrics.ObserveDegraded(identity, step)
	t.logger.Warn("Skipping call tracking",
		zap.String("operation", identity),
		zap.String("step", step),
		zap.Bool("unavailable", store.IsUnavailable(err)),
		zap.Error(err))
}

// Counted wraps fn so that every call increments the identity's counter first.
func Counted[In, Out any](t *Tracker, identity string, fn Func[In, Out]) Func[In, Out] {
	return func(ctx context.Context, in In) (Out, error) {
		t.count(ctx, identity)
		return fn(ctx, in)
	}
}

// Recorded wraps fn so that its arguments and result are appended to the identity's history.
// A failed call records "error: <message>" as its output to keep both lists aligned.
func Recorded[In, Out any](t *Tracker, identity string, fn Func[In, Out]) Func[In, Out] {
	return func(ctx context.Context, in In) (Out, error) {
		t.record(ctx, identity, stepInputs, FormatArgs(in))
		out, err := fn(ctx, in)
		if err != nil {
			t.record(ctx, identity, stepOutputs, FormatError(err))
			return out, err
		}
		t.record(ctx, identity, stepOutputs, FormatOutput(out))
		return out, nil
	}
}

// TrackOption selects which tracking layers Track applies.
type TrackOption func(*trackOptions)

type trackOptions struct {
	count   bool
	history bool
}

// WithoutCount disables the call counter.
func WithoutCount() TrackOption {
	return func(o *trackOptions) { o.count = false }
}

// WithoutHistory disables input and output recording.
func WithoutHistory() TrackOption {
	return func(o *trackOptions) { o.history = false }
}

// Operation is a tracked operation bound to its identity and store.
type Operation[In, Out any] struct {
	identity string
	tracker  *Tracker
	call     Func[In, Out]
}

// Track wraps fn with a counter and a call history; history is the outer layer.
func Track[In, Out any](t *Tracker, identity string, fn Func[In, Out], opts ...TrackOption) *Operation[In, Out] {
	o := trackOptions{count: true, history: true}
	for _, opt := range opts {
		opt(&o)
	}

	call := fn
	if o.count {
		call = Counted(t, identity, call)
	}
	if o.history {
		call = Recorded(t, identity, call)
	}

	return &Operation[In, Out]{
		identity: identity,
		tracker:  t,
		call:     call,
	}
}

// Call invokes the operation.
func (o *Operation[In, Out]) Call(ctx context.Context, in In) (Out, error) {
	if o.tracker != nil {
		var span trace.Span
		ctx, span = o.tracker.tracer.Start(ctx, "tracker.Call",
			trace.WithAttributes(attribute.String("operation", o.identity)))
		defer span.End()
	}
	return o.call(ctx, in)
}

// Identity returns the name the operation is tracked under.
func (o *Operation[In, Out]) Identity() string {
	if o == nil {
		return ""
	}
	return o.identity
}

// Store returns the store holding the operation's history.
func (o *Operation[In, Out]) Store() store.Store {
	if o == nil {
		return nil
	}
	return o.tracker.Store()
}
