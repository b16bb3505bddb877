// Package eventlog implements the append-only, ordered, fan-out event log.
//
// The log is the only synchronization point between run contexts: appends are
// serialized, offsets are dense, and post-commit dispatch delivers every
// record to matching subscribers in offset order. Subscriber callbacks may
// append further envelopes; those are queued behind the record being
// dispatched rather than dispatched recursively, so a whole causal cascade
// drains before the outermost Append returns. An append racing with another
// goroutine's drain blocks until the log is quiescent, so the synchronous
// contract holds across goroutines too.
package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/observability"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// SubscriptionID identifies an in-process subscriber.
type SubscriptionID string

// Handler consumes one committed record. A returned error is logged and does
// not affect delivery to other subscribers.
type Handler func(ctx context.Context, rec outbox.Record) error

// Filter is an optional predicate applied after the type match.
type Filter func(env schema.Envelope) bool

// RunFilter builds a filter matching envelopes scoped to one run.
func RunFilter(runID string) Filter {
	return func(env schema.Envelope) bool { return env.RunID == runID }
}

type subscriber struct {
	id      SubscriptionID
	types   map[schema.Type]struct{} // nil means wildcard
	filter  Filter
	handler Handler
}

func (s *subscriber) matches(env schema.Envelope) bool {
	if s.types != nil {
		if _, ok := s.types[env.Type]; !ok {
			return false
		}
	}
	if s.filter != nil && !s.filter(env) {
		return false
	}
	return true
}

// Config tunes the log.
type Config struct {
	// FanoutWorkers bounds concurrent subscriber callbacks per record.
	FanoutWorkers int
	// MaxPayloadBytes rejects oversized payloads at append. Zero disables.
	MaxPayloadBytes int
	// Registry validates payload shapes at append when set.
	Registry *schema.Registry
}

func (c Config) normalize() Config {
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

// Log fronts an outbox store with typed subscription and fan-out dispatch.
type Log struct {
	cfg   Config
	store outbox.Store

	appendMu sync.Mutex

	subMu sync.RWMutex
	subs  map[SubscriptionID]*subscriber

	queueMu  sync.Mutex
	queue    []outbox.Record
	draining bool
	idle     *sync.Cond

	closedMu sync.RWMutex
	closed   bool

	appendCounter   metric.Int64Counter
	dispatchErrors  metric.Int64Counter
	fanoutHistogram metric.Int64Histogram
	subscriberGauge metric.Int64UpDownCounter
	appendDuration  metric.Float64Histogram
}

// New constructs a Log over the given outbox store.
func New(store outbox.Store, cfg Config) *Log {
	l := &Log{
		cfg:   cfg.normalize(),
		store: store,
		subs:  make(map[SubscriptionID]*subscriber),
	}
	l.idle = sync.NewCond(&l.queueMu)

	meter := otel.Meter("eventlog")
	l.appendCounter, _ = meter.Int64Counter("eventlog.appends",
		metric.WithDescription("Number of envelopes appended to the log"),
		metric.WithUnit("{envelope}"))
	l.dispatchErrors, _ = meter.Int64Counter("eventlog.dispatch.errors",
		metric.WithDescription("Number of subscriber callback failures"),
		metric.WithUnit("{error}"))
	l.fanoutHistogram, _ = meter.Int64Histogram("eventlog.fanout.size",
		metric.WithDescription("Number of subscribers per dispatched record"),
		metric.WithUnit("{subscriber}"))
	l.subscriberGauge, _ = meter.Int64UpDownCounter("eventlog.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	l.appendDuration, _ = meter.Float64Histogram("eventlog.append.duration",
		metric.WithDescription("Latency of append operations"),
		metric.WithUnit("ms"))
	return l
}

// Append commits the envelope and dispatches it to matching subscribers.
// Returns the assigned offset. A storage failure propagates without dispatch.
func (l *Log) Append(ctx context.Context, env schema.Envelope) (int64, error) {
	if err := l.checkAppendable(env); err != nil {
		return 0, err
	}
	start := time.Now()

	l.appendMu.Lock()
	offset, err := l.store.Append(ctx, env)
	if err != nil {
		l.appendMu.Unlock()
		return 0, errs.New("eventlog/append", errs.CodeStorage,
			errs.WithMessage("commit failed"), errs.WithCause(err))
	}
	rec := outbox.Record{Offset: offset, Envelope: env, CreatedAt: time.Now().UTC()}
	l.enqueue(rec)
	l.appendMu.Unlock()

	l.drain(ctx)
	l.settle(ctx)

	if l.appendCounter != nil {
		l.appendCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(env.Type)),
			attribute.String("producer", env.Producer)))
	}
	if l.appendDuration != nil {
		l.appendDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	}
	return offset, nil
}

// WithTx runs fn inside one storage transaction; every append made through
// the transactional appender is dispatched only after the commit succeeds.
func (l *Log) WithTx(ctx context.Context, fn func(ctx context.Context, tx outbox.Appender) error) error {
	var pending []outbox.Record

	l.appendMu.Lock()
	err := l.store.WithTransaction(ctx, func(ctx context.Context, tx outbox.Appender) error {
		rec := &recordingAppender{inner: tx, log: l}
		if err := fn(ctx, rec); err != nil {
			return err
		}
		pending = rec.appended
		return nil
	})
	if err != nil {
		l.appendMu.Unlock()
		if errs.CodeOf(err) != "" {
			return err
		}
		return errs.New("eventlog/append", errs.CodeStorage,
			errs.WithMessage("transaction failed"), errs.WithCause(err))
	}
	for _, rec := range pending {
		l.enqueue(rec)
	}
	l.appendMu.Unlock()

	l.drain(ctx)
	l.settle(ctx)
	return nil
}

type recordingAppender struct {
	inner    outbox.Appender
	log      *Log
	appended []outbox.Record
}

func (r *recordingAppender) Append(ctx context.Context, env schema.Envelope) (int64, error) {
	if err := r.log.checkAppendable(env); err != nil {
		return 0, err
	}
	offset, err := r.inner.Append(ctx, env)
	if err != nil {
		return 0, err
	}
	r.appended = append(r.appended, outbox.Record{
		Offset:    offset,
		Envelope:  env,
		CreatedAt: time.Now().UTC(),
	})
	return offset, nil
}

func (l *Log) checkAppendable(env schema.Envelope) error {
	l.closedMu.RLock()
	closed := l.closed
	l.closedMu.RUnlock()
	if closed {
		return errs.New("eventlog/append", errs.CodeUnavailable, errs.WithMessage("log closed"))
	}
	if env.Type == "" {
		return errs.New("eventlog/append", errs.CodeValidation, errs.WithMessage("event type required"))
	}
	if l.cfg.MaxPayloadBytes > 0 && len(env.Payload) > l.cfg.MaxPayloadBytes {
		return errs.New("eventlog/append", errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("payload %d bytes exceeds cap %d", len(env.Payload), l.cfg.MaxPayloadBytes)))
	}
	if l.cfg.Registry != nil {
		if err := l.cfg.Registry.Validate(env); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrom returns records with offset strictly greater than offset.
func (l *Log) ReadFrom(ctx context.Context, offset int64, limit int) ([]outbox.Record, error) {
	return l.store.ReadFrom(ctx, offset, limit)
}

// LatestOffset returns the highest committed offset, or -1 when empty.
func (l *Log) LatestOffset(ctx context.Context) (int64, error) {
	return l.store.LatestOffset(ctx)
}

// SubscribeFiltered registers an in-process consumer for the given types
// (or the single value "*"), with an optional envelope predicate.
func (l *Log) SubscribeFiltered(types []string, handler Handler, filter Filter) SubscriptionID {
	sub := &subscriber{
		id:      SubscriptionID("sub-" + uuid.NewString()),
		filter:  filter,
		handler: handler,
	}
	wildcard := false
	for _, t := range types {
		if t == Wildcard {
			wildcard = true
			break
		}
	}
	if !wildcard {
		sub.types = make(map[schema.Type]struct{}, len(types))
		for _, t := range types {
			sub.types[schema.Type(t)] = struct{}{}
		}
	}

	l.subMu.Lock()
	l.subs[sub.id] = sub
	l.subMu.Unlock()

	if l.subscriberGauge != nil {
		l.subscriberGauge.Add(context.Background(), 1)
	}
	return sub.id
}

// Unsubscribe removes the subscription. Unknown ids are a no-op.
func (l *Log) Unsubscribe(id SubscriptionID) {
	l.subMu.Lock()
	_, ok := l.subs[id]
	if ok {
		delete(l.subs, id)
	}
	l.subMu.Unlock()
	if ok && l.subscriberGauge != nil {
		l.subscriberGauge.Add(context.Background(), -1)
	}
}

// Close stops accepting appends and drops all subscribers.
func (l *Log) Close() {
	l.closedMu.Lock()
	l.closed = true
	l.closedMu.Unlock()

	l.subMu.Lock()
	l.subs = make(map[SubscriptionID]*subscriber)
	l.subMu.Unlock()
}

func (l *Log) enqueue(rec outbox.Record) {
	l.queueMu.Lock()
	l.queue = append(l.queue, rec)
	l.queueMu.Unlock()
}

// drain delivers queued records in offset order. Only one goroutine drains at
// a time; records enqueued by callbacks are picked up by the active drainer,
// which is what keeps nested appends from dispatching recursively.
func (l *Log) drain(ctx context.Context) {
	l.queueMu.Lock()
	if l.draining {
		l.queueMu.Unlock()
		return
	}
	l.draining = true
	for len(l.queue) > 0 {
		rec := l.queue[0]
		l.queue = l.queue[1:]
		l.queueMu.Unlock()
		l.deliver(ctx, rec)
		l.queueMu.Lock()
	}
	l.draining = false
	l.idle.Broadcast()
	l.queueMu.Unlock()
}

type dispatchCtxKey struct{}

func inDispatch(ctx context.Context) bool {
	return ctx.Value(dispatchCtxKey{}) != nil
}

// settle blocks a non-dispatch appender until the queue is drained. Handlers
// appending mid-dispatch must not wait: the goroutine draining the queue is
// the one underneath them.
func (l *Log) settle(ctx context.Context) {
	if inDispatch(ctx) {
		return
	}
	l.queueMu.Lock()
	for l.draining || len(l.queue) > 0 {
		l.idle.Wait()
	}
	l.queueMu.Unlock()
}

// deliver fans one record out to every matching subscriber. A failing or
// panicking callback is logged and never blocks the others.
func (l *Log) deliver(ctx context.Context, rec outbox.Record) {
	ctx = context.WithValue(ctx, dispatchCtxKey{}, struct{}{})
	l.subMu.RLock()
	matched := make([]*subscriber, 0, len(l.subs))
	for _, sub := range l.subs {
		if sub.matches(rec.Envelope) {
			matched = append(matched, sub)
		}
	}
	l.subMu.RUnlock()

	if l.fanoutHistogram != nil {
		l.fanoutHistogram.Record(ctx, int64(len(matched)), metric.WithAttributes(
			attribute.String("event_type", string(rec.Envelope.Type))))
	}
	if len(matched) == 0 {
		return
	}

	p := concpool.New().WithMaxGoroutines(l.cfg.FanoutWorkers)
	for _, sub := range matched {
		sub := sub
		p.Go(func() {
			l.invoke(ctx, sub, rec)
		})
	}
	p.Wait()
}

func (l *Log) invoke(ctx context.Context, sub *subscriber, rec outbox.Record) {
	defer func() {
		if r := recover(); r != nil {
			l.reportSubscriberFailure(ctx, sub, rec, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := sub.handler(ctx, rec); err != nil {
		l.reportSubscriberFailure(ctx, sub, rec, err)
	}
}

func (l *Log) reportSubscriberFailure(ctx context.Context, sub *subscriber, rec outbox.Record, err error) {
	observability.Log().Error("event subscriber failed",
		observability.F("subscription", string(sub.id)),
		observability.F("event_type", string(rec.Envelope.Type)),
		observability.F("offset", rec.Offset),
		observability.F("error", err))
	if l.dispatchErrors != nil {
		l.dispatchErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(rec.Envelope.Type))))
	}
}
