package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/5TFG4/Weaver-sub000/internal/domain/offsets"
	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/observability"
)

// Consumer tails the log on behalf of a long-running external collaborator,
// checkpointing progress through a durable offset store so it can resume
// after restart. It polls ReadFrom on a cadence and can be woken early
// through Wake (wired to the storage NOTIFY channel by the caller).
type Consumer struct {
	id      string
	log     *Log
	offsets offsets.Store
	handler Handler

	batchSize    int
	pollInterval time.Duration

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

func (c ConsumerConfig) normalize() ConsumerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// NewConsumer constructs a Consumer identified by consumerID.
func NewConsumer(consumerID string, log *Log, store offsets.Store, handler Handler, cfg ConsumerConfig) *Consumer {
	cfg = cfg.normalize()
	return &Consumer{
		id:           consumerID,
		log:          log,
		offsets:      store,
		handler:      handler,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start launches the tail loop. It returns immediately.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.loop(ctx)
}

// Wake nudges the loop to poll now instead of waiting out the interval.
func (c *Consumer) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for it to exit.
func (c *Consumer) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done
	})
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		c.drainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

func (c *Consumer) drainOnce(ctx context.Context) {
	last, err := c.offsets.GetOffset(ctx, c.id)
	if err != nil {
		observability.Log().Error("consumer offset read failed",
			observability.F("consumer", c.id), observability.F("error", err))
		return
	}
	for {
		records, err := c.log.ReadFrom(ctx, last, c.batchSize)
		if err != nil {
			observability.Log().Error("consumer read failed",
				observability.F("consumer", c.id), observability.F("error", err))
			return
		}
		if len(records) == 0 {
			return
		}
		for _, rec := range records {
			if err := c.process(ctx, rec); err != nil {
				// Checkpoint up to the failure and retry it next round.
				observability.Log().Error("consumer handler failed",
					observability.F("consumer", c.id),
					observability.F("offset", rec.Offset),
					observability.F("error", err))
				return
			}
			last = rec.Offset
			if err := c.offsets.SetOffset(ctx, c.id, last); err != nil {
				observability.Log().Error("consumer checkpoint failed",
					observability.F("consumer", c.id), observability.F("error", err))
				return
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, rec outbox.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredError(r)
		}
	}()
	return c.handler(ctx, rec)
}

type panicError struct{ value any }

func (p panicError) Error() string { return "panic in consumer handler" }

func recoveredError(r any) error { return panicError{value: r} }
