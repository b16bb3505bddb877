package postgres

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/Weaver-sub000/internal/observability"
)

// Waker is anything that can be nudged to poll now. The event log Consumer
// satisfies it.
type Waker interface {
	Wake()
}

// Listener holds a dedicated connection on LISTEN and fans each notification
// out to the registered wakers. Connection loss is retried with exponential
// backoff; wakers miss nothing because they re-read from their checkpoint.
type Listener struct {
	pool    *pgxpool.Pool
	channel string

	mu     sync.Mutex
	wakers []Waker

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewListener constructs a Listener on the event log notify channel.
func NewListener(pool *pgxpool.Pool) *Listener {
	return &Listener{
		pool:    pool,
		channel: NotifyChannel,
		done:    make(chan struct{}),
	}
}

// Register adds a waker to be nudged on every notification.
func (l *Listener) Register(w Waker) {
	l.mu.Lock()
	l.wakers = append(l.wakers, w)
	l.mu.Unlock()
}

// Start launches the listen loop. It returns immediately.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	go l.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (l *Listener) Stop() {
	l.once.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
		<-l.done
	})
}

func (l *Listener) loop(ctx context.Context) {
	defer close(l.done)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 10 * time.Second

	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := policy.NextBackOff()
		observability.Log().Warn("event log listener reconnecting",
			observability.F("channel", l.channel),
			observability.F("wait", wait.String()),
			observability.F("error", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+l.channel); err != nil {
		return err
	}
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		l.mu.Lock()
		wakers := append([]Waker(nil), l.wakers...)
		l.mu.Unlock()
		for _, w := range wakers {
			w.Wake()
		}
	}
}
