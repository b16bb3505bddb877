package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/internal/observability"
)

// QuoteSink receives streamed top-of-book updates. SimVenue satisfies it.
type QuoteSink interface {
	SetQuote(symbol string, bid, ask decimal.Decimal, ts time.Time)
}

// quoteMessage is the wire form of one streamed quote.
type quoteMessage struct {
	Symbol string    `json:"symbol"`
	Bid    string    `json:"bid"`
	Ask    string    `json:"ask"`
	TS     time.Time `json:"ts"`
}

// QuoteStream maintains a websocket subscription to an external quote feed
// and forwards updates into the sink. Dropped connections are redialed with
// exponential backoff.
type QuoteStream struct {
	url  string
	sink QuoteSink

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewQuoteStream constructs a stream for the given feed URL.
func NewQuoteStream(url string, sink QuoteSink) *QuoteStream {
	return &QuoteStream{
		url:  url,
		sink: sink,
		done: make(chan struct{}),
	}
}

// Start launches the read loop. It returns immediately.
func (s *QuoteStream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop closes the stream and waits for the read loop to exit.
func (s *QuoteStream) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
	})
}

func (s *QuoteStream) loop(ctx context.Context) {
	defer close(s.done)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second

	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := policy.NextBackOff()
		observability.Log().Warn("quote stream reconnecting",
			observability.F("url", s.url),
			observability.F("wait", wait.String()),
			observability.F("error", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *QuoteStream) consume(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg quoteMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			observability.Log().Warn("quote stream skipping malformed frame",
				observability.F("error", err))
			continue
		}
		bid, err := decimal.NewFromString(msg.Bid)
		if err != nil {
			continue
		}
		ask, err := decimal.NewFromString(msg.Ask)
		if err != nil {
			continue
		}
		ts := msg.TS
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		s.sink.SetQuote(msg.Symbol, bid, ask, ts)
	}
}
