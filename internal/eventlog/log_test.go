package eventlog_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/domain/offsets"
	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/eventlog"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

func newLog(t *testing.T, cfg eventlog.Config) *eventlog.Log {
	t.Helper()
	log := eventlog.New(outbox.NewMemoryStore(), cfg)
	t.Cleanup(log.Close)
	return log
}

func envOf(t *testing.T, typ schema.Type, runID string) schema.Envelope {
	t.Helper()
	env, err := schema.New(schema.KindEvent, typ, "test", map[string]any{"n": 1}, schema.WithRunID(runID))
	require.NoError(t, err)
	return env
}

func TestAppendAssignsDenseOffsets(t *testing.T) {
	log := newLog(t, eventlog.Config{})
	ctx := context.Background()

	latest, err := log.LatestOffset(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(-1), latest)

	for i := int64(0); i < 5; i++ {
		offset, err := log.Append(ctx, envOf(t, schema.TypeRunCreated, "r1"))
		require.NoError(t, err)
		require.Equal(t, i, offset)
	}

	latest, err = log.LatestOffset(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), latest)
}

func TestReadFromIsExclusiveAndBounded(t *testing.T) {
	log := newLog(t, eventlog.Config{})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := log.Append(ctx, envOf(t, schema.TypeRunCreated, "r1"))
		require.NoError(t, err)
	}

	records, err := log.ReadFrom(ctx, 3, 4)
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, int64(4), records[0].Offset)
	require.Equal(t, int64(7), records[3].Offset)

	records, err = log.ReadFrom(ctx, 9, 10)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSubscribeFilteredByTypeAndRun(t *testing.T) {
	log := newLog(t, eventlog.Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	log.SubscribeFiltered([]string{string(schema.TypeDataWindowReady)}, func(_ context.Context, rec outbox.Record) error {
		mu.Lock()
		seen = append(seen, rec.Envelope.RunID)
		mu.Unlock()
		return nil
	}, eventlog.RunFilter("r1"))

	_, err := log.Append(ctx, envOf(t, schema.TypeDataWindowReady, "r1"))
	require.NoError(t, err)
	_, err = log.Append(ctx, envOf(t, schema.TypeDataWindowReady, "r2"))
	require.NoError(t, err)
	_, err = log.Append(ctx, envOf(t, schema.TypeRunCreated, "r1"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"r1"}, seen)
}

func TestWildcardSubscriberSeesAppendOrder(t *testing.T) {
	log := newLog(t, eventlog.Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var offsetsSeen []int64
	log.SubscribeFiltered([]string{eventlog.Wildcard}, func(_ context.Context, rec outbox.Record) error {
		mu.Lock()
		offsetsSeen = append(offsetsSeen, rec.Offset)
		mu.Unlock()
		return nil
	}, nil)

	for i := 0; i < 20; i++ {
		_, err := log.Append(ctx, envOf(t, schema.TypeRunCreated, "r1"))
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, offsetsSeen, 20)
	for i := 1; i < len(offsetsSeen); i++ {
		require.Greater(t, offsetsSeen[i], offsetsSeen[i-1])
	}
}

func TestSubscriberFailureDoesNotBlockOthers(t *testing.T) {
	log := newLog(t, eventlog.Config{})
	ctx := context.Background()

	var mu sync.Mutex
	delivered := 0
	log.SubscribeFiltered([]string{eventlog.Wildcard}, func(context.Context, outbox.Record) error {
		return errors.New("boom")
	}, nil)
	log.SubscribeFiltered([]string{eventlog.Wildcard}, func(context.Context, outbox.Record) error {
		panic("worse")
	}, nil)
	log.SubscribeFiltered([]string{eventlog.Wildcard}, func(context.Context, outbox.Record) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	}, nil)

	offset, err := log.Append(ctx, envOf(t, schema.TypeRunCreated, "r1"))
	require.NoError(t, err)
	require.Equal(t, int64(0), offset)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, delivered)
}

// A callback appending in response to a record must observe its own event
// dispatched after the record that caused it, without deadlocking.
func TestNestedAppendFromCallbackPreservesCausalOrder(t *testing.T) {
	log := newLog(t, eventlog.Config{FanoutWorkers: 1})
	ctx := context.Background()

	var mu sync.Mutex
	var types []schema.Type
	log.SubscribeFiltered([]string{eventlog.Wildcard}, func(_ context.Context, rec outbox.Record) error {
		mu.Lock()
		types = append(types, rec.Envelope.Type)
		mu.Unlock()
		return nil
	}, nil)
	log.SubscribeFiltered([]string{string(schema.TypeStrategyFetchWindow)}, func(ctx context.Context, rec outbox.Record) error {
		derived, err := schema.Derive(rec.Envelope, schema.KindCommand, schema.TypeBacktestFetchWindow, schema.ProducerRouter, rec.Envelope.Payload)
		if err != nil {
			return err
		}
		_, err = log.Append(ctx, derived)
		return err
	}, nil)

	_, err := log.Append(ctx, envOf(t, schema.TypeStrategyFetchWindow, "r1"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []schema.Type{schema.TypeStrategyFetchWindow, schema.TypeBacktestFetchWindow}, types)
}

func TestUnsubscribeUnknownIDIsNoop(t *testing.T) {
	log := newLog(t, eventlog.Config{})
	log.Unsubscribe(eventlog.SubscriptionID("sub-unknown"))
}

func TestPayloadCapRejectsOversized(t *testing.T) {
	log := newLog(t, eventlog.Config{MaxPayloadBytes: 8})
	env, err := schema.New(schema.KindEvent, schema.TypeRunCreated, "test", map[string]any{"k": "a long payload value"})
	require.NoError(t, err)

	_, err = log.Append(context.Background(), env)
	require.True(t, errs.IsCode(err, errs.CodeValidation))
}

func TestWithTxDispatchesOnlyAfterCommit(t *testing.T) {
	log := newLog(t, eventlog.Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []int64
	log.SubscribeFiltered([]string{eventlog.Wildcard}, func(_ context.Context, rec outbox.Record) error {
		mu.Lock()
		seen = append(seen, rec.Offset)
		mu.Unlock()
		return nil
	}, nil)

	err := log.WithTx(ctx, func(ctx context.Context, tx outbox.Appender) error {
		for i := 0; i < 3; i++ {
			if _, err := tx.Append(ctx, envOf(t, schema.TypeRunCreated, "r1")); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	mu.Lock()
	require.Equal(t, []int64{0, 1, 2}, seen)
	mu.Unlock()

	err = log.WithTx(ctx, func(ctx context.Context, tx outbox.Appender) error {
		if _, err := tx.Append(ctx, envOf(t, schema.TypeRunCreated, "r1")); err != nil {
			return err
		}
		return errors.New("rollback")
	})
	require.Error(t, err)

	mu.Lock()
	require.Len(t, seen, 3) // nothing dispatched from the rolled-back txn
	mu.Unlock()

	latest, err := log.LatestOffset(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), latest)
}

func TestConsumerCheckpointsAndResumes(t *testing.T) {
	log := newLog(t, eventlog.Config{})
	ctx := context.Background()
	store := offsets.NewMemoryStore()

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, envOf(t, schema.TypeRunCreated, "r1"))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var seen []int64
	consumer := eventlog.NewConsumer("audit", log, store, func(_ context.Context, rec outbox.Record) error {
		mu.Lock()
		seen = append(seen, rec.Offset)
		mu.Unlock()
		return nil
	}, eventlog.ConsumerConfig{BatchSize: 2, PollInterval: 10 * time.Millisecond})

	consumer.Start(ctx)
	require.Eventually(t, func() bool {
		off, err := store.GetOffset(ctx, "audit")
		return err == nil && off == 4
	}, time.Second, 5*time.Millisecond)
	consumer.Stop()

	mu.Lock()
	require.Equal(t, []int64{0, 1, 2, 3, 4}, seen)
	mu.Unlock()

	// A new consumer with the same id resumes after the checkpoint.
	_, err := log.Append(ctx, envOf(t, schema.TypeRunCreated, "r1"))
	require.NoError(t, err)

	var resumed []int64
	second := eventlog.NewConsumer("audit", log, store, func(_ context.Context, rec outbox.Record) error {
		mu.Lock()
		resumed = append(resumed, rec.Offset)
		mu.Unlock()
		return nil
	}, eventlog.ConsumerConfig{BatchSize: 2, PollInterval: 10 * time.Millisecond})
	second.Start(ctx)
	require.Eventually(t, func() bool {
		off, err := store.GetOffset(ctx, "audit")
		return err == nil && off == 5
	}, time.Second, 5*time.Millisecond)
	second.Stop()

	mu.Lock()
	require.Equal(t, []int64{5}, resumed)
	mu.Unlock()
}
