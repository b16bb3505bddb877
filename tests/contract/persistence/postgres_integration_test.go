package persistence_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/5TFG4/Weaver-sub000/internal/domain/bars"
	"github.com/5TFG4/Weaver-sub000/internal/domain/offsets"
	"github.com/5TFG4/Weaver-sub000/internal/domain/orders"
	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/infra/persistence/migrations"
	pgstore "github.com/5TFG4/Weaver-sub000/internal/infra/persistence/postgres"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

var (
	testPool    *pgxpool.Pool
	pgContainer *postgrescontainer.PostgresContainer
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	setupErr = startDatabase(ctx)
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests will be skipped: %v\n", setupErr)
	}

	code := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func startDatabase(ctx context.Context) error {
	container, err := postgrescontainer.Run(ctx,
		"postgres:16-alpine",
		postgrescontainer.WithDatabase("weaver"),
		postgrescontainer.WithUsername("weaver"),
		postgrescontainer.WithPassword("weaver"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second)),
	)
	if err != nil {
		return fmt.Errorf("start postgres container: %w", err)
	}
	pgContainer = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fmt.Errorf("connection string: %w", err)
	}
	if err := migrations.Apply(ctx, dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgstore.NewPool(ctx, dsn, pgstore.PoolConfig{MaxConns: 5})
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}
	testPool = pool
	return nil
}

func requireDatabase(t *testing.T) {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}
}

func TestOutboxStoreAssignsDenseOffsets(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	store := pgstore.NewOutboxStore(testPool)

	runID := uuid.NewString()
	base, err := store.LatestOffset(ctx)
	require.NoError(t, err)

	var assigned []int64
	for i := 0; i < 3; i++ {
		env, err := schema.New(schema.KindEvent, schema.TypeRunCreated, schema.ProducerOrchestrator,
			schema.RunPayload{RunID: runID}, schema.WithRunID(runID))
		require.NoError(t, err)
		offset, err := store.Append(ctx, env)
		require.NoError(t, err)
		assigned = append(assigned, offset)
	}
	for i, offset := range assigned {
		require.Equal(t, base+int64(i)+1, offset)
	}

	records, err := store.ReadFrom(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, runID, records[0].Envelope.RunID)
	require.Equal(t, schema.ProducerOrchestrator, records[0].Envelope.Producer)

	latest, err := store.LatestOffset(ctx)
	require.NoError(t, err)
	require.Equal(t, assigned[2], latest)
}

func TestOutboxStoreTransactionRollsBackAtomically(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	store := pgstore.NewOutboxStore(testPool)

	before, err := store.LatestOffset(ctx)
	require.NoError(t, err)

	boom := fmt.Errorf("boom")
	err = store.WithTransaction(ctx, func(ctx context.Context, tx outbox.Appender) error {
		env, err := schema.New(schema.KindEvent, schema.TypeRunCreated, schema.ProducerOrchestrator,
			schema.RunPayload{RunID: uuid.NewString()})
		require.NoError(t, err)
		if _, err := tx.Append(ctx, env); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := store.LatestOffset(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)

	// The next append reuses the rolled-back offset, keeping the log dense.
	env, err := schema.New(schema.KindEvent, schema.TypeRunCreated, schema.ProducerOrchestrator,
		schema.RunPayload{RunID: uuid.NewString()})
	require.NoError(t, err)
	offset, err := store.Append(ctx, env)
	require.NoError(t, err)
	require.Equal(t, before+1, offset)
}

func TestOffsetStoreRoundTrip(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	store := pgstore.NewOffsetStore(testPool)
	consumerID := "consumer-" + uuid.NewString()

	offset, err := store.GetOffset(ctx, consumerID)
	require.NoError(t, err)
	require.Equal(t, offsets.Unset, offset)

	require.NoError(t, store.SetOffset(ctx, consumerID, 41))
	require.NoError(t, store.SetOffset(ctx, consumerID, 42))

	offset, err = store.GetOffset(ctx, consumerID)
	require.NoError(t, err)
	require.Equal(t, int64(42), offset)

	all, err := store.AllOffsets(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(42), all[consumerID])
}

func TestRunStoreLifecycle(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	store := pgstore.NewRunStore(testPool)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)
	run := runs.Run{
		ID:         uuid.NewString(),
		StrategyID: "window-buyer",
		Mode:       runs.ModeBacktest,
		Symbols:    []string{"BTC/USD", "ETH/USD"},
		Timeframe:  "1h",
		Config:     []byte(`{"lookback":20}`),
		Start:      &start,
		End:        &end,
		Status:     runs.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.Create(ctx, run))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, run.Symbols, got.Symbols)
	require.Equal(t, runs.StatusPending, got.Status)
	require.JSONEq(t, `{"lookback":20}`, string(got.Config))
	require.True(t, got.Start.Equal(start))

	startedAt := time.Now().UTC()
	require.NoError(t, store.UpdateStatus(ctx, run.ID, runs.StatusUpdate{
		Status:    runs.StatusRunning,
		StartedAt: &startedAt,
	}))

	running, err := store.ListByStatus(ctx, runs.StatusRunning)
	require.NoError(t, err)
	require.True(t, containsRun(running, run.ID))

	_, err = store.Get(ctx, uuid.NewString())
	require.Error(t, err)
}

func TestOrderStorePersistsFills(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	store := pgstore.NewOrderStore(testPool)

	runID := uuid.NewString()
	limit := decimal.RequireFromString("50000.25")
	state := orders.State{
		ID:            uuid.NewString(),
		RunID:         runID,
		ClientOrderID: "cli-" + uuid.NewString(),
		Symbol:        "BTC/USD",
		Side:          orders.SideBuy,
		OrderType:     orders.TypeLimit,
		Qty:           decimal.RequireFromString("0.5"),
		LimitPrice:    &limit,
		TimeInForce:   orders.TIFGTC,
		Status:        orders.StatusPending,
		FilledQty:     decimal.Zero,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.Create(ctx, state))

	got, err := store.GetByClientOrderID(ctx, runID, state.ClientOrderID)
	require.NoError(t, err)
	require.Equal(t, state.ID, got.ID)
	require.True(t, got.Qty.Equal(state.Qty))
	require.NotNil(t, got.LimitPrice)
	require.True(t, got.LimitPrice.Equal(limit))

	fillPrice := decimal.RequireFromString("49999.75")
	state.Status = orders.StatusFilled
	state.FilledQty = state.Qty
	state.FilledAvgPrice = &fillPrice
	require.NoError(t, store.Update(ctx, state))

	fill := orders.Fill{
		ID:         uuid.NewString(),
		OrderID:    state.ID,
		Qty:        state.Qty,
		Price:      fillPrice,
		Commission: decimal.RequireFromString("2.5"),
		Timestamp:  time.Now().UTC(),
	}
	require.NoError(t, store.RecordFill(ctx, fill))

	fills, err := store.ListFills(ctx, state.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	require.True(t, fills[0].Price.Equal(fillPrice))
	require.True(t, fills[0].Commission.Equal(fill.Commission))

	byRun, err := store.ListByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	require.Equal(t, orders.StatusFilled, byRun[0].Status)
}

func TestBarStoreUpsertAndQueries(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	store := pgstore.NewBarStore(testPool)

	symbol := "SYM-" + uuid.NewString()[:8]
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	batch := make([]bars.Bar, 0, 5)
	for i := 0; i < 5; i++ {
		price := decimal.NewFromInt(int64(100 + i))
		batch = append(batch, bars.Bar{
			Symbol:    symbol,
			Timeframe: "1h",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price.Add(decimal.NewFromInt(1)),
			Low:       price.Sub(decimal.NewFromInt(1)),
			Close:     price,
			Volume:    decimal.NewFromInt(1000),
		})
	}
	inserted, err := store.Upsert(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 5, inserted)

	// Re-upserting the same series counts nothing as new.
	inserted, err = store.Upsert(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 0, inserted)

	window, err := store.Range(ctx, symbol, "1h", base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, window, 3)
	require.True(t, window[0].Timestamp.Equal(base))

	latest, err := store.Latest(ctx, symbol, "1h", 2, base.Add(10*time.Hour))
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.True(t, latest[1].Timestamp.After(latest[0].Timestamp))
	require.True(t, latest[1].Timestamp.Equal(base.Add(4*time.Hour)))
}

func TestOutboxStorePruneRemovesAgedRecords(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	store := pgstore.NewOutboxStore(testPool)

	env, err := schema.New(schema.KindEvent, schema.TypeRunCreated, schema.ProducerOrchestrator,
		schema.RunPayload{RunID: uuid.NewString()})
	require.NoError(t, err)
	_, err = store.Append(ctx, env)
	require.NoError(t, err)

	pruned, err := store.PruneBefore(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Positive(t, pruned)

	latest, err := store.LatestOffset(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(-1), latest)
}

func containsRun(list []runs.Run, id string) bool {
	for _, r := range list {
		if r.ID == id {
			return true
		}
	}
	return false
}
