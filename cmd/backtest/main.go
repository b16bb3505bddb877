// Command backtest replays a CSV bar file through a strategy and prints the
// performance summary. Everything runs in memory; no database is required.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/internal/backtest"
	"github.com/5TFG4/Weaver-sub000/internal/domain/bars"
	"github.com/5TFG4/Weaver-sub000/internal/domain/orders"
	"github.com/5TFG4/Weaver-sub000/internal/domain/outbox"
	"github.com/5TFG4/Weaver-sub000/internal/domain/runs"
	"github.com/5TFG4/Weaver-sub000/internal/eventlog"
	"github.com/5TFG4/Weaver-sub000/internal/observability"
	"github.com/5TFG4/Weaver-sub000/internal/orchestrator"
	"github.com/5TFG4/Weaver-sub000/internal/router"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
	strategyjs "github.com/5TFG4/Weaver-sub000/internal/strategy/js"
)

func main() {
	var (
		dataPath   = flag.String("data", "", "Path to the historical bar file (CSV)")
		symbol     = flag.String("symbol", "", "Symbol the bar file covers")
		timeframe  = flag.String("timeframe", "1h", "Bar timeframe (1m, 5m, 15m, 1h, 1d)")
		strategyID = flag.String("strategy", "window-buyer", "Strategy to backtest")
		params     = flag.String("params", "", "Strategy configuration as a JSON object")
		startFlag  = flag.String("start", "", "Backtest start (RFC3339, default: first bar)")
		endFlag    = flag.String("end", "", "Backtest end (RFC3339, default: last bar)")
		cashFlag   = flag.String("cash", "100000", "Initial cash")
		scriptDir  = flag.String("scripts", "", "Directory of JavaScript strategy modules")
		verbose    = flag.Bool("v", false, "Log event traffic")
	)
	flag.Parse()

	if *dataPath == "" {
		log.Fatal("data path is required")
	}
	if *symbol == "" {
		log.Fatal("symbol is required")
	}
	if *verbose {
		observability.SetLogger(observability.NewStdLogger("backtest ", true))
	}

	cash, err := decimal.NewFromString(*cashFlag)
	if err != nil {
		log.Fatalf("parse cash: %v", err)
	}

	ctx := context.Background()

	barStore := bars.NewMemoryStore()
	loaded, err := backtest.LoadBarsCSV(ctx, barStore, *dataPath, *symbol, *timeframe)
	if err != nil {
		log.Fatalf("load bars: %v", err)
	}
	if loaded == 0 {
		log.Fatal("bar file contained no rows")
	}

	start, end, err := resolveRange(ctx, barStore, *symbol, *timeframe, *startFlag, *endFlag)
	if err != nil {
		log.Fatalf("resolve range: %v", err)
	}

	if *scriptDir != "" {
		loader, err := strategyjs.NewLoader(*scriptDir)
		if err != nil {
			log.Fatalf("load strategy modules: %v", err)
		}
		strategyjs.RegisterAll(loader)
	}

	runStore := runs.NewMemoryStore()
	orderStore := orders.NewMemoryStore()
	elog := eventlog.New(outbox.NewMemoryStore(), eventlog.Config{Registry: schema.NewRegistry()})

	domainRouter := router.New(elog, runStore)
	domainRouter.Start()
	defer domainRouter.Stop()

	orch := orchestrator.New(elog, runStore, barStore, orderStore, orchestrator.Config{
		Backtest: backtest.Config{InitialCash: cash},
	})
	orch.Start()
	defer orch.Stop(ctx)

	run, err := orch.CreateRun(ctx, orchestrator.CreateParams{
		StrategyID: *strategyID,
		Mode:       runs.ModeBacktest,
		Symbols:    []string{*symbol},
		Timeframe:  *timeframe,
		Config:     paramsJSON(*params),
		Start:      &start,
		End:        &end,
	})
	if err != nil {
		log.Fatalf("create run: %v", err)
	}

	var (
		failureMu sync.Mutex
		failure   string
	)
	elog.SubscribeFiltered([]string{string(schema.TypeRunFailed)}, func(_ context.Context, rec outbox.Record) error {
		var payload schema.RunPayload
		if err := rec.Envelope.DecodePayload(&payload); err == nil {
			failureMu.Lock()
			failure = payload.Error
			failureMu.Unlock()
		}
		return nil
	}, eventlog.RunFilter(run.ID))

	if err := orch.StartRun(ctx, run.ID); err != nil {
		log.Fatalf("start run: %v", err)
	}

	final := waitForTerminal(ctx, runStore, run.ID)
	if final.Status == runs.StatusFailed {
		failureMu.Lock()
		defer failureMu.Unlock()
		log.Fatalf("backtest failed: %s", failure)
	}

	result, err := orch.Result(run.ID)
	if err != nil {
		log.Fatalf("fetch result: %v", err)
	}
	printResult(result, start, end)
}

func resolveRange(ctx context.Context, store bars.Store, symbol, timeframe, startFlag, endFlag string) (time.Time, time.Time, error) {
	all, err := store.Range(ctx, symbol, timeframe, time.Unix(0, 0).UTC(), time.Now().UTC().AddDate(100, 0, 0))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if len(all) == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("no bars for %s %s", symbol, timeframe)
	}
	start, end := all[0].Timestamp, all[len(all)-1].Timestamp
	if startFlag != "" {
		if start, err = time.Parse(time.RFC3339, startFlag); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse start: %w", err)
		}
	}
	if endFlag != "" {
		if end, err = time.Parse(time.RFC3339, endFlag); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse end: %w", err)
		}
	}
	return start.UTC(), end.UTC(), nil
}

func paramsJSON(raw string) []byte {
	if raw == "" {
		return nil
	}
	return []byte(raw)
}

func waitForTerminal(ctx context.Context, store runs.Store, id string) runs.Run {
	for {
		run, err := store.Get(ctx, id)
		if err != nil {
			log.Fatalf("poll run: %v", err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func printResult(res backtest.Result, start, end time.Time) {
	w := os.Stdout
	fmt.Fprintf(w, "Backtest %s\n", res.RunID)
	fmt.Fprintf(w, "  Period:          %s .. %s\n", start.Format(time.RFC3339), end.Format(time.RFC3339))
	fmt.Fprintf(w, "  Initial cash:    %s\n", res.InitialCash.StringFixed(2))
	fmt.Fprintf(w, "  Final equity:    %s\n", res.FinalEquity.StringFixed(2))
	fmt.Fprintf(w, "  Total return:    %s%%\n", res.TotalReturnPct.StringFixed(2))
	if res.AnnualizedReturnPct != nil {
		fmt.Fprintf(w, "  Annualized:      %s%%\n", res.AnnualizedReturnPct.StringFixed(2))
	}
	if res.SharpeRatio != nil {
		fmt.Fprintf(w, "  Sharpe:          %s\n", res.SharpeRatio.StringFixed(2))
	}
	if res.SortinoRatio != nil {
		fmt.Fprintf(w, "  Sortino:         %s\n", res.SortinoRatio.StringFixed(2))
	}
	fmt.Fprintf(w, "  Max drawdown:    %s (%s%%)\n", res.MaxDrawdown.StringFixed(2), res.MaxDrawdownPct.StringFixed(2))
	fmt.Fprintf(w, "  Trades:          %d (%d round trips)\n", res.TradeCount, res.RoundTrips)
	if res.WinRatePct != nil {
		fmt.Fprintf(w, "  Win rate:        %s%%\n", res.WinRatePct.StringFixed(2))
	}
	if res.ProfitFactor != nil {
		fmt.Fprintf(w, "  Profit factor:   %s\n", res.ProfitFactor.StringFixed(2))
	}
	fmt.Fprintf(w, "  Commission:      %s\n", res.TotalCommission.StringFixed(2))
	fmt.Fprintf(w, "  Slippage:        %s\n", res.TotalSlippage.StringFixed(2))
}
