package backtest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/domain/bars"
)

// LoadBarsCSV reads OHLCV rows from a CSV file into the bar repository and
// returns the number of new rows written. The expected header is
// timestamp,open,high,low,close,volume with RFC 3339 or unix-second
// timestamps. Rows already present are skipped by the repository.
func LoadBarsCSV(ctx context.Context, store bars.Store, path, symbol, timeframe string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errs.New("backtest/csv", errs.CodeValidation,
			errs.WithMessage("open "+path), errs.WithCause(err))
	}
	defer f.Close()
	return loadBars(ctx, store, f, symbol, timeframe)
}

func loadBars(ctx context.Context, store bars.Store, r io.Reader, symbol, timeframe string) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 6
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return 0, errs.New("backtest/csv", errs.CodeValidation,
			errs.WithMessage("read header"), errs.WithCause(err))
	}
	if header[0] != "timestamp" {
		return 0, errs.New("backtest/csv", errs.CodeValidation,
			errs.WithMessage("first column must be timestamp, got "+header[0]))
	}

	var batch []bars.Bar
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return 0, errs.New("backtest/csv", errs.CodeValidation,
				errs.WithMessage(fmt.Sprintf("line %d", line)), errs.WithCause(err))
		}
		bar, err := parseBarRow(record, symbol, timeframe)
		if err != nil {
			return 0, errs.New("backtest/csv", errs.CodeValidation,
				errs.WithMessage(fmt.Sprintf("line %d", line)), errs.WithCause(err))
		}
		batch = append(batch, bar)
	}
	return store.Upsert(ctx, batch)
}

func parseBarRow(record []string, symbol, timeframe string) (bars.Bar, error) {
	ts, err := parseTimestamp(record[0])
	if err != nil {
		return bars.Bar{}, err
	}
	bar := bars.Bar{Symbol: symbol, Timeframe: timeframe, Timestamp: ts}
	if bar.Open, err = decimal.NewFromString(record[1]); err != nil {
		return bars.Bar{}, fmt.Errorf("open: %w", err)
	}
	if bar.High, err = decimal.NewFromString(record[2]); err != nil {
		return bars.Bar{}, fmt.Errorf("high: %w", err)
	}
	if bar.Low, err = decimal.NewFromString(record[3]); err != nil {
		return bars.Bar{}, fmt.Errorf("low: %w", err)
	}
	if bar.Close, err = decimal.NewFromString(record[4]); err != nil {
		return bars.Bar{}, fmt.Errorf("close: %w", err)
	}
	if bar.Volume, err = decimal.NewFromString(record[5]); err != nil {
		return bars.Bar{}, fmt.Errorf("volume: %w", err)
	}
	return bar, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q", value)
	}
	return time.Unix(unix, 0).UTC(), nil
}
