// Package bars defines the OHLCV bar model and its repository contract.
package bars

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

// Bar is a fixed-duration OHLCV aggregate, unique by (symbol, timeframe,
// timestamp) and immutable once written.
type Bar struct {
	Symbol    string
	Timeframe string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// VWAP approximates the bar's volume-weighted price as (H+L+C)/3.
func (b Bar) VWAP() decimal.Decimal {
	return b.High.Add(b.Low).Add(b.Close).Div(decimal.NewFromInt(3))
}

// ToPayload serializes the bar with decimals as strings.
func (b Bar) ToPayload() schema.BarPayload {
	return schema.BarPayload{
		Symbol:    b.Symbol,
		Timeframe: b.Timeframe,
		Timestamp: b.Timestamp,
		Open:      b.Open.String(),
		High:      b.High.String(),
		Low:       b.Low.String(),
		Close:     b.Close.String(),
		Volume:    b.Volume.String(),
	}
}

// FromPayload parses a wire bar back into the domain form.
func FromPayload(p schema.BarPayload) (Bar, error) {
	bar := Bar{Symbol: p.Symbol, Timeframe: p.Timeframe, Timestamp: p.Timestamp}
	var err error
	if bar.Open, err = decimal.NewFromString(p.Open); err != nil {
		return Bar{}, err
	}
	if bar.High, err = decimal.NewFromString(p.High); err != nil {
		return Bar{}, err
	}
	if bar.Low, err = decimal.NewFromString(p.Low); err != nil {
		return Bar{}, err
	}
	if bar.Close, err = decimal.NewFromString(p.Close); err != nil {
		return Bar{}, err
	}
	if bar.Volume, err = decimal.NewFromString(p.Volume); err != nil {
		return Bar{}, err
	}
	return bar, nil
}

// Store is the bar repository. Historical writes are upserts that skip
// duplicates; reads are ordered by timestamp ascending.
type Store interface {
	// Upsert writes bars, skipping rows whose (symbol, timeframe, timestamp)
	// already exist. Returns the number of rows actually written.
	Upsert(ctx context.Context, bars []Bar) (int, error)
	// Range returns bars for symbol/timeframe with start <= ts <= end.
	Range(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]Bar, error)
	// Latest returns up to n bars with ts <= asOf, ascending. A zero asOf
	// means "no upper bound".
	Latest(ctx context.Context, symbol, timeframe string, n int, asOf time.Time) ([]Bar, error)
}
