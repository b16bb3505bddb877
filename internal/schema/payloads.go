package schema

import "time"

// Decimal values in payloads are strings so fan-out and persistence never
// round-trip through floats.

// FetchWindowPayload asks for the latest N bars of a symbol.
type FetchWindowPayload struct {
	Symbol   string     `json:"symbol"`
	Lookback int        `json:"lookback"`
	AsOf     *time.Time `json:"asOf,omitempty"`
}

// PlaceOrderPayload carries an order intent across the log.
type PlaceOrderPayload struct {
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	OrderType     string  `json:"orderType"`
	Qty           string  `json:"qty"`
	LimitPrice    *string `json:"limitPrice,omitempty"`
	StopPrice     *string `json:"stopPrice,omitempty"`
	TimeInForce   string  `json:"timeInForce,omitempty"`
}

// CancelOrderPayload requests cancellation by idempotency key.
type CancelOrderPayload struct {
	ClientOrderID string `json:"clientOrderId"`
}

// BarPayload is the wire form of one OHLCV bar.
type BarPayload struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Timestamp time.Time `json:"timestamp"`
	Open      string    `json:"open"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	Close     string    `json:"close"`
	Volume    string    `json:"volume"`
}

// WindowReadyPayload answers a FetchWindow with the selected bars.
type WindowReadyPayload struct {
	Symbol string       `json:"symbol"`
	Bars   []BarPayload `json:"bars"`
}

// RunPayload describes a run lifecycle transition.
type RunPayload struct {
	RunID      string     `json:"runId"`
	StrategyID string     `json:"strategyId,omitempty"`
	Mode       string     `json:"mode,omitempty"`
	Symbols    []string   `json:"symbols,omitempty"`
	Timeframe  string     `json:"timeframe,omitempty"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// OrderPayload is the serialized authoritative order state.
type OrderPayload struct {
	ID              string     `json:"id"`
	RunID           string     `json:"runId,omitempty"`
	ClientOrderID   string     `json:"clientOrderId"`
	ExchangeOrderID string     `json:"exchangeOrderId,omitempty"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	OrderType       string     `json:"orderType"`
	Qty             string     `json:"qty"`
	LimitPrice      *string    `json:"limitPrice,omitempty"`
	StopPrice       *string    `json:"stopPrice,omitempty"`
	TimeInForce     string     `json:"timeInForce,omitempty"`
	Status          string     `json:"status"`
	FilledQty       string     `json:"filledQty"`
	FilledAvgPrice  *string    `json:"filledAvgPrice,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	SubmittedAt     *time.Time `json:"submittedAt,omitempty"`
	FilledAt        *time.Time `json:"filledAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	ErrorCode       string     `json:"errorCode,omitempty"`
	RejectReason    string     `json:"rejectReason,omitempty"`
}

// FillPayload is one execution slice of an order.
type FillPayload struct {
	OrderID       string    `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId,omitempty"`
	Symbol        string    `json:"symbol,omitempty"`
	Side          string    `json:"side,omitempty"`
	Qty           string    `json:"qty"`
	Price         string    `json:"price"`
	Commission    string    `json:"commission"`
	Slippage      string    `json:"slippage,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
