// Package orders defines order intents, authoritative order state, fills,
// and their persistence contract.
package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub000/errs"
	"github.com/5TFG4/Weaver-sub000/internal/schema"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is buy or sell.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType selects the execution instruction.
type OrderType string

const (
	TypeMarket    OrderType = "market"
	TypeLimit     OrderType = "limit"
	TypeStop      OrderType = "stop"
	TypeStopLimit OrderType = "stop_limit"
)

// Valid reports whether the order type is recognised.
func (t OrderType) Valid() bool {
	switch t {
	case TypeMarket, TypeLimit, TypeStop, TypeStopLimit:
		return true
	}
	return false
}

// TimeInForce bounds how long the order rests.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// Status is the local authoritative order lifecycle state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSubmitting      Status = "submitting"
	StatusSubmitted       Status = "submitted"
	StatusAccepted        Status = "accepted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
)

// Intent is the caller-facing order request. ClientOrderID is the
// idempotency key: at most one OrderState exists per (run, client order id).
type Intent struct {
	RunID         string
	ClientOrderID string
	Symbol        string
	Side          Side
	OrderType     OrderType
	Qty           decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   TimeInForce
}

// Validate checks shape and ranges of the intent.
func (i Intent) Validate() error {
	const op = "orders/intent"
	if i.ClientOrderID == "" {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("client order id required"))
	}
	if i.Symbol == "" {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("symbol required"))
	}
	if !i.Side.Valid() {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("side must be buy or sell"))
	}
	if !i.OrderType.Valid() {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("unknown order type "+string(i.OrderType)))
	}
	if !i.Qty.IsPositive() {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("qty must be positive"))
	}
	if i.OrderType == TypeLimit && i.LimitPrice == nil {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("limit order requires limit price"))
	}
	if (i.OrderType == TypeStop || i.OrderType == TypeStopLimit) && i.StopPrice == nil {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("stop order requires stop price"))
	}
	return nil
}

// State is the authoritative local view of one order.
type State struct {
	ID              string
	RunID           string
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	OrderType       OrderType
	Qty             decimal.Decimal
	LimitPrice      *decimal.Decimal
	StopPrice       *decimal.Decimal
	TimeInForce     TimeInForce
	Status          Status
	FilledQty       decimal.Decimal
	FilledAvgPrice  *decimal.Decimal
	CreatedAt       time.Time
	SubmittedAt     *time.Time
	FilledAt        *time.Time
	CancelledAt     *time.Time
	ErrorCode       string
	RejectReason    string
}

// ApplyFill folds one fill into the state, reweighting the average price.
func (s *State) ApplyFill(fill Fill) {
	prevQty := s.FilledQty
	s.FilledQty = s.FilledQty.Add(fill.Qty)
	if s.FilledQty.IsPositive() {
		prevNotional := decimal.Zero
		if s.FilledAvgPrice != nil {
			prevNotional = s.FilledAvgPrice.Mul(prevQty)
		}
		avg := prevNotional.Add(fill.Price.Mul(fill.Qty)).Div(s.FilledQty)
		s.FilledAvgPrice = &avg
	}
	ts := fill.Timestamp
	if s.FilledQty.GreaterThanOrEqual(s.Qty) {
		s.Status = StatusFilled
		s.FilledAt = &ts
	} else {
		s.Status = StatusPartiallyFilled
	}
}

// Fill is an immutable record of one execution slice.
type Fill struct {
	ID         string
	OrderID    string
	Qty        decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	Timestamp  time.Time
}

// Store persists order state and fills.
type Store interface {
	Create(ctx context.Context, state State) error
	Update(ctx context.Context, state State) error
	Get(ctx context.Context, id string) (State, error)
	GetByClientOrderID(ctx context.Context, runID, clientOrderID string) (State, error)
	ListByRun(ctx context.Context, runID string) ([]State, error)
	RecordFill(ctx context.Context, fill Fill) error
	ListFills(ctx context.Context, orderID string) ([]Fill, error)
}

// ErrNotFound builds the canonical missing-order error.
func ErrNotFound(key string) error {
	return errs.New("orders/store", errs.CodeNotFound, errs.WithMessage("order "+key))
}

// ToPayload serializes the state with decimals as strings.
func (s State) ToPayload() schema.OrderPayload {
	p := schema.OrderPayload{
		ID:              s.ID,
		RunID:           s.RunID,
		ClientOrderID:   s.ClientOrderID,
		ExchangeOrderID: s.ExchangeOrderID,
		Symbol:          s.Symbol,
		Side:            string(s.Side),
		OrderType:       string(s.OrderType),
		Qty:             s.Qty.String(),
		TimeInForce:     string(s.TimeInForce),
		Status:          string(s.Status),
		FilledQty:       s.FilledQty.String(),
		CreatedAt:       s.CreatedAt,
		SubmittedAt:     s.SubmittedAt,
		FilledAt:        s.FilledAt,
		CancelledAt:     s.CancelledAt,
		ErrorCode:       s.ErrorCode,
		RejectReason:    s.RejectReason,
	}
	if s.LimitPrice != nil {
		v := s.LimitPrice.String()
		p.LimitPrice = &v
	}
	if s.StopPrice != nil {
		v := s.StopPrice.String()
		p.StopPrice = &v
	}
	if s.FilledAvgPrice != nil {
		v := s.FilledAvgPrice.String()
		p.FilledAvgPrice = &v
	}
	return p
}

// IntentFromPayload parses a wire payload into an intent.
func IntentFromPayload(runID string, p schema.PlaceOrderPayload) (Intent, error) {
	qty, err := decimal.NewFromString(p.Qty)
	if err != nil {
		return Intent{}, errs.New("orders/intent", errs.CodeValidation,
			errs.WithMessage("qty "+p.Qty), errs.WithCause(err))
	}
	intent := Intent{
		RunID:         runID,
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          Side(p.Side),
		OrderType:     OrderType(p.OrderType),
		Qty:           qty,
		TimeInForce:   TimeInForce(p.TimeInForce),
	}
	if intent.TimeInForce == "" {
		intent.TimeInForce = TIFGTC
	}
	if p.LimitPrice != nil {
		price, err := decimal.NewFromString(*p.LimitPrice)
		if err != nil {
			return Intent{}, errs.New("orders/intent", errs.CodeValidation,
				errs.WithMessage("limit price "+*p.LimitPrice), errs.WithCause(err))
		}
		intent.LimitPrice = &price
	}
	if p.StopPrice != nil {
		price, err := decimal.NewFromString(*p.StopPrice)
		if err != nil {
			return Intent{}, errs.New("orders/intent", errs.CodeValidation,
				errs.WithMessage("stop price "+*p.StopPrice), errs.WithCause(err))
		}
		intent.StopPrice = &price
	}
	return intent, intent.Validate()
}

// ToPayload serializes the intent with decimals as strings.
func (i Intent) ToPayload() schema.PlaceOrderPayload {
	p := schema.PlaceOrderPayload{
		ClientOrderID: i.ClientOrderID,
		Symbol:        i.Symbol,
		Side:          string(i.Side),
		OrderType:     string(i.OrderType),
		Qty:           i.Qty.String(),
		TimeInForce:   string(i.TimeInForce),
	}
	if i.LimitPrice != nil {
		v := i.LimitPrice.String()
		p.LimitPrice = &v
	}
	if i.StopPrice != nil {
		v := i.StopPrice.String()
		p.StopPrice = &v
	}
	return p
}
