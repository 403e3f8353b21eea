package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order intent or fill
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// RangeBounds is the operator-owned outer price range
type RangeBounds struct {
	Low  decimal.Decimal `json:"low"`
	High decimal.Decimal `json:"high"`
}

// Contains reports whether price lies strictly inside the range
func (r RangeBounds) Contains(price decimal.Decimal) bool {
	return price.GreaterThan(r.Low) && price.LessThan(r.High)
}

// Touches reports whether price is at or beyond either bound
func (r RangeBounds) Touches(price decimal.Decimal) bool {
	return price.LessThanOrEqual(r.Low) || price.GreaterThanOrEqual(r.High)
}

// Width returns High - Low
func (r RangeBounds) Width() decimal.Decimal {
	return r.High.Sub(r.Low)
}

// Mid returns the center of the range
func (r RangeBounds) Mid() decimal.Decimal {
	return r.Low.Add(r.High).Div(decimal.NewFromInt(2))
}

// IsZero reports whether the range was never set
func (r RangeBounds) IsZero() bool {
	return r.Low.IsZero() && r.High.IsZero()
}

func (r RangeBounds) String() string {
	return fmt.Sprintf("[%s, %s]", r.Low.String(), r.High.String())
}

// Bar is a closed OHLCV candle
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Fill is an execution confirmation from the venue or the simulator
type Fill struct {
	Time    time.Time       `json:"time"`
	OrderID string          `json:"order_id"`
	Tag     string          `json:"tag"`
	Side    Side            `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
	Fee     decimal.Decimal `json:"fee"`
	Partial bool            `json:"partial"`
}

// AccountSnapshot is a point-in-time account read
type AccountSnapshot struct {
	Time             time.Time        `json:"time"`
	Equity           decimal.Decimal  `json:"equity"`
	MarginUsed       decimal.Decimal  `json:"margin_used"`
	PositionQty      decimal.Decimal  `json:"position_qty"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
}

// EventType enumerates the inputs the event loop consumes
type EventType int

const (
	EventBar EventType = iota
	EventFill
	EventAccount
	EventExchangeFault
	EventDataGap
)

func (t EventType) String() string {
	switch t {
	case EventBar:
		return "BAR"
	case EventFill:
		return "FILL"
	case EventAccount:
		return "ACCOUNT"
	case EventExchangeFault:
		return "EXCHANGE_FAULT"
	case EventDataGap:
		return "DATA_GAP"
	default:
		return "UNKNOWN"
	}
}

// Fault describes an execution-channel or data-feed failure
type Fault struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Event is a timestamped input to the event loop. Exactly one payload is set.
type Event struct {
	Type    EventType
	Time    time.Time
	Bar     *Bar
	Fill    *Fill
	Account *AccountSnapshot
	Fault   *Fault
}

// BarEvent wraps a bar
func BarEvent(b Bar) Event {
	return Event{Type: EventBar, Time: b.Time, Bar: &b}
}

// FillEvent wraps a fill
func FillEvent(f Fill) Event {
	return Event{Type: EventFill, Time: f.Time, Fill: &f}
}

// AccountEvent wraps an account snapshot
func AccountEvent(a AccountSnapshot) Event {
	return Event{Type: EventAccount, Time: a.Time, Account: &a}
}

// FaultEvent builds an exchange-fault or data-gap event
func FaultEvent(t EventType, at time.Time, source, reason string) Event {
	return Event{Type: t, Time: at, Fault: &Fault{Source: source, Reason: reason}}
}

// OrderIntent is one desired resting order
type OrderIntent struct {
	Price      decimal.Decimal `json:"price"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	ReduceOnly bool            `json:"reduce_only"`
	Tag        string          `json:"tag"`
}

// Key identifies an intent for diffing against the resting set
func (o OrderIntent) Key() string {
	return fmt.Sprintf("%s|%s|%s|%t", o.Side, o.Price.String(), o.Size.String(), o.ReduceOnly)
}

// IsRiskIncreasing reports whether the intent can grow exposure
func (o OrderIntent) IsRiskIncreasing() bool {
	return o.Side == SideBuy && !o.ReduceOnly
}

// OrderDelta is the change set sent to the execution collaborator
type OrderDelta struct {
	Place  []OrderIntent `json:"place"`
	Cancel []OrderIntent `json:"cancel"`
}

// Empty reports whether the delta carries no work
func (d OrderDelta) Empty() bool {
	return len(d.Place) == 0 && len(d.Cancel) == 0
}
