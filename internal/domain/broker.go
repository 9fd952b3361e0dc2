package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BracketRequest is the input to BrokerAdapter.SubmitBracket (§4.5): an
// entry with an attached protective stop and take-profit, submitted as a
// single unit.
type BracketRequest struct {
	Symbol        string
	Quantity      int64
	LimitPrice    decimal.Decimal // zero means market
	StopPrice     decimal.Decimal
	TakeProfit    decimal.Decimal
	ClientOrderID string // deterministic, derived from intent_id+purpose
}

// StopRequest is the input to BrokerAdapter.SubmitStop.
type StopRequest struct {
	Symbol        string
	Quantity      int64
	StopPrice     decimal.Decimal
	ClientOrderID string
}

// BrokerOrder is the broker's view of a submitted order, returned by
// SubmitBracket/SubmitStop/ListOpenOrders.
type BrokerOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Quantity      int64
	FilledQty     int64
	FilledAvgPrice decimal.Decimal
	Status        OrderStatus
	SubmittedAt   time.Time
}

// BrokerPosition is the broker's view of an open position.
type BrokerPosition struct {
	Symbol   string
	Quantity int64
	AvgEntry decimal.Decimal
}

// MarketClock is the broker's open/closed signal as reported by the
// adapters' MarketClock methods. The cycle does not consult it: C1
// classifies the session phase from the calendar alone.
type MarketClock struct {
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// Bar is a closed OHLCV bar, used by C4/C8 for BOH confirmation.
type Bar struct {
	Symbol string
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
	TSUTC  time.Time
}

// Trade is a single last-trade tick, used for sizing fallback and stop
// submission reference price.
type Trade struct {
	Symbol string
	Price  decimal.Decimal
	TSUTC  time.Time
}
