package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/backsim/internal/commission"
	"github.com/google/uuid"
)

// EventType identifies the kind of event flowing through a run.
type EventType string

const (
	EventMarket EventType = "MARKET"
	EventSignal EventType = "SIGNAL"
	EventOrder  EventType = "ORDER"
	EventFill   EventType = "FILL"
)

// Event is anything that can be queued in a simulation run.
type Event interface {
	Type() EventType
	When() time.Time
}

// MarketEvent carries the latest observed fields for one ticker.
type MarketEvent struct {
	Timestamp time.Time
	Ticker    string
	Fields    map[string]float64
}

func (e MarketEvent) Type() EventType { return EventMarket }
func (e MarketEvent) When() time.Time { return e.Timestamp }

// OrderType is market or limit.
type OrderType string

const (
	OrderMarket OrderType = "MKT"
	OrderLimit  OrderType = "LMT"
)

// ParseOrderType maps "LMT" (any case) to a limit order, anything else to market.
func ParseOrderType(s string) OrderType {
	if strings.EqualFold(strings.TrimSpace(s), string(OrderLimit)) {
		return OrderLimit
	}
	return OrderMarket
}

// Execution holds the fields shared by orders and fills.
type Execution struct {
	ID        string
	Strategy  string
	Asset     Asset
	Timestamp time.Time
	Quantity  int64
	Info      map[string]string
}

// Side is +1 for buys and -1 for sells.
func (e Execution) Side() int {
	if e.Quantity > 0 {
		return 1
	}
	return -1
}

func newExecution(strategy string, asset Asset, ts time.Time, quantity int64, info map[string]string) (Execution, error) {
	if quantity == 0 {
		return Execution{}, fmt.Errorf("invalid quantity of 0 for %s / %s / %s: %w",
			strategy, asset.Ticker, ts.Format(time.RFC3339), ErrValidation)
	}
	return Execution{
		ID:        uuid.New().String(),
		Strategy:  strategy,
		Asset:     asset,
		Timestamp: ts,
		Quantity:  quantity,
		Info:      info,
	}, nil
}

// Order is an instruction to trade waiting for the fill simulator.
type Order struct {
	Execution
	OrderType OrderType
	Limit     float64
}

func (o Order) Type() EventType { return EventOrder }
func (o Order) When() time.Time { return o.Timestamp }

// NewMarketOrder builds a market order. Zero quantity is rejected.
func NewMarketOrder(strategy string, asset Asset, ts time.Time, quantity int64, info map[string]string) (Order, error) {
	ex, err := newExecution(strategy, asset, ts, quantity, info)
	if err != nil {
		return Order{}, fmt.Errorf("domain.NewMarketOrder: %w", err)
	}
	return Order{Execution: ex, OrderType: OrderMarket}, nil
}

// NewLimitOrder builds a limit order. Zero quantity is rejected.
func NewLimitOrder(strategy string, asset Asset, ts time.Time, quantity int64, limit float64, info map[string]string) (Order, error) {
	ex, err := newExecution(strategy, asset, ts, quantity, info)
	if err != nil {
		return Order{}, fmt.Errorf("domain.NewLimitOrder: %w", err)
	}
	return Order{Execution: ex, OrderType: OrderLimit, Limit: limit}, nil
}

// Fill is an executed order.
type Fill struct {
	Execution
	OrderID  string
	FillCost float64
}

func (f Fill) Type() EventType { return EventFill }
func (f Fill) When() time.Time { return f.Timestamp }

// NewFill builds a fill; the fill cost is kept to 6 decimals.
func NewFill(strategy string, asset Asset, ts time.Time, quantity int64, fillCost float64, info map[string]string) (Fill, error) {
	ex, err := newExecution(strategy, asset, ts, quantity, info)
	if err != nil {
		return Fill{}, fmt.Errorf("domain.NewFill: %w", err)
	}
	return Fill{Execution: ex, FillCost: commission.Round(fillCost, 6)}, nil
}
