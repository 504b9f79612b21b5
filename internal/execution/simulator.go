// Package execution simulates order fills against a market snapshot.
//
// Each evaluation is stateless: an order is either filled in full at the
// reference price or left unfilled. There are no partial fills, no resting
// orders and no book depth.
package execution

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/alejandrodnm/backsim/internal/domain"
	"github.com/alejandrodnm/backsim/internal/market"
	"github.com/alejandrodnm/backsim/internal/metrics"
	"github.com/alejandrodnm/backsim/internal/ports"
)

// TradeOn names the snapshot fields used as reference price per side.
type TradeOn struct {
	Name string
	Buy  string
	Sell string
}

// ParseTradeOn reads "price", "bid_ask" or "bid_ask_N". A value mentioning
// both bid and ask trades buys on the ask and sells on the bid, at level N
// when the value ends with a digit; any other value is a single field for
// both sides.
func ParseTradeOn(value string) TradeOn {
	value = strings.TrimSpace(value)
	if value == "" {
		value = "price"
	}
	if strings.Contains(value, "bid") && strings.Contains(value, "ask") {
		last := rune(value[len(value)-1])
		if unicode.IsDigit(last) {
			return TradeOn{Name: value, Buy: "ask_" + string(last), Sell: "bid_" + string(last)}
		}
		return TradeOn{Name: value, Buy: "ask", Sell: "bid"}
	}
	return TradeOn{Name: value, Buy: value, Sell: value}
}

// Field returns the reference field for a signed quantity.
func (t TradeOn) Field(quantity int64) string {
	if quantity > 0 {
		return t.Buy
	}
	return t.Sell
}

// Status is the terminal state of an evaluated order.
type Status int

const (
	Unfilled Status = iota
	Filled
)

func (s Status) String() string {
	if s == Filled {
		return "FILLED"
	}
	return "UNFILLED"
}

// Reason explains why an order was left unfilled.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonZeroQuantity  Reason = "zero_quantity"
	ReasonUnavailable   Reason = "field_unavailable"
	ReasonLookAhead     Reason = "look_ahead"
	ReasonBadLimit      Reason = "non_finite_limit"
	ReasonNotMarketable Reason = "limit_not_marketable"
)

// Request is an order to evaluate.
type Request struct {
	Timestamp time.Time
	Ticker    string
	Quantity  int64
	OrderType domain.OrderType
	Limit     float64
}

// Result is the outcome of one evaluation.
type Result struct {
	Status Status
	Price  float64
	Field  string
	Reason Reason
}

// Filled reports whether the order was filled.
func (r Result) Filled() bool { return r.Status == Filled }

// Config controls fill behaviour.
type Config struct {
	// InstantExecution fills signals immediately and rejects orders stamped
	// after the snapshot time.
	InstantExecution bool
	TradeOn          string
}

// Simulator evaluates orders against its market snapshot.
type Simulator struct {
	snap    *market.Snapshot
	sink    ports.EventSink
	instant bool
	tradeOn TradeOn
}

// New creates a simulator reading snap and emitting orders/fills to sink.
// A nil snap starts an empty snapshot.
func New(cfg Config, snap *market.Snapshot, sink ports.EventSink) *Simulator {
	if snap == nil {
		snap = market.NewSnapshot()
	}
	return &Simulator{
		snap:    snap,
		sink:    sink,
		instant: cfg.InstantExecution,
		tradeOn: ParseTradeOn(cfg.TradeOn),
	}
}

// TradeOn returns the configured reference fields.
func (s *Simulator) TradeOn() TradeOn { return s.tradeOn }

// Instant reports whether instant execution is enabled.
func (s *Simulator) Instant() bool { return s.instant }

// Update applies a market event to the snapshot.
func (s *Simulator) Update(ev domain.MarketEvent) {
	s.snap.Apply(ev)
}

// FillPrice evaluates req against the current snapshot. It never fails:
// missing data degrades to an unfilled result.
func (s *Simulator) FillPrice(req Request) Result {
	if req.Quantity == 0 {
		return s.unfilled(req, "", ReasonZeroQuantity)
	}

	field := s.tradeOn.Field(req.Quantity)
	ref, ok := s.snap.Price(req.Ticker, field).Get()
	if !ok {
		return s.unfilled(req, field, ReasonUnavailable)
	}

	if s.instant {
		asOf, _ := s.snap.AsOf()
		if req.Timestamp.After(asOf) {
			return s.unfilled(req, field, ReasonLookAhead)
		}
	}

	if req.OrderType != domain.OrderLimit {
		return Result{Status: Filled, Price: ref, Field: field}
	}

	if math.IsNaN(req.Limit) || math.IsInf(req.Limit, 0) {
		return s.unfilled(req, field, ReasonBadLimit)
	}
	if req.Quantity > 0 && req.Limit >= ref {
		return Result{Status: Filled, Price: ref, Field: field}
	}
	if req.Quantity < 0 && req.Limit <= ref {
		return Result{Status: Filled, Price: ref, Field: field}
	}
	return s.unfilled(req, field, ReasonNotMarketable)
}

func (s *Simulator) unfilled(req Request, field string, reason Reason) Result {
	metrics.NoFillsTotal.WithLabelValues(string(reason)).Inc()
	slog.Warn("execution: no fill",
		"ticker", req.Ticker,
		"qty", req.Quantity,
		"field", field,
		"type", req.OrderType,
		"reason", reason,
	)
	return Result{Status: Unfilled, Field: field, Reason: reason}
}

// OnSignal turns a signal into orders, or into fills when instant
// execution is on. It returns how many events were emitted.
func (s *Simulator) OnSignal(sig domain.Signal) (int, error) {
	quantities, err := sig.OrderQuantities()
	if err != nil {
		return 0, fmt.Errorf("execution.OnSignal: %w", err)
	}

	emitted := 0
	for n, tq := range quantities {
		info := map[string]string{"signal": sig.ID, "idx": fmt.Sprint(n)}

		if s.instant {
			res := s.FillPrice(Request{
				Timestamp: sig.Timestamp,
				Ticker:    tq.Asset.Ticker,
				Quantity:  tq.Quantity,
				OrderType: domain.OrderMarket,
			})
			if !res.Filled() {
				continue
			}
			fill, err := domain.NewFill(sig.Strategy, tq.Asset, sig.Timestamp, tq.Quantity, res.Price, info)
			if err != nil {
				return emitted, fmt.Errorf("execution.OnSignal: %w", err)
			}
			s.sink.Put(fill)
			emitted++
			continue
		}

		var order domain.Order
		if sig.OrderType == domain.OrderLimit {
			order, err = domain.NewLimitOrder(sig.Strategy, tq.Asset, sig.Timestamp, tq.Quantity, tq.Asset.Price, info)
		} else {
			order, err = domain.NewMarketOrder(sig.Strategy, tq.Asset, sig.Timestamp, tq.Quantity, info)
		}
		if err != nil {
			return emitted, fmt.Errorf("execution.OnSignal: %w", err)
		}
		s.sink.Put(order)
		emitted++
	}
	return emitted, nil
}

// OnOrder evaluates an order and emits a fill stamped with the snapshot
// time when it executes.
func (s *Simulator) OnOrder(order domain.Order) (Result, error) {
	res := s.FillPrice(Request{
		Timestamp: order.Timestamp,
		Ticker:    order.Asset.Ticker,
		Quantity:  order.Quantity,
		OrderType: order.OrderType,
		Limit:     order.Limit,
	})
	if !res.Filled() {
		return res, nil
	}

	asOf, _ := s.snap.AsOf()
	fill, err := domain.NewFill(order.Strategy, order.Asset, asOf, order.Quantity, res.Price, order.Info)
	if err != nil {
		return res, fmt.Errorf("execution.OnOrder: %w", err)
	}
	fill.OrderID = order.ID
	s.sink.Put(fill)
	return res, nil
}
