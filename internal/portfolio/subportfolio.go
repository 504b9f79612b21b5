package portfolio

import (
	"log/slog"
	"math"

	"github.com/alejandrodnm/backsim/internal/domain"
)

// Position is a held quantity of one ticker. Positions are stored by value in
// both the aggregate and the sub-portfolio maps and updated together.
type Position struct {
	Ticker    string
	Quantity  int64
	Price     float64
	LotSize   float64
	MarginReq float64
}

// MarketValue is price × quantity × lot size, signed by quantity.
func (p Position) MarketValue() float64 {
	return p.Price * float64(p.Quantity) * p.LotSize
}

func (p Position) view() domain.PositionView {
	return domain.PositionView{
		Ticker:      p.Ticker,
		Quantity:    p.Quantity,
		Price:       p.Price,
		LotSize:     p.LotSize,
		MarginReq:   p.MarginReq,
		MarketValue: p.MarketValue(),
	}
}

// LongShort splits a quantity into its long and short parts.
type LongShort struct {
	Long  float64
	Short float64
}

// SubPortfolio holds one named group of positions, such as a pair trade.
type SubPortfolio struct {
	name      string
	order     []string
	positions map[string]Position
}

func newSubPortfolio(name string) *SubPortfolio {
	return &SubPortfolio{name: name, positions: make(map[string]Position)}
}

// Name returns the sub-portfolio name.
func (sp *SubPortfolio) Name() string { return sp.name }

// Position returns the held position for ticker.
func (sp *SubPortfolio) Position(ticker string) (Position, bool) {
	p, ok := sp.positions[ticker]
	return p, ok
}

// Positions returns held positions in the order they were opened.
func (sp *SubPortfolio) Positions() []Position {
	out := make([]Position, 0, len(sp.order))
	for _, t := range sp.order {
		out = append(out, sp.positions[t])
	}
	return out
}

// MarketValue is the one-sided long and short market value.
func (sp *SubPortfolio) MarketValue() LongShort {
	var ls LongShort
	for _, p := range sp.positions {
		switch {
		case p.Quantity > 0:
			ls.Long += p.MarketValue()
		case p.Quantity < 0:
			ls.Short += p.MarketValue()
		}
	}
	return ls
}

// Quantity is the summed long and short quantity.
func (sp *SubPortfolio) Quantity() LongShort {
	var ls LongShort
	for _, p := range sp.positions {
		switch {
		case p.Quantity > 0:
			ls.Long += float64(p.Quantity)
		case p.Quantity < 0:
			ls.Short += float64(p.Quantity)
		}
	}
	return ls
}

// Exposure is max(long, |short|).
func (sp *SubPortfolio) Exposure() float64 {
	mv := sp.MarketValue()
	return math.Max(mv.Long, math.Abs(mv.Short))
}

// Delta is long + short market value.
func (sp *SubPortfolio) Delta() float64 {
	mv := sp.MarketValue()
	return mv.Long + mv.Short
}

// Side is the sign of the first opened position, not of the net delta.
func (sp *SubPortfolio) Side() int {
	if len(sp.order) == 0 {
		return 0
	}
	q := sp.positions[sp.order[0]].Quantity
	switch {
	case q > 0:
		return 1
	case q < 0:
		return -1
	default:
		return 0
	}
}

// Margin is charged as max(long margin, |short margin|). A held position
// with a zero margin requirement is reported and left out of the sum.
func (sp *SubPortfolio) Margin() float64 {
	var long, short float64
	for _, t := range sp.order {
		p := sp.positions[t]
		if p.Quantity == 0 {
			continue
		}
		if p.MarginReq == 0 {
			slog.Warn("portfolio: zero margin requirement", "portfolio", sp.name, "ticker", p.Ticker, "qty", p.Quantity)
			continue
		}
		if p.Quantity > 0 {
			long += p.MarketValue() * p.MarginReq
		} else {
			short += p.MarketValue() * p.MarginReq
		}
	}
	return math.Max(long, math.Abs(short))
}

// IsFlat reports whether the sub-portfolio holds nothing.
func (sp *SubPortfolio) IsFlat() bool {
	q := sp.Quantity()
	return q.Long == 0 && q.Short == 0
}

// View returns a read-only summary.
func (sp *SubPortfolio) View() domain.SubPortfolioView {
	mv := sp.MarketValue()
	positions := make([]domain.PositionView, 0, len(sp.order))
	for _, p := range sp.Positions() {
		positions = append(positions, p.view())
	}
	return domain.SubPortfolioView{
		Name:      sp.name,
		Positions: positions,
		Long:      mv.Long,
		Short:     mv.Short,
		Exposure:  sp.Exposure(),
		Delta:     sp.Delta(),
		Margin:    sp.Margin(),
		Side:      sp.Side(),
		Flat:      sp.IsFlat(),
	}
}

// apply adds qty to the ticker's position, creating it on first touch and
// dropping it when it returns to zero.
func (sp *SubPortfolio) apply(p Position, qty int64) {
	sp.positions, sp.order = applyPosition(sp.positions, sp.order, p, qty)
}

func (sp *SubPortfolio) setPrice(ticker string, price float64) {
	if p, ok := sp.positions[ticker]; ok {
		p.Price = price
		sp.positions[ticker] = p
	}
}

// applyPosition is the single get-or-insert point for position maps.
func applyPosition(m map[string]Position, order []string, p Position, qty int64) (map[string]Position, []string) {
	cur, ok := m[p.Ticker]
	if !ok {
		cur = p
		cur.Quantity = 0
		order = append(order, p.Ticker)
	}
	cur.Quantity += qty
	cur.Price = p.Price
	cur.LotSize = p.LotSize
	cur.MarginReq = p.MarginReq

	if cur.Quantity == 0 {
		delete(m, p.Ticker)
		for i, t := range order {
			if t == p.Ticker {
				order = append(order[:i], order[i+1:]...)
				break
			}
		}
		return m, order
	}
	m[p.Ticker] = cur
	return m, order
}
