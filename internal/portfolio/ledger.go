// Package portfolio is the accounting system of record of a simulation run:
// cash, aggregate positions, named sub-portfolios and commission paid.
//
// All mutations go through Trade and OnFill and hold the ledger lock for the
// whole call, so an unwind-then-initiate rebalance is atomic with respect to
// readers.
package portfolio

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/backsim/internal/commission"
	"github.com/alejandrodnm/backsim/internal/domain"
	"github.com/alejandrodnm/backsim/internal/execution"
	"github.com/alejandrodnm/backsim/internal/market"
	"github.com/alejandrodnm/backsim/internal/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultMarkField = "price"
	defaultTolerance = 1.0
)

// Config holds ledger settings.
type Config struct {
	InitCash float64
	// TradeOn selects the snapshot fields transactions are priced on.
	TradeOn string
	// MarkField is the snapshot field used for sizing and mark-to-market.
	MarkField string
	// Tolerance below which a rebalance is logged as a near no-op.
	Tolerance float64
}

// Ledger owns the accounting state of one run.
type Ledger struct {
	mu sync.Mutex

	tradeOn   execution.TradeOn
	markField string
	tolerance float64

	initCash    float64
	cash        float64
	marketValue float64

	positions map[string]Position
	posOrder  []string
	subs      map[string]*SubPortfolio
	subOrder  []string
	comms     map[string]float64
	assets    map[string]domain.Asset
	txns      []domain.Transaction
	perf      []domain.PerfRecord
}

// New creates a ledger holding InitCash in cash.
func New(cfg Config) *Ledger {
	if cfg.MarkField == "" {
		cfg.MarkField = defaultMarkField
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaultTolerance
	}
	return &Ledger{
		tradeOn:   execution.ParseTradeOn(cfg.TradeOn),
		markField: cfg.MarkField,
		tolerance: cfg.Tolerance,
		initCash:  cfg.InitCash,
		cash:      cfg.InitCash,
		positions: make(map[string]Position),
		subs:      make(map[string]*SubPortfolio),
		comms:     make(map[string]float64),
		assets:    make(map[string]domain.Asset),
	}
}

// TradeReport describes what one Trade call executed.
type TradeReport struct {
	Portfolio string
	Target    float64
	NetChange float64
	Scale     float64
	Unwinds   []domain.Transaction
	Initiates []domain.Transaction
}

// Transactions returns unwinds followed by initiates, in execution order.
func (r TradeReport) Transactions() []domain.Transaction {
	out := make([]domain.Transaction, 0, len(r.Unwinds)+len(r.Initiates))
	out = append(out, r.Unwinds...)
	return append(out, r.Initiates...)
}

type leg struct {
	asset   domain.Asset
	lot     float64
	mark    float64
	current int64
	desired int64
}

// Trade rebalances sub-portfolio name towards a signed target notional split
// across assets by weights.
//
// Positions whose desired change opposes the current holding are unwound
// first, by at most the held size. The remaining trades are then scaled down
// proportionally when they exceed available cash, and executed. If a needed
// price is missing the call returns ErrPriceUnavailable before mutating
// anything.
func (l *Ledger) Trade(name string, target float64, snap *market.Snapshot, assets []domain.Asset, weights map[string]float64) (TradeReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	report := TradeReport{Portfolio: name, Target: target, Scale: 1}
	ts, _ := snap.AsOf()
	sub := l.subs[name]

	var exposure float64
	if sub != nil {
		exposure = sub.Exposure()
	}
	report.NetChange = math.Abs(exposure - target)
	if report.NetChange < l.tolerance && target != 0 {
		slog.Info("portfolio: near no-op rebalance",
			"portfolio", name,
			"exposure", fmt.Sprintf("%.2f", exposure),
			"target", fmt.Sprintf("%.2f", target),
		)
	}

	legs, err := l.plan(name, sub, target, snap, assets, weights)
	if err != nil {
		metrics.AbortedTrades.Inc()
		slog.Warn("portfolio: rebalance aborted", "portfolio", name, "err", err)
		return report, err
	}

	for _, a := range assets {
		l.assets[a.Ticker] = a
	}

	// Unwind only the overlapping magnitude so nothing flips in this pass.
	for i := range legs {
		lg := &legs[i]
		if lg.current == 0 || lg.desired == 0 || sign(lg.desired) == sign(lg.current) {
			continue
		}
		qty := -sign(lg.current) * min(abs(lg.desired), abs(lg.current))
		report.Unwinds = append(report.Unwinds, l.execute(name, lg, qty, snap, ts))
		lg.desired -= qty
	}

	var longSum, shortSum float64
	for _, lg := range legs {
		n := float64(lg.desired) * lg.mark * lg.lot
		if n > 0 {
			longSum += n
		} else {
			shortSum += n
		}
	}
	scale := math.Max(longSum, math.Abs(shortSum)) / math.Abs(l.cash)
	if scale > 1 {
		report.Scale = scale
		slog.Info("portfolio: scaling trades to cash",
			"portfolio", name,
			"scale", fmt.Sprintf("%.4f", scale),
			"cash", fmt.Sprintf("%.2f", l.cash),
		)
		for i := range legs {
			legs[i].desired = int64(math.RoundToEven(float64(legs[i].desired) / scale))
		}
	}

	for i := range legs {
		if legs[i].desired == 0 {
			continue
		}
		report.Initiates = append(report.Initiates, l.execute(name, &legs[i], legs[i].desired, snap, ts))
	}

	return report, nil
}

// plan computes the desired trade per asset without touching state.
func (l *Ledger) plan(name string, sub *SubPortfolio, target float64, snap *market.Snapshot, assets []domain.Asset, weights map[string]float64) ([]leg, error) {
	held := func(ticker string) int64 {
		if sub == nil {
			return 0
		}
		p, _ := sub.Position(ticker)
		return p.Quantity
	}

	var legs []leg
	if target == 0 {
		if sub == nil {
			return nil, nil
		}
		for _, p := range sub.Positions() {
			asset, ok := l.assets[p.Ticker]
			if !ok {
				asset = domain.Asset{Ticker: p.Ticker, LotSize: p.LotSize, MarginReq: p.MarginReq}
			}
			for _, a := range assets {
				if a.Ticker == p.Ticker {
					asset = a
				}
			}
			legs = append(legs, leg{asset: asset, lot: p.LotSize, mark: p.Price, current: p.Quantity, desired: -p.Quantity})
		}
	} else {
		w := domain.ProperWeights(assets, weights)
		for _, a := range assets {
			lot := a.EffectiveLotSize()
			if lot < 0 {
				slog.Warn("portfolio: negative lot size, asset skipped", "portfolio", name, "ticker", a.Ticker, "lot", lot)
				continue
			}
			weight := w[a.Ticker]
			cur := held(a.Ticker)
			if weight == 0 && cur == 0 {
				continue
			}

			mark, ok := snap.Price(a.Ticker, l.markField).Get()
			if !ok || mark <= 0 {
				if weight != 0 {
					return nil, fmt.Errorf("portfolio.Trade: %s: %s %s: %w", name, a.Ticker, l.markField, domain.ErrPriceUnavailable)
				}
				slog.Warn("portfolio: no price for zero-weight holding, left as is", "portfolio", name, "ticker", a.Ticker)
				continue
			}

			curNotional := float64(cur) * mark * lot
			desired := int64(math.RoundToEven((target*weight - curNotional) / (lot * mark)))
			legs = append(legs, leg{asset: a, lot: lot, mark: mark, current: cur, desired: desired})
		}
	}

	// Every trade that may execute needs its side price.
	for i, lg := range legs {
		if lg.desired == 0 {
			continue
		}
		field := l.tradeOn.Field(lg.desired)
		if !snap.Price(lg.asset.Ticker, field).Available() {
			return nil, fmt.Errorf("portfolio.Trade: %s: %s %s: %w", name, lg.asset.Ticker, field, domain.ErrPriceUnavailable)
		}
		if lg.current != 0 && sign(lg.desired) != sign(lg.current) {
			// the unwind trades on the opposite side of the remainder
			if f := l.tradeOn.Field(-lg.current); !snap.Price(lg.asset.Ticker, f).Available() {
				return nil, fmt.Errorf("portfolio.Trade: %s: %s %s: %w", name, lg.asset.Ticker, f, domain.ErrPriceUnavailable)
			}
		}
		if target == 0 {
			if mark, ok := snap.Price(lg.asset.Ticker, l.markField).Get(); ok {
				legs[i].mark = mark
			}
		}
	}
	return legs, nil
}

// execute books qty of lg's asset priced on the side field.
func (l *Ledger) execute(name string, lg *leg, qty int64, snap *market.Snapshot, ts time.Time) domain.Transaction {
	price, _ := snap.Price(lg.asset.Ticker, l.tradeOn.Field(qty)).Get()
	txn := l.transaction(name, lg.asset, lg.lot, qty, price, ts)
	l.book(name, lg.asset, txn, lg.mark)
	return txn
}

func (l *Ledger) transaction(name string, asset domain.Asset, lot float64, qty int64, price float64, ts time.Time) domain.Transaction {
	cost := asset.Schedule().Calculate(float64(qty)*lot, price)
	return domain.Transaction{
		ID:            uuid.New().String(),
		Portfolio:     name,
		Ticker:        asset.Ticker,
		Timestamp:     ts,
		Price:         price,
		LotSize:       lot,
		Quantity:      qty,
		Notional:      roundTo(price*lot*float64(qty), 2),
		Commission:    cost.Total,
		CommissionBps: cost.Bps,
	}
}

// book applies a transaction to cash, commission and both position maps.
func (l *Ledger) book(name string, asset domain.Asset, txn domain.Transaction, mark float64) {
	l.cash += txn.CashDelta()
	l.comms[txn.Ticker] += txn.Commission
	l.txns = append(l.txns, txn)

	sub, ok := l.subs[name]
	if !ok {
		sub = newSubPortfolio(name)
		l.subs[name] = sub
		l.subOrder = append(l.subOrder, name)
	}

	p := Position{Ticker: txn.Ticker, Price: mark, LotSize: txn.LotSize, MarginReq: asset.MarginReq}
	sub.apply(p, txn.Quantity)
	l.positions, l.posOrder = applyPosition(l.positions, l.posOrder, p, txn.Quantity)

	side := "buy"
	if txn.Quantity < 0 {
		side = "sell"
	}
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.CommissionPaid.Add(txn.Commission)

	slog.Info("portfolio: transaction",
		"portfolio", name,
		"ticker", txn.Ticker,
		"qty", txn.Quantity,
		"cost", fmt.Sprintf("%.2f", txn.Price),
		"lot", txn.LotSize,
		"notional", fmt.Sprintf("%.1f", txn.Notional),
		"comms", txn.Commission,
		"in_bps", txn.CommissionBps,
	)
}

// OnFill books an asynchronous fill into the sub-portfolio named by the
// fill's strategy.
func (l *Ledger) OnFill(fill domain.Fill) (domain.Transaction, error) {
	if fill.Quantity == 0 {
		return domain.Transaction{}, fmt.Errorf("portfolio.OnFill: %s: zero quantity: %w", fill.Asset.Ticker, domain.ErrValidation)
	}
	if math.IsNaN(fill.FillCost) || math.IsInf(fill.FillCost, 0) {
		return domain.Transaction{}, fmt.Errorf("portfolio.OnFill: %s: fill cost: %w", fill.Asset.Ticker, domain.ErrPriceUnavailable)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lot := fill.Asset.EffectiveLotSize()
	if lot < 0 {
		slog.Warn("portfolio: negative lot size, fill ignored", "ticker", fill.Asset.Ticker, "lot", lot)
		return domain.Transaction{}, fmt.Errorf("portfolio.OnFill: %s: negative lot size: %w", fill.Asset.Ticker, domain.ErrValidation)
	}
	l.assets[fill.Asset.Ticker] = fill.Asset

	txn := l.transaction(fill.Strategy, fill.Asset, lot, fill.Quantity, fill.FillCost, fill.Timestamp)
	l.book(fill.Strategy, fill.Asset, txn, fill.FillCost)
	return txn, nil
}

// MarkToMarket drops flat sub-portfolios and empty positions, reprices
// holdings from the snapshot and returns total market value. Unavailable
// prices keep the last known price.
func (l *Ledger) MarkToMarket(snap *market.Snapshot) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.markToMarket(snap)
}

func (l *Ledger) markToMarket(snap *market.Snapshot) float64 {
	kept := l.subOrder[:0]
	for _, name := range l.subOrder {
		if l.subs[name].IsFlat() {
			delete(l.subs, name)
			continue
		}
		kept = append(kept, name)
	}
	l.subOrder = kept

	var mv float64
	order := l.posOrder[:0]
	for _, t := range l.posOrder {
		p := l.positions[t]
		if p.Quantity == 0 {
			delete(l.positions, t)
			continue
		}
		order = append(order, t)
		if price, ok := snap.Price(t, l.markField).Get(); ok {
			p.Price = price
			l.positions[t] = p
			for _, sub := range l.subs {
				sub.setPrice(t, price)
			}
		}
		mv += p.MarketValue()
	}
	l.posOrder = order
	l.marketValue = mv
	return mv
}

// NAV marks the book and returns (cash + market value) as a percentage of
// initial cash, rounded to 4 decimals.
func (l *Ledger) NAV(snap *market.Snapshot) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nav(l.markToMarket(snap))
}

func (l *Ledger) nav(mv float64) float64 {
	if l.initCash == 0 {
		return 0
	}
	return roundTo((l.cash+mv)/l.initCash*100, 4)
}

// Margin is the sum of sub-portfolio margins.
func (l *Ledger) Margin() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.margin()
}

func (l *Ledger) margin() float64 {
	var total float64
	for _, name := range l.subOrder {
		total += l.subs[name].Margin()
	}
	return total
}

// Record marks the book at ts and appends a performance row.
func (l *Ledger) Record(ts time.Time, snap *market.Snapshot) domain.PerfRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	mv := l.markToMarket(snap)
	rec := domain.PerfRecord{
		Timestamp:   ts,
		Cash:        l.cash,
		MarketValue: mv,
		NAV:         l.nav(mv),
		Margin:      l.margin(),
		Commission:  l.totalCommission(),
	}
	l.perf = append(l.perf, rec)
	return rec
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash
}

// InitCash returns the starting cash.
func (l *Ledger) InitCash() float64 { return l.initCash }

// MarketValue returns the value computed by the last mark-to-market.
func (l *Ledger) MarketValue() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.marketValue
}

// Positions returns the aggregate positions in the order they were opened.
func (l *Ledger) Positions() []domain.PositionView {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.PositionView, 0, len(l.posOrder))
	for _, t := range l.posOrder {
		out = append(out, l.positions[t].view())
	}
	return out
}

// Position returns the aggregate quantity held for ticker.
func (l *Ledger) Position(ticker string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positions[ticker].Quantity
}

// SubPortfolios returns a summary of every live sub-portfolio.
func (l *Ledger) SubPortfolios() []domain.SubPortfolioView {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.SubPortfolioView, 0, len(l.subOrder))
	for _, name := range l.subOrder {
		out = append(out, l.subs[name].View())
	}
	return out
}

// SubPortfolio returns the summary of one sub-portfolio.
func (l *Ledger) SubPortfolio(name string) (domain.SubPortfolioView, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub, ok := l.subs[name]
	if !ok {
		return domain.SubPortfolioView{}, false
	}
	return sub.View(), true
}

// Transactions returns every booked transaction.
func (l *Ledger) Transactions() []domain.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Transaction(nil), l.txns...)
}

// Commissions returns commission paid per ticker.
func (l *Ledger) Commissions() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.comms))
	for k, v := range l.comms {
		out[k] = v
	}
	return out
}

// TotalCommission returns commission paid across all tickers.
func (l *Ledger) TotalCommission() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalCommission()
}

func (l *Ledger) totalCommission() float64 {
	tickers := make([]string, 0, len(l.comms))
	for t := range l.comms {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	total := decimal.Zero
	for _, t := range tickers {
		total = total.Add(decimal.NewFromFloat(l.comms[t]))
	}
	return total.InexactFloat64()
}

// Perf returns the recorded performance rows.
func (l *Ledger) Perf() []domain.PerfRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.PerfRecord(nil), l.perf...)
}

func roundTo(x float64, places int) float64 {
	return commission.Round(x, places)
}

func sign(x int64) int64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
