package portfolio_test

import (
	"math"
	"testing"
	"time"

	"github.com/alejandrodnm/backsim/internal/domain"
	"github.com/alejandrodnm/backsim/internal/market"
	"github.com/alejandrodnm/backsim/internal/portfolio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

func snapshot(prices map[string]float64) *market.Snapshot {
	s := market.NewSnapshot()
	for ticker, p := range prices {
		s.Update(ticker, map[string]float64{"price": p}, t0)
	}
	return s
}

func basket() []domain.Asset {
	return []domain.Asset{
		domain.NewEquity("A", 210, 100),
		domain.NewEquity("B", 1220, 100),
		domain.NewEquity("C", 185, 100),
	}
}

func basketSnapshot() *market.Snapshot {
	return snapshot(map[string]float64{"A": 210, "B": 1220, "C": 185})
}

// cashFromTransactions replays every booked transaction from initial cash.
func cashFromTransactions(l *portfolio.Ledger) float64 {
	cash := l.InitCash()
	for _, txn := range l.Transactions() {
		cash -= txn.Notional + txn.Commission
	}
	return cash
}

func TestTrade_ReferenceRebalance(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000, TradeOn: "price"})
	snap := basketSnapshot()

	report, err := l.Trade("basket", 1_000_000, snap, basket(), map[string]float64{"A": 1, "B": 1, "C": -1})
	require.NoError(t, err)
	assert.Empty(t, report.Unwinds)
	require.Len(t, report.Initiates, 3)
	assert.Equal(t, 1.0, report.Scale)

	assert.Equal(t, int64(24), l.Position("A"))
	assert.Equal(t, int64(4), l.Position("B"))
	assert.Equal(t, int64(-27), l.Position("C"))

	assert.InDelta(t, 492_500, l.MarkToMarket(snap), 1e-6)
	assert.InDelta(t, 298.3, l.TotalCommission(), 1e-9)
	assert.InDelta(t, 507_201.7, l.Cash(), 1e-6)

	nav := l.NAV(snap)
	assert.Equal(t, 99.9702, nav)
	assert.Equal(t, 1_000_000.0, math.Round(nav*l.InitCash()/100+l.TotalCommission()))
}

func TestTrade_CashConservation(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000, TradeOn: "price"})
	snap := basketSnapshot()

	_, err := l.Trade("basket", 1_000_000, snap, basket(), map[string]float64{"A": 1, "B": 1, "C": -1})
	require.NoError(t, err)

	snap.Update("A", map[string]float64{"price": 205}, t0.Add(time.Hour))
	snap.Update("C", map[string]float64{"price": 190}, t0.Add(time.Hour))
	_, err = l.Trade("basket", 600_000, snap, basket(), map[string]float64{"A": 2, "B": 1, "C": -3})
	require.NoError(t, err)

	_, err = l.Trade("basket", 0, snap, nil, nil)
	require.NoError(t, err)

	assert.InDelta(t, cashFromTransactions(l), l.Cash(), 1e-6)
	assert.Empty(t, l.Positions())
}

func TestTrade_UnwindBeforeInitiate(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000})
	snap := snapshot(map[string]float64{"X": 100})
	x := []domain.Asset{domain.NewEquity("X", 100, 1)}

	_, err := l.Trade("solo", 1_100, snap, x, nil)
	require.NoError(t, err)
	require.Equal(t, int64(11), l.Position("X"))

	report, err := l.Trade("solo", -500, snap, x, nil)
	require.NoError(t, err)
	require.Len(t, report.Unwinds, 1)
	require.Len(t, report.Initiates, 1)
	assert.Equal(t, int64(-11), report.Unwinds[0].Quantity)
	assert.Equal(t, int64(-5), report.Initiates[0].Quantity)
	assert.Equal(t, int64(-5), l.Position("X"))

	// the running holding never exceeds max(|old|, |new|)
	running, peak := int64(11), int64(11)
	for _, txn := range report.Transactions() {
		running += txn.Quantity
		peak = max(peak, running, -running)
	}
	assert.Equal(t, int64(11), peak)
}

func TestTrade_PartialUnwindDoesNotFlip(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000})
	snap := snapshot(map[string]float64{"X": 100})
	x := []domain.Asset{domain.NewEquity("X", 100, 1)}

	_, err := l.Trade("solo", 2_000, snap, x, nil)
	require.NoError(t, err)

	report, err := l.Trade("solo", 500, snap, x, nil)
	require.NoError(t, err)
	require.Len(t, report.Unwinds, 1)
	assert.Empty(t, report.Initiates)
	assert.Equal(t, int64(-15), report.Unwinds[0].Quantity)
	assert.Equal(t, int64(5), l.Position("X"))
}

func TestTrade_ScalesToCash(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 10_000})
	snap := snapshot(map[string]float64{"X": 100})

	report, err := l.Trade("solo", 50_000, snap, []domain.Asset{domain.NewEquity("X", 100, 1)}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, report.Scale, 1e-12)
	assert.Equal(t, int64(100), l.Position("X"))
}

func TestTrade_AbortsWithoutMutation(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000})
	snap := basketSnapshot()
	_, err := l.Trade("basket", 1_000_000, snap, basket(), map[string]float64{"A": 1, "B": 1, "C": -1})
	require.NoError(t, err)

	cash := l.Cash()
	txns := len(l.Transactions())
	positions := l.Positions()

	assets := append(basket(), domain.NewEquity("D", 50, 100))
	_, err = l.Trade("basket", 500_000, snap, assets, map[string]float64{"A": 1, "B": 1, "C": -1, "D": 1})
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)

	assert.Equal(t, cash, l.Cash())
	assert.Len(t, l.Transactions(), txns)
	assert.Equal(t, positions, l.Positions())

	// a fresh sub-portfolio is not created by an aborted call
	_, err = l.Trade("other", 10_000, snap, []domain.Asset{domain.NewEquity("D", 50, 100)}, nil)
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)
	_, ok := l.SubPortfolio("other")
	assert.False(t, ok)
}

func TestTrade_SideFieldsMustExist(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000, TradeOn: "bid_ask"})
	snap := snapshot(map[string]float64{"X": 100})

	_, err := l.Trade("solo", 1_000, snap, []domain.Asset{domain.NewEquity("X", 100, 1)}, nil)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
	assert.Empty(t, l.Transactions())
}

func TestTrade_BidAskPricing(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000, TradeOn: "bid_ask"})
	snap := market.NewSnapshot()
	snap.Update("X", map[string]float64{"price": 100, "bid": 99.9, "ask": 100.1}, t0)
	snap.Update("Y", map[string]float64{"price": 50, "bid": 49.9, "ask": 50.1}, t0)
	assets := []domain.Asset{domain.NewEquity("X", 100, 1), domain.NewEquity("Y", 50, 1)}

	report, err := l.Trade("pair", 10_000, snap, assets, nil)
	require.NoError(t, err)
	require.Len(t, report.Initiates, 2)
	assert.Equal(t, 100.1, report.Initiates[0].Price)
	assert.Equal(t, int64(100), report.Initiates[0].Quantity)
	assert.Equal(t, 49.9, report.Initiates[1].Price)
	assert.Equal(t, int64(-200), report.Initiates[1].Quantity)

	// marked on "price", not on the fill side
	assert.InDelta(t, 0.0, l.MarkToMarket(snap), 1e-9)
}

func TestTrade_NearNoOpStillRebalancesComposition(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000, Tolerance: 100})
	snap := snapshot(map[string]float64{"X": 100, "Y": 100})
	assets := []domain.Asset{domain.NewEquity("X", 100, 1), domain.NewEquity("Y", 100, 1)}

	_, err := l.Trade("book", 10_000, snap, assets, map[string]float64{"X": 1, "Y": 0})
	require.NoError(t, err)
	require.Equal(t, int64(100), l.Position("X"))

	report, err := l.Trade("book", 10_000, snap, assets, map[string]float64{"X": 0, "Y": 1})
	require.NoError(t, err)
	assert.Less(t, report.NetChange, 100.0)
	assert.Equal(t, int64(0), l.Position("X"))
	assert.Equal(t, int64(100), l.Position("Y"))
}

func TestTrade_FullUnwindIgnoresUnheld(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000})
	snap := basketSnapshot()
	_, err := l.Trade("basket", 1_000_000, snap, basket(), map[string]float64{"A": 1, "B": 1, "C": -1})
	require.NoError(t, err)

	report, err := l.Trade("basket", 0, snap, append(basket(), domain.NewEquity("D", 1, 1)), nil)
	require.NoError(t, err)
	assert.Len(t, report.Unwinds, 3)
	assert.Empty(t, report.Initiates)

	sub, ok := l.SubPortfolio("basket")
	require.True(t, ok)
	assert.True(t, sub.Flat)

	l.MarkToMarket(snap)
	_, ok = l.SubPortfolio("basket")
	assert.False(t, ok)
	assert.Empty(t, l.SubPortfolios())

	// nothing held: a zero target is a no-op
	report, err = l.Trade("ghost", 0, snap, basket(), nil)
	require.NoError(t, err)
	assert.Empty(t, report.Transactions())
}

func TestLedger_PositionSumAcrossSubPortfolios(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000})
	snap := basketSnapshot()
	a := []domain.Asset{domain.NewEquity("A", 210, 100)}

	_, err := l.Trade("s1", 21_000, snap, a, nil)
	require.NoError(t, err)
	_, err = l.Trade("s2", 42_000, snap, a, nil)
	require.NoError(t, err)
	_, err = l.Trade("s3", 400_000, snap, basket(), map[string]float64{"A": -1, "B": 1})
	require.NoError(t, err)

	sums := map[string]int64{}
	for _, sub := range l.SubPortfolios() {
		for _, p := range sub.Positions {
			sums[p.Ticker] += p.Quantity
		}
	}
	for _, p := range l.Positions() {
		assert.Equal(t, sums[p.Ticker], p.Quantity, p.Ticker)
	}
	assert.Equal(t, int64(3-19), l.Position("A"))
}

func TestLedger_OnFill(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000})
	fill, err := domain.NewFill("async", domain.NewEquity("A", 210, 100), t0, 5, 211, nil)
	require.NoError(t, err)

	txn, err := l.OnFill(fill)
	require.NoError(t, err)
	assert.Equal(t, 105_500.0, txn.Notional)
	assert.Equal(t, 21.1, txn.Commission)
	assert.InDelta(t, 1_000_000-105_500-21.1, l.Cash(), 1e-6)

	sub, ok := l.SubPortfolio("async")
	require.True(t, ok)
	require.Len(t, sub.Positions, 1)
	assert.Equal(t, int64(5), sub.Positions[0].Quantity)

	_, err = l.OnFill(domain.Fill{Execution: domain.Execution{Strategy: "async", Asset: domain.NewEquity("A", 1, 1)}, FillCost: 1})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLedger_MarkToMarketKeepsLastGoodPrice(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000})
	snap := snapshot(map[string]float64{"A": 210})
	_, err := l.Trade("solo", 21_000, snap, []domain.Asset{domain.NewEquity("A", 210, 100)}, nil)
	require.NoError(t, err)

	gap := market.NewSnapshot()
	gap.Update("A", map[string]float64{"price": math.NaN()}, t0.Add(time.Hour))
	assert.InDelta(t, 21_000, l.MarkToMarket(gap), 1e-9)

	snap.Update("A", map[string]float64{"price": 220}, t0.Add(2*time.Hour))
	assert.InDelta(t, 22_000, l.MarkToMarket(snap), 1e-9)
	assert.InDelta(t, 22_000, l.MarketValue(), 1e-9)
}

func TestLedger_Margin(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000})
	snap := basketSnapshot()
	_, err := l.Trade("basket", 1_000_000, snap, basket(), map[string]float64{"A": 1, "B": 1, "C": -1})
	require.NoError(t, err)
	assert.InDelta(t, 992_000*0.15, l.Margin(), 1e-6)

	z := domain.Asset{Ticker: "Z", Price: 10, LotSize: 1}
	snap.Update("Z", map[string]float64{"price": 10}, t0)
	_, err = l.Trade("zero", 1_000, snap, []domain.Asset{z}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), l.Position("Z"))
	assert.InDelta(t, 992_000*0.15, l.Margin(), 1e-6)
}

func TestLedger_Record(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000})
	snap := basketSnapshot()
	_, err := l.Trade("basket", 1_000_000, snap, basket(), map[string]float64{"A": 1, "B": 1, "C": -1})
	require.NoError(t, err)

	rec := l.Record(t0, snap)
	assert.Equal(t, t0, rec.Timestamp)
	assert.InDelta(t, 492_500, rec.MarketValue, 1e-6)
	assert.Equal(t, 99.9702, rec.NAV)
	assert.InDelta(t, 298.3, rec.Commission, 1e-9)
	assert.Len(t, l.Perf(), 1)

	comms := l.Commissions()
	assert.InDelta(t, 100.8, comms["A"], 1e-9)
	assert.InDelta(t, 97.6, comms["B"], 1e-9)
	assert.InDelta(t, 99.9, comms["C"], 1e-9)
}
