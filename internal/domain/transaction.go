package domain

import "time"

// Transaction is one executed trade booked into a ledger.
type Transaction struct {
	ID            string
	Portfolio     string
	Ticker        string
	Timestamp     time.Time
	Price         float64
	LotSize       float64
	Quantity      int64
	Notional      float64 // signed, rounded to cents
	Commission    float64
	CommissionBps float64
}

// CashDelta is the change in cash caused by the transaction: buys pay
// notional plus commission, sells receive notional minus commission.
func (t Transaction) CashDelta() float64 {
	return -(t.Notional + t.Commission)
}

// PositionView is a read-only copy of a held position.
type PositionView struct {
	Ticker      string
	Quantity    int64
	Price       float64
	LotSize     float64
	MarginReq   float64
	MarketValue float64
}

// SubPortfolioView is a read-only summary of a sub-portfolio.
type SubPortfolioView struct {
	Name      string
	Positions []PositionView
	Long      float64
	Short     float64
	Exposure  float64
	Delta     float64
	Margin    float64
	Side      int
	Flat      bool
}

// PerfRecord is the ledger state at one point of a run.
type PerfRecord struct {
	Timestamp   time.Time
	Cash        float64
	MarketValue float64
	NAV         float64
	Margin      float64
	Commission  float64
}

// RunInfo identifies one simulation run.
type RunInfo struct {
	ID        string
	StartedAt time.Time
	InitCash  float64
	TradeOn   string
	Instant   bool
	Scenario  string
}
