package ports

import "github.com/alejandrodnm/backsim/internal/domain"

// RunReport is everything a notifier needs to present a finished run.
type RunReport struct {
	Run           domain.RunInfo
	Cash          float64
	MarketValue   float64
	NAV           float64
	Margin        float64
	Commission    float64
	Commissions   map[string]float64
	Positions     []domain.PositionView
	SubPortfolios []domain.SubPortfolioView
	Perf          []domain.PerfRecord
	Transactions  int
	NoFills       int
	Aborted       int
}

// Notifier presents simulation results to the user.
type Notifier interface {
	// NotifyRun prints the final state of a run.
	NotifyRun(report RunReport) error
}
