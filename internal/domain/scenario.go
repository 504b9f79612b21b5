package domain

import (
	"sort"
	"time"
)

// Scenario is a replayable sequence of market updates and signals.
type Scenario struct {
	Name   string
	Assets []Asset
	Steps  []Step
}

// Step groups what happens at one timestamp: market data first, then signals.
type Step struct {
	At      time.Time
	Market  []MarketEvent
	Signals []Signal
}

// SortSteps orders steps by timestamp, keeping the file order for ties.
func (s *Scenario) SortSteps() {
	sort.SliceStable(s.Steps, func(i, j int) bool {
		return s.Steps[i].At.Before(s.Steps[j].At)
	})
}

// Asset returns the reference data registered for ticker.
func (s Scenario) Asset(ticker string) (Asset, bool) {
	for _, a := range s.Assets {
		if a.Ticker == ticker {
			return a, true
		}
	}
	return Asset{}, false
}
