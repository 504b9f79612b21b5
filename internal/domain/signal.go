package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Signal is a strategy's trade intent for a group of assets. It carries
// either a target notional split by weights or explicit target quantities.
type Signal struct {
	ID          string
	Timestamp   time.Time
	Strategy    string
	Assets      []Asset
	OrderType   OrderType
	TargetValue *float64
	Weights     map[string]float64
	TargetQty   map[string]int64
	Info        map[string]string
}

func (s Signal) Type() EventType { return EventSignal }
func (s Signal) When() time.Time { return s.Timestamp }

// NewValueSignal builds a signal targeting a notional value.
func NewValueSignal(ts time.Time, strategy string, assets []Asset, orderType OrderType, target float64, weights map[string]float64) (Signal, error) {
	s := Signal{
		ID:          uuid.New().String(),
		Timestamp:   ts,
		Strategy:    strategy,
		Assets:      assets,
		OrderType:   orderType,
		TargetValue: &target,
		Weights:     weights,
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

// NewQuantitySignal builds a signal with explicit quantities per ticker.
func NewQuantitySignal(ts time.Time, strategy string, assets []Asset, orderType OrderType, qty map[string]int64) (Signal, error) {
	s := Signal{
		ID:        uuid.New().String(),
		Timestamp: ts,
		Strategy:  strategy,
		Assets:    assets,
		OrderType: orderType,
		TargetQty: qty,
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

// Validate checks that exactly one of target value and target quantities is
// set, and that target quantities line up with the asset list.
func (s Signal) Validate() error {
	if len(s.Assets) == 0 {
		return fmt.Errorf("domain.Signal.Validate: %s: no assets: %w", s.Strategy, ErrValidation)
	}
	if s.TargetValue == nil && s.TargetQty == nil {
		return fmt.Errorf("domain.Signal.Validate: %s: both target value and quantity are empty: %w", s.Strategy, ErrValidation)
	}
	if s.TargetValue != nil && s.TargetQty != nil {
		return fmt.Errorf("domain.Signal.Validate: %s: both target value and quantity are set: %w", s.Strategy, ErrValidation)
	}
	if s.TargetQty != nil {
		if len(s.TargetQty) != len(s.Assets) {
			return fmt.Errorf("domain.Signal.Validate: %s: %d target quantities for %d assets: %w",
				s.Strategy, len(s.TargetQty), len(s.Assets), ErrValidation)
		}
		for _, a := range s.Assets {
			if _, ok := s.TargetQty[a.Ticker]; !ok {
				return fmt.Errorf("domain.Signal.Validate: %s: no target quantity for %s: %w", s.Strategy, a.Ticker, ErrValidation)
			}
		}
	}
	return nil
}

// TargetQuantity is the order size derived for one asset of a signal.
type TargetQuantity struct {
	Asset    Asset
	Quantity int64
}

// OrderQuantities returns the non-zero order size for each asset, in asset
// order. Value targets are converted at the asset reference price and
// truncated toward zero; assets without a usable price are skipped.
func (s Signal) OrderQuantities() ([]TargetQuantity, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	out := make([]TargetQuantity, 0, len(s.Assets))
	if s.TargetQty != nil {
		for _, a := range s.Assets {
			if q := s.TargetQty[a.Ticker]; q != 0 {
				out = append(out, TargetQuantity{Asset: a, Quantity: q})
			}
		}
		return out, nil
	}

	weights := ProperWeights(s.Assets, s.Weights)
	for _, a := range s.Assets {
		if a.Price <= 0 || math.IsNaN(a.Price) || math.IsInf(a.Price, 0) {
			continue
		}
		raw := *s.TargetValue * weights[a.Ticker] / a.Price / a.EffectiveLotSize()
		if q := int64(raw); q != 0 {
			out = append(out, TargetQuantity{Asset: a, Quantity: q})
		}
	}
	return out, nil
}

// ProperWeights normalizes weights so the long book sums to 1 while the
// short book keeps its size relative to the long book. Zero weights stay 0.
//
// Without weights, one asset gets {+1} and two assets get {+1, -1}; any other
// count yields no weights at all.
//
//	{A: 200, B: 200, C: -300} -> {A: .5, B: .5, C: -.75}
//	{A: 200, B: -200}         -> {A: 1, B: -1}
func ProperWeights(assets []Asset, weights map[string]float64) map[string]float64 {
	if len(weights) == 0 {
		switch len(assets) {
		case 1:
			return map[string]float64{assets[0].Ticker: 1}
		case 2:
			return map[string]float64{assets[0].Ticker: 1, assets[1].Ticker: -1}
		default:
			return map[string]float64{}
		}
	}

	var pos, neg float64
	for _, w := range weights {
		if w > 0 {
			pos += w
		} else if w < 0 {
			neg += w
		}
	}
	posToNeg := 1.0
	if neg < 0 && pos > 0 {
		posToNeg = pos / math.Abs(neg)
	}

	out := make(map[string]float64, len(weights))
	for ticker, w := range weights {
		switch {
		case w > 0:
			out[ticker] = w / pos
		case w < 0:
			out[ticker] = w / (math.Abs(neg) * posToNeg)
		default:
			out[ticker] = w
		}
	}
	return out
}
