// Package scenario loads replayable backtest scenarios from YAML files.
//
// Formato:
//
//	name: basket
//	assets:
//	  - {ticker: A, type: equity, price: 210, lot_size: 100, commission: dollar__2}
//	steps:
//	  - at: 2024-01-02T09:30:00Z
//	    market:
//	      A: {price: 210, bid: 209.9, ask: 210.1}
//	    signals:
//	      - strategy: basket
//	        assets: [A, B, C]
//	        target_value: 1000000
//	        weights: {A: 1, B: 1, C: -1}
package scenario

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/alejandrodnm/backsim/internal/commission"
	"github.com/alejandrodnm/backsim/internal/domain"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type fileScenario struct {
	Name   string      `yaml:"name"`
	Assets []fileAsset `yaml:"assets"`
	Steps  []fileStep  `yaml:"steps"`
}

type fileAsset struct {
	Ticker     string            `yaml:"ticker"`
	Type       string            `yaml:"type"`
	Price      float64           `yaml:"price"`
	LotSize    float64           `yaml:"lot_size"`
	MarginReq  *float64          `yaml:"margin_req"`
	TickSize   float64           `yaml:"tick_size"`
	Commission string            `yaml:"commission"`
	Expiry     string            `yaml:"expiry"`
	ISIN       string            `yaml:"isin"`
	BorrowCost float64           `yaml:"borrow_cost"`
	Financing  float64           `yaml:"financing_cost"`
	Info       map[string]string `yaml:"info"`
}

type fileStep struct {
	At      time.Time                     `yaml:"at"`
	Market  map[string]map[string]float64 `yaml:"market"`
	Signals []fileSignal                  `yaml:"signals"`
}

type fileSignal struct {
	Strategy    string             `yaml:"strategy"`
	Assets      []string           `yaml:"assets"`
	OrderType   string             `yaml:"order_type"`
	TargetValue *float64           `yaml:"target_value"`
	Weights     map[string]float64 `yaml:"weights"`
	TargetQty   map[string]int64   `yaml:"target_qty"`
	Prices      map[string]float64 `yaml:"prices"` // precio de referencia por ticker (límites)
	Info        map[string]string  `yaml:"info"`
}

// FileSource implementa ports.ScenarioSource leyendo un archivo YAML.
type FileSource struct {
	path string
}

// NewFileSource crea una fuente para el archivo dado.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// LoadScenario lee y valida el archivo.
func (f *FileSource) LoadScenario(ctx context.Context) (domain.Scenario, error) {
	if err := ctx.Err(); err != nil {
		return domain.Scenario{}, fmt.Errorf("scenario.LoadScenario: %w", err)
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return domain.Scenario{}, fmt.Errorf("scenario.LoadScenario: read %q: %w", f.path, err)
	}
	sc, err := Parse(data)
	if err != nil {
		return domain.Scenario{}, fmt.Errorf("scenario.LoadScenario: %q: %w", f.path, err)
	}
	if sc.Name == "" {
		sc.Name = f.path
	}
	return sc, nil
}

// Parse decodes a scenario document. Steps are returned in timestamp order;
// within a step, market updates are ordered by ticker.
func Parse(data []byte) (domain.Scenario, error) {
	var raw fileScenario
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return domain.Scenario{}, fmt.Errorf("scenario.Parse: parse YAML: %w", err)
	}

	sc := domain.Scenario{Name: raw.Name}
	assets := make(map[string]domain.Asset, len(raw.Assets))
	for i, fa := range raw.Assets {
		if fa.Ticker == "" {
			return domain.Scenario{}, fmt.Errorf("scenario.Parse: asset #%d: empty ticker: %w", i, domain.ErrValidation)
		}
		if _, dup := assets[fa.Ticker]; dup {
			return domain.Scenario{}, fmt.Errorf("scenario.Parse: asset %s declared twice: %w", fa.Ticker, domain.ErrValidation)
		}
		a, err := fa.asset()
		if err != nil {
			return domain.Scenario{}, fmt.Errorf("scenario.Parse: asset %s: %w", fa.Ticker, err)
		}
		assets[a.Ticker] = a
		sc.Assets = append(sc.Assets, a)
	}

	for i, fs := range raw.Steps {
		if fs.At.IsZero() {
			return domain.Scenario{}, fmt.Errorf("scenario.Parse: step #%d: missing timestamp: %w", i, domain.ErrValidation)
		}
		step := domain.Step{At: fs.At}

		tickers := make([]string, 0, len(fs.Market))
		for t := range fs.Market {
			tickers = append(tickers, t)
		}
		sort.Strings(tickers)
		for _, t := range tickers {
			step.Market = append(step.Market, domain.MarketEvent{Timestamp: fs.At, Ticker: t, Fields: fs.Market[t]})
		}

		for j, fsig := range fs.Signals {
			sig, err := fsig.signal(fs.At, assets)
			if err != nil {
				return domain.Scenario{}, fmt.Errorf("scenario.Parse: step #%d signal #%d: %w", i, j, err)
			}
			step.Signals = append(step.Signals, sig)
		}
		sc.Steps = append(sc.Steps, step)
	}

	sc.SortSteps()
	return sc, nil
}

func (fa fileAsset) asset() (domain.Asset, error) {
	var expiry time.Time
	if fa.Expiry != "" {
		t, err := time.Parse(time.DateOnly, fa.Expiry)
		if err != nil {
			return domain.Asset{}, fmt.Errorf("expiry %q: %w", fa.Expiry, domain.ErrValidation)
		}
		expiry = t
	}

	var a domain.Asset
	switch domain.ParseAssetType(fa.Type) {
	case domain.AssetFutures:
		a = domain.NewFutures(fa.Ticker, fa.Price, fa.LotSize, expiry)
	case domain.AssetBond:
		a = domain.NewBond(fa.Ticker, fa.Price, expiry, fa.ISIN)
		if fa.LotSize != 0 {
			a.LotSize = fa.LotSize
		}
	default:
		a = domain.NewEquity(fa.Ticker, fa.Price, fa.LotSize)
	}

	if fa.MarginReq != nil {
		a.MarginReq = *fa.MarginReq
	}
	if fa.TickSize != 0 {
		a.TickSize = fa.TickSize
	}
	if fa.Commission != "" {
		sched, err := commission.Parse(fa.Commission)
		if err != nil {
			return domain.Asset{}, err
		}
		a.Commission = sched
	}
	a.ISIN = fa.ISIN
	a.Financing = domain.Financing{BorrowCost: fa.BorrowCost, FinancingCost: fa.Financing}
	a.Info = fa.Info
	return a, nil
}

func (fsig fileSignal) signal(ts time.Time, assets map[string]domain.Asset) (domain.Signal, error) {
	sig := domain.Signal{
		ID:          uuid.New().String(),
		Timestamp:   ts,
		Strategy:    fsig.Strategy,
		OrderType:   domain.ParseOrderType(fsig.OrderType),
		TargetValue: fsig.TargetValue,
		Weights:     fsig.Weights,
		TargetQty:   fsig.TargetQty,
		Info:        fsig.Info,
	}
	if sig.Strategy == "" {
		return domain.Signal{}, fmt.Errorf("empty strategy: %w", domain.ErrValidation)
	}
	for _, t := range fsig.Assets {
		a, ok := assets[t]
		if !ok {
			return domain.Signal{}, fmt.Errorf("%s: unknown asset %q: %w", sig.Strategy, t, domain.ErrValidation)
		}
		if p, ok := fsig.Prices[t]; ok {
			a.Price = p
		}
		sig.Assets = append(sig.Assets, a)
	}
	for t := range fsig.Weights {
		if _, ok := assets[t]; !ok {
			return domain.Signal{}, fmt.Errorf("%s: weight for unknown asset %q: %w", sig.Strategy, t, domain.ErrValidation)
		}
	}
	if err := sig.Validate(); err != nil {
		return domain.Signal{}, err
	}
	return sig, nil
}
