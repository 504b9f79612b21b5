// Package backtest replays a scenario through the fill simulator and the
// portfolio ledger, one timestamp step at a time.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/backsim/internal/application/engine"
	"github.com/alejandrodnm/backsim/internal/domain"
	"github.com/alejandrodnm/backsim/internal/execution"
	"github.com/alejandrodnm/backsim/internal/market"
	"github.com/alejandrodnm/backsim/internal/metrics"
	"github.com/alejandrodnm/backsim/internal/portfolio"
	"github.com/alejandrodnm/backsim/internal/ports"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Config holds simulation settings.
type Config struct {
	InitCash         float64
	TradeOn          string
	InstantExecution bool
	Tolerance        float64
	MarkField        string
	// PacePerSecond limits replay speed in steps per second; 0 replays as
	// fast as possible.
	PacePerSecond float64
}

// Engine runs one scenario against one ledger.
type Engine struct {
	cfg      Config
	scenario domain.Scenario
	store    ports.RunStorage
	run      domain.RunInfo

	snap    *market.Snapshot
	queue   *engine.Queue
	sim     *execution.Simulator
	ledger  *portfolio.Ledger
	limiter *rate.Limiter

	pending []domain.Order
	saved   int
	stats   Stats
}

// Stats counts what happened during a run.
type Stats struct {
	Steps      int
	Signals    int
	Rebalances int
	Orders     int
	Fills      int
	NoFills    int
	Aborted    int
	Expired    int
}

// Result summarises a finished (or cancelled) run.
type Result struct {
	Run          domain.RunInfo
	Stats        Stats
	Cash         float64
	MarketValue  float64
	NAV          float64
	Margin       float64
	Commission   float64
	Transactions int
}

// New creates an engine for sc. store may be nil to skip persistence.
func New(cfg Config, sc domain.Scenario, store ports.RunStorage) *Engine {
	snap := market.NewSnapshot()
	queue := engine.NewQueue()

	e := &Engine{
		cfg:      cfg,
		scenario: sc,
		store:    store,
		run: domain.RunInfo{
			ID:        uuid.New().String(),
			StartedAt: time.Now().UTC(),
			InitCash:  cfg.InitCash,
			TradeOn:   cfg.TradeOn,
			Instant:   cfg.InstantExecution,
			Scenario:  sc.Name,
		},
		snap:  snap,
		queue: queue,
		sim: execution.New(execution.Config{
			InstantExecution: cfg.InstantExecution,
			TradeOn:          cfg.TradeOn,
		}, snap, queue),
		ledger: portfolio.New(portfolio.Config{
			InitCash:  cfg.InitCash,
			TradeOn:   cfg.TradeOn,
			MarkField: cfg.MarkField,
			Tolerance: cfg.Tolerance,
		}),
	}
	if cfg.PacePerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.PacePerSecond), 1)
	}
	return e
}

// Info returns the run identity.
func (e *Engine) Info() domain.RunInfo { return e.run }

// Ledger returns the ledger the run books into.
func (e *Engine) Ledger() *portfolio.Ledger { return e.ledger }

// Snapshot returns the market snapshot the run prices from.
func (e *Engine) Snapshot() *market.Snapshot { return e.snap }

// Run replays every step in timestamp order. On cancellation it returns the
// result so far together with the context error.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.scenario.SortSteps()

	if e.store != nil {
		if err := e.store.SaveRun(ctx, e.run); err != nil {
			return nil, fmt.Errorf("backtest.Run: %w", err)
		}
	}

	slog.Info("backtest: run started",
		"run", e.run.ID,
		"scenario", e.run.Scenario,
		"steps", len(e.scenario.Steps),
		"init_cash", fmt.Sprintf("%.2f", e.cfg.InitCash),
		"trade_on", e.sim.TradeOn().Name,
		"instant", e.cfg.InstantExecution,
	)

	for _, step := range e.scenario.Steps {
		if err := ctx.Err(); err != nil {
			return e.result(), fmt.Errorf("backtest.Run: %w", err)
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return e.result(), fmt.Errorf("backtest.Run: pace: %w", err)
			}
		}
		if err := e.step(ctx, step); err != nil {
			return e.result(), fmt.Errorf("backtest.Run: step %s: %w", step.At.Format(time.RFC3339), err)
		}
	}

	if n := len(e.pending); n > 0 {
		e.stats.Expired += n
		slog.Warn("backtest: orders left unfilled at end of scenario", "count", n)
		e.pending = nil
	}

	res := e.result()
	slog.Info("backtest: run complete",
		"run", e.run.ID,
		"steps", res.Stats.Steps,
		"txns", res.Transactions,
		"nav", res.NAV,
		"comms", fmt.Sprintf("%.2f", res.Commission),
	)
	return res, nil
}

// step processes one timestamp: market data, then orders queued by earlier
// steps, then this step's signals.
func (e *Engine) step(ctx context.Context, step domain.Step) error {
	for _, ev := range step.Market {
		e.queue.Put(ev)
	}
	slog.Debug("backtest: step",
		"at", step.At.Format(time.RFC3339),
		"market_events", e.queue.Len(),
		"pending_orders", len(e.pending),
		"signals", len(step.Signals),
	)
	if err := e.dispatch(); err != nil {
		return err
	}

	pending := e.pending
	e.pending = nil
	for _, order := range pending {
		res, err := e.sim.OnOrder(order)
		if err != nil {
			return err
		}
		if !res.Filled() {
			e.stats.NoFills++
		}
	}
	if err := e.dispatch(); err != nil {
		return err
	}

	for _, sig := range step.Signals {
		e.queue.Put(sig)
	}
	if err := e.dispatch(); err != nil {
		return err
	}

	e.stats.Steps++
	metrics.StepsTotal.Inc()
	e.record(ctx, step.At)
	return nil
}

// dispatch drains the queue, routing each event by type.
func (e *Engine) dispatch() error {
	for {
		ev, ok := e.queue.Get()
		if !ok {
			return nil
		}
		switch ev := ev.(type) {
		case domain.MarketEvent:
			e.sim.Update(ev)
		case domain.Signal:
			if err := e.onSignal(ev); err != nil {
				return err
			}
		case domain.Order:
			// evaluated against the next step's market data
			e.stats.Orders++
			e.pending = append(e.pending, ev)
		case domain.Fill:
			e.stats.Fills++
			if _, err := e.ledger.OnFill(ev); err != nil {
				slog.Warn("backtest: fill rejected", "ticker", ev.Asset.Ticker, "err", err)
			}
		default:
			slog.Warn("backtest: unknown event", "type", ev.Type())
		}
	}
}

func (e *Engine) onSignal(sig domain.Signal) error {
	e.stats.Signals++
	sig.Assets = e.reprice(sig.Assets)

	if e.sim.Instant() && sig.TargetValue != nil {
		e.stats.Rebalances++
		_, err := e.ledger.Trade(sig.Strategy, *sig.TargetValue, e.snap, sig.Assets, sig.Weights)
		if errors.Is(err, domain.ErrPriceUnavailable) {
			e.stats.Aborted++
			return nil
		}
		return err
	}

	quantities, err := sig.OrderQuantities()
	if err != nil {
		return err
	}
	n, err := e.sim.OnSignal(sig)
	if err != nil {
		return err
	}
	if e.sim.Instant() {
		e.stats.NoFills += len(quantities) - n
	}
	return nil
}

// reprice fills in missing reference prices from the snapshot mark.
func (e *Engine) reprice(assets []domain.Asset) []domain.Asset {
	field := e.cfg.MarkField
	if field == "" {
		field = "price"
	}
	out := make([]domain.Asset, len(assets))
	for i, a := range assets {
		if a.Price <= 0 {
			a.Price = e.snap.Price(a.Ticker, field).Or(a.Price)
		}
		out[i] = a
	}
	return out
}

// record appends a perf row, updates gauges and persists what changed.
func (e *Engine) record(ctx context.Context, at time.Time) {
	rec := e.ledger.Record(at, e.snap)
	metrics.Cash.Set(rec.Cash)
	metrics.NAV.Set(rec.NAV)
	metrics.Margin.Set(rec.Margin)

	slog.Debug("backtest: step recorded",
		"at", at.Format(time.RFC3339),
		"cash", fmt.Sprintf("%.2f", rec.Cash),
		"mv", fmt.Sprintf("%.2f", rec.MarketValue),
		"nav", rec.NAV,
	)

	if e.store == nil {
		return
	}
	if err := e.store.SavePerf(ctx, e.run.ID, rec); err != nil {
		slog.Warn("backtest: error saving perf", "err", err)
	}

	txns := e.ledger.Transactions()
	if len(txns) == e.saved {
		return
	}
	if err := e.store.SaveTransactions(ctx, e.run.ID, txns[e.saved:]); err != nil {
		slog.Warn("backtest: error saving transactions", "err", err)
		return
	}
	e.saved = len(txns)
	if err := e.store.SavePositions(ctx, e.run.ID, at, e.ledger.Positions()); err != nil {
		slog.Warn("backtest: error saving positions", "err", err)
	}
}

func (e *Engine) result() *Result {
	res := &Result{
		Run:          e.run,
		Stats:        e.stats,
		Cash:         e.ledger.Cash(),
		MarketValue:  e.ledger.MarketValue(),
		Margin:       e.ledger.Margin(),
		Commission:   e.ledger.TotalCommission(),
		Transactions: len(e.ledger.Transactions()),
	}
	if perf := e.ledger.Perf(); len(perf) > 0 {
		res.NAV = perf[len(perf)-1].NAV
	} else if e.cfg.InitCash != 0 {
		res.NAV = 100
	}
	return res
}

// Report assembles the notifier view of a result.
func (e *Engine) Report(res *Result) ports.RunReport {
	return ports.RunReport{
		Run:           res.Run,
		Cash:          res.Cash,
		MarketValue:   res.MarketValue,
		NAV:           res.NAV,
		Margin:        res.Margin,
		Commission:    res.Commission,
		Commissions:   e.ledger.Commissions(),
		Positions:     e.ledger.Positions(),
		SubPortfolios: e.ledger.SubPortfolios(),
		Perf:          e.ledger.Perf(),
		Transactions:  res.Transactions,
		NoFills:       res.Stats.NoFills,
		Aborted:       res.Stats.Aborted,
	}
}
