// Package httpapi exposes a read-only status server for a running simulation.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alejandrodnm/backsim/internal/domain"
	"github.com/alejandrodnm/backsim/internal/market"
	"github.com/alejandrodnm/backsim/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LedgerView is the read side of a portfolio ledger.
type LedgerView interface {
	InitCash() float64
	Cash() float64
	MarketValue() float64
	Margin() float64
	TotalCommission() float64
	Commissions() map[string]float64
	Positions() []domain.PositionView
	SubPortfolios() []domain.SubPortfolioView
	SubPortfolio(name string) (domain.SubPortfolioView, bool)
	Perf() []domain.PerfRecord
}

// MarketView is the read side of a market snapshot.
type MarketView interface {
	Tickers() []string
	Lookup(ticker string) market.Row
	AsOf() (time.Time, bool)
}

// RunReader reads persisted runs.
type RunReader interface {
	GetPerf(ctx context.Context, runID string) ([]domain.PerfRecord, error)
	GetPositions(ctx context.Context, runID string) (time.Time, []domain.PositionView, error)
	GetTransactions(ctx context.Context, runID string) ([]domain.Transaction, error)
}

// Deps are the read sides the server exposes. Market and Runs may be nil.
type Deps struct {
	Run      domain.RunInfo
	Scenario domain.Scenario
	Ledger   LedgerView
	Market   MarketView
	Runs     RunReader
}

// Server serves health, metrics, ledger and market state.
type Server struct {
	Deps
	router chi.Router
}

// New builds the router for one run.
func New(d Deps) *Server {
	s := &Server{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ledger", s.getLedger)
		r.Get("/perf", s.getPerf)
		r.Get("/subportfolios/{name}", s.getSubPortfolio)
		r.Get("/market", s.getMarket)
		r.Get("/assets", s.listAssets)
		r.Get("/assets/{ticker}", s.getAsset)
		r.Get("/runs/{id}/perf", s.getRunPerf)
		r.Get("/runs/{id}/positions", s.getRunPositions)
		r.Get("/runs/{id}/transactions", s.getRunTransactions)
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("httpapi: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("httpapi.ListenAndServe: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi.ListenAndServe: shutdown: %w", err)
	}
	slog.Info("httpapi: stopped")
	return nil
}

// LedgerResponse is the JSON body of GET /api/v1/ledger.
type LedgerResponse struct {
	RunID         string             `json:"run_id"`
	Scenario      string             `json:"scenario"`
	InitCash      float64            `json:"init_cash"`
	Cash          float64            `json:"cash"`
	MarketValue   float64            `json:"market_value"`
	NAV           float64            `json:"nav"`
	Margin        float64            `json:"margin"`
	Commission    float64            `json:"commission"`
	Commissions   map[string]float64 `json:"commissions"`
	Positions     []PositionJSON     `json:"positions"`
	SubPortfolios []SubPortfolioJSON `json:"sub_portfolios"`
}

// PositionJSON is one held position.
type PositionJSON struct {
	Ticker      string  `json:"ticker"`
	Quantity    int64   `json:"quantity"`
	Price       float64 `json:"price"`
	LotSize     float64 `json:"lot_size"`
	MarketValue float64 `json:"market_value"`
}

// SubPortfolioJSON summarises one sub-portfolio.
type SubPortfolioJSON struct {
	Name      string         `json:"name"`
	Positions []PositionJSON `json:"positions"`
	Long      float64        `json:"long"`
	Short     float64        `json:"short"`
	Exposure  float64        `json:"exposure"`
	Delta     float64        `json:"delta"`
	Margin    float64        `json:"margin"`
	Side      int            `json:"side"`
	Flat      bool           `json:"flat"`
}

// QuoteJSON is the latest row of one ticker. Observed non-finite fields are null.
type QuoteJSON struct {
	Ticker string              `json:"ticker"`
	Fields map[string]*float64 `json:"fields"`
}

// MarketResponse is the JSON body of GET /api/v1/market.
type MarketResponse struct {
	AsOf   *time.Time  `json:"as_of,omitempty"`
	Quotes []QuoteJSON `json:"quotes"`
}

// AssetJSON is the reference data of one instrument.
type AssetJSON struct {
	Ticker        string            `json:"ticker"`
	Type          string            `json:"type"`
	Price         float64           `json:"price"`
	LotSize       float64           `json:"lot_size"`
	MarginReq     float64           `json:"margin_req"`
	TickSize      float64           `json:"tick_size"`
	Commission    string            `json:"commission"`
	Expiry        string            `json:"expiry,omitempty"`
	ISIN          string            `json:"isin,omitempty"`
	BorrowCost    float64           `json:"borrow_cost"`
	FinancingCost float64           `json:"financing_cost"`
	Info          map[string]string `json:"info,omitempty"`
}

// RunPositionsResponse is the last stored positions snapshot of a run.
type RunPositionsResponse struct {
	At        time.Time      `json:"at"`
	Flat      bool           `json:"flat"`
	Positions []PositionJSON `json:"positions"`
}

// TransactionJSON is one booked transaction.
type TransactionJSON struct {
	ID            string    `json:"id"`
	Portfolio     string    `json:"portfolio"`
	Ticker        string    `json:"ticker"`
	Timestamp     time.Time `json:"timestamp"`
	Price         float64   `json:"price"`
	LotSize       float64   `json:"lot_size"`
	Quantity      int64     `json:"quantity"`
	Notional      float64   `json:"notional"`
	Commission    float64   `json:"commission"`
	CommissionBps float64   `json:"commission_bps"`
}

// PerfJSON is one performance row.
type PerfJSON struct {
	Timestamp   time.Time `json:"timestamp"`
	Cash        float64   `json:"cash"`
	MarketValue float64   `json:"market_value"`
	NAV         float64   `json:"nav"`
	Margin      float64   `json:"margin"`
	Commission  float64   `json:"commission"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "run_id": s.Run.ID})
}

// getLedger handles GET /api/v1/ledger.
func (s *Server) getLedger(w http.ResponseWriter, _ *http.Request) {
	cash := s.Ledger.Cash()
	mv := s.Ledger.MarketValue()
	resp := LedgerResponse{
		RunID:       s.Run.ID,
		Scenario:    s.Run.Scenario,
		InitCash:    s.Ledger.InitCash(),
		Cash:        cash,
		MarketValue: mv,
		Margin:      s.Ledger.Margin(),
		Commission:  s.Ledger.TotalCommission(),
		Commissions: s.Ledger.Commissions(),
		Positions:   positionsJSON(s.Ledger.Positions()),
	}
	if perf := s.Ledger.Perf(); len(perf) > 0 {
		resp.NAV = perf[len(perf)-1].NAV
	} else if resp.InitCash != 0 {
		// nothing marked yet
		resp.NAV = 100
	}
	for _, sub := range s.Ledger.SubPortfolios() {
		resp.SubPortfolios = append(resp.SubPortfolios, subPortfolioJSON(sub))
	}
	writeJSON(w, http.StatusOK, resp)
}

// getPerf handles GET /api/v1/perf.
func (s *Server) getPerf(w http.ResponseWriter, _ *http.Request) {
	perf := s.Ledger.Perf()
	out := make([]PerfJSON, 0, len(perf))
	for _, p := range perf {
		out = append(out, PerfJSON(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// getSubPortfolio handles GET /api/v1/subportfolios/{name}.
func (s *Server) getSubPortfolio(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sub, ok := s.Ledger.SubPortfolio(name)
	if !ok {
		writeError(w, "sub-portfolio not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, subPortfolioJSON(sub))
}

// getMarket handles GET /api/v1/market.
func (s *Server) getMarket(w http.ResponseWriter, _ *http.Request) {
	if s.Market == nil {
		writeError(w, "market view not available", http.StatusServiceUnavailable)
		return
	}
	resp := MarketResponse{Quotes: []QuoteJSON{}}
	if asOf, ok := s.Market.AsOf(); ok {
		resp.AsOf = &asOf
	}
	for _, ticker := range s.Market.Tickers() {
		row := s.Market.Lookup(ticker)
		q := QuoteJSON{Ticker: ticker, Fields: make(map[string]*float64)}
		for _, name := range row.Fields() {
			if v, ok := row.Field(name).Get(); ok {
				q.Fields[name] = &v
			} else {
				q.Fields[name] = nil
			}
		}
		resp.Quotes = append(resp.Quotes, q)
	}
	writeJSON(w, http.StatusOK, resp)
}

// listAssets handles GET /api/v1/assets.
func (s *Server) listAssets(w http.ResponseWriter, _ *http.Request) {
	out := make([]AssetJSON, 0, len(s.Scenario.Assets))
	for _, a := range s.Scenario.Assets {
		out = append(out, assetJSON(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// getAsset handles GET /api/v1/assets/{ticker}.
func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	a, ok := s.Scenario.Asset(chi.URLParam(r, "ticker"))
	if !ok {
		writeError(w, "asset not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, assetJSON(a))
}

// getRunPerf handles GET /api/v1/runs/{id}/perf from storage.
func (s *Server) getRunPerf(w http.ResponseWriter, r *http.Request) {
	if s.Runs == nil {
		writeError(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	perf, err := s.Runs.GetPerf(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		slog.Error("httpapi: get run perf", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(perf) == 0 {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	out := make([]PerfJSON, 0, len(perf))
	for _, p := range perf {
		out = append(out, PerfJSON(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// getRunPositions handles GET /api/v1/runs/{id}/positions from storage.
func (s *Server) getRunPositions(w http.ResponseWriter, r *http.Request) {
	if s.Runs == nil {
		writeError(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	at, positions, err := s.Runs.GetPositions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		slog.Error("httpapi: get run positions", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if at.IsZero() {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, RunPositionsResponse{
		At:        at,
		Flat:      len(positions) == 0,
		Positions: positionsJSON(positions),
	})
}

// getRunTransactions handles GET /api/v1/runs/{id}/transactions from storage.
func (s *Server) getRunTransactions(w http.ResponseWriter, r *http.Request) {
	if s.Runs == nil {
		writeError(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	txns, err := s.Runs.GetTransactions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		slog.Error("httpapi: get run transactions", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]TransactionJSON, 0, len(txns))
	for _, t := range txns {
		out = append(out, TransactionJSON(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func assetJSON(a domain.Asset) AssetJSON {
	out := AssetJSON{
		Ticker:        a.Ticker,
		Type:          string(a.Type),
		Price:         a.Price,
		LotSize:       a.EffectiveLotSize(),
		MarginReq:     a.MarginReq,
		TickSize:      a.TickSize,
		Commission:    a.Schedule().String(),
		ISIN:          a.ISIN,
		BorrowCost:    a.Financing.BorrowCost,
		FinancingCost: a.Financing.FinancingCost,
		Info:          a.Info,
	}
	if !a.Expiry.IsZero() {
		out.Expiry = a.Expiry.Format(time.DateOnly)
	}
	return out
}

func positionsJSON(views []domain.PositionView) []PositionJSON {
	out := make([]PositionJSON, 0, len(views))
	for _, p := range views {
		out = append(out, PositionJSON{
			Ticker:      p.Ticker,
			Quantity:    p.Quantity,
			Price:       p.Price,
			LotSize:     p.LotSize,
			MarketValue: p.MarketValue,
		})
	}
	return out
}

func subPortfolioJSON(v domain.SubPortfolioView) SubPortfolioJSON {
	return SubPortfolioJSON{
		Name:      v.Name,
		Positions: positionsJSON(v.Positions),
		Long:      v.Long,
		Short:     v.Short,
		Exposure:  v.Exposure,
		Delta:     v.Delta,
		Margin:    v.Margin,
		Side:      v.Side,
		Flat:      v.Flat,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
