package httpapi_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alejandrodnm/backsim/internal/adapters/httpapi"
	"github.com/alejandrodnm/backsim/internal/adapters/storage"
	"github.com/alejandrodnm/backsim/internal/domain"
	"github.com/alejandrodnm/backsim/internal/market"
	"github.com/alejandrodnm/backsim/internal/portfolio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	ts := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	snap := market.NewSnapshot()
	snap.UpdateBatch(map[string]map[string]float64{
		"A": {"price": 210},
		"B": {"price": 1220},
		"C": {"price": 185},
	}, ts)

	l := portfolio.New(portfolio.Config{InitCash: 1_000_000})
	assets := []domain.Asset{
		domain.NewEquity("A", 210, 100),
		domain.NewEquity("B", 1220, 100),
		domain.NewEquity("C", 185, 100),
	}
	_, err := l.Trade("basket", 1_000_000, snap, assets, map[string]float64{"A": 1, "B": 1, "C": -1})
	require.NoError(t, err)
	l.Record(ts, snap)

	return httpapi.New(httpapi.Deps{
		Run:      domain.RunInfo{ID: "run-1", Scenario: "basket"},
		Scenario: domain.Scenario{Name: "basket", Assets: assets},
		Ledger:   l,
		Market:   snap,
	}).Handler()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	w := get(t, newTestServer(t), "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestServer_Ledger(t *testing.T) {
	w := get(t, newTestServer(t), "/api/v1/ledger")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp httpapi.LedgerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.RunID)
	assert.InDelta(t, 507_201.7, resp.Cash, 1e-6)
	assert.InDelta(t, 492_500, resp.MarketValue, 1e-6)
	assert.Equal(t, 99.9702, resp.NAV)
	assert.InDelta(t, 298.3, resp.Commission, 1e-9)
	require.Len(t, resp.Positions, 3)
	assert.Equal(t, int64(-27), resp.Positions[2].Quantity)
	require.Len(t, resp.SubPortfolios, 1)
	assert.Equal(t, "basket", resp.SubPortfolios[0].Name)
}

func TestServer_Perf(t *testing.T) {
	w := get(t, newTestServer(t), "/api/v1/perf")
	require.Equal(t, http.StatusOK, w.Code)

	var perf []httpapi.PerfJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &perf))
	require.Len(t, perf, 1)
	assert.Equal(t, 99.9702, perf[0].NAV)
}

func TestServer_SubPortfolio(t *testing.T) {
	h := newTestServer(t)

	w := get(t, h, "/api/v1/subportfolios/basket")
	require.Equal(t, http.StatusOK, w.Code)
	var sub httpapi.SubPortfolioJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(t, 1, sub.Side)
	assert.Len(t, sub.Positions, 3)

	w = get(t, h, "/api/v1/subportfolios/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not found")
}

func TestServer_Metrics(t *testing.T) {
	h := newTestServer(t)
	get(t, h, "/healthz")

	w := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "backsim_trades_total"))
	assert.Contains(t, body, `backsim_http_requests_total{method="GET",path="/healthz",status="200"}`)
}

func TestServer_LedgerNAVBeforeFirstMark(t *testing.T) {
	l := portfolio.New(portfolio.Config{InitCash: 1_000_000})
	h := httpapi.New(httpapi.Deps{Run: domain.RunInfo{ID: "run-2"}, Ledger: l}).Handler()

	w := get(t, h, "/api/v1/ledger")
	require.Equal(t, http.StatusOK, w.Code)
	var resp httpapi.LedgerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 100.0, resp.NAV)
	assert.Empty(t, resp.Positions)
}

func TestServer_Market(t *testing.T) {
	snap := market.NewSnapshot()
	ts := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	snap.Update("B", map[string]float64{"price": 1220, "bid": math.NaN()}, ts)
	snap.Update("A", map[string]float64{"price": 210}, ts)
	h := httpapi.New(httpapi.Deps{Ledger: portfolio.New(portfolio.Config{InitCash: 1}), Market: snap}).Handler()

	w := get(t, h, "/api/v1/market")
	require.Equal(t, http.StatusOK, w.Code)
	var resp httpapi.MarketResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.AsOf)
	assert.True(t, ts.Equal(*resp.AsOf))
	require.Len(t, resp.Quotes, 2)
	assert.Equal(t, "A", resp.Quotes[0].Ticker)
	require.NotNil(t, resp.Quotes[1].Fields["price"])
	assert.Equal(t, 1220.0, *resp.Quotes[1].Fields["price"])
	bid, seen := resp.Quotes[1].Fields["bid"]
	assert.True(t, seen)
	assert.Nil(t, bid)
}

func TestServer_MarketUnavailable(t *testing.T) {
	h := httpapi.New(httpapi.Deps{Ledger: portfolio.New(portfolio.Config{InitCash: 1})}).Handler()
	w := get(t, h, "/api/v1/market")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_Assets(t *testing.T) {
	expiry := time.Date(2030, 6, 15, 0, 0, 0, 0, time.UTC)
	bond := domain.NewBond("DE30", 98.5, expiry, "DE0001102580")
	bond.Financing = domain.Financing{BorrowCost: 0.01, FinancingCost: 0.02}
	sc := domain.Scenario{Assets: []domain.Asset{domain.NewEquity("A", 210, 100), bond}}
	h := httpapi.New(httpapi.Deps{Scenario: sc, Ledger: portfolio.New(portfolio.Config{InitCash: 1})}).Handler()

	w := get(t, h, "/api/v1/assets")
	require.Equal(t, http.StatusOK, w.Code)
	var all []httpapi.AssetJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all, 2)
	assert.Equal(t, 0.01, all[0].TickSize)
	assert.Equal(t, "per-notional__2", all[0].Commission)

	w = get(t, h, "/api/v1/assets/DE30")
	require.Equal(t, http.StatusOK, w.Code)
	var a httpapi.AssetJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, "BOND", a.Type)
	assert.Equal(t, "2030-06-15", a.Expiry)
	assert.Equal(t, "DE0001102580", a.ISIN)
	assert.Equal(t, 0.01, a.BorrowCost)
	assert.Equal(t, 0.02, a.FinancingCost)

	w = get(t, h, "/api/v1/assets/NOPE")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_StoredRun(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	ts := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, db.SaveRun(ctx, domain.RunInfo{ID: "run-9", StartedAt: time.Now().UTC(), InitCash: 1_000_000, TradeOn: "price"}))
	require.NoError(t, db.SavePerf(ctx, "run-9", domain.PerfRecord{Timestamp: ts, Cash: 1_000_000, NAV: 100}))
	require.NoError(t, db.SaveTransactions(ctx, "run-9", []domain.Transaction{
		{ID: "t1", Portfolio: "basket", Ticker: "A", Timestamp: ts, Price: 210, LotSize: 100, Quantity: 24, Notional: 504_000, Commission: 100.8, CommissionBps: 2},
	}))

	h := httpapi.New(httpapi.Deps{Ledger: portfolio.New(portfolio.Config{InitCash: 1}), Runs: db}).Handler()

	w := get(t, h, "/api/v1/runs/run-9/perf")
	require.Equal(t, http.StatusOK, w.Code)
	var perf []httpapi.PerfJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &perf))
	require.Len(t, perf, 1)
	assert.Equal(t, 100.0, perf[0].NAV)

	w = get(t, h, "/api/v1/runs/run-9/transactions")
	require.Equal(t, http.StatusOK, w.Code)
	var txns []httpapi.TransactionJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txns))
	require.Len(t, txns, 1)
	assert.Equal(t, int64(24), txns[0].Quantity)
	assert.Equal(t, 100.8, txns[0].Commission)

	require.NoError(t, db.SavePositions(ctx, "run-9", ts, nil))
	w = get(t, h, "/api/v1/runs/run-9/positions")
	require.Equal(t, http.StatusOK, w.Code)
	var pos httpapi.RunPositionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pos))
	assert.True(t, pos.Flat)
	assert.Empty(t, pos.Positions)

	w = get(t, h, "/api/v1/runs/missing/positions")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = get(t, h, "/api/v1/runs/missing/perf")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_StoredRunWithoutStorage(t *testing.T) {
	h := httpapi.New(httpapi.Deps{Ledger: portfolio.New(portfolio.Config{InitCash: 1})}).Handler()
	w := get(t, h, "/api/v1/runs/run-1/transactions")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "storage disabled")
}
