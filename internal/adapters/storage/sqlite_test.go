package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/backsim/internal/adapters/storage"
	"github.com/alejandrodnm/backsim/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.SaveRun(context.Background(), domain.RunInfo{
		ID:        "run-1",
		StartedAt: time.Now().UTC(),
		InitCash:  1_000_000,
		TradeOn:   "bid_ask",
		Instant:   true,
		Scenario:  "basket",
	}))
	return db
}

func TestSQLiteStorage_TransactionsKeepBookingOrder(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	txns := []domain.Transaction{
		{ID: "t1", Portfolio: "basket", Ticker: "C", Timestamp: t0, Price: 185, LotSize: 100, Quantity: -27, Notional: -499_500, Commission: 99.9, CommissionBps: 2},
		{ID: "t2", Portfolio: "basket", Ticker: "A", Timestamp: t0, Price: 210, LotSize: 100, Quantity: 24, Notional: 504_000, Commission: 100.8, CommissionBps: 2},
	}
	require.NoError(t, db.SaveTransactions(ctx, "run-1", txns))
	require.NoError(t, db.SaveTransactions(ctx, "run-1", nil))

	got, err := db.GetTransactions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, txns[0], got[0])
	assert.Equal(t, txns[1], got[1])

	other, err := db.GetTransactions(ctx, "run-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLiteStorage_PerfInTimeOrder(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	later := domain.PerfRecord{Timestamp: t0.Add(time.Minute + 500*time.Millisecond), Cash: 507_201.7, MarketValue: 492_500, NAV: 99.9702, Margin: 148_800, Commission: 298.3}
	first := domain.PerfRecord{Timestamp: t0, Cash: 1_000_000, NAV: 100}
	require.NoError(t, db.SavePerf(ctx, "run-1", later))
	require.NoError(t, db.SavePerf(ctx, "run-1", first))

	perf, err := db.GetPerf(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, perf, 2)
	assert.Equal(t, first, perf[0])
	assert.Equal(t, later, perf[1])
}

func TestSQLiteStorage_SavePositionsReplacesSnapshot(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	pos := []domain.PositionView{
		{Ticker: "A", Quantity: 24, Price: 210, LotSize: 100, MarketValue: 504_000},
		{Ticker: "C", Quantity: -27, Price: 185, LotSize: 100, MarketValue: -499_500},
	}
	require.NoError(t, db.SavePositions(ctx, "run-1", t0, pos))

	// same ts again: the snapshot is replaced, not merged
	require.NoError(t, db.SavePositions(ctx, "run-1", t0, []domain.PositionView{
		{Ticker: "A", Quantity: 30, Price: 210, LotSize: 100, MarketValue: 630_000},
	}))

	at, got, err := db.GetPositions(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, t0, at)
	require.Len(t, got, 1)
	assert.Equal(t, int64(30), got[0].Quantity)
	assert.Equal(t, 630_000.0, got[0].MarketValue)
}

func TestSQLiteStorage_FlatBookIsRecorded(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	t1 := t0.Add(time.Minute)
	require.NoError(t, db.SavePositions(ctx, "run-1", t0, []domain.PositionView{
		{Ticker: "A", Quantity: 24, Price: 210, LotSize: 100, MarketValue: 504_000},
	}))
	require.NoError(t, db.SavePositions(ctx, "run-1", t1, nil))

	at, got, err := db.GetPositions(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, t1, at)
	assert.Empty(t, got)
}

func TestSQLiteStorage_GetPositionsUnknownRun(t *testing.T) {
	db := newStore(t)
	at, got, err := db.GetPositions(context.Background(), "run-2")
	require.NoError(t, err)
	assert.True(t, at.IsZero())
	assert.Empty(t, got)
}

func TestSQLiteStorage_DuplicateRun(t *testing.T) {
	db := newStore(t)
	err := db.SaveRun(context.Background(), domain.RunInfo{ID: "run-1", StartedAt: time.Now()})
	assert.Error(t, err)
}
