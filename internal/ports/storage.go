package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/backsim/internal/domain"
)

// RunStorage records the results of simulation runs. It is write-mostly:
// a ledger is never rebuilt from storage.
type RunStorage interface {
	// SaveRun registers a new run.
	SaveRun(ctx context.Context, run domain.RunInfo) error

	// SaveTransactions appends executed transactions of a run.
	SaveTransactions(ctx context.Context, runID string, txns []domain.Transaction) error

	// SavePerf appends one performance row.
	SavePerf(ctx context.Context, runID string, perf domain.PerfRecord) error

	// SavePositions replaces the aggregate positions held at ts. An empty
	// slice records a flat book.
	SavePositions(ctx context.Context, runID string, ts time.Time, positions []domain.PositionView) error

	// GetPerf returns the performance rows of a run in time order.
	GetPerf(ctx context.Context, runID string) ([]domain.PerfRecord, error)

	// GetPositions returns the latest stored positions of a run and their
	// time. A flat book gives a time and no positions.
	GetPositions(ctx context.Context, runID string) (time.Time, []domain.PositionView, error)

	// GetTransactions returns the transactions of a run in booking order.
	GetTransactions(ctx context.Context, runID string) ([]domain.Transaction, error)

	// Close releases the underlying database.
	Close() error
}
