package storage

// sqlite.go: registro de resultados de cada simulación.
//
// Estrategia:
//   - `runs`: una fila por ejecución (cash inicial, trade_on, modo instantáneo).
//   - `transactions`: append-only, en orden de booking.
//   - `perf`: una fila por paso (cash, market value, NAV, margen, comisiones).
//   - `positions`: foto de posiciones agregadas al cierre de cada paso con
//     cambios; un libro plano se guarda como fila marcador (ticker vacío).
//   - Nunca se reconstruye un ledger desde aquí: solo inspección posterior.
//   - Prune automático al arrancar: runs > 90d junto con sus filas.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alejandrodnm/backsim/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    started_at  TEXT NOT NULL,
    init_cash   REAL NOT NULL,
    trade_on    TEXT NOT NULL,
    instant     INTEGER NOT NULL DEFAULT 0,
    scenario    TEXT
);

CREATE TABLE IF NOT EXISTS transactions (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    id             TEXT NOT NULL,
    run_id         TEXT NOT NULL REFERENCES runs(id),
    portfolio      TEXT NOT NULL,
    ticker         TEXT NOT NULL,
    ts             TEXT NOT NULL,
    price          REAL NOT NULL,
    lot_size       REAL NOT NULL,
    quantity       INTEGER NOT NULL,
    notional       REAL NOT NULL,
    commission     REAL NOT NULL,
    commission_bps REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS perf (
    run_id       TEXT NOT NULL REFERENCES runs(id),
    ts           TEXT NOT NULL,
    cash         REAL NOT NULL,
    market_value REAL NOT NULL,
    nav          REAL NOT NULL,
    margin       REAL NOT NULL,
    commission   REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    run_id       TEXT NOT NULL REFERENCES runs(id),
    ts           TEXT NOT NULL,
    ticker       TEXT NOT NULL,
    quantity     INTEGER NOT NULL,
    price        REAL NOT NULL,
    lot_size     REAL NOT NULL,
    market_value REAL NOT NULL,
    PRIMARY KEY (run_id, ts, ticker)
);

CREATE INDEX IF NOT EXISTS idx_txn_run  ON transactions(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_perf_run ON perf(run_id, ts);
CREATE INDEX IF NOT EXISTS idx_runs_at  ON runs(started_at DESC);
`

const retentionRuns = 90 * 24 * time.Hour

// SQLiteStorage implementa ports.RunStorage usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada,
// aplica el schema y limpia runs antiguos.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// SaveRun registra una nueva ejecución.
func (s *SQLiteStorage) SaveRun(ctx context.Context, run domain.RunInfo) error {
	instant := 0
	if run.Instant {
		instant = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, init_cash, trade_on, instant, scenario) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, formatTime(run.StartedAt), run.InitCash, run.TradeOn, instant, run.Scenario,
	); err != nil {
		return fmt.Errorf("storage.SaveRun: insert %s: %w", run.ID, err)
	}
	return nil
}

// SaveTransactions inserta las transacciones en una sola tx.
func (s *SQLiteStorage) SaveTransactions(ctx context.Context, runID string, txns []domain.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveTransactions: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions
			(id, run_id, portfolio, ticker, ts, price, lot_size, quantity,
			 notional, commission, commission_bps)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage.SaveTransactions: prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range txns {
		if _, err := stmt.ExecContext(ctx,
			t.ID, runID, t.Portfolio, t.Ticker, formatTime(t.Timestamp),
			t.Price, t.LotSize, t.Quantity, t.Notional, t.Commission, t.CommissionBps,
		); err != nil {
			return fmt.Errorf("storage.SaveTransactions: insert %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveTransactions: commit: %w", err)
	}
	return nil
}

// SavePerf añade una fila de rendimiento.
func (s *SQLiteStorage) SavePerf(ctx context.Context, runID string, p domain.PerfRecord) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO perf (run_id, ts, cash, market_value, nav, margin, commission) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, formatTime(p.Timestamp), p.Cash, p.MarketValue, p.NAV, p.Margin, p.Commission,
	); err != nil {
		return fmt.Errorf("storage.SavePerf: insert: %w", err)
	}
	return nil
}

// flatMarker es el ticker de la fila que marca un libro sin posiciones.
const flatMarker = ""

// SavePositions reemplaza la foto de posiciones agregadas en ts. Un libro
// vacío se guarda como una única fila marcador, para que la última foto del
// run refleje que quedó plano.
func (s *SQLiteStorage) SavePositions(ctx context.Context, runID string, ts time.Time, positions []domain.PositionView) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SavePositions: begin tx: %w", err)
	}
	defer tx.Rollback()

	at := formatTime(ts)
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE run_id = ? AND ts = ?`, runID, at); err != nil {
		return fmt.Errorf("storage.SavePositions: clear %s: %w", at, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions (run_id, ts, ticker, quantity, price, lot_size, market_value)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage.SavePositions: prepare: %w", err)
	}
	defer stmt.Close()

	if len(positions) == 0 {
		if _, err := stmt.ExecContext(ctx, runID, at, flatMarker, 0, 0, 0, 0); err != nil {
			return fmt.Errorf("storage.SavePositions: flat marker: %w", err)
		}
	}
	for _, p := range positions {
		if _, err := stmt.ExecContext(ctx, runID, at, p.Ticker, p.Quantity, p.Price, p.LotSize, p.MarketValue); err != nil {
			return fmt.Errorf("storage.SavePositions: insert %s: %w", p.Ticker, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SavePositions: commit: %w", err)
	}
	return nil
}

// GetPositions devuelve la última foto de posiciones de un run y su ts.
// Un libro plano devuelve ts y ninguna posición; un run sin fotos, ts cero.
func (s *SQLiteStorage) GetPositions(ctx context.Context, runID string) (time.Time, []domain.PositionView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, ticker, quantity, price, lot_size, market_value
		FROM positions
		WHERE run_id = ?
		  AND ts = (SELECT MAX(ts) FROM positions WHERE run_id = ?)
		ORDER BY ticker ASC
	`, runID, runID)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("storage.GetPositions: query: %w", err)
	}
	defer rows.Close()

	var (
		at  time.Time
		out []domain.PositionView
	)
	for rows.Next() {
		var p domain.PositionView
		var ts string
		if err := rows.Scan(&ts, &p.Ticker, &p.Quantity, &p.Price, &p.LotSize, &p.MarketValue); err != nil {
			return time.Time{}, nil, fmt.Errorf("storage.GetPositions: scan row: %w", err)
		}
		at = parseTime(ts)
		if p.Ticker == flatMarker {
			continue
		}
		out = append(out, p)
	}
	return at, out, rows.Err()
}

// GetPerf devuelve las filas de rendimiento de un run en orden temporal.
func (s *SQLiteStorage) GetPerf(ctx context.Context, runID string) ([]domain.PerfRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, cash, market_value, nav, margin, commission
		FROM perf
		WHERE run_id = ?
		ORDER BY ts ASC, rowid ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage.GetPerf: query: %w", err)
	}
	defer rows.Close()

	var out []domain.PerfRecord
	for rows.Next() {
		var p domain.PerfRecord
		var ts string
		if err := rows.Scan(&ts, &p.Cash, &p.MarketValue, &p.NAV, &p.Margin, &p.Commission); err != nil {
			return nil, fmt.Errorf("storage.GetPerf: scan row: %w", err)
		}
		p.Timestamp = parseTime(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetTransactions devuelve las transacciones de un run en orden de booking.
func (s *SQLiteStorage) GetTransactions(ctx context.Context, runID string) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, portfolio, ticker, ts, price, lot_size, quantity,
		       notional, commission, commission_bps
		FROM transactions
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage.GetTransactions: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var ts string
		if err := rows.Scan(
			&t.ID, &t.Portfolio, &t.Ticker, &ts, &t.Price, &t.LotSize, &t.Quantity,
			&t.Notional, &t.Commission, &t.CommissionBps,
		); err != nil {
			return nil, fmt.Errorf("storage.GetTransactions: scan row: %w", err)
		}
		t.Timestamp = parseTime(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

// pruneOld elimina runs antiguos y todo lo que cuelga de ellos.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoff := formatTime(time.Now().UTC().Add(-retentionRuns))
	old := `SELECT id FROM runs WHERE started_at < ?`
	s.db.ExecContext(ctx, `DELETE FROM transactions WHERE run_id IN (`+old+`)`, cutoff)
	s.db.ExecContext(ctx, `DELETE FROM perf WHERE run_id IN (`+old+`)`, cutoff)
	s.db.ExecContext(ctx, `DELETE FROM positions WHERE run_id IN (`+old+`)`, cutoff)
	s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
}

// Ancho fijo en UTC: el orden lexicográfico coincide con el temporal.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(tsLayout, s)
	return t
}
