package notify

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/alejandrodnm/backsim/internal/domain"
	"github.com/alejandrodnm/backsim/internal/ports"
	"github.com/olekukonko/tablewriter"
)

// maxPerfRows limita la tabla de rendimiento a las últimas filas.
const maxPerfRows = 20

// Console implementa ports.Notifier.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// NotifyRun imprime el resultado final en el modo configurado.
func (c *Console) NotifyRun(r ports.RunReport) error {
	if c.table {
		c.printFull(r)
	} else {
		c.printCompact(r)
	}
	return nil
}

// printCompact imprime lo esencial en una línea.
func (c *Console) printCompact(r ports.RunReport) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s | steps:%d txns:%d nofill:%d aborted:%d",
		shortID(r.Run.ID), r.Run.Scenario, len(r.Perf), r.Transactions, r.NoFills, r.Aborted)
	fmt.Fprintf(&sb, " | cash $%.2f mv $%.2f nav %.4f comms $%.2f",
		r.Cash, r.MarketValue, r.NAV, r.Commission)

	for i, p := range r.Positions {
		if i >= 4 {
			fmt.Fprintf(&sb, " +%d", len(r.Positions)-i)
			break
		}
		fmt.Fprintf(&sb, " | %s %+d", p.Ticker, p.Quantity)
	}
	fmt.Fprintln(c.out, sb.String())
}

// printFull imprime el resumen y las tablas de posiciones, sub-portfolios,
// comisiones y rendimiento.
func (c *Console) printFull(r ports.RunReport) {
	fmt.Fprintf(c.out, "\n=== RUN %s | %s (trade_on=%s instant=%t) ===\n",
		shortID(r.Run.ID), r.Run.Scenario, r.Run.TradeOn, r.Run.Instant)
	fmt.Fprintf(c.out, "  Initial cash:   $%.2f\n", r.Run.InitCash)
	fmt.Fprintf(c.out, "  Cash:           $%.2f\n", r.Cash)
	fmt.Fprintf(c.out, "  Market value:   $%.2f\n", r.MarketValue)
	fmt.Fprintf(c.out, "  NAV:            %.4f\n", r.NAV)
	fmt.Fprintf(c.out, "  Margin:         $%.2f\n", r.Margin)
	fmt.Fprintf(c.out, "  Commission:     $%.2f\n", r.Commission)
	fmt.Fprintf(c.out, "  Transactions:   %d  (no fills: %d, aborted rebalances: %d)\n",
		r.Transactions, r.NoFills, r.Aborted)

	c.printPositions(r.Positions)
	c.printSubPortfolios(r.SubPortfolios)
	c.printCommissions(r.Commissions)
	c.PrintPerf(r.Perf)
}

func (c *Console) printPositions(positions []domain.PositionView) {
	fmt.Fprintf(c.out, "\n  --- POSITIONS ---\n")
	if len(positions) == 0 {
		fmt.Fprintln(c.out, "  flat")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Ticker", "Qty", "Price", "Lot", "MV", "Margin%")
	for _, p := range positions {
		table.Append(
			p.Ticker,
			fmt.Sprintf("%d", p.Quantity),
			fmt.Sprintf("%.4f", p.Price),
			fmt.Sprintf("%g", p.LotSize),
			fmt.Sprintf("$%.2f", p.MarketValue),
			fmt.Sprintf("%.1f%%", p.MarginReq*100),
		)
	}
	table.Render()
}

func (c *Console) printSubPortfolios(subs []domain.SubPortfolioView) {
	if len(subs) == 0 {
		return
	}
	fmt.Fprintf(c.out, "\n  --- SUB-PORTFOLIOS ---\n")
	table := tablewriter.NewWriter(c.out)
	table.Header("Name", "Legs", "Long", "Short", "Exposure", "Delta", "Margin", "Side")
	for _, s := range subs {
		table.Append(
			s.Name,
			legs(s.Positions),
			fmt.Sprintf("$%.2f", s.Long),
			fmt.Sprintf("$%.2f", s.Short),
			fmt.Sprintf("$%.2f", s.Exposure),
			fmt.Sprintf("$%.2f", s.Delta),
			fmt.Sprintf("$%.2f", s.Margin),
			sideLabel(s.Side),
		)
	}
	table.Render()
}

func (c *Console) printCommissions(comms map[string]float64) {
	if len(comms) == 0 {
		return
	}
	tickers := make([]string, 0, len(comms))
	for t := range comms {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	fmt.Fprintf(c.out, "\n  --- COMMISSION BY TICKER ---\n")
	table := tablewriter.NewWriter(c.out)
	table.Header("Ticker", "Paid")
	for _, t := range tickers {
		table.Append(t, fmt.Sprintf("$%.2f", comms[t]))
	}
	table.Render()
}

// PrintPerf imprime las últimas filas de rendimiento.
func (c *Console) PrintPerf(perf []domain.PerfRecord) {
	if len(perf) == 0 {
		fmt.Fprintln(c.out, "\n  No performance rows recorded.")
		return
	}
	rows := perf
	if len(rows) > maxPerfRows {
		rows = rows[len(rows)-maxPerfRows:]
	}

	fmt.Fprintf(c.out, "\n  --- PERFORMANCE (last %d of %d) ---\n", len(rows), len(perf))
	table := tablewriter.NewWriter(c.out)
	table.Header("Time", "Cash", "MV", "NAV", "Margin", "Comms")
	for _, p := range rows {
		table.Append(
			p.Timestamp.Format("2006-01-02 15:04:05"),
			fmt.Sprintf("$%.2f", p.Cash),
			fmt.Sprintf("$%.2f", p.MarketValue),
			fmt.Sprintf("%.4f", p.NAV),
			fmt.Sprintf("$%.2f", p.Margin),
			fmt.Sprintf("$%.2f", p.Commission),
		)
	}
	table.Render()
	fmt.Fprintln(c.out)
}

// --- helpers ---

func legs(positions []domain.PositionView) string {
	parts := make([]string, 0, len(positions))
	for _, p := range positions {
		parts = append(parts, fmt.Sprintf("%s %+d", p.Ticker, p.Quantity))
	}
	return strings.Join(parts, ", ")
}

func sideLabel(side int) string {
	switch {
	case side > 0:
		return "LONG"
	case side < 0:
		return "SHORT"
	default:
		return "FLAT"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
