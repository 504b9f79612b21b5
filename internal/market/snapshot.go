// Package market keeps the latest observed market data per ticker.
package market

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/backsim/internal/domain"
)

// Value is an optional field value. The zero Value is unavailable.
type Value struct {
	v  float64
	ok bool
}

// Some wraps an observed value. Non-finite values stay unavailable.
func Some(v float64) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Value{}
	}
	return Value{v: v, ok: true}
}

// Get returns the value and whether it is available.
func (v Value) Get() (float64, bool) { return v.v, v.ok }

// Available reports whether the value can be used as a price.
func (v Value) Available() bool { return v.ok }

// Or returns the value, or def when unavailable.
func (v Value) Or(def float64) float64 {
	if !v.ok {
		return def
	}
	return v.v
}

// Row is a copy of the fields observed for one ticker.
type Row struct {
	fields map[string]float64
}

// Field returns the named field; missing and non-finite fields are unavailable.
func (r Row) Field(name string) Value {
	v, ok := r.fields[name]
	if !ok {
		return Value{}
	}
	return Some(v)
}

// Fields returns the observed field names, sorted.
func (r Row) Fields() []string {
	names := make([]string, 0, len(r.fields))
	for k := range r.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Snapshot is the latest field set per ticker plus a global as-of time that
// only moves forward.
type Snapshot struct {
	mu   sync.RWMutex
	rows map[string]map[string]float64
	asOf time.Time
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{rows: make(map[string]map[string]float64)}
}

// Update merges fields into the ticker's row. Stale updates are merged too
// but never move the as-of time backwards.
func (s *Snapshot) Update(ticker string, fields map[string]float64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merge(ticker, fields)
	s.advance(ts)
}

// UpdateBatch applies several tickers observed at the same time.
func (s *Snapshot) UpdateBatch(batch map[string]map[string]float64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ticker, fields := range batch {
		s.merge(ticker, fields)
	}
	s.advance(ts)
}

// Apply merges a market event.
func (s *Snapshot) Apply(ev domain.MarketEvent) {
	s.Update(ev.Ticker, ev.Fields, ev.Timestamp)
}

// Lookup returns a copy of the ticker's row; unknown tickers give an empty row.
func (s *Snapshot) Lookup(ticker string) Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.rows[ticker]
	row := Row{fields: make(map[string]float64, len(src))}
	for k, v := range src {
		row.fields[k] = v
	}
	return row
}

// Price is shorthand for Lookup(ticker).Field(field).
func (s *Snapshot) Price(ticker, field string) Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.rows[ticker][field]
	if !ok {
		return Value{}
	}
	return Some(v)
}

// AsOf returns the latest timestamp applied, false before any update.
func (s *Snapshot) AsOf() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.asOf, !s.asOf.IsZero()
}

// Tickers returns every ticker observed so far, sorted.
func (s *Snapshot) Tickers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rows))
	for k := range s.rows {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Snapshot) merge(ticker string, fields map[string]float64) {
	row, ok := s.rows[ticker]
	if !ok {
		row = make(map[string]float64, len(fields))
		s.rows[ticker] = row
	}
	for k, v := range fields {
		row[k] = v
	}
}

func (s *Snapshot) advance(ts time.Time) {
	if ts.After(s.asOf) {
		s.asOf = ts
	}
}
