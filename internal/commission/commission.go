// Package commission models broker commission schedules.
//
// A schedule is encoded as "{kind}__{cost}" or "{kind}__{cost}__{min_cost}":
//
//	share__5        5 cents per unit traded
//	dollar__15      15 bps of traded notional
//	trade__75       flat 75 per trade
//	dollar__2__1.5  2 bps, never less than 1.50
//
// Costs are quoted in the unit that is natural for the kind (cents, bps, currency)
// and normalized once at construction.
package commission

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const separator = "__"

var (
	// ErrUnknownKind is returned by Parse for an unrecognized kind token.
	ErrUnknownKind = errors.New("commission: unknown kind")

	// ErrInvalidCost is returned by Parse when cost or min cost is not a number.
	ErrInvalidCost = errors.New("commission: invalid cost")
)

// Kind is the closed set of commission schedules.
type Kind int

const (
	PerShare Kind = iota + 1
	PerNotional
	PerTrade
)

// String returns the canonical spelling used in the compact encoding.
func (k Kind) String() string {
	switch k {
	case PerShare:
		return "per-share"
	case PerNotional:
		return "per-notional"
	case PerTrade:
		return "per-trade"
	default:
		return "unknown"
	}
}

// scale is the power of ten the quoted cost is divided by.
func (k Kind) scale() int32 {
	switch k {
	case PerShare:
		return 2
	case PerNotional:
		return 4
	default:
		return 0
	}
}

var kinds = map[string]Kind{
	"share":        PerShare,
	"per_share":    PerShare,
	"per-share":    PerShare,
	"dollar":       PerNotional,
	"bps":          PerNotional,
	"notional":     PerNotional,
	"per_notional": PerNotional,
	"per-notional": PerNotional,
	"trade":        PerTrade,
	"per_trade":    PerTrade,
	"per-trade":    PerTrade,
}

// Schedule is an immutable commission schedule.
type Schedule struct {
	Kind Kind
	// Cost is the normalized coefficient: currency per unit, fraction of notional
	// or currency per trade depending on Kind.
	Cost    float64
	MinCost float64

	quoted float64
}

// Cost is the outcome of a commission calculation.
type Cost struct {
	Total float64
	Bps   float64
}

// New builds a schedule from a cost quoted in the kind's natural unit.
func New(kind Kind, quoted, minCost float64) Schedule {
	return Schedule{
		Kind:    kind,
		Cost:    Round(quoted/math.Pow10(int(kind.scale())), 6),
		MinCost: Round(minCost, 2),
		quoted:  quoted,
	}
}

// Parse decodes the compact "{kind}__{cost}[__{min_cost}]" encoding.
// A bare number is read as a per-notional cost in bps.
func Parse(value string) (Schedule, error) {
	value = strings.TrimSpace(value)
	parts := strings.Split(value, separator)
	if len(parts) == 1 {
		parts = []string{"dollar", parts[0]}
	}
	if len(parts) > 3 {
		return Schedule{}, fmt.Errorf("commission.Parse: %q: too many fields: %w", value, ErrInvalidCost)
	}

	kind, ok := kinds[strings.ToLower(parts[0])]
	if !ok {
		return Schedule{}, fmt.Errorf("commission.Parse: %q: %w %q", value, ErrUnknownKind, parts[0])
	}

	cost, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || math.IsNaN(cost) || math.IsInf(cost, 0) {
		return Schedule{}, fmt.Errorf("commission.Parse: %q: cost %q: %w", value, parts[1], ErrInvalidCost)
	}

	var minCost float64
	if len(parts) == 3 {
		minCost, err = strconv.ParseFloat(parts[2], 64)
		if err != nil || math.IsNaN(minCost) || math.IsInf(minCost, 0) {
			return Schedule{}, fmt.Errorf("commission.Parse: %q: min cost %q: %w", value, parts[2], ErrInvalidCost)
		}
	}

	return New(kind, cost, minCost), nil
}

// MustParse is Parse for package-level defaults; it panics on a bad value.
func MustParse(value string) Schedule {
	s, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return s
}

// String re-encodes the schedule in its compact form.
func (s Schedule) String() string {
	out := s.Kind.String() + separator + strconv.FormatFloat(s.quoted, 'f', -1, 64)
	if s.MinCost != 0 {
		out += separator + strconv.FormatFloat(s.MinCost, 'f', -1, 64)
	}
	return out
}

// IsZero reports whether the schedule was never set.
func (s Schedule) IsZero() bool {
	return s.Kind == 0
}

// Calculate returns the commission for a signed quantity filled at price.
// The total is floored at MinCost and rounded to cents before bps are derived.
func (s Schedule) Calculate(quantity, price float64) Cost {
	if quantity == 0 {
		return Cost{}
	}

	raw := math.Max(s.raw(quantity, price), s.MinCost)
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return Cost{}
	}
	total := Round(raw, 2)

	amount := quantity * price
	if amount == 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Cost{Total: total}
	}
	bps := math.Abs(Round(total/amount*1e4, 2))
	return Cost{Total: total, Bps: bps}
}

func (s Schedule) raw(quantity, price float64) float64 {
	switch s.Kind {
	case PerShare:
		return math.Abs(quantity * s.Cost)
	case PerNotional:
		return math.Abs(quantity) * price * s.Cost
	case PerTrade:
		return s.Cost
	default:
		return 0
	}
}

// exactDigits is enough fractional digits to print any float64 exactly.
const exactDigits = 1074

// Round rounds the exact binary value of x to places decimals. Exact ties
// go to the even digit, so 0.125 becomes 0.12 and 2.675 (stored just below
// the tie) becomes 2.67.
func Round(x float64, places int) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	d, err := decimal.NewFromString(strconv.FormatFloat(x, 'f', exactDigits, 64))
	if err != nil {
		return x
	}
	return d.RoundBank(int32(places)).InexactFloat64()
}
