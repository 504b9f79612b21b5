package domain

import (
	"strings"
	"time"

	"github.com/alejandrodnm/backsim/internal/commission"
)

// AssetType classifies an instrument.
type AssetType string

const (
	AssetEquity  AssetType = "EQUITY"
	AssetFutures AssetType = "FUTURES"
	AssetBond    AssetType = "BOND"
)

// ParseAssetType accepts any case; unknown values default to equity.
func ParseAssetType(s string) AssetType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(AssetFutures), "FUTURE":
		return AssetFutures
	case string(AssetBond):
		return AssetBond
	default:
		return AssetEquity
	}
}

// Financing holds carry costs of a position.
type Financing struct {
	BorrowCost    float64
	FinancingCost float64
}

// Asset is the reference data of a tradable instrument.
type Asset struct {
	Ticker     string
	Type       AssetType
	Price      float64
	LotSize    float64
	MarginReq  float64
	TickSize   float64
	Expiry     time.Time
	ISIN       string
	Commission commission.Schedule
	Financing  Financing
	Info       map[string]string
}

// Default commission schedules per asset type.
var (
	EquityCommission  = commission.MustParse("dollar__2")
	FuturesCommission = commission.MustParse("dollar__1")
	BondCommission    = commission.MustParse("dollar__5")
)

// NewEquity returns an equity with the usual defaults (15% margin, 1c tick).
func NewEquity(ticker string, price, lotSize float64) Asset {
	return Asset{
		Ticker:     ticker,
		Type:       AssetEquity,
		Price:      price,
		LotSize:    lotSize,
		MarginReq:  0.15,
		TickSize:   0.01,
		Commission: EquityCommission,
	}
}

// NewFutures returns a futures contract expiring at expiry.
func NewFutures(ticker string, price, lotSize float64, expiry time.Time) Asset {
	return Asset{
		Ticker:     ticker,
		Type:       AssetFutures,
		Price:      price,
		LotSize:    lotSize,
		MarginReq:  0.15,
		Expiry:     expiry,
		Commission: FuturesCommission,
	}
}

// NewBond returns a bond. Quantity is expressed in notional, so lot size is 1.
func NewBond(ticker string, price float64, expiry time.Time, isin string) Asset {
	return Asset{
		Ticker:     ticker,
		Type:       AssetBond,
		Price:      price,
		LotSize:    1,
		MarginReq:  0.3,
		Expiry:     expiry,
		ISIN:       isin,
		Commission: BondCommission,
	}
}

// EffectiveLotSize treats an unset lot size as 1.
func (a Asset) EffectiveLotSize() float64 {
	if a.LotSize == 0 {
		return 1
	}
	return a.LotSize
}

// MarketValue is the signed notional of quantity units at the reference price.
func (a Asset) MarketValue(quantity int64) float64 {
	return a.Price * float64(quantity) * a.EffectiveLotSize()
}

// Schedule returns the asset's commission schedule, falling back to the
// type default when none was configured.
func (a Asset) Schedule() commission.Schedule {
	if !a.Commission.IsZero() {
		return a.Commission
	}
	switch a.Type {
	case AssetFutures:
		return FuturesCommission
	case AssetBond:
		return BondCommission
	default:
		return EquityCommission
	}
}
