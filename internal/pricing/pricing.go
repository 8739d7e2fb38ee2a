// Package pricing implements the port supply/demand price model.
//
// A port's quote for a commodity falls as its stock rises relative to its
// production capacity:
//
//	price = base * modifier * (1 - variance * qty / (max(|rate|, floor) * scale))
//
// The result is clamped to [MinFactor*base, MaxFactor*base] so no inventory
// state can produce a free or runaway price. The model is stateless; market
// state is passed in, never stored.
package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/sectorwars/trade-engine/internal/catalog"
	"github.com/sectorwars/trade-engine/internal/model"
)

var (
	// ErrInvalidParams is returned when a Model is built with bounds that
	// could yield a non-positive or inverted price range.
	ErrInvalidParams = errors.New("pricing: invalid model parameters")

	// ErrInvalidBasePrice is returned when the market state has no positive
	// base price.
	ErrInvalidBasePrice = errors.New("pricing: base price must be positive")

	// PriceScale is the number of decimal places quotes are rounded to.
	PriceScale int32 = 4
)

// Params tunes the price model.
type Params struct {
	MinFactor          float64 // lower clamp as a fraction of base price
	MaxFactor          float64 // upper clamp as a multiple of base price
	DepletionScale     float64 // the 1000 in the denominator
	RateFloor          float64 // denominator floor for zero-production commodities
	ScarcityMultiplier float64 // applied when a buying port holds no stock
}

// DefaultParams returns the standard tuning.
func DefaultParams() Params {
	return Params{
		MinFactor:          0.1,
		MaxFactor:          3,
		DepletionScale:     1000,
		RateFloor:          1,
		ScarcityMultiplier: 1.5,
	}
}

// Model computes quotes.
type Model struct {
	p Params
}

// NewModel validates params and returns a model.
func NewModel(p Params) (*Model, error) {
	if p.MinFactor <= 0 || p.MaxFactor < p.MinFactor || p.DepletionScale <= 0 || p.RateFloor <= 0 {
		return nil, ErrInvalidParams
	}
	if p.ScarcityMultiplier < 1 {
		return nil, ErrInvalidParams
	}
	return &Model{p: p}, nil
}

// Params returns the model's tuning.
func (m *Model) Params() Params {
	return m.p
}

// Quote returns the unit price the port offers for state.Commodity in
// direction d. The port's class must trade the commodity in that direction.
func (m *Model) Quote(port *model.Port, state *model.PortMarketState, d model.Direction) (decimal.Decimal, error) {
	if err := catalog.Supports(port.Class, state.Commodity, d); err != nil {
		return decimal.Zero, err
	}
	return m.Price(state, d, catalog.PriceModifier(port.Class, d))
}

// Price evaluates the formula without the class check.
func (m *Model) Price(state *model.PortMarketState, d model.Direction, modifier decimal.Decimal) (decimal.Decimal, error) {
	if !state.BasePrice.IsPositive() {
		return decimal.Zero, ErrInvalidBasePrice
	}
	base := state.BasePrice.Mul(modifier)
	lo, hi := m.Bounds(base)

	if state.Quantity <= 0 && d == model.Sell {
		ceiling := base.Mul(decimal.NewFromFloat(m.p.ScarcityMultiplier))
		return clamp(ceiling.Round(PriceScale), lo, hi), nil
	}

	rate := math.Max(math.Abs(state.ProductionRate), m.p.RateFloor)
	denom := decimal.NewFromFloat(rate).Mul(decimal.NewFromFloat(m.p.DepletionScale))
	depletion := decimal.NewFromFloat(state.PriceVariance).
		Mul(decimal.NewFromInt(state.Quantity)).
		Div(denom)
	price := base.Mul(decimal.NewFromInt(1).Sub(depletion)).Round(PriceScale)

	return clamp(price, lo, hi), nil
}

// Bounds returns the clamp range for a (modified) base price.
func (m *Model) Bounds(base decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	lo := base.Mul(decimal.NewFromFloat(m.p.MinFactor)).Round(PriceScale)
	hi := base.Mul(decimal.NewFromFloat(m.p.MaxFactor)).Round(PriceScale)
	// A tiny base could round the floor to zero; keep it strictly positive.
	if !lo.IsPositive() {
		lo = decimal.New(1, -PriceScale)
	}
	return lo, hi
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
