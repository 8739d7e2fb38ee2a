package pricing

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sectorwars/trade-engine/internal/catalog"
	"github.com/sectorwars/trade-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newModel(t *testing.T) *Model {
	t.Helper()
	m, err := NewModel(DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

// miningPort buys ore from players.
var miningPort = &model.Port{ID: "port-1", Class: 1, Personality: model.Border}

func oreState(qty int64, rate, variance, base float64) *model.PortMarketState {
	return &model.PortMarketState{
		PortID:         "port-1",
		Commodity:      model.Ore,
		Quantity:       qty,
		ProductionRate: rate,
		PriceVariance:  variance,
		BasePrice:      d(base),
	}
}

// --- Constructor tests ---

func TestNewModel_InvalidParams(t *testing.T) {
	bad := []Params{
		{MinFactor: 0, MaxFactor: 3, DepletionScale: 1000, RateFloor: 1, ScarcityMultiplier: 1.5},
		{MinFactor: 0.5, MaxFactor: 0.2, DepletionScale: 1000, RateFloor: 1, ScarcityMultiplier: 1.5},
		{MinFactor: 0.1, MaxFactor: 3, DepletionScale: 0, RateFloor: 1, ScarcityMultiplier: 1.5},
		{MinFactor: 0.1, MaxFactor: 3, DepletionScale: 1000, RateFloor: 0, ScarcityMultiplier: 1.5},
		{MinFactor: 0.1, MaxFactor: 3, DepletionScale: 1000, RateFloor: 1, ScarcityMultiplier: 0.5},
	}
	for i, p := range bad {
		if _, err := NewModel(p); err != ErrInvalidParams {
			t.Errorf("case %d: expected ErrInvalidParams, got %v", i, err)
		}
	}
}

// --- Formula tests ---

func TestQuote_DocumentedScenario(t *testing.T) {
	m := newModel(t)
	// 38 * (1 - 0.3*200/(1000*1000)) = 37.99772
	price, err := m.Quote(miningPort, oreState(200, 1000, 0.3, 38), model.Sell)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price.Sub(d(37.9977)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected ≈37.9977, got %s", price)
	}
}

func TestQuote_UnsupportedDirection(t *testing.T) {
	m := newModel(t)
	_, err := m.Quote(miningPort, oreState(200, 1000, 0.3, 38), model.Buy)
	if !errors.Is(err, catalog.ErrUnsupportedCommodity) {
		t.Errorf("mining port does not sell ore, got %v", err)
	}
}

func TestQuote_Deterministic(t *testing.T) {
	m := newModel(t)
	s := oreState(1234, 50, 0.4, 15)
	a, _ := m.Quote(miningPort, s, model.Sell)
	b, _ := m.Quote(miningPort, s, model.Sell)
	if !a.Equal(b) {
		t.Errorf("same state should quote identically: %s vs %s", a, b)
	}
}

func TestQuote_ScarcityCeiling(t *testing.T) {
	m := newModel(t)
	price, err := m.Quote(miningPort, oreState(0, 100, 0.2, 15), model.Sell)
	if err != nil {
		t.Fatalf("empty stock must not error: %v", err)
	}
	if !price.Equal(d(22.5)) {
		t.Errorf("expected scarcity ceiling 15*1.5=22.5, got %s", price)
	}
}

func TestQuote_ZeroProductionUsesFloor(t *testing.T) {
	m := newModel(t)
	// rate 0 → floor 1 → 15 * (1 - 0.2*1000/1000) = 12
	price, err := m.Quote(miningPort, oreState(1000, 0, 0.2, 15), model.Sell)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(d(12)) {
		t.Errorf("expected 12, got %s", price)
	}
}

func TestQuote_NegativeRateUsesAbsoluteValue(t *testing.T) {
	m := newModel(t)
	pos, _ := m.Quote(miningPort, oreState(500, 40, 0.3, 15), model.Sell)
	neg, _ := m.Quote(miningPort, oreState(500, -40, 0.3, 15), model.Sell)
	if !pos.Equal(neg) {
		t.Errorf("sink and source with equal |rate| should price equally: %s vs %s", pos, neg)
	}
}

func TestQuote_PremiumModifiers(t *testing.T) {
	m := newModel(t)
	blackHole := &model.Port{ID: "bh", Class: catalog.ClassBlackHole}
	price, err := m.Quote(blackHole, oreState(0, 0, 0, 10), model.Sell)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 10 * 1.3 * 1.5 scarcity = 19.5
	if !price.Equal(d(19.5)) {
		t.Errorf("expected 19.5, got %s", price)
	}

	nova := &model.Port{ID: "nova", Class: catalog.ClassNova}
	price, err = m.Quote(nova, oreState(0, 100, 0.2, 10), model.Buy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(d(8)) {
		t.Errorf("expected nova discount to 8, got %s", price)
	}
}

func TestPrice_InvalidBase(t *testing.T) {
	m := newModel(t)
	_, err := m.Price(oreState(10, 10, 0.1, 0), model.Sell, decimal.NewFromInt(1))
	if err != ErrInvalidBasePrice {
		t.Errorf("expected ErrInvalidBasePrice, got %v", err)
	}
}

// --- Property tests ---

func TestPrice_MonotoneInQuantity(t *testing.T) {
	m := newModel(t)
	rng := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 200; trial++ {
		rate := rng.Float64()*500 - 100
		variance := rng.Float64()
		base := 1 + rng.Float64()*300
		prev := decimal.Zero
		for i, qty := range sortedQuantities(rng, 50) {
			price, err := m.Price(oreState(qty, rate, variance, base), model.Sell, decimal.NewFromInt(1))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if i > 0 && price.GreaterThan(prev) {
				t.Fatalf("price rose with supply: qty=%d price=%s prev=%s (rate=%.2f var=%.2f)",
					qty, price, prev, rate, variance)
			}
			prev = price
		}
	}
}

func TestPrice_AlwaysWithinBounds(t *testing.T) {
	m := newModel(t)
	rng := rand.New(rand.NewPCG(3, 5))
	for trial := 0; trial < 2000; trial++ {
		qty := rng.Int64N(1 << 40)
		rate := (rng.Float64() - 0.5) * 1e6
		variance := rng.Float64() * 10
		base := 0.01 + rng.Float64()*1000
		dir := model.Buy
		if trial%2 == 0 {
			dir = model.Sell
		}
		s := oreState(qty, rate, variance, base)
		price, err := m.Price(s, dir, decimal.NewFromInt(1))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		lo, hi := m.Bounds(s.BasePrice)
		if price.LessThan(lo) || price.GreaterThan(hi) {
			t.Fatalf("price %s outside [%s, %s]", price, lo, hi)
		}
		if !price.IsPositive() {
			t.Fatalf("price must be positive, got %s", price)
		}
	}
}

func sortedQuantities(rng *rand.Rand, n int) []int64 {
	out := make([]int64, n)
	var q int64
	for i := range out {
		out[i] = q
		q += rng.Int64N(50000)
	}
	return out
}
