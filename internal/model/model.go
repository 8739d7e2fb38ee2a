// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Commodity identifies a tradable good.
type Commodity string

const (
	Ore              Commodity = "ore"
	Organics         Commodity = "organics"
	Equipment        Commodity = "equipment"
	Fuel             Commodity = "fuel"
	LuxuryGoods      Commodity = "luxury_goods"
	GourmetFood      Commodity = "gourmet_food"
	ExoticTechnology Commodity = "exotic_technology"
	Colonists        Commodity = "colonists"
)

// Direction is always expressed from the player's point of view:
// Buy means the player buys from the port, Sell means the player sells to it.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// Personality tags a port's trader behaviour during haggling.
type Personality string

const (
	Federation  Personality = "FEDERATION"
	Border      Personality = "BORDER"
	Frontier    Personality = "FRONTIER"
	Luxury      Personality = "LUXURY"
	BlackMarket Personality = "BLACK_MARKET"
)

// Port is a tradable node in a sector. Class and Personality are fixed at
// creation.
type Port struct {
	ID          string      `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	SectorID    int         `json:"sector_id" db:"sector_id"`
	Class       int         `json:"class" db:"class"`
	Personality Personality `json:"personality" db:"personality"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// PortMarketState is the mutable inventory of one commodity at one port.
// Quantity is never negative and never exceeds the derived capacity.
type PortMarketState struct {
	PortID         string          `json:"port_id" db:"port_id"`
	Commodity      Commodity       `json:"commodity" db:"commodity"`
	Quantity       int64           `json:"quantity" db:"quantity"`
	Capacity       int64           `json:"capacity,omitempty" db:"capacity"` // 0 → derived from production
	ProductionRate float64         `json:"production_rate" db:"production_rate"`
	PriceVariance  float64         `json:"price_variance" db:"price_variance"`
	BasePrice      decimal.Decimal `json:"base_price" db:"base_price"`
	Carry          float64         `json:"carry" db:"carry"` // fractional production not yet credited
	LastUpdate     time.Time       `json:"last_update" db:"last_update"`
	Version        int64           `json:"version" db:"version"`
}

// Key returns the serialisation key for this state.
func (s *PortMarketState) Key() MarketKey {
	return MarketKey{PortID: s.PortID, Commodity: s.Commodity}
}

// MarketKey identifies a (port, commodity) pair.
type MarketKey struct {
	PortID    string
	Commodity Commodity
}

func (k MarketKey) String() string {
	return k.PortID + ":" + string(k.Commodity)
}

// Player is the slice of player state the trade executor needs.
type Player struct {
	ID            string              `json:"id" db:"id"`
	Credits       decimal.Decimal     `json:"credits" db:"credits"`
	CargoCapacity int64               `json:"cargo_capacity" db:"cargo_capacity"`
	Cargo         map[Commodity]int64 `json:"cargo"`
	Version       int64               `json:"version" db:"version"`
}

// CargoUsed returns the total units held across all commodities.
func (p *Player) CargoUsed() int64 {
	var used int64
	for _, q := range p.Cargo {
		used += q
	}
	return used
}

// Clone returns a deep copy so callers can mutate without touching the source.
func (p *Player) Clone() *Player {
	c := *p
	c.Cargo = make(map[Commodity]int64, len(p.Cargo))
	for k, v := range p.Cargo {
		c.Cargo[k] = v
	}
	return &c
}

// TradeTransaction is an immutable record of a completed trade.
// Once created, these are never modified or deleted.
type TradeTransaction struct {
	ID         string          `json:"id" db:"id"`
	PlayerID   string          `json:"player_id" db:"player_id"`
	PortID     string          `json:"port_id" db:"port_id"`
	Commodity  Commodity       `json:"commodity" db:"commodity"`
	Direction  Direction       `json:"direction" db:"direction"`
	Quantity   int64           `json:"quantity" db:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price" db:"unit_price"`
	Total      decimal.Decimal `json:"total" db:"total"`
	Negotiated bool            `json:"negotiated" db:"negotiated"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// HagglingStatementRecord is one narrative haggling statement in the corpus.
// Append-only.
type HagglingStatementRecord struct {
	ID         string    `json:"id" db:"id"`
	Normalized string    `json:"normalized" db:"normalized"`
	Embedding  []float32 `json:"embedding"`
	PlayerID   string    `json:"player_id" db:"player_id"`
	PortID     string    `json:"port_id" db:"port_id"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
}

// TradeMutation is the full set of changes a trade applies. Stores apply it
// atomically or not at all.
type TradeMutation struct {
	Market         PortMarketState
	ExpectedMarket int64 // market version the mutation was computed from
	Player         Player
	ExpectedPlayer int64
	Transaction    TradeTransaction
}
