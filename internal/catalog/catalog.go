// Package catalog is the read-only commodity and port-class lookup used by
// pricing and trade execution. Port classes follow the Sector Wars numbering
// (0 Sol through 11 Advanced Tech Hub); each class fixes which commodities a
// port buys from players and which it sells to them.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/sectorwars/trade-engine/internal/model"
)

var (
	ErrUnknownCommodity     = errors.New("catalog: unknown commodity")
	ErrInvalidClass         = errors.New("catalog: invalid port class")
	ErrUnsupportedCommodity = errors.New("catalog: port does not trade commodity in this direction")
)

// Category groups commodities for reporting.
type Category string

const (
	CategoryRaw        Category = "raw"
	CategoryFood       Category = "food"
	CategoryIndustrial Category = "industrial"
	CategoryLuxury     Category = "luxury"
	CategoryPopulation Category = "population"
)

// CommodityDef is an immutable catalog entry.
type CommodityDef struct {
	ID        model.Commodity `json:"id"`
	Name      string          `json:"name"`
	Category  Category        `json:"category"`
	BasePrice decimal.Decimal `json:"base_price"`
	// Seed defaults for new ports.
	DefaultCapacity int64   `json:"default_capacity"`
	DefaultRate     float64 `json:"default_production_rate"`
	DefaultVariance float64 `json:"default_price_variance"`
}

var commodities = map[model.Commodity]CommodityDef{
	model.Ore:              {model.Ore, "Ore", CategoryRaw, decimal.NewFromInt(15), 5000, 100, 0.20},
	model.Organics:         {model.Organics, "Organics", CategoryFood, decimal.NewFromInt(18), 3000, 80, 0.25},
	model.Equipment:        {model.Equipment, "Equipment", CategoryIndustrial, decimal.NewFromInt(35), 2000, 50, 0.30},
	model.Fuel:             {model.Fuel, "Fuel", CategoryRaw, decimal.NewFromInt(12), 4000, 120, 0.15},
	model.LuxuryGoods:      {model.LuxuryGoods, "Luxury Goods", CategoryLuxury, decimal.NewFromInt(100), 800, 20, 0.40},
	model.GourmetFood:      {model.GourmetFood, "Gourmet Food", CategoryFood, decimal.NewFromInt(80), 600, 15, 0.35},
	model.ExoticTechnology: {model.ExoticTechnology, "Exotic Technology", CategoryLuxury, decimal.NewFromInt(250), 200, 5, 0.50},
	model.Colonists:        {model.Colonists, "Colonists", CategoryPopulation, decimal.NewFromInt(50), 500, 10, 0.10},
}

// Commodity returns the catalog entry for id.
func Commodity(id model.Commodity) (CommodityDef, error) {
	def, ok := commodities[id]
	if !ok {
		return CommodityDef{}, fmt.Errorf("%w: %s", ErrUnknownCommodity, id)
	}
	return def, nil
}

// Commodities lists every catalog entry in a stable order.
func Commodities() []CommodityDef {
	order := []model.Commodity{
		model.Ore, model.Organics, model.Equipment, model.Fuel,
		model.LuxuryGoods, model.GourmetFood, model.ExoticTechnology, model.Colonists,
	}
	out := make([]CommodityDef, 0, len(order))
	for _, id := range order {
		out = append(out, commodities[id])
	}
	return out
}

// Special port classes.
const (
	ClassSol         = 0
	ClassBlackHole   = 8 // premium buyer
	ClassNova        = 9 // premium seller
	MaxClass         = 11
	premiumBuyerMul  = "1.3"
	premiumSellerMul = "0.8"
)

// ClassPattern lists what a port class buys from and sells to players.
type ClassPattern struct {
	Name  string
	Buys  []model.Commodity
	Sells []model.Commodity
}

var staples = []model.Commodity{model.Ore, model.Organics, model.Equipment, model.Fuel}

var classPatterns = map[int]ClassPattern{
	0:  {"Sol System", nil, []model.Commodity{model.Colonists}},
	1:  {"Mining Operation", []model.Commodity{model.Ore}, []model.Commodity{model.Organics, model.Equipment}},
	2:  {"Agricultural Center", []model.Commodity{model.Organics}, []model.Commodity{model.Ore, model.Equipment}},
	3:  {"Industrial Hub", []model.Commodity{model.Equipment}, []model.Commodity{model.Ore, model.Organics}},
	4:  {"Distribution Center", nil, staples},
	5:  {"Collection Hub", staples, nil},
	6:  {"Mixed Market", []model.Commodity{model.Ore, model.Organics}, []model.Commodity{model.Equipment, model.Fuel}},
	7:  {"Resource Exchange", []model.Commodity{model.Equipment, model.Fuel}, []model.Commodity{model.Ore, model.Organics}},
	8:  {"Black Hole", staples, nil},
	9:  {"Nova", nil, staples},
	10: {"Luxury Market", []model.Commodity{model.GourmetFood}, []model.Commodity{model.LuxuryGoods, model.ExoticTechnology}},
	11: {"Advanced Tech Hub", []model.Commodity{model.ExoticTechnology}, []model.Commodity{model.Equipment}},
}

// classRegex matches "3", "CLASS_3", "class-3".
var classRegex = regexp.MustCompile(`^(?i:class[_-]?)?(\d{1,2})$`)

// ParseClass parses a port class designation.
func ParseClass(s string) (int, error) {
	m := classRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q (expected 0-%d, optionally prefixed CLASS_)", ErrInvalidClass, s, MaxClass)
	}
	n, _ := strconv.Atoi(m[1])
	if _, ok := classPatterns[n]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidClass, n)
	}
	return n, nil
}

// Pattern returns the trading pattern for a port class.
func Pattern(class int) (ClassPattern, error) {
	p, ok := classPatterns[class]
	if !ok {
		return ClassPattern{}, fmt.Errorf("%w: %d", ErrInvalidClass, class)
	}
	return p, nil
}

// Supports checks that a port of the given class trades commodity c in
// direction d (player perspective). A port that buys a commodity accepts
// player sells; a port that sells it accepts player buys.
func Supports(class int, c model.Commodity, d model.Direction) error {
	p, err := Pattern(class)
	if err != nil {
		return err
	}
	list := p.Sells
	if d == model.Sell {
		list = p.Buys
	}
	for _, x := range list {
		if x == c {
			return nil
		}
	}
	return fmt.Errorf("%w: class %d, %s %s", ErrUnsupportedCommodity, class, d, c)
}

// Traded returns every commodity the class trades, in either direction.
func Traded(class int) []model.Commodity {
	p, ok := classPatterns[class]
	if !ok {
		return nil
	}
	seen := make(map[model.Commodity]bool)
	var out []model.Commodity
	for _, c := range append(append([]model.Commodity{}, p.Buys...), p.Sells...) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// PriceModifier returns the class-specific multiplier on base price. Black
// Hole ports pay a premium for what they buy; Nova ports discount what they
// sell.
func PriceModifier(class int, d model.Direction) decimal.Decimal {
	switch {
	case class == ClassBlackHole && d == model.Sell:
		return decimal.RequireFromString(premiumBuyerMul)
	case class == ClassNova && d == model.Buy:
		return decimal.RequireFromString(premiumSellerMul)
	}
	return decimal.NewFromInt(1)
}
