package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sectorwars/trade-engine/internal/catalog"
	"github.com/sectorwars/trade-engine/internal/model"
	"github.com/sectorwars/trade-engine/internal/store"
)

// SeedOptions sizes a demo galaxy.
type SeedOptions struct {
	Ports           int
	Players         int
	StartingCredits decimal.Decimal
	CargoCapacity   int64
	Now             time.Time
}

// SeedResult counts what Seed created. Existing records are skipped.
type SeedResult struct {
	Ports   int `json:"ports"`
	Markets int `json:"markets"`
	Players int `json:"players"`
}

var seedPersonalities = []model.Personality{
	model.Federation, model.Border, model.Frontier, model.Luxury, model.BlackMarket,
}

// Seed writes ports cycling through every class and personality, each
// stocked at half its catalog capacity, plus a few players. Ports produce
// what they sell and consume what they buy. Running it twice is harmless.
func Seed(ctx context.Context, st store.Store, opts SeedOptions) (SeedResult, error) {
	var res SeedResult
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}

	for i := 0; i < opts.Ports; i++ {
		class := i % (catalog.MaxClass + 1)
		pattern, err := catalog.Pattern(class)
		if err != nil {
			return res, err
		}
		port := &model.Port{
			ID:          fmt.Sprintf("port-%03d", i+1),
			Name:        fmt.Sprintf("%s %d", pattern.Name, i+1),
			SectorID:    i + 1,
			Class:       class,
			Personality: seedPersonalities[i%len(seedPersonalities)],
			CreatedAt:   opts.Now,
		}
		switch err := st.CreatePort(ctx, port); {
		case errors.Is(err, store.ErrAlreadyExists):
			continue
		case err != nil:
			return res, fmt.Errorf("create port %s: %w", port.ID, err)
		}
		res.Ports++

		for _, c := range catalog.Traded(class) {
			def, err := catalog.Commodity(c)
			if err != nil {
				return res, err
			}
			rate := def.DefaultRate
			if catalog.Supports(class, c, model.Sell) == nil {
				rate = -rate
			}
			market := &model.PortMarketState{
				PortID:         port.ID,
				Commodity:      c,
				Quantity:       def.DefaultCapacity / 2,
				Capacity:       def.DefaultCapacity,
				ProductionRate: rate,
				PriceVariance:  def.DefaultVariance,
				BasePrice:      def.BasePrice,
				LastUpdate:     opts.Now,
			}
			if err := st.CreateMarketState(ctx, market); err != nil {
				return res, fmt.Errorf("create market %s: %w", market.Key(), err)
			}
			res.Markets++
		}
	}

	for i := 0; i < opts.Players; i++ {
		p := &model.Player{
			ID:            fmt.Sprintf("player-%03d", i+1),
			Credits:       opts.StartingCredits,
			CargoCapacity: opts.CargoCapacity,
			Cargo:         map[model.Commodity]int64{},
		}
		switch err := st.CreatePlayer(ctx, p); {
		case errors.Is(err, store.ErrAlreadyExists):
			continue
		case err != nil:
			return res, fmt.Errorf("create player %s: %w", p.ID, err)
		}
		res.Players++
	}

	slog.Info("galaxy seeded", "ports", res.Ports, "markets", res.Markets, "players", res.Players)
	return res, nil
}
