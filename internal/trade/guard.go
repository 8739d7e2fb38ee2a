package trade

import (
	"context"

	"github.com/sectorwars/trade-engine/internal/metrics"
	"github.com/sectorwars/trade-engine/internal/negotiation"
	"github.com/sectorwars/trade-engine/internal/uniqueness"
)

type countingGuard struct {
	next negotiation.Guard
}

// InstrumentGuard counts uniqueness verdicts on their way to the engine.
func InstrumentGuard(g negotiation.Guard) negotiation.Guard {
	return countingGuard{next: g}
}

func (g countingGuard) CheckAndRecord(ctx context.Context, playerID, portID, text string) (uniqueness.Result, error) {
	res, err := g.next.CheckAndRecord(ctx, playerID, portID, text)
	if err != nil {
		metrics.StatementChecks.WithLabelValues("error").Inc()
		return res, err
	}
	metrics.StatementChecks.WithLabelValues(string(res.Verdict)).Inc()
	return res, nil
}
