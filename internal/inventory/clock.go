// Package inventory advances port stock through production and consumption.
//
// Catch-up is lazy: nothing ticks in the background. Callers advance a
// market state to "now" right before they quote or trade against it.
package inventory

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sectorwars/trade-engine/internal/model"
)

// ErrClockRegression is returned when now is earlier than the state's last
// update. The state is left untouched.
var ErrClockRegression = errors.New("inventory: clock regression")

// Clock derives capacity and applies elapsed production.
type Clock struct {
	StorageHours float64 // capacity = |rate| * StorageHours
	MinCapacity  int64
}

// NewClock returns a clock with the given storage horizon.
func NewClock(storageHours float64, minCapacity int64) *Clock {
	if storageHours <= 0 {
		storageHours = 240
	}
	if minCapacity < 1 {
		minCapacity = 1
	}
	return &Clock{StorageHours: storageHours, MinCapacity: minCapacity}
}

// Capacity returns the maximum stock the port can hold for this commodity.
// An explicit capacity on the state wins over the derived one.
func (c *Clock) Capacity(s *model.PortMarketState) int64 {
	if s.Capacity > 0 {
		return s.Capacity
	}
	derived := int64(math.Abs(s.ProductionRate) * c.StorageHours)
	if derived < c.MinCapacity {
		return c.MinCapacity
	}
	return derived
}

// Advance returns a copy of s with production applied up to now. It never
// mutates s. Advancing twice to the same instant is a no-op the second time.
func (c *Clock) Advance(s *model.PortMarketState, now time.Time) (*model.PortMarketState, error) {
	if now.Before(s.LastUpdate) {
		return nil, fmt.Errorf("%w: %s before last update %s (%s)",
			ErrClockRegression, now.Format(time.RFC3339Nano), s.LastUpdate.Format(time.RFC3339Nano), s.Key())
	}

	out := *s
	if s.LastUpdate.IsZero() {
		// Never updated: start the clock without crediting production.
		out.LastUpdate = now
		return &out, nil
	}

	hours := now.Sub(s.LastUpdate).Hours()
	if hours == 0 {
		return &out, nil
	}

	units := s.ProductionRate*hours + s.Carry
	whole := math.Trunc(units)
	capacity := c.Capacity(s)

	qty := float64(s.Quantity) + whole
	// The carry only resets when a bound actually cuts production off.
	switch {
	case qty > float64(capacity) || (qty == float64(capacity) && units > 0):
		out.Quantity = capacity
		out.Carry = 0
	case qty < 0 || (qty == 0 && units < 0):
		out.Quantity = 0
		out.Carry = 0
	default:
		out.Quantity = int64(qty)
		out.Carry = units - whole
	}
	out.LastUpdate = now
	return &out, nil
}

// HoursSince reports the fractional hours between the last update and now.
func HoursSince(s *model.PortMarketState, now time.Time) float64 {
	if s.LastUpdate.IsZero() || now.Before(s.LastUpdate) {
		return 0
	}
	return now.Sub(s.LastUpdate).Hours()
}
