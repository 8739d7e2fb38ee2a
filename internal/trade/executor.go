package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sectorwars/trade-engine/internal/metrics"
	"github.com/sectorwars/trade-engine/internal/model"
	"github.com/sectorwars/trade-engine/internal/negotiation"
	"github.com/sectorwars/trade-engine/internal/store"
)

// TradeRequest is the JSON body for POST /api/v1/trades.
type TradeRequest struct {
	PlayerID  string          `json:"player_id"`
	PortID    string          `json:"port_id"`
	Commodity model.Commodity `json:"commodity"`
	Direction model.Direction `json:"direction"`
	Quantity  int64           `json:"quantity"`
	// SessionID names an accepted negotiation whose price replaces the
	// live quote. Each accepted session backs one trade.
	SessionID string `json:"session_id,omitempty"`
}

// ExecuteTrade validates and applies one trade. Either every effect lands
// (port stock, player credits and cargo, transaction record) or none does.
func (s *Service) ExecuteTrade(ctx context.Context, req TradeRequest) (tx *model.TradeTransaction, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			metrics.TradeRejections.WithLabelValues(rejectReason(err)).Inc()
		}
	}()

	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, req.Quantity)
	}
	port, err := s.tradablePort(ctx, req.PortID, req.Commodity, req.Direction)
	if err != nil {
		return nil, err
	}

	var agreed decimal.Decimal
	negotiated := req.SessionID != ""
	if negotiated {
		sess, getErr := s.sessions.Get(req.SessionID)
		if getErr != nil {
			return nil, getErr
		}
		want := negotiation.Key{PlayerID: req.PlayerID, PortID: req.PortID, Commodity: req.Commodity, Direction: req.Direction}
		if sess.Key() != want {
			return nil, ErrSessionMismatch
		}
		if agreed, err = sess.ClaimAgreedPrice(); err != nil {
			return nil, err
		}
		// A failed trade leaves the agreement usable for a retry.
		defer func() {
			if err != nil {
				sess.ReleaseAgreedPrice()
			}
		}()
	}

	key := model.MarketKey{PortID: req.PortID, Commodity: req.Commodity}
	unlock := s.locks.Lock(key)
	var market *model.PortMarketState
	for attempt := 0; ; attempt++ {
		tx, market, err = s.executeOnce(ctx, port, req, agreed, negotiated)
		if errors.Is(err, store.ErrConcurrentModification) && attempt < s.retries {
			metrics.TradeConflicts.Inc()
			continue
		}
		break
	}
	unlock()
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(req.Commodity), string(req.Direction)).Inc()
	metrics.TradeVolume.WithLabelValues(req.PortID, string(req.Commodity), string(req.Direction)).Add(float64(req.Quantity))
	metrics.TradeLatency.WithLabelValues(string(req.Direction)).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"trade_id", tx.ID,
		"player", tx.PlayerID,
		"port", tx.PortID,
		"commodity", tx.Commodity,
		"direction", tx.Direction,
		"qty", tx.Quantity,
		"unit_price", tx.UnitPrice.String(),
		"total", tx.Total.String(),
		"negotiated", tx.Negotiated,
		"port_stock", market.Quantity,
	)

	s.broadcastPrices(port, market)
	return tx, nil
}

// executeOnce reads, validates and applies the trade against the current
// stored versions. The caller holds the key lock.
func (s *Service) executeOnce(ctx context.Context, port *model.Port, req TradeRequest, agreed decimal.Decimal, negotiated bool) (*model.TradeTransaction, *model.PortMarketState, error) {
	state, err := s.store.GetMarketState(ctx, req.PortID, req.Commodity)
	if err != nil {
		return nil, nil, fmt.Errorf("get market %s/%s: %w", req.PortID, req.Commodity, err)
	}
	now := s.now()
	market, err := s.clock.Advance(state, now)
	if err != nil {
		return nil, nil, err
	}

	price := agreed
	if !negotiated {
		if price, err = s.pricer.Quote(port, market, req.Direction); err != nil {
			return nil, nil, err
		}
	}

	player, err := s.store.GetPlayer(ctx, req.PlayerID)
	if err != nil {
		return nil, nil, fmt.Errorf("get player %s: %w", req.PlayerID, err)
	}
	next := player.Clone()
	qty := req.Quantity
	total := price.Mul(decimal.NewFromInt(qty))

	switch req.Direction {
	case model.Buy:
		if free := next.CargoCapacity - next.CargoUsed(); qty > free {
			return nil, nil, fmt.Errorf("%w: need %d free holds, have %d", ErrInsufficientCargo, qty, free)
		}
		if next.Credits.LessThan(total) {
			return nil, nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, total, next.Credits)
		}
		if market.Quantity < qty {
			return nil, nil, fmt.Errorf("%w: want %d, port holds %d", ErrInsufficientStock, qty, market.Quantity)
		}
		next.Credits = next.Credits.Sub(total)
		next.Cargo[req.Commodity] += qty
		market.Quantity -= qty

	case model.Sell:
		held := next.Cargo[req.Commodity]
		if held < qty {
			return nil, nil, fmt.Errorf("%w: want to sell %d %s, hold %d", ErrInsufficientCargo, qty, req.Commodity, held)
		}
		if capacity := s.clock.Capacity(market); market.Quantity+qty > capacity {
			return nil, nil, fmt.Errorf("%w: room for %d", ErrPortFull, capacity-market.Quantity)
		}
		next.Credits = next.Credits.Add(total)
		if held == qty {
			delete(next.Cargo, req.Commodity)
		} else {
			next.Cargo[req.Commodity] = held - qty
		}
		market.Quantity += qty
	}

	m := &model.TradeMutation{
		Market:         *market,
		ExpectedMarket: state.Version,
		Player:         *next,
		ExpectedPlayer: player.Version,
		Transaction: model.TradeTransaction{
			ID:         uuid.New().String(),
			PlayerID:   req.PlayerID,
			PortID:     req.PortID,
			Commodity:  req.Commodity,
			Direction:  req.Direction,
			Quantity:   qty,
			UnitPrice:  price,
			Total:      total,
			Negotiated: negotiated,
			Timestamp:  now,
		},
	}
	if err := s.store.ApplyTrade(ctx, m); err != nil {
		return nil, nil, fmt.Errorf("apply trade: %w", err)
	}
	return &m.Transaction, &m.Market, nil
}

var rejectReasons = []struct {
	err    error
	reason string
}{
	{ErrInvalidQuantity, "invalid_quantity"},
	{ErrInvalidDirection, "invalid_direction"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInsufficientCargo, "insufficient_cargo"},
	{ErrInsufficientStock, "insufficient_stock"},
	{ErrPortFull, "port_full"},
	{ErrSessionMismatch, "session_mismatch"},
	{negotiation.ErrNotAccepted, "not_accepted"},
	{negotiation.ErrAlreadyUsed, "agreement_used"},
	{store.ErrConcurrentModification, "conflict"},
	{store.ErrNotFound, "not_found"},
}

func rejectReason(err error) string {
	for _, r := range rejectReasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "other"
}
