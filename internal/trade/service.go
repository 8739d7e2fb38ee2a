// Package trade is the caller-facing façade of the port trading engine. It
// quotes prices, runs haggling sessions and executes trades atomically
// against the store, one (port, commodity) pair at a time.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sectorwars/trade-engine/internal/catalog"
	"github.com/sectorwars/trade-engine/internal/inventory"
	"github.com/sectorwars/trade-engine/internal/metrics"
	"github.com/sectorwars/trade-engine/internal/model"
	"github.com/sectorwars/trade-engine/internal/negotiation"
	"github.com/sectorwars/trade-engine/internal/pricing"
	"github.com/sectorwars/trade-engine/internal/store"
)

var (
	ErrInvalidQuantity   = errors.New("trade: quantity must be positive")
	ErrInvalidDirection  = errors.New("trade: direction must be buy or sell")
	ErrInsufficientFunds = errors.New("trade: insufficient credits")
	ErrInsufficientCargo = errors.New("trade: insufficient cargo")
	ErrInsufficientStock = errors.New("trade: port has insufficient stock")
	ErrPortFull          = errors.New("trade: port storage is full")
	ErrSessionMismatch   = errors.New("trade: negotiation session does not cover this trade")
)

const defaultConflictRetries = 3

// Service serialises work per (port, commodity) with a keyed mutex and relies
// on the store's version checks for anything shared across keys, such as a
// player's credits.
type Service struct {
	store    store.Store
	pricer   *pricing.Model
	clock    *inventory.Clock
	engine   *negotiation.Engine
	sessions *negotiation.Registry
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
	locks    *keyedMutex
	now      func() time.Time
	retries  int
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithConflictRetries sets how often a trade is recomputed after losing an
// optimistic write race.
func WithConflictRetries(n int) Option {
	return func(s *Service) { s.retries = n }
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, pricer *pricing.Model, clock *inventory.Clock, engine *negotiation.Engine,
	sessions *negotiation.Registry, hub *WSHub, opts ...Option) *Service {
	s := &Service{
		store:    st,
		pricer:   pricer,
		clock:    clock,
		engine:   engine,
		sessions: sessions,
		wsHub:    hub,
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
		retries:  defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PriceQuote is the live price of one commodity at one port.
type PriceQuote struct {
	PortID    string          `json:"port_id"`
	Commodity model.Commodity `json:"commodity"`
	Direction model.Direction `json:"direction"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Capacity  int64           `json:"capacity"`
	AsOf      time.Time       `json:"as_of"`
}

// BoardEntry is one row of a port's market board. BuyPrice is what a player
// pays the port, SellPrice what the port pays a player; either is absent
// when the port's class does not trade that way.
type BoardEntry struct {
	Commodity model.Commodity  `json:"commodity"`
	Name      string           `json:"name"`
	Quantity  int64            `json:"quantity"`
	Capacity  int64            `json:"capacity"`
	BuyPrice  *decimal.Decimal `json:"buy_price,omitempty"`
	SellPrice *decimal.Decimal `json:"sell_price,omitempty"`
}

// Board lists every commodity a port stocks.
type Board struct {
	Port    model.Port   `json:"port"`
	Entries []BoardEntry `json:"entries"`
	AsOf    time.Time    `json:"as_of"`
}

// Quote prices a commodity as of now without persisting the catch-up.
func (s *Service) Quote(ctx context.Context, portID string, c model.Commodity, d model.Direction) (*PriceQuote, error) {
	port, err := s.tradablePort(ctx, portID, c, d)
	if err != nil {
		return nil, err
	}
	state, err := s.store.GetMarketState(ctx, portID, c)
	if err != nil {
		return nil, fmt.Errorf("get market %s/%s: %w", portID, c, err)
	}
	advanced, err := s.clock.Advance(state, s.now())
	if err != nil {
		return nil, err
	}
	return s.quote(port, advanced, d)
}

// AdvanceAndQuote catches the market up to at, persists the new inventory
// and prices it. A zero at means now.
func (s *Service) AdvanceAndQuote(ctx context.Context, portID string, c model.Commodity, d model.Direction, at time.Time) (*PriceQuote, error) {
	port, err := s.tradablePort(ctx, portID, c, d)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = s.now()
	}

	unlock := s.locks.Lock(model.MarketKey{PortID: portID, Commodity: c})
	defer unlock()

	for attempt := 0; ; attempt++ {
		state, err := s.store.GetMarketState(ctx, portID, c)
		if err != nil {
			return nil, fmt.Errorf("get market %s/%s: %w", portID, c, err)
		}
		advanced, err := s.clock.Advance(state, at)
		if err != nil {
			return nil, err
		}
		if advanced.LastUpdate.Equal(state.LastUpdate) {
			return s.quote(port, advanced, d)
		}
		err = s.store.SaveMarketState(ctx, advanced)
		if errors.Is(err, store.ErrConcurrentModification) && attempt < s.retries {
			metrics.TradeConflicts.Inc()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save market %s/%s: %w", portID, c, err)
		}
		return s.quote(port, advanced, d)
	}
}

// MarketBoard quotes every commodity the port stocks, in both directions it
// trades them.
func (s *Service) MarketBoard(ctx context.Context, portID string) (*Board, error) {
	port, err := s.store.GetPort(ctx, portID)
	if err != nil {
		return nil, fmt.Errorf("get port %s: %w", portID, err)
	}
	states, err := s.store.ListMarketStates(ctx, portID)
	if err != nil {
		return nil, fmt.Errorf("list markets %s: %w", portID, err)
	}

	now := s.now()
	board := &Board{Port: *port, Entries: make([]BoardEntry, 0, len(states)), AsOf: now}
	for i := range states {
		advanced, err := s.clock.Advance(&states[i], now)
		if err != nil {
			return nil, err
		}
		entry := BoardEntry{
			Commodity: advanced.Commodity,
			Quantity:  advanced.Quantity,
			Capacity:  s.clock.Capacity(advanced),
		}
		if def, err := catalog.Commodity(advanced.Commodity); err == nil {
			entry.Name = def.Name
		}
		if p, err := s.pricer.Quote(port, advanced, model.Buy); err == nil {
			entry.BuyPrice = &p
		}
		if p, err := s.pricer.Quote(port, advanced, model.Sell); err == nil {
			entry.SellPrice = &p
		}
		board.Entries = append(board.Entries, entry)
	}
	return board, nil
}

// OpenNegotiation starts haggling over the live quote. An open session for
// the same player, port, commodity and direction is resumed instead.
func (s *Service) OpenNegotiation(ctx context.Context, playerID, portID string, c model.Commodity, d model.Direction) (negotiation.View, error) {
	if _, err := s.store.GetPlayer(ctx, playerID); err != nil {
		return negotiation.View{}, fmt.Errorf("get player %s: %w", playerID, err)
	}
	port, err := s.tradablePort(ctx, portID, c, d)
	if err != nil {
		return negotiation.View{}, err
	}
	q, err := s.Quote(ctx, portID, c, d)
	if err != nil {
		return negotiation.View{}, err
	}

	sess, err := s.sessions.Register(negotiation.NewSession(playerID, port, c, d, q.Price, s.now()))
	if err != nil {
		return negotiation.View{}, err
	}
	metrics.ActiveNegotiations.Set(float64(s.sessions.Len()))
	return sess.Snapshot(), nil
}

// Negotiation returns the current state of a session.
func (s *Service) Negotiation(sessionID string) (negotiation.View, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return negotiation.View{}, err
	}
	return sess.Snapshot(), nil
}

// SubmitOffer evaluates one offer in a session.
func (s *Service) SubmitOffer(ctx context.Context, sessionID string, offer negotiation.Offer) (negotiation.Outcome, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return negotiation.Outcome{}, err
	}
	out, err := s.engine.SubmitOffer(ctx, sess, offer)
	if err != nil {
		return out, err
	}
	recordOutcome(sess, out)
	return out, nil
}

// AcceptCounter takes the port's outstanding counter-offer.
func (s *Service) AcceptCounter(ctx context.Context, sessionID string) (negotiation.Outcome, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return negotiation.Outcome{}, err
	}
	out, err := s.engine.AcceptCounter(ctx, sess)
	if err != nil {
		return out, err
	}
	recordOutcome(sess, out)
	return out, nil
}

// AbandonNegotiation expires a session. The player cannot reopen it until
// they leave the port.
func (s *Service) AbandonNegotiation(sessionID string) error {
	return s.sessions.Abandon(sessionID)
}

// EndVisit drops the player's sessions at the port and returns how many
// were dropped.
func (s *Service) EndVisit(playerID, portID string) int {
	n := s.sessions.EndVisit(playerID, portID)
	metrics.ActiveNegotiations.Set(float64(s.sessions.Len()))
	return n
}

// Ports lists every port.
func (s *Service) Ports(ctx context.Context) ([]model.Port, error) {
	return s.store.ListPorts(ctx)
}

// Port returns one port.
func (s *Service) Port(ctx context.Context, portID string) (*model.Port, error) {
	return s.store.GetPort(ctx, portID)
}

// Player returns one player's trading state.
func (s *Service) Player(ctx context.Context, playerID string) (*model.Player, error) {
	return s.store.GetPlayer(ctx, playerID)
}

// PortTrades lists the port's completed trades.
func (s *Service) PortTrades(ctx context.Context, portID string) ([]model.TradeTransaction, error) {
	if _, err := s.store.GetPort(ctx, portID); err != nil {
		return nil, err
	}
	return s.store.ListTransactionsByPort(ctx, portID)
}

// PlayerTrades lists the player's completed trades.
func (s *Service) PlayerTrades(ctx context.Context, playerID string) ([]model.TradeTransaction, error) {
	if _, err := s.store.GetPlayer(ctx, playerID); err != nil {
		return nil, err
	}
	return s.store.ListTransactionsByPlayer(ctx, playerID)
}

// tradablePort loads the port and checks its class trades c in direction d.
func (s *Service) tradablePort(ctx context.Context, portID string, c model.Commodity, d model.Direction) (*model.Port, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, d)
	}
	port, err := s.store.GetPort(ctx, portID)
	if err != nil {
		return nil, fmt.Errorf("get port %s: %w", portID, err)
	}
	if err := catalog.Supports(port.Class, c, d); err != nil {
		return nil, err
	}
	return port, nil
}

func (s *Service) quote(port *model.Port, st *model.PortMarketState, d model.Direction) (*PriceQuote, error) {
	price, err := s.pricer.Quote(port, st, d)
	if err != nil {
		return nil, err
	}
	return &PriceQuote{
		PortID:    st.PortID,
		Commodity: st.Commodity,
		Direction: d,
		Price:     price,
		Quantity:  st.Quantity,
		Capacity:  s.clock.Capacity(st),
		AsOf:      st.LastUpdate,
	}, nil
}

func recordOutcome(sess *negotiation.Session, out negotiation.Outcome) {
	metrics.NegotiationOutcomes.WithLabelValues(
		string(sess.Personality), string(out.Verdict), string(out.Reason),
	).Inc()
}
