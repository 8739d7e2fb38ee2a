package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sectorwars/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	ports      map[string]*model.Port
	markets    map[model.MarketKey]*model.PortMarketState
	players    map[string]*model.Player
	ledger     []model.TradeTransaction
	statements []model.HagglingStatementRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ports:   make(map[string]*model.Port),
		markets: make(map[model.MarketKey]*model.PortMarketState),
		players: make(map[string]*model.Player),
	}
}

func (s *MemoryStore) CreatePort(_ context.Context, p *model.Port) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ports[p.ID]; ok {
		return fmt.Errorf("port %s: %w", p.ID, ErrAlreadyExists)
	}
	// Store a copy to avoid external mutation.
	c := *p
	s.ports[p.ID] = &c
	return nil
}

func (s *MemoryStore) GetPort(_ context.Context, id string) (*model.Port, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.ports[id]
	if !ok {
		return nil, fmt.Errorf("port %s: %w", id, ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) ListPorts(_ context.Context) ([]model.Port, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ports := make([]model.Port, 0, len(s.ports))
	for _, p := range s.ports {
		ports = append(ports, *p)
	}
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].SectorID != ports[j].SectorID {
			return ports[i].SectorID < ports[j].SectorID
		}
		return ports[i].ID < ports[j].ID
	})
	return ports, nil
}

func (s *MemoryStore) CreateMarketState(_ context.Context, st *model.PortMarketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := st.Key()
	if _, ok := s.markets[key]; ok {
		return fmt.Errorf("market %s: %w", key, ErrAlreadyExists)
	}
	st.Version = 1
	c := *st
	s.markets[key] = &c
	return nil
}

func (s *MemoryStore) GetMarketState(_ context.Context, portID string, c model.Commodity) (*model.PortMarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := model.MarketKey{PortID: portID, Commodity: c}
	st, ok := s.markets[key]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", key, ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListMarketStates(_ context.Context, portID string) ([]model.PortMarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var states []model.PortMarketState
	for key, st := range s.markets {
		if key.PortID == portID {
			states = append(states, *st)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Commodity < states[j].Commodity })
	return states, nil
}

func (s *MemoryStore) SaveMarketState(_ context.Context, st *model.PortMarketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := st.Key()
	cur, ok := s.markets[key]
	if !ok {
		return fmt.Errorf("market %s: %w", key, ErrNotFound)
	}
	if cur.Version != st.Version {
		return fmt.Errorf("market %s at version %d, expected %d: %w", key, cur.Version, st.Version, ErrConcurrentModification)
	}
	st.Version++
	c := *st
	s.markets[key] = &c
	return nil
}

func (s *MemoryStore) CreatePlayer(_ context.Context, p *model.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.players[p.ID]; ok {
		return fmt.Errorf("player %s: %w", p.ID, ErrAlreadyExists)
	}
	p.Version = 1
	s.players[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, id string) (*model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("player %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

// ApplyTrade checks both versions and writes everything under one lock, so
// a failed check leaves no trace.
func (s *MemoryStore) ApplyTrade(_ context.Context, m *model.TradeMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := m.Market.Key()
	market, ok := s.markets[key]
	if !ok {
		return fmt.Errorf("market %s: %w", key, ErrNotFound)
	}
	player, ok := s.players[m.Player.ID]
	if !ok {
		return fmt.Errorf("player %s: %w", m.Player.ID, ErrNotFound)
	}
	if market.Version != m.ExpectedMarket {
		return fmt.Errorf("market %s at version %d, expected %d: %w", key, market.Version, m.ExpectedMarket, ErrConcurrentModification)
	}
	if player.Version != m.ExpectedPlayer {
		return fmt.Errorf("player %s at version %d, expected %d: %w", m.Player.ID, player.Version, m.ExpectedPlayer, ErrConcurrentModification)
	}

	m.Market.Version = m.ExpectedMarket + 1
	m.Player.Version = m.ExpectedPlayer + 1

	mc := m.Market
	s.markets[key] = &mc
	s.players[m.Player.ID] = m.Player.Clone()
	s.ledger = append(s.ledger, m.Transaction)
	return nil
}

func (s *MemoryStore) ListTransactionsByPort(_ context.Context, portID string) ([]model.TradeTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeTransaction
	for _, t := range s.ledger {
		if t.PortID == portID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTransactionsByPlayer(_ context.Context, playerID string) ([]model.TradeTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeTransaction
	for _, t := range s.ledger {
		if t.PlayerID == playerID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) AppendStatement(_ context.Context, rec *model.HagglingStatementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	c.Embedding = append([]float32(nil), rec.Embedding...)
	s.statements = append(s.statements, c)
	return nil
}

func (s *MemoryStore) ListStatements(_ context.Context) ([]model.HagglingStatementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.HagglingStatementRecord(nil), s.statements...), nil
}
