package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/sectorwars/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary. Concurrent
// misses on the same key share one primary read.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	group   singleflight.Group
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePort(ctx context.Context, p *model.Port) error {
	if err := s.primary.CreatePort(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, portKey(p.ID), p)
	return nil
}

func (s *CachedStore) CreateMarketState(ctx context.Context, st *model.PortMarketState) error {
	if err := s.primary.CreateMarketState(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, portMarketsKey(st.PortID))
	return nil
}

func (s *CachedStore) SaveMarketState(ctx context.Context, st *model.PortMarketState) error {
	err := s.primary.SaveMarketState(ctx, st)
	// Invalidate even on conflict: the cached copy is the likely culprit.
	s.rdb.Del(ctx, marketStateKey(st.PortID, st.Commodity), portMarketsKey(st.PortID))
	return err
}

func (s *CachedStore) CreatePlayer(ctx context.Context, p *model.Player) error {
	return s.primary.CreatePlayer(ctx, p)
}

func (s *CachedStore) ApplyTrade(ctx context.Context, m *model.TradeMutation) error {
	err := s.primary.ApplyTrade(ctx, m)
	s.rdb.Del(ctx,
		marketStateKey(m.Market.PortID, m.Market.Commodity),
		portMarketsKey(m.Market.PortID),
		playerKey(m.Player.ID),
	)
	return err
}

func (s *CachedStore) AppendStatement(ctx context.Context, rec *model.HagglingStatementRecord) error {
	return s.primary.AppendStatement(ctx, rec)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPort(ctx context.Context, id string) (*model.Port, error) {
	return readThrough(ctx, s, portKey(id), func() (*model.Port, error) {
		return s.primary.GetPort(ctx, id)
	})
}

func (s *CachedStore) GetMarketState(ctx context.Context, portID string, c model.Commodity) (*model.PortMarketState, error) {
	return readThrough(ctx, s, marketStateKey(portID, c), func() (*model.PortMarketState, error) {
		return s.primary.GetMarketState(ctx, portID, c)
	})
}

func (s *CachedStore) ListMarketStates(ctx context.Context, portID string) ([]model.PortMarketState, error) {
	states, err := readThrough(ctx, s, portMarketsKey(portID), func() (*[]model.PortMarketState, error) {
		states, err := s.primary.ListMarketStates(ctx, portID)
		return &states, err
	})
	if err != nil {
		return nil, err
	}
	return *states, nil
}

func (s *CachedStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	return readThrough(ctx, s, playerKey(id), func() (*model.Player, error) {
		return s.primary.GetPlayer(ctx, id)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPorts(ctx context.Context) ([]model.Port, error) {
	return s.primary.ListPorts(ctx)
}

func (s *CachedStore) ListTransactionsByPort(ctx context.Context, portID string) ([]model.TradeTransaction, error) {
	return s.primary.ListTransactionsByPort(ctx, portID)
}

func (s *CachedStore) ListTransactionsByPlayer(ctx context.Context, playerID string) ([]model.TradeTransaction, error) {
	return s.primary.ListTransactionsByPlayer(ctx, playerID)
}

func (s *CachedStore) ListStatements(ctx context.Context) ([]model.HagglingStatementRecord, error) {
	return s.primary.ListStatements(ctx)
}

// --- Cache helpers ---

// readThrough serves key from Redis, or loads it once per concurrent burst
// of misses and caches the result. Redis failures degrade to the primary.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (*T, error)) (*T, error) {
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		v, err := load()
		if err != nil {
			return nil, err
		}
		s.cache(ctx, key, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	// Shared results are copied so callers never alias each other.
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func portKey(id string) string        { return fmt.Sprintf("port:%s", id) }
func portMarketsKey(id string) string { return fmt.Sprintf("port-markets:%s", id) }
func playerKey(id string) string      { return fmt.Sprintf("player:%s", id) }
func marketStateKey(portID string, c model.Commodity) string {
	return fmt.Sprintf("market:%s:%s", portID, c)
}
