package negotiation

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sectorwars/trade-engine/internal/model"
)

// Key identifies what a session haggles over during one port visit.
type Key struct {
	PlayerID  string
	PortID    string
	Commodity model.Commodity
	Direction model.Direction
}

func (s *Session) Key() Key {
	return Key{PlayerID: s.PlayerID, PortID: s.PortID, Commodity: s.Commodity, Direction: s.Direction}
}

// visitLockFactor scales the session TTL into the lifetime of a key lock.
// A player who never ends the visit is treated as gone after that long.
const visitLockFactor = 4

// Registry tracks live sessions. Sessions idle past the TTL are evicted and
// expired. Once a key has had a session it stays locked until the player
// ends the visit, so a rejected or expired haggle cannot be reopened. Locks
// of visits that never end lapse after visitLockFactor session TTLs.
type Registry struct {
	sessions *expirable.LRU[string, *Session]

	mu    sync.Mutex
	byKey *expirable.LRU[Key, string]
}

// NewRegistry creates a registry holding at most size sessions.
func NewRegistry(size int, ttl time.Duration) *Registry {
	onEvict := func(_ string, s *Session) {
		s.Expire()
	}
	return &Registry{
		sessions: expirable.NewLRU[string, *Session](size, onEvict, ttl),
		byKey:    expirable.NewLRU[Key, string](size*visitLockFactor, nil, ttl*visitLockFactor),
	}
}

// Register adds s. When the key already has an open session that session is
// returned instead; a closed or evicted one yields ErrNegotiationLocked.
func (r *Registry) Register(s *Session) (*Session, error) {
	key := s.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byKey.Peek(key); ok {
		if prev, ok := r.sessions.Peek(id); ok && prev.Status() == Open {
			return prev, nil
		}
		return nil, ErrNegotiationLocked
	}
	r.byKey.Add(key, s.ID)
	r.sessions.Add(s.ID, s)
	return s, nil
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (*Session, error) {
	s, ok := r.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Abandon expires a session. Its key stays locked for the visit.
func (r *Registry) Abandon(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Expire()
	return nil
}

// EndVisit expires and drops every session the player holds at the port and
// unlocks their keys. It returns the number of sessions dropped.
func (r *Registry) EndVisit(playerID, portID string) int {
	r.mu.Lock()
	var ids []string
	for _, key := range r.byKey.Keys() {
		if key.PlayerID != playerID || key.PortID != portID {
			continue
		}
		if id, ok := r.byKey.Peek(key); ok {
			ids = append(ids, id)
		}
		r.byKey.Remove(key)
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.sessions.Remove(id) {
			n++
		}
	}
	return n
}

// Locks returns the number of locked keys.
func (r *Registry) Locks() int {
	return r.byKey.Len()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}
