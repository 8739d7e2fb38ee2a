package negotiation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sectorwars/trade-engine/internal/model"
)

// Status is the lifecycle state of a session.
type Status string

const (
	Open     Status = "open"
	Accepted Status = "accepted"
	Rejected Status = "rejected"
	Expired  Status = "expired"
)

// Verdict is the port's answer to one offer.
type Verdict string

const (
	Accept  Verdict = "accept"
	Counter Verdict = "counter"
	Reject  Verdict = "reject"
)

// RejectReason explains a Reject verdict.
type RejectReason string

const (
	RoundsExhausted RejectReason = "rounds_exhausted"
	SessionExpired  RejectReason = "session_expired" // abandoned or idle past the TTL
	Unoriginal      RejectReason = "unoriginal"
	TooGreedy       RejectReason = "too_greedy"
)

// Offer is one player submission. A non-empty Text makes it a narrative
// offer; Price may then be zero, in which case the evaluator's implied
// price is used.
type Offer struct {
	Price decimal.Decimal `json:"price"`
	Text  string          `json:"text,omitempty"`
}

// OfferRecord is an offer as remembered by the session.
type OfferRecord struct {
	Price     decimal.Decimal `json:"price"`
	Text      string          `json:"text,omitempty"`
	Verdict   Verdict         `json:"verdict"`
	Timestamp time.Time       `json:"timestamp"`
}

// Outcome is the result of SubmitOffer.
type Outcome struct {
	Verdict    Verdict         `json:"verdict"`
	Price      decimal.Decimal `json:"price"` // final price on Accept, counter price on Counter
	Reason     RejectReason    `json:"reason,omitempty"`
	Comment    string          `json:"comment,omitempty"`
	Evaluation *Evaluation     `json:"evaluation,omitempty"`
	Status     Status          `json:"status"`
	RoundsUsed int             `json:"rounds_used"`
}

// Session is one player's haggling attempt for one commodity and direction
// at one port visit. It is never persisted.
type Session struct {
	ID          string
	PlayerID    string
	PortID      string
	Commodity   model.Commodity
	Direction   model.Direction
	Personality model.Personality
	Quote       decimal.Decimal
	CreatedAt   time.Time

	busy atomic.Bool

	mu           sync.Mutex
	status       Status
	roundsUsed   int
	offers       []OfferRecord
	counterPrice decimal.Decimal
	finalPrice   decimal.Decimal
	consumed     bool
}

// NewSession opens a session against the given market quote.
func NewSession(playerID string, port *model.Port, c model.Commodity, d model.Direction, quote decimal.Decimal, now time.Time) *Session {
	return &Session{
		ID:          uuid.New().String(),
		PlayerID:    playerID,
		PortID:      port.ID,
		Commodity:   c,
		Direction:   d,
		Personality: port.Personality,
		Quote:       quote,
		CreatedAt:   now,
		status:      Open,
	}
}

// View is a point-in-time copy of a session, safe to serialise.
type View struct {
	ID           string            `json:"id"`
	PlayerID     string            `json:"player_id"`
	PortID       string            `json:"port_id"`
	Commodity    model.Commodity   `json:"commodity"`
	Direction    model.Direction   `json:"direction"`
	Personality  model.Personality `json:"personality"`
	Quote        decimal.Decimal   `json:"quote"`
	Status       Status            `json:"status"`
	RoundsUsed   int               `json:"rounds_used"`
	Offers       []OfferRecord     `json:"offers"`
	CounterPrice *decimal.Decimal  `json:"counter_price,omitempty"`
	FinalPrice   *decimal.Decimal  `json:"final_price,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		ID:          s.ID,
		PlayerID:    s.PlayerID,
		PortID:      s.PortID,
		Commodity:   s.Commodity,
		Direction:   s.Direction,
		Personality: s.Personality,
		Quote:       s.Quote,
		Status:      s.status,
		RoundsUsed:  s.roundsUsed,
		Offers:      append([]OfferRecord{}, s.offers...),
		CreatedAt:   s.CreatedAt,
	}
	if !s.counterPrice.IsZero() {
		c := s.counterPrice
		v.CounterPrice = &c
	}
	if s.status == Accepted {
		f := s.finalPrice
		v.FinalPrice = &f
	}
	return v
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Expire marks an open session as abandoned. Closed sessions are unchanged.
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Open {
		s.status = Expired
	}
}

// ClaimAgreedPrice returns the accepted price and marks it used. A session's
// price can back exactly one trade.
func (s *Session) ClaimAgreedPrice() (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Accepted {
		return decimal.Zero, ErrNotAccepted
	}
	if s.consumed {
		return decimal.Zero, ErrAlreadyUsed
	}
	s.consumed = true
	return s.finalPrice, nil
}

// ReleaseAgreedPrice undoes ClaimAgreedPrice when the trade it backed failed
// validation, so the player can retry with a smaller quantity.
func (s *Session) ReleaseAgreedPrice() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed = false
}
