// Package negotiation implements per-session haggling between a player and a
// port's trader.
//
// A session starts Open and moves to Accepted, Rejected or Expired only
// through SubmitOffer. Numeric offers are judged by their deviation from the
// market quote against the port personality's bands; narrative offers are
// first checked for originality, then scored by an Evaluator whose
// persuasiveness widens those bands up to a configured bonus.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sectorwars/trade-engine/internal/model"
	"github.com/sectorwars/trade-engine/internal/pricing"
	"github.com/sectorwars/trade-engine/internal/uniqueness"
)

var (
	ErrSessionBusy       = errors.New("negotiation: another offer on this session is in flight")
	ErrSessionClosed     = errors.New("negotiation: session is closed")
	ErrOfferOutOfBounds  = errors.New("negotiation: offer price out of bounds")
	ErrNegotiationLocked = errors.New("negotiation: commodity already negotiated this visit")
	ErrSessionNotFound   = errors.New("negotiation: session not found")
	ErrNotAccepted       = errors.New("negotiation: session has no agreed price")
	ErrAlreadyUsed       = errors.New("negotiation: agreed price already used")
	ErrNoCounter         = errors.New("negotiation: no counter offer to accept")
)

// Config holds engine-wide tuning.
type Config struct {
	MaxRounds          int
	HardBound          float64 // offers outside quote*(1±HardBound) are refused
	MaxPersuasionBonus float64 // cap on band widening from narrative offers
}

func DefaultConfig() Config {
	return Config{MaxRounds: 4, HardBound: 0.5, MaxPersuasionBonus: 0.10}
}

// Rand is the source of the acceptance draw.
type Rand interface {
	Float64() float64
}

// Guard checks narrative statements for originality.
type Guard interface {
	CheckAndRecord(ctx context.Context, playerID, portID, text string) (uniqueness.Result, error)
}

// Engine evaluates offers. It holds no per-session state.
type Engine struct {
	cfg       Config
	guard     Guard
	evaluator Evaluator
	fallback  Evaluator
	now       func() time.Time

	rngMu sync.Mutex
	rng   Rand
}

// NewEngine creates an engine. A nil evaluator uses the rules; a nil rng is
// seeded from the clock.
func NewEngine(cfg Config, guard Guard, evaluator Evaluator, rng Rand) *Engine {
	if evaluator == nil {
		evaluator = RuleEvaluator{}
	}
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return &Engine{
		cfg:       cfg,
		guard:     guard,
		evaluator: evaluator,
		fallback:  RuleEvaluator{},
		now:       func() time.Time { return time.Now().UTC() },
		rng:       rng,
	}
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) draw() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

// SubmitOffer evaluates one offer and advances the session.
func (e *Engine) SubmitOffer(ctx context.Context, s *Session, offer Offer) (Outcome, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return Outcome{}, ErrSessionBusy
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	if out, done, err := e.closedOutcome(s); done {
		s.mu.Unlock()
		return out, err
	}
	history := append([]OfferRecord(nil), s.offers...)
	counter := s.counterPrice
	s.mu.Unlock()

	text := strings.TrimSpace(offer.Text)
	price := offer.Price.Round(pricing.PriceScale)
	if text == "" || !price.IsZero() {
		if err := e.checkBounds(s.Quote, price); err != nil {
			return Outcome{}, err
		}
	}

	var bonus, confidence float64
	var ev *Evaluation
	if text != "" {
		res, err := e.guard.CheckAndRecord(ctx, s.PlayerID, s.PortID, text)
		if err != nil {
			return Outcome{}, fmt.Errorf("check statement: %w", err)
		}
		if res.Verdict != uniqueness.Unique {
			slog.Info("unoriginal haggling statement",
				"session_id", s.ID, "player_id", s.PlayerID, "port_id", s.PortID,
				"verdict", res.Verdict, "similarity", res.Similarity)
			return e.apply(s, OfferRecord{Price: price, Text: text, Verdict: Reject}, Outcome{
				Verdict: Reject,
				Reason:  Unoriginal,
				Comment: comment(s.Personality, Reject),
			}), nil
		}

		evaluation := e.evaluate(ctx, s, price, text, history)
		ev = &evaluation
		if price.IsZero() {
			price = e.impliedOrFallback(s.Quote, evaluation.ImpliedPrice, counter)
		}
		prof := ProfileFor(s.Personality)
		consistency := min(evaluation.Consistency, ConsistencyScore(evaluation.InconsistencyFlags))
		bonus = min(e.cfg.MaxPersuasionBonus, evaluation.Persuasiveness*prof.PersuasionWeight*consistency)
		confidence = evaluation.ConfidenceDelta
	}

	out := e.decide(s, price, counter, bonus, confidence)
	out.Evaluation = ev
	return e.apply(s, OfferRecord{Price: price, Text: text, Verdict: out.Verdict}, out), nil
}

// AcceptCounter re-offers the outstanding counter price, which the port
// accepts without a draw.
func (e *Engine) AcceptCounter(ctx context.Context, s *Session) (Outcome, error) {
	s.mu.Lock()
	counter := s.counterPrice
	s.mu.Unlock()
	if counter.IsZero() {
		return Outcome{}, ErrNoCounter
	}
	return e.SubmitOffer(ctx, s, Offer{Price: counter})
}

// closedOutcome reports how an offer on a non-open session resolves. Caller
// holds s.mu.
func (e *Engine) closedOutcome(s *Session) (Outcome, bool, error) {
	switch s.status {
	case Accepted, Rejected:
		return Outcome{}, true, ErrSessionClosed
	case Expired:
		reason := SessionExpired
		if s.roundsUsed >= e.cfg.MaxRounds {
			reason = RoundsExhausted
		}
		return Outcome{Verdict: Reject, Reason: reason, Status: Expired, RoundsUsed: s.roundsUsed}, true, nil
	}
	if s.roundsUsed >= e.cfg.MaxRounds {
		s.status = Expired
		return Outcome{Verdict: Reject, Reason: RoundsExhausted, Status: Expired, RoundsUsed: s.roundsUsed}, true, nil
	}
	return Outcome{}, false, nil
}

func (e *Engine) checkBounds(quote, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s", ErrOfferOutOfBounds, price)
	}
	bound := quote.Mul(decimal.NewFromFloat(e.cfg.HardBound))
	if price.LessThan(quote.Sub(bound)) || price.GreaterThan(quote.Add(bound)) {
		return fmt.Errorf("%w: %s against quote %s", ErrOfferOutOfBounds, price, quote)
	}
	return nil
}

func (e *Engine) evaluate(ctx context.Context, s *Session, price decimal.Decimal, text string, history []OfferRecord) Evaluation {
	req := EvalRequest{
		PortID:        s.PortID,
		Personality:   s.Personality,
		Commodity:     s.Commodity,
		Direction:     s.Direction,
		Quote:         s.Quote,
		ExplicitPrice: price,
		History:       history,
		Text:          text,
	}
	ev, err := e.evaluator.Evaluate(ctx, req)
	if err != nil {
		slog.Warn("narrative evaluator failed, using rules", "session_id", s.ID, "error", err)
		ev, _ = e.fallback.Evaluate(ctx, req)
	}
	return ev
}

// impliedOrFallback picks the price of a narrative offer that named none:
// the evaluator's implied price when sane, else the standing counter, else
// the quote.
func (e *Engine) impliedOrFallback(quote, implied, counter decimal.Decimal) decimal.Decimal {
	if !implied.IsZero() {
		implied = implied.Round(pricing.PriceScale)
		if e.checkBounds(quote, implied) == nil {
			return implied
		}
	}
	if !counter.IsZero() {
		return counter
	}
	return quote
}

// Deviation is how far price lies from quote in the player's favour, as a
// fraction of quote. Negative means the offer is better for the port.
func Deviation(d model.Direction, quote, price decimal.Decimal) float64 {
	if quote.IsZero() {
		return 0
	}
	diff := quote.Sub(price)
	if d == model.Sell {
		diff = price.Sub(quote)
	}
	f, _ := diff.Div(quote).Float64()
	return f
}

// goodForPort reports whether price is at least as good for the port as ref.
func goodForPort(d model.Direction, price, ref decimal.Decimal) bool {
	if d == model.Sell {
		return price.LessThanOrEqual(ref)
	}
	return price.GreaterThanOrEqual(ref)
}

func (e *Engine) decide(s *Session, price, counter decimal.Decimal, bonus, confidence float64) Outcome {
	if !counter.IsZero() && goodForPort(s.Direction, price, counter) {
		return Outcome{Verdict: Accept, Price: price}
	}
	dev := Deviation(s.Direction, s.Quote, price)
	if dev <= 0 {
		return Outcome{Verdict: Accept, Price: price}
	}

	prof := ProfileFor(s.Personality)
	acceptBand := prof.AcceptBand + bonus
	negotiableBand := prof.NegotiableBand + bonus

	switch {
	case dev <= acceptBand:
		r := dev / acceptBand
		p := 1 - prof.Difficulty*r*r + confidence*0.1
		p = min(1, max(0, p))
		if e.draw() < p {
			return Outcome{Verdict: Accept, Price: price}
		}
		return Outcome{Verdict: Counter, Price: counterPrice(s.Quote, price, prof.CounterPull)}
	case dev <= negotiableBand:
		return Outcome{Verdict: Counter, Price: counterPrice(s.Quote, price, prof.CounterPull)}
	default:
		return Outcome{Verdict: Reject, Reason: TooGreedy}
	}
}

func counterPrice(quote, offer decimal.Decimal, pull float64) decimal.Decimal {
	return offer.Add(quote.Sub(offer).Mul(decimal.NewFromFloat(pull))).Round(pricing.PriceScale)
}

// apply records the offer and moves the session. Rounds are consumed by
// counters and unoriginal statements; reaching the cap expires the session.
func (e *Engine) apply(s *Session, rec OfferRecord, out Outcome) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if closed, done, _ := e.closedOutcome(s); done {
		// Abandoned while the offer was being evaluated.
		return closed
	}

	rec.Timestamp = e.now()
	s.offers = append(s.offers, rec)

	switch out.Verdict {
	case Accept:
		s.status = Accepted
		s.finalPrice = out.Price
	case Counter:
		s.roundsUsed++
		s.counterPrice = out.Price
	case Reject:
		if out.Reason == Unoriginal {
			s.roundsUsed++
		} else {
			s.status = Rejected
		}
	}
	if s.status == Open && s.roundsUsed >= e.cfg.MaxRounds {
		s.status = Expired
		out = Outcome{Verdict: Reject, Reason: RoundsExhausted, Evaluation: out.Evaluation}
	}
	if out.Comment == "" {
		out.Comment = comment(s.Personality, out.Verdict)
	}
	out.Status = s.status
	out.RoundsUsed = s.roundsUsed

	slog.Info("negotiation offer",
		"session_id", s.ID,
		"player_id", s.PlayerID,
		"port_id", s.PortID,
		"commodity", s.Commodity,
		"verdict", out.Verdict,
		"reason", out.Reason,
		"price", out.Price.String(),
		"rounds_used", s.roundsUsed,
	)
	return out
}
