package negotiation

import (
	"context"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sectorwars/trade-engine/internal/model"
)

// EvalRequest is what a narrative evaluator sees of an offer.
type EvalRequest struct {
	PortID        string            `json:"port_id"`
	Personality   model.Personality `json:"personality"`
	Commodity     model.Commodity   `json:"commodity"`
	Direction     model.Direction   `json:"direction"`
	Quote         decimal.Decimal   `json:"quote"`
	ExplicitPrice decimal.Decimal   `json:"explicit_price"` // zero when the player named no price
	History       []OfferRecord     `json:"history"`
	Text          string            `json:"text"`
}

// Evaluation scores a narrative offer. Scores are in [0, 1] except
// ConfidenceDelta which is in [-0.5, 0.5].
type Evaluation struct {
	Persuasiveness     float64         `json:"persuasiveness"`
	Consistency        float64         `json:"consistency"`
	ConfidenceDelta    float64         `json:"confidence_delta"`
	ImpliedPrice       decimal.Decimal `json:"implied_price"`
	InconsistencyFlags []string        `json:"inconsistency_flags,omitempty"`
	Source             string          `json:"source"`
}

// Evaluator scores narrative offers.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvalRequest) (Evaluation, error)
}

// Inconsistency flags raised by the rule evaluator.
const (
	FlagPriceMismatch = "price_mismatch"
	FlagChangedStory  = "changed_story"
	FlagBelowFloor    = "implausible_price"
)

var (
	confidentPhrases   = []string{"absolutely", "definitely", "certainly", "of course", "obviously", "clearly", "guarantee"}
	hesitantPhrases    = []string{"maybe", "perhaps", "might", "could be", "i think", "not sure", "i guess"}
	negotiationPhrases = []string{"understand", "regular", "loyal", "bulk", "contract", "deal", "partner", "repeat", "reference", "discount"}
	retractionPhrases  = []string{"actually", "i mean", "scratch that", "never mind", "i lied", "to be honest"}

	priceInText = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:credits?|cr)\b|\b(?:for|at|pay|offer)\s+(\d+(?:\.\d+)?)`)
)

// RuleEvaluator is the deterministic keyword and length heuristic used when
// no language model is available.
type RuleEvaluator struct{}

func (RuleEvaluator) Evaluate(_ context.Context, req EvalRequest) (Evaluation, error) {
	lower := strings.ToLower(req.Text)
	words := len(strings.Fields(lower))

	confidence := min(1, float64(words)/20)
	confidence = min(1, confidence+0.1*float64(countPhrases(lower, confidentPhrases)))
	confidence = max(0, confidence-0.15*float64(countPhrases(lower, hesitantPhrases)))

	skill := min(1, 0.2*float64(countPhrases(lower, negotiationPhrases)))

	implied := ImpliedPrice(req.Text)
	var flags []string
	if !implied.IsZero() && !req.ExplicitPrice.IsZero() {
		diff := implied.Sub(req.ExplicitPrice).Abs()
		if diff.GreaterThan(req.ExplicitPrice.Mul(decimal.NewFromFloat(0.01))) {
			flags = append(flags, FlagPriceMismatch)
		}
	}
	if !implied.IsZero() && implied.LessThan(req.Quote.Div(decimal.NewFromInt(10))) {
		flags = append(flags, FlagBelowFloor)
		implied = decimal.Zero
	}
	if len(req.History) > 0 && countPhrases(lower, retractionPhrases) > 0 {
		flags = append(flags, FlagChangedStory)
	}
	consistency := ConsistencyScore(flags)

	return Evaluation{
		Persuasiveness:     (confidence + skill + consistency) / 3,
		Consistency:        consistency,
		ConfidenceDelta:    confidence - 0.5,
		ImpliedPrice:       implied,
		InconsistencyFlags: flags,
		Source:             "rules",
	}, nil
}

// ConsistencyScore maps a number of detected inconsistencies to a score.
func ConsistencyScore(flags []string) float64 {
	return max(0.3, 1-0.2*float64(len(flags)))
}

// ImpliedPrice extracts the first price mentioned in text, or zero.
func ImpliedPrice(text string) decimal.Decimal {
	m := priceInText.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	p, err := decimal.NewFromString(raw)
	if err != nil || !p.IsPositive() {
		return decimal.Zero
	}
	return p
}

func countPhrases(s string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		if strings.Contains(s, p) {
			n++
		}
	}
	return n
}
