package negotiation

import "github.com/sectorwars/trade-engine/internal/model"

// Profile is the behavioural parameter set of a trader personality.
// Bands are fractions of the quote measured in the player's favour.
type Profile struct {
	AcceptBand       float64 // offers this close may be accepted outright
	NegotiableBand   float64 // offers this close draw a counter
	CounterPull      float64 // how far a counter moves from the offer back toward the quote
	PersuasionWeight float64 // band widening per unit of persuasiveness
	Difficulty       float64 // 0 = always accept inside the band, 1 = only at the quote
}

var profiles = map[model.Personality]Profile{
	// Formal and rule-following: narrow bands, hard to sway.
	model.Federation: {AcceptBand: 0.05, NegotiableBand: 0.15, CounterPull: 0.6, PersuasionWeight: 0.10, Difficulty: 0.7},
	// Practical and honest.
	model.Border: {AcceptBand: 0.08, NegotiableBand: 0.20, CounterPull: 0.5, PersuasionWeight: 0.12, Difficulty: 0.5},
	// Rugged and independent, likes a good story.
	model.Frontier: {AcceptBand: 0.10, NegotiableBand: 0.25, CounterPull: 0.45, PersuasionWeight: 0.15, Difficulty: 0.4},
	// Status-conscious: little room, but flattery works.
	model.Luxury: {AcceptBand: 0.04, NegotiableBand: 0.12, CounterPull: 0.65, PersuasionWeight: 0.14, Difficulty: 0.8},
	// Opportunistic but suspicious of sob stories.
	model.BlackMarket: {AcceptBand: 0.12, NegotiableBand: 0.30, CounterPull: 0.4, PersuasionWeight: 0.06, Difficulty: 0.6},
}

// ProfileFor returns the profile of p. Unknown personalities trade like
// Border ports.
func ProfileFor(p model.Personality) Profile {
	if prof, ok := profiles[p]; ok {
		return prof
	}
	return profiles[model.Border]
}

var comments = map[model.Personality]map[Verdict]string{
	model.Federation: {
		Accept:  "The terms are acceptable. Filing the manifest now.",
		Counter: "Regulations allow me to meet you partway. This is my figure.",
		Reject:  "That is not a figure I can put on an official manifest.",
	},
	model.Border: {
		Accept:  "Fair enough. Deal.",
		Counter: "Can't do that, but I can do this.",
		Reject:  "No. Come back with a serious number.",
	},
	model.Frontier: {
		Accept:  "Ha! You drive a hard bargain, pilot. Done.",
		Counter: "Out here we meet in the middle. Here's mine.",
		Reject:  "You're wasting good air, friend.",
	},
	model.Luxury: {
		Accept:  "For a discerning client, we can make an exception.",
		Counter: "Quality has its price. Perhaps this figure suits you better.",
		Reject:  "I'm afraid that would cheapen the establishment.",
	},
	model.BlackMarket: {
		Accept:  "Quiet deal. Nobody saw anything.",
		Counter: "Risky business costs extra. Take it or leave it.",
		Reject:  "Get lost before someone notices you.",
	},
}

func comment(p model.Personality, v Verdict) string {
	if c, ok := comments[p]; ok {
		return c[v]
	}
	return comments[model.Border][v]
}
