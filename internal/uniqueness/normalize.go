package uniqueness

import (
	"strings"
	"unicode"
)

// Normalize lower-cases text, replaces punctuation with spaces and collapses
// whitespace. Two statements with equal normalised forms are exact replays.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if r == '\'' || r == '’' {
			// "don't" → "dont"
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens returns the canonical tokens of a normalised statement: plurals
// folded, synonyms mapped to one representative, filler words dropped. If
// everything is filler the raw tokens are returned so the statement still
// has a signature.
func Tokens(normalized string) []string {
	raw := strings.Fields(normalized)
	out := make([]string, 0, len(raw))
	for _, w := range raw {
		if stopWords[w] {
			continue
		}
		w = singular(w)
		if c, ok := synonyms[w]; ok {
			w = c
		}
		if stopWords[w] {
			continue
		}
		out = append(out, w)
	}
	if len(out) == 0 {
		return raw
	}
	return out
}

func singular(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") && !strings.HasSuffix(w, "us") && !strings.HasSuffix(w, "is") {
		return strings.TrimSuffix(w, "s")
	}
	return w
}

var synonyms = map[string]string{
	// health
	"ill":      "sick",
	"unwell":   "sick",
	"poorly":   "sick",
	"sickly":   "sick",
	"ailing":   "sick",
	"diseased": "sick",
	"injured":  "hurt",
	"wounded":  "hurt",
	// family and crew
	"kid":      "child",
	"children": "child",
	"son":      "child",
	"daughter": "child",
	"wife":     "spouse",
	"husband":  "spouse",
	"partner":  "spouse",
	"mom":      "mother",
	"mum":      "mother",
	"dad":      "father",
	"feline":   "cat",
	"kitty":    "cat",
	"kitten":   "cat",
	"puppy":    "dog",
	"hound":    "dog",
	"pal":      "friend",
	"buddy":    "friend",
	"mate":     "friend",
	"crewmate": "crew",
	// money
	"cash":      "credit",
	"money":     "credit",
	"fund":      "credit",
	"coin":      "credit",
	"broke":     "poor",
	"penniless": "poor",
	"bankrupt":  "poor",
	"debt":      "owe",
	"loan":      "owe",
	"cheap":     "discount",
	"bargain":   "discount",
	"reduction": "discount",
	"markdown":  "discount",
	// ships and travel
	"vessel":    "ship",
	"freighter": "ship",
	"craft":     "ship",
	"gas":       "fuel",
	"petrol":    "fuel",
	// intensity and need
	"starving": "hungry",
	"famished": "hungry",
	"require":  "need",
	"must":     "need",
	"huge":     "big",
	"large":    "big",
	"enormous": "big",
	"tiny":     "small",
	"little":   "small",
	"dying":    "die",
	"dead":     "die",
	"death":    "die",
	"urgent":   "emergency",
	"urgently": "emergency",
	"crisis":   "emergency",
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "am": true, "was": true,
	"were": true, "be": true, "been": true, "to": true, "of": true, "and": true, "or": true,
	"my": true, "i": true, "me": true, "im": true, "you": true, "your": true, "it": true,
	"its": true, "this": true, "that": true, "in": true, "on": true, "for": true, "with": true,
	"so": true, "very": true, "really": true, "please": true, "just": true, "at": true,
	"we": true, "our": true, "us": true, "have": true, "has": true, "had": true, "do": true,
	"quite": true, "too": true, "does": true, "will": true, "can": true,
}
