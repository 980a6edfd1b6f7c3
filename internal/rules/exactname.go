package rules

import (
	"fmt"

	"github.com/dealdesk/matchbox/internal/extract"
	"github.com/dealdesk/matchbox/internal/store"
)

// ExactName gates on the profile's display name appearing in the message:
// at least MinWords name tokens must show up in the evaluated term set.
// All-or-nothing — a partial name hit scores zero, a sufficient one scores
// a full 1.0 regardless of how many extra tokens matched.
type ExactName struct {
	// MinWords is the overlap count (not ratio) required to fire.
	MinWords int
}

func (r *ExactName) Type() string { return store.RuleExactName }

func (r *ExactName) Evaluate(rule *store.MatchRule, profile *store.AssetProfile, in Input) (float64, string) {
	minWords := r.MinWords
	if minWords < 1 {
		minWords = 1
	}

	nameTokens := extract.Tokenize(profile.Name)
	if len(nameTokens) == 0 {
		return 0, "profile has no name tokens"
	}
	// A one-word name can never clear a higher bar.
	if minWords > len(nameTokens) {
		minWords = len(nameTokens)
	}

	terms := in.TermSet()
	overlap := 0
	for _, tok := range nameTokens {
		if _, ok := terms[tok]; ok {
			overlap++
		}
	}

	if overlap >= minWords {
		return 1.0, fmt.Sprintf("name %q matched %d word(s)", profile.Name, overlap)
	}
	return 0, fmt.Sprintf("name %q matched %d word(s), need %d", profile.Name, overlap, minWords)
}
