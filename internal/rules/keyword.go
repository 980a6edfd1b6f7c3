package rules

import (
	"fmt"

	"github.com/dealdesk/matchbox/internal/store"
)

// KeywordOverlap grades a candidate by the share of its stored keywords
// present in the extracted term set, scaled by the rule's intrinsic
// confidence. Unlike ExactName this is graded, not a gate: one of four
// keywords matching still contributes a quarter of the confidence.
type KeywordOverlap struct{}

func (r *KeywordOverlap) Type() string { return store.RuleKeywordHit }

func (r *KeywordOverlap) Evaluate(rule *store.MatchRule, profile *store.AssetProfile, in Input) (float64, string) {
	if len(profile.Keywords) == 0 {
		return 0, "profile has no keywords"
	}

	terms := in.TermSet()
	matched := 0
	for _, kw := range profile.Keywords {
		if _, ok := terms[kw]; ok {
			matched++
		}
	}

	ratio := float64(matched) / float64(len(profile.Keywords))
	raw := ratio * rule.Confidence
	return raw, fmt.Sprintf("%d/%d keywords matched (conf %.2f)",
		matched, len(profile.Keywords), rule.Confidence)
}
