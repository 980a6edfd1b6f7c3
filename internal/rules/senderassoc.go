package rules

import (
	"fmt"

	"github.com/dealdesk/matchbox/internal/store"
)

// SenderAssociation fires when the message sender's stored record lists
// the candidate profile among its associations, scaled by the rule's
// intrinsic confidence. Unknown senders contribute nothing.
type SenderAssociation struct{}

func (r *SenderAssociation) Type() string { return store.RuleSenderAssoc }

func (r *SenderAssociation) Evaluate(rule *store.MatchRule, profile *store.AssetProfile, in Input) (float64, string) {
	if in.Sender == nil {
		return 0, "sender unknown"
	}

	for _, id := range in.Sender.Associations {
		if id == profile.ID {
			return 1.0 * rule.Confidence, fmt.Sprintf("sender %s associated (conf %.2f)",
				in.Sender.Email, rule.Confidence)
		}
	}
	return 0, fmt.Sprintf("sender %s has no association", in.Sender.Email)
}
