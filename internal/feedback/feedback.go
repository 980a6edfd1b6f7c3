// Package feedback folds human corrections back into the pattern store.
//
// Approvals reinforce the rules that produced a suggestion; corrections
// weaken them and enrich the right profile's keywords. Every adjustment is
// keyed on the feedback record's id, so replaying the same record never
// double-counts. Rules are only ever nudged between the configured floor
// and 1.0 — the integrator retires rules implicitly (confidence below
// floor) and never deletes them.
package feedback

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/dealdesk/matchbox/internal/config"
	"github.com/dealdesk/matchbox/internal/extract"
	"github.com/dealdesk/matchbox/internal/match"
	"github.com/dealdesk/matchbox/internal/store"
)

// Report summarizes what one Apply call changed.
type Report struct {
	FeedbackID    string   `json:"feedback_id"`
	Action        string   `json:"action"` // "reinforced", "corrected", "skipped"
	RulesAdjusted []string `json:"rules_adjusted,omitempty"`
	KeywordsAdded []string `json:"keywords_added,omitempty"`
	AssociationTo string   `json:"association_to,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

const (
	ActionReinforced = "reinforced"
	ActionCorrected  = "corrected"
	ActionSkipped    = "skipped"
)

// Integrator applies feedback records. Writes to any given store record
// are serialized through the integrator's mutex (single-writer-per-key
// discipline); readers elsewhere proceed concurrently.
type Integrator struct {
	store store.Store
	cfg   config.Matching
	mu    sync.Mutex
	logf  func(format string, args ...any)
}

// NewIntegrator creates a feedback integrator.
func NewIntegrator(st store.Store, cfg config.Matching) *Integrator {
	return &Integrator{store: st, cfg: cfg, logf: log.Printf}
}

// SetLogf installs a logger for skipped-feedback events.
func (i *Integrator) SetLogf(logf func(format string, args ...any)) {
	if logf != nil {
		i.logf = logf
	}
}

// Apply consumes one feedback record against the match it corrects.
// matched is the engine's original suggestion for the same attachment, or
// nil when there was none. sender is the originating message's sender
// address ("" when unknown).
//
// Conflicting feedback — an unknown corrected profile, or a record already
// applied — is skipped with a report, never a fatal error.
func (i *Integrator) Apply(ctx context.Context, fb *store.FeedbackRecord, matched *match.Match, sender string) (*Report, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	report := &Report{FeedbackID: fb.ID}

	// Persist first so the audit record exists even if applying fails.
	if err := i.store.AddFeedback(ctx, fb); err != nil {
		return nil, fmt.Errorf("storing feedback: %w", err)
	}

	// Validate the corrected profile before claiming the record.
	if fb.CorrectProfile != nil {
		profile, err := i.store.GetProfile(ctx, *fb.CorrectProfile)
		if err != nil {
			return nil, fmt.Errorf("resolving corrected profile: %w", err)
		}
		if profile == nil {
			i.logf("feedback %s references unknown profile %s, skipping", fb.ID, *fb.CorrectProfile)
			report.Action = ActionSkipped
			report.Reason = fmt.Sprintf("unknown profile %s", *fb.CorrectProfile)
			return report, nil
		}
	}

	// Claim the record; losing the claim means it was already applied.
	won, err := i.store.MarkFeedbackApplied(ctx, fb.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming feedback: %w", err)
	}
	if !won {
		report.Action = ActionSkipped
		report.Reason = "already applied"
		return report, nil
	}

	approved := matched != nil && fb.CorrectProfile != nil && *fb.CorrectProfile == matched.ProfileID

	if approved {
		if err := i.reinforce(ctx, matched, report); err != nil {
			return nil, err
		}
	} else {
		if err := i.correct(ctx, fb, matched, report); err != nil {
			return nil, err
		}
	}

	// Confirmed sender→profile pairs are added, never removed; removal is
	// an explicit administrative action outside this core.
	if sender != "" && fb.CorrectProfile != nil {
		if err := i.store.AddSenderAssociation(ctx, sender, *fb.CorrectProfile); err != nil {
			return nil, fmt.Errorf("adding sender association: %w", err)
		}
		report.AssociationTo = *fb.CorrectProfile
	}

	return report, nil
}

// reinforce bumps every rule that contributed to the approved suggestion.
func (i *Integrator) reinforce(ctx context.Context, matched *match.Match, report *Report) error {
	report.Action = ActionReinforced
	for _, ruleType := range firedRules(matched) {
		if err := i.store.AdjustRuleConfidence(ctx, ruleType, i.cfg.FeedbackStep, i.cfg.RuleFloor, true); err != nil {
			return fmt.Errorf("reinforcing rule %s: %w", ruleType, err)
		}
		if err := i.store.TouchRule(ctx, ruleType); err != nil {
			return fmt.Errorf("touching rule %s: %w", ruleType, err)
		}
		report.RulesAdjusted = append(report.RulesAdjusted, ruleType)
	}
	return nil
}

// correct weakens the rules that fired for the wrong profile and, when the
// feedback names the right profile, appends any new keywords from the
// free-text reason to it.
func (i *Integrator) correct(ctx context.Context, fb *store.FeedbackRecord, matched *match.Match, report *Report) error {
	report.Action = ActionCorrected

	for _, ruleType := range firedRules(matched) {
		if err := i.store.AdjustRuleConfidence(ctx, ruleType, -i.cfg.FeedbackStep, i.cfg.RuleFloor, false); err != nil {
			return fmt.Errorf("weakening rule %s: %w", ruleType, err)
		}
		if err := i.store.TouchRule(ctx, ruleType); err != nil {
			return fmt.Errorf("touching rule %s: %w", ruleType, err)
		}
		report.RulesAdjusted = append(report.RulesAdjusted, ruleType)
	}

	if fb.CorrectProfile != nil && fb.Reason != "" {
		keywords := newKeywords(ctx, i.store, *fb.CorrectProfile, fb.Reason)
		if len(keywords) > 0 {
			if err := i.store.AppendProfileKeywords(ctx, *fb.CorrectProfile, keywords); err != nil {
				return fmt.Errorf("appending keywords: %w", err)
			}
			report.KeywordsAdded = keywords
		}
	}
	return nil
}

// firedRules returns the rule types with a non-zero contribution to the
// original suggestion, sorted for determinism.
func firedRules(matched *match.Match) []string {
	if matched == nil {
		return nil
	}
	var out []string
	for ruleType, contribution := range matched.Contributions {
		if contribution > 0 {
			out = append(out, ruleType)
		}
	}
	sort.Strings(out)
	return out
}

// newKeywords extracts candidate keywords from the feedback text and drops
// those the profile already carries.
func newKeywords(ctx context.Context, st store.Store, profileID, reason string) []string {
	profile, err := st.GetProfile(ctx, profileID)
	if err != nil || profile == nil {
		return nil
	}
	existing := make(map[string]struct{}, len(profile.Keywords))
	for _, kw := range profile.Keywords {
		existing[kw] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []string
	for _, term := range extract.Tokenize(reason) {
		if _, ok := existing[term]; ok {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	return out
}
