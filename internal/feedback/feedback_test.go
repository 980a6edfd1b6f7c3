package feedback

import (
	"context"
	"math"
	"testing"

	"github.com/dealdesk/matchbox/internal/config"
	"github.com/dealdesk/matchbox/internal/match"
	"github.com/dealdesk/matchbox/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedSuggestionFixture loads the profile, rules and sender behind a
// typical approved suggestion and returns the suggestion itself.
func seedSuggestionFixture(t *testing.T, s store.Store) *match.Match {
	t.Helper()
	ctx := context.Background()

	if err := s.UpsertProfile(ctx, &store.AssetProfile{
		ID:       "I3_CREDIT",
		Name:     "i3 Verticals Credit Facility",
		Keywords: []string{"i3", "verticals"},
	}); err != nil {
		t.Fatalf("seeding profile: %v", err)
	}
	if err := s.UpsertRule(ctx, &store.MatchRule{
		Type: store.RuleKeywordHit, Confidence: 0.8, Weight: 0.7,
	}); err != nil {
		t.Fatalf("seeding rule: %v", err)
	}
	if err := s.UpsertRule(ctx, &store.MatchRule{
		Type: store.RuleSenderAssoc, Confidence: 0.3, Weight: 0.5,
	}); err != nil {
		t.Fatalf("seeding rule: %v", err)
	}

	return &match.Match{
		Filename:   "RLV_TRM_i3_TD.pdf",
		ProfileID:  "I3_CREDIT",
		Confidence: 0.43,
		Contributions: map[string]float64{
			store.RuleKeywordHit:  0.28,
			store.RuleSenderAssoc: 0.15,
		},
	}
}

func approval(id string) *store.FeedbackRecord {
	profile := "I3_CREDIT"
	return &store.FeedbackRecord{
		ID:             id,
		MessageRef:     "msg-001",
		Attachment:     "RLV_TRM_i3_TD.pdf",
		CorrectProfile: &profile,
		Category:       "approval",
	}
}

func ruleConfidence(t *testing.T, s store.Store, ruleType string) *store.MatchRule {
	t.Helper()
	rule, err := s.GetRule(context.Background(), ruleType)
	if err != nil {
		t.Fatalf("loading rule %s: %v", ruleType, err)
	}
	if rule == nil {
		t.Fatalf("rule %s missing", ruleType)
	}
	return rule
}

func TestApplyApprovalReinforcesFiredRules(t *testing.T) {
	s := newTestStore(t)
	suggestion := seedSuggestionFixture(t, s)
	cfg := config.DefaultMatching()

	integ := NewIntegrator(s, cfg)
	report, err := integ.Apply(context.Background(), approval("fb-1"), suggestion, "deals@example.com")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report.Action != ActionReinforced {
		t.Fatalf("expected %s, got %s (%s)", ActionReinforced, report.Action, report.Reason)
	}

	kw := ruleConfidence(t, s, store.RuleKeywordHit)
	if math.Abs(kw.Confidence-(0.8+cfg.FeedbackStep)) > 1e-9 {
		t.Errorf("keyword rule confidence: want %f, got %f", 0.8+cfg.FeedbackStep, kw.Confidence)
	}
	if kw.SuccessCount != 1 {
		t.Errorf("keyword rule success count: want 1, got %d", kw.SuccessCount)
	}
	if kw.LastUsed == nil {
		t.Error("keyword rule last_used not stamped")
	}

	sa := ruleConfidence(t, s, store.RuleSenderAssoc)
	if math.Abs(sa.Confidence-(0.3+cfg.FeedbackStep)) > 1e-9 {
		t.Errorf("sender rule confidence: want %f, got %f", 0.3+cfg.FeedbackStep, sa.Confidence)
	}

	// Approval also confirms the sender→profile pair.
	rec, err := s.GetSender(context.Background(), "deals@example.com")
	if err != nil || rec == nil {
		t.Fatalf("sender record missing after approval: %v", err)
	}
	if len(rec.Associations) != 1 || rec.Associations[0] != "I3_CREDIT" {
		t.Errorf("expected association [I3_CREDIT], got %v", rec.Associations)
	}
}

func TestApplyApprovalCapsAtOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	suggestion := seedSuggestionFixture(t, s)
	s.UpsertRule(ctx, &store.MatchRule{Type: store.RuleKeywordHit, Confidence: 0.99, Weight: 0.7})

	integ := NewIntegrator(s, config.DefaultMatching())
	if _, err := integ.Apply(ctx, approval("fb-cap"), suggestion, ""); err != nil {
		t.Fatalf("apply: %v", err)
	}

	kw := ruleConfidence(t, s, store.RuleKeywordHit)
	if kw.Confidence > 1.0 {
		t.Errorf("confidence exceeded 1.0: %f", kw.Confidence)
	}
}

func TestApplyCorrectionWeakensFiredRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	suggestion := seedSuggestionFixture(t, s)

	if err := s.UpsertProfile(ctx, &store.AssetProfile{
		ID: "ACME_RE", Name: "Acme Real Estate", Keywords: []string{"acme"},
	}); err != nil {
		t.Fatalf("seeding profile: %v", err)
	}

	cfg := config.DefaultMatching()
	correct := "ACME_RE"
	fb := &store.FeedbackRecord{
		ID:             "fb-corr",
		Attachment:     "RLV_TRM_i3_TD.pdf",
		CorrectProfile: &correct,
		Category:       "correction",
		Reason:         "this is the acme tower refinance package",
	}

	report, err := NewIntegrator(s, cfg).Apply(ctx, fb, suggestion, "deals@example.com")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report.Action != ActionCorrected {
		t.Fatalf("expected %s, got %s", ActionCorrected, report.Action)
	}

	kw := ruleConfidence(t, s, store.RuleKeywordHit)
	if math.Abs(kw.Confidence-(0.8-cfg.FeedbackStep)) > 1e-9 {
		t.Errorf("keyword rule confidence: want %f, got %f", 0.8-cfg.FeedbackStep, kw.Confidence)
	}
	if kw.FailureCount != 1 {
		t.Errorf("keyword rule failure count: want 1, got %d", kw.FailureCount)
	}

	// New keywords from the reason land on the corrected profile, deduped
	// against what it already carries.
	profile, err := s.GetProfile(ctx, "ACME_RE")
	if err != nil || profile == nil {
		t.Fatalf("loading profile: %v", err)
	}
	got := make(map[string]bool, len(profile.Keywords))
	for _, kw := range profile.Keywords {
		got[kw] = true
	}
	for _, want := range []string{"acme", "tower", "refinance", "package"} {
		if !got[want] {
			t.Errorf("expected keyword %q on corrected profile, got %v", want, profile.Keywords)
		}
	}

	// The corrected pair is also confirmed as a sender association.
	rec, _ := s.GetSender(ctx, "deals@example.com")
	if rec == nil || len(rec.Associations) != 1 || rec.Associations[0] != "ACME_RE" {
		t.Errorf("expected association to corrected profile, got %+v", rec)
	}
}

func TestApplyCorrectionFloorsAtRuleFloor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	suggestion := seedSuggestionFixture(t, s)
	s.UpsertRule(ctx, &store.MatchRule{Type: store.RuleKeywordHit, Confidence: 0.21, Weight: 0.7})

	cfg := config.DefaultMatching()
	fb := &store.FeedbackRecord{ID: "fb-floor", Category: "not-applicable"}

	if _, err := NewIntegrator(s, cfg).Apply(ctx, fb, suggestion, ""); err != nil {
		t.Fatalf("apply: %v", err)
	}

	kw := ruleConfidence(t, s, store.RuleKeywordHit)
	if kw.Confidence < cfg.RuleFloor {
		t.Errorf("confidence fell below floor: %f < %f", kw.Confidence, cfg.RuleFloor)
	}
	if math.Abs(kw.Confidence-cfg.RuleFloor) > 1e-9 {
		t.Errorf("expected confidence floored at %f, got %f", cfg.RuleFloor, kw.Confidence)
	}
}

func TestApplyNotApplicableWeakensWithoutKeywordChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	suggestion := seedSuggestionFixture(t, s)

	fb := &store.FeedbackRecord{
		ID:         "fb-na",
		Attachment: "RLV_TRM_i3_TD.pdf",
		Category:   "not-applicable",
		Reason:     "marketing noise",
	}

	report, err := NewIntegrator(s, config.DefaultMatching()).Apply(ctx, fb, suggestion, "deals@example.com")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report.Action != ActionCorrected {
		t.Fatalf("expected %s, got %s", ActionCorrected, report.Action)
	}
	if len(report.KeywordsAdded) != 0 {
		t.Errorf("not-applicable feedback must not add keywords, got %v", report.KeywordsAdded)
	}
	if report.AssociationTo != "" {
		t.Errorf("not-applicable feedback must not add associations, got %q", report.AssociationTo)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	suggestion := seedSuggestionFixture(t, s)
	cfg := config.DefaultMatching()

	integ := NewIntegrator(s, cfg)
	if _, err := integ.Apply(ctx, approval("fb-once"), suggestion, ""); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	after := ruleConfidence(t, s, store.RuleKeywordHit).Confidence

	report, err := integ.Apply(ctx, approval("fb-once"), suggestion, "")
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if report.Action != ActionSkipped {
		t.Fatalf("replay must be skipped, got %s", report.Action)
	}
	if got := ruleConfidence(t, s, store.RuleKeywordHit).Confidence; got != after {
		t.Errorf("replay changed confidence: %f → %f", after, got)
	}
	if got := ruleConfidence(t, s, store.RuleKeywordHit).SuccessCount; got != 1 {
		t.Errorf("replay changed success count: got %d", got)
	}
}

func TestApplyUnknownProfileSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	suggestion := seedSuggestionFixture(t, s)

	ghost := "NO_SUCH_PROFILE"
	fb := &store.FeedbackRecord{ID: "fb-ghost", CorrectProfile: &ghost, Category: "correction"}

	var logged bool
	integ := NewIntegrator(s, config.DefaultMatching())
	integ.SetLogf(func(format string, args ...any) { logged = true })

	report, err := integ.Apply(ctx, fb, suggestion, "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report.Action != ActionSkipped {
		t.Fatalf("expected skip for unknown profile, got %s", report.Action)
	}
	if !logged {
		t.Error("expected skip to be logged")
	}

	// The record stays pending so an operator can fix the profile id later.
	pending, err := s.ListPendingFeedback(ctx, 10)
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "fb-ghost" {
		t.Errorf("expected fb-ghost pending, got %+v", pending)
	}

	// Rules untouched.
	if got := ruleConfidence(t, s, store.RuleKeywordHit).Confidence; got != 0.8 {
		t.Errorf("skip must not adjust rules, got %f", got)
	}
}

func TestApplyMonotonicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	suggestion := seedSuggestionFixture(t, s)
	cfg := config.DefaultMatching()
	integ := NewIntegrator(s, cfg)

	prev := ruleConfidence(t, s, store.RuleKeywordHit).Confidence
	for i, id := range []string{"fb-m1", "fb-m2", "fb-m3"} {
		if _, err := integ.Apply(ctx, approval(id), suggestion, ""); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		got := ruleConfidence(t, s, store.RuleKeywordHit).Confidence
		if got < prev {
			t.Fatalf("approval %d decreased confidence: %f → %f", i, prev, got)
		}
		if got > 1.0 {
			t.Fatalf("approval %d pushed confidence past 1.0: %f", i, got)
		}
		prev = got
	}

	fb := &store.FeedbackRecord{ID: "fb-m4", Category: "not-applicable"}
	if _, err := integ.Apply(ctx, fb, suggestion, ""); err != nil {
		t.Fatalf("correction apply: %v", err)
	}
	got := ruleConfidence(t, s, store.RuleKeywordHit).Confidence
	if got > prev {
		t.Errorf("correction increased confidence: %f → %f", prev, got)
	}
	if got < cfg.RuleFloor {
		t.Errorf("correction pushed confidence below floor: %f", got)
	}
}

func TestApplyNoSuggestionStillRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSuggestionFixture(t, s)

	correct := "I3_CREDIT"
	fb := &store.FeedbackRecord{
		ID:             "fb-miss",
		CorrectProfile: &correct,
		Category:       "correction",
		Reason:         "engine missed this one entirely",
	}

	report, err := NewIntegrator(s, config.DefaultMatching()).Apply(ctx, fb, nil, "deals@example.com")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report.Action != ActionCorrected {
		t.Fatalf("expected correction path, got %s", report.Action)
	}
	if len(report.RulesAdjusted) != 0 {
		t.Errorf("no suggestion means no fired rules, got %v", report.RulesAdjusted)
	}

	// The named profile still picks up the association and keywords.
	rec, _ := s.GetSender(ctx, "deals@example.com")
	if rec == nil || len(rec.Associations) != 1 || rec.Associations[0] != "I3_CREDIT" {
		t.Errorf("expected association after correction, got %+v", rec)
	}
}
