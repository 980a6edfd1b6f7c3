package observe

import (
	"context"
	"math"
	"testing"

	"github.com/dealdesk/matchbox/internal/config"
	"github.com/dealdesk/matchbox/internal/store"
)

// newTestEngine creates an observe engine with an in-memory store.
func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	s, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, config.DefaultMatching()), s
}

func TestGetStats_Empty(t *testing.T) {
	engine, _ := newTestEngine(t)

	stats, err := engine.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}

	if stats.Profiles != 0 {
		t.Errorf("expected 0 profiles, got %d", stats.Profiles)
	}
	if stats.Rules != 0 {
		t.Errorf("expected 0 rules, got %d", stats.Rules)
	}
	if stats.AvgRuleConf != 0.0 {
		t.Errorf("expected 0.0 avg rule confidence, got %.2f", stats.AvgRuleConf)
	}
	if len(stats.Alerts) != 0 {
		t.Errorf("expected no alerts on empty store, got %v", stats.Alerts)
	}
}

func TestGetStats_WithData(t *testing.T) {
	engine, s := newTestEngine(t)
	ctx := context.Background()

	for _, p := range []*store.AssetProfile{
		{ID: "I3_CREDIT", Name: "i3 Verticals Credit Facility", Keywords: []string{"i3"}},
		{ID: "ACME_RE", Name: "Acme Real Estate", Keywords: []string{"acme"}},
	} {
		if err := s.UpsertProfile(ctx, p); err != nil {
			t.Fatalf("seeding profile: %v", err)
		}
	}
	s.UpsertSender(ctx, &store.SenderRecord{Email: "deals@example.com", Trust: 0.95})
	s.UpsertRule(ctx, &store.MatchRule{Type: store.RuleKeywordHit, Confidence: 0.8, Weight: 0.7})
	s.UpsertRule(ctx, &store.MatchRule{Type: store.RuleExactName, Confidence: 0.1, Weight: 0.8})
	s.UpsertPattern(ctx, &store.ContentPattern{Term: "loan", Confidence: 0.8})
	s.AddFeedback(ctx, &store.FeedbackRecord{ID: "fb-1", Category: "approval"})

	stats, err := engine.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}

	if stats.Profiles != 2 {
		t.Errorf("expected 2 profiles, got %d", stats.Profiles)
	}
	if stats.Senders != 1 {
		t.Errorf("expected 1 sender, got %d", stats.Senders)
	}
	if stats.Rules != 2 {
		t.Errorf("expected 2 rules, got %d", stats.Rules)
	}
	if stats.Patterns != 1 {
		t.Errorf("expected 1 pattern, got %d", stats.Patterns)
	}
	if stats.Feedback != 1 || stats.FeedbackPending != 1 {
		t.Errorf("expected 1 pending feedback, got %d/%d", stats.Feedback, stats.FeedbackPending)
	}
	if math.Abs(stats.AvgRuleConf-0.45) > 1e-9 {
		t.Errorf("expected avg rule confidence 0.45, got %f", stats.AvgRuleConf)
	}

	// exact_name at 0.1 is below the 0.2 floor.
	if stats.RetiredRules != 1 {
		t.Errorf("expected 1 retired rule, got %d", stats.RetiredRules)
	}

	// Growth windows count the freshly inserted rows.
	if stats.Growth.Profiles7d != 2 {
		t.Errorf("expected 2 profiles in 7d growth, got %d", stats.Growth.Profiles7d)
	}
	if stats.Growth.Feedback24h != 1 {
		t.Errorf("expected 1 feedback in 24h growth, got %d", stats.Growth.Feedback24h)
	}
}

func TestGetStats_RuleHealth(t *testing.T) {
	engine, s := newTestEngine(t)
	ctx := context.Background()

	s.UpsertRule(ctx, &store.MatchRule{Type: store.RuleKeywordHit, Confidence: 0.8, Weight: 0.7})
	s.UpsertRule(ctx, &store.MatchRule{Type: store.RuleSenderAssoc, Confidence: 0.3, Weight: 0.5})

	// Three wins, one loss for the keyword rule.
	cfg := config.DefaultMatching()
	for i := 0; i < 3; i++ {
		if err := s.AdjustRuleConfidence(ctx, store.RuleKeywordHit, cfg.FeedbackStep, cfg.RuleFloor, true); err != nil {
			t.Fatalf("adjusting rule: %v", err)
		}
	}
	if err := s.AdjustRuleConfidence(ctx, store.RuleKeywordHit, -cfg.FeedbackStep, cfg.RuleFloor, false); err != nil {
		t.Fatalf("adjusting rule: %v", err)
	}

	stats, err := engine.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}

	if len(stats.RuleHealth) != 2 {
		t.Fatalf("expected 2 rule health rows, got %d", len(stats.RuleHealth))
	}
	// Sorted by type: keyword_overlap before sender_association.
	kw := stats.RuleHealth[0]
	if kw.Type != store.RuleKeywordHit {
		t.Fatalf("expected keyword rule first, got %s", kw.Type)
	}
	if kw.SuccessCount != 3 || kw.FailureCount != 1 {
		t.Errorf("expected 3/1 counters, got %d/%d", kw.SuccessCount, kw.FailureCount)
	}
	if math.Abs(kw.SuccessRate-0.75) > 1e-9 {
		t.Errorf("expected success rate 0.75, got %f", kw.SuccessRate)
	}
	if kw.Retired {
		t.Error("healthy rule reported as retired")
	}
}

func TestGetStats_AllRulesRetiredAlert(t *testing.T) {
	engine, s := newTestEngine(t)
	ctx := context.Background()

	s.UpsertRule(ctx, &store.MatchRule{Type: store.RuleKeywordHit, Confidence: 0.1, Weight: 0.7})
	s.UpsertRule(ctx, &store.MatchRule{Type: store.RuleExactName, Confidence: 0.05, Weight: 0.8})

	stats, err := engine.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.RetiredRules != 2 {
		t.Fatalf("expected 2 retired rules, got %d", stats.RetiredRules)
	}

	found := false
	for _, a := range stats.Alerts {
		if a == "all_rules_retired: every matching rule is below the confidence floor; matching is effectively disabled" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected all_rules_retired alert, got %v", stats.Alerts)
	}
}
