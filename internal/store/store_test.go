package store

import (
	"context"
	"testing"
)

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewStore(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)

	tables := []string{"profiles", "profile_keywords", "senders", "rules",
		"content_patterns", "feedback", "meta"}
	for _, table := range tables {
		var name string
		err := ss.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}

	var ftsName string
	err := ss.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='profiles_fts'",
	).Scan(&ftsName)
	if err != nil {
		t.Error("profiles_fts virtual table not found")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)

	if err := ss.migrate(); err != nil {
		t.Fatalf("second migrate run failed: %v", err)
	}

	var version string
	ss.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version)
	if version != "1" {
		t.Errorf("expected schema_version '1', got %q", version)
	}
}

func TestSenderOrgColumnExists(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)

	var count int
	err := ss.db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('senders') WHERE name='organization'").Scan(&count)
	if err != nil {
		t.Fatalf("checking organization column: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected organization column to exist, count=%d", count)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProfile(ctx, &AssetProfile{ID: "A1", Name: "Alpha Fund", Keywords: []string{"alpha"}}); err != nil {
		t.Fatalf("upserting profile: %v", err)
	}
	if err := s.UpsertRule(ctx, &MatchRule{Type: RuleKeywordHit, Confidence: 0.8, Weight: 0.7}); err != nil {
		t.Fatalf("upserting rule: %v", err)
	}
	if err := s.AddFeedback(ctx, &FeedbackRecord{ID: "fb-1"}); err != nil {
		t.Fatalf("adding feedback: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.ProfileCount != 1 || st.RuleCount != 1 || st.FeedbackCount != 1 {
		t.Errorf("unexpected counts: %+v", st)
	}
	if st.FeedbackPending != 1 {
		t.Errorf("expected 1 pending feedback, got %d", st.FeedbackPending)
	}
	if st.AvgRuleConf < 0.79 || st.AvgRuleConf > 0.81 {
		t.Errorf("expected avg rule confidence ~0.8, got %f", st.AvgRuleConf)
	}
}
