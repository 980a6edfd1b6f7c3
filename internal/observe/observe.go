// Package observe provides pattern-store observability for matchbox.
//
// Three core capabilities:
// - Stats: record counts, rule health, feedback backlog, storage size
// - Rule health: per-rule confidence, success rate, and retired flag
// - Growth: short-window profile and feedback growth with guardrail alerts
//
// This package answers the question: "What has the matcher learned?"
package observe

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dealdesk/matchbox/internal/config"
	"github.com/dealdesk/matchbox/internal/store"
)

// Stats holds aggregate pattern-store statistics for observability.
type Stats struct {
	Profiles        int          `json:"profiles"`
	Senders         int          `json:"senders"`
	Rules           int          `json:"rules"`
	RetiredRules    int          `json:"retired_rules"`
	Patterns        int          `json:"content_patterns"`
	Feedback        int          `json:"feedback"`
	FeedbackPending int          `json:"feedback_pending"`
	AvgRuleConf     float64      `json:"avg_rule_confidence"`
	StorageBytes    int64        `json:"storage_bytes"`
	RuleHealth      []RuleHealth `json:"rule_health"`
	Growth          Growth       `json:"growth"`
	Alerts          []string     `json:"alerts,omitempty"`
}

// RuleHealth is the per-rule learning snapshot.
type RuleHealth struct {
	Type         string     `json:"type"`
	Confidence   float64    `json:"confidence"`
	Weight       float64    `json:"weight"`
	Retired      bool       `json:"retired"`
	SuccessCount int64      `json:"success_count"`
	FailureCount int64      `json:"failure_count"`
	SuccessRate  float64    `json:"success_rate"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
}

// Growth holds short-window growth metrics for ops guardrails.
type Growth struct {
	Profiles7d  int `json:"profiles_7d"`
	Feedback24h int `json:"feedback_24h"`
	Feedback7d  int `json:"feedback_7d"`
}

// Engine provides pattern-store observability capabilities.
type Engine struct {
	store store.Store
	cfg   config.Matching
}

// NewEngine creates a new observability engine.
func NewEngine(s store.Store, cfg config.Matching) *Engine {
	return &Engine{store: s, cfg: cfg}
}

// GetStats returns comprehensive pattern-store statistics.
func (e *Engine) GetStats(ctx context.Context) (*Stats, error) {
	storeStats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting store stats: %w", err)
	}

	stats := &Stats{
		Profiles:        int(storeStats.ProfileCount),
		Senders:         int(storeStats.SenderCount),
		Rules:           int(storeStats.RuleCount),
		Patterns:        int(storeStats.PatternCount),
		Feedback:        int(storeStats.FeedbackCount),
		FeedbackPending: int(storeStats.FeedbackPending),
		AvgRuleConf:     storeStats.AvgRuleConf,
		StorageBytes:    storeStats.DBSizeBytes,
	}

	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	for _, r := range rules {
		h := RuleHealth{
			Type:         r.Type,
			Confidence:   r.Confidence,
			Weight:       r.Weight,
			Retired:      !r.Active(e.cfg.RuleFloor),
			SuccessCount: r.SuccessCount,
			FailureCount: r.FailureCount,
			LastUsed:     r.LastUsed,
		}
		if total := r.SuccessCount + r.FailureCount; total > 0 {
			h.SuccessRate = float64(r.SuccessCount) / float64(total)
		}
		if h.Retired {
			stats.RetiredRules++
		}
		stats.RuleHealth = append(stats.RuleHealth, h)
	}
	sort.Slice(stats.RuleHealth, func(i, j int) bool {
		return stats.RuleHealth[i].Type < stats.RuleHealth[j].Type
	})

	// Growth metrics are only available on the SQLite store.
	if sq, ok := e.store.(*store.SQLiteStore); ok {
		growth, err := e.getGrowth(ctx, sq)
		if err == nil {
			stats.Growth = growth
		}
	}

	stats.Alerts = buildAlerts(stats)
	return stats, nil
}

func (e *Engine) getGrowth(ctx context.Context, sq *store.SQLiteStore) (Growth, error) {
	g := Growth{}
	db := sq.GetDB()

	queries := []struct {
		sql  string
		dest *int
	}{
		{`SELECT COUNT(*) FROM profiles WHERE created_at >= datetime('now', '-7 day')`, &g.Profiles7d},
		{`SELECT COUNT(*) FROM feedback WHERE created_at >= datetime('now', '-1 day')`, &g.Feedback24h},
		{`SELECT COUNT(*) FROM feedback WHERE created_at >= datetime('now', '-7 day')`, &g.Feedback7d},
	}
	for _, q := range queries {
		if err := db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return g, err
		}
	}
	return g, nil
}

func buildAlerts(stats *Stats) []string {
	alerts := make([]string, 0)

	const (
		warnStorageBytes = int64(512 * 1024 * 1024) // 512 MB
		warnBacklog      = 100
	)

	if stats.StorageBytes >= warnStorageBytes {
		alerts = append(alerts, "db_size_high: pattern store is above 512MB; run maintenance (vacuum) soon")
	}
	if stats.FeedbackPending >= warnBacklog {
		alerts = append(alerts, "feedback_backlog: more than 100 feedback records await application")
	}
	if stats.Rules > 0 && stats.RetiredRules == stats.Rules {
		alerts = append(alerts, "all_rules_retired: every matching rule is below the confidence floor; matching is effectively disabled")
	}

	return alerts
}
