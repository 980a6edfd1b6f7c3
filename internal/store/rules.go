package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertRule inserts or replaces a rule row. Confidence and weight are
// clamped to [0,1]; counters are preserved on update.
func (s *SQLiteStore) UpsertRule(ctx context.Context, r *MatchRule) error {
	if r.Type == "" {
		return fmt.Errorf("rule type is required")
	}
	r.Confidence = clamp01(r.Confidence)
	r.Weight = clamp01(r.Weight)

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rules (rule_type, confidence, weight, success_count, failure_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(rule_type) DO UPDATE SET
			confidence = excluded.confidence,
			weight = excluded.weight,
			updated_at = excluded.updated_at`,
		r.Type, r.Confidence, r.Weight, r.SuccessCount, r.FailureCount, now, now)
	if err != nil {
		return fmt.Errorf("upserting rule %s: %w", r.Type, err)
	}
	r.UpdatedAt = now
	return nil
}

// GetRule retrieves a rule by type. Returns (nil, nil) when absent.
func (s *SQLiteStore) GetRule(ctx context.Context, ruleType string) (*MatchRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT rule_type, confidence, weight, success_count, failure_count, last_used, created_at, updated_at
		 FROM rules WHERE rule_type = ?`, ruleType)

	r := &MatchRule{}
	var lastUsed sql.NullTime
	err := row.Scan(&r.Type, &r.Confidence, &r.Weight, &r.SuccessCount,
		&r.FailureCount, &lastUsed, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting rule %s: %w", ruleType, err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		r.LastUsed = &t
	}
	return r, nil
}

// ListRules returns every stored rule, retired ones included. Callers
// apply the confidence floor themselves.
func (s *SQLiteStore) ListRules(ctx context.Context) ([]*MatchRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_type, confidence, weight, success_count, failure_count, last_used, created_at, updated_at
		 FROM rules ORDER BY rule_type`)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	var out []*MatchRule
	for rows.Next() {
		r := &MatchRule{}
		var lastUsed sql.NullTime
		if err := rows.Scan(&r.Type, &r.Confidence, &r.Weight, &r.SuccessCount,
			&r.FailureCount, &lastUsed, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning rule row: %w", err)
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			r.LastUsed = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AdjustRuleConfidence nudges a rule's confidence by delta and bumps the
// matching counter. Confidence never rises above 1.0 and never falls below
// max(floor, 0). The whole adjustment runs in a single statement so
// concurrent integrators cannot interleave partial updates.
func (s *SQLiteStore) AdjustRuleConfidence(ctx context.Context, ruleType string, delta, floor float64, success bool) error {
	if floor < 0 {
		floor = 0
	}
	counter := "failure_count"
	if success {
		counter = "success_count"
	}

	query := fmt.Sprintf(
		`UPDATE rules SET
			confidence = MAX(?, MIN(1.0, confidence + ?)),
			%s = %s + 1,
			updated_at = ?
		 WHERE rule_type = ?`, counter, counter)

	res, err := s.db.ExecContext(ctx, query, floor, delta, time.Now().UTC(), ruleType)
	if err != nil {
		return fmt.Errorf("adjusting rule %s: %w", ruleType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjusting rule %s: %w", ruleType, err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s not found", ruleType)
	}
	return nil
}

// TouchRule records the rule's last evaluation time.
func (s *SQLiteStore) TouchRule(ctx context.Context, ruleType string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE rules SET last_used = ? WHERE rule_type = ?",
		time.Now().UTC(), ruleType)
	if err != nil {
		return fmt.Errorf("touching rule %s: %w", ruleType, err)
	}
	return nil
}
