package store

import (
	"context"
	"fmt"
)

// UpsertPattern inserts or replaces one domain-indicator term.
func (s *SQLiteStore) UpsertPattern(ctx context.Context, p *ContentPattern) error {
	term := normalizeKeyword(p.Term)
	if term == "" {
		return fmt.Errorf("pattern term is required")
	}
	p.Term = term
	p.Confidence = clamp01(p.Confidence)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_patterns (term, confidence, category)
		 VALUES (?, ?, ?)
		 ON CONFLICT(term) DO UPDATE SET
			confidence = excluded.confidence,
			category = excluded.category`,
		p.Term, p.Confidence, p.Category)
	if err != nil {
		return fmt.Errorf("upserting pattern %s: %w", p.Term, err)
	}
	return nil
}

// ListPatterns returns all stored domain indicators ordered by term.
func (s *SQLiteStore) ListPatterns(ctx context.Context) ([]*ContentPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT term, confidence, category FROM content_patterns ORDER BY term")
	if err != nil {
		return nil, fmt.Errorf("listing patterns: %w", err)
	}
	defer rows.Close()

	var out []*ContentPattern
	for rows.Next() {
		p := &ContentPattern{}
		if err := rows.Scan(&p.Term, &p.Confidence, &p.Category); err != nil {
			return nil, fmt.Errorf("scanning pattern row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
