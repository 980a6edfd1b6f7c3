package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// normalizeKeyword canonicalizes a profile keyword for storage and lookup.
func normalizeKeyword(kw string) string {
	return strings.ToLower(strings.TrimSpace(kw))
}

// normalizeKeywords lowercases, trims and de-duplicates preserving order.
func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	seen := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		k := normalizeKeyword(kw)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// UpsertProfile inserts or replaces a profile and rebuilds its keyword
// lookup rows and FTS entry. Idempotent: re-upserting the same profile
// leaves the store in the same state.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *AssetProfile) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("profile id is required")
	}
	p.Keywords = normalizeKeywords(p.Keywords)
	if p.Confidence <= 0 {
		p.Confidence = 1.0
	}
	p.Confidence = clamp01(p.Confidence)

	kwJSON, err := json.Marshal(p.Keywords)
	if err != nil {
		return fmt.Errorf("encoding keywords: %w", err)
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning profile upsert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO profiles (id, name, keywords, confidence, category, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			keywords = excluded.keywords,
			confidence = excluded.confidence,
			category = excluded.category,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, string(kwJSON), p.Confidence, p.Category, now, now)
	if err != nil {
		return fmt.Errorf("upserting profile %s: %w", p.ID, err)
	}

	// Rebuild derived rows
	if _, err := tx.ExecContext(ctx, "DELETE FROM profile_keywords WHERE profile_id = ?", p.ID); err != nil {
		return fmt.Errorf("clearing profile keywords: %w", err)
	}
	for _, kw := range p.Keywords {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO profile_keywords (profile_id, keyword) VALUES (?, ?)",
			p.ID, kw); err != nil {
			return fmt.Errorf("inserting profile keyword: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM profiles_fts WHERE profile_id = ?", p.ID); err != nil {
		return fmt.Errorf("clearing profile fts row: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO profiles_fts (profile_id, name, keywords, category) VALUES (?, ?, ?, ?)",
		p.ID, p.Name, strings.Join(p.Keywords, " "), p.Category); err != nil {
		return fmt.Errorf("inserting profile fts row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing profile upsert: %w", err)
	}
	p.UpdatedAt = now
	return nil
}

// GetProfile retrieves a profile by ID. Returns (nil, nil) when absent.
func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*AssetProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, keywords, confidence, category, created_at, updated_at
		 FROM profiles WHERE id = ?`, id)
	return scanProfile(row)
}

// ListProfiles returns profiles ordered by id with pagination.
func (s *SQLiteStore) ListProfiles(ctx context.Context, limit, offset int) ([]*AssetProfile, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, keywords, confidence, category, created_at, updated_at
		 FROM profiles ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()
	return scanProfiles(rows)
}

// DeleteProfile removes a profile and its derived rows. Profiles referenced
// by feedback records are retained for audit and cannot be deleted.
func (s *SQLiteStore) DeleteProfile(ctx context.Context, id string) error {
	var refs int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM feedback WHERE correct_profile = ?", id).Scan(&refs)
	if err != nil {
		return fmt.Errorf("checking feedback references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("profile %s is referenced by %d feedback record(s)", id, refs)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning profile delete: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM profile_keywords WHERE profile_id = ?",
		"DELETE FROM profiles_fts WHERE profile_id = ?",
		"DELETE FROM profiles WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("deleting profile %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// SearchProfiles finds candidate profiles for a term: exact keyword hits
// first, then FTS matches over name/keywords/category. Results are
// de-duplicated and capped at limit.
func (s *SQLiteStore) SearchProfiles(ctx context.Context, term string, limit int) ([]*AssetProfile, error) {
	term = normalizeKeyword(term)
	if term == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	ids := make([]string, 0, limit)
	seen := make(map[string]struct{}, limit)

	// Exact keyword hits
	rows, err := s.db.QueryContext(ctx,
		"SELECT profile_id FROM profile_keywords WHERE keyword = ? ORDER BY profile_id LIMIT ?",
		term, limit)
	if err != nil {
		return nil, fmt.Errorf("searching profile keywords: %w", err)
	}
	if err := collectIDs(rows, &ids, seen); err != nil {
		return nil, err
	}

	// FTS fallback for the remainder of the budget
	if len(ids) < limit {
		ftsRows, err := s.db.QueryContext(ctx,
			`SELECT profile_id FROM profiles_fts WHERE profiles_fts MATCH ? ORDER BY rank LIMIT ?`,
			ftsQuote(term), limit-len(ids))
		if err == nil {
			if err := collectIDs(ftsRows, &ids, seen); err != nil {
				return nil, err
			}
		}
		// FTS syntax errors on odd tokens are not fatal; exact hits stand.
	}

	profiles := make([]*AssetProfile, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProfile(ctx, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			profiles = append(profiles, p)
		}
	}
	return profiles, nil
}

// KeywordKnown reports whether the term appears verbatim in any stored
// profile's keyword list. This drives priority-term partitioning in the
// matcher: it is a lookup, not a heuristic.
func (s *SQLiteStore) KeywordKnown(ctx context.Context, term string) (bool, error) {
	term = normalizeKeyword(term)
	if term == "" {
		return false, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM profile_keywords WHERE keyword = ?", term).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("keyword lookup: %w", err)
	}
	return count > 0, nil
}

// AppendProfileKeywords adds keywords to a profile, de-duplicated against
// the existing list. Missing profile is an error.
func (s *SQLiteStore) AppendProfileKeywords(ctx context.Context, id string, keywords []string) error {
	p, err := s.GetProfile(ctx, id)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("profile %s not found", id)
	}
	p.Keywords = append(p.Keywords, keywords...)
	return s.UpsertProfile(ctx, p)
}

func collectIDs(rows *sql.Rows, ids *[]string, seen map[string]struct{}) error {
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scanning profile id: %w", err)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		*ids = append(*ids, id)
	}
	return rows.Err()
}

// ftsQuote wraps a term in double quotes so FTS5 treats it as a literal
// string rather than query syntax.
func ftsQuote(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfileFields(sc rowScanner) (*AssetProfile, error) {
	p := &AssetProfile{}
	var kwJSON string
	err := sc.Scan(&p.ID, &p.Name, &kwJSON, &p.Confidence, &p.Category, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(kwJSON), &p.Keywords); err != nil {
		return nil, fmt.Errorf("decoding keywords for %s: %w", p.ID, err)
	}
	return p, nil
}

func scanProfile(row *sql.Row) (*AssetProfile, error) {
	p, err := scanProfileFields(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	return p, nil
}

func scanProfiles(rows *sql.Rows) ([]*AssetProfile, error) {
	var out []*AssetProfile
	for rows.Next() {
		p, err := scanProfileFields(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning profile row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// clamp01 clamps v to [0, 1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
