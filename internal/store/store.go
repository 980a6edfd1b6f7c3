// Package store provides the SQLite + FTS5 pattern store for Matchbox.
//
// All persisted matching memory lives in a single SQLite database file:
// - Asset profiles (semantic memory: names, keyword lists, categories)
// - Sender records (trust scores and sender→profile associations)
// - Match rules (procedural memory: weighted heuristics with confidence)
// - Content patterns (domain-indicator terms for relevance scoring)
// - Feedback records (episodic memory: human corrections, kept for audit)
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.matchbox/matchbox.db"

// RecordKind identifies one of the stored record families for Search.
type RecordKind string

const (
	KindProfile RecordKind = "profile"
	KindRule    RecordKind = "rule"
	KindSender  RecordKind = "sender"
)

// AssetProfile is a known target entity that attachments may belong to.
type AssetProfile struct {
	ID         string
	Name       string
	Keywords   []string
	Confidence float64 // data-quality confidence, 0..1
	Category   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SenderRecord holds trust and association metadata for one sender address.
// Email is the case-insensitive key; Associations preserves insertion order.
type SenderRecord struct {
	Email        string
	Trust        float64 // 0..1
	Associations []string
	Organization string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

/// Rule type tags. The set is closed: new heuristics are added as new
// constants plus an evaluator, never as loosely-typed payloads.
const (
	RuleExactName   = "exact_name"
	RuleKeywordHit  = "keyword_overlap"
	RuleSenderAssoc = "sender_association"
)

// MatchRule is one weighted matching heuristic.
//
// Confidence measures how reliable the rule class has proven to be;
// Weight is its contribution share in the aggregate. Both are clamped to
// [0,1]. A rule whose confidence drops below the configured floor is
// retired (excluded from evaluation) but never deleted.
type MatchRule struct {
	Type         string
	Confidence   float64
	Weight       float64
	SuccessCount int64
	FailureCount int64
	LastUsed     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Active reports whether the rule participates in evaluation given floor.
func (r *MatchRule) Active(floor float64) bool {
	return r.Confidence >= floor
}

// ContentPattern is a domain-indicator term used by the relevance scorer.
type ContentPattern struct {
	Term       string
	Confidence float64 // 0..1
	Category   string
}

// FeedbackRecord is one human correction. Immutable once written; AppliedAt
// is the only mutable field and makes integration idempotent.
type FeedbackRecord struct {
	ID             string  // uuid, assigned by the caller
	MessageRef     string  // originating message identifier
	Attachment     string  // attachment filename the correction refers to
	CorrectProfile *string // nil means "not applicable"
	Category       string
	Reason         string
	CreatedAt      time.Time
	AppliedAt      *time.Time
}

// Stats holds observability counts for the pattern store.
type Stats struct {
	ProfileCount    int64
	SenderCount     int64
	RuleCount       int64
	PatternCount    int64
	FeedbackCount   int64
	FeedbackPending int64
	AvgRuleConf     float64
	DBSizeBytes     int64
}

// Config holds configuration for NewStore.
type Config struct {
	DBPath string
}

// Store is the pattern store contract consumed by the matching engines.
// All calls are idempotent under retry.
type Store interface {
	// Profiles
	UpsertProfile(ctx context.Context, p *AssetProfile) error
	GetProfile(ctx context.Context, id string) (*AssetProfile, error)
	ListProfiles(ctx context.Context, limit, offset int) ([]*AssetProfile, error)
	DeleteProfile(ctx context.Context, id string) error
	SearchProfiles(ctx context.Context, term string, limit int) ([]*AssetProfile, error)
	KeywordKnown(ctx context.Context, term string) (bool, error)
	AppendProfileKeywords(ctx context.Context, id string, keywords []string) error

	// Senders
	UpsertSender(ctx context.Context, r *SenderRecord) error
	GetSender(ctx context.Context, email string) (*SenderRecord, error)
	AddSenderAssociation(ctx context.Context, email, profileID string) error

	// Rules
	UpsertRule(ctx context.Context, r *MatchRule) error
	GetRule(ctx context.Context, ruleType string) (*MatchRule, error)
	ListRules(ctx context.Context) ([]*MatchRule, error)
	AdjustRuleConfidence(ctx context.Context, ruleType string, delta, floor float64, success bool) error
	TouchRule(ctx context.Context, ruleType string) error

	// Content patterns
	UpsertPattern(ctx context.Context, p *ContentPattern) error
	ListPatterns(ctx context.Context) ([]*ContentPattern, error)

	// Feedback
	AddFeedback(ctx context.Context, f *FeedbackRecord) error
	GetFeedback(ctx context.Context, id string) (*FeedbackRecord, error)
	ListPendingFeedback(ctx context.Context, limit int) ([]*FeedbackRecord, error)
	MarkFeedbackApplied(ctx context.Context, id string) (bool, error)

	// Observability
	Stats(ctx context.Context) (*Stats, error)

	// Maintenance
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite + FTS5.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg Config) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	// Create parent directory for non-memory databases
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Enable WAL mode and foreign keys
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// GetDB exposes the underlying handle for callers that need raw queries
// (lifecycle sweeps, stats breakdowns).
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum runs VACUUM on the database. Manual only — never auto-vacuum.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Stats returns aggregate record counts for observability.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM profiles", &st.ProfileCount},
		{"SELECT COUNT(*) FROM senders", &st.SenderCount},
		{"SELECT COUNT(*) FROM rules", &st.RuleCount},
		{"SELECT COUNT(*) FROM content_patterns", &st.PatternCount},
		{"SELECT COUNT(*) FROM feedback", &st.FeedbackCount},
		{"SELECT COUNT(*) FROM feedback WHERE applied_at IS NULL", &st.FeedbackPending},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("store stats: %w", err)
		}
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT AVG(confidence) FROM rules").Scan(&avg); err != nil {
		return nil, fmt.Errorf("store stats: %w", err)
	}
	if avg.Valid {
		st.AvgRuleConf = avg.Float64
	}

	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			st.DBSizeBytes = info.Size()
		}
	}
	return st, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
