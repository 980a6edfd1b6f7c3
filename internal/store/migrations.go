package store

import (
	"fmt"
	"time"
)

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	// Seed metadata (outside bootstrap transaction — meta table now exists)
	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	// Schema evolution: sender organization column.
	// ALTER TABLE can't live inside CREATE TABLE IF NOT EXISTS; check for
	// column existence first so re-runs stay idempotent.
	if err := s.migrateSenderOrgColumn(); err != nil {
		return fmt.Errorf("migrating sender organization column: %w", err)
	}

	// Schema evolution: pending-feedback index for the integrator queue.
	if err := s.migrateFeedbackPendingIndex(); err != nil {
		return fmt.Errorf("migrating feedback pending index: %w", err)
	}

	return nil
}

// runBootstrapDDL creates the initial schema inside one transaction.
func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		// Asset profiles: the entities attachments are matched to
		`CREATE TABLE IF NOT EXISTS profiles (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			keywords   TEXT NOT NULL DEFAULT '[]',
			confidence REAL NOT NULL DEFAULT 1.0,
			category   TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// FTS5 index over profile text for general-term candidate search
		`CREATE VIRTUAL TABLE IF NOT EXISTS profiles_fts USING fts5(
			profile_id UNINDEXED,
			name,
			keywords,
			category
		)`,

		// Exact keyword lookup used for priority-term partitioning
		`CREATE TABLE IF NOT EXISTS profile_keywords (
			profile_id TEXT NOT NULL,
			keyword    TEXT NOT NULL,
			PRIMARY KEY (profile_id, keyword)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profile_keywords_kw
			ON profile_keywords(keyword)`,

		// Sender trust and associations
		`CREATE TABLE IF NOT EXISTS senders (
			email        TEXT PRIMARY KEY,
			trust        REAL NOT NULL DEFAULT 0.5,
			associations TEXT NOT NULL DEFAULT '[]',
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Procedural rules: one row per rule type, never deleted
		`CREATE TABLE IF NOT EXISTS rules (
			rule_type     TEXT PRIMARY KEY,
			confidence    REAL NOT NULL DEFAULT 0.5,
			weight        REAL NOT NULL DEFAULT 0.5,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_used     DATETIME,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Domain-indicator terms for relevance scoring
		`CREATE TABLE IF NOT EXISTS content_patterns (
			term       TEXT PRIMARY KEY,
			confidence REAL NOT NULL DEFAULT 0.5,
			category   TEXT NOT NULL DEFAULT ''
		)`,

		// Episodic feedback, immutable apart from applied_at
		`CREATE TABLE IF NOT EXISTS feedback (
			id              TEXT PRIMARY KEY,
			message_ref     TEXT NOT NULL DEFAULT '',
			attachment      TEXT NOT NULL DEFAULT '',
			correct_profile TEXT,
			category        TEXT NOT NULL DEFAULT '',
			reason          TEXT NOT NULL DEFAULT '',
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			applied_at      DATETIME
		)`,

		// Schema metadata
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning bootstrap transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrap DDL: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bootstrap DDL: %w", err)
	}
	return nil
}

func (s *SQLiteStore) seedMeta() error {
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', '1')
		 ON CONFLICT(key) DO NOTHING`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO meta (key, value) VALUES ('created_at', ?)
		 ON CONFLICT(key) DO NOTHING`, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'",
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err = s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		return false, nil // missing flag, not an error
	}
	return value == "1", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES (?, '1')
		 ON CONFLICT(key) DO UPDATE SET value = '1'`, key)
	return err
}

func (s *SQLiteStore) migrateSenderOrgColumn() error {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('senders') WHERE name='organization'",
	).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err = s.db.Exec("ALTER TABLE senders ADD COLUMN organization TEXT NOT NULL DEFAULT ''")
	return err
}

func (s *SQLiteStore) migrateFeedbackPendingIndex() error {
	_, err := s.db.Exec(
		`CREATE INDEX IF NOT EXISTS idx_feedback_pending
			ON feedback(created_at) WHERE applied_at IS NULL`)
	return err
}
