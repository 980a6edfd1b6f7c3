package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UpsertSender inserts or replaces a sender record keyed by lower-cased
// email address.
func (s *SQLiteStore) UpsertSender(ctx context.Context, r *SenderRecord) error {
	email := strings.ToLower(strings.TrimSpace(r.Email))
	if email == "" {
		return fmt.Errorf("sender email is required")
	}
	r.Email = email
	r.Trust = clamp01(r.Trust)
	if r.Associations == nil {
		r.Associations = []string{}
	}

	assocJSON, err := json.Marshal(r.Associations)
	if err != nil {
		return fmt.Errorf("encoding associations: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO senders (email, trust, associations, organization, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET
			trust = excluded.trust,
			associations = excluded.associations,
			organization = excluded.organization,
			updated_at = excluded.updated_at`,
		r.Email, r.Trust, string(assocJSON), r.Organization, now, now)
	if err != nil {
		return fmt.Errorf("upserting sender %s: %w", r.Email, err)
	}
	r.UpdatedAt = now
	return nil
}

// GetSender retrieves a sender record. Returns (nil, nil) when unknown.
func (s *SQLiteStore) GetSender(ctx context.Context, email string) (*SenderRecord, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	r := &SenderRecord{}
	var assocJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT email, trust, associations, organization, created_at, updated_at
		 FROM senders WHERE email = ?`, email,
	).Scan(&r.Email, &r.Trust, &assocJSON, &r.Organization, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting sender %s: %w", email, err)
	}
	if err := json.Unmarshal([]byte(assocJSON), &r.Associations); err != nil {
		return nil, fmt.Errorf("decoding associations for %s: %w", email, err)
	}
	return r, nil
}

// AddSenderAssociation appends profileID to the sender's association list
// if absent. Associations are only ever added here; removal is an explicit
// administrative action outside the matching core. Unknown senders get a
// fresh record with default trust.
func (s *SQLiteStore) AddSenderAssociation(ctx context.Context, email, profileID string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || profileID == "" {
		return fmt.Errorf("sender email and profile id are required")
	}

	r, err := s.GetSender(ctx, email)
	if err != nil {
		return err
	}
	if r == nil {
		r = &SenderRecord{Email: email, Trust: 0.5}
	}

	for _, id := range r.Associations {
		if id == profileID {
			return nil // already associated
		}
	}
	r.Associations = append(r.Associations, profileID)
	return s.UpsertSender(ctx, r)
}
