package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AddFeedback writes a feedback record. Records are immutable once written;
// inserting the same id twice is a no-op so retries stay idempotent.
func (s *SQLiteStore) AddFeedback(ctx context.Context, f *FeedbackRecord) error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("feedback id is required")
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, message_ref, attachment, correct_profile, category, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		f.ID, f.MessageRef, f.Attachment, f.CorrectProfile, f.Category, f.Reason, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("adding feedback %s: %w", f.ID, err)
	}
	return nil
}

// GetFeedback retrieves a feedback record. Returns (nil, nil) when absent.
func (s *SQLiteStore) GetFeedback(ctx context.Context, id string) (*FeedbackRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, message_ref, attachment, correct_profile, category, reason, created_at, applied_at
		 FROM feedback WHERE id = ?`, id)
	f, err := scanFeedback(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting feedback %s: %w", id, err)
	}
	return f, nil
}

// ListPendingFeedback returns unapplied feedback, oldest first.
func (s *SQLiteStore) ListPendingFeedback(ctx context.Context, limit int) ([]*FeedbackRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_ref, attachment, correct_profile, category, reason, created_at, applied_at
		 FROM feedback WHERE applied_at IS NULL ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending feedback: %w", err)
	}
	defer rows.Close()

	var out []*FeedbackRecord
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning feedback row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkFeedbackApplied stamps applied_at and reports whether this call won
// the race: false means the record was already applied (or missing), so the
// caller must not apply its adjustments again.
func (s *SQLiteStore) MarkFeedbackApplied(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE feedback SET applied_at = ? WHERE id = ? AND applied_at IS NULL",
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("marking feedback %s applied: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking feedback %s applied: %w", id, err)
	}
	return n == 1, nil
}

func scanFeedback(sc rowScanner) (*FeedbackRecord, error) {
	f := &FeedbackRecord{}
	var profile sql.NullString
	var applied sql.NullTime
	err := sc.Scan(&f.ID, &f.MessageRef, &f.Attachment, &profile, &f.Category,
		&f.Reason, &f.CreatedAt, &applied)
	if err != nil {
		return nil, err
	}
	if profile.Valid {
		v := profile.String
		f.CorrectProfile = &v
	}
	if applied.Valid {
		t := applied.Time
		f.AppliedAt = &t
	}
	return f, nil
}
