package store

import (
	"context"
	"testing"
)

func TestUpsertAndGetSender(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &SenderRecord{
		Email:        "Deals@Example.COM",
		Trust:        0.95,
		Associations: []string{"I3_CREDIT"},
		Organization: "Example Capital",
	}
	if err := s.UpsertSender(ctx, r); err != nil {
		t.Fatalf("upserting sender: %v", err)
	}

	// Lookup is case-insensitive.
	got, err := s.GetSender(ctx, "deals@example.com")
	if err != nil {
		t.Fatalf("getting sender: %v", err)
	}
	if got == nil {
		t.Fatal("expected sender, got nil")
	}
	if got.Trust != 0.95 {
		t.Errorf("expected trust 0.95, got %f", got.Trust)
	}
	if len(got.Associations) != 1 || got.Associations[0] != "I3_CREDIT" {
		t.Errorf("expected associations [I3_CREDIT], got %v", got.Associations)
	}
	if got.Organization != "Example Capital" {
		t.Errorf("expected organization preserved, got %q", got.Organization)
	}
}

func TestGetSenderUnknown(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetSender(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown sender, got %+v", got)
	}
}

func TestAddSenderAssociation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertSender(ctx, &SenderRecord{Email: "a@b.com", Trust: 0.9, Associations: []string{"A1"}})

	// New association appends, preserving order.
	if err := s.AddSenderAssociation(ctx, "a@b.com", "A2"); err != nil {
		t.Fatalf("adding association: %v", err)
	}
	// Re-adding an existing association is a no-op.
	if err := s.AddSenderAssociation(ctx, "a@b.com", "A1"); err != nil {
		t.Fatalf("re-adding association: %v", err)
	}

	got, _ := s.GetSender(ctx, "a@b.com")
	if len(got.Associations) != 2 || got.Associations[0] != "A1" || got.Associations[1] != "A2" {
		t.Errorf("expected associations [A1 A2], got %v", got.Associations)
	}
}

func TestAddSenderAssociationCreatesRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddSenderAssociation(ctx, "new@b.com", "A1"); err != nil {
		t.Fatalf("adding association for new sender: %v", err)
	}
	got, _ := s.GetSender(ctx, "new@b.com")
	if got == nil {
		t.Fatal("expected sender record created on first association")
	}
	if got.Trust != 0.5 {
		t.Errorf("expected default trust 0.5, got %f", got.Trust)
	}
}
