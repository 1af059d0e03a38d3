package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Ubiwhere/uw-api-keys/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestKey(t *testing.T, s *Store, identifier string) *model.APIKey {
	t.Helper()
	key := &model.APIKey{
		Identifier: identifier,
		Prefix:     "uwk",
		SecretHash: "hash-" + identifier,
		Owner:      "acme",
		Label:      "test key",
		IsActive:   true,
	}
	if err := s.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	return key
}

func TestCreateAndGetAPIKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := newTestKey(t, s, "abc123")
	if key.ID == 0 {
		t.Fatal("expected populated ID after insert")
	}
	if key.CreatedAt.IsZero() {
		t.Fatal("expected populated CreatedAt after insert")
	}

	got, err := s.GetAPIKeyByIdentifier(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetAPIKeyByIdentifier: %v", err)
	}
	if got.ID != key.ID || got.SecretHash != key.SecretHash || got.Owner != "acme" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.IsActive {
		t.Error("expected active key")
	}

	if _, err := s.GetAPIKeyByIdentifier(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIdentifierUnique(t *testing.T) {
	s := newTestStore(t)
	newTestKey(t, s, "dup")

	dup := &model.APIKey{Identifier: "dup", Prefix: "uwk", SecretHash: "h", IsActive: true}
	if err := s.CreateAPIKey(context.Background(), dup); err == nil {
		t.Error("expected unique constraint violation for duplicate identifier")
	}
}

func TestCreateAPIKeyWithScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	read, _ := model.ParseOpSet([]string{"read"})
	all, _ := model.ParseOpSet([]string{"read", "update", "delete"})
	key := &model.APIKey{
		Identifier: "atomic",
		Prefix:     "uwk",
		SecretHash: "hash-atomic",
		Owner:      "acme",
		IsActive:   true,
	}
	grants := map[string]model.OpSet{
		"invoice": all,
		"report":  read,
		"empty":   0,
	}
	if err := s.CreateAPIKeyWithScopes(ctx, key, grants); err != nil {
		t.Fatalf("CreateAPIKeyWithScopes: %v", err)
	}
	if key.ID == 0 {
		t.Fatal("expected populated ID after insert")
	}

	scopes, err := s.GetScopes(ctx, key.ID)
	if err != nil {
		t.Fatalf("GetScopes: %v", err)
	}
	// Empty op sets are skipped, never persisted as rows.
	if len(scopes) != 2 {
		t.Fatalf("expected 2 scope rows, got %d", len(scopes))
	}
	if scopes[0].ResourceType != "invoice" || !scopes[0].Ops.Contains(model.OpDelete) {
		t.Errorf("invoice scope = %+v", scopes[0])
	}
	if scopes[1].ResourceType != "report" || scopes[1].Ops.Contains(model.OpUpdate) {
		t.Errorf("report scope = %+v", scopes[1])
	}

	// A failed insert rolls the whole transaction back: no key, no grants.
	dup := &model.APIKey{Identifier: "atomic", Prefix: "uwk", SecretHash: "h", IsActive: true}
	if err := s.CreateAPIKeyWithScopes(ctx, dup, map[string]model.OpSet{"invoice": read}); err == nil {
		t.Fatal("expected unique constraint violation for duplicate identifier")
	}
	if dup.ID != 0 {
		t.Errorf("failed insert must not populate ID, got %d", dup.ID)
	}
	scopes, _ = s.GetScopes(ctx, key.ID)
	if len(scopes) != 2 {
		t.Errorf("original key's scopes changed after failed insert: %+v", scopes)
	}
}

func TestDeactivateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := newTestKey(t, s, "deact")

	if err := s.DeactivateAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("DeactivateAPIKey: %v", err)
	}
	// Second deactivation leaves state unchanged and still succeeds.
	if err := s.DeactivateAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("repeat DeactivateAPIKey: %v", err)
	}

	got, err := s.GetAPIKeyByIdentifier(ctx, "deact")
	if err != nil {
		t.Fatalf("GetAPIKeyByIdentifier: %v", err)
	}
	if got.IsActive {
		t.Error("key should be inactive")
	}

	if err := s.DeactivateAPIKey(ctx, 99999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing key, got %v", err)
	}
}

func TestTouchAPIKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := newTestKey(t, s, "touch")

	if key.LastUsed != nil {
		t.Fatal("fresh key should have no last_used")
	}
	if err := s.TouchAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("TouchAPIKey: %v", err)
	}
	got, _ := s.GetAPIKeyByIdentifier(ctx, "touch")
	if got.LastUsed == nil {
		t.Error("expected last_used to be set")
	}
}

func TestGrantScopeMerges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := newTestKey(t, s, "scopes")

	read, _ := model.ParseOpSet([]string{"read"})
	update, _ := model.ParseOpSet([]string{"update"})

	if err := s.GrantScope(ctx, key.ID, "invoice", read); err != nil {
		t.Fatalf("GrantScope: %v", err)
	}
	if err := s.GrantScope(ctx, key.ID, "invoice", update); err != nil {
		t.Fatalf("GrantScope merge: %v", err)
	}
	if err := s.GrantScope(ctx, key.ID, "report", read); err != nil {
		t.Fatalf("GrantScope second resource: %v", err)
	}

	scopes, err := s.GetScopes(ctx, key.ID)
	if err != nil {
		t.Fatalf("GetScopes: %v", err)
	}
	if len(scopes) != 2 {
		t.Fatalf("expected 2 scope rows, got %d", len(scopes))
	}
	// Single merged row per resource type, sorted by resource type.
	if scopes[0].ResourceType != "invoice" {
		t.Fatalf("expected invoice first, got %q", scopes[0].ResourceType)
	}
	if !scopes[0].Ops.Contains(model.OpRead) || !scopes[0].Ops.Contains(model.OpUpdate) {
		t.Errorf("invoice ops = %v, want read+update", scopes[0].Ops)
	}
	if scopes[0].Ops.Contains(model.OpDelete) {
		t.Error("invoice must not have delete")
	}
	if len(scopes[0].Operations) != 2 {
		t.Errorf("Operations view = %v, want 2 entries", scopes[0].Operations)
	}
}

func TestGrantScopeMissingKey(t *testing.T) {
	s := newTestStore(t)
	read, _ := model.ParseOpSet([]string{"read"})
	if err := s.GrantScope(context.Background(), 404, "invoice", read); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := newTestKey(t, s, "revoke")

	both, _ := model.ParseOpSet([]string{"read", "update"})
	read, _ := model.ParseOpSet([]string{"read"})
	update, _ := model.ParseOpSet([]string{"update"})

	if err := s.GrantScope(ctx, key.ID, "invoice", both); err != nil {
		t.Fatalf("GrantScope: %v", err)
	}

	if err := s.RevokeScope(ctx, key.ID, "invoice", read); err != nil {
		t.Fatalf("RevokeScope: %v", err)
	}
	scopes, _ := s.GetScopes(ctx, key.ID)
	if len(scopes) != 1 || scopes[0].Ops.Contains(model.OpRead) || !scopes[0].Ops.Contains(model.OpUpdate) {
		t.Fatalf("after revoking read: %+v", scopes)
	}

	// Removing the last operation deletes the row.
	if err := s.RevokeScope(ctx, key.ID, "invoice", update); err != nil {
		t.Fatalf("RevokeScope last op: %v", err)
	}
	scopes, _ = s.GetScopes(ctx, key.ID)
	if len(scopes) != 0 {
		t.Fatalf("expected empty scope set, got %+v", scopes)
	}

	if err := s.RevokeScope(ctx, key.ID, "invoice", read); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound revoking absent scope, got %v", err)
	}
}

func TestUsageEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := newTestKey(t, s, "usage")

	for i := 0; i < 3; i++ {
		ev := &model.UsageEvent{
			KeyID:         &key.ID,
			KeyIdentifier: key.Identifier,
			ResourceType:  "invoice",
			Operation:     "read",
			Outcome:       model.OutcomeAllowed,
		}
		if err := s.RecordUsage(ctx, ev); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
		if ev.ID == 0 {
			t.Fatal("expected populated event ID")
		}
	}
	s.RecordUsage(ctx, &model.UsageEvent{
		KeyIdentifier: "other",
		Outcome:       model.OutcomeInvalidKey,
		Reason:        model.ReasonUnknownKey,
	})

	events, err := s.ListUsage(ctx, model.UsageFilter{KeyIdentifier: "usage"})
	if err != nil {
		t.Fatalf("ListUsage: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for key, got %d", len(events))
	}

	total, err := s.CountUsage(ctx, model.UsageFilter{})
	if err != nil {
		t.Fatalf("CountUsage: %v", err)
	}
	if total != 4 {
		t.Errorf("CountUsage = %d, want 4", total)
	}

	denied, _ := s.ListUsage(ctx, model.UsageFilter{Outcome: model.OutcomeInvalidKey})
	if len(denied) != 1 || denied[0].Reason != model.ReasonUnknownKey {
		t.Errorf("invalid-key filter: %+v", denied)
	}

	limited, _ := s.ListUsage(ctx, model.UsageFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d events", len(limited))
	}
}

func TestUsageSurvivesKeyDeactivation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := newTestKey(t, s, "history")

	s.RecordUsage(ctx, &model.UsageEvent{
		KeyID:         &key.ID,
		KeyIdentifier: key.Identifier,
		Outcome:       model.OutcomeAllowed,
	})
	if err := s.DeactivateAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("DeactivateAPIKey: %v", err)
	}

	events, err := s.ListUsage(ctx, model.UsageFilter{KeyIdentifier: "history"})
	if err != nil {
		t.Fatalf("ListUsage: %v", err)
	}
	if len(events) != 1 {
		t.Fatal("usage history should survive key deactivation")
	}
}

func TestPruneUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &model.UsageEvent{
		KeyIdentifier: "old",
		OccurredAt:    time.Now().UTC().Add(-48 * time.Hour),
		Outcome:       model.OutcomeAllowed,
	}
	recent := &model.UsageEvent{
		KeyIdentifier: "recent",
		Outcome:       model.OutcomeAllowed,
	}
	s.RecordUsage(ctx, old)
	s.RecordUsage(ctx, recent)

	n, err := s.PruneUsage(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneUsage: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d events, want 1", n)
	}
	remaining, _ := s.ListUsage(ctx, model.UsageFilter{})
	if len(remaining) != 1 || remaining[0].KeyIdentifier != "recent" {
		t.Errorf("unexpected remaining events: %+v", remaining)
	}
}

func TestAdmins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	has, err := s.HasAnyAdmin(ctx)
	if err != nil {
		t.Fatalf("HasAnyAdmin: %v", err)
	}
	if has {
		t.Fatal("fresh store should have no admins")
	}

	admin := &model.Admin{Email: "ops@example.com", PasswordHash: "bcrypt-hash", Name: "Ops", IsActive: true}
	if err := s.CreateAdmin(ctx, admin); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}

	got, err := s.GetAdminByEmail(ctx, "ops@example.com")
	if err != nil {
		t.Fatalf("GetAdminByEmail: %v", err)
	}
	if got.ID != admin.ID || got.Name != "Ops" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if err := s.UpdateAdminLastLogin(ctx, admin.ID); err != nil {
		t.Fatalf("UpdateAdminLastLogin: %v", err)
	}
	got, _ = s.GetAdminByEmail(ctx, "ops@example.com")
	if got.LastLoginAt == nil {
		t.Error("expected last_login_at to be set")
	}

	if _, err := s.GetAdminByEmail(ctx, "ghost@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
