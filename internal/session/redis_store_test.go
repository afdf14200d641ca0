package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestSaveAndLookupContext(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	sc := Context{UserID: "u_1", UserName: "Avery", ActiveTenant: "acme"}

	if err := store.SaveContext(ctx, "hash-1", sc, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}

	got, err := store.LookupContext(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupContext failed: %v", err)
	}
	if got.UserID != "u_1" || got.ActiveTenant != "acme" {
		t.Fatalf("unexpected context: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt stamped on save")
	}
}

func TestLookupExpiredContext(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SaveContext(ctx, "hash-2", Context{UserID: "u_2", ActiveTenant: "acme"}, time.Now().Add(time.Millisecond)); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}

	s.FastForward(2 * time.Millisecond)

	if _, err := store.LookupContext(ctx, "hash-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired context, got %v", err)
	}
}

func TestRevokeContext(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SaveContext(ctx, "hash-3", Context{UserID: "u_3", ActiveTenant: "acme"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}
	if err := store.RevokeContext(ctx, "hash-3"); err != nil {
		t.Fatalf("RevokeContext failed: %v", err)
	}
	if _, err := store.LookupContext(ctx, "hash-3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}
}

func TestTenantSwitchReplacesContext(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SaveContext(ctx, "old-hash", Context{UserID: "u_4", ActiveTenant: "acme"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}
	if err := store.SaveContext(ctx, "new-hash", Context{UserID: "u_4", ActiveTenant: "globex"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}
	if err := store.RevokeContext(ctx, "old-hash"); err != nil {
		t.Fatalf("RevokeContext failed: %v", err)
	}

	got, err := store.LookupContext(ctx, "new-hash")
	if err != nil {
		t.Fatalf("LookupContext failed: %v", err)
	}
	if got.ActiveTenant != "globex" {
		t.Fatalf("expected context scoped to globex, got %+v", got)
	}
}
