package persistence

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/entity"
)

func TestMemoryRepositoryGetOrCreate(t *testing.T) {
	repo := NewMemorySessionRepository(0, zap.NewNop())
	defer repo.Close()
	ctx := context.Background()

	s1, err := repo.GetOrCreate(ctx, "abc")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s2, err := repo.GetOrCreate(ctx, "abc")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if s1 != s2 {
		t.Error("same id should return the same session instance")
	}

	if _, err := repo.GetOrCreate(ctx, ""); err != entity.ErrInvalidSessionID {
		t.Errorf("empty id error = %v, want ErrInvalidSessionID", err)
	}

	n, err := repo.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("Count = %d, %v; want 1, nil", n, err)
	}
}

func TestMemoryRepositoryFindAndDelete(t *testing.T) {
	repo := NewMemorySessionRepository(0, zap.NewNop())
	defer repo.Close()
	ctx := context.Background()

	if _, err := repo.Find(ctx, "missing"); err != entity.ErrSessionNotFound {
		t.Errorf("Find missing = %v, want ErrSessionNotFound", err)
	}

	if _, err := repo.GetOrCreate(ctx, "abc"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := repo.Find(ctx, "abc"); err != nil {
		t.Errorf("Find existing: %v", err)
	}

	existed, err := repo.Delete(ctx, "abc")
	if err != nil || !existed {
		t.Errorf("Delete = %v, %v; want true, nil", existed, err)
	}
	existed, err = repo.Delete(ctx, "abc")
	if err != nil || existed {
		t.Errorf("second Delete = %v, %v; want false, nil", existed, err)
	}
}

func TestMemoryRepositoryEviction(t *testing.T) {
	repo := NewMemorySessionRepository(time.Hour, zap.NewNop())
	defer repo.Close()
	ctx := context.Background()

	if _, err := repo.GetOrCreate(ctx, "idle"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	repo.evictIdle(time.Now().Add(2 * time.Hour))

	if _, err := repo.Find(ctx, "idle"); err != entity.ErrSessionNotFound {
		t.Errorf("idle session should be evicted, got %v", err)
	}
}
