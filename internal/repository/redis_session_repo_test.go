package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/moody/internal/model"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, s
}

func newSession(id, userID string, ttl time.Duration) *model.Session {
	now := time.Now()
	return &model.Session{ID: id, UserID: userID, ExpiresAt: now.Add(ttl), CreatedAt: now}
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestRedisSessionRepo_CreateAndFind(t *testing.T) {
	client, _ := setupTestRedis(t)
	repo := NewRedisSessionRepo(client)
	ctx := context.Background()

	if err := repo.Create(ctx, newSession("s1", "u1", time.Hour)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := repo.FindByID(ctx, "s1")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session")
	}
	if got.ID != "s1" || got.UserID != "u1" {
		t.Errorf("session = %+v", got)
	}
}

func TestRedisSessionRepo_FindMissing(t *testing.T) {
	client, _ := setupTestRedis(t)
	repo := NewRedisSessionRepo(client)

	got, err := repo.FindByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestRedisSessionRepo_ExpiresWithTTL(t *testing.T) {
	client, s := setupTestRedis(t)
	repo := NewRedisSessionRepo(client)
	ctx := context.Background()

	if err := repo.Create(ctx, newSession("s1", "u1", time.Minute)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	got, err := repo.FindByID(ctx, "s1")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got != nil {
		t.Error("expired session should not be returned")
	}
}

func TestRedisSessionRepo_CreateRejectsExpired(t *testing.T) {
	client, _ := setupTestRedis(t)
	repo := NewRedisSessionRepo(client)

	if err := repo.Create(context.Background(), newSession("s1", "u1", -time.Second)); err == nil {
		t.Fatal("expected error for expired session")
	}
}

func TestRedisSessionRepo_DeleteByID(t *testing.T) {
	client, s := setupTestRedis(t)
	repo := NewRedisSessionRepo(client)
	ctx := context.Background()
	repo.Create(ctx, newSession("s1", "u1", time.Hour))

	if err := repo.DeleteByID(ctx, "s1"); err != nil {
		t.Fatalf("DeleteByID failed: %v", err)
	}
	if got, _ := repo.FindByID(ctx, "s1"); got != nil {
		t.Error("session should be deleted")
	}
	if ok, _ := s.SIsMember(userSessionKeyPrefix+"u1", "s1"); ok {
		t.Error("session id should be removed from the user set")
	}

	// 存在しないIDの削除はエラーにならない
	if err := repo.DeleteByID(ctx, "missing"); err != nil {
		t.Errorf("DeleteByID(missing) = %v", err)
	}
}

func TestRedisSessionRepo_DeleteByUserID(t *testing.T) {
	client, _ := setupTestRedis(t)
	repo := NewRedisSessionRepo(client)
	ctx := context.Background()
	repo.Create(ctx, newSession("s1", "u1", time.Hour))
	repo.Create(ctx, newSession("s2", "u1", time.Hour))
	repo.Create(ctx, newSession("s3", "u2", time.Hour))

	if err := repo.DeleteByUserID(ctx, "u1"); err != nil {
		t.Fatalf("DeleteByUserID failed: %v", err)
	}

	for _, id := range []string{"s1", "s2"} {
		if got, _ := repo.FindByID(ctx, id); got != nil {
			t.Errorf("session %s should be deleted", id)
		}
	}
	if got, _ := repo.FindByID(ctx, "s3"); got == nil {
		t.Error("other user's session should remain")
	}
}

func TestRedisTokenLedger_ConsumeOnceBasic(t *testing.T) {
	client, _ := setupTestRedis(t)
	ledger := NewRedisTokenLedger(client)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	first, err := ledger.Consume(ctx, "jti-1", exp)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if !first {
		t.Error("first consume should succeed")
	}

	second, err := ledger.Consume(ctx, "jti-1", exp)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if second {
		t.Error("second consume should report already used")
	}

	other, _ := ledger.Consume(ctx, "jti-2", exp)
	if !other {
		t.Error("different jti should be independent")
	}
}

func TestRedisTokenLedger_RecordExpires(t *testing.T) {
	client, s := setupTestRedis(t)
	ledger := NewRedisTokenLedger(client)
	ctx := context.Background()

	ledger.Consume(ctx, "jti-1", time.Now().Add(time.Minute))
	ttl := s.TTL(usedTokenKeyPrefix + "jti-1")
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want within a minute", ttl)
	}
}
