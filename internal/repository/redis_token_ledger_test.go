package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRedisTokenLedger_ConsumeOnce(t *testing.T) {
	client, s := setupTestRedis(t)
	ledger := NewRedisTokenLedger(client)
	ctx := context.Background()

	first, err := ledger.Consume(ctx, "jti-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if !first {
		t.Error("first Consume should return true")
	}

	second, err := ledger.Consume(ctx, "jti-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if second {
		t.Error("second Consume should return false")
	}

	// 別のトークンは影響を受けない
	if other, _ := ledger.Consume(ctx, "jti-2", time.Now().Add(time.Hour)); !other {
		t.Error("different token should be consumable")
	}

	if ttl := s.TTL(usedTokenKeyPrefix + "jti-1"); ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL = %v, want (0, 1h]", ttl)
	}
}

func TestRedisTokenLedger_ExpiresWithToken(t *testing.T) {
	client, s := setupTestRedis(t)
	ledger := NewRedisTokenLedger(client)
	ctx := context.Background()

	if ok, err := ledger.Consume(ctx, "jti-1", time.Now().Add(time.Minute)); err != nil || !ok {
		t.Fatalf("Consume = %v, %v", ok, err)
	}

	s.FastForward(2 * time.Minute)

	if ok, err := ledger.Consume(ctx, "jti-1", time.Now().Add(time.Minute)); err != nil || !ok {
		t.Errorf("record should expire with the token: Consume = %v, %v", ok, err)
	}
}

func TestRedisTokenLedger_PastExpiryKeepsMinimumRecord(t *testing.T) {
	client, s := setupTestRedis(t)
	ledger := NewRedisTokenLedger(client)

	if _, err := ledger.Consume(context.Background(), "jti-old", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if ttl := s.TTL(usedTokenKeyPrefix + "jti-old"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}
}

func TestRedisTokenLedger_ConcurrentConsume(t *testing.T) {
	client, _ := setupTestRedis(t)
	ledger := NewRedisTokenLedger(client)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := ledger.Consume(context.Background(), "jti-race", time.Now().Add(time.Hour)); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful consumes = %d, want 1", wins.Load())
	}
}

func TestRedisTokenLedger_RedisDown(t *testing.T) {
	client, s := setupTestRedis(t)
	ledger := NewRedisTokenLedger(client)
	s.Close()

	if _, err := ledger.Consume(context.Background(), "jti-1", time.Now().Add(time.Hour)); err == nil {
		t.Error("expected error when redis is down")
	}
}
