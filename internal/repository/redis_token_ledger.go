package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const usedTokenKeyPrefix = "moody:used_token:"

// RedisTokenLedger はRedisを使用したトークン使用履歴。
// SETNXとTTLで記録するため、期限切れの記録は自動的に消える。
type RedisTokenLedger struct {
	client *redis.Client
}

// NewRedisTokenLedger はRedisTokenLedgerを生成する。
func NewRedisTokenLedger(client *redis.Client) *RedisTokenLedger {
	return &RedisTokenLedger{client: client}
}

// Consume はトークンIDを使用済みとして記録する。既に記録済みならfalseを返す。
func (l *RedisTokenLedger) Consume(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// 期限切れのトークンは検証側で拒否されるが、記録は最低限残す
		ttl = time.Minute
	}
	ok, err := l.client.SetNX(ctx, usedTokenKeyPrefix+jti, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record used token: %w", err)
	}
	return ok, nil
}

var _ TokenLedger = (*RedisTokenLedger)(nil)
