package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresTokenLedger はused_tokensテーブルを使用したトークン使用履歴。
type PostgresTokenLedger struct {
	db *sql.DB
}

// NewPostgresTokenLedger はPostgresTokenLedgerを生成する。
func NewPostgresTokenLedger(db *sql.DB) *PostgresTokenLedger {
	return &PostgresTokenLedger{db: db}
}

// Consume はトークンIDを使用済みとして記録する。既に記録済みならfalseを返す。
func (l *PostgresTokenLedger) Consume(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	result, err := l.db.ExecContext(ctx,
		`INSERT INTO used_tokens (jti, expires_at) VALUES ($1, $2)
		 ON CONFLICT (jti) DO NOTHING`,
		jti, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record used token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteExpired は期限切れの記録を削除し、削除件数を返す。
func (l *PostgresTokenLedger) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM used_tokens WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

var _ TokenLedger = (*PostgresTokenLedger)(nil)
