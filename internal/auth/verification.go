package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// verificationAudience は確認メール用トークンのaudience。
	verificationAudience = "email-verify"
	// verificationTTL は確認メール用トークンの有効期間。
	verificationTTL = 24 * time.Hour
)

// verificationClaims は確認メール用トークンのクレーム。
type verificationClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// signVerificationToken はHS256で署名した確認用トークンを生成する。
func signVerificationToken(secret []byte, userID, email string, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("token secret is not configured")
	}
	claims := verificationClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			Audience:  jwt.ClaimStrings{verificationAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(verificationTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// parseVerificationToken は確認用トークンを検証してクレームを返す。
// 署名、アルゴリズム、audience、有効期限のいずれかが不正ならエラーを返す。
func parseVerificationToken(secret []byte, raw string, now time.Time) (*verificationClaims, error) {
	claims := &verificationClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(verificationAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, errors.New("token is missing subject or id")
	}
	return claims, nil
}
